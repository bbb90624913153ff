package storage

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestKeys(t *testing.T) {
	ts := time.Now().UTC()

	rk := ReadingKey(42, ts)
	node, nts, err := ReadReadingKey(rk)
	require.NoError(t, err)
	require.Equal(t, 42, node)
	require.Equal(t, ts.UnixNano(), nts.UnixNano())
	require.Equal(t, ReadingPrefix(42), rk[:len(rk)-8])

	pk := PointKey(48.8, 2.2, 42)
	cell, node, err := ReadPointKey(pk)
	require.NoError(t, err)
	require.Equal(t, 42, node)
	require.InDelta(t, 48.8, cell.LatLng().Lat.Degrees(), 0.0001)
	require.InDelta(t, 2.2, cell.LatLng().Lng.Degrees(), 0.0001)

	node, err = ReadListKey(ListKey(7))
	require.NoError(t, err)
	require.Equal(t, 7, node)

	_, _, err = ReadReadingKey([]byte("WLR"))
	require.Error(t, err)
	_, _, err = ReadPointKey([]byte("WLG"))
	require.Error(t, err)
}

func TestReadingKeyOrder(t *testing.T) {
	older := time.Date(2025, 4, 12, 10, 0, 0, 0, time.UTC)
	newer := older.Add(time.Minute)

	// the most recent sorts first
	require.Equal(t, -1, bytes.Compare(ReadingKey(1, newer), ReadingKey(1, older)))
	// nodes never interleave
	require.Equal(t, -1, bytes.Compare(ReadingKey(1, older), ReadingKey(2, newer)))
}

func TestBounds(t *testing.T) {
	from, to := Bounds(time.Time{}, time.Time{})
	require.Equal(t, MinGeoTime, from)
	require.Equal(t, MaxGeoTime, to)

	now := time.Now()
	from, to = Bounds(now, now)
	require.Equal(t, now, from)
	require.Equal(t, now, to)
}

func TestRadiusCap(t *testing.T) {
	c := RadiusCap(42.34, -71.17, 1000)
	require.True(t, c.ContainsPoint(PointOf(42.341, -71.171)))
	require.False(t, c.ContainsPoint(PointOf(42.44, -71.17)))

	r := RectRegion(42.4, -71.1, 42.3, -71.2)
	require.True(t, r.ContainsPoint(PointOf(42.34, -71.17)))
	require.NotEmpty(t, Cover(r))
}
