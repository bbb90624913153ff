package badger

import (
	"io/ioutil"
	"os"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v2"
	"github.com/stretchr/testify/require"

	"github.com/waterlogged/waterlogged/payload"
	"github.com/waterlogged/waterlogged/rainfall"
	"github.com/waterlogged/waterlogged/storage"
)

func openStore(t *testing.T) (*badger.DB, func()) {
	dir, err := ioutil.TempDir("", "badger")
	require.NoError(t, err)

	opt := badger.DefaultOptions(dir)
	opt.Logger = nil

	db, err := badger.Open(opt)
	require.NoError(t, err)

	return db, func() {
		if db != nil {
			db.Close()
		}
		os.RemoveAll(dir)
	}
}

func record(node int, t time.Time, rain float64) storage.Record {
	return storage.Record{
		NodeID:   node,
		DeviceID: "dev",
		Via:      "TTN",
		Time:     t,
		Reading: payload.Reading{
			WeightG:      rain / payload.RainfallConversionFactor,
			RainfallIn:   rain,
			TemperatureF: 60,
			HumidityPct:  50,
			DecodedAt:    t,
			NodeID:       node,
		},
		Warnings: []string{},
		Raw:      []byte{1, 2, 3, 4, 5, 6},
	}
}

func TestReadings(t *testing.T) {
	bdb, clean := openStore(t)
	defer clean()

	s := &Store{DB: bdb}

	base := time.Date(2025, 4, 12, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.StoreReading(record(1, base.Add(time.Duration(i)*time.Minute), 0.01)))
	}
	require.NoError(t, s.StoreReading(record(2, base, 0.5)))

	recs, err := s.Readings(1, time.Time{}, time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, recs, 5)
	// most recent first
	require.Equal(t, base.Add(4*time.Minute), recs[0].Time)
	require.Equal(t, base, recs[4].Time)
	require.Equal(t, []byte{1, 2, 3, 4, 5, 6}, recs[0].Raw)

	recs, err = s.Readings(1, base.Add(time.Minute), base.Add(3*time.Minute), 0)
	require.NoError(t, err)
	require.Len(t, recs, 3)

	recs, err = s.Readings(1, time.Time{}, time.Time{}, 2)
	require.NoError(t, err)
	require.Len(t, recs, 2)

	latest, err := s.Latest(2)
	require.NoError(t, err)
	require.Equal(t, 0.5, latest.Reading.RainfallIn)

	_, err = s.Latest(3)
	require.Equal(t, storage.ErrNotFound, err)

	ids, err := s.NodeIDs()
	require.NoError(t, err)
	require.Equal(t, []int{1, 2}, ids)
}

func TestAggregates(t *testing.T) {
	bdb, clean := openStore(t)
	defer clean()

	s := &Store{DB: bdb}

	base := time.Date(2025, 4, 12, 10, 0, 0, 0, time.UTC)
	require.NoError(t, s.StoreReading(record(1, base, 0.01)))
	require.NoError(t, s.StoreReading(record(1, base.Add(30*time.Minute), 0.02)))
	require.NoError(t, s.StoreReading(record(1, base.Add(90*time.Minute), 0.04)))

	b, err := s.Aggregates(1, rainfall.Hour, base, base.Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, b, 2)
	require.Equal(t, base, b[0].Start)
	require.Equal(t, 2, b[0].Count)
	require.Equal(t, 0.03, b[0].TotalRainfallIn)
	require.Equal(t, 0.04, b[1].TotalRainfallIn)

	b, err = s.Aggregates(1, rainfall.Day, base, base.Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, b, 1)
	require.Equal(t, 3, b[0].Count)
}

func TestStoreNode(t *testing.T) {
	bdb, clean := openStore(t)
	defer clean()

	s := &Store{DB: bdb}

	ts := time.Now().UTC()
	err := s.StoreNode(storage.Node{ID: 1, Name: "roof", Lat: 48.8, Lng: 2.2, UpdatedAt: ts})
	require.NoError(t, err)

	nodes, err := s.RadiusSearch(48.8, 2.2, 10000)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	require.Equal(t, "roof", nodes[0].Name)

	nodes, err = s.RadiusSearch(44.8, 2.2, 10000)
	require.NoError(t, err)
	require.Len(t, nodes, 0)

	nodes, err = s.RectSearch(48.83, 2.56, 48.62, 2.13)
	require.NoError(t, err)
	require.Len(t, nodes, 1)

	// moving the node keeps a single geo entry
	err = s.StoreNode(storage.Node{ID: 1, Name: "roof", Lat: 42.34, Lng: -71.17, UpdatedAt: ts})
	require.NoError(t, err)

	nodes, err = s.RadiusSearch(48.8, 2.2, 10000)
	require.NoError(t, err)
	require.Len(t, nodes, 0)

	nodes, err = s.RadiusSearch(42.34, -71.17, 1000)
	require.NoError(t, err)
	require.Len(t, nodes, 1)

	n, err := s.Node(1)
	require.NoError(t, err)
	require.InDelta(t, 42.34, n.Lat, 1e-9)

	_, err = s.Node(2)
	require.Equal(t, storage.ErrNotFound, err)

	all, err := s.Nodes()
	require.NoError(t, err)
	require.Len(t, all, 1)
}
