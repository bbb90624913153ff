package rainfall

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func at(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestAggregateHourly(t *testing.T) {
	points := []Point{
		{Time: at("2025-04-12T10:45:00Z"), RainfallIn: 0.02, TemperatureF: 60, HumidityPct: 80},
		{Time: at("2025-04-12T10:15:00Z"), RainfallIn: 0.01, TemperatureF: 58, HumidityPct: 70},
		{Time: at("2025-04-12T09:59:59Z"), RainfallIn: 0.1, TemperatureF: 55, HumidityPct: 90},
	}

	b := Aggregate(points, Hour, time.UTC)
	require.Len(t, b, 2)

	require.Equal(t, at("2025-04-12T09:00:00Z"), b[0].Start)
	require.Equal(t, at("2025-04-12T10:00:00Z"), b[0].End)
	require.Equal(t, 1, b[0].Count)
	require.Equal(t, 0.1, b[0].TotalRainfallIn)

	require.Equal(t, at("2025-04-12T10:00:00Z"), b[1].Start)
	require.Equal(t, 2, b[1].Count)
	require.Equal(t, 0.03, b[1].TotalRainfallIn)
	require.Equal(t, 0.015, b[1].AvgRainfallIn)
	require.Equal(t, 0.03, b[1].RateInPerHour)
	require.Equal(t, 59.0, b[1].AvgTemperatureF)
	require.Equal(t, 75.0, b[1].AvgHumidityPct)
}

func TestAggregateWeekStartsSunday(t *testing.T) {
	// 2025-04-12 is a Saturday, 2025-04-13 a Sunday
	points := []Point{
		{Time: at("2025-04-12T12:00:00Z"), RainfallIn: 0.5},
		{Time: at("2025-04-13T12:00:00Z"), RainfallIn: 0.25},
		{Time: at("2025-04-07T12:00:00Z"), RainfallIn: 0.25},
	}
	b := Aggregate(points, Week, time.UTC)
	require.Len(t, b, 2)
	require.Equal(t, at("2025-04-06T00:00:00Z"), b[0].Start)
	require.Equal(t, 0.75, b[0].TotalRainfallIn)
	require.Equal(t, at("2025-04-13T00:00:00Z"), b[1].Start)
	require.Equal(t, at("2025-04-20T00:00:00Z"), b[1].End)
}

func TestAggregateMonthAndLocation(t *testing.T) {
	loc := time.FixedZone("EDT", -4*3600)

	// 03:00 UTC on the first is still the previous month in Boston
	points := []Point{
		{Time: at("2025-05-01T03:00:00Z"), RainfallIn: 1},
		{Time: at("2025-04-02T15:00:00Z"), RainfallIn: 1},
	}
	b := Aggregate(points, Month, loc)
	require.Len(t, b, 1)
	require.Equal(t, 2, b[0].Count)
	require.Equal(t, time.April, b[0].Start.Month())

	require.Len(t, Aggregate(points, Month, nil), 2)
	require.Empty(t, Aggregate(nil, Day, nil))
}

func TestParseInterval(t *testing.T) {
	i, err := ParseInterval("")
	require.NoError(t, err)
	require.Equal(t, Day, i)

	i, err = ParseInterval("week")
	require.NoError(t, err)
	require.Equal(t, Week, i)

	_, err = ParseInterval("fortnight")
	require.Equal(t, ErrInvalidInterval, errors.Cause(err))
}

func TestParseRange(t *testing.T) {
	d, err := ParseRange("24h")
	require.NoError(t, err)
	require.Equal(t, 24*time.Hour, d)

	d, err = ParseRange("7d")
	require.NoError(t, err)
	require.Equal(t, 7*24*time.Hour, d)

	d, err = ParseRange("36525d")
	require.NoError(t, err)
	require.Equal(t, MaxRange, d)

	for _, s := range []string{"", "h", "7w", "-1d", "1.5h", "24 h", "36526d", "200000d", "876601h", "99999999999999999999h"} {
		_, err = ParseRange(s)
		require.Equal(t, ErrInvalidRange, errors.Cause(err), s)
	}
}

func TestPeriodBounds(t *testing.T) {
	// a Wednesday
	now := at("2025-04-16T15:04:05Z")

	s, e := PeriodBounds("today", now)
	require.Equal(t, at("2025-04-16T00:00:00Z"), s)
	require.Equal(t, now, e)

	s, e = PeriodBounds("yesterday", now)
	require.Equal(t, at("2025-04-15T00:00:00Z"), s)
	require.Equal(t, at("2025-04-16T00:00:00Z").Add(-time.Nanosecond), e)

	s, _ = PeriodBounds("thisWeek", now)
	require.Equal(t, at("2025-04-13T00:00:00Z"), s)

	s, e = PeriodBounds("lastWeek", now)
	require.Equal(t, at("2025-04-06T00:00:00Z"), s)
	require.Equal(t, at("2025-04-13T00:00:00Z").Add(-time.Nanosecond), e)

	s, e = PeriodBounds("lastMonth", now)
	require.Equal(t, at("2025-03-01T00:00:00Z"), s)
	require.Equal(t, at("2025-04-01T00:00:00Z").Add(-time.Nanosecond), e)

	s, _ = PeriodBounds("lastYear", now)
	require.Equal(t, at("2024-04-16T00:00:00Z"), s)

	s, e = PeriodBounds("whatever", now)
	require.Equal(t, now.Add(-24*time.Hour), s)
	require.Equal(t, now, e)
}

func TestRate(t *testing.T) {
	require.Equal(t, 0.4, Rate(0.1, 15*time.Minute))
	require.Equal(t, 0.0, Rate(0.1, 0))
}
