// Package rainfall aggregates readings over calendar intervals.
package rainfall

import (
	"math"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// Interval is a calendar bucket size.
type Interval string

const (
	Hour  Interval = "hour"
	Day   Interval = "day"
	Week  Interval = "week"
	Month Interval = "month"
)

var (
	ErrInvalidInterval = errors.New("invalid interval")
	ErrInvalidRange    = errors.New("invalid time range format")

	rangeRe = regexp.MustCompile(`^(\d+)([hd])$`)
)

// MaxRange bounds relative ranges, about a century.
const MaxRange = 36525 * 24 * time.Hour

// ParseInterval parses hour, day, week or month, an empty string is a day.
func ParseInterval(s string) (Interval, error) {
	switch Interval(s) {
	case Hour, Day, Week, Month:
		return Interval(s), nil
	case "":
		return Day, nil
	}
	return "", errors.Wrap(ErrInvalidInterval, s)
}

// Start returns the beginning of the interval containing t, in t's location.
// Weeks start on Sunday.
func (i Interval) Start(t time.Time) time.Time {
	y, m, d := t.Date()
	loc := t.Location()
	switch i {
	case Hour:
		return time.Date(y, m, d, t.Hour(), 0, 0, 0, loc)
	case Week:
		return time.Date(y, m, d-int(t.Weekday()), 0, 0, 0, 0, loc)
	case Month:
		return time.Date(y, m, 1, 0, 0, 0, 0, loc)
	default:
		return time.Date(y, m, d, 0, 0, 0, 0, loc)
	}
}

// Next returns the start of the interval following the one starting at start.
func (i Interval) Next(start time.Time) time.Time {
	switch i {
	case Hour:
		return start.Add(time.Hour)
	case Week:
		return start.AddDate(0, 0, 7)
	case Month:
		return start.AddDate(0, 1, 0)
	default:
		return start.AddDate(0, 0, 1)
	}
}

// Point is a single reading.
type Point struct {
	Time         time.Time
	RainfallIn   float64
	TemperatureF float64
	HumidityPct  float64
}

// Bucket summarizes the points of one interval.
type Bucket struct {
	Start           time.Time `json:"start"`
	End             time.Time `json:"end"`
	TotalRainfallIn float64   `json:"total_rainfall_in"`
	AvgRainfallIn   float64   `json:"avg_rainfall_in"`
	RateInPerHour   float64   `json:"rate_in_per_hour"`
	AvgTemperatureF float64   `json:"avg_temperature_f"`
	AvgHumidityPct  float64   `json:"avg_humidity_pct"`
	Count           int       `json:"count"`
}

// Aggregate groups points by interval in loc and returns the buckets sorted by start.
func Aggregate(points []Point, i Interval, loc *time.Location) []Bucket {
	if loc == nil {
		loc = time.UTC
	}
	type acc struct {
		rain, temp, hum float64
		count           int
	}
	accs := make(map[int64]*acc)
	starts := make(map[int64]time.Time)
	for _, p := range points {
		start := i.Start(p.Time.In(loc))
		k := start.Unix()
		a, ok := accs[k]
		if !ok {
			a = &acc{}
			accs[k] = a
			starts[k] = start
		}
		a.rain += p.RainfallIn
		a.temp += p.TemperatureF
		a.hum += p.HumidityPct
		a.count++
	}

	keys := make([]int64, 0, len(accs))
	for k := range accs {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(a, b int) bool { return keys[a] < keys[b] })

	res := make([]Bucket, len(keys))
	for n, k := range keys {
		a := accs[k]
		res[n] = Summarize(starts[k], i, a.rain, a.temp, a.hum, a.count)
	}
	return res
}

// Summarize builds the bucket of the interval starting at start from the sums of its points.
func Summarize(start time.Time, i Interval, sumRain, sumTemp, sumHum float64, count int) Bucket {
	end := i.Next(start)
	b := Bucket{
		Start:           start,
		End:             end,
		TotalRainfallIn: round(sumRain, 4),
		RateInPerHour:   round(Rate(sumRain, end.Sub(start)), 4),
		Count:           count,
	}
	if count > 0 {
		c := float64(count)
		b.AvgRainfallIn = round(sumRain/c, 4)
		b.AvgTemperatureF = round(sumTemp/c, 1)
		b.AvgHumidityPct = round(sumHum/c, 1)
	}
	return b
}

// Rate converts an amount of rain collected over interval into inches per hour.
func Rate(rainIn float64, interval time.Duration) float64 {
	if interval <= 0 {
		return 0
	}
	return rainIn / interval.Hours()
}

// ParseRange parses a relative range like 24h or 7d.
func ParseRange(s string) (time.Duration, error) {
	parts := rangeRe.FindStringSubmatch(s)
	if parts == nil {
		return 0, errors.Wrap(ErrInvalidRange, s)
	}
	n, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, errors.Wrap(ErrInvalidRange, s)
	}
	unit := time.Hour
	if parts[2] == "d" {
		unit = 24 * time.Hour
	}
	if n > int(MaxRange/unit) {
		return 0, errors.Wrapf(ErrInvalidRange, "%s exceeds %s", s, MaxRange)
	}
	return time.Duration(n) * unit, nil
}

// PeriodBounds returns the bounds of a named period relative to now:
// today, yesterday, thisWeek, lastWeek, thisMonth, lastMonth, lastYear.
// Open ended periods end at now, unknown names are the last 24 hours.
func PeriodBounds(name string, now time.Time) (time.Time, time.Time) {
	y, m, d := now.Date()
	loc := now.Location()
	midnight := time.Date(y, m, d, 0, 0, 0, 0, loc)
	const lastNano = 24*time.Hour - time.Nanosecond

	switch name {
	case "today":
		return midnight, now
	case "yesterday":
		start := midnight.AddDate(0, 0, -1)
		return start, start.Add(lastNano)
	case "thisWeek":
		return Week.Start(now), now
	case "lastWeek":
		start := Week.Start(now).AddDate(0, 0, -7)
		return start, start.AddDate(0, 0, 6).Add(lastNano)
	case "thisMonth":
		return Month.Start(now), now
	case "lastMonth":
		start := time.Date(y, m-1, 1, 0, 0, 0, 0, loc)
		end := time.Date(y, m, 0, 0, 0, 0, 0, loc).Add(lastNano)
		return start, end
	case "lastYear":
		return time.Date(y-1, m, d, 0, 0, 0, 0, loc), now
	}
	return now.Add(-24 * time.Hour), now
}

func round(v float64, places int) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
