package payload

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

var (
	// ErrMalformedLine is returned for a serial line that is not 5 numeric fields.
	ErrMalformedLine = errors.New("malformed serial line")

	// ErrOutOfRange is returned when a serial reading fails validation.
	ErrOutOfRange = errors.New("measurement out of range")
)

// LineParams are the ranges enforced on serial readings,
// stricter than the radio path since the node computes rainfall itself.
type LineParams struct {
	Weight      Range
	Rainfall    Range
	Temperature Range
	Humidity    Range
	ZeroFactor  Range
}

// DefaultLineParams returns the ranges of the standard node firmware.
func DefaultLineParams() LineParams {
	return LineParams{
		Weight:      Range{Min: -2000, Max: 2000},
		Rainfall:    Range{Min: 0, Max: 15},
		Temperature: Range{Min: -20, Max: 140},
		Humidity:    Range{Min: 0, Max: 100},
		ZeroFactor:  Range{Min: 7000, Max: 10000},
	}
}

// LineReading is a reading received over the serial link.
type LineReading struct {
	WeightG      float64 `json:"weight_g"`
	RainfallIn   float64 `json:"rainfall_in"`
	TemperatureF float64 `json:"temperature_f"`
	HumidityPct  float64 `json:"humidity_pct"`
	ZeroFactor   int     `json:"zero_factor"`
}

// ParseLine parses "WEIGHT,RAINFALL_IN,TEMPERATURE_F,HUMIDITY,ZERO_FACTOR".
// Any value out of its range rejects the whole line.
func ParseLine(line string, p LineParams) (LineReading, error) {
	parts := strings.Split(strings.TrimSpace(line), ",")
	if len(parts) != 5 {
		return LineReading{}, errors.Wrapf(ErrMalformedLine, "expected 5 values, got %d", len(parts))
	}

	var vals [4]float64
	for i := range vals {
		v, err := strconv.ParseFloat(strings.TrimSpace(parts[i]), 64)
		if err != nil {
			return LineReading{}, errors.Wrapf(ErrMalformedLine, "field %d: %v", i+1, err)
		}
		vals[i] = v
	}
	zf, err := strconv.Atoi(strings.TrimSpace(parts[4]))
	if err != nil {
		return LineReading{}, errors.Wrapf(ErrMalformedLine, "zero factor: %v", err)
	}

	checks := []struct {
		name string
		v    float64
		r    Range
	}{
		{"weight", vals[0], p.Weight},
		{"rainfall", vals[1], p.Rainfall},
		{"temperature", vals[2], p.Temperature},
		{"humidity", vals[3], p.Humidity},
		{"zero_factor", float64(zf), p.ZeroFactor},
	}
	var invalid []string
	for _, c := range checks {
		if !c.r.Contains(c.v) {
			invalid = append(invalid, c.name+" "+num(c.v)+" (valid range: "+num(c.r.Min)+" to "+num(c.r.Max)+")")
		}
	}
	if len(invalid) > 0 {
		return LineReading{}, errors.Wrap(ErrOutOfRange, strings.Join(invalid, ", "))
	}

	return LineReading{
		WeightG:      round(vals[0], 3),
		RainfallIn:   round(vals[1], 4),
		TemperatureF: round(vals[2], 1),
		HumidityPct:  round(vals[3], 1),
		ZeroFactor:   zf,
	}, nil
}
