// Package payload decodes the uplinks sent by the WaterLogged rain gauge nodes.
//
// A measurement uplink is 6 bytes, big endian, three int16 fields scaled by 1/100:
//
//	Offset  Size  Field         Unit
//	0       2     weight        grams
//	2       2     temperature   °F
//	4       2     humidity      %
//
// Rainfall is derived from the collected water weight with a conversion factor
// depending on the collector geometry.
package payload

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

const (
	// Size is the exact length of a measurement uplink
	Size = 6

	// RainfallConversionFactor converts grams of collected water into inches of rain
	RainfallConversionFactor = 0.00116

	// DefaultNodeID is used until a device is known to the node registry
	DefaultNodeID = 1

	scale = 100.0
)

var (
	// ErrInvalidLength is returned for any payload that is not exactly Size bytes.
	ErrInvalidLength = errors.New("Invalid payload length: expected 6 bytes")

	// ErrInvalidParams is returned by NewDecoder for unusable calibration parameters.
	ErrInvalidParams = errors.New("invalid decoder parameters")

	legacyLengthError = "Invalid payload length"
)

// Range is an inclusive interval of valid values.
type Range struct {
	Min float64 `json:"min" yaml:"min"`
	Max float64 `json:"max" yaml:"max"`
}

// Contains reports whether v lies in [Min, Max].
func (r Range) Contains(v float64) bool {
	return !math.IsNaN(v) && v >= r.Min && v <= r.Max
}

func (r Range) valid() bool {
	return !math.IsNaN(r.Min) && !math.IsNaN(r.Max) &&
		!math.IsInf(r.Min, 0) && !math.IsInf(r.Max, 0) && r.Min <= r.Max
}

// Params holds the calibration of a node model.
type Params struct {
	ConversionFactor float64
	Weight           Range
	Temperature      Range
	Humidity         Range
	NodeID           int
}

// DefaultParams returns the calibration of the standard collector.
func DefaultParams() Params {
	return Params{
		ConversionFactor: RainfallConversionFactor,
		Weight:           Range{Min: -2000, Max: 2000},
		Temperature:      Range{Min: -20, Max: 140},
		Humidity:         Range{Min: 0, Max: 100},
		NodeID:           DefaultNodeID,
	}
}

// Validate checks the factor is finite and every range is ordered.
func (p Params) Validate() error {
	if math.IsNaN(p.ConversionFactor) || math.IsInf(p.ConversionFactor, 0) {
		return errors.Wrap(ErrInvalidParams, "conversion factor must be finite")
	}
	ranges := []struct {
		name string
		r    Range
	}{
		{"weight", p.Weight},
		{"temperature", p.Temperature},
		{"humidity", p.Humidity},
	}
	for _, nr := range ranges {
		if !nr.r.valid() {
			return errors.Wrapf(ErrInvalidParams, "%s range [%v, %v]", nr.name, nr.r.Min, nr.r.Max)
		}
	}
	return nil
}

// Reading is a decoded measurement, rounded for publication.
type Reading struct {
	WeightG      float64   `json:"weight_g"`
	RainfallIn   float64   `json:"rainfall_in"`
	TemperatureF float64   `json:"temperature_f"`
	HumidityPct  float64   `json:"humidity_pct"`
	DecodedAt    time.Time `json:"decoded_at"`
	NodeID       int       `json:"node_id"`
}

// measurement is the unrounded physical values shared by both decoders
type measurement struct {
	weight      float64
	rainfall    float64
	temperature float64
	humidity    float64
}

// Option configures a Decoder.
type Option func(*Decoder)

// WithClock replaces the wall clock used for decoded_at.
func WithClock(now func() time.Time) Option {
	return func(d *Decoder) {
		d.now = now
	}
}

// Decoder decodes measurement uplinks with a given calibration.
// It is stateless and safe for concurrent use.
type Decoder struct {
	params Params
	now    func() time.Time
}

// NewDecoder returns a decoder for p.
func NewDecoder(p Params, opts ...Option) (*Decoder, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	d := &Decoder{
		params: p,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Params returns the calibration used by d.
func (d *Decoder) Params() Params {
	return d.params
}

// Decode decodes b, it never panics, failures are reported in the Result.
func (d *Decoder) Decode(b []byte) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = Failure(fmt.Sprintf("Decoder error: %v", r))
		}
	}()

	m, err := d.extract(b)
	if err != nil {
		return Failure(err.Error())
	}

	warnings := d.validate(m)

	r := m.reading(d.params.NodeID)
	r.DecodedAt = d.now().UTC()

	return Success(r, warnings...)
}

// DecodeLegacy decodes b with the V2 network server calling convention,
// no range validation is performed, port is ignored.
func (d *Decoder) DecodeLegacy(b []byte, port int) (res LegacyResult) {
	defer func() {
		if r := recover(); r != nil {
			res = LegacyResult{err: fmt.Sprintf("Decoder error: %v", r)}
		}
	}()

	m, err := d.extract(b)
	if err != nil {
		return LegacyResult{err: legacyLengthError}
	}

	r := m.reading(d.params.NodeID)
	return LegacyResult{reading: &LegacyReading{
		WeightG:      r.WeightG,
		RainfallIn:   r.RainfallIn,
		TemperatureF: r.TemperatureF,
		HumidityPct:  r.HumidityPct,
		NodeID:       r.NodeID,
	}}
}

// DecodeValues decodes a payload sent as a list of integers, as JSON
// integrations do, a value that is not a byte is a decoder error.
func (d *Decoder) DecodeValues(vals []int) Result {
	if len(vals) != Size {
		return Failure(ErrInvalidLength.Error())
	}
	b := make([]byte, len(vals))
	for i, v := range vals {
		if v < 0 || v > math.MaxUint8 {
			return Failure(fmt.Sprintf("Decoder error: value %d at offset %d is not a byte", v, i))
		}
		b[i] = byte(v)
	}
	return d.Decode(b)
}

func (d *Decoder) extract(b []byte) (measurement, error) {
	if len(b) != Size {
		return measurement{}, ErrInvalidLength
	}

	weight := field(b[0:2])
	m := measurement{
		weight:      weight,
		rainfall:    weight * d.params.ConversionFactor,
		temperature: field(b[2:4]),
		humidity:    field(b[4:6]),
	}
	return m, nil
}

// field reads a big endian two's complement int16 scaled by 1/100
func field(b []byte) float64 {
	return float64(int16(binary.BigEndian.Uint16(b))) / scale
}

func (d *Decoder) validate(m measurement) []string {
	warnings := []string{}
	if w, ok := check("Weight", m.weight, "g", d.params.Weight); !ok {
		warnings = append(warnings, w)
	}
	if w, ok := check("Temperature", m.temperature, "°F", d.params.Temperature); !ok {
		warnings = append(warnings, w)
	}
	if w, ok := check("Humidity", m.humidity, "%", d.params.Humidity); !ok {
		warnings = append(warnings, w)
	}
	return warnings
}

func check(name string, v float64, unit string, r Range) (string, bool) {
	if r.Contains(v) {
		return "", true
	}
	return fmt.Sprintf("%s out of range: %s%s (valid: %s-%s%s)",
		name, num(v), unit, num(r.Min), num(r.Max), unit), false
}

func (m measurement) reading(nodeID int) Reading {
	return Reading{
		WeightG:      round(m.weight, 2),
		RainfallIn:   round(m.rainfall, 4),
		TemperatureF: round(m.temperature, 1),
		HumidityPct:  round(m.humidity, 1),
		NodeID:       nodeID,
	}
}

// round rounds the decimal representation of v to places digits
func round(v float64, places int) float64 {
	f, err := strconv.ParseFloat(strconv.FormatFloat(v, 'f', places, 64), 64)
	if err != nil {
		return v
	}
	if f == 0 {
		// no -0 in the output
		return 0
	}
	return f
}

// num formats v in its shortest form, 150 not 150.00
func num(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// Encode builds a measurement uplink, it is the inverse of Decode.
func Encode(weightG, temperatureF, humidityPct float64) ([]byte, error) {
	b := make([]byte, Size)
	for i, v := range []float64{weightG, temperatureF, humidityPct} {
		raw := math.Round(v * scale)
		if math.IsNaN(raw) || raw < math.MinInt16 || raw > math.MaxInt16 {
			return nil, errors.Errorf("value %v does not fit in a scaled int16", v)
		}
		binary.BigEndian.PutUint16(b[i*2:], uint16(int16(raw)))
	}
	return b, nil
}

var std, _ = NewDecoder(DefaultParams())

// Decode decodes b with the default calibration.
func Decode(b []byte) Result {
	return std.Decode(b)
}

// DecodeLegacy decodes b with the default calibration and the legacy output.
func DecodeLegacy(b []byte, port int) LegacyResult {
	return std.DecodeLegacy(b, port)
}
