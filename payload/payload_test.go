package payload

import (
	"encoding/binary"
	"encoding/json"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func fixedClock() time.Time {
	return time.Date(2025, 4, 12, 14, 30, 0, 0, time.UTC)
}

func newTestDecoder(t *testing.T, p Params) *Decoder {
	d, err := NewDecoder(p, WithClock(fixedClock))
	require.NoError(t, err)
	return d
}

func raw(w, t, h int16) []byte {
	b := make([]byte, Size)
	binary.BigEndian.PutUint16(b[0:], uint16(w))
	binary.BigEndian.PutUint16(b[2:], uint16(t))
	binary.BigEndian.PutUint16(b[4:], uint16(h))
	return b
}

func TestDecodeScenario(t *testing.T) {
	d := newTestDecoder(t, DefaultParams())

	res := d.Decode([]byte{0x03, 0xE8, 0x1B, 0x58, 0x18, 0x34})
	require.True(t, res.OK())
	require.Empty(t, res.Errors())
	require.NotNil(t, res.Warnings())
	require.Len(t, res.Warnings(), 0)

	r, ok := res.Reading()
	require.True(t, ok)
	require.Equal(t, 10.0, r.WeightG)
	require.Equal(t, 0.0116, r.RainfallIn)
	require.Equal(t, 70.0, r.TemperatureF)
	require.Equal(t, 62.0, r.HumidityPct)
	require.Equal(t, 1, r.NodeID)
	require.Equal(t, fixedClock(), r.DecodedAt)
}

func TestDecodeHumidityOutOfRange(t *testing.T) {
	d := newTestDecoder(t, DefaultParams())

	res := d.Decode(raw(30000, 7000, 15000))
	require.True(t, res.OK())
	require.Len(t, res.Warnings(), 1)
	require.Contains(t, res.Warnings()[0], "Humidity")
	require.Contains(t, res.Warnings()[0], "150")
	require.Equal(t, "Humidity out of range: 150% (valid: 0-100%)", res.Warnings()[0])

	r, _ := res.Reading()
	require.Equal(t, 300.0, r.WeightG)
	require.Equal(t, 150.0, r.HumidityPct)
}

func TestDecodeTemperatureOnlyWarning(t *testing.T) {
	d := newTestDecoder(t, DefaultParams())

	res := d.Decode(raw(1000, 15000, 5000))
	require.True(t, res.OK())
	require.Equal(t, []string{"Temperature out of range: 150°F (valid: -20-140°F)"}, res.Warnings())
}

func TestDecodeWarningsOrder(t *testing.T) {
	p := DefaultParams()
	p.Weight = Range{Min: 0, Max: 100}
	d := newTestDecoder(t, p)

	res := d.Decode(raw(-150, -2001, -1))
	require.True(t, res.OK())
	require.Equal(t, []string{
		"Weight out of range: -1.5g (valid: 0-100g)",
		"Temperature out of range: -20.01°F (valid: -20-140°F)",
		"Humidity out of range: -0.01% (valid: 0-100%)",
	}, res.Warnings())

	r, _ := res.Reading()
	require.Equal(t, -1.5, r.WeightG)
	require.Equal(t, -20.0, r.TemperatureF)
	require.Equal(t, 0.0, r.HumidityPct)
	require.False(t, math.Signbit(r.HumidityPct))
}

func TestDecodeInvalidLength(t *testing.T) {
	for _, n := range []int{0, 1, 5, 7, 100} {
		res := Decode(make([]byte, n))
		require.False(t, res.OK(), "length %d", n)
		require.Equal(t, []string{"Invalid payload length: expected 6 bytes"}, res.Errors())

		_, ok := res.Reading()
		require.False(t, ok)

		b, err := json.Marshal(res)
		require.NoError(t, err)
		require.JSONEq(t, `{"errors":["Invalid payload length: expected 6 bytes"]}`, string(b))
	}
}

func TestDecodeNil(t *testing.T) {
	res := Decode(nil)
	require.False(t, res.OK())
	require.Error(t, res.Err())
}

func TestRangeBoundaries(t *testing.T) {
	p := DefaultParams()
	for _, v := range []float64{-2000, 2000} {
		_, ok := check("Weight", v, "g", p.Weight)
		require.True(t, ok, "weight %v", v)
	}
	for _, v := range []float64{-2000.01, 2000.01} {
		w, ok := check("Weight", v, "g", p.Weight)
		require.False(t, ok, "weight %v", v)
		require.Contains(t, w, "Weight out of range")
	}
	_, ok := check("Humidity", math.NaN(), "%", p.Humidity)
	require.False(t, ok)
}

func TestRangeBoundariesThroughBytes(t *testing.T) {
	// ±2000g is not reachable with an int16/100 field, use a narrower collector
	p := DefaultParams()
	p.Weight = Range{Min: -300, Max: 300}
	d := newTestDecoder(t, p)

	for _, rw := range []int16{-30000, 30000} {
		require.Empty(t, d.Decode(raw(rw, 7000, 5000)).Warnings())
	}
	for _, rw := range []int16{-30001, 30001} {
		res := d.Decode(raw(rw, 7000, 5000))
		require.Len(t, res.Warnings(), 1)
		require.Contains(t, res.Warnings()[0], "Weight")
	}

	require.Empty(t, d.Decode(raw(0, -2000, 0)).Warnings())
	require.Empty(t, d.Decode(raw(0, 14000, 10000)).Warnings())
	require.Len(t, d.Decode(raw(0, 14001, 10001)).Warnings(), 2)
}

func TestRoundTripScaling(t *testing.T) {
	p := DefaultParams()
	d := newTestDecoder(t, p)
	for _, r := range []int16{math.MinInt16, -12345, -500, -1, 0, 1, 99, 6196, 12345, math.MaxInt16} {
		m, err := d.extract(raw(r, r, r))
		require.NoError(t, err)
		require.InDelta(t, float64(r), m.weight*100, 1e-6)
		require.InDelta(t, float64(r), m.temperature*100, 1e-6)
		require.InDelta(t, float64(r), m.humidity*100, 1e-6)
	}
}

func TestSignExtension(t *testing.T) {
	// -5.00°F is 0xFE0C
	res := Decode([]byte{0x00, 0x00, 0xFE, 0x0C, 0x00, 0x00})
	r, ok := res.Reading()
	require.True(t, ok)
	require.Equal(t, -5.0, r.TemperatureF)
	require.Empty(t, res.Warnings())
}

func TestDeterminism(t *testing.T) {
	calls := 0
	d, err := NewDecoder(DefaultParams(), WithClock(func() time.Time {
		calls++
		return fixedClock().Add(time.Duration(calls) * time.Second)
	}))
	require.NoError(t, err)

	b := []byte{0x12, 0x34, 0x1B, 0x58, 0x18, 0x34}
	r1, _ := d.Decode(b).Reading()
	r2, _ := d.Decode(b).Reading()
	require.NotEqual(t, r1.DecodedAt, r2.DecodedAt)

	r1.DecodedAt, r2.DecodedAt = time.Time{}, time.Time{}
	require.Equal(t, r1, r2)
}

func TestConcurrentDecode(t *testing.T) {
	d := newTestDecoder(t, DefaultParams())

	payloads := [][]byte{
		raw(1000, 7000, 5000),
		raw(-500, 15000, 12000),
		raw(0, -2500, -100),
		{0x01, 0x02},
	}
	want := make([]Result, len(payloads))
	for i, b := range payloads {
		want[i] = d.Decode(b)
	}

	const workers = 16
	got := make([][]Result, workers)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for n := 0; n < 50; n++ {
				for i := range payloads {
					got[w] = append(got[w], d.Decode(payloads[i]))
					got[w] = append(got[w], Decode(payloads[i]))
				}
			}
		}(w)
	}
	wg.Wait()

	for w := range got {
		require.Len(t, got[w], 50*2*len(payloads))
		for k, res := range got[w] {
			i := (k / 2) % len(payloads)
			require.Equal(t, want[i].OK(), res.OK())
			require.Equal(t, want[i].Warnings(), res.Warnings())
			require.Equal(t, want[i].Errors(), res.Errors())
			if k%2 == 0 {
				require.Equal(t, want[i], res)
			}
		}
	}
}

func TestDecodeRecoversPanic(t *testing.T) {
	d, err := NewDecoder(DefaultParams(), WithClock(func() time.Time {
		panic("clock unavailable")
	}))
	require.NoError(t, err)

	res := d.Decode(raw(1000, 7000, 5000))
	require.False(t, res.OK())
	require.Equal(t, []string{"Decoder error: clock unavailable"}, res.Errors())
}

func TestLegacyParity(t *testing.T) {
	d := newTestDecoder(t, DefaultParams())
	samples := [][]byte{
		{0x03, 0xE8, 0x1B, 0x58, 0x18, 0x34},
		raw(30000, 7000, 15000),
		raw(-1, -1, -1),
		raw(math.MaxInt16, math.MinInt16, 4321),
		raw(1234, 5678, 9012),
	}
	for _, b := range samples {
		r, ok := d.Decode(b).Reading()
		require.True(t, ok)
		l, ok := d.DecodeLegacy(b, 1).Reading()
		require.True(t, ok)

		require.Equal(t, r.WeightG, l.WeightG)
		require.Equal(t, r.RainfallIn, l.RainfallIn)
		require.Equal(t, r.TemperatureF, l.TemperatureF)
		require.Equal(t, r.HumidityPct, l.HumidityPct)
		require.Equal(t, r.NodeID, l.NodeID)
	}
}

func TestLegacyJSON(t *testing.T) {
	b, err := json.Marshal(DecodeLegacy([]byte{0x03, 0xE8, 0x1B, 0x58, 0x18, 0x34}, 1))
	require.NoError(t, err)
	require.JSONEq(t, `{"weight_g":10,"rainfall_in":0.0116,"temperature_f":70,"humidity_pct":62,"node_id":1}`, string(b))

	res := DecodeLegacy([]byte{0x01}, 1)
	require.False(t, res.OK())
	require.Equal(t, "Invalid payload length", res.Message())
	b, err = json.Marshal(res)
	require.NoError(t, err)
	require.JSONEq(t, `{"error":"Invalid payload length"}`, string(b))
}

func TestResultJSON(t *testing.T) {
	d := newTestDecoder(t, DefaultParams())
	res := d.Decode([]byte{0x03, 0xE8, 0x1B, 0x58, 0x18, 0x34})

	b, err := json.Marshal(res)
	require.NoError(t, err)
	require.JSONEq(t, `{
		"data": {
			"weight_g": 10,
			"rainfall_in": 0.0116,
			"temperature_f": 70,
			"humidity_pct": 62,
			"decoded_at": "2025-04-12T14:30:00Z",
			"node_id": 1
		},
		"warnings": []
	}`, string(b))

	var back Result
	require.NoError(t, json.Unmarshal(b, &back))
	require.True(t, back.OK())
	r, _ := back.Reading()
	require.Equal(t, fixedClock(), r.DecodedAt.UTC())

	var failed Result
	require.NoError(t, json.Unmarshal([]byte(`{"errors":["boom"]}`), &failed))
	require.False(t, failed.OK())
	require.Equal(t, []string{"boom"}, failed.Errors())

	require.Error(t, json.Unmarshal([]byte(`{}`), &failed))
}

func TestCustomParams(t *testing.T) {
	p := DefaultParams()
	p.ConversionFactor = 0.002
	p.NodeID = 7
	d := newTestDecoder(t, p)

	r, ok := d.Decode(raw(1000, 7000, 5000)).Reading()
	require.True(t, ok)
	require.Equal(t, 0.02, r.RainfallIn)
	require.Equal(t, 7, r.NodeID)
	require.Equal(t, p, d.Params())
}

func TestInvalidParams(t *testing.T) {
	p := DefaultParams()
	p.ConversionFactor = math.NaN()
	_, err := NewDecoder(p)
	require.Error(t, err)
	require.Equal(t, ErrInvalidParams, errors.Cause(err))

	p = DefaultParams()
	p.Humidity = Range{Min: 100, Max: 0}
	_, err = NewDecoder(p)
	require.Error(t, err)
	require.Contains(t, err.Error(), "humidity")
}

func TestEncode(t *testing.T) {
	b, err := Encode(10, 70, 61.96)
	require.NoError(t, err)
	require.Equal(t, []byte{0x03, 0xE8, 0x1B, 0x58, 0x18, 0x34}, b)

	b, err = Encode(-5, -19.99, 0)
	require.NoError(t, err)
	r, _ := Decode(b).Reading()
	require.Equal(t, -5.0, r.WeightG)
	require.Equal(t, -20.0, r.TemperatureF)

	_, err = Encode(2000, 70, 50)
	require.Error(t, err)
}

func TestDecodeValues(t *testing.T) {
	d := newTestDecoder(t, DefaultParams())

	res := d.DecodeValues([]int{0x03, 0xE8, 0x1B, 0x58, 0x18, 0x34})
	require.True(t, res.OK())
	r, _ := res.Reading()
	require.Equal(t, 62.0, r.HumidityPct)

	res = d.DecodeValues([]int{0x03, 0xE8, 0x1B, 0x58, 0x18})
	require.Equal(t, []string{"Invalid payload length: expected 6 bytes"}, res.Errors())

	res = d.DecodeValues([]int{0x03, 0xE8, 300, 0x58, 0x18, 0x34})
	require.False(t, res.OK())
	require.Equal(t, []string{"Decoder error: value 300 at offset 2 is not a byte"}, res.Errors())

	res = d.DecodeValues([]int{0x03, 0xE8, 0x1B, 0x58, -1, 0x34})
	require.False(t, res.OK())
	require.Contains(t, res.Errors()[0], "Decoder error: ")
}
