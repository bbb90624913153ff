package payload

import (
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
)

// Result is the outcome of a decode, either a Reading with its warnings
// or a list of fatal errors, never both.
type Result struct {
	reading  *Reading
	warnings []string
	errors   []string
}

// Success returns a successful Result.
func Success(r Reading, warnings ...string) Result {
	if warnings == nil {
		warnings = []string{}
	}
	return Result{reading: &r, warnings: warnings}
}

// Failure returns a failed Result, at least one message is expected.
func Failure(msgs ...string) Result {
	return Result{errors: msgs}
}

// OK reports whether the decode succeeded.
func (r Result) OK() bool {
	return r.reading != nil
}

// Reading returns the decoded reading if any.
func (r Result) Reading() (Reading, bool) {
	if r.reading == nil {
		return Reading{}, false
	}
	return *r.reading, true
}

// Warnings returns the recoverable range violations, empty for a failure.
func (r Result) Warnings() []string {
	return r.warnings
}

// Errors returns the fatal errors, empty on success.
func (r Result) Errors() []string {
	return r.errors
}

// Err returns the fatal errors as a single error, nil on success.
func (r Result) Err() error {
	if r.OK() {
		return nil
	}
	return errors.New(strings.Join(r.errors, "; "))
}

type successJSON struct {
	Data     *Reading `json:"data"`
	Warnings []string `json:"warnings"`
}

type failureJSON struct {
	Errors []string `json:"errors"`
}

// MarshalJSON emits {"data":{...},"warnings":[...]} or {"errors":[...]}.
func (r Result) MarshalJSON() ([]byte, error) {
	if r.OK() {
		w := r.warnings
		if w == nil {
			w = []string{}
		}
		return json.Marshal(successJSON{Data: r.reading, Warnings: w})
	}
	return json.Marshal(failureJSON{Errors: r.errors})
}

// UnmarshalJSON reads back either shape.
func (r *Result) UnmarshalJSON(b []byte) error {
	var v struct {
		Data     *Reading `json:"data"`
		Warnings []string `json:"warnings"`
		Errors   []string `json:"errors"`
	}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	if v.Data != nil {
		*r = Success(*v.Data, v.Warnings...)
		return nil
	}
	if len(v.Errors) == 0 {
		return errors.New("decode result without data nor errors")
	}
	*r = Failure(v.Errors...)
	return nil
}

// LegacyReading is the flat record of the V2 decoder.
type LegacyReading struct {
	WeightG      float64 `json:"weight_g"`
	RainfallIn   float64 `json:"rainfall_in"`
	TemperatureF float64 `json:"temperature_f"`
	HumidityPct  float64 `json:"humidity_pct"`
	NodeID       int     `json:"node_id"`
}

// LegacyResult is either a LegacyReading or a single error.
type LegacyResult struct {
	reading *LegacyReading
	err     string
}

// OK reports whether the decode succeeded.
func (r LegacyResult) OK() bool {
	return r.reading != nil
}

// Reading returns the decoded flat record if any.
func (r LegacyResult) Reading() (LegacyReading, bool) {
	if r.reading == nil {
		return LegacyReading{}, false
	}
	return *r.reading, true
}

// Message returns the error message, empty on success.
func (r LegacyResult) Message() string {
	return r.err
}

// MarshalJSON emits the flat record or {"error":"..."}.
func (r LegacyResult) MarshalJSON() ([]byte, error) {
	if r.OK() {
		return json.Marshal(r.reading)
	}
	return json.Marshal(struct {
		Error string `json:"error"`
	}{Error: r.err})
}
