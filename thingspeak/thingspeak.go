// Package thingspeak reads and writes the ThingSpeak channel used by the public dashboard.
//
// Channel fields: field1 weight_g, field2 rainfall_in, field3 temperature (°F), field4 humidity (%).
package thingspeak

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/waterlogged/waterlogged/rainfall"
	"github.com/waterlogged/waterlogged/storage"
)

const DefaultURL = "https://api.thingspeak.com"

var (
	// ErrNoEntry is returned when the channel is empty.
	ErrNoEntry = errors.New("channel has no entry")

	// ErrRejected is returned when an update is refused, ThingSpeak answers 0
	// when rate limited.
	ErrRejected = errors.New("update rejected")
)

type Config struct {
	URL       string
	ChannelID string
	ReadKey   string
	WriteKey  string
}

// Client is a ThingSpeak channel client, it also exports stored readings.
type Client struct {
	cfg  Config
	http *http.Client
}

func NewClient(cfg Config, hc *http.Client) *Client {
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	cfg.URL = strings.TrimSuffix(cfg.URL, "/")
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{cfg: cfg, http: hc}
}

// Entry is a raw channel feed entry, ThingSpeak sends fields as strings.
type Entry struct {
	CreatedAt time.Time `json:"created_at"`
	EntryID   int       `json:"entry_id"`
	Field1    *string   `json:"field1"`
	Field2    *string   `json:"field2"`
	Field3    *string   `json:"field3"`
	Field4    *string   `json:"field4"`
}

// Reading is an entry with parsed fields, missing or invalid fields are nil.
type Reading struct {
	Timestamp   time.Time `json:"timestamp"`
	EntryID     int       `json:"entry_id"`
	WeightG     *float64  `json:"weight_g"`
	RainfallIn  *float64  `json:"rainfall_in"`
	Temperature *float64  `json:"temperature"`
	Humidity    *float64  `json:"humidity"`
}

// Reading parses the entry fields.
func (e Entry) Reading() Reading {
	return Reading{
		Timestamp:   e.CreatedAt.UTC(),
		EntryID:     e.EntryID,
		WeightG:     parseField(e.Field1),
		RainfallIn:  parseField(e.Field2),
		Temperature: parseField(e.Field3),
		Humidity:    parseField(e.Field4),
	}
}

func parseField(s *string) *float64 {
	if s == nil {
		return nil
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(*s), 64)
	if err != nil {
		return nil
	}
	return &v
}

// Point returns r for aggregation, missing values count as 0.
func (r Reading) Point() rainfall.Point {
	return rainfall.Point{
		Time:         r.Timestamp,
		RainfallIn:   orZero(r.RainfallIn),
		TemperatureF: orZero(r.Temperature),
		HumidityPct:  orZero(r.Humidity),
	}
}

func orZero(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

// Points converts readings for aggregation.
func Points(rs []Reading) []rainfall.Point {
	res := make([]rainfall.Point, len(rs))
	for i, r := range rs {
		res[i] = r.Point()
	}
	return res
}

// Query selects feed entries, zero values are not sent.
type Query struct {
	Start   time.Time
	End     time.Time
	Results int
}

func (q Query) values() url.Values {
	v := url.Values{}
	if !q.Start.IsZero() {
		v.Set("start", q.Start.UTC().Format("2006-01-02 15:04:05"))
	}
	if !q.End.IsZero() {
		v.Set("end", q.End.UTC().Format("2006-01-02 15:04:05"))
	}
	if q.Results > 0 {
		v.Set("results", strconv.Itoa(q.Results))
	}
	return v
}

// Latest returns the last entry of the channel.
func (c *Client) Latest(ctx context.Context) (*Reading, error) {
	var e *Entry
	if err := c.get(ctx, "/feeds/last.json", url.Values{}, &e); err != nil {
		return nil, err
	}
	// an empty channel answers "-1"
	if e == nil || e.CreatedAt.IsZero() {
		return nil, ErrNoEntry
	}
	r := e.Reading()
	return &r, nil
}

// Feeds returns the entries matching q, oldest first.
func (c *Client) Feeds(ctx context.Context, q Query) ([]Reading, error) {
	var resp struct {
		Feeds []Entry `json:"feeds"`
	}
	if err := c.get(ctx, "/feeds.json", q.values(), &resp); err != nil {
		return nil, err
	}
	res := make([]Reading, len(resp.Feeds))
	for i, e := range resp.Feeds {
		res[i] = e.Reading()
	}
	return res, nil
}

func (c *Client) get(ctx context.Context, path string, v url.Values, dst interface{}) error {
	if c.cfg.ReadKey != "" {
		v.Set("api_key", c.cfg.ReadKey)
	}
	u := fmt.Sprintf("%s/channels/%s%s?%s", c.cfg.URL, url.PathEscape(c.cfg.ChannelID), path, v.Encode())
	req, err := http.NewRequest(http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req.WithContext(ctx))
	if err != nil {
		return errors.Wrap(err, "thingspeak request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("thingspeak responded with status %d", resp.StatusCode)
	}

	b, err := ioutil.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return errors.Wrap(err, "can't read thingspeak response")
	}
	if strings.TrimSpace(string(b)) == "-1" {
		return ErrNoEntry
	}
	if err := json.Unmarshal(b, dst); err != nil {
		return errors.Wrap(err, "can't decode thingspeak response")
	}
	return nil
}

// Update writes a reading to the channel and returns the new entry id.
func (c *Client) Update(ctx context.Context, r storage.Record) (int, error) {
	v := url.Values{}
	v.Set("api_key", c.cfg.WriteKey)
	v.Set("field1", formatFloat(r.Reading.WeightG))
	v.Set("field2", formatFloat(r.Reading.RainfallIn))
	v.Set("field3", formatFloat(r.Reading.TemperatureF))
	v.Set("field4", formatFloat(r.Reading.HumidityPct))
	if !r.Time.IsZero() {
		v.Set("created_at", r.Time.UTC().Format(time.RFC3339))
	}

	req, err := http.NewRequest(http.MethodPost, c.cfg.URL+"/update", strings.NewReader(v.Encode()))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req.WithContext(ctx))
	if err != nil {
		return 0, errors.Wrap(err, "thingspeak update failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, errors.Errorf("thingspeak responded with status %d", resp.StatusCode)
	}
	b, err := ioutil.ReadAll(io.LimitReader(resp.Body, 1024))
	if err != nil {
		return 0, errors.Wrap(err, "can't read thingspeak response")
	}
	id, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil || id == 0 {
		return 0, ErrRejected
	}
	return id, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// Name implements the waterlogged.Exporter interface.
func (c *Client) Name() string {
	return "thingspeak"
}

// Export implements the waterlogged.Exporter interface.
func (c *Client) Export(ctx context.Context, r storage.Record) error {
	_, err := c.Update(ctx, r)
	return err
}
