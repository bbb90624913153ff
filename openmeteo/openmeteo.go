// Package openmeteo fetches the current conditions shown next to the rain gauge readings.
package openmeteo

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

const DefaultURL = "https://api.open-meteo.com"

var descriptions = map[int]string{
	0:  "Clear sky",
	1:  "Mainly clear",
	2:  "Partly cloudy",
	3:  "Overcast",
	45: "Fog",
	48: "Depositing rime fog",
	51: "Light drizzle",
	53: "Moderate drizzle",
	55: "Dense drizzle",
	61: "Light rain",
	63: "Moderate rain",
	65: "Heavy rain",
	71: "Light snow",
	73: "Moderate snow",
	75: "Heavy snow",
	77: "Snow grains",
	80: "Light rain showers",
	81: "Moderate rain showers",
	82: "Violent rain showers",
	85: "Light snow showers",
	86: "Heavy snow showers",
	95: "Thunderstorm",
	96: "Thunderstorm with light hail",
	99: "Thunderstorm with heavy hail",
}

// Describe returns the description of a WMO weather code.
func Describe(code int) string {
	if d, ok := descriptions[code]; ok {
		return d
	}
	return "Unknown"
}

type Config struct {
	URL      string
	Lat      float64
	Lng      float64
	Location string
	CacheTTL time.Duration
}

// Current is the weather at the configured coordinates.
type Current struct {
	Location     string    `json:"location,omitempty"`
	Lat          float64   `json:"lat"`
	Lng          float64   `json:"lng"`
	TemperatureF float64   `json:"temperature_f"`
	WeatherCode  int       `json:"weathercode"`
	Description  string    `json:"description"`
	Time         time.Time `json:"time"`
}

// Client queries Open-Meteo, answers are kept for CacheTTL.
type Client struct {
	cfg  Config
	http *http.Client
	now  func() time.Time

	mu       sync.Mutex
	cached   *Current
	cachedAt time.Time
}

func NewClient(cfg Config, hc *http.Client) *Client {
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	cfg.URL = strings.TrimSuffix(cfg.URL, "/")
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{cfg: cfg, http: hc, now: time.Now}
}

type forecast struct {
	Current struct {
		Time        string  `json:"time"`
		Temperature float64 `json:"temperature_2m"`
		WeatherCode int     `json:"weathercode"`
	} `json:"current"`
}

// Current returns the current conditions, from cache when fresh.
func (c *Client) Current(ctx context.Context) (*Current, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cached != nil && c.now().Sub(c.cachedAt) < c.cfg.CacheTTL {
		cur := *c.cached
		return &cur, nil
	}

	cur, err := c.fetch(ctx)
	if err != nil {
		return nil, err
	}
	c.cached = cur
	c.cachedAt = c.now()
	res := *cur
	return &res, nil
}

func (c *Client) fetch(ctx context.Context) (*Current, error) {
	v := url.Values{}
	v.Set("latitude", strconv.FormatFloat(c.cfg.Lat, 'f', -1, 64))
	v.Set("longitude", strconv.FormatFloat(c.cfg.Lng, 'f', -1, 64))
	v.Set("current", "temperature_2m,weathercode")
	v.Set("temperature_unit", "fahrenheit")
	v.Set("timezone", "GMT")

	req, err := http.NewRequest(http.MethodGet, c.cfg.URL+"/v1/forecast?"+v.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req.WithContext(ctx))
	if err != nil {
		return nil, errors.Wrap(err, "weather request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("weather API responded with status %d", resp.StatusCode)
	}

	var f forecast
	if err := json.NewDecoder(resp.Body).Decode(&f); err != nil {
		return nil, errors.Wrap(err, "can't decode weather response")
	}

	cur := &Current{
		Location:     c.cfg.Location,
		Lat:          c.cfg.Lat,
		Lng:          c.cfg.Lng,
		TemperatureF: f.Current.Temperature,
		WeatherCode:  f.Current.WeatherCode,
		Description:  Describe(f.Current.WeatherCode),
	}
	// open-meteo sends ISO 8601 without seconds nor zone
	if t, err := time.Parse("2006-01-02T15:04", f.Current.Time); err == nil {
		cur.Time = t
	}
	return cur, nil
}
