package web

import (
	"context"
	"encoding/json"
	"html/template"
	"mime"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/gobuffalo/packr/v2"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/opentracing/opentracing-go"
	"github.com/opentracing/opentracing-go/ext"

	"github.com/waterlogged/waterlogged"
	"github.com/waterlogged/waterlogged/nodes"
	"github.com/waterlogged/waterlogged/openmeteo"
	"github.com/waterlogged/waterlogged/payload"
	"github.com/waterlogged/waterlogged/storage"
	"github.com/waterlogged/waterlogged/thingspeak"
)

var (
	pathTpl = []string{"index.html"}
)

// Service ingests uplinks and serial lines, implemented by waterlogged.Server.
type Service interface {
	HandleUplink(ctx context.Context, up waterlogged.Uplink) (payload.Result, error)
	HandleLine(ctx context.Context, nodeID int, line string) (payload.LineReading, error)
	Decoder(nodeID int) *payload.Decoder
}

// Channel is the telemetry channel proxied to the dashboard.
type Channel interface {
	Latest(ctx context.Context) (*thingspeak.Reading, error)
	Feeds(ctx context.Context, q thingspeak.Query) ([]thingspeak.Reading, error)
}

// Weather gives the current conditions.
type Weather interface {
	Current(ctx context.Context) (*openmeteo.Current, error)
}

type Server struct {
	appName     string
	logger      log.Logger
	svc         Service
	store       storage.Store
	registry    *nodes.Registry
	config      Config
	now         func() time.Time
	FileHandler http.Handler
	Box         *packr.Box

	// optional, the routes answer 503 when nil
	Channel Channel
	Weather Weather
}

type Config struct {
	// the coordinates the map is centered on
	Lat float64
	Lng float64

	// default number of results asked to the telemetry channel
	FeedResults int

	// location used to bucket days, weeks and months
	Location *time.Location
}

func NewServer(appName string, logger log.Logger, svc Service, store storage.Store, registry *nodes.Registry, cfg Config) *Server {
	logger = log.With(logger, "component", "web")
	if cfg.FeedResults <= 0 {
		cfg.FeedResults = 100
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Server{
		appName:  appName,
		logger:   logger,
		svc:      svc,
		store:    store,
		registry: registry,
		config:   cfg,
		now:      time.Now,
	}
}

// Router returns the API routes and the static files, with CORS and compression.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	api := r.PathPrefix("/api").Subrouter()

	api.HandleFunc("/decode", s.Decode).Methods(http.MethodPost)
	api.HandleFunc("/uplinks", s.Uplink).Methods(http.MethodPost)

	api.HandleFunc("/nodes", s.NodesQuery).Methods(http.MethodGet)
	api.HandleFunc("/nodes/{node:[0-9]+}", s.NodeQuery).Methods(http.MethodGet)
	api.HandleFunc("/nodes/{node:[0-9]+}/measurements", s.Measurement).Methods(http.MethodPost)
	api.HandleFunc("/nodes/{node:[0-9]+}/current", s.CurrentQuery).Methods(http.MethodGet)
	api.HandleFunc("/nodes/{node:[0-9]+}/readings", s.ReadingsQuery).Methods(http.MethodGet)
	api.HandleFunc("/nodes/{node:[0-9]+}/hourly", s.HourlyQuery).Methods(http.MethodGet)
	api.HandleFunc("/nodes/{node:[0-9]+}/daily", s.DailyQuery).Methods(http.MethodGet)
	api.HandleFunc("/nodes/{node:[0-9]+}/aggregate", s.AggregateQuery).Methods(http.MethodGet)

	api.HandleFunc("/rect/{urlat}/{urlng}/{bllat}/{bllng}", s.RectQuery).Methods(http.MethodGet)
	api.HandleFunc("/radius/{lat}/{lng}/{radius}", s.RadiusQuery).Methods(http.MethodGet)

	api.HandleFunc("/thingspeak/latest", s.ChannelLatest).Methods(http.MethodGet)
	api.HandleFunc("/thingspeak/feeds", s.ChannelFeeds).Methods(http.MethodGet)
	api.HandleFunc("/thingspeak/rainfall", s.ChannelRainfall).Methods(http.MethodGet)

	api.HandleFunc("/weather/current", s.WeatherCurrent).Methods(http.MethodGet)

	r.PathPrefix("/").Handler(s)

	return handlers.CompressHandler(
		handlers.CORS(handlers.AllowedOrigins([]string{"*"}))(r))
}

// span starts a server span, continuing the caller trace if any.
func (s *Server) span(r *http.Request, operationName string) (context.Context, opentracing.Span) {
	wireContext, err := opentracing.GlobalTracer().Extract(
		opentracing.HTTPHeaders,
		opentracing.HTTPHeadersCarrier(r.Header))
	if err != nil {
		level.Debug(s.logger).Log("msg", "can't find a span", "error", err)
	}

	serverSpan := opentracing.StartSpan(
		operationName,
		ext.RPCServerOption(wireContext))

	return opentracing.ContextWithSpan(r.Context(), serverSpan), serverSpan
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		level.Error(s.logger).Log("msg", "can't marshal json", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(b)
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/")

	if path == "" {
		path = "index.html"
	}

	p := map[string]interface{}{
		"AppName": s.appName,
		"Lat":     s.config.Lat,
		"Lng":     s.config.Lng,
		"Nodes":   s.registry.All(),
	}

	// serve file normally
	if !isTpl(path) {
		s.FileHandler.ServeHTTP(w, r)
		return
	}

	tmplt := template.New(path)

	sf, err := s.Box.FindString(path)
	if err != nil {
		level.Error(s.logger).Log("msg", "can't open template", "error", err)
		http.Error(w, err.Error(), 500)
		return
	}

	tmplt, err = tmplt.Parse(sf)
	if err != nil {
		http.Error(w, err.Error(), 500)
		level.Error(s.logger).Log("msg", "can't parse template", "error", err)
		return
	}

	ctype := mime.TypeByExtension(filepath.Ext(path))
	w.Header().Set("Content-Type", ctype)

	if err := tmplt.Execute(w, p); err != nil {
		level.Error(s.logger).Log("msg", "can't execute template", "error", err)
	}
}

func isTpl(path string) bool {
	for _, p := range pathTpl {
		if p == path {
			return true
		}
	}
	return false
}
