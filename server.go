// Package waterlogged ingests rain gauge uplinks, stores the decoded readings
// and forwards them to the configured exporters.
package waterlogged

import (
	"bytes"
	"context"
	"strings"
	"time"

	"github.com/akhenakh/cayenne"
	log "github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/pkg/errors"
	"google.golang.org/grpc/health"

	"github.com/waterlogged/waterlogged/metrics"
	"github.com/waterlogged/waterlogged/nodes"
	"github.com/waterlogged/waterlogged/payload"
	"github.com/waterlogged/waterlogged/storage"
)

// ErrNoLocation is logged for a location uplink without GPS value.
var ErrNoLocation = errors.New("cayenne payload does not contain coordinates")

// ErrUnknownDevice is logged for uplinks of unregistered devices while the registry
// owns the default node id.
var ErrUnknownDevice = errors.New("unregistered device")

// Exporter receives every stored reading.
type Exporter interface {
	Name() string
	Export(ctx context.Context, rec storage.Record) error
}

// Uplink is a radio message, whatever the network it came from.
type Uplink struct {
	DeviceID   string
	DevEUI     string
	DevAddr    string
	FPort      int
	Payload    []byte
	ReceivedAt time.Time
	Via        string
}

// Config holds the uplink routing and the serial validation ranges.
type Config struct {
	// the fport used by nodes to send their Cayenne GPS position, 0 disables
	LocationPort int

	// only uplinks on this fport are decoded as measurements, 0 accepts any port
	MeasurementPort int

	LineParams payload.LineParams
}

// Server routes decoded readings from every network to the store and the exporters.
type Server struct {
	appName   string
	logger    log.Logger
	Health    *health.Server
	store     storage.Store
	registry  *nodes.Registry
	exporters []Exporter
	decoders  map[int]*payload.Decoder
	config    Config
	now       func() time.Time

	// default calibration, for devices missing from the registry
	defaultDecoder *payload.Decoder
}

// NewServer builds one decoder per registered node, plus the default one.
func NewServer(appName string, logger log.Logger, store storage.Store, registry *nodes.Registry, cfg Config, exporters ...Exporter) (*Server, error) {
	logger = log.With(logger, "component", "server")
	s := &Server{
		appName:   appName,
		logger:    logger,
		store:     store,
		registry:  registry,
		exporters: exporters,
		decoders:  make(map[int]*payload.Decoder),
		config:    cfg,
		now:       time.Now,
	}

	for _, n := range registry.All() {
		d, err := payload.NewDecoder(n.Params(), payload.WithClock(s.clock))
		if err != nil {
			return nil, errors.Wrapf(err, "node %d", n.ID)
		}
		s.decoders[n.ID] = d
	}

	d, err := payload.NewDecoder(nodes.Default().Params(), payload.WithClock(s.clock))
	if err != nil {
		return nil, err
	}
	s.defaultDecoder = d
	return s, nil
}

func (s *Server) clock() time.Time {
	return s.now()
}

// Decoder returns the decoder calibrated for nodeID, unknown nodes get the default one.
func (s *Server) Decoder(nodeID int) *payload.Decoder {
	if d, ok := s.decoders[nodeID]; ok {
		return d
	}
	return s.defaultDecoder
}

// IsLocation reports whether fport carries node positions.
func (s *Server) IsLocation(fport int) bool {
	return s.config.LocationPort != 0 && fport == s.config.LocationPort
}

// SyncNodes stores the position of every node located in the registry.
func (s *Server) SyncNodes(ctx context.Context) error {
	for _, n := range s.registry.All() {
		if !n.HasLocation() {
			continue
		}
		err := s.store.StoreNode(storage.Node{
			ID:        n.ID,
			DeviceID:  n.DeviceID,
			Name:      n.Name,
			Lat:       *n.Lat,
			Lng:       *n.Lng,
			UpdatedAt: s.now().UTC(),
		})
		if err != nil {
			return errors.Wrapf(err, "can't store node %d", n.ID)
		}
	}
	return nil
}

// resolve finds the registered node of up. Unregistered devices get the default node,
// unless the registry already uses its id, then ok is false.
func (s *Server) resolve(up Uplink) (nodes.Node, bool) {
	if n, ok := s.registry.Lookup(up.DeviceID, up.DevEUI); ok {
		return n, true
	}
	if n, ok := s.registry.LookupDevAddr(up.DevAddr); ok {
		return n, true
	}
	def := nodes.Default()
	if _, taken := s.registry.Get(def.ID); taken {
		return def, false
	}
	return def, true
}

// HandleUplink decodes, stores and exports one uplink.
// The returned Result is the decoder outcome, the error is a storage failure.
// A location uplink updates the node position and returns the zero Result,
// so does an uplink on a port other than the measurement port.
// Uplinks of unregistered devices are decoded with the default calibration, they are
// only stored when the default node id is free in the registry.
func (s *Server) HandleUplink(ctx context.Context, up Uplink) (payload.Result, error) {
	metrics.MsgReceivedCounter.WithLabelValues(up.Via).Inc()
	node, ok := s.resolve(up)
	logger := log.With(s.logger, "node_id", node.ID, "device_id", up.DeviceID, "via", up.Via)

	if s.IsLocation(up.FPort) {
		if !ok {
			metrics.UnknownDeviceCounter.WithLabelValues(up.Via).Inc()
			level.Info(logger).Log("msg", "dropping location uplink", "error", ErrUnknownDevice)
			return payload.Result{}, nil
		}
		return payload.Result{}, s.handleLocation(logger, node, up)
	}

	if s.config.MeasurementPort != 0 && up.FPort != s.config.MeasurementPort {
		level.Debug(logger).Log("msg", "ignoring uplink", "fport", up.FPort)
		return payload.Result{}, nil
	}

	dec := s.defaultDecoder
	if ok {
		dec = s.Decoder(node.ID)
	}
	res := dec.Decode(up.Payload)
	if !res.OK() {
		metrics.DecodeErrorCounter.WithLabelValues(up.Via).Inc()
		level.Info(logger).Log("msg", "can't decode uplink", "error", res.Err())
		return res, nil
	}

	for _, w := range res.Warnings() {
		metrics.WarningCounter.WithLabelValues(warningField(w)).Inc()
		level.Warn(logger).Log("msg", "decoded value out of range", "warning", w)
	}

	if !ok {
		metrics.UnknownDeviceCounter.WithLabelValues(up.Via).Inc()
		level.Info(logger).Log("msg", "not storing uplink", "error", ErrUnknownDevice)
		return res, nil
	}

	reading, _ := res.Reading()
	ts := up.ReceivedAt
	if ts.IsZero() {
		ts = reading.DecodedAt
	}
	rec := storage.Record{
		NodeID:   node.ID,
		DeviceID: up.DeviceID,
		Via:      up.Via,
		Time:     ts.UTC(),
		Reading:  reading,
		Warnings: res.Warnings(),
		Raw:      append([]byte(nil), up.Payload...),
	}

	level.Debug(logger).Log("msg", "decoded uplink", "rainfall_in", reading.RainfallIn,
		"temperature_f", reading.TemperatureF, "humidity_pct", reading.HumidityPct)

	return res, s.save(ctx, rec)
}

// handleLocation stores the node position, a malformed packet is logged and dropped.
func (s *Server) handleLocation(logger log.Logger, node nodes.Node, up Uplink) error {
	d := cayenne.NewDecoder(bytes.NewReader(up.Payload))
	msg, err := d.DecodeUplink()
	if err != nil {
		metrics.DecodeErrorCounter.WithLabelValues(up.Via).Inc()
		level.Info(logger).Log("msg", "can't decode uplink cayenne packet", "error", err)
		return nil
	}

	locKey, ok := msg.GotLocation()
	if !ok {
		metrics.DecodeErrorCounter.WithLabelValues(up.Via).Inc()
		level.Info(logger).Log("msg", "can't handle location uplink", "error", ErrNoLocation)
		return nil
	}
	locf, ok := msg.Values()[locKey].([]float32)
	if !ok || len(locf) < 2 {
		metrics.DecodeErrorCounter.WithLabelValues(up.Via).Inc()
		level.Info(logger).Log("msg", "can't handle location uplink", "error", ErrNoLocation)
		return nil
	}

	ts := up.ReceivedAt
	if ts.IsZero() {
		ts = s.now()
	}
	err = s.store.StoreNode(storage.Node{
		ID:        node.ID,
		DeviceID:  up.DeviceID,
		Name:      node.Name,
		Lat:       float64(locf[0]),
		Lng:       float64(locf[1]),
		UpdatedAt: ts.UTC(),
	})
	if err != nil {
		metrics.ErrorCounter.Inc()
		level.Error(logger).Log("msg", "can't store node location", "error", err)
		return errors.Wrap(err, "can't store node location")
	}
	level.Debug(logger).Log("msg", "node moved", "node_id", node.ID, "latitude", locf[0], "longitude", locf[1])
	return nil
}

// HandleLine validates, stores and exports a reading sent by a node over its serial link.
func (s *Server) HandleLine(ctx context.Context, nodeID int, line string) (payload.LineReading, error) {
	metrics.MsgReceivedCounter.WithLabelValues(metrics.ReceivedViaSerial).Inc()
	lr, err := payload.ParseLine(line, s.config.LineParams)
	if err != nil {
		metrics.DecodeErrorCounter.WithLabelValues(metrics.ReceivedViaSerial).Inc()
		level.Info(s.logger).Log("msg", "rejected serial line", "node_id", nodeID, "error", err)
		return lr, err
	}

	name := ""
	if n, ok := s.registry.Get(nodeID); ok {
		name = n.DeviceID
	}
	now := s.now().UTC()
	rec := storage.Record{
		NodeID:   nodeID,
		DeviceID: name,
		Via:      metrics.ReceivedViaSerial,
		Time:     now,
		Reading: payload.Reading{
			WeightG:      lr.WeightG,
			RainfallIn:   lr.RainfallIn,
			TemperatureF: lr.TemperatureF,
			HumidityPct:  lr.HumidityPct,
			DecodedAt:    now,
			NodeID:       nodeID,
		},
		Warnings: []string{},
		Raw:      []byte(strings.TrimSpace(line)),
	}
	return lr, s.save(ctx, rec)
}

func (s *Server) save(ctx context.Context, rec storage.Record) error {
	if err := s.store.StoreReading(rec); err != nil {
		metrics.ErrorCounter.Inc()
		level.Error(s.logger).Log("msg", "can't store reading", "node_id", rec.NodeID, "error", err)
		return errors.Wrap(err, "can't store reading")
	}
	metrics.InsertCounter.Inc()

	// exports never fail ingestion
	for _, e := range s.exporters {
		if err := e.Export(ctx, rec); err != nil {
			metrics.ExportErrorCounter.WithLabelValues(e.Name()).Inc()
			level.Warn(s.logger).Log("msg", "can't export reading", "sink", e.Name(), "node_id", rec.NodeID, "error", err)
		}
	}
	return nil
}

// warningField returns the lower cased field name a warning starts with.
func warningField(w string) string {
	if i := strings.IndexByte(w, ' '); i > 0 {
		return strings.ToLower(w[:i])
	}
	return "unknown"
}
