package web

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"io"
	"io/ioutil"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-kit/kit/log/level"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/geojson"

	"github.com/waterlogged/waterlogged/metrics"
	"github.com/waterlogged/waterlogged/payload"
	"github.com/waterlogged/waterlogged/rainfall"
	"github.com/waterlogged/waterlogged/storage"
	"github.com/waterlogged/waterlogged/thingspeak"
	"github.com/waterlogged/waterlogged/ttn"
)

const maxBodySize = 64 << 10

var (
	errNoPayload    = errors.New("bytes or hex expected")
	errNotAvailable = errors.New("not configured")
)

type decodeRequest struct {
	Bytes  []int  `json:"bytes"`
	Hex    string `json:"hex"`
	FPort  int    `json:"fPort"`
	NodeID int    `json:"node_id"`
}

// Decode decodes a payload without storing it, the response is the decoder
// result: {"data":...,"warnings":[...]} or {"errors":[...]}, with ?format=legacy
// the flat record of the legacy decoder.
func (s *Server) Decode(w http.ResponseWriter, r *http.Request) {
	_, span := s.span(r, "/api/decode")
	defer span.Finish()

	var req decodeRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, errors.Wrap(err, "invalid request"))
		return
	}
	if req.NodeID == 0 {
		req.NodeID = payload.DefaultNodeID
	}
	dec := s.svc.Decoder(req.NodeID)
	legacy := r.URL.Query().Get("format") == "legacy"
	metrics.MsgReceivedCounter.WithLabelValues(metrics.ReceivedViaHTTP).Inc()

	switch {
	case req.Bytes != nil && !legacy:
		s.writeJSON(w, http.StatusOK, dec.DecodeValues(req.Bytes))
		return
	case req.Bytes != nil:
		b := make([]byte, len(req.Bytes))
		for i, v := range req.Bytes {
			if v < 0 || v > 255 {
				s.writeError(w, http.StatusBadRequest, errors.Errorf("value %d at offset %d is not a byte", v, i))
				return
			}
			b[i] = byte(v)
		}
		s.writeJSON(w, http.StatusOK, dec.DecodeLegacy(b, req.FPort))
		return
	case req.Hex != "":
		b, err := hex.DecodeString(strings.TrimPrefix(strings.ReplaceAll(req.Hex, " ", ""), "0x"))
		if err != nil {
			s.writeError(w, http.StatusBadRequest, errors.Wrap(err, "invalid hex"))
			return
		}
		if legacy {
			s.writeJSON(w, http.StatusOK, dec.DecodeLegacy(b, req.FPort))
			return
		}
		s.writeJSON(w, http.StatusOK, dec.Decode(b))
		return
	}
	s.writeError(w, http.StatusBadRequest, errNoPayload)
}

// Uplink is the TTN v3 webhook endpoint.
func (s *Server) Uplink(w http.ResponseWriter, r *http.Request) {
	ctx, span := s.span(r, "/api/uplinks")
	defer span.Finish()

	b, err := ioutil.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	msg, err := ttn.ParseUplink(b)
	if err == ttn.ErrNotUplink {
		// joins and other events are acknowledged
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		metrics.DecodeErrorCounter.WithLabelValues(metrics.ReceivedViaWebhook).Inc()
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	res, err := s.svc.HandleUplink(ctx, msg.Uplink(metrics.ReceivedViaWebhook))
	if err != nil {
		level.Error(s.logger).Log("msg", "can't handle webhook uplink", "device_id", msg.EndDeviceIDs.DeviceID, "error", err)
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	// location uplinks have no decoder result
	if !res.OK() && len(res.Errors()) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

// Measurement stores a serial line "WEIGHT,RAINFALL_IN,TEMPERATURE_F,HUMIDITY,ZERO_FACTOR",
// given as ?payload=, as {"payload": "..."} or as a plain text body.
func (s *Server) Measurement(w http.ResponseWriter, r *http.Request) {
	ctx, span := s.span(r, "/api/nodes/measurements")
	defer span.Finish()

	nodeID, err := nodeVar(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	line := r.URL.Query().Get("payload")
	if line == "" {
		b, err := ioutil.ReadAll(io.LimitReader(r.Body, maxBodySize))
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err)
			return
		}
		line = string(b)
		if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
			var req struct {
				Payload string `json:"payload"`
			}
			if err := json.Unmarshal(b, &req); err != nil {
				s.writeError(w, http.StatusBadRequest, errors.Wrap(err, "invalid request"))
				return
			}
			line = req.Payload
		}
	}

	lr, err := s.svc.HandleLine(ctx, nodeID, line)
	if err != nil {
		cause := errors.Cause(err)
		if cause == payload.ErrMalformedLine || cause == payload.ErrOutOfRange {
			s.writeError(w, http.StatusBadRequest, err)
			return
		}
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]interface{}{
		"status":  "success",
		"node_id": nodeID,
		"data":    lr,
	})
}

func nodeVar(r *http.Request) (int, error) {
	id, err := strconv.Atoi(mux.Vars(r)["node"])
	if err != nil || id <= 0 {
		return 0, errors.New("invalid node id")
	}
	return id, nil
}

// window returns the time bounds asked by ?from=&to= (RFC 3339), ?period= or ?range=,
// the last def otherwise.
func (s *Server) window(q url.Values, def time.Duration) (time.Time, time.Time, error) {
	now := s.now().In(s.config.Location)
	from, to := now.Add(-def), now

	switch {
	case q.Get("from") != "" || q.Get("to") != "":
		if v := q.Get("from"); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return from, to, errors.Wrap(err, "invalid from")
			}
			from = t
		}
		if v := q.Get("to"); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return from, to, errors.Wrap(err, "invalid to")
			}
			to = t
		}
		if to.Before(from) {
			return from, to, errors.New("to is before from")
		}
	case q.Get("period") != "":
		from, to = rainfall.PeriodBounds(q.Get("period"), now)
	case q.Get("range") != "":
		d, err := rainfall.ParseRange(q.Get("range"))
		if err != nil {
			return from, to, err
		}
		from = now.Add(-d)
	}
	return from, to, nil
}

func (s *Server) storeError(w http.ResponseWriter, err error) {
	if err == storage.ErrNotFound {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	level.Error(s.logger).Log("msg", "storage query failed", "error", err)
	s.writeError(w, http.StatusInternalServerError, err)
}

func (s *Server) NodeQuery(w http.ResponseWriter, r *http.Request) {
	_, span := s.span(r, "/api/nodes/node")
	defer span.Finish()

	nodeID, err := nodeVar(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	n, err := s.store.Node(nodeID)
	if err == storage.ErrNotFound {
		// a registered node may not have a position yet
		if rn, ok := s.registry.Get(nodeID); ok {
			s.writeJSON(w, http.StatusOK, storage.Node{ID: rn.ID, DeviceID: rn.DeviceID, Name: rn.Name})
			return
		}
	}
	if err != nil {
		s.storeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, n)
}

func (s *Server) CurrentQuery(w http.ResponseWriter, r *http.Request) {
	_, span := s.span(r, "/api/nodes/current")
	defer span.Finish()

	nodeID, err := nodeVar(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	rec, err := s.store.Latest(nodeID)
	if err != nil {
		s.storeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

func (s *Server) ReadingsQuery(w http.ResponseWriter, r *http.Request) {
	_, span := s.span(r, "/api/nodes/readings")
	defer span.Finish()

	nodeID, err := nodeVar(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	from, to, err := s.window(r.URL.Query(), 24*time.Hour)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil || limit < 0 {
			s.writeError(w, http.StatusBadRequest, errors.New("invalid limit"))
			return
		}
	}
	recs, err := s.store.Readings(nodeID, from, to, limit)
	if err != nil {
		s.storeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, recs)
}

func (s *Server) HourlyQuery(w http.ResponseWriter, r *http.Request) {
	s.aggregate(w, r, "/api/nodes/hourly", rainfall.Hour, 24*time.Hour)
}

func (s *Server) DailyQuery(w http.ResponseWriter, r *http.Request) {
	s.aggregate(w, r, "/api/nodes/daily", rainfall.Day, 7*24*time.Hour)
}

// AggregateQuery buckets by ?by=hour|day|week|month, the last 30 days by default.
func (s *Server) AggregateQuery(w http.ResponseWriter, r *http.Request) {
	i, err := rainfall.ParseInterval(r.URL.Query().Get("by"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	s.aggregate(w, r, "/api/nodes/aggregate", i, 30*24*time.Hour)
}

func (s *Server) aggregate(w http.ResponseWriter, r *http.Request, operationName string, i rainfall.Interval, def time.Duration) {
	_, span := s.span(r, operationName)
	defer span.Finish()

	nodeID, err := nodeVar(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	from, to, err := s.window(r.URL.Query(), def)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	buckets, err := s.store.Aggregates(nodeID, i, from, to)
	if err != nil {
		s.storeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"node_id":  nodeID,
		"interval": i,
		"from":     from,
		"to":       to,
		"data":     buckets,
	})
}

func nodesCollection(nodes []storage.Node) *geojson.FeatureCollection {
	fc := &geojson.FeatureCollection{Features: []*geojson.Feature{}}
	for _, n := range nodes {
		f := &geojson.Feature{}
		f.Properties = make(map[string]interface{})
		f.Properties["node_id"] = n.ID
		f.Properties["device_id"] = n.DeviceID
		f.Properties["name"] = n.Name
		f.Properties["ts"] = n.UpdatedAt

		f.Geometry = geom.NewPointFlat(geom.XY, []float64{n.Lng, n.Lat})
		fc.Features = append(fc.Features, f)
	}
	return fc
}

func (s *Server) writeNodes(w http.ResponseWriter, nodes []storage.Node) {
	b, err := nodesCollection(nodes).MarshalJSON()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "application/geo+json")
	w.Write(b)
}

func (s *Server) NodesQuery(w http.ResponseWriter, r *http.Request) {
	_, span := s.span(r, "/api/nodes")
	defer span.Finish()

	nodes, err := s.store.Nodes()
	if err != nil {
		s.storeError(w, err)
		return
	}
	s.writeNodes(w, nodes)
}

func parseFloats(vars map[string]string, names ...string) ([]float64, error) {
	res := make([]float64, len(names))
	for i, name := range names {
		v, err := strconv.ParseFloat(vars[name], 64)
		if err != nil {
			return nil, errors.Errorf("invalid %s", name)
		}
		res[i] = v
	}
	return res, nil
}

func (s *Server) RectQuery(w http.ResponseWriter, r *http.Request) {
	_, span := s.span(r, "/api/rect")
	defer span.Finish()

	v, err := parseFloats(mux.Vars(r), "urlat", "urlng", "bllat", "bllng")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	nodes, err := s.store.RectSearch(v[0], v[1], v[2], v[3])
	if err != nil {
		s.storeError(w, err)
		return
	}
	s.writeNodes(w, nodes)
}

func (s *Server) RadiusQuery(w http.ResponseWriter, r *http.Request) {
	_, span := s.span(r, "/api/radius")
	defer span.Finish()

	v, err := parseFloats(mux.Vars(r), "lat", "lng", "radius")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if v[2] <= 0 {
		s.writeError(w, http.StatusBadRequest, errors.New("radius must be positive"))
		return
	}

	nodes, err := s.store.RadiusSearch(v[0], v[1], v[2])
	if err != nil {
		s.storeError(w, err)
		return
	}
	s.writeNodes(w, nodes)
}

func (s *Server) upstreamError(w http.ResponseWriter, err error) {
	level.Warn(s.logger).Log("msg", "upstream request failed", "error", err)
	s.writeError(w, http.StatusBadGateway, err)
}

func (s *Server) ChannelLatest(w http.ResponseWriter, r *http.Request) {
	ctx, span := s.span(r, "/api/thingspeak/latest")
	defer span.Finish()

	if s.Channel == nil {
		s.writeError(w, http.StatusServiceUnavailable, errNotAvailable)
		return
	}
	reading, err := s.Channel.Latest(ctx)
	if err == thingspeak.ErrNoEntry {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		s.upstreamError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, reading)
}

func (s *Server) feeds(ctx context.Context, w http.ResponseWriter, r *http.Request) ([]thingspeak.Reading, bool) {
	if s.Channel == nil {
		s.writeError(w, http.StatusServiceUnavailable, errNotAvailable)
		return nil, false
	}
	q := r.URL.Query()
	from, to, err := s.window(q, 24*time.Hour)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return nil, false
	}
	results := s.config.FeedResults
	if v := q.Get("results"); v != "" {
		results, err = strconv.Atoi(v)
		if err != nil || results <= 0 || results > 8000 {
			s.writeError(w, http.StatusBadRequest, errors.New("invalid results"))
			return nil, false
		}
	}
	query := thingspeak.Query{Start: from, Results: results}
	// an open ended window is not sent
	if q.Get("period") != "" || q.Get("to") != "" {
		query.End = to
	}
	readings, err := s.Channel.Feeds(ctx, query)
	if err != nil {
		s.upstreamError(w, err)
		return nil, false
	}
	return readings, true
}

func (s *Server) ChannelFeeds(w http.ResponseWriter, r *http.Request) {
	ctx, span := s.span(r, "/api/thingspeak/feeds")
	defer span.Finish()

	readings, ok := s.feeds(ctx, w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, readings)
}

// ChannelRainfall aggregates the channel feed by ?by=hour|day|week|month.
func (s *Server) ChannelRainfall(w http.ResponseWriter, r *http.Request) {
	ctx, span := s.span(r, "/api/thingspeak/rainfall")
	defer span.Finish()

	i, err := rainfall.ParseInterval(r.URL.Query().Get("by"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	readings, ok := s.feeds(ctx, w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, rainfall.Aggregate(thingspeak.Points(readings), i, s.config.Location))
}

func (s *Server) WeatherCurrent(w http.ResponseWriter, r *http.Request) {
	ctx, span := s.span(r, "/api/weather/current")
	defer span.Finish()

	if s.Weather == nil {
		s.writeError(w, http.StatusServiceUnavailable, errNotAvailable)
		return
	}
	cur, err := s.Weather.Current(ctx)
	if err != nil {
		s.upstreamError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, cur)
}
