// Package influx exports the stored readings to InfluxDB 2.
package influx

import (
	"context"
	"strconv"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/waterlogged/waterlogged/nodes"
	"github.com/waterlogged/waterlogged/storage"
)

const Measurement = "rain_gauge"

type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// Exporter writes one point per reading, tagged with the node tags of the registry.
type Exporter struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	registry *nodes.Registry
}

func NewExporter(cfg Config, registry *nodes.Registry) *Exporter {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return &Exporter{
		client:   client,
		writeAPI: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		registry: registry,
	}
}

// Ping reports whether the server is ready.
func (e *Exporter) Ping(ctx context.Context) (bool, error) {
	return e.client.Ping(ctx)
}

func (e *Exporter) Name() string {
	return "influx"
}

func (e *Exporter) Export(ctx context.Context, r storage.Record) error {
	return e.writeAPI.WritePoint(ctx, e.Point(r))
}

// Point returns the InfluxDB point of r.
func (e *Exporter) Point(r storage.Record) *write.Point {
	p := write.NewPointWithMeasurement(Measurement).
		AddField("weight_g", r.Reading.WeightG).
		AddField("rainfall_in", r.Reading.RainfallIn).
		AddField("temperature_f", r.Reading.TemperatureF).
		AddField("humidity_pct", r.Reading.HumidityPct).
		AddField("warnings", len(r.Warnings)).
		SetTime(r.Time)

	if n, ok := e.registry.Get(r.NodeID); ok {
		for k, v := range n.Tags {
			p.AddTag(k, v)
		}
	}
	p.AddTag("node_id", strconv.Itoa(r.NodeID))
	if r.DeviceID != "" {
		p.AddTag("device_id", r.DeviceID)
	}
	if r.Via != "" {
		p.AddTag("via", r.Via)
	}
	return p
}

func (e *Exporter) Close() {
	e.client.Close()
}
