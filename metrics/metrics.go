package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	ViaLabel           = "via"
	ReceivedViaGW      = "GW"
	ReceivedViaTTN     = "TTN"
	ReceivedViaWebhook = "WEBHOOK"
	ReceivedViaSerial  = "SERIAL"
	ReceivedViaHTTP    = "HTTP"

	FieldLabel = "field"
	SinkLabel  = "sink"
)

var (
	MsgReceivedCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "waterlogged",
			Name:      "received_msg_total",
			Help:      "The total number of received uplinks",
		},
		[]string{ViaLabel},
	)

	DecodeErrorCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "waterlogged",
			Name:      "decode_error_total",
			Help:      "The total number of payloads that could not be decoded",
		},
		[]string{ViaLabel},
	)

	WarningCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "waterlogged",
			Name:      "decode_warning_total",
			Help:      "The total number of out of range values",
		},
		[]string{FieldLabel},
	)

	UnknownDeviceCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "waterlogged",
			Name:      "unknown_device_total",
			Help:      "The total number of uplinks dropped from unregistered devices",
		},
		[]string{ViaLabel},
	)

	ErrorCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "waterlogged",
			Name:      "error_total",
			Help:      "The total number of errors occurring",
		},
	)

	InsertCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "waterlogged",
			Name:      "insert_total",
			Help:      "The total number of inserts in db",
		},
	)

	ExportErrorCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "waterlogged",
			Name:      "export_error_total",
			Help:      "The total number of failed exports",
		},
		[]string{SinkLabel},
	)
)
