// Package ttn consumes The Things Stack (TTN v3) uplinks, from MQTT or from a webhook.
package ttn

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/waterlogged/waterlogged"
	"github.com/waterlogged/waterlogged/metrics"
)

// ErrNotUplink is returned for messages without uplink_message, joins or downlink events.
var ErrNotUplink = errors.New("not an uplink message")

type ApplicationIDs struct {
	ApplicationID string `json:"application_id,omitempty"`
}

type EndDeviceIDs struct {
	DeviceID       string         `json:"device_id,omitempty"`
	ApplicationIDs ApplicationIDs `json:"application_ids,omitempty"`
	DevEUI         string         `json:"dev_eui,omitempty"`
	JoinEUI        string         `json:"join_eui,omitempty"`
	DevAddr        string         `json:"dev_addr,omitempty"`
}

type GatewayIDs struct {
	GatewayID string `json:"gateway_id,omitempty"`
	EUI       string `json:"eui,omitempty"`
}

type RxMetadata struct {
	GatewayIDs GatewayIDs `json:"gateway_ids,omitempty"`
	RSSI       float64    `json:"rssi,omitempty"`
	SNR        float64    `json:"snr,omitempty"`
}

type Uplink struct {
	FPort      int          `json:"f_port"`
	FCount     uint32       `json:"f_cnt"`
	Payload    []byte       `json:"frm_payload,omitempty"`
	RxMetadata []RxMetadata `json:"rx_metadata,omitempty"`
	ReceivedAt time.Time    `json:"received_at,omitempty"`

	// set when the application has its own payload formatter
	DecodedPayload json.RawMessage `json:"decoded_payload,omitempty"`
}

// UplinkMessage is the uplink event published on v3/{app}/devices/{device}/up.
type UplinkMessage struct {
	EndDeviceIDs   EndDeviceIDs `json:"end_device_ids"`
	CorrelationIDs []string     `json:"correlation_ids,omitempty"`
	ReceivedAt     time.Time    `json:"received_at,omitempty"`
	UplinkMessage  *Uplink      `json:"uplink_message,omitempty"`
}

// ParseUplink reads a TTN v3 uplink event, frm_payload is base64 in the JSON.
func ParseUplink(b []byte) (*UplinkMessage, error) {
	var msg UplinkMessage
	if err := json.Unmarshal(b, &msg); err != nil {
		return nil, errors.Wrap(err, "can't parse ttn uplink")
	}
	if msg.UplinkMessage == nil {
		return nil, ErrNotUplink
	}
	return &msg, nil
}

// Uplink converts msg for the service, via tells where it came from (TTN or WEBHOOK).
func (msg *UplinkMessage) Uplink(via string) waterlogged.Uplink {
	up := msg.UplinkMessage
	ts := up.ReceivedAt
	if ts.IsZero() {
		ts = msg.ReceivedAt
	}
	if via == "" {
		via = metrics.ReceivedViaTTN
	}
	return waterlogged.Uplink{
		DeviceID:   msg.EndDeviceIDs.DeviceID,
		DevEUI:     strings.ToUpper(msg.EndDeviceIDs.DevEUI),
		DevAddr:    strings.ToUpper(msg.EndDeviceIDs.DevAddr),
		FPort:      up.FPort,
		Payload:    up.Payload,
		ReceivedAt: ts,
		Via:        via,
	}
}

// Topic returns the uplink topic of all the devices of an application.
func Topic(appID, tenantID string) string {
	return "v3/" + Username(appID, tenantID) + "/devices/+/up"
}

// Username returns the MQTT username {app}@{tenant}, a private deployment may have no tenant.
func Username(appID, tenantID string) string {
	if tenantID == "" {
		return appID
	}
	return appID + "@" + tenantID
}
