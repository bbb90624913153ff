package ttn

import (
	"context"
	"testing"
	"time"

	log "github.com/go-kit/kit/log"
	"github.com/stretchr/testify/require"

	"github.com/waterlogged/waterlogged/metrics"
)

var rawUplink = `{
  "end_device_ids": {
    "device_id": "waterlogged-garden",
    "application_ids": {"application_id": "waterlogged"},
    "dev_eui": "70b3d57ed005a1b2",
    "dev_addr": "260b1234"
  },
  "correlation_ids": ["as:up:01H"],
  "received_at": "2025-04-12T10:30:00.123456789Z",
  "uplink_message": {
    "f_port": 1,
    "f_cnt": 42,
    "frm_payload": "A+gbWBg0",
    "rx_metadata": [{"gateway_ids": {"gateway_id": "bc-gw"}, "rssi": -97, "snr": 7.5}],
    "received_at": "2025-04-12T10:29:59.9Z"
  }
}`

func TestParseUplink(t *testing.T) {
	msg, err := ParseUplink([]byte(rawUplink))
	require.NoError(t, err)
	require.Equal(t, "waterlogged-garden", msg.EndDeviceIDs.DeviceID)
	require.Equal(t, "waterlogged", msg.EndDeviceIDs.ApplicationIDs.ApplicationID)
	require.Equal(t, 1, msg.UplinkMessage.FPort)
	require.Equal(t, uint32(42), msg.UplinkMessage.FCount)
	require.Equal(t, []byte{0x03, 0xE8, 0x1B, 0x58, 0x18, 0x34}, msg.UplinkMessage.Payload)
	require.Len(t, msg.UplinkMessage.RxMetadata, 1)
	require.Equal(t, -97.0, msg.UplinkMessage.RxMetadata[0].RSSI)

	up := msg.Uplink("")
	require.Equal(t, metrics.ReceivedViaTTN, up.Via)
	require.Equal(t, "70B3D57ED005A1B2", up.DevEUI)
	require.Equal(t, "260B1234", up.DevAddr)
	require.Equal(t, time.Date(2025, 4, 12, 10, 29, 59, 900000000, time.UTC), up.ReceivedAt.UTC())

	up = msg.Uplink(metrics.ReceivedViaWebhook)
	require.Equal(t, metrics.ReceivedViaWebhook, up.Via)
}

func TestParseUplinkErrors(t *testing.T) {
	_, err := ParseUplink([]byte(`{"end_device_ids": {"device_id": "x"}, "join_accept": {}}`))
	require.Equal(t, ErrNotUplink, err)

	_, err = ParseUplink([]byte(`{"uplink_message": `))
	require.Error(t, err)
}

func TestTopic(t *testing.T) {
	require.Equal(t, "v3/waterlogged@ttn/devices/+/up", Topic("waterlogged", "ttn"))
	require.Equal(t, "waterlogged@ttn", Username("waterlogged", "ttn"))
	require.Equal(t, "v3/waterlogged/devices/+/up", Topic("waterlogged", ""))
}

func TestSubscriberHandleMessage(t *testing.T) {
	var got []*UplinkMessage
	s := NewSubscriber(log.NewNopLogger(), Config{Broker: "tcp://127.0.0.1:1883", AppID: "waterlogged"},
		func(ctx context.Context, msg *UplinkMessage) {
			got = append(got, msg)
		})

	s.handleMessage("v3/waterlogged/devices/waterlogged-garden/up", []byte(rawUplink))
	s.handleMessage("v3/waterlogged/devices/waterlogged-garden/up", []byte(`not json`))
	require.Len(t, got, 1)
	require.Equal(t, "waterlogged-garden", got[0].EndDeviceIDs.DeviceID)
	require.False(t, s.IsConnected())

	s.Disconnect()
	require.Equal(t, ErrStopped, s.Connect(context.Background()))
}
