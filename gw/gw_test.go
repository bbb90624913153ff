package gw

import (
	"context"
	"net"
	"testing"
	"time"

	log "github.com/go-kit/kit/log"
	"github.com/stretchr/testify/require"

	"github.com/waterlogged/waterlogged"
	"github.com/waterlogged/waterlogged/metrics"
	"github.com/waterlogged/waterlogged/payload"
)

type chanHandler chan waterlogged.Uplink

func (c chanHandler) HandleUplink(ctx context.Context, up waterlogged.Uplink) (payload.Result, error) {
	c <- up
	return payload.Decode(up.Payload), nil
}

func pushData(t *testing.T, data []byte) []byte {
	frame, err := EncodeFrame(testDevAddr, testKeys, 1, 1, data)
	require.NoError(t, err)
	p, err := EncodePushData([2]byte{0x12, 0x34}, [8]byte{1, 2, 3, 4, 5, 6, 7, 8}, RXPacket{
		Time: time.Date(2025, 4, 12, 10, 30, 0, 0, time.UTC),
		Stat: 1,
		Modu: "LORA",
		Size: len(frame),
		Data: frame,
	})
	require.NoError(t, err)
	return p
}

func TestHandleUpstream(t *testing.T) {
	h := make(chanHandler, 1)
	s := NewServer("test", log.NewNopLogger(), h, testKeys)

	data := []byte{0x03, 0xE8, 0x1B, 0x58, 0x18, 0x34}
	require.NoError(t, s.handleUpstream(context.Background(), nil, pushData(t, data)))

	up := <-h
	require.Equal(t, "260B1234", up.DevAddr)
	require.Equal(t, 1, up.FPort)
	require.Equal(t, data, up.Payload)
	require.Equal(t, metrics.ReceivedViaGW, up.Via)

	require.Error(t, s.handleUpstream(context.Background(), nil, []byte{2, 0, 0}))
	require.Error(t, s.handleUpstream(context.Background(), nil, []byte{1, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, '{', '}'}))
	require.Error(t, s.handleUpstream(context.Background(), nil, []byte{2, 0, 0, 2, 0, 0, 0, 0, 0, 0, 0, 0, '{', '}'}))

	// stat packet
	require.NoError(t, s.handleUpstream(context.Background(), nil, []byte{2, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, '{', '}'}))
	require.Len(t, h, 0)
}

func TestListener(t *testing.T) {
	h := make(chanHandler, 1)
	s := NewServer("test", log.NewNopLogger(), h, testKeys)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.StartListener(ctx, "127.0.0.1:0"))
	defer s.Close()

	conn, err := net.DialUDP("udp", nil, s.Addr().(*net.UDPAddr))
	require.NoError(t, err)
	defer conn.Close()

	data := []byte{0x75, 0x30, 0x1B, 0x58, 0x3A, 0x98}
	_, err = conn.Write(pushData(t, data))
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	ack := make([]byte, 4)
	n, err := conn.Read(ack)
	require.NoError(t, err)
	require.Equal(t, []byte{ProtocolVersion, 0x12, 0x34, PushAck}, ack[:n])

	select {
	case up := <-h:
		require.Equal(t, data, up.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("uplink not handled")
	}
}
