package gw

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"

	log "github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"

	"github.com/waterlogged/waterlogged"
	"github.com/waterlogged/waterlogged/metrics"
	"github.com/waterlogged/waterlogged/payload"
)

// UplinkHandler is implemented by waterlogged.Server.
type UplinkHandler interface {
	HandleUplink(ctx context.Context, up waterlogged.Uplink) (payload.Result, error)
}

// Server is a minimal Semtech UDP packet forwarder endpoint, it accepts the
// PUSH_DATA of gateways and hands the decrypted uplinks to the handler.
type Server struct {
	appName string
	logger  log.Logger
	handler UplinkHandler
	keys    SessionKeys
	udpConn *net.UDPConn
}

func NewServer(appName string, logger log.Logger, handler UplinkHandler, keys SessionKeys) *Server {
	logger = log.With(logger, "component", "gw")
	return &Server{
		appName: appName,
		logger:  logger,
		handler: handler,
		keys:    keys,
	}
}

func (s *Server) Close() error {
	if s.udpConn == nil {
		return nil
	}
	return s.udpConn.Close()
}

// Addr returns the listening address, nil before StartListener.
func (s *Server) Addr() net.Addr {
	if s.udpConn == nil {
		return nil
	}
	return s.udpConn.LocalAddr()
}

func (s *Server) StartListener(ctx context.Context, addr string) error {
	serverAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		level.Error(s.logger).Log("msg", "gw server: failed to resolve", "error", err)
		return err
	}

	s.udpConn, err = net.ListenUDP("udp", serverAddr)
	if err != nil {
		level.Error(s.logger).Log("msg", "gw server: failed to listen", "error", err)
		return err
	}

	level.Info(s.logger).Log("msg", fmt.Sprintf("GW UDP server listening at %s", s.udpConn.LocalAddr()))

	go func() {
		<-ctx.Done()
		s.udpConn.Close()
	}()

	go func() {
		buf := make([]byte, 65535)
		for {
			n, raddr, err := s.udpConn.ReadFromUDP(buf)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				level.Warn(s.logger).Log("msg", "error reading on the GW", "error", err)
				continue
			}
			p := make([]byte, n)
			copy(p, buf[:n])
			if err := s.handleUpstream(ctx, raddr, p); err != nil {
				level.Error(s.logger).Log("msg", "error handling msg received on the GW", "error", err)
				continue
			}
		}
	}()
	return nil
}

func (s *Server) handleUpstream(ctx context.Context, addr *net.UDPAddr, p []byte) error {
	if len(p) < headerSize {
		return errors.New("invalid packet length")
	}

	//0      | protocol version = 2
	if p[0] != ProtocolVersion {
		return errors.New("invalid packet protocol version")
	}

	//1-2    | random token
	token := p[1:3]

	//3      | PUSH_DATA identifier 0x00
	if p[3] != PushData {
		return errors.New("invalid packet not a PUSH_DATA")
	}

	//4-11   | Gateway unique identifier (MAC address)
	gwID := p[4:12]

	if addr != nil {
		if _, err := s.udpConn.WriteToUDP(pushAck(token), addr); err != nil {
			level.Warn(s.logger).Log("msg", "can't send PUSH_ACK", "error", err)
		}
	}

	ujson := &UpstreamJSON{}
	if err := json.Unmarshal(p[headerSize:], ujson); err != nil {
		return err
	}

	// this could be a stat packet
	if len(ujson.Rxpk) == 0 {
		return nil
	}

	for _, rx := range ujson.Rxpk {
		rx.GwID = gwID
		rx.Token = token
		s.handleRX(ctx, rx)
	}

	return nil
}

func (s *Server) handleRX(ctx context.Context, rx RXPacket) {
	logger := log.With(s.logger, "gw_id", hex.EncodeToString(rx.GwID))
	if rx.Stat == -1 {
		level.Debug(logger).Log("msg", "skipping packet with bad CRC")
		return
	}

	frame, err := DecodeFrame(rx.Data, s.keys)
	if err != nil {
		level.Info(logger).Log("msg", "can't decode uplink lora packet", "error", err)
		return
	}

	up := waterlogged.Uplink{
		DevAddr:    frame.DevAddr,
		FPort:      frame.FPort,
		Payload:    frame.Payload,
		ReceivedAt: rx.Time,
		Via:        metrics.ReceivedViaGW,
	}
	res, err := s.handler.HandleUplink(ctx, up)
	if err != nil {
		level.Error(logger).Log("msg", "can't handle uplink", "dev_addr", frame.DevAddr, "error", err)
		return
	}
	if len(res.Errors()) > 0 {
		level.Info(logger).Log("msg", "undecodable uplink", "dev_addr", frame.DevAddr, "error", res.Err())
	}
}
