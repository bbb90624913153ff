package ttn

import (
	"context"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	log "github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/pkg/errors"

	"github.com/waterlogged/waterlogged/metrics"
)

// ErrStopped is returned by Connect after Disconnect.
var ErrStopped = errors.New("subscriber stopped")

// HandlerFunc is called for every uplink received.
type HandlerFunc func(ctx context.Context, msg *UplinkMessage)

type Config struct {
	// tcp://eu1.cloud.thethings.network:1883 or ssl://...:8883
	Broker   string
	AppID    string
	TenantID string
	APIKey   string
	ClientID string
}

// Subscriber receives the uplinks of every device of an application.
type Subscriber struct {
	logger  log.Logger
	client  mqtt.Client
	cfg     Config
	handler HandlerFunc

	mu        sync.RWMutex
	connected bool
	ctx       context.Context

	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewSubscriber(logger log.Logger, cfg Config, handler HandlerFunc) *Subscriber {
	logger = log.With(logger, "component", "ttnclient")
	s := &Subscriber{
		logger:  logger,
		cfg:     cfg,
		handler: handler,
		ctx:     context.Background(),
		stopCh:  make(chan struct{}),
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetUsername(Username(cfg.AppID, cfg.TenantID)).
		SetPassword(cfg.APIKey).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetMaxReconnectInterval(60 * time.Second).
		SetKeepAlive(30 * time.Second).
		SetPingTimeout(10 * time.Second)

	// a reconnection loses the subscription with a clean session
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		s.setConnected(true)
		level.Info(logger).Log("msg", "mqtt connected", "broker", cfg.Broker)
		if err := s.subscribe(c); err != nil {
			level.Error(logger).Log("msg", "can't subscribe to uplinks", "error", err)
		}
	})

	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		s.setConnected(false)
		level.Warn(logger).Log("msg", "mqtt connection lost", "error", err)
	})

	s.client = mqtt.NewClient(opts)
	return s
}

// Connect connects to the broker, the subscription is made once connected.
// It blocks until connected, ctx is done or Disconnect is called.
func (s *Subscriber) Connect(ctx context.Context) error {
	select {
	case <-s.stopCh:
		return ErrStopped
	default:
	}

	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	if s.IsConnected() {
		return nil
	}

	token := s.client.Connect()
	const poll = 200 * time.Millisecond
	for !token.WaitTimeout(poll) {
		select {
		case <-ctx.Done():
			s.client.Disconnect(0)
			return ctx.Err()
		case <-s.stopCh:
			s.client.Disconnect(0)
			return ErrStopped
		default:
		}
	}
	if err := token.Error(); err != nil {
		return errors.Wrap(err, "mqtt connect")
	}
	return nil
}

func (s *Subscriber) subscribe(c mqtt.Client) error {
	topic := Topic(s.cfg.AppID, s.cfg.TenantID)
	token := c.Subscribe(topic, 1, func(_ mqtt.Client, m mqtt.Message) {
		s.handleMessage(m.Topic(), m.Payload())
	})
	if !token.WaitTimeout(5 * time.Second) {
		return errors.Errorf("subscribe timeout for topic %s", topic)
	}
	if err := token.Error(); err != nil {
		return errors.Wrapf(err, "subscribe to %s", topic)
	}
	level.Info(s.logger).Log("msg", "subscribed to uplink messages", "topic", topic)
	return nil
}

func (s *Subscriber) handleMessage(topic string, b []byte) {
	msg, err := ParseUplink(b)
	if err != nil {
		metrics.DecodeErrorCounter.WithLabelValues(metrics.ReceivedViaTTN).Inc()
		level.Warn(s.logger).Log("msg", "invalid uplink message", "topic", topic, "error", err)
		return
	}
	level.Debug(s.logger).Log("msg", "received uplink", "topic", topic, "device_id", msg.EndDeviceIDs.DeviceID)

	s.mu.RLock()
	ctx := s.ctx
	s.mu.RUnlock()

	if s.handler != nil {
		s.handler(ctx, msg)
	}
}

// IsConnected returns whether the client is connected.
func (s *Subscriber) IsConnected() bool {
	s.mu.RLock()
	connected := s.connected
	s.mu.RUnlock()
	return connected && s.client.IsConnected()
}

// Disconnect unsubscribes and closes the connection, it is safe to call it twice.
func (s *Subscriber) Disconnect() {
	s.stopOnce.Do(func() { close(s.stopCh) })

	if s.IsConnected() {
		level.Info(s.logger).Log("msg", "unsubscribing to uplink messages")
		token := s.client.Unsubscribe(Topic(s.cfg.AppID, s.cfg.TenantID))
		token.WaitTimeout(2 * time.Second)
	}
	s.client.Disconnect(250)
	s.setConnected(false)
}

func (s *Subscriber) setConnected(v bool) {
	s.mu.Lock()
	s.connected = v
	s.mu.Unlock()
}
