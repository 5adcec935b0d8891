// Package mqtt subscribes to the broker telemetry topic and hands decoded
// records to a handler.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"telemetry-bridge/internal/config"
	"telemetry-bridge/internal/envelope"
)

var ErrStopped = errors.New("subscriber stopped")

// Handler receives every telemetry record that decodes successfully.
type Handler func(ctx context.Context, t envelope.Telemetry) error

type Subscriber struct {
	client     mqtt.Client
	cfg        config.Config
	logger     *slog.Logger
	mu         sync.RWMutex
	connected  bool
	subscribed bool
	handler    Handler

	// ctx is handed to the handler and canceled on Disconnect.
	ctx    context.Context
	cancel context.CancelFunc

	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewSubscriber(cfg config.Config, logger *slog.Logger) *Subscriber {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Subscriber{
		cfg:    cfg,
		logger: logger.With("component", "mqtt"),
		ctx:    ctx,
		cancel: cancel,
		stopCh: make(chan struct{}),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.MQTTBroker, cfg.MQTTPort))
	opts.SetClientID(cfg.MQTTClientID)
	if cfg.MQTTUsername != "" {
		opts.SetUsername(cfg.MQTTUsername)
		opts.SetPassword(cfg.MQTTPassword)
	}

	opts.SetCleanSession(true)
	opts.SetOrderMatters(true)

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)

	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	// A clean session loses its subscriptions, so subscribe on every
	// (re)connect.
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		s.setConnected(true)
		s.logger.Info("mqtt connected", "broker", cfg.MQTTBroker, "port", cfg.MQTTPort)
		go func() {
			if err := s.subscribe(c); err != nil {
				s.logger.Error("mqtt subscribe failed", "topic", cfg.MQTTTopic, "error", err)
			}
		}()
	})

	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		s.setConnected(false)
		s.logger.Warn("mqtt connection lost", "error", err)
	})

	s.client = mqtt.NewClient(opts)
	return s
}

// SetMessageHandler must be called before Connect.
func (s *Subscriber) SetMessageHandler(h Handler) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

// Connect starts connecting to the broker and waits until the first
// connection succeeds, ctx is done or the subscriber is stopped. The client
// keeps retrying in the background after ctx expires.
func (s *Subscriber) Connect(ctx context.Context) error {
	select {
	case <-s.stopCh:
		return ErrStopped
	default:
	}

	if s.IsConnected() {
		return nil
	}

	token := s.client.Connect()

	const poll = 200 * time.Millisecond
	for {
		if token.WaitTimeout(poll) {
			if err := token.Error(); err != nil {
				return fmt.Errorf("mqtt connect: %w", err)
			}
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.stopCh:
			s.client.Disconnect(0)
			return ErrStopped
		default:
		}
	}
}

func (s *Subscriber) subscribe(c mqtt.Client) error {
	topic := s.cfg.MQTTTopic
	const qos = byte(1)

	token := c.Subscribe(topic, qos, func(_ mqtt.Client, msg mqtt.Message) {
		s.handleMessage(msg.Topic(), msg.Payload())
	})
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("subscribe timeout for topic %s", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe to %s: %w", topic, err)
	}

	s.mu.Lock()
	s.subscribed = true
	s.mu.Unlock()
	s.logger.Info("subscribed to mqtt topic", "topic", topic, "qos", qos)
	return nil
}

func (s *Subscriber) handleMessage(topic string, payload []byte) {
	s.logger.Debug("received mqtt message", "topic", topic, "size", len(payload))

	t, err := envelope.DecodeTelemetry(topic, payload)
	if err != nil {
		s.logger.Warn("invalid telemetry message",
			"topic", topic,
			"error", err,
			"payload", string(payload),
		)
		return
	}

	s.mu.RLock()
	h := s.handler
	s.mu.RUnlock()
	if h == nil {
		return
	}
	if err := h(s.ctx, t); err != nil {
		s.logger.Error("message handler failed",
			"topic", topic,
			"device_id", t.DeviceID,
			"seq", t.Seq,
			"error", err,
		)
	}
}

// IsConnected reports whether the client is connected and subscribed.
func (s *Subscriber) IsConnected() bool {
	s.mu.RLock()
	ready := s.connected && s.subscribed
	s.mu.RUnlock()
	return ready && s.client.IsConnected()
}

// Disconnect stops the subscriber and closes the broker connection. It is
// safe to call more than once.
func (s *Subscriber) Disconnect() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.cancel()

		if s.IsConnected() {
			s.client.Unsubscribe(s.cfg.MQTTTopic).WaitTimeout(2 * time.Second)
		}
		s.client.Disconnect(250)
		s.setConnected(false)
		s.logger.Info("mqtt subscriber disconnected")
	})
}

func (s *Subscriber) setConnected(v bool) {
	s.mu.Lock()
	s.connected = v
	if !v {
		s.subscribed = false
	}
	s.mu.Unlock()
}
