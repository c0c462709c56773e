package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/yuri-schmaltz/darktable-mcp/internal/config"
	"github.com/yuri-schmaltz/darktable-mcp/internal/events"
)

// eventBuffer is the bus subscription depth. Events beyond it are
// dropped by the bus rather than slowing the request path.
const eventBuffer = 64

// publishFunc sends one message. It is the connection manager's Publish
// in production and a recorder in tests.
type publishFunc func(ctx context.Context, msg *paho.Publish) error

// Publisher manages the MQTT connection, maintains the availability
// topic, and forwards bus events to the broker.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	bus        *events.Bus
	logger     *slog.Logger
	cm         *autopaho.ConnectionManager
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to begin the connection and forwarding loop.
func New(cfg config.MQTTConfig, instanceID string, bus *events.Bus, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		bus:        bus,
		logger:     logger,
	}
}

// Start connects to the MQTT broker and forwards bus events until ctx
// is cancelled. On every (re-)connect it publishes a birth message. The
// connection stays open after Start returns; call [Publisher.Stop].
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	// The connection outlives ctx so that Stop can still announce
	// "offline"; Stop disconnects it.
	connLife := context.WithoutCancel(ctx)

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.AvailabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.publishAvailability(connLife, cm, "online")
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "darktable-mcp-" + p.instanceID,
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	// Subscribe before connecting so no event published during the
	// handshake is missed.
	sub := p.bus.Subscribe(eventBuffer)
	defer func() {
		sub.Close()
		if n := sub.Dropped(); n > 0 {
			p.logger.Warn("mqtt dropped events while the broker was slow", "dropped", n)
		}
	}()

	cm, err := autopaho.NewConnection(connLife, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.cm = cm

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	p.forward(ctx, sub.C, func(ctx context.Context, msg *paho.Publish) error {
		_, err := cm.Publish(ctx, msg)
		return err
	})
	return nil
}

// Stop publishes an "offline" availability message and closes the
// connection. ctx bounds both.
func (p *Publisher) Stop(ctx context.Context) error {
	if p.cm == nil {
		return nil
	}
	p.publishAvailability(ctx, p.cm, "offline")
	return p.cm.Disconnect(ctx)
}

// AwaitConnection blocks until the broker connection is established or
// ctx expires.
func (p *Publisher) AwaitConnection(ctx context.Context) error {
	if p.cm == nil {
		return errors.New("mqtt publisher not started")
	}
	return p.cm.AwaitConnection(ctx)
}

// --- Topic helpers ---

func (p *Publisher) baseTopic() string {
	return p.cfg.TopicPrefix + "/" + p.instanceID
}

// AvailabilityTopic is the retained online/offline topic.
func (p *Publisher) AvailabilityTopic() string {
	return p.baseTopic() + "/availability"
}

// EventTopic is the topic events of the given kind are published to.
func (p *Publisher) EventTopic(kind string) string {
	return p.baseTopic() + "/events/" + kind
}

func (p *Publisher) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.AvailabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed",
			"status", status, "error", err)
	} else {
		p.logger.Info("mqtt availability published", "status", status)
	}
}

// --- Event forwarding ---

// forward publishes each event from ch until ctx is done or ch closes.
func (p *Publisher) forward(ctx context.Context, ch <-chan events.Event, publish publishFunc) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			msg, err := p.eventMessage(e)
			if err != nil {
				p.logger.Error("mqtt marshal event", "kind", e.Kind, "error", err)
				continue
			}
			if err := publish(ctx, msg); err != nil {
				p.logger.Debug("mqtt event publish failed",
					"kind", e.Kind, "topic", msg.Topic, "error", err)
			}
		}
	}
}

// eventMessage builds the non-retained QoS 0 message for e.
func (p *Publisher) eventMessage(e events.Event) (*paho.Publish, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return &paho.Publish{
		Topic:   p.EventTopic(e.Kind),
		Payload: payload,
		QoS:     0,
	}, nil
}
