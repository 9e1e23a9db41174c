// Package mqtt publishes the agent's status to an MQTT broker: a
// retained availability topic backed by a last-will "offline", a
// periodic retained JSON status document, and a live feed of
// agent events.
//
// The connection is managed by Eclipse Paho v2's [autopaho], which
// reconnects on its own; availability is re-announced on every
// (re-)connect.
package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/amicus/internal/agent"
	"github.com/nugget/amicus/internal/config"
	"github.com/nugget/amicus/internal/events"
)

// StatusSource reports the agent's current status. Implemented by
// [agent.Runtime].
type StatusSource interface {
	Status(ctx context.Context) (*agent.Status, error)
}

// Status is the document published on <prefix>/status.
type Status struct {
	*agent.Status
	Today     UsageSnapshot `json:"today"`
	Timestamp time.Time     `json:"timestamp"`
}

// Publisher manages the broker connection and the publish loops.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	status     StatusSource
	bus        *events.Bus
	usage      *DailyUsage
	logger     *slog.Logger
	cm         *autopaho.ConnectionManager
}

// New creates a Publisher but does not connect. bus may be nil, in
// which case no events are forwarded and daily usage stays at zero.
func New(cfg config.MQTTConfig, instanceID string, status StatusSource, bus *events.Bus, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		status:     status,
		bus:        bus,
		usage:      NewDailyUsage(nil),
		logger:     logger.With("component", "mqtt"),
	}
}

// Start connects to the broker and publishes until ctx is cancelled.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.publishAvailability(ctx, cm, "online")
			p.publishStatus(ctx, cm)
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: p.clientID(),
		},
	}
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.cm = cm

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	p.runLoop(ctx)
	return nil
}

// Stop announces "offline" and disconnects.
func (p *Publisher) Stop(ctx context.Context) error {
	if p.cm == nil {
		return nil
	}
	p.publishAvailability(ctx, p.cm, "offline")
	return p.cm.Disconnect(ctx)
}

func (p *Publisher) clientID() string {
	id := p.instanceID
	if len(id) > 8 {
		id = id[len(id)-8:]
	}
	return "amicus-" + id
}

func (p *Publisher) topic(suffix string) string {
	return strings.TrimSuffix(p.cfg.TopicPrefix, "/") + "/" + suffix
}

func (p *Publisher) availabilityTopic() string { return p.topic("availability") }
func (p *Publisher) statusTopic() string       { return p.topic("status") }

// eventTopic is <prefix>/events/<source>/<kind>.
func (p *Publisher) eventTopic(e events.Event) string {
	return p.topic("events/" + e.Source + "/" + e.Kind)
}

func (p *Publisher) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, state string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(state),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed", "state", state, "error", err)
		return
	}
	p.logger.Info("mqtt availability published", "state", state)
}

// runLoop publishes status every interval and forwards events as they
// arrive.
func (p *Publisher) runLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	var feed <-chan events.Event
	if p.bus != nil {
		feed = p.bus.Subscribe(64)
		defer p.bus.Unsubscribe(feed)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.publishStatus(ctx, p.cm)
		case e, ok := <-feed:
			if !ok {
				feed = nil
				continue
			}
			p.usage.Observe(e)
			p.publishEvent(ctx, e)
		}
	}
}

// statusPayload renders the status document.
func (p *Publisher) statusPayload(ctx context.Context) ([]byte, error) {
	st, err := p.status.Status(ctx)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Status{
		Status:    st,
		Today:     p.usage.Snapshot(),
		Timestamp: time.Now().UTC(),
	})
}

func (p *Publisher) publishStatus(ctx context.Context, cm *autopaho.ConnectionManager) {
	if cm == nil {
		return
	}
	payload, err := p.statusPayload(ctx)
	if err != nil {
		p.logger.Warn("mqtt status unavailable", "error", err)
		return
	}
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.statusTopic(),
		Payload: payload,
		QoS:     0,
		Retain:  true,
	}); err != nil {
		p.logger.Debug("mqtt status publish failed", "error", err)
	}
}

func (p *Publisher) publishEvent(ctx context.Context, e events.Event) {
	if p.cm == nil {
		return
	}
	payload, err := json.Marshal(e)
	if err != nil {
		p.logger.Debug("mqtt event marshal failed", "kind", e.Kind, "error", err)
		return
	}
	if _, err := p.cm.Publish(ctx, &paho.Publish{
		Topic:   p.eventTopic(e),
		Payload: payload,
		QoS:     0,
	}); err != nil {
		p.logger.Debug("mqtt event publish failed", "kind", e.Kind, "error", err)
	}
}
