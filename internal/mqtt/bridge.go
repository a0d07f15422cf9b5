//go:build !no_mqtt

// Package mqtt mirrors fleet events onto an MQTT broker.
package mqtt

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"fleetwatch/internal/alerts"
	"fleetwatch/internal/fleet"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
}

// Acknowledger marks alerts as seen. *alerts.Engine satisfies it.
type Acknowledger interface {
	Acknowledge(id string) error
}

// Bridge publishes device updates and alerts from the event bus to MQTT and
// accepts alert acknowledgements on {prefix}/alerts/ack.
type Bridge struct {
	client pahomqtt.Client
	events *fleet.EventBus
	acker  Acknowledger
	prefix string
	logger *slog.Logger
	unsub  func()

	// publish is replaced in tests.
	publish func(topic string, payload []byte, retained bool)

	mu        sync.Mutex
	announced map[string]bool // device id -> discovery published
}

func newBridge(events *fleet.EventBus, acker Acknowledger, prefix string, logger *slog.Logger) *Bridge {
	b := &Bridge{
		events:    events,
		acker:     acker,
		prefix:    strings.TrimSuffix(prefix, "/"),
		logger:    logger.With("component", "mqtt"),
		announced: make(map[string]bool),
	}
	b.publish = b.publishMQTT
	return b
}

// NewBridge creates and connects an MQTT bridge. acker may be nil, in which
// case acknowledgements are not accepted.
func NewBridge(events *fleet.EventBus, acker Acknowledger, cfg Config, logger *slog.Logger) (*Bridge, error) {
	if cfg.ClientID == "" {
		cfg.ClientID = "fleetwatch"
	}
	b := newBridge(events, acker, cfg.TopicPrefix, logger)

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(bridgeTopic(b.prefix), "offline", 1, true).
		SetOnConnectHandler(b.onConnect).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	// The client must be set before Connect: paho runs the on-connect
	// handler in its own goroutine before the connect token completes.
	b.client = pahomqtt.NewClient(opts)
	token := b.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return b, nil
}

// Start subscribes to bus events and begins MQTT publishing.
func (b *Bridge) Start() {
	unsubUpdates := b.events.OnUpdate(b.handleUpdate)
	unsubAlerts := b.events.OnAlert(b.handleAlert)
	b.unsub = func() {
		unsubUpdates()
		unsubAlerts()
	}
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	if b.unsub != nil {
		b.unsub()
	}
	b.publishBridgeState("offline")
	if b.client != nil {
		b.client.Disconnect(1000)
	}
	b.logger.Info("MQTT bridge stopped")
}

func (b *Bridge) handleAlert(a fleet.Alert) {
	b.publish(alertTopic(b.prefix, a.DeviceID), mustJSON(a), false)
}

func (b *Bridge) handleUpdate(u fleet.Update) {
	b.mu.Lock()
	first := !b.announced[u.DeviceID]
	b.announced[u.DeviceID] = true
	b.mu.Unlock()

	if first {
		for _, msg := range buildDiscovery(u.Data, b.prefix) {
			b.publish(msg.Topic, msg.Payload, true)
		}
		b.logger.Debug("published HA discovery", "device", u.DeviceID)
	}
	b.publish(stateTopic(b.prefix, u.DeviceID), mustJSON(u.Data), true)
}

// resetDiscovery makes the next update of every device republish its
// discovery config, so a restarted broker learns the devices again.
func (b *Bridge) resetDiscovery() {
	b.mu.Lock()
	b.announced = make(map[string]bool)
	b.mu.Unlock()
}

// onConnect runs on every (re)connect. It only uses the client it is given.
func (b *Bridge) onConnect(c pahomqtt.Client) {
	b.logger.Info("MQTT connected")
	b.publishVia(c, bridgeTopic(b.prefix), []byte("online"), true)
	b.resetDiscovery()
	b.subscribeCommands(c)
}

func (b *Bridge) publishBridgeState(state string) {
	b.publish(bridgeTopic(b.prefix), []byte(state), true)
}

func (b *Bridge) subscribeCommands(c pahomqtt.Client) {
	if b.acker == nil {
		return
	}
	token := c.Subscribe(ackTopic(b.prefix), 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		b.handleAck(msg.Payload())
	})
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT subscribe timeout", "topic", ackTopic(b.prefix))
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT subscribe error", "topic", ackTopic(b.prefix), "err", err)
		}
	}()
}

// handleAck accepts either a bare alert id or {"id": "..."}.
func (b *Bridge) handleAck(payload []byte) {
	id := strings.TrimSpace(string(payload))
	var req struct {
		ID string `json:"id"`
	}
	if strings.HasPrefix(id, "{") {
		if err := json.Unmarshal(payload, &req); err != nil {
			b.logger.Warn("invalid ack JSON", "err", err)
			return
		}
		id = req.ID
	}
	if id == "" {
		return
	}
	if err := b.acker.Acknowledge(id); err != nil {
		if errors.Is(err, alerts.ErrAlertNotFound) {
			b.logger.Debug("ack for unknown alert", "id", id)
			return
		}
		b.logger.Warn("acknowledge alert", "id", id, "err", err)
		return
	}
	b.logger.Info("alert acknowledged", "id", id)
}

func (b *Bridge) publishMQTT(topic string, payload []byte, retained bool) {
	b.publishVia(b.client, topic, payload, retained)
}

func (b *Bridge) publishVia(c pahomqtt.Client, topic string, payload []byte, retained bool) {
	token := c.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

func bridgeTopic(prefix string) string { return prefix + "/bridge/state" }

func ackTopic(prefix string) string { return prefix + "/alerts/ack" }

func stateTopic(prefix, deviceID string) string {
	return prefix + "/devices/" + topicSegment(deviceID) + "/state"
}

func alertTopic(prefix, deviceID string) string {
	return prefix + "/devices/" + topicSegment(deviceID) + "/alerts"
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
