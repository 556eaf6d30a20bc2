// Package mqtt provides MQTT publishing for Home Assistant integration.
// It defines the Publisher interface and includes both a StubPublisher
// (no-op) and a full HAPublisher that connects to an MQTT broker, publishes
// HA auto-discovery configs for every sock's vitals, relays base-station
// commands, and forwards state updates from the EventBus.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/trymwestin/owletd/internal/core/state"
)

// ---------------------------------------------------------------------------
// Publisher interface
// ---------------------------------------------------------------------------

// Publisher sends events and state to an MQTT broker.
type Publisher interface {
	// Start begins publishing events from the event bus.
	Start(ctx context.Context) error
	// Stop shuts down the publisher.
	Stop(ctx context.Context) error
}

// ---------------------------------------------------------------------------
// StubPublisher (no-op, used when MQTT is disabled)
// ---------------------------------------------------------------------------

// StubPublisher is a no-op publisher for when MQTT is not configured.
type StubPublisher struct {
	log *slog.Logger
}

// NewStubPublisher creates a no-op MQTT publisher.
func NewStubPublisher(log *slog.Logger) *StubPublisher {
	return &StubPublisher{log: log}
}

// Start is a no-op.
func (s *StubPublisher) Start(_ context.Context) error {
	s.log.Info("MQTT publisher disabled (stub)")
	return nil
}

// Stop is a no-op.
func (s *StubPublisher) Stop(_ context.Context) error {
	return nil
}

// Ensure StubPublisher implements Publisher.
var _ Publisher = (*StubPublisher)(nil)

// ---------------------------------------------------------------------------
// Configuration
// ---------------------------------------------------------------------------

// Config holds MQTT publisher configuration.
type Config struct {
	Broker      string `yaml:"broker"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
}

// ---------------------------------------------------------------------------
// SockCommander – abstraction over sock control methods
// ---------------------------------------------------------------------------

// SockCommander sends commands to a sock without importing the sock package
// directly.
type SockCommander interface {
	ControlBaseStation(ctx context.Context, dsn string, on bool) (bool, error)
}

// ---------------------------------------------------------------------------
// HAPublisher – full Home Assistant MQTT implementation
// ---------------------------------------------------------------------------

// Ensure HAPublisher implements Publisher at compile time.
var _ Publisher = (*HAPublisher)(nil)

// HAPublisher publishes Home Assistant auto-discovery configs for every
// sock, subscribes to base-station command topics, and forwards vitals
// updates from the EventBus.
type HAPublisher struct {
	cfg   Config
	cmd   SockCommander
	store state.Reader
	bus   *state.EventBus
	log   *slog.Logger

	client pahomqtt.Client

	unsub func() // EventBus unsubscribe
	stopC chan struct{}
	wg    sync.WaitGroup
}

// NewHAPublisher creates a new Home Assistant MQTT publisher.
func NewHAPublisher(cfg Config, cmd SockCommander, store state.Reader, bus *state.EventBus, log *slog.Logger) *HAPublisher {
	return &HAPublisher{
		cfg:   cfg,
		cmd:   cmd,
		store: store,
		bus:   bus,
		log:   log,
		stopC: make(chan struct{}),
	}
}

// ---------------------------------------------------------------------------
// Start / Stop
// ---------------------------------------------------------------------------

// Start connects to the MQTT broker, publishes discovery configs, subscribes
// to command topics, publishes initial state, and starts listening on the
// EventBus for real-time updates.
func (p *HAPublisher) Start(_ context.Context) error {
	availTopic := p.topic("status")

	opts := pahomqtt.NewClientOptions().
		AddBroker(p.cfg.Broker).
		SetClientID("owletd").
		SetUsername(p.cfg.Username).
		SetPassword(p.cfg.Password).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetWill(availTopic, "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			p.log.Info("MQTT connected, publishing discovery and state")
			p.onConnect()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			p.log.Warn("MQTT connection lost", "error", err)
		})

	p.client = pahomqtt.NewClient(opts)

	token := p.client.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}

	// Subscribe to EventBus.
	evtCh, unsub := p.bus.Subscribe(128)
	p.unsub = unsub

	p.wg.Add(1)
	go p.eventLoop(evtCh)

	p.log.Info("MQTT publisher started", "broker", p.cfg.Broker)
	return nil
}

// Stop gracefully disconnects from the MQTT broker and stops the event loop.
func (p *HAPublisher) Stop(_ context.Context) error {
	p.log.Info("MQTT publisher stopping")

	// Signal event loop to exit.
	close(p.stopC)

	// Unsubscribe from EventBus (will close channel and drain).
	if p.unsub != nil {
		p.unsub()
	}

	p.wg.Wait()

	if p.client != nil && p.client.IsConnected() {
		// Publish offline before disconnecting.
		p.publish(p.topic("status"), "offline", true)
		p.client.Disconnect(1000)
	}
	p.log.Info("MQTT publisher stopped")
	return nil
}

// ---------------------------------------------------------------------------
// onConnect – called on every (re)connect
// ---------------------------------------------------------------------------

func (p *HAPublisher) onConnect() {
	// 1. Publish online availability (retained).
	p.publish(p.topic("status"), "online", true)

	// 2. Publish discovery configs for all known devices.
	p.publishDiscovery()

	// 3. Subscribe to command topics.
	p.subscribeCommands()

	// 4. Subscribe to HA birth topic for re-discovery.
	p.client.Subscribe("homeassistant/status", 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		if string(msg.Payload()) == "online" {
			p.log.Info("Home Assistant came online, re-publishing discovery")
			p.publishDiscovery()
			p.publishFullState()
		}
	})

	// 5. Publish initial state snapshot.
	p.publishFullState()
}

// ---------------------------------------------------------------------------
// Discovery configs
// ---------------------------------------------------------------------------

// deviceInfo returns the shared HA device block for one sock.
func deviceInfo(dev state.DeviceState) map[string]any {
	return map[string]any{
		"identifiers":  []string{dev.DSN},
		"name":         fmt.Sprintf("Owlet %s", dev.Name),
		"manufacturer": "Owlet",
		"model":        dev.Model,
	}
}

// discoveryTopic builds the HA auto-discovery topic.
func discoveryTopic(component, dsn, objectID string) string {
	return fmt.Sprintf("homeassistant/%s/%s_%s/config", component, dsn, objectID)
}

// Vitals sensors announced per sock. Alert flags become binary_sensors.
var sensorConfigs = []struct {
	objectID    string
	name        string
	unit        string
	deviceClass string
}{
	{"heart_rate", "Heart Rate", "bpm", ""},
	{"oxygen_saturation", "Oxygen Saturation", "%", ""},
	{"battery_percentage", "Battery", "%", "battery"},
	{"battery_minutes", "Battery Minutes", "min", "duration"},
	{"signal_strength", "Signal Strength", "dB", "signal_strength"},
	{"charging", "Charging Status", "", ""},
	{"last_updated", "Last Updated", "", ""},
}

var binarySensorConfigs = []struct {
	objectID    string
	name        string
	deviceClass string
}{
	{"moving", "Moving", "motion"},
	{"high_heart_rate_alert", "High Heart Rate Alert", "problem"},
	{"low_heart_rate_alert", "Low Heart Rate Alert", "problem"},
	{"high_oxygen_alert", "High Oxygen Alert", "problem"},
	{"low_oxygen_alert", "Low Oxygen Alert", "problem"},
	{"low_battery_alert", "Low Battery Alert", "battery"},
	{"sock_disconnected", "Sock Disconnected", "connectivity"},
	{"sock_off", "Sock Off", ""},
}

func (p *HAPublisher) publishDiscovery() {
	for _, dev := range p.store.Snapshot() {
		p.publishDeviceDiscovery(dev)
	}
}

func (p *HAPublisher) publishDeviceDiscovery(dev state.DeviceState) {
	block := deviceInfo(dev)
	avail := map[string]any{
		"topic": p.topic("status"),
	}
	stateTopic := p.deviceTopic(dev.DSN, "vitals/state")

	for _, sc := range sensorConfigs {
		payload := map[string]any{
			"name":           fmt.Sprintf("Owlet %s %s", dev.Name, sc.name),
			"unique_id":      fmt.Sprintf("%s_%s", dev.DSN, sc.objectID),
			"state_topic":    stateTopic,
			"value_template": fmt.Sprintf("{{ value_json.%s }}", sc.objectID),
			"device":         block,
			"availability":   avail,
		}
		if sc.unit != "" {
			payload["unit_of_measurement"] = sc.unit
			payload["state_class"] = "measurement"
		}
		if sc.deviceClass != "" {
			payload["device_class"] = sc.deviceClass
		}
		p.publishDiscoveryConfig("sensor", dev.DSN, sc.objectID, payload)
	}

	for _, bc := range binarySensorConfigs {
		payload := map[string]any{
			"name":           fmt.Sprintf("Owlet %s %s", dev.Name, bc.name),
			"unique_id":      fmt.Sprintf("%s_%s", dev.DSN, bc.objectID),
			"state_topic":    stateTopic,
			"value_template": fmt.Sprintf("{{ 'ON' if value_json.%s else 'OFF' }}", bc.objectID),
			"payload_on":     "ON",
			"payload_off":    "OFF",
			"device":         block,
			"availability":   avail,
		}
		if bc.deviceClass != "" {
			payload["device_class"] = bc.deviceClass
		}
		p.publishDiscoveryConfig("binary_sensor", dev.DSN, bc.objectID, payload)
	}

	// Base station switch with a command topic relayed to the sock.
	p.publishDiscoveryConfig("switch", dev.DSN, "base_station", map[string]any{
		"name":          fmt.Sprintf("Owlet %s Base Station", dev.Name),
		"unique_id":     fmt.Sprintf("%s_base_station", dev.DSN),
		"state_topic":   p.deviceTopic(dev.DSN, "basestation/state"),
		"command_topic": p.deviceTopic(dev.DSN, "basestation/set"),
		"payload_on":    "ON",
		"payload_off":   "OFF",
		"device":        block,
		"availability":  avail,
	})
}

func (p *HAPublisher) publishDiscoveryConfig(component, dsn, objectID string, payload map[string]any) {
	topic := discoveryTopic(component, dsn, objectID)
	data, err := json.Marshal(payload)
	if err != nil {
		p.log.Error("failed to marshal discovery config", "component", component, "object_id", objectID, "error", err)
		return
	}
	p.publish(topic, string(data), true)
}

// ---------------------------------------------------------------------------
// Command subscriptions
// ---------------------------------------------------------------------------

func (p *HAPublisher) subscribeCommands() {
	for dsn := range p.store.Snapshot() {
		topic := p.deviceTopic(dsn, "basestation/set")
		token := p.client.Subscribe(topic, 1, p.baseStationHandler(dsn))
		token.Wait()
		if err := token.Error(); err != nil {
			p.log.Error("failed to subscribe to command topic", "topic", topic, "error", err)
		}
	}
}

func (p *HAPublisher) baseStationHandler(dsn string) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		on := strings.EqualFold(strings.TrimSpace(string(msg.Payload())), "ON")
		p.log.Info("MQTT command: base_station", "dsn", dsn, "on", on)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		ok, err := p.cmd.ControlBaseStation(ctx, dsn, on)
		if err != nil {
			p.log.Error("failed to control base station", "dsn", dsn, "error", err)
			return
		}
		if ok {
			p.publish(p.deviceTopic(dsn, "basestation/state"), boolToOnOff(on), true)
		}
	}
}

// ---------------------------------------------------------------------------
// State publishing
// ---------------------------------------------------------------------------

// publishFullState publishes the complete state snapshot for all devices.
func (p *HAPublisher) publishFullState() {
	for _, dev := range p.store.Snapshot() {
		p.publishVitals(dev)
	}
}

func (p *HAPublisher) publishVitals(dev state.DeviceState) {
	if len(dev.Vitals) == 0 {
		return
	}

	data, err := json.Marshal(dev.Vitals)
	if err != nil {
		p.log.Error("failed to marshal vitals state", "dsn", dev.DSN, "error", err)
		return
	}
	p.publish(p.deviceTopic(dev.DSN, "vitals/state"), string(data), true)

	if on, ok := dev.Vitals["base_station_on"].(bool); ok {
		p.publish(p.deviceTopic(dev.DSN, "basestation/state"), boolToOnOff(on), true)
	}
}

// ---------------------------------------------------------------------------
// EventBus loop
// ---------------------------------------------------------------------------

func (p *HAPublisher) eventLoop(ch <-chan state.Event) {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopC:
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			p.handleEvent(evt)
		}
	}
}

func (p *HAPublisher) handleEvent(evt state.Event) {
	switch evt.Type {
	case state.EventVitalsUpdate:
		dev, ok := evt.Data.(state.DeviceState)
		if !ok {
			p.log.Warn("unexpected data type for vitals_update")
			return
		}
		p.publishVitals(dev)

	case state.EventDeviceError:
		// Leave the retained vitals in place; only availability changes
		// when the daemon itself goes away.
		p.log.Debug("device error event", "dsn", evt.DSN)
	}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// topic builds a daemon-level topic path: {prefix}/{suffix}.
func (p *HAPublisher) topic(suffix string) string {
	return fmt.Sprintf("%s/%s", p.cfg.TopicPrefix, suffix)
}

// deviceTopic builds a per-device topic path: {prefix}/{dsn}/{suffix}.
func (p *HAPublisher) deviceTopic(dsn, suffix string) string {
	return fmt.Sprintf("%s/%s/%s", p.cfg.TopicPrefix, dsn, suffix)
}

// publish is a convenience wrapper that publishes a message and logs errors.
func (p *HAPublisher) publish(topic, payload string, retained bool) {
	if p.client == nil || !p.client.IsConnected() {
		return
	}
	token := p.client.Publish(topic, 1, retained, payload)
	token.Wait()
	if err := token.Error(); err != nil {
		p.log.Error("mqtt publish failed", "topic", topic, "error", err)
	}
}

func boolToOnOff(b bool) string {
	if b {
		return "ON"
	}
	return "OFF"
}
