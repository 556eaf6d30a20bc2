package state

import (
	"log/slog"
	"sync"
	"time"

	"github.com/trymwestin/owletd/internal/core/api"
)

// Vitals is one normalised property snapshot for a device.
type Vitals map[string]any

// DeviceState is the last-known state of one sock.
type DeviceState struct {
	DSN              string      `json:"dsn"`
	Name             string      `json:"name"`
	Model            string      `json:"model"`
	Version          api.Version `json:"version"`
	Revision         string      `json:"revision,omitempty"`
	ConnectionStatus string      `json:"connection_status,omitempty"`
	Vitals           Vitals      `json:"vitals"`
	UpdatedAt        time.Time   `json:"updated_at"`
	Reachable        bool        `json:"reachable"`
}

// EventType identifies event categories.
type EventType string

const (
	EventVitalsUpdate EventType = "vitals_update"
	EventDeviceError  EventType = "device_error"
	EventTokenRefresh EventType = "token_refresh"
)

// Event represents a state change.
type Event struct {
	Type      EventType `json:"type"`
	DSN       string    `json:"dsn,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// Reader provides read-only access to device state.
type Reader interface {
	Snapshot() map[string]DeviceState
	Get(dsn string) (DeviceState, bool)
}

// --- EventBus ---

// EventBus is a simple publish/subscribe event bus.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[int]chan Event
	nextID      int
	log         *slog.Logger
}

// NewEventBus creates a new event bus.
func NewEventBus(log *slog.Logger) *EventBus {
	return &EventBus{
		subscribers: make(map[int]chan Event),
		log:         log,
	}
}

// Publish sends an event to all subscribers. Slow subscribers drop events
// rather than blocking the publisher.
func (b *EventBus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.subscribers {
		select {
		case ch <- evt:
		default:
			b.log.Warn("event bus: subscriber buffer full, dropping event", "subscriber_id", id, "event_type", evt.Type)
		}
	}
}

// Subscribe returns a channel of events and an unsubscribe function.
func (b *EventBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}

	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subscribers[id] = ch
	b.mu.Unlock()

	unsub := func() {
		b.mu.Lock()
		delete(b.subscribers, id)
		b.mu.Unlock()
		// drain anything still buffered
		for {
			select {
			case <-ch:
			default:
				return
			}
		}
	}
	return ch, unsub
}

// --- Store ---

// Store holds the last-known state of every discovered sock with
// thread-safe access.
type Store struct {
	mu      sync.RWMutex
	devices map[string]DeviceState
	bus     *EventBus
	log     *slog.Logger
}

// NewStore creates a store wired to the event bus.
func NewStore(bus *EventBus, log *slog.Logger) *Store {
	return &Store{
		devices: make(map[string]DeviceState),
		bus:     bus,
		log:     log,
	}
}

// Register seeds the store with a discovered device.
func (s *Store) Register(dev api.Device) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.devices[dev.DSN] = DeviceState{
		DSN:              dev.DSN,
		Name:             dev.Name,
		Model:            dev.Model,
		Version:          dev.Version,
		ConnectionStatus: dev.ConnectionStatus,
		Vitals:           Vitals{},
	}
}

// Snapshot returns a copy of all device state.
func (s *Store) Snapshot() map[string]DeviceState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cp := make(map[string]DeviceState, len(s.devices))
	for k, v := range s.devices {
		cp[k] = v
	}
	return cp
}

// Get returns the state of one device.
func (s *Store) Get(dsn string) (DeviceState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.devices[dsn]
	return v, ok
}

// UpdateVitals replaces the vitals snapshot for a device and publishes a
// vitals_update event.
func (s *Store) UpdateVitals(dsn, revision string, version api.Version, vitals Vitals) {
	s.mu.Lock()
	dev := s.devices[dsn]
	dev.DSN = dsn
	dev.Version = version
	dev.Revision = revision
	dev.Vitals = vitals
	dev.UpdatedAt = time.Now()
	dev.Reachable = true
	s.devices[dsn] = dev
	s.mu.Unlock()

	s.bus.Publish(Event{Type: EventVitalsUpdate, DSN: dsn, Data: dev})
}

// SetUnreachable marks a device as failing to update and publishes a
// device_error event.
func (s *Store) SetUnreachable(dsn string, err error) {
	s.mu.Lock()
	dev := s.devices[dsn]
	dev.DSN = dsn
	dev.Reachable = false
	s.devices[dsn] = dev
	s.mu.Unlock()

	s.bus.Publish(Event{Type: EventDeviceError, DSN: dsn, Data: err.Error()})
}

// Ensure Store satisfies Reader.
var _ Reader = (*Store)(nil)
