package state

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trymwestin/owletd/internal/core/api"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testDevice(dsn string) api.Device {
	return api.Device{
		Descriptor: api.Descriptor{
			DSN:              dsn,
			Name:             "Nursery",
			Model:            "OWL",
			ConnectionStatus: "Online",
		},
		Version: api.Version3,
	}
}

func TestStoreRegisterAndGet(t *testing.T) {
	store := NewStore(NewEventBus(testLogger()), testLogger())
	store.Register(testDevice("DSN-A"))

	dev, ok := store.Get("DSN-A")
	require.True(t, ok)
	assert.Equal(t, "Nursery", dev.Name)
	assert.Equal(t, api.Version3, dev.Version)
	assert.NotNil(t, dev.Vitals)
	assert.False(t, dev.Reachable, "unreachable until the first vitals update")

	_, ok = store.Get("DSN-B")
	assert.False(t, ok)
}

func TestStoreUpdateVitalsPublishes(t *testing.T) {
	bus := NewEventBus(testLogger())
	store := NewStore(bus, testLogger())
	store.Register(testDevice("DSN-A"))

	events, unsub := bus.Subscribe(4)
	defer unsub()

	store.UpdateVitals("DSN-A", "rev8", api.Version3, Vitals{"heart_rate": 140.0})

	dev, ok := store.Get("DSN-A")
	require.True(t, ok)
	assert.True(t, dev.Reachable)
	assert.Equal(t, "rev8", dev.Revision)
	assert.Equal(t, 140.0, dev.Vitals["heart_rate"])
	assert.WithinDuration(t, time.Now(), dev.UpdatedAt, time.Second)

	select {
	case evt := <-events:
		assert.Equal(t, EventVitalsUpdate, evt.Type)
		assert.Equal(t, "DSN-A", evt.DSN)
		data, ok := evt.Data.(DeviceState)
		require.True(t, ok)
		assert.Equal(t, 140.0, data.Vitals["heart_rate"])
	default:
		t.Fatal("expected a vitals_update event")
	}
}

func TestStoreSetUnreachable(t *testing.T) {
	bus := NewEventBus(testLogger())
	store := NewStore(bus, testLogger())
	store.Register(testDevice("DSN-A"))
	store.UpdateVitals("DSN-A", "", api.Version3, Vitals{"heart_rate": 140.0})

	events, unsub := bus.Subscribe(4)
	defer unsub()

	store.SetUnreachable("DSN-A", errors.New("connection failed"))

	dev, ok := store.Get("DSN-A")
	require.True(t, ok)
	assert.False(t, dev.Reachable)
	assert.Equal(t, 140.0, dev.Vitals["heart_rate"], "last-known vitals are kept")

	select {
	case evt := <-events:
		assert.Equal(t, EventDeviceError, evt.Type)
		assert.Equal(t, "connection failed", evt.Data)
	default:
		t.Fatal("expected a device_error event")
	}
}

func TestStoreSnapshotIsACopy(t *testing.T) {
	store := NewStore(NewEventBus(testLogger()), testLogger())
	store.Register(testDevice("DSN-A"))

	snap := store.Snapshot()
	require.Len(t, snap, 1)

	delete(snap, "DSN-A")
	_, ok := store.Get("DSN-A")
	assert.True(t, ok, "mutating a snapshot must not touch the store")
}

func TestEventBusDropsWhenSubscriberFull(t *testing.T) {
	bus := NewEventBus(testLogger())

	events, unsub := bus.Subscribe(1)
	defer unsub()

	bus.Publish(Event{Type: EventVitalsUpdate, DSN: "DSN-A"})
	bus.Publish(Event{Type: EventVitalsUpdate, DSN: "DSN-B"})

	evt := <-events
	assert.Equal(t, "DSN-A", evt.DSN)

	select {
	case <-events:
		t.Fatal("second event should have been dropped")
	default:
	}
}

func TestEventBusStampsTimestamp(t *testing.T) {
	bus := NewEventBus(testLogger())
	events, unsub := bus.Subscribe(1)
	defer unsub()

	bus.Publish(Event{Type: EventTokenRefresh})

	evt := <-events
	assert.WithinDuration(t, time.Now(), evt.Timestamp, time.Second)
}

func TestEventBusUnsubscribe(t *testing.T) {
	bus := NewEventBus(testLogger())
	_, unsub := bus.Subscribe(1)
	unsub()

	// Publishing after unsubscribe must not panic or block.
	bus.Publish(Event{Type: EventVitalsUpdate, DSN: "DSN-A"})
}
