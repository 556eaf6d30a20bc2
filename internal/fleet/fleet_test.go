package fleet

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trymwestin/owletd/internal/core/api"
	"github.com/trymwestin/owletd/internal/core/sock"
)

func newSock(dsn string) *sock.Sock {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	dev := api.Device{
		Descriptor: api.Descriptor{DSN: dsn, Name: "Nursery"},
		Version:    api.Version3,
	}
	return sock.New(nil, dev, log)
}

func TestDSNsPreserveDiscoveryOrder(t *testing.T) {
	f := New([]*sock.Sock{newSock("DSN-B"), newSock("DSN-A"), newSock("DSN-C")})
	assert.Equal(t, []string{"DSN-B", "DSN-A", "DSN-C"}, f.DSNs())
}

func TestUnknownDeviceErrors(t *testing.T) {
	f := New([]*sock.Sock{newSock("DSN-A")})

	_, err := f.UpdateProperties(context.Background(), "DSN-X")
	require.Error(t, err)

	_, err = f.ControlBaseStation(context.Background(), "DSN-X", true)
	require.Error(t, err)

	_, ok := f.RawProperties("DSN-X")
	assert.False(t, ok)
}

func TestRawPropertiesKnownDevice(t *testing.T) {
	f := New([]*sock.Sock{newSock("DSN-A")})

	// No update has run yet: known device, empty raw set.
	raw, ok := f.RawProperties("DSN-A")
	assert.True(t, ok)
	assert.Empty(t, raw)
}

func TestEmptyFleet(t *testing.T) {
	f := New(nil)
	assert.Empty(t, f.DSNs())
}
