// Package fleet owns the set of discovered socks and serialises every
// vendor call issued on their shared session, so property refreshes and
// commands never interleave and changed token snapshots surface in order.
package fleet

import (
	"context"
	"fmt"
	"sync"

	"github.com/trymwestin/owletd/internal/core/api"
	"github.com/trymwestin/owletd/internal/core/sock"
)

// Fleet holds the discovered socks keyed by DSN.
type Fleet struct {
	mu    sync.Mutex
	socks map[string]*sock.Sock
	order []string
}

// New builds a fleet from discovered socks, preserving discovery order.
func New(socks []*sock.Sock) *Fleet {
	f := &Fleet{socks: make(map[string]*sock.Sock, len(socks))}
	for _, s := range socks {
		f.socks[s.Serial()] = s
		f.order = append(f.order, s.Serial())
	}
	return f
}

// DSNs returns the device serials in discovery order.
func (f *Fleet) DSNs() []string {
	out := make([]string, len(f.order))
	copy(out, f.order)
	return out
}

// UpdateProperties refreshes one sock's properties.
func (f *Fleet) UpdateProperties(ctx context.Context, dsn string) (*sock.Update, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	s, ok := f.socks[dsn]
	if !ok {
		return nil, fmt.Errorf("fleet: unknown device %q", dsn)
	}
	return s.UpdateProperties(ctx)
}

// ControlBaseStation toggles the base station of one sock.
func (f *Fleet) ControlBaseStation(ctx context.Context, dsn string, on bool) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	s, ok := f.socks[dsn]
	if !ok {
		return false, fmt.Errorf("fleet: unknown device %q", dsn)
	}
	return s.ControlBaseStation(ctx, on)
}

// RawProperties returns the raw property set from the sock's last update.
func (f *Fleet) RawProperties(dsn string) (api.Properties, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	s, ok := f.socks[dsn]
	if !ok {
		return nil, false
	}
	return s.RawProperties(), true
}
