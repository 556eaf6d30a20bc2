// Package poller drives the periodic vitals refresh for every discovered
// sock and feeds the results into the state store.
package poller

import (
	"context"
	"log/slog"
	"time"

	"github.com/trymwestin/owletd/internal/core/api"
	"github.com/trymwestin/owletd/internal/core/sock"
	"github.com/trymwestin/owletd/internal/core/state"
)

// Updater refreshes device properties, typically the fleet.
type Updater interface {
	DSNs() []string
	UpdateProperties(ctx context.Context, dsn string) (*sock.Update, error)
}

// TokenSink receives changed token snapshots for persistence.
type TokenSink interface {
	Save(tokens *api.Tokens) error
}

// Poller refreshes each sock's properties on a fixed interval and pushes
// snapshots into the state store.
type Poller struct {
	updater  Updater
	store    *state.Store
	bus      *state.EventBus
	sink     TokenSink
	interval time.Duration
	log      *slog.Logger

	cancel  context.CancelFunc
	stopped chan struct{}
}

// New creates a poller. A nil sink disables token persistence.
func New(updater Updater, store *state.Store, bus *state.EventBus, sink TokenSink, interval time.Duration, log *slog.Logger) *Poller {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Poller{
		updater:  updater,
		store:    store,
		bus:      bus,
		sink:     sink,
		interval: interval,
		log:      log,
	}
}

// Start begins the poll loop. The first poll runs immediately.
func (p *Poller) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.stopped = make(chan struct{})

	go p.run(ctx)
}

// Stop halts the poll loop and waits for it to exit.
func (p *Poller) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	<-p.stopped
}

func (p *Poller) run(ctx context.Context) {
	defer close(p.stopped)

	p.pollOnce(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.pollOnce(ctx)
		}
	}
}

func (p *Poller) pollOnce(ctx context.Context) {
	for _, dsn := range p.updater.DSNs() {
		if ctx.Err() != nil {
			return
		}

		upd, err := p.updater.UpdateProperties(ctx, dsn)
		if err != nil {
			p.log.Warn("vitals update failed", "dsn", dsn, "error", err)
			p.store.SetUnreachable(dsn, err)
			continue
		}

		p.store.UpdateVitals(dsn, upd.Revision, upd.Version, state.Vitals(upd.Properties))

		if upd.Tokens != nil {
			p.persistTokens(upd.Tokens)
		}
	}
}

func (p *Poller) persistTokens(tokens *api.Tokens) {
	if p.sink == nil {
		return
	}
	if err := p.sink.Save(tokens); err != nil {
		p.log.Error("failed to persist refreshed tokens", "error", err)
		return
	}
	p.bus.Publish(state.Event{Type: state.EventTokenRefresh})
	p.log.Info("refreshed tokens persisted")
}
