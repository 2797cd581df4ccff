// Package reaper runs the periodic jobs that delete empty rooms and clients
// without a live connection.
package reaper

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/lobbyrelay/internal/metrics"
	"github.com/vovakirdan/lobbyrelay/internal/store"
)

// Kinds, also used as metric labels.
const (
	KindRooms   = "rooms"
	KindClients = "clients"
)

// Reaper deletes stale rows on a fixed interval.
type Reaper struct {
	kind     string
	interval time.Duration
	sweep    func(context.Context) (int64, error)
	log      *zerolog.Logger
	metrics  *metrics.Metrics
}

// NewRoomReaper deletes rooms that have no members.
func NewRoomReaper(rooms store.RoomStore, interval time.Duration, logger *zerolog.Logger, m *metrics.Metrics) *Reaper {
	return newReaper(KindRooms, interval, rooms.DeleteEmptyRooms, logger, m)
}

// NewClientReaper deletes clients without a connection id.
func NewClientReaper(clients store.ClientStore, interval time.Duration, logger *zerolog.Logger, m *metrics.Metrics) *Reaper {
	return newReaper(KindClients, interval, clients.DeleteInactiveClients, logger, m)
}

func newReaper(kind string, interval time.Duration, sweep func(context.Context) (int64, error), logger *zerolog.Logger, m *metrics.Metrics) *Reaper {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	l := logger.With().Str("reaper", kind).Logger()
	return &Reaper{
		kind:     kind,
		interval: interval,
		sweep:    sweep,
		log:      &l,
		metrics:  m,
	}
}

// Run sweeps once per interval until ctx is cancelled. Failures are logged and
// retried on the next tick.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.log.Info().Dur("interval", r.interval).Msg("reaper started")
	for {
		select {
		case <-ctx.Done():
			r.log.Info().Msg("reaper stopped")
			return nil
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep runs a single pass and returns the number of deleted rows.
func (r *Reaper) Sweep(ctx context.Context) int64 {
	n, err := r.sweep(ctx)
	if err != nil && ctx.Err() == nil {
		r.log.Error().Err(err).Int64("deleted", n).Msg("sweep failed")
	}
	r.metrics.Reaped(r.kind, n)
	if n > 0 {
		r.log.Info().Int64("deleted", n).Msg("sweep finished")
	}
	return n
}
