package server

import (
	"time"

	"github.com/rs/zerolog/log"
	tomb "gopkg.in/tomb.v2"

	"clob/internal/engine"
	"clob/internal/fanout"
	"clob/internal/metrics"
	"clob/internal/storage"
)

const (
	sweepInterval    = time.Second
	snapshotInterval = 30 * time.Second
)

// Jobs supervises the background work a running market needs outside the
// request path: the GTT expiry sweep and periodic order-book snapshots.
// Adapted from the teacher's WorkerPool.Setup (internal/worker.go), which
// supervises a pool of identical task workers under one tomb.Tomb; here
// each job is a distinct named loop instead of a pool of interchangeable
// workers, since there are exactly two and they run at different cadences.
type Jobs struct {
	Market  string
	Engine  *engine.Engine
	Store   storage.Storage
	Hub     *fanout.Hub
	Metrics *metrics.Metrics
}

// Run starts both loops as goroutines under t. They stop when t dies.
func (j *Jobs) Run(t *tomb.Tomb) {
	t.Go(func() error { return j.sweepLoop(t) })
	t.Go(func() error { return j.snapshotLoop(t) })
}

// sweepLoop expires GTT orders at least once per wall-clock second.
func (j *Jobs) sweepLoop(t *tomb.Tomb) error {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.Dying():
			return nil
		case now := <-ticker.C:
			expired := j.Engine.SweepExpired(now)
			if len(expired) > 0 {
				log.Info().Str("market", j.Market).Int("count", len(expired)).Msg("swept expired orders")
			}
		}
	}
}

// snapshotLoop persists the aggregated book periodically so a restart can
// rebuild close to current state without replaying the entire journal.
func (j *Jobs) snapshotLoop(t *tomb.Tomb) error {
	ticker := time.NewTicker(snapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.Dying():
			return nil
		case <-ticker.C:
			snap := j.Engine.GetOrderBook()
			if err := j.Store.StoreSnapshot(&snap); err != nil {
				log.Error().Err(err).Str("market", j.Market).Msg("snapshot persistence failed")
			}
			if j.Metrics != nil && j.Hub != nil {
				j.Metrics.SetFanoutSubscribers(j.Hub.Subscribers())
			}
		}
	}
}
