// Package server wires the engine, storage, and fanout hub together and
// supervises the background jobs that keep them consistent: the GTT expiry
// sweep and periodic snapshot persistence.
package server

import (
	"github.com/rs/zerolog/log"

	"clob/internal/clob"
	"clob/internal/engine"
	"clob/internal/fanout"
	"clob/internal/metrics"
	"clob/internal/storage"
)

// Sink implements engine.Sink by journaling through store and broadcasting
// through hub. Persist runs outside the engine's book lock, per §5's rule
// that the critical section never awaits the storage call. Metrics is
// optional; a nil Metrics simply skips observation.
type Sink struct {
	Market  string
	Store   storage.Storage
	Hub     *fanout.Hub
	Metrics *metrics.Metrics
}

// Persist journals every order the engine touched — the primary order
// plus any resting makers filled or cancelled during matching — followed
// by the trades those fills produced. A brand-new order (never before
// seen) is inserted; anything already in the journal is updated in place.
func (s *Sink) Persist(orders []*clob.Order, trades []clob.Trade) error {
	for _, order := range orders {
		existing, _ := s.Store.GetOrder(order.OrderId)
		if existing == nil {
			if err := s.Store.StoreOrder(order); err != nil {
				return err
			}
			continue
		}
		if err := s.Store.UpdateOrder(order); err != nil {
			return err
		}
	}

	for i := range trades {
		if err := s.Store.StoreTrade(&trades[i]); err != nil {
			return err
		}
	}
	return nil
}

// Publish fans out update, then one additional TradeExecution event
// carrying all of update.Trades so trade-only subscribers don't also have
// to parse order-book updates.
func (s *Sink) Publish(update engine.Update) {
	if s.Metrics != nil {
		s.Metrics.AddTrades(update.Market, len(update.Trades))
		if update.Snapshot != nil {
			s.Metrics.ObserveSnapshot(update.Market, *update.Snapshot)
		}
	}
	if s.Hub == nil {
		return
	}
	s.Hub.Publish(update)
	if len(update.Trades) > 0 {
		s.Hub.Publish(engine.Update{
			Type:      engine.TradeExecution,
			Market:    update.Market,
			Trades:    update.Trades,
			Timestamp: update.Timestamp,
		})
	}
	log.Debug().Str("market", update.Market).Int("trades", len(update.Trades)).Msg("published update")
}
