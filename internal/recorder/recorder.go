// Package recorder persists endpoint updates to the history database.
package recorder

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/stiebel-can/db"
	"github.com/thatsimonsguy/stiebel-can/internal/endpoint"
	"github.com/thatsimonsguy/stiebel-can/internal/model"
)

type Recorder struct {
	db        *sql.DB
	retention time.Duration

	mu      sync.Mutex
	pending []model.Reading

	cancel context.CancelFunc
	done   chan struct{}
}

// New returns a recorder writing to database. A retention of zero keeps
// every reading.
func New(database *sql.DB, retention time.Duration) *Recorder {
	return &Recorder{db: database, retention: retention}
}

// Record queues one update. Queued readings are written by Flush.
func (r *Recorder) Record(u endpoint.Update) {
	r.mu.Lock()
	r.pending = append(r.pending, ToReading(u))
	r.mu.Unlock()
}

// Flush writes queued readings in a single transaction. On failure the
// readings are kept for the next attempt.
func (r *Recorder) Flush() error {
	r.mu.Lock()
	batch := r.pending
	r.pending = nil
	r.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}
	if err := db.InsertReadings(r.db, batch); err != nil {
		r.mu.Lock()
		r.pending = append(batch, r.pending...)
		r.mu.Unlock()
		return err
	}
	log.Debug().Int("readings", len(batch)).Msg("Flushed history")
	return nil
}

// Prune drops readings older than the retention window.
func (r *Recorder) Prune(now time.Time) (int64, error) {
	if r.retention <= 0 {
		return 0, nil
	}
	return db.PruneReadings(r.db, now.Add(-r.retention))
}

// Run flushes every interval and prunes once an hour until ctx is done,
// then flushes whatever is left.
func (r *Recorder) Run(ctx context.Context, interval time.Duration) {
	log.Info().Dur("interval", interval).Dur("retention", r.retention).Msg("Starting history recorder")

	flush := time.NewTicker(interval)
	defer flush.Stop()
	prune := time.NewTicker(time.Hour)
	defer prune.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := r.Flush(); err != nil {
				log.Error().Err(err).Msg("Final history flush failed")
			}
			return
		case <-flush.C:
			if err := r.Flush(); err != nil {
				log.Error().Err(err).Msg("Failed to write history")
			}
		case now := <-prune.C:
			n, err := r.Prune(now)
			if err != nil {
				log.Error().Err(err).Msg("Failed to prune history")
				continue
			}
			if n > 0 {
				log.Info().Int64("removed", n).Msg("Pruned history")
			}
		}
	}
}

// Start runs the flush loop in the background until Stop.
func (r *Recorder) Start(interval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})
	go func() {
		defer close(r.done)
		r.Run(ctx, interval)
	}()
}

// Stop ends the flush loop and writes whatever is still queued. Stop the
// controller feeding the recorder first.
func (r *Recorder) Stop() error {
	if r.cancel != nil {
		r.cancel()
		<-r.done
		r.cancel = nil
	}
	return r.Flush()
}

func ToReading(u endpoint.Update) model.Reading {
	at := u.State.UpdatedAt
	if u.Source == endpoint.SourceBroadcast || at.IsZero() {
		// broadcasts do not touch UpdatedAt
		at = time.Now()
	}
	return model.Reading{
		Endpoint:           u.Endpoint.Name,
		Module:             u.Endpoint.Module,
		Relay:              u.Endpoint.Relay,
		On:                 u.State.On,
		OutsideTemperature: u.State.OutsideTemperature,
		Source:             string(u.Source),
		RecordedAt:         at,
	}
}
