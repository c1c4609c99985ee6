// Package subscription implements a client-side subscription/consume engine
// over a query-capable data store. A subscription binds one topic to one
// row-producing query; each consume cycle re-executes the query against
// monotonically advancing per-entity watermarks and returns only fresh rows,
// persisting enough state to resume after a restart without re-reading
// already-consumed data.
//
// Delivery is either pull (the caller invokes Consume explicitly) or push
// (a timer drives cycles and hands results to a callback). Watermark
// advancement is the caller's acknowledgement: after processing returned
// rows, report the highest fully-processed key per entity via
// AdvanceProgress before the next cycle persists it. This decouples "what
// has been fetched" from "what has been durably acknowledged" and yields
// crash-resumable at-least-once delivery.
package subscription

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/querytail/querytail/pkg/backend"
	"github.com/querytail/querytail/pkg/idgen"
	"github.com/querytail/querytail/pkg/observability"
	"github.com/querytail/querytail/pkg/progress"
	"github.com/querytail/querytail/pkg/watermark"
)

const (
	// maxConsumeAttempts bounds the retry loop of one consume cycle.
	maxConsumeAttempts = 3

	// DefaultSyncStaleAfter is how long a reconciliation stays fresh before
	// the next cycle refreshes the entity set.
	DefaultSyncStaleAfter = 10 * time.Minute

	// DefaultInterval is the consume period used when WithInterval is not
	// given.
	DefaultInterval = time.Second
)

// Mode selects how consume cycles are driven.
type Mode int

const (
	// ModePull runs one cycle per explicit Consume call, rate-limited to
	// the subscription interval.
	ModePull Mode = iota

	// ModePush runs one cycle per timer period and delivers results to the
	// registered callback.
	ModePush
)

func (m Mode) String() string {
	if m == ModePush {
		return "push"
	}
	return "pull"
}

// Callback receives the rows of one successful push-mode cycle. It is
// invoked from the timer goroutine, must drain or close rows before
// returning, and should acknowledge processed rows via AdvanceProgress.
type Callback func(sub *Subscription, rows backend.Rows)

// Subscription tracks per-entity consume progress for one topic backed by
// one query. Create with Manager.Subscribe, release with
// Manager.Unsubscribe. All cycle state is serialized by an internal mutex:
// at most one consume cycle, reconciliation, or accessor mutation runs at a
// time, and Unsubscribe waits out any cycle in flight.
type Subscription struct {
	topic string
	query backend.Query

	engine     backend.Engine
	catalog    backend.Catalog
	registry   backend.Registry
	store      progress.Store
	timers     Timers
	logger     *slog.Logger
	metrics    *observability.Metrics
	staleAfter time.Duration

	interval time.Duration
	mode     Mode
	callback Callback

	mu          sync.Mutex
	watermarks  *watermark.Set
	lastSync    time.Time // zero forces reconciliation on the next cycle
	lastConsume time.Time
	timer       Timer
	timerGen    uint64
	closed      bool
}

// Topic returns the subscription's identifying name.
func (s *Subscription) Topic() string { return s.topic }

// QueryText returns the normalized query text the subscription executes.
// Persisted progress is keyed on this exact text.
func (s *Subscription) QueryText() string { return s.query.Text() }

// Mode reports whether the subscription is pull- or push-driven.
func (s *Subscription) Mode() Mode { return s.mode }

// Interval returns the target period between consume cycles.
func (s *Subscription) Interval() time.Duration { return s.interval }

// Progress returns the acknowledged key for an entity, or dflt when the
// subscription is nil or the entity is not tracked.
func (s *Subscription) Progress(id watermark.EntityID, dflt watermark.Key) watermark.Key {
	if s == nil {
		return dflt
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watermarks.Get(id, dflt)
}

// AdvanceProgress records the highest fully-processed key for an entity.
// It never adds entities: keys reported for entities outside the current
// set are dropped, and a nil subscription is a no-op. The new key is
// persisted at the start of the next consume cycle.
func (s *Subscription) AdvanceProgress(id watermark.EntityID, key watermark.Key) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watermarks.Advance(id, key)
}

// Watermarks returns a snapshot of the tracked entities and their
// acknowledged keys, sorted by entity id.
func (s *Subscription) Watermarks() []watermark.Entry {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watermarks.Entries()
}

// Consume runs one cycle and returns a lazy, single-pass row sequence of
// fresh rows, which the caller must drain or close. It persists current
// progress before querying, paces pull-mode calls to the subscription
// interval, and retries failed executions up to three times with a forced
// entity-set resynchronization between attempts. Exhausting the retries
// returns ErrCycleFailed; the subscription stays usable.
//
// ctx cancellation is honored while pacing. Once the query is submitted
// the wait for backend completion is not cancellable; a wedged store
// blocks indefinitely.
func (s *Subscription) Consume(ctx context.Context) (backend.Rows, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSubscriptionClosed
	}
	return s.consumeLocked(ctx)
}

func (s *Subscription) consumeLocked(ctx context.Context) (backend.Rows, error) {
	log := s.logger.With("topic", s.topic, "cycle", idgen.CycleID())
	start := time.Now()

	// Persist before issuing any query. A crash mid-cycle then loses at
	// most the in-flight cycle's rows, never acknowledged progress.
	s.saveProgressLocked(ctx, log)

	// Pull-mode pacing; push mode paces through the timer period.
	if s.mode == ModePull && !s.lastConsume.IsZero() {
		if wait := s.interval - time.Since(s.lastConsume); wait > 0 {
			log.Debug("consuming too frequently, pacing", "wait", wait)
			if err := sleep(ctx, wait); err != nil {
				return nil, err
			}
		}
	}

	var lastErr error
	for attempt := 1; attempt <= maxConsumeAttempts; attempt++ {
		s.registry.Detach(s.query)

		if s.syncStaleLocked() {
			if err := s.reconcileLocked(ctx, log); err != nil {
				s.metrics.RecordCycle(ctx, s.topic, time.Since(start), err)
				return nil, err
			}
		}

		s.query.Reset()

		done := make(chan backend.Result, 1)
		s.engine.Submit(s.query, done)
		res := <-done

		if res.Err == nil {
			s.lastConsume = time.Now()
			s.metrics.RecordCycle(ctx, s.topic, time.Since(start), nil)
			log.Debug("cycle complete", "attempt", attempt)
			return res.Rows, nil
		}

		// Any execution failure forces the next attempt to reconcile the
		// entity set first, whatever the cause.
		lastErr = res.Err
		s.lastSync = time.Time{}
		s.metrics.RecordRetry(ctx, s.topic)
		log.Warn("consume attempt failed", "attempt", attempt, "error", res.Err)
	}

	s.registry.Detach(s.query)
	err := fmt.Errorf("%w after %d attempts: %w", ErrCycleFailed, maxConsumeAttempts, lastErr)
	s.metrics.RecordCycle(ctx, s.topic, time.Since(start), err)
	log.Warn("cycle failed, retries exhausted", "error", lastErr)
	return nil, err
}

func (s *Subscription) syncStaleLocked() bool {
	return s.lastSync.IsZero() || time.Since(s.lastSync) > s.staleAfter
}

// reconcileLocked refreshes the entity set matched by the query and
// migrates watermarks onto it: entities that persist keep their keys,
// newly matched entities start from the never-consumed sentinel, and
// entities no longer matched are dropped.
func (s *Subscription) reconcileLocked(ctx context.Context, log *slog.Logger) error {
	// Recorded first and kept even when resolution fails below, so a
	// broken catalog is retried on the staleness cadence, not every
	// attempt.
	s.lastSync = time.Now()

	if id, ok := s.query.SingleEntity(); ok {
		if !s.watermarks.Contains(id) {
			s.watermarks.Rebuild([]watermark.Entry{{Entity: id, Key: 0}})
		}
		s.metrics.RecordReconcile(ctx, s.topic, 1, nil)
		return nil
	}

	if s.catalog == nil {
		err := fmt.Errorf("%w: no catalog configured for a multi-entity query", ErrResolutionFailed)
		s.metrics.RecordReconcile(ctx, s.topic, 0, err)
		return err
	}

	entities, err := s.catalog.Resolve(ctx, s.query)
	if err != nil {
		s.metrics.RecordReconcile(ctx, s.topic, 0, err)
		log.Warn("entity resolution failed", "error", err)
		return fmt.Errorf("%w: %w", ErrResolutionFailed, err)
	}

	entries := make([]watermark.Entry, 0, len(entities))
	for _, e := range entities {
		entries = append(entries, watermark.Entry{
			Entity: e.ID,
			Key:    s.watermarks.Get(e.ID, watermark.KeyMin),
		})
	}
	s.watermarks.Rebuild(entries)
	s.query.BindEntities(entities)
	s.metrics.RecordReconcile(ctx, s.topic, len(entities), nil)
	log.Debug("entity set reconciled", "entities", len(entities))
	return nil
}

// saveProgressLocked writes the current watermark snapshot. Persistence is
// an optimization for crash recovery, not a correctness dependency, so
// failures are logged and never surfaced to the cycle.
func (s *Subscription) saveProgressLocked(ctx context.Context, log *slog.Logger) {
	rec := progress.Record{
		Query:   s.query.Text(),
		Entries: s.watermarks.Entries(),
	}
	if err := s.store.Save(ctx, s.topic, rec); err != nil {
		s.metrics.RecordProgressSaveFailure(ctx, s.topic)
		log.Warn("failed to save subscription progress", "error", err)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
