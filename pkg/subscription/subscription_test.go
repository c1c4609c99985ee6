package subscription_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/querytail/querytail/pkg/backend"
	"github.com/querytail/querytail/pkg/subscription"
	"github.com/querytail/querytail/pkg/watermark"
)

func singleEntityFixture(id watermark.EntityID, opts ...subscription.ManagerOption) *testFixture {
	f := newFixture(opts...)
	f.engine.single = true
	f.engine.singleID = id
	return f
}

func multiEntityFixture(entities []backend.Entity, opts ...subscription.ManagerOption) *testFixture {
	f := newFixture(opts...)
	f.catalog.set(entities, nil)
	return f
}

func TestConsumeReturnsFreshRows(t *testing.T) {
	f := singleEntityFixture(1)
	f.engine.setSubmitFn(func(backend.Query) backend.Result {
		return backend.Result{Rows: &fakeRows{rows: []fakeRow{
			{entity: 1, key: 100, value: "a"},
			{entity: 1, key: 200, value: "b"},
		}}}
	})

	sub, err := f.manager.Subscribe(context.Background(), "fresh", "select value from t1")
	require.NoError(t, err)

	rows, err := sub.Consume(context.Background())
	require.NoError(t, err)

	var got []string
	var lastKey watermark.Key
	for rows.Next() {
		var v string
		require.NoError(t, rows.Scan(&v))
		got = append(got, v)
		lastKey = rows.Key()
	}
	require.NoError(t, rows.Err())
	require.NoError(t, rows.Close())

	assert.Equal(t, []string{"a", "b"}, got)
	sub.AdvanceProgress(1, lastKey)
	assert.Equal(t, watermark.Key(200), sub.Progress(1, -1))
}

func TestConsumeRetriesThreeTimesThenFails(t *testing.T) {
	f := singleEntityFixture(1)
	boom := errors.New("backend down")
	f.engine.setSubmitFn(func(backend.Query) backend.Result {
		return backend.Result{Err: boom}
	})

	sub, err := f.manager.Subscribe(context.Background(), "retries", "select v from t1")
	require.NoError(t, err)
	reconciled := f.catalog.resolveCount() // single-entity: stays zero

	rows, err := sub.Consume(context.Background())
	assert.Nil(t, rows)
	require.Error(t, err)
	assert.ErrorIs(t, err, subscription.ErrCycleFailed)
	assert.ErrorIs(t, err, boom)

	// Exactly three attempts, each preceded by a registry detach, plus the
	// terminal detach.
	assert.Equal(t, 3, f.engine.submitCount())
	assert.Equal(t, 4, f.registry.detachCount())
	assert.Equal(t, reconciled, f.catalog.resolveCount())

	// The subscription stays usable once the backend recovers.
	f.engine.setSubmitFn(nil)
	rows, err = sub.Consume(context.Background())
	require.NoError(t, err)
	require.NoError(t, rows.Close())
}

func TestFailedAttemptsForceResync(t *testing.T) {
	f := multiEntityFixture([]backend.Entity{{ID: 1, Name: "d1"}})
	fail := true
	f.engine.setSubmitFn(func(backend.Query) backend.Result {
		if fail {
			return backend.Result{Err: errors.New("transient")}
		}
		return backend.Result{Rows: &fakeRows{}}
	})

	sub, err := f.manager.Subscribe(context.Background(), "resync", "select v from pattern",
		subscription.WithInterval(time.Millisecond))
	require.NoError(t, err)
	require.Equal(t, 1, f.catalog.resolveCount(), "subscribe reconciles once")

	// Reconciliation is fresh, so attempt 1 skips it; attempts 2 and 3 are
	// forced by the preceding failures.
	_, err = sub.Consume(context.Background())
	require.ErrorIs(t, err, subscription.ErrCycleFailed)
	assert.Equal(t, 3, f.catalog.resolveCount())

	// The terminal failure leaves sync forced for the next cycle too.
	fail = false
	rows, err := sub.Consume(context.Background())
	require.NoError(t, err)
	require.NoError(t, rows.Close())
	assert.Equal(t, 4, f.catalog.resolveCount())

	// A fresh sync is not repeated on the cycle after a success.
	rows, err = sub.Consume(context.Background())
	require.NoError(t, err)
	require.NoError(t, rows.Close())
	assert.Equal(t, 4, f.catalog.resolveCount())
}

func TestReconcileFailureAbortsWholeCycle(t *testing.T) {
	// A nanosecond staleness window makes every cycle reconcile first.
	f := multiEntityFixture([]backend.Entity{{ID: 1, Name: "d1"}, {ID: 2, Name: "d2"}},
		subscription.WithSyncStaleAfter(time.Nanosecond))

	sub, err := f.manager.Subscribe(context.Background(), "abort", "select v from pattern",
		subscription.WithInterval(time.Millisecond))
	require.NoError(t, err)
	sub.AdvanceProgress(1, 111)
	sub.AdvanceProgress(2, 222)
	submitted := f.engine.submitCount()

	// Resolution is now broken.
	f.catalog.set(nil, errors.New("catalog unreachable"))

	rows, err := sub.Consume(context.Background())
	assert.Nil(t, rows)
	require.ErrorIs(t, err, subscription.ErrResolutionFailed)

	// No query was issued and prior watermarks survived untouched.
	assert.Equal(t, submitted, f.engine.submitCount())
	assert.Equal(t, []watermark.Entry{{Entity: 1, Key: 111}, {Entity: 2, Key: 222}}, sub.Watermarks())

	// Resolution recovers, the same subscription picks up again.
	f.catalog.set([]backend.Entity{{ID: 1, Name: "d1"}, {ID: 2, Name: "d2"}}, nil)
	rows, err = sub.Consume(context.Background())
	require.NoError(t, err)
	require.NoError(t, rows.Close())
	assert.Equal(t, watermark.Key(111), sub.Progress(1, -1))
}

func TestReconcileCarriesWatermarksForward(t *testing.T) {
	f := multiEntityFixture([]backend.Entity{{ID: 1, Name: "d1"}, {ID: 2, Name: "d2"}},
		subscription.WithSyncStaleAfter(time.Nanosecond))

	sub, err := f.manager.Subscribe(context.Background(), "carry", "select v from pattern")
	require.NoError(t, err)
	sub.AdvanceProgress(1, 100)
	sub.AdvanceProgress(2, 200)

	// Entity 2 disappears, entity 3 appears.
	f.catalog.set([]backend.Entity{{ID: 1, Name: "d1"}, {ID: 3, Name: "d3"}}, nil)

	rows, err := sub.Consume(context.Background())
	require.NoError(t, err)
	require.NoError(t, rows.Close())

	assert.Equal(t, []watermark.Entry{
		{Entity: 1, Key: 100},
		{Entity: 3, Key: watermark.KeyMin},
	}, sub.Watermarks())
}

func TestReconcileBindsEntitiesOnPatternQueries(t *testing.T) {
	f := multiEntityFixture([]backend.Entity{{ID: 1, Name: "d1"}, {ID: 2, Name: "d2"}})

	sub, err := f.manager.Subscribe(context.Background(), "bind", "select v from pattern")
	require.NoError(t, err)

	q := f.engine.lastQuery
	q.mu.Lock()
	bound := len(q.entities)
	multi := q.multiMode
	q.mu.Unlock()
	assert.Equal(t, 2, bound)
	assert.True(t, multi)

	// Reset between attempts clears transient state but not the mode flag.
	rows, err := sub.Consume(context.Background())
	require.NoError(t, err)
	require.NoError(t, rows.Close())
	assert.GreaterOrEqual(t, q.resetCount(), 1)
	q.mu.Lock()
	multi = q.multiMode
	q.mu.Unlock()
	assert.True(t, multi)
}

func TestSingleEntitySeedsKeyZero(t *testing.T) {
	f := singleEntityFixture(7)

	sub, err := f.manager.Subscribe(context.Background(), "single", "select v from t7")
	require.NoError(t, err)

	assert.Equal(t, []watermark.Entry{{Entity: 7, Key: 0}}, sub.Watermarks())
	assert.Equal(t, watermark.Key(0), sub.Progress(7, -1))
	// No catalog round trip for a concrete table.
	assert.Equal(t, 0, f.catalog.resolveCount())
}

func TestConsumePersistsProgressBeforeQuerying(t *testing.T) {
	f := singleEntityFixture(1)
	f.engine.setSubmitFn(func(backend.Query) backend.Result {
		f.store.markSubmit()
		return backend.Result{Rows: &fakeRows{rows: []fakeRow{{entity: 1, key: 50, value: "x"}}}}
	})

	sub, err := f.manager.Subscribe(context.Background(), "persist", "select v from t1",
		subscription.WithInterval(time.Millisecond))
	require.NoError(t, err)

	rows, err := sub.Consume(context.Background())
	require.NoError(t, err)
	for rows.Next() {
		sub.AdvanceProgress(rows.Entity(), rows.Key())
	}
	require.NoError(t, rows.Close())

	// The acknowledged key reaches the store at the start of the next cycle.
	rows, err = sub.Consume(context.Background())
	require.NoError(t, err)
	require.NoError(t, rows.Close())

	rec, ok := f.store.record("persist")
	require.True(t, ok)
	assert.Equal(t, "select v from t1", rec.Query)
	assert.Equal(t, []watermark.Entry{{Entity: 1, Key: 50}}, rec.Entries)

	// Every cycle saves before it submits.
	log := f.store.eventLog()
	require.NotEmpty(t, log)
	assert.Equal(t, "save", log[0])
	for i, ev := range log {
		if ev == "submit" {
			require.Greater(t, i, 0)
			assert.Equal(t, "save", log[i-1])
		}
	}
}

func TestConsumeSurvivesSaveFailures(t *testing.T) {
	f := singleEntityFixture(1)
	f.store.saveErr = errors.New("disk full")

	sub, err := f.manager.Subscribe(context.Background(), "savefail", "select v from t1")
	require.NoError(t, err)

	rows, err := sub.Consume(context.Background())
	require.NoError(t, err, "persistence failures never fail the cycle")
	require.NoError(t, rows.Close())
}

func TestPullPacingBlocksFrequentConsumes(t *testing.T) {
	const interval = 150 * time.Millisecond
	f := singleEntityFixture(1)

	sub, err := f.manager.Subscribe(context.Background(), "pacing", "select v from t1",
		subscription.WithInterval(interval))
	require.NoError(t, err)

	// First cycle is unpaced.
	rows, err := sub.Consume(context.Background())
	require.NoError(t, err)
	require.NoError(t, rows.Close())

	start := time.Now()
	rows, err = sub.Consume(context.Background())
	require.NoError(t, err)
	require.NoError(t, rows.Close())
	assert.GreaterOrEqual(t, time.Since(start), interval/2, "second consume must block toward the interval")
}

func TestPullPacingHonorsContextCancellation(t *testing.T) {
	f := singleEntityFixture(1)

	sub, err := f.manager.Subscribe(context.Background(), "pacing-cancel", "select v from t1",
		subscription.WithInterval(10*time.Second))
	require.NoError(t, err)

	rows, err := sub.Consume(context.Background())
	require.NoError(t, err)
	require.NoError(t, rows.Close())
	submitted := f.engine.submitCount()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	rows, err = sub.Consume(ctx)
	assert.Nil(t, rows)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, submitted, f.engine.submitCount(), "cancelled pacing never submits")
}

func TestProgressAccessorsNilSafe(t *testing.T) {
	var sub *subscription.Subscription

	assert.Equal(t, watermark.Key(42), sub.Progress(1, 42))
	assert.NotPanics(t, func() { sub.AdvanceProgress(1, 9) })
	assert.Nil(t, sub.Watermarks())
}

func TestConsumeAfterUnsubscribe(t *testing.T) {
	f := singleEntityFixture(1)

	sub, err := f.manager.Subscribe(context.Background(), "closed", "select v from t1")
	require.NoError(t, err)
	f.manager.Unsubscribe(context.Background(), sub, true)

	rows, err := sub.Consume(context.Background())
	assert.Nil(t, rows)
	assert.ErrorIs(t, err, subscription.ErrSubscriptionClosed)
}
