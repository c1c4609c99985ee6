package subscription_test

import (
	"context"
	"sync"
	"time"

	"github.com/querytail/querytail/pkg/backend"
	"github.com/querytail/querytail/pkg/progress"
	"github.com/querytail/querytail/pkg/subscription"
	"github.com/querytail/querytail/pkg/watermark"
)

// fakeSession toggles between live and dead.
type fakeSession struct{ dead bool }

func (s *fakeSession) Alive() bool { return !s.dead }

// fakeQuery records how the engine-facing query object is driven.
type fakeQuery struct {
	text     string
	singleID watermark.EntityID
	single   bool

	mu        sync.Mutex
	view      backend.WatermarkView
	entities  []backend.Entity
	multiMode bool
	resets    int
	closed    bool
}

func (q *fakeQuery) Text() string { return q.text }

func (q *fakeQuery) SingleEntity() (watermark.EntityID, bool) { return q.singleID, q.single }

func (q *fakeQuery) BindWatermarks(view backend.WatermarkView) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.view = view
}

func (q *fakeQuery) BindEntities(entities []backend.Entity) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entities = entities
	q.multiMode = true
}

func (q *fakeQuery) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.resets++
}

func (q *fakeQuery) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}

func (q *fakeQuery) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

func (q *fakeQuery) resetCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.resets
}

// fakeEngine prepares fakeQuery objects and answers submissions through
// submitFn, defaulting to an empty successful result.
type fakeEngine struct {
	mu         sync.Mutex
	prepareErr error
	single     bool
	singleID   watermark.EntityID
	submitFn   func(q backend.Query) backend.Result
	prepares   int
	submits    int
	lastQuery  *fakeQuery
}

func (e *fakeEngine) Prepare(_ context.Context, _ backend.Session, text string) (backend.Query, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.prepares++
	if e.prepareErr != nil {
		return nil, e.prepareErr
	}
	q := &fakeQuery{text: text, single: e.single, singleID: e.singleID}
	e.lastQuery = q
	return q, nil
}

func (e *fakeEngine) prepareCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.prepares
}

func (e *fakeEngine) Submit(q backend.Query, done chan<- backend.Result) {
	e.mu.Lock()
	e.submits++
	fn := e.submitFn
	e.mu.Unlock()

	res := backend.Result{Rows: &fakeRows{}}
	if fn != nil {
		res = fn(q)
	}
	done <- res
}

func (e *fakeEngine) setSubmitFn(fn func(q backend.Query) backend.Result) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.submitFn = fn
}

func (e *fakeEngine) submitCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.submits
}

// fakeRow is one row of a fakeRows sequence.
type fakeRow struct {
	entity watermark.EntityID
	key    watermark.Key
	value  string
}

// fakeRows replays a fixed row slice through the backend.Rows contract.
type fakeRows struct {
	rows   []fakeRow
	pos    int
	closed bool
}

func (r *fakeRows) Next() bool {
	if r.closed || r.pos >= len(r.rows) {
		return false
	}
	r.pos++
	return true
}

func (r *fakeRows) Entity() watermark.EntityID { return r.rows[r.pos-1].entity }

func (r *fakeRows) Key() watermark.Key { return r.rows[r.pos-1].key }

func (r *fakeRows) Scan(dest ...any) error {
	if len(dest) > 0 {
		if s, ok := dest[0].(*string); ok {
			*s = r.rows[r.pos-1].value
		}
	}
	return nil
}

func (r *fakeRows) Columns() []string { return []string{"value"} }

func (r *fakeRows) Err() error { return nil }

func (r *fakeRows) Close() error {
	r.closed = true
	return nil
}

// fakeCatalog serves a swappable entity list.
type fakeCatalog struct {
	mu       sync.Mutex
	entities []backend.Entity
	err      error
	calls    int
}

func (c *fakeCatalog) Resolve(_ context.Context, _ backend.Query) ([]backend.Entity, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	out := make([]backend.Entity, len(c.entities))
	copy(out, c.entities)
	return out, nil
}

func (c *fakeCatalog) set(entities []backend.Entity, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entities = entities
	c.err = err
}

func (c *fakeCatalog) resolveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// fakeRegistry counts attach/detach traffic.
type fakeRegistry struct {
	mu       sync.Mutex
	attaches int
	detaches int
}

func (r *fakeRegistry) Attach(backend.Query) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attaches++
}

func (r *fakeRegistry) Detach(backend.Query) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.detaches++
}

func (r *fakeRegistry) detachCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.detaches
}

// memStore is an in-memory progress.Store that records call traffic.
type memStore struct {
	mu      sync.Mutex
	records map[string]progress.Record
	saves   int
	saveErr error
	events  []string
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string]progress.Record)}
}

func (s *memStore) Save(_ context.Context, topic string, rec progress.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	s.events = append(s.events, "save")
	if s.saveErr != nil {
		return s.saveErr
	}
	entries := make([]watermark.Entry, len(rec.Entries))
	copy(entries, rec.Entries)
	s.records[topic] = progress.Record{Query: rec.Query, Entries: entries}
	return nil
}

func (s *memStore) Load(_ context.Context, topic string) (progress.Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[topic]
	return rec, ok, nil
}

func (s *memStore) Delete(_ context.Context, topic string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, topic)
	return nil
}

func (s *memStore) record(topic string) (progress.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[topic]
	return rec, ok
}

func (s *memStore) markSubmit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, "submit")
}

func (s *memStore) eventLog() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	copy(out, s.events)
	return out
}

// manualTimers schedules timers that only fire when the test says so.
type manualTimers struct {
	mu      sync.Mutex
	pending []*manualTimer
}

type manualTimer struct {
	mu      sync.Mutex
	d       time.Duration
	fn      func()
	stopped bool
}

func (t *manualTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	return true
}

func (t *manualTimer) isStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

func (m *manualTimers) Schedule(d time.Duration, fn func()) subscription.Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	timer := &manualTimer{d: d, fn: fn}
	m.pending = append(m.pending, timer)
	return timer
}

// fire runs the oldest pending timer callback synchronously.
func (m *manualTimers) fire() bool {
	m.mu.Lock()
	if len(m.pending) == 0 {
		m.mu.Unlock()
		return false
	}
	timer := m.pending[0]
	m.pending = m.pending[1:]
	m.mu.Unlock()

	if timer.isStopped() {
		return false
	}
	timer.fn()
	return true
}

func (m *manualTimers) pendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// testFixture bundles a manager with its fakes.
type testFixture struct {
	session  *fakeSession
	engine   *fakeEngine
	catalog  *fakeCatalog
	registry *fakeRegistry
	store    *memStore
	timers   *manualTimers
	manager  *subscription.Manager
}

func newFixture(opts ...subscription.ManagerOption) *testFixture {
	f := &testFixture{
		session:  &fakeSession{},
		engine:   &fakeEngine{},
		catalog:  &fakeCatalog{},
		registry: &fakeRegistry{},
		store:    newMemStore(),
		timers:   &manualTimers{},
	}
	all := append([]subscription.ManagerOption{
		subscription.WithProgressStore(f.store),
		subscription.WithTimers(f.timers),
	}, opts...)
	mgr, err := subscription.NewManager(f.session, f.engine, f.catalog, f.registry, all...)
	if err != nil {
		panic(err)
	}
	f.manager = mgr
	return f
}
