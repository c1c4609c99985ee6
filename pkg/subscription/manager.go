package subscription

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/asaskevich/govalidator"

	"github.com/querytail/querytail/pkg/backend"
	"github.com/querytail/querytail/pkg/observability"
	"github.com/querytail/querytail/pkg/progress"
	"github.com/querytail/querytail/pkg/watermark"
)

// topicPattern keeps topics safe to use as file names and NATS subject
// tokens.
const topicPattern = `^[A-Za-z0-9._-]+$`

// Manager owns the subscriptions of one session: it creates them, tracks
// them by topic, and releases them. Subscriptions of distinct topics are
// independent and run their cycles in parallel; the manager itself is safe
// for concurrent use.
type Manager struct {
	session  backend.Session
	engine   backend.Engine
	catalog  backend.Catalog
	registry backend.Registry

	store      progress.Store
	timers     Timers
	logger     *slog.Logger
	metrics    *observability.Metrics
	staleAfter time.Duration

	mu     sync.Mutex
	subs   map[string]*Subscription
	closed bool
}

// managerConfig holds internal configuration for a Manager.
type managerConfig struct {
	store      progress.Store
	timers     Timers
	logger     *slog.Logger
	metrics    *observability.Metrics
	staleAfter time.Duration
}

// defaultManagerConfig returns sensible defaults: file persistence under
// the system temp directory, runtime timers, the default slog logger, no
// metrics, and a ten-minute reconciliation staleness threshold.
func defaultManagerConfig() managerConfig {
	return managerConfig{
		timers:     StdTimers{},
		logger:     slog.Default(),
		staleAfter: DefaultSyncStaleAfter,
	}
}

// ManagerOption is a function that configures a Manager.
type ManagerOption func(*managerConfig)

// WithProgressStore sets where per-topic progress records are persisted.
// Defaults to a FileStore under os.TempDir(); production deployments
// should point this at a durable directory or a blob bucket.
func WithProgressStore(s progress.Store) ManagerOption {
	return func(c *managerConfig) {
		c.store = s
	}
}

// WithTimers sets the scheduler used for push-mode delivery. Mainly for
// tests that need deterministic firing.
func WithTimers(t Timers) ManagerOption {
	return func(c *managerConfig) {
		c.timers = t
	}
}

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) ManagerOption {
	return func(c *managerConfig) {
		c.logger = l
	}
}

// WithMetrics enables engine metrics on the given instrument set.
func WithMetrics(m *observability.Metrics) ManagerOption {
	return func(c *managerConfig) {
		c.metrics = m
	}
}

// WithSyncStaleAfter sets how long a reconciliation stays fresh before a
// consume cycle refreshes the entity set again.
func WithSyncStaleAfter(d time.Duration) ManagerOption {
	return func(c *managerConfig) {
		if d > 0 {
			c.staleAfter = d
		}
	}
}

// NewManager wires a subscription manager over a session and its query
// engine. catalog may be nil when only single-entity queries are used;
// registry may be nil when the engine keeps no in-flight bookkeeping.
func NewManager(sess backend.Session, eng backend.Engine, cat backend.Catalog, reg backend.Registry, opts ...ManagerOption) (*Manager, error) {
	if sess == nil {
		return nil, fmt.Errorf("subscription: session is required")
	}
	if eng == nil {
		return nil, fmt.Errorf("subscription: engine is required")
	}

	config := defaultManagerConfig()
	for _, opt := range opts {
		opt(&config)
	}
	if config.store == nil {
		config.store = progress.NewFileStore(filepath.Join(os.TempDir(), "querytail"))
	}
	if reg == nil {
		reg = nopRegistry{}
	}

	return &Manager{
		session:    sess,
		engine:     eng,
		catalog:    cat,
		registry:   reg,
		store:      config.store,
		timers:     config.timers,
		logger:     config.logger,
		metrics:    config.metrics,
		staleAfter: config.staleAfter,
		subs:       make(map[string]*Subscription),
	}, nil
}

// subscribeConfig holds per-subscription configuration.
type subscribeConfig struct {
	interval time.Duration
	callback Callback
	restart  bool
}

func defaultSubscribeConfig() subscribeConfig {
	return subscribeConfig{interval: DefaultInterval}
}

// SubscribeOption is a function that configures a single subscription.
type SubscribeOption func(*subscribeConfig)

// WithInterval sets the target period between consume cycles: the pull
// pacing window, or the push timer period. Non-positive values keep the
// default.
func WithInterval(d time.Duration) SubscribeOption {
	return func(c *subscribeConfig) {
		if d > 0 {
			c.interval = d
		}
	}
}

// WithCallback puts the subscription in push mode: a timer runs one cycle
// per interval and hands each successful result to cb.
func WithCallback(cb Callback) SubscribeOption {
	return func(c *subscribeConfig) {
		c.callback = cb
	}
}

// WithRestart controls whether previously persisted progress is loaded.
// When restart is true the subscription starts cold and overwrites any
// prior record on its next save.
func WithRestart(restart bool) SubscribeOption {
	return func(c *subscribeConfig) {
		c.restart = restart
	}
}

// Subscribe creates the subscription for topic backed by the given query
// text. The text is lowercased before parsing and must be a single
// read-only, row-producing statement. Unless WithRestart(true) is given,
// persisted progress for the topic is restored first, provided its
// recorded query text matches byte for byte; any difference, or a record
// that fails to parse, degrades to a cold start.
//
// Construction is staged: a failure at any step releases everything
// acquired before it, and no partial subscription is ever returned.
func (m *Manager) Subscribe(ctx context.Context, topic, query string, opts ...SubscribeOption) (*Subscription, error) {
	config := defaultSubscribeConfig()
	for _, opt := range opts {
		opt(&config)
	}

	if err := validateTopic(topic); err != nil {
		return nil, err
	}
	if !m.session.Alive() {
		return nil, ErrDisconnected
	}

	// Watermark semantics depend on the exact text, so normalize once here;
	// the persisted record carries the normalized form.
	text := strings.ToLower(query)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrManagerClosed
	}
	if _, ok := m.subs[topic]; ok {
		return nil, fmt.Errorf("%w: %s", ErrTopicActive, topic)
	}

	log := m.logger.With("topic", topic)

	q, err := m.engine.Prepare(ctx, m.session, text)
	if err != nil {
		return nil, fmt.Errorf("preparing subscription query: %w", err)
	}

	sub := &Subscription{
		topic:      topic,
		query:      q,
		engine:     m.engine,
		catalog:    m.catalog,
		registry:   m.registry,
		store:      m.store,
		timers:     m.timers,
		logger:     m.logger,
		metrics:    m.metrics,
		staleAfter: m.staleAfter,
		interval:   config.interval,
		watermarks: watermark.NewSet(0),
	}
	if config.callback != nil {
		sub.mode = ModePush
		sub.callback = config.callback
	}
	q.BindWatermarks(sub.watermarks)

	if config.restart {
		log.Info("restarting subscription, ignoring saved progress")
	} else {
		m.loadProgress(ctx, sub, log)
	}

	sub.mu.Lock()
	err = sub.reconcileLocked(ctx, log)
	sub.mu.Unlock()
	if err != nil {
		// Roll back the half-built subscription, keeping any saved progress
		// for a later attempt.
		m.teardown(ctx, sub, true)
		return nil, fmt.Errorf("initial reconciliation: %w", err)
	}

	m.subs[topic] = sub

	if sub.mode == ModePush {
		sub.mu.Lock()
		sub.scheduleLocked()
		sub.mu.Unlock()
	}

	log.Info("subscription created", "mode", sub.mode.String(), "interval", sub.interval, "entities", len(sub.Watermarks()))
	return sub, nil
}

// loadProgress restores persisted watermarks onto a new subscription. Any
// failure degrades to a cold start; reconciliation rebuilds the set.
func (m *Manager) loadProgress(ctx context.Context, sub *Subscription, log *slog.Logger) {
	rec, found, err := m.store.Load(ctx, sub.topic)
	if err != nil {
		log.Warn("invalid subscription progress record, starting over", "error", err)
		return
	}
	if !found {
		log.Debug("no saved subscription progress")
		return
	}
	if rec.Query != sub.query.Text() {
		log.Info("subscription query changed, ignoring saved progress")
		return
	}
	sub.watermarks.Rebuild(rec.Entries)
	log.Info("subscription progress restored", "entities", len(rec.Entries))
}

// Unsubscribe stops the subscription's timer, waits out any in-flight
// cycle, and releases the bound query and watermark set. With keepProgress
// the current watermarks are saved for a later resume; otherwise the
// topic's persisted record is deleted best-effort. Nil subscriptions and
// repeated calls are no-ops.
func (m *Manager) Unsubscribe(ctx context.Context, sub *Subscription, keepProgress bool) {
	if sub == nil {
		return
	}
	m.teardown(ctx, sub, keepProgress)

	m.mu.Lock()
	if m.subs[sub.topic] == sub {
		delete(m.subs, sub.topic)
	}
	m.mu.Unlock()
}

// teardown releases a subscription's resources in reverse acquisition
// order: timer, persisted record, registry slot, bound query, watermarks.
func (m *Manager) teardown(ctx context.Context, sub *Subscription, keepProgress bool) {
	log := m.logger.With("topic", sub.topic)

	sub.mu.Lock()
	if sub.closed {
		sub.mu.Unlock()
		return
	}
	sub.closed = true
	sub.stopTimerLocked()

	if keepProgress {
		sub.saveProgressLocked(ctx, log)
	} else if err := m.store.Delete(ctx, sub.topic); err != nil {
		log.Warn("failed to delete subscription progress", "error", err)
	}

	m.registry.Detach(sub.query)
	if err := sub.query.Close(); err != nil {
		log.Warn("failed to release subscription query", "error", err)
	}
	sub.watermarks = nil
	sub.mu.Unlock()

	log.Info("subscription released", "kept_progress", keepProgress)
}

// List returns the active topics in sorted order.
func (m *Manager) List() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	topics := make([]string, 0, len(m.subs))
	for topic := range m.subs {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	return topics
}

// Get returns the active subscription for topic, or nil.
func (m *Manager) Get(topic string) *Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subs[topic]
}

// Close releases every active subscription, preserving persisted progress
// so each topic can resume later, and refuses new subscriptions.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	subs := make([]*Subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		subs = append(subs, sub)
	}
	m.subs = make(map[string]*Subscription)
	m.mu.Unlock()

	for _, sub := range subs {
		m.teardown(ctx, sub, true)
	}
	m.logger.Info("subscription manager closed", "subscriptions", len(subs))
	return nil
}

func validateTopic(topic string) error {
	if !govalidator.StringLength(topic, "1", "192") {
		return fmt.Errorf("%w: must be 1-192 characters", ErrInvalidTopic)
	}
	if !govalidator.Matches(topic, topicPattern) {
		return fmt.Errorf("%w: %q may only contain letters, digits, '.', '_' and '-'", ErrInvalidTopic, topic)
	}
	return nil
}

// nopRegistry stands in when the engine keeps no in-flight bookkeeping.
type nopRegistry struct{}

func (nopRegistry) Attach(backend.Query) {}
func (nopRegistry) Detach(backend.Query) {}
