// Package tailer adapts one subscription into a runner.Service: it
// subscribes on Start, pumps consumed batches to a sink until stopped,
// and releases the subscription on Stop with progress preserved.
package tailer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/querytail/querytail/pkg/backend"
	"github.com/querytail/querytail/pkg/observability"
	"github.com/querytail/querytail/pkg/runner"
	"github.com/querytail/querytail/pkg/subscription"
)

// Sink handles one consumed batch. It owns the rows for the duration of
// the call (the service closes them afterwards) and is responsible for
// acknowledging what it durably processed via sub.AdvanceProgress; a
// returned error leaves the watermarks alone so the batch is redelivered.
type Sink func(sub *subscription.Subscription, rows backend.Rows) error

// Service runs one subscription for its whole process lifetime.
//
// In pull mode the service loops Consume and hands every batch to the
// sink. In push mode (a callback among the subscribe options) the
// subscription delivers on its own timer and the service only manages
// subscribe/unsubscribe.
type Service struct {
	manager *subscription.Manager
	topic   string
	query   string
	subOpts []subscription.SubscribeOption
	sink    Sink
	logger  *slog.Logger
	tracer  trace.Tracer

	sub    *subscription.Subscription
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures the service.
type Option func(*Service)

// WithSink sets the pull-mode batch handler.
func WithSink(sink Sink) Option {
	return func(s *Service) {
		s.sink = sink
	}
}

// WithSubscribeOptions passes options through to Manager.Subscribe.
func WithSubscribeOptions(opts ...subscription.SubscribeOption) Option {
	return func(s *Service) {
		s.subOpts = opts
	}
}

// WithLogger sets the logger for the service.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithTracer sets the OpenTelemetry tracer for the service.
func WithTracer(tracer trace.Tracer) Option {
	return func(s *Service) {
		s.tracer = tracer
	}
}

// New creates a tailer service for topic backed by query.
func New(manager *subscription.Manager, topic, query string, opts ...Option) *Service {
	s := &Service{
		manager: manager,
		topic:   topic,
		query:   query,
		logger:  slog.Default(),
		tracer:  noop.NewTracerProvider().Tracer("tailer"),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Name returns the service name for logging.
func (s *Service) Name() string {
	return fmt.Sprintf("tailer[%s]", s.topic)
}

// Start creates the subscription and, in pull mode with a sink, launches
// the pump loop.
func (s *Service) Start(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "tailer.Start")
	defer span.End()

	sub, err := s.manager.Subscribe(ctx, s.topic, s.query, s.subOpts...)
	if err != nil {
		observability.SetSpanError(ctx, err)
		return fmt.Errorf("failed to subscribe %s: %w", s.topic, err)
	}
	s.sub = sub

	span.SetAttributes(observability.SubscriptionAttrs(s.topic, sub.Mode().String(), sub.Interval().Milliseconds())...)
	s.logger.Info("tailer started", "topic", s.topic, "mode", sub.Mode().String())

	if sub.Mode() == subscription.ModePull && s.sink != nil {
		pumpCtx, cancel := context.WithCancel(context.Background())
		s.cancel = cancel
		s.done = make(chan struct{})
		go s.pump(pumpCtx)
	}
	return nil
}

// pump drives consume cycles until cancelled, handing each batch to the
// sink.
func (s *Service) pump(ctx context.Context) {
	defer close(s.done)

	for {
		if ctx.Err() != nil {
			return
		}

		rows, err := s.sub.Consume(ctx)
		switch {
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return
		case errors.Is(err, subscription.ErrSubscriptionClosed):
			return
		case err != nil:
			s.logger.Error("consume cycle failed", "topic", s.topic, "error", err)
			// Failed cycles skip the usual pacing, so wait an interval
			// before trying again.
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.sub.Interval()):
			}
			continue
		}

		if err := s.sink(s.sub, rows); err != nil {
			s.logger.Error("sink failed, batch will be redelivered", "topic", s.topic, "error", err)
		}
		rows.Close()
	}
}

// Stop winds down the pump and releases the subscription, keeping its
// persisted progress for the next run.
func (s *Service) Stop(ctx context.Context) error {
	_, span := s.tracer.Start(ctx, "tailer.Stop")
	defer span.End()

	if s.cancel != nil {
		s.cancel()
		select {
		case <-s.done:
		case <-ctx.Done():
			return fmt.Errorf("pump did not stop: %w", ctx.Err())
		}
	}

	if s.sub != nil {
		s.manager.Unsubscribe(ctx, s.sub, true)
	}
	s.logger.Info("tailer stopped", "topic", s.topic)
	return nil
}

// HealthCheck reports whether the subscription is live.
func (s *Service) HealthCheck(ctx context.Context) error {
	if s.sub == nil {
		return fmt.Errorf("tailer %s not started", s.topic)
	}
	if s.manager.Get(s.topic) != s.sub {
		return fmt.Errorf("subscription %s no longer active", s.topic)
	}
	return nil
}

// Subscription returns the live subscription. Only set after Start
// succeeds.
func (s *Service) Subscription() *subscription.Subscription {
	return s.sub
}

var _ runner.Service = (*Service)(nil)
var _ runner.HealthChecker = (*Service)(nil)
