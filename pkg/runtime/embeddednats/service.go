// Package embeddednats adapts the embedded NATS server into a
// runner.Service, for processes that want an in-process broker managed by
// the same lifecycle as their other services.
package embeddednats

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/querytail/querytail/pkg/natsbridge"
	"github.com/querytail/querytail/pkg/observability"
	"github.com/querytail/querytail/pkg/runner"
)

// Service wraps an embedded NATS server as a runner.Service.
type Service struct {
	server   *natsbridge.EmbeddedServer
	logger   runner.Logger
	tracer   trace.Tracer
	storeDir string
}

// Option configures the service.
type Option func(*Service)

// WithLogger sets the logger for the service.
func WithLogger(logger runner.Logger) Option {
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

// WithStoreDir sets the JetStream storage directory. Empty lets the
// server pick its own.
func WithStoreDir(dir string) Option {
	return func(s *Service) {
		s.storeDir = dir
	}
}

// New creates an embedded NATS service for use with runner.
func New(opts ...Option) *Service {
	s := &Service{
		logger: runner.NewNoopLogger(),
		tracer: noop.NewTracerProvider().Tracer("embeddednats"),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Name returns the service name for logging.
func (s *Service) Name() string {
	return "embedded-nats"
}

// Start starts the embedded NATS server.
func (s *Service) Start(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "embeddednats.Start")
	defer span.End()

	s.logger.Info("starting embedded NATS server")

	srv, err := natsbridge.StartEmbedded(s.storeDir)
	if err != nil {
		observability.SetSpanError(ctx, err)
		s.logger.Error("failed to start embedded NATS", "error", err)
		return fmt.Errorf("failed to start embedded NATS: %w", err)
	}
	s.server = srv

	span.SetAttributes(attribute.String("nats.url", srv.URL()))
	s.logger.Info("embedded NATS server started", "url", srv.URL())
	return nil
}

// Stop shuts down the embedded NATS server.
func (s *Service) Stop(ctx context.Context) error {
	_, span := s.tracer.Start(ctx, "embeddednats.Stop")
	defer span.End()

	if s.server != nil {
		s.server.Shutdown()
		s.logger.Info("embedded NATS server stopped")
	}
	return nil
}

// HealthCheck verifies the server accepts connections.
func (s *Service) HealthCheck(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "embeddednats.HealthCheck")
	defer span.End()

	if s.server == nil {
		err := fmt.Errorf("nats server not started")
		observability.SetSpanError(ctx, err)
		return err
	}

	nc, err := s.server.Connect()
	if err != nil {
		observability.SetSpanError(ctx, err)
		return fmt.Errorf("nats server not responsive: %w", err)
	}
	nc.Close()

	return nil
}

// URL returns the NATS connection URL. Only set after Start succeeds.
func (s *Service) URL() string {
	if s.server == nil {
		return ""
	}
	return s.server.URL()
}

// Server returns the underlying embedded server. Only set after Start
// succeeds.
func (s *Service) Server() *natsbridge.EmbeddedServer {
	return s.server
}

var _ runner.Service = (*Service)(nil)
var _ runner.HealthChecker = (*Service)(nil)
