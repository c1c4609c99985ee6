package runner

import "context"

// Service is a long-running component managed by the Runner.
type Service interface {
	// Name identifies the service in logs and error messages.
	Name() string

	// Start brings the service up. It returns once the service is ready
	// and must respect context cancellation.
	Start(ctx context.Context) error

	// Stop winds the service down. It should complete within the context
	// deadline.
	Stop(ctx context.Context) error
}

// HealthChecker is an optional interface for services that can report
// their own health.
type HealthChecker interface {
	Service

	// HealthCheck returns an error if the service is unhealthy.
	HealthCheck(ctx context.Context) error
}
