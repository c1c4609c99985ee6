package runner_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/querytail/querytail/pkg/runner"
)

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(e string) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	copy(out, r.events)
	return out
}

type fakeService struct {
	rec       *recorder
	name      string
	startErr  error
	stopErr   error
	healthErr error
}

func (s *fakeService) Name() string { return s.name }

func (s *fakeService) Start(ctx context.Context) error {
	if s.startErr != nil {
		return s.startErr
	}
	s.rec.add("start:" + s.name)
	return nil
}

func (s *fakeService) Stop(ctx context.Context) error {
	s.rec.add("stop:" + s.name)
	return s.stopErr
}

func (s *fakeService) HealthCheck(ctx context.Context) error { return s.healthErr }

func TestRunnerStartsInOrderAndStopsAll(t *testing.T) {
	rec := &recorder{}
	r := runner.New([]runner.Service{
		&fakeService{rec: rec, name: "a"},
		&fakeService{rec: rec, name: "b"},
		&fakeService{rec: rec, name: "c"},
	})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- r.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(rec.list()) == 3
	}, 2*time.Second, 10*time.Millisecond, "all services start")
	assert.Equal(t, []string{"start:a", "start:b", "start:c"}, rec.list())

	cancel()
	require.NoError(t, <-errCh)

	// Stops run concurrently, so only membership is deterministic.
	events := rec.list()
	require.Len(t, events, 6)
	assert.ElementsMatch(t, []string{"stop:a", "stop:b", "stop:c"}, events[3:])
}

func TestRunnerFailedStartStopsStartedServices(t *testing.T) {
	rec := &recorder{}
	r := runner.New([]runner.Service{
		&fakeService{rec: rec, name: "a"},
		&fakeService{rec: rec, name: "b", startErr: errors.New("port in use")},
		&fakeService{rec: rec, name: "c"},
	})

	err := r.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "start service b")

	events := rec.list()
	assert.Equal(t, []string{"start:a", "stop:a"}, events)
}

func TestRunnerPropagatesStopErrors(t *testing.T) {
	rec := &recorder{}
	r := runner.New([]runner.Service{
		&fakeService{rec: rec, name: "a", stopErr: errors.New("wedged")},
	})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- r.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(rec.list()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	err := <-errCh
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stop a")
}

func TestRunnerHealthCheck(t *testing.T) {
	rec := &recorder{}
	healthy := &fakeService{rec: rec, name: "ok"}
	sick := &fakeService{rec: rec, name: "sick", healthErr: errors.New("db gone")}

	r := runner.New([]runner.Service{healthy})
	assert.NoError(t, r.HealthCheck(context.Background()))

	r = runner.New([]runner.Service{healthy, sick})
	err := r.HealthCheck(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sick")
}
