package supervisor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func blockUntilCanceled(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestSupervisorStopsOnContextCancel(t *testing.T) {
	s := New(discard())
	s.Add(&Func{RunnerName: "a", Fn: blockUntilCanceled})
	s.Add(&Func{RunnerName: "b", Fn: blockUntilCanceled})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err, "clean cancellation is not a failure")
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not stop")
	}
}

func TestSupervisorFailureStopsSiblings(t *testing.T) {
	s := New(discard())
	boom := errors.New("broker gone")
	s.Add(&Func{RunnerName: "healthy", Fn: blockUntilCanceled})
	s.Add(&Func{RunnerName: "failing", Fn: func(ctx context.Context) error { return boom }})

	err := s.Run(context.Background())
	require.ErrorIs(t, err, boom)
}

func TestSupervisorClosersRunInReverse(t *testing.T) {
	s := New(discard())
	var order []string
	s.OnShutdown(func() error { order = append(order, "db"); return nil })
	s.OnShutdown(func() error { order = append(order, "broker"); return nil })
	s.Add(&Func{RunnerName: "noop", Fn: func(ctx context.Context) error { return nil }})

	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t, []string{"broker", "db"}, order)
}
