// Package supervisor runs a set of long-lived components as one process,
// shutting them all down together on signal or first failure.
package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"
)

// Runner is a long-lived component. Run blocks until ctx is canceled or
// the component fails.
type Runner interface {
	Name() string
	Run(ctx context.Context) error
}

// Supervisor runs components under one lifecycle.
type Supervisor struct {
	runners []Runner
	logger  *slog.Logger

	// closers run after every runner has stopped, in reverse registration
	// order (broker before database).
	closers []func() error
}

// New creates a Supervisor.
func New(logger *slog.Logger) *Supervisor {
	return &Supervisor{logger: logger}
}

// Add registers a component.
func (s *Supervisor) Add(r Runner) {
	s.runners = append(s.runners, r)
}

// OnShutdown registers a cleanup to run after all components stop.
func (s *Supervisor) OnShutdown(fn func() error) {
	s.closers = append(s.closers, fn)
}

// Run starts every component and blocks until SIGINT/SIGTERM or the first
// component failure, then stops the rest and runs the registered cleanups.
func (s *Supervisor) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	for _, r := range s.runners {
		r := r
		s.logger.Info("starting component", "component", r.Name())
		g.Go(func() error {
			err := r.Run(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error("component failed", "component", r.Name(), "error", err)
				return err
			}
			s.logger.Info("component stopped", "component", r.Name())
			return nil
		})
	}

	err := g.Wait()
	for i := len(s.closers) - 1; i >= 0; i-- {
		if cerr := s.closers[i](); cerr != nil {
			s.logger.Error("shutdown cleanup failed", "error", cerr)
		}
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Func adapts a named function into a Runner. Used for queue consumers.
type Func struct {
	RunnerName string
	Fn         func(ctx context.Context) error
}

func (f *Func) Name() string { return f.RunnerName }

func (f *Func) Run(ctx context.Context) error { return f.Fn(ctx) }
