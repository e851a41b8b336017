package serverapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"localhttps/internal/logging"
)

// teardown releases what Init acquired, newest first.
type teardown struct {
	steps []teardownStep
}

type teardownStep struct {
	component string
	release   func(context.Context) error
}

func (t *teardown) add(component string, release func(context.Context) error) {
	t.steps = append(t.steps, teardownStep{component: component, release: release})
}

// unwind runs every step even when earlier ones fail and returns the joined
// failures, each prefixed with its component.
func (t *teardown) unwind(ctx context.Context, logger *logging.Logger) error {
	var errs []error
	for i := len(t.steps) - 1; i >= 0; i-- {
		step := t.steps[i]
		began := time.Now()
		err := step.release(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", step.component, err))
		}
		if logger == nil {
			continue
		}
		attrs := []any{
			slog.String("component", step.component),
			slog.Duration("took", time.Since(began)),
		}
		if err != nil {
			logger.Warn("release failed", append(attrs, slog.String("error", err.Error()))...)
		} else {
			logger.Debug("released", attrs...)
		}
	}
	t.steps = nil
	return errors.Join(errs...)
}

// Shutdown stops the secure server, which releases the shared redirect
// server, and then flushes the telemetry providers. Later calls return the
// first call's result.
func (a *App) Shutdown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	a.shutdownOnce.Do(func() {
		a.stateMu.Lock()
		td := a.teardown
		a.teardown = teardown{}
		a.started = false
		a.stateMu.Unlock()

		a.shutdownErr = td.unwind(ctx, a.logger)
	})

	return a.shutdownErr
}
