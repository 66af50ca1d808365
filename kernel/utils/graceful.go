package utils

import (
	"context"
	"sync"
	"time"
)

// GracefulShutdown runs registered teardown steps in reverse registration
// order, bounded by a timeout.
type GracefulShutdown struct {
	mu         sync.Mutex
	shutdownFn []namedShutdown
	timeout    time.Duration
	logger     *Logger
}

type namedShutdown struct {
	name string
	fn   func() error
}

// NewGracefulShutdown creates a new graceful shutdown manager
func NewGracefulShutdown(timeout time.Duration, logger *Logger) *GracefulShutdown {
	if logger == nil {
		logger = DefaultLogger("shutdown")
	}

	return &GracefulShutdown{
		timeout: timeout,
		logger:  logger,
	}
}

// Register registers a shutdown function
func (g *GracefulShutdown) Register(name string, fn func() error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.shutdownFn = append(g.shutdownFn, namedShutdown{name: name, fn: fn})
}

// Shutdown executes all registered shutdown functions, last registered first.
// Steps run sequentially since later subsystems depend on earlier ones.
func (g *GracefulShutdown) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	steps := make([]namedShutdown, len(g.shutdownFn))
	copy(steps, g.shutdownFn)
	g.mu.Unlock()

	g.logger.Info("Starting graceful shutdown", Int("components", len(steps)))

	shutdownCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		var firstErr error
		for i := len(steps) - 1; i >= 0; i-- {
			if err := steps[i].fn(); err != nil {
				g.logger.Error("Shutdown function failed",
					String("component", steps[i].name),
					Err(err),
				)
				if firstErr == nil {
					firstErr = WrapError(err, steps[i].name)
				}
			}
		}
		done <- firstErr
	}()

	select {
	case err := <-done:
		if err == nil {
			g.logger.Info("Graceful shutdown complete")
		}
		return err
	case <-shutdownCtx.Done():
		g.logger.Warn("Graceful shutdown timed out")
		return TimeoutError("shutdown")
	}
}
