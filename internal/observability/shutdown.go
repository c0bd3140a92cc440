package observability

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ShutdownCoordinator manages LIFO-ordered shutdown handlers.
type ShutdownCoordinator struct {
	mu       sync.Mutex
	handlers []namedHandler
}

type namedHandler struct {
	name string
	fn   func(context.Context) error
}

// Register adds a shutdown handler. Handlers run in LIFO order.
func (s *ShutdownCoordinator) Register(name string, fn func(context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, namedHandler{name: name, fn: fn})
}

// Shutdown runs all registered handlers in reverse order, logging how long
// each one took so a slow drain (a dispatcher waiting out its context
// deadline, an OTLP exporter flush) is visible in the shutdown log rather
// than folded into one opaque total.
func (s *ShutdownCoordinator) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	handlers := make([]namedHandler, len(s.handlers))
	copy(handlers, s.handlers)
	s.mu.Unlock()

	var errs []error
	for i := len(handlers) - 1; i >= 0; i-- {
		h := handlers[i]
		slog.Info("shutting down", "component", h.name)
		start := time.Now()
		err := h.fn(ctx)
		elapsed := time.Since(start)
		if err != nil {
			slog.Error("shutdown error", "component", h.name, "error", err, "duration", elapsed)
			errs = append(errs, fmt.Errorf("%s: %w", h.name, err))
			continue
		}
		slog.Info("shut down", "component", h.name, "duration", elapsed)
	}
	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}
