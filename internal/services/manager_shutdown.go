package services

import (
	"context"
	"log/slog"
)

// Shutdown stops the leader runners, waits for background tasks and closes
// the shared connections. Runners stop first so leadership is resigned
// while the stores are still reachable.
func (m *Manager) Shutdown(ctx context.Context) {
	for _, r := range m.runners {
		r.Stop()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		slog.Warn("Timeout waiting for background tasks")
	}

	if m.apiServer != nil {
		m.apiServer.Close()
	}
	if m.dir != nil {
		if err := m.dir.Close(ctx); err != nil {
			slog.Warn("Error closing subscription directory", "error", err)
		}
	}
	if m.coord != nil {
		if err := m.coord.Close(); err != nil {
			slog.Warn("Error closing coordination", "error", err)
		}
	}
	if m.store != nil {
		if err := m.store.Close(); err != nil {
			slog.Warn("Error closing event store", "error", err)
		}
	}
	if m.rl != nil {
		_ = m.rl.Close()
	}
}
