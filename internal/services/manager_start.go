package services

import (
	"context"
	"log/slog"
)

// Start launches the leader runners and the API server. Background tasks
// stop when bgCtx is canceled; the runners are stopped by Shutdown.
func (m *Manager) Start(bgCtx context.Context) {
	for _, r := range m.runners {
		r.Start()
	}

	if m.apiServer != nil {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			if err := m.apiServer.Run(bgCtx); err != nil {
				slog.Error("API server stopped", "error", err)
			}
		}()
	}
}
