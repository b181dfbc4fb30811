package sessions

import (
	"context"
	"time"

	"github.com/burrowhq/burrow/pkg/metrics"
	"github.com/burrowhq/burrow/pkg/types"
)

// StartSweeper launches the background expiry loop. It runs until Stop.
func (m *Manager) StartSweeper() {
	m.wg.Add(1)
	go m.sweepLoop()
	m.logger.Info().Dur("interval", m.cfg.SweepInterval).Msg("sweeper started")
}

// Stop terminates the sweeper and waits for an in-flight sweep to finish
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()
	m.logger.Info().Msg("sweeper stopped")
}

func (m *Manager) sweepLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.Sweep(context.Background())
		}
	}
}

// Recover rebuilds the session/container mapping after a restart. Sessions
// whose preview container survived get their proxy route re-added; sessions
// whose container is gone are cleaned up so stale branches and routes do not
// accumulate. Sessions caught mid-deploy are reset to failed. Failed sessions
// are left alone, their branch is kept for retry. Returns how many sessions
// came back.
func (m *Manager) Recover(ctx context.Context) (int, error) {
	all, err := m.store.ListSessions()
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, session := range all {
		switch session.Status {
		case types.SessionStatusActive:
		case types.SessionStatusDeploying:
			// A crash mid-deploy leaves a state only Deploy's own flow can
			// exit; reset to failed so the user can retry or cancel
			session.Status = types.SessionStatusFailed
			if err := m.store.UpdateSession(session); err != nil {
				m.logger.Warn().Err(err).Str("session_id", session.ID).Msg("deploy reset failed")
			}
			m.routes.RemoveRoute(session.ID)
			if session.ContainerName != "" {
				if err := m.containers.Stop(ctx, session.ContainerName); err != nil {
					m.logger.Warn().Err(err).Str("session_id", session.ID).Msg("preview stop failed")
				}
			}
			continue
		default:
			continue
		}

		if session.ContainerName != "" && m.containers.IsRunning(ctx, session.ContainerName) {
			m.routes.AddRoute(session.ID, session.SiteName, session.BranchName, session.PreviewPort)
			recovered++
			m.logger.Info().
				Str("session_id", session.ID).
				Str("container", session.ContainerName).
				Msg("session recovered")
			continue
		}

		if err := m.Cleanup(ctx, session.ID, "recovered"); err != nil {
			m.logger.Warn().Err(err).Str("session_id", session.ID).Msg("orphaned session cleanup failed")
		}
	}

	metrics.SessionsActive.Set(float64(recovered))
	return recovered, nil
}

// Sweep cleans up every expired auto-cleanup session and purges stale proxy
// routes. Returns how many sessions were cleaned.
func (m *Manager) Sweep(ctx context.Context) int {
	metrics.SweeperRuns.Inc()

	expired, err := m.store.ListExpiredSessions(m.nowFn().UTC())
	if err != nil {
		m.logger.Error().Err(err).Msg("expired session listing failed")
		return 0
	}

	cleaned := 0
	for _, session := range expired {
		if err := m.Cleanup(ctx, session.ID, "expired"); err != nil {
			m.logger.Warn().Err(err).Str("session_id", session.ID).Msg("expired session cleanup failed")
			continue
		}
		cleaned++
	}

	// Routes can outlive their sessions if a cleanup step failed earlier
	m.routes.CleanupExpired(2 * m.cfg.SessionTTL)

	// Recalibrate the gauge from the store; failed starts and partial
	// cleanups would otherwise drift it
	if all, err := m.store.ListSessions(); err == nil {
		active := 0
		for _, s := range all {
			if s.Status == types.SessionStatusActive {
				active++
			}
		}
		metrics.SessionsActive.Set(float64(active))
	}

	if sites, err := m.store.ListSites(); err == nil {
		counts := map[types.SiteStatus]int{}
		for _, s := range sites {
			counts[s.Status]++
		}
		metrics.SitesTotal.Reset()
		for status, n := range counts {
			metrics.SitesTotal.WithLabelValues(string(status)).Set(float64(n))
		}
	}

	if cleaned > 0 {
		m.logger.Info().Int("cleaned", cleaned).Msg("sweep finished")
	}
	return cleaned
}
