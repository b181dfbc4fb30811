package sessions

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/burrowhq/burrow/pkg/buildplan"
	"github.com/burrowhq/burrow/pkg/errdefs"
	"github.com/burrowhq/burrow/pkg/gitws"
	"github.com/burrowhq/burrow/pkg/log"
	"github.com/burrowhq/burrow/pkg/metrics"
	"github.com/burrowhq/burrow/pkg/registry"
	"github.com/burrowhq/burrow/pkg/supervisor"
	"github.com/burrowhq/burrow/pkg/types"
)

// ContainerService is the slice of the supervisor the session manager needs
type ContainerService interface {
	Create(ctx context.Context, spec supervisor.Spec, role types.ContainerRole) (*types.Container, error)
	Stop(ctx context.Context, name string) error
	Restart(ctx context.Context, name string) (*types.Container, error)
	IsRunning(ctx context.Context, name string) bool
	WaitHealthy(ctx context.Context, name string) bool
}

// RouteService is the slice of the proxy orchestrator the session manager needs
type RouteService interface {
	AddRoute(sessionID, site, branch string, port int) *types.DynamicRoute
	RemoveRoute(sessionID string) bool
	CleanupExpired(maxAge time.Duration) int
	Flush(ctx context.Context) error
}

// Config carries the session manager's tunables
type Config struct {
	Domain             string
	SessionTTL         time.Duration
	MaxSessionsPerUser int
	SweepInterval      time.Duration
}

// Manager drives the editing-session state machine:
//
//	none -> active -> (save*) -> deploying -> gone
//	              \-> inactive -> gone
//	              \-> failed (branch kept for retry)
//
// Transitions for one session serialize on its ID; different sessions
// progress in parallel.
type Manager struct {
	cfg        Config
	store      registry.Store
	git        *gitws.Workspace
	containers ContainerService
	routes     RouteService
	logger     zerolog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	stopCh chan struct{}
	wg     sync.WaitGroup

	nowFn func() time.Time
}

// NewManager wires the session manager to its collaborators
func NewManager(cfg Config, store registry.Store, git *gitws.Workspace, containers ContainerService, routes RouteService) *Manager {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Minute
	}
	return &Manager{
		cfg:        cfg,
		store:      store,
		git:        git,
		containers: containers,
		routes:     routes,
		logger:     log.WithComponent("sessions"),
		locks:      make(map[string]*sync.Mutex),
		stopCh:     make(chan struct{}),
		nowFn:      time.Now,
	}
}

func (m *Manager) lockFor(id string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	return l
}

func (m *Manager) dropLock(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locks, id)
}

// Start opens an editing session for (user, site): the per-user cap is
// enforced first, then a branch, a session row, a preview container and a
// dynamic route are created in that order. A second active session for the
// same pair is a conflict.
func (m *Manager) Start(ctx context.Context, userID, siteName string) (*types.EditingSession, error) {
	site, err := m.store.GetSiteByName(siteName)
	if err != nil {
		return nil, err
	}

	if err := m.enforceUserCap(ctx, userID); err != nil {
		return nil, err
	}

	if !m.git.IsRepo(ctx, site.Path) {
		if err := m.git.Initialize(ctx, site.Path); err != nil {
			return nil, err
		}
	}

	branch, err := m.git.CreateEditBranch(ctx, site.Path, "edit")
	if err != nil {
		return nil, err
	}

	base, err := m.git.Head(ctx, site.Path)
	if err != nil {
		m.logger.Warn().Err(err).Str("site", siteName).Msg("could not read base commit")
	}

	now := m.nowFn().UTC()
	session := &types.EditingSession{
		ID:           uuid.NewString(),
		UserID:       userID,
		SiteName:     siteName,
		BranchName:   branch,
		Status:       types.SessionStatusActive,
		Mode:         types.SessionModeEdit,
		BaseCommit:   base,
		CreatedAt:    now,
		LastActivity: now,
		ExpiresAt:    now.Add(m.cfg.SessionTTL),
		AutoCleanup:  true,
	}
	if err := m.store.CreateSession(session); err != nil {
		// The branch was speculative; put the tree back on main
		if derr := m.git.DeleteBranch(ctx, site.Path, branch, true); derr != nil {
			m.logger.Warn().Err(derr).Str("branch", branch).Msg("orphan branch cleanup failed")
		}
		return nil, err
	}

	container, err := m.containers.Create(ctx, supervisor.Spec{
		SiteName: siteName,
		Path:     site.Path,
		Branch:   branch,
		Env:      site.Env,
	}, types.RolePreview)
	if err != nil {
		m.failStart(ctx, session, site.Path)
		return nil, err
	}

	session.ContainerName = container.Name
	session.PreviewPort = container.Port
	session.PreviewURL = fmt.Sprintf("https://%s-%s.%s", branch, siteName, m.cfg.Domain)
	m.routes.AddRoute(session.ID, siteName, branch, container.Port)

	if err := m.store.UpdateSession(session); err != nil {
		m.failStart(ctx, session, site.Path)
		return nil, err
	}

	if !m.containers.WaitHealthy(ctx, container.Name) {
		m.logger.Warn().Str("session_id", session.ID).Msg("preview did not answer within budget")
	}

	metrics.SessionsStarted.Inc()
	metrics.SessionsActive.Inc()
	m.logger.Info().
		Str("session_id", session.ID).
		Str("user_id", userID).
		Str("site", siteName).
		Str("branch", branch).
		Str("preview_url", session.PreviewURL).
		Msg("session started")
	return session, nil
}

// failStart marks a half-started session failed and releases the resources
// it managed to acquire. The branch and the row stay so the failure is
// inspectable and the user can cancel explicitly.
func (m *Manager) failStart(ctx context.Context, session *types.EditingSession, sitePath string) {
	session.Status = types.SessionStatusFailed
	if err := m.store.UpdateSession(session); err != nil {
		m.logger.Warn().Err(err).Str("session_id", session.ID).Msg("could not mark session failed")
	}
	m.routes.RemoveRoute(session.ID)
	if session.ContainerName != "" {
		if err := m.containers.Stop(ctx, session.ContainerName); err != nil {
			m.logger.Warn().Err(err).Str("session_id", session.ID).Msg("preview teardown failed")
		}
	}
	if err := m.git.Checkout(ctx, sitePath, "main"); err != nil {
		m.logger.Warn().Err(err).Str("session_id", session.ID).Msg("checkout main after failure failed")
	}
}

// enforceUserCap force-cleans the least recently active session when the
// user is at the cap
func (m *Manager) enforceUserCap(ctx context.Context, userID string) error {
	active, err := m.store.ListActiveSessionsByUser(userID)
	if err != nil {
		return err
	}
	if len(active) < m.cfg.MaxSessionsPerUser {
		return nil
	}

	oldest := active[0]
	for _, s := range active[1:] {
		if s.LastActivity.Before(oldest.LastActivity) {
			oldest = s
		}
	}
	m.logger.Info().
		Str("user_id", userID).
		Str("session_id", oldest.ID).
		Msg("session cap reached, cleaning oldest")
	return m.Cleanup(ctx, oldest.ID, "cap")
}

// Commit records the session's current working tree as a commit on its
// branch. A clean tree is a no-op returning "".
func (m *Manager) Commit(ctx context.Context, sessionID, message string) (string, error) {
	lock := m.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	session, err := m.store.GetSession(sessionID)
	if err != nil {
		return "", err
	}
	if session.Status != types.SessionStatusActive {
		return "", errdefs.New(errdefs.KindConflict, "sessions.Commit",
			"session %s is %s, not active", sessionID, session.Status)
	}
	site, err := m.store.GetSiteByName(session.SiteName)
	if err != nil {
		return "", err
	}

	if err := m.git.Checkout(ctx, site.Path, session.BranchName); err != nil {
		return "", err
	}
	hash, err := m.git.Commit(ctx, site.Path, message)
	if err != nil {
		return "", err
	}
	if hash == "" {
		return "", nil
	}

	now := m.nowFn().UTC()
	session.CurrentCommit = hash
	session.CommitsCount++
	session.LastActivity = now
	if err := m.store.UpdateSession(session); err != nil {
		return hash, err
	}
	if err := m.store.AppendBranchCommit(&types.BranchCommit{
		SessionID:  sessionID,
		SiteName:   session.SiteName,
		Branch:     session.BranchName,
		CommitHash: hash,
		Message:    message,
		Author:     session.UserID,
		CreatedAt:  now,
	}); err != nil {
		m.logger.Warn().Err(err).Str("session_id", sessionID).Msg("audit row append failed")
	}

	m.logger.Info().
		Str("session_id", sessionID).
		Str("commit", hash).
		Msg("session commit recorded")
	return hash, nil
}

// Deploy merges the session branch to main, rebuilds the production
// container and tears the session down. A failed merge leaves the session
// in failed with its branch intact so the user can retry.
func (m *Manager) Deploy(ctx context.Context, sessionID string) error {
	lock := m.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	session, err := m.store.GetSession(sessionID)
	if err != nil {
		return err
	}
	if session.Status != types.SessionStatusActive && session.Status != types.SessionStatusFailed {
		return errdefs.New(errdefs.KindConflict, "sessions.Deploy",
			"session %s is %s, cannot deploy", sessionID, session.Status)
	}
	site, err := m.store.GetSiteByName(session.SiteName)
	if err != nil {
		return err
	}

	session.Status = types.SessionStatusDeploying
	if err := m.store.UpdateSession(session); err != nil {
		return err
	}

	if err := m.git.MergeToMain(ctx, site.Path, session.BranchName); err != nil {
		session.Status = types.SessionStatusFailed
		if uerr := m.store.UpdateSession(session); uerr != nil {
			m.logger.Warn().Err(uerr).Str("session_id", sessionID).Msg("could not mark session failed")
		}
		return err
	}

	site.Status = types.SiteStatusBuilding
	if err := m.store.UpdateSite(site); err != nil {
		m.logger.Warn().Err(err).Str("site", site.Name).Msg("site status update failed")
	}

	container, err := m.containers.Create(ctx, supervisor.Spec{
		SiteName: site.Name,
		Path:     site.Path,
		Env:      site.Env,
	}, types.RoleProduction)
	if err != nil {
		site.Status = types.SiteStatusFailed
		if uerr := m.store.UpdateSite(site); uerr != nil {
			m.logger.Warn().Err(uerr).Str("site", site.Name).Msg("site status update failed")
		}
		// The merge already happened; the session is done either way
		m.cleanupLocked(ctx, session, "deployed")
		return err
	}

	now := m.nowFn().UTC()
	site.Status = types.SiteStatusRunning
	site.ContainerID = container.ID
	site.Port = container.Port
	site.LastDeployedAt = &now
	if err := m.store.UpdateSite(site); err != nil {
		m.logger.Warn().Err(err).Str("site", site.Name).Msg("site status update failed")
	}

	m.cleanupLocked(ctx, session, "deployed")

	// The route set changed; make it live before the caller returns a URL
	if err := m.routes.Flush(ctx); err != nil {
		m.logger.Warn().Err(err).Msg("route flush after deploy failed")
	}

	m.logger.Info().
		Str("session_id", sessionID).
		Str("site", site.Name).
		Msg("session deployed")
	return nil
}

// Cancel abandons a session: the branch and its commits are discarded
func (m *Manager) Cancel(ctx context.Context, sessionID string) error {
	lock := m.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	session, err := m.store.GetSession(sessionID)
	if err != nil {
		return err
	}
	// Failed sessions stay failed through cleanup; they were never counted
	// as active
	if session.Status == types.SessionStatusActive {
		session.Status = types.SessionStatusInactive
		if err := m.store.UpdateSession(session); err != nil {
			return err
		}
	}
	m.cleanupLocked(ctx, session, "cancelled")
	return nil
}

// Cleanup releases everything a session holds: route, preview container,
// branch, row. Each step is best-effort; later steps run even when earlier
// ones fail.
func (m *Manager) Cleanup(ctx context.Context, sessionID, reason string) error {
	lock := m.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	session, err := m.store.GetSession(sessionID)
	if err != nil {
		return err
	}
	m.cleanupLocked(ctx, session, reason)
	return nil
}

func (m *Manager) cleanupLocked(ctx context.Context, session *types.EditingSession, reason string) {
	m.routes.RemoveRoute(session.ID)

	if session.ContainerName != "" {
		if err := m.containers.Stop(ctx, session.ContainerName); err != nil {
			m.logger.Warn().Err(err).Str("session_id", session.ID).Msg("preview stop failed")
		}
	}

	if site, err := m.store.GetSiteByName(session.SiteName); err == nil {
		// Unmerged abandoned branches need -D; a deployed branch was already
		// removed by the merge
		force := session.Status == types.SessionStatusInactive ||
			session.Status == types.SessionStatusFailed
		if err := m.git.Checkout(ctx, site.Path, "main"); err != nil {
			m.logger.Warn().Err(err).Str("session_id", session.ID).Msg("checkout main failed")
		}
		if err := m.git.DeleteBranch(ctx, site.Path, session.BranchName, force); err != nil {
			m.logger.Debug().Err(err).Str("branch", session.BranchName).Msg("branch delete skipped")
		}
	}

	if err := m.store.DeleteSession(session.ID); err != nil {
		m.logger.Warn().Err(err).Str("session_id", session.ID).Msg("session row delete failed")
	}

	m.dropLock(session.ID)
	// Failed sessions never incremented the gauge
	if session.Status != types.SessionStatusFailed {
		metrics.SessionsActive.Dec()
	}
	metrics.SessionsCleaned.WithLabelValues(reason).Inc()
	m.logger.Info().
		Str("session_id", session.ID).
		Str("reason", reason).
		Msg("session cleaned up")
}

// UpdateActivity bumps last_activity and pushes expiry out by the full TTL.
// Called on every successful file write.
func (m *Manager) UpdateActivity(ctx context.Context, sessionID string) error {
	lock := m.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	session, err := m.store.GetSession(sessionID)
	if err != nil {
		return err
	}
	now := m.nowFn().UTC()
	session.LastActivity = now
	session.ExpiresAt = now.Add(m.cfg.SessionTTL)
	return m.store.UpdateSession(session)
}

// HandleFileSaved applies the restart-on-save policy after a file write
// inside an active session. Sites whose dev server watches the mounted
// source need no action unless the package manifest itself changed; manifest
// changes and non-watching sites restart the preview container.
func (m *Manager) HandleFileSaved(ctx context.Context, sessionID, relPath string) error {
	if err := m.UpdateActivity(ctx, sessionID); err != nil {
		return err
	}

	lock := m.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	session, err := m.store.GetSession(sessionID)
	if err != nil {
		return err
	}
	if session.Status != types.SessionStatusActive || session.ContainerName == "" {
		return nil
	}
	site, err := m.store.GetSiteByName(session.SiteName)
	if err != nil {
		return err
	}

	manifestChanged := filepath.Base(relPath) == "package.json"
	if !manifestChanged && buildplan.HasFileWatching(site.Path) {
		return nil
	}

	m.logger.Info().
		Str("session_id", sessionID).
		Str("file", relPath).
		Bool("manifest", manifestChanged).
		Msg("restarting preview after save")
	restarted, err := m.containers.Restart(ctx, session.ContainerName)
	if err != nil {
		return err
	}

	// A restart cycles through stop and create, so the preview can come back
	// on a different host port; the route and the row must follow it
	if restarted.Port != session.PreviewPort {
		session.PreviewPort = restarted.Port
		m.routes.AddRoute(session.ID, session.SiteName, session.BranchName, restarted.Port)
		if err := m.store.UpdateSession(session); err != nil {
			m.logger.Warn().Err(err).Str("session_id", sessionID).Msg("preview port update failed")
		}
	}

	if !m.containers.WaitHealthy(ctx, session.ContainerName) {
		m.logger.Warn().Str("session_id", sessionID).Msg("preview did not answer after restart")
	}
	return nil
}
