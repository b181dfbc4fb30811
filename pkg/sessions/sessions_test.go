package sessions

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/burrowhq/burrow/pkg/errdefs"
	"github.com/burrowhq/burrow/pkg/metrics"
	"github.com/burrowhq/burrow/pkg/gitws"
	"github.com/burrowhq/burrow/pkg/registry"
	"github.com/burrowhq/burrow/pkg/supervisor"
	"github.com/burrowhq/burrow/pkg/types"
)

type fakeContainers struct {
	mu        sync.Mutex
	created   []supervisor.Spec
	roles     []types.ContainerRole
	stopped   []string
	restarted []string
	running   map[string]bool
	ports     map[string]int
	// restartPort, when set, simulates a preview coming back on a new port
	restartPort int
	createErr   error
	nextPort    int
}

func (f *fakeContainers) Create(ctx context.Context, spec supervisor.Spec, role types.ContainerRole) (*types.Container, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.created = append(f.created, spec)
	f.roles = append(f.roles, role)
	f.nextPort++
	name := types.ContainerName(spec.SiteName, role)
	if role == types.RolePreview {
		name = types.PreviewContainerName(spec.Branch, spec.SiteName)
	}
	if f.ports == nil {
		f.ports = map[string]int{}
	}
	f.ports[name] = 4000 + f.nextPort
	return &types.Container{
		Name:   name,
		Role:   role,
		Port:   f.ports[name],
		Status: types.ContainerStatusRunning,
	}, nil
}

func (f *fakeContainers) Stop(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, name)
	return nil
}

func (f *fakeContainers) Restart(ctx context.Context, name string) (*types.Container, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restarted = append(f.restarted, name)
	port := f.ports[name]
	if f.restartPort != 0 {
		port = f.restartPort
		f.ports[name] = port
	}
	return &types.Container{Name: name, Port: port, Status: types.ContainerStatusRunning}, nil
}

func (f *fakeContainers) IsRunning(ctx context.Context, name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running[name]
}

func (f *fakeContainers) WaitHealthy(ctx context.Context, name string) bool { return true }

type fakeRoutes struct {
	mu      sync.Mutex
	added   map[string]int
	flushed int
}

func (f *fakeRoutes) AddRoute(sessionID, site, branch string, port int) *types.DynamicRoute {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.added == nil {
		f.added = map[string]int{}
	}
	f.added[sessionID] = port
	return &types.DynamicRoute{SessionID: sessionID, TargetPort: port}
}

func (f *fakeRoutes) RemoveRoute(sessionID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.added[sessionID]
	delete(f.added, sessionID)
	return ok
}

func (f *fakeRoutes) CleanupExpired(maxAge time.Duration) int { return 0 }

func (f *fakeRoutes) Flush(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushed++
	return nil
}

func (f *fakeRoutes) has(sessionID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.added[sessionID]
	return ok
}

func (f *fakeRoutes) portOf(sessionID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.added[sessionID]
}

type fixture struct {
	manager    *Manager
	store      registry.Store
	containers *fakeContainers
	routes     *fakeRoutes
	siteDir    string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}

	store, err := registry.NewSQLiteStore(filepath.Join(t.TempDir(), "burrow.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	siteDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(siteDir, "index.html"), []byte("<h1>hi</h1>"), 0o644))

	containers := &fakeContainers{}
	routes := &fakeRoutes{}
	manager := NewManager(Config{
		Domain:             "example.test",
		SessionTTL:         time.Hour,
		MaxSessionsPerUser: 10,
		SweepInterval:      time.Minute,
	}, store, gitws.NewWorkspace(), containers, routes)

	return &fixture{manager: manager, store: store, containers: containers, routes: routes, siteDir: siteDir}
}

func (fx *fixture) addSite(t *testing.T, name string) *types.Site {
	t.Helper()
	dir := fx.siteDir
	if name != "blog" {
		dir = t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("x"), 0o644))
	}
	site := &types.Site{
		ID:         uuid.NewString(),
		Name:       name,
		Path:       dir,
		OwnerID:    "1",
		Visibility: types.VisibilityPublic,
		Status:     types.SiteStatusStopped,
		CreatedAt:  time.Now().UTC(),
	}
	require.NoError(t, fx.store.CreateSite(site))
	return site
}

func TestStartSession(t *testing.T) {
	fx := newFixture(t)
	fx.addSite(t, "blog")
	ctx := context.Background()

	session, err := fx.manager.Start(ctx, "1", "blog")
	require.NoError(t, err)

	assert.Equal(t, types.SessionStatusActive, session.Status)
	assert.Contains(t, session.BranchName, "edit-")
	assert.Equal(t, fmt.Sprintf("https://%s-blog.example.test", session.BranchName), session.PreviewURL)
	assert.NotZero(t, session.PreviewPort)
	assert.NotEmpty(t, session.BaseCommit)

	// Preview container was created on the branch checkout
	require.Len(t, fx.containers.created, 1)
	assert.Equal(t, session.BranchName, fx.containers.created[0].Branch)
	assert.Equal(t, types.RolePreview, fx.containers.roles[0])

	// And the dynamic route points at its port
	assert.True(t, fx.routes.has(session.ID))

	// The row is persisted with the container fields filled in
	stored, err := fx.store.GetSession(session.ID)
	require.NoError(t, err)
	assert.Equal(t, session.ContainerName, stored.ContainerName)
}

func TestStartSecondSessionSameSiteConflicts(t *testing.T) {
	fx := newFixture(t)
	fx.addSite(t, "blog")
	ctx := context.Background()

	_, err := fx.manager.Start(ctx, "1", "blog")
	require.NoError(t, err)

	_, err = fx.manager.Start(ctx, "1", "blog")
	assert.True(t, errdefs.IsKind(err, errdefs.KindConflict), "got %v", err)
}

func TestStartUnknownSite(t *testing.T) {
	fx := newFixture(t)
	_, err := fx.manager.Start(context.Background(), "1", "nope")
	assert.True(t, errdefs.IsKind(err, errdefs.KindNotFound), "got %v", err)
}

func TestStartEnforcesUserCap(t *testing.T) {
	fx := newFixture(t)
	fx.manager.cfg.MaxSessionsPerUser = 1
	fx.addSite(t, "blog")
	fx.addSite(t, "shop")
	ctx := context.Background()

	first, err := fx.manager.Start(ctx, "1", "blog")
	require.NoError(t, err)

	second, err := fx.manager.Start(ctx, "1", "shop")
	require.NoError(t, err)

	// The oldest session was force-cleaned to make room
	_, err = fx.store.GetSession(first.ID)
	assert.True(t, errdefs.IsKind(err, errdefs.KindNotFound))
	assert.False(t, fx.routes.has(first.ID))
	assert.Contains(t, fx.containers.stopped, first.ContainerName)

	_, err = fx.store.GetSession(second.ID)
	assert.NoError(t, err)
}

func TestStartPreviewFailureMarksFailed(t *testing.T) {
	fx := newFixture(t)
	fx.addSite(t, "blog")
	fx.containers.createErr = errdefs.New(errdefs.KindBuild, "test", "boom")
	ctx := context.Background()

	_, err := fx.manager.Start(ctx, "1", "blog")
	require.Error(t, err)

	sessions, err := fx.store.ListSessions()
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, types.SessionStatusFailed, sessions[0].Status)
}

func TestCancelFailedStartKeepsGauge(t *testing.T) {
	fx := newFixture(t)
	fx.addSite(t, "blog")
	fx.containers.createErr = errdefs.New(errdefs.KindBuild, "test", "boom")
	ctx := context.Background()

	_, err := fx.manager.Start(ctx, "1", "blog")
	require.Error(t, err)

	sessions, err := fx.store.ListSessions()
	require.NoError(t, err)
	require.Len(t, sessions, 1)

	// The failed start never incremented the gauge, so its cleanup must not
	// decrement it either
	before := testutil.ToFloat64(metrics.SessionsActive)
	require.NoError(t, fx.manager.Cancel(ctx, sessions[0].ID))
	assert.Equal(t, before, testutil.ToFloat64(metrics.SessionsActive))
}

func TestCommitRecordsAuditRow(t *testing.T) {
	fx := newFixture(t)
	fx.addSite(t, "blog")
	ctx := context.Background()

	session, err := fx.manager.Start(ctx, "1", "blog")
	require.NoError(t, err)

	// Clean tree commits are a no-op
	hash, err := fx.manager.Commit(ctx, session.ID, "")
	require.NoError(t, err)
	assert.Empty(t, hash)

	require.NoError(t, os.WriteFile(filepath.Join(fx.siteDir, "about.html"), []byte("new"), 0o644))
	hash, err = fx.manager.Commit(ctx, session.ID, "add about page")
	require.NoError(t, err)
	require.NotEmpty(t, hash)

	stored, err := fx.store.GetSession(session.ID)
	require.NoError(t, err)
	assert.Equal(t, hash, stored.CurrentCommit)
	assert.Equal(t, 1, stored.CommitsCount)

	commits, err := fx.store.ListBranchCommits(session.ID)
	require.NoError(t, err)
	require.Len(t, commits, 1)
	assert.Equal(t, hash, commits[0].CommitHash)
	assert.Equal(t, "add about page", commits[0].Message)
}

func TestDeployMergesAndCleansUp(t *testing.T) {
	fx := newFixture(t)
	fx.addSite(t, "blog")
	ctx := context.Background()

	session, err := fx.manager.Start(ctx, "1", "blog")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(fx.siteDir, "about.html"), []byte("new"), 0o644))
	_, err = fx.manager.Commit(ctx, session.ID, "add about page")
	require.NoError(t, err)

	require.NoError(t, fx.manager.Deploy(ctx, session.ID))

	// Production container was created from the site root
	require.Len(t, fx.containers.roles, 2)
	assert.Equal(t, types.RoleProduction, fx.containers.roles[1])
	assert.Empty(t, fx.containers.created[1].Branch)

	// Session is gone, route removed, preview stopped
	_, err = fx.store.GetSession(session.ID)
	assert.True(t, errdefs.IsKind(err, errdefs.KindNotFound))
	assert.False(t, fx.routes.has(session.ID))
	assert.Contains(t, fx.containers.stopped, session.ContainerName)

	// Site registry reflects the deploy
	site, err := fx.store.GetSiteByName("blog")
	require.NoError(t, err)
	assert.Equal(t, types.SiteStatusRunning, site.Status)
	require.NotNil(t, site.LastDeployedAt)

	// The merged file is on main
	_, err = os.Stat(filepath.Join(fx.siteDir, "about.html"))
	assert.NoError(t, err)
}

func TestDeployMergeConflictKeepsBranch(t *testing.T) {
	fx := newFixture(t)
	fx.addSite(t, "blog")
	ctx := context.Background()
	git := gitws.NewWorkspace()

	session, err := fx.manager.Start(ctx, "1", "blog")
	require.NoError(t, err)

	// Commit a change on the branch
	require.NoError(t, os.WriteFile(filepath.Join(fx.siteDir, "index.html"), []byte("branch version"), 0o644))
	_, err = fx.manager.Commit(ctx, session.ID, "branch edit")
	require.NoError(t, err)

	// And a conflicting change directly on main
	require.NoError(t, git.Checkout(ctx, fx.siteDir, "main"))
	require.NoError(t, os.WriteFile(filepath.Join(fx.siteDir, "index.html"), []byte("main version"), 0o644))
	_, err = git.Commit(ctx, fx.siteDir, "main edit")
	require.NoError(t, err)

	err = fx.manager.Deploy(ctx, session.ID)
	require.Error(t, err)

	stored, err := fx.store.GetSession(session.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SessionStatusFailed, stored.Status)

	// The branch survives for retry
	branches, err := git.ListBranches(ctx, fx.siteDir)
	require.NoError(t, err)
	assert.Contains(t, branches, session.BranchName)
}

func TestCancelDiscardsBranch(t *testing.T) {
	fx := newFixture(t)
	fx.addSite(t, "blog")
	ctx := context.Background()
	git := gitws.NewWorkspace()

	session, err := fx.manager.Start(ctx, "1", "blog")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(fx.siteDir, "draft.html"), []byte("x"), 0o644))
	_, err = fx.manager.Commit(ctx, session.ID, "draft")
	require.NoError(t, err)

	require.NoError(t, fx.manager.Cancel(ctx, session.ID))

	_, err = fx.store.GetSession(session.ID)
	assert.True(t, errdefs.IsKind(err, errdefs.KindNotFound))

	branches, err := git.ListBranches(ctx, fx.siteDir)
	require.NoError(t, err)
	assert.NotContains(t, branches, session.BranchName)

	// The unmerged draft never reached main
	_, err = os.Stat(filepath.Join(fx.siteDir, "draft.html"))
	assert.True(t, os.IsNotExist(err))
}

func TestSweepCleansExpiredSessions(t *testing.T) {
	fx := newFixture(t)
	fx.addSite(t, "blog")
	ctx := context.Background()

	session, err := fx.manager.Start(ctx, "1", "blog")
	require.NoError(t, err)

	// Age the session past its expiry
	stored, err := fx.store.GetSession(session.ID)
	require.NoError(t, err)
	stored.ExpiresAt = time.Now().UTC().Add(-time.Minute)
	require.NoError(t, fx.store.UpdateSession(stored))

	cleaned := fx.manager.Sweep(ctx)
	assert.Equal(t, 1, cleaned)

	_, err = fx.store.GetSession(session.ID)
	assert.True(t, errdefs.IsKind(err, errdefs.KindNotFound))
}

func TestSweepRecalculatesSiteGauge(t *testing.T) {
	fx := newFixture(t)
	fx.addSite(t, "blog")
	fx.addSite(t, "shop")

	fx.manager.Sweep(context.Background())

	stopped := testutil.ToFloat64(metrics.SitesTotal.WithLabelValues(string(types.SiteStatusStopped)))
	assert.Equal(t, float64(2), stopped)
}

func TestRecoverReaddsRoutesAndCleansOrphans(t *testing.T) {
	fx := newFixture(t)
	fx.addSite(t, "blog")
	fx.addSite(t, "shop")
	ctx := context.Background()

	alive, err := fx.manager.Start(ctx, "1", "blog")
	require.NoError(t, err)
	orphan, err := fx.manager.Start(ctx, "2", "shop")
	require.NoError(t, err)

	// Simulate a restart: the route table is empty and only one preview
	// container survived
	fx.routes.mu.Lock()
	fx.routes.added = map[string]int{}
	fx.routes.mu.Unlock()
	fx.containers.mu.Lock()
	fx.containers.running = map[string]bool{alive.ContainerName: true}
	fx.containers.mu.Unlock()

	recovered, err := fx.manager.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	assert.True(t, fx.routes.has(alive.ID))
	assert.False(t, fx.routes.has(orphan.ID))

	_, err = fx.store.GetSession(alive.ID)
	assert.NoError(t, err)
	_, err = fx.store.GetSession(orphan.ID)
	assert.True(t, errdefs.IsKind(err, errdefs.KindNotFound))
}

func TestRecoverResetsMidDeploySessions(t *testing.T) {
	fx := newFixture(t)
	fx.addSite(t, "blog")
	ctx := context.Background()

	session, err := fx.manager.Start(ctx, "1", "blog")
	require.NoError(t, err)

	// Simulate a crash mid-deploy
	stored, err := fx.store.GetSession(session.ID)
	require.NoError(t, err)
	stored.Status = types.SessionStatusDeploying
	require.NoError(t, fx.store.UpdateSession(stored))

	recovered, err := fx.manager.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, recovered)

	after, err := fx.store.GetSession(session.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SessionStatusFailed, after.Status)
	assert.False(t, fx.routes.has(session.ID))
	assert.Contains(t, fx.containers.stopped, session.ContainerName)
}

func TestUpdateActivityPostponesExpiry(t *testing.T) {
	fx := newFixture(t)
	fx.addSite(t, "blog")
	ctx := context.Background()

	session, err := fx.manager.Start(ctx, "1", "blog")
	require.NoError(t, err)

	before, err := fx.store.GetSession(session.ID)
	require.NoError(t, err)

	fx.manager.nowFn = func() time.Time { return time.Now().Add(30 * time.Minute) }
	require.NoError(t, fx.manager.UpdateActivity(ctx, session.ID))

	after, err := fx.store.GetSession(session.ID)
	require.NoError(t, err)
	assert.True(t, after.ExpiresAt.After(before.ExpiresAt))
	assert.True(t, after.LastActivity.After(before.LastActivity))
}

func TestHandleFileSavedRestartsWithoutWatcher(t *testing.T) {
	fx := newFixture(t)
	fx.addSite(t, "blog") // no package.json, so no file watching
	ctx := context.Background()

	session, err := fx.manager.Start(ctx, "1", "blog")
	require.NoError(t, err)

	require.NoError(t, fx.manager.HandleFileSaved(ctx, session.ID, "index.html"))
	assert.Contains(t, fx.containers.restarted, session.ContainerName)
}

func TestHandleFileSavedFollowsPortChange(t *testing.T) {
	fx := newFixture(t)
	fx.addSite(t, "blog")
	ctx := context.Background()

	session, err := fx.manager.Start(ctx, "1", "blog")
	require.NoError(t, err)

	// The restarted preview comes back on a different host port; the route
	// and the session row must track it or the subdomain proxies elsewhere
	fx.containers.mu.Lock()
	fx.containers.restartPort = 9999
	fx.containers.mu.Unlock()

	require.NoError(t, fx.manager.HandleFileSaved(ctx, session.ID, "index.html"))

	assert.Equal(t, 9999, fx.routes.portOf(session.ID))
	stored, err := fx.store.GetSession(session.ID)
	require.NoError(t, err)
	assert.Equal(t, 9999, stored.PreviewPort)
}

func TestHandleFileSavedSkipsRestartWhenWatching(t *testing.T) {
	fx := newFixture(t)
	fx.addSite(t, "blog")
	manifest := `{"scripts": {"dev": "vite"}, "devDependencies": {"vite": "^5.0.0"}}`
	require.NoError(t, os.WriteFile(filepath.Join(fx.siteDir, "package.json"), []byte(manifest), 0o644))
	ctx := context.Background()

	session, err := fx.manager.Start(ctx, "1", "blog")
	require.NoError(t, err)

	// A source save hot-reloads through the mounted tree
	require.NoError(t, fx.manager.HandleFileSaved(ctx, session.ID, "src/App.jsx"))
	assert.Empty(t, fx.containers.restarted)

	// A manifest save always restarts
	require.NoError(t, fx.manager.HandleFileSaved(ctx, session.ID, "package.json"))
	assert.Contains(t, fx.containers.restarted, session.ContainerName)
}
