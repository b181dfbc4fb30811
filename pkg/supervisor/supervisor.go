package supervisor

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/burrowhq/burrow/pkg/buildplan"
	"github.com/burrowhq/burrow/pkg/errdefs"
	"github.com/burrowhq/burrow/pkg/health"
	"github.com/burrowhq/burrow/pkg/log"
	"github.com/burrowhq/burrow/pkg/metrics"
	"github.com/burrowhq/burrow/pkg/ports"
	"github.com/burrowhq/burrow/pkg/types"
)

const (
	// planBuildTimeout bounds the external image build; cold installs of a
	// large dependency tree can legitimately take minutes
	planBuildTimeout = 10 * time.Minute

	// healthBudget is the total time a fresh container gets to answer HTTP
	healthBudget = 30 * time.Second

	// healthInterval is the pause between liveness probes
	healthInterval = 500 * time.Millisecond
)

// Spec describes what to run for one container
type Spec struct {
	SiteName string
	Path     string
	// Branch is set for preview containers; it prefixes the container name
	Branch string
	Env    map[string]string
}

// Supervisor owns the container lifecycle for all sites: strategy selection,
// image builds, starts, stops and runtime discovery. Operations on the same
// container name are serialized; different names proceed concurrently.
type Supervisor struct {
	docker   *dockerClient
	resolver *buildplan.Resolver
	ports    *ports.Allocator
	logger   zerolog.Logger

	mu     sync.Mutex
	locks  map[string]*sync.Mutex
	table  map[string]*types.Container
	specs  map[string]Spec
	basics map[string]*basicProcess
}

// New connects to the container runtime and returns a supervisor. It fails
// when the runtime is unreachable.
func New(resolver *buildplan.Resolver, alloc *ports.Allocator) (*Supervisor, error) {
	docker, err := newDockerClient()
	if err != nil {
		return nil, err
	}
	return &Supervisor{
		docker:   docker,
		resolver: resolver,
		ports:    alloc,
		logger:   log.WithComponent("supervisor"),
		locks:    make(map[string]*sync.Mutex),
		table:    make(map[string]*types.Container),
		specs:    make(map[string]Spec),
		basics:   make(map[string]*basicProcess),
	}, nil
}

// Close releases the runtime connection. Running containers are left alone;
// they survive control plane restarts and Discover picks them back up.
func (s *Supervisor) Close() error {
	return s.docker.Close()
}

// lockFor returns the per-name mutex, creating it on first use
func (s *Supervisor) lockFor(name string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[name]
	if !ok {
		l = &sync.Mutex{}
		s.locks[name] = l
	}
	return l
}

// containerNameFor derives the canonical name for a spec and role
func containerNameFor(spec Spec, role types.ContainerRole) string {
	if role == types.RolePreview && spec.Branch != "" {
		return types.PreviewContainerName(spec.Branch, spec.SiteName)
	}
	return types.ContainerName(spec.SiteName, role)
}

// Create builds and starts a container for the site. Strategy selection:
// a site-owned Dockerfile wins, then a plan-tool image build, then the basic
// fallback (inline static server or the site's own start command). A failed
// plan resolution degrades to basic; a failed plan build is surfaced.
func (s *Supervisor) Create(ctx context.Context, spec Spec, role types.ContainerRole) (*types.Container, error) {
	name := containerNameFor(spec, role)
	lock := s.lockFor(name)
	lock.Lock()
	defer lock.Unlock()

	port, err := s.ports.Allocate(name, role)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindRuntime, "supervisor.Create", err)
	}

	plan, err := s.resolver.Resolve(ctx, spec.Path)
	if err != nil {
		s.ports.Release(name)
		return nil, err
	}
	strategy := selectStrategy(plan, s.resolver.PlanToolAvailable())

	c := &types.Container{
		Name:      name,
		SitePath:  spec.Path,
		Role:      role,
		Port:      port,
		Status:    types.ContainerStatusBuilding,
		Strategy:  strategy,
		CreatedAt: time.Now().UTC(),
	}
	s.put(c)
	s.setSpec(name, spec)

	s.logger.Info().
		Str("container", name).
		Str("strategy", string(strategy)).
		Int("port", port).
		Msg("creating container")

	// A stale container under the same name blocks the create; clear it
	_ = s.docker.stopAndRemove(ctx, name)
	if old := s.takeBasic(name); old != nil {
		_ = old.stop(ctx)
	}

	timer := metrics.NewTimer()
	if err := s.start(ctx, c, spec, plan); err != nil {
		metrics.BuildsTotal.WithLabelValues(string(strategy), "failure").Inc()
		c.Status = types.ContainerStatusFailed
		s.put(c)
		s.ports.Release(name)
		return nil, err
	}
	metrics.BuildsTotal.WithLabelValues(string(c.Strategy), "success").Inc()
	timer.ObserveDurationVec(metrics.BuildDuration, string(c.Strategy))

	c.Status = types.ContainerStatusRunning
	s.put(c)
	metrics.ContainersRunning.WithLabelValues(string(role)).Inc()

	s.logger.Info().
		Str("container", name).
		Str("strategy", string(c.Strategy)).
		Msg("container running")
	return c, nil
}

// start runs the build and run phases for the selected strategy. It may
// rewrite c.Strategy when plan resolution degrades to basic.
func (s *Supervisor) start(ctx context.Context, c *types.Container, spec Spec, plan *types.BuildPlan) error {
	switch c.Strategy {
	case types.StrategyDocker:
		c.ImageTag = types.ImageTag(c.Name)
		if err := s.docker.buildImage(ctx, spec.Path, c.ImageTag); err != nil {
			return err
		}
		return s.runImage(ctx, c, spec)

	case types.StrategyPlan:
		c.ImageTag = types.ImageTag(c.Name)
		if err := s.planBuild(ctx, spec, c.ImageTag); err != nil {
			return err
		}
		return s.runImage(ctx, c, spec)

	default:
		return s.startBasic(ctx, c, spec, plan)
	}
}

// runImage starts a container from an already-built image
func (s *Supervisor) runImage(ctx context.Context, c *types.Container, spec Spec) error {
	opts := runOptions{
		name:     c.Name,
		image:    c.ImageTag,
		hostPort: c.Port,
		env:      containerEnv(spec, c.Role),
	}
	if c.Role == types.RolePreview {
		opts.mountSource = spec.Path
	}

	id, err := s.docker.runContainer(ctx, opts)
	if err != nil {
		return err
	}
	c.ID = id
	return s.docker.waitRunning(ctx, id, 10*time.Second)
}

// startBasic runs the site without a container. Dynamic sites spawn their
// declared start command; everything else gets the inline static server.
func (s *Supervisor) startBasic(ctx context.Context, c *types.Container, spec Spec, plan *types.BuildPlan) error {
	c.Strategy = types.StrategyBasic

	var (
		p   *basicProcess
		err error
	)
	if plan.SiteType == types.SiteTypeDynamic && plan.StartCmd != "" {
		p, err = startCommand(c.Name, c.Port, spec.Path, plan.StartCmd, envSlice(spec.Env))
	} else {
		p, err = startStatic(c.Name, c.Port, staticRoot(spec.Path))
	}
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.basics[c.Name] = p
	s.mu.Unlock()
	return nil
}

// Stop halts a container and frees its port. Idempotent: stopping a name
// that is not running is not an error. Preview records are dropped from the
// table; production records stay with status stopped.
func (s *Supervisor) Stop(ctx context.Context, name string) error {
	lock := s.lockFor(name)
	lock.Lock()
	defer lock.Unlock()

	c, ok := s.get(name)

	if p := s.takeBasic(name); p != nil {
		if err := p.stop(ctx); err != nil {
			return err
		}
	} else if err := s.docker.stopAndRemove(ctx, name); err != nil {
		return err
	}

	s.ports.Release(name)

	if ok {
		if c.Status == types.ContainerStatusRunning {
			metrics.ContainersRunning.WithLabelValues(string(c.Role)).Dec()
		}
		if c.Role == types.RolePreview {
			s.drop(name)
			if c.ImageTag != "" {
				s.docker.removeImage(ctx, c.ImageTag)
			}
		} else {
			c.Status = types.ContainerStatusStopped
			c.ID = ""
			s.put(c)
		}
	}

	s.logger.Info().Str("container", name).Msg("container stopped")
	return nil
}

// Restart rebuilds and restarts a container with its recorded spec. Sites
// whose working tree changed (a session save, a merged deploy) go through
// the full strategy selection again so a freshly added Dockerfile or
// manifest takes effect.
func (s *Supervisor) Restart(ctx context.Context, name string) (*types.Container, error) {
	s.mu.Lock()
	spec, ok := s.specs[name]
	var role types.ContainerRole
	if c, exists := s.table[name]; exists {
		role = c.Role
	}
	s.mu.Unlock()
	if !ok {
		return nil, errdefs.New(errdefs.KindNotFound, "supervisor.Restart",
			"no recorded spec for container %s", name)
	}

	if err := s.Stop(ctx, name); err != nil {
		s.logger.Warn().Err(err).Str("container", name).Msg("stop before restart failed")
	}
	if role == "" {
		role = roleFromName(name)
	}
	return s.Create(ctx, spec, role)
}

// IsRunning asks the runtime directly; the in-memory table is never
// authoritative for liveness
func (s *Supervisor) IsRunning(ctx context.Context, name string) bool {
	s.mu.Lock()
	p, isBasic := s.basics[name]
	s.mu.Unlock()
	if isBasic {
		return p.alive()
	}
	return s.docker.isRunning(ctx, name)
}

// WaitHealthy probes the container's HTTP port until it answers or the
// budget runs out. Any HTTP response counts; this is a liveness check.
func (s *Supervisor) WaitHealthy(ctx context.Context, name string) bool {
	c, ok := s.get(name)
	if !ok {
		return false
	}
	checker := health.NewHTTPChecker(fmt.Sprintf("http://127.0.0.1:%d/", c.Port))
	return health.WaitHealthy(ctx, checker, healthBudget, healthInterval)
}

// Get returns the supervisor's record for a container name
func (s *Supervisor) Get(name string) (*types.Container, bool) {
	return s.get(name)
}

// List returns all known containers sorted by name
func (s *Supervisor) List() []*types.Container {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*types.Container, 0, len(s.table))
	for _, c := range s.table {
		copied := *c
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Discover rebuilds the in-memory table from containers the runtime already
// knows about, claiming their ports so later allocations cannot collide.
// Called once at startup; the platform survives control plane restarts
// without touching running sites.
func (s *Supervisor) Discover(ctx context.Context) (int, error) {
	found, err := s.docker.listManaged(ctx)
	if err != nil {
		return 0, err
	}

	adopted := 0
	for _, mc := range found {
		if !mc.running {
			// Dead leftovers are removed rather than adopted
			_ = s.docker.stopAndRemove(ctx, mc.id)
			continue
		}
		role := roleFromName(mc.name)
		c := &types.Container{
			Name:      mc.name,
			Role:      role,
			Port:      mc.hostPort,
			Status:    types.ContainerStatusRunning,
			ID:        mc.id,
			CreatedAt: time.Now().UTC(),
		}
		if mc.hostPort != 0 {
			s.ports.Claim(mc.name, mc.hostPort)
		}
		s.put(c)
		metrics.ContainersRunning.WithLabelValues(string(role)).Inc()
		adopted++

		s.logger.Info().
			Str("container", mc.name).
			Int("port", mc.hostPort).
			Msg("adopted running container")
	}
	return adopted, nil
}

// roleFromName recovers the role from the naming convention
func roleFromName(name string) types.ContainerRole {
	if strings.HasSuffix(name, "-preview") {
		return types.RolePreview
	}
	return types.RoleProduction
}

// selectStrategy picks the build strategy from a resolved plan
func selectStrategy(plan *types.BuildPlan, planToolAvailable bool) types.BuildStrategy {
	switch {
	case plan.HasDockerfile:
		return types.StrategyDocker
	case planToolAvailable && plan.SiteType != types.SiteTypeStatic:
		return types.StrategyPlan
	default:
		return types.StrategyBasic
	}
}

// containerEnv assembles the environment for a containerized site
func containerEnv(spec Spec, role types.ContainerRole) []string {
	env := []string{fmt.Sprintf("PORT=%d", appPort)}
	if role == types.RolePreview {
		env = append(env, "NODE_ENV=development")
		if spec.Branch != "" {
			env = append(env, "BURROW_BRANCH="+spec.Branch)
		}
	} else {
		env = append(env, "NODE_ENV=production")
	}
	return append(env, envSlice(spec.Env)...)
}

// envSlice renders a map as KEY=VALUE pairs in stable order
func envSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

func (s *Supervisor) get(name string) (*types.Container, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.table[name]
	if !ok {
		return nil, false
	}
	copied := *c
	return &copied, true
}

func (s *Supervisor) put(c *types.Container) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *c
	s.table[c.Name] = &copied
}

func (s *Supervisor) drop(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.table, name)
	delete(s.specs, name)
}

func (s *Supervisor) setSpec(name string, spec Spec) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.specs[name] = spec
}

func (s *Supervisor) takeBasic(name string) *basicProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.basics[name]
	if !ok {
		return nil
	}
	delete(s.basics, name)
	return p
}
