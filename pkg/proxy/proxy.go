package proxy

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/burrowhq/burrow/pkg/errdefs"
	"github.com/burrowhq/burrow/pkg/log"
	"github.com/burrowhq/burrow/pkg/metrics"
	"github.com/burrowhq/burrow/pkg/procs"
	"github.com/burrowhq/burrow/pkg/types"
)

const (
	// debounceQuiet is how long the route set must stay unchanged before a
	// reload fires; rapid session churn coalesces into one reload
	debounceQuiet = time.Second

	// reloadTimeout bounds the graceful reload subprocess
	reloadTimeout = 10 * time.Second
)

// Config carries everything the orchestrator needs to render and apply the
// fronting-proxy configuration
type Config struct {
	Domain           string
	ConfigPath       string // the rendered config file
	StorageDir       string // proxy certificate storage
	AdminEndpoint    string // e.g. "localhost:2019"
	ControlPlanePort int
	Production       bool
	TLSCertPath      string
	TLSKeyPath       string
}

// Orchestrator owns the fronting-proxy configuration file. It is the only
// writer of that file. Route mutations are cheap map updates; the expensive
// config regeneration and reload is debounced and serialized.
type Orchestrator struct {
	cfg    Config
	logger zerolog.Logger

	mu     sync.Mutex
	routes map[string]*types.DynamicRoute // keyed by session ID
	timer  *time.Timer

	// reloadMu serializes reloads globally; a second caller waits for the
	// one in flight rather than racing it
	reloadMu sync.Mutex

	// reloadFn applies the written config; swapped out in tests
	reloadFn func(ctx context.Context) error

	nowFn func() time.Time
}

// New creates the orchestrator and ensures the config directory exists. No
// reload happens until the first mutation or an explicit Reload.
func New(cfg Config) (*Orchestrator, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.ConfigPath), 0o755); err != nil {
		return nil, errdefs.Wrap(errdefs.KindProxy, "proxy.New", err)
	}
	if err := os.MkdirAll(cfg.StorageDir, 0o755); err != nil {
		return nil, errdefs.Wrap(errdefs.KindProxy, "proxy.New", err)
	}
	o := &Orchestrator{
		cfg:    cfg,
		logger: log.WithComponent("proxy"),
		routes: make(map[string]*types.DynamicRoute),
		nowFn:  time.Now,
	}
	o.reloadFn = o.gracefulReload
	return o, nil
}

// AddRoute registers a subdomain -> port mapping for a session and schedules
// a debounced reload. Re-adding the same session replaces its route.
func (o *Orchestrator) AddRoute(sessionID, site, branch string, port int) *types.DynamicRoute {
	route := &types.DynamicRoute{
		Subdomain:  fmt.Sprintf("%s-%s.%s", branch, site, o.cfg.Domain),
		TargetPort: port,
		SessionID:  sessionID,
		SiteName:   site,
		CreatedAt:  o.nowFn().UTC(),
	}

	o.mu.Lock()
	o.routes[sessionID] = route
	count := len(o.routes)
	o.scheduleLocked()
	o.mu.Unlock()

	metrics.ProxyRoutes.Set(float64(count))
	o.logger.Info().
		Str("session_id", sessionID).
		Str("subdomain", route.Subdomain).
		Int("port", port).
		Msg("route added")
	return route
}

// RemoveRoute drops a session's route if present and schedules a debounced
// reload. Returns whether a route existed.
func (o *Orchestrator) RemoveRoute(sessionID string) bool {
	o.mu.Lock()
	_, ok := o.routes[sessionID]
	if ok {
		delete(o.routes, sessionID)
		o.scheduleLocked()
	}
	count := len(o.routes)
	o.mu.Unlock()

	if ok {
		metrics.ProxyRoutes.Set(float64(count))
		o.logger.Info().Str("session_id", sessionID).Msg("route removed")
	}
	return ok
}

// Routes returns a snapshot of the current route set
func (o *Orchestrator) Routes() []*types.DynamicRoute {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*types.DynamicRoute, 0, len(o.routes))
	for _, r := range o.routes {
		copied := *r
		out = append(out, &copied)
	}
	return out
}

// CleanupExpired purges routes older than maxAge and returns how many were
// removed. A reload is scheduled only when something changed.
func (o *Orchestrator) CleanupExpired(maxAge time.Duration) int {
	cutoff := o.nowFn().Add(-maxAge)

	o.mu.Lock()
	removed := 0
	for id, r := range o.routes {
		if r.CreatedAt.Before(cutoff) {
			delete(o.routes, id)
			removed++
		}
	}
	if removed > 0 {
		o.scheduleLocked()
	}
	count := len(o.routes)
	o.mu.Unlock()

	if removed > 0 {
		metrics.ProxyRoutes.Set(float64(count))
		o.logger.Info().Int("removed", removed).Msg("expired routes purged")
	}
	return removed
}

// scheduleLocked arms or re-arms the debounce timer. Callers hold o.mu.
// Every mutation pushes the quiet period out; the reload fires only after
// the route set has been stable for debounceQuiet.
func (o *Orchestrator) scheduleLocked() {
	if o.timer != nil {
		o.timer.Stop()
	}
	o.timer = time.AfterFunc(debounceQuiet, func() {
		if err := o.Reload(context.Background()); err != nil {
			o.logger.Error().Err(err).Msg("debounced reload failed")
		}
	})
}

// Flush cancels any pending debounce and reloads immediately. Callers that
// need the route live before proceeding (a deploy returning a URL) use this
// instead of waiting out the quiet period.
func (o *Orchestrator) Flush(ctx context.Context) error {
	o.mu.Lock()
	if o.timer != nil {
		o.timer.Stop()
		o.timer = nil
	}
	o.mu.Unlock()
	return o.Reload(ctx)
}

// Reload regenerates the config file and applies it. Regeneration writes to
// a tempfile and renames into place, so the file on disk is never
// half-written; a failed apply leaves the previous proxy state live.
// Reloads serialize globally.
func (o *Orchestrator) Reload(ctx context.Context) error {
	o.reloadMu.Lock()
	defer o.reloadMu.Unlock()

	o.mu.Lock()
	content := o.render(o.routesLocked())
	o.mu.Unlock()

	if err := o.writeAtomic(content); err != nil {
		metrics.ProxyReloads.WithLabelValues("failure").Inc()
		return err
	}

	if err := o.reloadFn(ctx); err != nil {
		metrics.ProxyReloads.WithLabelValues("failure").Inc()
		return err
	}
	metrics.ProxyReloads.WithLabelValues("success").Inc()
	o.logger.Debug().Msg("proxy config reloaded")
	return nil
}

// routesLocked returns the route values; callers hold o.mu
func (o *Orchestrator) routesLocked() []*types.DynamicRoute {
	out := make([]*types.DynamicRoute, 0, len(o.routes))
	for _, r := range o.routes {
		out = append(out, r)
	}
	return out
}

// writeAtomic writes the config to a tempfile in the same directory and
// renames it into place
func (o *Orchestrator) writeAtomic(content string) error {
	dir := filepath.Dir(o.cfg.ConfigPath)
	tmp, err := os.CreateTemp(dir, ".caddyfile-*")
	if err != nil {
		return errdefs.Wrap(errdefs.KindProxy, "proxy.writeAtomic", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		return errdefs.Wrap(errdefs.KindProxy, "proxy.writeAtomic", err)
	}
	if err := tmp.Close(); err != nil {
		return errdefs.Wrap(errdefs.KindProxy, "proxy.writeAtomic", err)
	}
	if err := os.Rename(tmp.Name(), o.cfg.ConfigPath); err != nil {
		return errdefs.Wrap(errdefs.KindProxy, "proxy.writeAtomic", err)
	}
	return nil
}

// gracefulReload asks the proxy to reload its config; when the graceful path
// fails it falls back to the reload signal
func (o *Orchestrator) gracefulReload(ctx context.Context) error {
	res, err := procs.Run(ctx, procs.Options{
		Name:    "caddy",
		Args:    []string{"reload", "--config", o.cfg.ConfigPath, "--adapter", "caddyfile"},
		Timeout: reloadTimeout,
	})
	if err == nil && res.ExitCode == 0 {
		return nil
	}
	if err != nil {
		o.logger.Warn().Err(err).Msg("graceful reload failed, sending reload signal")
	} else {
		o.logger.Warn().Str("stderr", res.Stderr).Msg("graceful reload failed, sending reload signal")
	}

	sig, sigErr := procs.Run(ctx, procs.Options{
		Name:    "pkill",
		Args:    []string{"-USR1", "-x", "caddy"},
		Timeout: 5 * time.Second,
	})
	if sigErr != nil {
		return errdefs.Wrap(errdefs.KindProxy, "proxy.gracefulReload", sigErr)
	}
	if sig.ExitCode != 0 {
		return errdefs.New(errdefs.KindProxy, "proxy.gracefulReload",
			"reload failed and no proxy process found for signal fallback")
	}
	return nil
}

// Healthy asks the proxy's admin endpoint whether it is serving
func (o *Orchestrator) Healthy(ctx context.Context) bool {
	url := fmt.Sprintf("http://%s/config/", o.cfg.AdminEndpoint)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
