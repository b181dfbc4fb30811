package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/burrowhq/burrow/pkg/api"
	"github.com/burrowhq/burrow/pkg/buildplan"
	"github.com/burrowhq/burrow/pkg/config"
	"github.com/burrowhq/burrow/pkg/gitws"
	"github.com/burrowhq/burrow/pkg/log"
	"github.com/burrowhq/burrow/pkg/ports"
	"github.com/burrowhq/burrow/pkg/proxy"
	"github.com/burrowhq/burrow/pkg/registry"
	"github.com/burrowhq/burrow/pkg/sessions"
	"github.com/burrowhq/burrow/pkg/supervisor"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "burrow",
	Short: "Burrow - self-hosted web deployment platform",
	Long: `Burrow is a self-hostable deployment platform for small teams:
register a site directory, edit it in the browser on an isolated
branch with a live preview, and deploy by merging to main.

One binary runs the whole control plane: build planning, container
supervision, editing sessions and the fronting-proxy configuration.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Burrow version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(siteCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the control plane",
	Long: `Run the Burrow control plane: the HTTP API, the container
supervisor, the editing-session manager and the proxy orchestrator.

Configuration comes from <data-dir>/burrow.yaml overridden by
environment variables (PROJECT_DOMAIN, ROOT_DIR, PORT, LOG_LEVEL).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %v", err)
	}

	log.Init(log.Config{
		Level:      log.Level(strings.ToLower(cfg.LogLevel)),
		JSONOutput: cfg.IsProduction(),
	})
	logger := log.WithComponent("main")

	for _, dir := range []string{cfg.RootDir, cfg.DataDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %v", dir, err)
		}
	}

	store, err := registry.NewSQLiteStore(cfg.DBPath())
	if err != nil {
		return fmt.Errorf("failed to open store: %v", err)
	}
	defer store.Close()

	alloc := ports.NewAllocator(cfg.ProductionPortBase, cfg.PreviewPortBase)
	resolver := buildplan.NewResolver()
	git := gitws.NewWorkspace()

	sup, err := supervisor.New(resolver, alloc)
	if err != nil {
		return fmt.Errorf("failed to start supervisor: %v", err)
	}
	defer sup.Close()

	ctx := context.Background()
	adopted, err := sup.Discover(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("container discovery failed")
	} else if adopted > 0 {
		logger.Info().Int("containers", adopted).Msg("adopted running containers")
	}

	// Every registered site must have a usable repository before we serve
	sites, err := store.ListSites()
	if err != nil {
		return fmt.Errorf("failed to list sites: %v", err)
	}
	for _, site := range sites {
		if err := git.Initialize(ctx, site.Path); err != nil {
			return fmt.Errorf("failed to initialize repo for site %s: %v", site.Name, err)
		}
	}

	orch, err := proxy.New(proxy.Config{
		Domain:           cfg.Domain,
		ConfigPath:       cfg.CaddyfilePath(),
		StorageDir:       cfg.DataDir + "/caddy/storage",
		AdminEndpoint:    cfg.CaddyAdmin,
		ControlPlanePort: cfg.Port,
		Production:       cfg.IsProduction(),
		TLSCertPath:      cfg.TLSCertPath,
		TLSKeyPath:       cfg.TLSKeyPath,
	})
	if err != nil {
		return fmt.Errorf("failed to create proxy orchestrator: %v", err)
	}

	mgr := sessions.NewManager(sessions.Config{
		Domain:             cfg.Domain,
		SessionTTL:         time.Duration(cfg.SessionTTLMinutes) * time.Minute,
		MaxSessionsPerUser: cfg.MaxSessionsPerUser,
	}, store, git, sup, orch)

	recovered, err := mgr.Recover(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("session recovery failed")
	} else if recovered > 0 {
		logger.Info().Int("sessions", recovered).Msg("recovered editing sessions")
	}

	if err := orch.Reload(ctx); err != nil {
		// The proxy may not be up yet in development; routes reapply on
		// the next mutation
		logger.Warn().Err(err).Msg("initial proxy reload failed")
	}

	mgr.StartSweeper()

	apiServer := api.NewServer(api.Config{
		RootDir: cfg.RootDir,
		Domain:  cfg.Domain,
	}, store, mgr, sup, git)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           apiServer.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().
			Int("port", cfg.Port).
			Str("domain", cfg.Domain).
			Str("env", cfg.Environment).
			Msg("control plane listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		mgr.Stop()
		return fmt.Errorf("http server failed: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown incomplete")
	}
	mgr.Stop()

	logger.Info().Msg("shutdown complete")
	return nil
}
