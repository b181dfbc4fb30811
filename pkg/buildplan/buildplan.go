package buildplan

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/burrowhq/burrow/pkg/log"
	"github.com/burrowhq/burrow/pkg/procs"
	"github.com/burrowhq/burrow/pkg/types"
)

// planTimeout bounds the external plan tool; planning reads the tree, it
// does not build, so this stays short
const planTimeout = 30 * time.Second

// marker maps a file's presence to a framework and its commands. Order
// matters: static-site generators are listed before server frameworks so a
// project carrying both configs resolves to the cheaper static build, and
// the first match wins.
type marker struct {
	file      string
	framework string
	siteType  types.SiteType
	buildCmd  string
	startCmd  string
}

var markers = []marker{
	{"astro.config.mjs", "astro", types.SiteTypeStaticBuild, "npm run build", ""},
	{"astro.config.ts", "astro", types.SiteTypeStaticBuild, "npm run build", ""},
	{"gatsby-config.js", "gatsby", types.SiteTypeStaticBuild, "npm run build", ""},
	{"vite.config.js", "vite", types.SiteTypeStaticBuild, "npm run build", ""},
	{"vite.config.ts", "vite", types.SiteTypeStaticBuild, "npm run build", ""},
	{"next.config.js", "next", types.SiteTypeDynamic, "npm run build", "npm run start"},
	{"next.config.mjs", "next", types.SiteTypeDynamic, "npm run build", "npm run start"},
	{"next.config.ts", "next", types.SiteTypeDynamic, "npm run build", "npm run start"},
	{"nuxt.config.js", "nuxt", types.SiteTypeDynamic, "npm run build", "npm run start"},
	{"nuxt.config.ts", "nuxt", types.SiteTypeDynamic, "npm run build", "npm run start"},
	{"remix.config.js", "remix", types.SiteTypeDynamic, "npm run build", "npm run start"},
	{"svelte.config.js", "sveltekit", types.SiteTypeDynamic, "npm run build", "node build"},
}

// packageJSON is the subset of a manifest the resolver reads
type packageJSON struct {
	Scripts         map[string]string `json:"scripts"`
	Dependencies    map[string]string `json:"dependencies"`
	DevDependencies map[string]string `json:"devDependencies"`
}

// Resolver inspects site directories and derives build plans. It is
// side-effect-free and idempotent: resolving the same tree twice yields the
// same plan.
type Resolver struct {
	// planToolPath is the external plan tool binary, empty when unavailable
	planToolPath string
}

// NewResolver probes for the external plan tool once and returns a resolver
func NewResolver() *Resolver {
	path, err := exec.LookPath("nixpacks")
	if err != nil {
		logger := log.WithComponent("buildplan")
		logger.Debug().Msg("plan tool not found, using marker heuristics")
		path = ""
	}
	return &Resolver{planToolPath: path}
}

// PlanToolAvailable reports whether the external plan tool is on PATH
func (r *Resolver) PlanToolAvailable() bool {
	return r.planToolPath != ""
}

// Resolve derives the build plan for a site directory. Decision order:
// explicit Dockerfile, external plan tool, marker table, bare index.html,
// package.json scripts, dynamic fallback.
func (r *Resolver) Resolve(ctx context.Context, path string) (*types.BuildPlan, error) {
	if fileExists(filepath.Join(path, "Dockerfile")) {
		return &types.BuildPlan{
			SiteType:      types.SiteTypeDynamic,
			HasDockerfile: true,
		}, nil
	}

	if r.planToolPath != "" {
		if plan := r.resolveWithPlanTool(ctx, path); plan != nil {
			return plan, nil
		}
	}

	for _, m := range markers {
		if fileExists(filepath.Join(path, m.file)) {
			return &types.BuildPlan{
				SiteType:   m.siteType,
				Framework:  m.framework,
				InstallCmd: installCmdFor(PackageManager(path)),
				BuildCmd:   m.buildCmd,
				StartCmd:   m.startCmd,
			}, nil
		}
	}

	hasIndex := fileExists(filepath.Join(path, "index.html"))
	hasManifest := fileExists(filepath.Join(path, "package.json"))

	if hasIndex && !hasManifest {
		return &types.BuildPlan{SiteType: types.SiteTypeStatic}, nil
	}

	if hasManifest {
		if plan := resolveFromManifest(path); plan != nil {
			return plan, nil
		}
	}

	if hasIndex {
		return &types.BuildPlan{SiteType: types.SiteTypeStatic}, nil
	}
	return &types.BuildPlan{SiteType: types.SiteTypeDynamic}, nil
}

// resolveWithPlanTool asks the external tool for a structured plan. Any
// failure degrades silently to the marker heuristics.
func (r *Resolver) resolveWithPlanTool(ctx context.Context, path string) *types.BuildPlan {
	res, err := procs.Run(ctx, procs.Options{
		Name:    r.planToolPath,
		Args:    []string{"plan", path, "--format", "json"},
		Timeout: planTimeout,
	})
	if err != nil || res.ExitCode != 0 {
		logger := log.WithComponent("buildplan")
		logger.Debug().Str("path", path).Msg("plan tool failed, falling back")
		return nil
	}

	var raw struct {
		Phases map[string]struct {
			Cmds []string `json:"cmds"`
		} `json:"phases"`
		Start struct {
			Cmd string `json:"cmd"`
		} `json:"start"`
	}
	if err := json.Unmarshal([]byte(res.Stdout), &raw); err != nil {
		return nil
	}

	plan := &types.BuildPlan{}
	if p, ok := raw.Phases["install"]; ok && len(p.Cmds) > 0 {
		plan.InstallCmd = strings.Join(p.Cmds, " && ")
	}
	if p, ok := raw.Phases["build"]; ok && len(p.Cmds) > 0 {
		plan.BuildCmd = strings.Join(p.Cmds, " && ")
	}
	plan.StartCmd = raw.Start.Cmd

	// Framework shows up as a phase name ("next", "astro") in derived plans
	for name := range raw.Phases {
		switch name {
		case "setup", "install", "build":
		default:
			plan.Framework = name
		}
	}

	switch {
	case referencesReverseProxy(plan.StartCmd):
		plan.SiteType = types.SiteTypeStaticBuild
	case plan.StartCmd != "":
		plan.SiteType = types.SiteTypeDynamic
	case plan.BuildCmd != "":
		plan.SiteType = types.SiteTypeStaticBuild
	default:
		plan.SiteType = types.SiteTypeStatic
	}
	return plan
}

// resolveFromManifest classifies a plain package.json project by its scripts
func resolveFromManifest(path string) *types.BuildPlan {
	pkg, err := readManifest(path)
	if err != nil {
		return nil
	}

	plan := &types.BuildPlan{
		InstallCmd: installCmdFor(PackageManager(path)),
	}

	_, hasBuild := pkg.Scripts["build"]
	_, hasStart := pkg.Scripts["start"]

	switch {
	case hasStart:
		plan.SiteType = types.SiteTypeDynamic
		plan.StartCmd = "npm run start"
		if hasBuild {
			plan.BuildCmd = "npm run build"
		}
	case hasBuild:
		plan.SiteType = types.SiteTypeStaticBuild
		plan.BuildCmd = "npm run build"
	default:
		plan.SiteType = types.SiteTypeDynamic
	}
	return plan
}

// PackageManager detects the package manager for a node project. Precedence:
// runtime config file, bun lockfile, yarn lockfile, pnpm lockfile, npm.
func PackageManager(path string) string {
	switch {
	case fileExists(filepath.Join(path, "bunfig.toml")):
		return "bun"
	case fileExists(filepath.Join(path, "bun.lockb")), fileExists(filepath.Join(path, "bun.lock")):
		return "bun"
	case fileExists(filepath.Join(path, "yarn.lock")):
		return "yarn"
	case fileExists(filepath.Join(path, "pnpm-lock.yaml")):
		return "pnpm"
	default:
		return "npm"
	}
}

func installCmdFor(pm string) string {
	switch pm {
	case "bun":
		return "bun install"
	case "yarn":
		return "yarn install"
	case "pnpm":
		return "pnpm install"
	default:
		return "npm install"
	}
}

// referencesReverseProxy reports whether a start command serves prebuilt
// output through a static file proxy rather than an app server
func referencesReverseProxy(cmd string) bool {
	for _, proxy := range []string{"caddy", "nginx", "serve ", "http-server"} {
		if strings.Contains(cmd, proxy) {
			return true
		}
	}
	return false
}

func readManifest(path string) (*packageJSON, error) {
	data, err := os.ReadFile(filepath.Join(path, "package.json"))
	if err != nil {
		return nil, err
	}
	var pkg packageJSON
	if err := json.Unmarshal(data, &pkg); err != nil {
		return nil, err
	}
	return &pkg, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
