package buildplan

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/burrowhq/burrow/pkg/types"
)

// heuristicResolver skips the plan tool so tests exercise the marker table
// deterministically regardless of what is installed on the host
func heuristicResolver() *Resolver {
	return &Resolver{}
}

func writeFiles(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func TestResolveDockerfileWins(t *testing.T) {
	dir := writeFiles(t, map[string]string{
		"Dockerfile": "FROM node:20\n",
		"index.html": "<h1>hi</h1>",
	})

	plan, err := heuristicResolver().Resolve(context.Background(), dir)
	if err != nil {
		t.Fatal(err)
	}
	if !plan.HasDockerfile || plan.SiteType != types.SiteTypeDynamic {
		t.Errorf("Expected dynamic dockerfile plan, got %+v", plan)
	}
}

func TestResolveMarkerOrder(t *testing.T) {
	// A tree with both an SSG marker and a server marker resolves to the SSG
	dir := writeFiles(t, map[string]string{
		"astro.config.mjs": "",
		"next.config.js":   "",
		"package.json":     `{"scripts":{"build":"astro build"}}`,
	})

	plan, err := heuristicResolver().Resolve(context.Background(), dir)
	if err != nil {
		t.Fatal(err)
	}
	if plan.Framework != "astro" || plan.SiteType != types.SiteTypeStaticBuild {
		t.Errorf("Expected astro static-build, got %+v", plan)
	}
}

func TestResolveBareIndexIsStatic(t *testing.T) {
	dir := writeFiles(t, map[string]string{"index.html": "<h1>hi</h1>"})

	plan, err := heuristicResolver().Resolve(context.Background(), dir)
	if err != nil {
		t.Fatal(err)
	}
	if plan.SiteType != types.SiteTypeStatic {
		t.Errorf("Expected static, got %q", plan.SiteType)
	}
}

func TestResolveManifestScripts(t *testing.T) {
	cases := []struct {
		name     string
		manifest string
		want     types.SiteType
	}{
		{"build only", `{"scripts":{"build":"tsc"}}`, types.SiteTypeStaticBuild},
		{"start present", `{"scripts":{"build":"tsc","start":"node server.js"}}`, types.SiteTypeDynamic},
		{"no scripts", `{}`, types.SiteTypeDynamic},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dir := writeFiles(t, map[string]string{"package.json": tc.manifest})
			plan, err := heuristicResolver().Resolve(context.Background(), dir)
			if err != nil {
				t.Fatal(err)
			}
			if plan.SiteType != tc.want {
				t.Errorf("Expected %q, got %q", tc.want, plan.SiteType)
			}
		})
	}
}

func TestResolveEmptyDirIsDynamic(t *testing.T) {
	plan, err := heuristicResolver().Resolve(context.Background(), t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if plan.SiteType != types.SiteTypeDynamic {
		t.Errorf("Expected dynamic fallback, got %q", plan.SiteType)
	}
}

func TestPackageManagerPrecedence(t *testing.T) {
	dir := writeFiles(t, map[string]string{
		"bunfig.toml":    "",
		"yarn.lock":      "",
		"pnpm-lock.yaml": "",
	})
	if pm := PackageManager(dir); pm != "bun" {
		t.Errorf("Expected bun (runtime config beats lockfiles), got %q", pm)
	}

	dir = writeFiles(t, map[string]string{
		"yarn.lock":      "",
		"pnpm-lock.yaml": "",
	})
	if pm := PackageManager(dir); pm != "yarn" {
		t.Errorf("Expected yarn, got %q", pm)
	}

	if pm := PackageManager(t.TempDir()); pm != "npm" {
		t.Errorf("Expected npm default, got %q", pm)
	}
}

func TestHasFileWatching(t *testing.T) {
	dir := writeFiles(t, map[string]string{
		"package.json": `{"devDependencies":{"vite":"^5.0.0"}}`,
	})
	if !HasFileWatching(dir) {
		t.Error("Expected watching for vite dependency")
	}

	dir = writeFiles(t, map[string]string{
		"package.json": `{"scripts":{"dev":"node --watch server.js"}}`,
	})
	if !HasFileWatching(dir) {
		t.Error("Expected watching for dev script")
	}

	if HasFileWatching(t.TempDir()) {
		t.Error("Expected no watching without a manifest")
	}
}
