package supervisor

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/burrowhq/burrow/pkg/types"
)

func TestContainerNameFor(t *testing.T) {
	tests := []struct {
		spec Spec
		role types.ContainerRole
		want string
	}{
		{Spec{SiteName: "blog"}, types.RoleProduction, "blog-production"},
		{Spec{SiteName: "blog", Branch: "edit-1700000000001"}, types.RolePreview, "edit-1700000000001-blog-preview"},
		// A preview without a branch still gets a deterministic name
		{Spec{SiteName: "blog"}, types.RolePreview, "blog-preview"},
	}
	for _, tt := range tests {
		if got := containerNameFor(tt.spec, tt.role); got != tt.want {
			t.Errorf("containerNameFor(%v, %s) = %q, want %q", tt.spec, tt.role, got, tt.want)
		}
	}
}

func TestRoleFromName(t *testing.T) {
	if roleFromName("blog-production") != types.RoleProduction {
		t.Error("expected production role")
	}
	if roleFromName("edit-1-blog-preview") != types.RolePreview {
		t.Error("expected preview role")
	}
}

func TestSelectStrategy(t *testing.T) {
	tests := []struct {
		name     string
		plan     *types.BuildPlan
		planTool bool
		want     types.BuildStrategy
	}{
		{"dockerfile wins", &types.BuildPlan{HasDockerfile: true, SiteType: types.SiteTypeDynamic}, true, types.StrategyDocker},
		{"dockerfile wins without plan tool", &types.BuildPlan{HasDockerfile: true}, false, types.StrategyDocker},
		{"plan tool for dynamic", &types.BuildPlan{SiteType: types.SiteTypeDynamic}, true, types.StrategyPlan},
		{"plan tool for static-build", &types.BuildPlan{SiteType: types.SiteTypeStaticBuild}, true, types.StrategyPlan},
		{"static never builds an image", &types.BuildPlan{SiteType: types.SiteTypeStatic}, true, types.StrategyBasic},
		{"no plan tool falls back", &types.BuildPlan{SiteType: types.SiteTypeDynamic}, false, types.StrategyBasic},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := selectStrategy(tt.plan, tt.planTool); got != tt.want {
				t.Errorf("selectStrategy() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestContainerEnv(t *testing.T) {
	spec := Spec{
		SiteName: "blog",
		Branch:   "edit-1700000000001",
		Env:      map[string]string{"API_KEY": "secret", "ANOTHER": "x"},
	}

	env := containerEnv(spec, types.RolePreview)

	want := []string{
		fmt.Sprintf("PORT=%d", appPort),
		"NODE_ENV=development",
		"BURROW_BRANCH=edit-1700000000001",
		"ANOTHER=x",
		"API_KEY=secret",
	}
	if len(env) != len(want) {
		t.Fatalf("got %d env entries, want %d: %v", len(env), len(want), env)
	}
	for i := range want {
		if env[i] != want[i] {
			t.Errorf("env[%d] = %q, want %q", i, env[i], want[i])
		}
	}

	prod := containerEnv(Spec{SiteName: "blog"}, types.RoleProduction)
	if prod[1] != "NODE_ENV=production" {
		t.Errorf("production env = %v", prod)
	}
}

func TestEnvSliceStableOrder(t *testing.T) {
	env := map[string]string{"B": "2", "A": "1", "C": "3"}
	for i := 0; i < 10; i++ {
		got := envSlice(env)
		if got[0] != "A=1" || got[1] != "B=2" || got[2] != "C=3" {
			t.Fatalf("unstable order: %v", got)
		}
	}
	if envSlice(nil) != nil {
		t.Error("empty map should yield nil")
	}
}

func TestStaticRootPrefersBuiltOutput(t *testing.T) {
	dir := t.TempDir()
	if staticRoot(dir) != dir {
		t.Error("bare dir should serve itself")
	}

	dist := filepath.Join(dir, "dist")
	os.MkdirAll(dist, 0o755)
	// dist without an index is ignored
	if staticRoot(dir) != dir {
		t.Error("dist without index.html should not win")
	}

	os.WriteFile(filepath.Join(dist, "index.html"), []byte("<html>"), 0o644)
	if staticRoot(dir) != dist {
		t.Error("dist with index.html should win")
	}
}

func TestTarDirectorySkipsHeavyDirs(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "Dockerfile"), []byte("FROM scratch"), 0o644)
	os.MkdirAll(filepath.Join(dir, "node_modules", "left-pad"), 0o755)
	os.WriteFile(filepath.Join(dir, "node_modules", "left-pad", "index.js"), []byte("x"), 0o644)
	os.MkdirAll(filepath.Join(dir, "src"), 0o755)
	os.WriteFile(filepath.Join(dir, "src", "main.js"), []byte("y"), 0o644)

	rc, err := tarDirectory(dir)
	if err != nil {
		t.Fatalf("tarDirectory: %v", err)
	}
	defer rc.Close()

	names := readTarNames(t, rc)
	if !names["Dockerfile"] || !names["src/main.js"] {
		t.Errorf("expected Dockerfile and src/main.js in archive, got %v", names)
	}
	for name := range names {
		if name == "node_modules/" || len(name) > 13 && name[:13] == "node_modules/" {
			t.Errorf("node_modules leaked into archive: %s", name)
		}
	}
}

func TestTarDirectoryMissingDir(t *testing.T) {
	if _, err := tarDirectory(filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Error("expected error for missing directory")
	}
}

func TestBasicStaticServer(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "index.html"), []byte("<h1>hello</h1>"), 0o644)

	port := freePort(t)
	p, err := startStatic("blog-production", port, dir)
	if err != nil {
		t.Fatalf("startStatic: %v", err)
	}

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/", port))
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "<h1>hello</h1>" {
		t.Errorf("body = %q", body)
	}

	if !p.alive() {
		t.Error("server should be alive before stop")
	}
	if err := p.stop(context.Background()); err != nil {
		t.Errorf("stop: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for p.alive() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if p.alive() {
		t.Error("server should be down after stop")
	}
}

func TestBasicCommandLifecycle(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("sh not available")
	}

	port := freePort(t)
	p, err := startCommand("blog-production", port, t.TempDir(), "sleep 30", nil)
	if err != nil {
		t.Fatalf("startCommand: %v", err)
	}
	if !p.alive() {
		t.Fatal("process should be alive")
	}

	if err := p.stop(context.Background()); err != nil {
		t.Errorf("stop: %v", err)
	}
	if p.alive() {
		t.Error("process should be stopped")
	}
}

func TestTail(t *testing.T) {
	if got := tail("short", 100); got != "short" {
		t.Errorf("tail = %q", got)
	}
	if got := tail("abcdef", 3); got != "def" {
		t.Errorf("tail = %q", got)
	}
}

func readTarNames(t *testing.T, rc io.Reader) map[string]bool {
	t.Helper()
	names := map[string]bool{}
	tr := tar.NewReader(rc)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("tar read: %v", err)
		}
		names[hdr.Name] = true
	}
	return names
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()
	return port
}
