package supervisor

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/burrowhq/burrow/pkg/errdefs"
	"github.com/burrowhq/burrow/pkg/log"
)

// appPort is the port site processes listen on inside their containers; the
// supervisor injects it as PORT and binds the allocated host port to it
const appPort = 3000

// stopGrace is how long a container gets to exit after SIGTERM
const stopGrace = 5 * time.Second

// dockerClient isolates all Docker SDK calls so the rest of the supervisor
// deals in site names and ports only
type dockerClient struct {
	sdk *client.Client
}

// newDockerClient connects to the Docker daemon and fails fast when it is
// unreachable; without a runtime the platform cannot function
func newDockerClient() (*dockerClient, error) {
	sdk, err := client.NewClientWithOpts(
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := sdk.Ping(ctx); err != nil {
		return nil, fmt.Errorf("docker daemon unreachable: %w", err)
	}

	return &dockerClient{sdk: sdk}, nil
}

func (d *dockerClient) Close() error {
	return d.sdk.Close()
}

// buildImage builds an image from the site's own Dockerfile, streaming the
// build context as a tar archive. The response stream must be fully drained
// for the build to complete.
func (d *dockerClient) buildImage(ctx context.Context, contextDir, tag string) error {
	buildCtx, err := tarDirectory(contextDir)
	if err != nil {
		return errdefs.Wrap(errdefs.KindBuild, "supervisor.buildImage", err)
	}
	defer buildCtx.Close()

	resp, err := d.sdk.ImageBuild(ctx, buildCtx, build.ImageBuildOptions{
		Tags:       []string{tag},
		Dockerfile: "Dockerfile",
		Remove:     true,
	})
	if err != nil {
		return errdefs.Wrap(errdefs.KindBuild, "supervisor.buildImage", err)
	}
	defer resp.Body.Close()

	// The daemon reports failures as JSON events mid-stream, not as an
	// HTTP error
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		var event struct {
			Error string `json:"error"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &event); err != nil {
			continue
		}
		if event.Error != "" {
			return errdefs.New(errdefs.KindBuild, "supervisor.buildImage",
				"image build failed: %s", event.Error)
		}
	}
	return scanner.Err()
}

// runOptions describes one container start
type runOptions struct {
	name     string
	image    string
	hostPort int
	env      []string
	// mountSource bind-mounts the site working tree at /app for previews so
	// the dev server sees saved files without a rebuild
	mountSource string
}

// runContainer creates and starts a detached container bound to
// 127.0.0.1:<hostPort> -> <appPort>
func (d *dockerClient) runContainer(ctx context.Context, opts runOptions) (string, error) {
	exposed := nat.Port(fmt.Sprintf("%d/tcp", appPort))

	cfg := &container.Config{
		Image: opts.image,
		Env:   opts.env,
		ExposedPorts: nat.PortSet{
			exposed: struct{}{},
		},
		Labels: map[string]string{
			"burrow.managed": "true",
		},
	}

	hostCfg := &container.HostConfig{
		PortBindings: nat.PortMap{
			exposed: []nat.PortBinding{{
				HostIP:   "127.0.0.1",
				HostPort: fmt.Sprintf("%d", opts.hostPort),
			}},
		},
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyUnlessStopped},
	}
	if opts.mountSource != "" {
		hostCfg.Mounts = []mount.Mount{{
			Type:   mount.TypeBind,
			Source: opts.mountSource,
			Target: "/app",
		}}
		// Previews are disposable; never resurrect them behind our back
		hostCfg.RestartPolicy = container.RestartPolicy{Name: container.RestartPolicyDisabled}
	}

	platform := &ocispec.Platform{OS: "linux"}
	created, err := d.sdk.ContainerCreate(ctx, cfg, hostCfg, &network.NetworkingConfig{}, platform, opts.name)
	if err != nil {
		return "", errdefs.Wrap(errdefs.KindRuntime, "supervisor.runContainer", err)
	}

	if err := d.sdk.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return "", errdefs.Wrap(errdefs.KindRuntime, "supervisor.runContainer", err)
	}
	return created.ID, nil
}

// stopAndRemove stops a container with the standard grace period and removes
// it. Missing containers are not an error; stop is idempotent.
func (d *dockerClient) stopAndRemove(ctx context.Context, nameOrID string) error {
	grace := int(stopGrace.Seconds())
	if err := d.sdk.ContainerStop(ctx, nameOrID, container.StopOptions{Timeout: &grace}); err != nil {
		if !client.IsErrNotFound(err) {
			logger := log.WithComponent("supervisor")
			logger.Debug().Err(err).Str("container", nameOrID).Msg("stop failed")
		}
	}
	err := d.sdk.ContainerRemove(ctx, nameOrID, container.RemoveOptions{Force: true})
	if err != nil && !client.IsErrNotFound(err) {
		return errdefs.Wrap(errdefs.KindRuntime, "supervisor.stopAndRemove", err)
	}
	return nil
}

// isRunning asks the daemon, never the in-memory table
func (d *dockerClient) isRunning(ctx context.Context, name string) bool {
	info, err := d.sdk.ContainerInspect(ctx, name)
	if err != nil {
		return false
	}
	return info.State != nil && info.State.Running
}

// waitRunning polls the daemon until the container reports running
func (d *dockerClient) waitRunning(ctx context.Context, id string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		info, err := d.sdk.ContainerInspect(ctx, id)
		if err != nil {
			return errdefs.Wrap(errdefs.KindRuntime, "supervisor.waitRunning", err)
		}
		if info.State != nil {
			if info.State.Running {
				return nil
			}
			if info.State.Dead || info.State.OOMKilled ||
				(info.State.Status == "exited" && !info.State.Running) {
				return errdefs.New(errdefs.KindRuntime, "supervisor.waitRunning",
					"container exited during startup: %s", info.State.Error)
			}
		}
		select {
		case <-ctx.Done():
			return errdefs.Wrap(errdefs.KindTimeout, "supervisor.waitRunning", ctx.Err())
		case <-time.After(250 * time.Millisecond):
		}
	}
	return errdefs.New(errdefs.KindTimeout, "supervisor.waitRunning",
		"container %s did not reach running within %s", id, timeout)
}

// managedContainer is one runtime-side record found during discovery
type managedContainer struct {
	name     string
	id       string
	hostPort int
	running  bool
}

// listManaged enumerates containers whose names carry the platform's role
// suffixes, with their host port bindings
func (d *dockerClient) listManaged(ctx context.Context) ([]managedContainer, error) {
	containers, err := d.sdk.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", "burrow.managed=true")),
	})
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindRuntime, "supervisor.listManaged", err)
	}

	var found []managedContainer
	for _, c := range containers {
		if len(c.Names) == 0 {
			continue
		}
		name := strings.TrimPrefix(c.Names[0], "/")
		if !strings.HasSuffix(name, "-production") && !strings.HasSuffix(name, "-preview") {
			continue
		}

		mc := managedContainer{
			name:    name,
			id:      c.ID,
			running: c.State == "running",
		}
		for _, p := range c.Ports {
			if p.PublicPort != 0 {
				mc.hostPort = int(p.PublicPort)
				break
			}
		}
		found = append(found, mc)
	}
	return found, nil
}

// removeImage deletes an image tag, best-effort
func (d *dockerClient) removeImage(ctx context.Context, tag string) {
	if _, err := d.sdk.ImageRemove(ctx, tag, image.RemoveOptions{Force: true}); err != nil {
		if !client.IsErrNotFound(err) {
			logger := log.WithComponent("supervisor")
			logger.Debug().Err(err).Str("image", tag).Msg("image remove failed")
		}
	}
}

var _ io.Closer = (*dockerClient)(nil)
