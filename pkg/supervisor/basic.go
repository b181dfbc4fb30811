package supervisor

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/burrowhq/burrow/pkg/errdefs"
	"github.com/burrowhq/burrow/pkg/log"
)

// basicProcess is a site served without a container: either an in-process
// static file server or a spawned start command. It is the fallback when no
// Dockerfile exists and no build plan could be produced.
type basicProcess struct {
	name string
	port int

	mu     sync.Mutex
	server *http.Server
	cmd    *exec.Cmd
	done   chan struct{}
}

// startStatic serves dir over HTTP on 127.0.0.1:port from inside the control
// plane process
func startStatic(name string, port int, dir string) (*basicProcess, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindRuntime, "supervisor.startStatic", err)
	}

	srv := &http.Server{
		Handler:           http.FileServer(http.Dir(dir)),
		ReadHeaderTimeout: 10 * time.Second,
	}
	p := &basicProcess{
		name:   name,
		port:   port,
		server: srv,
		done:   make(chan struct{}),
	}
	go func() {
		defer close(p.done)
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger := log.WithComponent("supervisor")
			logger.Error().Err(err).Str("site", name).Msg("static server exited")
		}
	}()
	return p, nil
}

// startCommand spawns the site's own start command via `sh -c` with PORT in
// its environment, the way a developer would run it locally
func startCommand(name string, port int, dir, command string, env []string) (*basicProcess, error) {
	cmd := exec.Command("sh", "-c", command)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), env...)
	cmd.Env = append(cmd.Env, fmt.Sprintf("PORT=%d", port))
	// Own process group so Stop can signal the whole tree, not just sh
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, errdefs.Wrap(errdefs.KindRuntime, "supervisor.startCommand", err)
	}

	p := &basicProcess{
		name: name,
		port: port,
		cmd:  cmd,
		done: make(chan struct{}),
	}
	go func() {
		defer close(p.done)
		if err := cmd.Wait(); err != nil {
			logger := log.WithComponent("supervisor")
			logger.Debug().Err(err).Str("site", name).Msg("start command exited")
		}
	}()
	return p, nil
}

// alive reports whether the process is still serving
func (p *basicProcess) alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// stop shuts the process down, escalating from SIGTERM to SIGKILL after the
// standard grace period
func (p *basicProcess) stop(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.server != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, stopGrace)
		defer cancel()
		if err := p.server.Shutdown(shutdownCtx); err != nil {
			return p.server.Close()
		}
		return nil
	}

	if p.cmd == nil || p.cmd.Process == nil {
		return nil
	}
	// Negative pid signals the process group
	pgid := -p.cmd.Process.Pid
	_ = syscall.Kill(pgid, syscall.SIGTERM)
	select {
	case <-p.done:
		return nil
	case <-time.After(stopGrace):
		_ = syscall.Kill(pgid, syscall.SIGKILL)
	case <-ctx.Done():
		_ = syscall.Kill(pgid, syscall.SIGKILL)
	}
	<-p.done
	return nil
}
