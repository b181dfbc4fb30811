package procs

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"syscall"
	"time"

	"github.com/burrowhq/burrow/pkg/errdefs"
)

// terminateGrace is how long a cancelled process gets between SIGTERM and SIGKILL
const terminateGrace = 5 * time.Second

// Result carries the typed outcome of a finished subprocess
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Options describes one subprocess invocation. Args are passed as an argv
// vector, never through a shell, so user-supplied strings (site names,
// branch names) cannot be interpolated into a command line.
type Options struct {
	Name    string
	Args    []string
	Dir     string
	Env     []string // appended to the inherited environment
	Timeout time.Duration
}

// Run executes a subprocess and waits for it. The timeout is mandatory: a
// zero value is rejected rather than defaulted, so every call site states
// its budget. On timeout the process receives SIGTERM, then SIGKILL after a
// grace period, and the returned error is classified KindTimeout.
//
// A nonzero exit is not an error at this level; callers inspect
// Result.ExitCode and decide. Run only fails when the process could not be
// started or the deadline was exceeded.
func Run(ctx context.Context, opts Options) (*Result, error) {
	if opts.Timeout <= 0 {
		return nil, errdefs.New(errdefs.KindTimeout, "procs.Run", "missing timeout for %s", opts.Name)
	}

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, opts.Name, opts.Args...)
	cmd.Dir = opts.Dir
	if len(opts.Env) > 0 {
		cmd.Env = append(cmd.Environ(), opts.Env...)
	}

	// Terminate gracefully on cancellation; WaitDelay escalates to SIGKILL
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = terminateGrace

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	res := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: -1,
	}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}

	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return res, errdefs.New(errdefs.KindTimeout, "procs.Run",
				"%s timed out after %s", opts.Name, opts.Timeout)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			// Nonzero exit: report through the result, not the error
			return res, nil
		}
		return res, err
	}

	return res, nil
}
