package supervisor

import (
	"context"

	"github.com/burrowhq/burrow/pkg/errdefs"
	"github.com/burrowhq/burrow/pkg/procs"
)

// planBuild produces an image with the external build tool. Unlike plan
// resolution, a build failure here is surfaced to the caller; the source
// tree was classified as buildable and silently serving it raw instead
// would mask real build breakage.
func (s *Supervisor) planBuild(ctx context.Context, spec Spec, tag string) error {
	args := []string{"build", spec.Path, "--name", tag}
	for _, kv := range envSlice(spec.Env) {
		args = append(args, "--env", kv)
	}

	res, err := procs.Run(ctx, procs.Options{
		Name:    "nixpacks",
		Args:    args,
		Timeout: planBuildTimeout,
	})
	if err != nil {
		return errdefs.Wrap(errdefs.KindBuild, "supervisor.planBuild", err)
	}
	if res.ExitCode != 0 {
		return errdefs.New(errdefs.KindBuild, "supervisor.planBuild",
			"plan build for %s exited %d: %s", spec.SiteName, res.ExitCode, tail(res.Stderr, 2000))
	}
	return nil
}

// tail returns at most n trailing bytes of s; build logs can be huge and
// only the end explains the failure
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
