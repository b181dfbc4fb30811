package gitws

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/burrowhq/burrow/pkg/errdefs"
	"github.com/burrowhq/burrow/pkg/log"
	"github.com/burrowhq/burrow/pkg/procs"
	"github.com/burrowhq/burrow/pkg/types"
)

const (
	// gitTimeout bounds every git subprocess
	gitTimeout = 60 * time.Second

	// mainBranch is the deploy target every site converges on
	mainBranch = "main"
)

// defaultIgnore is written on repository initialization
const defaultIgnore = `node_modules/
dist/
build/
.cache/
*.log
.DS_Store
`

// Workspace performs branch operations on site checkouts. It never retries;
// the session manager decides whether a failure transitions state or is
// surfaced to the user.
type Workspace struct {
	authorName  string
	authorEmail string
	logger      zerolog.Logger
}

// NewWorkspace creates a git workspace service
func NewWorkspace() *Workspace {
	return &Workspace{
		authorName:  "Burrow",
		authorEmail: "burrow@localhost",
		logger:      log.WithComponent("gitws"),
	}
}

// git runs one git subprocess in dir and surfaces nonzero exits as
// classified repo errors carrying stderr
func (w *Workspace) git(ctx context.Context, dir string, args ...string) (string, error) {
	res, err := procs.Run(ctx, procs.Options{
		Name:    "git",
		Args:    args,
		Dir:     dir,
		Timeout: gitTimeout,
	})
	if err != nil {
		return "", errdefs.Wrap(errdefs.KindRepo, "gitws.git", err)
	}
	if res.ExitCode != 0 {
		return "", errdefs.New(errdefs.KindRepo, "gitws.git",
			"git %s: %s", strings.Join(args, " "), strings.TrimSpace(res.Stderr))
	}
	return strings.TrimSpace(res.Stdout), nil
}

// Clone fetches a remote repository into path. The directory must exist;
// clones into a non-empty directory fail, which keeps a pre-seeded site tree
// from being clobbered.
func (w *Workspace) Clone(ctx context.Context, url, path string) error {
	res, err := procs.Run(ctx, procs.Options{
		Name:    "git",
		Args:    []string{"clone", url, path},
		Timeout: 5 * time.Minute,
	})
	if err != nil {
		return errdefs.Wrap(errdefs.KindRepo, "gitws.Clone", err)
	}
	if res.ExitCode != 0 {
		return errdefs.New(errdefs.KindRepo, "gitws.Clone",
			"git clone %s: %s", url, strings.TrimSpace(res.Stderr))
	}
	w.logger.Info().Str("path", path).Msg("repository cloned")
	return nil
}

// IsRepo reports whether path is inside a git work tree
func (w *Workspace) IsRepo(ctx context.Context, path string) bool {
	out, err := w.git(ctx, path, "rev-parse", "--is-inside-work-tree")
	return err == nil && out == "true"
}

// Initialize makes path a repository if it is not one already: init, a
// default ignore list, identity config and an initial commit of the working
// tree. Idempotent.
func (w *Workspace) Initialize(ctx context.Context, path string) error {
	if w.IsRepo(ctx, path) {
		return nil
	}

	if _, err := w.git(ctx, path, "init", "-b", mainBranch); err != nil {
		return err
	}
	if _, err := w.git(ctx, path, "config", "user.name", w.authorName); err != nil {
		return err
	}
	if _, err := w.git(ctx, path, "config", "user.email", w.authorEmail); err != nil {
		return err
	}

	ignorePath := filepath.Join(path, ".gitignore")
	if _, err := os.Stat(ignorePath); os.IsNotExist(err) {
		if err := os.WriteFile(ignorePath, []byte(defaultIgnore), 0644); err != nil {
			return fmt.Errorf("failed to write .gitignore: %w", err)
		}
	}

	if _, err := w.git(ctx, path, "add", "-A"); err != nil {
		return err
	}
	if _, err := w.git(ctx, path, "commit", "--allow-empty", "-m", "Initial commit"); err != nil {
		return err
	}

	w.logger.Info().Str("path", path).Msg("repository initialized")
	return nil
}

// CreateEditBranch checks out main, creates "<base>-<unix_ms>" and checks it
// out. Fails when main cannot be checked out (dirty tree).
func (w *Workspace) CreateEditBranch(ctx context.Context, path, base string) (string, error) {
	if base == "" {
		base = "edit"
	}

	if _, err := w.git(ctx, path, "checkout", mainBranch); err != nil {
		return "", err
	}

	branch := base + "-" + strconv.FormatInt(time.Now().UnixMilli(), 10)
	if _, err := w.git(ctx, path, "checkout", "-b", branch); err != nil {
		return "", err
	}
	return branch, nil
}

// Status reports the current branch and working-tree state
func (w *Workspace) Status(ctx context.Context, path string) (*types.RepoStatus, error) {
	st := &types.RepoStatus{}
	if !w.IsRepo(ctx, path) {
		return st, nil
	}
	st.IsRepo = true

	branch, err := w.git(ctx, path, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return nil, err
	}
	st.CurrentBranch = branch

	out, err := w.git(ctx, path, "status", "--porcelain")
	if err != nil {
		return nil, err
	}
	for _, line := range strings.Split(out, "\n") {
		if len(line) < 4 {
			continue
		}
		code, file := line[:2], strings.TrimSpace(line[3:])
		if code == "??" {
			st.Untracked = append(st.Untracked, file)
		} else {
			st.Modified = append(st.Modified, file)
		}
	}
	st.Dirty = len(st.Untracked) > 0 || len(st.Modified) > 0
	return st, nil
}

// Commit stages everything and commits. When message is empty one is derived
// from the changed files ("Update a, b" for three or fewer, "Update N files"
// otherwise). Returns the new commit hash, or "" when the tree was clean.
func (w *Workspace) Commit(ctx context.Context, path, message string) (string, error) {
	if _, err := w.git(ctx, path, "add", "-A"); err != nil {
		return "", err
	}

	st, err := w.Status(ctx, path)
	if err != nil {
		return "", err
	}
	changed := append(append([]string{}, st.Modified...), st.Untracked...)
	if len(changed) == 0 {
		return "", nil
	}

	if message == "" {
		if len(changed) <= 3 {
			message = "Update " + strings.Join(changed, ", ")
		} else {
			message = fmt.Sprintf("Update %d files", len(changed))
		}
	}

	if _, err := w.git(ctx, path, "commit", "-m", message); err != nil {
		return "", err
	}
	return w.git(ctx, path, "rev-parse", "HEAD")
}

// Checkout switches the working tree to branch
func (w *Workspace) Checkout(ctx context.Context, path, branch string) error {
	_, err := w.git(ctx, path, "checkout", branch)
	return err
}

// Head returns the current commit hash
func (w *Workspace) Head(ctx context.Context, path string) (string, error) {
	return w.git(ctx, path, "rev-parse", "HEAD")
}

// DeleteBranch removes a branch; force discards unmerged commits
func (w *Workspace) DeleteBranch(ctx context.Context, path, branch string, force bool) error {
	flag := "-d"
	if force {
		flag = "-D"
	}
	_, err := w.git(ctx, path, "branch", flag, branch)
	return err
}

// ListBranches returns all local branch names
func (w *Workspace) ListBranches(ctx context.Context, path string) ([]string, error) {
	out, err := w.git(ctx, path, "branch", "--format=%(refname:short)")
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// History returns the most recent commits on the current branch
func (w *Workspace) History(ctx context.Context, path string, limit int) ([]*types.CommitInfo, error) {
	if limit <= 0 {
		limit = 20
	}
	out, err := w.git(ctx, path, "log", "-n", strconv.Itoa(limit),
		"--pretty=format:%H%x09%an%x09%aI%x09%s")
	if err != nil {
		return nil, err
	}

	var commits []*types.CommitInfo
	for _, line := range strings.Split(out, "\n") {
		parts := strings.SplitN(line, "\t", 4)
		if len(parts) != 4 {
			continue
		}
		date, _ := time.Parse(time.RFC3339, parts[2])
		commits = append(commits, &types.CommitInfo{
			Hash:    parts[0],
			Author:  parts[1],
			Date:    date,
			Message: parts[3],
		})
	}
	return commits, nil
}

// MergeToMain checks out main, merges branch (non-fast-forward tolerated)
// and deletes the branch. On conflict the merge is aborted so the branch
// stays intact for a retry, and a repo error is returned.
func (w *Workspace) MergeToMain(ctx context.Context, path, branch string) error {
	if _, err := w.git(ctx, path, "checkout", mainBranch); err != nil {
		return err
	}

	if _, err := w.git(ctx, path, "merge", "--no-ff", branch, "-m",
		fmt.Sprintf("Merge branch '%s'", branch)); err != nil {
		// Leave the tree usable; the branch survives for a retry
		if _, abortErr := w.git(ctx, path, "merge", "--abort"); abortErr != nil {
			w.logger.Warn().Err(abortErr).Msg("merge abort failed")
		}
		return err
	}

	return w.DeleteBranch(ctx, path, branch, false)
}
