// Package vcs wraps the version-control operations the engine relies on.
// Reads go through go-git; mutations of worktrees, refs and merges shell out to
// the git binary so they share git's own locking and merge machinery.
package vcs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"go.uber.org/zap"

	"flowline/internal/domain"
)

// Git runs version-control operations against local repositories.
type Git struct {
	Binary string
	Log    *zap.Logger
	// Author identity used for checkpoint and merge commits.
	AuthorName  string
	AuthorEmail string
}

func New(log *zap.Logger) Git {
	return Git{Binary: "git", Log: log, AuthorName: "flowline", AuthorEmail: "flowline@localhost"}
}

func (g Git) logger() *zap.Logger {
	if g.Log != nil {
		return g.Log
	}
	return zap.NewNop()
}

func (g Git) binary() string {
	if g.Binary != "" {
		return g.Binary
	}
	return "git"
}

// run executes git in dir and returns trimmed stdout.
func (g Git) run(ctx context.Context, dir string, env []string, args ...string) (string, error) {
	out, err := g.output(ctx, dir, env, args...)
	return strings.TrimSpace(out), err
}

// output executes git in dir and returns stdout untouched. Porcelain formats
// need it: their leading status column may be a space.
func (g Git) output(ctx context.Context, dir string, env []string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, g.binary(), args...)
	cmd.Dir = dir
	name, email := g.AuthorName, g.AuthorEmail
	if name == "" {
		name = "flowline"
	}
	if email == "" {
		email = "flowline@localhost"
	}
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME="+name, "GIT_AUTHOR_EMAIL="+email,
		"GIT_COMMITTER_NAME="+name, "GIT_COMMITTER_EMAIL="+email,
		"GIT_TERMINAL_PROMPT=0")
	cmd.Env = append(cmd.Env, env...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return "", domain.SystemErr(domain.CodeVCSMissing, "git binary %q not found", g.binary()).Wrap(err)
		}
		if ctx.Err() == context.DeadlineExceeded {
			return "", domain.TimeoutErr(domain.CodeVCSFailure, "git %s timed out", args[0]).Wrap(err)
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = strings.TrimSpace(stdout.String())
		}
		g.logger().Debug("git failed", zap.String("dir", dir), zap.Strings("args", args), zap.String("stderr", msg))
		return stdout.String(), domain.SystemErr(domain.CodeVCSFailure, "git %s: %s", strings.Join(args, " "), msg).
			With("dir", dir).Wrap(err)
	}
	return stdout.String(), nil
}

func open(repoPath string) (*git.Repository, error) {
	repo, err := git.PlainOpenWithOptions(repoPath, &git.PlainOpenOptions{EnableDotGitCommonDir: true})
	if err != nil {
		return nil, domain.SystemErr(domain.CodeVCSFailure, "open repository %s", repoPath).Wrap(err)
	}
	return repo, nil
}

// IsRepository reports whether path is the root of a git repository.
func (g Git) IsRepository(path string) bool {
	_, err := git.PlainOpen(path)
	return err == nil
}

// BranchHead resolves refs/heads/<branch> to a commit id.
func (g Git) BranchHead(repoPath, branch string) (string, error) {
	repo, err := open(repoPath)
	if err != nil {
		return "", err
	}
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(branch), true)
	if err != nil {
		return "", domain.UserErr(domain.CodeNotFound, "branch %s not found in %s", branch, repoPath).Wrap(err)
	}
	return ref.Hash().String(), nil
}

// CheckedOutBranch returns the branch checked out in the repository's main
// working tree, or "" for a detached HEAD.
func (g Git) CheckedOutBranch(repoPath string) (string, error) {
	repo, err := open(repoPath)
	if err != nil {
		return "", err
	}
	head, err := repo.Head()
	if err != nil {
		return "", domain.SystemErr(domain.CodeVCSFailure, "read HEAD of %s", repoPath).Wrap(err)
	}
	if !head.Name().IsBranch() {
		return "", nil
	}
	return head.Name().Short(), nil
}

// IsAncestor reports whether ancestor is reachable from descendant.
func (g Git) IsAncestor(repoPath, ancestor, descendant string) (bool, error) {
	if ancestor == descendant {
		return true, nil
	}
	repo, err := open(repoPath)
	if err != nil {
		return false, err
	}
	a, err := repo.CommitObject(plumbing.NewHash(ancestor))
	if err != nil {
		return false, domain.SystemErr(domain.CodeVCSFailure, "commit %s", ancestor).Wrap(err)
	}
	d, err := repo.CommitObject(plumbing.NewHash(descendant))
	if err != nil {
		return false, domain.SystemErr(domain.CodeVCSFailure, "commit %s", descendant).Wrap(err)
	}
	return a.IsAncestor(d)
}

// AddWorktree creates a worktree at path on a new branch starting at base.
func (g Git) AddWorktree(ctx context.Context, repoPath, path, branch, base string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return domain.SystemErr(domain.CodeVCSFailure, "create worktree dir").Wrap(err)
	}
	_, _ = g.run(ctx, repoPath, nil, "worktree", "prune")
	_, err := g.run(ctx, repoPath, nil, "worktree", "add", "-b", branch, path, base)
	return err
}

// RemoveWorktree deletes the worktree directory; its branch is kept.
func (g Git) RemoveWorktree(ctx context.Context, repoPath, path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		_, _ = g.run(ctx, repoPath, nil, "worktree", "prune")
		return nil
	}
	_, err := g.run(ctx, repoPath, nil, "worktree", "remove", "--force", path)
	return err
}

// DeleteBranch removes a local branch.
func (g Git) DeleteBranch(ctx context.Context, repoPath, branch string) error {
	_, err := g.run(ctx, repoPath, nil, "branch", "-D", branch)
	return err
}

// Worktrees lists worktree paths registered with the repository.
func (g Git) Worktrees(ctx context.Context, repoPath string) ([]string, error) {
	out, err := g.run(ctx, repoPath, nil, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, "worktree ") {
			paths = append(paths, strings.TrimPrefix(line, "worktree "))
		}
	}
	return paths, nil
}

// Head returns the commit checked out in dir.
func (g Git) Head(ctx context.Context, dir string) (string, error) {
	return g.run(ctx, dir, nil, "rev-parse", "HEAD")
}

// ChangedFiles lists paths that differ from base in dir: committed,
// staged, unstaged and untracked.
func (g Git) ChangedFiles(ctx context.Context, dir, base string) ([]string, error) {
	tracked, err := g.run(ctx, dir, nil, "diff", "--name-only", "--no-renames", base)
	if err != nil {
		return nil, err
	}
	untracked, err := g.run(ctx, dir, nil, "ls-files", "--others", "--exclude-standard")
	if err != nil {
		return nil, err
	}
	return uniqueLines(tracked, untracked), nil
}

func uniqueLines(blocks ...string) []string {
	set := map[string]struct{}{}
	for _, b := range blocks {
		for _, l := range strings.Split(b, "\n") {
			if l = strings.TrimSpace(l); l != "" {
				set[l] = struct{}{}
			}
		}
	}
	out := make([]string, 0, len(set))
	for l := range set {
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}

// CommitAll stages everything in dir and commits it, returning the new HEAD.
// An empty change set still produces a commit so every checkpoint has its own id.
func (g Git) CommitAll(ctx context.Context, dir, message string) (string, error) {
	if _, err := g.run(ctx, dir, nil, "add", "-A"); err != nil {
		return "", err
	}
	if _, err := g.run(ctx, dir, nil, "commit", "--allow-empty", "--no-verify", "-m", message); err != nil {
		return "", err
	}
	return g.Head(ctx, dir)
}

// Snapshot records the full working-tree state of dir (including untracked
// files) as a commit on ref without touching the working tree or its index.
func (g Git) Snapshot(ctx context.Context, dir, ref, message string) (string, error) {
	gitDir, err := g.run(ctx, dir, nil, "rev-parse", "--absolute-git-dir")
	if err != nil {
		return "", err
	}
	index := filepath.Join(gitDir, "flowline-snapshot.index")
	defer os.Remove(index)
	env := []string{"GIT_INDEX_FILE=" + index}
	if _, err := g.run(ctx, dir, env, "read-tree", "HEAD"); err != nil {
		return "", err
	}
	if _, err := g.run(ctx, dir, env, "add", "-A"); err != nil {
		return "", err
	}
	tree, err := g.run(ctx, dir, env, "write-tree")
	if err != nil {
		return "", err
	}
	commit, err := g.run(ctx, dir, nil, "commit-tree", tree, "-p", "HEAD", "-m", message)
	if err != nil {
		return "", err
	}
	if _, err := g.run(ctx, dir, nil, "update-ref", ref, commit); err != nil {
		return "", err
	}
	return commit, nil
}

// Merge merges commits into the branch checked out in dir, one at a time.
// On conflict the merge is aborted and a MergeConflict error lists the paths.
func (g Git) Merge(ctx context.Context, dir string, noFF bool, message string, commits ...string) error {
	for _, c := range commits {
		args := []string{"merge", "--no-edit"}
		if noFF {
			args = append(args, "--no-ff")
		}
		args = append(args, "-m", message, c)
		if _, err := g.run(ctx, dir, nil, args...); err != nil {
			if domain.CategoryOf(err) == domain.CategoryTimeout {
				return err
			}
			paths, _ := g.run(ctx, dir, nil, "diff", "--name-only", "--diff-filter=U")
			_, _ = g.run(ctx, dir, nil, "merge", "--abort")
			conflicted := uniqueLines(paths)
			if len(conflicted) == 0 {
				return err
			}
			return domain.ConflictErr(domain.CodeMergeConflict, "merging %s produced conflicts", short(c)).
				With("paths", conflicted).With("commits", []string{c}).Wrap(err)
		}
	}
	return nil
}

// Diff returns the changed paths and a diffstat between two commits.
func (g Git) Diff(ctx context.Context, repoPath, from, to string) ([]string, string, error) {
	names, err := g.run(ctx, repoPath, nil, "diff", "--name-only", from, to)
	if err != nil {
		return nil, "", err
	}
	stat, err := g.run(ctx, repoPath, nil, "diff", "--shortstat", from, to)
	if err != nil {
		return nil, "", err
	}
	return uniqueLines(names), stat, nil
}

// CommitsBetween lists commits reachable from to but not from from, newest first.
func (g Git) CommitsBetween(ctx context.Context, repoPath, from, to string) ([]string, error) {
	out, err := g.run(ctx, repoPath, nil, "rev-list", from+".."+to)
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// Dirty lists tracked paths with uncommitted changes in the working tree at dir.
func (g Git) Dirty(ctx context.Context, dir string) ([]string, error) {
	out, err := g.output(ctx, dir, nil, "status", "--porcelain", "-z", "--untracked-files=no")
	if err != nil {
		return nil, err
	}
	var paths []string
	records := strings.Split(out, "\x00")
	for i := 0; i < len(records); i++ {
		rec := records[i]
		if len(rec) < 4 {
			continue
		}
		paths = append(paths, rec[3:])
		// renames and copies carry the original path as the next record
		if rec[0] == 'R' || rec[0] == 'C' {
			i++
		}
	}
	sort.Strings(paths)
	return paths, nil
}

// FastForward advances the branch checked out in dir to commit.
func (g Git) FastForward(ctx context.Context, dir, commit string) error {
	_, err := g.run(ctx, dir, nil, "merge", "--ff-only", commit)
	return err
}

// UpdateBranch moves refs/heads/<branch> from old to new atomically; it fails
// if the branch no longer points at old.
func (g Git) UpdateBranch(ctx context.Context, repoPath, branch, newCommit, oldCommit string) error {
	_, err := g.run(ctx, repoPath, nil, "update-ref", "refs/heads/"+branch, newCommit, oldCommit)
	return err
}

func short(commit string) string {
	if len(commit) > 12 {
		return commit[:12]
	}
	return commit
}

// Short abbreviates a commit id for messages.
func Short(commit string) string { return short(commit) }

// BranchName is the branch an attempt works on.
func BranchName(flowID, taskID string, attempt int) string {
	return fmt.Sprintf("flowline/%s/%s/%d", shortID(flowID), shortID(taskID), attempt)
}

// MergeBranchName is the branch a merge candidate is built on.
func MergeBranchName(mergeID string) string {
	return "flowline/merge/" + shortID(mergeID)
}

// ArchiveRef is where a retried attempt's working-tree state is preserved.
func ArchiveRef(attemptID string) string {
	return "refs/flowline/archive/" + attemptID
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
