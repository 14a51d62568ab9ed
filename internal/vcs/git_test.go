package vcs

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"flowline/internal/domain"
)

func setupGitRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	runGit(t, dir, "init", "-b", "main")
	runGit(t, dir, "config", "user.email", "test@test.com")
	runGit(t, dir, "config", "user.name", "Test")
	writeFile(t, filepath.Join(dir, "README.md"), "# Test\n")
	runGit(t, dir, "add", ".")
	runGit(t, dir, "commit", "-m", "Initial commit")
	return dir
}

func runGit(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %v failed: %s", args, out)
	}
	return string(out)
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestBranchHeadAndCheckedOutBranch(t *testing.T) {
	repo := setupGitRepo(t)
	g := New(nil)
	head, err := g.BranchHead(repo, "main")
	if err != nil {
		t.Fatal(err)
	}
	if len(head) != 40 {
		t.Fatalf("unexpected head %q", head)
	}
	branch, err := g.CheckedOutBranch(repo)
	if err != nil || branch != "main" {
		t.Fatalf("checked out branch = %q, %v", branch, err)
	}
	if _, err := g.BranchHead(repo, "nope"); !domain.IsCode(err, domain.CodeNotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestWorktreeCommitAndChangedFiles(t *testing.T) {
	ctx := context.Background()
	repo := setupGitRepo(t)
	g := New(nil)
	base, _ := g.BranchHead(repo, "main")
	wt := filepath.Join(t.TempDir(), "wt")
	if err := g.AddWorktree(ctx, repo, wt, "flowline/f/t/1", base); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(wt, "src", "a.go"), "package a\n")
	writeFile(t, filepath.Join(wt, "README.md"), "# Changed\n")

	changed, err := g.ChangedFiles(ctx, wt, base)
	if err != nil {
		t.Fatal(err)
	}
	if len(changed) != 2 || changed[0] != "README.md" || changed[1] != "src/a.go" {
		t.Fatalf("changed = %v", changed)
	}

	commit, err := g.CommitAll(ctx, wt, "checkpoint")
	if err != nil {
		t.Fatal(err)
	}
	ok, err := g.IsAncestor(repo, base, commit)
	if err != nil || !ok {
		t.Fatalf("base should be ancestor of checkpoint: %v %v", ok, err)
	}
	files, stat, err := g.Diff(ctx, repo, base, commit)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 2 || stat == "" {
		t.Fatalf("diff files=%v stat=%q", files, stat)
	}
	if err := g.RemoveWorktree(ctx, repo, wt); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(wt); !os.IsNotExist(err) {
		t.Fatalf("worktree still present")
	}
}

func TestSnapshotPreservesWorkingTree(t *testing.T) {
	ctx := context.Background()
	repo := setupGitRepo(t)
	g := New(nil)
	base, _ := g.BranchHead(repo, "main")
	wt := filepath.Join(t.TempDir(), "wt")
	if err := g.AddWorktree(ctx, repo, wt, "flowline/f/t/1", base); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(wt, "notes.txt"), "partial work\n")

	commit, err := g.Snapshot(ctx, wt, ArchiveRef("att-1"), "archive")
	if err != nil {
		t.Fatal(err)
	}
	if got := runGit(t, repo, "show", commit+":notes.txt"); got != "partial work\n" {
		t.Fatalf("archived content = %q", got)
	}
	data, err := os.ReadFile(filepath.Join(wt, "notes.txt"))
	if err != nil || string(data) != "partial work\n" {
		t.Fatalf("working tree changed: %q %v", data, err)
	}
	status := runGit(t, wt, "status", "--porcelain")
	if status != "?? notes.txt\n" {
		t.Fatalf("index was touched: %q", status)
	}
}

func TestMergeConflictIsStructured(t *testing.T) {
	ctx := context.Background()
	repo := setupGitRepo(t)
	g := New(nil)
	base, _ := g.BranchHead(repo, "main")
	dir := t.TempDir()

	var commits []string
	for i, content := range []string{"one\n", "two\n"} {
		wt := filepath.Join(dir, string(rune('a'+i)))
		if err := g.AddWorktree(ctx, repo, wt, "b"+string(rune('a'+i)), base); err != nil {
			t.Fatal(err)
		}
		writeFile(t, filepath.Join(wt, "README.md"), content)
		c, err := g.CommitAll(ctx, wt, "change")
		if err != nil {
			t.Fatal(err)
		}
		commits = append(commits, c)
	}

	target := filepath.Join(dir, "merge")
	if err := g.AddWorktree(ctx, repo, target, "merge", base); err != nil {
		t.Fatal(err)
	}
	err := g.Merge(ctx, target, true, "merge", commits...)
	if !domain.IsCode(err, domain.CodeMergeConflict) {
		t.Fatalf("expected merge conflict, got %v", err)
	}
	de, _ := domain.AsError(err)
	paths, _ := de.Details["paths"].([]string)
	if len(paths) != 1 || paths[0] != "README.md" {
		t.Fatalf("conflict paths = %v", paths)
	}
	if dirty, _ := g.Dirty(ctx, target); len(dirty) != 0 {
		t.Fatalf("merge not aborted: %v", dirty)
	}
}

func TestDirtyListsShortAndStagedPaths(t *testing.T) {
	ctx := context.Background()
	repo := setupGitRepo(t)
	writeFile(t, filepath.Join(repo, "a"), "one\n")
	writeFile(t, filepath.Join(repo, "b"), "one\n")
	runGit(t, repo, "add", "a", "b")
	runGit(t, repo, "commit", "-m", "short names")
	g := New(nil)

	clean, err := g.Dirty(ctx, repo)
	if err != nil || len(clean) != 0 {
		t.Fatalf("clean checkout reported dirty: %v, %v", clean, err)
	}

	writeFile(t, filepath.Join(repo, "a"), "two\n")
	writeFile(t, filepath.Join(repo, "b"), "two\n")
	runGit(t, repo, "add", "b")
	writeFile(t, filepath.Join(repo, "untracked"), "x\n")
	dirty, err := g.Dirty(ctx, repo)
	if err != nil {
		t.Fatal(err)
	}
	if len(dirty) != 2 || dirty[0] != "a" || dirty[1] != "b" {
		t.Fatalf("dirty = %q, want [a b]", dirty)
	}
}

func TestDirtyAndUpdateBranch(t *testing.T) {
	ctx := context.Background()
	repo := setupGitRepo(t)
	g := New(nil)
	base, _ := g.BranchHead(repo, "main")

	writeFile(t, filepath.Join(repo, "README.md"), "local edit\n")
	dirty, err := g.Dirty(ctx, repo)
	if err != nil || len(dirty) != 1 || dirty[0] != "README.md" {
		t.Fatalf("dirty = %v, %v", dirty, err)
	}
	runGit(t, repo, "checkout", "--", "README.md")

	runGit(t, repo, "branch", "target", base)
	wt := filepath.Join(t.TempDir(), "wt")
	if err := g.AddWorktree(ctx, repo, wt, "work", base); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(wt, "x.txt"), "x\n")
	next, err := g.CommitAll(ctx, wt, "x")
	if err != nil {
		t.Fatal(err)
	}
	if err := g.UpdateBranch(ctx, repo, "target", next, base); err != nil {
		t.Fatal(err)
	}
	if err := g.UpdateBranch(ctx, repo, "target", next, base); err == nil {
		t.Fatalf("compare-and-swap should fail once the branch moved")
	}
	commits, err := g.CommitsBetween(ctx, repo, base, next)
	if err != nil || len(commits) != 1 {
		t.Fatalf("commits between = %v, %v", commits, err)
	}
}
