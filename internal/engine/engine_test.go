package engine_test

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"flowline/internal/config"
	"flowline/internal/db"
	"flowline/internal/domain"
	"flowline/internal/engine"
	"flowline/internal/events"
	"flowline/internal/migrate"
	"flowline/internal/projector"
	"flowline/internal/runtime"
)

type agentFunc func(ctx context.Context, inv runtime.Invocation) (runtime.Result, error)

type testEnv struct {
	t      *testing.T
	Engine engine.Engine
	Ctx    context.Context
	Repo   string

	mu    sync.Mutex
	agent agentFunc
	calls map[string]int
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ws := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: ws})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	_, err = migrate.Migrate(ctx, conn)
	require.NoError(t, err)

	env := &testEnv{t: t, Ctx: ctx, Repo: setupGitRepo(t), calls: map[string]int{}}
	env.agent = writeTitleFile
	eng := engine.New(conn, config.Default(), ws, zap.NewNop())
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	eng.PollInterval = 10 * time.Millisecond
	eng.Adapters = func(domain.Runtime) runtime.Adapter {
		return runtime.AdapterFunc(func(ctx context.Context, inv runtime.Invocation) (runtime.Result, error) {
			env.mu.Lock()
			env.calls[inv.TaskID]++
			agent := env.agent
			env.mu.Unlock()
			return agent(ctx, inv)
		})
	}
	env.Engine = eng

	_, err = eng.CreateProject(ctx, engine.ProjectCreateOptions{ID: "proj-1", Name: "test", ActorID: "tester"})
	require.NoError(t, err)
	_, err = eng.AttachRepo(ctx, engine.AttachRepoOptions{ProjectID: "proj-1", Path: env.Repo, ActorID: "tester"})
	require.NoError(t, err)
	_, err = eng.SetRuntime(ctx, "proj-1", domain.Runtime{Binary: "fake-agent"}, "tester")
	require.NoError(t, err)
	return env
}

func (env *testEnv) setAgent(fn agentFunc) {
	env.mu.Lock()
	defer env.mu.Unlock()
	env.agent = fn
}

func (env *testEnv) callsFor(taskID string) int {
	env.mu.Lock()
	defer env.mu.Unlock()
	return env.calls[taskID]
}

// writeTitleFile is the default agent: it writes <title>.txt and succeeds.
func writeTitleFile(_ context.Context, inv runtime.Invocation) (runtime.Result, error) {
	if err := os.WriteFile(filepath.Join(inv.Worktree, inv.Title+".txt"), []byte(inv.Title+"\n"), 0o644); err != nil {
		return runtime.Result{}, err
	}
	return runtime.Result{Success: true, Output: "wrote " + inv.Title}, nil
}

func (env *testEnv) createTask(opts engine.TaskCreateOptions) domain.Task {
	env.t.Helper()
	opts.ProjectID = "proj-1"
	opts.ActorID = "tester"
	if opts.Title == "" {
		opts.Title = strings.TrimPrefix(opts.ID, "task-")
	}
	tk, err := env.Engine.CreateTask(env.Ctx, opts)
	require.NoError(env.t, err)
	return tk
}

func (env *testEnv) startFlow(maxAttempts int, taskIDs ...string) domain.Flow {
	env.t.Helper()
	g, err := env.Engine.CreateGraph(env.Ctx, engine.GraphCreateOptions{ProjectID: "proj-1", Name: "g", Tasks: taskIDs, ActorID: "tester"})
	require.NoError(env.t, err)
	f, err := env.Engine.CreateFlow(env.Ctx, engine.FlowCreateOptions{GraphID: g.ID, MaxAttempts: maxAttempts, ActorID: "tester"})
	require.NoError(env.t, err)
	f, err = env.Engine.StartFlow(env.Ctx, f.ID, "tester")
	require.NoError(env.t, err)
	require.Equal(env.t, domain.FlowRunning, f.State)
	return f
}

func (env *testEnv) tick(flowID string) engine.TickResult {
	env.t.Helper()
	res, err := env.Engine.TickFlow(env.Ctx, flowID, engine.TickOptions{ActorID: "tester"})
	require.NoError(env.t, err)
	return res
}

func (env *testEnv) task(id string) domain.Task {
	env.t.Helper()
	st, err := env.Engine.State(env.Ctx)
	require.NoError(env.t, err)
	require.Contains(env.t, st.Tasks, id)
	return *st.Tasks[id]
}

func (env *testEnv) attempt(id string) domain.Attempt {
	env.t.Helper()
	st, err := env.Engine.State(env.Ctx)
	require.NoError(env.t, err)
	require.Contains(env.t, st.Attempts, id)
	return *st.Attempts[id]
}

func (env *testEnv) flow(id string) domain.Flow {
	env.t.Helper()
	st, err := env.Engine.State(env.Ctx)
	require.NoError(env.t, err)
	require.Contains(env.t, st.Flows, id)
	return *st.Flows[id]
}

func (env *testEnv) rejections(f events.Filter) []domain.CommandRejectedPayload {
	env.t.Helper()
	f.Kinds = []domain.Kind{domain.KindCommandRejected}
	evs, err := env.Engine.Events.Read(env.Ctx, nil, f)
	require.NoError(env.t, err)
	out := make([]domain.CommandRejectedPayload, 0, len(evs))
	for _, ev := range evs {
		var p domain.CommandRejectedPayload
		require.NoError(env.t, ev.Decode(&p))
		out = append(out, p)
	}
	return out
}

// completedFlow runs a single checkpoint-exempt task to completion.
func (env *testEnv) completedFlow() domain.Flow {
	env.t.Helper()
	env.createTask(engine.TaskCreateOptions{ID: "task-a", Title: "A", CheckpointExempt: true})
	f := env.startFlow(3, "task-a")
	res := env.tick(f.ID)
	require.Equal(env.t, domain.FlowCompleted, res.State)
	return env.flow(f.ID)
}

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
	return strings.TrimSpace(string(out))
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestFlowRunsToMergedTarget(t *testing.T) {
	env := newTestEnv(t)
	env.createTask(engine.TaskCreateOptions{ID: "task-a", Title: "A", Checks: []domain.Check{{Name: "has-file", Command: "test -f A.txt"}}})
	env.createTask(engine.TaskCreateOptions{ID: "task-b", Title: "B", DependsOn: []string{"task-a"}, CheckpointExempt: true})
	f := env.startFlow(3, "task-a", "task-b")

	res := env.tick(f.ID)
	require.Len(t, res.Dispatched, 1)
	assert.Equal(t, domain.SchedInAttempt, res.Statuses["task-a"])
	assert.Equal(t, domain.SchedBlocked, res.Statuses["task-b"])
	require.Len(t, res.Results, 1)
	assert.Equal(t, domain.TaskCheckpointed, res.Results[0].TaskState)
	assert.Equal(t, domain.OutcomeSuccess, res.Results[0].Outcome)

	_, err := env.Engine.PrepareMerge(env.Ctx, f.ID, "tester")
	assert.True(t, domain.IsCode(err, domain.CodeNotReady), "merge of a running flow: %v", err)

	vr, err := env.Engine.RunVerification(env.Ctx, engine.VerifyOptions{TaskID: "task-a", ActorID: "tester"})
	require.NoError(t, err)
	assert.True(t, vr.Satisfied)
	assert.False(t, vr.Completed)
	assert.Equal(t, domain.TaskVerifying, vr.TaskState)
	require.Len(t, vr.Results, 1)
	assert.True(t, vr.Results[0].Passed)

	a, err := env.Engine.CompleteTask(env.Ctx, "task-a", "tester")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskCompleted, a.State)
	assert.Equal(t, "checkpoint", a.CompletedVia)

	res = env.tick(f.ID)
	require.Len(t, res.Dispatched, 1)
	assert.Equal(t, domain.FlowCompleted, res.State)
	b := env.task("task-b")
	assert.Equal(t, domain.TaskCompleted, b.State)
	assert.Equal(t, "exempt", b.CompletedVia)
	// B starts from A's checkpoint.
	assert.FileExists(t, filepath.Join(env.attempt(b.CurrentAttempt).Worktree, "A.txt"))

	m, err := env.Engine.PrepareMerge(env.Ctx, f.ID, "tester")
	require.NoError(t, err)
	assert.Equal(t, domain.MergePrepared, m.State)
	assert.ElementsMatch(t, []string{"A.txt", "B.txt"}, m.Files)
	assert.Equal(t, runGit(t, env.Repo, "rev-parse", "main"), m.BaseCommit)

	for i := 0; i < 2; i++ {
		m, err = env.Engine.ApproveMerge(env.Ctx, m.ID, "reviewer")
		require.NoError(t, err)
		assert.Equal(t, domain.MergeApproved, m.State)
	}

	out, err := env.Engine.ExecuteMerge(env.Ctx, m.ID, "reviewer")
	require.NoError(t, err)
	assert.False(t, out.AlreadyExecuted)
	assert.Equal(t, domain.MergeExecuted, out.Merge.State)
	assert.Equal(t, "fast-forward", out.Merge.Method)
	assert.Len(t, out.Released, 2)
	assert.Equal(t, m.CandidateCommit, runGit(t, env.Repo, "rev-parse", "main"))
	assert.FileExists(t, filepath.Join(env.Repo, "A.txt"))
	assert.FileExists(t, filepath.Join(env.Repo, "B.txt"))
	assert.NoDirExists(t, env.attempt(b.CurrentAttempt).Worktree)

	again, err := env.Engine.ExecuteMerge(env.Ctx, m.ID, "reviewer")
	require.NoError(t, err)
	assert.True(t, again.AlreadyExecuted)
	assert.Equal(t, m.CandidateCommit, runGit(t, env.Repo, "rev-parse", "main"))

	rep, err := env.Engine.ReplayVerify(env.Ctx)
	require.NoError(t, err)
	assert.True(t, rep.OK, "mismatches: %+v", rep.Mismatches)
	assert.True(t, rep.Deterministic)
	assert.Equal(t, rep.Watermark, rep.CacheWatermark)
}

func TestCompleteRefusedWhileChecksFail(t *testing.T) {
	env := newTestEnv(t)
	env.createTask(engine.TaskCreateOptions{ID: "task-a", Title: "A", Checks: []domain.Check{{Name: "lint", Command: "exit 3"}}})
	f := env.startFlow(3, "task-a")
	env.tick(f.ID)

	vr, err := env.Engine.RunVerification(env.Ctx, engine.VerifyOptions{TaskID: "task-a", ActorID: "tester", AutoComplete: true})
	require.NoError(t, err)
	assert.False(t, vr.Satisfied)
	assert.False(t, vr.Completed)
	assert.Equal(t, 3, vr.Results[0].ExitCode)
	assert.Equal(t, domain.TaskVerifying, vr.TaskState)

	_, err = env.Engine.CompleteTask(env.Ctx, "task-a", "tester")
	require.Error(t, err)
	assert.Equal(t, domain.CodePreconditionFailed, domain.CodeOf(err))
	assert.Equal(t, domain.TaskVerifying, env.task("task-a").State)

	rejected := env.rejections(events.Filter{TaskID: "task-a"})
	require.Len(t, rejected, 1)
	assert.Equal(t, "task complete", rejected[0].Command)
	assert.Equal(t, domain.CodePreconditionFailed, rejected[0].Code)

	tk, err := env.Engine.OverrideCheckpoint(env.Ctx, engine.OverrideOptions{
		TaskID: "task-a", Decision: domain.DecisionPass, Justification: "lint is flaky on CI", ActorID: "lead",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.TaskCompleted, tk.State)
	assert.Equal(t, "override", tk.CompletedVia)
	assert.Equal(t, domain.FlowCompleted, env.flow(f.ID).State)

	cp := env.attempt(tk.CurrentAttempt).Checkpoint
	require.NotNil(t, cp.Override)
	assert.Equal(t, cp.VerificationSeq, cp.Override.VerificationSeq)
	assert.Equal(t, "lead", cp.Override.ActorID)
}

func TestOverrideRejectsStaleAttempt(t *testing.T) {
	env := newTestEnv(t)
	env.createTask(engine.TaskCreateOptions{ID: "task-a", Title: "A", Checks: []domain.Check{{Name: "fails", Command: "false"}}})
	f := env.startFlow(3, "task-a")
	env.tick(f.ID)
	_, err := env.Engine.RunVerification(env.Ctx, engine.VerifyOptions{TaskID: "task-a", ActorID: "tester"})
	require.NoError(t, err)

	_, err = env.Engine.OverrideCheckpoint(env.Ctx, engine.OverrideOptions{
		TaskID: "task-a", AttemptID: "not-current", Decision: domain.DecisionPass, Justification: "ok", ActorID: "lead",
	})
	assert.True(t, domain.IsCode(err, domain.CodeStaleOverride), "got %v", err)

	_, err = env.Engine.OverrideCheckpoint(env.Ctx, engine.OverrideOptions{
		TaskID: "task-a", Decision: domain.DecisionPass, ActorID: "lead",
	})
	assert.Equal(t, domain.CodeInvalidInput, domain.CodeOf(err))

	tk, err := env.Engine.OverrideCheckpoint(env.Ctx, engine.OverrideOptions{
		TaskID: "task-a", Decision: domain.DecisionFail, Justification: "wrong approach", ActorID: "lead",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.TaskFailed, tk.State)
	assert.Equal(t, domain.FlowRunning, env.flow(f.ID).State)
}

func TestTickWithoutWorkOnlyObserves(t *testing.T) {
	env := newTestEnv(t)
	env.createTask(engine.TaskCreateOptions{ID: "task-a", Title: "A"})
	env.createTask(engine.TaskCreateOptions{ID: "task-b", Title: "B", DependsOn: []string{"task-a"}})
	f := env.startFlow(3, "task-a", "task-b")
	env.tick(f.ID)
	before := env.task("task-a")

	for i := 0; i < 2; i++ {
		res := env.tick(f.ID)
		assert.True(t, res.Observed)
		assert.Empty(t, res.Dispatched)
		assert.Equal(t, domain.SchedCheckpointed, res.Statuses["task-a"])
		assert.Equal(t, domain.SchedBlocked, res.Statuses["task-b"])
	}
	after := env.task("task-a")
	assert.Equal(t, before.Attempts, after.Attempts)
	assert.Equal(t, 1, env.callsFor("task-a"))
	assert.Equal(t, 2, env.flow(f.ID).Ticks)
}

func TestPausedFlowDoesNotDispatch(t *testing.T) {
	env := newTestEnv(t)
	env.createTask(engine.TaskCreateOptions{ID: "task-a", Title: "A"})
	f := env.startFlow(3, "task-a")
	_, err := env.Engine.PauseFlow(env.Ctx, f.ID, "maintenance", "tester")
	require.NoError(t, err)

	res := env.tick(f.ID)
	assert.True(t, res.Observed)
	assert.Empty(t, res.Dispatched)
	assert.Equal(t, domain.FlowPaused, res.State)
	assert.Equal(t, domain.SchedReady, res.Statuses["task-a"])
	assert.Zero(t, env.callsFor("task-a"))

	_, err = env.Engine.ResumeFlow(env.Ctx, f.ID, "tester")
	require.NoError(t, err)
	res = env.tick(f.ID)
	assert.Len(t, res.Dispatched, 1)
}

func TestTickExpectedSeq(t *testing.T) {
	env := newTestEnv(t)
	env.createTask(engine.TaskCreateOptions{ID: "task-a", Title: "A"})
	f := env.startFlow(3, "task-a")
	wm, err := env.Engine.Events.Watermark(env.Ctx, nil, events.Filter{FlowID: f.ID})
	require.NoError(t, err)

	_, err = env.Engine.TickFlow(env.Ctx, f.ID, engine.TickOptions{ActorID: "tester", ExpectedSeq: events.Expect(wm - 1)})
	assert.Equal(t, domain.CodeConflict, domain.CodeOf(err))
	assert.Empty(t, env.rejections(events.Filter{FlowID: f.ID}))

	res, err := env.Engine.TickFlow(env.Ctx, f.ID, engine.TickOptions{ActorID: "tester", ExpectedSeq: events.Expect(wm)})
	require.NoError(t, err)
	assert.Len(t, res.Dispatched, 1)
}

func TestRetryContinueKeepsWorktree(t *testing.T) {
	env := newTestEnv(t)
	env.setAgent(func(_ context.Context, inv runtime.Invocation) (runtime.Result, error) {
		if inv.Attempt == 1 {
			writeFile(t, filepath.Join(inv.Worktree, "partial.txt"), "half done\n")
			return runtime.Result{Success: false, Output: "ran out of ideas"}, nil
		}
		if _, err := os.Stat(filepath.Join(inv.Worktree, "partial.txt")); err != nil {
			return runtime.Result{Success: false, Output: "partial work missing"}, nil
		}
		return writeTitleFile(context.Background(), inv)
	})
	env.createTask(engine.TaskCreateOptions{ID: "task-a", Title: "A"})
	f := env.startFlow(3, "task-a")

	res := env.tick(f.ID)
	require.Len(t, res.Results, 1)
	assert.Equal(t, domain.TaskFailed, res.Results[0].TaskState)
	assert.Equal(t, domain.FlowRunning, env.flow(f.ID).State)
	first := env.attempt(res.Results[0].AttemptID)

	a, err := env.Engine.RetryTask(env.Ctx, engine.RetryOptions{TaskID: "task-a", Mode: domain.ModeContinue, ActorID: "tester"})
	require.NoError(t, err)
	assert.Equal(t, domain.AttemptPending, a.State)
	assert.Equal(t, first.Worktree, a.Worktree)
	assert.Equal(t, first.ID, a.PriorAttemptID)
	assert.Equal(t, 2, a.Number)

	archived := env.attempt(first.ID)
	require.NotEmpty(t, archived.ArchiveRef)
	assert.Equal(t, archived.ArchiveCommit, runGit(t, env.Repo, "rev-parse", archived.ArchiveRef))

	res = env.tick(f.ID)
	require.Equal(t, []string{a.ID}, res.Dispatched)
	assert.Equal(t, domain.TaskCheckpointed, res.Results[0].TaskState)
	assert.Contains(t, env.attempt(a.ID).ChangedFiles, "partial.txt")
}

func TestRetryCleanStartsFromBaseline(t *testing.T) {
	env := newTestEnv(t)
	env.setAgent(func(_ context.Context, inv runtime.Invocation) (runtime.Result, error) {
		if inv.Attempt == 1 {
			writeFile(t, filepath.Join(inv.Worktree, "partial.txt"), "half done\n")
			return runtime.Result{Success: false}, nil
		}
		if _, err := os.Stat(filepath.Join(inv.Worktree, "partial.txt")); err == nil {
			return runtime.Result{Success: false, Output: "worktree not clean"}, nil
		}
		return writeTitleFile(context.Background(), inv)
	})
	env.createTask(engine.TaskCreateOptions{ID: "task-a", Title: "A"})
	f := env.startFlow(3, "task-a")
	res := env.tick(f.ID)
	first := env.attempt(res.Results[0].AttemptID)

	a, err := env.Engine.RetryTask(env.Ctx, engine.RetryOptions{TaskID: "task-a", Mode: domain.ModeClean, ActorID: "tester"})
	require.NoError(t, err)
	assert.NotEqual(t, first.Worktree, a.Worktree)
	assert.NotEqual(t, first.Branch, a.Branch)
	assert.Equal(t, first.Baseline, a.Baseline)

	res = env.tick(f.ID)
	assert.Equal(t, domain.TaskCheckpointed, res.Results[0].TaskState)
	assert.DirExists(t, first.Worktree)
}

func TestRetryBudgetFailsFlow(t *testing.T) {
	env := newTestEnv(t)
	env.setAgent(func(context.Context, runtime.Invocation) (runtime.Result, error) {
		return runtime.Result{Success: false}, nil
	})
	env.createTask(engine.TaskCreateOptions{ID: "task-a", Title: "A"})
	f := env.startFlow(1, "task-a")

	res := env.tick(f.ID)
	assert.Equal(t, domain.FlowFailed, res.State)
	assert.True(t, env.task("task-a").RetryExhausted)

	_, err := env.Engine.RetryTask(env.Ctx, engine.RetryOptions{TaskID: "task-a", Mode: domain.ModeClean, ActorID: "tester"})
	assert.Equal(t, domain.CodePreconditionFailed, domain.CodeOf(err))
}

func TestAutoRetryOnTick(t *testing.T) {
	env := newTestEnv(t)
	env.setAgent(func(ctx context.Context, inv runtime.Invocation) (runtime.Result, error) {
		if inv.Attempt == 1 {
			return runtime.Result{Success: false}, nil
		}
		return writeTitleFile(ctx, inv)
	})
	env.createTask(engine.TaskCreateOptions{ID: "task-a", Title: "A"})
	g, err := env.Engine.CreateGraph(env.Ctx, engine.GraphCreateOptions{ProjectID: "proj-1", Name: "g", Tasks: []string{"task-a"}, ActorID: "tester"})
	require.NoError(t, err)
	mode := domain.ModeClean
	f, err := env.Engine.CreateFlow(env.Ctx, engine.FlowCreateOptions{GraphID: g.ID, AutoRetry: &mode, ActorID: "tester"})
	require.NoError(t, err)
	_, err = env.Engine.StartFlow(env.Ctx, f.ID, "tester")
	require.NoError(t, err)

	env.tick(f.ID)
	res := env.tick(f.ID)
	require.Len(t, res.Retried, 1)
	assert.Equal(t, res.Retried, res.Dispatched)
	assert.Equal(t, domain.TaskCheckpointed, res.Results[0].TaskState)
	assert.True(t, env.attempt(res.Retried[0]).Auto)
}

func TestAbortReconcilesLateResult(t *testing.T) {
	env := newTestEnv(t)
	started := make(chan struct{})
	env.setAgent(func(ctx context.Context, inv runtime.Invocation) (runtime.Result, error) {
		close(started)
		<-ctx.Done()
		return runtime.Result{Success: true, Output: "finished anyway"}, nil
	})
	env.createTask(engine.TaskCreateOptions{ID: "task-a", Title: "A"})
	f := env.startFlow(3, "task-a")

	done := make(chan engine.TickResult, 1)
	go func() {
		res, _ := env.Engine.TickFlow(env.Ctx, f.ID, engine.TickOptions{ActorID: "tester"})
		done <- res
	}()
	select {
	case <-started:
	case <-time.After(10 * time.Second):
		t.Fatal("adapter never started")
	}

	aborted, err := env.Engine.AbortFlow(env.Ctx, f.ID, "wrong plan", "tester")
	require.NoError(t, err)
	assert.Equal(t, domain.FlowAborted, aborted.State)

	var res engine.TickResult
	select {
	case res = <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("tick did not return after abort")
	}
	require.Len(t, res.Results, 1)
	assert.True(t, res.Results[0].Late)

	a := env.attempt(res.Results[0].AttemptID)
	assert.Equal(t, domain.AttemptAborted, a.State)
	require.NotNil(t, a.LateResult)
	assert.True(t, a.LateResult.Success)
	assert.Equal(t, domain.TaskAborted, env.task("task-a").State)
	assert.DirExists(t, a.Worktree)
}

func TestAbortedAttemptCanBeRetried(t *testing.T) {
	env := newTestEnv(t)
	started := make(chan struct{})
	env.setAgent(func(ctx context.Context, inv runtime.Invocation) (runtime.Result, error) {
		if inv.Attempt > 1 {
			if _, err := os.Stat(filepath.Join(inv.Worktree, "draft.txt")); err != nil {
				return runtime.Result{Success: false, Output: "draft missing"}, nil
			}
			return writeTitleFile(ctx, inv)
		}
		if err := os.WriteFile(filepath.Join(inv.Worktree, "draft.txt"), []byte("draft\n"), 0o644); err != nil {
			return runtime.Result{}, err
		}
		close(started)
		<-ctx.Done()
		return runtime.Result{Success: false, Output: "stopped"}, nil
	})
	env.createTask(engine.TaskCreateOptions{ID: "task-a", Title: "A"})
	f := env.startFlow(3, "task-a")

	done := make(chan engine.TickResult, 1)
	go func() {
		res, _ := env.Engine.TickFlow(env.Ctx, f.ID, engine.TickOptions{ActorID: "tester"})
		done <- res
	}()
	select {
	case <-started:
	case <-time.After(10 * time.Second):
		t.Fatal("adapter never started")
	}

	tk, err := env.Engine.AbortAttempt(env.Ctx, engine.AttemptAbortOptions{TaskID: "task-a", Reason: "stuck", ActorID: "tester"})
	require.NoError(t, err)
	assert.Equal(t, domain.TaskAborted, tk.State)

	var res engine.TickResult
	select {
	case res = <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("tick did not return after the attempt was aborted")
	}
	require.Len(t, res.Results, 1)
	assert.True(t, res.Results[0].Late)
	assert.Equal(t, domain.FlowRunning, env.flow(f.ID).State)
	first := env.attempt(res.Results[0].AttemptID)
	assert.Equal(t, domain.AttemptAborted, first.State)

	_, err = env.Engine.AbortAttempt(env.Ctx, engine.AttemptAbortOptions{TaskID: "task-a", ActorID: "tester"})
	assert.True(t, domain.IsCode(err, domain.CodeInvalidTransition), "got %v", err)

	a, err := env.Engine.RetryTask(env.Ctx, engine.RetryOptions{TaskID: "task-a", Mode: domain.ModeContinue, ActorID: "tester"})
	require.NoError(t, err)
	assert.Equal(t, first.Worktree, a.Worktree)
	assert.Equal(t, first.ID, a.PriorAttemptID)

	res = env.tick(f.ID)
	require.Equal(t, []string{a.ID}, res.Dispatched)
	assert.Equal(t, domain.TaskCheckpointed, res.Results[0].TaskState)
}

func TestScopeViolationFailsAttempt(t *testing.T) {
	env := newTestEnv(t)
	env.createTask(engine.TaskCreateOptions{ID: "task-a", Title: "A", Scope: []string{"src/**"}})
	f := env.startFlow(3, "task-a")

	res := env.tick(f.ID)
	require.Len(t, res.Results, 1)
	assert.Equal(t, domain.CodeScopeViolation, res.Results[0].Code)
	tk := env.task("task-a")
	assert.Equal(t, domain.TaskFailed, tk.State)
	assert.Equal(t, domain.CodeScopeViolation, tk.FailureCode)
	assert.Contains(t, tk.FailureReason, "A.txt")
	assert.Nil(t, env.attempt(tk.CurrentAttempt).Checkpoint)
}

func TestMergeRefusesDirtyTarget(t *testing.T) {
	env := newTestEnv(t)
	f := env.completedFlow()
	m, err := env.Engine.PrepareMerge(env.Ctx, f.ID, "tester")
	require.NoError(t, err)
	_, err = env.Engine.ApproveMerge(env.Ctx, m.ID, "reviewer")
	require.NoError(t, err)

	writeFile(t, filepath.Join(env.Repo, "README.md"), "# edited locally\n")
	_, err = env.Engine.ExecuteMerge(env.Ctx, m.ID, "reviewer")
	assert.True(t, domain.IsCode(err, domain.CodeDirtyTarget), "got %v", err)
	de, ok := domain.AsError(err)
	require.True(t, ok)
	assert.Equal(t, []string{"README.md"}, de.Details["paths"])
	assert.Equal(t, m.BaseCommit, runGit(t, env.Repo, "rev-parse", "main"))

	rejected := env.rejections(events.Filter{MergeID: m.ID})
	require.Len(t, rejected, 1)
	assert.Equal(t, domain.CodeDirtyTarget, rejected[0].Code)

	runGit(t, env.Repo, "checkout", "--", "README.md")
	out, err := env.Engine.ExecuteMerge(env.Ctx, m.ID, "reviewer")
	require.NoError(t, err)
	assert.Equal(t, domain.MergeExecuted, out.Merge.State)
}

func TestMergeRefusesDivergedTarget(t *testing.T) {
	env := newTestEnv(t)
	f := env.completedFlow()
	m, err := env.Engine.PrepareMerge(env.Ctx, f.ID, "tester")
	require.NoError(t, err)
	_, err = env.Engine.ApproveMerge(env.Ctx, m.ID, "reviewer")
	require.NoError(t, err)

	writeFile(t, filepath.Join(env.Repo, "hotfix.txt"), "urgent\n")
	runGit(t, env.Repo, "add", ".")
	runGit(t, env.Repo, "commit", "-m", "hotfix")
	hotfix := runGit(t, env.Repo, "rev-parse", "main")

	_, err = env.Engine.ExecuteMerge(env.Ctx, m.ID, "reviewer")
	assert.True(t, domain.IsCode(err, domain.CodeMergeDiverged), "got %v", err)
	assert.Equal(t, hotfix, runGit(t, env.Repo, "rev-parse", "main"))

	rejected, err := env.Engine.RejectMerge(env.Ctx, m.ID, "target moved", "reviewer")
	require.NoError(t, err)
	assert.Equal(t, domain.MergeRejected, rejected.State)
	require.NotNil(t, rejected.Conflict)
	assert.Equal(t, []string{hotfix}, rejected.Conflict.Commits)
	assert.Equal(t, []string{"hotfix.txt"}, rejected.Conflict.Paths)

	// a rejected merge can be prepared again on the new head
	again, err := env.Engine.PrepareMerge(env.Ctx, f.ID, "tester")
	require.NoError(t, err)
	assert.Equal(t, hotfix, again.BaseCommit)
}

func TestReplayDetectsCacheDrift(t *testing.T) {
	env := newTestEnv(t)
	f := env.completedFlow()

	rep, err := env.Engine.ReplayVerify(env.Ctx)
	require.NoError(t, err)
	require.True(t, rep.OK, "mismatches: %+v", rep.Mismatches)
	assert.Positive(t, rep.Entities)

	_, err = env.Engine.DB.ExecContext(env.Ctx, `UPDATE projection_cache SET state_json='{}' WHERE entity_kind='flow' AND entity_id=?`, f.ID)
	require.NoError(t, err)
	rep, err = env.Engine.ReplayVerify(env.Ctx)
	require.NoError(t, err)
	assert.False(t, rep.OK)
	require.Len(t, rep.Mismatches, 1)
	assert.Equal(t, domain.AggFlow, rep.Mismatches[0].Kind)
	assert.Equal(t, "differs", rep.Mismatches[0].Reason)

	wm, err := env.Engine.RebuildCache(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, rep.Watermark, wm)
	rep, err = env.Engine.ReplayVerify(env.Ctx)
	require.NoError(t, err)
	assert.True(t, rep.OK)
}

func TestWorktreeCleanup(t *testing.T) {
	env := newTestEnv(t)
	env.setAgent(func(context.Context, runtime.Invocation) (runtime.Result, error) {
		return runtime.Result{Success: false}, nil
	})
	env.createTask(engine.TaskCreateOptions{ID: "task-a", Title: "A"})
	f := env.startFlow(3, "task-a")
	res := env.tick(f.ID)
	first := res.Results[0].AttemptID

	a, err := env.Engine.RetryTask(env.Ctx, engine.RetryOptions{TaskID: "task-a", Mode: domain.ModeContinue, ActorID: "tester"})
	require.NoError(t, err)
	_, err = env.Engine.CleanupWorktree(env.Ctx, first, "tester")
	assert.Equal(t, domain.CodePreconditionFailed, domain.CodeOf(err), "pending attempt %s shares the worktree", a.ID)

	env.tick(f.ID)
	released, err := env.Engine.CleanupWorktree(env.Ctx, first, "tester")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{first, a.ID}, released)

	list, err := env.Engine.ListWorktrees(env.Ctx, f.ID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	for _, w := range list {
		assert.True(t, w.Released)
		assert.False(t, w.OnDisk)
	}
}

func TestFlowRequiresExclusiveTasks(t *testing.T) {
	env := newTestEnv(t)
	env.createTask(engine.TaskCreateOptions{ID: "task-a", Title: "A"})
	env.startFlow(3, "task-a")

	g, err := env.Engine.CreateGraph(env.Ctx, engine.GraphCreateOptions{ProjectID: "proj-1", Name: "other", Tasks: []string{"task-a"}, ActorID: "tester"})
	require.NoError(t, err)
	_, err = env.Engine.CreateFlow(env.Ctx, engine.FlowCreateOptions{GraphID: g.ID, ActorID: "tester"})
	assert.Equal(t, domain.CodePreconditionFailed, domain.CodeOf(err))
}

func TestUpdateTaskRefusedWhileInAttempt(t *testing.T) {
	env := newTestEnv(t)
	env.createTask(engine.TaskCreateOptions{ID: "task-a", Title: "A"})
	f := env.startFlow(3, "task-a")
	env.tick(f.ID)

	title := "renamed"
	_, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: "task-a", Title: &title, ActorID: "tester"})
	assert.Equal(t, domain.CodePreconditionFailed, domain.CodeOf(err))
	assert.Equal(t, "A", env.task("task-a").Title)
}

func TestStateFoldsNewEventsOntoCache(t *testing.T) {
	env := newTestEnv(t)
	f := env.completedFlow()

	evs, err := env.Engine.Events.Read(env.Ctx, nil, events.Filter{})
	require.NoError(t, err)
	want, err := projector.Project(evs)
	require.NoError(t, err)
	got, err := env.Engine.State(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, want.Watermark, got.Watermark)
	assert.Equal(t, want.Version(domain.AggFlow, f.ID), got.Version(domain.AggFlow, f.ID))
	assert.Equal(t, want.Version(domain.AggTask, "task-a"), got.Version(domain.AggTask, "task-a"))
	wantSnaps, err := want.Snapshots()
	require.NoError(t, err)
	gotSnaps, err := got.Snapshots()
	require.NoError(t, err)
	assert.Equal(t, wantSnaps, gotSnaps)

	// cached entities are read as of the watermark, not re-derived
	_, err = env.Engine.DB.ExecContext(env.Ctx,
		`UPDATE projection_cache SET state_json=json_set(state_json,'$.name','renamed') WHERE entity_kind='project' AND entity_id='proj-1'`)
	require.NoError(t, err)
	got, err = env.Engine.State(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Projects["proj-1"].Name)

	env.createTask(engine.TaskCreateOptions{ID: "task-z", Title: "Z"})
	got, err = env.Engine.State(env.Ctx)
	require.NoError(t, err)
	require.Contains(t, got.Tasks, "task-z")
	assert.Equal(t, domain.TaskCreated, got.Tasks["task-z"].State)

	_, err = env.Engine.RebuildCache(env.Ctx)
	require.NoError(t, err)
	got, err = env.Engine.State(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, "test", got.Projects["proj-1"].Name)
}
