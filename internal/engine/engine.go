// Package engine implements the command side: every state-changing operation
// validates against state projected from the log and appends events.
package engine

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"flowline/internal/checks"
	"flowline/internal/config"
	"flowline/internal/domain"
	"flowline/internal/events"
	"flowline/internal/projector"
	"flowline/internal/repo"
	"flowline/internal/runtime"
	"flowline/internal/scheduler"
	"flowline/internal/vcs"
)

type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Store
	Git       vcs.Git
	Checks    checks.Runner
	Config    *config.Config
	Workspace string
	Log       *zap.Logger
	Now       func() time.Time
	NewID     func() string
	// Adapters builds the runtime adapter for a project's runtime configuration.
	Adapters func(rt domain.Runtime) runtime.Adapter
	// Notifier wakes cancellation watchers on database writes; polling is used when nil.
	Notifier     *events.Notifier
	PollInterval time.Duration
}

func New(db *sql.DB, cfg *config.Config, workspace string, log *zap.Logger) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	if log == nil {
		log = zap.NewNop()
	}
	e := Engine{
		DB:        db,
		Repo:      repo.Repo{DB: db},
		Events:    events.Store{DB: db, Log: log.Named("events")},
		Git:       vcs.New(log.Named("vcs")),
		Checks:    checks.Runner{DefaultTimeout: cfg.Checks.Timeout, Parallelism: cfg.Checks.MaxParallel, Log: log.Named("checks")},
		Config:    cfg,
		Workspace: workspace,
		Log:       log,
		Now:       time.Now,
	}
	grace := cfg.Runtime.Grace
	e.Adapters = func(rt domain.Runtime) runtime.Adapter {
		p := runtime.NewProcess(rt, log.Named("runtime"))
		if grace > 0 {
			p.Grace = grace
		}
		return p
	}
	return e
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logger() *zap.Logger {
	if e.Log != nil {
		return e.Log
	}
	return zap.NewNop()
}

func (e Engine) newID() string {
	if e.NewID != nil {
		return e.NewID()
	}
	return uuid.NewString()
}

func (e Engine) config() *config.Config {
	if e.Config != nil {
		return e.Config
	}
	return config.Default()
}

// State returns the projected state outside any transaction. Callers use it
// to plan side effects; decisions are re-checked inside the appending
// transaction.
func (e Engine) State(ctx context.Context) (*projector.State, error) {
	return e.loadState(ctx, nil)
}

// loadState starts from the projection cache and folds the events appended
// after its watermark. An unreadable cache falls back to replaying the log.
func (e Engine) loadState(ctx context.Context, tx *sql.Tx) (*projector.State, error) {
	st, err := e.Repo.LoadState(ctx, tx)
	if err != nil {
		e.logger().Warn("projection cache unusable; replaying the full log", zap.Error(err))
		st = projector.New()
	}
	var q events.Queryer
	if tx != nil {
		q = tx
	}
	tail, err := e.Events.Read(ctx, q, events.Filter{AfterSeq: st.Watermark})
	if err != nil {
		return nil, err
	}
	for _, ev := range tail {
		if err := st.Apply(ev); err != nil {
			return nil, domain.SystemErr(domain.CodeInternal, "project event log").Wrap(err)
		}
	}
	return st, nil
}

// txn is one write transaction. The database is opened with immediate
// transactions, so the projected state cannot change until commit.
type txn struct {
	e        Engine
	ctx      context.Context
	tx       *sql.Tx
	state    *projector.State
	actor    string
	corr     string
	keys     []projector.Key
	seen     map[projector.Key]struct{}
	appended []domain.Event
}

func (e Engine) begin(ctx context.Context, actor string) (*txn, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, domain.System(fmt.Errorf("begin: %w", err))
	}
	st, err := e.loadState(ctx, tx)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if actor == "" {
		actor = "system"
	}
	return &txn{
		e:     e,
		ctx:   ctx,
		tx:    tx,
		state: st,
		actor: actor,
		corr:  e.newID(),
		seen:  map[projector.Key]struct{}{},
	}, nil
}

// append writes one event, guarded by the stream version this transaction read.
func (t *txn) append(d events.Draft) (domain.Event, error) {
	if d.ActorID == "" {
		d.ActorID = t.actor
	}
	if d.CorrelationID == "" {
		d.CorrelationID = t.corr
	}
	if d.ExpectedSeq == nil {
		d.ExpectedSeq = events.Expect(t.state.Version(d.AggregateKind, d.AggregateID))
	}
	ev, err := t.e.Events.Append(t.ctx, t.tx, d)
	if err != nil {
		return domain.Event{}, err
	}
	if err := t.state.Apply(ev); err != nil {
		return domain.Event{}, domain.SystemErr(domain.CodeInternal, "apply %s", ev.Kind).Wrap(err)
	}
	t.appended = append(t.appended, ev)
	for _, k := range projector.Touched(ev) {
		if _, ok := t.seen[k]; !ok {
			t.seen[k] = struct{}{}
			t.keys = append(t.keys, k)
		}
	}
	return ev, nil
}

func (t *txn) commit() error {
	if len(t.appended) > 0 {
		if err := t.e.Repo.SaveSnapshots(t.ctx, t.tx, t.state, t.keys); err != nil {
			t.tx.Rollback()
			return domain.System(err)
		}
	}
	if err := t.tx.Commit(); err != nil {
		return domain.System(fmt.Errorf("commit: %w", err))
	}
	for _, ev := range t.appended {
		t.e.logger().Info("event committed",
			zap.Int64("seq", ev.Seq),
			zap.String("kind", string(ev.Kind)),
			zap.String("aggregate_id", ev.AggregateID),
			zap.String("actor", ev.ActorID))
	}
	return nil
}

func (t *txn) rollback() {
	_ = t.tx.Rollback()
}

// run executes fn in a write transaction. Refused commands against an
// existing aggregate leave an audit record in a separate transaction.
func (e Engine) run(ctx context.Context, actor, command string, target projector.Key, fn func(t *txn) error) error {
	t, err := e.begin(ctx, actor)
	if err != nil {
		return err
	}
	if err := fn(t); err != nil {
		t.rollback()
		if auditable(err) && target.ID != "" {
			if rerr := e.recordRejection(ctx, actor, command, target, err); rerr != nil {
				e.logger().Error("record rejection failed", zap.String("command", command), zap.Error(rerr))
			}
		}
		return err
	}
	return t.commit()
}

// auditable reports whether a refusal is a state-machine decision worth
// recording. Lost optimistic races and malformed input are not.
func auditable(err error) bool {
	de, ok := domain.AsError(err)
	if !ok || de.Category != domain.CategoryConflict {
		return false
	}
	return de.Code != domain.CodeConflict && de.Code != domain.CodeAdapterCanceled
}

func (e Engine) recordRejection(ctx context.Context, actor, command string, target projector.Key, cause error) error {
	de, _ := domain.AsError(cause)
	t, err := e.begin(ctx, actor)
	if err != nil {
		return err
	}
	refs, ok := refsFor(t.state, target)
	if !ok {
		t.rollback()
		return nil
	}
	_, err = t.append(events.Draft{
		Kind:          domain.KindCommandRejected,
		AggregateKind: target.Kind,
		AggregateID:   target.ID,
		Refs:          refs,
		Payload: domain.CommandRejectedPayload{
			Command:  command,
			Category: de.Category,
			Code:     de.Code,
			Message:  de.Message,
			Expected: de.Expected,
			Actual:   de.Actual,
			Details:  de.Details,
		},
	})
	if err != nil {
		t.rollback()
		return err
	}
	e.logger().Warn("command rejected",
		zap.String("command", command),
		zap.String("aggregate", target.String()),
		zap.String("code", string(de.Code)))
	return t.commit()
}

// refsFor builds the reference set of an existing aggregate.
func refsFor(s *projector.State, k projector.Key) (domain.Refs, bool) {
	switch k.Kind {
	case domain.AggProject:
		if p := s.Projects[k.ID]; p != nil {
			return domain.Refs{ProjectID: p.ID}, true
		}
	case domain.AggTask:
		if t := s.Tasks[k.ID]; t != nil {
			return domain.Refs{ProjectID: t.ProjectID, FlowID: t.FlowID, TaskID: t.ID, AttemptID: t.CurrentAttempt}, true
		}
	case domain.AggGraph:
		if g := s.Graphs[k.ID]; g != nil {
			return domain.Refs{ProjectID: g.ProjectID, GraphID: g.ID}, true
		}
	case domain.AggFlow:
		if f := s.Flows[k.ID]; f != nil {
			return domain.Refs{ProjectID: f.ProjectID, GraphID: f.GraphID, FlowID: f.ID}, true
		}
	case domain.AggMerge:
		if m := s.Merges[k.ID]; m != nil {
			return domain.Refs{ProjectID: m.ProjectID, FlowID: m.FlowID, MergeID: m.ID}, true
		}
	}
	return domain.Refs{}, false
}

// noTarget marks commands whose refusal has no aggregate to audit against.
var noTarget projector.Key

func taskKey(id string) projector.Key    { return projector.Key{Kind: domain.AggTask, ID: id} }
func flowKey(id string) projector.Key    { return projector.Key{Kind: domain.AggFlow, ID: id} }
func graphKey(id string) projector.Key   { return projector.Key{Kind: domain.AggGraph, ID: id} }
func mergeKey(id string) projector.Key   { return projector.Key{Kind: domain.AggMerge, ID: id} }
func projectKey(id string) projector.Key { return projector.Key{Kind: domain.AggProject, ID: id} }

func (t *txn) project(id string) (*domain.Project, error) {
	p := t.state.Projects[id]
	if p == nil {
		return nil, domain.NotFound(domain.AggProject, id)
	}
	return p, nil
}

func (t *txn) task(id string) (*domain.Task, error) {
	tk := t.state.Tasks[id]
	if tk == nil {
		return nil, domain.NotFound(domain.AggTask, id)
	}
	return tk, nil
}

func (t *txn) graph(id string) (*domain.Graph, error) {
	g := t.state.Graphs[id]
	if g == nil {
		return nil, domain.NotFound(domain.AggGraph, id)
	}
	return g, nil
}

func (t *txn) flow(id string) (*domain.Flow, error) {
	f := t.state.Flows[id]
	if f == nil {
		return nil, domain.NotFound(domain.AggFlow, id)
	}
	return f, nil
}

func (t *txn) merge(id string) (*domain.Merge, error) {
	m := t.state.Merges[id]
	if m == nil {
		return nil, domain.NotFound(domain.AggMerge, id)
	}
	return m, nil
}

// taskEvent appends an event to a task's stream, which also carries its
// attempts, checkpoints and verification runs.
func (t *txn) taskEvent(tk *domain.Task, attemptID string, kind domain.Kind, payload any) (domain.Event, error) {
	return t.taskEventIn(tk, tk.FlowID, attemptID, kind, payload)
}

// taskEventIn is taskEvent for an event that moves the task into flowID.
func (t *txn) taskEventIn(tk *domain.Task, flowID, attemptID string, kind domain.Kind, payload any) (domain.Event, error) {
	return t.append(events.Draft{
		Kind:          kind,
		AggregateKind: domain.AggTask,
		AggregateID:   tk.ID,
		Refs:          domain.Refs{ProjectID: tk.ProjectID, FlowID: flowID, TaskID: tk.ID, AttemptID: attemptID},
		Payload:       payload,
	})
}

func (t *txn) flowEvent(f *domain.Flow, kind domain.Kind, payload any) (domain.Event, error) {
	return t.append(events.Draft{
		Kind:          kind,
		AggregateKind: domain.AggFlow,
		AggregateID:   f.ID,
		Refs:          domain.Refs{ProjectID: f.ProjectID, GraphID: f.GraphID, FlowID: f.ID},
		Payload:       payload,
	})
}

// attemptsInFlow counts the attempts a task has made within one flow.
func attemptsInFlow(s *projector.State, tk *domain.Task, flowID string) int {
	n := 0
	for _, id := range tk.Attempts {
		if a := s.Attempts[id]; a != nil && a.FlowID == flowID {
			n++
		}
	}
	return n
}

// failTask records a task failure and, when the flow's attempt budget is
// spent, marks it exhausted so the flow fails instead of waiting for a retry.
func (t *txn) failTask(tk *domain.Task, attemptID string, code domain.Code, reason string) error {
	if err := domain.ValidateTaskTransition(tk.ID, tk.State, domain.TaskFailed); err != nil {
		return err
	}
	if _, err := t.taskEvent(tk, attemptID, domain.KindTaskFailed, domain.TaskFailedPayload{AttemptID: attemptID, Code: code, Reason: reason}); err != nil {
		return err
	}
	if f := t.state.Flows[tk.FlowID]; f != nil {
		if n := attemptsInFlow(t.state, tk, f.ID); n >= f.MaxAttempts {
			if _, err := t.taskEvent(tk, attemptID, domain.KindTaskRetryExhausted, domain.TaskRetryExhaustedPayload{Attempts: n, MaxAttempts: f.MaxAttempts}); err != nil {
				return err
			}
		}
	}
	return t.settleFlow(tk.FlowID)
}

func (t *txn) completeTask(tk *domain.Task, attemptID, via string) error {
	if _, err := t.taskEvent(tk, attemptID, domain.KindTaskCompleted, domain.TaskCompletedPayload{AttemptID: attemptID, Via: via}); err != nil {
		return err
	}
	return t.settleFlow(tk.FlowID)
}

// settleFlow moves a live flow to Completed or Failed once its tasks decide it.
func (t *txn) settleFlow(flowID string) error {
	f := t.state.Flows[flowID]
	if f == nil || (f.State != domain.FlowRunning && f.State != domain.FlowPaused) {
		return nil
	}
	v := scheduler.Evaluate(t.state, f)
	switch {
	case v.Failed:
		_, err := t.flowEvent(f, domain.KindFlowFailed, domain.FlowFailedPayload{TaskID: v.FailedTask, Reason: v.Reason})
		return err
	case v.Complete:
		_, err := t.flowEvent(f, domain.KindFlowCompleted, domain.FlowCompletedPayload{})
		return err
	}
	return nil
}

// requireActor rejects commands that must be attributed to a person or agent.
func requireActor(actor string) error {
	if actor == "" || actor == "system" {
		return domain.InvalidInput("an explicit actor id is required")
	}
	return nil
}
