// Package repo is the read side: the projection cache kept in step with the
// event log, plus typed lookups used by show/list commands.
package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"flowline/internal/domain"
	"flowline/internal/projector"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SaveSnapshots writes the current form of each key into the cache and
// advances the watermark. It must run in the transaction that appended the
// events so cache and log never disagree after commit.
func (r Repo) SaveSnapshots(ctx context.Context, tx *sql.Tx, st *projector.State, keys []projector.Key) error {
	for _, k := range keys {
		snap, ok, err := st.Snapshot(k)
		if err != nil {
			return err
		}
		if !ok {
			if _, err := tx.ExecContext(ctx, `DELETE FROM projection_cache WHERE entity_kind=? AND entity_id=?`, string(k.Kind), k.ID); err != nil {
				return fmt.Errorf("evict %s: %w", k, err)
			}
			continue
		}
		if err := upsert(ctx, tx, snap, seqOf(st, k)); err != nil {
			return err
		}
	}
	return setWatermark(ctx, tx, st.Watermark)
}

// LoadState rebuilds the projected state from the cache as of its watermark.
// Entities and watermark come from one statement, so they agree even
// outside a transaction. tx may be nil.
func (r Repo) LoadState(ctx context.Context, tx *sql.Tx) (*projector.State, error) {
	var q queryer = r.DB
	if tx != nil {
		q = tx
	}
	rows, err := q.QueryContext(ctx, `SELECT m.watermark, c.entity_kind, c.entity_id, c.seq, c.state_json
		FROM projection_meta m LEFT JOIN projection_cache c ON 1=1
		WHERE m.id=1`)
	if err != nil {
		return nil, fmt.Errorf("read projection cache: %w", err)
	}
	defer rows.Close()
	st := projector.New()
	for rows.Next() {
		var (
			mark      int64
			kind, id  sql.NullString
			seq       sql.NullInt64
			stateJSON sql.NullString
		)
		if err := rows.Scan(&mark, &kind, &id, &seq, &stateJSON); err != nil {
			return nil, fmt.Errorf("scan projection cache: %w", err)
		}
		st.Watermark = mark
		if !kind.Valid {
			continue
		}
		k := projector.Key{Kind: domain.AggregateKind(kind.String), ID: id.String}
		if err := st.Load(k, seq.Int64, []byte(stateJSON.String)); err != nil {
			return nil, err
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read projection cache: %w", err)
	}
	return st, nil
}

// Rebuild replaces the whole cache with the snapshots of st.
func (r Repo) Rebuild(ctx context.Context, tx *sql.Tx, st *projector.State) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM projection_cache`); err != nil {
		return fmt.Errorf("clear projection cache: %w", err)
	}
	snaps, err := st.Snapshots()
	if err != nil {
		return err
	}
	for _, snap := range snaps {
		if err := upsert(ctx, tx, snap, seqOf(st, snap.Key)); err != nil {
			return err
		}
	}
	return setWatermark(ctx, tx, st.Watermark)
}

func seqOf(st *projector.State, k projector.Key) int64 {
	if k.Kind == domain.AggAttempt {
		if a := st.Attempts[k.ID]; a != nil {
			return st.Version(domain.AggTask, a.TaskID)
		}
	}
	return st.Version(k.Kind, k.ID)
}

func upsert(ctx context.Context, db execer, snap projector.Snapshot, seq int64) error {
	_, err := db.ExecContext(ctx, `INSERT INTO projection_cache(entity_kind,entity_id,project_id,flow_id,state,seq,state_json)
		VALUES (?,?,?,?,?,?,?)
		ON CONFLICT(entity_kind,entity_id) DO UPDATE SET
			project_id=excluded.project_id, flow_id=excluded.flow_id, state=excluded.state,
			seq=excluded.seq, state_json=excluded.state_json`,
		string(snap.Kind), snap.ID, nullable(snap.ProjectID), nullable(snap.FlowID), nullable(snap.State), seq, string(snap.JSON))
	if err != nil {
		return fmt.Errorf("upsert %s: %w", snap.Key, err)
	}
	return nil
}

func setWatermark(ctx context.Context, db execer, seq int64) error {
	if _, err := db.ExecContext(ctx, `UPDATE projection_meta SET watermark=? WHERE id=1`, seq); err != nil {
		return fmt.Errorf("set watermark: %w", err)
	}
	return nil
}

// Watermark returns the last event sequence reflected in the cache.
func (r Repo) Watermark(ctx context.Context) (int64, error) {
	return watermark(ctx, r.DB)
}

// WatermarkTx is Watermark inside a transaction.
func (r Repo) WatermarkTx(ctx context.Context, tx *sql.Tx) (int64, error) {
	return watermark(ctx, tx)
}

func watermark(ctx context.Context, q queryer) (int64, error) {
	var seq int64
	if err := q.QueryRowContext(ctx, `SELECT watermark FROM projection_meta WHERE id=1`).Scan(&seq); err != nil {
		return 0, err
	}
	return seq, nil
}

// Snapshots returns every cached entity in key order.
func (r Repo) Snapshots(ctx context.Context) ([]projector.Snapshot, error) {
	return snapshots(ctx, r.DB)
}

// SnapshotsTx is Snapshots inside a transaction, so the cache can be compared
// with a replay of the same log prefix.
func (r Repo) SnapshotsTx(ctx context.Context, tx *sql.Tx) ([]projector.Snapshot, error) {
	return snapshots(ctx, tx)
}

func snapshots(ctx context.Context, q queryer) ([]projector.Snapshot, error) {
	rows, err := q.QueryContext(ctx, `SELECT entity_kind,entity_id,COALESCE(project_id,''),COALESCE(flow_id,''),COALESCE(state,''),state_json
		FROM projection_cache ORDER BY entity_kind, entity_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []projector.Snapshot
	for rows.Next() {
		var (
			s    projector.Snapshot
			kind string
			data string
		)
		if err := rows.Scan(&kind, &s.ID, &s.ProjectID, &s.FlowID, &s.State, &data); err != nil {
			return nil, err
		}
		s.Kind = domain.AggregateKind(kind)
		s.JSON = []byte(data)
		res = append(res, s)
	}
	return res, rows.Err()
}

// Query narrows list results.
type Query struct {
	ProjectID string
	FlowID    string
	State     string
}

func get[T any](ctx context.Context, q queryer, kind domain.AggregateKind, id string) (T, int64, error) {
	var (
		v    T
		seq  int64
		data string
	)
	err := q.QueryRowContext(ctx, `SELECT seq,state_json FROM projection_cache WHERE entity_kind=? AND entity_id=?`, string(kind), id).Scan(&seq, &data)
	if err == sql.ErrNoRows {
		return v, 0, domain.NotFound(kind, id).Wrap(ErrNotFound)
	}
	if err != nil {
		return v, 0, domain.System(err)
	}
	if err := json.Unmarshal([]byte(data), &v); err != nil {
		return v, 0, domain.System(fmt.Errorf("decode cached %s/%s: %w", kind, id, err))
	}
	return v, seq, nil
}

func list[T any](ctx context.Context, q queryer, kind domain.AggregateKind, f Query) ([]T, []int64, error) {
	where := []string{"entity_kind=?"}
	args := []any{string(kind)}
	if f.ProjectID != "" {
		where = append(where, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.FlowID != "" {
		where = append(where, "flow_id=?")
		args = append(args, f.FlowID)
	}
	if f.State != "" {
		where = append(where, "state=?")
		args = append(args, f.State)
	}
	rows, err := q.QueryContext(ctx, `SELECT seq,state_json FROM projection_cache WHERE `+strings.Join(where, " AND ")+` ORDER BY entity_id`, args...)
	if err != nil {
		return nil, nil, domain.System(err)
	}
	defer rows.Close()
	var (
		res  []T
		seqs []int64
	)
	for rows.Next() {
		var (
			seq  int64
			data string
			v    T
		)
		if err := rows.Scan(&seq, &data); err != nil {
			return nil, nil, domain.System(err)
		}
		if err := json.Unmarshal([]byte(data), &v); err != nil {
			return nil, nil, domain.System(fmt.Errorf("decode cached %s: %w", kind, err))
		}
		res = append(res, v)
		seqs = append(seqs, seq)
	}
	return res, seqs, rows.Err()
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	p, seq, err := get[domain.Project](ctx, r.DB, domain.AggProject, id)
	p.Version = seq
	return p, err
}

// SingleProject returns the only project in the workspace.
func (r Repo) SingleProject(ctx context.Context) (domain.Project, error) {
	projects, err := r.ListProjects(ctx)
	if err != nil {
		return domain.Project{}, err
	}
	if len(projects) == 0 {
		return domain.Project{}, domain.UserErr(domain.CodeNotFound, "no project exists; create one with fl project create").Wrap(ErrNotFound)
	}
	if len(projects) > 1 {
		return domain.Project{}, domain.InvalidInput("multiple projects exist; specify --project")
	}
	return projects[0], nil
}

func (r Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	res, seqs, err := list[domain.Project](ctx, r.DB, domain.AggProject, Query{})
	for i := range res {
		res[i].Version = seqs[i]
	}
	return res, err
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	t, seq, err := get[domain.Task](ctx, r.DB, domain.AggTask, id)
	t.Version = seq
	return t, err
}

func (r Repo) ListTasks(ctx context.Context, q Query) ([]domain.Task, error) {
	res, seqs, err := list[domain.Task](ctx, r.DB, domain.AggTask, q)
	for i := range res {
		res[i].Version = seqs[i]
	}
	return res, err
}

func (r Repo) GetAttempt(ctx context.Context, id string) (domain.Attempt, error) {
	a, _, err := get[domain.Attempt](ctx, r.DB, domain.AggAttempt, id)
	return a, err
}

// ListAttempts returns attempts ordered by task then attempt number.
func (r Repo) ListAttempts(ctx context.Context, q Query, taskID string) ([]domain.Attempt, error) {
	res, _, err := list[domain.Attempt](ctx, r.DB, domain.AggAttempt, q)
	if err != nil {
		return nil, err
	}
	out := res[:0]
	for _, a := range res {
		if taskID == "" || a.TaskID == taskID {
			out = append(out, a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].TaskID != out[j].TaskID {
			return out[i].TaskID < out[j].TaskID
		}
		return out[i].Number < out[j].Number
	})
	return out, nil
}

func (r Repo) GetGraph(ctx context.Context, id string) (domain.Graph, error) {
	g, seq, err := get[domain.Graph](ctx, r.DB, domain.AggGraph, id)
	g.Version = seq
	return g, err
}

func (r Repo) ListGraphs(ctx context.Context, q Query) ([]domain.Graph, error) {
	res, seqs, err := list[domain.Graph](ctx, r.DB, domain.AggGraph, q)
	for i := range res {
		res[i].Version = seqs[i]
	}
	return res, err
}

func (r Repo) GetFlow(ctx context.Context, id string) (domain.Flow, error) {
	f, seq, err := get[domain.Flow](ctx, r.DB, domain.AggFlow, id)
	f.Version = seq
	return f, err
}

func (r Repo) ListFlows(ctx context.Context, q Query) ([]domain.Flow, error) {
	res, seqs, err := list[domain.Flow](ctx, r.DB, domain.AggFlow, q)
	for i := range res {
		res[i].Version = seqs[i]
	}
	return res, err
}

func (r Repo) GetMerge(ctx context.Context, id string) (domain.Merge, error) {
	m, seq, err := get[domain.Merge](ctx, r.DB, domain.AggMerge, id)
	m.Version = seq
	return m, err
}

func (r Repo) ListMerges(ctx context.Context, q Query) ([]domain.Merge, error) {
	res, seqs, err := list[domain.Merge](ctx, r.DB, domain.AggMerge, q)
	for i := range res {
		res[i].Version = seqs[i]
	}
	return res, err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
