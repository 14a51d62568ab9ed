package events

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"flowline/internal/domain"
)

// Queryer is satisfied by *sql.DB and *sql.Tx.
type Queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Filter selects events; empty fields match everything.
type Filter struct {
	ProjectID string
	GraphID   string
	FlowID    string
	TaskID    string
	AttemptID string
	MergeID   string
	Kinds     []domain.Kind
	AfterSeq  int64
	Limit     int
}

func (f Filter) where() (string, []any) {
	var clauses []string
	var args []any
	add := func(col, val string) {
		if val != "" {
			clauses = append(clauses, col+"=?")
			args = append(args, val)
		}
	}
	add("project_id", f.ProjectID)
	add("graph_id", f.GraphID)
	add("flow_id", f.FlowID)
	add("task_id", f.TaskID)
	add("attempt_id", f.AttemptID)
	add("merge_id", f.MergeID)
	if len(f.Kinds) > 0 {
		ph := make([]string, len(f.Kinds))
		for i, k := range f.Kinds {
			ph[i] = "?"
			args = append(args, string(k))
		}
		clauses = append(clauses, "kind IN ("+strings.Join(ph, ",")+")")
	}
	if f.AfterSeq > 0 {
		clauses = append(clauses, "seq>?")
		args = append(args, f.AfterSeq)
	}
	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

const selectColumns = `SELECT seq,ts,kind,aggregate_kind,aggregate_id,prev_seq,project_id,graph_id,flow_id,task_id,attempt_id,merge_id,actor_id,causation_seq,correlation_id,payload_json FROM events`

// Read returns matching events in sequence order.
func (s Store) Read(ctx context.Context, q Queryer, f Filter) ([]domain.Event, error) {
	if q == nil {
		q = s.DB
	}
	where, args := f.where()
	query := selectColumns + where + " ORDER BY seq ASC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, domain.System(fmt.Errorf("read events: %w", err))
	}
	defer rows.Close()
	var out []domain.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, domain.System(err)
		}
		out = append(out, ev)
	}
	return out, domain.System(rows.Err())
}

// Get returns the event with the given sequence number.
func (s Store) Get(ctx context.Context, q Queryer, seq int64) (domain.Event, error) {
	if q == nil {
		q = s.DB
	}
	rows, err := q.QueryContext(ctx, selectColumns+" WHERE seq=?", seq)
	if err != nil {
		return domain.Event{}, domain.System(err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return domain.Event{}, domain.System(err)
		}
		return domain.Event{}, domain.UserErr(domain.CodeNotFound, "event %d not found", seq)
	}
	ev, err := scanEvent(rows)
	return ev, domain.System(err)
}

// LastSeq returns the last sequence number of an aggregate stream, 0 if empty.
func (s Store) LastSeq(ctx context.Context, q Queryer, kind domain.AggregateKind, id string) (int64, error) {
	if q == nil {
		q = s.DB
	}
	var seq sql.NullInt64
	if err := q.QueryRowContext(ctx, `SELECT MAX(seq) FROM events WHERE aggregate_kind=? AND aggregate_id=?`, string(kind), id).Scan(&seq); err != nil {
		return 0, err
	}
	return seq.Int64, nil
}

// Watermark returns the highest sequence number matching f.
func (s Store) Watermark(ctx context.Context, q Queryer, f Filter) (int64, error) {
	if q == nil {
		q = s.DB
	}
	f.Limit = 0
	where, args := f.where()
	var seq sql.NullInt64
	if err := q.QueryRowContext(ctx, `SELECT MAX(seq) FROM events`+where, args...).Scan(&seq); err != nil {
		return 0, domain.System(err)
	}
	return seq.Int64, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(row scanner) (domain.Event, error) {
	var (
		ev                                                     domain.Event
		kind, aggKind, payload                                 string
		projectID, graphID, flowID, taskID, attemptID, mergeID sql.NullString
		correlation                                            sql.NullString
		causation                                              sql.NullInt64
	)
	if err := row.Scan(&ev.Seq, &ev.TS, &kind, &aggKind, &ev.AggregateID, &ev.PrevSeq,
		&projectID, &graphID, &flowID, &taskID, &attemptID, &mergeID,
		&ev.ActorID, &causation, &correlation, &payload); err != nil {
		return ev, fmt.Errorf("scan event: %w", err)
	}
	ev.Kind = domain.Kind(kind)
	ev.AggregateKind = domain.AggregateKind(aggKind)
	ev.Refs = domain.Refs{
		ProjectID: projectID.String,
		GraphID:   graphID.String,
		FlowID:    flowID.String,
		TaskID:    taskID.String,
		AttemptID: attemptID.String,
		MergeID:   mergeID.String,
	}
	ev.CausationSeq = causation.Int64
	ev.CorrelationID = correlation.String
	ev.Payload = []byte(payload)
	return ev, nil
}
