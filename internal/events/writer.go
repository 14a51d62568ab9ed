package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"flowline/internal/domain"
)

// Store is the append-only event log.
type Store struct {
	DB  *sql.DB
	Now func() time.Time
	Log *zap.Logger
}

// Draft is an event before the store assigns its sequence number.
type Draft struct {
	Kind          domain.Kind
	AggregateKind domain.AggregateKind
	AggregateID   string
	Refs          domain.Refs
	ActorID       string
	CausationSeq  int64
	CorrelationID string
	// ExpectedSeq, when set, must equal the last sequence number of the
	// aggregate stream (0 for a new stream) or the append fails with Conflict.
	ExpectedSeq *int64
	Payload     any
}

// Expect is a convenience for Draft.ExpectedSeq.
func Expect(seq int64) *int64 { return &seq }

func (s Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s Store) logger() *zap.Logger {
	if s.Log != nil {
		return s.Log
	}
	return zap.NewNop()
}

// Append writes d inside tx and returns the stored event. The caller commits.
func (s Store) Append(ctx context.Context, tx *sql.Tx, d Draft) (domain.Event, error) {
	if d.Kind == "" || d.AggregateKind == "" || d.AggregateID == "" {
		return domain.Event{}, domain.InvalidInput("event kind and aggregate are required")
	}
	if d.ActorID == "" {
		d.ActorID = "system"
	}
	payload := d.Payload
	if payload == nil {
		payload = struct{}{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return domain.Event{}, fmt.Errorf("marshal event payload: %w", err)
	}

	prev, err := s.LastSeq(ctx, tx, d.AggregateKind, d.AggregateID)
	if err != nil {
		return domain.Event{}, domain.System(err)
	}
	if d.ExpectedSeq != nil && *d.ExpectedSeq != prev {
		return domain.Event{}, domain.ConflictErr(domain.CodeConflict, "stale read of %s stream", d.AggregateKind).
			On(d.AggregateKind, d.AggregateID).State(*d.ExpectedSeq, prev)
	}

	ev := domain.Event{
		TS:            s.now().UTC().Format(time.RFC3339Nano),
		Kind:          d.Kind,
		AggregateKind: d.AggregateKind,
		AggregateID:   d.AggregateID,
		PrevSeq:       prev,
		Refs:          d.Refs,
		ActorID:       d.ActorID,
		CausationSeq:  d.CausationSeq,
		CorrelationID: d.CorrelationID,
		Payload:       json.RawMessage(data),
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO events(ts,kind,aggregate_kind,aggregate_id,prev_seq,project_id,graph_id,flow_id,task_id,attempt_id,merge_id,actor_id,causation_seq,correlation_id,payload_json)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		ev.TS, string(ev.Kind), string(ev.AggregateKind), ev.AggregateID, ev.PrevSeq,
		nullable(ev.Refs.ProjectID), nullable(ev.Refs.GraphID), nullable(ev.Refs.FlowID),
		nullable(ev.Refs.TaskID), nullable(ev.Refs.AttemptID), nullable(ev.Refs.MergeID),
		ev.ActorID, nullableSeq(ev.CausationSeq), nullable(ev.CorrelationID), string(data))
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Event{}, domain.ConflictErr(domain.CodeConflict, "concurrent append to %s stream", d.AggregateKind).
				On(d.AggregateKind, d.AggregateID).Wrap(err)
		}
		return domain.Event{}, domain.System(fmt.Errorf("insert event: %w", err))
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return domain.Event{}, domain.System(err)
	}
	ev.Seq = seq
	s.logger().Debug("event appended",
		zap.Int64("seq", ev.Seq),
		zap.String("kind", string(ev.Kind)),
		zap.String("aggregate", string(ev.AggregateKind)+"/"+ev.AggregateID))
	return ev, nil
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableSeq(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}
