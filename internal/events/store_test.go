package events

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowline/internal/db"
	"flowline/internal/domain"
	"flowline/internal/migrate"
)

func newStore(t *testing.T) Store {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, err = migrate.Migrate(context.Background(), conn)
	require.NoError(t, err)
	return Store{DB: conn, Now: func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }}
}

func appendOne(t *testing.T, s Store, d Draft) (domain.Event, error) {
	t.Helper()
	ctx := context.Background()
	tx, err := s.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()
	ev, err := s.Append(ctx, tx, d)
	if err != nil {
		return ev, err
	}
	require.NoError(t, tx.Commit())
	return ev, nil
}

func taskDraft(kind domain.Kind, id string, payload any) Draft {
	return Draft{Kind: kind, AggregateKind: domain.AggTask, AggregateID: id, Refs: domain.Refs{ProjectID: "p", TaskID: id}, Payload: payload}
}

func TestAppendAssignsSequenceAndPrev(t *testing.T) {
	s := newStore(t)
	e1, err := appendOne(t, s, taskDraft(domain.KindTaskCreated, "t1", domain.TaskCreatedPayload{Title: "one"}))
	require.NoError(t, err)
	e2, err := appendOne(t, s, taskDraft(domain.KindTaskCreated, "t2", domain.TaskCreatedPayload{Title: "two"}))
	require.NoError(t, err)
	e3, err := appendOne(t, s, taskDraft(domain.KindTaskClosed, "t1", domain.TaskClosedPayload{Reason: "dup"}))
	require.NoError(t, err)

	assert.Equal(t, []int64{1, 2, 3}, []int64{e1.Seq, e2.Seq, e3.Seq})
	assert.Equal(t, int64(0), e1.PrevSeq)
	assert.Equal(t, int64(1), e3.PrevSeq)
	assert.Equal(t, "system", e1.ActorID)
	assert.Equal(t, "2026-01-02T03:04:05Z", e1.TS)

	got, err := s.Read(context.Background(), nil, Filter{TaskID: "t1"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	var closed domain.TaskClosedPayload
	require.NoError(t, got[1].Decode(&closed))
	assert.Equal(t, "dup", closed.Reason)

	got, err = s.Read(context.Background(), nil, Filter{Kinds: []domain.Kind{domain.KindTaskCreated}, AfterSeq: 1})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "t2", got[0].AggregateID)
}

func TestAppendExpectedSeqConflict(t *testing.T) {
	s := newStore(t)
	_, err := appendOne(t, s, taskDraft(domain.KindTaskCreated, "t1", domain.TaskCreatedPayload{Title: "one"}))
	require.NoError(t, err)

	d := taskDraft(domain.KindTaskClosed, "t1", domain.TaskClosedPayload{})
	d.ExpectedSeq = Expect(0)
	_, err = appendOne(t, s, d)
	require.Error(t, err)
	assert.Equal(t, domain.CategoryConflict, domain.CategoryOf(err))
	de, _ := domain.AsError(err)
	assert.Equal(t, "0", de.Expected)
	assert.Equal(t, "1", de.Actual)

	d.ExpectedSeq = Expect(1)
	_, err = appendOne(t, s, d)
	assert.NoError(t, err)
}

func TestEventsAreImmutable(t *testing.T) {
	s := newStore(t)
	_, err := appendOne(t, s, taskDraft(domain.KindTaskCreated, "t1", domain.TaskCreatedPayload{Title: "one"}))
	require.NoError(t, err)
	_, err = s.DB.Exec(`UPDATE events SET kind='x'`)
	assert.Error(t, err)
	_, err = s.DB.Exec(`DELETE FROM events`)
	assert.Error(t, err)
}

func TestGetAndWatermark(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	_, err := s.Get(ctx, nil, 1)
	assert.Equal(t, domain.CodeNotFound, domain.CodeOf(err))

	_, err = appendOne(t, s, taskDraft(domain.KindTaskCreated, "t1", domain.TaskCreatedPayload{Title: "one"}))
	require.NoError(t, err)
	ev, err := s.Get(ctx, nil, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.KindTaskCreated, ev.Kind)

	w, err := s.Watermark(ctx, nil, Filter{TaskID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), w)
	w, err = s.Watermark(ctx, nil, Filter{TaskID: "other"})
	require.NoError(t, err)
	assert.Equal(t, int64(0), w)
}

var _ Queryer = (*sql.Tx)(nil)
