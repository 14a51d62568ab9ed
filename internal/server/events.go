package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/sse"
	"go.uber.org/zap"

	"flowline/internal/domain"
	"flowline/internal/engine"
	"flowline/internal/events"
)

// eventQuery selects events by aggregate reference and kind.
type eventQuery struct {
	ProjectID string   `query:"project_id"`
	GraphID   string   `query:"graph_id"`
	FlowID    string   `query:"flow_id"`
	TaskID    string   `query:"task_id"`
	AttemptID string   `query:"attempt_id"`
	MergeID   string   `query:"merge_id"`
	Kind      []string `query:"kind"`
	After     int64    `query:"after" minimum:"0"`
	Limit     int      `query:"limit" default:"100"`
}

func (q eventQuery) filter() events.Filter {
	f := events.Filter{
		ProjectID: q.ProjectID,
		GraphID:   q.GraphID,
		FlowID:    q.FlowID,
		TaskID:    q.TaskID,
		AttemptID: q.AttemptID,
		MergeID:   q.MergeID,
		AfterSeq:  q.After,
		Limit:     normalizeLimit(q.Limit),
	}
	for _, k := range q.Kind {
		f.Kinds = append(f.Kinds, domain.Kind(k))
	}
	return f
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List events in sequence order",
		Errors:      standardErrors,
	}, func(ctx context.Context, input *eventQuery) (*body[EventPage], error) {
		f := input.filter()
		items, err := e.Events.Read(ctx, nil, f)
		if err != nil {
			return nil, handleError(err)
		}
		page := EventPage{Items: nonNilSlice(items)}
		if len(items) == f.Limit {
			page.NextAfter = items[len(items)-1].Seq
		}
		return reply(page), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-event",
		Method:      http.MethodGet,
		Path:        "/events/{seq}",
		Summary:     "Inspect one event",
		Errors:      standardErrors,
	}, func(ctx context.Context, input *struct {
		Seq int64 `path:"seq" minimum:"1"`
	}) (*body[domain.Event], error) {
		ev, err := e.Events.Get(ctx, nil, input.Seq)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(ev), nil
	})
}

// registerEventStream tails the log as server-sent events. Each message id is
// the event sequence, so a client resumes with ?after=<last id>.
func registerEventStream(api huma.API, e engine.Engine, n *events.Notifier, log *zap.Logger) {
	sse.Register(api, huma.Operation{
		OperationID: "stream-events",
		Method:      http.MethodGet,
		Path:        "/events/stream",
		Summary:     "Stream appended events",
	}, map[string]any{
		"open":  StreamOpened{},
		"event": domain.Event{},
		"error": apiErrorBody{},
	}, func(ctx context.Context, input *eventQuery, send sse.Sender) {
		// flushes the response headers while no event matches yet
		if err := send(sse.Message{Data: StreamOpened{After: input.After}}); err != nil {
			return
		}
		if n == nil {
			_ = send(sse.Message{Data: apiErrorBody{
				Category: string(domain.CategorySystem),
				Code:     string(domain.CodeInternal),
				Message:  "event stream unavailable: server started without a notifier",
			}})
			return
		}
		err := e.Events.Follow(ctx, n, input.filter(), func(ev domain.Event) error {
			return send(sse.Message{ID: int(ev.Seq), Data: ev})
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Warn("event stream ended", zap.Error(err))
		}
	})
}

func registerReplay(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "replay-verify",
		Method:      http.MethodPost,
		Path:        "/replay/verify",
		Summary:     "Re-project the log and compare it with the projection cache",
		Errors:      standardErrors,
	}, func(ctx context.Context, _ *struct{}) (*body[engine.ReplayReport], error) {
		rep, err := e.ReplayVerify(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(rep), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "replay-rebuild",
		Method:      http.MethodPost,
		Path:        "/replay/rebuild",
		Summary:     "Rebuild the projection cache from the log",
		Errors:      standardErrors,
	}, func(ctx context.Context, _ *struct{}) (*body[RebuildResponse], error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		wm, err := e.RebuildCache(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(RebuildResponse{Watermark: wm}), nil
	})
}
