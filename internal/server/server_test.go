package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"flowline/internal/config"
	"flowline/internal/db"
	"flowline/internal/domain"
	"flowline/internal/engine"
	"flowline/internal/events"
	"flowline/internal/migrate"
	"flowline/internal/runtime"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
	Repo   string
	token  string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default(), workspace, zap.NewNop())
	e.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	e.PollInterval = 10 * time.Millisecond
	e.Adapters = func(domain.Runtime) runtime.Adapter {
		return runtime.AdapterFunc(func(ctx context.Context, inv runtime.Invocation) (runtime.Result, error) {
			if err := os.WriteFile(filepath.Join(inv.Worktree, inv.Title+".txt"), []byte(inv.Title+"\n"), 0o644); err != nil {
				return runtime.Result{}, err
			}
			return runtime.Result{Success: true}, nil
		})
	}
	n := events.NewNotifier(filepath.Join(workspace, db.Dir), 20*time.Millisecond, zap.NewNop())
	n.Start(ctx)
	e.Notifier = n

	handler, err := New(Config{Engine: e, Auth: AuthConfig{JWTSecret: testSecret, DevLogin: true}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	token, _, err := SignToken(testSecret, "operator", time.Hour, time.Now())
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String() + "/v1",
		Engine: e,
		Repo:   setupGitRepo(t),
		token:  token,
		client: &http.Client{},
		close: func() {
			cancel()
			srv.Shutdown(context.Background())
			ln.Close()
			n.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func (s *testServer) auth() map[string]string {
	return map[string]string{"Authorization": "Bearer " + s.token}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

// call performs an authenticated request and decodes a successful response into out.
func (s *testServer) call(t *testing.T, method, path string, body, out any, want int) {
	t.Helper()
	res, data := doJSON(t, s.client, method, s.URL+path, body, s.auth())
	if res.StatusCode != want {
		t.Fatalf("%s %s: status %d, want %d: %s", method, path, res.StatusCode, want, string(data))
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			t.Fatalf("%s %s: decode: %v", method, path, err)
		}
	}
}

type errorEnvelope struct {
	Error apiErrorBody `json:"error"`
}

func (s *testServer) callErr(t *testing.T, method, path string, body any, want int) apiErrorBody {
	t.Helper()
	var env errorEnvelope
	s.call(t, method, path, body, &env, want)
	return env.Error
}

func (s *testServer) seedProject(t *testing.T) {
	t.Helper()
	s.call(t, http.MethodPost, "/projects", map[string]any{"id": "proj-1", "name": "demo"}, nil, http.StatusCreated)
	s.call(t, http.MethodPut, "/projects/proj-1/runtime", map[string]any{"binary": "fake-agent"}, nil, http.StatusOK)
	s.call(t, http.MethodPost, "/projects/proj-1/repos", map[string]any{"name": "main", "path": s.Repo}, nil, http.StatusOK)
}

// startFlow creates one checkpoint-exempt task, locks it into a flow and starts it.
func (s *testServer) startFlow(t *testing.T) domain.Flow {
	t.Helper()
	s.call(t, http.MethodPost, "/projects/proj-1/tasks", map[string]any{"id": "task-a", "title": "A", "checkpoint_exempt": true}, nil, http.StatusCreated)
	var g domain.Graph
	s.call(t, http.MethodPost, "/projects/proj-1/graphs", map[string]any{"name": "g", "tasks": []string{"task-a"}}, &g, http.StatusCreated)
	var f domain.Flow
	s.call(t, http.MethodPost, "/graphs/"+g.ID+"/flows", map[string]any{}, &f, http.StatusCreated)
	s.call(t, http.MethodPost, "/flows/"+f.ID+"/start", nil, &f, http.StatusOK)
	if f.State != domain.FlowRunning {
		t.Fatalf("expected running flow, got %s", f.State)
	}
	return f
}

func TestHealthIsPublicAndCommandsNeedAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(body))
	}
	res, body = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/projects", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d: %s", res.StatusCode, string(body))
	}
	res, body = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/projects", nil, map[string]string{"Authorization": "Bearer nope"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d: %s", res.StatusCode, string(body))
	}
	res, body = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/projects", nil, map[string]string{"X-Actor-Id": "mallory"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("actor header must be refused unless enabled, got %d: %s", res.StatusCode, string(body))
	}
	res, body = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/openapi.json", nil, nil)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(body), "tick-flow") {
		t.Fatalf("openapi status %d", res.StatusCode)
	}
}

func TestDevLoginActorIsRecordedOnEvents(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/auth/dev/login", map[string]any{"actor_id": "alice"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login status %d: %s", res.StatusCode, string(body))
	}
	var login DevLoginResponse
	if err := json.Unmarshal(body, &login); err != nil {
		t.Fatalf("decode login: %v", err)
	}
	// the engine clock sits in 2024; the token must still be live now
	exp, err := time.Parse(time.RFC3339, login.ExpiresAt)
	if err != nil {
		t.Fatalf("parse expires_at: %v", err)
	}
	if !exp.After(time.Now()) {
		t.Fatalf("dev token already expired at %s", login.ExpiresAt)
	}
	headers := map[string]string{"Authorization": "Bearer " + login.Token}
	res, body = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/projects", map[string]any{"id": "proj-1", "name": "demo"}, headers)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create project status %d: %s", res.StatusCode, string(body))
	}

	var page EventPage
	srv.call(t, http.MethodGet, "/events?kind=project.created", nil, &page, http.StatusOK)
	if len(page.Items) != 1 {
		t.Fatalf("expected one project.created event, got %d", len(page.Items))
	}
	if page.Items[0].ActorID != "alice" {
		t.Fatalf("expected actor alice, got %q", page.Items[0].ActorID)
	}

	var ev domain.Event
	srv.call(t, http.MethodGet, "/events/1", nil, &ev, http.StatusOK)
	if ev.Kind != domain.KindProjectCreated {
		t.Fatalf("expected first event project.created, got %s", ev.Kind)
	}
}

func TestFlowRunsAndMergesOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	srv.seedProject(t)
	f := srv.startFlow(t)

	var tick engine.TickResult
	srv.call(t, http.MethodPost, "/flows/"+f.ID+"/tick", nil, &tick, http.StatusOK)
	if tick.State != domain.FlowCompleted {
		t.Fatalf("expected completed flow after tick, got %s", tick.State)
	}

	var m domain.Merge
	srv.call(t, http.MethodPost, "/flows/"+f.ID+"/merge", nil, &m, http.StatusCreated)
	if m.State != domain.MergePrepared {
		t.Fatalf("expected prepared merge, got %s", m.State)
	}
	srv.call(t, http.MethodPost, "/merges/"+m.ID+"/approve", nil, &m, http.StatusOK)
	var res engine.MergeResult
	srv.call(t, http.MethodPost, "/merges/"+m.ID+"/execute", nil, &res, http.StatusOK)
	if res.Merge.State != domain.MergeExecuted {
		t.Fatalf("expected executed merge, got %s", res.Merge.State)
	}
	if _, err := os.Stat(filepath.Join(srv.Repo, "A.txt")); err != nil {
		t.Fatalf("merged file missing from target: %v", err)
	}

	srv.call(t, http.MethodPost, "/merges/"+m.ID+"/execute", nil, &res, http.StatusOK)
	if !res.AlreadyExecuted {
		t.Fatalf("second execute should report the first result")
	}

	var report engine.ReplayReport
	srv.call(t, http.MethodPost, "/replay/verify", nil, &report, http.StatusOK)
	if !report.OK {
		t.Fatalf("replay verification failed: %+v", report)
	}
}

func TestErrorEnvelopeCarriesCategoryAndCode(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	srv.seedProject(t)

	e := srv.callErr(t, http.MethodGet, "/tasks/missing", nil, http.StatusNotFound)
	if e.Category != string(domain.CategoryUser) || e.Code != string(domain.CodeNotFound) || e.AggregateID != "missing" {
		t.Fatalf("unexpected not-found envelope: %+v", e)
	}

	e = srv.callErr(t, http.MethodPost, "/projects/proj-1/tasks", map[string]any{"description": "no title"}, http.StatusBadRequest)
	if e.Category != string(domain.CategoryUser) {
		t.Fatalf("expected UserError for schema violation, got %+v", e)
	}

	f := srv.startFlow(t)
	e = srv.callErr(t, http.MethodPost, "/flows/"+f.ID+"/start", nil, http.StatusConflict)
	if e.Code != string(domain.CodeInvalidTransition) || e.Expected == "" || e.Actual == "" {
		t.Fatalf("unexpected transition envelope: %+v", e)
	}

	e = srv.callErr(t, http.MethodPost, "/flows/"+f.ID+"/merge", nil, http.StatusUnprocessableEntity)
	if e.Code != string(domain.CodeNotReady) {
		t.Fatalf("expected NotReady for an unfinished flow, got %+v", e)
	}
}

func TestTickWithStaleExpectedSeqConflicts(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	srv.seedProject(t)
	f := srv.startFlow(t)

	var view engine.FlowView
	srv.call(t, http.MethodGet, "/flows/"+f.ID, nil, &view, http.StatusOK)
	stale := view.Watermark
	srv.call(t, http.MethodPost, "/flows/"+f.ID+"/pause", map[string]any{"reason": "hold"}, nil, http.StatusOK)

	e := srv.callErr(t, http.MethodPost, "/flows/"+f.ID+"/tick", map[string]any{"expected_seq": stale}, http.StatusConflict)
	if e.Code != string(domain.CodeConflict) {
		t.Fatalf("expected Conflict, got %+v", e)
	}

	srv.call(t, http.MethodGet, "/flows/"+f.ID, nil, &view, http.StatusOK)
	var tick engine.TickResult
	srv.call(t, http.MethodPost, "/flows/"+f.ID+"/tick", map[string]any{"expected_seq": view.Watermark}, &tick, http.StatusOK)
	if !tick.Observed || len(tick.Dispatched) != 0 {
		t.Fatalf("paused tick must only observe: %+v", tick)
	}
}

func TestEventStreamDeliversAppendedEvents(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events/stream?kind=project.created", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+srv.token)
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("stream status %d", res.StatusCode)
	}

	srv.call(t, http.MethodPost, "/projects", map[string]any{"id": "proj-1", "name": "demo"}, nil, http.StatusCreated)

	scanner := bufio.NewScanner(res.Body)
	name := ""
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event:") {
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			continue
		}
		if !strings.HasPrefix(line, "data:") || name != "event" {
			continue
		}
		var ev domain.Event
		if err := json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), &ev); err != nil {
			t.Fatalf("decode streamed event: %v", err)
		}
		if ev.Kind != domain.KindProjectCreated || ev.AggregateID != "proj-1" {
			t.Fatalf("unexpected streamed event %s %s", ev.Kind, ev.AggregateID)
		}
		return
	}
	t.Fatalf("stream ended without an event: %v", scanner.Err())
}

func TestEventStreamOpensBeforeAnyEvent(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events/stream?kind=project.created", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+srv.token)
	// nothing matching is ever appended, so the headers must arrive on their own
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("stream status %d", res.StatusCode)
	}
	if ct := res.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("unexpected content type %q", ct)
	}

	scanner := bufio.NewScanner(res.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "event: open" {
			return
		}
		if strings.HasPrefix(line, "data:") {
			t.Fatalf("expected the open message first, got %q", line)
		}
	}
	t.Fatalf("stream ended without an open message: %v", scanner.Err())
}

func TestWebhookForwardsMatchingEvents(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	var (
		mu    sync.Mutex
		kinds []string
	)
	got := make(chan struct{}, 8)
	hookSrv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Flowline-Secret") != "s3cret" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		mu.Lock()
		kinds = append(kinds, r.Header.Get("X-Flowline-Event"))
		mu.Unlock()
		got <- struct{}{}
	})}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go hookSrv.Serve(ln)
	defer hookSrv.Shutdown(context.Background())

	srv.seedProject(t)
	hook := config.WebhookConfig{URL: "http://" + ln.Addr().String() + "/hook", Kinds: []string{"project.runtime_set"}, Secret: "s3cret"}
	d := NewWebhookDispatcher(srv.Engine, srv.Engine.Notifier, []config.WebhookConfig{hook}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.follow(ctx, hook, 0) }()

	select {
	case <-got:
	case <-time.After(10 * time.Second):
		t.Fatalf("webhook not delivered")
	}
	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	if len(kinds) != 1 || kinds[0] != string(domain.KindProjectRuntimeSet) {
		t.Fatalf("expected only project.runtime_set, got %v", kinds)
	}
}

func setupGitRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	runGit(t, dir, "init", "-b", "main")
	runGit(t, dir, "config", "user.email", "test@test.com")
	runGit(t, dir, "config", "user.name", "Test")
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("# Test\n"), 0o644); err != nil {
		t.Fatalf("write readme: %v", err)
	}
	runGit(t, dir, "add", ".")
	runGit(t, dir, "commit", "-m", "Initial commit")
	return dir
}

func runGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git %v failed: %s", args, out)
	}
}
