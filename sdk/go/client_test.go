package flowlinesdk

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestTickSendsExpectedSeqAndToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/flows/flow-1/tick" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("unexpected authorization %q", got)
		}
		var body struct {
			ExpectedSeq int64 `json:"expected_seq"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.ExpectedSeq != 7 {
			t.Errorf("expected_seq not sent: %v %d", err, body.ExpectedSeq)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"flow_id": "flow-1", "state": "Running", "dispatched": []string{"att-1"}})
	}))
	defer srv.Close()

	c := New(srv.URL+"/v1/", "proj-1")
	c.BearerToken = "tok"
	seq := int64(7)
	res, err := c.TickFlow(context.Background(), "flow-1", &seq)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if res.State != "Running" || len(res.Dispatched) != 1 {
		t.Fatalf("unexpected tick result %+v", res)
	}
}

func TestErrorEnvelopeIsDecoded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":{"category":"ConflictError","code":"InvalidTransition","message":"flow flow-1 is Running"}}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "proj-1")
	_, err := c.StartFlow(context.Background(), "flow-1")
	if !IsCode(err, "InvalidTransition") {
		t.Fatalf("expected InvalidTransition, got %v", err)
	}
	apiErr := err.(*APIError)
	if apiErr.StatusCode != http.StatusConflict || apiErr.Category != "ConflictError" {
		t.Fatalf("unexpected error %+v", apiErr)
	}
}
