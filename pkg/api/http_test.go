package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"loom/pkg/models"
	"loom/pkg/store"
	"loom/pkg/thread"
)

func newTestServer(t *testing.T) (*httptest.Server, *thread.Service) {
	t.Helper()
	st, err := store.Open(t.TempDir(), store.Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	svc := thread.NewService(st, time.Hour)
	srv := httptest.NewServer(NewHandler(svc).Routes())
	t.Cleanup(func() {
		srv.Close()
		_ = svc.Close(context.Background())
		_ = st.Close()
	})
	return srv, svc
}

func doJSON(t *testing.T, method, url string, body any, out any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return resp
}

// TestThreadEndpoints covers create, get, rename, list and 404 mapping.
func TestThreadEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)

	var th models.Thread
	resp := doJSON(t, http.MethodPost, srv.URL+"/v1/threads", map[string]string{"title": "research"}, &th)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	if th.ID == "" || th.Title != "research" {
		t.Fatalf("created thread = %+v", th)
	}

	var got models.Thread
	resp = doJSON(t, http.MethodGet, srv.URL+"/v1/threads/"+th.ID, nil, &got)
	if resp.StatusCode != http.StatusOK || got.ID != th.ID {
		t.Fatalf("get = %d %+v", resp.StatusCode, got)
	}

	resp = doJSON(t, http.MethodPatch, srv.URL+"/v1/threads/"+th.ID, map[string]string{"title": "renamed"}, &got)
	if resp.StatusCode != http.StatusOK || got.Title != "renamed" {
		t.Fatalf("rename = %d %+v", resp.StatusCode, got)
	}

	resp = doJSON(t, http.MethodGet, srv.URL+"/v1/threads/does-not-exist", nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing thread status = %d, want 404", resp.StatusCode)
	}
}

// TestConversationFlow drives a full turn over HTTP: user message, assistant
// message, streaming updates, finish, then reads the active conversation.
func TestConversationFlow(t *testing.T) {
	srv, _ := newTestServer(t)

	var th models.Thread
	doJSON(t, http.MethodPost, srv.URL+"/v1/threads", map[string]string{"title": "t"}, &th)

	var u1 models.Message
	resp := doJSON(t, http.MethodPost, srv.URL+"/v1/threads/"+th.ID+"/messages",
		map[string]any{"content": "what is 6 x 7?"}, &u1)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("user message status = %d", resp.StatusCode)
	}

	var a1 models.Message
	resp = doJSON(t, http.MethodPost, srv.URL+"/v1/threads/"+th.ID+"/assistant",
		map[string]any{"model": "m", "provider": "p"}, &a1)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("assistant message status = %d", resp.StatusCode)
	}

	for _, chunk := range []string{"4", "2"} {
		resp = doJSON(t, http.MethodPatch, srv.URL+"/v1/messages/"+a1.ID,
			map[string]any{"append_text": chunk}, nil)
		if resp.StatusCode != http.StatusNoContent {
			t.Fatalf("delta status = %d", resp.StatusCode)
		}
	}
	resp = doJSON(t, http.MethodPost, srv.URL+"/v1/messages/"+a1.ID+"/finish", nil, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("finish status = %d", resp.StatusCode)
	}

	var conv struct {
		Messages []models.ThreadMessage `json:"messages"`
	}
	doJSON(t, http.MethodGet, srv.URL+"/v1/threads/"+th.ID+"/conversation", nil, &conv)
	if len(conv.Messages) != 2 {
		t.Fatalf("conversation length = %d", len(conv.Messages))
	}
	if got := conv.Messages[1].Content.PlainText(); got != "42" {
		t.Fatalf("assistant content = %q", got)
	}
}

// TestErrorStatusMapping verifies sentinel errors map to their HTTP codes.
func TestErrorStatusMapping(t *testing.T) {
	srv, _ := newTestServer(t)

	var th models.Thread
	doJSON(t, http.MethodPost, srv.URL+"/v1/threads", map[string]string{}, &th)

	// invalid parent -> 400
	bad := "missing-parent"
	resp := doJSON(t, http.MethodPost, srv.URL+"/v1/threads/"+th.ID+"/assistant",
		map[string]any{"parent_id": bad}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid parent status = %d, want 400", resp.StatusCode)
	}

	// missing message -> 404
	resp = doJSON(t, http.MethodPost, srv.URL+"/v1/messages/nope/edit",
		map[string]any{"content": "x"}, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing message status = %d, want 404", resp.StatusCode)
	}

	// bad direction -> 400
	resp = doJSON(t, http.MethodPost, srv.URL+"/v1/messages/nope/navigate",
		map[string]any{"direction": "sideways"}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad direction status = %d, want 400", resp.StatusCode)
	}
}

// TestRegenerateQuietNoop verifies regenerating a missing message returns a
// null message, not an error.
func TestRegenerateQuietNoop(t *testing.T) {
	srv, _ := newTestServer(t)

	var out struct {
		Message *models.Message `json:"message"`
	}
	resp := doJSON(t, http.MethodPost, srv.URL+"/v1/messages/gone/regenerate", nil, &out)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if out.Message != nil {
		t.Fatalf("message = %+v, want null", out.Message)
	}
}

// TestEditAndNavigateOverHTTP exercises branch creation and navigation end
// to end through the API.
func TestEditAndNavigateOverHTTP(t *testing.T) {
	srv, _ := newTestServer(t)

	var th models.Thread
	doJSON(t, http.MethodPost, srv.URL+"/v1/threads", map[string]string{}, &th)
	var u1 models.Message
	doJSON(t, http.MethodPost, srv.URL+"/v1/threads/"+th.ID+"/messages", map[string]any{"content": "v1"}, &u1)

	var edited models.Message
	resp := doJSON(t, http.MethodPost, srv.URL+"/v1/messages/"+u1.ID+"/edit",
		map[string]any{"content": "v2"}, &edited)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("edit status = %d", resp.StatusCode)
	}

	var sibs struct {
		Siblings []*models.Message `json:"siblings"`
	}
	doJSON(t, http.MethodGet, srv.URL+"/v1/messages/"+u1.ID+"/siblings", nil, &sibs)
	if len(sibs.Siblings) != 2 {
		t.Fatalf("siblings = %d, want 2", len(sibs.Siblings))
	}

	resp = doJSON(t, http.MethodPost, srv.URL+"/v1/messages/"+edited.ID+"/navigate",
		map[string]any{"direction": "prev"}, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("navigate status = %d", resp.StatusCode)
	}

	var conv struct {
		Messages []models.ThreadMessage `json:"messages"`
	}
	doJSON(t, http.MethodGet, srv.URL+"/v1/threads/"+th.ID+"/conversation", nil, &conv)
	if len(conv.Messages) != 1 || conv.Messages[0].ID != u1.ID {
		t.Fatalf("after navigate prev, conversation = %+v", conv.Messages)
	}
}

// TestAuthMiddleware verifies key roles, the health exception and rate
// limiting.
func TestAuthMiddleware(t *testing.T) {
	cfg := SecConfig{
		RPS:          1000,
		Burst:        1000,
		BackendKeys:  map[string]struct{}{"bk": {}},
		FrontendKeys: map[string]struct{}{"fk": {}},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	gated := httptest.NewServer(AuthMiddleware(cfg)(mux))
	defer gated.Close()

	get := func(path, key string) int {
		req, _ := http.NewRequest(http.MethodGet, gated.URL+path, nil)
		if key != "" {
			req.Header.Set("X-API-Key", key)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}

	if got := get("/healthz", ""); got != http.StatusOK {
		t.Fatalf("unauth healthz = %d", got)
	}
	if got := get("/v1/threads", ""); got != http.StatusUnauthorized {
		t.Fatalf("unauth api = %d, want 401", got)
	}
	if got := get("/v1/threads", "bk"); got != http.StatusOK {
		t.Fatalf("backend key = %d", got)
	}
	if got := get("/v1/threads", "fk"); got != http.StatusOK {
		t.Fatalf("frontend key on threads = %d", got)
	}
	// frontend keys cannot reach admin surfaces
	if got := get("/v1/data", "fk"); got != http.StatusForbidden {
		t.Fatalf("frontend key on data wipe = %d, want 403", got)
	}

	// bearer form works too
	req, _ := http.NewRequest(http.MethodGet, gated.URL+"/v1/threads", nil)
	req.Header.Set("Authorization", "Bearer bk")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("bearer: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("bearer = %d", resp.StatusCode)
	}
}

// TestRateLimit verifies per-key throttling kicks in past the burst.
func TestRateLimit(t *testing.T) {
	cfg := SecConfig{
		RPS:         1,
		Burst:       3,
		BackendKeys: map[string]struct{}{"bk": {}},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	gated := httptest.NewServer(AuthMiddleware(cfg)(mux))
	defer gated.Close()

	var limited bool
	for i := 0; i < 10; i++ {
		req, _ := http.NewRequest(http.MethodGet, fmt.Sprintf("%s/v1/threads?i=%d", gated.URL, i), nil)
		req.Header.Set("X-API-Key", "bk")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
		resp.Body.Close()
		if resp.StatusCode == http.StatusTooManyRequests {
			limited = true
			break
		}
	}
	if !limited {
		t.Fatal("rate limit never triggered")
	}
}
