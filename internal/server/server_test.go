package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"phaseline/internal/app"
	"phaseline/internal/config"
	phaselinesdk "phaseline/sdk/go"
)

type testServer struct {
	URL    string
	App    *app.App
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func (s *testServer) sdk(namespace, actor string) *phaselinesdk.Client {
	c := phaselinesdk.New(s.URL, namespace)
	c.ActorID = actor
	c.HTTPClient = s.client
	return c
}

func newTestServer(t *testing.T, authCfg AuthConfig) (*testServer, func()) {
	t.Helper()
	settings := &config.Settings{Workspace: t.TempDir(), PollInterval: 10 * time.Millisecond}
	settings.DB.Driver = "sqlite"
	a, err := app.Open(settings, nil)
	if err != nil {
		t.Fatalf("open app: %v", err)
	}
	handler, err := New(Config{App: a, BasePath: "/v0", Auth: authCfg})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		App:    a,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			a.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
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
	req.Header.Set("Content-Type", "application/json")
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

func statusOf(err error) int {
	var apiErr *phaselinesdk.APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

func TestTaskLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	ctx := context.Background()
	c := srv.sdk("proj1", "alice")

	low, err := c.Enqueue(ctx, phaselinesdk.EnqueueRequest{ToAgent: "writer", TaskType: "generate_artifact", Priority: 5, Payload: phaselinesdk.TaskPayload{Description: "low"}})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	high, err := c.Enqueue(ctx, phaselinesdk.EnqueueRequest{ToAgent: "writer", TaskType: "generate_artifact", Priority: 9, Payload: phaselinesdk.TaskPayload{Description: "high"}})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if low.FromAgent != "alice" || low.Status != "pending" || low.Payload.TaskID != low.ID {
		t.Fatalf("unexpected enqueued task: %+v", low)
	}

	pending, err := c.FetchPending(ctx, "writer")
	if err != nil {
		t.Fatalf("fetch pending: %v", err)
	}
	if len(pending) != 2 || pending[0].ID != high.ID || pending[1].ID != low.ID {
		t.Fatalf("expected priority order [%d %d], got %+v", high.ID, low.ID, pending)
	}

	if _, err := c.Complete(ctx, high.ID, nil); statusOf(err) != http.StatusConflict {
		t.Fatalf("complete of pending task: expected 409, got %v", err)
	}

	claimed, task, err := c.Claim(ctx, high.ID)
	if err != nil || !claimed || task.Status != "in_progress" {
		t.Fatalf("first claim: claimed=%v status=%s err=%v", claimed, task.Status, err)
	}
	claimed, _, err = c.Claim(ctx, high.ID)
	if err != nil || claimed {
		t.Fatalf("second claim must lose: claimed=%v err=%v", claimed, err)
	}

	done, err := c.Complete(ctx, high.ID, map[string]any{"files": []string{"docs/a.md"}})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != "completed" || done.CompletedAt == nil {
		t.Fatalf("unexpected completed task: %+v", done)
	}
	again, err := c.Fail(ctx, high.ID, "too late")
	if err != nil {
		t.Fatalf("fail after complete should be a no-op: %v", err)
	}
	if again.Status != "completed" || again.Error != "" {
		t.Fatalf("terminal task changed: %+v", again)
	}

	if _, err := srv.sdk("proj2", "bob").Task(ctx, high.ID); statusOf(err) != http.StatusNotFound {
		t.Fatalf("task leaked across namespaces: %v", err)
	}
}

func TestFailRequiresMessage(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/namespaces/proj1/tasks/1/fail", map[string]any{"error": ""}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", res.StatusCode, data)
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("decode error envelope: %v", err)
	}
	if envelope.Error.Code != "bad_request" {
		t.Fatalf("unexpected error code %q", envelope.Error.Code)
	}
}

func TestLedgerAndPhaseEndpoints(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	ctx := context.Background()
	c := srv.sdk("proj1", "alice")

	root, err := srv.App.ProjectRoot("proj1")
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(root, "docs", "spec.md")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("A"), 0o644); err != nil {
		t.Fatal(err)
	}
	items, err := c.RecordArtifacts(ctx, []phaselinesdk.Artifact{
		{FilePath: "docs/spec.md", MemoryType: "specification"},
		{FilePath: "docs/missing.md", MemoryType: "specification"},
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if len(items) != 2 || items[0].Version != 1 || items[0].Outcome != "created" || items[1].Outcome != "error" {
		t.Fatalf("unexpected record results: %+v", items)
	}
	sum, err := c.LedgerSummary(ctx)
	if err != nil || sum.TotalFiles != 1 || sum.CountsByMemoryType["specification"] != 1 {
		t.Fatalf("unexpected summary %+v err=%v", sum, err)
	}

	st, err := c.Phase(ctx)
	if err != nil || st.Current != "initialization" {
		t.Fatalf("expected initialization, got %+v err=%v", st, err)
	}
	tick, err := c.Tick(ctx, "a todo app", false)
	if err != nil || tick.Action != "enqueued" || tick.Orchestrator != "orchestrator-initialization" {
		t.Fatalf("unexpected tick %+v err=%v", tick, err)
	}
	pre, err := c.Prerequisites(ctx, "specification")
	if err != nil {
		t.Fatalf("prerequisites: %v", err)
	}
	if pre.Valid || len(pre.Missing) != 2 {
		t.Fatalf("expected two missing prerequisites, got %+v", pre)
	}
	if _, err := c.Prerequisites(ctx, "nope"); statusOf(err) != http.StatusNotFound {
		t.Fatalf("unknown phase: expected 404, got %v", err)
	}

	other := srv.sdk("proj2", "alice")
	items, err = other.RecordArtifacts(ctx, []phaselinesdk.Artifact{{FilePath: "docs/spec.md", MemoryType: "specification"}})
	if err != nil {
		t.Fatalf("record in proj2: %v", err)
	}
	if len(items) != 1 || items[0].Outcome != "error" {
		t.Fatalf("proj2 must not see proj1's files, got %+v", items)
	}
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/namespaces/.hidden/ledger/summary", nil, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("dot namespace: expected 400, got %d: %s", res.StatusCode, data)
	}
}

func TestApproveRecordsActor(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	ctx := context.Background()
	if _, err := srv.App.Gate.Request(ctx, "proj1", "specification", []string{"docs/spec.md"}, "please review", config.ApprovalManual, "orchestrator-specification"); err != nil {
		t.Fatalf("request approval: %v", err)
	}
	c := srv.sdk("proj1", "alice")
	pending, err := c.Approvals(ctx, "pending")
	if err != nil || len(pending) != 1 {
		t.Fatalf("expected one pending approval, got %d err=%v", len(pending), err)
	}
	a, err := c.Approve(ctx, "specification")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if a.Status != "approved" || a.DecidedBy == nil || *a.DecidedBy != "alice" {
		t.Fatalf("unexpected approval %+v", a)
	}
	if _, err := c.Approve(ctx, "architecture"); statusOf(err) != http.StatusNotFound {
		t.Fatalf("approving a missing record: expected 404, got %v", err)
	}
}

func TestEventsPagination(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	ctx := context.Background()
	c := srv.sdk("proj1", "alice")
	for i := 0; i < 3; i++ {
		if _, err := c.Enqueue(ctx, phaselinesdk.EnqueueRequest{ToAgent: "writer", TaskType: "synthetic_test"}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	first, err := c.EventsPage(ctx, 2, "")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(first.Items) != 2 || first.NextCursor == "" {
		t.Fatalf("expected a full first page with cursor, got %+v", first)
	}
	second, err := c.EventsPage(ctx, 2, first.NextCursor)
	if err != nil {
		t.Fatalf("events page 2: %v", err)
	}
	if len(second.Items) != 1 || second.NextCursor != "" {
		t.Fatalf("expected last page of one, got %+v", second)
	}
	if second.Items[0].ID >= first.Items[1].ID {
		t.Fatalf("pages overlap: %d >= %d", second.Items[0].ID, first.Items[1].ID)
	}
}

func TestJWTAuth(t *testing.T) {
	secret := "test-secret"
	srv, cleanup := newTestServer(t, AuthConfig{JWTSecret: secret})
	defer cleanup()
	base := srv.URL + "/v0/namespaces/proj1/phase"

	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health must be public, got %d", res.StatusCode)
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, base, nil, map[string]string{"X-Actor-Id": "mallory"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("actor header without legacy flag: expected 401, got %d", res.StatusCode)
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, base, nil, map[string]string{"Authorization": "Bearer not-a-jwt"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token: expected 401, got %d", res.StatusCode)
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "alice",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	c := srv.sdk("proj1", "")
	c.BearerToken = token
	task, err := c.Enqueue(context.Background(), phaselinesdk.EnqueueRequest{ToAgent: "writer", TaskType: "synthetic_test"})
	if err != nil {
		t.Fatalf("enqueue with token: %v", err)
	}
	if task.FromAgent != "alice" {
		t.Fatalf("expected actor from token subject, got %q", task.FromAgent)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	if _, err := srv.sdk("proj1", "alice").Enqueue(context.Background(), phaselinesdk.EnqueueRequest{ToAgent: "writer", TaskType: "synthetic_test"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/metrics", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("metrics status %d", res.StatusCode)
	}
	if !strings.Contains(string(data), "phaseline_queue_tasks_enqueued_total") {
		t.Fatalf("metrics output missing queue counter")
	}
}
