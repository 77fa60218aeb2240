package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"planpal/internal/dispatch"
	"planpal/internal/plan"
	"planpal/internal/storage"
	logx "planpal/pkg/logx"
)

type stubGenerator struct {
	plan map[string]any
	err  error
}

func (g stubGenerator) Generate(context.Context, string) (map[string]any, error) {
	return g.plan, g.err
}

type stubScheduler struct {
	mu        sync.Mutex
	submitted []int64
	forgotten []int64
}

func (s *stubScheduler) Submit(_ context.Context, id int64, _ time.Time) error {
	s.mu.Lock()
	s.submitted = append(s.submitted, id)
	s.mu.Unlock()
	return nil
}

func (s *stubScheduler) Forget(id int64) {
	s.mu.Lock()
	s.forgotten = append(s.forgotten, id)
	s.mu.Unlock()
}

func (s *stubScheduler) snapshot() (submitted, forgotten []int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.submitted...), append([]int64(nil), s.forgotten...)
}

type countingTransport struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (c *countingTransport) Send(context.Context, string, string, []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.calls++
	return nil
}

func (c *countingTransport) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type fixture struct {
	srv   *httptest.Server
	store *storage.Store
	sched *stubScheduler
	tr    *countingTransport
}

func newFixture(t *testing.T, gen plan.Generator, cfg Config) *fixture {
	t.Helper()
	st, err := storage.Open(context.Background(), storage.Config{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "api.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	sched := &stubScheduler{}
	tr := &countingTransport{}
	ex := plan.NewExecutor(plan.ExecutorOptions{Generator: gen, Store: st, Scheduler: sched, Log: logx.Nop()})
	d := dispatch.New(st, tr, nil, logx.Nop(), nil)

	s := New(cfg, Deps{
		Planner:    ex,
		Store:      st,
		Dispatcher: d,
		Scheduler:  sched,
		Status:     func(context.Context) any { return map[string]any{"dropped": ex.Dropped()} },
	}, logx.Nop())
	hs := httptest.NewServer(s.Handler())
	t.Cleanup(hs.Close)
	return &fixture{srv: hs, store: st, sched: sched, tr: tr}
}

func (f *fixture) do(t *testing.T, method, path, body string, hdr ...string) (int, []byte, http.Header) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	resp, err := f.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, b, resp.Header
}

var buyMilk = stubGenerator{plan: map[string]any{
	"date": "2026-10-17",
	"tasks": []any{
		map[string]any{"title": "Buy milk", "due_at": "2026-10-17T18:00:00Z"},
		map[string]any{"title": "Someday"},
	},
}}

func TestPlanDay(t *testing.T) {
	t.Parallel()
	f := newFixture(t, buyMilk, Config{})

	code, body, hdr := f.do(t, http.MethodPost, "/api/agent/plan-day/", `{"prompt":"remind me to buy milk at 6pm tomorrow"}`)
	if code != http.StatusOK {
		t.Fatalf("status = %d body=%s", code, body)
	}
	if hdr.Get("X-Request-ID") == "" {
		t.Fatalf("missing X-Request-ID")
	}

	var res struct {
		Plan struct {
			Tasks []map[string]any `json:"tasks"`
		} `json:"plan"`
		Created []map[string]any `json:"created"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(res.Plan.Tasks) != 1 || res.Plan.Tasks[0]["category"] != "Other" || res.Plan.Tasks[0]["color"] != "#94A3B8" {
		t.Fatalf("plan = %+v", res.Plan)
	}
	if len(res.Created) != 1 {
		t.Fatalf("created = %+v", res.Created)
	}
	c := res.Created[0]
	if c["title"] != "Buy milk" || c["remind_at"] != "2026-10-17T17:30:00Z" || c["remind_minutes_before"] != 30.0 {
		t.Fatalf("created[0] = %+v", c)
	}
	if submitted, _ := f.sched.snapshot(); len(submitted) != 1 {
		t.Fatalf("submitted = %v", submitted)
	}
}

func TestPlanDayErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		gen     stubGenerator
		body    string
		wantErr string
	}{
		{"empty prompt", buyMilk, `{"prompt":"   "}`, "prompt is required"},
		{"missing prompt", buyMilk, `{}`, "prompt is required"},
		{"no body", buyMilk, ``, "prompt is required"},
		{"non-string prompt", buyMilk, `{"prompt":42}`, "prompt is required"},
		{"bad json", buyMilk, `{"prompt":`, "invalid JSON body"},
		{"generation failure", stubGenerator{err: errors.New("OPENAI_API_KEY is not set")}, `{"prompt":"plan"}`, "OPENAI_API_KEY is not set"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, tt.gen, Config{})
			code, body, _ := f.do(t, http.MethodPost, "/api/agent/plan-day/", tt.body)
			if code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", code)
			}
			var eb errorBody
			if err := json.Unmarshal(body, &eb); err != nil || eb.Error != tt.wantErr {
				t.Fatalf("body = %s, want error %q", body, tt.wantErr)
			}
			tasks, _ := f.store.ListTasks(context.Background(), storage.TaskFilter{})
			if len(tasks) != 0 {
				t.Fatalf("nothing should be persisted, got %d tasks", len(tasks))
			}
		})
	}
}

func TestTaskRoutes(t *testing.T) {
	t.Parallel()
	f := newFixture(t, buyMilk, Config{})
	if code, body, _ := f.do(t, http.MethodPost, "/api/agent/plan-day/", `{"prompt":"milk"}`); code != http.StatusOK {
		t.Fatalf("plan-day = %d %s", code, body)
	}

	code, body, _ := f.do(t, http.MethodGet, "/api/tasks/", "")
	var list struct {
		Tasks []storage.Task `json:"tasks"`
	}
	if code != http.StatusOK || json.Unmarshal(body, &list) != nil || len(list.Tasks) != 1 {
		t.Fatalf("list = %d %s", code, body)
	}
	id := list.Tasks[0].ID
	path := "/api/tasks/" + itoa(id) + "/"

	code, body, _ = f.do(t, http.MethodGet, path, "")
	var detail taskDetail
	if code != http.StatusOK || json.Unmarshal(body, &detail) != nil || len(detail.Reminders) != 1 {
		t.Fatalf("get = %d %s", code, body)
	}

	if code, body, _ = f.do(t, http.MethodPatch, path, `{"status":"done"}`); code != http.StatusOK || !bytes.Contains(body, []byte(`"status":"done"`)) {
		t.Fatalf("patch = %d %s", code, body)
	}
	if code, _, _ = f.do(t, http.MethodPatch, path, `{"status":"archived"}`); code != http.StatusBadRequest {
		t.Fatalf("bad status patch = %d, want 400", code)
	}
	if code, body, _ = f.do(t, http.MethodGet, "/api/tasks/?status=todo", ""); code != http.StatusOK || !bytes.Contains(body, []byte(`"tasks":[]`)) {
		t.Fatalf("filtered list = %d %s", code, body)
	}

	if code, _, _ = f.do(t, http.MethodDelete, path, ""); code != http.StatusNoContent {
		t.Fatalf("delete = %d", code)
	}
	if _, forgotten := f.sched.snapshot(); len(forgotten) != 1 || forgotten[0] != detail.Reminders[0].ID {
		t.Fatalf("forgotten = %v", forgotten)
	}
	if code, _, _ = f.do(t, http.MethodGet, path, ""); code != http.StatusNotFound {
		t.Fatalf("get after delete = %d, want 404", code)
	}
	if code, _, _ = f.do(t, http.MethodDelete, path, ""); code != http.StatusNotFound {
		t.Fatalf("second delete = %d, want 404", code)
	}
	if code, _, _ = f.do(t, http.MethodGet, "/api/tasks/abc/", ""); code != http.StatusBadRequest {
		t.Fatalf("bad id = %d, want 400", code)
	}
}

func TestDispatchRoute(t *testing.T) {
	t.Parallel()
	f := newFixture(t, buyMilk, Config{})
	ctx := context.Background()
	due := time.Date(2026, 10, 17, 18, 0, 0, 0, time.UTC)
	task, _ := f.store.CreateTask(ctx, "Buy milk", &due)
	rem, _ := f.store.CreateReminder(ctx, task.ID, due.Add(-30*time.Minute))
	path := "/api/reminders/" + itoa(rem.ID) + "/dispatch/"

	for _, want := range []string{"sent", "already_sent"} {
		code, body, _ := f.do(t, http.MethodPost, path, "")
		var dr dispatchResponse
		if code != http.StatusOK || json.Unmarshal(body, &dr) != nil || string(dr.Outcome) != want {
			t.Fatalf("dispatch = %d %s, want %s", code, body, want)
		}
	}
	if n := f.tr.count(); n != 1 {
		t.Fatalf("transport calls = %d, want 1", n)
	}

	code, body, _ := f.do(t, http.MethodGet, "/api/reminders/"+itoa(rem.ID)+"/", "")
	if code != http.StatusOK || !bytes.Contains(body, []byte(`"task_title":"Buy milk"`)) || bytes.Contains(body, []byte(`"sent_at":null`)) {
		t.Fatalf("get reminder = %d %s", code, body)
	}

	if code, _, _ := f.do(t, http.MethodPost, "/api/reminders/999/dispatch/", ""); code != http.StatusNotFound {
		t.Fatalf("missing reminder dispatch = %d, want 404", code)
	}
}

func TestDispatchRouteTransportFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t, buyMilk, Config{})
	f.tr.mu.Lock()
	f.tr.err = errors.New("connection refused")
	f.tr.mu.Unlock()
	ctx := context.Background()
	task, _ := f.store.CreateTask(ctx, "Call", nil)
	rem, _ := f.store.CreateReminder(ctx, task.ID, time.Now())

	code, body, _ := f.do(t, http.MethodPost, "/api/reminders/"+itoa(rem.ID)+"/dispatch/", "")
	if code != http.StatusBadGateway || !bytes.Contains(body, []byte("connection refused")) {
		t.Fatalf("dispatch = %d %s, want 502", code, body)
	}
}

func TestHealthAndStatus(t *testing.T) {
	t.Parallel()
	f := newFixture(t, buyMilk, Config{})
	if code, body, _ := f.do(t, http.MethodGet, "/healthz", ""); code != http.StatusOK || !bytes.Contains(body, []byte(`"ok"`)) {
		t.Fatalf("healthz = %d %s", code, body)
	}
	if code, body, _ := f.do(t, http.MethodGet, "/api/status", ""); code != http.StatusOK || !bytes.Contains(body, []byte(`"dropped":0`)) {
		t.Fatalf("status = %d %s", code, body)
	}
}

func TestCORS(t *testing.T) {
	t.Parallel()
	f := newFixture(t, buyMilk, Config{CORSOrigins: []string{"http://localhost:5173/"}})

	code, _, hdr := f.do(t, http.MethodOptions, "/api/agent/plan-day/", "",
		"Origin", "http://localhost:5173",
		"Access-Control-Request-Method", "POST",
	)
	if code != http.StatusNoContent || hdr.Get("Access-Control-Allow-Origin") != "http://localhost:5173" {
		t.Fatalf("preflight = %d %v", code, hdr)
	}

	_, _, hdr = f.do(t, http.MethodGet, "/healthz", "", "Origin", "http://evil.example")
	if hdr.Get("Access-Control-Allow-Origin") != "" {
		t.Fatalf("disallowed origin got CORS headers")
	}
}

func TestPprofToken(t *testing.T) {
	t.Parallel()
	f := newFixture(t, buyMilk, Config{PprofEnabled: true, PprofToken: "s3cret"})

	if code, _, _ := f.do(t, http.MethodGet, "/debug/pprof/", ""); code != http.StatusUnauthorized {
		t.Fatalf("no token = %d, want 401", code)
	}
	if code, _, _ := f.do(t, http.MethodGet, "/debug/pprof/?token=nope", ""); code != http.StatusUnauthorized {
		t.Fatalf("wrong token = %d, want 401", code)
	}
	if code, _, _ := f.do(t, http.MethodGet, "/debug/pprof/", "", "Authorization", "Bearer s3cret"); code != http.StatusOK {
		t.Fatalf("bearer token = %d, want 200", code)
	}

	g := newFixture(t, buyMilk, Config{})
	if code, _, _ := g.do(t, http.MethodGet, "/debug/pprof/", ""); code != http.StatusNotFound {
		t.Fatalf("pprof disabled = %d, want 404", code)
	}
}

func TestServerStartStop(t *testing.T) {
	t.Parallel()
	st, err := storage.Open(context.Background(), storage.Config{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "s.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	defer st.Close()

	s := New(Config{Addr: "127.0.0.1:0"}, Deps{Store: st}, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	select {
	case <-s.Ready():
	case <-time.After(5 * time.Second):
		t.Fatalf("server not ready")
	}
	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz = %d", resp.StatusCode)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	s.Stop(stopCtx)
	if s.Supervisor() != nil {
		t.Fatalf("supervisor should be cleared after Stop")
	}
}

func itoa(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}
