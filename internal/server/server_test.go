package server

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"focusstack/internal/imageio"
	"focusstack/internal/pipeline"
	"focusstack/internal/storage"

	"github.com/gorilla/websocket"
)

type stubQueue struct {
	jobs    []pipeline.Job
	err     error
	results chan pipeline.Result
}

func (q *stubQueue) Submit(job pipeline.Job) error {
	if q.err != nil {
		return q.err
	}
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *stubQueue) Subscribe() (<-chan pipeline.Result, func()) {
	if q.results == nil {
		q.results = make(chan pipeline.Result, 4)
	}
	return q.results, func() {}
}

func newTestServer(t *testing.T) (*Server, *stubQueue, *storage.Store) {
	t.Helper()
	store, err := storage.New(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("storage: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	q := &stubQueue{}
	return NewServer(":0", store, q, slog.Default()), q, store
}

func TestHealthz(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("unexpected response %d %q", rec.Code, rec.Body.String())
	}
}

func TestSubmitJob(t *testing.T) {
	s, q, _ := newTestServer(t)
	body := `{"type":"batch","input":"/in","output":"/out","options":{"reference":1}}`
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("POST", "/jobs", strings.NewReader(body)))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if len(q.jobs) != 1 || q.jobs[0].ID != resp["id"] || resp["id"] == "" {
		t.Fatalf("job not queued with generated id: %v %+v", resp, q.jobs)
	}
	if q.jobs[0].Type != pipeline.JobBatch || q.jobs[0].InputPath != "/in" {
		t.Fatalf("unexpected job %+v", q.jobs[0])
	}
	if _, ok := q.jobs[0].Options["reference"].(json.Number); !ok {
		t.Fatalf("numbers must decode as json.Number, got %T", q.jobs[0].Options["reference"])
	}
}

func TestSubmitJobErrors(t *testing.T) {
	s, q, _ := newTestServer(t)
	cases := []struct {
		body string
		code int
	}{
		{`not json`, http.StatusBadRequest},
		{`{"type":"timelapse","input":"/in"}`, http.StatusBadRequest},
		{`{"type":"scan"}`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest("POST", "/jobs", strings.NewReader(tc.body)))
		if rec.Code != tc.code {
			t.Fatalf("%s: expected %d, got %d", tc.body, tc.code, rec.Code)
		}
	}

	q.err = pipeline.ErrQueueFull
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("POST", "/jobs", strings.NewReader(`{"type":"scan","input":"/in"}`)))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 for a full queue, got %d", rec.Code)
	}
}

func TestJobDetail(t *testing.T) {
	s, _, store := newTestServer(t)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/jobs/missing", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}

	if err := store.RecordJobQueued(storage.JobRecord{ID: "j1", JobType: "stack", Status: "queued", InputPath: "/in/g"}); err != nil {
		t.Fatal(err)
	}
	for i, outcome := range []string{"aligned", "reference", "fallback"} {
		if err := store.RecordFrameAlignment(storage.FrameAlignmentRecord{JobID: "j1", GroupPath: "/in/g", FrameIndex: i, Outcome: outcome}); err != nil {
			t.Fatal(err)
		}
	}
	if err := store.RecordJobResult("j1", "completed", map[string]any{"images": 3}, ""); err != nil {
		t.Fatal(err)
	}

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/jobs/j1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var detail jobDetail
	if err := json.NewDecoder(rec.Body).Decode(&detail); err != nil {
		t.Fatal(err)
	}
	if detail.Job.Status != "completed" || len(detail.Frames) != 3 || detail.Degraded != 1 {
		t.Fatalf("unexpected detail %+v", detail)
	}
	if detail.Meta["images"] != float64(3) {
		t.Fatalf("unexpected meta %v", detail.Meta)
	}

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/jobs/j1/frames?degraded=true", nil))
	var frames []storage.FrameAlignmentRecord
	if err := json.NewDecoder(rec.Body).Decode(&frames); err != nil {
		t.Fatal(err)
	}
	if len(frames) != 1 || frames[0].FrameIndex != 2 {
		t.Fatalf("unexpected degraded frames %+v", frames)
	}
}

func TestJobsWithoutStore(t *testing.T) {
	s := NewServer(":0", nil, &stubQueue{}, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/jobs", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "no jobs yet") {
		t.Fatalf("dashboard must render without a store, got %d", rec.Code)
	}
}

func TestImageMetadata(t *testing.T) {
	s, _, _ := newTestServer(t)
	path := filepath.Join(t.TempDir(), "m.png")
	if err := imageio.Save(path, image.NewGray(image.Rect(0, 0, 5, 3))); err != nil {
		t.Fatal(err)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/images/metadata?path="+path, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var meta imageio.Metadata
	if err := json.NewDecoder(rec.Body).Decode(&meta); err != nil {
		t.Fatal(err)
	}
	if meta.Width != 5 || meta.Height != 3 {
		t.Fatalf("unexpected metadata %+v", meta)
	}

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/images/metadata?path="+path+".missing", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestWebsocketRelaysResults(t *testing.T) {
	s, q, _ := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.hub.Run(ctx)
	q.Subscribe()
	go s.relay(ctx)

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(5 * time.Second)
	for s.hub.Clients(ctx) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("client never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	q.results <- pipeline.Result{Job: pipeline.Job{ID: "j9", Type: pipeline.JobStack}, Error: errors.New("boom")}
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var ev resultEvent
	if err := json.Unmarshal(msg, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.ID != "j9" || ev.Status != "failed" || ev.Error != "boom" {
		t.Fatalf("unexpected event %+v", ev)
	}
}
