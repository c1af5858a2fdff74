package cli

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"focusstack/internal/config"
	"focusstack/internal/imageio"
	"focusstack/internal/pipeline"
	"focusstack/internal/storage"
)

func TestCommandsDispatchJobs(t *testing.T) {
	root, fakePipe := newTestRoot(t)
	temp := t.TempDir()

	cases := []struct {
		name       string
		args       []string
		expectType pipeline.JobType
		check      func(t *testing.T, job pipeline.Job)
	}{
		{"stack", []string{"stack", temp, "--model", "translation"}, pipeline.JobBatch, func(t *testing.T, job pipeline.Job) {
			if job.InputPath != temp || job.Output != root.cfg.Paths.DefaultOutput {
				t.Fatalf("unexpected paths %s -> %s", job.InputPath, job.Output)
			}
			if job.Options["motion_model"] != "translation" {
				t.Fatalf("expected model override, got %v", job.Options)
			}
			if _, ok := job.Options["reference"]; ok {
				t.Fatalf("unset flags must not override config: %v", job.Options)
			}
		}},
		{"stack default input", []string{"stack"}, pipeline.JobBatch, func(t *testing.T, job pipeline.Job) {
			if job.InputPath != root.cfg.Paths.DefaultInput {
				t.Fatalf("expected default input, got %s", job.InputPath)
			}
		}},
		{"fuse", []string{"fuse", filepath.Join(temp, "a.png"), filepath.Join(temp, "b.png"), "-o", filepath.Join(temp, "out.tif"), "--reference", "0"}, pipeline.JobStack, func(t *testing.T, job pipeline.Job) {
			imgs, _ := job.Options["images"].([]string)
			if len(imgs) != 2 || job.Output != filepath.Join(temp, "out.tif") {
				t.Fatalf("unexpected fuse job %+v", job)
			}
			if job.Options["reference"] != 0 {
				t.Fatalf("expected reference override, got %v", job.Options["reference"])
			}
		}},
		{"scan", []string{"scan", temp}, pipeline.JobScan, nil},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fakePipe.reset()
			if _, err := runCmd(root, tc.args...); err != nil {
				t.Fatalf("run failed: %v", err)
			}
			jobs := fakePipe.submitted()
			if len(jobs) != 1 {
				t.Fatalf("expected one job, got %d", len(jobs))
			}
			if jobs[0].Type != tc.expectType {
				t.Fatalf("expected type %s, got %s", tc.expectType, jobs[0].Type)
			}
			if tc.check != nil {
				tc.check(t, jobs[0])
			}
		})
	}
}

func TestCommandsValidateArguments(t *testing.T) {
	root, _ := newTestRoot(t)
	if _, err := runCmd(root, "fuse", "only-one.png"); err == nil {
		t.Fatalf("expected error for a single fuse input")
	}
	if _, err := runCmd(root, "align", "only-one.png"); err == nil {
		t.Fatalf("expected error for a single align input")
	}
	if _, err := runCmd(root, "stack", "a", "b"); err == nil {
		t.Fatalf("expected error for two stack roots")
	}
}

func TestStackReportsResult(t *testing.T) {
	root, fakePipe := newTestRoot(t)
	out := filepath.Join(t.TempDir(), "bug", "fused.png")
	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(out, make([]byte, 2048), 0o644); err != nil {
		t.Fatal(err)
	}
	fakePipe.meta = map[string]any{
		"succeeded":   1,
		"failed":      1,
		"failed_sets": []string{"moth"},
		"skipped":     []string{"lonely"},
		"outputs":     []string{out},
		"duration_ms": int64(1500),
	}
	got, err := runCmd(root, "stack", t.TempDir())
	if err != nil {
		t.Fatalf("stack: %v", err)
	}
	for _, want := range []string{"Stacked 1 group(s), 1 failed, in 1.5s", "2.0 kB", "moth", "lonely"} {
		if !strings.Contains(got, want) {
			t.Fatalf("expected %q in output %q", want, got)
		}
	}
}

func TestEnqueueAndWaitPropagatesErrors(t *testing.T) {
	root, fakePipe := newTestRoot(t)
	job := pipeline.Job{ID: "err-job", Type: pipeline.JobScan}
	fakePipe.jobErrors["err-job"] = context.DeadlineExceeded
	if _, err := root.enqueueAndWait(context.Background(), job); err == nil {
		t.Fatalf("expected error from pipeline result")
	}
}

func TestServeCommandUsesInjectedFunction(t *testing.T) {
	root, _ := newTestRoot(t)
	var httpAddr, grpcAddr string
	root.serveFn = func(ctx context.Context, addr string, store *storage.Store, pipe pipelineClient, log *slog.Logger) error {
		httpAddr = addr
		return nil
	}
	root.grpcFn = func(ctx context.Context, addr string, store *storage.Store, pipe pipelineClient, log *slog.Logger) error {
		grpcAddr = addr
		return nil
	}
	if _, err := runCmd(root, "serve", "--addr", ":9999"); err != nil {
		t.Fatalf("serve failed: %v", err)
	}
	if _, err := runCmd(root, "grpc"); err != nil {
		t.Fatalf("grpc failed: %v", err)
	}
	if httpAddr != ":9999" || grpcAddr != root.cfg.Server.GRPCAddr {
		t.Fatalf("unexpected addresses %q %q", httpAddr, grpcAddr)
	}
}

func TestConfigCommands(t *testing.T) {
	root, _ := newTestRoot(t)
	out, err := runCmd(root, "config", "show")
	if err != nil {
		t.Fatalf("config show: %v", err)
	}
	if !strings.Contains(out, "motion_model: affine") {
		t.Fatalf("expected stacking section in output, got %q", out)
	}

	if out, err := runCmd(root, "config", "validate"); err != nil || !strings.Contains(out, "valid") {
		t.Fatalf("config validate: %v %q", err, out)
	}
	root.cfg.Stacking.MotionModel = "cubic"
	if _, err := runCmd(root, "config", "validate"); err == nil {
		t.Fatalf("expected validation error")
	}

	path := filepath.Join(t.TempDir(), "config.json")
	if _, err := runCmd(root, "config", "init", "--path", path); err != nil {
		t.Fatalf("config init: %v", err)
	}
	cfg, err := config.LoadFile(path)
	if err != nil || cfg.Stacking.MotionModel != "affine" {
		t.Fatalf("written config unreadable: %v", err)
	}

	if out, _ := runCmd(root, "version"); !strings.Contains(out, "focusstack "+Version) {
		t.Fatalf("expected version string, got %q", out)
	}
}

func TestJobsCommand(t *testing.T) {
	root, _ := newTestRoot(t)
	if _, err := runCmd(root, "jobs"); err == nil {
		t.Fatalf("expected error without a store")
	}

	store, err := storage.New(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("storage: %v", err)
	}
	defer store.Close()
	root.store = store
	if err := store.RecordJobQueued(storage.JobRecord{ID: "job-42", JobType: "batch", Status: "queued", InputPath: "/in"}); err != nil {
		t.Fatal(err)
	}
	if err := store.RecordFrameAlignment(storage.FrameAlignmentRecord{JobID: "job-42", GroupPath: "/in/bee", FrameIndex: 1, Outcome: "fallback", Error: "singular"}); err != nil {
		t.Fatal(err)
	}

	out, err := runCmd(root, "jobs")
	if err != nil || !strings.Contains(out, "job-42") {
		t.Fatalf("jobs list: %v %q", err, out)
	}
	out, err = runCmd(root, "jobs", "job-42")
	if err != nil || !strings.Contains(out, "/in/bee") || !strings.Contains(out, "singular") {
		t.Fatalf("jobs detail: %v %q", err, out)
	}
	if _, err := runCmd(root, "jobs", "nope"); err == nil {
		t.Fatalf("expected error for unknown job")
	}
}

func TestAlignWritesFrames(t *testing.T) {
	root, _ := newTestRoot(t)
	dir := t.TempDir()
	a := filepath.Join(dir, "a.png")
	b := filepath.Join(dir, "b.png")
	writeTexture(t, a, 0)
	writeTexture(t, b, 1)
	outDir := filepath.Join(dir, "aligned")

	out, err := runCmd(root, "align", a, b, "-o", outDir, "--model", "translation")
	if err != nil {
		t.Fatalf("align: %v", err)
	}
	for _, name := range []string{"aligned_0.png", "aligned_1.png"} {
		if _, err := os.Stat(filepath.Join(outDir, name)); err != nil {
			t.Fatalf("expected %s: %v", name, err)
		}
	}
	if !strings.Contains(out, "reference") {
		t.Fatalf("expected a reference frame in output %q", out)
	}
}

func TestWatchQueuesSettledGroups(t *testing.T) {
	root, fakePipe := newTestRoot(t)
	root.cfg.Watch.DebounceMillis = 50
	in := t.TempDir()
	group := filepath.Join(in, "bee")
	if err := os.Mkdir(group, 0o755); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- root.watchGroups(ctx, in, "/out", map[string]any{"source": "watch"}) }()
	defer func() {
		cancel()
		<-done
	}()

	time.Sleep(100 * time.Millisecond)
	writeTexture(t, filepath.Join(group, "1.png"), 0)
	writeTexture(t, filepath.Join(group, "2.png"), 1)

	deadline := time.Now().Add(5 * time.Second)
	for {
		if jobs := fakePipe.submitted(); len(jobs) > 0 {
			if jobs[0].Type != pipeline.JobStack || jobs[0].InputPath != group || jobs[0].Output != filepath.Join("/out", "bee") {
				t.Fatalf("unexpected job %+v", jobs[0])
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("group was never queued")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// Test helpers

func newTestRoot(t *testing.T) (*Root, *fakePipeline) {
	t.Helper()

	cfg := config.Default()
	tmp := t.TempDir()
	cfg.Paths.DefaultInput = filepath.Join(tmp, "input")
	cfg.Paths.DefaultOutput = filepath.Join(tmp, "output")
	cfg.Paths.DatabasePath = filepath.Join(tmp, "focusstack.db")

	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
	pipe := newFakePipeline()
	root := NewRoot(pipe, cfg, logger, nil)
	return root, pipe
}

func runCmd(root *Root, args ...string) (string, error) {
	cmd := newRootCmd(root)
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func writeTexture(t *testing.T, path string, shift float64) {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 40, 32))
	for y := 0; y < 32; y++ {
		for x := 0; x < 40; x++ {
			v := 128 + 60*math.Sin(2*math.Pi*(float64(x)-shift)/17)*math.Cos(2*math.Pi*float64(y)/13)
			img.Set(x, y, color.NRGBA{R: uint8(v), G: uint8(v), B: uint8(v), A: 255})
		}
	}
	if err := imageio.Save(path, img); err != nil {
		t.Fatalf("save %s: %v", path, err)
	}
}

type fakePipeline struct {
	mu        sync.Mutex
	jobs      []pipeline.Job
	subs      map[int]chan pipeline.Result
	nextSubID int
	jobErrors map[string]error
	meta      map[string]any
}

func newFakePipeline() *fakePipeline {
	return &fakePipeline{
		subs:      make(map[int]chan pipeline.Result),
		jobErrors: make(map[string]error),
	}
}

func (f *fakePipeline) Submit(job pipeline.Job) error {
	f.mu.Lock()
	f.jobs = append(f.jobs, job)
	subs := make([]chan pipeline.Result, 0, len(f.subs))
	for _, ch := range f.subs {
		subs = append(subs, ch)
	}
	err := f.errorFor(job)
	meta := f.meta
	if meta == nil {
		meta = map[string]any{"ok": true}
	}
	f.mu.Unlock()

	res := pipeline.Result{Job: job, Error: err, Meta: meta}
	for _, ch := range subs {
		select {
		case ch <- res:
		default:
		}
	}
	return nil
}

func (f *fakePipeline) Subscribe() (<-chan pipeline.Result, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextSubID
	f.nextSubID++
	ch := make(chan pipeline.Result, 2)
	f.subs[id] = ch
	unsub := func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if c, ok := f.subs[id]; ok {
			close(c)
			delete(f.subs, id)
		}
	}
	return ch, unsub
}

func (f *fakePipeline) submitted() []pipeline.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]pipeline.Job(nil), f.jobs...)
}

func (f *fakePipeline) errorFor(job pipeline.Job) error {
	if err, ok := f.jobErrors[job.ID]; ok {
		return err
	}
	if err, ok := f.jobErrors[string(job.Type)]; ok {
		return err
	}
	return nil
}

func (f *fakePipeline) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = nil
	f.jobErrors = make(map[string]error)
}
