package tasks

import (
	"context"
	"errors"
	"image"
	"image/color"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"focusstack/internal/config"
	"focusstack/internal/fusion"
	"focusstack/internal/imageio"
	"focusstack/internal/registration"
)

// writeFrame saves a smooth texture shifted by (dx, dy) with a sharp
// checkerboard patch at (px, py).
func writeFrame(t *testing.T, path string, w, h int, dx, dy float64, px, py int) {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			fx, fy := float64(x)-dx, float64(y)-dy
			v := 128 + 50*math.Sin(2*math.Pi*fx/23)*math.Cos(2*math.Pi*fy/19)
			if px >= 0 && x >= px && x < px+8 && y >= py && y < py+8 {
				v = 0
				if (x+y)%2 == 0 {
					v = 255
				}
			}
			img.Set(x, y, color.NRGBA{R: uint8(v), G: uint8(v), B: uint8(v), A: 255})
		}
	}
	if err := imageio.Save(path, img); err != nil {
		t.Fatalf("save %s: %v", path, err)
	}
}

func testRequest(t *testing.T) StackRequest {
	t.Helper()
	cfg := config.Default()
	cfg.Stacking.MotionModel = "translation"
	cfg.Stacking.MaxIterations = 100
	ro, fo, err := EngineOptions(cfg.Stacking, 2)
	if err != nil {
		t.Fatalf("EngineOptions: %v", err)
	}
	return StackRequest{Align: ro, Fuse: fo}
}

func TestScan(t *testing.T) {
	root := t.TempDir()
	for _, g := range []string{"g1", "g2", "lonely"} {
		if err := os.Mkdir(filepath.Join(root, g), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	writeFrame(t, filepath.Join(root, "g1", "b.png"), 16, 16, 0, 0, -1, -1)
	writeFrame(t, filepath.Join(root, "g1", "a.png"), 16, 16, 0, 0, -1, -1)
	writeFrame(t, filepath.Join(root, "g2", "x.jpg"), 16, 16, 0, 0, -1, -1)
	writeFrame(t, filepath.Join(root, "g2", "y.jpg"), 16, 16, 0, 0, -1, -1)
	writeFrame(t, filepath.Join(root, "lonely", "only.png"), 16, 16, 0, 0, -1, -1)
	writeFrame(t, filepath.Join(root, "loose.png"), 16, 16, 0, 0, -1, -1)
	if err := os.WriteFile(filepath.Join(root, "g2", "z.NEF"), []byte("raw"), 0o644); err != nil {
		t.Fatal(err)
	}

	res, err := Scan(root, 2)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if names := res.GroupNames(); len(names) != 2 || names[0] != "g1" || names[1] != "g2" {
		t.Fatalf("unexpected groups %v", names)
	}
	if filepath.Base(res.Groups[0].Images[0]) != "a.png" {
		t.Fatalf("images must be sorted by name: %v", res.Groups[0].Images)
	}
	if res.Groups[1].Count() != 3 || res.Groups[1].RAW != 1 {
		t.Fatalf("expected the RAW file to be listed and counted, got %+v", res.Groups[1])
	}
	if len(res.Skipped) != 1 || res.Skipped[0].Name != "lonely" {
		t.Fatalf("expected lonely to be skipped, got %+v", res.Skipped)
	}
	if _, err := Scan(filepath.Join(root, "missing"), 2); err == nil {
		t.Fatalf("expected error for missing root")
	}
}

func TestFocusStackWritesOutputs(t *testing.T) {
	dir := t.TempDir()
	var files []string
	for i, shift := range []float64{0.5, 0, -0.5} {
		p := filepath.Join(dir, "in", string(rune('a'+i))+".png")
		writeFrame(t, p, 48, 40, shift, 0, 4+12*i, 16)
		files = append(files, p)
	}
	bad := filepath.Join(dir, "in", "broken.png")
	if err := os.WriteFile(bad, []byte("nope"), 0o644); err != nil {
		t.Fatal(err)
	}

	req := testRequest(t)
	req.JobID = "job-1"
	req.Images = append(files, bad)
	req.Output = filepath.Join(dir, "out", "fused.png")
	req.AlignedDir = filepath.Join(dir, "out")
	req.DebugDir = filepath.Join(dir, "out", "debug")

	res, err := FocusStack(context.Background(), req, slog.Default())
	if err != nil {
		t.Fatalf("FocusStack: %v", err)
	}
	if res.ImageCount != 3 || len(res.Unreadable) != 1 {
		t.Fatalf("expected 3 loaded and 1 unreadable, got %d / %v", res.ImageCount, res.Unreadable)
	}
	if res.Width != 48 || res.Height != 40 || len(res.Frames) != 3 {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.Frames[1].Outcome != registration.OutcomeReference.String() {
		t.Fatalf("expected middle frame as reference, got %s", res.Frames[1].Outcome)
	}
	total := 0
	for _, c := range res.Contribution {
		total += c
	}
	if total != 48*40 {
		t.Fatalf("contributions must cover every pixel, got %d", total)
	}
	for _, p := range append([]string{req.Output}, append(res.AlignedFiles, res.DebugFiles...)...) {
		if _, err := os.Stat(p); err != nil {
			t.Fatalf("expected %s: %v", p, err)
		}
	}
	if len(res.AlignedFiles) != 3 || len(res.DebugFiles) != 4 {
		t.Fatalf("expected 3 aligned and 4 debug files, got %d / %d", len(res.AlignedFiles), len(res.DebugFiles))
	}
}

func TestFocusStackNoReadableImages(t *testing.T) {
	req := testRequest(t)
	req.Images = []string{filepath.Join(t.TempDir(), "missing.png")}
	req.Output = filepath.Join(t.TempDir(), "fused.png")
	if _, err := FocusStack(context.Background(), req, nil); !errors.Is(err, ErrNoImages) {
		t.Fatalf("expected ErrNoImages, got %v", err)
	}
}

func writeGrayFrame(t *testing.T, path string, w, h int, px, py int) {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := 128 + 50*math.Sin(2*math.Pi*float64(x)/23)*math.Cos(2*math.Pi*float64(y)/19)
			if x >= px && x < px+8 && y >= py && y < py+8 {
				v = 0
				if (x+y)%2 == 0 {
					v = 255
				}
			}
			img.SetGray(x, y, color.Gray{Y: uint8(v)})
		}
	}
	if err := imageio.Save(path, img); err != nil {
		t.Fatalf("save %s: %v", path, err)
	}
}

func TestFocusStackMixedChannels(t *testing.T) {
	dir := t.TempDir()
	files := []string{
		filepath.Join(dir, "a.png"),
		filepath.Join(dir, "b.png"),
		filepath.Join(dir, "c.png"),
	}
	writeGrayFrame(t, files[0], 40, 32, 4, 4)
	writeFrame(t, files[1], 40, 32, 0, 0, 16, 12)
	writeGrayFrame(t, files[2], 40, 32, 28, 20)

	req := testRequest(t)
	req.Images = files
	req.Output = filepath.Join(dir, "out", "fused.png")
	res, err := FocusStack(context.Background(), req, nil)
	if err != nil {
		t.Fatalf("FocusStack: %v", err)
	}
	if res.ImageCount != 3 || res.Channels != 3 {
		t.Fatalf("expected an RGB composite of 3 frames, got %d frames %d channels", res.ImageCount, res.Channels)
	}
	img, _, err := imageio.Load(req.Output)
	if err != nil {
		t.Fatalf("load output: %v", err)
	}
	if img.Width != 40 || img.Height != 32 {
		t.Fatalf("unexpected output size %dx%d", img.Width, img.Height)
	}

	req.Images = []string{files[0], files[2]}
	req.Output = filepath.Join(dir, "gray", "fused.png")
	res, err = FocusStack(context.Background(), req, nil)
	if err != nil {
		t.Fatalf("FocusStack gray: %v", err)
	}
	if res.Channels != 1 {
		t.Fatalf("an all-gray group should stay single channel, got %d", res.Channels)
	}
}

func TestStackBatchesContinuesAfterFailure(t *testing.T) {
	in := t.TempDir()
	out := t.TempDir()
	for _, g := range []string{"a_good", "b_bad", "c_good", "d_single"} {
		if err := os.Mkdir(filepath.Join(in, g), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	for _, g := range []string{"a_good", "b_bad", "c_good"} {
		writeFrame(t, filepath.Join(in, g, "1.png"), 20, 20, 0, 0, 2, 2)
		writeFrame(t, filepath.Join(in, g, "2.png"), 20, 20, 0, 0, 10, 10)
	}
	writeFrame(t, filepath.Join(in, "d_single", "1.png"), 20, 20, 0, 0, -1, -1)

	var seen []string
	stub := func(ctx context.Context, req StackRequest, log *slog.Logger) (StackResult, error) {
		if filepath.Base(filepath.Dir(req.Output)) == "b_bad" {
			return StackResult{}, errors.New("boom")
		}
		return FocusStack(ctx, req, log)
	}
	res, err := StackBatches(context.Background(), BatchRequest{
		JobID:      "batch",
		InputRoot:  in,
		OutputRoot: out,
		MinImages:  2,
		Template:   testRequest(t),
	}, stub, nil, func(g GroupResult) { seen = append(seen, g.Group.Name) })
	if err != nil {
		t.Fatalf("StackBatches: %v", err)
	}
	if res.Succeeded != 2 || res.Failed != 1 || len(res.Skipped) != 1 {
		t.Fatalf("unexpected summary %+v", res.Meta())
	}
	if len(seen) != 3 || seen[0] != "a_good" || seen[2] != "c_good" {
		t.Fatalf("groups must run in order, got %v", seen)
	}
	for _, g := range []string{"a_good", "c_good"} {
		if _, err := os.Stat(filepath.Join(out, g, "fused.png")); err != nil {
			t.Fatalf("missing output for %s: %v", g, err)
		}
	}
	if _, err := os.Stat(filepath.Join(out, "d_single")); !os.IsNotExist(err) {
		t.Fatalf("skipped group must not produce output")
	}
}

func TestStackBatchesCancelled(t *testing.T) {
	in := t.TempDir()
	if err := os.Mkdir(filepath.Join(in, "g"), 0o755); err != nil {
		t.Fatal(err)
	}
	writeFrame(t, filepath.Join(in, "g", "1.png"), 8, 8, 0, 0, -1, -1)
	writeFrame(t, filepath.Join(in, "g", "2.png"), 8, 8, 0, 0, -1, -1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := StackBatches(ctx, BatchRequest{InputRoot: in, OutputRoot: t.TempDir(), Template: testRequest(t)}, nil, nil, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestEngineOptions(t *testing.T) {
	s := config.Default().Stacking
	s.ReferenceIndex = 2
	ro, fo, err := EngineOptions(s, 3)
	if err != nil {
		t.Fatalf("EngineOptions: %v", err)
	}
	if ro.Model != registration.Affine || ro.Reference == nil || *ro.Reference != 2 || ro.Concurrency != 3 {
		t.Fatalf("unexpected registration options %+v", ro)
	}
	if fo.Threshold != 250 || fo.InvalidScore != 1e9 || fo.ErodeIterations != 1 {
		t.Fatalf("unexpected fusion options %+v", fo)
	}
	if _, ok := fo.Measure.(fusion.NativeMeasure); !ok {
		t.Fatalf("expected the native focus measure, got %T", fo.Measure)
	}
	s.Estimator = "nonexistent"
	if _, _, err := EngineOptions(s, 1); err == nil {
		t.Fatalf("expected error for unknown estimator")
	}
	s.Estimator = "native"
	s.FocusMeasure = "wavelet"
	if _, _, err := EngineOptions(s, 1); err == nil {
		t.Fatalf("expected error for unknown focus measure")
	}
}

func TestWatcherDebouncesGroup(t *testing.T) {
	root := t.TempDir()
	group := filepath.Join(root, "g1")
	if err := os.Mkdir(group, 0o755); err != nil {
		t.Fatal(err)
	}
	w, err := NewFileSystemWatcher(root, 100*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("NewFileSystemWatcher: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	// give the watcher time to register
	time.Sleep(100 * time.Millisecond)
	for i := 0; i < 3; i++ {
		writeFrame(t, filepath.Join(group, string(rune('a'+i))+".png"), 8, 8, 0, 0, -1, -1)
	}
	if err := os.WriteFile(filepath.Join(group, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case g := <-w.Ready:
		if g != group {
			t.Fatalf("expected %s, got %s", group, g)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("group never became ready")
	}
	select {
	case g := <-w.Ready:
		t.Fatalf("burst must be reported once, got second %s", g)
	case <-time.After(300 * time.Millisecond):
	}
}
