package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"focusstack/internal/fusion"
	"focusstack/internal/imageio"
	"focusstack/internal/imaging"
	"focusstack/internal/logging"
	"focusstack/internal/registration"
)

// ErrNoImages is returned when none of the requested files could be read.
var ErrNoImages = errors.New("no readable images")

// StackRequest defines the inputs of one focus stack.
type StackRequest struct {
	JobID  string
	Images []string
	Output string // fused image path; the extension picks the encoder

	// AlignedDir receives aligned_<i>.png frames with the validity mask as
	// alpha when non-empty.
	AlignedDir string
	// DebugDir receives the selection map and per-frame score maps when non-empty.
	DebugDir string

	Align registration.Options
	Fuse  fusion.Options
}

// FrameReport describes how one input frame was registered.
type FrameReport struct {
	Index       int       `json:"index"`
	File        string    `json:"file"`
	Outcome     string    `json:"outcome"`
	Correlation float64   `json:"correlation"`
	Iterations  int       `json:"iterations"`
	Converged   bool      `json:"converged"`
	Transform   []float64 `json:"transform"`
	Error       string    `json:"error,omitempty"`
}

// StackResult captures output metadata.
type StackResult struct {
	OutputFile   string
	ImageCount   int
	Width        int
	Height       int
	Channels     int
	Degraded     int
	Frames       []FrameReport
	Unreadable   []string
	Contribution []int // pixels taken from each frame
	Metadata     []imageio.Metadata
	AlignedFiles []string
	DebugFiles   []string
	Duration     time.Duration
}

// Meta flattens the result for job records.
func (r StackResult) Meta() map[string]any {
	return map[string]any{
		"output":       r.OutputFile,
		"images":       r.ImageCount,
		"width":        r.Width,
		"height":       r.Height,
		"degraded":     r.Degraded,
		"unreadable":   len(r.Unreadable),
		"contribution": r.Contribution,
		"duration_ms":  r.Duration.Milliseconds(),
	}
}

// FocusStack loads the images, registers them onto the reference frame,
// fuses them and writes the composite. Frames that fail to register are
// fused unaligned and reported as degraded; unreadable files are skipped.
func FocusStack(ctx context.Context, req StackRequest, log *slog.Logger) (StackResult, error) {
	if log == nil {
		log = slog.Default()
	}
	start := time.Now()
	res := StackResult{OutputFile: req.Output}

	logging.LogProcessingStep(log, req.JobID, "load", "started", map[string]any{"files": len(req.Images)})
	var images []imaging.Image
	var files []string
	for _, p := range req.Images {
		img, meta, err := imageio.Load(p)
		if err != nil {
			log.Error("could not read image", "job_id", req.JobID, "file", p, "error", err)
			res.Unreadable = append(res.Unreadable, p)
			continue
		}
		images = append(images, img)
		files = append(files, p)
		res.Metadata = append(res.Metadata, meta)
	}
	if len(images) == 0 {
		return res, fmt.Errorf("%d files: %w", len(req.Images), ErrNoImages)
	}
	res.ImageCount = len(images)
	if promoted := uniformChannels(images); promoted > 0 {
		log.Info("promoted grayscale frames to RGB", "job_id", req.JobID, "frames", promoted)
	}

	logging.LogProcessingStep(log, req.JobID, "align", "started", map[string]any{
		"images": len(images),
		"model":  req.Align.Model.String(),
	})
	alignOpts := req.Align
	if alignOpts.Logger == nil {
		alignOpts.Logger = log
	}
	frames, err := registration.Align(ctx, images, alignOpts)
	if err != nil {
		return res, fmt.Errorf("align: %w", err)
	}
	for _, f := range frames {
		rep := FrameReport{
			Index:       f.Index,
			File:        files[f.Index],
			Outcome:     f.Outcome.String(),
			Correlation: f.Correlation,
			Iterations:  f.Iterations,
			Converged:   f.Converged,
			Transform:   append([]float64(nil), f.Transform.M[:]...),
		}
		if f.Degraded() {
			res.Degraded++
			rep.Error = f.Err.Error()
			logging.LogFrameDegraded(log, req.JobID, files[f.Index], f.Index, f.Err)
		}
		res.Frames = append(res.Frames, rep)
	}

	logging.LogProcessingStep(log, req.JobID, "fuse", "started", map[string]any{"degraded": res.Degraded})
	aligned := registration.Images(frames)
	fused, err := fusion.FuseDetailed(ctx, aligned, req.Fuse)
	if err != nil {
		return res, fmt.Errorf("fuse: %w", err)
	}
	res.Width, res.Height, res.Channels = fused.Composite.Width, fused.Composite.Height, fused.Composite.Channels
	res.Contribution = fused.Selection.Histogram(len(aligned))

	if err := imageio.Save(req.Output, fused.Composite.ToImage()); err != nil {
		return res, fmt.Errorf("write result: %w", err)
	}

	if req.AlignedDir != "" {
		for i, a := range aligned {
			p := filepath.Join(req.AlignedDir, fmt.Sprintf("aligned_%d.png", i))
			if err := imageio.Save(p, a.ToNRGBA()); err != nil {
				return res, fmt.Errorf("write aligned frame %d: %w", i, err)
			}
			res.AlignedFiles = append(res.AlignedFiles, p)
		}
	}

	if req.DebugDir != "" {
		debug, err := writeDebugMaps(req.DebugDir, fused, files, req.Fuse.InvalidScore)
		if err != nil {
			return res, err
		}
		res.DebugFiles = debug
	}

	res.Duration = time.Since(start)
	logging.LogProcessingStep(log, req.JobID, "write", "completed", map[string]any{
		"output":   req.Output,
		"duration": res.Duration.String(),
	})
	return res, nil
}

// uniformChannels promotes 1-channel frames to RGB when the group also holds
// color frames and returns how many were promoted.
func uniformChannels(images []imaging.Image) int {
	hasColor := false
	for _, img := range images {
		hasColor = hasColor || img.Channels == 3
	}
	if !hasColor {
		return 0
	}
	n := 0
	for i, img := range images {
		if img.Channels == 1 {
			images[i] = img.RGB()
			n++
		}
	}
	return n
}

func writeDebugMaps(dir string, r fusion.Result, files []string, invalidScore float64) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	labels := make([]string, len(files))
	for i, f := range files {
		labels[i] = filepath.Base(f)
	}

	var out []string
	sel := filepath.Join(dir, "selection.png")
	if err := imageio.Save(sel, fusion.SelectionImage(r.Selection, labels)); err != nil {
		return out, fmt.Errorf("write selection map: %w", err)
	}
	out = append(out, sel)
	for i, s := range r.Scores {
		name := strings.TrimSuffix(labels[i], filepath.Ext(labels[i]))
		p := filepath.Join(dir, fmt.Sprintf("score_%d_%s.png", i, name))
		if err := imageio.Save(p, fusion.ScoreImage(s, labels[i], invalidScore)); err != nil {
			return out, fmt.Errorf("write score map %d: %w", i, err)
		}
		out = append(out, p)
	}
	return out, nil
}
