package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"

	"focusstack/internal/config"
	"focusstack/internal/fsutil"
	"focusstack/internal/storage"
	"focusstack/internal/tasks"
)

// router implements Processor and routes jobs to their concrete handlers.
type router struct {
	log         *slog.Logger
	store       *storage.Store
	stacking    config.Stacking
	concurrency int
	outputRoot  string // stack jobs without an output write below it
	stackFn     tasks.StackFunc
	batchFn     batchFunc
	scanFn      scanFunc
}

type batchFunc func(ctx context.Context, req tasks.BatchRequest, stack tasks.StackFunc, log *slog.Logger, onGroup func(tasks.GroupResult)) (tasks.BatchResult, error)

type scanFunc func(root string, minImages int) (tasks.ScanResult, error)

func newRouter(logger *slog.Logger, store *storage.Store, cfg *config.Config) *router {
	return &router{
		log:         logger,
		store:       store,
		stacking:    cfg.Stacking,
		concurrency: cfg.Processing.MaxConcurrency,
		outputRoot:  cfg.Paths.DefaultOutput,
		stackFn:     tasks.FocusStack,
		batchFn:     tasks.StackBatches,
		scanFn:      tasks.Scan,
	}
}

func (r *router) Process(ctx context.Context, job Job) Result {
	switch job.Type {
	case JobScan:
		return r.handleScan(ctx, job)
	case JobStack:
		return r.handleStack(ctx, job)
	case JobBatch:
		return r.handleBatch(ctx, job)
	default:
		return Result{Job: job, Error: fmt.Errorf("unknown job type: %s", job.Type)}
	}
}

func (r *router) handleScan(ctx context.Context, job Job) Result {
	s := r.stackingFor(job)
	summary, err := r.scanFn(job.InputPath, s.MinImages)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	for _, g := range summary.Groups {
		r.recordGroup(job.ID, g)
	}
	skipped := make([]string, len(summary.Skipped))
	for i, g := range summary.Skipped {
		skipped[i] = g.Name
	}
	images, raw := 0, 0
	for _, g := range summary.Groups {
		images += g.Count()
		raw += g.RAW
	}
	meta := map[string]any{
		"groups":  summary.GroupNames(),
		"images":  images,
		"raw":     raw,
		"skipped": skipped,
	}
	return Result{Job: job, Meta: meta}
}

func (r *router) handleStack(ctx context.Context, job Job) Result {
	s := r.stackingFor(job)
	req, err := r.request(s)
	if err != nil {
		return Result{Job: job, Error: err}
	}

	images := getStringsOption(job.Options, "images")
	if len(images) == 0 {
		if job.InputPath == "" {
			return Result{Job: job, Error: fmt.Errorf("stack job needs an input directory or an image list")}
		}
		if images, err = fsutil.ListImages(job.InputPath); err != nil {
			return Result{Job: job, Error: err}
		}
	}
	if len(images) < s.MinImages {
		return Result{Job: job, Error: fmt.Errorf("%d images, need at least %d: %w", len(images), s.MinImages, tasks.ErrNoImages)}
	}

	out := job.Output
	if out == "" {
		// never inside the group itself, where the next run would list it as a frame
		group := job.InputPath
		if group == "" {
			group = filepath.Dir(images[0])
		}
		out = filepath.Join(r.outputRoot, filepath.Base(filepath.Clean(group)), s.OutputName)
	} else if filepath.Ext(out) == "" {
		out = filepath.Join(out, s.OutputName)
	}
	req.JobID = job.ID
	req.Images = images
	req.Output = out
	if s.SaveAligned {
		req.AlignedDir = filepath.Dir(out)
	}
	if s.DebugMaps {
		req.DebugDir = filepath.Join(filepath.Dir(out), "debug")
	}

	res, err := r.stackFn(ctx, req, r.log)
	group := job.InputPath
	if group == "" {
		group = filepath.Dir(images[0])
	}
	r.recordStack(job.ID, group, s.MotionModel, res)
	meta := res.Meta()
	meta["frames"] = res.Frames
	meta["motion_model"] = s.MotionModel
	return Result{Job: job, Error: err, Meta: meta}
}

func (r *router) handleBatch(ctx context.Context, job Job) Result {
	s := r.stackingFor(job)
	tpl, err := r.request(s)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	out := job.Output
	if out == "" {
		out = filepath.Join(filepath.Dir(filepath.Clean(job.InputPath)), "Results")
	}

	res, err := r.batchFn(ctx, tasks.BatchRequest{
		JobID:       job.ID,
		InputRoot:   job.InputPath,
		OutputRoot:  out,
		OutputName:  s.OutputName,
		MinImages:   s.MinImages,
		SaveAligned: s.SaveAligned,
		DebugMaps:   s.DebugMaps,
		Template:    tpl,
	}, r.stackFn, r.log, func(g tasks.GroupResult) {
		r.recordGroup(job.ID, g.Group)
		r.recordStack(job.ID, g.Group.BasePath, s.MotionModel, g.Result)
	})
	meta := res.Meta()
	meta["output_root"] = out
	if err == nil && res.Failed > 0 && res.Succeeded == 0 {
		err = fmt.Errorf("all %d groups failed", res.Failed)
	}
	return Result{Job: job, Error: err, Meta: meta}
}

func (r *router) request(s config.Stacking) (tasks.StackRequest, error) {
	ro, fo, err := tasks.EngineOptions(s, r.concurrency)
	if err != nil {
		return tasks.StackRequest{}, err
	}
	ro.Logger = r.log
	return tasks.StackRequest{Align: ro, Fuse: fo}, nil
}

// stackingFor applies per-job overrides to the configured stacking section.
func (r *router) stackingFor(job Job) config.Stacking {
	s := r.stacking
	o := job.Options
	if v := getStringOption(o, "motion_model"); v != "" {
		s.MotionModel = v
	}
	if v := getStringOption(o, "estimator"); v != "" {
		s.Estimator = v
	}
	if v := getStringOption(o, "focus_measure"); v != "" {
		s.FocusMeasure = v
	}
	if v := getStringOption(o, "output_name"); v != "" {
		s.OutputName = v
	}
	if v, ok := getIntOption(o, "reference"); ok {
		s.ReferenceIndex = v
	}
	if v, ok := getIntOption(o, "max_iterations"); ok {
		s.MaxIterations = v
	}
	if v, ok := getIntOption(o, "min_images"); ok {
		s.MinImages = v
	}
	if v, ok := o["save_aligned"].(bool); ok {
		s.SaveAligned = v
	}
	if v, ok := o["debug_maps"].(bool); ok {
		s.DebugMaps = v
	}
	if s.OutputName == "" {
		s.OutputName = "fused.png"
	}
	if s.MinImages < 1 {
		s.MinImages = 2
	}
	return s
}

func (r *router) recordGroup(jobID string, g tasks.ImageGroup) {
	if r.store == nil {
		return
	}
	if err := r.store.RecordGroup(storage.ImageGroupRecord{
		JobID:           jobID,
		GroupType:       g.GroupType,
		DetectionMethod: g.Detection,
		BasePath:        g.BasePath,
		ImageCount:      g.Count(),
	}); err != nil {
		r.log.Warn("could not record group", "job_id", jobID, "group", g.Name, "error", err)
	}
}

func (r *router) recordStack(jobID, group, model string, res tasks.StackResult) {
	if r.store == nil {
		return
	}
	for _, f := range res.Frames {
		if err := r.store.RecordFrameAlignment(storage.FrameAlignmentRecord{
			JobID:       jobID,
			GroupPath:   group,
			FrameIndex:  f.Index,
			FilePath:    f.File,
			Outcome:     f.Outcome,
			MotionModel: model,
			Correlation: f.Correlation,
			Iterations:  f.Iterations,
			Converged:   f.Converged,
			Transform:   f.Transform,
			Error:       f.Error,
		}); err != nil {
			r.log.Warn("could not record frame", "job_id", jobID, "frame", f.Index, "error", err)
		}
	}
	for _, m := range res.Metadata {
		rec := storage.ImageMetadata{
			FilePath:     m.Path,
			CameraMake:   m.CameraMake,
			CameraModel:  m.CameraModel,
			FocalLength:  m.FocalLength,
			Aperture:     m.Aperture,
			ISO:          m.ISO,
			ExposureTime: m.ExposureTime,
			GPSLat:       m.GPSLat,
			GPSLon:       m.GPSLon,
			Width:        m.Width,
			Height:       m.Height,
		}
		if !m.Timestamp.IsZero() {
			rec.Timestamp = m.Timestamp.Format("2006-01-02T15:04:05")
		}
		if err := r.store.RecordImageMetadata(rec); err != nil {
			r.log.Warn("could not record metadata", "file", m.Path, "error", err)
		}
	}
}

// Helper functions to safely extract typed options from job.Options map.
// Options may come straight from Go callers or from decoded JSON.
func getStringOption(options map[string]any, key string) string {
	if val, ok := options[key].(string); ok {
		return val
	}
	return ""
}

func getIntOption(options map[string]any, key string) (int, bool) {
	switch v := options[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case json.Number:
		n, err := v.Int64()
		return int(n), err == nil
	}
	return 0, false
}

func getStringsOption(options map[string]any, key string) []string {
	switch v := options[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
