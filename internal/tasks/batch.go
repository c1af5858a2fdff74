package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"
)

// BatchRequest stacks every group under InputRoot into OutputRoot/<group>/.
type BatchRequest struct {
	JobID      string
	InputRoot  string
	OutputRoot string
	OutputName string // defaults to fused.png
	MinImages  int
	// SaveAligned and DebugMaps write into the group's output directory.
	SaveAligned bool
	DebugMaps   bool

	// Template carries the engine options; paths are filled per group.
	Template StackRequest
}

// GroupResult is the outcome of one group of a batch.
type GroupResult struct {
	Group  ImageGroup
	Result StackResult
	Err    error
}

// BatchResult summarises a batch run.
type BatchResult struct {
	Groups    []GroupResult
	Skipped   []ImageGroup
	Succeeded int
	Failed    int
	Duration  time.Duration
}

// Meta flattens the result for job records.
func (b BatchResult) Meta() map[string]any {
	var outputs, failed []string
	for _, g := range b.Groups {
		if g.Err != nil {
			failed = append(failed, g.Group.Name)
			continue
		}
		outputs = append(outputs, g.Result.OutputFile)
	}
	skipped := make([]string, len(b.Skipped))
	for i, g := range b.Skipped {
		skipped[i] = g.Name
	}
	return map[string]any{
		"succeeded":   b.Succeeded,
		"failed":      b.Failed,
		"failed_sets": failed,
		"skipped":     skipped,
		"outputs":     outputs,
		"duration_ms": b.Duration.Milliseconds(),
	}
}

// StackFunc runs one focus stack. FocusStack is the production implementation.
type StackFunc func(ctx context.Context, req StackRequest, log *slog.Logger) (StackResult, error)

// StackBatches stacks the groups of a root directory one after another. A
// failing group is logged and recorded, and the batch moves on; only an
// unreadable root or cancellation end it early. onGroup, when set, sees every
// group result as it completes.
func StackBatches(ctx context.Context, req BatchRequest, stack StackFunc, log *slog.Logger, onGroup func(GroupResult)) (BatchResult, error) {
	if log == nil {
		log = slog.Default()
	}
	if stack == nil {
		stack = FocusStack
	}
	if req.OutputName == "" {
		req.OutputName = "fused.png"
	}
	minImages := req.MinImages
	if minImages < 1 {
		minImages = 2
	}
	start := time.Now()

	scan, err := Scan(req.InputRoot, minImages)
	if err != nil {
		return BatchResult{}, fmt.Errorf("scan %s: %w", req.InputRoot, err)
	}
	var res BatchResult
	res.Skipped = scan.Skipped
	for _, g := range scan.Skipped {
		log.Warn("skipping group", "group", g.Name, "images", g.Count(), "min_images", minImages)
	}
	if len(scan.Groups) == 0 {
		log.Warn("no groups to process", "root", req.InputRoot)
	} else {
		log.Info("found groups to process", "count", len(scan.Groups), "groups", scan.GroupNames())
	}

	for _, g := range scan.Groups {
		if err := ctx.Err(); err != nil {
			res.Duration = time.Since(start)
			return res, err
		}
		log.Info("processing group", "group", g.Name, "images", g.Count())

		outDir := filepath.Join(req.OutputRoot, g.Name)
		sr := req.Template
		sr.JobID = req.JobID
		sr.Images = g.Images
		sr.Output = filepath.Join(outDir, req.OutputName)
		sr.AlignedDir, sr.DebugDir = "", ""
		if req.SaveAligned {
			sr.AlignedDir = outDir
		}
		if req.DebugMaps {
			sr.DebugDir = filepath.Join(outDir, "debug")
		}

		r, err := stack(ctx, sr, log)
		gr := GroupResult{Group: g, Result: r, Err: err}
		if err != nil {
			if ctx.Err() != nil {
				res.Duration = time.Since(start)
				return res, ctx.Err()
			}
			res.Failed++
			log.Error("group failed", "group", g.Name, "error", err)
		} else {
			res.Succeeded++
			log.Info("group stacked", "group", g.Name, "output", r.OutputFile, "degraded", r.Degraded)
		}
		res.Groups = append(res.Groups, gr)
		if onGroup != nil {
			onGroup(gr)
		}
	}

	res.Duration = time.Since(start)
	log.Info("all groups finished", "succeeded", res.Succeeded, "failed", res.Failed, "skipped", len(res.Skipped))
	return res, nil
}
