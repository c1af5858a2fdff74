package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"focusstack/internal/config"
	"focusstack/internal/fsutil"
	"focusstack/internal/grpcserver"
	"focusstack/internal/imageio"
	"focusstack/internal/pipeline"
	"focusstack/internal/server"
	"focusstack/internal/storage"
	"focusstack/internal/tasks"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
)

// Version is set at build time with -ldflags "-X focusstack/internal/cli.Version=...".
var Version = "0.1.0-dev"

type pipelineClient interface {
	Submit(job pipeline.Job) error
	Subscribe() (<-chan pipeline.Result, func())
}

type serverFunc func(ctx context.Context, addr string, store *storage.Store, pipe pipelineClient, log *slog.Logger) error

func defaultServe(ctx context.Context, addr string, store *storage.Store, pipe pipelineClient, log *slog.Logger) error {
	return server.Serve(ctx, addr, store, pipe, log)
}

func defaultGRPC(ctx context.Context, addr string, store *storage.Store, pipe pipelineClient, log *slog.Logger) error {
	return grpcserver.New(pipe, store, log).Serve(ctx, addr)
}

// Root wires CLI commands to the pipeline.
type Root struct {
	pipeline pipelineClient
	cfg      *config.Config
	log      *slog.Logger
	store    *storage.Store
	serveFn  serverFunc
	grpcFn   serverFunc
}

// NewRoot constructs the CLI root.
func NewRoot(pl pipelineClient, cfg *config.Config, logger *slog.Logger, store *storage.Store) *Root {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Root{
		pipeline: pl,
		cfg:      cfg,
		log:      logger,
		store:    store,
		serveFn:  defaultServe,
		grpcFn:   defaultGRPC,
	}
}

func (r *Root) enqueueAndWait(ctx context.Context, job pipeline.Job) (pipeline.Result, error) {
	resCh, unsubscribe := r.pipeline.Subscribe()
	defer unsubscribe()
	if err := r.enqueue(ctx, job); err != nil {
		return pipeline.Result{Job: job}, err
	}
	for {
		select {
		case <-ctx.Done():
			return pipeline.Result{Job: job}, ctx.Err()
		case res, ok := <-resCh:
			if !ok {
				return pipeline.Result{Job: job}, fmt.Errorf("pipeline stopped before completion")
			}
			if res.Job.ID == job.ID {
				return res, res.Error
			}
		}
	}
}

func (r *Root) enqueue(ctx context.Context, job pipeline.Job) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if err := r.pipeline.Submit(job); err != nil {
		return err
	}

	r.log.Info("job queued", "type", job.Type, "id", job.ID, "input", job.InputPath)
	return nil
}

func newID(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

// watchGroups submits a stack job for every group under root that settles
// with enough images, until ctx is done.
func (r *Root) watchGroups(ctx context.Context, root, outputRoot string, options map[string]any) error {
	debounce := time.Duration(r.cfg.Watch.DebounceMillis) * time.Millisecond
	w, err := tasks.NewFileSystemWatcher(root, debounce, r.log)
	if err != nil {
		return err
	}
	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(ctx) }()

	minImages := r.cfg.Stacking.MinImages
	if v, ok := options["min_images"].(int); ok {
		minImages = v
	}
	events := w.Events
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			r.log.Debug("file event", "path", ev.Path, "op", ev.Operation)
		case group, ok := <-w.Ready:
			if !ok {
				return <-errCh
			}
			images, err := fsutil.ListImages(group)
			if err != nil {
				r.log.Warn("cannot list group", "group", group, "error", err)
				continue
			}
			if len(images) < minImages {
				r.log.Debug("group not ready", "group", group, "images", len(images), "min_images", minImages)
				continue
			}
			job := pipeline.Job{
				ID:        newID("watch"),
				Type:      pipeline.JobStack,
				InputPath: group,
				Output:    filepath.Join(outputRoot, filepath.Base(group)),
				Options:   options,
			}
			if err := r.pipeline.Submit(job); err != nil {
				r.log.Error("could not queue group", "group", group, "error", err)
				continue
			}
			r.log.Info("group queued", "group", group, "images", len(images), "id", job.ID)
		}
	}
}

// report prints a short human summary of a finished job.
func report(w io.Writer, res pipeline.Result) {
	m := res.Meta
	switch res.Job.Type {
	case pipeline.JobBatch:
		fmt.Fprintf(w, "Stacked %v group(s), %v failed, in %s\n", m["succeeded"], m["failed"], msDuration(m["duration_ms"]))
		if outputs, ok := m["outputs"].([]string); ok {
			for _, o := range outputs {
				fmt.Fprintf(w, "  %s (%s)\n", o, fileSize(o))
			}
		}
		if failed, ok := m["failed_sets"].([]string); ok && len(failed) > 0 {
			fmt.Fprintf(w, "Failed: %v\n", failed)
		}
		if skipped, ok := m["skipped"].([]string); ok && len(skipped) > 0 {
			fmt.Fprintf(w, "Skipped (too few images): %v\n", skipped)
		}
	case pipeline.JobStack:
		out, _ := m["output"].(string)
		fmt.Fprintf(w, "Fused %v image(s) into %s (%s) in %s\n", m["images"], out, fileSize(out), msDuration(m["duration_ms"]))
		if d, ok := m["degraded"].(int); ok && d > 0 {
			fmt.Fprintf(w, "Warning: %d frame(s) could not be aligned and were fused unaligned\n", d)
		}
		if u, ok := m["unreadable"].(int); ok && u > 0 {
			fmt.Fprintf(w, "Warning: %d file(s) could not be read\n", u)
		}
	case pipeline.JobScan:
		groups, _ := m["groups"].([]string)
		sort.Strings(groups)
		fmt.Fprintf(w, "Found %d group(s) with %v image(s)\n", len(groups), m["images"])
		for _, g := range groups {
			fmt.Fprintf(w, "  %s\n", g)
		}
		if skipped, ok := m["skipped"].([]string); ok && len(skipped) > 0 {
			fmt.Fprintf(w, "Skipped (too few images): %v\n", skipped)
		}
		if raw, ok := m["raw"].(int); ok && raw > 0 && !imageio.HasFallback() {
			fmt.Fprintf(w, "Note: %d RAW file(s) will be skipped; build with -tags imagick to decode them\n", raw)
		}
	}
}

func fileSize(path string) string {
	st, err := os.Stat(path)
	if err != nil {
		return "missing"
	}
	return humanize.Bytes(uint64(st.Size()))
}

func msDuration(v any) string {
	ms, _ := v.(int64)
	return (time.Duration(ms) * time.Millisecond).String()
}
