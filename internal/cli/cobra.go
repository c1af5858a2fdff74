package cli

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"focusstack/internal/config"
	"focusstack/internal/pipeline"
	"focusstack/internal/storage"

	"github.com/spf13/cobra"
)

// NewRootCmd creates the root Cobra command
func NewRootCmd(cfg *config.Config, log *slog.Logger, store *storage.Store, pipe pipelineClient) *cobra.Command {
	return newRootCmd(NewRoot(pipe, cfg, log, store))
}

func newRootCmd(root *Root) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "focusstack",
		Short: "focusstack aligns and fuses focus brackets into one sharp image",
		Long: `focusstack registers a series of photos taken at different focus distances
onto a reference frame (ECC) and keeps, per pixel, the sharpest frame.

Each subdirectory of the input root is one focus bracket.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(newStackCmd(root))
	rootCmd.AddCommand(newFuseCmd(root))
	rootCmd.AddCommand(newAlignCmd(root))
	rootCmd.AddCommand(newScanCmd(root))
	rootCmd.AddCommand(newWatchCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newGRPCCmd(root))
	rootCmd.AddCommand(newJobsCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

// stackingFlags are the per-job overrides of the stacking configuration.
type stackingFlags struct {
	model       string
	estimator   string
	measure     string
	reference   int
	minImages   int
	maxIter     int
	saveAligned bool
	debugMaps   bool
}

func (f *stackingFlags) register(cmd *cobra.Command, s config.Stacking) {
	cmd.Flags().StringVar(&f.model, "model", s.MotionModel, "motion model (translation|euclidean|affine|homography)")
	cmd.Flags().StringVar(&f.estimator, "estimator", s.Estimator, "ECC implementation (native|gocv)")
	cmd.Flags().StringVar(&f.measure, "focus-measure", s.FocusMeasure, "focus measure implementation (native|gocv)")
	cmd.Flags().IntVar(&f.reference, "reference", s.ReferenceIndex, "reference frame index, -1 for the middle frame")
	cmd.Flags().IntVar(&f.minImages, "min-images", s.MinImages, "skip groups with fewer images")
	cmd.Flags().IntVar(&f.maxIter, "max-iterations", s.MaxIterations, "ECC iteration cap")
	cmd.Flags().BoolVar(&f.saveAligned, "save-aligned", s.SaveAligned, "also write aligned_<i>.png frames")
	cmd.Flags().BoolVar(&f.debugMaps, "debug-maps", s.DebugMaps, "also write selection and focus score maps")
}

// options returns the flags the user set, keyed like the job options.
func (f *stackingFlags) options(cmd *cobra.Command) map[string]any {
	opts := map[string]any{"source": "cli"}
	set := func(flag, key string, v any) {
		if cmd.Flags().Changed(flag) {
			opts[key] = v
		}
	}
	set("model", "motion_model", f.model)
	set("estimator", "estimator", f.estimator)
	set("focus-measure", "focus_measure", f.measure)
	set("reference", "reference", f.reference)
	set("min-images", "min_images", f.minImages)
	set("max-iterations", "max_iterations", f.maxIter)
	set("save-aligned", "save_aligned", f.saveAligned)
	set("debug-maps", "debug_maps", f.debugMaps)
	return opts
}

func newStackCmd(root *Root) *cobra.Command {
	var (
		output string
		flags  stackingFlags
	)

	cmd := &cobra.Command{
		Use:   "stack [input_root]",
		Short: "Focus stack every group under a root directory",
		Long: `Stack each subdirectory of input_root as one focus bracket and write
<output>/<group>/fused.png. Groups with fewer than --min-images images are skipped;
a failing group does not stop the others.

Examples:
  focusstack stack UnregisteredImages -o Results
  focusstack stack /photos/macro --model homography --debug-maps`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			input := root.cfg.Paths.DefaultInput
			if len(args) > 0 {
				input = args[0]
			}
			job := pipeline.Job{
				ID:        newID("stack"),
				Type:      pipeline.JobBatch,
				InputPath: input,
				Output:    output,
				Options:   flags.options(cmd),
			}
			res, err := root.enqueueAndWait(cmd.Context(), job)
			report(cmd.OutOrStdout(), res)
			return err
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", root.cfg.Paths.DefaultOutput, "output root directory")
	flags.register(cmd, root.cfg.Stacking)
	return cmd
}

func newFuseCmd(root *Root) *cobra.Command {
	var (
		output string
		flags  stackingFlags
	)

	cmd := &cobra.Command{
		Use:   "fuse <image> <image> [image...]",
		Short: "Align and fuse an explicit list of images",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			images := make([]string, len(args))
			for i, a := range args {
				images[i] = filepath.Clean(a)
			}
			opts := flags.options(cmd)
			opts["images"] = images
			job := pipeline.Job{
				ID:        newID("fuse"),
				Type:      pipeline.JobStack,
				InputPath: filepath.Dir(images[0]),
				Output:    output,
				Options:   opts,
			}
			res, err := root.enqueueAndWait(cmd.Context(), job)
			report(cmd.OutOrStdout(), res)
			return err
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "fused.png", "output image (.png, .jpg or .tif)")
	flags.register(cmd, root.cfg.Stacking)
	return cmd
}

func newScanCmd(root *Root) *cobra.Command {
	var minImages int
	cmd := &cobra.Command{
		Use:   "scan [input_root]",
		Short: "List the focus brackets found under a root directory",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			input := root.cfg.Paths.DefaultInput
			if len(args) > 0 {
				input = args[0]
			}
			job := pipeline.Job{
				ID:        newID("scan"),
				Type:      pipeline.JobScan,
				InputPath: input,
				Options:   map[string]any{"min_images": minImages, "source": "cli"},
			}
			res, err := root.enqueueAndWait(cmd.Context(), job)
			report(cmd.OutOrStdout(), res)
			return err
		},
	}
	cmd.Flags().IntVar(&minImages, "min-images", root.cfg.Stacking.MinImages, "groups with fewer images are listed as skipped")
	return cmd
}

func newWatchCmd(root *Root) *cobra.Command {
	var (
		output string
		flags  stackingFlags
	)
	cmd := &cobra.Command{
		Use:   "watch [input_root]",
		Short: "Stack groups as their files arrive",
		Long: `Watch input_root and queue a stack job for a group once its files have been
quiet for the configured debounce interval.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			input := root.cfg.Paths.DefaultInput
			if len(args) > 0 {
				input = args[0]
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Watching %s, results go to %s\n", input, output)
			return root.watchGroups(cmd.Context(), input, output, flags.options(cmd))
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", root.cfg.Paths.DefaultOutput, "output root directory")
	flags.register(cmd, root.cfg.Stacking)
	return cmd
}

func newServeCmd(root *Root) *cobra.Command {
	var (
		addr  string
		watch string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		Long: `Start an HTTP server for job submission and monitoring: /healthz, /jobs,
/jobs/{id}, /stream (server-sent events) and /ws (websocket).

Examples:
  focusstack serve --addr :8080
  focusstack serve --watch /photos/incoming`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			root.log.Info("starting server", "addr", addr, "watch", watch)
			if watch != "" {
				go func() {
					if err := root.watchGroups(ctx, watch, root.cfg.Paths.DefaultOutput, map[string]any{"source": "watch"}); err != nil {
						root.log.Error("watcher stopped", "error", err)
					}
				}()
			}
			return root.serveFn(ctx, addr, root.store, root.pipeline, root.log)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", root.cfg.Server.HTTPAddr, "server address (host:port)")
	cmd.Flags().StringVar(&watch, "watch", "", "also watch this root and stack settled groups")
	return cmd
}

func newGRPCCmd(root *Root) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "grpc",
		Short: "Start the gRPC API (focusstack.v1.FocusStack)",
		RunE: func(cmd *cobra.Command, args []string) error {
			root.log.Info("starting grpc server", "addr", addr)
			return root.grpcFn(cmd.Context(), addr, root.store, root.pipeline, root.log)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", root.cfg.Server.GRPCAddr, "listen address (host:port)")
	return cmd
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "focusstack "+Version)
		},
	}
}
