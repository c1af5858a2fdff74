package cli

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"text/tabwriter"

	"focusstack/internal/imageio"
	"focusstack/internal/imaging"
	"focusstack/internal/registration"
	"focusstack/internal/tasks"

	"github.com/spf13/cobra"
)

func newAlignCmd(root *Root) *cobra.Command {
	var (
		output string
		flags  stackingFlags
	)
	cmd := &cobra.Command{
		Use:   "align <image> <image> [image...]",
		Short: "Register images onto a reference frame without fusing",
		Long: `Register every image onto the reference frame and write aligned_<i>.png
into the output directory. Pixels outside the source image are transparent.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s := root.cfg.Stacking
			s.MotionModel = flags.model
			s.Estimator = flags.estimator
			s.ReferenceIndex = flags.reference
			s.MaxIterations = flags.maxIter
			ro, _, err := tasks.EngineOptions(s, root.cfg.Processing.MaxConcurrency)
			if err != nil {
				return err
			}
			ro.Logger = root.log
			return root.alignFiles(cmd.Context(), args, output, ro, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "aligned", "output directory")
	flags.register(cmd, root.cfg.Stacking)
	return cmd
}

// alignFiles registers files and writes the aligned RGBA frames into outDir.
func (r *Root) alignFiles(ctx context.Context, files []string, outDir string, opts registration.Options, w io.Writer) error {
	images := make([]imaging.Image, len(files))
	for i, f := range files {
		img, _, err := imageio.Load(f)
		if err != nil {
			return err
		}
		images[i] = img
	}
	frames, err := registration.Align(ctx, images, opts)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FRAME\tFILE\tOUTCOME\tCORRELATION\tITERATIONS\tOUTPUT")
	for _, f := range frames {
		p := filepath.Join(outDir, fmt.Sprintf("aligned_%d.png", f.Index))
		if err := imageio.Save(p, f.Image.ToNRGBA()); err != nil {
			return err
		}
		outcome := f.Outcome.String()
		if f.Degraded() {
			outcome += " (" + f.Err.Error() + ")"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%.4f\t%d\t%s\n", f.Index, filepath.Base(files[f.Index]), outcome, f.Correlation, f.Iterations, p)
	}
	return tw.Flush()
}
