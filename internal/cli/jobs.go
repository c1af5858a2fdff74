package cli

import (
	"database/sql"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newJobsCmd(root *Root) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "jobs [job_id]",
		Short: "List recent jobs, or show the frames of one job",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if root.store == nil {
				return errors.New("job history not available: no database")
			}
			if len(args) == 1 {
				return root.showJob(cmd.OutOrStdout(), args[0])
			}
			return root.listJobs(cmd.OutOrStdout(), limit)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of jobs to list")
	return cmd
}

func (r *Root) listJobs(w io.Writer, limit int) error {
	recs, err := r.store.RecentJobs(limit)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tSTATUS\tINPUT\tCREATED")
	for _, rec := range recs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", rec.ID, rec.JobType, rec.Status, rec.InputPath, humanize.Time(rec.CreatedAt))
	}
	return tw.Flush()
}

func (r *Root) showJob(w io.Writer, id string) error {
	rec, err := r.store.Job(id)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("job %s not found", id)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Job:     %s\nType:    %s\nStatus:  %s\nInput:   %s\nOutput:  %s\n", rec.ID, rec.JobType, rec.Status, rec.InputPath, rec.OutputPath)
	if rec.StartedAt != nil && rec.CompletedAt != nil {
		fmt.Fprintf(w, "Took:    %s\n", rec.CompletedAt.Sub(*rec.StartedAt))
	}
	if rec.Error != "" {
		fmt.Fprintf(w, "Error:   %s\n", rec.Error)
	}

	frames, err := r.store.FrameAlignments(id)
	if err != nil {
		return err
	}
	if len(frames) == 0 {
		return nil
	}
	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "GROUP\tFRAME\tOUTCOME\tCORRELATION\tITERATIONS\tCONVERGED\tERROR")
	for _, f := range frames {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%.4f\t%d\t%t\t%s\n", f.GroupPath, f.FrameIndex, f.Outcome, f.Correlation, f.Iterations, f.Converged, f.Error)
	}
	return tw.Flush()
}
