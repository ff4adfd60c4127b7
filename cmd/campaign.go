package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/outreach-cli/internal/model"
	"github.com/sells-group/outreach-cli/internal/store"
)

var campaignCmd = &cobra.Command{
	Use:   "campaign",
	Short: "Create and control bulk delivery jobs",
	Long:  "Commands for creating, running, pausing, resuming, cancelling, and inspecting bulk delivery jobs.",
}

// -- campaign create --

var campaignCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a bulk delivery job over a set of leads",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		runner, err := initRunner(st)
		if err != nil {
			return err
		}

		templateName, _ := cmd.Flags().GetString("template")
		channel, _ := cmd.Flags().GetString("channel")
		leadIDs, _ := cmd.Flags().GetInt64Slice("leads")
		status, _ := cmd.Flags().GetString("status")
		source, _ := cmd.Flags().GetString("source")
		run, _ := cmd.Flags().GetBool("run")

		// No explicit lead ids: target by filter instead.
		if len(leadIDs) == 0 {
			leads, err := st.ListLeads(ctx, store.LeadFilter{
				Status: model.DeliveryStatus(status),
				Source: source,
			})
			if err != nil {
				return eris.Wrap(err, "campaign create: list leads")
			}
			for _, lead := range leads {
				if !lead.DMSent {
					leadIDs = append(leadIDs, lead.ID)
				}
			}
		}
		if len(leadIDs) == 0 {
			return eris.New("campaign create: no leads matched")
		}

		job, err := runner.Create(ctx, templateName, model.Channel(channel), leadIDs)
		if err != nil {
			return eris.Wrap(err, "campaign create")
		}
		fmt.Printf("Created job %d: %d leads, template %s\n", job.ID, job.Total, job.Template)

		if run {
			job, err = runner.Start(ctx, job.ID)
			if err != nil {
				return eris.Wrap(err, "campaign run")
			}
			printJobSummary(job)
		}
		return nil
	},
}

// -- campaign run / pause / resume / cancel --

var campaignRunCmd = &cobra.Command{
	Use:   "run <job-id>",
	Short: "Drive a pending job to completion",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return controlJob(cmd, args[0], "run")
	},
}

var campaignPauseCmd = &cobra.Command{
	Use:   "pause <job-id>",
	Short: "Pause a running job after the current item",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return controlJob(cmd, args[0], "pause")
	},
}

var campaignResumeCmd = &cobra.Command{
	Use:   "resume <job-id>",
	Short: "Resume a paused or interrupted job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return controlJob(cmd, args[0], "resume")
	},
}

var campaignCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a job; already-sent items stand",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return controlJob(cmd, args[0], "cancel")
	},
}

func controlJob(cmd *cobra.Command, rawID, action string) error {
	ctx := cmd.Context()

	jobID, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil {
		return eris.Errorf("invalid job id: %s", rawID)
	}

	st, err := initStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close() //nolint:errcheck

	runner, err := initRunner(st)
	if err != nil {
		return err
	}

	switch action {
	case "run":
		job, err := runner.Start(ctx, jobID)
		if err != nil {
			return eris.Wrap(err, "campaign run")
		}
		printJobSummary(job)
	case "resume":
		job, err := runner.Resume(ctx, jobID)
		if err != nil {
			return eris.Wrap(err, "campaign resume")
		}
		printJobSummary(job)
	case "pause":
		if err := runner.Pause(ctx, jobID); err != nil {
			return eris.Wrap(err, "campaign pause")
		}
		fmt.Printf("Job %d paused\n", jobID)
	case "cancel":
		if err := runner.Cancel(ctx, jobID); err != nil {
			return eris.Wrap(err, "campaign cancel")
		}
		fmt.Printf("Job %d cancelled\n", jobID)
	}
	return nil
}

// -- campaign list / show --

var campaignListCmd = &cobra.Command{
	Use:   "list",
	Short: "List bulk delivery jobs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		jobs, err := st.ListJobs(ctx, store.JobFilter{
			Status: model.JobStatus(status),
			Limit:  limit,
		})
		if err != nil {
			return eris.Wrap(err, "campaign list")
		}

		if len(jobs) == 0 {
			fmt.Fprintln(os.Stderr, "No jobs found.")
			return nil
		}

		formatJobsList(os.Stdout, jobs)
		return nil
	},
}

var campaignShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show a job with its per-item outcomes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		jobID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return eris.Errorf("invalid job id: %s", args[0])
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		job, err := st.GetJob(ctx, jobID)
		if err != nil {
			return eris.Wrap(err, "campaign show")
		}
		items, err := st.ListJobItems(ctx, jobID)
		if err != nil {
			return eris.Wrap(err, "campaign show: items")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{"job": job, "items": items})
	},
}

func printJobSummary(job *model.BulkJob) {
	fmt.Printf("Job %d %s: %d sent, %d failed, %d skipped, %d pending of %d\n",
		job.ID, job.Status, job.Sent, job.Failed, job.Skipped, job.Pending, job.Total)
}

// formatJobsList writes a tabular list of jobs to w.
func formatJobsList(out io.Writer, jobs []model.BulkJob) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tTEMPLATE\tCHANNEL\tSTATUS\tSENT\tFAILED\tSKIPPED\tPENDING\tTOTAL\tCREATED")
	for _, j := range jobs {
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%d\t%d\t%d\t%d\t%s\n",
			j.ID, j.Template, j.Channel, j.Status,
			j.Sent, j.Failed, j.Skipped, j.Pending, j.Total,
			j.CreatedAt.Format("2006-01-02 15:04"),
		)
	}
	_ = w.Flush()
}

func init() {
	campaignCreateCmd.Flags().String("template", "", "message template name (required)")
	campaignCreateCmd.Flags().String("channel", "", "override channel for every send (email, dm, whatsapp)")
	campaignCreateCmd.Flags().Int64Slice("leads", nil, "explicit lead ids to target")
	campaignCreateCmd.Flags().String("status", "", "target leads by delivery status (with no --leads)")
	campaignCreateCmd.Flags().String("source", "", "target leads by source (with no --leads)")
	campaignCreateCmd.Flags().Bool("run", false, "start delivery immediately")
	_ = campaignCreateCmd.MarkFlagRequired("template")

	campaignListCmd.Flags().String("status", "", "filter by job status (pending, running, paused, completed, failed, cancelled)")
	campaignListCmd.Flags().Int("limit", 50, "max number of jobs to display")

	campaignCmd.AddCommand(campaignCreateCmd)
	campaignCmd.AddCommand(campaignRunCmd)
	campaignCmd.AddCommand(campaignPauseCmd)
	campaignCmd.AddCommand(campaignResumeCmd)
	campaignCmd.AddCommand(campaignCancelCmd)
	campaignCmd.AddCommand(campaignListCmd)
	campaignCmd.AddCommand(campaignShowCmd)
	rootCmd.AddCommand(campaignCmd)
}
