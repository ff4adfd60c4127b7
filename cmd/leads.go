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

	"github.com/sells-group/outreach-cli/internal/crm"
	"github.com/sells-group/outreach-cli/internal/model"
	"github.com/sells-group/outreach-cli/internal/store"
)

var leadsCmd = &cobra.Command{
	Use:   "leads",
	Short: "Inspect and sync leads",
	Long:  "Commands for listing leads, viewing a lead with its activity feed, and mirroring delivery state to Salesforce.",
}

// -- leads list --

var leadsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List leads",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		status, _ := cmd.Flags().GetString("status")
		source, _ := cmd.Flags().GetString("source")
		limit, _ := cmd.Flags().GetInt("limit")

		leads, err := st.ListLeads(ctx, store.LeadFilter{
			Status: model.DeliveryStatus(status),
			Source: source,
			Limit:  limit,
		})
		if err != nil {
			return eris.Wrap(err, "leads list")
		}

		if len(leads) == 0 {
			fmt.Fprintln(os.Stderr, "No leads found.")
			return nil
		}

		formatLeadsList(os.Stdout, leads)
		return nil
	},
}

// -- leads show --

var leadsShowCmd = &cobra.Command{
	Use:   "show <lead-id>",
	Short: "Show a lead with its activity feed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		leadID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return eris.Errorf("invalid lead id: %s", args[0])
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		lead, err := st.GetLead(ctx, leadID)
		if err != nil {
			return eris.Wrap(err, "leads show")
		}
		activity, err := st.ListActivity(ctx, leadID, 50)
		if err != nil {
			return eris.Wrap(err, "leads show: activity")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{"lead": lead, "activity": activity})
	},
}

// -- leads sync --

var leadsSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Mirror lead delivery statuses to Salesforce",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		sf, err := initSalesforce()
		if err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		status, _ := cmd.Flags().GetString("status")

		report, err := crm.New(sf, st).Sync(ctx, store.LeadFilter{
			Status: model.DeliveryStatus(status),
		})
		if err != nil {
			return eris.Wrap(err, "leads sync")
		}

		fmt.Printf("Salesforce sync: %d updated, %d created, %d failed, %d skipped\n",
			report.Updated, report.Created, report.Failed, report.Skipped)
		return nil
	},
}

// formatLeadsList writes a tabular list of leads to w.
func formatLeadsList(out io.Writer, leads []model.Lead) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tKEY\tNAME\tCOMPANY\tCHANNEL\tSTATUS\tSENT\tVERSION")
	for _, l := range leads {
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%t\t%d\n",
			l.ID, l.NaturalKey, l.Name, l.Company, l.Channel, l.Status, l.DMSent, l.Version,
		)
	}
	_ = w.Flush()
}

func init() {
	leadsListCmd.Flags().String("status", "", "filter by delivery status (PENDING, SENT, DELIVERED, READ, REPLIED, FAILED)")
	leadsListCmd.Flags().String("source", "", "filter by source")
	leadsListCmd.Flags().Int("limit", 50, "max number of leads to display")

	leadsSyncCmd.Flags().String("status", "", "only sync leads in this delivery status")

	leadsCmd.AddCommand(leadsListCmd)
	leadsCmd.AddCommand(leadsShowCmd)
	leadsCmd.AddCommand(leadsSyncCmd)
	rootCmd.AddCommand(leadsCmd)
}
