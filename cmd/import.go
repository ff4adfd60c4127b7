package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/outreach-cli/internal/collector"
	"github.com/sells-group/outreach-cli/internal/merge"
	"github.com/sells-group/outreach-cli/pkg/notion"
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import prospects into the lead store",
	Long:  "Collects prospect records from a spreadsheet or the Notion queue and merges them into deduplicated leads.",
}

// -- import xlsx --

var importXLSXCmd = &cobra.Command{
	Use:   "xlsx <file>",
	Short: "Import prospects from a spreadsheet",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		sheet, _ := cmd.Flags().GetString("sheet")
		sourceTag, _ := cmd.Flags().GetString("source-tag")

		records, err := collector.CollectXLSX(args[0], collector.XLSXOptions{
			SheetName: sheet,
			SourceTag: sourceTag,
		})
		if err != nil {
			return eris.Wrap(err, "import xlsx")
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		report, err := merge.New(st).MergeBatch(ctx, records)
		printMergeReport(report)
		if err != nil {
			return eris.Wrap(err, "import xlsx: merge")
		}
		return nil
	},
}

// -- import notion --

var importNotionCmd = &cobra.Command{
	Use:   "notion",
	Short: "Import queued prospects from the Notion database",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		if cfg.Notion.Token == "" || cfg.Notion.ProspectDB == "" {
			return eris.New("notion token and prospect database id are required")
		}

		n := collector.NewNotion(notion.NewClient(cfg.Notion.Token), cfg.Notion.ProspectDB)
		records, err := n.Collect(ctx)
		if err != nil {
			return eris.Wrap(err, "import notion")
		}
		if len(records) == 0 {
			fmt.Println("No queued prospects.")
			return nil
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		report, err := merge.New(st).MergeBatch(ctx, records)
		printMergeReport(report)
		if err != nil {
			return eris.Wrap(err, "import notion: merge")
		}

		// Only merged pages leave the queue; invalid ones stay visible in
		// Notion for a human to fix. Results are index-aligned with records.
		var imported []string
		for i, res := range report.Results {
			if res.Outcome == merge.OutcomeInvalid {
				continue
			}
			if id, ok := records[i].Payload["notion_page_id"].(string); ok {
				imported = append(imported, id)
			}
		}
		n.MarkImported(ctx, imported)
		return nil
	},
}

func printMergeReport(report *merge.Report) {
	if report == nil {
		return
	}
	fmt.Printf("Merged %d records: %d created, %d updated, %d skipped, %d invalid\n",
		len(report.Results), report.Created, report.Updated, report.Skipped, report.Invalid)
	for _, res := range report.Results {
		if res.Outcome == merge.OutcomeInvalid && res.Err != nil {
			fmt.Printf("  invalid: %s: %v\n", res.Identity, res.Err)
		}
	}
}

func init() {
	importXLSXCmd.Flags().String("sheet", "", "sheet name (default: first sheet)")
	importXLSXCmd.Flags().String("source-tag", "", "source tag for observations (default: xlsx:<filename>)")

	importCmd.AddCommand(importXLSXCmd)
	importCmd.AddCommand(importNotionCmd)
	rootCmd.AddCommand(importCmd)
}
