package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/decision-engine/internal/model"
	"github.com/sells-group/decision-engine/internal/resolve"
)

var resolveCmd = &cobra.Command{
	Use:   "resolve",
	Short: "Resolve a source record to a canonical entity",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		f := cmd.Flags()

		var ref resolve.Reference
		ref.Source, _ = f.GetString("source")
		ref.SourceID, _ = f.GetString("source-id")
		ref.Name, _ = f.GetString("name")
		ref.Country, _ = f.GetString("country")
		ref.Domain, _ = f.GetString("domain")
		ref.Sector, _ = f.GetString("sector")
		ref.RegistryID, _ = f.GetString("registry-id")
		ref.FoundingYear, _ = f.GetInt("founding-year")

		st, err := openStore(ctx, "cli")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		res, err := resolve.NewResolver(st, cfg.Resolver).Resolve(ctx, ref)
		if err != nil {
			return eris.Wrap(err, "resolve")
		}
		if res.NeedsReview() {
			fmt.Fprintf(os.Stderr, "Link %s is pending review (confidence %.1f).\n", res.Link.ID, res.Confidence)
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	},
}

// -- review --

var reviewCmd = &cobra.Command{
	Use:   "review",
	Short: "Work the entity-resolution review queue",
}

var reviewListCmd = &cobra.Command{
	Use:   "list",
	Short: "List links awaiting review",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx, "cli")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		links, err := resolve.NewResolver(st, cfg.Resolver).PendingReviews(ctx)
		if err != nil {
			return eris.Wrap(err, "review list")
		}
		if len(links) == 0 {
			fmt.Fprintln(os.Stderr, "No links pending review.")
			return nil
		}
		formatLinks(os.Stdout, links)
		return nil
	},
}

var reviewConfirmCmd = &cobra.Command{
	Use:   "confirm <link-id>",
	Short: "Confirm a pending link",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		reviewer, _ := cmd.Flags().GetString("reviewer")
		reason, _ := cmd.Flags().GetString("reason")

		st, err := openStore(ctx, "cli")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		link, err := resolve.NewResolver(st, cfg.Resolver).Confirm(ctx, args[0], reviewer, reason)
		if err != nil {
			return eris.Wrap(err, "review confirm")
		}
		fmt.Printf("Confirmed link %s -> entity %s\n", link.ID, link.EntityID)
		return nil
	},
}

var reviewRejectCmd = &cobra.Command{
	Use:   "reject <link-id>",
	Short: "Reject a pending link and re-resolve the source record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		reviewer, _ := cmd.Flags().GetString("reviewer")
		reason, _ := cmd.Flags().GetString("reason")

		st, err := openStore(ctx, "cli")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		res, err := resolve.NewResolver(st, cfg.Resolver).Reject(ctx, args[0], reviewer, reason)
		if err != nil {
			return eris.Wrap(err, "review reject")
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	},
}

func init() {
	f := resolveCmd.Flags()
	f.String("source", "", "source system (required)")
	f.String("source-id", "", "identifier in the source system (required)")
	f.String("name", "", "company name (required)")
	f.String("country", "", "ISO country code")
	f.String("domain", "", "web domain")
	f.String("sector", "", "sector")
	f.String("registry-id", "", "company registry number")
	f.Int("founding-year", 0, "founding year")
	_ = resolveCmd.MarkFlagRequired("source")
	_ = resolveCmd.MarkFlagRequired("source-id")
	_ = resolveCmd.MarkFlagRequired("name")
	rootCmd.AddCommand(resolveCmd)

	for _, c := range []*cobra.Command{reviewConfirmCmd, reviewRejectCmd} {
		c.Flags().String("reviewer", "", "who made the decision (required)")
		c.Flags().String("reason", "", "why")
		_ = c.MarkFlagRequired("reviewer")
	}
	reviewCmd.AddCommand(reviewListCmd)
	reviewCmd.AddCommand(reviewConfirmCmd)
	reviewCmd.AddCommand(reviewRejectCmd)
	rootCmd.AddCommand(reviewCmd)
}

// formatLinks writes a tabular list of links to w.
func formatLinks(out io.Writer, links []model.EntityLink) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tSOURCE\tSOURCE_NAME\tENTITY\tMETHOD\tCONFIDENCE\tCREATED")
	_, _ = fmt.Fprintln(w, "--\t------\t-----------\t------\t------\t----------\t-------")
	for _, l := range links {
		name := l.SourceName
		if len(name) > 30 {
			name = name[:27] + "..."
		}
		_, _ = fmt.Fprintf(w, "%s\t%s:%s\t%s\t%s\t%s\t%.1f\t%s\n",
			l.ID,
			l.Source, l.SourceID,
			name,
			truncateID(l.EntityID),
			l.Method,
			l.Confidence,
			l.CreatedAt.Format("2006-01-02 15:04"),
		)
	}
	_ = w.Flush()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
