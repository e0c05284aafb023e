package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/decision-engine/internal/audit"
	"github.com/sells-group/decision-engine/internal/export"
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export recommendation reports for a period",
	Long:  "Writes every report created in [from, to) as JSON or as an XLSX workbook. The workbook also holds the model-versus-human comparison.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		f := cmd.Flags()
		format, _ := f.GetString("format")
		out, _ := f.GetString("out")
		fromStr, _ := f.GetString("from")
		toStr, _ := f.GetString("to")

		to, err := parseWhen(toStr)
		if err != nil {
			return err
		}
		from := to.AddDate(0, 0, -30)
		if fromStr != "" {
			if from, err = parseWhen(fromStr); err != nil {
				return err
			}
		}
		if !from.Before(to) {
			return eris.New("--from must be before --to")
		}
		if format != "json" && format != "xlsx" {
			return eris.Errorf("--format must be json or xlsx, got %q", format)
		}
		if format == "xlsx" && out == "" {
			return eris.New("--out is required for xlsx")
		}

		st, err := openStore(ctx, "cli")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		log := audit.New(st, st)
		reports, err := log.Reports(ctx, from, to)
		if err != nil {
			return eris.Wrap(err, "export")
		}

		switch format {
		case "xlsx":
			cmp, err := log.Compare(ctx, from, to)
			if err != nil {
				return eris.Wrap(err, "export: compare")
			}
			if err := export.WriteXLSX(out, reports, cmp); err != nil {
				return err
			}
		default:
			w := os.Stdout
			if out != "" {
				file, err := os.Create(out)
				if err != nil {
					return eris.Wrapf(err, "create %s", out)
				}
				defer file.Close() //nolint:errcheck
				w = file
			}
			if err := export.WriteJSON(w, reports); err != nil {
				return err
			}
		}

		zap.L().Info("export complete",
			zap.String("format", format),
			zap.Int("reports", len(reports)),
			zap.Time("from", from),
			zap.Time("to", to),
		)
		if out != "" {
			fmt.Fprintf(os.Stderr, "Exported %d reports to %s.\n", len(reports), out)
		}
		return nil
	},
}

// -- migrate --

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the store schema",
	RunE: func(cmd *cobra.Command, _ []string) error {
		start := time.Now()
		st, err := openStore(cmd.Context(), "cli")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		zap.L().Info("migrations complete",
			zap.String("driver", cfg.Store.Driver),
			zap.Duration("elapsed", time.Since(start)),
		)
		return nil
	},
}

func init() {
	exportCmd.Flags().String("from", "", "start of the period (default 30 days before --to)")
	exportCmd.Flags().String("to", "", "end of the period (default now)")
	exportCmd.Flags().String("format", "json", "output format: json or xlsx")
	exportCmd.Flags().String("out", "", "output file (default stdout for json)")
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(migrateCmd)
}
