package main

import (
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/sells-group/decision-engine/internal/engine"
	"github.com/sells-group/decision-engine/internal/model"
	"github.com/sells-group/decision-engine/internal/resolve"
	"github.com/sells-group/decision-engine/internal/simulate"
)

var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Evaluate one company, or a batch of requests from a JSON file",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		file, _ := cmd.Flags().GetString("file")
		var reqs []engine.Request
		if file != "" {
			data, err := os.ReadFile(file)
			if err != nil {
				return eris.Wrapf(err, "read %s", file)
			}
			if err := json.Unmarshal(data, &reqs); err != nil {
				return eris.Wrapf(err, "parse %s", file)
			}
			if len(reqs) == 0 {
				return eris.Errorf("%s holds no requests", file)
			}
		} else {
			req, err := requestFromFlags(cmd)
			if err != nil {
				return err
			}
			reqs = []engine.Request{req}
		}

		env, err := initEnv(ctx, "evaluate")
		if err != nil {
			return err
		}
		defer env.Close()

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		if file == "" {
			ev, err := env.Engine.Evaluate(ctx, reqs[0])
			if err != nil {
				return eris.Wrap(err, "evaluate")
			}
			zap.L().Info("evaluation complete",
				zap.String("evaluation_id", ev.ID),
				zap.String("class", string(ev.Class)),
				zap.Float64("score", ev.Score),
			)
			return enc.Encode(ev)
		}

		type line struct {
			Reference  resolve.Reference `json:"reference"`
			Evaluation *model.Evaluation `json:"evaluation,omitempty"`
			Error      string            `json:"error,omitempty"`
		}
		var failed int
		out := make([]line, 0, len(reqs))
		for _, r := range env.Engine.EvaluateBatch(ctx, reqs) {
			l := line{Reference: r.Request.Reference, Evaluation: r.Evaluation}
			if r.Err != nil {
				failed++
				l.Error = r.Err.Error()
			}
			out = append(out, l)
		}
		zap.L().Info("batch complete", zap.Int("total", len(reqs)), zap.Int("failed", failed))
		return enc.Encode(out)
	},
}

func requestFromFlags(cmd *cobra.Command) (engine.Request, error) {
	f := cmd.Flags()
	source, _ := f.GetString("source")
	sourceID, _ := f.GetString("source-id")
	name, _ := f.GetString("name")
	country, _ := f.GetString("country")
	domain, _ := f.GetString("domain")
	sector, _ := f.GetString("sector")
	year, _ := f.GetInt("founding-year")
	asOfStr, _ := f.GetString("as-of")
	mode, _ := f.GetString("mode")
	stage, _ := f.GetString("stage")
	chequeStr, _ := f.GetString("cheque")
	preMoneyStr, _ := f.GetString("pre-money")
	instrument, _ := f.GetString("instrument")

	if source == "" || sourceID == "" || name == "" {
		return engine.Request{}, eris.New("--source, --source-id and --name are required without --file")
	}
	if m := model.Mode(mode); m != model.ModeQuick && m != model.ModeFull {
		return engine.Request{}, eris.Errorf("--mode must be quick or full, got %q", mode)
	}
	asOf, err := parseWhen(asOfStr)
	if err != nil {
		return engine.Request{}, err
	}
	cheque, err := parseAmount("cheque", chequeStr)
	if err != nil {
		return engine.Request{}, err
	}
	preMoney, err := parseAmount("pre-money", preMoneyStr)
	if err != nil {
		return engine.Request{}, err
	}

	return engine.Request{
		Reference: resolve.Reference{
			Source:       source,
			SourceID:     sourceID,
			Name:         name,
			Country:      country,
			FoundingYear: year,
			Domain:       domain,
			Sector:       sector,
		},
		AsOf:  asOf,
		Mode:  model.Mode(mode),
		Stage: stage,
		Terms: simulate.EntryTerms{
			Cheque:     cheque,
			PreMoney:   preMoney,
			Instrument: simulate.Instrument(instrument),
		},
	}, nil
}

// parseAmount parses a decimal flag. Empty is zero.
func parseAmount(flag, s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, eris.Wrapf(err, "parse --%s", flag)
	}
	return d, nil
}

func init() {
	addEvaluateFlags(evaluateCmd.Flags())
	rootCmd.AddCommand(evaluateCmd)
}

func addEvaluateFlags(f *pflag.FlagSet) {
	f.String("file", "", "JSON file holding an array of evaluation requests")
	f.String("source", "", "source system of the company reference")
	f.String("source-id", "", "identifier of the company in the source system")
	f.String("name", "", "company name")
	f.String("country", "", "ISO country code")
	f.String("domain", "", "company web domain")
	f.String("sector", "", "sector")
	f.Int("founding-year", 0, "founding year")
	f.String("as-of", "", "evaluation date, YYYY-MM-DD or RFC 3339 (default now)")
	f.String("mode", string(model.ModeFull), "evaluation mode: quick or full")
	f.String("stage", "", "stage override for cohort selection")
	f.String("cheque", "", "cheque size (default from engine.cheque_size)")
	f.String("pre-money", "", "pre-money valuation")
	f.String("instrument", string(simulate.InstrumentEquity), "instrument: equity, safe, convertible_note or asa")
}
