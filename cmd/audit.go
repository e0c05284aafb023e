package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/sells-group/decision-engine/internal/audit"
	"github.com/sells-group/decision-engine/internal/model"
)

// -- override --

var overrideCmd = &cobra.Command{
	Use:   "override <evaluation-id>",
	Short: "Record a human override of a recommendation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		class, _ := cmd.Flags().GetString("class")
		reason, _ := cmd.Flags().GetString("reason")
		actor, _ := cmd.Flags().GetString("actor")

		st, err := openStore(ctx, "cli")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		entry, err := audit.New(st, st).Override(ctx, args[0], model.Class(class), reason, actor)
		if err != nil {
			return eris.Wrap(err, "override")
		}
		fmt.Printf("Override recorded: %s -> %s\n", entry.Class, entry.FinalClass())
		return nil
	},
}

// -- outcome --

var outcomeCmd = &cobra.Command{
	Use:   "outcome <evaluation-id>",
	Short: "Attach the realized outcome of an evaluation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		o, err := outcomeFromFlags(cmd)
		if err != nil {
			return err
		}

		st, err := openStore(ctx, "cli")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if _, err := audit.New(st, st).AttachOutcome(ctx, args[0], o); err != nil {
			return eris.Wrap(err, "outcome")
		}
		fmt.Printf("Outcome %s attached to %s.\n", o.Outcome, args[0])
		return nil
	},
}

func outcomeFromFlags(cmd *cobra.Command) (model.RealizedOutcome, error) {
	f := cmd.Flags()
	outcome, _ := f.GetString("outcome")
	observed, _ := f.GetString("observed-at")

	o := model.RealizedOutcome{Outcome: model.Outcome(outcome)}
	if !o.Outcome.Valid() {
		return o, eris.Errorf("unknown outcome %q", outcome)
	}
	if observed != "" {
		t, err := parseWhen(observed)
		if err != nil {
			return o, err
		}
		o.ObservedAt = t
	}
	if f.Changed("moic") {
		moic, _ := f.GetFloat64("moic")
		if moic < 0 {
			return o, eris.New("--moic must not be negative")
		}
		o.MOIC = &moic
	}
	if f.Changed("milestone") {
		milestone, _ := f.GetBool("milestone")
		o.Milestone = &milestone
	}
	return o, nil
}

// -- report --

var reportCmd = &cobra.Command{
	Use:   "report <evaluation-id>",
	Short: "Show the recommendation report of an evaluation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx, "cli")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		rep, err := audit.New(st, st).Report(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "report")
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	},
}

func init() {
	overrideCmd.Flags().String("class", "", "class the human decided on (required)")
	overrideCmd.Flags().String("reason", "", "why the recommendation was overridden (required)")
	overrideCmd.Flags().String("actor", "", "who decided")
	_ = overrideCmd.MarkFlagRequired("class")
	_ = overrideCmd.MarkFlagRequired("reason")
	rootCmd.AddCommand(overrideCmd)

	addOutcomeFlags(outcomeCmd.Flags())
	_ = outcomeCmd.MarkFlagRequired("outcome")
	rootCmd.AddCommand(outcomeCmd)

	rootCmd.AddCommand(reportCmd)
}

func addOutcomeFlags(f *pflag.FlagSet) {
	f.String("outcome", "", "realized outcome: trading, exited or failed (required)")
	f.Float64("moic", 0, "realized multiple on invested capital")
	f.Bool("milestone", false, "whether the progress milestone was reached")
	f.String("observed-at", "", "when the outcome was observed (default now)")
}
