package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/decision-engine/internal/featurestore"
	"github.com/sells-group/decision-engine/internal/model"
	"github.com/sells-group/decision-engine/internal/registry"
)

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Train a cohort model and register it as a candidate",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		cohortKey, _ := cmd.Flags().GetString("cohort")
		mt, _ := cmd.Flags().GetString("model")
		promote, _ := cmd.Flags().GetBool("promote")
		out, _ := cmd.Flags().GetString("out")
		if t := model.ModelType(mt); t != model.ModelSurvival && t != model.ModelProgress {
			return eris.Errorf("--model must be survival or progress, got %q", mt)
		}

		reg, err := loadRegistry()
		if err != nil {
			return err
		}
		st, err := openStore(ctx, "train")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		models := registry.New(st, cfg.Training.Release)
		trainer := registry.NewTrainer(featurestore.New(st, reg), st, cfg.Training)

		cohort := model.ParseCohort(cohortKey)
		a, err := trainer.Train(ctx, cohort, model.ModelType(mt))
		if err != nil {
			return eris.Wrap(err, "train")
		}
		if err := models.Save(ctx, a); err != nil {
			return eris.Wrap(err, "train: save artifact")
		}

		zap.L().Info("training complete",
			zap.String("artifact_id", a.ID),
			zap.String("cohort", a.Cohort.Key()),
			zap.String("model_type", string(a.ModelType)),
			zap.Int("version", a.Version),
			zap.Float64("auc", a.Metrics.AUC),
			zap.Float64("ece", a.Metrics.ECE),
			zap.Bool("gate_passed", a.Metrics.GatePassed),
		)
		formatArtifact(os.Stdout, a)

		if out != "" {
			if err := registry.WriteArtifactFile(out, a); err != nil {
				return err
			}
		}
		if promote {
			if _, err := models.Promote(ctx, a.ID); err != nil {
				return eris.Wrap(err, "train: promote")
			}
			fmt.Printf("Released %s.\n", a.ID)
		}
		return nil
	},
}

var trainImportCmd = &cobra.Command{
	Use:   "import <artifact.json>",
	Short: "Register an artifact trained elsewhere",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		promote, _ := cmd.Flags().GetBool("promote")

		a, err := registry.LoadArtifactFile(args[0])
		if err != nil {
			return err
		}
		if a.ID == "" {
			a.ID = uuid.NewString()
		}

		st, err := openStore(ctx, "train")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		models := registry.New(st, cfg.Training.Release)
		if err := models.Save(ctx, a); err != nil {
			return eris.Wrap(err, "train import")
		}
		formatArtifact(os.Stdout, a)
		if promote {
			if _, err := models.Promote(ctx, a.ID); err != nil {
				return eris.Wrap(err, "train import: promote")
			}
			fmt.Printf("Released %s.\n", a.ID)
		}
		return nil
	},
}

var trainPromoteCmd = &cobra.Command{
	Use:   "promote <artifact-id>",
	Short: "Release a candidate artifact, retiring the one it replaces",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx, "cli")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		a, err := registry.New(st, cfg.Training.Release).Promote(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "train promote")
		}
		fmt.Printf("Released %s (%s %s v%d).\n", a.ID, a.Cohort.Key(), a.ModelType, a.Version)
		return nil
	},
}

var trainListCmd = &cobra.Command{
	Use:   "list",
	Short: "List model artifacts",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		status, _ := cmd.Flags().GetString("status")

		st, err := openStore(ctx, "cli")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		arts, err := registry.New(st, cfg.Training.Release).List(ctx, model.ReleaseStatus(status))
		if err != nil {
			return eris.Wrap(err, "train list")
		}
		if len(arts) == 0 {
			fmt.Fprintln(os.Stderr, "No artifacts found.")
			return nil
		}
		formatArtifacts(os.Stdout, arts)
		return nil
	},
}

var trainHoldoutCmd = &cobra.Command{
	Use:   "holdout [entity-id...]",
	Short: "Quarantine entities in a holdout window, or list windows",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		window, _ := cmd.Flags().GetString("window")

		st, err := openStore(ctx, "cli")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		h := registry.NewHoldout(st)
		if len(args) > 0 {
			n, err := h.Quarantine(ctx, window, args)
			if err != nil {
				return eris.Wrap(err, "train holdout")
			}
			fmt.Printf("Quarantined %d new entities in %s.\n", n, window)
			return nil
		}

		windows, err := h.Summary(ctx)
		if err != nil {
			return eris.Wrap(err, "train holdout")
		}
		if len(windows) == 0 {
			fmt.Fprintln(os.Stderr, "No holdout windows.")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "WINDOW\tENTITIES\tCREATED")
		for _, hw := range windows {
			_, _ = fmt.Fprintf(w, "%s\t%d\t%s\n", hw.Window, hw.Entities, hw.CreatedAt.Format("2006-01-02"))
		}
		return w.Flush()
	},
}

var trainRunsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List backtest runs, newest first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		mt, _ := cmd.Flags().GetString("model")
		passing, _ := cmd.Flags().GetBool("passing")
		limit, _ := cmd.Flags().GetInt("limit")

		st, err := openStore(ctx, "cli")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		runs := registry.NewRunLog(st)
		var out []model.BacktestRun
		if passing {
			out, err = runs.Passing(ctx, model.ModelType(mt))
		} else {
			out, err = runs.Latest(ctx, model.ModelType(mt), limit)
		}
		if err != nil {
			return eris.Wrap(err, "train runs")
		}
		if len(out) == 0 {
			fmt.Fprintln(os.Stderr, "No backtest runs found.")
			return nil
		}
		formatRuns(os.Stdout, out)
		return nil
	},
}

var trainCompareCmd = &cobra.Command{
	Use:   "compare <run-a> <run-b>",
	Short: "Compare the metrics of two backtest runs",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx, "cli")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		deltas, err := registry.NewRunLog(st).Compare(ctx, args[0], args[1])
		if err != nil {
			return eris.Wrap(err, "train compare")
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "METRIC\tA\tB\tDELTA")
		for _, d := range deltas {
			_, _ = fmt.Fprintf(w, "%s\t%.3f\t%.3f\t%+.3f\n", d.Metric, d.A, d.B, d.Delta)
		}
		return w.Flush()
	},
}

func init() {
	trainCmd.Flags().String("cohort", "", "cohort key such as UK_Seed, or pooled (required)")
	trainCmd.Flags().String("model", string(model.ModelSurvival), "model type: survival or progress")
	trainCmd.Flags().String("out", "", "also write the artifact to this JSON file")
	_ = trainCmd.MarkFlagRequired("cohort")
	for _, c := range []*cobra.Command{trainCmd, trainImportCmd} {
		c.Flags().Bool("promote", false, "release the artifact when it clears the release gate")
	}
	trainListCmd.Flags().String("status", "", "filter by status (candidate, released, retired)")
	trainHoldoutCmd.Flags().String("window", "", "holdout window to quarantine into, e.g. 2024H1")
	trainRunsCmd.Flags().String("model", "", "filter by model type")
	trainRunsCmd.Flags().Bool("passing", false, "only runs that cleared the release gate")
	trainRunsCmd.Flags().Int("limit", 20, "maximum runs to list")

	trainCmd.AddCommand(trainImportCmd)
	trainCmd.AddCommand(trainPromoteCmd)
	trainCmd.AddCommand(trainListCmd)
	trainCmd.AddCommand(trainHoldoutCmd)
	trainCmd.AddCommand(trainRunsCmd)
	trainCmd.AddCommand(trainCompareCmd)
	rootCmd.AddCommand(trainCmd)
}

// formatArtifact writes the summary of one artifact to w.
func formatArtifact(out io.Writer, a *model.ModelArtifact) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Artifact:\t%s\n", a.ID)
	_, _ = fmt.Fprintf(w, "Cohort:\t%s\n", a.Cohort.Key())
	_, _ = fmt.Fprintf(w, "Model:\t%s v%d\n", a.ModelType, a.Version)
	_, _ = fmt.Fprintf(w, "Pooled:\t%t\n", a.Pooled)
	_, _ = fmt.Fprintf(w, "Rows:\t%d train / %d val / %d test\n", a.Metrics.TrainN, a.Metrics.ValN, a.Metrics.TestN)
	_, _ = fmt.Fprintf(w, "AUC:\t%.3f\n", a.Metrics.AUC)
	_, _ = fmt.Fprintf(w, "ECE:\t%.3f\n", a.Metrics.ECE)
	_, _ = fmt.Fprintf(w, "Backtest lift:\t%.2f\n", a.Metrics.BacktestLift)
	_, _ = fmt.Fprintf(w, "Failure rate vs random:\t%.2f\n", a.Metrics.FailureRateVsRandom)
	_, _ = fmt.Fprintf(w, "Release gate:\t%s\n", gateVerdict(a.Metrics))
	_, _ = fmt.Fprintf(w, "Status:\t%s\n", a.ReleaseStatus)
	for _, warn := range a.Metrics.Warnings {
		_, _ = fmt.Fprintf(w, "Warning:\t%s\n", warn)
	}
	_ = w.Flush()
}

// formatRuns writes a tabular list of backtest runs to w.
func formatRuns(out io.Writer, runs []model.BacktestRun) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tARTIFACT\tCOHORT\tMODEL\tPASSED\tAUC\tLIFT\tFAIL/RANDOM\tRUN")
	for _, r := range runs {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%.3f\t%.2f\t%.2f\t%s\n",
			truncateID(r.ID),
			truncateID(r.ArtifactID),
			r.Cohort.Key(),
			r.ModelType,
			r.Passed,
			r.Metrics.AUC,
			r.Metrics.BacktestLift,
			r.Metrics.FailureRateVsRandom,
			r.RunAt.Format("2006-01-02"),
		)
	}
	_ = w.Flush()
}

// formatArtifacts writes a tabular list of artifacts to w.
func formatArtifacts(out io.Writer, arts []model.ModelArtifact) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tCOHORT\tMODEL\tVERSION\tSTATUS\tAUC\tECE\tTRAINED")
	_, _ = fmt.Fprintln(w, "--\t------\t-----\t-------\t------\t---\t---\t-------")
	for _, a := range arts {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%.3f\t%.3f\t%s\n",
			truncateID(a.ID),
			a.Cohort.Key(),
			a.ModelType,
			a.Version,
			a.ReleaseStatus,
			a.Metrics.AUC,
			a.Metrics.ECE,
			a.TrainedAt.Format("2006-01-02"),
		)
	}
	_ = w.Flush()
}

func gateVerdict(m model.ArtifactMetrics) string {
	if m.GatePassed {
		return "passed"
	}
	if len(m.GateFailures) == 0 {
		return "failed"
	}
	return fmt.Sprintf("failed %v", m.GateFailures)
}
