package cli

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/happyhackingspace/smcrf"
)

func (c *CLI) newEvaluateCommand() *cobra.Command {
	var dataFolder string
	var cvFolds int
	var workers int

	cmd := &cobra.Command{
		Use:     "evaluate",
		Short:   "Evaluate labeling accuracy via grouped cross-validation",
		Example: `  smcrf evaluate --data-folder data --cv 5`,
		RunE: func(cmd *cobra.Command, args []string) error {
			slog.Info("Evaluating", "folds", cvFolds, "data-folder", dataFolder)
			start := time.Now()
			result, err := smcrf.Evaluate(cmd.Context(), dataFolder, &smcrf.EvalConfig{
				Folds:   cvFolds,
				Workers: workers,
			})
			if err != nil {
				return err
			}
			slog.Debug("Evaluation completed", "duration", time.Since(start))

			fmt.Printf("Position accuracy: %.1f%% (%d/%d positions)\n",
				result.PositionAccuracy*100, result.PositionCorrect, result.PositionTotal)
			fmt.Printf("Sequence accuracy: %.1f%% (%d/%d sequences)\n",
				result.SequenceAccuracy*100, result.SequenceCorrect, result.SequenceTotal)
			printConfusionMatrix(result.Confusion, result.States)
			printStateReport(result.Report)
			return nil
		},
	}

	cmd.Flags().StringVar(&dataFolder, "data-folder", "data", "Path to labeled data folder")
	cmd.Flags().IntVar(&cvFolds, "cv", 10, "Number of cross-validation folds")
	cmd.Flags().IntVar(&workers, "workers", 0, "Sequences processed in parallel (0 = GOMAXPROCS)")
	return cmd
}

func printStateReport(report []smcrf.StateReport) {
	fmt.Printf("\nPer-state metrics:\n")
	fmt.Printf("%12s  %6s  %6s  %6s  %7s\n", "state", "prec", "recall", "f1", "support")
	for _, r := range report {
		fmt.Printf("%12s  %5.1f%%  %5.1f%%  %5.1f%%  %7d\n",
			r.State, r.Precision*100, r.Recall*100, r.F1*100, r.Support)
	}
}

func printConfusionMatrix(confusion [][]int, states []string) {
	if len(confusion) == 0 {
		return
	}

	fmt.Printf("\nConfusion matrix (rows=true, cols=predicted):\n")
	fmt.Printf("%12s", "")
	for _, s := range states {
		fmt.Printf(" %7.7s", s)
	}
	fmt.Printf("    total  acc%%\n")

	for i, trueState := range states {
		fmt.Printf("%12.12s", trueState)
		total := 0
		for _, count := range confusion[i] {
			total += count
			if count == 0 {
				fmt.Printf(" %7s", ".")
			} else {
				fmt.Printf(" %7d", count)
			}
		}
		acc := 0.0
		if total > 0 {
			acc = float64(confusion[i][i]) / float64(total) * 100
		}
		fmt.Printf("  %7d %5.1f\n", total, acc)
	}
}
