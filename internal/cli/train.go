package cli

import (
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/happyhackingspace/smcrf"
)

func (c *CLI) newTrainCommand() *cobra.Command {
	var dataFolder string
	var workers int
	var maxIterations int

	cmd := &cobra.Command{
		Use:   "train <modelfile>",
		Short: "Train a model on labeled sequences",
		Args:  cobra.ExactArgs(1),
		Example: `  smcrf train model.json --data-folder data
  smcrf train model.json --workers 4 --max-iterations 50 -v`,
		RunE: func(cmd *cobra.Command, args []string) error {
			modelPath := args[0]
			slog.Info("Training labeler", "data-folder", dataFolder, "output", modelPath)
			start := time.Now()
			l, err := smcrf.Train(cmd.Context(), dataFolder, &smcrf.TrainConfig{
				Workers:       workers,
				MaxIterations: maxIterations,
				Progress: func(iteration int, objective float64) {
					slog.Debug("Optimizer iteration", "iteration", iteration, "objective", objective)
					c.metrics.ObserveIteration(iteration, objective)
				},
				Corpus: func(sequences, positions int) {
					slog.Info("Training corpus", "sequences", sequences, "positions", positions)
					c.metrics.ObserveTraining(sequences, positions)
				},
			})
			if err != nil {
				return err
			}
			slog.Info("Training completed", "duration", time.Since(start), "features", l.Model().NumWeights())
			if err := l.Save(modelPath); err != nil {
				return err
			}
			slog.Info("Model saved", "path", modelPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&dataFolder, "data-folder", "data", "Path to labeled data folder")
	cmd.Flags().IntVar(&workers, "workers", 0, "Sequences processed in parallel (0 = model.yaml or GOMAXPROCS)")
	cmd.Flags().IntVar(&maxIterations, "max-iterations", 0, "Optimizer iteration limit (0 = model.yaml or default)")
	return cmd
}
