package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/happyhackingspace/smcrf"
	"github.com/happyhackingspace/smcrf/crf"
	"github.com/happyhackingspace/smcrf/internal/storage"
)

type decodeOutput struct {
	ID string `json:"id,omitempty"`
	*smcrf.Result
	Marginals []map[string]float64 `json:"marginals,omitempty"`
}

func (c *CLI) newDecodeCommand() *cobra.Command {
	var modelPath string
	var dataDir string
	var workers int
	var marginals bool

	cmd := &cobra.Command{
		Use:   "decode [fasta-file]",
		Short: "Label the sequences of a FASTA file, stdin or a data folder",
		Args:  cobra.MaximumNArgs(1),
		Example: `  # Decode a FASTA file
  smcrf decode reads.fa

  # Pipe sequences from stdin
  cat reads.fa | smcrf decode

  # Include per-position posterior probabilities
  smcrf decode reads.fa --marginals

  # Decode the records of a data folder, evidence tracks included
  smcrf decode --data ./data --model model.json

  # Use a custom model file
  smcrf decode reads.fa --model custom.json -s`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var records []storage.Record
			var err error
			if dataDir != "" {
				if len(args) > 0 {
					return fmt.Errorf("--data and a FASTA file are mutually exclusive")
				}
				records, err = storage.NewStorage(dataDir).IterRecords(storage.IterOptions{})
				if err != nil {
					return fmt.Errorf("read records: %w", err)
				}
			} else {
				var data []byte
				if len(args) == 0 {
					if isStdinTerminal() {
						return cmd.Help()
					}
					data, err = readFromStdin()
				} else {
					data, err = os.ReadFile(args[0])
				}
				if err != nil {
					return err
				}
				fasta, err := storage.ParseFASTA(bytes.NewReader(data))
				if err != nil {
					return fmt.Errorf("parse sequences: %w", err)
				}
				for _, f := range fasta {
					records = append(records, storage.Record{ID: f.ID, Residues: f.Residues})
				}
			}
			if len(records) == 0 {
				fmt.Println("No sequences found.")
				return nil
			}
			slog.Debug("Sequences read", "count", len(records))

			start := time.Now()
			l, err := loadModel(modelPath)
			if err != nil {
				return err
			}
			slog.Debug("Model loaded", "duration", time.Since(start))

			inputs, err := decodeInputs(records, l.Components())
			if err != nil {
				return err
			}
			start = time.Now()
			results, err := l.DecodeAll(cmd.Context(), inputs, workers)
			if err != nil {
				return err
			}
			elapsed := time.Since(start)
			slog.Debug("Decoding completed", "sequences", len(results), "duration", elapsed)

			out := make([]decodeOutput, len(results))
			for i, r := range results {
				c.metrics.ObserveDecode(inputs[i].Len(), elapsed.Seconds()/float64(len(results)), *r.Stats)
				out[i] = decodeOutput{ID: records[i].ID, Result: r}
				if marginals {
					if out[i].Marginals, err = l.Marginals(inputs[i]); err != nil {
						return err
					}
				}
			}
			output, _ := json.MarshalIndent(out, "", "  ")
			fmt.Println(string(output))
			return nil
		},
	}

	cmd.Flags().StringVar(&modelPath, "model", "", "Path to model file (default: auto-detect)")
	cmd.Flags().StringVar(&dataDir, "data", "", "Decode the records of a data folder's index.json instead of FASTA")
	cmd.Flags().IntVar(&workers, "workers", 0, "Sequences decoded in parallel (0 = GOMAXPROCS)")
	cmd.Flags().BoolVar(&marginals, "marginals", false, "Include posterior state probabilities")
	return cmd
}

// decodeInputs builds decoder inputs. Every record must carry the tracks the
// model reads; FASTA records carry residues only.
func decodeInputs(records []storage.Record, components []string) ([]crf.Input, error) {
	inputs := make([]crf.Input, len(records))
	for i, r := range records {
		for _, name := range components {
			if _, ok := r.Tracks[name]; !ok {
				return nil, fmt.Errorf("record %s lacks track %q read by the model; decode a data folder with --data", r.ID, name)
			}
		}
		in, err := smcrf.RecordInput(r)
		if err != nil {
			return nil, fmt.Errorf("record %s: %w", r.ID, err)
		}
		inputs[i] = in
	}
	return inputs, nil
}

func isStdinTerminal() bool {
	fi, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}

func loadModel(modelPath string) (*smcrf.Labeler, error) {
	if modelPath != "" {
		slog.Debug("Loading custom model", "path", modelPath)
		return smcrf.Load(modelPath)
	}
	return smcrf.New()
}

func readFromStdin() ([]byte, error) {
	slog.Debug("Reading from stdin")
	body, err := io.ReadAll(os.Stdin)
	if err != nil {
		return nil, fmt.Errorf("read stdin: %w", err)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, fmt.Errorf("stdin is empty")
	}
	return body, nil
}
