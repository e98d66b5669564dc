package smcrf

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"

	"github.com/happyhackingspace/smcrf/crf"
	"github.com/happyhackingspace/smcrf/internal/storage"
)

// TrainConfig holds configuration for training. Zero values keep the
// settings of model.yaml.
type TrainConfig struct {
	Workers       int
	MaxIterations int
	// Progress is called after every optimizer iteration.
	Progress func(iteration int, objective float64)
	// Corpus is called once with the size of the training set.
	Corpus func(sequences, positions int)
}

// EvalConfig holds configuration for evaluation.
type EvalConfig struct {
	Folds   int
	Workers int
}

// StateReport holds per-state evaluation scores.
type StateReport struct {
	State     string
	Precision float64
	Recall    float64
	F1        float64
	Support   int
}

// EvalResult holds cross-validation evaluation results.
type EvalResult struct {
	PositionAccuracy float64
	SequenceAccuracy float64
	PositionCorrect  int
	PositionTotal    int
	SequenceCorrect  int
	SequenceTotal    int

	States []string
	// Confusion[gold][predicted] counts positions.
	Confusion [][]int
	Report    []StateReport
}

// Train trains a labeler on the labeled records of a data directory.
func Train(ctx context.Context, dataDir string, config *TrainConfig) (*Labeler, error) {
	store := storage.NewStorage(dataDir)
	def, err := store.GetDefinition()
	if err != nil {
		return nil, fmt.Errorf("smcrf: %w", err)
	}
	records, err := store.IterRecords(storage.DefaultIterOptions())
	if err != nil {
		return nil, fmt.Errorf("smcrf: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("smcrf: no labeled records found in %s", dataDir)
	}
	return TrainRecords(ctx, def, records, config)
}

// TrainRecords trains a labeler on already loaded records.
func TrainRecords(ctx context.Context, def *storage.Definition, records []storage.Record, config *TrainConfig) (*Labeler, error) {
	topo, err := def.Topology()
	if err != nil {
		return nil, fmt.Errorf("smcrf: %w", err)
	}
	data, err := buildSequences(topo, records)
	if err != nil {
		return nil, fmt.Errorf("smcrf: %w", err)
	}
	if config != nil && config.Corpus != nil {
		positions := 0
		for _, s := range data {
			positions += s.Len()
		}
		config.Corpus(len(data), positions)
	}
	agg, err := def.Providers()
	if err != nil {
		return nil, fmt.Errorf("smcrf: %w", err)
	}
	model, err := crf.Train(ctx, topo, agg, data, trainerConfig(def, config))
	if err != nil {
		return nil, fmt.Errorf("smcrf: %w", err)
	}
	return newLabeler(def, topo, agg, model)
}

func trainerConfig(def *storage.Definition, config *TrainConfig) crf.TrainerConfig {
	cfg := def.TrainerConfig()
	if config == nil {
		return cfg
	}
	if config.Workers > 0 {
		cfg.Workers = config.Workers
	}
	if config.MaxIterations > 0 {
		cfg.MaxIterations = config.MaxIterations
	}
	cfg.Progress = config.Progress
	return cfg
}

// Evaluate runs grouped k-fold cross-validation: records of one group never
// appear in both the training and the test side of a fold.
func Evaluate(ctx context.Context, dataDir string, config *EvalConfig) (*EvalResult, error) {
	nFolds := 10
	workers := 0
	if config != nil {
		if config.Folds > 0 {
			nFolds = config.Folds
		}
		workers = config.Workers
	}

	store := storage.NewStorage(dataDir)
	def, err := store.GetDefinition()
	if err != nil {
		return nil, fmt.Errorf("smcrf: %w", err)
	}
	records, err := store.IterRecords(storage.DefaultIterOptions())
	if err != nil {
		return nil, fmt.Errorf("smcrf: %w", err)
	}
	if len(records) < 2 {
		return nil, fmt.Errorf("smcrf: need at least 2 labeled records in %s, found %d", dataDir, len(records))
	}
	topo, err := def.Topology()
	if err != nil {
		return nil, fmt.Errorf("smcrf: %w", err)
	}
	if _, err := buildSequences(topo, records); err != nil {
		return nil, fmt.Errorf("smcrf: %w", err)
	}

	n := topo.NumStates()
	result := &EvalResult{States: topo.StateNames(), Confusion: make([][]int, n)}
	for i := range result.Confusion {
		result.Confusion[i] = make([]int, n)
	}

	groups := recordGroups(records)
	if n := slices.Max(groups) + 1; n < 2 {
		return nil, fmt.Errorf("smcrf: need at least 2 record groups in %s, found %d", dataDir, n)
	}
	folds := groupKFold(groups, nFolds)
	for f, testIdx := range folds {
		testSet := makeTestSet(len(records), testIdx)
		var train []storage.Record
		for i, rec := range records {
			if !testSet[i] {
				train = append(train, rec)
			}
		}
		if len(train) == 0 {
			continue
		}
		slog.Info("Evaluating fold", "fold", f+1, "folds", len(folds), "train", len(train), "test", len(testIdx))

		// Providers are stateful, so every fold trains its own.
		l, err := TrainRecords(ctx, def, train, &TrainConfig{Workers: workers})
		if err != nil {
			return nil, fmt.Errorf("fold %d: %w", f+1, err)
		}
		inputs := make([]crf.Input, len(testIdx))
		for j, idx := range testIdx {
			if inputs[j], err = RecordInput(records[idx]); err != nil {
				return nil, fmt.Errorf("smcrf: record %s: %w", records[idx].ID, err)
			}
		}
		preds, err := l.DecodeAll(ctx, inputs, workers)
		if err != nil {
			return nil, fmt.Errorf("fold %d: %w", f+1, err)
		}
		for j, idx := range testIdx {
			result.add(topo, records[idx].Labels, preds[j].Labels)
		}
	}

	result.finish()
	return result, nil
}

func (r *EvalResult) add(topo *crf.Topology, gold, pred []string) {
	allCorrect := true
	for i, g := range gold {
		if pred[i] == g {
			r.PositionCorrect++
		} else {
			allCorrect = false
		}
		r.PositionTotal++
		gi, _ := topo.StateIndex(g)
		pi, _ := topo.StateIndex(pred[i])
		r.Confusion[gi][pi]++
	}
	if allCorrect {
		r.SequenceCorrect++
	}
	r.SequenceTotal++
}

func (r *EvalResult) finish() {
	if r.PositionTotal > 0 {
		r.PositionAccuracy = float64(r.PositionCorrect) / float64(r.PositionTotal)
	}
	if r.SequenceTotal > 0 {
		r.SequenceAccuracy = float64(r.SequenceCorrect) / float64(r.SequenceTotal)
	}
	r.Report = make([]StateReport, len(r.States))
	for s, name := range r.States {
		tp := r.Confusion[s][s]
		var predicted, support int
		for o := range r.States {
			predicted += r.Confusion[o][s]
			support += r.Confusion[s][o]
		}
		rep := StateReport{State: name, Support: support}
		if predicted > 0 {
			rep.Precision = float64(tp) / float64(predicted)
		}
		if support > 0 {
			rep.Recall = float64(tp) / float64(support)
		}
		if rep.Precision+rep.Recall > 0 {
			rep.F1 = 2 * rep.Precision * rep.Recall / (rep.Precision + rep.Recall)
		}
		r.Report[s] = rep
	}
}

// buildSequences converts labeled records into training sequences.
func buildSequences(topo *crf.Topology, records []storage.Record) ([]crf.TrainingSequence, error) {
	groups := recordGroups(records)
	out := make([]crf.TrainingSequence, 0, len(records))
	for i, rec := range records {
		in, err := RecordInput(rec)
		if err != nil {
			return nil, fmt.Errorf("record %s: %w", rec.ID, err)
		}
		labels := make([]int, len(rec.Labels))
		for j, name := range rec.Labels {
			if labels[j], err = topo.StateIndex(name); err != nil {
				return nil, fmt.Errorf("record %s position %d: %w", rec.ID, j, err)
			}
		}
		out = append(out, crf.TrainingSequence{ID: rec.ID, Input: in, Labels: labels, Group: groups[i]})
	}
	return out, nil
}

// groupKFold assigns whole groups to folds round-robin in group order.
func groupKFold(groups []int, nFolds int) [][]int {
	uniqueGroups := make(map[int]bool)
	for _, g := range groups {
		uniqueGroups[g] = true
	}
	sortedGroups := make([]int, 0, len(uniqueGroups))
	for g := range uniqueGroups {
		sortedGroups = append(sortedGroups, g)
	}
	sort.Ints(sortedGroups)

	if nFolds > len(sortedGroups) {
		nFolds = len(sortedGroups)
	}

	groupToFold := make(map[int]int)
	for i, g := range sortedGroups {
		groupToFold[g] = i % nFolds
	}

	folds := make([][]int, nFolds)
	for i, g := range groups {
		fold := groupToFold[g]
		folds[fold] = append(folds[fold], i)
	}
	return folds
}

// recordGroups numbers record groups in order of first appearance.
func recordGroups(records []storage.Record) []int {
	groups := make([]int, len(records))
	groupMap := make(map[string]int)
	for i, rec := range records {
		if _, ok := groupMap[rec.Group]; !ok {
			groupMap[rec.Group] = len(groupMap)
		}
		groups[i] = groupMap[rec.Group]
	}
	return groups
}

func makeTestSet(n int, testIdx []int) []bool {
	set := make([]bool, n)
	for _, i := range testIdx {
		set[i] = true
	}
	return set
}
