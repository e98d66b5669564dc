// Package smcrf labels residue sequences with a semi-Markov CRF.
//
// A model is defined in a data folder (model.yaml: states, transitions and
// feature providers), trained on the labeled records listed in index.json
// and saved as a single JSON file.
//
//	l, _ := smcrf.Train(ctx, "data", nil)
//	_ = l.Save("model.json")
//	res, _ := l.DecodeString("ACGTTTGACCA")
//	fmt.Println(res.Labels) // ["intergenic", "intergenic", "exon", ...]
package smcrf

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/happyhackingspace/smcrf/crf"
	"github.com/happyhackingspace/smcrf/internal/sequtil"
	"github.com/happyhackingspace/smcrf/internal/storage"
	"github.com/happyhackingspace/smcrf/seq"
)

// Labeler decodes sequences with a trained model.
type Labeler struct {
	def   *storage.Definition
	topo  *crf.Topology
	agg   *crf.Aggregator
	model *crf.Model
	dec   *crf.Decoder
}

// Segment is a maximal run of one label.
type Segment struct {
	State string `json:"state"`
	Start int    `json:"start"`
	End   int    `json:"end"`
}

// Result holds the decoded labeling of one sequence.
type Result struct {
	Labels   []string        `json:"labels"`
	Segments []Segment       `json:"segments"`
	Score    float64         `json:"score"`
	Stats    *crf.CacheStats `json:"stats,omitempty"`
}

// savedModel is the on-disk model: the definition, the trained provider
// state in registration order and the weights.
type savedModel struct {
	Definition *storage.Definition `json:"definition"`
	Providers  []json.RawMessage   `json:"providers"`
	Model      *crf.Model          `json:"model"`
}

func newLabeler(def *storage.Definition, topo *crf.Topology, agg *crf.Aggregator, model *crf.Model) (*Labeler, error) {
	dec, err := crf.NewDecoder(topo, agg, model)
	if err != nil {
		return nil, fmt.Errorf("smcrf: %w", err)
	}
	return &Labeler{def: def, topo: topo, agg: agg, model: model, dec: dec}, nil
}

// ModelDir returns the per-user directory for cached models.
func ModelDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return ".smcrf"
	}
	return filepath.Join(dir, "smcrf")
}

// New loads the labeler from "model.json", searching the current directory,
// its parents up to the module root, and ModelDir.
func New() (*Labeler, error) {
	path, err := findModel("model.json")
	if err != nil {
		return nil, fmt.Errorf("smcrf: %w", err)
	}
	return Load(path)
}

func findModel(name string) (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
		// Stop at module root
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			break
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	if path := filepath.Join(ModelDir(), name); fileExists(path) {
		return path, nil
	}
	return "", fmt.Errorf("%s not found", name)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Load loads a trained labeler from a model file.
func Load(path string) (*Labeler, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("smcrf: %w", err)
	}
	return Unmarshal(data)
}

// Unmarshal restores a labeler from model JSON.
func Unmarshal(data []byte) (*Labeler, error) {
	var sm savedModel
	if err := json.Unmarshal(data, &sm); err != nil {
		return nil, fmt.Errorf("smcrf: %w", err)
	}
	if sm.Definition == nil || sm.Model == nil {
		return nil, fmt.Errorf("smcrf: model file lacks definition or weights")
	}
	topo, err := sm.Definition.Topology()
	if err != nil {
		return nil, fmt.Errorf("smcrf: %w", err)
	}
	agg, err := sm.Definition.Providers()
	if err != nil {
		return nil, fmt.Errorf("smcrf: %w", err)
	}
	providers := agg.Providers()
	if len(providers) != len(sm.Providers) {
		return nil, fmt.Errorf("smcrf: model has state for %d providers, definition declares %d", len(sm.Providers), len(providers))
	}
	for i, p := range providers {
		if err := json.Unmarshal(sm.Providers[i], p); err != nil {
			return nil, fmt.Errorf("smcrf: provider %s: %w", p.Name(), err)
		}
	}
	agg.Layout()
	return newLabeler(sm.Definition, topo, agg, sm.Model)
}

// Marshal serializes the labeler.
func (l *Labeler) Marshal() ([]byte, error) {
	sm := savedModel{Definition: l.def, Model: l.model}
	for _, p := range l.agg.Providers() {
		raw, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("smcrf: provider %s: %w", p.Name(), err)
		}
		sm.Providers = append(sm.Providers, raw)
	}
	return json.MarshalIndent(sm, "", "  ")
}

// Save writes the labeler to a model file.
func (l *Labeler) Save(path string) error {
	data, err := l.Marshal()
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("smcrf: %w", err)
	}
	return nil
}

// States returns the state names.
func (l *Labeler) States() []string { return l.topo.StateNames() }

// Components returns the sorted names of the input tracks the model reads
// besides residues. Inputs for such a model must come from RecordInput.
func (l *Labeler) Components() []string {
	var out []string
	for _, p := range l.agg.Providers() {
		if cs, ok := p.(crf.ComponentSelector); ok && !slices.Contains(out, cs.Component()) {
			out = append(out, cs.Component())
		}
	}
	slices.Sort(out)
	return out
}

// Model returns the trained weights.
func (l *Labeler) Model() *crf.Model { return l.model }

// Decode returns the best labeling of one input.
func (l *Labeler) Decode(in crf.Input) (*Result, error) {
	p, err := l.dec.Decode(in)
	if err != nil {
		return nil, fmt.Errorf("smcrf: %w", err)
	}
	return l.result(p), nil
}

// DecodeString decodes a residue string.
func (l *Labeler) DecodeString(residues string) (*Result, error) {
	return l.Decode(seq.Bases(sequtil.Normalize(residues)))
}

// DecodeAll decodes inputs in parallel; results are in input order.
func (l *Labeler) DecodeAll(ctx context.Context, inputs []crf.Input, workers int) ([]*Result, error) {
	paths, err := l.dec.DecodeAll(ctx, inputs, workers)
	if err != nil {
		return nil, fmt.Errorf("smcrf: %w", err)
	}
	out := make([]*Result, len(paths))
	for i, p := range paths {
		out[i] = l.result(p)
	}
	return out, nil
}

// Marginals returns per-position posterior probabilities of every state.
func (l *Labeler) Marginals(in crf.Input) ([]map[string]float64, error) {
	m, err := l.dec.Marginals(in)
	if err != nil {
		return nil, fmt.Errorf("smcrf: %w", err)
	}
	out := make([]map[string]float64, m.Rows())
	for t := range out {
		out[t] = make(map[string]float64, m.Cols())
		for s := range m.Cols() {
			out[t][l.topo.StateName(s)] = m.At(t, s)
		}
	}
	return out, nil
}

func (l *Labeler) result(p *crf.Path) *Result {
	st := p.Stats
	r := &Result{Labels: make([]string, len(p.Labels)), Score: p.Score, Stats: &st}
	for i, y := range p.Labels {
		r.Labels[i] = l.topo.StateName(y)
	}
	for start := 0; start < len(p.Labels); {
		end := start
		for end+1 < len(p.Labels) && p.Labels[end+1] == p.Labels[start] {
			end++
		}
		r.Segments = append(r.Segments, Segment{State: r.Labels[start], Start: start, End: end})
		start = end + 1
	}
	return r
}

// RecordInput builds the engine input of a record: its residues, plus its
// evidence tracks when it has any.
func RecordInput(rec storage.Record) (crf.Input, error) {
	bases := seq.Bases(rec.Residues)
	if len(rec.Tracks) == 0 {
		return bases, nil
	}
	tracks := make(map[string]crf.Input, len(rec.Tracks))
	for name, v := range rec.Tracks {
		tracks[name] = seq.Signal(v)
	}
	return seq.NewTracks(bases, tracks)
}
