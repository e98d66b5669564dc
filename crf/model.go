package crf

import (
	"encoding/json"
	"fmt"
	"os"
)

// Model is a trained weight vector together with the layout it was trained
// against.
type Model struct {
	States   []string  `json:"states"`
	Features []string  `json:"features"`
	Weights  []float64 `json:"weights"`
}

// NumWeights returns the number of weights.
func (m *Model) NumWeights() int { return len(m.Weights) }

// Check verifies that the model matches a topology and a trained aggregator.
func (m *Model) Check(topo *Topology, agg *Aggregator) error {
	if len(m.States) != topo.NumStates() {
		return fmt.Errorf("%w: model has %d states, topology %d", ErrWeights, len(m.States), topo.NumStates())
	}
	for i, name := range m.States {
		if topo.StateName(i) != name {
			return fmt.Errorf("%w: state %d is %q in the model, %q in the topology", ErrWeights, i, name, topo.StateName(i))
		}
	}
	if len(m.Weights) != agg.NumFeatures() || len(m.Features) != len(m.Weights) {
		return fmt.Errorf("%w: model has %d weights and %d names for %d features", ErrWeights, len(m.Weights), len(m.Features), agg.NumFeatures())
	}
	for i, name := range agg.FeatureNames() {
		if m.Features[i] != name {
			return fmt.Errorf("%w: feature %d is %q in the model, %q in the providers", ErrWeights, i, m.Features[i], name)
		}
	}
	return nil
}

// Weight returns the weight of a named feature, or 0 if absent.
func (m *Model) Weight(feature string) float64 {
	for i, name := range m.Features {
		if name == feature {
			return m.Weights[i]
		}
	}
	return 0
}

// SaveModel serializes the model to JSON.
func SaveModel(model *Model, path string) error {
	data, err := json.MarshalIndent(model, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// LoadModel deserializes a model from JSON.
func LoadModel(path string) (*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return UnmarshalModel(data)
}

// MarshalModel serializes the model to JSON bytes.
func MarshalModel(model *Model) ([]byte, error) {
	return json.Marshal(model)
}

// UnmarshalModel deserializes a model from JSON bytes.
func UnmarshalModel(data []byte) (*Model, error) {
	var model Model
	if err := json.Unmarshal(data, &model); err != nil {
		return nil, err
	}
	if len(model.Features) != len(model.Weights) {
		return nil, fmt.Errorf("%w: %d feature names for %d weights", ErrWeights, len(model.Features), len(model.Weights))
	}
	return &model, nil
}
