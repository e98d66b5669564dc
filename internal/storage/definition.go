package storage

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/happyhackingspace/smcrf/crf"
	"github.com/happyhackingspace/smcrf/features"
)

// Definition is the model definition read from model.yaml.
type Definition struct {
	States      []StateDef            `yaml:"states" json:"states" validate:"required,min=1,dive"`
	Transitions []TransitionDef       `yaml:"transitions,omitempty" json:"transitions,omitempty" validate:"dive"`
	Features    []features.Definition `yaml:"features" json:"features" validate:"required,min=1,dive"`
	Trainer     TrainerDef            `yaml:"trainer,omitempty" json:"trainer"`
	// BoundaryPadding defaults to true.
	BoundaryPadding *bool `yaml:"boundary_padding,omitempty" json:"boundary_padding,omitempty"`
}

// StateDef declares one state; Duration makes it explicit-duration.
type StateDef struct {
	Name     string             `yaml:"name" json:"name" validate:"required"`
	Duration *crf.DurationRange `yaml:"duration,omitempty" json:"duration,omitempty"`
}

// TransitionDef declares one legal transition.
type TransitionDef struct {
	From string `yaml:"from" json:"from" validate:"required"`
	To   string `yaml:"to" json:"to" validate:"required"`
}

// TrainerDef overrides training hyperparameters. Zero values keep defaults.
type TrainerDef struct {
	C1            float64 `yaml:"c1,omitempty" json:"c1,omitempty" validate:"gte=0"`
	C2            float64 `yaml:"c2,omitempty" json:"c2,omitempty" validate:"gte=0"`
	MaxIterations int     `yaml:"max_iterations,omitempty" json:"max_iterations,omitempty" validate:"gte=0"`
	Epsilon       float64 `yaml:"epsilon,omitempty" json:"epsilon,omitempty" validate:"gte=0"`
	Workers       int     `yaml:"workers,omitempty" json:"workers,omitempty" validate:"gte=0"`
}

var validate *validator.Validate

func init() {
	validate = validator.New()
	validate.RegisterStructValidation(validateDuration, crf.DurationRange{})
}

func validateDuration(sl validator.StructLevel) {
	d := sl.Current().Interface().(crf.DurationRange)
	if d.Min < 1 {
		sl.ReportError(d.Min, "Min", "min", "gte", "1")
	}
	if d.Max < d.Min {
		sl.ReportError(d.Max, "Max", "max", "gtefield", "Min")
	}
}

// ParseDefinition decodes and validates a YAML model definition. Unknown keys
// are rejected.
func ParseDefinition(data []byte) (*Definition, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var def Definition
	if err := dec.Decode(&def); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse model definition: %w", err)
	}
	if err := validate.Struct(&def); err != nil {
		return nil, fmt.Errorf("invalid model definition: %w", err)
	}
	return &def, nil
}

// LoadDefinition reads a model definition file.
func LoadDefinition(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseDefinition(data)
}

// Topology builds the state topology. Without transitions every transition
// is legal except explicit-duration self transitions.
func (d *Definition) Topology() (*crf.Topology, error) {
	states := make([]crf.StateSpec, len(d.States))
	for i, s := range d.States {
		states[i] = crf.StateSpec{Name: s.Name, Duration: s.Duration}
	}
	var transitions [][2]string
	if len(d.Transitions) > 0 {
		transitions = make([][2]string, len(d.Transitions))
		for i, t := range d.Transitions {
			transitions[i] = [2]string{t.From, t.To}
		}
	}
	return crf.NewTopology(states, transitions)
}

// Config returns the engine configuration.
func (d *Definition) Config() crf.Config {
	cfg := crf.DefaultConfig()
	if d.BoundaryPadding != nil {
		cfg.BoundaryPadding = *d.BoundaryPadding
	}
	return cfg
}

// TrainerConfig applies the overrides to the default training config.
func (d *Definition) TrainerConfig() crf.TrainerConfig {
	cfg := crf.DefaultTrainerConfig()
	t := d.Trainer
	if t.C1 > 0 {
		cfg.C1 = t.C1
	}
	if t.C2 > 0 {
		cfg.C2 = t.C2
	}
	if t.MaxIterations > 0 {
		cfg.MaxIterations = t.MaxIterations
	}
	if t.Epsilon > 0 {
		cfg.Epsilon = t.Epsilon
	}
	if t.Workers > 0 {
		cfg.Workers = t.Workers
	}
	return cfg
}

// Providers builds untrained providers and an aggregator over them.
func (d *Definition) Providers() (*crf.Aggregator, error) {
	ps, err := features.Build(d.Features)
	if err != nil {
		return nil, err
	}
	return crf.NewAggregator(d.Config(), ps...)
}
