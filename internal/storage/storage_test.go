package storage

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/happyhackingspace/smcrf/crf"
)

const testDefinition = `
states:
  - name: N
  - name: E
    duration: {min: 1, max: 5}
transitions:
  - {from: N, to: N}
  - {from: N, to: E}
  - {from: E, to: N}
features:
  - kind: transitions
  - kind: emission
  - kind: composite
    name: segment
    parts:
      - kind: length
      - kind: composition
        left_pad: 1
        right_pad: 1
trainer:
  c1: 0.5
  max_iterations: 7
boundary_padding: false
`

func TestParseLabels(t *testing.T) {
	tests := []struct {
		input string
		want  []string
	}{
		{"exon 3\nintron 2\n", []string{"exon", "exon", "exon", "intron", "intron"}},
		{"# header\n\nN\nN 1\n  E   2  \n", []string{"N", "N", "E", "E"}},
		{"", nil},
	}
	for _, tt := range tests {
		got, err := ParseLabels(strings.NewReader(tt.input))
		if err != nil {
			t.Fatalf("ParseLabels(%q): %v", tt.input, err)
		}
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("ParseLabels(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}

	for _, bad := range []string{"exon 0", "exon x", "exon 2 3", "N\nexon -1"} {
		if _, err := ParseLabels(strings.NewReader(bad)); err == nil {
			t.Errorf("ParseLabels(%q) succeeded, want error", bad)
		}
	}
}

func TestParseSequence(t *testing.T) {
	got, err := ParseSequence(strings.NewReader(">chr1 test\nacg\n;comment\nuu n\n"))
	require.NoError(t, err)
	assert.Equal(t, "ACGTTN", string(got))
}

func TestParseFASTA(t *testing.T) {
	input := "ACG\n>r1 first record\nac\ngt\n>r2\n>\nTT\n"
	records, err := ParseFASTA(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, records, 4)

	want := []struct{ id, residues string }{{"", "ACG"}, {"r1", "ACGT"}, {"r2", ""}, {"", "TT"}}
	for i, w := range want {
		assert.Equal(t, w.id, records[i].ID, "record %d", i)
		assert.Equal(t, w.residues, string(records[i].Residues), "record %d", i)
	}

	records, err = ParseFASTA(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestParseTrack(t *testing.T) {
	got, err := ParseTrack(strings.NewReader("1 2.5\n-3e-1\t0"))
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2.5, -0.3, 0}, got)

	_, err = ParseTrack(strings.NewReader("1 x"))
	assert.ErrorContains(t, err, "value 1")
}

func TestParseDefinition(t *testing.T) {
	def, err := ParseDefinition([]byte(testDefinition))
	require.NoError(t, err)

	topo, err := def.Topology()
	require.NoError(t, err)
	assert.Equal(t, []string{"N", "E"}, topo.StateNames())
	assert.Equal(t, 3, topo.NumEdges())
	assert.True(t, topo.IsExplicit(1))

	assert.False(t, def.Config().BoundaryPadding)
	cfg := def.TrainerConfig()
	assert.Equal(t, 0.5, cfg.C1)
	assert.Equal(t, 7, cfg.MaxIterations)
	assert.Equal(t, crf.DefaultTrainerConfig().C2, cfg.C2)

	agg, err := def.Providers()
	require.NoError(t, err)
	assert.Len(t, agg.Providers(), 4, "composites are flattened")
}

func TestParseDefinitionDefaults(t *testing.T) {
	def, err := ParseDefinition([]byte("states: [{name: A}, {name: B}]\nfeatures: [{kind: edge-bias}]\n"))
	require.NoError(t, err)
	assert.True(t, def.Config().BoundaryPadding)
	assert.Equal(t, crf.DefaultTrainerConfig(), def.TrainerConfig())

	topo, err := def.Topology()
	require.NoError(t, err)
	assert.Equal(t, 4, topo.NumEdges(), "no transitions declared means all are legal")
}

func TestParseDefinitionErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"empty", ""},
		{"unknown key", "states: [{name: A}]\nfeatures: [{kind: emission}]\ncolour: red\n"},
		{"no states", "states: []\nfeatures: [{kind: emission}]\n"},
		{"no features", "states: [{name: A}]\n"},
		{"unnamed state", "states: [{duration: {min: 1, max: 2}}]\nfeatures: [{kind: emission}]\n"},
		{"zero min duration", "states: [{name: A, duration: {min: 0, max: 2}}]\nfeatures: [{kind: emission}]\n"},
		{"max below min", "states: [{name: A, duration: {min: 3, max: 2}}]\nfeatures: [{kind: emission}]\n"},
		{"unknown feature kind", "states: [{name: A}]\nfeatures: [{kind: hmm}]\n"},
		{"composite without parts", "states: [{name: A}]\nfeatures: [{kind: composite}]\n"},
		{"negative regularization", "states: [{name: A}]\nfeatures: [{kind: emission}]\ntrainer: {c1: -1}\n"},
		{"transition without target", "states: [{name: A}]\ntransitions: [{from: A}]\nfeatures: [{kind: emission}]\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseDefinition([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestDefinitionUnknownTransitionState(t *testing.T) {
	def, err := ParseDefinition([]byte("states: [{name: A}]\ntransitions: [{from: A, to: Z}]\nfeatures: [{kind: emission}]\n"))
	require.NoError(t, err)
	_, err = def.Topology()
	var unknown *crf.UnknownStateError
	require.True(t, errors.As(err, &unknown))
	assert.Equal(t, "Z", unknown.Name)
}

func writeFiles(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
	}
}

func TestIterRecords(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"model.yaml": testDefinition,
		"index.json": `{
  "r2": {"sequence": "r2.fa", "labels": "r2.lab", "group": "g1"},
  "r1": {"sequence": "r1.fa", "labels": "r1.lab", "group": "g1", "tracks": {"signal": "r1.sig"}},
  "r0": {"sequence": "r0.fa", "labels": "r0.lab", "group": "g2"},
  "dup": {"sequence": "r1.fa", "labels": "r1.lab", "group": "g3"},
  "nolab": {"sequence": "r0.fa", "group": "g0"},
  "bad": {"sequence": "r0.fa", "labels": "r1.lab", "group": "g0"},
  "missing": {"sequence": "nope.fa", "labels": "r1.lab"}
}`,
		"r1.fa":  ">r1\nACGT\n",
		"r1.lab": "N 2\nE 2\n",
		"r1.sig": "0.1 0.2 0.3 0.4\n",
		"r2.fa":  "tttt",
		"r2.lab": "N 4",
		"r0.fa":  "GG",
		"r0.lab": "E 2",
	})
	store := NewStorage(dir)

	def, err := store.GetDefinition()
	require.NoError(t, err)
	assert.Len(t, def.States, 2)

	records, err := store.IterRecords(DefaultIterOptions())
	require.NoError(t, err)
	ids := make([]string, len(records))
	for i, r := range records {
		ids[i] = r.ID
	}
	assert.Equal(t, []string{"r1", "r2", "r0"}, ids)

	r1 := records[0]
	assert.Equal(t, "g1", r1.Group)
	assert.Equal(t, "ACGT", string(r1.Residues))
	assert.Equal(t, []string{"N", "N", "E", "E"}, r1.Labels)
	assert.Equal(t, map[string][]float64{"signal": {0.1, 0.2, 0.3, 0.4}}, r1.Tracks)
	assert.Equal(t, "TTTT", string(records[1].Residues))

	records, err = store.IterRecords(IterOptions{})
	require.NoError(t, err)
	ids = ids[:0]
	for _, r := range records {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []string{"nolab", "r1", "r2", "r0", "dup"}, ids)
	assert.Nil(t, records[0].Labels)
}

func TestIterRecordsWithoutIndex(t *testing.T) {
	_, err := NewStorage(t.TempDir()).IterRecords(DefaultIterOptions())
	assert.Error(t, err)
}
