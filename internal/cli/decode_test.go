package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/happyhackingspace/smcrf/internal/storage"
	"github.com/happyhackingspace/smcrf/seq"
)

func TestDecodeInputs(t *testing.T) {
	fasta := []storage.Record{{ID: "r1", Residues: []byte("ACGT")}}

	inputs, err := decodeInputs(fasta, nil)
	require.NoError(t, err)
	assert.Equal(t, seq.Bases("ACGT"), inputs[0])

	_, err = decodeInputs(fasta, []string{"cov"})
	assert.ErrorContains(t, err, `lacks track "cov"`)
	assert.ErrorContains(t, err, "--data")

	indexed := []storage.Record{{ID: "r1", Residues: []byte("ACGT"), Tracks: map[string][]float64{"cov": {1, 2, 3, 4}}}}
	inputs, err = decodeInputs(indexed, []string{"cov"})
	require.NoError(t, err)
	tr, ok := inputs[0].(*seq.Tracks)
	require.True(t, ok)
	cov, ok := tr.Component("cov")
	require.True(t, ok)
	assert.Equal(t, seq.Signal{1, 2, 3, 4}, cov)

	indexed[0].Tracks["cov"] = []float64{1}
	_, err = decodeInputs(indexed, []string{"cov"})
	assert.ErrorContains(t, err, "record r1")
}
