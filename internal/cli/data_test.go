package cli

import (
	"archive/tar"
	"compress/gzip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDataPackUnpack(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "seqs"), 0755))
	files := map[string]string{
		"model.yaml": "states: [{name: A}]\nfeatures: [{kind: emission}]\n",
		"index.json": `{"r1": {"sequence": "seqs/r1.fa", "labels": "r1.lab"}}`,
		"seqs/r1.fa": ">r1\nACGT\n",
		"r1.lab":     "A 4\n",
	}
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(src, name), []byte(content), 0644))
	}

	archive := filepath.Join(t.TempDir(), "data.tar.gz")
	require.NoError(t, dataPack(src, archive))

	dst := filepath.Join(t.TempDir(), "restored")
	require.NoError(t, dataUnpack(archive, dst))
	for name, content := range files {
		got, err := os.ReadFile(filepath.Join(dst, name))
		require.NoError(t, err, name)
		assert.Equal(t, content, string(got), name)
	}

	assert.NoError(t, dataStats(dst))
}

func TestDataUnpackRejectsEscapingEntries(t *testing.T) {
	archive := filepath.Join(t.TempDir(), "evil.tar.gz")
	f, err := os.Create(archive)
	require.NoError(t, err)
	gw := gzip.NewWriter(f)
	tw := tar.NewWriter(gw)
	body := []byte("x")
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "../escape.txt", Mode: 0644, Size: int64(len(body)), Typeflag: tar.TypeReg}))
	_, err = tw.Write(body)
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, gw.Close())
	require.NoError(t, f.Close())

	dst := filepath.Join(t.TempDir(), "out")
	err = dataUnpack(archive, dst)
	assert.ErrorContains(t, err, "escapes")
	_, statErr := os.Stat(filepath.Join(filepath.Dir(dst), "escape.txt"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestDataErrors(t *testing.T) {
	assert.Error(t, dataUnpack(filepath.Join(t.TempDir(), "missing.tar.gz"), t.TempDir()))
	assert.Error(t, dataStats(t.TempDir()))

	dir := t.TempDir()
	plain := filepath.Join(dir, "plain.tar.gz")
	require.NoError(t, os.WriteFile(plain, []byte("not gzip"), 0644))
	assert.ErrorContains(t, dataUnpack(plain, dir), "gzip")
}
