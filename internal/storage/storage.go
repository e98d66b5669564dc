// Package storage provides access to labeled sequence data for training.
package storage

import (
	"bufio"
	"crypto/md5"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/happyhackingspace/smcrf/internal/sequtil"
)

// Storage wraps the data folder: model.yaml, index.json and the sequence,
// label and track files the index points to.
type Storage struct {
	Folder string
}

// NewStorage creates a Storage for the given data folder.
func NewStorage(folder string) *Storage {
	return &Storage{Folder: folder}
}

// indexEntry represents a single record in index.json.
type indexEntry struct {
	Sequence string            `json:"sequence"`
	Labels   string            `json:"labels"`
	Group    string            `json:"group"`
	Tracks   map[string]string `json:"tracks,omitempty"`
}

// Record is one labeled sequence.
type Record struct {
	ID       string
	Group    string
	Residues []byte
	Labels   []string // state name per position, nil if unlabeled
	Tracks   map[string][]float64
}

// IterOptions controls record iteration behavior.
type IterOptions struct {
	DropDuplicates bool
	DropUnlabeled  bool
}

// DefaultIterOptions returns the default options for iterating records.
func DefaultIterOptions() IterOptions {
	return IterOptions{
		DropDuplicates: true,
		DropUnlabeled:  true,
	}
}

// GetDefinition reads model.yaml.
func (s *Storage) GetDefinition() (*Definition, error) {
	return LoadDefinition(filepath.Join(s.Folder, "model.yaml"))
}

// GetIndex reads the index file.
func (s *Storage) GetIndex() (map[string]indexEntry, error) {
	data, err := os.ReadFile(filepath.Join(s.Folder, "index.json"))
	if err != nil {
		return nil, err
	}
	var index map[string]indexEntry
	if err := json.Unmarshal(data, &index); err != nil {
		return nil, err
	}
	return index, nil
}

// IterRecords loads every record of the index, ordered by group and id.
// Records whose files cannot be read or disagree in length are skipped with
// a warning.
func (s *Storage) IterRecords(opts IterOptions) ([]Record, error) {
	index, err := s.GetIndex()
	if err != nil {
		return nil, fmt.Errorf("get index: %w", err)
	}

	ids := make([]string, 0, len(index))
	for id := range index {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		gi, gj := index[ids[i]].Group, index[ids[j]].Group
		if gi != gj {
			return gi < gj
		}
		return ids[i] < ids[j]
	})

	seen := make(map[string]bool)
	var records []Record
	for _, id := range ids {
		rec, err := s.load(id, index[id])
		if err != nil {
			slog.Warn("Cannot read record", "id", id, "error", err)
			continue
		}
		if opts.DropUnlabeled && rec.Labels == nil {
			continue
		}
		if opts.DropDuplicates {
			h := md5.New()
			h.Write(rec.Residues)
			for _, l := range rec.Labels {
				h.Write([]byte{0})
				h.Write([]byte(l))
			}
			hash := fmt.Sprintf("%x", h.Sum(nil))
			if seen[hash] {
				slog.Debug("Skipping duplicate record", "id", id)
				continue
			}
			seen[hash] = true
		}
		records = append(records, rec)
	}
	return records, nil
}

func (s *Storage) load(id string, e indexEntry) (Record, error) {
	rec := Record{ID: id, Group: e.Group}
	if rec.Group == "" {
		rec.Group = id
	}
	var err error
	if rec.Residues, err = ReadSequence(filepath.Join(s.Folder, e.Sequence)); err != nil {
		return rec, err
	}
	if e.Labels != "" {
		if rec.Labels, err = ReadLabels(filepath.Join(s.Folder, e.Labels)); err != nil {
			return rec, err
		}
		if len(rec.Labels) != len(rec.Residues) {
			return rec, fmt.Errorf("%d labels for %d residues", len(rec.Labels), len(rec.Residues))
		}
	}
	for name, path := range e.Tracks {
		track, err := ReadTrack(filepath.Join(s.Folder, path))
		if err != nil {
			return rec, fmt.Errorf("track %s: %w", name, err)
		}
		if len(track) != len(rec.Residues) {
			return rec, fmt.Errorf("track %s has %d values for %d residues", name, len(track), len(rec.Residues))
		}
		if rec.Tracks == nil {
			rec.Tracks = make(map[string][]float64)
		}
		rec.Tracks[name] = track
	}
	return rec, nil
}

// ReadSequence reads a FASTA-like file: '>' header lines are ignored and the
// remaining lines are concatenated and normalized.
func ReadSequence(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return ParseSequence(f)
}

// ParseSequence parses FASTA-like text from r.
func ParseSequence(r io.Reader) ([]byte, error) {
	var buf strings.Builder
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, ">") || strings.HasPrefix(line, ";") {
			continue
		}
		buf.WriteString(line)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return sequtil.Normalize(buf.String()), nil
}

// FastaRecord is one entry of a multi-record FASTA file.
type FastaRecord struct {
	ID       string
	Residues []byte
}

// ParseFASTA splits FASTA text into records. The ID is the first word of the
// '>' header; text before any header forms a record with an empty ID.
func ParseFASTA(r io.Reader) ([]FastaRecord, error) {
	var records []FastaRecord
	var id string
	var buf strings.Builder
	started := false
	flush := func() {
		if started || buf.Len() > 0 {
			records = append(records, FastaRecord{ID: id, Residues: sequtil.Normalize(buf.String())})
		}
		buf.Reset()
	}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, ">"):
			flush()
			started = true
			id = ""
			if fields := strings.Fields(line[1:]); len(fields) > 0 {
				id = fields[0]
			}
		case strings.HasPrefix(line, ";"):
		default:
			buf.WriteString(line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	flush()
	return records, nil
}

// ReadLabels reads a run-length label file.
func ReadLabels(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return ParseLabels(f)
}

// ParseLabels parses run-length labels: one "<state> [count]" run per line,
// count defaulting to 1. Blank lines and lines starting with '#' are skipped.
func ParseLabels(r io.Reader) ([]string, error) {
	var labels []string
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 || strings.HasPrefix(fields[0], "#") {
			continue
		}
		count := 1
		switch len(fields) {
		case 1:
		case 2:
			n, err := strconv.Atoi(fields[1])
			if err != nil || n < 1 {
				return nil, fmt.Errorf("line %d: bad run length %q", line, fields[1])
			}
			count = n
		default:
			return nil, fmt.Errorf("line %d: want \"<state> [count]\"", line)
		}
		for range count {
			labels = append(labels, fields[0])
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return labels, nil
}

// ReadTrack reads whitespace-separated real values.
func ReadTrack(path string) ([]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return ParseTrack(f)
}

// ParseTrack parses whitespace-separated real values from r.
func ParseTrack(r io.Reader) ([]float64, error) {
	var out []float64
	sc := bufio.NewScanner(r)
	sc.Split(bufio.ScanWords)
	for sc.Scan() {
		v, err := strconv.ParseFloat(sc.Text(), 64)
		if err != nil {
			return nil, fmt.Errorf("value %d: %w", len(out), err)
		}
		out = append(out, v)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
