// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package output manages the per-run directory and the files written into
// it: the extraction results (JSONL) and the run manifest (YAML).
package output

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.yaml.in/yaml/v3"

	"github.com/pdiddy/clinical-extract/pkg/types"
)

// File names inside a run directory.
const (
	ResultsFile       = "extraction_results.jsonl"
	VisualizationFile = "visualization.html"
	ManifestFile      = "run.yaml"
	LogFile           = "run.log"
)

// maxLineSize bounds a single JSONL record.
const maxLineSize = 64 << 20

// RunID names a run by its start time.
func RunID(t time.Time) string {
	return "run-" + t.Format("20060102-150405")
}

// RunDir creates root/RunID(t) with parents and returns its path. An
// existing directory is reused.
func RunDir(root string, t time.Time) (string, error) {
	dir := filepath.Join(root, RunID(t))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating run directory: %w", err)
	}
	return dir, nil
}

// SaveJSONL writes one document per line. HTML characters are not escaped
// so clinical text stays readable.
func SaveJSONL(path string, docs []types.AnnotatedDocument) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, d := range docs {
		if err := enc.Encode(d); err != nil {
			return fmt.Errorf("encoding document %d: %w", i, err)
		}
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// LoadJSONL reads documents written by SaveJSONL. Blank lines are skipped.
func LoadJSONL(path string) ([]types.AnnotatedDocument, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	var docs []types.AnnotatedDocument
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	line := 0
	for sc.Scan() {
		line++
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		var d types.AnnotatedDocument
		if err := json.Unmarshal(raw, &d); err != nil {
			return nil, fmt.Errorf("%s line %d: %w", path, line, err)
		}
		docs = append(docs, d)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return docs, nil
}

// CountLines returns the number of non-empty lines in path.
func CountLines(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	n := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for sc.Scan() {
		if len(bytes.TrimSpace(sc.Bytes())) > 0 {
			n++
		}
	}
	return n, sc.Err()
}

// Manifest summarizes a run for later inspection.
type Manifest struct {
	RunID      string    `yaml:"run_id"`
	Task       string    `yaml:"task"`
	DocumentID string    `yaml:"document_id"`
	StartedAt  time.Time `yaml:"started_at"`
	FinishedAt time.Time `yaml:"finished_at"`
	Duration   string    `yaml:"duration"`

	Provider    string   `yaml:"provider"`
	Model       string   `yaml:"model"`
	ModelsSeen  []string `yaml:"models_reported,omitempty"`
	BaseURLSet  bool     `yaml:"base_url_set"`
	Temperature float64  `yaml:"temperature"`

	Settings types.ExtractionConfig `yaml:"settings"`
	Chunks   int                    `yaml:"chunks"`
	Usage    types.Usage            `yaml:"usage"`

	Extractions int            `yaml:"extractions"`
	Unaligned   int            `yaml:"unaligned"`
	Classes     map[string]int `yaml:"classes,omitempty"`

	Files map[string]string `yaml:"files"`
}

// NewManifest fills the document-derived fields of a manifest.
func NewManifest(runID string, doc types.AnnotatedDocument) Manifest {
	m := Manifest{
		RunID:       runID,
		DocumentID:  doc.DocumentID,
		Extractions: len(doc.Extractions),
		Classes:     doc.ClassCounts(),
		Files: map[string]string{
			"results":       ResultsFile,
			"visualization": VisualizationFile,
			"log":           LogFile,
		},
	}
	for _, e := range doc.Extractions {
		if !e.Aligned() {
			m.Unaligned++
		}
	}
	return m
}

// WriteManifest writes m as YAML.
func WriteManifest(path string, m Manifest) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshaling manifest: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// ReadManifest reads a manifest written by WriteManifest.
func ReadManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("reading manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("parsing manifest %s: %w", path, err)
	}
	return m, nil
}
