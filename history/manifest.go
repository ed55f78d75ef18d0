package history

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// ArchivedFile describes one parquet file produced by an archive run.
type ArchivedFile struct {
	Symbol      string    `json:"symbol"`
	Path        string    `json:"path"`
	SizeBytes   int64     `json:"size_bytes"`
	RecordCount int64     `json:"record_count"`
	ArchivedAt  time.Time `json:"archived_at"`
}

type manifestDocument struct {
	RunID     string         `json:"run_id"`
	StartedAt time.Time      `json:"started_at"`
	WrittenAt time.Time      `json:"written_at"`
	Files     []ArchivedFile `json:"files"`
}

// Manifest accumulates the files written by a single archive run and
// persists them as a JSON document next to the parquet output, so
// downstream loaders can discover what a run produced without listing
// the directory.
type Manifest struct {
	runID     string
	dir       string
	startedAt time.Time
	files     []ArchivedFile
}

// NewManifest returns a manifest rooted at the archive output directory.
func NewManifest(outDir string) *Manifest {
	return &Manifest{
		runID:     uuid.NewString(),
		dir:       outDir,
		startedAt: time.Now(),
	}
}

// Add records a written parquet file.
func (m *Manifest) Add(f ArchivedFile) {
	m.files = append(m.files, f)
}

// Len reports how many files the run has recorded so far.
func (m *Manifest) Len() int {
	return len(m.files)
}

// Write persists the run manifest under <dir>/metadata/run-<id>.json
// and repoints latest.json at it. Returns the manifest path.
func (m *Manifest) Write() (string, error) {
	if len(m.files) == 0 {
		return "", fmt.Errorf("manifest has no files to record")
	}

	metaDir := filepath.Join(m.dir, "metadata")
	if err := os.MkdirAll(metaDir, 0o755); err != nil {
		return "", err
	}

	doc := manifestDocument{
		RunID:     m.runID,
		StartedAt: m.startedAt,
		WrittenAt: time.Now(),
		Files:     m.files,
	}
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", err
	}

	path := filepath.Join(metaDir, fmt.Sprintf("run-%s.json", m.runID))
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return "", err
	}

	latest := map[string]string{
		"run_id":            doc.RunID,
		"manifest_location": path,
	}
	lb, err := json.MarshalIndent(latest, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(metaDir, "latest.json"), lb, 0o644); err != nil {
		return "", err
	}
	return path, nil
}
