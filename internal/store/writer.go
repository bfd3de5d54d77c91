// Package store persists pipeline reports: JSON documents, append-only logs,
// a SHA-256 manifest, the evidence bundle and its optional S3 archive.
package store

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Writer saves report files under one output directory.
// Every file it touches is recorded for the manifest.
// Safe for concurrent use.
type Writer struct {
	outputDir string
	mu        sync.Mutex
	files     []string // relative paths, first-write order
	known     map[string]bool
}

// FileHash records the SHA-256 hash of a report file.
type FileHash struct {
	File   string `json:"file"`
	SHA256 string `json:"sha256"`
	Size   int    `json:"size"`
}

// Manifest lists report file hashes for integrity checks.
type Manifest struct {
	GeneratedAt time.Time  `json:"generated_at"`
	Hostname    string     `json:"hostname"`
	Files       []FileHash `json:"files"`
}

// NewWriter creates a Writer for outputDir, creating it if needed.
func NewWriter(outputDir string) (*Writer, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	return &Writer{outputDir: outputDir, known: make(map[string]bool)}, nil
}

// OutputDir returns the output directory path.
func (w *Writer) OutputDir() string {
	return w.outputDir
}

// Path resolves rel against the output directory.
func (w *Writer) Path(rel string) string {
	return filepath.Join(w.outputDir, filepath.FromSlash(rel))
}

// SaveJSON writes v as indented JSON to rel, replacing any previous content.
func (w *Writer) SaveJSON(rel string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", rel, err)
	}
	return w.SaveBytes(rel, data)
}

// SaveBytes writes data to rel, replacing any previous content.
func (w *Writer) SaveBytes(rel string, data []byte) error {
	path := w.Path(rel)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create dir for %s: %w", rel, err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", rel, err)
	}
	w.track(rel)
	return nil
}

// AppendLine appends line plus a newline to rel.
func (w *Writer) AppendLine(rel, line string) error {
	path := w.Path(rel)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create dir for %s: %w", rel, err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open %s: %w", rel, err)
	}
	if _, err := f.WriteString(line + "\n"); err != nil {
		f.Close()
		return fmt.Errorf("append %s: %w", rel, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", rel, err)
	}
	w.trackLocked(rel)
	return nil
}

// AppendJSONLine appends v as one compact JSON line to rel.
func (w *Writer) AppendJSONLine(rel string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", rel, err)
	}
	return w.AppendLine(rel, string(data))
}

// AppendLog appends a "[timestamp] message" line to rel.
func (w *Writer) AppendLog(rel, msg string) error {
	return w.AppendLine(rel, fmt.Sprintf("[%s] %s", time.Now().Format("2006-01-02 15:04:05"), msg))
}

func (w *Writer) track(rel string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.trackLocked(rel)
}

func (w *Writer) trackLocked(rel string) {
	if w.known[rel] {
		return
	}
	w.known[rel] = true
	w.files = append(w.files, rel)
}

// Hashes computes the current hash of every file the writer has touched.
// Files removed since they were written are skipped.
func (w *Writer) Hashes() []FileHash {
	w.mu.Lock()
	files := make([]string, len(w.files))
	copy(files, w.files)
	w.mu.Unlock()

	hashes := make([]FileHash, 0, len(files))
	for _, rel := range files {
		data, err := os.ReadFile(w.Path(rel))
		if err != nil {
			continue
		}
		hashes = append(hashes, FileHash{File: rel, SHA256: sha256Hex(data), Size: len(data)})
	}
	return hashes
}

// SaveManifest writes manifest.json covering every file written so far.
func (w *Writer) SaveManifest(hostname string) error {
	manifest := Manifest{
		GeneratedAt: time.Now().UTC(),
		Hostname:    hostname,
		Files:       w.Hashes(),
	}
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	return os.WriteFile(w.Path("manifest.json"), data, 0644)
}

// sha256Hex computes the SHA-256 hex digest of data.
func sha256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
