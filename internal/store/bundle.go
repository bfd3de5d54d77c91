package store

import (
	"archive/zip"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// BundleInfo is written into the bundle as bundle_info.json.
type BundleInfo struct {
	Version     string       `json:"version"`
	Hostname    string       `json:"hostname"`
	CreatedAt   time.Time    `json:"created_at"`
	ToolVersion string       `json:"tool_version"`
	Files       []BundleFile `json:"files"`
}

// BundleFile records a file included in the bundle.
type BundleFile struct {
	Name   string `json:"name"`
	SHA256 string `json:"sha256"`
	Size   int64  `json:"size"`
}

// ExportBundle zips every regular file under outputDir, recursively, into
// outputDir + ".zip" and returns the archive path. Entries are prefixed with
// the directory's base name.
func ExportBundle(outputDir, hostname, toolVersion string) (string, error) {
	outputDir = filepath.Clean(outputDir)
	zipPath := outputDir + ".zip"

	zipFile, err := os.Create(zipPath)
	if err != nil {
		return "", fmt.Errorf("create zip: %w", err)
	}
	defer zipFile.Close()

	w := zip.NewWriter(zipFile)
	defer w.Close()

	dirBase := filepath.Base(outputDir)
	var files []BundleFile

	err = filepath.WalkDir(outputDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(outputDir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		content, err := os.ReadFile(path)
		if err != nil {
			return nil // vanished or unreadable; bundle the rest
		}
		zf, err := w.Create(dirBase + "/" + rel)
		if err != nil {
			return fmt.Errorf("zip create %s: %w", rel, err)
		}
		if _, err := zf.Write(content); err != nil {
			return fmt.Errorf("zip write %s: %w", rel, err)
		}
		files = append(files, BundleFile{Name: rel, SHA256: sha256Hex(content), Size: int64(len(content))})
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("walk output dir: %w", err)
	}

	info := BundleInfo{
		Version:     "1.0",
		Hostname:    hostname,
		CreatedAt:   time.Now().UTC(),
		ToolVersion: toolVersion,
		Files:       files,
	}
	infoJSON, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal bundle info: %w", err)
	}
	zf, err := w.Create(dirBase + "/bundle_info.json")
	if err != nil {
		return "", fmt.Errorf("zip create bundle_info: %w", err)
	}
	if _, err := zf.Write(infoJSON); err != nil {
		return "", fmt.Errorf("zip write bundle_info: %w", err)
	}

	if err := w.Close(); err != nil {
		return "", fmt.Errorf("close zip writer: %w", err)
	}
	if err := zipFile.Close(); err != nil {
		return "", fmt.Errorf("close zip file: %w", err)
	}
	return zipPath, nil
}

// ObjectKey builds the archive key for a bundle: prefix/<host>/<file>.
func ObjectKey(prefix, hostname, bundlePath string) string {
	parts := []string{}
	if p := strings.Trim(prefix, "/"); p != "" {
		parts = append(parts, p)
	}
	if hostname != "" {
		parts = append(parts, hostname)
	}
	parts = append(parts, filepath.Base(bundlePath))
	return strings.Join(parts, "/")
}
