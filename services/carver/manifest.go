package carver

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Manifest describes one downloaded carve. It is written next to the archive as
// <session_id>.manifest.yaml.
type Manifest struct {
	Host         string      `yaml:"host" json:"host"`
	QueryID      string      `yaml:"query_id" json:"query_id"`
	SessionID    string      `yaml:"session_id" json:"session_id"`
	Archive      string      `yaml:"archive" json:"archive"`
	ExtractDir   string      `yaml:"extract_dir" json:"extract_dir"`
	SHA256       string      `yaml:"sha256" json:"sha256"`
	Size         int64       `yaml:"size" json:"size"`
	DownloadedAt time.Time   `yaml:"downloaded_at" json:"downloaded_at"`
	Files        []string    `yaml:"files,omitempty" json:"files,omitempty"`
	Sealed       *SealedFile `yaml:"sealed,omitempty" json:"sealed,omitempty"`
	MirrorURL    string      `yaml:"mirror_url,omitempty" json:"mirror_url,omitempty"`
}

// Encrypted reports whether the plaintext archive was replaced by an age file.
func (m Manifest) Encrypted() bool { return m.Sealed != nil }

// StoredFile returns the path, digest and size of the archive as it exists on disk now.
func (m Manifest) StoredFile() (path, sha256 string, size int64) {
	if m.Sealed != nil {
		return m.Sealed.Path, m.Sealed.SHA256, m.Sealed.Size
	}
	return m.Archive, m.SHA256, m.Size
}

func manifestPath(dir, sessionID string) string {
	return filepath.Join(dir, sessionID+".manifest.yaml")
}

// WriteManifest stores m in dir and returns the file path.
func WriteManifest(dir string, m Manifest) (string, error) {
	data, err := yaml.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("marshal manifest: %w", err)
	}
	path := manifestPath(dir, m.SessionID)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write manifest: %w", err)
	}
	return path, nil
}

// ReadManifest loads a manifest written by WriteManifest.
func ReadManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("unmarshal manifest: %w", err)
	}
	return m, nil
}
