package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// UnknownVersion is reported when no version marker has been written yet.
const UnknownVersion = "0.0.0"

// Marker reads and writes the installed version marker. A marker ending in
// .json is treated as a document with a top-level "version" field (for
// example package.json); anything else holds the bare version string.
type Marker struct {
	path string
}

func NewMarker(path string) *Marker {
	return &Marker{path: path}
}

func (m *Marker) Path() string { return m.path }

func (m *Marker) isJSON() bool {
	return strings.EqualFold(filepath.Ext(m.path), ".json")
}

// Read returns the installed version, or UnknownVersion when the marker does
// not exist.
func (m *Marker) Read() (string, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return UnknownVersion, nil
		}
		return "", fmt.Errorf("manifest: read marker: %w", err)
	}

	if !m.isJSON() {
		v := NormalizeVersion(string(data))
		if v == "" {
			return UnknownVersion, nil
		}
		return v, nil
	}

	var doc struct {
		Version string `json:"version"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return "", fmt.Errorf("manifest: parse marker %s: %w", m.path, err)
	}
	if doc.Version == "" {
		return UnknownVersion, nil
	}
	return NormalizeVersion(doc.Version), nil
}

// Write records v as the installed version. JSON markers keep every other
// field of the existing document.
func (m *Marker) Write(v string) error {
	v = NormalizeVersion(v)
	if err := os.MkdirAll(filepath.Dir(m.path), 0755); err != nil {
		return fmt.Errorf("manifest: write marker: %w", err)
	}

	var data []byte
	if m.isJSON() {
		doc := map[string]any{}
		if existing, err := os.ReadFile(m.path); err == nil {
			if err := json.Unmarshal(existing, &doc); err != nil {
				return fmt.Errorf("manifest: parse marker %s: %w", m.path, err)
			}
		}
		doc["version"] = v
		out, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			return err
		}
		data = append(out, '\n')
	} else {
		data = []byte(v + "\n")
	}

	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("manifest: write marker: %w", err)
	}
	return os.Rename(tmp, m.path)
}
