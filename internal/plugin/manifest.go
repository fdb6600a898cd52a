// Package plugin handles plugin manifests and on-disk plugin bundles.
// A bundle is a directory with a plugin.yaml manifest next to a main.js
// entry point; the installer (out of scope here) writes bundles to disk and
// the host feeds their source into the sandbox manager.
package plugin

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Manifest is the plugin metadata declared by the author. It is read-only
// from the sandbox's perspective: the manager holds a reference and exposes
// Settings through the plugin API, never mutating it.
type Manifest struct {
	// Identity.
	Name        string `yaml:"name" json:"name"`
	Version     string `yaml:"version" json:"version"`
	Description string `yaml:"description" json:"description"`
	Author      string `yaml:"author" json:"author"`
	License     string `yaml:"license" json:"license"`
	Homepage    string `yaml:"homepage" json:"homepage"`

	// Requested execution tier. Validated against the sandbox enumeration
	// at creation time; an unknown level is a configuration error there.
	PermissionLevel string `yaml:"permission_level" json:"permission_level"`

	// Declared settings, surfaced to the plugin via getConfig().
	Settings map[string]any `yaml:"settings" json:"settings"`

	// Integrity.
	ContentHash string `yaml:"content_hash" json:"content_hash"`

	// Set by the loader (not in YAML).
	SourceDir string `yaml:"-" json:"source_dir"`
}

// ParseManifest decodes a plugin.yaml document.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing plugin manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks the required fields.
func (m *Manifest) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("plugin manifest: name is required")
	}
	if err := m.ValidateVersion(); err != nil {
		return err
	}
	return nil
}

// semverRe matches basic semver (major.minor.patch, optional pre-release/build).
var semverRe = regexp.MustCompile(`^(\d+)\.(\d+)\.(\d+)(-[a-zA-Z0-9.]+)?(\+[a-zA-Z0-9.]+)?$`)

// ValidateVersion checks that version follows semver.
func (m *Manifest) ValidateVersion() error {
	if m.Version == "" {
		return fmt.Errorf("plugin manifest: version is required")
	}
	if !semverRe.MatchString(m.Version) {
		return fmt.Errorf("plugin manifest: version %q is not valid semver (expected MAJOR.MINOR.PATCH)", m.Version)
	}
	return nil
}

// ValidateIntegrity checks the declared content hash against the entry
// point source. An empty hash skips the check.
func (m *Manifest) ValidateIntegrity(source []byte) error {
	if m.ContentHash == "" {
		return nil
	}

	hash := sha256.Sum256(source)
	computed := "sha256:" + hex.EncodeToString(hash[:])

	expected := m.ContentHash
	if !strings.HasPrefix(expected, "sha256:") {
		expected = "sha256:" + expected
	}

	if computed != expected {
		return fmt.Errorf("plugin %s: content_hash mismatch: expected %s, got %s", m.Name, m.ContentHash, computed)
	}
	return nil
}

// ID derives the registry key for the plugin: lowercase name with spaces
// collapsed to hyphens.
func (m *Manifest) ID() string {
	id := strings.ToLower(strings.TrimSpace(m.Name))
	return strings.Join(strings.Fields(id), "-")
}
