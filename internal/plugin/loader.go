package plugin

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

const (
	manifestFile = "plugin.yaml"
	entryFile    = "main.js"

	// maxSourceBytes caps how much plugin source the loader will read.
	// Anything larger is a broken or hostile bundle.
	maxSourceBytes = 4 << 20 // 4 MB
)

// Bundle is one discovered plugin on disk.
type Bundle struct {
	Manifest  *Manifest
	EntryPath string
}

// DirLoader discovers plugin bundles under a root directory and reads their
// files. It implements the sandbox manager's file-reading collaborator:
// reads are confined to the root, so a path outside it is rejected before
// touching the disk.
type DirLoader struct {
	root   string
	logger *slog.Logger
}

// NewDirLoader creates a loader rooted at dir.
func NewDirLoader(dir string, logger *slog.Logger) (*DirLoader, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving plugin root %q: %w", dir, err)
	}
	return &DirLoader{root: abs, logger: logger}, nil
}

// Root returns the absolute plugin root directory.
func (l *DirLoader) Root() string { return l.root }

// ReadFile reads a plugin file, refusing paths that escape the root.
func (l *DirLoader) ReadFile(path string) ([]byte, error) {
	resolved := path
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(l.root, resolved)
	}
	resolved = filepath.Clean(resolved)

	rel, err := filepath.Rel(l.root, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return nil, fmt.Errorf("path %q is outside the plugin root", path)
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return nil, err
	}
	if info.Size() > maxSourceBytes {
		return nil, fmt.Errorf("plugin file %q is too large (%d bytes, max %d)", path, info.Size(), maxSourceBytes)
	}
	return os.ReadFile(resolved)
}

// Discover walks the root and returns every valid bundle: a directory
// containing plugin.yaml and main.js. Invalid bundles are logged and
// skipped; one broken plugin must not block the rest.
func (l *DirLoader) Discover() ([]*Bundle, error) {
	entries, err := os.ReadDir(l.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading plugin root %q: %w", l.root, err)
	}

	var bundles []*Bundle
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		bundle, err := l.Load(entry.Name())
		if err != nil {
			l.logger.Warn("skipping invalid plugin bundle",
				slog.String("dir", entry.Name()),
				slog.String("error", err.Error()),
			)
			continue
		}
		bundles = append(bundles, bundle)
	}
	return bundles, nil
}

// Load reads one bundle by directory name under the root, verifying the
// manifest and the entry point's integrity hash.
func (l *DirLoader) Load(name string) (*Bundle, error) {
	dir := filepath.Join(l.root, name)

	manifestData, err := os.ReadFile(filepath.Join(dir, manifestFile))
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	manifest, err := ParseManifest(manifestData)
	if err != nil {
		return nil, err
	}
	manifest.SourceDir = dir

	entryPath := filepath.Join(dir, entryFile)
	source, err := os.ReadFile(entryPath)
	if err != nil {
		return nil, fmt.Errorf("reading entry point: %w", err)
	}
	if err := manifest.ValidateIntegrity(source); err != nil {
		return nil, err
	}

	return &Bundle{Manifest: manifest, EntryPath: entryPath}, nil
}
