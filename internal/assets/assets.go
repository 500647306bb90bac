// Package assets serves the static widget HTML/CSS/JS artifacts the
// Tool/Asset Plane advertises as MCP resource templates
// (ui://widget/<widget>.html). Unlike an embed.FS-backed asset bundle,
// content is re-read from disk on every request so UI rebuilds propagate
// without a server restart, per spec.md §4.7.
package assets

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// mimeTypes maps a file extension to its Content-Type, covering the widget
// artifact kinds the call-panel and call-summary widgets ship.
var mimeTypes = map[string]string{
	".html": "text/html; charset=utf-8",
	".js":   "text/javascript; charset=utf-8",
	".css":  "text/css; charset=utf-8",
	".png":  "image/png",
	".svg":  "image/svg+xml",
	".json": "application/json; charset=utf-8",
}

// Manifest is an optional widget-metadata descriptor (widgets.yaml) listing
// which widget names are published and their display titles. It is purely
// informational; HandleAsset does not require a manifest entry to serve a
// file.
type Manifest struct {
	Widgets []WidgetEntry `yaml:"widgets"`
}

// WidgetEntry describes one advertised widget artifact.
type WidgetEntry struct {
	Name  string `yaml:"name"`
	Title string `yaml:"title"`
	File  string `yaml:"file"`
}

// LoadManifest parses a widgets.yaml manifest from path. A missing file is
// not an error: it returns an empty [Manifest], since the manifest is
// optional metadata rather than a required index.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Manifest{}, nil
		}
		return nil, fmt.Errorf("assets: read manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("assets: parse manifest: %w", err)
	}
	return &m, nil
}

// Registry serves static artifacts from a root directory on disk.
type Registry struct {
	root     string
	manifest *Manifest
}

// New creates a [Registry] rooted at dir. manifest may be nil.
func New(dir string, manifest *Manifest) *Registry {
	if manifest == nil {
		manifest = &Manifest{}
	}
	return &Registry{root: dir, manifest: manifest}
}

// Manifest returns the registry's widget manifest.
func (r *Registry) Manifest() *Manifest {
	return r.manifest
}

// ServeHTTP serves /assets/<name> by re-reading <root>/<name> from disk on
// every request. Rejects any path escaping root.
func (r *Registry) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	name := strings.TrimPrefix(req.URL.Path, "/assets/")
	if name == "" || strings.Contains(name, "..") || strings.HasPrefix(name, "/") {
		http.Error(w, "invalid asset path", http.StatusBadRequest)
		return
	}

	full := filepath.Join(r.root, filepath.FromSlash(name))
	if !strings.HasPrefix(full, filepath.Clean(r.root)+string(filepath.Separator)) {
		http.Error(w, "invalid asset path", http.StatusBadRequest)
		return
	}

	data, err := os.ReadFile(full)
	if err != nil {
		if os.IsNotExist(err) {
			http.NotFound(w, req)
			return
		}
		http.Error(w, "failed to read asset", http.StatusInternalServerError)
		return
	}

	ext := strings.ToLower(filepath.Ext(full))
	contentType, ok := mimeTypes[ext]
	if !ok {
		contentType = "application/octet-stream"
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
