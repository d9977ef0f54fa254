package server

import (
	"bytes"
	"errors"
	"io/fs"
	"net/http"
	"path"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rathix/chat-devserver/internal/plugin"
	"github.com/rathix/chat-devserver/internal/resolve"
)

// ErrOutsideRoot is returned when an alias resolves to a file the server must
// not expose.
var ErrOutsideRoot = errors.New("path resolves outside the project root")

// StaticHandler serves the project source tree. Request paths beginning with
// an alias (for example /@/components/App.vue) are rewritten through the
// resolver. Extensionless paths that match no file fall back to index.html
// for client-side routing, while misses with an extension return 404.
type StaticHandler struct {
	root       string
	fileServer http.Handler
	filesystem fs.FS
	plugins    plugin.Chain
	transform  func([]byte) []byte
	resolver   atomic.Pointer[resolve.Resolver]
}

// NewStaticHandler serves filesystem, which holds the contents of root. The
// absolute root is needed to map alias targets back into filesystem.
// transform runs on index.html after the plugins and may be nil.
func NewStaticHandler(root string, filesystem fs.FS, resolver *resolve.Resolver, plugins plugin.Chain, transform func([]byte) []byte) *StaticHandler {
	h := &StaticHandler{
		root:       filepath.Clean(root),
		fileServer: http.FileServer(http.FS(filesystem)),
		filesystem: filesystem,
		plugins:    plugins,
		transform:  transform,
	}
	if resolver == nil {
		resolver = resolve.New(nil)
	}
	h.resolver.Store(resolver)
	return h
}

// SetResolver replaces the alias table.
func (h *StaticHandler) SetResolver(r *resolve.Resolver) {
	h.resolver.Store(r)
}

func (h *StaticHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-cache")

	urlPath := r.URL.Path
	if urlPath == "/" || urlPath == "/index.html" {
		h.serveIndex(w, r)
		return
	}

	filePath, err := h.lookup(urlPath[1:])
	if errors.Is(err, ErrOutsideRoot) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}
	if err == nil {
		h.serveFile(w, r, filePath)
		return
	}

	// Paths with extensions (e.g., .css, .js, .png) are real file requests
	// and should return 404 to avoid MIME-type mismatches.
	if path.Ext(urlPath) != "" {
		http.NotFound(w, r)
		return
	}

	h.serveIndex(w, r)
}

// lookup maps a request path (without the leading slash) to a path inside
// the filesystem. Aliases are tried first, then the plain path, then the
// path with each plugin extension appended.
func (h *StaticHandler) lookup(name string) (string, error) {
	if abs, ok := h.resolver.Load().Resolve(name); ok {
		rel, err := filepath.Rel(h.root, abs)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return "", ErrOutsideRoot
		}
		name = filepath.ToSlash(rel)
	}

	if h.isFile(name) {
		return name, nil
	}
	if path.Ext(name) == "" {
		for _, ext := range h.plugins.Extensions() {
			if h.isFile(name + ext) {
				return name + ext, nil
			}
		}
	}
	return "", fs.ErrNotExist
}

func (h *StaticHandler) isFile(name string) bool {
	if !fs.ValidPath(name) {
		return false
	}
	info, err := fs.Stat(h.filesystem, name)
	return err == nil && !info.IsDir()
}

func (h *StaticHandler) serveFile(w http.ResponseWriter, r *http.Request, name string) {
	if ct, ok := h.plugins.ContentType(path.Ext(name)); ok {
		w.Header().Set("Content-Type", ct)
	}
	r2 := r.Clone(r.Context())
	r2.URL.Path = "/" + name
	r2.URL.RawPath = ""
	h.fileServer.ServeHTTP(w, r2)
}

// serveIndex writes index.html after plugin and server transforms.
func (h *StaticHandler) serveIndex(w http.ResponseWriter, r *http.Request) {
	html, err := fs.ReadFile(h.filesystem, "index.html")
	if err != nil {
		http.NotFound(w, r)
		return
	}
	html = h.plugins.TransformIndexHTML(html)
	if h.transform != nil {
		html = h.transform(html)
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	http.ServeContent(w, r, "index.html", time.Time{}, bytes.NewReader(html))
}
