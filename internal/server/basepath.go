package server

import (
	"fmt"
	"net/http"
	"strings"
)

// NormalizeBasePath ensures the base path starts and ends with '/'.
func NormalizeBasePath(basePath string) string {
	if basePath == "" {
		return "/"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if !strings.HasSuffix(basePath, "/") {
		basePath = basePath + "/"
	}
	return basePath
}

// BasePathHandler serves the application under a public base path. The base
// is stripped before the inner handler sees the request; the site root
// redirects to the base and any other path outside it is a 404 that names
// the URL the user probably meant.
type BasePathHandler struct {
	basePath string
	inner    http.Handler
}

// NewBasePathHandler mounts inner at basePath. If basePath is "/", it returns
// the inner handler directly (no-op wrapper).
func NewBasePathHandler(basePath string, inner http.Handler) http.Handler {
	bp := NormalizeBasePath(basePath)
	if bp == "/" {
		return inner
	}
	return &BasePathHandler{
		basePath: bp,
		inner:    inner,
	}
}

func (h *BasePathHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.URL.Path, h.basePath) {
		h.serveStripped(w, r, "/"+strings.TrimPrefix(r.URL.Path, h.basePath))
		return
	}
	// Exact base path without trailing slash
	if r.URL.Path+"/" == h.basePath {
		h.serveStripped(w, r, "/")
		return
	}
	if r.URL.Path == "/" {
		http.Redirect(w, r, h.basePath, http.StatusFound)
		return
	}

	suggestion := h.basePath + strings.TrimPrefix(r.URL.Path, "/")
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusNotFound)
	fmt.Fprintf(w, "The server is configured with a public base URL of %s - did you mean to visit %s instead?\n", h.basePath, suggestion)
}

func (h *BasePathHandler) serveStripped(w http.ResponseWriter, r *http.Request, stripped string) {
	r2 := r.Clone(r.Context())
	r2.URL.Path = stripped
	r2.URL.RawPath = ""
	h.inner.ServeHTTP(w, r2)
}
