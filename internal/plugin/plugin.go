// Package plugin holds the framework integrations a dev server can apply.
//
// A Plugin only has to report its name. Behavior is contributed through the
// optional capability interfaces below; the server type-asserts for each one.
package plugin

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rathix/chat-devserver/internal/config"
)

// ErrUnknownPlugin is returned by Build for names with no registered factory.
var ErrUnknownPlugin = errors.New("unknown plugin")

// Plugin is a framework integration.
type Plugin interface {
	Name() string
}

// ExtensionProvider adds source file extensions the server should treat as
// modules.
type ExtensionProvider interface {
	Extensions() []string
}

// ContentTypeProvider maps file extensions to MIME types.
type ContentTypeProvider interface {
	ContentTypes() map[string]string
}

// IndexHTMLTransformer rewrites index.html before it is served.
type IndexHTMLTransformer interface {
	TransformIndexHTML(html []byte) []byte
}

// Factory creates a plugin from its options.
type Factory func(options map[string]string) (Plugin, error)

// Registry maps plugin names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns a registry with the built-in plugins registered.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register("vue", NewVue)
	return r
}

// Register adds or replaces the factory for name.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Names returns the registered plugin names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Build instantiates refs in order.
func (r *Registry) Build(refs []config.PluginRef) ([]Plugin, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	plugins := make([]Plugin, 0, len(refs))
	for i, ref := range refs {
		f, ok := r.factories[ref.Name]
		if !ok {
			return nil, fmt.Errorf("plugins[%d]: %w %q", i, ErrUnknownPlugin, ref.Name)
		}
		p, err := f(ref.Options)
		if err != nil {
			return nil, fmt.Errorf("plugins[%d] %q: %w", i, ref.Name, err)
		}
		plugins = append(plugins, p)
	}
	return plugins, nil
}

// Chain is an ordered plugin list with helpers that fold each capability.
type Chain []Plugin

// Extensions collects every extension contributed by the chain.
func (c Chain) Extensions() []string {
	var out []string
	seen := make(map[string]struct{})
	for _, p := range c {
		ep, ok := p.(ExtensionProvider)
		if !ok {
			continue
		}
		for _, ext := range ep.Extensions() {
			if _, dup := seen[ext]; dup {
				continue
			}
			seen[ext] = struct{}{}
			out = append(out, ext)
		}
	}
	return out
}

// ContentType returns the MIME type registered for ext. Later plugins
// override earlier ones.
func (c Chain) ContentType(ext string) (string, bool) {
	var (
		ct    string
		found bool
	)
	for _, p := range c {
		cp, ok := p.(ContentTypeProvider)
		if !ok {
			continue
		}
		if v, ok := cp.ContentTypes()[ext]; ok {
			ct, found = v, true
		}
	}
	return ct, found
}

// TransformIndexHTML runs every transformer in order.
func (c Chain) TransformIndexHTML(html []byte) []byte {
	for _, p := range c {
		if t, ok := p.(IndexHTMLTransformer); ok {
			html = t.TransformIndexHTML(html)
		}
	}
	return html
}
