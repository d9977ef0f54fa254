// Package resolve rewrites aliased import specifiers to filesystem paths.
package resolve

import (
	"path/filepath"
	"sort"
	"strings"
)

// Resolver maps alias prefixes to directories. It is immutable once built
// and safe for concurrent use.
type Resolver struct {
	keys    []string
	targets map[string]string
}

// New builds a Resolver from an alias map. Empty keys are ignored.
func New(alias map[string]string) *Resolver {
	r := &Resolver{targets: make(map[string]string, len(alias))}
	for k, v := range alias {
		if k == "" {
			continue
		}
		r.keys = append(r.keys, k)
		r.targets[k] = v
	}
	// Longest key first so "@/lib" wins over "@".
	sort.Slice(r.keys, func(i, j int) bool {
		if len(r.keys[i]) != len(r.keys[j]) {
			return len(r.keys[i]) > len(r.keys[j])
		}
		return r.keys[i] < r.keys[j]
	})
	return r
}

// Resolve rewrites spec when it equals an alias key or starts with the key
// followed by '/'. It reports false when no alias applies.
func (r *Resolver) Resolve(spec string) (string, bool) {
	for _, k := range r.keys {
		if spec == k {
			return filepath.Clean(r.targets[k]), true
		}
		if rest, ok := strings.CutPrefix(spec, k+"/"); ok {
			return filepath.Join(r.targets[k], filepath.FromSlash(rest)), true
		}
	}
	return "", false
}

// Aliases returns the alias keys in match order.
func (r *Resolver) Aliases() []string {
	out := make([]string, len(r.keys))
	copy(out, r.keys)
	return out
}

// Len returns the number of aliases.
func (r *Resolver) Len() int {
	return len(r.keys)
}
