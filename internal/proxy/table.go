// Package proxy forwards matching dev-server requests, including upgraded
// WebSocket connections, to backend processes.
package proxy

import (
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"

	"github.com/rathix/chat-devserver/internal/config"
)

// Route is one compiled proxy rule.
type Route struct {
	Key  string
	Rule config.ProxyRule

	// dial is the target with ws/wss mapped to http/https.
	dial *url.URL
	re   *regexp.Regexp
}

// Target returns the URL requests are forwarded to.
func (r *Route) Target() *url.URL {
	u := *r.dial
	return &u
}

// Matches reports whether path is routed to r.
func (r *Route) Matches(path string) bool {
	if r.re != nil {
		return r.re.MatchString(path)
	}
	return strings.HasPrefix(path, r.Key)
}

// Table is an immutable set of routes.
type Table struct {
	prefix []*Route
	regex  []*Route
}

// Compile builds a Table from configured rules. Keys starting with '^' are
// regular expressions; all others are path prefixes.
func Compile(rules map[string]config.ProxyRule) (*Table, error) {
	t := &Table{}
	for key, rule := range rules {
		route, err := compileRoute(key, rule)
		if err != nil {
			return nil, err
		}
		if route.re != nil {
			t.regex = append(t.regex, route)
		} else {
			t.prefix = append(t.prefix, route)
		}
	}
	sort.Slice(t.prefix, func(i, j int) bool {
		a, b := t.prefix[i].Key, t.prefix[j].Key
		if len(a) != len(b) {
			return len(a) > len(b)
		}
		return a < b
	})
	sort.Slice(t.regex, func(i, j int) bool {
		return t.regex[i].Key < t.regex[j].Key
	})
	return t, nil
}

func compileRoute(key string, rule config.ProxyRule) (*Route, error) {
	u, err := url.Parse(rule.Target)
	if err != nil {
		return nil, fmt.Errorf("proxy %q: invalid target: %w", key, err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("proxy %q: target %q has no host", key, rule.Target)
	}
	dial := *u
	switch u.Scheme {
	case "ws", "http":
		dial.Scheme = "http"
	case "wss", "https":
		dial.Scheme = "https"
	default:
		return nil, fmt.Errorf("proxy %q: unsupported target scheme %q", key, u.Scheme)
	}

	route := &Route{Key: key, Rule: rule, dial: &dial}
	if strings.HasPrefix(key, "^") {
		re, err := regexp.Compile(key)
		if err != nil {
			return nil, fmt.Errorf("proxy %q: %w", key, err)
		}
		route.re = re
	}
	return route, nil
}

// Match returns the route for path. Prefix routes are tried longest first,
// then regular-expression routes in key order.
func (t *Table) Match(path string) (*Route, bool) {
	if t == nil {
		return nil, false
	}
	for _, r := range t.prefix {
		if r.Matches(path) {
			return r, true
		}
	}
	for _, r := range t.regex {
		if r.Matches(path) {
			return r, true
		}
	}
	return nil, false
}

// Routes returns every route in match order.
func (t *Table) Routes() []*Route {
	if t == nil {
		return nil
	}
	out := make([]*Route, 0, len(t.prefix)+len(t.regex))
	out = append(out, t.prefix...)
	return append(out, t.regex...)
}

// Len returns the number of routes.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.prefix) + len(t.regex)
}
