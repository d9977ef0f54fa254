package plugin

import (
	"bytes"
	"fmt"
	"strconv"
)

// Vue integrates single-file components: .vue sources are served as
// JavaScript modules and index.html gets the compile-time feature flags the
// framework reads at runtime.
type Vue struct {
	optionsAPI   bool
	prodDevtools bool
}

// NewVue builds the vue plugin. Recognized options are "optionsApi" and
// "prodDevtools" (booleans, defaults true and false).
func NewVue(options map[string]string) (Plugin, error) {
	v := &Vue{optionsAPI: true}
	if s, ok := options["optionsApi"]; ok {
		b, err := strconv.ParseBool(s)
		if err != nil {
			return nil, fmt.Errorf("option optionsApi: %w", err)
		}
		v.optionsAPI = b
	}
	if s, ok := options["prodDevtools"]; ok {
		b, err := strconv.ParseBool(s)
		if err != nil {
			return nil, fmt.Errorf("option prodDevtools: %w", err)
		}
		v.prodDevtools = b
	}
	return v, nil
}

func (v *Vue) Name() string { return "vue" }

func (v *Vue) Extensions() []string { return []string{".vue"} }

func (v *Vue) ContentTypes() map[string]string {
	return map[string]string{".vue": "text/javascript; charset=utf-8"}
}

// TransformIndexHTML defines the feature flags in a script placed at the
// start of <head>, or at the top of the document when there is none.
func (v *Vue) TransformIndexHTML(html []byte) []byte {
	snippet := fmt.Sprintf(
		"<script>window.__VUE_OPTIONS_API__=%t;window.__VUE_PROD_DEVTOOLS__=%t;</script>",
		v.optionsAPI, v.prodDevtools,
	)
	return InjectHead(html, []byte(snippet))
}

// InjectHead inserts snippet right after the opening <head> tag.
func InjectHead(html, snippet []byte) []byte {
	i := headTag(lowerASCII(html))
	if i < 0 {
		return append(append([]byte{}, snippet...), html...)
	}
	end := bytes.IndexByte(html[i:], '>')
	if end < 0 {
		return append(append([]byte{}, snippet...), html...)
	}
	at := i + end + 1
	return splice(html, at, snippet)
}

// headTag returns the offset of "<head>" or "<head ...>", skipping <header>.
func headTag(lower []byte) int {
	off := 0
	for {
		i := bytes.Index(lower[off:], []byte("<head"))
		if i < 0 {
			return -1
		}
		at := off + i
		next := at + len("<head")
		if next < len(lower) {
			switch lower[next] {
			case '>', ' ', '\t', '\n', '\r':
				return at
			}
		}
		off = next
	}
}

// InjectBody inserts snippet before the closing </body> tag, or appends it.
func InjectBody(html, snippet []byte) []byte {
	i := bytes.LastIndex(lowerASCII(html), []byte("</body>"))
	if i < 0 {
		return append(append([]byte{}, html...), snippet...)
	}
	return splice(html, i, snippet)
}

// lowerASCII folds only A-Z so offsets into the result are valid in html,
// whatever the document's encoding.
func lowerASCII(html []byte) []byte {
	out := make([]byte, len(html))
	for i, c := range html {
		if 'A' <= c && c <= 'Z' {
			c += 'a' - 'A'
		}
		out[i] = c
	}
	return out
}

func splice(html []byte, at int, snippet []byte) []byte {
	out := make([]byte, 0, len(html)+len(snippet))
	out = append(out, html[:at]...)
	out = append(out, snippet...)
	return append(out, html[at:]...)
}
