// Package template resolves {{key}} placeholders against a run context and
// parses the plain-text output workers send back.
package template

import (
	"regexp"
	"strings"
)

var placeholderRE = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.\-]+)\s*\}\}`)

// Resolve replaces every {{key}} in tmpl with the matching context value.
// Lookup is exact first, then case-insensitive. Keys with no value render as
// "[missing: key]" so the gap is visible to the worker.
func Resolve(tmpl string, vars map[string]string) string {
	if !strings.Contains(tmpl, "{{") {
		return tmpl
	}
	return placeholderRE.ReplaceAllStringFunc(tmpl, func(m string) string {
		key := placeholderRE.FindStringSubmatch(m)[1]
		if v, ok := lookup(vars, key); ok {
			return v
		}
		return "[missing: " + key + "]"
	})
}

// Missing lists the distinct placeholder keys in tmpl that vars cannot
// satisfy, in order of first appearance.
func Missing(tmpl string, vars map[string]string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, m := range placeholderRE.FindAllStringSubmatch(tmpl, -1) {
		key := m[1]
		if seen[key] {
			continue
		}
		seen[key] = true
		if _, ok := lookup(vars, key); !ok {
			out = append(out, key)
		}
	}
	return out
}

func lookup(vars map[string]string, key string) (string, bool) {
	if v, ok := vars[key]; ok {
		return v, true
	}
	lk := strings.ToLower(key)
	// A key that is already lower-case wins over other spellings.
	if v, ok := vars[lk]; ok {
		return v, true
	}
	for k, v := range vars {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return "", false
}
