package template

import (
	"regexp"
	"strings"
)

// StoriesField is the reserved output key that seeds loop stories.
const StoriesField = "stories_json"

var fieldRE = regexp.MustCompile(`^([A-Z_]+):\s*(.*)$`)

// Output is the parsed form of a worker's completion text.
type Output struct {
	// Fields holds every KEY: value pair except STORIES_JSON, with keys
	// lower-cased and values trimmed.
	Fields map[string]string

	// StoriesJSON is the raw STORIES_JSON value, if present.
	StoriesJSON string
	HasStories  bool
}

// ParseOutput reads the KEY: value mini-grammar. A line starting with an
// upper-case key and a colon opens a field; following lines that do not open
// a field are appended to it. Text before the first field is ignored. A key
// repeated later in the text overwrites the earlier value.
func ParseOutput(text string) Output {
	out := Output{Fields: make(map[string]string)}

	var (
		key  string
		buf  []string
		open bool
	)
	flush := func() {
		if !open {
			return
		}
		val := strings.TrimSpace(strings.Join(buf, "\n"))
		if key == StoriesField {
			out.StoriesJSON = val
			out.HasStories = true
		} else {
			out.Fields[key] = val
		}
	}

	text = strings.ReplaceAll(text, "\r\n", "\n")
	for _, line := range strings.Split(text, "\n") {
		if m := fieldRE.FindStringSubmatch(line); m != nil {
			flush()
			key = strings.ToLower(m[1])
			buf = buf[:0]
			if m[2] != "" {
				buf = append(buf, m[2])
			}
			open = true
			continue
		}
		if open {
			buf = append(buf, line)
		}
	}
	flush()
	return out
}
