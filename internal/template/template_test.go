package template

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/snarktank/antfarm/pkg/api"
)

func TestResolve(t *testing.T) {
	vars := map[string]string{
		"task":          "build it",
		"Repo":          "antfarm",
		"current.story": "S-1",
		"story-id":      "abc",
	}

	tests := []struct {
		name string
		tmpl string
		want string
	}{
		{"plain", "no placeholders", "no placeholders"},
		{"exact", "Do {{task}}", "Do build it"},
		{"spaces inside braces", "Do {{ task }}", "Do build it"},
		{"case-insensitive", "{{repo}} / {{TASK}}", "antfarm / build it"},
		{"dot and dash", "{{current.story}}-{{story-id}}", "S-1-abc"},
		{"missing", "Use {{branch}}", "Use [missing: branch]"},
		{"repeated", "{{task}} {{task}}", "build it build it"},
		{"unterminated", "{{task", "{{task"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, Resolve(tc.tmpl, vars))
		})
	}
}

func TestResolve_NilContext(t *testing.T) {
	require.Equal(t, "[missing: a]", Resolve("{{a}}", nil))
}

func TestMissing(t *testing.T) {
	got := Missing("{{a}} {{B}} {{c}} {{a}}", map[string]string{"b": "x"})
	require.Equal(t, []string{"a", "c"}, got)
}

func TestParseOutput(t *testing.T) {
	text := "preamble is ignored\n" +
		"STATUS: done\n" +
		"CHANGES:\n" +
		"- added x\n" +
		"- removed y\n" +
		"\n" +
		"REPO: /tmp/repo\n" +
		"not a key: lower-case lines continue the field\n"

	out := ParseOutput(text)

	require.Equal(t, "done", out.Fields["status"])
	require.Equal(t, "- added x\n- removed y", out.Fields["changes"])
	require.Equal(t, "/tmp/repo\nnot a key: lower-case lines continue the field", out.Fields["repo"])
	require.NotContains(t, out.Fields, "preamble is ignored")
	require.False(t, out.HasStories)
}

func TestParseOutput_StoriesExcludedFromFields(t *testing.T) {
	out := ParseOutput("STATUS: ok\nSTORIES_JSON: [\n  {\"id\": \"a\"}\n]\n")

	require.True(t, out.HasStories)
	require.Equal(t, "[\n  {\"id\": \"a\"}\n]", out.StoriesJSON)
	require.NotContains(t, out.Fields, "stories_json")
	require.Equal(t, "ok", out.Fields["status"])
}

func TestParseOutput_CRLF(t *testing.T) {
	out := ParseOutput("A: 1\r\nB: 2\r\n")
	require.Equal(t, "1", out.Fields["a"])
	require.Equal(t, "2", out.Fields["b"])
}

func TestParseThenResolve_RoundTrip(t *testing.T) {
	out := ParseOutput("KEY: v1\nMULTI:\nline1\nline2")

	require.Equal(t, "v1", Resolve("{{key}}", out.Fields))
	require.Equal(t, "line1\nline2", Resolve("{{multi}}", out.Fields))
}

func TestParseStories(t *testing.T) {
	raw := `[
		{"id": "s1", "title": "One", "description": "first", "acceptanceCriteria": ["works"]},
		{"id": "s2", "title": "Two", "description": "second", "acceptance_criteria": ["  also works ", ""]}
	]`

	stories, err := ParseStories(raw, 0)
	require.NoError(t, err)
	require.Len(t, stories, 2)
	require.Equal(t, "s1", stories[0].ID)
	require.Equal(t, []string{"works"}, stories[0].AcceptanceCriteria)
	require.Equal(t, []string{"also works"}, stories[1].AcceptanceCriteria)
}

func TestParseStories_Invalid(t *testing.T) {
	valid := func(id string) string {
		return `{"id":"` + id + `","title":"t","description":"d","acceptanceCriteria":["c"]}`
	}

	tests := []struct {
		name     string
		raw      string
		existing []string
		max      int
		problem  string
	}{
		{"not json", `{oops`, nil, 0, "not a JSON array"},
		{"object not array", `{"id":"a"}`, nil, 0, "not a JSON array"},
		{"empty", `[]`, nil, 0, "at least one story"},
		{"too many", "[" + valid("a") + "," + valid("b") + "," + valid("c") + "]", nil, 2, "at most 2"},
		{"missing id", `[{"title":"t","description":"d","acceptanceCriteria":["c"]}]`, nil, 0, "missing id"},
		{"missing title", `[{"id":"a","description":"d","acceptanceCriteria":["c"]}]`, nil, 0, "missing title"},
		{"missing description", `[{"id":"a","title":"t","acceptanceCriteria":["c"]}]`, nil, 0, "missing description"},
		{"no criteria", `[{"id":"a","title":"t","description":"d"}]`, nil, 0, "acceptance criterion"},
		{"wrong type", `[{"id":1,"title":"t","description":"d","acceptanceCriteria":["c"]}]`, nil, 0, "story 0"},
		{"duplicate", "[" + valid("a") + "," + valid("a") + "]", nil, 0, `duplicate id "a"`},
		{"duplicate of existing", "[" + valid("a") + "]", []string{"a"}, 0, `duplicate id "a"`},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			stories, err := ParseStories(tc.raw, tc.max, tc.existing...)
			require.Error(t, err)
			require.Nil(t, stories)

			var verr *api.ValidationError
			require.True(t, errors.As(err, &verr))
			require.Equal(t, "STORIES_JSON", verr.Field)
			require.True(t, strings.Contains(err.Error(), tc.problem), "error %q should mention %q", err, tc.problem)
		})
	}
}

func TestParseStories_ReportsEveryProblem(t *testing.T) {
	_, err := ParseStories(`[{"id":"a"},{"title":"t"}]`, 0)

	var verr *api.ValidationError
	require.ErrorAs(t, err, &verr)
	// story 0: title, description, criteria; story 1: id, description, criteria
	require.Len(t, verr.Problems, 6)
}
