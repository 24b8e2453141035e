package template

import (
	"encoding/json"
	"strings"

	"github.com/snarktank/antfarm/pkg/api"
)

// DefaultMaxStories caps how many stories one STORIES_JSON payload may seed.
const DefaultMaxStories = 20

// StoryInput is one validated entry of a STORIES_JSON payload.
type StoryInput struct {
	ID                 string
	Title              string
	Description        string
	AcceptanceCriteria []string
}

type storyJSON struct {
	ID                  string   `json:"id"`
	Title               string   `json:"title"`
	Description         string   `json:"description"`
	AcceptanceCriteria  []string `json:"acceptanceCriteria"`
	AcceptanceCriteria2 []string `json:"acceptance_criteria"`
}

// ParseStories validates a STORIES_JSON value. The whole payload is rejected
// with a *api.ValidationError listing every problem when any entry is bad.
// existing holds story ids already present in the run; reusing one is an
// error. maxStories <= 0 means DefaultMaxStories.
func ParseStories(raw string, maxStories int, existing ...string) ([]StoryInput, error) {
	if maxStories <= 0 {
		maxStories = DefaultMaxStories
	}
	verr := &api.ValidationError{Field: "STORIES_JSON"}

	var items []json.RawMessage
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		verr.Add("not a JSON array: %v", err)
		return nil, verr
	}
	if len(items) == 0 {
		verr.Add("must contain at least one story")
		return nil, verr
	}
	if len(items) > maxStories {
		verr.Add("has %d stories, at most %d allowed", len(items), maxStories)
	}

	seen := make(map[string]bool, len(items)+len(existing))
	for _, id := range existing {
		seen[id] = true
	}

	out := make([]StoryInput, 0, len(items))
	for i, item := range items {
		var s storyJSON
		if err := json.Unmarshal(item, &s); err != nil {
			verr.Add("story %d: %v", i, err)
			continue
		}
		in := StoryInput{
			ID:          strings.TrimSpace(s.ID),
			Title:       strings.TrimSpace(s.Title),
			Description: strings.TrimSpace(s.Description),
		}
		criteria := s.AcceptanceCriteria
		if len(criteria) == 0 {
			criteria = s.AcceptanceCriteria2
		}
		for _, c := range criteria {
			if c = strings.TrimSpace(c); c != "" {
				in.AcceptanceCriteria = append(in.AcceptanceCriteria, c)
			}
		}

		if in.ID == "" {
			verr.Add("story %d: missing id", i)
		} else if seen[in.ID] {
			verr.Add("story %d: duplicate id %q", i, in.ID)
		} else {
			seen[in.ID] = true
		}
		if in.Title == "" {
			verr.Add("story %d: missing title", i)
		}
		if in.Description == "" {
			verr.Add("story %d: missing description", i)
		}
		if len(in.AcceptanceCriteria) == 0 {
			verr.Add("story %d: needs at least one acceptance criterion", i)
		}
		out = append(out, in)
	}

	if err := verr.OrNil(); err != nil {
		return nil, err
	}
	return out, nil
}
