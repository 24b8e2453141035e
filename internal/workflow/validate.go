package workflow

import (
	"fmt"

	"github.com/snarktank/antfarm/pkg/api"
)

// Validate checks a definition's structure and fills in defaults (a step
// with a loop block is a loop step). The returned error wraps both
// api.ErrInvalidWorkflow and a *api.ValidationError listing every problem.
func Validate(spec *api.WorkflowSpec) error {
	ve := &api.ValidationError{Field: "workflow"}
	if spec.ID != "" {
		ve.Field = "workflow " + spec.ID
	}

	if spec.ID == "" {
		ve.Add("id is required")
	}
	if len(spec.Steps) == 0 {
		ve.Add("at least one step is required")
	}

	agents := make(map[string]bool, len(spec.Agents))
	for _, a := range spec.Agents {
		if a.ID == "" {
			ve.Add("agent with empty id")
			continue
		}
		agents[a.ID] = true
	}

	index := make(map[string]int, len(spec.Steps))
	for i := range spec.Steps {
		st := &spec.Steps[i]
		if st.ID == "" {
			ve.Add("step %d: id is required", i)
			continue
		}
		if _, dup := index[st.ID]; dup {
			ve.Add("step %q: duplicate id", st.ID)
		}
		index[st.ID] = i

		if st.Agent == "" {
			ve.Add("step %q: agent is required", st.ID)
		} else if len(agents) > 0 && !agents[st.Agent] {
			ve.Add("step %q: unknown agent %q", st.ID, st.Agent)
		}
		if st.MaxRetries != nil && *st.MaxRetries < 0 {
			ve.Add("step %q: max_retries must not be negative", st.ID)
		}

		if st.Loop != nil && st.Type == "" {
			st.Type = api.StepLoop
		}
		if st.Type == "" {
			st.Type = api.StepSingle
		}
		switch st.Type {
		case api.StepSingle:
			if st.Loop != nil {
				ve.Add("step %q: loop block on a single step", st.ID)
			}
		case api.StepLoop:
			if st.Loop == nil {
				ve.Add("step %q: loop step needs a loop block", st.ID)
			}
		default:
			ve.Add("step %q: unknown type %q", st.ID, st.Type)
		}
	}

	loops := 0
	for i, st := range spec.Steps {
		if st.Loop == nil {
			continue
		}
		loops++
		if st.Loop.Over != api.LoopOverStories {
			ve.Add("step %q: loop over %q is not supported", st.ID, st.Loop.Over)
		}
		if st.Loop.MaxStoryRetries < 0 {
			ve.Add("step %q: max_story_retries must not be negative", st.ID)
		}
		if !st.Loop.VerifyEach {
			continue
		}
		if st.Loop.VerifyStep == "" {
			ve.Add("step %q: verify_each needs verify_step", st.ID)
			continue
		}
		vi, ok := index[st.Loop.VerifyStep]
		switch {
		case !ok:
			ve.Add("step %q: verify step %q does not exist", st.ID, st.Loop.VerifyStep)
		case vi <= i:
			ve.Add("step %q: verify step %q must come after the loop", st.ID, st.Loop.VerifyStep)
		case spec.Steps[vi].Loop != nil:
			ve.Add("step %q: verify step %q cannot be a loop", st.ID, st.Loop.VerifyStep)
		}
	}
	if loops > 1 {
		ve.Add("at most one loop step is supported")
	}

	if err := ve.OrNil(); err != nil {
		return fmt.Errorf("%w: %w", api.ErrInvalidWorkflow, err)
	}
	return nil
}
