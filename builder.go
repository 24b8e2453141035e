package antfarm

import (
	"fmt"

	"github.com/snarktank/antfarm/internal/workflow"
	"github.com/snarktank/antfarm/pkg/api"
)

// FlowBuilder provides a fluent API for defining workflows in code instead
// of YAML:
//
//	flow := antfarm.New("feature-dev").
//	    Step("plan", "planner", "Plan {{task}}. Reply with STORIES_JSON.").
//	    Loop("implement", "developer", "{{current_story}}", antfarm.VerifyWith("verify")).
//	    Step("verify", "verifier", "Check {{current_story_title}}")
//
//	if err := flow.Register(registry); err != nil {
//	    log.Fatal(err)
//	}
type FlowBuilder struct {
	spec   api.WorkflowSpec
	agents map[string]bool
}

// New creates a new workflow builder with the given id.
func New(id string) *FlowBuilder {
	return &FlowBuilder{
		spec:   api.WorkflowSpec{ID: id},
		agents: make(map[string]bool),
	}
}

// ID returns the workflow id.
func (b *FlowBuilder) ID() string {
	return b.spec.ID
}

// Named sets the human readable name.
func (b *FlowBuilder) Named(name string) *FlowBuilder {
	b.spec.Name = name
	return b
}

// Spec returns a copy of the WorkflowSpec built so far, unvalidated.
func (b *FlowBuilder) Spec() WorkflowSpec {
	out := b.spec
	out.Agents = append([]api.AgentSpec(nil), b.spec.Agents...)
	out.Steps = append([]api.StepSpec(nil), b.spec.Steps...)
	return out
}

// Step appends a single step run by agent.
func (b *FlowBuilder) Step(id, agent, input string) *FlowBuilder {
	return b.add(api.StepSpec{ID: id, Agent: agent, Type: api.StepSingle, Input: input})
}

// StepWithRetry appends a single step that may fail maxRetries times before
// the run fails.
func (b *FlowBuilder) StepWithRetry(id, agent, input string, maxRetries int) *FlowBuilder {
	r := maxRetries
	return b.add(api.StepSpec{ID: id, Agent: agent, Type: api.StepSingle, Input: input, MaxRetries: &r})
}

// LoopOption customizes a loop step.
type LoopOption func(*api.LoopSpec)

// VerifyWith gates every story of the loop on verifyStep.
func VerifyWith(verifyStep string) LoopOption {
	return func(l *api.LoopSpec) {
		l.VerifyEach = true
		l.VerifyStep = verifyStep
	}
}

// StoryRetries bounds the retries of each story.
func StoryRetries(n int) LoopOption {
	return func(l *api.LoopSpec) {
		l.MaxStoryRetries = n
	}
}

// Loop appends a step iterating over the stories an earlier step emitted.
func (b *FlowBuilder) Loop(id, agent, input string, opts ...LoopOption) *FlowBuilder {
	loop := &api.LoopSpec{Over: api.LoopOverStories}
	for _, opt := range opts {
		opt(loop)
	}
	return b.add(api.StepSpec{ID: id, Agent: agent, Type: api.StepLoop, Input: input, Loop: loop})
}

func (b *FlowBuilder) add(step api.StepSpec) *FlowBuilder {
	if step.ID == "" {
		panic("antfarm: step id must not be empty")
	}
	if step.Agent == "" {
		panic(fmt.Sprintf("antfarm: step %q has no agent", step.ID))
	}
	if !b.agents[step.Agent] {
		b.agents[step.Agent] = true
		b.spec.Agents = append(b.spec.Agents, api.AgentSpec{ID: step.Agent})
	}
	b.spec.Steps = append(b.spec.Steps, step)
	return b
}

// Build validates the workflow and returns its spec.
func (b *FlowBuilder) Build() (WorkflowSpec, error) {
	spec := b.Spec()
	if err := workflow.Validate(&spec); err != nil {
		return WorkflowSpec{}, err
	}
	return spec, nil
}

// Register validates the workflow and adds it to reg.
func (b *FlowBuilder) Register(reg *Registry) error {
	spec, err := b.Build()
	if err != nil {
		return err
	}
	return reg.Register(spec)
}

// MustRegister is like Register but panics on error.
// Useful for initialization in main().
func (b *FlowBuilder) MustRegister(reg *Registry) {
	if err := b.Register(reg); err != nil {
		panic(err)
	}
}
