package medic

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/snarktank/antfarm/internal/dispatch"
	"github.com/snarktank/antfarm/pkg/api"
)

// checkStuckSteps resets or fails running steps that have not moved for the
// stuck threshold. The abandonment counter is the medic's own; the reaper's
// retry counters are untouched.
func (m *Medic) checkStuckSteps(ctx context.Context, now time.Time) ([]api.Finding, error) {
	running, err := m.store.ListStepsByStatus(ctx, api.StepRunning)
	if err != nil {
		return nil, err
	}
	cutoff := now.Add(-m.stuckAfter)

	var findings []api.Finding
	for _, step := range running {
		if !step.UpdatedAt.Before(cutoff) {
			continue
		}
		run, err := m.store.GetRun(ctx, step.RunID)
		if err != nil {
			return nil, err
		}
		if run.Status.IsTerminal() {
			continue
		}
		waiting, err := m.awaitingVerify(ctx, step)
		if err != nil {
			return nil, err
		}
		if waiting {
			continue
		}

		step.AbandonedCount++
		age := now.Sub(step.UpdatedAt).Truncate(time.Second)
		f := api.Finding{
			Kind:   api.FindingStuckStep,
			RunID:  run.ID,
			StepID: step.ID,
		}

		if step.AbandonedCount >= m.maxAbandonments {
			f.Severity = api.SeverityCritical
			f.Action = api.ActionFailRun
			f.Message = fmt.Sprintf("step %s running for %s, abandoned %d times", step.StepID, age, step.AbandonedCount)
			ok, err := m.failStuck(ctx, run, step, now)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
		} else {
			f.Severity = api.SeverityWarning
			f.Action = api.ActionResetStep
			f.Message = fmt.Sprintf("step %s running for %s, reset to pending", step.StepID, age)
			ok, err := m.resetStuck(ctx, run, step, now)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
		}
		f.Remediated = true
		findings = append(findings, f)
	}
	return findings, nil
}

// awaitingVerify reports whether step is a loop holding for its verify step.
func (m *Medic) awaitingVerify(ctx context.Context, step *api.Step) (bool, error) {
	if !step.IsLoop() || step.CurrentStoryID != "" || !step.Loop.Verifies() {
		return false, nil
	}
	verify, err := m.store.FindStep(ctx, step.RunID, step.Loop.VerifyStep)
	if err != nil {
		return false, err
	}
	return verify.Status == api.StepPending || verify.Status == api.StepRunning, nil
}

// resetStuck and failStuck only act while the step is still the running row
// the check read. A step that moved in between is left alone and reported as
// not handled.
func (m *Medic) resetStuck(ctx context.Context, run *api.Run, step *api.Step, now time.Time) (bool, error) {
	storyID, seenAt := step.CurrentStoryID, step.UpdatedAt
	step.Status = api.StepPending
	step.CurrentStoryID = ""
	step.UpdatedAt = now
	ok, err := m.store.UpdateStepIf(ctx, step, api.StepRunning, seenAt)
	if err != nil || !ok {
		return false, err
	}
	if storyID != "" {
		if _, err := m.store.TransitionStory(ctx, storyID, api.StoryPending, now, api.StoryRunning); err != nil {
			return false, err
		}
	}
	if err := m.emit(ctx, stepEvent(api.EventStepTimeout, run, step, "medic: step stuck")); err != nil {
		return false, err
	}
	return true, m.emit(ctx, stepEvent(api.EventStepPending, run, step, "medic: step reset"))
}

func (m *Medic) failStuck(ctx context.Context, run *api.Run, step *api.Step, now time.Time) (bool, error) {
	storyID, seenAt := step.CurrentStoryID, step.UpdatedAt
	step.Status = api.StepFailed
	step.CurrentStoryID = ""
	step.UpdatedAt = now
	ok, err := m.store.UpdateStepIf(ctx, step, api.StepRunning, seenAt)
	if err != nil || !ok {
		return false, err
	}
	if storyID != "" {
		if _, err := m.store.TransitionStory(ctx, storyID, api.StoryFailed, now, api.StoryRunning); err != nil {
			return false, err
		}
	}
	if err := m.emit(ctx, stepEvent(api.EventStepFailed, run, step, "medic: abandoned too many times")); err != nil {
		return false, err
	}
	return true, m.failRun(ctx, run, now, "medic: step "+step.StepID+" abandoned")
}

func (m *Medic) failRun(ctx context.Context, run *api.Run, now time.Time, detail string) error {
	ok, err := m.store.SetRunStatus(ctx, run.ID, api.RunFailed, now)
	if err != nil || !ok {
		return err
	}
	run.Status = api.RunFailed
	return m.emit(ctx, api.Event{Type: api.EventRunFailed, RunID: run.ID, WorkflowID: run.WorkflowID, Detail: detail})
}

// checkRuns looks at every running run for zombies (nothing left that can
// move, and nothing moved for the stuck threshold) and stalls (nothing moved
// for twice the stuck threshold).
func (m *Medic) checkRuns(ctx context.Context, now time.Time) ([]api.Finding, error) {
	runs, err := m.store.ListRuns(ctx, api.RunListOptions{Status: api.RunRunning})
	if err != nil {
		return nil, err
	}
	quietBefore := now.Add(-m.stuckAfter)
	stalledBefore := now.Add(-2 * m.stuckAfter)

	var findings []api.Finding
	for _, run := range runs {
		steps, err := m.store.ListSteps(ctx, run.ID)
		if err != nil {
			return nil, err
		}

		var live bool
		latest := run.UpdatedAt
		for _, st := range steps {
			if st.Status == api.StepPending || st.Status == api.StepRunning {
				live = true
			}
			if st.UpdatedAt.After(latest) {
				latest = st.UpdatedAt
			}
		}

		if !live {
			// A run between a step finishing and the next one being released
			// looks the same for a moment.
			if !latest.Before(quietBefore) {
				continue
			}
			if err := m.failZombie(ctx, run, steps, now); err != nil {
				return nil, err
			}
			findings = append(findings, api.Finding{
				Kind:       api.FindingZombieRun,
				Severity:   api.SeverityCritical,
				RunID:      run.ID,
				Message:    fmt.Sprintf("run of %s is running but no step can make progress", run.WorkflowID),
				Action:     api.ActionFailRun,
				Remediated: true,
			})
			continue
		}

		if latest.Before(stalledBefore) {
			findings = append(findings, api.Finding{
				Kind:     api.FindingStalledRun,
				Severity: api.SeverityWarning,
				RunID:    run.ID,
				Message:  fmt.Sprintf("run of %s has not progressed for %s", run.WorkflowID, now.Sub(latest).Truncate(time.Second)),
				Action:   api.ActionNone,
			})
		}
	}
	return findings, nil
}

func (m *Medic) failZombie(ctx context.Context, run *api.Run, steps []*api.Step, now time.Time) error {
	for _, st := range steps {
		if st.Status.IsTerminal() {
			continue
		}
		if _, err := m.store.TransitionStep(ctx, st.ID, api.StepFailed, now, st.Status); err != nil {
			return err
		}
	}
	return m.failRun(ctx, run, now, "medic: zombie run")
}

// checkOrphanedJobs removes dispatcher jobs of workflows with no running
// run. Dispatcher errors end up in findings.
func (m *Medic) checkOrphanedJobs(ctx context.Context) []api.Finding {
	if m.dispatcher == nil {
		return nil
	}
	jobs, err := m.dispatcher.ListJobs(ctx, dispatch.Namespace)
	if err != nil {
		return []api.Finding{{
			Kind:     api.FindingOrphanedJob,
			Severity: api.SeverityWarning,
			Message:  "list dispatcher jobs: " + err.Error(),
			Action:   api.ActionNone,
		}}
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].Name < jobs[j].Name })

	active := make(map[string]int)
	var findings []api.Finding
	for _, job := range jobs {
		wf, _, ok := dispatch.ParseJobName(job.Name)
		if !ok {
			continue
		}
		n, seen := active[wf]
		if !seen {
			count, err := m.store.CountActiveRuns(ctx, wf)
			if err != nil {
				m.log.WarnContext(ctx, "medic: count active runs", "workflow", wf, "error", err)
				continue
			}
			n = count
			active[wf] = n
		}
		if n > 0 {
			continue
		}

		f := api.Finding{
			Kind:     api.FindingOrphanedJob,
			Severity: api.SeverityInfo,
			JobID:    job.ID,
			Message:  fmt.Sprintf("job %s has no active run of %s", job.Name, wf),
			Action:   api.ActionTeardownExternal,
		}
		if err := m.dispatcher.RemoveJob(ctx, job.ID); err != nil {
			f.Severity = api.SeverityWarning
			f.Message += "; remove failed: " + err.Error()
		} else {
			f.Remediated = true
		}
		findings = append(findings, f)
	}
	return findings
}

func stepEvent(typ api.EventType, run *api.Run, step *api.Step, detail string) api.Event {
	return api.Event{
		Type:       typ,
		RunID:      run.ID,
		WorkflowID: run.WorkflowID,
		StepID:     step.ID,
		StepName:   step.StepID,
		AgentID:    step.AgentID,
		Detail:     detail,
	}
}
