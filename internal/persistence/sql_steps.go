package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/snarktank/antfarm/pkg/api"
)

const stepColumns = `id, run_id, step_id, agent_id, step_index, type, input_template, status, output,
	retry_count, max_retries, abandoned_count, loop_config, current_story_id, created_at, updated_at`

const stepColumnsS = `s.id, s.run_id, s.step_id, s.agent_id, s.step_index, s.type, s.input_template, s.status, s.output,
	s.retry_count, s.max_retries, s.abandoned_count, s.loop_config, s.current_story_id, s.created_at, s.updated_at`

func (s *SQLStore) insertStep(ctx context.Context, q querier, st *api.Step) error {
	loop, err := encodeJSON(st.Loop)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, q, `
		INSERT INTO steps (`+stepColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		st.ID,
		st.RunID,
		st.StepID,
		st.AgentID,
		st.StepIndex,
		string(st.Type),
		st.InputTemplate,
		string(st.Status),
		st.Output,
		st.RetryCount,
		st.MaxRetries,
		st.AbandonedCount,
		loop,
		st.CurrentStoryID,
		toNanos(st.CreatedAt),
		toNanos(st.UpdatedAt),
	)
	return err
}

func (s *SQLStore) GetStep(ctx context.Context, id string) (*api.Step, error) {
	row := s.queryRow(ctx, s.db, `SELECT `+stepColumns+` FROM steps WHERE id = ?`, id)
	st, err := scanStep(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, api.ErrStepNotFound
	}
	return st, err
}

func (s *SQLStore) FindStep(ctx context.Context, runID, name string) (*api.Step, error) {
	row := s.queryRow(ctx, s.db, `
		SELECT `+stepColumns+` FROM steps
		WHERE run_id = ? AND step_id = ?
		ORDER BY step_index ASC
		LIMIT 1`, runID, name)
	st, err := scanStep(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, api.ErrStepNotFound
	}
	return st, err
}

func (s *SQLStore) ListSteps(ctx context.Context, runID string) ([]*api.Step, error) {
	return s.listSteps(ctx, `
		SELECT `+stepColumns+` FROM steps
		WHERE run_id = ?
		ORDER BY step_index ASC`, runID)
}

func (s *SQLStore) ListStepsByStatus(ctx context.Context, status api.StepStatus) ([]*api.Step, error) {
	return s.listSteps(ctx, `
		SELECT `+stepColumns+` FROM steps
		WHERE status = ?
		ORDER BY updated_at ASC`, string(status))
}

func (s *SQLStore) PendingSteps(ctx context.Context, agentID string, limit int) ([]*api.Step, error) {
	if limit <= 0 {
		limit = 1
	}
	return s.listSteps(ctx, `
		SELECT `+stepColumnsS+`
		FROM steps s
		JOIN runs r ON r.id = s.run_id
		WHERE s.agent_id = ? AND s.status = ? AND r.status = ?
		ORDER BY s.step_index ASC, r.created_at ASC, s.id ASC
		LIMIT ?`,
		agentID, string(api.StepPending), string(api.RunRunning), limit)
}

func (s *SQLStore) FirstWaitingStep(ctx context.Context, runID string) (*api.Step, error) {
	row := s.queryRow(ctx, s.db, `
		SELECT `+stepColumns+` FROM steps
		WHERE run_id = ? AND status = ?
		ORDER BY step_index ASC
		LIMIT 1`, runID, string(api.StepWaiting))
	st, err := scanStep(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return st, err
}

func (s *SQLStore) TransitionStep(ctx context.Context, id string, to api.StepStatus, at time.Time, from ...api.StepStatus) (bool, error) {
	cond, condArgs := statusIn("status", from)
	args := append([]any{string(to), toNanos(at), id}, condArgs...)
	res, err := s.exec(ctx, s.db, `
		UPDATE steps SET status = ?, updated_at = ?
		WHERE id = ? AND `+cond, args...)
	if err != nil {
		return false, err
	}
	return changed(res)
}

func (s *SQLStore) UpdateStep(ctx context.Context, st *api.Step) error {
	ok, err := s.writeStep(ctx, st, "1 = 1")
	if err != nil {
		return err
	}
	if !ok {
		return api.ErrStepNotFound
	}
	return nil
}

func (s *SQLStore) UpdateStepIf(ctx context.Context, st *api.Step, seen api.StepStatus, seenAt time.Time) (bool, error) {
	return s.writeStep(ctx, st, "status = ? AND updated_at = ?", string(seen), toNanos(seenAt))
}

func (s *SQLStore) writeStep(ctx context.Context, st *api.Step, cond string, condArgs ...any) (bool, error) {
	args := append([]any{
		string(st.Status),
		st.Output,
		st.RetryCount,
		st.AbandonedCount,
		st.CurrentStoryID,
		toNanos(st.UpdatedAt),
		st.ID,
	}, condArgs...)
	res, err := s.exec(ctx, s.db, `
		UPDATE steps
		SET status = ?, output = ?, retry_count = ?, abandoned_count = ?, current_story_id = ?, updated_at = ?
		WHERE id = ? AND `+cond, args...)
	if err != nil {
		return false, err
	}
	return changed(res)
}

func (s *SQLStore) listSteps(ctx context.Context, query string, args ...any) ([]*api.Step, error) {
	rows, err := s.query(ctx, s.db, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*api.Step
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func scanStep(row rowScanner) (*api.Step, error) {
	var (
		st        api.Step
		typ       string
		status    string
		loop      string
		createdAt int64
		updatedAt int64
	)
	err := row.Scan(
		&st.ID,
		&st.RunID,
		&st.StepID,
		&st.AgentID,
		&st.StepIndex,
		&typ,
		&st.InputTemplate,
		&status,
		&st.Output,
		&st.RetryCount,
		&st.MaxRetries,
		&st.AbandonedCount,
		&loop,
		&st.CurrentStoryID,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}
	cfg, err := decodeJSON[*api.LoopConfig](loop)
	if err != nil {
		return nil, err
	}
	st.Type = api.StepType(typ)
	st.Status = api.StepStatus(status)
	st.Loop = cfg
	st.CreatedAt = fromNanos(createdAt)
	st.UpdatedAt = fromNanos(updatedAt)
	return &st, nil
}
