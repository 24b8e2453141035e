package persistence

import (
	"context"
	"time"

	"github.com/snarktank/antfarm/pkg/api"
)

func (s *SQLStore) AppendEvent(ctx context.Context, ev api.Event) error {
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.exec(ctx, s.db, `
		INSERT INTO run_events (run_id, at, type, workflow_id, step_id, step_name, story_id, agent_id, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.RunID,
		at.UnixNano(),
		string(ev.Type),
		ev.WorkflowID,
		ev.StepID,
		ev.StepName,
		ev.StoryID,
		ev.AgentID,
		ev.Detail,
	)
	return err
}

func (s *SQLStore) ListEvents(ctx context.Context, filter EventFilter) ([]api.Event, error) {
	query := `
		SELECT id, run_id, at, type, workflow_id, step_id, step_name, story_id, agent_id, detail
		FROM run_events
		WHERE 1 = 1`
	var args []any
	if filter.RunID != "" {
		query += ` AND run_id = ?`
		args = append(args, filter.RunID)
	}
	if len(filter.Types) > 0 {
		cond, typeArgs := statusIn("type", filter.Types)
		query += ` AND ` + cond
		args = append(args, typeArgs...)
	}
	if filter.Limit > 0 {
		query += ` ORDER BY id DESC LIMIT ?`
		args = append(args, filter.Limit)
	} else {
		query += ` ORDER BY id ASC`
	}

	rows, err := s.query(ctx, s.db, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []api.Event
	for rows.Next() {
		var (
			ev  api.Event
			atN int64
			typ string
		)
		if err := rows.Scan(&ev.ID, &ev.RunID, &atN, &typ, &ev.WorkflowID, &ev.StepID, &ev.StepName, &ev.StoryID, &ev.AgentID, &ev.Detail); err != nil {
			return nil, err
		}
		ev.At = time.Unix(0, atN)
		ev.Type = api.EventType(typ)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if filter.Limit > 0 {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out, nil
}
