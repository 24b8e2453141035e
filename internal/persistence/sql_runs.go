package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/snarktank/antfarm/pkg/api"
)

const runColumns = `id, workflow_id, task, status, context, created_at, updated_at`

func (s *SQLStore) CreateRun(ctx context.Context, run *api.Run, steps []*api.Step) error {
	runCtx, err := encodeContext(run.Context)
	if err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.exec(ctx, tx, `
			INSERT INTO runs (`+runColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			run.ID,
			run.WorkflowID,
			run.Task,
			string(run.Status),
			runCtx,
			toNanos(run.CreatedAt),
			toNanos(run.UpdatedAt),
		); err != nil {
			return fmt.Errorf("insert run: %w", err)
		}
		for _, st := range steps {
			if err := s.insertStep(ctx, tx, st); err != nil {
				return fmt.Errorf("insert step %s: %w", st.StepID, err)
			}
		}
		return nil
	})
}

func (s *SQLStore) GetRun(ctx context.Context, id string) (*api.Run, error) {
	row := s.queryRow(ctx, s.db, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, api.ErrRunNotFound
	}
	return run, err
}

func (s *SQLStore) FindRuns(ctx context.Context, prefix string, limit int) ([]*api.Run, error) {
	if limit <= 0 {
		limit = 10
	}
	return s.listRuns(ctx, `
		SELECT `+runColumns+` FROM runs
		WHERE id LIKE ? ESCAPE '\'
		ORDER BY created_at DESC
		LIMIT ?`, likePrefix(prefix), limit)
}

func (s *SQLStore) ListRuns(ctx context.Context, opts api.RunListOptions) ([]*api.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE 1 = 1`
	var args []any
	if opts.WorkflowID != "" {
		query += ` AND workflow_id = ?`
		args = append(args, opts.WorkflowID)
	}
	if opts.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(opts.Status))
	}
	query += ` ORDER BY created_at DESC`
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}
	return s.listRuns(ctx, query, args...)
}

func (s *SQLStore) listRuns(ctx context.Context, query string, args ...any) ([]*api.Run, error) {
	rows, err := s.query(ctx, s.db, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*api.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func (s *SQLStore) SetRunStatus(ctx context.Context, id string, status api.RunStatus, at time.Time) (bool, error) {
	res, err := s.exec(ctx, s.db, `
		UPDATE runs SET status = ?, updated_at = ?
		WHERE id = ? AND status NOT IN (?, ?, ?)`,
		string(status),
		toNanos(at),
		id,
		string(api.RunCompleted), string(api.RunFailed), string(api.RunCancelled),
	)
	if err != nil {
		return false, err
	}
	ok, err := changed(res)
	if err != nil || ok {
		return ok, err
	}
	// Distinguish "terminal" from "missing".
	if _, err := s.GetRun(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (s *SQLStore) MergeRunContext(ctx context.Context, id string, set map[string]string, del []string, at time.Time) (map[string]string, error) {
	var merged map[string]string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var raw string
		err := s.queryRow(ctx, tx, `SELECT context FROM runs WHERE id = ?`, id).Scan(&raw)
		if errors.Is(err, sql.ErrNoRows) {
			return api.ErrRunNotFound
		}
		if err != nil {
			return err
		}
		merged, err = decodeContext(raw)
		if err != nil {
			return err
		}
		for k, v := range set {
			merged[k] = v
		}
		for _, k := range del {
			delete(merged, k)
		}
		enc, err := encodeContext(merged)
		if err != nil {
			return err
		}
		_, err = s.exec(ctx, tx, `UPDATE runs SET context = ?, updated_at = ? WHERE id = ?`, enc, toNanos(at), id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return merged, nil
}

func (s *SQLStore) CountActiveRuns(ctx context.Context, workflowID string) (int, error) {
	var n int
	err := s.queryRow(ctx, s.db, `
		SELECT COUNT(*) FROM runs WHERE workflow_id = ? AND status = ?`,
		workflowID, string(api.RunRunning),
	).Scan(&n)
	return n, err
}

func scanRun(row rowScanner) (*api.Run, error) {
	var (
		run       api.Run
		status    string
		rawCtx    string
		createdAt int64
		updatedAt int64
	)
	if err := row.Scan(&run.ID, &run.WorkflowID, &run.Task, &status, &rawCtx, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	vars, err := decodeContext(rawCtx)
	if err != nil {
		return nil, err
	}
	run.Status = api.RunStatus(status)
	run.Context = vars
	run.CreatedAt = fromNanos(createdAt)
	run.UpdatedAt = fromNanos(updatedAt)
	return &run, nil
}
