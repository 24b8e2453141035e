package persistence

import (
	"context"
	"database/sql"

	"github.com/snarktank/antfarm/pkg/api"
)

func (s *SQLStore) AppendCheck(ctx context.Context, c *api.MedicCheck, keep int) error {
	findings, err := encodeJSON(c.Findings)
	if err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.exec(ctx, tx, `
			INSERT INTO medic_checks (id, checked_at, issues_found, actions_taken, summary, findings)
			VALUES (?, ?, ?, ?, ?, ?)`,
			c.ID,
			toNanos(c.CheckedAt),
			c.IssuesFound,
			c.ActionsTaken,
			c.Summary,
			findings,
		); err != nil {
			return err
		}
		if keep <= 0 {
			return nil
		}
		_, err := s.exec(ctx, tx, `
			DELETE FROM medic_checks
			WHERE id NOT IN (
				SELECT id FROM medic_checks ORDER BY checked_at DESC, id DESC LIMIT ?
			)`, keep)
		return err
	})
}

func (s *SQLStore) ListChecks(ctx context.Context, limit int) ([]*api.MedicCheck, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.query(ctx, s.db, `
		SELECT id, checked_at, issues_found, actions_taken, summary, findings
		FROM medic_checks
		ORDER BY checked_at DESC, id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*api.MedicCheck
	for rows.Next() {
		var (
			c        api.MedicCheck
			at       int64
			findings string
		)
		if err := rows.Scan(&c.ID, &at, &c.IssuesFound, &c.ActionsTaken, &c.Summary, &findings); err != nil {
			return nil, err
		}
		list, err := decodeJSON[[]api.Finding](findings)
		if err != nil {
			return nil, err
		}
		c.CheckedAt = fromNanos(at)
		c.Findings = list
		out = append(out, &c)
	}
	return out, rows.Err()
}
