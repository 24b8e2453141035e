package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/snarktank/antfarm/pkg/api"
)

const storyColumns = `id, run_id, story_index, story_id, title, description, acceptance_criteria,
	status, output, retry_count, max_retries, created_at, updated_at`

func (s *SQLStore) InsertStories(ctx context.Context, stories []*api.Story) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, st := range stories {
			criteria, err := encodeJSON(st.AcceptanceCriteria)
			if err != nil {
				return err
			}
			if _, err := s.exec(ctx, tx, `
				INSERT INTO stories (`+storyColumns+`)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				st.ID,
				st.RunID,
				st.StoryIndex,
				st.StoryID,
				st.Title,
				st.Description,
				criteria,
				string(st.Status),
				st.Output,
				st.RetryCount,
				st.MaxRetries,
				toNanos(st.CreatedAt),
				toNanos(st.UpdatedAt),
			); err != nil {
				return fmt.Errorf("insert story %s: %w", st.StoryID, err)
			}
		}
		return nil
	})
}

func (s *SQLStore) GetStory(ctx context.Context, id string) (*api.Story, error) {
	row := s.queryRow(ctx, s.db, `SELECT `+storyColumns+` FROM stories WHERE id = ?`, id)
	st, err := scanStory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, api.ErrStoryNotFound
	}
	return st, err
}

func (s *SQLStore) ListStories(ctx context.Context, runID string) ([]*api.Story, error) {
	rows, err := s.query(ctx, s.db, `
		SELECT `+storyColumns+` FROM stories
		WHERE run_id = ?
		ORDER BY story_index ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*api.Story
	for rows.Next() {
		st, err := scanStory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *SQLStore) NextPendingStory(ctx context.Context, runID string) (*api.Story, error) {
	return s.optionalStory(ctx, `
		SELECT `+storyColumns+` FROM stories
		WHERE run_id = ? AND status = ?
		ORDER BY story_index ASC
		LIMIT 1`, runID, string(api.StoryPending))
}

func (s *SQLStore) LastCompletedStory(ctx context.Context, runID string) (*api.Story, error) {
	return s.optionalStory(ctx, `
		SELECT `+storyColumns+` FROM stories
		WHERE run_id = ? AND status = ?
		ORDER BY updated_at DESC, story_index DESC
		LIMIT 1`, runID, string(api.StoryDone))
}

func (s *SQLStore) optionalStory(ctx context.Context, query string, args ...any) (*api.Story, error) {
	st, err := scanStory(s.queryRow(ctx, s.db, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return st, err
}

func (s *SQLStore) TransitionStory(ctx context.Context, id string, to api.StoryStatus, at time.Time, from ...api.StoryStatus) (bool, error) {
	cond, condArgs := statusIn("status", from)
	args := append([]any{string(to), toNanos(at), id}, condArgs...)
	res, err := s.exec(ctx, s.db, `
		UPDATE stories SET status = ?, updated_at = ?
		WHERE id = ? AND `+cond, args...)
	if err != nil {
		return false, err
	}
	return changed(res)
}

func (s *SQLStore) UpdateStory(ctx context.Context, st *api.Story) error {
	ok, err := s.writeStory(ctx, st, "1 = 1")
	if err != nil {
		return err
	}
	if !ok {
		return api.ErrStoryNotFound
	}
	return nil
}

func (s *SQLStore) UpdateStoryIf(ctx context.Context, st *api.Story, seen api.StoryStatus, seenAt time.Time) (bool, error) {
	return s.writeStory(ctx, st, "status = ? AND updated_at = ?", string(seen), toNanos(seenAt))
}

func (s *SQLStore) writeStory(ctx context.Context, st *api.Story, cond string, condArgs ...any) (bool, error) {
	args := append([]any{
		string(st.Status),
		st.Output,
		st.RetryCount,
		toNanos(st.UpdatedAt),
		st.ID,
	}, condArgs...)
	res, err := s.exec(ctx, s.db, `
		UPDATE stories
		SET status = ?, output = ?, retry_count = ?, updated_at = ?
		WHERE id = ? AND `+cond, args...)
	if err != nil {
		return false, err
	}
	return changed(res)
}

func scanStory(row rowScanner) (*api.Story, error) {
	var (
		st        api.Story
		criteria  string
		status    string
		createdAt int64
		updatedAt int64
	)
	err := row.Scan(
		&st.ID,
		&st.RunID,
		&st.StoryIndex,
		&st.StoryID,
		&st.Title,
		&st.Description,
		&criteria,
		&status,
		&st.Output,
		&st.RetryCount,
		&st.MaxRetries,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}
	list, err := decodeJSON[[]string](criteria)
	if err != nil {
		return nil, err
	}
	st.AcceptanceCriteria = list
	st.Status = api.StoryStatus(status)
	st.CreatedAt = fromNanos(createdAt)
	st.UpdatedAt = fromNanos(updatedAt)
	return &st, nil
}
