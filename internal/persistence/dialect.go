package persistence

import (
	"fmt"
	"strconv"
	"strings"
)

// dialect captures the few places where SQLite and PostgreSQL differ.
// Queries are written with "?" placeholders and rebound per dialect.
type dialect struct {
	name     string
	serialPK string
	numbered bool
}

var (
	sqliteDialect = dialect{
		name:     "sqlite",
		serialPK: "INTEGER PRIMARY KEY AUTOINCREMENT",
	}
	postgresDialect = dialect{
		name:     "postgres",
		serialPK: "BIGSERIAL PRIMARY KEY",
		numbered: true,
	}
)

// rebind rewrites "?" placeholders to "$n" for dialects that number them.
func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// placeholders returns "?, ?, ..." with n entries.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func (d dialect) schema() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			task TEXT NOT NULL,
			status TEXT NOT NULL,
			context TEXT NOT NULL DEFAULT '{}',
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_workflow_status ON runs(workflow_id, status)`,
		`CREATE TABLE IF NOT EXISTS steps (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL REFERENCES runs(id),
			step_id TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			step_index INTEGER NOT NULL,
			type TEXT NOT NULL,
			input_template TEXT NOT NULL,
			status TEXT NOT NULL,
			output TEXT NOT NULL DEFAULT '',
			retry_count INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL DEFAULT 0,
			abandoned_count INTEGER NOT NULL DEFAULT 0,
			loop_config TEXT NOT NULL DEFAULT '',
			current_story_id TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_steps_agent_status ON steps(agent_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_steps_run_index ON steps(run_id, step_index)`,
		`CREATE TABLE IF NOT EXISTS stories (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL REFERENCES runs(id),
			story_index INTEGER NOT NULL,
			story_id TEXT NOT NULL,
			title TEXT NOT NULL,
			description TEXT NOT NULL,
			acceptance_criteria TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			output TEXT NOT NULL DEFAULT '',
			retry_count INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL DEFAULT 0,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			UNIQUE (run_id, story_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_stories_run_index ON stories(run_id, story_index)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS run_events (
			id %s,
			run_id TEXT NOT NULL,
			at BIGINT NOT NULL,
			type TEXT NOT NULL,
			workflow_id TEXT NOT NULL DEFAULT '',
			step_id TEXT NOT NULL DEFAULT '',
			step_name TEXT NOT NULL DEFAULT '',
			story_id TEXT NOT NULL DEFAULT '',
			agent_id TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT ''
		)`, d.serialPK),
		`CREATE INDEX IF NOT EXISTS idx_run_events_run_id ON run_events(run_id, id)`,
		`CREATE TABLE IF NOT EXISTS medic_checks (
			id TEXT PRIMARY KEY,
			checked_at BIGINT NOT NULL,
			issues_found INTEGER NOT NULL,
			actions_taken INTEGER NOT NULL,
			summary TEXT NOT NULL,
			findings TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_medic_checks_checked_at ON medic_checks(checked_at)`,
	}
}
