package persistence

import (
	"database/sql"
	"fmt"
)

// Persistence bundles the store interfaces so callers can wire the engine
// and the medic from a single value.
type Persistence struct {
	Store  Store
	Checks CheckStore
}

// Open initializes the schema for driver on db and returns a Persistence
// whose stores all share that database. driver is "sqlite" or "postgres".
func Open(driver string, db *sql.DB) (Persistence, error) {
	var (
		s   *SQLStore
		err error
	)
	switch driver {
	case "sqlite":
		s, err = NewSQLiteStore(db)
	case "postgres", "pgx":
		s, err = NewPostgresStore(db)
	default:
		return Persistence{}, fmt.Errorf("unknown store driver %q", driver)
	}
	if err != nil {
		return Persistence{}, err
	}
	return Persistence{Store: s, Checks: s}, nil
}
