package db

import (
	"database/sql"
	_ "embed"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/thatsimonsguy/flush-controller/internal/model"
)

//go:embed schema.sql
var schema string

// Open opens the runtime database and applies the schema.
func Open(path string) (*sql.DB, error) {
	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return conn, nil
}

// Store adapts a connection to the controller's run-bookkeeping interface.
type Store struct {
	Conn *sql.DB
}

func (s *Store) RecordRun(run model.ProgramRun) error {
	return RecordRun(s.Conn, run)
}

func (s *Store) TotalVolume() (float64, error) {
	return GetTotalVolume(s.Conn)
}

// SeedPrograms inserts program rows from config. Existing rows are left
// alone so enabled/duration overrides made through the debug CLI survive
// restarts.
func SeedPrograms(conn *sql.DB, programs []model.ProgramConfig) error {
	tx, err := conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin seed transaction: %w", err)
	}
	defer tx.Rollback()

	for _, p := range programs {
		_, err := tx.Exec(`INSERT OR IGNORE INTO programs (id, name, enabled, duration_sec) VALUES (?, ?, ?, ?)`,
			p.ID, p.Name, p.Enabled, int(p.Duration.Seconds()))
		if err != nil {
			return fmt.Errorf("failed to seed program %d: %w", p.ID, err)
		}
	}
	return tx.Commit()
}
