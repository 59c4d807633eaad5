package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/thatsimonsguy/flush-controller/internal/model"
)

// ProgramSetting holds the operator-adjustable fields of a program.
type ProgramSetting struct {
	Enabled     bool
	DurationSec int
}

// GetProgramSettings returns per-program overrides keyed by program id.
func GetProgramSettings(conn *sql.DB) (map[int]ProgramSetting, error) {
	rows, err := conn.Query(`SELECT id, enabled, duration_sec FROM programs`)
	if err != nil {
		return nil, fmt.Errorf("failed to query programs: %w", err)
	}
	defer rows.Close()

	settings := map[int]ProgramSetting{}
	for rows.Next() {
		var id int
		var s ProgramSetting
		if err := rows.Scan(&id, &s.Enabled, &s.DurationSec); err != nil {
			return nil, fmt.Errorf("failed to scan program: %w", err)
		}
		settings[id] = s
	}
	return settings, rows.Err()
}

// GetTotalVolume returns the lifetime cumulative volume in liters.
func GetTotalVolume(conn *sql.DB) (float64, error) {
	var total float64
	err := conn.QueryRow(`SELECT volume_l FROM totals WHERE id = 1`).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to get total volume: %w", err)
	}
	return total, nil
}

// GetRecentRuns returns the most recent run records, newest first.
func GetRecentRuns(conn *sql.DB, limit int) ([]model.ProgramRun, error) {
	rows, err := conn.Query(`SELECT program_id, started_at, ended_at, volume_l, cancelled, outcome
		FROM runs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []model.ProgramRun
	for rows.Next() {
		var r model.ProgramRun
		var started, ended string
		if err := rows.Scan(&r.ProgramID, &started, &ended, &r.VolumeL, &r.Cancelled, &r.Outcome); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		r.StartedAt, _ = time.Parse(time.RFC3339, started)
		r.EndedAt, _ = time.Parse(time.RFC3339, ended)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
