package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/thatsimonsguy/flush-controller/internal/model"
)

// RecordRun inserts a finished run and folds its volume into the lifetime
// total in one transaction.
func RecordRun(conn *sql.DB, run model.ProgramRun) error {
	tx, err := conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin run transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`INSERT INTO runs (program_id, started_at, ended_at, volume_l, cancelled, outcome)
		VALUES (?, ?, ?, ?, ?, ?)`,
		run.ProgramID,
		run.StartedAt.Format(time.RFC3339),
		run.EndedAt.Format(time.RFC3339),
		run.VolumeL,
		run.Cancelled,
		run.Outcome)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	_, err = tx.Exec(`UPDATE totals SET volume_l = volume_l + ? WHERE id = 1`, run.VolumeL)
	if err != nil {
		return fmt.Errorf("failed to update total volume: %w", err)
	}

	return tx.Commit()
}

// SetProgramEnabled flips a program's enabled flag.
func SetProgramEnabled(conn *sql.DB, programID int, enabled bool) error {
	res, err := conn.Exec(`UPDATE programs SET enabled = ? WHERE id = ?`, enabled, programID)
	if err != nil {
		return fmt.Errorf("failed to update program %d: %w", programID, err)
	}
	return requireOneRow(res, programID)
}

// SetProgramDuration sets a program's duration in seconds. Zero means
// unbounded.
func SetProgramDuration(conn *sql.DB, programID int, durationSec int) error {
	if durationSec < 0 {
		return fmt.Errorf("duration must be >= 0, got %d", durationSec)
	}
	res, err := conn.Exec(`UPDATE programs SET duration_sec = ? WHERE id = ?`, durationSec, programID)
	if err != nil {
		return fmt.Errorf("failed to update program %d: %w", programID, err)
	}
	return requireOneRow(res, programID)
}

// ResetTotalVolume zeroes the lifetime volume counter.
func ResetTotalVolume(conn *sql.DB) error {
	_, err := conn.Exec(`UPDATE totals SET volume_l = 0 WHERE id = 1`)
	if err != nil {
		return fmt.Errorf("failed to reset total volume: %w", err)
	}
	return nil
}

func requireOneRow(res sql.Result, programID int) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("program %d not found", programID)
	}
	return nil
}
