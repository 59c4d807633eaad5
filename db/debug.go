package db

import (
	"fmt"
	"strconv"
)

// CLI helpers used by cmd/debug. Each opens the database by path so the tool
// works against a stopped controller.

func SetProgramEnabledCLI(dbPath, programID, value string) error {
	id, err := strconv.Atoi(programID)
	if err != nil {
		return fmt.Errorf("invalid program id %q", programID)
	}
	enabled, err := strconv.ParseBool(value)
	if err != nil {
		return fmt.Errorf("invalid enabled value %q", value)
	}
	conn, err := Open(dbPath)
	if err != nil {
		return err
	}
	defer conn.Close()
	return SetProgramEnabled(conn, id, enabled)
}

func SetProgramDurationCLI(dbPath, programID string, durationSec int) error {
	id, err := strconv.Atoi(programID)
	if err != nil {
		return fmt.Errorf("invalid program id %q", programID)
	}
	conn, err := Open(dbPath)
	if err != nil {
		return err
	}
	defer conn.Close()
	return SetProgramDuration(conn, id, durationSec)
}

func ResetTotalVolumeCLI(dbPath string) error {
	conn, err := Open(dbPath)
	if err != nil {
		return err
	}
	defer conn.Close()
	return ResetTotalVolume(conn)
}

func ListRunsCLI(dbPath string, limit int) error {
	conn, err := Open(dbPath)
	if err != nil {
		return err
	}
	defer conn.Close()

	runs, err := GetRecentRuns(conn, limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("No runs recorded")
		return nil
	}
	for _, r := range runs {
		fmt.Printf("program %d  %s -> %s  %.2f L  %s\n",
			r.ProgramID,
			r.StartedAt.Format("2006-01-02 15:04:05"),
			r.EndedAt.Format("15:04:05"),
			r.VolumeL,
			r.Outcome)
	}
	return nil
}
