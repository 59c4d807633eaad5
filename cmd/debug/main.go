package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/thatsimonsguy/flush-controller/db"
)

func main() {
	DebugCLI()
}

func DebugCLI() {
	var dbPath, command, program, value string
	var duration, limit int
	flag.StringVar(&dbPath, "db", "data/flush.db", "Path to the SQLite database file")
	flag.StringVar(&command, "cmd", "", "Command to run: set-program-enabled, set-program-duration, reset-total, list-runs")
	flag.StringVar(&program, "program", "", "Program id for program commands")
	flag.StringVar(&value, "value", "", "Enabled value (true/false)")
	flag.IntVar(&duration, "duration", 0, "Program duration in seconds")
	flag.IntVar(&limit, "limit", 10, "Number of runs to list")
	help := flag.Bool("help", false, "Show help")
	flag.Parse()

	if *help || command == "" {
		fmt.Println("\nUsage of flush-debug:")
		fmt.Println("  -db string\tPath to the SQLite database file (default 'data/flush.db')")
		fmt.Println("  -cmd string\tCommand to run: set-program-enabled, set-program-duration, reset-total, list-runs")
		fmt.Println("  -program string\tProgram id for program commands")
		fmt.Println("  -value string\tEnabled value (true/false)")
		fmt.Println("  -duration int\tProgram duration in seconds")
		fmt.Println("  -limit int\tNumber of runs to list")
		fmt.Println("  -help\tShow this help message")
		os.Exit(0)
	}

	var err error
	switch command {
	case "set-program-enabled":
		if program == "" {
			fmt.Println("Error: program id is required")
			os.Exit(1)
		}
		err = db.SetProgramEnabledCLI(dbPath, program, value)
	case "set-program-duration":
		if program == "" {
			fmt.Println("Error: program id is required")
			os.Exit(1)
		}
		err = db.SetProgramDurationCLI(dbPath, program, duration)
	case "reset-total":
		err = db.ResetTotalVolumeCLI(dbPath)
	case "list-runs":
		err = db.ListRunsCLI(dbPath, limit)
	default:
		fmt.Println("Invalid command")
		os.Exit(1)
	}

	if err != nil {
		fmt.Printf("Command %s failed: %v\n", command, err)
		os.Exit(1)
	}
	fmt.Printf("Command %s completed successfully\n", command)
}
