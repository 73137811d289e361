package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/marcelscruz/open-gt/internal/store"
)

// runCLI handles subcommand execution. Returns true if a subcommand was
// handled, mirroring the teacher's RunCLI dispatch.
func runCLI(args []string, dbPath string) bool {
	if len(args) == 0 {
		return false
	}

	switch args[0] {
	case "version":
		fmt.Printf("relay %s\n", Version)
		return true
	case "status":
		return cliStatus(dbPath)
	case "sessions":
		return cliSessions(args[1:], dbPath)
	default:
		return false
	}
}

func openCLIStore(dbPath string) *store.Store {
	st, err := store.New(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening database: %v\n", err)
		os.Exit(1)
	}
	return st
}

func cliStatus(dbPath string) bool {
	st := openCLIStore(dbPath)
	defer st.Close()

	ctx := context.Background()
	sessions, err := st.ListSessions(ctx, 1)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Database: %s\n", dbPath)
	fmt.Printf("Version: %s\n", Version)
	if len(sessions) == 0 {
		fmt.Println("No sessions recorded yet.")
		return true
	}
	last := sessions[0]
	fmt.Printf("Last session: %s (car %d, %d laps, best %s, %s)\n",
		last.ID, last.CarCode, last.FinalLapCount, formatLapMs(last.BestLapMs),
		humanize.Time(time.UnixMilli(last.StartedAt)))
	return true
}

func cliSessions(args []string, dbPath string) bool {
	st := openCLIStore(dbPath)
	defer st.Close()

	ctx := context.Background()

	if len(args) == 0 || args[0] == "list" {
		sessions, err := st.ListSessions(ctx, 50)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		if len(sessions) == 0 {
			fmt.Println("No sessions found.")
			return true
		}
		for _, sess := range sessions {
			fmt.Printf("  %s  car=%d  laps=%d  best=%s  started=%s (%s)\n",
				sess.ID, sess.CarCode, sess.FinalLapCount, formatLapMs(sess.BestLapMs),
				time.UnixMilli(sess.StartedAt).Format(time.RFC3339),
				humanize.Time(time.UnixMilli(sess.StartedAt)))
		}
		return true
	}

	if args[0] == "show" && len(args) > 1 {
		sess, ok, err := st.GetSession(ctx, args[1])
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		if !ok {
			fmt.Fprintf(os.Stderr, "session %q not found\n", args[1])
			os.Exit(1)
		}
		fmt.Printf("ID:          %s\n", sess.ID)
		fmt.Printf("Car code:    %d\n", sess.CarCode)
		fmt.Printf("Started:     %s\n", time.UnixMilli(sess.StartedAt).Format(time.RFC3339))
		fmt.Printf("Ended:       %s\n", time.UnixMilli(sess.EndedAt).Format(time.RFC3339))
		fmt.Printf("Packets:     %d\n", sess.PacketCount)
		fmt.Printf("Laps:        %d\n", sess.FinalLapCount)
		fmt.Printf("Best lap:    %s\n", formatLapMs(sess.BestLapMs))
		fmt.Printf("NDJSON path: %s\n", sess.NDJSONPath)
		fmt.Printf("Meta path:   %s\n", sess.MetaPath)
		return true
	}

	fmt.Fprintf(os.Stderr, "Usage: relay sessions [list|show <id>]\n")
	os.Exit(1)
	return true
}

func formatLapMs(ms int32) string {
	if ms <= 0 {
		return "--:--.---"
	}
	d := time.Duration(ms) * time.Millisecond
	minutes := int(d.Minutes())
	seconds := d.Seconds() - float64(minutes*60)
	return fmt.Sprintf("%d:%06.3f", minutes, seconds)
}
