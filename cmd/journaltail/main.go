package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/vitos/grid_trade_engine/internal/infrastructure/storage"
)

// journaltail prints the most recent trade journal rows, newest first.
func main() {
	limit := flag.Int("n", 20, "number of rows to print")
	flag.Parse()

	_ = godotenv.Load()

	path := os.Getenv("JOURNAL_PATH")
	if path == "" {
		path = "data/trade_journal.db"
	}

	journal, err := storage.NewSQLiteJournal(path)
	if err != nil {
		fmt.Printf("Failed to open journal: %v\n", err)
		os.Exit(1)
	}
	defer journal.Close()

	entries, err := journal.Recent(context.Background(), *limit)
	if err != nil {
		fmt.Printf("Failed to read journal: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Found %d entries in %s:\n", len(entries), path)
	for _, e := range entries {
		mode := "live"
		if e.DryRun {
			mode = "dry_run"
		}
		fmt.Printf("- %s %s %s qty=%d est=%.2f mode=%s leader=%t group=%s note=%q\n",
			e.Time.Format("2006-01-02 15:04:05"),
			e.Symbol, e.Side, e.Qty, e.EstPrice, mode, e.Leader, shortID(e.GroupID), e.Note)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
