package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"towerwars.ai/internal/persistence/indexdb"
)

// dbCmd queries the history index directly, e.g. after the server has stopped.
func dbCmd(args []string) {
	fs := flag.NewFlagSet("db", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	arenaID := fs.String("arena", "", "arena id (required unless -db)")
	dbPath := fs.String("db", "", "sqlite db path (optional)")
	building := fs.Int("building", -1, "building filter (events)")
	team := fs.Int("team", 0, "team (ownership)")
	limit := fs.Int("limit", 20, "result limit")
	_ = fs.Parse(args)

	q := "events"
	if fs.NArg() > 0 {
		q = strings.TrimSpace(fs.Arg(0))
	}

	path := strings.TrimSpace(*dbPath)
	if path == "" {
		if strings.TrimSpace(*arenaID) == "" {
			fmt.Fprintln(os.Stderr, "missing -arena or -db")
			os.Exit(2)
		}
		path = filepath.Join(*dataDir, "arenas", *arenaID, "index.sqlite")
	}
	if _, err := os.Stat(path); err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}

	idx, err := indexdb.OpenSQLite(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer idx.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch q {
	case "events":
		evs, err := idx.History(ctx, *building, *limit)
		if err != nil {
			fmt.Fprintln(os.Stderr, "query:", err)
			os.Exit(1)
		}
		for _, ev := range evs {
			printJSON(ev)
		}
	case "ownership":
		rows, err := idx.OwnershipHistory(ctx, *team)
		if err != nil {
			fmt.Fprintln(os.Stderr, "query:", err)
			os.Exit(1)
		}
		for _, r := range rows {
			printJSON(r)
		}
	case "rejections":
		rows, err := idx.Rejections(ctx, *limit)
		if err != nil {
			fmt.Fprintln(os.Stderr, "query:", err)
			os.Exit(1)
		}
		for _, r := range rows {
			printJSON(r)
		}
	default:
		fmt.Fprintln(os.Stderr, "unknown query:", q, "(want events|ownership|rejections)")
		os.Exit(2)
	}
}
