package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	persistlog "towerwars.ai/internal/persistence/log"
	"towerwars.ai/internal/sim/arena"
	"towerwars.ai/internal/sim/territory"
	"towerwars.ai/internal/sim/tuning"
)

func main() {
	var (
		arenaDir  = flag.String("arena_dir", "", "arena data dir containing ticks/ticks-*.jsonl.zst")
		configDir = flag.String("configs", "./configs", "config directory")
		toTick    = flag.Uint64("to_tick", 0, "stop at tick (inclusive, optional)")
	)
	flag.Parse()

	if *arenaDir == "" {
		fmt.Fprintln(os.Stderr, "missing -arena_dir")
		os.Exit(2)
	}

	g, err := territory.Load(filepath.Join(*configDir, "territory.yaml"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "load territory:", err)
		os.Exit(1)
	}
	tune, err := tuning.Load(filepath.Join(*configDir, "tuning.yaml"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "load tuning:", err)
		os.Exit(1)
	}
	a, err := arena.New(arena.ConfigFromTuning(tune), g, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, "arena:", err)
		os.Exit(1)
	}

	checked, last, err := replay(a, *arenaDir, *toTick)
	if err != nil {
		fmt.Fprintln(os.Stderr, "replay:", err)
		os.Exit(1)
	}
	fmt.Printf("replay ok: checked=%d ticks last_digest=%s\n", checked, last)
}

var errStop = errors.New("stop")

// replay feeds every logged tick through a and verifies the recorded digests.
// The arena must be fresh: tick logs always start at tick 0.
func replay(a *arena.Arena, arenaDir string, toTick uint64) (checked uint64, last string, err error) {
	err = persistlog.ReadTicks(arenaDir, func(entry arena.TickLogEntry) error {
		if toTick != 0 && entry.Tick > toTick {
			return errStop
		}
		if want := a.CurrentTick(); entry.Tick != want {
			return fmt.Errorf("tick gap: log has %d, arena at %d", entry.Tick, want)
		}
		_, digest := a.StepOnce(entry.Inputs)
		if digest != entry.Digest {
			return fmt.Errorf("digest mismatch at tick %d: got %s want %s", entry.Tick, digest, entry.Digest)
		}
		checked++
		last = digest
		return nil
	})
	if errors.Is(err, errStop) {
		err = nil
	}
	return checked, last, err
}
