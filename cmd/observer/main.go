package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"towerwars.ai/internal/client"
	"towerwars.ai/internal/protocol"
	"towerwars.ai/internal/sim/broadcast"
)

func main() {
	var (
		url      = flag.String("url", "ws://localhost:8080/v1/ws", "ws url")
		name     = flag.String("name", "observer", "client name")
		maxQueue = flag.Int("max_queue", 256, "requested outbound queue size")
		every    = flag.Duration("status_every", 10*time.Second, "status log interval (0 to disable)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[observer] ", log.LstdFlags|log.Lmicroseconds)

	s := client.NewSession(client.Config{
		URL:       *url,
		Name:      *name,
		Role:      protocol.RoleObserver,
		MaxQueue:  *maxQueue,
		Presenter: logPresenter{log: logger},
		Logger:    logger,
		OnError: func(e protocol.ErrorMsg) {
			logger.Printf("server error %s: %s", e.Code, e.Message)
		},
	})
	s.Start()
	defer s.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var tick <-chan time.Time
	if *every > 0 {
		t := time.NewTicker(*every)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
			b, _ := json.Marshal(s.Status())
			logger.Printf("status %s", b)
		}
	}
}

// logPresenter prints every state change the mirror reports.
type logPresenter struct{ log *log.Logger }

func (p logPresenter) OnContestStart(b broadcast.BuildingID, team broadcast.TeamID) {
	p.log.Printf("building %d: contest started by team %d", b, team)
}

func (p logPresenter) OnProgressChanged(b broadcast.BuildingID, progress float64) {
	p.log.Printf("building %d: progress %.1f", b, progress)
}

func (p logPresenter) OnCaptured(b broadcast.BuildingID, team broadcast.TeamID) {
	p.log.Printf("building %d: captured by team %d", b, team)
}

func (p logPresenter) OnNeutralized(b broadcast.BuildingID) {
	p.log.Printf("building %d: neutralized", b)
}

func (p logPresenter) OnDecayStarted(b broadcast.BuildingID, team broadcast.TeamID) {
	p.log.Printf("building %d: decay started by team %d", b, team)
}
