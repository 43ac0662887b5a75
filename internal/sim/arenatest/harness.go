package arenatest

import (
	"encoding/json"
	"testing"

	"towerwars.ai/internal/protocol"
	"towerwars.ai/internal/sim/arena"
	"towerwars.ai/internal/sim/broadcast"
	"towerwars.ai/internal/sim/capture"
	"towerwars.ai/internal/sim/territory"
)

// Harness is a small black-box test helper for driving an arena via exported APIs:
// - Register/Enter/Exit/Leave queue inputs for the next tick, in call order
// - Step()/StepFor() apply them via StepOnce()
// - Observers hold a session plus a Mirror fed from its EVENT stream
//
// It intentionally avoids touching arena internals so tests can live outside the arena package.
type Harness struct {
	T *testing.T
	A *arena.Arena

	pending   arena.Inputs
	observers []*Observer
	lastDig   string
}

type Observer struct {
	SessionID string
	Mirror    *broadcast.Mirror
	Events    []broadcast.Event
	Closed    bool

	out <-chan []byte
}

func NewHarness(t *testing.T, g *territory.Graph, cfg arena.Config) *Harness {
	t.Helper()
	a, err := arena.New(cfg, g, nil)
	if err != nil {
		t.Fatalf("arena.New: %v", err)
	}
	return &Harness{T: t, A: a}
}

// LoadGraph reads a territory file, typically configs/territory.yaml.
func LoadGraph(t *testing.T, path string) *territory.Graph {
	t.Helper()
	g, err := territory.Load(path)
	if err != nil {
		t.Fatalf("territory.Load: %v", err)
	}
	return g
}

func (h *Harness) Register(playerID string, team territory.TeamID) {
	h.pending = append(h.pending, arena.TeamInput(arena.PlayerUpdate{Player: playerID, Team: team}))
}

func (h *Harness) Enter(building territory.BuildingID, playerID string, team territory.TeamID) {
	h.pending = append(h.pending, arena.RequestInput(arena.OccupancyRequest{
		Kind: arena.RequestEnter, Building: building, Player: playerID, Team: team,
	}))
}

func (h *Harness) Exit(building territory.BuildingID, playerID string) {
	h.pending = append(h.pending, arena.RequestInput(arena.OccupancyRequest{
		Kind: arena.RequestExit, Building: building, Player: playerID, Team: territory.Neutral,
	}))
}

func (h *Harness) Leave(playerID string) {
	h.pending = append(h.pending, arena.LeaveInput(playerID, ""))
}

// Step applies queued inputs in one tick and returns the digest.
func (h *Harness) Step() string {
	h.T.Helper()
	in := h.pending
	h.pending = nil
	_, h.lastDig = h.A.StepOnce(in)
	h.drain()
	return h.lastDig
}

func (h *Harness) StepFor(n int) {
	h.T.Helper()
	for i := 0; i < n; i++ {
		h.Step()
	}
}

func (h *Harness) Zone(building territory.BuildingID) capture.State {
	h.T.Helper()
	for _, z := range h.A.Snapshot().Zones {
		if z.Building == building {
			return z
		}
	}
	h.T.Fatalf("no zone for building %d", building)
	return capture.State{}
}

// Observe opens a session and syncs a fresh Mirror from its WELCOME snapshot.
func (h *Harness) Observe(name string, maxQueue int) *Observer {
	h.T.Helper()
	resp := h.A.OpenSession(name, protocol.RoleObserver, maxQueue)
	o := &Observer{SessionID: resp.SessionID, Mirror: broadcast.NewMirror(nil), out: resp.Out}
	o.Mirror.Reset(resp.Welcome.Snapshot)
	h.observers = append(h.observers, o)
	return o
}

func (h *Harness) drain() {
	h.T.Helper()
	for _, o := range h.observers {
		h.drainOne(o)
	}
}

func (h *Harness) drainOne(o *Observer) {
	h.T.Helper()
	for !o.Closed {
		select {
		case b, ok := <-o.out:
			if !ok {
				o.Closed = true
				return
			}
			var msg protocol.EventMsg
			if err := json.Unmarshal(b, &msg); err != nil {
				h.T.Fatalf("unmarshal EVENT: %v", err)
			}
			o.Events = append(o.Events, msg.Event)
			if _, err := o.Mirror.Apply(msg.Event); err != nil {
				h.T.Fatalf("mirror apply: %v", err)
			}
			continue
		default:
		}
		return
	}
}
