package arena

import (
	"towerwars.ai/internal/sim/capture"
	"towerwars.ai/internal/sim/ledger"
)

// Metrics is a thread-safe read-only view of key arena runtime signals.
// It is updated from the arena loop goroutine and read from HTTP handlers/tests.
type Metrics struct {
	Tick      uint64 `json:"tick"`
	Authority bool   `json:"authority"`

	Players  int `json:"players"`
	Sessions int `json:"sessions"`

	// Phases counts zones per phase.
	Phases map[capture.Phase]int `json:"phases"`

	QueueDepths QueueDepths `json:"queue_depths"`

	StepMS float64 `json:"step_ms"`

	Cursor           uint64 `json:"cursor"`
	EventsPublished  uint64 `json:"events_published"`
	RequestsRejected uint64 `json:"requests_rejected"`
	SessionsDropped  uint64 `json:"sessions_dropped"`
	SinkErrors       uint64 `json:"sink_errors"`
}

type QueueDepths struct {
	Inbox    int `json:"inbox"`
	Upstream int `json:"upstream"`
	Sessions int `json:"sessions"`
}

// StateView is the latest published zone and ledger state for admin readers.
type StateView struct {
	Tick      uint64          `json:"tick"`
	Epoch     string          `json:"epoch"`
	Cursor    uint64          `json:"cursor"`
	Authority bool            `json:"authority"`
	Zones     []capture.State `json:"zones"`
	Ledger    ledger.Snapshot `json:"ledger"`
}

// view returns the zone and ledger state sessions and admin readers see: the
// local simulation, or the mirrored upstream on a replica.
func (a *Arena) view() (epoch string, zones []capture.State, led ledger.Snapshot) {
	if a.mirror != nil {
		s := a.mirror.Snapshot()
		return s.Epoch, s.Zones, s.Ledger
	}
	zones = make([]capture.State, 0, len(a.order))
	for _, id := range a.order {
		zones = append(zones, a.zones[id].State())
	}
	return a.bc.Epoch(), zones, a.ledger.Snapshot()
}

func (a *Arena) storeViews(tick uint64, stepMS float64) {
	epoch, zones, led := a.view()
	phases := map[capture.Phase]int{}
	for _, z := range zones {
		phases[z.Phase]++
	}
	auth := a.IsAuthority()
	cursor := a.bc.Cursor()

	a.metrics.Store(Metrics{
		Tick:      tick,
		Authority: auth,
		Players:   len(a.players),
		Sessions:  len(a.sessions),
		Phases:    phases,
		QueueDepths: QueueDepths{
			Inbox:    len(a.inbox),
			Upstream: len(a.upstream),
			Sessions: len(a.sessionJoin) + len(a.sessionLeave),
		},
		StepMS:           stepMS,
		Cursor:           cursor,
		EventsPublished:  a.published,
		RequestsRejected: a.rejected,
		SessionsDropped:  a.sessionsDropped,
		SinkErrors:       a.bc.SinkErrors(),
	})
	a.state.Store(StateView{
		Tick:      tick,
		Epoch:     epoch,
		Cursor:    cursor,
		Authority: auth,
		Zones:     zones,
		Ledger:    led,
	})
}

func (a *Arena) Metrics() Metrics {
	if a == nil {
		return Metrics{}
	}
	m, _ := a.metrics.Load().(Metrics)
	return m
}

// Snapshot returns the state as of the last completed tick.
func (a *Arena) Snapshot() StateView {
	if a == nil {
		return StateView{}
	}
	s, _ := a.state.Load().(StateView)
	return s
}
