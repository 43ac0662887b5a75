package arena

import (
	"encoding/json"
	"sort"

	"github.com/google/uuid"

	"towerwars.ai/internal/protocol"
	"towerwars.ai/internal/sim/broadcast"
	"towerwars.ai/internal/sim/capture"
)

type SessionJoinRequest struct {
	Name     string
	Role     string
	MaxQueue int
	Resp     chan SessionJoinResponse
}

type SessionJoinResponse struct {
	SessionID string
	Welcome   protocol.WelcomeMsg
	// Out carries encoded EVENT messages. The arena closes it when the session
	// is dropped for overflow or removed.
	Out <-chan []byte
}

type session struct {
	id   string
	name string
	role string
	out  chan []byte
}

// OpenSession registers a session and returns its WELCOME snapshot. Every EVENT
// written to Out afterwards has a cursor past the snapshot. Call it only from the
// loop goroutine or before Run.
func (a *Arena) OpenSession(name, role string, maxQueue int) SessionJoinResponse {
	if maxQueue <= 0 || maxQueue > a.cfg.MaxQueue {
		maxQueue = a.cfg.MaxQueue
	}
	if role == "" {
		role = protocol.RoleObserver
	}
	s := &session{
		id:   uuid.NewString(),
		name: name,
		role: role,
		out:  make(chan []byte, maxQueue),
	}
	a.sessions[s.id] = s
	a.log.Printf("arena: session %s joined (name=%s role=%s)", s.id, name, role)

	return SessionJoinResponse{
		SessionID: s.id,
		Welcome: protocol.WelcomeMsg{
			Type:            protocol.TypeWelcome,
			ProtocolVersion: protocol.Version,
			SessionID:       s.id,
			ServerCapabilities: protocol.ServerCapabilities{
				EventBatch: true,
				Authority:  a.IsAuthority(),
			},
			Params: protocol.ArenaParams{
				TickRateHz:    a.cfg.TickRateHz,
				Threshold:     a.zones[a.order[0]].Params().Threshold,
				CaptureRadius: a.cfg.CaptureRadius,
			},
			Snapshot: a.resyncSnapshot(),
		},
		Out: s.out,
	}
}

// CloseSession removes the session and returns departures for the players it had
// registered so they leave at the next tick boundary. Each departure is bound to
// the session, so a player that re-registered under a newer session stays. Call
// it only from the loop goroutine.
func (a *Arena) CloseSession(id string) Inputs {
	if s, ok := a.sessions[id]; ok {
		delete(a.sessions, id)
		close(s.out)
		a.log.Printf("arena: session %s left", id)
	}
	var owned []string
	for pid, p := range a.players {
		if p.session == id {
			owned = append(owned, pid)
		}
	}
	sort.Strings(owned)
	out := make(Inputs, 0, len(owned))
	for _, pid := range owned {
		out = append(out, LeaveInput(pid, id))
	}
	return out
}

func (a *Arena) closeSessions() {
	for id, s := range a.sessions {
		delete(a.sessions, id)
		close(s.out)
	}
}

func (a *Arena) resyncSnapshot() broadcast.Snapshot {
	if a.mirror != nil {
		return a.mirror.Snapshot()
	}
	s := broadcast.Snapshot{
		Epoch:  a.bc.Epoch(),
		Cursor: a.bc.Cursor(),
		Tick:   a.tick.Load(),
		Seqs:   a.bc.Seqs(),
		Zones:  make([]capture.State, 0, len(a.order)),
		Ledger: a.ledger.Snapshot(),
	}
	for _, id := range a.order {
		s.Zones = append(s.Zones, a.zones[id].State())
	}
	return s
}

// fanout delivers b to every session. A session that cannot keep up is dropped
// rather than skipped so it never silently misses an event.
func (a *Arena) fanout(b []byte) {
	for id, s := range a.sessions {
		select {
		case s.out <- b:
		default:
			delete(a.sessions, id)
			close(s.out)
			a.sessionsDropped++
			a.log.Printf("arena: session %s dropped (outbound queue full)", id)
		}
	}
}

func (a *Arena) publish(tick uint64, z *capture.Zone, tr capture.Transition) {
	ev := a.bc.Publish(tick, tr, z.State())
	a.published++
	a.emit(ev)
}

func (a *Arena) emit(ev broadcast.Event) {
	if len(a.sessions) == 0 {
		return
	}
	b, err := json.Marshal(protocol.NewEventMsg(ev))
	if err != nil {
		a.log.Printf("arena: encode event cursor=%d: %v", ev.Cursor, err)
		return
	}
	a.fanout(b)
}
