package arena

import (
	"towerwars.ai/internal/sim/broadcast"
)

type upstreamMsg struct {
	snapshot *broadcast.Snapshot
	event    *broadcast.Event
}

// Resync replaces a replica's view with an authority snapshot. Local sessions are
// closed so they rejoin against it. It is a no-op on an authority.
func (a *Arena) Resync(s broadcast.Snapshot) { a.sendUpstream(upstreamMsg{snapshot: &s}) }

// Replicate applies one authority event to a replica's view and passes it on to
// local sessions.
func (a *Arena) Replicate(ev broadcast.Event) { a.sendUpstream(upstreamMsg{event: &ev}) }

func (a *Arena) sendUpstream(m upstreamMsg) {
	if a.mirror == nil {
		return
	}
	select {
	case a.upstream <- m:
	case <-a.stop:
	case <-a.finished:
	}
}

func (a *Arena) applyUpstream(m upstreamMsg) {
	switch {
	case m.snapshot != nil:
		a.mirror.Reset(*m.snapshot)
		a.bc.Adopt(*m.snapshot)
		if n := len(a.sessions); n > 0 {
			a.log.Printf("arena: upstream resync epoch=%s cursor=%d; closing %d sessions", m.snapshot.Epoch, m.snapshot.Cursor, n)
		}
		a.closeSessions()
	case m.event != nil:
		// An epoch mismatch is left to the client, which reconnects and resyncs.
		applied, err := a.mirror.Apply(*m.event)
		if err != nil || !applied {
			return
		}
		a.bc.Append(*m.event)
		a.published++
		a.emit(*m.event)
	}
	a.storeViews(a.tick.Load(), a.lastStepMS)
}
