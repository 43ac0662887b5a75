// Package broadcast carries zone transitions from the authority to every observer.
//
// The authority side (Broadcaster) stamps each event with the session epoch, a
// global cursor and a per-building sequence number, keeps a bounded ring for
// resume, and fans events out to sinks. The observer side (Mirror) applies events
// by sequence so redelivery is a no-op.
package broadcast

import (
	"io"
	"log"
	"sync"

	"github.com/google/uuid"

	"towerwars.ai/internal/sim/capture"
	"towerwars.ai/internal/sim/ledger"
	"towerwars.ai/internal/sim/territory"
)

type BuildingID = territory.BuildingID
type TeamID = territory.TeamID

// Event is one replicated zone transition. Zone is the full post-transition state
// so observers never derive state themselves.
type Event struct {
	Epoch    string         `json:"epoch"`
	Cursor   uint64         `json:"cursor"`
	Seq      uint64         `json:"seq"`
	Tick     uint64         `json:"tick"`
	Kind     capture.Kind   `json:"kind"`
	Building BuildingID     `json:"building"`
	Team     TeamID         `json:"team"`
	Progress float64        `json:"progress"`
	Zone     capture.State  `json:"zone"`
	Ledger   *ledger.Change `json:"ledger,omitempty"`
}

// Sink receives every published event. Deliver is called on the authority tick
// goroutine and must not block.
type Sink interface {
	Deliver(ev Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ev Event) error

func (f SinkFunc) Deliver(ev Event) error { return f(ev) }

// Snapshot is the resync point handed to a joining observer.
type Snapshot struct {
	Epoch  string                `json:"epoch"`
	Cursor uint64                `json:"cursor"`
	Tick   uint64                `json:"tick"`
	Seqs   map[BuildingID]uint64 `json:"seqs"`
	Zones  []capture.State       `json:"zones"`
	Ledger ledger.Snapshot       `json:"ledger"`
}

type Broadcaster struct {
	log *log.Logger

	mu     sync.Mutex
	epoch  string
	cursor uint64
	seqs   map[BuildingID]uint64
	ring   []Event
	head   int
	size   int
	sinks  []Sink
	failed uint64
}

// NewBroadcaster starts a new epoch. ringSize bounds how far back Since can resume.
func NewBroadcaster(ringSize int, logger *log.Logger) *Broadcaster {
	if ringSize <= 0 {
		ringSize = 4096
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Broadcaster{
		log:   logger,
		epoch: uuid.NewString(),
		seqs:  map[BuildingID]uint64{},
		ring:  make([]Event, ringSize),
	}
}

func (b *Broadcaster) Epoch() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.epoch
}

func (b *Broadcaster) Cursor() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cursor
}

// Seqs returns a copy of the last sequence number issued per building.
func (b *Broadcaster) Seqs() map[BuildingID]uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[BuildingID]uint64, len(b.seqs))
	for k, v := range b.seqs {
		out[k] = v
	}
	return out
}

// SinkErrors counts failed sink deliveries since start.
func (b *Broadcaster) SinkErrors() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failed
}

func (b *Broadcaster) AddSink(s Sink) {
	if s == nil {
		return
	}
	b.mu.Lock()
	b.sinks = append(b.sinks, s)
	b.mu.Unlock()
}

// Publish stamps tr and appends it to the outbound stream. zone is the state after tr.
func (b *Broadcaster) Publish(tick uint64, tr capture.Transition, zone capture.State) Event {
	b.mu.Lock()
	b.cursor++
	b.seqs[zone.Building]++
	ev := Event{
		Epoch:    b.epoch,
		Cursor:   b.cursor,
		Seq:      b.seqs[zone.Building],
		Tick:     tick,
		Kind:     tr.Kind,
		Building: zone.Building,
		Team:     tr.Team,
		Progress: tr.Progress,
		Zone:     zone,
		Ledger:   tr.Ledger,
	}
	b.pushLocked(ev)
	sinks := append([]Sink(nil), b.sinks...)
	b.mu.Unlock()

	for _, s := range sinks {
		if err := s.Deliver(ev); err != nil {
			b.mu.Lock()
			b.failed++
			b.mu.Unlock()
			b.log.Printf("broadcast: sink %T cursor=%d: %v", s, ev.Cursor, err)
		}
	}
	return ev
}

// Adopt takes over the epoch, cursor and sequence numbers of a snapshot stamped
// by a remote authority and empties the ring. Replicas call it before Append.
func (b *Broadcaster) Adopt(s Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.epoch = s.Epoch
	b.cursor = s.Cursor
	b.seqs = make(map[BuildingID]uint64, len(s.Seqs))
	for k, v := range s.Seqs {
		b.seqs[k] = v
	}
	b.head, b.size = 0, 0
}

// Append buffers an event stamped elsewhere, keeping its cursor and sequence.
// Sinks are not called; the stamping authority delivers to its own.
func (b *Broadcaster) Append(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ev.Cursor > b.cursor {
		b.cursor = ev.Cursor
	}
	if ev.Seq > b.seqs[ev.Building] {
		b.seqs[ev.Building] = ev.Seq
	}
	b.pushLocked(ev)
}

func (b *Broadcaster) pushLocked(ev Event) {
	b.ring[b.head] = ev
	b.head = (b.head + 1) % len(b.ring)
	if b.size < len(b.ring) {
		b.size++
	}
}

// Since returns buffered events with cursor greater than after, oldest first.
// truncated is true when some of those events have already left the ring; the
// caller must resync from a snapshot instead.
func (b *Broadcaster) Since(after uint64, max int) (events []Event, next uint64, truncated bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	next = after
	if after >= b.cursor {
		return nil, next, false
	}
	if b.size == 0 {
		// Only an adopted stream has a cursor with nothing buffered.
		return nil, next, true
	}
	start := (b.head - b.size + len(b.ring)) % len(b.ring)
	oldest := b.ring[start].Cursor
	if after+1 < oldest {
		truncated = true
	}
	for i := 0; i < b.size; i++ {
		ev := b.ring[(start+i)%len(b.ring)]
		if ev.Cursor <= after {
			continue
		}
		if max > 0 && len(events) >= max {
			break
		}
		events = append(events, ev)
		next = ev.Cursor
	}
	return events, next, truncated
}
