package broadcast

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"towerwars.ai/internal/sim/capture"
	"towerwars.ai/internal/sim/ledger"
)

// ErrEpochMismatch means the event belongs to another authority session. The
// observer must fetch a fresh snapshot and Reset.
var ErrEpochMismatch = errors.New("event from a different authority epoch")

// Presenter receives one callback per logical transition on an observer.
type Presenter interface {
	OnContestStart(building BuildingID, team TeamID)
	OnProgressChanged(building BuildingID, progress float64)
	OnCaptured(building BuildingID, team TeamID)
	OnNeutralized(building BuildingID)
	OnDecayStarted(building BuildingID, byTeam TeamID)
}

type NopPresenter struct{}

func (NopPresenter) OnContestStart(BuildingID, TeamID)     {}
func (NopPresenter) OnProgressChanged(BuildingID, float64) {}
func (NopPresenter) OnCaptured(BuildingID, TeamID)         {}
func (NopPresenter) OnNeutralized(BuildingID)              {}
func (NopPresenter) OnDecayStarted(BuildingID, TeamID)     {}

// Mirror is an observer's applied copy of zone and ledger state.
type Mirror struct {
	present Presenter

	mu     sync.Mutex
	epoch  string
	cursor uint64
	tick   uint64
	seqs   map[BuildingID]uint64
	zones  map[BuildingID]capture.State
	ledger *ledger.Replica
}

func NewMirror(p Presenter) *Mirror {
	if p == nil {
		p = NopPresenter{}
	}
	return &Mirror{
		present: p,
		seqs:    map[BuildingID]uint64{},
		zones:   map[BuildingID]capture.State{},
		ledger:  ledger.NewReplica(ledger.Snapshot{}),
	}
}

// Reset replaces all mirrored state with s. Presenter hooks are not fired.
func (m *Mirror) Reset(s Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.epoch = s.Epoch
	m.cursor = s.Cursor
	m.tick = s.Tick
	m.seqs = make(map[BuildingID]uint64, len(s.Seqs))
	for k, v := range s.Seqs {
		m.seqs[k] = v
	}
	m.zones = make(map[BuildingID]capture.State, len(s.Zones))
	for _, z := range s.Zones {
		m.zones[z.Building] = z
	}
	m.ledger = ledger.NewReplica(s.Ledger)
}

// Apply writes ev into the mirror. It reports false without error for an event
// already applied.
func (m *Mirror) Apply(ev Event) (bool, error) {
	m.mu.Lock()
	if m.epoch == "" || ev.Epoch != m.epoch {
		have := m.epoch
		m.mu.Unlock()
		return false, fmt.Errorf("%w: have %q got %q", ErrEpochMismatch, have, ev.Epoch)
	}
	if ev.Seq <= m.seqs[ev.Building] {
		m.mu.Unlock()
		return false, nil
	}
	m.seqs[ev.Building] = ev.Seq
	if ev.Cursor > m.cursor {
		m.cursor = ev.Cursor
	}
	if ev.Tick > m.tick {
		m.tick = ev.Tick
	}
	m.zones[ev.Building] = ev.Zone
	if ev.Ledger != nil {
		m.ledger.Apply(*ev.Ledger)
	}
	m.mu.Unlock()

	switch ev.Kind {
	case capture.KindContestStart:
		m.present.OnContestStart(ev.Building, ev.Team)
	case capture.KindProgress:
		m.present.OnProgressChanged(ev.Building, ev.Progress)
	case capture.KindCaptured:
		m.present.OnCaptured(ev.Building, ev.Team)
	case capture.KindNeutralized:
		m.present.OnNeutralized(ev.Building)
	case capture.KindDecayStarted:
		m.present.OnDecayStarted(ev.Building, ev.Team)
	}
	return true, nil
}

func (m *Mirror) Epoch() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.epoch
}

func (m *Mirror) Cursor() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cursor
}

// Snapshot returns the applied state as a resync point, zones ordered by building.
func (m *Mirror) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Snapshot{
		Epoch:  m.epoch,
		Cursor: m.cursor,
		Tick:   m.tick,
		Seqs:   make(map[BuildingID]uint64, len(m.seqs)),
		Zones:  make([]capture.State, 0, len(m.zones)),
		Ledger: m.ledger.Snapshot(),
	}
	for k, v := range m.seqs {
		s.Seqs[k] = v
	}
	for _, z := range m.zones {
		s.Zones = append(s.Zones, z)
	}
	sort.Slice(s.Zones, func(i, j int) bool { return s.Zones[i].Building < s.Zones[j].Building })
	return s
}

func (m *Mirror) Zone(building BuildingID) (capture.State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	z, ok := m.zones[building]
	return z, ok
}

func (m *Mirror) Tower(building BuildingID) (ledger.Tower, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ledger.Tower(building)
}

func (m *Mirror) Team(team TeamID) (ledger.TeamRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ledger.Team(team)
}
