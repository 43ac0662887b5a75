// Package ledger is the authoritative record of which buildings each team holds.
//
// The ledger has a single writer (the authority tick) and many readers (every
// capture zone's eligibility gate plus admin/HTTP readers), so all access goes
// through one mutex.
package ledger

import (
	"errors"
	"fmt"
	"io"
	"log"
	"sort"
	"sync"

	"towerwars.ai/internal/sim/territory"
)

var ErrNeutralTeam = errors.New("capture must be attributed to a team")

type TeamID = territory.TeamID
type BuildingID = territory.BuildingID

// Tower is the per-building ownership row replicated to every observer.
type Tower struct {
	Building BuildingID `json:"building"`
	Captured bool       `json:"captured"`
	Team     TeamID     `json:"team"`
}

// TeamRecord holds one team's slots. AdjacentCaptured is index-aligned with the
// team's adjacency list in the territory graph.
type TeamRecord struct {
	Team              TeamID          `json:"team"`
	MainCaptured      bool            `json:"main_captured"`
	EnemyMainCaptured map[TeamID]bool `json:"enemy_main_captured"`
	AdjacentCaptured  []bool          `json:"adjacent_captured"`
}

func (r TeamRecord) clone() TeamRecord {
	out := r
	out.EnemyMainCaptured = make(map[TeamID]bool, len(r.EnemyMainCaptured))
	for k, v := range r.EnemyMainCaptured {
		out.EnemyMainCaptured[k] = v
	}
	out.AdjacentCaptured = append([]bool(nil), r.AdjacentCaptured...)
	return out
}

// Change describes one ledger mutation. Observers apply it verbatim.
type Change struct {
	Team     TeamID         `json:"team"`
	Building BuildingID     `json:"building"`
	Captured bool           `json:"captured"`
	Slot     territory.Slot `json:"slot,omitempty"`
	// Enemy is set for SlotEnemyMain.
	Enemy TeamID `json:"enemy"`
	// Indexes is set for SlotAdjacent.
	Indexes []int `json:"indexes,omitempty"`
	Tower   Tower `json:"tower"`
}

type Snapshot struct {
	Teams  []TeamRecord `json:"teams"`
	Towers []Tower      `json:"towers"`
}

type Ledger struct {
	graph *territory.Graph
	log   *log.Logger

	mu     sync.RWMutex
	teams  map[TeamID]*TeamRecord
	towers map[BuildingID]*Tower
}

func New(g *territory.Graph, logger *log.Logger) *Ledger {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	l := &Ledger{
		graph:  g,
		log:    logger,
		teams:  map[TeamID]*TeamRecord{},
		towers: map[BuildingID]*Tower{},
	}
	for _, tid := range g.Teams() {
		t, _ := g.Team(tid)
		rec := &TeamRecord{
			Team:              tid,
			EnemyMainCaptured: map[TeamID]bool{},
			AdjacentCaptured:  make([]bool, len(t.Adjacent)),
		}
		for _, other := range g.Teams() {
			if other != tid {
				rec.EnemyMainCaptured[other] = false
			}
		}
		l.teams[tid] = rec
	}
	for _, bid := range g.Buildings() {
		l.towers[bid] = &Tower{Building: bid, Team: territory.Neutral}
	}
	return l
}

// RecordCapture writes the outcome of a capture (captured=true) or a neutralization
// (captured=false) for team into exactly the ledger slot the building occupies for
// that team, and into the tower table.
func (l *Ledger) RecordCapture(team TeamID, building BuildingID, captured bool) (Change, error) {
	if team == territory.Neutral {
		l.log.Printf("ledger: inconsistent record for building %d: neutral team (captured=%v)", building, captured)
		return Change{}, ErrNeutralTeam
	}
	slot, err := l.graph.Classify(team, building)
	if err != nil {
		l.log.Printf("ledger: record team=%d building=%d: %v", team, building, err)
		return Change{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	rec := l.teams[team]
	ch := Change{Team: team, Building: building, Captured: captured, Slot: slot, Enemy: territory.Neutral}
	switch slot {
	case territory.SlotMain:
		rec.MainCaptured = captured
	case territory.SlotEnemyMain:
		enemy, _ := l.graph.MainOwner(building)
		rec.EnemyMainCaptured[enemy] = captured
		ch.Enemy = enemy
	case territory.SlotAdjacent:
		ch.Indexes = l.graph.AdjacentIndexes(team, building)
		for _, i := range ch.Indexes {
			rec.AdjacentCaptured[i] = captured
		}
	}

	tw := l.towers[building]
	tw.Captured = captured
	if captured {
		tw.Team = team
	} else {
		tw.Team = territory.Neutral
	}
	ch.Tower = *tw
	return ch, nil
}

// IsPrerequisiteSatisfied reports whether team may contest building right now.
// Configuration errors fail closed.
func (l *Ledger) IsPrerequisiteSatisfied(team TeamID, building BuildingID) bool {
	ok, err := l.Eligibility(team, building)
	return ok && err == nil
}

// Eligibility evaluates the capture gate for team on building. A non-nil error
// wraps territory.ErrConfiguration and always comes with false.
func (l *Ledger) Eligibility(team TeamID, building BuildingID) (bool, error) {
	t, ok := l.graph.Team(team)
	if !ok {
		return false, fmt.Errorf("%w: %d", territory.ErrUnknownTeam, team)
	}
	b, ok := l.graph.Building(building)
	if !ok {
		return false, fmt.Errorf("%w: %d", territory.ErrUnknownBuilding, building)
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	rec := l.teams[team]

	if building == t.Main {
		// Home turf is always contestable until held.
		return !rec.MainCaptured, nil
	}
	if !rec.MainCaptured {
		return false, nil
	}

	if owner := b.Cathedral; owner != territory.Neutral && owner != team {
		ownerTeam, ok := l.graph.Team(owner)
		if !ok {
			return false, fmt.Errorf("%w: cathedral owner %d", territory.ErrUnknownTeam, owner)
		}
		adj, err := l.adjacentCapturedLocked(rec, team, ownerTeam.Main)
		if err != nil || !adj {
			return false, err
		}
		if !rec.EnemyMainCaptured[owner] {
			return false, nil
		}
	}

	if _, isMain := l.graph.MainOwner(building); isMain || b.Gated {
		adj, err := l.adjacentCapturedLocked(rec, team, building)
		if err != nil || !adj {
			return false, err
		}
	}
	return true, nil
}

func (l *Ledger) adjacentCapturedLocked(rec *TeamRecord, team TeamID, target BuildingID) (bool, error) {
	idx := l.graph.AdjacentFor(team, target)
	if len(rec.AdjacentCaptured) == 0 || len(idx) == 0 {
		return false, fmt.Errorf("%w: team %d has no adjacency entry for building %d", territory.ErrMissingAdjacent, team, target)
	}
	for _, i := range idx {
		if rec.AdjacentCaptured[i] {
			return true, nil
		}
	}
	return false, nil
}

func (l *Ledger) Tower(building BuildingID) (Tower, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	tw, ok := l.towers[building]
	if !ok {
		return Tower{}, false
	}
	return *tw, true
}

// Towers returns the tower table ordered by building id.
func (l *Ledger) Towers() []Tower {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.towersLocked()
}

func (l *Ledger) towersLocked() []Tower {
	out := make([]Tower, 0, len(l.towers))
	for _, tw := range l.towers {
		out = append(out, *tw)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Building < out[j].Building })
	return out
}

func (l *Ledger) Team(team TeamID) (TeamRecord, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rec, ok := l.teams[team]
	if !ok {
		return TeamRecord{}, false
	}
	return rec.clone(), true
}

// IsCapturedBy reports whether building is currently held by team.
func (l *Ledger) IsCapturedBy(building BuildingID, team TeamID) bool {
	tw, ok := l.Tower(building)
	return ok && tw.Captured && tw.Team == team
}

func (l *Ledger) Snapshot() Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s := Snapshot{Towers: l.towersLocked()}
	for _, tid := range l.graph.Teams() {
		s.Teams = append(s.Teams, l.teams[tid].clone())
	}
	return s
}
