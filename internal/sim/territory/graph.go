// Package territory describes the static building topology of an arena session:
// buildings, team home buildings, cathedral ownership and the adjacency edges that
// gate captures. The topology is immutable once loaded; capture state lives elsewhere.
package territory

import (
	"errors"
	"fmt"
	"sort"
)

type TeamID int

type BuildingID int

// Neutral marks "no team" for ownership and contest slots.
const Neutral TeamID = -1

type Tier string

const (
	TierMain      Tier = "MAIN"
	TierAdjacent  Tier = "ADJACENT"
	TierCathedral Tier = "CATHEDRAL"
)

// Slot is the ledger slot a building occupies relative to one team.
type Slot string

const (
	SlotNone      Slot = ""
	SlotMain      Slot = "MAIN"
	SlotEnemyMain Slot = "ENEMY_MAIN"
	SlotAdjacent  Slot = "ADJACENT"
)

// ErrConfiguration is wrapped by every topology/config inconsistency.
var ErrConfiguration = errors.New("territory configuration error")

var (
	ErrUnknownBuilding = fmt.Errorf("%w: unknown building", ErrConfiguration)
	ErrUnknownTeam     = fmt.Errorf("%w: unknown team", ErrConfiguration)
	ErrMissingAdjacent = fmt.Errorf("%w: missing adjacency list", ErrConfiguration)
)

type Building struct {
	ID       BuildingID
	Name     string
	Tier     Tier
	HomeTeam TeamID // Neutral unless this is a team's main building
	// Cathedral is the team that pre-owns this building at session start (Neutral if none).
	Cathedral TeamID
	// Gated buildings require a captured adjacency entry that targets them.
	Gated  bool
	Radius float64

	// Adjacency lists the buildings (across all teams) whose capture unlocks this one.
	Adjacency []BuildingID
}

// Adjacent is one entry of a team's adjacency list: capturing Building unlocks Target.
type Adjacent struct {
	Building BuildingID
	Target   BuildingID
}

type Team struct {
	ID       TeamID
	Main     BuildingID
	Adjacent []Adjacent
	// EnemyMains are the other teams' main buildings, ordered by team id.
	EnemyMains []BuildingID
}

type Graph struct {
	buildings  map[BuildingID]*Building
	order      []BuildingID
	teams      map[TeamID]*Team
	teamOrder  []TeamID
	cathedrals map[BuildingID]TeamID
	mainOwner  map[BuildingID]TeamID
}

// DefaultCathedrals is the cathedral table used when a config does not provide one.
func DefaultCathedrals() map[BuildingID]TeamID {
	return map[BuildingID]TeamID{6: 0, 7: 1, 8: 2}
}

// New builds and validates a graph. Buildings and teams are copied.
func New(buildings []Building, teams []Team, cathedrals map[BuildingID]TeamID) (*Graph, error) {
	g := &Graph{
		buildings:  make(map[BuildingID]*Building, len(buildings)),
		teams:      make(map[TeamID]*Team, len(teams)),
		cathedrals: map[BuildingID]TeamID{},
		mainOwner:  map[BuildingID]TeamID{},
	}
	for i := range buildings {
		b := buildings[i]
		if _, dup := g.buildings[b.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate building %d", ErrConfiguration, b.ID)
		}
		b.Cathedral = Neutral
		b.Adjacency = nil
		g.buildings[b.ID] = &b
		g.order = append(g.order, b.ID)
	}
	for i := range teams {
		t := teams[i]
		if t.ID < 0 {
			return nil, fmt.Errorf("%w: team id %d must be >= 0", ErrConfiguration, t.ID)
		}
		if _, dup := g.teams[t.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate team %d", ErrConfiguration, t.ID)
		}
		t.Adjacent = append([]Adjacent(nil), t.Adjacent...)
		t.EnemyMains = nil
		g.teams[t.ID] = &t
		g.teamOrder = append(g.teamOrder, t.ID)
	}
	sort.Slice(g.order, func(i, j int) bool { return g.order[i] < g.order[j] })
	sort.Slice(g.teamOrder, func(i, j int) bool { return g.teamOrder[i] < g.teamOrder[j] })
	for id, team := range cathedrals {
		g.cathedrals[id] = team
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	g.derive()
	return g, nil
}

// Validate checks referential integrity. Missing per-team adjacency for a gated
// target is not a load error; it is rejected when a capture is attempted.
func (g *Graph) Validate() error {
	if len(g.buildings) == 0 {
		return fmt.Errorf("%w: no buildings", ErrConfiguration)
	}
	if len(g.teams) == 0 {
		return fmt.Errorf("%w: no teams", ErrConfiguration)
	}
	for _, id := range g.order {
		b := g.buildings[id]
		switch b.Tier {
		case TierMain, TierAdjacent, TierCathedral:
		default:
			return fmt.Errorf("%w: building %d has bad tier %q", ErrConfiguration, id, b.Tier)
		}
		if b.Radius < 0 {
			return fmt.Errorf("%w: building %d has negative radius", ErrConfiguration, id)
		}
	}
	seenMain := map[BuildingID]TeamID{}
	for _, tid := range g.teamOrder {
		t := g.teams[tid]
		b, ok := g.buildings[t.Main]
		if !ok {
			return fmt.Errorf("%w: team %d main %d", ErrUnknownBuilding, tid, t.Main)
		}
		if b.Tier != TierMain {
			return fmt.Errorf("%w: team %d main %d is tier %s", ErrConfiguration, tid, t.Main, b.Tier)
		}
		if b.HomeTeam != tid {
			return fmt.Errorf("%w: building %d home_team %d does not match team %d", ErrConfiguration, t.Main, b.HomeTeam, tid)
		}
		if other, dup := seenMain[t.Main]; dup {
			return fmt.Errorf("%w: building %d is main for teams %d and %d", ErrConfiguration, t.Main, other, tid)
		}
		seenMain[t.Main] = tid
		for _, adj := range t.Adjacent {
			if _, ok := g.buildings[adj.Building]; !ok {
				return fmt.Errorf("%w: team %d adjacent %d", ErrUnknownBuilding, tid, adj.Building)
			}
			if _, ok := g.buildings[adj.Target]; !ok {
				return fmt.Errorf("%w: team %d adjacent target %d", ErrUnknownBuilding, tid, adj.Target)
			}
		}
	}
	for _, id := range g.order {
		b := g.buildings[id]
		if b.Tier == TierMain {
			if _, ok := seenMain[id]; !ok {
				return fmt.Errorf("%w: main building %d has no team", ErrConfiguration, id)
			}
		}
	}
	for bid, tid := range g.cathedrals {
		if _, ok := g.buildings[bid]; !ok {
			return fmt.Errorf("%w: cathedral %d", ErrUnknownBuilding, bid)
		}
		if _, ok := g.teams[tid]; !ok {
			return fmt.Errorf("%w: cathedral %d owner %d", ErrUnknownTeam, bid, tid)
		}
	}
	return nil
}

func (g *Graph) derive() {
	for _, tid := range g.teamOrder {
		g.mainOwner[g.teams[tid].Main] = tid
	}
	for _, tid := range g.teamOrder {
		t := g.teams[tid]
		for _, other := range g.teamOrder {
			if other == tid {
				continue
			}
			t.EnemyMains = append(t.EnemyMains, g.teams[other].Main)
		}
	}
	for bid, tid := range g.cathedrals {
		g.buildings[bid].Cathedral = tid
	}
	seen := map[BuildingID]map[BuildingID]bool{}
	for _, tid := range g.teamOrder {
		for _, adj := range g.teams[tid].Adjacent {
			if seen[adj.Target] == nil {
				seen[adj.Target] = map[BuildingID]bool{}
			}
			if seen[adj.Target][adj.Building] {
				continue
			}
			seen[adj.Target][adj.Building] = true
			tb := g.buildings[adj.Target]
			tb.Adjacency = append(tb.Adjacency, adj.Building)
		}
	}
	for _, b := range g.buildings {
		sort.Slice(b.Adjacency, func(i, j int) bool { return b.Adjacency[i] < b.Adjacency[j] })
	}
}

func (g *Graph) Building(id BuildingID) (Building, bool) {
	b, ok := g.buildings[id]
	if !ok {
		return Building{}, false
	}
	out := *b
	out.Adjacency = append([]BuildingID(nil), b.Adjacency...)
	return out, true
}

func (g *Graph) Team(id TeamID) (Team, bool) {
	t, ok := g.teams[id]
	if !ok {
		return Team{}, false
	}
	out := *t
	out.Adjacent = append([]Adjacent(nil), t.Adjacent...)
	out.EnemyMains = append([]BuildingID(nil), t.EnemyMains...)
	return out, true
}

// Buildings returns building ids in ascending order.
func (g *Graph) Buildings() []BuildingID { return append([]BuildingID(nil), g.order...) }

// Teams returns team ids in ascending order.
func (g *Graph) Teams() []TeamID { return append([]TeamID(nil), g.teamOrder...) }

func (g *Graph) HasBuilding(id BuildingID) bool {
	_, ok := g.buildings[id]
	return ok
}

func (g *Graph) HasTeam(id TeamID) bool {
	_, ok := g.teams[id]
	return ok
}

// MainOwner returns the team whose main building this is.
func (g *Graph) MainOwner(id BuildingID) (TeamID, bool) {
	t, ok := g.mainOwner[id]
	return t, ok
}

// CathedralOwner returns the team that pre-owns a cathedral building.
func (g *Graph) CathedralOwner(id BuildingID) (TeamID, bool) {
	t, ok := g.cathedrals[id]
	return t, ok
}

// Cathedrals returns a copy of the cathedral table.
func (g *Graph) Cathedrals() map[BuildingID]TeamID {
	out := make(map[BuildingID]TeamID, len(g.cathedrals))
	for k, v := range g.cathedrals {
		out[k] = v
	}
	return out
}

// Classify resolves which ledger slot of team a capture of building writes.
func (g *Graph) Classify(team TeamID, building BuildingID) (Slot, error) {
	t, ok := g.teams[team]
	if !ok {
		return SlotNone, fmt.Errorf("%w: %d", ErrUnknownTeam, team)
	}
	if _, ok := g.buildings[building]; !ok {
		return SlotNone, fmt.Errorf("%w: %d", ErrUnknownBuilding, building)
	}
	if t.Main == building {
		return SlotMain, nil
	}
	for _, id := range t.EnemyMains {
		if id == building {
			return SlotEnemyMain, nil
		}
	}
	for _, adj := range t.Adjacent {
		if adj.Building == building {
			return SlotAdjacent, nil
		}
	}
	return SlotNone, nil
}

// AdjacentIndexes returns the positions in team's adjacency list holding building.
func (g *Graph) AdjacentIndexes(team TeamID, building BuildingID) []int {
	t, ok := g.teams[team]
	if !ok {
		return nil
	}
	var out []int
	for i, adj := range t.Adjacent {
		if adj.Building == building {
			out = append(out, i)
		}
	}
	return out
}

// AdjacentFor returns the positions in team's adjacency list that unlock target.
func (g *Graph) AdjacentFor(team TeamID, target BuildingID) []int {
	t, ok := g.teams[team]
	if !ok {
		return nil
	}
	var out []int
	for i, adj := range t.Adjacent {
		if adj.Target == target {
			out = append(out, i)
		}
	}
	return out
}
