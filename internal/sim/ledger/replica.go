package ledger

import (
	"sort"

	"towerwars.ai/internal/sim/territory"
)

// Replica is an observer-side copy of the ledger. It never evaluates rules; it only
// applies Changes produced by the authority.
type Replica struct {
	teams  map[TeamID]*TeamRecord
	towers map[BuildingID]Tower
}

func NewReplica(s Snapshot) *Replica {
	r := &Replica{teams: map[TeamID]*TeamRecord{}, towers: map[BuildingID]Tower{}}
	for _, rec := range s.Teams {
		c := rec.clone()
		r.teams[rec.Team] = &c
	}
	for _, tw := range s.Towers {
		r.towers[tw.Building] = tw
	}
	return r
}

// Apply writes ch into the replica. Applying the same Change twice is a no-op.
func (r *Replica) Apply(ch Change) {
	r.towers[ch.Building] = ch.Tower
	rec := r.teams[ch.Team]
	if rec == nil {
		rec = &TeamRecord{Team: ch.Team, EnemyMainCaptured: map[TeamID]bool{}}
		r.teams[ch.Team] = rec
	}
	switch ch.Slot {
	case territory.SlotMain:
		rec.MainCaptured = ch.Captured
	case territory.SlotEnemyMain:
		rec.EnemyMainCaptured[ch.Enemy] = ch.Captured
	case territory.SlotAdjacent:
		for _, i := range ch.Indexes {
			for len(rec.AdjacentCaptured) <= i {
				rec.AdjacentCaptured = append(rec.AdjacentCaptured, false)
			}
			rec.AdjacentCaptured[i] = ch.Captured
		}
	}
}

func (r *Replica) Tower(building BuildingID) (Tower, bool) {
	tw, ok := r.towers[building]
	return tw, ok
}

func (r *Replica) Team(team TeamID) (TeamRecord, bool) {
	rec, ok := r.teams[team]
	if !ok {
		return TeamRecord{}, false
	}
	return rec.clone(), true
}

func (r *Replica) Snapshot() Snapshot {
	var s Snapshot
	for _, tw := range r.towers {
		s.Towers = append(s.Towers, tw)
	}
	sort.Slice(s.Towers, func(i, j int) bool { return s.Towers[i].Building < s.Towers[j].Building })
	for _, rec := range r.teams {
		s.Teams = append(s.Teams, rec.clone())
	}
	sort.Slice(s.Teams, func(i, j int) bool { return s.Teams[i].Team < s.Teams[j].Team })
	return s
}
