package territory

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

const testYAML = `
cathedrals: {6: 0, 7: 1}
teams:
  - id: 0
    main: 0
    adjacent:
      - {building: 3, target: 1}
  - id: 1
    main: 1
    adjacent:
      - {building: 3, target: 0}
      - {building: 4, target: 0}
buildings:
  - {id: 0, tier: MAIN, home_team: 0}
  - {id: 1, tier: MAIN, home_team: 1}
  - {id: 3, tier: ADJACENT}
  - {id: 4, tier: adjacent}
  - {id: 6, tier: CATHEDRAL}
  - {id: 7, tier: CATHEDRAL}
`

func TestParse_DerivesEnemiesAndAdjacency(t *testing.T) {
	g, err := Parse([]byte(testYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	t1, ok := g.Team(1)
	if !ok {
		t.Fatalf("team 1 missing")
	}
	if len(t1.EnemyMains) != 1 || t1.EnemyMains[0] != 0 {
		t.Fatalf("enemy mains: %v", t1.EnemyMains)
	}
	b0, _ := g.Building(0)
	if len(b0.Adjacency) != 2 || b0.Adjacency[0] != 3 || b0.Adjacency[1] != 4 {
		t.Fatalf("adjacency of 0: %v", b0.Adjacency)
	}
	b6, _ := g.Building(6)
	if b6.Cathedral != 0 {
		t.Fatalf("cathedral owner of 6: %d", b6.Cathedral)
	}
	b3, _ := g.Building(3)
	if b3.HomeTeam != Neutral {
		t.Fatalf("adjacent building should be neutral, got %d", b3.HomeTeam)
	}
}

func TestClassify(t *testing.T) {
	g, err := Parse([]byte(testYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	cases := []struct {
		team     TeamID
		building BuildingID
		want     Slot
	}{
		{0, 0, SlotMain},
		{0, 1, SlotEnemyMain},
		{0, 3, SlotAdjacent},
		{0, 4, SlotNone},
		{1, 4, SlotAdjacent},
		{1, 6, SlotNone},
	}
	for _, c := range cases {
		got, err := g.Classify(c.team, c.building)
		if err != nil {
			t.Fatalf("Classify(%d,%d): %v", c.team, c.building, err)
		}
		if got != c.want {
			t.Fatalf("Classify(%d,%d)=%q want %q", c.team, c.building, got, c.want)
		}
	}
	if _, err := g.Classify(0, 99); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected configuration error for unknown building, got %v", err)
	}
	if _, err := g.Classify(5, 0); !errors.Is(err, ErrUnknownTeam) {
		t.Fatalf("expected unknown team, got %v", err)
	}
}

func TestAdjacentIndexes(t *testing.T) {
	g, err := Parse([]byte(testYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got := g.AdjacentFor(1, 0); len(got) != 2 || got[0] != 0 || got[1] != 1 {
		t.Fatalf("AdjacentFor(1,0)=%v", got)
	}
	if got := g.AdjacentIndexes(1, 4); len(got) != 1 || got[0] != 1 {
		t.Fatalf("AdjacentIndexes(1,4)=%v", got)
	}
	if got := g.AdjacentFor(0, 0); len(got) != 0 {
		t.Fatalf("AdjacentFor(0,0)=%v", got)
	}
}

func TestParse_Rejects(t *testing.T) {
	cases := map[string]string{
		"home mismatch": `
teams: [{id: 0, main: 0}]
buildings: [{id: 0, tier: MAIN, home_team: 1}]`,
		"unknown adjacent": `
teams: [{id: 0, main: 0, adjacent: [{building: 9, target: 0}]}]
buildings: [{id: 0, tier: MAIN, home_team: 0}]`,
		"bad tier": `
teams: [{id: 0, main: 0}]
buildings: [{id: 0, tier: MAIN, home_team: 0}, {id: 1, tier: TOWER}]`,
		"orphan main": `
teams: [{id: 0, main: 0}]
buildings: [{id: 0, tier: MAIN, home_team: 0}, {id: 1, tier: MAIN, home_team: 1}]`,
		"bad cathedral": `
cathedrals: {0: 3}
teams: [{id: 0, main: 0}]
buildings: [{id: 0, tier: MAIN, home_team: 0}]`,
		"duplicate building": `
teams: [{id: 0, main: 0}]
buildings: [{id: 0, tier: MAIN, home_team: 0}, {id: 0, tier: ADJACENT}]`,
	}
	for name, raw := range cases {
		if _, err := Parse([]byte(raw)); !errors.Is(err, ErrConfiguration) {
			t.Fatalf("%s: expected configuration error, got %v", name, err)
		}
	}
}

func TestParse_DefaultCathedrals(t *testing.T) {
	raw := `
teams:
  - {id: 0, main: 0}
  - {id: 1, main: 1}
  - {id: 2, main: 2}
buildings:
  - {id: 0, tier: MAIN, home_team: 0}
  - {id: 1, tier: MAIN, home_team: 1}
  - {id: 2, tier: MAIN, home_team: 2}
  - {id: 6, tier: CATHEDRAL}
  - {id: 7, tier: CATHEDRAL}
  - {id: 8, tier: CATHEDRAL}
`
	g, err := Parse([]byte(raw))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	for b, want := range DefaultCathedrals() {
		got, ok := g.CathedralOwner(b)
		if !ok || got != want {
			t.Fatalf("cathedral %d owner=%d ok=%v want %d", b, got, ok, want)
		}
	}
}

func TestLoad_RepoConfig(t *testing.T) {
	path := filepath.Join("..", "..", "..", "configs", "territory.yaml")
	if _, err := os.Stat(path); err != nil {
		t.Skipf("configs not present: %v", err)
	}
	g, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(g.Teams()) != 3 {
		t.Fatalf("teams=%d", len(g.Teams()))
	}
	b, ok := g.Building(10)
	if !ok || !b.Gated || len(b.Adjacency) != 1 || b.Adjacency[0] != 9 {
		t.Fatalf("sanctum: %+v ok=%v", b, ok)
	}
}
