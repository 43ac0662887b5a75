package territory

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type fileConfig struct {
	Cathedrals map[int]int    `yaml:"cathedrals"`
	Teams      []fileTeam     `yaml:"teams"`
	Buildings  []fileBuilding `yaml:"buildings"`
}

type fileTeam struct {
	ID       int            `yaml:"id"`
	Main     int            `yaml:"main"`
	Adjacent []fileAdjacent `yaml:"adjacent"`
}

type fileAdjacent struct {
	Building int `yaml:"building"`
	Target   int `yaml:"target"`
}

type fileBuilding struct {
	ID       int     `yaml:"id"`
	Name     string  `yaml:"name"`
	Tier     string  `yaml:"tier"`
	HomeTeam *int    `yaml:"home_team"`
	Gated    bool    `yaml:"adjacency_gated"`
	Radius   float64 `yaml:"radius"`
}

// Load reads a territory.yaml file.
func Load(path string) (*Graph, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	g, err := Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("territory.yaml: %w", err)
	}
	return g, nil
}

// Parse decodes territory YAML. A missing cathedrals key selects DefaultCathedrals;
// an explicit empty map disables cathedrals.
func Parse(raw []byte) (*Graph, error) {
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return nil, err
	}
	buildings := make([]Building, 0, len(fc.Buildings))
	for _, fb := range fc.Buildings {
		home := Neutral
		if fb.HomeTeam != nil {
			home = TeamID(*fb.HomeTeam)
		}
		buildings = append(buildings, Building{
			ID:       BuildingID(fb.ID),
			Name:     fb.Name,
			Tier:     Tier(strings.ToUpper(strings.TrimSpace(fb.Tier))),
			HomeTeam: home,
			Gated:    fb.Gated,
			Radius:   fb.Radius,
		})
	}
	teams := make([]Team, 0, len(fc.Teams))
	for _, ft := range fc.Teams {
		t := Team{ID: TeamID(ft.ID), Main: BuildingID(ft.Main)}
		for _, fa := range ft.Adjacent {
			t.Adjacent = append(t.Adjacent, Adjacent{Building: BuildingID(fa.Building), Target: BuildingID(fa.Target)})
		}
		teams = append(teams, t)
	}
	var cathedrals map[BuildingID]TeamID
	if fc.Cathedrals == nil {
		cathedrals = DefaultCathedrals()
	} else {
		cathedrals = make(map[BuildingID]TeamID, len(fc.Cathedrals))
		for b, t := range fc.Cathedrals {
			cathedrals[BuildingID(b)] = TeamID(t)
		}
	}
	return New(buildings, teams, cathedrals)
}
