// Package capture implements the per-building capture state machine.
//
// A Zone is owned by the authority tick goroutine and is not safe for concurrent use.
// Occupancy changes are recorded immediately; all progress, decay and cooldown math
// happens in Step, which is level-triggered and re-evaluates eligibility every tick.
package capture

import (
	"errors"
	"io"
	"log"
	"math"
	"sort"
	"time"

	"towerwars.ai/internal/sim/ledger"
	"towerwars.ai/internal/sim/territory"
)

type TeamID = territory.TeamID
type BuildingID = territory.BuildingID

var (
	// ErrDuplicate is returned for redundant occupant adds/removes. Callers absorb it.
	ErrDuplicate = errors.New("duplicate occupancy request")
	// ErrOrphaned marks a request for a player or building that no longer exists.
	ErrOrphaned = errors.New("orphaned reference")
)

type Phase string

const (
	PhaseNeutral   Phase = "NEUTRAL"
	PhaseContested Phase = "CONTESTED"
	PhaseCaptured  Phase = "CAPTURED"
	PhaseDecaying  Phase = "DECAYING"
	PhaseCooldown  Phase = "COOLDOWN"
)

// Ledger is the part of the territory ledger a zone consults and writes.
type Ledger interface {
	Eligibility(team TeamID, building BuildingID) (bool, error)
	RecordCapture(team TeamID, building BuildingID, captured bool) (ledger.Change, error)
}

type Params struct {
	Threshold float64
	// CaptureRate is progress per second per eligible occupant.
	CaptureRate float64
	// DecayRate is progress per second lost while a contest has no eligible occupant.
	DecayRate float64
	// RecaptureWindow is how long an enemy presence takes to drain a captured building.
	RecaptureWindow time.Duration
	Cooldown        time.Duration
	// ProgressStep controls PROGRESS transition granularity.
	ProgressStep float64
}

func DefaultParams() Params {
	return Params{
		Threshold:       100,
		CaptureRate:     20,
		DecayRate:       10,
		RecaptureWindow: 5 * time.Second,
		Cooldown:        5 * time.Second,
		ProgressStep:    5,
	}
}

func (p *Params) applyDefaults() {
	d := DefaultParams()
	if p.Threshold <= 0 {
		p.Threshold = d.Threshold
	}
	if p.CaptureRate <= 0 {
		p.CaptureRate = d.CaptureRate
	}
	if p.DecayRate <= 0 {
		p.DecayRate = d.DecayRate
	}
	if p.RecaptureWindow <= 0 {
		p.RecaptureWindow = d.RecaptureWindow
	}
	if p.Cooldown <= 0 {
		p.Cooldown = d.Cooldown
	}
	if p.ProgressStep <= 0 {
		p.ProgressStep = d.ProgressStep
	}
}

type Occupant struct {
	Player   string `json:"player"`
	Team     TeamID `json:"team"`
	Eligible bool   `json:"eligible"`

	order uint64
}

// State is the replicated view of a zone.
type State struct {
	Building        BuildingID `json:"building"`
	Phase           Phase      `json:"phase"`
	ControllingTeam TeamID     `json:"controlling_team"`
	Captured        bool       `json:"captured"`
	Progress        float64    `json:"progress"`
	Threshold       float64    `json:"threshold"`
	ContestingTeam  TeamID     `json:"contesting_team"`
	Decaying        bool       `json:"decaying"`
	DecayBy         TeamID     `json:"decay_by"`
	Cooldown        bool       `json:"cooldown"`
	CooldownUntilMS int64      `json:"cooldown_until_ms,omitempty"`
	// Flag is the team whose material the building flag shows.
	Flag      TeamID     `json:"flag"`
	Occupants []Occupant `json:"occupants"`
}

type Zone struct {
	id     BuildingID
	p      Params
	ledger Ledger
	log    *log.Logger

	controlling TeamID
	captured    bool
	progress    float64
	contesting  TeamID
	decaying    bool
	decayBy     TeamID
	cooling     bool
	coolUntil   time.Duration

	occupants map[string]*Occupant
	nextOrder uint64

	lastBucket  int
	lastGateErr string
}

func NewZone(id BuildingID, p Params, l Ledger, logger *log.Logger) *Zone {
	p.applyDefaults()
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Zone{
		id:          id,
		p:           p,
		ledger:      l,
		log:         logger,
		controlling: territory.Neutral,
		contesting:  territory.Neutral,
		decayBy:     territory.Neutral,
		occupants:   map[string]*Occupant{},
	}
}

func (z *Zone) ID() BuildingID { return z.id }

func (z *Zone) Params() Params { return z.p }

// PreOwn places the zone in Captured(team) with full progress, as cathedrals start.
// It records the capture in the ledger and returns the resulting transition.
func (z *Zone) PreOwn(team TeamID) (Transition, error) {
	ch, err := z.ledger.RecordCapture(team, z.id, true)
	if err != nil {
		return Transition{}, err
	}
	z.controlling = team
	z.captured = true
	z.contesting = team
	z.progress = z.p.Threshold
	z.decaying = false
	z.decayBy = territory.Neutral
	z.cooling = false
	z.lastBucket = z.bucket()
	return Transition{Kind: KindCaptured, Team: team, Progress: z.progress, Ledger: &ch}, nil
}

func (z *Zone) Phase() Phase {
	switch {
	case z.captured && z.decaying:
		return PhaseDecaying
	case z.captured:
		return PhaseCaptured
	case z.cooling:
		return PhaseCooldown
	case z.contesting != territory.Neutral:
		return PhaseContested
	default:
		return PhaseNeutral
	}
}

func (z *Zone) State() State {
	s := State{
		Building:        z.id,
		Phase:           z.Phase(),
		ControllingTeam: z.controlling,
		Captured:        z.captured,
		Progress:        z.progress,
		Threshold:       z.p.Threshold,
		ContestingTeam:  z.contesting,
		Decaying:        z.decaying,
		DecayBy:         z.decayBy,
		Cooldown:        z.cooling,
		Flag:            z.controlling,
		Occupants:       make([]Occupant, 0, len(z.occupants)),
	}
	if z.cooling {
		s.CooldownUntilMS = z.coolUntil.Milliseconds()
	}
	for _, o := range z.ordered() {
		s.Occupants = append(s.Occupants, *o)
	}
	return s
}

// HasOccupant reports whether player is inside the capture volume.
func (z *Zone) HasOccupant(player string) bool {
	_, ok := z.occupants[player]
	return ok
}

// Enter records player inside the volume. It evaluates the eligibility gate and,
// when the contest slot is free, latches it to the first eligible team. A gate
// failure still records the occupant. ErrDuplicate is returned for a player
// already inside; a wrapped territory.ErrConfiguration for a rejected gate.
func (z *Zone) Enter(player string, team TeamID) ([]Transition, error) {
	if _, ok := z.occupants[player]; ok {
		return nil, ErrDuplicate
	}
	z.nextOrder++
	o := &Occupant{Player: player, Team: team, order: z.nextOrder}
	z.occupants[player] = o

	eligible, err := z.ledger.Eligibility(team, z.id)
	o.Eligible = eligible && err == nil
	if err != nil {
		z.log.Printf("capture: building %d: gate rejected team %d: %v", z.id, team, err)
		z.lastGateErr = err.Error()
	}
	var out []Transition
	if o.Eligible && z.canLatch() {
		out = append(out, z.latch(team))
	}
	return out, err
}

// Exit removes player from the volume. ErrDuplicate for an absent player.
func (z *Zone) Exit(player string) error {
	if _, ok := z.occupants[player]; !ok {
		return ErrDuplicate
	}
	delete(z.occupants, player)
	return nil
}

// Remove drops a departed player without reporting absence. It is used when the
// player record is gone and its pending exit can no longer arrive.
func (z *Zone) Remove(player string) bool {
	if _, ok := z.occupants[player]; !ok {
		return false
	}
	delete(z.occupants, player)
	return true
}

func (z *Zone) canLatch() bool {
	return !z.captured && !z.cooling && z.contesting == territory.Neutral
}

func (z *Zone) latch(team TeamID) Transition {
	z.contesting = team
	return Transition{Kind: KindContestStart, Team: team, Progress: z.progress}
}

func (z *Zone) ordered() []*Occupant {
	out := make([]*Occupant, 0, len(z.occupants))
	for _, o := range z.occupants {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].order < out[j].order })
	return out
}

// refresh re-evaluates the gate for every occupant. It returns the first new
// configuration error so callers can report it once instead of every tick.
func (z *Zone) refresh() error {
	var first error
	for _, o := range z.ordered() {
		ok, err := z.ledger.Eligibility(o.Team, z.id)
		o.Eligible = ok && err == nil
		if err != nil && first == nil {
			first = err
		}
	}
	if first == nil {
		z.lastGateErr = ""
		return nil
	}
	if first.Error() == z.lastGateErr {
		return nil
	}
	z.lastGateErr = first.Error()
	return first
}

// Step advances the zone by dt seconds at simulation time now.
func (z *Zone) Step(now time.Duration, dt float64) ([]Transition, error) {
	if dt < 0 {
		dt = 0
	}
	gateErr := z.refresh()
	var out []Transition

	if z.captured {
		out = z.stepCaptured(now, dt, out)
		return out, gateErr
	}

	if z.cooling {
		if now < z.coolUntil {
			return out, gateErr
		}
		z.cooling = false
		out = append(out, Transition{Kind: KindCooldownEnded, Progress: z.progress})
	}

	if z.contesting == territory.Neutral {
		for _, o := range z.ordered() {
			if o.Eligible {
				out = append(out, z.latch(o.Team))
				break
			}
		}
	}
	if z.contesting == territory.Neutral {
		return out, gateErr
	}

	n := 0
	for _, o := range z.occupants {
		if o.Team == z.contesting && o.Eligible {
			n++
		}
	}
	if n > 0 {
		z.progress = clamp(z.progress+float64(n)*z.p.CaptureRate*dt, 0, z.p.Threshold)
		out = z.progressed(out)
		if z.progress >= z.p.Threshold {
			out = z.complete(out)
		}
		return out, gateErr
	}

	z.progress = clamp(z.progress-z.p.DecayRate*dt, 0, z.p.Threshold)
	out = z.progressed(out)
	if z.progress <= 0 {
		team := z.contesting
		z.contesting = territory.Neutral
		z.progress = 0
		z.lastBucket = 0
		out = append(out, Transition{Kind: KindContestEnded, Team: team})
	}
	return out, gateErr
}

func (z *Zone) stepCaptured(now time.Duration, dt float64, out []Transition) []Transition {
	enemy := territory.Neutral
	for _, o := range z.ordered() {
		if o.Team != z.controlling && o.Eligible {
			enemy = o.Team
			break
		}
	}

	if enemy == territory.Neutral {
		if z.decaying {
			z.decaying = false
			z.decayBy = territory.Neutral
			out = append(out, Transition{Kind: KindDecayHalted, Team: z.controlling, Progress: z.progress})
		}
		return out
	}

	if !z.decaying {
		z.decaying = true
		z.decayBy = enemy
		z.progress = z.p.Threshold
		z.lastBucket = z.bucket()
		out = append(out, Transition{Kind: KindDecayStarted, Team: enemy, Progress: z.progress})
	}

	rate := z.p.Threshold / z.p.RecaptureWindow.Seconds()
	z.progress = clamp(z.progress-rate*dt, 0, z.p.Threshold)
	out = z.progressed(out)
	if z.progress > 0 {
		return out
	}
	return z.neutralize(now, out)
}

func (z *Zone) complete(out []Transition) []Transition {
	team := z.contesting
	ch, err := z.ledger.RecordCapture(team, z.id, true)
	if err != nil {
		z.log.Printf("capture: building %d: record capture team %d: %v", z.id, team, err)
	}
	z.controlling = team
	z.captured = true
	z.progress = z.p.Threshold
	z.lastBucket = z.bucket()
	t := Transition{Kind: KindCaptured, Team: team, Progress: z.progress}
	if err == nil {
		t.Ledger = &ch
	}
	return append(out, t)
}

func (z *Zone) neutralize(now time.Duration, out []Transition) []Transition {
	former := z.controlling
	ch, err := z.ledger.RecordCapture(former, z.id, false)
	if err != nil {
		z.log.Printf("capture: building %d: release team %d: %v", z.id, former, err)
	}
	z.controlling = territory.Neutral
	z.captured = false
	z.decaying = false
	z.decayBy = territory.Neutral
	z.contesting = territory.Neutral
	z.progress = 0
	z.lastBucket = 0
	z.cooling = true
	z.coolUntil = now + z.p.Cooldown
	t := Transition{Kind: KindNeutralized, Team: former}
	if err == nil {
		t.Ledger = &ch
	}
	return append(out, t)
}

func (z *Zone) bucket() int {
	if z.progress >= z.p.Threshold {
		return math.MaxInt32
	}
	return int(math.Floor(z.progress / z.p.ProgressStep))
}

// progressed appends a PROGRESS transition when progress crossed into a new step bucket.
func (z *Zone) progressed(out []Transition) []Transition {
	b := z.bucket()
	if b == z.lastBucket {
		return out
	}
	z.lastBucket = b
	team := z.contesting
	if z.decaying {
		team = z.decayBy
	}
	return append(out, Transition{Kind: KindProgress, Team: team, Progress: z.progress})
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
