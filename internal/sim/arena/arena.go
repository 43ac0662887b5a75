// Package arena runs the authoritative capture simulation for one match.
//
// An Arena owns every capture zone, the territory ledger and the broadcaster. All
// of that state is mutated only on the arena loop goroutine; other goroutines talk
// to it through channels and read published snapshots.
package arena

import (
	"context"
	"io"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"towerwars.ai/internal/sim/broadcast"
	"towerwars.ai/internal/sim/capture"
	"towerwars.ai/internal/sim/ledger"
	"towerwars.ai/internal/sim/territory"
	"towerwars.ai/internal/sim/tuning"
)

type TeamID = territory.TeamID
type BuildingID = territory.BuildingID

type RequestKind string

const (
	RequestEnter RequestKind = "ENTER"
	RequestExit  RequestKind = "EXIT"
)

// OccupancyRequest reports a player crossing a capture volume boundary. Team is
// what the reporting process believes; the registry team is authoritative.
type OccupancyRequest struct {
	Kind     RequestKind `json:"kind"`
	Building BuildingID  `json:"building"`
	Player   string      `json:"player"`
	Team     TeamID      `json:"team"`
}

// PlayerUpdate registers a player or moves it to another team.
type PlayerUpdate struct {
	Player  string `json:"player"`
	Team    TeamID `json:"team"`
	Session string `json:"session,omitempty"`
}

// Departure removes a player from the registry and every zone. A non-empty
// Session limits it to a player that session still owns, so a stale close
// cannot evict a player that already re-registered elsewhere.
type Departure struct {
	Player  string `json:"player"`
	Session string `json:"session,omitempty"`
}

// Input is one staged mutation; exactly one field is set.
type Input struct {
	Team    *PlayerUpdate     `json:"team,omitempty"`
	Leave   *Departure        `json:"leave,omitempty"`
	Request *OccupancyRequest `json:"request,omitempty"`
}

func TeamInput(p PlayerUpdate) Input { return Input{Team: &p} }

func LeaveInput(player, session string) Input {
	return Input{Leave: &Departure{Player: player, Session: session}}
}

func RequestInput(req OccupancyRequest) Input { return Input{Request: &req} }

// Inputs is everything applied at one tick boundary, in the order received.
type Inputs []Input

// Counts tallies registrations, departures and occupancy requests.
func (in Inputs) Counts() (teams, leaves, requests int) {
	for _, x := range in {
		switch {
		case x.Team != nil:
			teams++
		case x.Leave != nil:
			leaves++
		case x.Request != nil:
			requests++
		}
	}
	return teams, leaves, requests
}

type TickLogger interface {
	WriteTick(entry TickLogEntry) error
}

type AuditLogger interface {
	WriteAudit(entry AuditEntry) error
}

type TickLogEntry struct {
	Tick   uint64 `json:"tick"`
	Inputs Inputs `json:"inputs,omitempty"`
	Events int    `json:"events,omitempty"`
	Digest string `json:"digest"`
}

// AuditEntry records a rejected or ignored request.
type AuditEntry struct {
	Tick     uint64     `json:"tick"`
	Actor    string     `json:"actor"`
	Action   string     `json:"action"`
	Building BuildingID `json:"building"`
	Team     TeamID     `json:"team"`
	Code     string     `json:"code"`
	Reason   string     `json:"reason,omitempty"`
}

type Config struct {
	TickRateHz    int
	Params        capture.Params
	CaptureRadius float64
	// MaxQueue caps each session's outbound queue.
	MaxQueue  int
	EventRing int
	InboxSize int
	// Replica mirrors a remote authority: nothing is pre-owned or stepped here and
	// sessions are served the upstream view fed through Resync and Replicate.
	Replica bool
}

func ConfigFromTuning(t tuning.Tuning) Config {
	return Config{
		TickRateHz:    t.TickRateHz,
		Params:        t.CaptureParams(),
		CaptureRadius: t.Capture.CaptureRadius,
		MaxQueue:      t.Session.MaxQueue,
		EventRing:     t.Session.EventRing,
		InboxSize:     t.Session.InboxSize,
	}
}

type player struct {
	team    TeamID
	session string
}

type Arena struct {
	cfg    Config
	graph  *territory.Graph
	ledger *ledger.Ledger
	zones  map[BuildingID]*capture.Zone
	order  []BuildingID
	bc     *broadcast.Broadcaster
	log    *log.Logger

	auth Authority
	fwd  Forwarder

	tick atomic.Uint64

	players  map[string]*player
	sessions map[string]*session

	inbox        chan Input
	sessionJoin  chan SessionJoinRequest
	sessionLeave chan string
	upstream     chan upstreamMsg
	stop         chan struct{}
	finished     chan struct{}
	finishOnce   sync.Once

	// Replica view; nil on an authority.
	mirror *broadcast.Mirror

	// forwarded maps players registered through the forwarder to the local
	// session that registered them.
	fwdMu     sync.Mutex
	forwarded map[string]string

	// Optional loggers (may be nil). Implemented in internal/persistence/*.
	tickLogger  TickLogger
	auditLogger AuditLogger

	published       uint64
	rejected        uint64
	sessionsDropped uint64
	lastStepMS      float64

	metrics atomic.Value
	state   atomic.Value
}

// New builds the arena for g. An authority pre-owns every cathedral for its
// mapped team; a replica waits for the upstream snapshot instead.
func New(cfg Config, g *territory.Graph, logger *log.Logger) (*Arena, error) {
	if cfg.TickRateHz <= 0 {
		cfg.TickRateHz = 20
	}
	if cfg.MaxQueue <= 0 {
		cfg.MaxQueue = 256
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = 1024
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}

	a := &Arena{
		cfg:          cfg,
		graph:        g,
		ledger:       ledger.New(g, logger),
		zones:        map[BuildingID]*capture.Zone{},
		order:        g.Buildings(),
		bc:           broadcast.NewBroadcaster(cfg.EventRing, logger),
		log:          logger,
		auth:         NewStaticAuthority(!cfg.Replica),
		players:      map[string]*player{},
		sessions:     map[string]*session{},
		inbox:        make(chan Input, cfg.InboxSize),
		sessionJoin:  make(chan SessionJoinRequest, 64),
		sessionLeave: make(chan string, 64),
		upstream:     make(chan upstreamMsg, cfg.InboxSize),
		stop:         make(chan struct{}),
		finished:     make(chan struct{}),
		forwarded:    map[string]string{},
	}
	for _, id := range a.order {
		a.zones[id] = capture.NewZone(id, cfg.Params, a.ledger, logger)
	}
	if cfg.Replica {
		a.mirror = broadcast.NewMirror(nil)
	} else {
		for _, id := range a.order {
			owner, ok := g.CathedralOwner(id)
			if !ok {
				continue
			}
			tr, err := a.zones[id].PreOwn(owner)
			if err != nil {
				return nil, err
			}
			a.publish(0, a.zones[id], tr)
		}
	}
	a.storeViews(0, 0)
	return a, nil
}

func (a *Arena) SetTickLogger(l TickLogger)   { a.tickLogger = l }
func (a *Arena) SetAuditLogger(l AuditLogger) { a.auditLogger = l }
func (a *Arena) SetAuthority(auth Authority) {
	if auth != nil {
		a.auth = auth
	}
}

// SetForwarder routes local requests to the remote authority while this process
// is not the authority.
func (a *Arena) SetForwarder(f Forwarder) { a.fwd = f }

func (a *Arena) Broadcaster() *broadcast.Broadcaster { return a.bc }
func (a *Arena) Config() Config                      { return a.cfg }
func (a *Arena) CurrentTick() uint64                 { return a.tick.Load() }

// IsAuthority reports whether this arena runs capture math. A replica never does.
func (a *Arena) IsAuthority() bool { return a.mirror == nil && a.auth.IsAuthority() }

func (a *Arena) TickInterval() time.Duration {
	return time.Second / time.Duration(a.cfg.TickRateHz)
}

func (a *Arena) Run(ctx context.Context) error {
	defer a.finishOnce.Do(func() { close(a.finished) })
	ticker := time.NewTicker(a.TickInterval())
	defer ticker.Stop()

	var pending Inputs
	for {
		select {
		case <-ctx.Done():
			a.closeSessions()
			return ctx.Err()
		case <-a.stop:
			a.closeSessions()
			return nil
		case req := <-a.sessionJoin:
			resp := a.OpenSession(req.Name, req.Role, req.MaxQueue)
			req.Resp <- resp
		case id := <-a.sessionLeave:
			pending = append(pending, a.CloseSession(id)...)
		case in := <-a.inbox:
			pending = append(pending, in)
		case m := <-a.upstream:
			a.applyUpstream(m)
		case <-ticker.C:
			a.stepInternal(pending)
			// Loggers may hold the slice past the tick.
			pending = nil
		}
	}
}

func (a *Arena) Stop() { close(a.stop) }

// StepOnce advances the arena by a single tick using the same ordering semantics as
// Run. It is intended for deterministic replays and tests.
func (a *Arena) StepOnce(in Inputs) (tick uint64, digest string) {
	tick = a.tick.Load()
	a.stepInternal(in)
	return tick, a.stateDigest(tick)
}

func (a *Arena) enqueue(ctx context.Context, in Input) error {
	select {
	case a.inbox <- in:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit queues an occupancy request for the next tick. A non-authority process
// forwards it instead, or fails with ErrUnauthorized when it has nowhere to send it.
func (a *Arena) Submit(ctx context.Context, req OccupancyRequest) error {
	if !a.IsAuthority() {
		if a.fwd == nil {
			return ErrUnauthorized
		}
		return a.fwd.Forward(ctx, req)
	}
	return a.enqueue(ctx, RequestInput(req))
}

// SetTeam queues a registry update for the next tick. Forwarded registrations are
// remembered per session so the session's close can release them upstream.
func (a *Arena) SetTeam(ctx context.Context, p PlayerUpdate) error {
	if !a.IsAuthority() {
		if a.fwd == nil {
			return ErrUnauthorized
		}
		if err := a.fwd.ForwardTeam(ctx, p); err != nil {
			return err
		}
		a.fwdMu.Lock()
		a.forwarded[p.Player] = p.Session
		a.fwdMu.Unlock()
		return nil
	}
	return a.enqueue(ctx, TeamInput(p))
}

// RemovePlayer queues a departure; the player leaves every zone without side effects.
func (a *Arena) RemovePlayer(ctx context.Context, playerID string) error {
	return a.ReleasePlayer(ctx, "", playerID)
}

// ReleasePlayer is RemovePlayer limited to a player owned by session. An empty
// session matches any owner.
func (a *Arena) ReleasePlayer(ctx context.Context, session, playerID string) error {
	if !a.IsAuthority() && a.fwd != nil && a.untrackForwarded(session, playerID) {
		if err := a.fwd.ForwardLeave(ctx, playerID); err != nil {
			return err
		}
	}
	return a.enqueue(ctx, LeaveInput(playerID, session))
}

func (a *Arena) untrackForwarded(session, playerID string) bool {
	a.fwdMu.Lock()
	defer a.fwdMu.Unlock()
	owner, ok := a.forwarded[playerID]
	if session != "" && (!ok || owner != session) {
		return false
	}
	delete(a.forwarded, playerID)
	return true
}

// releaseForwarded drops and returns the forwarded players session registered.
func (a *Arena) releaseForwarded(session string) []string {
	a.fwdMu.Lock()
	defer a.fwdMu.Unlock()
	var out []string
	for p, owner := range a.forwarded {
		if owner == session {
			out = append(out, p)
			delete(a.forwarded, p)
		}
	}
	sort.Strings(out)
	return out
}

func (a *Arena) NotifyOccupantEntered(ctx context.Context, building BuildingID, playerID string, team TeamID) error {
	return a.Submit(ctx, OccupancyRequest{Kind: RequestEnter, Building: building, Player: playerID, Team: team})
}

func (a *Arena) NotifyOccupantExited(ctx context.Context, building BuildingID, playerID string, team TeamID) error {
	return a.Submit(ctx, OccupancyRequest{Kind: RequestExit, Building: building, Player: playerID, Team: team})
}

// JoinSession registers an observer session on the loop goroutine.
func (a *Arena) JoinSession(ctx context.Context, name, role string, maxQueue int) (SessionJoinResponse, error) {
	resp := make(chan SessionJoinResponse, 1)
	select {
	case a.sessionJoin <- SessionJoinRequest{Name: name, Role: role, MaxQueue: maxQueue, Resp: resp}:
	case <-ctx.Done():
		return SessionJoinResponse{}, ctx.Err()
	}
	select {
	case r := <-resp:
		return r, nil
	case <-ctx.Done():
		return SessionJoinResponse{}, ctx.Err()
	}
}

// LeaveSession drops a session and every player it registered. On a process that
// forwards, those players are released at the authority first. It must not block
// the caller's cleanup path for long, so each step gives up after a second.
func (a *Arena) LeaveSession(id string) {
	if !a.IsAuthority() && a.fwd != nil {
		for _, p := range a.releaseForwarded(id) {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			if err := a.fwd.ForwardLeave(ctx, p); err != nil {
				a.log.Printf("arena: session %s: forward leave %s: %v", id, p, err)
			}
			cancel()
		}
	}
	select {
	case a.sessionLeave <- id:
	case <-time.After(time.Second):
		a.log.Printf("arena: session %s leave dropped (loop busy)", id)
	}
}
