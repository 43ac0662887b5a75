package arena

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"math"
	"sort"
	"time"

	"towerwars.ai/internal/protocol"
	"towerwars.ai/internal/sim/capture"
	"towerwars.ai/internal/sim/territory"
)

func (a *Arena) stepInternal(in Inputs) {
	stepStart := time.Now()
	nowTick := a.tick.Load()
	publishedBefore := a.published
	authority := a.IsAuthority()

	if !authority {
		// Nothing but departures may mutate a non-authority; queued requests were
		// accepted while it still held authority.
		kept := make(Inputs, 0, len(in))
		for _, x := range in {
			switch {
			case x.Request != nil:
				req := x.Request
				a.audit(nowTick, req.Player, string(req.Kind), req.Building, req.Team, protocol.ErrUnauthorized, ErrUnauthorized.Error())
			case x.Leave != nil:
				kept = append(kept, x)
			}
		}
		in = kept
	}

	for _, x := range in {
		switch {
		case x.Team != nil:
			a.applyPlayer(nowTick, *x.Team)
		case x.Leave != nil:
			a.applyDeparture(*x.Leave)
		case x.Request != nil:
			a.applyRequest(nowTick, *x.Request)
		}
	}

	if authority {
		now := time.Duration(nowTick+1) * a.TickInterval()
		dt := a.TickInterval().Seconds()
		for _, id := range a.order {
			z := a.zones[id]
			trs, err := z.Step(now, dt)
			if err != nil {
				a.log.Printf("arena: building %d: %v", id, err)
				a.audit(nowTick, "zone", "STEP", id, territory.Neutral, protocol.ErrConfiguration, err.Error())
			}
			for _, tr := range trs {
				a.publish(nowTick, z, tr)
			}
		}
	}

	digest := a.stateDigest(nowTick)
	if a.tickLogger != nil {
		_ = a.tickLogger.WriteTick(TickLogEntry{
			Tick:   nowTick,
			Inputs: in,
			Events: int(a.published - publishedBefore),
			Digest: digest,
		})
	}

	a.lastStepMS = float64(time.Since(stepStart).Microseconds()) / 1000.0
	nextTick := a.tick.Add(1)
	a.storeViews(nextTick, a.lastStepMS)
}

func (a *Arena) applyPlayer(nowTick uint64, p PlayerUpdate) {
	if p.Player == "" || !a.graph.HasTeam(p.Team) {
		a.audit(nowTick, p.Player, protocol.TypeSetTeam, 0, p.Team, protocol.ErrBadRequest, "unknown team or empty player")
		return
	}
	cur, ok := a.players[p.Player]
	if ok && cur.team != p.Team {
		// Switching sides counts as leaving every volume; movement re-reports overlap.
		for _, id := range a.order {
			a.zones[id].Remove(p.Player)
		}
	}
	if !ok {
		cur = &player{}
		a.players[p.Player] = cur
	}
	cur.team = p.Team
	if p.Session != "" {
		cur.session = p.Session
	}
}

func (a *Arena) applyDeparture(d Departure) {
	p, ok := a.players[d.Player]
	if !ok || (d.Session != "" && p.session != d.Session) {
		return
	}
	delete(a.players, d.Player)
	for _, bid := range a.order {
		a.zones[bid].Remove(d.Player)
	}
}

func (a *Arena) applyRequest(nowTick uint64, req OccupancyRequest) {
	p := a.players[req.Player]
	if p == nil {
		if req.Kind == RequestExit {
			return
		}
		a.audit(nowTick, req.Player, string(req.Kind), req.Building, req.Team, protocol.ErrOrphaned, capture.ErrOrphaned.Error())
		return
	}
	z := a.zones[req.Building]
	if z == nil {
		a.audit(nowTick, req.Player, string(req.Kind), req.Building, p.team, protocol.ErrConfiguration, territory.ErrUnknownBuilding.Error())
		return
	}
	if req.Team != p.team && req.Team != territory.Neutral {
		a.log.Printf("arena: player %s reported team %d, registry has %d", req.Player, req.Team, p.team)
	}

	switch req.Kind {
	case RequestEnter:
		trs, err := z.Enter(req.Player, p.team)
		switch {
		case errors.Is(err, capture.ErrDuplicate):
		case errors.Is(err, territory.ErrConfiguration):
			a.audit(nowTick, req.Player, string(req.Kind), req.Building, p.team, protocol.ErrConfiguration, err.Error())
		case err != nil:
			a.audit(nowTick, req.Player, string(req.Kind), req.Building, p.team, protocol.ErrInternal, err.Error())
		}
		for _, tr := range trs {
			a.publish(nowTick, z, tr)
		}
	case RequestExit:
		_ = z.Exit(req.Player) // absent player: duplicate, absorbed
	default:
		a.audit(nowTick, req.Player, string(req.Kind), req.Building, p.team, protocol.ErrBadRequest, "unknown request kind")
	}
}

func (a *Arena) audit(tick uint64, actor, action string, building BuildingID, team TeamID, code, reason string) {
	a.rejected++
	if a.auditLogger == nil {
		return
	}
	_ = a.auditLogger.WriteAudit(AuditEntry{
		Tick:     tick,
		Actor:    actor,
		Action:   action,
		Building: building,
		Team:     team,
		Code:     code,
		Reason:   reason,
	})
}

// Digest returns the state digest at the current tick.
func (a *Arena) Digest() string { return a.stateDigest(a.tick.Load()) }

// stateDigest hashes everything that determines future ticks. The epoch and
// cursor are session-specific and excluded so a replay reproduces the digest.
func (a *Arena) stateDigest(nowTick uint64) string {
	h := sha256.New()
	var tmp [8]byte
	u64 := func(v uint64) {
		binary.LittleEndian.PutUint64(tmp[:], v)
		h.Write(tmp[:])
	}
	i64 := func(v int64) { u64(uint64(v)) }
	f64 := func(v float64) { u64(math.Float64bits(v)) }
	str := func(s string) {
		u64(uint64(len(s)))
		h.Write([]byte(s))
	}
	flag := func(b bool) {
		if b {
			h.Write([]byte{1})
		} else {
			h.Write([]byte{0})
		}
	}

	u64(nowTick)
	for _, id := range a.order {
		s := a.zones[id].State()
		i64(int64(s.Building))
		str(string(s.Phase))
		i64(int64(s.ControllingTeam))
		flag(s.Captured)
		f64(s.Progress)
		i64(int64(s.ContestingTeam))
		flag(s.Decaying)
		i64(int64(s.DecayBy))
		flag(s.Cooldown)
		i64(s.CooldownUntilMS)
		u64(uint64(len(s.Occupants)))
		for _, o := range s.Occupants {
			str(o.Player)
			i64(int64(o.Team))
			flag(o.Eligible)
		}
	}

	snap := a.ledger.Snapshot()
	for _, tw := range snap.Towers {
		i64(int64(tw.Building))
		flag(tw.Captured)
		i64(int64(tw.Team))
	}
	for _, rec := range snap.Teams {
		i64(int64(rec.Team))
		flag(rec.MainCaptured)
		enemies := make([]int, 0, len(rec.EnemyMainCaptured))
		for e := range rec.EnemyMainCaptured {
			enemies = append(enemies, int(e))
		}
		sort.Ints(enemies)
		for _, e := range enemies {
			i64(int64(e))
			flag(rec.EnemyMainCaptured[TeamID(e)])
		}
		for _, c := range rec.AdjacentCaptured {
			flag(c)
		}
	}

	ids := make([]string, 0, len(a.players))
	for id := range a.players {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		str(id)
		i64(int64(a.players[id].team))
	}
	return hex.EncodeToString(h.Sum(nil))
}
