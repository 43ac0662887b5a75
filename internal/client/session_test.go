package client

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"towerwars.ai/internal/protocol"
	"towerwars.ai/internal/sim/arena"
	"towerwars.ai/internal/sim/broadcast"
	"towerwars.ai/internal/sim/capture"
	"towerwars.ai/internal/sim/territory"
	"towerwars.ai/internal/sim/tuning"
	"towerwars.ai/internal/transport/ws"
)

type recorder struct {
	broadcast.NopPresenter

	mu       sync.Mutex
	captured map[broadcast.BuildingID]broadcast.TeamID
	contests int
}

func (r *recorder) OnContestStart(broadcast.BuildingID, broadcast.TeamID) {
	r.mu.Lock()
	r.contests++
	r.mu.Unlock()
}

func (r *recorder) OnCaptured(b broadcast.BuildingID, team broadcast.TeamID) {
	r.mu.Lock()
	r.captured[b] = team
	r.mu.Unlock()
}

func (r *recorder) capturedBy(b broadcast.BuildingID) (broadcast.TeamID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	team, ok := r.captured[b]
	return team, ok
}

func startAuthority(t *testing.T) (*arena.Arena, string) {
	t.Helper()
	a := newArena(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = a.Run(ctx)
	}()
	srv := httptest.NewServer(ws.NewServer(a, nil).Handler())
	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-done
	})
	return a, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func newArena(t *testing.T) *arena.Arena {
	t.Helper()
	return newArenaWith(t, func(*arena.Config) {})
}

func newArenaWith(t *testing.T, edit func(*arena.Config)) *arena.Arena {
	t.Helper()
	g, err := territory.Load(filepath.Join("..", "..", "configs", "territory.yaml"))
	if err != nil {
		t.Fatalf("territory: %v", err)
	}
	cfg := arena.ConfigFromTuning(tuning.Defaults())
	cfg.TickRateHz = 200
	edit(&cfg)
	a, err := arena.New(cfg, g, nil)
	if err != nil {
		t.Fatalf("arena: %v", err)
	}
	return a
}

func startSession(t *testing.T, url string, p broadcast.Presenter) *Session {
	t.Helper()
	return startSessionWith(t, Config{URL: url, Name: "relay-test", Role: protocol.RoleRelay, Presenter: p})
}

func startSessionWith(t *testing.T, cfg Config) *Session {
	t.Helper()
	s := NewSession(cfg)
	s.Start()
	t.Cleanup(s.Close)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.WaitConnected(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return s
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	waitForWithin(t, what, 5*time.Second, cond)
}

func waitForWithin(t *testing.T, what string, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSession_MirrorFollowsCapture(t *testing.T) {
	a, url := startAuthority(t)
	rec := &recorder{captured: map[broadcast.BuildingID]broadcast.TeamID{}}
	s := startSession(t, url, rec)

	if z, ok := s.Mirror().Zone(0); !ok || !z.Captured {
		t.Fatalf("cathedral state missing from snapshot: %+v", z)
	}

	ctx := context.Background()
	for _, p := range []string{"p1", "p2"} {
		if err := s.ForwardTeam(ctx, arena.PlayerUpdate{Player: p, Team: 1}); err != nil {
			t.Fatalf("ForwardTeam: %v", err)
		}
	}
	waitFor(t, "registration", func() bool { return a.Metrics().Players == 2 })
	for _, p := range []string{"p1", "p2"} {
		if err := s.Forward(ctx, arena.OccupancyRequest{Kind: arena.RequestEnter, Building: 1, Player: p, Team: 1}); err != nil {
			t.Fatalf("Forward: %v", err)
		}
	}

	waitFor(t, "capture", func() bool {
		team, ok := rec.capturedBy(1)
		return ok && team == 1
	})
	z, _ := s.Mirror().Zone(1)
	if !z.Captured || z.ControllingTeam != 1 {
		t.Fatalf("mirror zone: %+v", z)
	}
	if tw, ok := s.Mirror().Tower(1); !ok || !tw.Captured || tw.Team != 1 {
		t.Fatalf("mirror tower: %+v", tw)
	}
	if s.Mirror().Cursor() > a.Broadcaster().Cursor() {
		t.Fatalf("mirror ahead of authority")
	}
}

func TestSession_RequestEvents(t *testing.T) {
	_, url := startAuthority(t)
	s := startSession(t, url, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	b, err := s.RequestEvents(ctx, 1, 10)
	if err != nil {
		t.Fatalf("RequestEvents: %v", err)
	}
	if len(b.Events) != 2 || b.Events[0].Cursor != 2 || b.NextCursor != 3 {
		t.Fatalf("batch: %+v", b)
	}
}

func TestSession_ForwarderForNonAuthority(t *testing.T) {
	auth, url := startAuthority(t)
	s := startSession(t, url, nil)

	replica := newArena(t)
	replica.SetAuthority(arena.NewStaticAuthority(false))
	replica.SetForwarder(s)

	ctx := context.Background()
	if err := replica.SetTeam(ctx, arena.PlayerUpdate{Player: "r1", Team: 2}); err != nil {
		t.Fatalf("SetTeam: %v", err)
	}
	waitFor(t, "forwarded registration", func() bool { return auth.Metrics().Players == 1 })
	if err := replica.NotifyOccupantEntered(ctx, 2, "r1", 2); err != nil {
		t.Fatalf("NotifyOccupantEntered: %v", err)
	}
	waitFor(t, "forwarded occupancy", func() bool {
		for _, z := range auth.Snapshot().Zones {
			if z.Building == 2 && len(z.Occupants) == 1 {
				return true
			}
		}
		return false
	})
}

func TestSession_ClosedSessionReleasesPlayers(t *testing.T) {
	a, url := startAuthority(t)
	s := startSession(t, url, nil)
	if err := s.ForwardTeam(context.Background(), arena.PlayerUpdate{Player: "p1", Team: 0}); err != nil {
		t.Fatalf("ForwardTeam: %v", err)
	}
	waitFor(t, "registration", func() bool { return a.Metrics().Players == 1 })
	s.Close()
	waitFor(t, "release", func() bool { return a.Metrics().Players == 0 })
	if err := s.Forward(context.Background(), arena.OccupancyRequest{Kind: arena.RequestExit, Building: 0, Player: "p1"}); err != ErrNotConnected {
		t.Fatalf("closed session: %v", err)
	}
}

// startReplica runs a replica arena that relays to the authority at authURL and
// serves its own websocket endpoint.
func startReplica(t *testing.T, authURL string) (*arena.Arena, *Session, string) {
	t.Helper()
	replica := newArenaWith(t, func(c *arena.Config) { c.Replica = true })
	relay := NewSession(Config{URL: authURL, Name: "replica", Role: protocol.RoleRelay, Replicator: replica})
	replica.SetForwarder(relay)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = replica.Run(ctx)
	}()
	relay.Start()
	srv := httptest.NewServer(ws.NewServer(replica, nil).Handler())
	t.Cleanup(func() {
		srv.Close()
		relay.Close()
		cancel()
		<-done
	})

	wctx, wcancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer wcancel()
	if err := relay.WaitConnected(wctx); err != nil {
		t.Fatalf("relay connect: %v", err)
	}
	return replica, relay, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func zoneIn(zones []capture.State, b broadcast.BuildingID) (capture.State, bool) {
	for _, z := range zones {
		if z.Building == b {
			return z, true
		}
	}
	return capture.State{}, false
}

func TestSession_ReplicaServesAuthorityView(t *testing.T) {
	auth, authURL := startAuthority(t)
	replica, relay, url := startReplica(t, authURL)
	waitFor(t, "replica resync", func() bool { return replica.Snapshot().Epoch == auth.Broadcaster().Epoch() })

	rec := &recorder{captured: map[broadcast.BuildingID]broadcast.TeamID{}}
	local := startSessionWith(t, Config{URL: url, Name: "local", Role: protocol.RoleRelay, Presenter: rec})
	if st := relay.Status(); st.Epoch != local.Status().Epoch {
		t.Fatalf("local epoch %s, upstream %s", local.Status().Epoch, st.Epoch)
	}
	if z, ok := local.Mirror().Zone(6); !ok || !z.Captured {
		t.Fatalf("cathedral missing from replica snapshot: %+v", z)
	}

	ctx := context.Background()
	for _, p := range []string{"p1", "p2"} {
		if err := local.ForwardTeam(ctx, arena.PlayerUpdate{Player: p, Team: 1}); err != nil {
			t.Fatalf("ForwardTeam: %v", err)
		}
	}
	waitFor(t, "forwarded registration", func() bool { return auth.Metrics().Players == 2 })
	for _, p := range []string{"p1", "p2"} {
		if err := local.Forward(ctx, arena.OccupancyRequest{Kind: arena.RequestEnter, Building: 1, Player: p, Team: 1}); err != nil {
			t.Fatalf("Forward: %v", err)
		}
	}

	waitForWithin(t, "capture seen locally", 15*time.Second, func() bool {
		team, ok := rec.capturedBy(1)
		return ok && team == 1
	})
	if z, ok := zoneIn(replica.Snapshot().Zones, 1); !ok || !z.Captured || z.ControllingTeam != 1 {
		t.Fatalf("replica state view: %+v", z)
	}
	if m := replica.Metrics(); m.Authority || m.Cursor == 0 {
		t.Fatalf("replica metrics: %+v", m)
	}
	if z, ok := zoneIn(auth.Snapshot().Zones, 1); !ok || !z.Captured {
		t.Fatalf("authority lost the capture: %+v", z)
	}
}

func TestSession_ReplicaReleasesDisconnectedPlayers(t *testing.T) {
	auth, authURL := startAuthority(t)
	replica, _, url := startReplica(t, authURL)
	waitFor(t, "replica resync", func() bool { return replica.Snapshot().Epoch == auth.Broadcaster().Epoch() })

	occupants := func(b broadcast.BuildingID) int {
		z, _ := zoneIn(auth.Snapshot().Zones, b)
		return len(z.Occupants)
	}

	local := startSessionWith(t, Config{URL: url, Name: "local", Role: protocol.RoleRelay})
	ctx := context.Background()
	if err := local.ForwardTeam(ctx, arena.PlayerUpdate{Player: "p1", Team: 1}); err != nil {
		t.Fatalf("ForwardTeam: %v", err)
	}
	waitFor(t, "forwarded registration", func() bool { return auth.Metrics().Players == 1 })
	if err := local.Forward(ctx, arena.OccupancyRequest{Kind: arena.RequestEnter, Building: 1, Player: "p1", Team: 1}); err != nil {
		t.Fatalf("Forward: %v", err)
	}
	waitFor(t, "forwarded occupancy", func() bool { return occupants(1) == 1 })

	local.Close()
	waitFor(t, "release at the authority", func() bool { return auth.Metrics().Players == 0 && occupants(1) == 0 })
	// Already released; removing it again is harmless.
	if err := replica.RemovePlayer(ctx, "p1"); err != nil {
		t.Fatalf("RemovePlayer: %v", err)
	}

	other := startSessionWith(t, Config{URL: url, Name: "other", Role: protocol.RoleRelay})
	if err := other.ForwardTeam(ctx, arena.PlayerUpdate{Player: "p2", Team: 0}); err != nil {
		t.Fatalf("ForwardTeam: %v", err)
	}
	waitFor(t, "second registration", func() bool { return auth.Metrics().Players == 1 })
	if err := replica.RemovePlayer(ctx, "p2"); err != nil {
		t.Fatalf("RemovePlayer: %v", err)
	}
	waitFor(t, "removal at the authority", func() bool { return auth.Metrics().Players == 0 })
}
