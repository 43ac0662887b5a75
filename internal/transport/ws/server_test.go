package ws

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"towerwars.ai/internal/protocol"
	"towerwars.ai/internal/sim/arena"
	"towerwars.ai/internal/sim/territory"
	"towerwars.ai/internal/sim/tuning"
)

func startArena(t *testing.T) (*arena.Arena, string) {
	t.Helper()
	g, err := territory.Load(filepath.Join("..", "..", "..", "configs", "territory.yaml"))
	if err != nil {
		t.Fatalf("territory: %v", err)
	}
	cfg := arena.ConfigFromTuning(tuning.Defaults())
	cfg.TickRateHz = 100
	a, err := arena.New(cfg, g, nil)
	if err != nil {
		t.Fatalf("arena: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = a.Run(ctx)
	}()
	srv := httptest.NewServer(NewServer(a, nil).Handler())
	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-done
	})
	return a, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func hello(t *testing.T, conn *websocket.Conn, role string) protocol.WelcomeMsg {
	t.Helper()
	if err := conn.WriteJSON(protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		ClientName:      "test",
		Role:            role,
	}); err != nil {
		t.Fatalf("HELLO: %v", err)
	}
	var w protocol.WelcomeMsg
	readJSON(t, conn, &w)
	if w.Type != protocol.TypeWelcome {
		t.Fatalf("expected WELCOME, got %q", w.Type)
	}
	return w
}

func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if err := json.Unmarshal(msg, v); err != nil {
		t.Fatalf("decode %s: %v", msg, err)
	}
}

func TestServer_WelcomeCarriesSnapshot(t *testing.T) {
	_, url := startArena(t)
	conn := dial(t, url)
	w := hello(t, conn, protocol.RoleObserver)
	if w.SessionID == "" || w.Snapshot.Epoch == "" {
		t.Fatalf("welcome: %+v", w)
	}
	if w.Snapshot.Cursor != 3 || len(w.Snapshot.Zones) == 0 || !w.ServerCapabilities.Authority {
		t.Fatalf("snapshot: cursor=%d zones=%d", w.Snapshot.Cursor, len(w.Snapshot.Zones))
	}
	if w.Params.TickRateHz != 100 || w.Params.Threshold != 100 {
		t.Fatalf("params: %+v", w.Params)
	}
}

func TestServer_EventBatch(t *testing.T) {
	_, url := startArena(t)
	conn := dial(t, url)
	w := hello(t, conn, protocol.RoleObserver)

	_ = conn.WriteJSON(protocol.EventBatchReqMsg{
		Type:            protocol.TypeEventBatchReq,
		ProtocolVersion: protocol.Version,
		ReqID:           "r1",
		SinceCursor:     0,
		Limit:           10,
	})
	var b protocol.EventBatchMsg
	readJSON(t, conn, &b)
	if b.Type != protocol.TypeEventBatch || b.ReqID != "r1" {
		t.Fatalf("batch: %+v", b)
	}
	if len(b.Events) != 3 || b.NextCursor != 3 || b.Epoch != w.Snapshot.Epoch || b.Truncated {
		t.Fatalf("batch events=%d next=%d", len(b.Events), b.NextCursor)
	}
}

func TestServer_RejectsBadMessages(t *testing.T) {
	_, url := startArena(t)
	conn := dial(t, url)
	hello(t, conn, protocol.RoleRelay)

	_ = conn.WriteJSON(protocol.OccupancyMsg{Type: protocol.TypeEnter, ProtocolVersion: "0.1", Building: 3, Player: "p1"})
	var e protocol.ErrorMsg
	readJSON(t, conn, &e)
	if e.Type != protocol.TypeError || e.Code != protocol.ErrProtoBadRequest {
		t.Fatalf("bad version: %+v", e)
	}

	_ = conn.WriteJSON(protocol.OccupancyMsg{Type: protocol.TypeEnter, ProtocolVersion: protocol.Version, Building: 3})
	readJSON(t, conn, &e)
	if e.Code != protocol.ErrBadRequest {
		t.Fatalf("missing player: %+v", e)
	}

	_ = conn.WriteJSON(protocol.BaseMessage{Type: "DANCE", ProtocolVersion: protocol.Version})
	readJSON(t, conn, &e)
	if e.Code != protocol.ErrProtoBadRequest || !protocol.IsKnownCode(e.Code) {
		t.Fatalf("unknown type: %+v", e)
	}
}

func TestServer_RelayRegistersAndLeaves(t *testing.T) {
	a, url := startArena(t)
	conn := dial(t, url)
	hello(t, conn, protocol.RoleRelay)

	_ = conn.WriteJSON(protocol.SetTeamMsg{Type: protocol.TypeSetTeam, ProtocolVersion: protocol.Version, Player: "p1", Team: 1})
	waitFor(t, func() bool { return a.Metrics().Players == 1 })

	_ = conn.Close()
	waitFor(t, func() bool { return a.Metrics().Players == 0 && a.Metrics().Sessions == 0 })
}

func TestServer_ObserversAreReadOnly(t *testing.T) {
	a, url := startArena(t)
	conn := dial(t, url)
	hello(t, conn, "")

	for _, m := range []any{
		protocol.SetTeamMsg{Type: protocol.TypeSetTeam, ProtocolVersion: protocol.Version, Player: "p1", Team: 1},
		protocol.OccupancyMsg{Type: protocol.TypeEnter, ProtocolVersion: protocol.Version, Building: 1, Player: "p1", Team: 1},
		protocol.OccupancyMsg{Type: protocol.TypeExit, ProtocolVersion: protocol.Version, Building: 1, Player: "p1", Team: 1},
		protocol.LeaveMsg{Type: protocol.TypeLeave, ProtocolVersion: protocol.Version, Player: "p1"},
	} {
		_ = conn.WriteJSON(m)
		var e protocol.ErrorMsg
		readJSON(t, conn, &e)
		if e.Type != protocol.TypeError || e.Code != protocol.ErrUnauthorized {
			t.Fatalf("%T from observer: %+v", m, e)
		}
	}
	if n := a.Metrics().Players; n != 0 {
		t.Fatalf("observer registered %d players", n)
	}
}

func TestServer_RelayLeaveReleasesOnlyItsPlayers(t *testing.T) {
	a, url := startArena(t)
	owner := dial(t, url)
	hello(t, owner, protocol.RoleRelay)
	other := dial(t, url)
	hello(t, other, protocol.RoleRelay)

	_ = owner.WriteJSON(protocol.SetTeamMsg{Type: protocol.TypeSetTeam, ProtocolVersion: protocol.Version, Player: "p1", Team: 1})
	waitFor(t, func() bool { return a.Metrics().Players == 1 })

	// Inputs apply in arrival order, so p2 showing up means the foreign LEAVE ran.
	_ = other.WriteJSON(protocol.LeaveMsg{Type: protocol.TypeLeave, ProtocolVersion: protocol.Version, Player: "p1"})
	_ = other.WriteJSON(protocol.SetTeamMsg{Type: protocol.TypeSetTeam, ProtocolVersion: protocol.Version, Player: "p2", Team: 0})
	waitFor(t, func() bool { return a.Metrics().Players == 2 })

	_ = owner.WriteJSON(protocol.LeaveMsg{Type: protocol.TypeLeave, ProtocolVersion: protocol.Version, Player: "p1"})
	waitFor(t, func() bool { return a.Metrics().Players == 1 })

	_ = owner.WriteJSON(protocol.LeaveMsg{Type: protocol.TypeLeave, ProtocolVersion: protocol.Version})
	var e protocol.ErrorMsg
	readJSON(t, owner, &e)
	if e.Code != protocol.ErrBadRequest {
		t.Fatalf("empty LEAVE: %+v", e)
	}
}

func TestServer_RequiresHello(t *testing.T) {
	_, url := startArena(t)
	conn := dial(t, url)
	_ = conn.WriteJSON(protocol.SetTeamMsg{Type: protocol.TypeSetTeam, ProtocolVersion: protocol.Version, Player: "p1"})
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("expected policy close, got %v", err)
	}
}

func TestSubmitError(t *testing.T) {
	if submitError(nil) != nil {
		t.Fatalf("nil error should have no reply")
	}
	if e := submitError(arena.ErrUnauthorized).(protocol.ErrorMsg); e.Code != protocol.ErrUnauthorized {
		t.Fatalf("unauthorized: %+v", e)
	}
	if e := submitError(context.DeadlineExceeded).(protocol.ErrorMsg); e.Code != protocol.ErrBusy {
		t.Fatalf("busy: %+v", e)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
