package protocol_test

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"towerwars.ai/internal/protocol"
	"towerwars.ai/internal/sim/broadcast"
	"towerwars.ai/internal/sim/capture"
	"towerwars.ai/internal/sim/ledger"
	"towerwars.ai/internal/sim/territory"
)

func TestSchemas_ValidateSamples(t *testing.T) {
	compile := func(name string) *jsonschema.Schema {
		t.Helper()
		p := filepath.Join("..", "..", "schemas", name)
		s, err := jsonschema.Compile(p)
		if err != nil {
			t.Fatalf("compile %s: %v", name, err)
		}
		return s
	}

	validate := func(s *jsonschema.Schema, v any) {
		t.Helper()
		if err := s.Validate(v); err != nil {
			t.Fatalf("validate: %v", err)
		}
	}

	// Go values go through JSON so the schemas check the real wire shape.
	roundTrip := func(v any) any {
		t.Helper()
		b, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		var out any
		if err := json.Unmarshal(b, &out); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		return out
	}

	helloSchema := compile("hello.schema.json")
	welcomeSchema := compile("welcome.schema.json")
	eventSchema := compile("event.schema.json")
	occupancySchema := compile("occupancy.schema.json")
	setTeamSchema := compile("set_team.schema.json")
	leaveSchema := compile("leave.schema.json")
	batchSchema := compile("event_batch.schema.json")
	errorSchema := compile("error.schema.json")

	var hello any
	_ = json.Unmarshal([]byte(`{
	  "type":"HELLO",
	  "protocol_version":"1.0",
	  "client_name":"observer-1",
	  "role":"observer",
	  "capabilities":{"max_queue":64}
	}`), &hello)
	validate(helloSchema, hello)

	g, err := territory.New(
		[]territory.Building{
			{ID: 0, Tier: territory.TierMain, HomeTeam: 0},
			{ID: 1, Tier: territory.TierMain, HomeTeam: 1},
			{ID: 6, Tier: territory.TierCathedral, HomeTeam: territory.Neutral},
		},
		[]territory.Team{{ID: 0, Main: 0}, {ID: 1, Main: 1}},
		map[territory.BuildingID]territory.TeamID{6: 0},
	)
	if err != nil {
		t.Fatalf("territory.New: %v", err)
	}
	l := ledger.New(g, nil)
	b := broadcast.NewBroadcaster(8, nil)
	z := capture.NewZone(6, capture.DefaultParams(), l, nil)
	tr, err := z.PreOwn(0)
	if err != nil {
		t.Fatalf("PreOwn: %v", err)
	}
	ev := b.Publish(0, tr, z.State())

	welcome := protocol.WelcomeMsg{
		Type:               protocol.TypeWelcome,
		ProtocolVersion:    protocol.Version,
		SessionID:          "S1",
		ServerCapabilities: protocol.ServerCapabilities{EventBatch: true, Authority: true},
		Params:             protocol.ArenaParams{TickRateHz: 20, Threshold: 100, CaptureRadius: 10},
		Snapshot: broadcast.Snapshot{
			Epoch:  b.Epoch(),
			Cursor: b.Cursor(),
			Seqs:   b.Seqs(),
			Zones:  []capture.State{z.State()},
			Ledger: l.Snapshot(),
		},
	}
	validate(welcomeSchema, roundTrip(welcome))
	validate(eventSchema, roundTrip(protocol.NewEventMsg(ev)))

	validate(occupancySchema, roundTrip(protocol.OccupancyMsg{
		Type: protocol.TypeEnter, ProtocolVersion: protocol.Version, Building: 6, Player: "p1", Team: 1,
	}))
	validate(setTeamSchema, roundTrip(protocol.SetTeamMsg{
		Type: protocol.TypeSetTeam, ProtocolVersion: protocol.Version, Player: "p1", Team: 1,
	}))
	validate(leaveSchema, roundTrip(protocol.LeaveMsg{
		Type: protocol.TypeLeave, ProtocolVersion: protocol.Version, Player: "p1",
	}))
	evs, next, truncated := b.Since(0, 0)
	validate(batchSchema, roundTrip(protocol.EventBatchMsg{
		Type: protocol.TypeEventBatch, ProtocolVersion: protocol.Version, ReqID: "r1",
		Epoch: b.Epoch(), Events: evs, NextCursor: next, Truncated: truncated,
	}))
	validate(errorSchema, roundTrip(protocol.NewErrorMsg(protocol.ErrOrphaned, "unknown player")))
}

func TestEventMsg_FlattensEvent(t *testing.T) {
	msg := protocol.NewEventMsg(broadcast.Event{Epoch: "e", Cursor: 3, Seq: 1, Kind: capture.KindCaptured, Building: 4})
	raw, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m["type"] != protocol.TypeEvent || m["kind"] != "CAPTURED" || m["cursor"].(float64) != 3 {
		t.Fatalf("unexpected wire shape: %s", raw)
	}
	base, err := protocol.DecodeBase(raw)
	if err != nil || base.Type != protocol.TypeEvent {
		t.Fatalf("DecodeBase: %+v %v", base, err)
	}
}
