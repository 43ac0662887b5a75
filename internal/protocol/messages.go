package protocol

import "towerwars.ai/internal/sim/broadcast"

// Session roles.
const (
	RoleObserver = "observer"
	// RoleRelay is a non-authority server forwarding its players' occupancy.
	RoleRelay = "relay"
)

// HELLO (client -> server)
type HelloMsg struct {
	Type            string            `json:"type"`
	ProtocolVersion string            `json:"protocol_version"`
	ClientName      string            `json:"client_name"`
	Role            string            `json:"role,omitempty"`
	Capabilities    HelloCapabilities `json:"capabilities"`
}

type HelloCapabilities struct {
	MaxQueue int `json:"max_queue,omitempty"`
}

// WELCOME (server -> client). Snapshot is the resync point; EVENTs that follow
// have cursors greater than Snapshot.Cursor.
type WelcomeMsg struct {
	Type               string             `json:"type"`
	ProtocolVersion    string             `json:"protocol_version"`
	SessionID          string             `json:"session_id"`
	ServerCapabilities ServerCapabilities `json:"server_capabilities"`
	Params             ArenaParams        `json:"params"`
	Snapshot           broadcast.Snapshot `json:"snapshot"`
}

type ServerCapabilities struct {
	EventBatch bool `json:"event_batch,omitempty"`
	Authority  bool `json:"authority"`
}

type ArenaParams struct {
	TickRateHz    int     `json:"tick_rate_hz"`
	Threshold     float64 `json:"threshold"`
	CaptureRadius float64 `json:"capture_radius"`
}

// SET_TEAM (client -> server) registers a player or moves it to another team.
type SetTeamMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Player          string `json:"player"`
	Team            int    `json:"team"`
}

// LEAVE (relay -> server) removes a player the relay registered.
type LeaveMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Player          string `json:"player"`
}

// ENTER / EXIT (client -> server). Team is advisory; the registry wins.
type OccupancyMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Building        int    `json:"building"`
	Player          string `json:"player"`
	Team            int    `json:"team"`
}

// EVENT (server -> client)
type EventMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	broadcast.Event
}

func NewEventMsg(ev broadcast.Event) EventMsg {
	return EventMsg{Type: TypeEvent, ProtocolVersion: Version, Event: ev}
}

// ERROR (server -> client)
type ErrorMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Code            string `json:"code"`
	Message         string `json:"message,omitempty"`
	ReqID           string `json:"req_id,omitempty"`
}

func NewErrorMsg(code, message string) ErrorMsg {
	return ErrorMsg{Type: TypeError, ProtocolVersion: Version, Code: code, Message: message}
}
