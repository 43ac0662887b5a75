package protocol

import "towerwars.ai/internal/sim/broadcast"

// EVENT_BATCH_REQ (client -> server)
type EventBatchReqMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ReqID           string `json:"req_id"`
	SinceCursor     uint64 `json:"since_cursor"`
	Limit           int    `json:"limit"`
}

// EVENT_BATCH (server -> client). Truncated means events after SinceCursor were
// already evicted and the client must reconnect for a fresh snapshot.
type EventBatchMsg struct {
	Type            string            `json:"type"`
	ProtocolVersion string            `json:"protocol_version"`
	ReqID           string            `json:"req_id"`
	Epoch           string            `json:"epoch"`
	Events          []broadcast.Event `json:"events"`
	NextCursor      uint64            `json:"next_cursor"`
	Truncated       bool              `json:"truncated,omitempty"`
}
