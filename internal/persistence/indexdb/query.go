package indexdb

import (
	"context"
	"encoding/json"

	"towerwars.ai/internal/sim/arena"
	"towerwars.ai/internal/sim/broadcast"
)

// History returns the newest events for building, newest first. A negative
// building returns events for every building.
func (s *SQLiteIndex) History(ctx context.Context, building int, limit int) ([]broadcast.Event, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	q := `SELECT raw_json FROM events WHERE building = ? ORDER BY tick DESC, cursor DESC LIMIT ?`
	args := []any{building, limit}
	if building < 0 {
		q = `SELECT raw_json FROM events ORDER BY tick DESC, cursor DESC LIMIT ?`
		args = []any{limit}
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []broadcast.Event
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var ev broadcast.Event
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Ownership is one captured-or-lost row from the ledger history.
type Ownership struct {
	Tick     uint64           `json:"tick"`
	Building arena.BuildingID `json:"building"`
	Team     arena.TeamID     `json:"team"`
	Captured bool             `json:"captured"`
}

// OwnershipHistory lists ledger changes for team in tick order.
func (s *SQLiteIndex) OwnershipHistory(ctx context.Context, team int) ([]Ownership, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tick, building, team, captured FROM ownership WHERE team = ? ORDER BY tick ASC, cursor ASC`, team)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Ownership
	for rows.Next() {
		var (
			o        Ownership
			tick     int64
			captured int
		)
		if err := rows.Scan(&tick, &o.Building, &o.Team, &captured); err != nil {
			return nil, err
		}
		o.Tick = uint64(tick)
		o.Captured = captured != 0
		out = append(out, o)
	}
	return out, rows.Err()
}

// Rejections returns the newest audit rows, newest first.
func (s *SQLiteIndex) Rejections(ctx context.Context, limit int) ([]arena.AuditEntry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT raw_json FROM audits ORDER BY tick DESC, seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []arena.AuditEntry
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var a arena.AuditEntry
		if err := json.Unmarshal([]byte(raw), &a); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
