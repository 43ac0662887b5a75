// Package ws serves the arena protocol over websocket. A session starts with
// HELLO/WELCOME and then receives every EVENT. Relays may also send SET_TEAM,
// ENTER and EXIT, and LEAVE for the players they registered. Observer sessions
// are read-only.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"towerwars.ai/internal/protocol"
	"towerwars.ai/internal/sim/arena"
)

const (
	submitTimeout = 2 * time.Second
	maxBatch      = 1000
)

type Server struct {
	arena *arena.Arena
	log   *log.Logger

	upgrader websocket.Upgrader
}

func NewServer(a *arena.Arena, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	s := &Server{
		arena: a,
		log:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
	return s
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		resp, role, ok := s.handshake(r.Context(), conn)
		if !ok {
			return
		}
		defer s.arena.LeaveSession(resp.SessionID)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// Replies are written by the writer goroutine only.
		reply := make(chan []byte, 16)

		go func() {
			defer cancel()
			for {
				var b []byte
				select {
				case <-ctx.Done():
					return
				case m, ok := <-resp.Out:
					if !ok {
						// Dropped or arena stopped: the client must reconnect for a new snapshot.
						_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "resync"), time.Now().Add(time.Second))
						_ = conn.Close()
						return
					}
					b = m
				case m := <-reply:
					b = m
				}
				_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
					_ = conn.Close()
					return
				}
			}
		}()

		send := func(v any) {
			b, err := json.Marshal(v)
			if err != nil {
				return
			}
			select {
			case reply <- b:
			case <-ctx.Done():
			}
		}

		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			if v := s.handle(ctx, resp.SessionID, role, msg); v != nil {
				send(v)
			}
		}
	}
}

func (s *Server) handshake(ctx context.Context, conn *websocket.Conn) (arena.SessionJoinResponse, string, bool) {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return arena.SessionJoinResponse{}, "", false
	}

	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected HELLO"), time.Now().Add(time.Second))
		return arena.SessionJoinResponse{}, "", false
	}

	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		return arena.SessionJoinResponse{}, "", false
	}
	if hello.ProtocolVersion != protocol.Version {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "bad protocol_version"), time.Now().Add(time.Second))
		return arena.SessionJoinResponse{}, "", false
	}
	if hello.ClientName == "" {
		hello.ClientName = "observer"
	}
	if hello.Role == "" {
		hello.Role = protocol.RoleObserver
	}
	switch hello.Role {
	case protocol.RoleObserver, protocol.RoleRelay:
	default:
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "bad role"), time.Now().Add(time.Second))
		return arena.SessionJoinResponse{}, "", false
	}

	jctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	resp, err := s.arena.JoinSession(jctx, hello.ClientName, hello.Role, hello.Capabilities.MaxQueue)
	if err != nil {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "busy"), time.Now().Add(time.Second))
		return arena.SessionJoinResponse{}, "", false
	}

	b, err := json.Marshal(resp.Welcome)
	if err != nil {
		s.arena.LeaveSession(resp.SessionID)
		return arena.SessionJoinResponse{}, "", false
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
		s.arena.LeaveSession(resp.SessionID)
		return arena.SessionJoinResponse{}, "", false
	}
	s.log.Printf("ws: session %s (%s, %s) connected", resp.SessionID, hello.ClientName, hello.Role)
	return resp, hello.Role, true
}

// handle applies one client message and returns the direct reply, if any.
func (s *Server) handle(ctx context.Context, sessionID, role string, msg []byte) any {
	base, err := protocol.DecodeBase(msg)
	if err != nil {
		return protocol.NewErrorMsg(protocol.ErrProtoBadRequest, "bad json")
	}
	if base.ProtocolVersion != protocol.Version {
		return protocol.NewErrorMsg(protocol.ErrProtoBadRequest, "bad protocol_version")
	}

	switch base.Type {
	case protocol.TypeSetTeam, protocol.TypeEnter, protocol.TypeExit, protocol.TypeLeave:
		if role != protocol.RoleRelay {
			return protocol.NewErrorMsg(protocol.ErrUnauthorized, "observer sessions are read-only")
		}
	}

	switch base.Type {
	case protocol.TypeSetTeam:
		var m protocol.SetTeamMsg
		if err := json.Unmarshal(msg, &m); err != nil || m.Player == "" {
			return protocol.NewErrorMsg(protocol.ErrBadRequest, "bad SET_TEAM")
		}
		return submitError(s.withTimeout(ctx, func(c context.Context) error {
			return s.arena.SetTeam(c, arena.PlayerUpdate{Player: m.Player, Team: arena.TeamID(m.Team), Session: sessionID})
		}))

	case protocol.TypeEnter, protocol.TypeExit:
		var m protocol.OccupancyMsg
		if err := json.Unmarshal(msg, &m); err != nil || m.Player == "" {
			return protocol.NewErrorMsg(protocol.ErrBadRequest, "bad "+base.Type)
		}
		req := arena.OccupancyRequest{
			Kind:     arena.RequestKind(base.Type),
			Building: arena.BuildingID(m.Building),
			Player:   m.Player,
			Team:     arena.TeamID(m.Team),
		}
		return submitError(s.withTimeout(ctx, func(c context.Context) error {
			return s.arena.Submit(c, req)
		}))

	case protocol.TypeLeave:
		var m protocol.LeaveMsg
		if err := json.Unmarshal(msg, &m); err != nil || m.Player == "" {
			return protocol.NewErrorMsg(protocol.ErrBadRequest, "bad LEAVE")
		}
		return submitError(s.withTimeout(ctx, func(c context.Context) error {
			return s.arena.ReleasePlayer(c, sessionID, m.Player)
		}))

	case protocol.TypeEventBatchReq:
		var m protocol.EventBatchReqMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			return protocol.NewErrorMsg(protocol.ErrBadRequest, "bad EVENT_BATCH_REQ")
		}
		limit := m.Limit
		if limit <= 0 || limit > maxBatch {
			limit = maxBatch
		}
		bc := s.arena.Broadcaster()
		events, next, truncated := bc.Since(m.SinceCursor, limit)
		if truncated {
			e := protocol.NewErrorMsg(protocol.ErrStale, "events evicted; reconnect for a snapshot")
			e.ReqID = m.ReqID
			return e
		}
		return protocol.EventBatchMsg{
			Type:            protocol.TypeEventBatch,
			ProtocolVersion: protocol.Version,
			ReqID:           m.ReqID,
			Epoch:           bc.Epoch(),
			Events:          events,
			NextCursor:      next,
		}
	}
	return protocol.NewErrorMsg(protocol.ErrProtoBadRequest, "unknown type "+base.Type)
}

func (s *Server) withTimeout(ctx context.Context, fn func(context.Context) error) error {
	c, cancel := context.WithTimeout(ctx, submitTimeout)
	defer cancel()
	return fn(c)
}

func submitError(err error) any {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, arena.ErrUnauthorized):
		return protocol.NewErrorMsg(protocol.ErrUnauthorized, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return protocol.NewErrorMsg(protocol.ErrBusy, "arena inbox full")
	default:
		return protocol.NewErrorMsg(protocol.ErrInternal, err.Error())
	}
}
