// Package client keeps a remote arena mirrored locally over websocket. It is used
// by headless observers and by non-authority servers, which forward their
// players' occupancy to the authority through it.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"towerwars.ai/internal/protocol"
	"towerwars.ai/internal/sim/arena"
	"towerwars.ai/internal/sim/broadcast"
)

var ErrNotConnected = errors.New("client: not connected")

// Replicator is handed every WELCOME snapshot and every newly applied event, in
// order. A replica arena implements it to serve the upstream view locally.
type Replicator interface {
	Resync(s broadcast.Snapshot)
	Replicate(ev broadcast.Event)
}

type Config struct {
	URL      string
	Name     string
	Role     string
	MaxQueue int
	// Presenter receives mirror callbacks; nil means none.
	Presenter broadcast.Presenter
	// Replicator, when set, is fed the mirrored stream.
	Replicator Replicator
	Logger     *log.Logger
	// OnError sees ERROR replies from the server.
	OnError func(protocol.ErrorMsg)
}

type Status struct {
	Connected       bool      `json:"connected"`
	SessionID       string    `json:"session_id,omitempty"`
	Epoch           string    `json:"epoch,omitempty"`
	Cursor          uint64    `json:"cursor"`
	Resyncs         uint64    `json:"resyncs"`
	LastConnectedAt time.Time `json:"last_connected_at,omitempty"`
	LastError       string    `json:"last_error,omitempty"`
}

// Session owns one logical connection and reconnects with backoff. Every
// (re)connect resets the mirror from the WELCOME snapshot.
type Session struct {
	cfg    Config
	mirror *broadcast.Mirror
	log    *log.Logger

	mu sync.RWMutex

	startOnce sync.Once
	closeOnce sync.Once
	stop      chan struct{}
	done      chan struct{}

	connected       bool
	lastConnectedAt time.Time
	lastErr         string
	sessionID       string

	conn    *websocket.Conn
	writeMu sync.Mutex

	// teams is replayed after reconnect since the server drops a closed session's players.
	teams map[string]arena.TeamID

	pending map[string]chan protocol.EventBatchMsg
	reqSeq  atomic.Uint64

	resyncs atomic.Uint64
	ready   chan struct{}
}

func NewSession(cfg Config) *Session {
	if cfg.Name == "" {
		cfg.Name = "observer"
	}
	if cfg.Role == "" {
		cfg.Role = protocol.RoleObserver
	}
	if cfg.MaxQueue <= 0 {
		cfg.MaxQueue = 256
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard, "", 0)
	}
	return &Session{
		cfg:     cfg,
		mirror:  broadcast.NewMirror(cfg.Presenter),
		log:     cfg.Logger,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		teams:   map[string]arena.TeamID{},
		pending: map[string]chan protocol.EventBatchMsg{},
		ready:   make(chan struct{}, 1),
	}
}

func (s *Session) Start() {
	s.startOnce.Do(func() {
		go s.run()
	})
}

func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.stop)
		s.mu.RLock()
		conn := s.conn
		s.mu.RUnlock()
		if conn != nil {
			_ = conn.Close()
		}
	})
	s.startOnce.Do(func() { close(s.done) })
	<-s.done
}

func (s *Session) Mirror() *broadcast.Mirror { return s.mirror }

func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Status{
		Connected:       s.connected,
		SessionID:       s.sessionID,
		Epoch:           s.mirror.Epoch(),
		Cursor:          s.mirror.Cursor(),
		Resyncs:         s.resyncs.Load(),
		LastConnectedAt: s.lastConnectedAt,
		LastError:       s.lastErr,
	}
}

// WaitConnected blocks until a WELCOME has been applied.
func (s *Session) WaitConnected(ctx context.Context) error {
	for {
		s.mu.RLock()
		ok := s.connected
		s.mu.RUnlock()
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.ready:
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// Forward sends an occupancy report to the authority.
func (s *Session) Forward(ctx context.Context, req arena.OccupancyRequest) error {
	return s.write(ctx, protocol.OccupancyMsg{
		Type:            string(req.Kind),
		ProtocolVersion: protocol.Version,
		Building:        int(req.Building),
		Player:          req.Player,
		Team:            int(req.Team),
	})
}

// ForwardTeam registers a player with the authority under this session.
func (s *Session) ForwardTeam(ctx context.Context, p arena.PlayerUpdate) error {
	s.mu.Lock()
	s.teams[p.Player] = p.Team
	s.mu.Unlock()
	return s.write(ctx, setTeam(p.Player, p.Team))
}

// ForwardLeave releases a player at the authority and stops replaying its team
// on reconnect. A closed connection already released it.
func (s *Session) ForwardLeave(ctx context.Context, player string) error {
	s.forget(player)
	return s.write(ctx, protocol.LeaveMsg{Type: protocol.TypeLeave, ProtocolVersion: protocol.Version, Player: player})
}

func (s *Session) forget(player string) {
	s.mu.Lock()
	delete(s.teams, player)
	s.mu.Unlock()
}

// RequestEvents asks the server for buffered events after since.
func (s *Session) RequestEvents(ctx context.Context, since uint64, limit int) (protocol.EventBatchMsg, error) {
	id := fmt.Sprintf("B_%d", s.reqSeq.Add(1))
	ch := make(chan protocol.EventBatchMsg, 1)
	s.mu.Lock()
	s.pending[id] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}()

	err := s.write(ctx, protocol.EventBatchReqMsg{
		Type:            protocol.TypeEventBatchReq,
		ProtocolVersion: protocol.Version,
		ReqID:           id,
		SinceCursor:     since,
		Limit:           limit,
	})
	if err != nil {
		return protocol.EventBatchMsg{}, err
	}
	select {
	case m := <-ch:
		return m, nil
	case <-ctx.Done():
		return protocol.EventBatchMsg{}, ctx.Err()
	}
}

func setTeam(player string, team arena.TeamID) protocol.SetTeamMsg {
	return protocol.SetTeamMsg{Type: protocol.TypeSetTeam, ProtocolVersion: protocol.Version, Player: player, Team: int(team)}
}

func (s *Session) write(ctx context.Context, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.mu.RLock()
	conn := s.conn
	connected := s.connected
	s.mu.RUnlock()
	if conn == nil || !connected {
		return ErrNotConnected
	}
	deadline := time.Now().Add(5 * time.Second)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetWriteDeadline(deadline)
	return conn.WriteMessage(websocket.TextMessage, b)
}

func (s *Session) run() {
	defer close(s.done)

	backoff := 200 * time.Millisecond
	for {
		select {
		case <-s.stop:
			return
		default:
		}

		err := s.connectAndReadLoop()
		s.mu.Lock()
		s.connected = false
		s.conn = nil
		if err != nil {
			s.lastErr = err.Error()
		}
		s.mu.Unlock()
		if err == nil {
			return
		}
		s.log.Printf("client: %v (retry in %s)", err, backoff)
		select {
		case <-s.stop:
			return
		case <-time.After(backoff):
		}
		if backoff < 5*time.Second {
			backoff *= 2
			if backoff > 5*time.Second {
				backoff = 5 * time.Second
			}
		}
	}
}

func (s *Session) connectAndReadLoop() error {
	d := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, resp, err := d.Dial(s.cfg.URL, http.Header{})
	if err != nil {
		return err
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	hello := protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		ClientName:      s.cfg.Name,
		Role:            s.cfg.Role,
		Capabilities:    protocol.HelloCapabilities{MaxQueue: s.cfg.MaxQueue},
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := conn.WriteJSON(hello); err != nil {
		_ = conn.Close()
		return err
	}

	s.mu.Lock()
	s.conn = conn
	s.lastErr = ""
	s.mu.Unlock()

	for {
		select {
		case <-s.stop:
			_ = conn.Close()
			return nil
		default:
		}

		_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			_ = conn.Close()
			select {
			case <-s.stop:
				return nil
			default:
			}
			return err
		}
		if err := s.handle(msg); err != nil {
			_ = conn.Close()
			return err
		}
	}
}

func (s *Session) handle(msg []byte) error {
	base, err := protocol.DecodeBase(msg)
	if err != nil || base.ProtocolVersion != protocol.Version {
		return nil
	}
	switch base.Type {
	case protocol.TypeWelcome:
		var w protocol.WelcomeMsg
		if err := json.Unmarshal(msg, &w); err != nil {
			return fmt.Errorf("decode WELCOME: %w", err)
		}
		s.mirror.Reset(w.Snapshot)
		if s.cfg.Replicator != nil {
			s.cfg.Replicator.Resync(w.Snapshot)
		}
		s.mu.Lock()
		if s.sessionID != "" {
			s.resyncs.Add(1)
		}
		s.sessionID = w.SessionID
		s.connected = true
		s.lastConnectedAt = time.Now()
		players := make([]string, 0, len(s.teams))
		for p := range s.teams {
			players = append(players, p)
		}
		sort.Strings(players)
		teams := make([]protocol.SetTeamMsg, 0, len(players))
		for _, p := range players {
			teams = append(teams, setTeam(p, s.teams[p]))
		}
		s.mu.Unlock()
		select {
		case s.ready <- struct{}{}:
		default:
		}
		s.log.Printf("client: WELCOME session=%s epoch=%s cursor=%d", w.SessionID, w.Snapshot.Epoch, w.Snapshot.Cursor)
		for _, m := range teams {
			if err := s.write(context.Background(), m); err != nil {
				return err
			}
		}

	case protocol.TypeEvent:
		var m protocol.EventMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			return nil
		}
		applied, err := s.mirror.Apply(m.Event)
		if errors.Is(err, broadcast.ErrEpochMismatch) {
			// The authority restarted under us; reconnect for a fresh snapshot.
			return err
		}
		if applied && s.cfg.Replicator != nil {
			s.cfg.Replicator.Replicate(m.Event)
		}

	case protocol.TypeEventBatch:
		var m protocol.EventBatchMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			return nil
		}
		s.mu.RLock()
		ch := s.pending[m.ReqID]
		s.mu.RUnlock()
		if ch != nil {
			select {
			case ch <- m:
			default:
			}
		}

	case protocol.TypeError:
		var m protocol.ErrorMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			return nil
		}
		s.log.Printf("client: ERROR %s: %s", m.Code, m.Message)
		if s.cfg.OnError != nil {
			s.cfg.OnError(m)
		}
	}
	return nil
}

var _ arena.Forwarder = (*Session)(nil)
