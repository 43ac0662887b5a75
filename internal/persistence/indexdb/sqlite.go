// Package indexdb keeps a queryable SQLite copy of the arena history. The JSONL
// logs remain the source of truth; this index may drop rows under load.
package indexdb

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"towerwars.ai/internal/sim/arena"
	"towerwars.ai/internal/sim/broadcast"
	"towerwars.ai/internal/sim/territory"
	"towerwars.ai/internal/sim/tuning"
)

type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	// mu orders enqueues against Close so nothing is sent on a closed channel.
	mu     sync.RWMutex
	closed bool

	dropTick  atomic.Uint64
	dropAudit atomic.Uint64
	dropEvent atomic.Uint64
}

type reqKind int

const (
	reqTick reqKind = iota + 1
	reqAudit
	reqEvent
	reqFlush
)

type req struct {
	kind reqKind

	tick  arena.TickLogEntry
	audit arena.AuditEntry
	event broadcast.Event
	done  chan struct{}
}

// Stats reports queue pressure on the writer goroutine.
type Stats struct {
	QueueDepth     int    `json:"queue_depth"`
	QueueCapacity  int    `json:"queue_capacity"`
	DropTickTotal  uint64 `json:"drop_tick_total"`
	DropAuditTotal uint64 `json:"drop_audit_total"`
	DropEventTotal uint64 `json:"drop_event_total"`
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		ch: make(chan req, 65536),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS configs (
			name TEXT PRIMARY KEY,
			digest TEXT NOT NULL,
			json TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS ticks (
			tick INTEGER PRIMARY KEY,
			digest TEXT NOT NULL,
			players INTEGER NOT NULL,
			leaves INTEGER NOT NULL,
			requests INTEGER NOT NULL,
			events INTEGER NOT NULL,
			raw_json TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS events (
			epoch TEXT NOT NULL,
			cursor INTEGER NOT NULL,
			seq INTEGER NOT NULL,
			tick INTEGER NOT NULL,
			kind TEXT NOT NULL,
			building INTEGER NOT NULL,
			team INTEGER NOT NULL,
			progress REAL NOT NULL,
			phase TEXT NOT NULL,
			raw_json TEXT NOT NULL,
			PRIMARY KEY (epoch, cursor)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_events_building_tick ON events(building, tick);`,
		`CREATE TABLE IF NOT EXISTS ownership (
			epoch TEXT NOT NULL,
			cursor INTEGER NOT NULL,
			tick INTEGER NOT NULL,
			building INTEGER NOT NULL,
			team INTEGER NOT NULL,
			captured INTEGER NOT NULL,
			PRIMARY KEY (epoch, cursor)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_ownership_team_tick ON ownership(team, tick);`,
		`CREATE TABLE IF NOT EXISTS audits (
			tick INTEGER NOT NULL,
			seq INTEGER NOT NULL,
			actor TEXT NOT NULL,
			action TEXT NOT NULL,
			building INTEGER NOT NULL,
			team INTEGER NOT NULL,
			code TEXT NOT NULL,
			reason TEXT,
			raw_json TEXT NOT NULL,
			PRIMARY KEY (tick, seq)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_audits_actor_tick ON audits(actor, tick);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:     len(s.ch),
		QueueCapacity:  cap(s.ch),
		DropTickTotal:  s.dropTick.Load(),
		DropAuditTotal: s.dropAudit.Load(),
		DropEventTotal: s.dropEvent.Load(),
	}
}

// enqueue hands r to the writer without blocking; rows offered after Close are
// discarded.
func (s *SQLiteIndex) enqueue(r req, drops *atomic.Uint64) {
	if s == nil {
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- r:
	default:
		drops.Add(1)
	}
}

func (s *SQLiteIndex) WriteTick(entry arena.TickLogEntry) error {
	if s != nil {
		s.enqueue(req{kind: reqTick, tick: entry}, &s.dropTick)
	}
	return nil
}

func (s *SQLiteIndex) WriteAudit(entry arena.AuditEntry) error {
	if s != nil {
		s.enqueue(req{kind: reqAudit, audit: entry}, &s.dropAudit)
	}
	return nil
}

// Deliver indexes a published event. It never blocks the tick goroutine.
func (s *SQLiteIndex) Deliver(ev broadcast.Event) error {
	if s != nil {
		s.enqueue(req{kind: reqEvent, event: ev}, &s.dropEvent)
	}
	return nil
}

// Flush waits until every row queued so far is committed.
func (s *SQLiteIndex) Flush(ctx context.Context) error {
	if s == nil {
		return nil
	}
	done := make(chan struct{})
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil
	}
	select {
	case s.ch <- req{kind: reqFlush, done: done}:
		s.mu.RUnlock()
	case <-ctx.Done():
		s.mu.RUnlock()
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// UpsertConfig stores the territory file and the tuning actually applied.
func (s *SQLiteIndex) UpsertConfig(configDir string, g *territory.Graph, tune tuning.Tuning) error {
	if s == nil {
		return nil
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	type kv struct {
		name string
		json []byte
	}
	var rows []kv
	if configDir != "" {
		if b, err := os.ReadFile(filepath.Join(configDir, "territory.yaml")); err == nil {
			rows = append(rows, kv{name: "territory_yaml", json: b})
		}
	}
	if g != nil {
		if b, err := json.Marshal(g.Buildings()); err == nil {
			rows = append(rows, kv{name: "buildings", json: b})
		}
		if b, err := json.Marshal(g.Cathedrals()); err == nil {
			rows = append(rows, kv{name: "cathedrals", json: b})
		}
	}
	if b, err := json.Marshal(tune); err == nil {
		rows = append(rows, kv{name: "tuning", json: b})
	}

	tx, err := s.db.BeginTx(context.Background(), nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1')`); err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO configs(name,digest,json,updated_at) VALUES(?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, r := range rows {
		sum := sha256.Sum256(r.json)
		if _, err := stmt.Exec(r.name, hex.EncodeToString(sum[:]), string(r.json), now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertTick, _ := s.db.Prepare(`INSERT OR REPLACE INTO ticks(tick,digest,players,leaves,requests,events,raw_json) VALUES(?,?,?,?,?,?,?)`)
	insertEvent, _ := s.db.Prepare(`INSERT OR REPLACE INTO events(epoch,cursor,seq,tick,kind,building,team,progress,phase,raw_json) VALUES(?,?,?,?,?,?,?,?,?,?)`)
	insertOwner, _ := s.db.Prepare(`INSERT OR REPLACE INTO ownership(epoch,cursor,tick,building,team,captured) VALUES(?,?,?,?,?,?)`)
	insertAudit, _ := s.db.Prepare(`INSERT OR REPLACE INTO audits(tick,seq,actor,action,building,team,code,reason,raw_json) VALUES(?,?,?,?,?,?,?,?,?)`)
	defer func() {
		for _, st := range []*sql.Stmt{insertTick, insertEvent, insertOwner, insertAudit} {
			if st != nil {
				_ = st.Close()
			}
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 2000
		commitMaxWait = 2 * time.Second

		lastAuditTick uint64
		auditSeq      int
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		_ = tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	exec := func(st *sql.Stmt, args ...any) bool {
		if st == nil || tx == nil {
			return false
		}
		if _, err := tx.Stmt(st).Exec(args...); err != nil {
			rollback()
			return false
		}
		opCount++
		return true
	}

	for r := range s.ch {
		if r.kind == reqFlush {
			commit()
			close(r.done)
			continue
		}
		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqTick:
			b, _ := json.Marshal(r.tick)
			teams, leaves, requests := r.tick.Inputs.Counts()
			exec(insertTick,
				int64(r.tick.Tick),
				r.tick.Digest,
				teams,
				leaves,
				requests,
				r.tick.Events,
				string(b),
			)

		case reqEvent:
			ev := r.event
			raw, _ := json.Marshal(ev)
			if !exec(insertEvent,
				ev.Epoch,
				int64(ev.Cursor),
				int64(ev.Seq),
				int64(ev.Tick),
				string(ev.Kind),
				int(ev.Building),
				int(ev.Team),
				ev.Progress,
				string(ev.Zone.Phase),
				string(raw),
			) {
				continue
			}
			if ev.Ledger != nil {
				captured := 0
				if ev.Ledger.Captured {
					captured = 1
				}
				exec(insertOwner, ev.Epoch, int64(ev.Cursor), int64(ev.Tick), int(ev.Building), int(ev.Ledger.Team), captured)
			}

		case reqAudit:
			a := r.audit
			if a.Tick != lastAuditTick {
				lastAuditTick = a.Tick
				auditSeq = 0
			}
			seq := auditSeq
			auditSeq++
			raw, _ := json.Marshal(a)
			exec(insertAudit,
				int64(a.Tick),
				seq,
				a.Actor,
				a.Action,
				int(a.Building),
				int(a.Team),
				a.Code,
				a.Reason,
				string(raw),
			)
		}
		if opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait {
			commit()
		}
	}

	commit()
}
