package log

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"towerwars.ai/internal/sim/arena"
	"towerwars.ai/internal/sim/broadcast"
)

// hourly appends JSON lines to <dir>/<prefix>-YYYY-MM-DD-HH.jsonl.zst, cutting a
// new file when the UTC hour changes. Reopening an hour appends another zstd frame.
type hourly struct {
	dir    string
	prefix string
	now    func() time.Time

	mu  sync.Mutex
	seg *segment
}

type segment struct {
	hour string
	f    *os.File
	enc  *zstd.Encoder
	buf  *bufio.Writer
}

func newHourly(dir, prefix string) *hourly {
	return &hourly{dir: dir, prefix: prefix, now: time.Now}
}

func (h *hourly) Write(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	b = append(b, '\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	hour := h.now().UTC().Format("2006-01-02-15")
	if h.seg == nil || h.seg.hour != hour {
		if err := h.cut(hour); err != nil {
			return err
		}
	}
	if _, err := h.seg.buf.Write(b); err != nil {
		return err
	}
	return h.seg.buf.Flush()
}

func (h *hourly) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cut("")
}

// cut closes the open segment and, unless hour is empty, opens the next one.
func (h *hourly) cut(hour string) error {
	if h.seg != nil {
		err := h.seg.close()
		h.seg = nil
		if err != nil {
			return err
		}
	}
	if hour == "" {
		return nil
	}
	if err := os.MkdirAll(h.dir, 0o755); err != nil {
		return err
	}
	name := filepath.Join(h.dir, fmt.Sprintf("%s-%s.jsonl.zst", h.prefix, hour))
	f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	h.seg = &segment{hour: hour, f: f, enc: enc, buf: bufio.NewWriterSize(enc, 128*1024)}
	return nil
}

func (s *segment) close() error {
	err := s.buf.Flush()
	if cerr := s.enc.Close(); err == nil {
		err = cerr
	}
	if cerr := s.f.Close(); err == nil {
		err = cerr
	}
	return err
}

// TickLogger writes one JSONL entry per tick (compressed).
type TickLogger struct{ w *hourly }

func NewTickLogger(arenaDir string) *TickLogger {
	return &TickLogger{w: newHourly(filepath.Join(arenaDir, "ticks"), "ticks")}
}

func (l *TickLogger) WriteTick(v arena.TickLogEntry) error { return l.w.Write(v) }
func (l *TickLogger) Close() error                         { return l.w.Close() }

// AuditLogger writes rejected-request JSONL entries (compressed).
type AuditLogger struct{ w *hourly }

func NewAuditLogger(arenaDir string) *AuditLogger {
	return &AuditLogger{w: newHourly(filepath.Join(arenaDir, "audit"), "audit")}
}

func (l *AuditLogger) WriteAudit(v arena.AuditEntry) error { return l.w.Write(v) }
func (l *AuditLogger) Close() error                        { return l.w.Close() }

// EventLogger writes every broadcast event; it is a broadcast.Sink.
type EventLogger struct{ w *hourly }

func NewEventLogger(arenaDir string) *EventLogger {
	return &EventLogger{w: newHourly(filepath.Join(arenaDir, "events"), "events")}
}

func (l *EventLogger) Deliver(ev broadcast.Event) error { return l.w.Write(ev) }
func (l *EventLogger) Close() error                     { return l.w.Close() }
