package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/http/pprof"
	"sort"
	"strconv"
	"strings"
	"time"

	"towerwars.ai/internal/client"
	"towerwars.ai/internal/config"
	"towerwars.ai/internal/persistence/indexdb"
	"towerwars.ai/internal/sim/arena"
	"towerwars.ai/internal/sim/capture"
	"towerwars.ai/internal/transport/kafka"
	"towerwars.ai/internal/transport/ws"
)

type muxDeps struct {
	ArenaID string
	Arena   *arena.Arena
	Index   *indexdb.SQLiteIndex
	Kafka   *kafka.Publisher
	Relay   *client.Session
	Env     config.Env
	Logger  *log.Logger
}

func newMux(d muxDeps) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", metricsHandler(d))

	if d.Env.AdminHTTP() {
		// Local-only admin endpoints (do not affect simulation determinism).
		mux.HandleFunc("/admin/v1/state", loopbackOnly(func(rw http.ResponseWriter, r *http.Request) {
			resp := struct {
				ArenaID string          `json:"arena_id"`
				State   arena.StateView `json:"state"`
				Metrics arena.Metrics   `json:"metrics"`
				Relay   *client.Status  `json:"relay,omitempty"`
			}{
				ArenaID: d.ArenaID,
				State:   d.Arena.Snapshot(),
				Metrics: d.Arena.Metrics(),
			}
			if d.Relay != nil {
				st := d.Relay.Status()
				resp.Relay = &st
			}
			writeJSON(rw, http.StatusOK, resp)
		}))
		mux.HandleFunc("/admin/v1/history", loopbackOnly(func(rw http.ResponseWriter, r *http.Request) {
			if d.Index == nil {
				http.Error(rw, "index disabled", http.StatusServiceUnavailable)
				return
			}
			building := -1
			if v := r.URL.Query().Get("building"); v != "" {
				n, err := strconv.Atoi(v)
				if err != nil {
					http.Error(rw, "bad building", http.StatusBadRequest)
					return
				}
				building = n
			}
			limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
			ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
			defer cancel()
			events, err := d.Index.History(ctx, building, limit)
			if err != nil {
				http.Error(rw, err.Error(), http.StatusInternalServerError)
				return
			}
			writeJSON(rw, http.StatusOK, map[string]any{"events": events})
		}))
		mux.HandleFunc("/admin/v1/rejections", loopbackOnly(func(rw http.ResponseWriter, r *http.Request) {
			if d.Index == nil {
				http.Error(rw, "index disabled", http.StatusServiceUnavailable)
				return
			}
			limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
			ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
			defer cancel()
			rej, err := d.Index.Rejections(ctx, limit)
			if err != nil {
				http.Error(rw, err.Error(), http.StatusInternalServerError)
				return
			}
			writeJSON(rw, http.StatusOK, map[string]any{"rejections": rej})
		}))
	} else {
		d.Logger.Printf("admin endpoints disabled (TW_ENABLE_ADMIN_HTTP=false)")
	}
	if d.Env.EnablePprofHTTP {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	} else {
		d.Logger.Printf("pprof endpoints disabled (TW_ENABLE_PPROF_HTTP=false)")
	}
	mux.HandleFunc("/v1/ws", ws.NewServer(d.Arena, d.Logger).Handler())
	return mux
}

func metricsHandler(d muxDeps) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")

		m := d.Arena.Metrics()
		id := d.ArenaID

		// Minimal Prometheus exposition format.
		fmt.Fprintf(rw, "# HELP towerwars_arena_tick Current arena tick.\n")
		fmt.Fprintf(rw, "# TYPE towerwars_arena_tick gauge\n")
		fmt.Fprintf(rw, "towerwars_arena_tick{arena=%q} %d\n", id, m.Tick)

		auth := 0
		if m.Authority {
			auth = 1
		}
		fmt.Fprintf(rw, "# HELP towerwars_arena_authority 1 when this process runs the capture simulation.\n")
		fmt.Fprintf(rw, "# TYPE towerwars_arena_authority gauge\n")
		fmt.Fprintf(rw, "towerwars_arena_authority{arena=%q} %d\n", id, auth)

		fmt.Fprintf(rw, "# HELP towerwars_arena_players Registered players.\n")
		fmt.Fprintf(rw, "# TYPE towerwars_arena_players gauge\n")
		fmt.Fprintf(rw, "towerwars_arena_players{arena=%q} %d\n", id, m.Players)

		fmt.Fprintf(rw, "# HELP towerwars_arena_sessions Connected sessions.\n")
		fmt.Fprintf(rw, "# TYPE towerwars_arena_sessions gauge\n")
		fmt.Fprintf(rw, "towerwars_arena_sessions{arena=%q} %d\n", id, m.Sessions)

		fmt.Fprintf(rw, "# HELP towerwars_zone_phase Zones per capture phase.\n")
		fmt.Fprintf(rw, "# TYPE towerwars_zone_phase gauge\n")
		phases := make([]string, 0, len(m.Phases))
		for p := range m.Phases {
			phases = append(phases, string(p))
		}
		sort.Strings(phases)
		for _, p := range phases {
			fmt.Fprintf(rw, "towerwars_zone_phase{arena=%q,phase=%q} %d\n", id, p, m.Phases[capture.Phase(p)])
		}

		fmt.Fprintf(rw, "# HELP towerwars_arena_queue_depth Channel backlog depth.\n")
		fmt.Fprintf(rw, "# TYPE towerwars_arena_queue_depth gauge\n")
		fmt.Fprintf(rw, "towerwars_arena_queue_depth{arena=%q,queue=%q} %d\n", id, "inbox", m.QueueDepths.Inbox)
		fmt.Fprintf(rw, "towerwars_arena_queue_depth{arena=%q,queue=%q} %d\n", id, "upstream", m.QueueDepths.Upstream)
		fmt.Fprintf(rw, "towerwars_arena_queue_depth{arena=%q,queue=%q} %d\n", id, "sessions", m.QueueDepths.Sessions)

		fmt.Fprintf(rw, "# HELP towerwars_arena_step_ms Last tick step duration in milliseconds.\n")
		fmt.Fprintf(rw, "# TYPE towerwars_arena_step_ms gauge\n")
		fmt.Fprintf(rw, "towerwars_arena_step_ms{arena=%q} %.3f\n", id, m.StepMS)

		fmt.Fprintf(rw, "# HELP towerwars_broadcast_cursor Last published event cursor.\n")
		fmt.Fprintf(rw, "# TYPE towerwars_broadcast_cursor gauge\n")
		fmt.Fprintf(rw, "towerwars_broadcast_cursor{arena=%q} %d\n", id, m.Cursor)

		fmt.Fprintf(rw, "# HELP towerwars_events_published_total Capture events published.\n")
		fmt.Fprintf(rw, "# TYPE towerwars_events_published_total counter\n")
		fmt.Fprintf(rw, "towerwars_events_published_total{arena=%q} %d\n", id, m.EventsPublished)

		fmt.Fprintf(rw, "# HELP towerwars_requests_rejected_total Requests rejected and audited.\n")
		fmt.Fprintf(rw, "# TYPE towerwars_requests_rejected_total counter\n")
		fmt.Fprintf(rw, "towerwars_requests_rejected_total{arena=%q} %d\n", id, m.RequestsRejected)

		fmt.Fprintf(rw, "# HELP towerwars_sessions_dropped_total Sessions dropped for a full outbound queue.\n")
		fmt.Fprintf(rw, "# TYPE towerwars_sessions_dropped_total counter\n")
		fmt.Fprintf(rw, "towerwars_sessions_dropped_total{arena=%q} %d\n", id, m.SessionsDropped)

		fmt.Fprintf(rw, "# HELP towerwars_sink_errors_total Event sink delivery failures.\n")
		fmt.Fprintf(rw, "# TYPE towerwars_sink_errors_total counter\n")
		fmt.Fprintf(rw, "towerwars_sink_errors_total{arena=%q} %d\n", id, m.SinkErrors)

		if d.Index != nil {
			s := d.Index.Stats()
			fmt.Fprintf(rw, "# HELP towerwars_index_queue_depth SQLite index writer backlog.\n")
			fmt.Fprintf(rw, "# TYPE towerwars_index_queue_depth gauge\n")
			fmt.Fprintf(rw, "towerwars_index_queue_depth{arena=%q} %d\n", id, s.QueueDepth)
			fmt.Fprintf(rw, "# HELP towerwars_index_dropped_total Rows dropped because the index queue was full.\n")
			fmt.Fprintf(rw, "# TYPE towerwars_index_dropped_total counter\n")
			fmt.Fprintf(rw, "towerwars_index_dropped_total{arena=%q,kind=%q} %d\n", id, "tick", s.DropTickTotal)
			fmt.Fprintf(rw, "towerwars_index_dropped_total{arena=%q,kind=%q} %d\n", id, "audit", s.DropAuditTotal)
			fmt.Fprintf(rw, "towerwars_index_dropped_total{arena=%q,kind=%q} %d\n", id, "event", s.DropEventTotal)
		}
		if d.Kafka != nil {
			fmt.Fprintf(rw, "# HELP towerwars_kafka_messages_total Kafka messages by outcome.\n")
			fmt.Fprintf(rw, "# TYPE towerwars_kafka_messages_total counter\n")
			fmt.Fprintf(rw, "towerwars_kafka_messages_total{arena=%q,outcome=%q} %d\n", id, "sent", d.Kafka.Sent())
			fmt.Fprintf(rw, "towerwars_kafka_messages_total{arena=%q,outcome=%q} %d\n", id, "failed", d.Kafka.Failed())
		}
	}
}

func loopbackOnly(h http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		h(rw, r)
	}
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
