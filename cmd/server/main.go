package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"towerwars.ai/internal/client"
	"towerwars.ai/internal/config"
	"towerwars.ai/internal/persistence/indexdb"
	persistlog "towerwars.ai/internal/persistence/log"
	"towerwars.ai/internal/protocol"
	"towerwars.ai/internal/sim/arena"
	"towerwars.ai/internal/sim/territory"
	"towerwars.ai/internal/sim/tuning"
	"towerwars.ai/internal/transport/kafka"
)

func main() {
	var (
		addr          = flag.String("addr", ":8080", "http listen address")
		arenaID       = flag.String("arena", "arena_1", "arena id")
		configDir     = flag.String("configs", "./configs", "config directory")
		dataDir       = flag.String("data", "./data", "runtime data directory")
		territoryPath = flag.String("territory", "", "path to territory.yaml (default: <configs>/territory.yaml)")
		tuningPath    = flag.String("tuning", "", "path to tuning.yaml (default: <configs>/tuning.yaml)")
		disableDB     = flag.Bool("disable_db", false, "disable the sqlite history index")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	env, err := config.ParseEnv()
	if err != nil {
		logger.Fatalf("env: %v", err)
	}

	tp := strings.TrimSpace(*territoryPath)
	if tp == "" {
		tp = filepath.Join(*configDir, "territory.yaml")
	}
	graph, err := territory.Load(tp)
	if err != nil {
		logger.Fatalf("load territory: %v", err)
	}

	up := strings.TrimSpace(*tuningPath)
	if up == "" {
		up = filepath.Join(*configDir, "tuning.yaml")
	}
	tune, err := tuning.Load(up)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Fatalf("load tuning: %v", err)
		}
		logger.Printf("tuning not found (%s); using defaults", up)
		tune = tuning.Defaults()
	}

	arenaDir := filepath.Join(*dataDir, "arenas", *arenaID)
	_ = os.MkdirAll(arenaDir, 0o755)

	cfg := arena.ConfigFromTuning(tune)
	cfg.Replica = !env.Authority
	a, err := arena.New(cfg, graph, logger)
	if err != nil {
		logger.Fatalf("arena: %v", err)
	}

	// Read-model index (does not affect sim determinism).
	var idx *indexdb.SQLiteIndex
	if !*disableDB {
		idx, err = indexdb.OpenSQLite(filepath.Join(arenaDir, "index.sqlite"))
		if err != nil {
			logger.Fatalf("open index: %v", err)
		}
		defer idx.Close()
		if err := idx.UpsertConfig(*configDir, graph, tune); err != nil {
			logger.Printf("index: upsert config: %v", err)
		}
	}

	tickLog := persistlog.NewTickLogger(arenaDir)
	auditLog := persistlog.NewAuditLogger(arenaDir)
	eventLog := persistlog.NewEventLogger(arenaDir)
	defer tickLog.Close()
	defer auditLog.Close()
	defer eventLog.Close()
	a.SetTickLogger(multiTickLogger{a: tickLog, b: optionalTick(idx)})
	a.SetAuditLogger(multiAuditLogger{a: auditLog, b: optionalAudit(idx)})
	a.Broadcaster().AddSink(eventLog)
	if idx != nil {
		a.Broadcaster().AddSink(idx)
	}

	var pub *kafka.Publisher
	if env.KafkaEnabled() {
		pub, err = kafka.NewPublisher(kafka.Config{Brokers: env.KafkaBrokers, Topic: env.KafkaTopic}, logger)
		if err != nil {
			logger.Fatalf("kafka: %v", err)
		}
		defer pub.Close()
		a.Broadcaster().AddSink(pub)
		logger.Printf("kafka: publishing to %s via %v", env.KafkaTopic, env.KafkaBrokers)
	}

	var relay *client.Session
	if !env.Authority {
		// The relay feeds the authority's stream into a, which serves it to local sessions.
		relay = client.NewSession(client.Config{
			URL:        env.AuthorityURL,
			Name:       *arenaID,
			Role:       protocol.RoleRelay,
			Replicator: a,
			Logger:     log.New(os.Stdout, "[relay] ", log.LstdFlags|log.Lmicroseconds),
		})
		relay.Start()
		defer relay.Close()
		a.SetForwarder(relay)
		logger.Printf("running as replica; forwarding to %s", env.AuthorityURL)
	}

	ctx, cancel := signalContext()
	runDone := make(chan struct{})
	// Runs before the closes above: the loop must be gone before its sinks are.
	defer func() {
		cancel()
		<-runDone
	}()

	go func() {
		defer close(runDone)
		if err := a.Run(ctx); err != nil && err != context.Canceled {
			logger.Printf("arena stopped: %v", err)
		}
	}()

	mux := newMux(muxDeps{
		ArenaID: *arenaID,
		Arena:   a,
		Index:   idx,
		Kafka:   pub,
		Relay:   relay,
		Env:     env,
		Logger:  logger,
	})

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("listening on %s (arena=%s buildings=%d authority=%v)", *addr, *arenaID, len(graph.Buildings()), env.Authority)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

// optionalTick avoids storing a typed nil in the interface.
func optionalTick(idx *indexdb.SQLiteIndex) arena.TickLogger {
	if idx == nil {
		return nil
	}
	return idx
}

func optionalAudit(idx *indexdb.SQLiteIndex) arena.AuditLogger {
	if idx == nil {
		return nil
	}
	return idx
}

type multiTickLogger struct {
	a arena.TickLogger
	b arena.TickLogger
}

func (m multiTickLogger) WriteTick(entry arena.TickLogEntry) error {
	if m.a != nil {
		_ = m.a.WriteTick(entry)
	}
	if m.b != nil {
		_ = m.b.WriteTick(entry)
	}
	return nil
}

type multiAuditLogger struct {
	a arena.AuditLogger
	b arena.AuditLogger
}

func (m multiAuditLogger) WriteAudit(entry arena.AuditEntry) error {
	if m.a != nil {
		_ = m.a.WriteAudit(entry)
	}
	if m.b != nil {
		_ = m.b.WriteAudit(entry)
	}
	return nil
}
