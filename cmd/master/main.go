// The SCADA Master: supervises the RTU fleet over the control channels,
// aggregates telemetry into the grid overview, runs the alarm and security
// engines, persists history to PostgreSQL, and serves the operator REST
// and WebSocket surfaces.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/gridworks/scada/internal/alarm"
	"github.com/gridworks/scada/internal/api"
	"github.com/gridworks/scada/internal/auth"
	"github.com/gridworks/scada/internal/bus"
	"github.com/gridworks/scada/internal/config"
	"github.com/gridworks/scada/internal/control"
	"github.com/gridworks/scada/internal/core"
	"github.com/gridworks/scada/internal/historian"
	"github.com/gridworks/scada/internal/metrics"
	"github.com/gridworks/scada/internal/registry"
	"github.com/gridworks/scada/internal/security"
	"github.com/gridworks/scada/internal/telemetry"
)

const shutdownGrace = 5 * time.Second

func main() {
	configPath := flag.String("config", "", "path to config YAML (defaults to the built-in catalogue)")
	flag.Parse()

	godotenv.Load()
	log.SetPrefix("[MASTER] ")

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	log.Printf("catalogue has %d nodes", len(cfg.Nodes))

	m := metrics.New()

	// Historian first: everything downstream persists through it. The
	// Master still runs with history disabled when no DSN is configured.
	var sink *historian.Sink
	if cfg.Historian.DSN != "" {
		sink, err = historian.New(cfg.Historian.DSN, historian.Options{
			FlushInterval: time.Duration(cfg.Historian.FlushIntervalMs) * time.Millisecond,
			MaxBatchRows:  cfg.Historian.MaxBatchRows,
			SpillCapacity: cfg.Historian.SpillCapacity,
		}, m)
		if err != nil {
			log.Fatalf("historian: %v", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := sink.EnsureSchema(ctx); err != nil {
			cancel()
			log.Fatalf("historian schema: %v", err)
		}
		cancel()
		sink.Start()
	} else {
		log.Println("no historian DSN configured, history disabled")
	}

	trail := auth.NewTrail(nil)
	if sink != nil {
		trail.SetPersister(sink)
	}

	seeds := make([]auth.SeedUser, 0, len(cfg.Auth.Users))
	for _, u := range cfg.Auth.Users {
		seeds = append(seeds, auth.SeedUser{Username: u.Username, Password: u.Password, Role: auth.Role(u.Role)})
	}
	authMgr, err := auth.NewManager(cfg.Auth.JWTSecret, cfg.TokenLifetime(), seeds, trail)
	if err != nil {
		log.Fatalf("auth: %v", err)
	}

	b := bus.New(m)

	store := telemetry.NewStore(cfg.Timing.RingCapacity)
	alarms := alarm.NewEngine(b, persister(sink), m)

	secEngine := security.NewEngine(b, eventPersister(sink), defaultAllowedIPs(cfg), allowEntries(cfg))
	authMgr.SetNotifier(secEngine)
	if cfg.Redis.Addr != "" {
		redisStore, err := security.NewSharedStore(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.Printf("redis unavailable, running with local security state: %v", err)
		} else {
			secEngine.SetStore(redisStore)
			defer redisStore.Close()
		}
	}

	disp := &dispatcher{
		store:     store,
		alarms:    alarms,
		security:  secEngine,
		historian: sink,
		bus:       b,
		nominalKV: nominalVoltages(cfg),
	}

	reg := registry.New(cfg.Descriptors(), disp, m, cfg.HeartbeatInterval())
	secEngine.SetFanout(reg)

	sbo := control.NewCoordinator(reg, trail, alarms)
	sbo.Start()

	agg := telemetry.NewAggregator(store, reg, alarms, b, recorder(sink), cfg.AggregatorInterval())

	b.SetSnapshotFunc(func() bus.Message {
		return bus.NewMessage(bus.TypeFullStateSnapshot, "", map[string]interface{}{
			"grid":   agg.Latest(),
			"nodes":  reg.NodeViews(),
			"alarms": alarms.Active(),
		})
	})
	b.Start()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg.Start(ctx)
	go agg.Run(ctx)

	restServer := api.NewServer(cfg.Master.HTTPPort, api.Deps{
		Auth:       authMgr,
		Audit:      trail,
		Registry:   reg,
		Store:      store,
		Aggregator: agg,
		Alarms:     alarms,
		SBO:        sbo,
		Security:   secEngine,
		Historian:  sink,
		Bus:        b,
	})
	restServer.Start()

	wsServer := api.NewWSServer(cfg.Master.WSPort, authMgr, b)
	wsServer.Start()

	<-ctx.Done()
	log.Println("shutting down")

	// Reverse order of startup, bounded by the grace period.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	wsServer.Shutdown(shutdownCtx)
	restServer.Shutdown(shutdownCtx)
	sbo.Stop()
	reg.Stop()
	b.Stop()
	if sink != nil {
		sink.Stop()
	}
	log.Println("bye")
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		cfg := config.Default()
		cfg.ApplyEnv()
		return cfg, cfg.Validate()
	}
	return config.Load(path)
}

func nominalVoltages(cfg *config.Config) map[string]float64 {
	out := make(map[string]float64, len(cfg.Nodes))
	for _, n := range cfg.Nodes {
		out[n.NodeID] = n.NominalVoltageKV
	}
	return out
}

// defaultAllowedIPs authorises the Master and every catalogue node.
func defaultAllowedIPs(cfg *config.Config) []string {
	seen := map[string]bool{}
	var out []string
	add := func(ip string) {
		if ip != "" && !seen[ip] {
			seen[ip] = true
			out = append(out, ip)
		}
	}
	add(cfg.Master.MasterIP)
	for _, n := range cfg.Nodes {
		add(n.NodeIP)
	}
	return out
}

func allowEntries(cfg *config.Config) []security.AllowEntry {
	out := make([]security.AllowEntry, 0, len(cfg.AllowList))
	for _, e := range cfg.AllowList {
		out = append(out, security.AllowEntry{ClientIP: e.ClientIP, Protocol: core.Protocol(e.Protocol)})
	}
	return out
}

// The historian pointer is nil when history is disabled; these helpers
// keep the nil out of non-nil interface values.
func persister(s *historian.Sink) alarm.Persister {
	if s == nil {
		return nil
	}
	return s
}

func recorder(s *historian.Sink) telemetry.Recorder {
	if s == nil {
		return nil
	}
	return s
}

func eventPersister(s *historian.Sink) security.EventPersister {
	if s == nil {
		return nil
	}
	return s
}
