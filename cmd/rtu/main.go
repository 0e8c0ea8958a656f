// One RTU process: picks its node from the catalogue by -node, runs the
// sampler and the control, Modbus and IEC-104 listeners until interrupted.
// Run all 15 with a process per catalogue entry.
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

	"github.com/gridworks/scada/internal/config"
)

func main() {
	configPath := flag.String("config", "", "path to config YAML (defaults to the built-in catalogue)")
	nodeID := flag.String("node", "", "node id to run (e.g. GEN-001)")
	flag.Parse()

	godotenv.Load()

	if *nodeID == "" {
		log.Fatal("-node is required")
	}

	var cfg *config.Config
	var err error
	if *configPath == "" {
		cfg = config.Default()
		cfg.ApplyEnv()
		err = cfg.Validate()
	} else {
		cfg, err = config.Load(*configPath)
	}
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	svc, err := buildService(cfg, *nodeID)
	if err != nil {
		log.Fatalf("%v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := svc.Start(ctx); err != nil {
		log.Fatalf("start %s: %v", *nodeID, err)
	}

	<-ctx.Done()
	log.Println("shutting down")

	done := make(chan struct{})
	go func() {
		svc.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		log.Println("listeners did not drain in time")
	}
}
