package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hubmesh/hubmesh/internal/buildinfo"
	"github.com/hubmesh/hubmesh/internal/connector"
)

func main() {
	configPath := flag.String("config", "/etc/hubmesh/node.yaml", "node config file (YAML)")
	checkInterval := flag.Duration("check-interval", 30*time.Second, "tunnel health check interval")
	flag.Parse()

	cfg, err := connector.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}

	conn, err := connector.New(cfg, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}

	log.Printf("[node] meshnode %s starting, interface %s", buildinfo.Version, cfg.InterfaceName)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	err = conn.Connect(ctx)
	cancel()
	if err != nil {
		log.Fatalf("[node] connect: %v", err)
	}
	log.Printf("[node] tunnel up")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(*checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			checkCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			h := conn.Check(checkCtx)
			cancel()
			if h.Status != "healthy" {
				log.Printf("[node] tunnel %s (ping_hub=%v)", h.Status, h.CanPingHub)
			}
		case sig := <-quit:
			log.Printf("[node] received signal %s, disconnecting", sig)
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			conn.Disconnect(ctx)
			cancel()
			log.Printf("[node] stopped")
			return
		}
	}
}
