package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"github.com/hubmesh/hubmesh/internal/api"
	"github.com/hubmesh/hubmesh/internal/audit"
	"github.com/hubmesh/hubmesh/internal/buildinfo"
	"github.com/hubmesh/hubmesh/internal/config"
	"github.com/hubmesh/hubmesh/internal/geoip"
	"github.com/hubmesh/hubmesh/internal/health"
	"github.com/hubmesh/hubmesh/internal/ippool"
	"github.com/hubmesh/hubmesh/internal/lease"
	"github.com/hubmesh/hubmesh/internal/partition"
	"github.com/hubmesh/hubmesh/internal/provision"
	"github.com/hubmesh/hubmesh/internal/resultbuf"
	"github.com/hubmesh/hubmesh/internal/store"
	"github.com/hubmesh/hubmesh/internal/timeline"
	"github.com/hubmesh/hubmesh/internal/wgconf"
)

func main() {
	// 1. Load environment config (.env is optional)
	_ = godotenv.Load()
	cfg, err := config.LoadEnvConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
	log.Printf("[main] hubmesh %s (%s, built %s)", buildinfo.Version, buildinfo.GitCommit, buildinfo.BuildTime)

	for _, dir := range []string{cfg.StateDir, cfg.LogDir, cfg.AuditDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Fatalf("[main] create %s: %v", dir, err)
		}
	}

	// 2. Durable state
	st, err := store.Open(filepath.Join(cfg.StateDir, "hubmesh.db"))
	if err != nil {
		log.Fatalf("[main] open store: %v", err)
	}
	defer st.Close()

	// 3. Overlay address pool and hub identity
	pool, err := ippool.New(cfg.PoolCIDR, cfg.PoolReserved)
	if err != nil {
		log.Fatalf("[main] ip pool: %v", err)
	}
	prefix := netip.MustParsePrefix(cfg.PoolCIDR)
	hubAddr := prefix.Addr().Next() // first usable host unless overridden
	if cfg.HubAddress != "" {
		hubAddr = netip.MustParseAddr(cfg.HubAddress)
	}

	keyBytes, err := os.ReadFile(cfg.WGPrivateKeyFile)
	if err != nil {
		log.Fatalf("[main] read wg private key: %v", err)
	}
	hub, err := wgconf.NewManager(cfg.WGInterface, cfg.WGConfigPath, wgconf.InterfaceConfig{
		PrivateKey: strings.TrimSpace(string(keyBytes)),
		Address:    fmt.Sprintf("%s/%d", hubAddr, prefix.Bits()),
		ListenPort: hubListenPort(cfg.HubEndpoint),
	}, nil)
	if err != nil {
		log.Fatalf("[main] wireguard manager: %v", err)
	}

	// 4. Audit trail: rotating JSON lines plus a queryable SQLite sink
	fileSink, err := audit.NewFileSink(filepath.Join(cfg.AuditDir, "audit.log"),
		int64(cfg.AuditMaxMB)<<20, cfg.AuditRetain)
	if err != nil {
		log.Fatalf("[main] audit file sink: %v", err)
	}
	defer fileSink.Close()
	sqlSink, err := audit.NewSQLiteSink(filepath.Join(cfg.AuditDir, "audit.db"))
	if err != nil {
		log.Fatalf("[main] audit sqlite sink: %v", err)
	}
	defer sqlSink.Close()
	auditor := audit.NewLogger(fileSink, sqlSink)

	// 5. Optional GeoIP region tagging
	geo, err := geoip.NewService(cfg.GeoIPDBPath)
	if err != nil {
		log.Fatalf("[main] geoip: %v", err)
	}
	defer geo.Close()

	// 6. Task timeline and lease issuer
	tl := timeline.New(cfg.TimelineMaxEvents)
	issuer := lease.NewIssuer(st, []byte(cfg.SecretKey), tl, auditor)
	sweeperStop := make(chan struct{})
	go issuer.RunSweeper(sweeperStop, cfg.LeaseSweepInterval)

	// 7. Provisioning, with pool and hub state rebuilt from records
	svc := provision.NewService(pool, hub, provision.HubIdentity{
		PublicKey: cfg.HubPublicKey,
		Endpoint:  cfg.HubEndpoint,
		Address:   hubAddr,
	}, st, auditor, geo)
	if n, err := svc.Restore(context.Background()); err != nil {
		log.Fatalf("[main] restore peers: %v", err)
	} else if n > 0 {
		log.Printf("[main] restored %d provisioned peers", n)
	}

	// 8. Result buffer and partition detector (upstream is optional)
	buf, err := resultbuf.Open(filepath.Join(cfg.StateDir, "results.db"),
		cfg.BufferMaxPending, cfg.BufferMaxRetries)
	if err != nil {
		log.Fatalf("[main] result buffer: %v", err)
	}
	defer buf.Close()

	var det *partition.Detector
	if cfg.UpstreamURL != "" {
		det = partition.New(cfg.UpstreamURL, cfg.UpstreamTimeout, buf, partition.DefaultMaxEvents)
		det.StartPolling(cfg.PartitionPollInterval)
		defer det.StopPolling()
		buf.StartPeriodicFlush(partition.NewUpstreamSink(det), cfg.BufferFlushInterval)
		defer buf.StopPeriodicFlush()
	} else {
		log.Printf("[main] no upstream configured, result forwarding disabled")
	}

	// 9. Nightly dead-letter compaction
	sched := cron.New()
	if _, err := sched.AddFunc(cfg.BufferCompactSchedule, func() {
		n, err := buf.CompactFailed(cfg.BufferFailedRetention)
		if err != nil {
			log.Printf("[main] compact failed results: %v", err)
			return
		}
		if n > 0 {
			log.Printf("[main] compacted %d failed results", n)
		}
	}); err != nil {
		log.Fatalf("[main] compaction schedule: %v", err)
	}
	sched.Start()
	defer sched.Stop()

	// 10. Health aggregation
	agg := health.NewAggregator()
	agg.Register(health.SubsystemPool, health.ProviderFunc(func() (map[string]any, error) {
		s := pool.Stats()
		return map[string]any{
			"network":   s.Network,
			"allocated": s.Allocated,
			"available": s.Available,
			"util_pct":  s.UtilPct,
		}, nil
	}))
	agg.Register(health.SubsystemBuffer, health.ProviderFunc(buf.Stats))
	agg.Register(health.SubsystemRevocation, health.ProviderFunc(issuer.Stats))
	agg.Register(health.SubsystemCrashes, health.ProviderFunc(func() (map[string]any, error) {
		return map[string]any{"recent_crashes": tl.CountType(timeline.NodeCrashed)}, nil
	}))
	if det != nil {
		agg.Register(health.SubsystemPartition, health.ProviderFunc(det.Stats))
	}

	// 11. Control API
	srv := api.NewServerWithAddress(cfg.ListenAddress, cfg.Port, cfg.AdminToken,
		int64(cfg.APIMaxBodyBytes), cfg.APIMaxConns, api.Deps{
			Provision:  svc,
			Hub:        hub,
			Pool:       pool,
			Issuer:     issuer,
			Aggregator: agg,
			Timeline:   tl,
			Audit:      auditor,
		})

	go func() {
		log.Printf("[main] control API listening on %s:%d", cfg.ListenAddress, cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("[main] API server error: %v", err)
		}
	}()

	// 12. Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Printf("[main] received signal %s, shutting down", sig)

	close(sweeperStop)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("[main] server shutdown: %v", err)
	}
	log.Printf("[main] stopped")
}

// hubListenPort extracts the port from the hub's advertised endpoint.
// Endpoint validity is checked at config load.
func hubListenPort(endpoint string) int {
	i := strings.LastIndex(endpoint, ":")
	var port int
	fmt.Sscanf(endpoint[i+1:], "%d", &port)
	return port
}
