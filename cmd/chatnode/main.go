// Command chatnode runs a single member of a replicated chat cluster.
// Configuration is read entirely from the environment, per §6: there is no
// config file format to version or validate here, only the peer_id, listen
// address and seed list a node needs to bootstrap, plus optional log
// directory, metrics address, default room and timeout overrides.
package main

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chatmesh/cluster/internal/cluster"
	"github.com/chatmesh/cluster/internal/config"
	"github.com/chatmesh/cluster/internal/logging"
	"github.com/chatmesh/cluster/internal/metrics"
	"github.com/chatmesh/cluster/internal/storage"
	"github.com/chatmesh/cluster/internal/wire"
)

func main() {
	log := logging.New("chatnode")

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	registry := prometheus.NewRegistry()
	met := metrics.NewNode(registry)

	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr, registry, log)
	}

	node, err := cluster.New(cfg, log.With(logging.Fields{"peer_id": cfg.SelfID}), met)
	if err != nil {
		log.Fatalf("construct node: %v", err)
	}
	node.OnDeliver = func(rec storage.Record) {
		fmt.Printf("[seq %d] peer %d: %s\n", rec.SeqNo, rec.SenderID, rec.Text)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutdown signal received")
		node.Shutdown()
		cancel()
	}()

	go readStdinChat(node, cfg.DefaultRoom, log)

	if err := node.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatalf("node exited: %v", err)
	}
}

// readStdinChat lets an operator drive the node interactively: each line
// typed on stdin is submitted as a CHAT from this peer, mirroring the
// "peer integrated user interfaces" collaborator named in §1.
func readStdinChat(node *cluster.Node, room string, log logging.Logger) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		text := scanner.Text()
		if text == "" {
			continue
		}
		node.Submit(text, room)
	}
	if err := scanner.Err(); err != nil {
		log.Warnf("stdin closed: %v", err)
	}
}

func serveMetrics(addr string, reg *prometheus.Registry, log logging.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	log.Infof("serving metrics on %s", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Warnf("metrics server: %v", err)
	}
}

func loadConfig() (config.NodeConfig, error) {
	cfg := config.Default()

	selfID, err := requireUint(os.Getenv("CHAT_SELF_ID"), "CHAT_SELF_ID")
	if err != nil {
		return cfg, err
	}
	cfg.SelfID = wire.PeerID(selfID)

	if host := os.Getenv("CHAT_LISTEN_HOST"); host != "" {
		cfg.ListenHost = host
	}

	port, err := requireInt(os.Getenv("CHAT_LISTEN_PORT"), "CHAT_LISTEN_PORT")
	if err != nil {
		return cfg, err
	}
	cfg.ListenPort = port

	seeds, err := config.ParseSeedPeers(os.Getenv("CHAT_SEED_PEERS"))
	if err != nil {
		return cfg, err
	}
	cfg.SeedPeers = seeds

	cfg.LogDir = os.Getenv("CHAT_LOG_DIR")
	if cfg.LogDir == "" {
		cfg.LogDir = "."
	}

	cfg.MetricsAddr = os.Getenv("CHAT_METRICS_ADDR")
	cfg.DefaultRoom = os.Getenv("CHAT_DEFAULT_ROOM")
	if cfg.DefaultRoom == "" {
		cfg.DefaultRoom = wire.DefaultRoomID
	}

	if ms, ok, err := optionalMillis(os.Getenv("CHAT_HEARTBEAT_MS")); err != nil {
		return cfg, err
	} else if ok {
		cfg.HeartbeatInterval = ms
	}
	if ms, ok, err := optionalMillis(os.Getenv("CHAT_LEADER_TIMEOUT_MS")); err != nil {
		return cfg, err
	} else if ok {
		cfg.LeaderTimeout = ms
	}
	if ms, ok, err := optionalMillis(os.Getenv("CHAT_ELECTION_TIMEOUT_MS")); err != nil {
		return cfg, err
	} else if ok {
		cfg.ElectionTimeout = ms
	}

	return cfg, nil
}

func requireUint(raw, name string) (uint64, error) {
	if raw == "" {
		return 0, fmt.Errorf("%s is required", name)
	}
	return strconv.ParseUint(raw, 10, 64)
}

func requireInt(raw, name string) (int, error) {
	if raw == "" {
		return 0, fmt.Errorf("%s is required", name)
	}
	return strconv.Atoi(raw)
}

func optionalMillis(raw string) (time.Duration, bool, error) {
	if raw == "" {
		return 0, false, nil
	}
	ms, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false, fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	return time.Duration(ms) * time.Millisecond, true, nil
}
