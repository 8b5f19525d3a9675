// Package config holds the startup parameters of §6. Parsing them from
// flags/files/env is left to the caller (cmd/chatnode), in keeping with
// the spec's choice to treat bootstrap as an external collaborator.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/chatmesh/cluster/internal/wire"
)

// NodeConfig is the full set of startup parameters consumed by a node.
type NodeConfig struct {
	SelfID      wire.PeerID
	ListenHost  string
	ListenPort  int
	SeedPeers   []wire.PeerInfo
	LogDir      string
	DefaultRoom string

	HeartbeatInterval time.Duration
	LeaderTimeout     time.Duration
	ElectionTimeout   time.Duration

	// MetricsAddr, if non-empty, is the address an internal /metrics
	// HTTP handler is served on. Empty disables metrics serving.
	MetricsAddr string
}

// Default returns a NodeConfig with the §6 documented defaults filled in,
// and ListenHost set to 0.0.0.0. SelfID, ListenPort and LogDir are the
// caller's responsibility.
func Default() NodeConfig {
	return NodeConfig{
		ListenHost:        "0.0.0.0",
		HeartbeatInterval: 800 * time.Millisecond,
		LeaderTimeout:     2500 * time.Millisecond,
		ElectionTimeout:   500 * time.Millisecond,
	}
}

// ParseSeedPeers parses a comma-separated list of "peer_id:host:port"
// entries, the wire format named in §6.
func ParseSeedPeers(raw string) ([]wire.PeerInfo, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var peers []wire.PeerInfo
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 3)
		if len(parts) != 3 {
			return nil, fmt.Errorf("invalid seed peer %q: want peer_id:host:port", entry)
		}
		id, err := strconv.ParseUint(parts[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid seed peer id %q: %w", parts[0], err)
		}
		port, err := strconv.Atoi(parts[2])
		if err != nil {
			return nil, fmt.Errorf("invalid seed peer port %q: %w", parts[2], err)
		}
		peers = append(peers, wire.PeerInfo{ID: wire.PeerID(id), Host: parts[1], Port: port})
	}
	return peers, nil
}
