// Command node runs a storage node: it holds shard bytes in a local
// content-addressed store, serves the shard wire contract of spec.md §6.2
// over HTTP, and registers with the orchestrator, sending it a periodic
// heartbeat and executing whatever commands come back piggybacked on the
// heartbeat response (repair/delete/transfer), per spec.md §6.3 and
// SPEC_FULL.md §5.
//
// The registration-with-retry loop, getenv/mustGetenv helpers, and
// graceful-shutdown shape follow the orchestrator's own bootstrap idiom; the
// generic key-value node/shard model is replaced with internal/shard.Unit
// plus a heartbeat/command-execution loop, since a node here takes
// independent action between requests (executing piggybacked commands)
// rather than being purely request-driven.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dreamware/durance/internal/cluster"
	"github.com/dreamware/durance/internal/config"
	"github.com/dreamware/durance/internal/model"
	"github.com/dreamware/durance/internal/shard"
	"github.com/dreamware/durance/internal/storage"
	"github.com/dreamware/durance/internal/transport"
)

// nodeNamespace deterministically maps a human-chosen NODE_ID (e.g.
// "node-1") to a stable uuid.UUID, so operators need not mint UUIDs by hand
// while the rest of the core (which keys everything off uuid.UUID) still
// sees a stable identity across restarts.
var nodeNamespace = uuid.MustParse("6b1f7e7e-7a9b-4f3e-8c4a-2d6e9d6b6f10")

func deriveNodeID(raw string) uuid.UUID {
	if id, err := uuid.Parse(raw); err == nil {
		return id
	}
	return uuid.NewSHA1(nodeNamespace, []byte(raw))
}

func topologyLabels(dc, rack string) model.TopologyLabels {
	return model.TopologyLabels{Datacenter: dc, Rack: rack}
}

// logFatal is a variable so tests can intercept process termination.
var logFatal = log.Fatalf

func main() {
	nodeID := config.MustGetenv("NODE_ID")
	listen := config.Getenv("NODE_LISTEN", ":8081")
	// public is a bare host:port, never a URL: transport.Client prepends the
	// scheme itself when dialing a node address it reads back off model.Node.
	public := config.Getenv("NODE_ADDR", "127.0.0.1:8081")
	coord := config.MustGetenv("COORDINATOR_ADDR")
	capacity := mustParseInt64(config.Getenv("NODE_CAPACITY_BYTES", "107374182400")) // 100 GiB
	bandwidth := mustParseInt64(config.Getenv("NODE_BANDWIDTH_MBPS", "1000"))
	heartbeatInterval := mustParseDuration(config.Getenv("NODE_HEARTBEAT_INTERVAL", "10s"))
	dc := config.Getenv("NODE_DATACENTER", "dc1")
	rack := config.Getenv("NODE_RACK", "rack1")
	wallet := config.Getenv("NODE_WALLET", "")

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Str("node_id", nodeID).Logger()

	store := storage.NewMemoryStore()
	unit := shard.NewUnit(store)
	handler := shard.NewHandler(unit, log)
	client := transport.NewClient(transport.DefaultOptions(), log)
	executor := shard.NewCommandExecutor(unit, public, client, log)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("/shards/", handler)

	srv := &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info().Str("listen", listen).Str("public", public).Msg("node listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logFatal("listen: %v", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sessionToken := register(ctx, coord, nodeID, public, capacity, bandwidth, dc, rack, wallet)

	go heartbeatLoop(ctx, coord, nodeID, sessionToken, heartbeatInterval, unit, executor, log)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("server shutdown error")
	}
	log.Info().Msg("node stopped")
}

// register attempts to register the node with the orchestrator, retrying on
// failure to tolerate coordinator startup ordering: fixed attempt count,
// fixed delay, fatal on exhaustion — a node cannot usefully run
// unregistered.
func register(ctx context.Context, coord, nodeID, public string, capacity, bandwidth int64, dc, rack, wallet string) string {
	nodeUUID := deriveNodeID(nodeID)
	body := cluster.RegisterRequest{
		NodeID:           nodeUUID,
		Address:          public,
		DeclaredCapacity: capacity,
		BandwidthMbps:    bandwidth,
		Topology:         topologyLabels(dc, rack),
		Wallet:           wallet,
	}

	var lastErr error
	var resp cluster.RegisterResponse
	for i := 0; i < 10; i++ {
		lastErr = cluster.PostJSON(ctx, coord+"/cluster/register", body, &resp)
		if lastErr == nil {
			log.Printf("node[%s] registered with orchestrator @ %s", nodeID, coord)
			return resp.SessionToken
		}
		log.Printf("node[%s] register retry %d: %v", nodeID, i+1, lastErr)
		time.Sleep(400 * time.Millisecond)
	}

	logFatal("failed to register with orchestrator: %v", lastErr)
	return ""
}

// heartbeatLoop posts a heartbeat every interval and executes whatever
// commands the orchestrator piggybacks on the response, reporting their
// outcome on the following heartbeat.
func heartbeatLoop(ctx context.Context, coord, nodeID, _ string, interval time.Duration, unit *shard.Unit, executor *shard.CommandExecutor, log zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var pendingResults []cluster.CommandResult
	nodeUUID := deriveNodeID(nodeID)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := unit.StorageStats()
			req := cluster.HeartbeatRequest{
				NodeID:         nodeUUID,
				StorageUsed:    stats.Bytes,
				ChunksStored:   int64(stats.Shards),
				LastUpdatedTS:  time.Now(),
				CommandResults: pendingResults,
			}
			pendingResults = nil

			var resp cluster.HeartbeatResponse
			if err := cluster.PostJSON(ctx, coord+"/cluster/heartbeat", req, &resp); err != nil {
				log.Warn().Err(err).Msg("heartbeat failed")
				continue
			}

			for _, cmd := range resp.Commands {
				result := executor.Execute(ctx, cmd)
				pendingResults = append(pendingResults, result)
			}
		}
	}
}

func mustParseInt64(s string) int64 {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		logFatal("invalid integer %q: %v", s, err)
	}
	return n
}

func mustParseDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		logFatal("invalid duration %q: %v", s, err)
	}
	return d
}
