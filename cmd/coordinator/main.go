// Command coordinator runs the orchestrator: the control-plane service that
// accepts node registration and heartbeats (spec.md §6.3), serves the
// object read/write data plane (§4.7/§4.8) over HTTP, and drives the three
// background timer tasks that own cluster state over time — node lifecycle
// (§4.5), repair (§4.9) and epoch accounting (§4.10).
//
// The server struct, getenv bootstrapping and graceful-shutdown shape
// follow the usual small-service bootstrap idiom; everything past that is
// wiring for a chunked, erasure-coded, multi-node object store rather than
// a single sharded key-value router.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/dreamware/durance/internal/accounting"
	"github.com/dreamware/durance/internal/cluster"
	"github.com/dreamware/durance/internal/config"
	"github.com/dreamware/durance/internal/lifecycle"
	"github.com/dreamware/durance/internal/metadata"
	"github.com/dreamware/durance/internal/metadata/memory"
	"github.com/dreamware/durance/internal/model"
	"github.com/dreamware/durance/internal/placement"
	"github.com/dreamware/durance/internal/readpath"
	"github.com/dreamware/durance/internal/repair"
	"github.com/dreamware/durance/internal/transport"
	"github.com/dreamware/durance/internal/writepath"
)

func main() {
	listen := config.Getenv("COORDINATOR_LISTEN", ":8080")
	core, err := config.FromEnv()
	if err != nil {
		log := zerolog.New(os.Stderr)
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Str("component", "coordinator").Logger()

	mem := memory.New()
	store, err := metadata.NewCachedStore(mem, 2*time.Second, 4096, 8192, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build metadata store")
	}

	client := transport.NewClient(transport.DefaultOptions(), log)
	dir := &nodeDirectory{store: store}
	sessions := newSessionRegistry()
	commands := newCommandQueue()

	lifecycleMgr := lifecycle.NewManager(store, lifecycle.Config{
		OfflineThreshold:   core.OfflineThreshold,
		DrainThreshold:     core.DrainThreshold,
		RemoveThreshold:    core.RemoveThreshold,
		RecoveryQuarantine: core.RecoveryQuarantine,
	}, log)

	writer := writepath.NewWriter(store, client, writepath.Options{
		K: core.K, M: core.M, ChunkSize: core.ChunkSize,
		Placement: placement.Options{
			MinAvailable:     core.MinAvailableStorage,
			MaxShardsPerDC:   core.MaxShardsPerDC,
			MaxShardsPerRack: core.MaxShardsPerRack,
			Weights:          placement.DefaultWeights(),
		},
	}, nil, log)

	reader := readpath.NewReader(store, client, dir, readpath.DefaultOptions(), log)
	gc := writepath.NewGCSweeper(store, 24*time.Hour, log)

	detector := repair.NewDetector(store, 500, log)
	planner := repair.NewPlanner(store, repair.PlannerOptions{
		MaxTasksPerPlan: core.MaxTasksPerPlan,
		MaxBytesPerPlan: core.MaxBytesPerPlan,
		PreferLocal:     true,
	}, log)
	executor := repair.NewExecutor(store, client, dir, repair.ExecutorOptions{
		MaxConcurrent:   core.MaxConcurrent,
		MaxPerSource:    core.MaxPerSource,
		MaxPerTarget:    core.MaxPerTarget,
		MaxRetries:      core.MaxRetries,
		RetryDelay:      core.RetryDelay,
		TransferTimeout: core.TransferTimeout,
	}, log)

	intents := make(chan accounting.SettlementIntent, 256)
	accountant := accounting.NewAccountant(store, accounting.Options{
		AccumulateInterval:        core.AccumulateInterval,
		EpochDuration:             core.EpochDuration,
		ExtendedDowntimeThreshold: core.ExtendedDowntimeThreshold,
	}, nil, intents, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go lifecycleMgr.Run(ctx)
	go gc.Run(ctx, time.Hour)
	go accountant.Run(ctx)
	go drainSettlementIntents(ctx, intents, log)
	go runRepairLoop(ctx, detector, planner, executor, store, log)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/cluster/register", handleRegister(store, sessions, log))
	mux.HandleFunc("/cluster/heartbeat", handleHeartbeat(store, lifecycleMgr, sessions, commands, log))
	mux.HandleFunc("/buckets/", handleBucket(store, log))
	mux.HandleFunc("/objects/", handleObjects(writer, reader, log))

	srv := &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info().Str("listen", listen).Msg("coordinator listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("listen failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("server shutdown error")
	}
	log.Info().Msg("coordinator stopped")
}

// nodeDirectory adapts the metadata store's node lookup to the small
// node-id -> address interface readpath and repair need,
// so none of those packages depend on the full metadata.Store surface.
type nodeDirectory struct {
	store *metadata.CachedStore
}

func (d *nodeDirectory) Address(nodeID uuid.UUID) (string, bool) {
	n, err := d.store.GetNode(context.Background(), nodeID)
	if err != nil {
		return "", false
	}
	return n.Address, true
}

// sessionRegistry tracks the opaque bearer token issued at registration, per
// spec.md §6.3. Kept local to main() rather than in metadata.Store since a
// session token is a transport-layer credential, not a durable cluster fact.
type sessionRegistry struct {
	mu     sync.Mutex
	tokens map[uuid.UUID]string
}

func newSessionRegistry() *sessionRegistry {
	return &sessionRegistry{tokens: make(map[uuid.UUID]string)}
}

func (s *sessionRegistry) issue(id uuid.UUID) string {
	token := uuid.NewString()
	s.mu.Lock()
	s.tokens[id] = token
	s.mu.Unlock()
	return token
}

func (s *sessionRegistry) valid(id uuid.UUID, token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	want, ok := s.tokens[id]
	return ok && want == token
}

// commandQueue holds commands piggybacked on the next heartbeat response for
// each node, per spec.md §6.3 and SPEC_FULL.md §5. Nothing in this build
// enqueues into it yet (repair executes transfers directly from the
// orchestrator rather than delegating to nodes) — it exists so node-side
// command execution (internal/shard.CommandExecutor) has a real queue to
// drain from once a delegated-repair or orphan-shard-reap feature is added.
type commandQueue struct {
	mu    sync.Mutex
	items map[uuid.UUID][]cluster.Command
}

func newCommandQueue() *commandQueue {
	return &commandQueue{items: make(map[uuid.UUID][]cluster.Command)}
}

func (q *commandQueue) drain(id uuid.UUID) []cluster.Command {
	q.mu.Lock()
	defer q.mu.Unlock()
	cmds := q.items[id]
	delete(q.items, id)
	return cmds
}

func handleRegister(store *metadata.CachedStore, sessions *sessionRegistry, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req cluster.RegisterRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		n := model.Node{
			ID:            req.NodeID,
			Address:       req.Address,
			Wallet:        req.Wallet,
			Topology:      req.Topology,
			CapacityBytes: req.DeclaredCapacity,
			BandwidthMbps: req.BandwidthMbps,
			Status:        model.NodeOnline,
			LastHeartbeat: time.Now(),
		}
		if err := store.UpsertNode(r.Context(), n); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		token := sessions.issue(req.NodeID)
		log.Info().Str("node_id", req.NodeID.String()).Str("address", req.Address).Msg("node registered")
		writeJSON(w, http.StatusOK, cluster.RegisterResponse{SessionToken: token})
	}
}

func handleHeartbeat(store *metadata.CachedStore, mgr *lifecycle.Manager, sessions *sessionRegistry, commands *commandQueue, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req cluster.HeartbeatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if token := r.Header.Get("Authorization"); token != "" && !sessions.valid(req.NodeID, strings.TrimPrefix(token, "Bearer ")) {
			http.Error(w, "invalid session token", http.StatusUnauthorized)
			return
		}

		now := time.Now()
		ctx := r.Context()
		if err := store.Heartbeat(ctx, req.NodeID, now); err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}

		n, err := store.GetNode(ctx, req.NodeID)
		if err == nil {
			if err := mgr.HandleHeartbeat(ctx, n, now); err != nil {
				log.Warn().Err(err).Str("node_id", req.NodeID.String()).Msg("lifecycle heartbeat handling failed")
			}
		}

		for _, result := range req.CommandResults {
			if !result.Succeeded {
				log.Warn().Str("command_id", result.CommandID.String()).Str("error", result.Error).Msg("node reported command failure")
			}
		}

		writeJSON(w, http.StatusOK, cluster.HeartbeatResponse{Commands: commands.drain(req.NodeID)})
	}
}

func handleBucket(store *metadata.CachedStore, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimPrefix(r.URL.Path, "/buckets/")
		if name == "" {
			http.Error(w, "missing bucket name", http.StatusBadRequest)
			return
		}

		switch r.Method {
		case http.MethodPut, http.MethodPost:
			owner := r.Header.Get("X-Owner")
			if err := store.CreateBucket(r.Context(), model.Bucket{Name: name, Owner: owner, CreatedAt: time.Now()}); err != nil {
				http.Error(w, err.Error(), http.StatusConflict)
				return
			}
			w.WriteHeader(http.StatusCreated)
		case http.MethodDelete:
			if err := store.DeleteBucket(r.Context(), name); err != nil {
				http.Error(w, err.Error(), http.StatusConflict)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	}
}

// handleObjects mounts the data plane: PUT /objects/{bucket}/{path...}
// writes an object (C7), GET reads one back (C8). Paths are split into two
// segments, bucket and object path, since objects here live under named
// buckets rather than flat keys.
func handleObjects(writer *writepath.Writer, reader *readpath.Reader, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		bucket, path, ok := splitBucketPath(r.URL.Path)
		if !ok {
			http.Error(w, "path must be /objects/{bucket}/{path}", http.StatusBadRequest)
			return
		}
		principal := writepath.Principal{Owner: r.Header.Get("X-Owner")}

		switch r.Method {
		case http.MethodPut:
			etag, err := writer.Put(r.Context(), bucket, path, r.Body, r.Header.Get("Content-Type"), principal)
			if err != nil {
				writeObjectError(w, err)
				return
			}
			w.Header().Set("ETag", etag)
			w.WriteHeader(http.StatusCreated)
		case http.MethodGet:
			data, err := reader.Get(r.Context(), bucket, path, nil, nil)
			if err != nil {
				writeObjectError(w, err)
				return
			}
			w.Header().Set("Content-Type", "application/octet-stream")
			if _, err := w.Write(data); err != nil {
				log.Warn().Err(err).Msg("failed writing object response")
			}
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	}
}

func splitBucketPath(urlPath string) (bucket, path string, ok bool) {
	trimmed := strings.TrimPrefix(urlPath, "/objects/")
	bucket, path, found := strings.Cut(trimmed, "/")
	if !found || bucket == "" || path == "" {
		return "", "", false
	}
	return bucket, path, true
}

func writeObjectError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, model.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, model.ErrForbidden), errors.Is(err, model.ErrUnauthorized):
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, model.ErrPreconditionFailed), errors.Is(err, model.ErrIntegrityViolation):
		http.Error(w, err.Error(), http.StatusPreconditionFailed)
	case errors.Is(err, model.ErrInsufficientReplicas), errors.Is(err, model.ErrTransportFailure):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// runRepairLoop drives one detect/plan/execute cycle every interval. Mirrors
// the lifecycle manager's own ticker shape rather than sharing one, since
// repair's natural cadence (seconds-to-minutes) differs from lifecycle's.
func runRepairLoop(ctx context.Context, detector *repair.Detector, planner *repair.Planner, executor *repair.Executor, store *metadata.CachedStore, log zerolog.Logger) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runRepairRound(ctx, detector, planner, executor, store, log)
		}
	}
}

func runRepairRound(ctx context.Context, detector *repair.Detector, planner *repair.Planner, executor *repair.Executor, store *metadata.CachedStore, log zerolog.Logger) {
	issues, err := detector.Scan(ctx)
	if err != nil {
		log.Error().Err(err).Msg("repair scan failed")
		return
	}
	if len(issues) == 0 {
		return
	}

	healthy, err := store.ListNodesByStatus(ctx, model.NodeOnline, model.NodeRecovering)
	if err != nil {
		log.Error().Err(err).Msg("repair: failed to list healthy nodes")
		return
	}

	tasks, err := planner.Plan(ctx, issues, healthy)
	if err != nil {
		log.Error().Err(err).Msg("repair planning failed")
		return
	}
	if len(tasks) == 0 {
		return
	}

	results, err := executor.Run(ctx, tasks)
	if err != nil {
		log.Error().Err(err).Msg("repair execution failed")
		return
	}

	completed := 0
	for _, res := range results {
		if res.State == model.TaskCompleted {
			completed++
		}
	}
	log.Info().Int("issues", len(issues)).Int("tasks", len(tasks)).Int("completed", completed).Msg("repair round finished")
}

// drainSettlementIntents logs every emitted settlement intent. The on-chain
// settlement adapter that would actually move funds is an external
// collaborator (spec.md §1's non-goals); this is the boundary where this
// core hands off to it.
func drainSettlementIntents(ctx context.Context, intents <-chan accounting.SettlementIntent, log zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case intent, ok := <-intents:
			if !ok {
				return
			}
			log.Info().
				Uint64("epoch", intent.EpochNumber).
				Str("node_id", intent.NodeID.String()).
				Str("kind", string(intent.Kind)).
				Int64("amount", intent.Amount).
				Str("reason", intent.Reason).
				Msg("settlement intent emitted")
		}
	}
}
