// Command concordd is the reference Concord node daemon: it wires one
// pkg/node.Node from config/identity/storage, subscribes it to the
// transport bus, and runs until terminated. Subcommand dispatch uses a
// Run(args, stdout, stderr) int entrypoint so it stays testable without
// touching os.Exit.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/concordmesh/kernel/pkg/artifacts"
	"github.com/concordmesh/kernel/pkg/bus"
	"github.com/concordmesh/kernel/pkg/config"
	"github.com/concordmesh/kernel/pkg/envelope"
	"github.com/concordmesh/kernel/pkg/finance"
	"github.com/concordmesh/kernel/pkg/identity"
	"github.com/concordmesh/kernel/pkg/node"
	"github.com/concordmesh/kernel/pkg/observability"
	"github.com/concordmesh/kernel/pkg/policy"
	"github.com/concordmesh/kernel/pkg/store/leasestore"
	"github.com/concordmesh/kernel/pkg/throttle"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServe(stdout, stderr)
	}

	switch args[1] {
	case "serve", "server":
		return runServe(stdout, stderr)
	case "health":
		return runHealth(stdout, stderr)
	case "version":
		fmt.Fprintln(stdout, "concordd v0.1.0")
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "concordd - reference Concord coordination-kernel node")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "usage: concordd <command>")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "commands:")
	fmt.Fprintln(w, "  serve    run the node (default)")
	fmt.Fprintln(w, "  health   print node health as JSON and exit")
	fmt.Fprintln(w, "  version  print version and exit")
}

func runHealth(stdout, _ io.Writer) int {
	enc := json.NewEncoder(stdout)
	_ = enc.Encode(map[string]string{"status": "ok"})
	return 0
}

func runServe(stdout, stderr io.Writer) int {
	ctx := context.Background()
	logger := slog.Default()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "concordd: load config: %v\n", err)
		return 1
	}
	if cfg.NodeID == "" {
		fmt.Fprintln(stderr, "concordd: CONCORD_NODE_ID is required")
		return 2
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		fmt.Fprintf(stderr, "concordd: create data dir: %v\n", err)
		return 1
	}

	keys, err := loadOrGenerateIdentity(cfg.NodeID, filepath.Join(cfg.DataDir, "identity.seed"))
	if err != nil {
		fmt.Fprintf(stderr, "concordd: identity: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "concordd: node %s pubkey %s\n", cfg.NodeID, keys.PublicKeyHex())

	lamportPersister := envelope.NewFileLamportPersister(filepath.Join(cfg.DataDir, "lamport.clock"))
	clock, err := envelope.NewClock(lamportPersister, 50, time.Second, 10)
	if err != nil {
		fmt.Fprintf(stderr, "concordd: clock: %v\n", err)
		return 1
	}

	leaseStore, err := newLeaseStore(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "concordd: lease store: %v\n", err)
		return 1
	}

	artifactStore, err := artifacts.NewStoreFromEnv(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "concordd: artifact store: %v\n", err)
		return 1
	}

	capsule, err := loadCapsule(filepath.Join(cfg.DataDir, "capsule.json"))
	if err != nil {
		fmt.Fprintf(stderr, "concordd: capsule: %v\n", err)
		return 1
	}

	transport := bus.NewInProcessBus(256)

	costsTracker, err := newCostsTracker(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "concordd: costs tracker: %v\n", err)
		return 1
	}

	n, err := node.New(cfg, keys, clock, transport, leaseStore, costsTracker, capsule, logger)
	if err != nil {
		fmt.Fprintf(stderr, "concordd: node init: %v\n", err)
		return 1
	}

	obsCfg := observability.DefaultConfig()
	obsCfg.ServiceName = cfg.ServiceName
	obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
	obsCfg.Enabled = cfg.OTLPEndpoint != ""
	provider, err := observability.New(ctx, obsCfg)
	if err != nil {
		log.Printf("concordd: observability disabled: %v", err)
	} else {
		defer func() { _ = provider.Shutdown(ctx) }()
	}

	slos := observability.NewSLOTracker()
	slos.SetTarget(&observability.SLOTarget{
		SLOID:       "finalize-latency",
		Name:        "FINALIZE within challenge window",
		Operation:   "finalize",
		LatencyP99:  cfg.TChallenge + cfg.TChallenge/2,
		SuccessRate: 0.99,
		WindowHours: 24,
	})
	n.WithCAS(artifactStore)
	n.WithObservability(provider, slos)
	if cfg.RedisAddr != "" {
		n.WithThrottleStore(throttle.NewRedisStore(cfg.RedisAddr, "", 0))
		logger.Info("throttle buckets shared via redis", "addr", cfg.RedisAddr)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		// State application happens inside Run (Observe); the handler is
		// purely informational.
		if err := n.Run(runCtx, 8, func(ctx context.Context, env envelope.Envelope) {
			logger.Info("envelope applied", "verb", string(env.Verb), "thread", env.Thread, "sender", env.Sender.AgentID)
		}); err != nil {
			logger.Error("node run loop exited", "error", err)
		}
	}()

	fmt.Fprintf(stdout, "concordd: ready, K_plan=%d K_result=%d T_challenge=%s\n", cfg.KPlan, cfg.KResult, cfg.TChallenge)
	fmt.Fprintln(stdout, "concordd: press ctrl+c to stop")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	fmt.Fprintln(stdout, "concordd: shutting down")
	cancel()
	return 0
}

// newLeaseStore selects the CLAIM lease backing store per
// cfg.LedgerDriver: "postgres"
// and "sqlite" both ride database/sql, differing only in driver name and
// DSN; "memory" (the default) uses the crash-safe, fsync'd JSON file
// store so a fresh node needs no external database to run.
func newLeaseStore(cfg *config.Config) (leasestore.Store, error) {
	switch cfg.LedgerDriver {
	case "postgres":
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		store := leasestore.NewPostgresLeaseStore(db)
		if err := store.Init(context.Background()); err != nil {
			return nil, fmt.Errorf("init postgres lease schema: %w", err)
		}
		return store, nil
	case "sqlite":
		db, err := sql.Open("sqlite", filepath.Join(cfg.DataDir, "leases.db"))
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		store := leasestore.NewSQLLeaseStore(db)
		if err := store.Init(context.Background()); err != nil {
			return nil, fmt.Errorf("init sqlite lease schema: %w", err)
		}
		return store, nil
	default:
		return leasestore.NewFileLeaseStore(filepath.Join(cfg.DataDir, "leases.json"))
	}
}

// newCostsTracker selects the capsule gas-cost accounting backend per
// cfg.LedgerDriver, mirroring newLeaseStore: "postgres" persists consumed
// tokens in capsule_budgets (an operator-provisioned row, created
// alongside the lease/ledger schema) so a restart doesn't reset a
// capsule's lifetime token spend to zero; "memory" and "sqlite" both fall
// back to nil, leaving pkg/node.New to meter gas against an in-memory
// tracker for the life of the process.
func newCostsTracker(cfg *config.Config) (finance.Tracker, error) {
	if cfg.LedgerDriver != "postgres" {
		return nil, nil
	}
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return finance.NewPostgresTracker(db), nil
}

// loadOrGenerateIdentity loads a persisted Ed25519 seed from path, or
// generates and persists a fresh one on first run.
func loadOrGenerateIdentity(nodeID, path string) (*identity.KeyPair, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		return identity.FromSeed(nodeID, data)
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read identity seed: %w", err)
	}

	keys, err := identity.Generate(nodeID)
	if err != nil {
		return nil, err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, keys.Seed(), 0o600); err != nil {
		return nil, fmt.Errorf("write identity seed: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return nil, fmt.Errorf("commit identity seed: %w", err)
	}
	return keys, nil
}

// loadCapsule loads a policy capsule from path, or falls back to an
// empty (fully permissive, per pkg/policy.Engine.Evaluate's no-rules
// case) capsule if the file does not exist, a safe default for a
// first-run node with no operator-authored policy yet.
func loadCapsule(path string) (*policy.Capsule, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &policy.Capsule{SchemaVersion: "1.0.0", GasLimit: 1_000_000}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read capsule: %w", err)
	}
	var capsule policy.Capsule
	if err := json.Unmarshal(data, &capsule); err != nil {
		return nil, fmt.Errorf("parse capsule: %w", err)
	}
	if err := policy.ValidateSchemaVersion(&capsule); err != nil {
		return nil, err
	}
	return &capsule, nil
}
