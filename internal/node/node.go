// Package node provides a reusable vault daemon that can be embedded in any
// binary.
package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Klingon-tech/klingnet-vault/config"
	"github.com/Klingon-tech/klingnet-vault/internal/discovery"
	"github.com/Klingon-tech/klingnet-vault/internal/engine"
	"github.com/Klingon-tech/klingnet-vault/internal/hwbridge"
	"github.com/Klingon-tech/klingnet-vault/internal/keychain"
	klog "github.com/Klingon-tech/klingnet-vault/internal/log"
	"github.com/Klingon-tech/klingnet-vault/internal/nonce"
	"github.com/Klingon-tech/klingnet-vault/internal/relay"
	"github.com/Klingon-tech/klingnet-vault/internal/requests"
	"github.com/Klingon-tech/klingnet-vault/internal/rpc"
	"github.com/Klingon-tech/klingnet-vault/internal/rpcclient"
	"github.com/Klingon-tech/klingnet-vault/internal/storage"
	"github.com/Klingon-tech/klingnet-vault/pkg/types"
)

const gcInterval = 10 * time.Minute

// settingsKey holds the database identity record.
var settingsKey = []byte("identity")

// identity ties a database to the network it was created for.
type identity struct {
	Network   config.NetworkType `json:"network"`
	CreatedAt time.Time          `json:"created_at"`
}

// Node is a fully-initialized vault daemon.
type Node struct {
	cfg    *config.Config
	logger zerolog.Logger

	// Stores
	db       storage.DB
	keys     *keychain.Manager
	nonces   *nonce.Tracker
	sessions *engine.Sessions
	queue    *requests.Queue

	// Contexts
	engine     *engine.Engine
	hub        *relay.Hub
	engineSide *relay.Messenger
	relaySide  *relay.Messenger

	// RPC
	rpcServer *rpc.Server

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates and initializes a new Node. It performs all setup steps
// (logger, storage, custody, engine, relay, RPC) but does NOT start
// listening or background work. Call Start() for that.
func New(cfg *config.Config) (*Node, error) {
	// ── 1. Init logger ──────────────────────────────────────────────
	logFile := cfg.Log.File
	if logFile == "" {
		logsDir := cfg.LogsDir()
		if err := os.MkdirAll(logsDir, 0700); err != nil {
			return nil, fmt.Errorf("creating logs dir: %w", err)
		}
		logFile = filepath.Join(logsDir, "klingvault.log")
	}
	if err := klog.Init(cfg.Log.Level, cfg.Log.JSON, logFile); err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}
	logger := klog.WithComponent("node")

	logger.Info().
		Str("network", string(cfg.Network)).
		Str("default_chain", cfg.Chains.Default.String()).
		Int("endpoints", len(cfg.Chains.Endpoints)).
		Msg("Starting Klingnet Vault")

	// ── 2. Open storage ─────────────────────────────────────────────
	db, err := storage.NewBadger(cfg.VaultDir())
	if err != nil {
		return nil, fmt.Errorf("open database at %s: %w", cfg.VaultDir(), err)
	}
	if err := checkIdentity(storage.NewPrefixDB(db, storage.NamespaceSettings), cfg.Network); err != nil {
		db.Close()
		return nil, err
	}
	logger.Info().Str("path", cfg.VaultDir()).Msg("Database opened")

	n, err := assemble(cfg, db, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return n, nil
}

// assemble builds every component on top of an open database.
func assemble(cfg *config.Config, db storage.DB, logger zerolog.Logger) (*Node, error) {
	// ── 3. Chain endpoints ──────────────────────────────────────────
	clients := make(map[types.ChainID]*rpcclient.Client, len(cfg.Chains.Endpoints))
	for id, url := range cfg.Chains.Endpoints {
		clients[id] = rpcclient.New(url)
	}

	var oracle discovery.Oracle
	switch {
	case cfg.Discovery.OracleURL != "":
		oracle = discovery.NewRPCOracle(rpcclient.New(cfg.Discovery.OracleURL))
	case clients[cfg.Chains.Default] != nil:
		oracle = discovery.NewRPCOracle(clients[cfg.Chains.Default])
	default:
		logger.Warn().Msg("No activity oracle configured, HD imports enable a single account")
	}

	// ── 4. Custody and trackers ─────────────────────────────────────
	keys := keychain.NewManager(storage.NewPrefixDB(db, storage.NamespaceVault), keychain.Config{
		Params: keychain.EncryptionParams{
			Memory:      cfg.Vault.KDFMemory,
			Iterations:  cfg.Vault.KDFIterations,
			Parallelism: cfg.Vault.KDFThreads,
		},
		Oracle:         oracle,
		DiscoveryBatch: cfg.Discovery.Batch,
	})

	nonces := nonce.NewTracker(storage.NewPrefixDB(db, storage.NamespaceNonces))
	if err := nonces.Load(); err != nil {
		return nil, fmt.Errorf("load nonces: %w", err)
	}
	var feed nonce.Feed
	if len(clients) > 0 {
		feed = nonce.NewRPCFeed(clients)
	}

	sessions := engine.NewSessions(storage.NewPrefixDB(db, storage.NamespaceSessions))
	if err := sessions.Load(); err != nil {
		return nil, fmt.Errorf("load sessions: %w", err)
	}
	queue := requests.NewQueue()

	// ── 5. Engine ───────────────────────────────────────────────────
	eng := engine.New(engine.Config{
		DefaultChain:    cfg.Chains.Default,
		Chains:          cfg.ChainIDs(),
		AutoLock:        cfg.Vault.AutoLock,
		ApprovalTimeout: cfg.Approval.Timeout,
		RateLimit: engine.RateLimit{
			PerSecond: cfg.RateLimit.PerSecond,
			PerMinute: cfg.RateLimit.PerMinute,
		},
	}, engine.Deps{
		Keys:      keys,
		Nonces:    nonces,
		Feed:      feed,
		Queue:     queue,
		Bridge:    hwbridge.New(),
		Sessions:  sessions,
		Upstreams: engine.NewUpstreams(clients),
	})

	// ── 6. Relay ────────────────────────────────────────────────────
	hub := relay.NewHub()
	engineSide := relay.Connect(hub, relay.ContextEngine, relay.ContextRelay)
	eng.Serve(engineSide)
	relaySide := relay.Connect(hub, relay.ContextRelay, relay.ContextEngine)

	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		cfg:        cfg,
		logger:     logger,
		db:         db,
		keys:       keys,
		nonces:     nonces,
		sessions:   sessions,
		queue:      queue,
		engine:     eng,
		hub:        hub,
		engineSide: engineSide,
		relaySide:  relaySide,
		ctx:        ctx,
		cancel:     cancel,
	}

	// ── 7. RPC server ───────────────────────────────────────────────
	if cfg.RPC.Enabled {
		addr := net.JoinHostPort(cfg.RPC.Addr, strconv.Itoa(cfg.RPC.Port))
		n.rpcServer = rpc.New(addr, relaySide, eng, cfg.RPC)
		n.rpcServer.SetApprovalToken(cfg.Approval.Token)
		if cfg.Approval.Token == "" && !loopbackOnly(cfg.RPC) {
			logger.Warn().Msg("Approval endpoint reachable off-host without approval.token")
		}
	}

	logger.Info().
		Bool("vault", keys.HasVault()).
		Int("sessions", len(sessions.List())).
		Msg("Vault initialized")
	return n, nil
}

// checkIdentity records the network on first open and refuses a database
// created for another network.
func checkIdentity(db storage.DB, network config.NetworkType) error {
	var id identity
	err := storage.GetJSON(db, settingsKey, &id)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return storage.PutJSON(db, settingsKey, identity{Network: network, CreatedAt: time.Now().UTC()})
	case err != nil:
		return fmt.Errorf("read database identity: %w", err)
	case id.Network != network:
		return fmt.Errorf("database belongs to %s, not %s", id.Network, network)
	}
	return nil
}

// loopbackOnly reports whether the RPC server only admits loopback callers.
func loopbackOnly(cfg config.RPCConfig) bool {
	if ip := net.ParseIP(cfg.Addr); ip != nil && ip.IsLoopback() {
		return true
	}
	if len(cfg.AllowedIPs) == 0 {
		return false
	}
	for _, entry := range cfg.AllowedIPs {
		ip, _, err := net.ParseCIDR(entry)
		if err != nil {
			ip = net.ParseIP(entry)
		}
		if ip == nil || !ip.IsLoopback() {
			return false
		}
	}
	return true
}

// Start begins serving callers and runs periodic engine work.
func (n *Node) Start() error {
	if n.rpcServer != nil {
		if err := n.rpcServer.Start(); err != nil {
			return err
		}
		n.logger.Info().Str("addr", n.rpcServer.Addr()).Msg("RPC server listening")
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.engine.Run(n.ctx)
	}()

	if gc, ok := n.db.(interface{ RunGC(float64) error }); ok {
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.gcLoop(gc.RunGC)
		}()
	}

	n.logger.Info().
		Bool("unlocked", n.keys.IsUnlocked()).
		Msg("Vault started successfully")
	return nil
}

// gcLoop periodically compacts the database value log.
func (n *Node) gcLoop(runGC func(float64) error) {
	ticker := time.NewTicker(gcInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			if err := runGC(0.5); err != nil {
				n.logger.Warn().Err(err).Msg("Value log GC failed")
			}
		}
	}
}

// Stop shuts down all components gracefully.
func (n *Node) Stop() {
	n.cancel()
	n.wg.Wait()

	if n.rpcServer != nil {
		n.rpcServer.Stop()
	}
	n.queue.Close()
	n.relaySide.Close()
	n.engineSide.Close()
	n.hub.Close()
	n.keys.Lock()
	if n.db != nil {
		n.db.Close()
	}

	n.logger.Info().Msg("Goodbye!")
	klog.Close()
}

// Lock locks the vault immediately.
func (n *Node) Lock() {
	n.engine.Lock()
	n.logger.Info().Msg("Vault locked on request")
}

// RPCAddr returns the address the RPC server is listening on.
func (n *Node) RPCAddr() string {
	if n.rpcServer == nil {
		return ""
	}
	return n.rpcServer.Addr()
}

// Engine returns the privileged engine, for embedding binaries that host an
// approval UI in-process.
func (n *Node) Engine() *engine.Engine {
	return n.engine
}
