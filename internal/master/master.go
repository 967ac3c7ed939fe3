// Package master is the master node: it accepts node connections, routes
// their commands and owns the installer, uploader and shutdown sequence.
package master

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"mksmaster/internal/config"
	"mksmaster/internal/execx"
	"mksmaster/internal/installer"
	"mksmaster/internal/metrics"
	"mksmaster/internal/model"
	"mksmaster/internal/protocol"
	"mksmaster/internal/registry"
	"mksmaster/internal/scheduler"
	"mksmaster/internal/shutdown"
	"mksmaster/internal/store"
	"mksmaster/internal/stunutil"
	"mksmaster/internal/uploader"
)

const (
	stunTimeout = 3 * time.Second
	stunTTL     = 10 * time.Minute
)

// Options injects the process collaborators. Nil fields get host defaults.
type Options struct {
	Spawner execx.Spawner
	Runner  execx.Runner
	Metrics metrics.Provider
	Logger  *slog.Logger
}

// Master wires every component of the master node. There is no package
// state; everything hangs off this value.
type Master struct {
	cfg    config.MasterConfig
	logger *slog.Logger

	nodes     *store.NodesDB
	services  *store.ServicesDB
	registry  *registry.Registry
	installer *installer.Installer
	uploader  *uploader.Manager
	scheduler *scheduler.Scheduler
	shutdown  *shutdown.Coordinator
	spawner   execx.Spawner
	metrics   metrics.Provider

	requests  map[protocol.Command]requestHandler
	responses map[protocol.Command]responseHandler

	nextID          atomic.Uint64
	installFailures atomic.Uint64

	peersMu sync.Mutex
	peers   map[uint64]*peer

	devicesMu sync.RWMutex
	devices   []map[string]any

	runMu  sync.Mutex
	cancel context.CancelFunc
	ln     net.Listener
	ready  chan struct{}
}

// New opens the databases and builds the components. Nothing listens until Run.
func New(cfg config.MasterConfig, opts Options) (*Master, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.UUID == "" {
		return nil, errors.New("master uuid is required")
	}

	nodes, err := store.OpenNodes(cfg.NodesDBPath())
	if err != nil {
		return nil, fmt.Errorf("open installed nodes: %w", err)
	}
	services, err := store.OpenServices(cfg.ServicesDBPath())
	if err != nil {
		return nil, fmt.Errorf("open services: %w", err)
	}

	spawner := opts.Spawner
	if spawner == nil {
		spawner = execx.NewOSSpawner(logger)
	}
	runner := opts.Runner
	if runner == nil {
		runner = execx.NewOSRunner(nil, nil)
	}
	provider := opts.Metrics
	if provider == nil {
		var public metrics.PublicAddrFunc
		if len(cfg.STUNServers) > 0 {
			cache := stunutil.NewCache(cfg.STUNServers, stunTimeout, stunTTL)
			public = func(ctx context.Context) (string, string, error) {
				res, err := cache.Get(ctx)
				return res.PublicAddr, res.NATType, err
			}
		}
		provider = metrics.NewHostProvider(cfg.BoardType, public, logger)
	}

	m := &Master{
		cfg:       cfg,
		logger:    logger.With("component", "master"),
		nodes:     nodes,
		services:  services,
		spawner:   spawner,
		metrics:   provider,
		peers:     map[uint64]*peer{},
		ready:     make(chan struct{}),
		scheduler: scheduler.New(logger),
	}
	m.registry = registry.New(registry.Options{
		Nodes:   nodes,
		Spawner: spawner,
		Launch:  m.restartCommand,
		Logger:  logger,
	})
	m.installer = installer.New(installer.NewPackageExecutor(nodes, cfg.NodesPath(), runner, logger), logger)
	m.installer.OnError = func(*installer.JobError) { m.installFailures.Add(1) }
	m.uploader = uploader.New(cfg.UploadPath(), m.installer, logger)
	m.shutdown = shutdown.New(shutdown.Options{
		Self:     cfg.UUID,
		Stoppers: []shutdown.Stopper{m.installer, m.uploader},
		Peers:    m.registry,
		Grace:    cfg.ShutdownGrace(),
		Exit:     m.stop,
		Logger:   logger,
	})
	m.registry.OnChange(func(ev registry.Event) {
		m.logger.Debug("connection table changed", "event", ev.Kind.String(), "uuid", ev.Conn.UUID, "total", m.registry.Len())
	})
	m.routes()
	return m, nil
}

// UUID is the master's own identity.
func (m *Master) UUID() string { return m.cfg.UUID }

// Registry exposes the live connection table.
func (m *Master) Registry() *registry.Registry { return m.registry }

// Ready is closed once the listener is bound.
func (m *Master) Ready() <-chan struct{} { return m.ready }

// Addr is the bound listen address, valid after Ready.
func (m *Master) Addr() net.Addr {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.ln == nil {
		return nil
	}
	return m.ln.Addr()
}

// Shutdown runs the shutdown sequence and makes Run return.
func (m *Master) Shutdown(reason string) { m.shutdown.Shutdown(reason) }

// Run serves until the shutdown sequence finishes. Cancelling ctx (a signal)
// starts that sequence; it does not cut connections before the broadcast.
func (m *Master) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()

	ln, err := net.Listen("tcp", m.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", m.cfg.Listen, err)
	}
	m.runMu.Lock()
	m.ln = ln
	m.cancel = cancel
	m.runMu.Unlock()
	close(m.ready)
	m.logger.Info("master listening", "addr", ln.Addr().String(), "uuid", m.cfg.UUID)

	if m.cfg.BootLaunchEnabled() {
		m.launchEnabled()
	}
	m.scheduler.AddTimeItem("connections", m.cfg.ConnectionsLogInterval(), m.printConnections)

	go func() {
		select {
		case <-ctx.Done():
			m.shutdown.Shutdown("signal")
		case <-runCtx.Done():
		}
	}()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return m.accept(gctx, ln) })
	g.Go(func() error { return m.scheduler.Run(gctx, m.cfg.Tick()) })
	g.Go(func() error { return m.installer.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		ln.Close()
		m.closePeers()
		return nil
	})
	err = g.Wait()
	m.logger.Info("master stopped")
	return err
}

// stop is the shutdown coordinator's exit hook.
func (m *Master) stop() {
	m.runMu.Lock()
	cancel := m.cancel
	m.runMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (m *Master) accept(ctx context.Context, ln net.Listener) error {
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.serveConn(ctx, conn)
		}()
	}
}

// launchEnabled starts every installed node flagged enabled.
func (m *Master) launchEnabled() {
	for _, node := range m.nodes.List() {
		if node.Enabled != 1 {
			continue
		}
		binary, dir, args := m.bootCommand(node)
		m.logger.Info("starting node", "uuid", node.UUID, "name", node.Name, "dir", dir)
		if err := m.spawner.Spawn(binary, dir, args...); err != nil {
			m.logger.Error("node start failed", "uuid", node.UUID, "name", node.Name, "err", err)
		}
	}
}

// restartCommand is the command line used to bring a dropped node back.
func (m *Master) restartCommand(node model.InstalledNode) (string, string, []string) {
	cmd := m.cfg.NodeCommand
	if len(cmd) == 0 {
		cmd = []string{"python", "app.py"}
	}
	return cmd[0], installer.NodeDir(m.cfg.NodesPath(), node.Type), slices.Clone(cmd[1:])
}

// bootCommand is restartCommand plus the node's type, as passed at boot.
func (m *Master) bootCommand(node model.InstalledNode) (string, string, []string) {
	binary, dir, args := m.restartCommand(node)
	return binary, dir, append(args, "--type", strconv.Itoa(node.Type))
}

func (m *Master) printConnections() {
	conns := m.registry.Snapshot()
	m.logger.Info("live connections", "count", len(conns), "uploads", len(m.uploader.Sessions()),
		"install_queue", m.installer.Pending(), "install_failures", m.installFailures.Load())
	for i, c := range conns {
		m.logger.Info("connection", "idx", i, "local_type", c.LocalType.String(), "uuid", c.UUID,
			"port", c.ListenerPort, "type", c.Type, "addr", c.Address)
	}
	for i, s := range m.services.List() {
		_, online := m.registry.Get(s.UUID)
		m.logger.Info("service", "idx", i, "uuid", s.UUID, "enabled", s.Enabled, "registered", online, "name", s.Name)
	}
}
