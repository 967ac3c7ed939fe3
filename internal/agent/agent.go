// Package agent is the guardian node: a long-running client of the master
// that enacts reboots and service toggles on the host.
package agent

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"sync"
	"time"

	"mksmaster/internal/api"
	"mksmaster/internal/config"
	"mksmaster/internal/execx"
	"mksmaster/internal/protocol"
)

const (
	dialTimeout = 5 * time.Second
	callTimeout = 5 * time.Second
	// maxStatusFailures consecutive failed status polls drop the session.
	maxStatusFailures = 3
)

// Options injects host collaborators. Nil fields get the OS defaults.
type Options struct {
	Runner  execx.Runner
	Spawner execx.Spawner
	Kill    func(pid int) error
	Logger  *slog.Logger
}

// Guardian owns one identity and reconnects to the master until told to
// shut down.
type Guardian struct {
	cfg     config.GuardianConfig
	runner  execx.Runner
	spawner execx.Spawner
	kill    func(pid int) error
	logger  *slog.Logger

	stopOnce sync.Once
	stopped  chan struct{}
}

func New(cfg config.GuardianConfig, opts Options) *Guardian {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	g := &Guardian{
		cfg:     cfg,
		runner:  opts.Runner,
		spawner: opts.Spawner,
		kill:    opts.Kill,
		logger:  logger.With("component", "guardian"),
		stopped: make(chan struct{}),
	}
	if g.runner == nil {
		g.runner = execx.NewOSRunner(os.Stdout, os.Stderr)
	}
	if g.spawner == nil {
		g.spawner = execx.NewOSSpawner(logger)
	}
	if g.kill == nil {
		g.kill = terminate
	}
	return g
}

// Serve runs sessions against the master, backing off between attempts.
// It returns nil when the master orders a shutdown or ctx is done.
func (g *Guardian) Serve(ctx context.Context) error {
	delay := g.cfg.RetryDelay()
	if delay <= 0 {
		delay = time.Second
	}
	maxDelay := g.cfg.RetryMaxDelay()
	if maxDelay < delay {
		maxDelay = delay
	}
	wait := delay
	for {
		registered, err := g.session(ctx)
		if errors.Is(err, ErrShutdownRequested) || ctx.Err() != nil || g.shuttingDown() {
			return nil
		}
		if registered {
			wait = delay
		}
		g.logger.Warn("session ended", "err", err, "retry_in", wait)
		select {
		case <-ctx.Done():
			return nil
		case <-g.stopped:
			return nil
		case <-time.After(wait):
		}
		wait *= 2
		if wait > maxDelay {
			wait = maxDelay
		}
	}
}

// Run is a single session: it returns when the connection ends.
func (g *Guardian) Run(ctx context.Context) error {
	_, err := g.session(ctx)
	return err
}

func (g *Guardian) session(ctx context.Context) (bool, error) {
	dctx, cancel := context.WithTimeout(ctx, dialTimeout)
	c, err := api.Dial(dctx, g.cfg.Master, api.Options{
		UUID:      g.cfg.UUID,
		Name:      g.cfg.Name,
		Type:      g.cfg.Type,
		LocalType: "DEFENDER",
		IsService: true,
		Handler:   g.handle,
		Logger:    g.logger,
	})
	cancel()
	if err != nil {
		return false, err
	}
	defer c.Close()
	g.logger.Info("registered with master", "master", c.MasterUUID(), "addr", g.cfg.Master)

	var statusC <-chan time.Time
	if iv := g.cfg.StatusInterval(); iv > 0 {
		t := time.NewTicker(iv)
		defer t.Stop()
		statusC = t.C
	}
	failures := 0

	for {
		select {
		case <-ctx.Done():
			return true, ctx.Err()
		case <-g.stopped:
			return true, ErrShutdownRequested
		case <-c.Done():
			return true, c.Err()
		case <-statusC:
			n, err := pollConnections(ctx, c, callTimeout)
			if err != nil {
				failures++
				g.logger.Warn("status poll failed", "failures", failures, "max", maxStatusFailures, "err", err)
				if failures >= maxStatusFailures {
					return true, ErrMasterUnresponsive
				}
				continue
			}
			failures = 0
			g.logger.Debug("master status", "connections", n)
		}
	}
}

func (g *Guardian) requestShutdown() {
	g.stopOnce.Do(func() { close(g.stopped) })
}

func (g *Guardian) shuttingDown() bool {
	select {
	case <-g.stopped:
		return true
	default:
		return false
	}
}

// handle serves requests the master sends to the guardian.
func (g *Guardian) handle(ctx context.Context, c *api.Client, f *protocol.Frame) {
	var reply any
	switch protocol.Command(f.Header.Command) {
	case protocol.CmdShutdown:
		g.logger.Info("shutdown ordered", "source", f.Source)
		g.requestShutdown()
		return
	case protocol.CmdReboot:
		reply = g.reboot(ctx)
	case protocol.CmdServicesMngr:
		reply = g.manageService(f)
	default:
		g.logger.Warn("unsupported request", "command", f.Header.Command, "source", f.Source)
		reply = api.ErrorResponse{Error: api.ErrorCode}
	}
	if err := c.Reply(f, reply); err != nil {
		g.logger.Warn("reply failed", "command", f.Header.Command, "err", err)
	}
}

func (g *Guardian) reboot(ctx context.Context) any {
	if len(g.cfg.RebootCommand) == 0 {
		g.logger.Error("reboot requested but no reboot command configured")
		return api.ErrorResponse{Error: api.ErrorCode}
	}
	g.logger.Warn("rebooting host", "command", g.cfg.RebootCommand)
	if err := g.runner.Run(ctx, g.cfg.RebootCommand[0], g.cfg.RebootCommand[1:]...); err != nil {
		g.logger.Error("reboot failed", "err", err)
		return api.ErrorResponse{Error: api.ErrorCode}
	}
	return api.StatusResponse{Status: api.StatusOK}
}

func (g *Guardian) manageService(f *protocol.Frame) any {
	var cmd api.ServiceCommand
	if err := protocol.GetPayloadFromFrame(f, &cmd); err != nil {
		g.logger.Warn("bad services_mngr payload", "err", err)
		return api.ErrorResponse{Error: api.ErrorCode}
	}
	svc := cmd.Service
	if err := g.toggle(svc); err != nil {
		g.logger.Error("service toggle failed", "uuid", svc.UUID, "name", svc.Name, "enabled", svc.Enabled, "err", err)
		return api.ErrorResponse{Error: api.ErrorCode}
	}
	return api.StatusResponse{Status: api.StatusOK}
}

// toggle starts the service from its package directory, or terminates the
// running process when it is being disabled.
func (g *Guardian) toggle(svc api.ServiceTarget) error {
	if svc.Enabled == 0 {
		if svc.PID <= 0 {
			g.logger.Info("service not running", "uuid", svc.UUID, "name", svc.Name)
			return nil
		}
		g.logger.Info("stopping service", "uuid", svc.UUID, "name", svc.Name, "pid", svc.PID)
		return g.kill(svc.PID)
	}
	binary, dir, args, err := g.serviceCommand(svc.Type)
	if err != nil {
		return err
	}
	g.logger.Info("starting service", "uuid", svc.UUID, "name", svc.Name, "dir", dir)
	return g.spawner.Spawn(binary, dir, args...)
}

func (g *Guardian) serviceCommand(serviceType int) (string, string, []string, error) {
	if len(g.cfg.ServiceCommand) == 0 {
		return "", "", nil, errors.New("no service command configured")
	}
	dir := filepath.Join(g.cfg.NodesDir, strconv.Itoa(serviceType))
	args := append(slices.Clone(g.cfg.ServiceCommand[1:]), "--type", strconv.Itoa(serviceType))
	return g.cfg.ServiceCommand[0], dir, args, nil
}
