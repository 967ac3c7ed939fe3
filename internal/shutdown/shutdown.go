// Package shutdown sequences a master stop: drain local workers, tell every
// other node to shut down, give the frames time to flush, then terminate.
package shutdown

import (
	"log/slog"
	"sync"
	"time"

	"mksmaster/internal/protocol"
	"mksmaster/internal/registry"
)

// State is the coordinator's position in the shutdown sequence.
type State int32

const (
	Running State = iota
	Draining
	Broadcasting
	Terminated
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Draining:
		return "draining"
	case Broadcasting:
		return "broadcasting"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// DefaultGrace is how long broadcast frames get to flush before exit.
const DefaultGrace = 5 * time.Second

// Stopper is a local worker that refuses new work once stopped.
type Stopper interface {
	Stop()
}

// Peers is the registry view the coordinator needs.
type Peers interface {
	Snapshot() []registry.Connection
	SetShuttingDown()
}

// Options configures a Coordinator. Exit is called once, after the grace
// period; it must not block.
type Options struct {
	Self     string
	Stoppers []Stopper
	Peers    Peers
	Grace    time.Duration
	Exit     func()
	Logger   *slog.Logger

	sleep func(time.Duration)
}

type Coordinator struct {
	self     string
	stoppers []Stopper
	peers    Peers
	grace    time.Duration
	exit     func()
	sleep    func(time.Duration)
	logger   *slog.Logger

	mu    sync.Mutex
	state State
	once  sync.Once
	done  chan struct{}
}

func New(opts Options) *Coordinator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	grace := opts.Grace
	if grace < 0 {
		grace = 0
	}
	sleep := opts.sleep
	if sleep == nil {
		sleep = time.Sleep
	}
	exit := opts.Exit
	if exit == nil {
		exit = func() {}
	}
	return &Coordinator{
		self:     opts.Self,
		stoppers: opts.Stoppers,
		peers:    opts.Peers,
		grace:    grace,
		exit:     exit,
		sleep:    sleep,
		logger:   logger.With("component", "shutdown"),
		done:     make(chan struct{}),
	}
}

// State reports the current state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done is closed once the sequence reached Terminated.
func (c *Coordinator) Done() <-chan struct{} { return c.done }

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	c.logger.Info("shutdown state", "state", s.String())
}

// Shutdown runs the whole sequence synchronously. Only the first call does
// anything; later calls wait for the first to finish.
func (c *Coordinator) Shutdown(reason string) {
	c.once.Do(func() {
		c.logger.Info("shutdown requested", "reason", reason)
		c.run()
	})
	<-c.done
}

func (c *Coordinator) run() {
	defer close(c.done)

	c.setState(Draining)
	if c.peers != nil {
		c.peers.SetShuttingDown()
	}
	for _, s := range c.stoppers {
		s.Stop()
	}

	c.setState(Broadcasting)
	sent := c.broadcast()
	c.logger.Info("shutdown broadcast sent", "nodes", sent, "grace", c.grace)
	if c.grace > 0 {
		c.sleep(c.grace)
	}

	c.setState(Terminated)
	c.exit()
}

// broadcast sends a shutdown request to every connection except self and
// returns how many frames were written. Send failures are logged only.
func (c *Coordinator) broadcast() int {
	if c.peers == nil {
		return 0
	}
	sent := 0
	for _, conn := range c.peers.Snapshot() {
		if conn.UUID == c.self || conn.Sender == nil {
			continue
		}
		f, err := protocol.BuildRequest(protocol.RoutingDirect, conn.UUID, c.self, protocol.CmdShutdown, nil, nil)
		if err != nil {
			c.logger.Error("build shutdown frame", "uuid", conn.UUID, "err", err)
			continue
		}
		data, err := protocol.AppendFraming(f)
		if err != nil {
			c.logger.Error("encode shutdown frame", "uuid", conn.UUID, "err", err)
			continue
		}
		if err := conn.Sender.Send(data); err != nil {
			c.logger.Warn("shutdown frame not delivered", "uuid", conn.UUID, "err", err)
			continue
		}
		sent++
	}
	return sent
}
