// Package registry is the single source of truth for which nodes are
// connected to the master right now.
package registry

import (
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"mksmaster/internal/execx"
	"mksmaster/internal/model"
)

// Sender is the transport's send capability for one connection. frame is a
// fully framed message.
type Sender interface {
	Send(frame []byte) error
}

// Connection describes one registered transport connection. ID is the
// transport handle assigned on accept; UUID is the node identity announced at
// registration.
type Connection struct {
	ID           uint64
	UUID         string
	LocalType    model.LocalType
	Type         int
	Name         string
	PID          int
	IsService    bool
	Address      string
	ListenerPort int
	Enabled      bool
	ConnectedAt  time.Time
	Sender       Sender
}

// EventKind distinguishes registry notifications.
type EventKind int

const (
	Connected EventKind = iota
	Disconnected
)

func (k EventKind) String() string {
	if k == Connected {
		return "connected"
	}
	return "disconnected"
}

// Event is delivered to observers after the registry changed.
type Event struct {
	Kind EventKind
	Conn Connection
}

// NodeLookup resolves installed nodes for the restart policy.
type NodeLookup interface {
	Get(uuid string) (model.InstalledNode, bool)
}

// LaunchFunc builds the command line used to start an installed node.
type LaunchFunc func(node model.InstalledNode) (binary, dir string, args []string)

// Options wires the restart policy collaborators. A nil Nodes or Spawner
// disables restarts.
type Options struct {
	Nodes   NodeLookup
	Spawner execx.Spawner
	Launch  LaunchFunc
	Logger  *slog.Logger
}

// Registry tracks live connections keyed by uuid, in first-registration order.
type Registry struct {
	mu    sync.RWMutex
	conns []*Connection

	obsMu     sync.RWMutex
	observers []func(Event)

	shuttingDown atomic.Bool

	nodes   NodeLookup
	spawner execx.Spawner
	launch  LaunchFunc
	logger  *slog.Logger
}

func New(opts Options) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		nodes:   opts.Nodes,
		spawner: opts.Spawner,
		launch:  opts.Launch,
		logger:  logger.With("component", "registry"),
	}
}

// OnChange registers an observer. Observers run synchronously on the
// goroutine that changed the registry, outside the registry lock.
func (r *Registry) OnChange(fn func(Event)) {
	r.obsMu.Lock()
	r.observers = append(r.observers, fn)
	r.obsMu.Unlock()
}

// Register adds conn or updates the entry with the same uuid in place. A
// transport handle owns at most one entry: re-registering under a new uuid
// drops the entry it held before.
func (r *Registry) Register(conn Connection) {
	if conn.UUID == "" {
		r.logger.Warn("register without uuid ignored", "id", conn.ID, "addr", conn.Address)
		return
	}
	if conn.ConnectedAt.IsZero() {
		conn.ConnectedAt = time.Now().UTC()
	}

	r.mu.Lock()
	var displaced []Connection
	r.conns = slices.DeleteFunc(r.conns, func(c *Connection) bool {
		if c.ID == conn.ID && c.UUID != conn.UUID {
			displaced = append(displaced, *c)
			return true
		}
		return false
	})
	updated := false
	for i, c := range r.conns {
		if c.UUID == conn.UUID {
			entry := conn
			r.conns[i] = &entry
			updated = true
			break
		}
	}
	if !updated {
		entry := conn
		r.conns = append(r.conns, &entry)
	}
	total := len(r.conns)
	r.mu.Unlock()

	for _, old := range displaced {
		r.logger.Info("node identity replaced", "id", conn.ID, "old_uuid", old.UUID, "uuid", conn.UUID)
		r.notify(Event{Kind: Disconnected, Conn: old})
	}
	r.logger.Info("node registered", "uuid", conn.UUID, "type", conn.Type, "local_type", conn.LocalType.String(),
		"addr", conn.Address, "updated", updated, "total", total)
	r.notify(Event{Kind: Connected, Conn: conn})
}

// Unregister removes the entry owned by transport handle id and applies the
// node-restart policy. A handle that was never registered, or whose uuid has
// since been taken over by a newer connection, is a no-op.
func (r *Registry) Unregister(id uint64) {
	r.mu.Lock()
	var removed *Connection
	for i, c := range r.conns {
		if c.ID == id {
			removed = c
			r.conns = slices.Delete(r.conns, i, i+1)
			break
		}
	}
	r.mu.Unlock()

	if removed == nil {
		return
	}
	conn := *removed
	r.logger.Info("node disconnected", "uuid", conn.UUID, "type", conn.Type, "addr", conn.Address)
	r.notify(Event{Kind: Disconnected, Conn: conn})
	r.restart(conn)
}

// restart issues at most one spawn for a departing non-service node that is
// enabled in the installed-nodes database. Spawn failures are logged only.
func (r *Registry) restart(conn Connection) {
	if r.shuttingDown.Load() || conn.IsService {
		return
	}
	if r.nodes == nil || r.spawner == nil || r.launch == nil {
		return
	}
	node, ok := r.nodes.Get(conn.UUID)
	if !ok || node.Enabled != 1 {
		return
	}
	binary, dir, args := r.launch(node)
	r.logger.Info("restarting node", "uuid", node.UUID, "name", node.Name, "dir", dir)
	if err := r.spawner.Spawn(binary, dir, args...); err != nil {
		r.logger.Error("node restart failed", "uuid", node.UUID, "name", node.Name, "err", err)
	}
}

// SetShuttingDown disables the restart policy for the rest of the process.
func (r *Registry) SetShuttingDown() {
	r.shuttingDown.Store(true)
}

// Snapshot returns a point-in-time copy of every registered connection.
func (r *Registry) Snapshot() []Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Connection, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, *c)
	}
	return out
}

// Get returns the connection registered under uuid.
func (r *Registry) Get(uuid string) (Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.conns {
		if c.UUID == uuid {
			return *c, true
		}
	}
	return Connection{}, false
}

// FindByType returns the first connection, in registration order, matching pred.
func (r *Registry) FindByType(pred func(Connection) bool) (Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.conns {
		if pred(*c) {
			return *c, true
		}
	}
	return Connection{}, false
}

// DeclaredType matches connections by their declared type code.
func DeclaredType(t int) func(Connection) bool {
	return func(c Connection) bool { return c.Type == t }
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

func (r *Registry) notify(ev Event) {
	r.obsMu.RLock()
	observers := slices.Clone(r.observers)
	r.obsMu.RUnlock()
	for _, fn := range observers {
		fn(ev)
	}
}
