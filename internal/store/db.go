package store

import (
	"slices"
	"sync"

	"mksmaster/internal/model"
)

// table is an ordered, uuid-unique collection persisted as one document.
// Every mutation rewrites the whole file.
type table[T any] struct {
	mu    sync.RWMutex
	path  string
	items []T
	key   func(T) string
	doc   func([]T) any
}

func (t *table[T]) list() []T {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return slices.Clone(t.items)
}

func (t *table[T]) get(uuid string) (T, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, it := range t.items {
		if t.key(it) == uuid {
			return it, true
		}
	}
	var zero T
	return zero, false
}

// update applies fn to the entry keyed by uuid and persists. found is false
// when no entry matched; nothing is written then.
func (t *table[T]) update(uuid string, fn func(*T)) (T, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.items {
		if t.key(t.items[i]) == uuid {
			fn(&t.items[i])
			return t.items[i], true, t.saveLocked()
		}
	}
	var zero T
	return zero, false, nil
}

func (t *table[T]) upsert(item T) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := t.key(item)
	replaced := false
	for i := range t.items {
		if t.key(t.items[i]) == k {
			t.items[i] = item
			replaced = true
			break
		}
	}
	if !replaced {
		t.items = append(t.items, item)
	}
	return t.saveLocked()
}

func (t *table[T]) remove(uuid string) (T, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.items {
		if t.key(t.items[i]) == uuid {
			removed := t.items[i]
			t.items = slices.Delete(t.items, i, i+1)
			return removed, true, t.saveLocked()
		}
	}
	var zero T
	return zero, false, nil
}

func (t *table[T]) saveLocked() error {
	items := t.items
	if items == nil {
		items = []T{}
	}
	return Save(t.path, t.doc(items))
}

type nodesDocument struct {
	InstalledNodes []model.InstalledNode `json:"installed_nodes"`
}

// NodesDB is the installed-nodes database (nodes.json).
type NodesDB struct {
	t table[model.InstalledNode]
}

// OpenNodes loads nodes.json. A missing file yields an empty database.
func OpenNodes(path string) (*NodesDB, error) {
	var doc nodesDocument
	if _, err := Load(path, &doc); err != nil {
		return nil, err
	}
	return &NodesDB{t: table[model.InstalledNode]{
		path:  path,
		items: dedupe(doc.InstalledNodes, func(n model.InstalledNode) string { return n.UUID }),
		key:   func(n model.InstalledNode) string { return n.UUID },
		doc:   func(items []model.InstalledNode) any { return nodesDocument{InstalledNodes: items} },
	}}, nil
}

func (db *NodesDB) Path() string { return db.t.path }

func (db *NodesDB) List() []model.InstalledNode { return db.t.list() }

func (db *NodesDB) Get(uuid string) (model.InstalledNode, bool) { return db.t.get(uuid) }

// SetEnabled flips the enabled flag. A persistence error still leaves the
// in-memory entry updated.
func (db *NodesDB) SetEnabled(uuid string, enabled int) (bool, error) {
	_, found, err := db.t.update(uuid, func(n *model.InstalledNode) { n.Enabled = enabled })
	return found, err
}

// Upsert inserts or replaces the entry with the same uuid.
func (db *NodesDB) Upsert(node model.InstalledNode) error { return db.t.upsert(node) }

func (db *NodesDB) Remove(uuid string) (model.InstalledNode, bool, error) { return db.t.remove(uuid) }

type servicesDocument struct {
	OnBootServices []model.ServiceEntry `json:"on_boot_services"`
}

// ServicesDB is the on-boot services database (services.json).
type ServicesDB struct {
	t table[model.ServiceEntry]
}

// OpenServices loads services.json. A missing file yields an empty database.
func OpenServices(path string) (*ServicesDB, error) {
	var doc servicesDocument
	if _, err := Load(path, &doc); err != nil {
		return nil, err
	}
	return &ServicesDB{t: table[model.ServiceEntry]{
		path:  path,
		items: dedupe(doc.OnBootServices, func(s model.ServiceEntry) string { return s.UUID }),
		key:   func(s model.ServiceEntry) string { return s.UUID },
		doc:   func(items []model.ServiceEntry) any { return servicesDocument{OnBootServices: items} },
	}}, nil
}

func (db *ServicesDB) Path() string { return db.t.path }

func (db *ServicesDB) List() []model.ServiceEntry { return db.t.list() }

func (db *ServicesDB) Get(uuid string) (model.ServiceEntry, bool) { return db.t.get(uuid) }

// SetEnabled flips the enabled flag and returns the updated entry.
func (db *ServicesDB) SetEnabled(uuid string, enabled int) (model.ServiceEntry, bool, error) {
	return db.t.update(uuid, func(s *model.ServiceEntry) { s.Enabled = enabled })
}

// dedupe keeps the last occurrence of each key at the position of the first.
func dedupe[T any](items []T, key func(T) string) []T {
	out := make([]T, 0, len(items))
	index := make(map[string]int, len(items))
	for _, it := range items {
		k := key(it)
		if i, ok := index[k]; ok {
			out[i] = it
			continue
		}
		index[k] = len(out)
		out = append(out, it)
	}
	return out
}
