package model

import "context"

// Built-in object names. Both are constructed lazily on first Get and
// survive across messages of the same connection.
const (
	ObjectResolver  = "resolver"
	ObjectSPFServer = "spf_server"
)

// Factory builds a shared per-connection object on first use.
type Factory func(ctx context.Context) (any, error)

type storeEntry struct {
	object  any
	destroy bool
}

// ObjectStore holds lazily built, destroy-policy-tagged shared objects
// (DNS resolver, SPF engine, parsed DMARC state). The pipeline is
// single-goroutine per connection, so no locking is needed here.
type ObjectStore struct {
	entries   map[string]storeEntry
	factories map[string]factoryEntry
}

type factoryEntry struct {
	build   Factory
	destroy bool
}

func NewObjectStore() *ObjectStore {
	return &ObjectStore{
		entries:   make(map[string]storeEntry),
		factories: make(map[string]factoryEntry),
	}
}

// RegisterFactory installs a named factory. The destroy flag tags
// whether objects built by it are reaped between messages.
func (s *ObjectStore) RegisterFactory(name string, destroy bool, f Factory) {
	s.factories[name] = factoryEntry{build: f, destroy: destroy}
}

// Get returns the named object, building it through its registered
// factory on first use. An unregistered name yields (nil, nil).
func (s *ObjectStore) Get(ctx context.Context, name string) (any, error) {
	if e, ok := s.entries[name]; ok {
		return e.object, nil
	}
	f, ok := s.factories[name]
	if !ok {
		return nil, nil
	}
	obj, err := f.build(ctx)
	if err != nil {
		return nil, err
	}
	s.entries[name] = storeEntry{object: obj, destroy: f.destroy}
	return obj, nil
}

// Put stores a pre-built object under name.
func (s *ObjectStore) Put(name string, obj any, destroy bool) {
	s.entries[name] = storeEntry{object: obj, destroy: destroy}
}

// ReapDestroyable drops every destroyable entry. Runs between messages
// so per-message state (parsed DMARC records and the like) cannot leak
// into the next transaction.
func (s *ObjectStore) ReapDestroyable() {
	for name, e := range s.entries {
		if e.destroy {
			delete(s.entries, name)
		}
	}
}

// DestroyAll drops every entry. Runs on connection close.
func (s *ObjectStore) DestroyAll() {
	s.entries = make(map[string]storeEntry)
}
