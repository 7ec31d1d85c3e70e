// Package statestore implements durable, atomic persistence for the daemon's JSON
// documents: the project registry, the queue snapshot, the rate-limit ledger and
// the worker post-mortem dump. Every write goes through a temp-file-plus-rename so
// a crash mid-write never leaves a torn document behind.
package statestore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	ferrors "github.com/poppobuilder/poppod/internal/foundation/errors"
)

// Kind identifies one of the store's fixed documents.
type Kind string

const (
	KindRegistry      Kind = "registry"
	KindQueueSnapshot Kind = "queue-snapshot"
	KindRateLimit     Kind = "rate-limit"
	KindWorkers       Kind = "workers"
)

var filenames = map[Kind]string{
	KindRegistry:      "registry.json",
	KindQueueSnapshot: "queue-snapshot.json",
	KindRateLimit:     "rate-limit.json",
	KindWorkers:       "workers.json",
}

// Subscriber is invoked, in-process, after a successful Save for a given kind.
type Subscriber func(kind Kind, blob []byte)

// Store serializes writes per document kind and notifies subscribers after each
// successful save, so in-process components (registry, queue, rate-limit) can react
// without polling the filesystem.
type Store struct {
	root string

	mu          sync.Mutex
	locks       map[Kind]*sync.Mutex
	subscribers map[Kind][]Subscriber
}

// New creates a Store rooted at dir. The directory is created if missing.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, ferrors.WrapError(err, ferrors.CategoryFileSystem, "create state root").Build()
	}
	s := &Store{
		root:        dir,
		locks:       make(map[Kind]*sync.Mutex),
		subscribers: make(map[Kind][]Subscriber),
	}
	for k := range filenames {
		s.locks[k] = &sync.Mutex{}
	}
	return s, nil
}

func (s *Store) path(kind Kind) string {
	return filepath.Join(s.root, filenames[kind])
}

func (s *Store) lockFor(kind Kind) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[kind]
	if !ok {
		l = &sync.Mutex{}
		s.locks[kind] = l
	}
	return l
}

// Load reads the raw JSON blob for kind. A missing file returns (nil, nil): callers
// treat that as "nothing persisted yet" rather than an error.
func (s *Store) Load(kind Kind) ([]byte, error) {
	l := s.lockFor(kind)
	l.Lock()
	defer l.Unlock()

	data, err := os.ReadFile(s.path(kind))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, ferrors.WrapError(err, ferrors.CategoryFileSystem, "load state document").
			WithContext("kind", string(kind)).Build()
	}
	return data, nil
}

// LoadInto unmarshals the kind's document into v, leaving v untouched if nothing is
// persisted yet.
func (s *Store) LoadInto(kind Kind, v any) error {
	data, err := s.Load(kind)
	if err != nil {
		return err
	}
	if data == nil {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return ferrors.WrapError(err, ferrors.CategoryConfig, "unmarshal state document").
			WithContext("kind", string(kind)).Build()
	}
	return nil
}

// Save atomically writes blob to kind's document and notifies subscribers.
// A caller that has called Save at least once is guaranteed that a process crashing
// immediately afterward still observes the saved blob on the next Load.
func (s *Store) Save(kind Kind, blob []byte) error {
	l := s.lockFor(kind)
	l.Lock()
	defer l.Unlock()

	final := s.path(kind)
	tmp := final + ".tmp"

	if err := os.WriteFile(tmp, blob, 0o644); err != nil {
		return ferrors.WrapError(err, ferrors.CategoryFileSystem, "write state temp file").
			WithContext("kind", string(kind)).Build()
	}
	f, err := os.Open(tmp)
	if err == nil {
		_ = f.Sync()
		_ = f.Close()
	}
	if err := os.Rename(tmp, final); err != nil {
		return ferrors.WrapError(err, ferrors.CategoryFileSystem, "rename state temp file").
			WithContext("kind", string(kind)).Build()
	}

	s.mu.Lock()
	subs := append([]Subscriber(nil), s.subscribers[kind]...)
	s.mu.Unlock()
	for _, sub := range subs {
		sub(kind, blob)
	}
	return nil
}

// SaveFrom marshals v and saves it for kind.
func (s *Store) SaveFrom(kind Kind, v any) error {
	blob, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return ferrors.WrapError(err, ferrors.CategoryConfig, "marshal state document").
			WithContext("kind", string(kind)).Build()
	}
	return s.Save(kind, blob)
}

// Subscribe registers cb to be invoked after every successful Save for kind.
func (s *Store) Subscribe(kind Kind, cb Subscriber) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers[kind] = append(s.subscribers[kind], cb)
	idx := len(s.subscribers[kind]) - 1

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		subs := s.subscribers[kind]
		if idx < len(subs) {
			s.subscribers[kind] = append(subs[:idx], subs[idx+1:]...)
		}
	}
}

// Root returns the root directory the store operates on.
func (s *Store) Root() string { return s.root }
