// Package store persists per-tenant session credential material in a
// BadgerDB key-value store. Keys are namespaced per tenant so there is no
// cross-tenant contention; artifact names embed a chat key and a
// monotonically increasing sequence so lexicographic order matches age.
package store

import (
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"
)

const keyPrefix = "ses:"

// namespace marker key, written by EnsureNamespace so a tenant's namespace
// exists even before the first credential lands.
const markerName = "!ns"

// StoreError wraps a failed store operation with its context.
type StoreError struct {
	Op        string
	Namespace string
	Name      string
	Err       error
}

func (e *StoreError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("store %s %s/%s: %v", e.Op, e.Namespace, e.Name, e.Err)
	}
	return fmt.Sprintf("store %s %s: %v", e.Op, e.Namespace, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// SessionStore is the durable artifact store backing every tenant session.
// All operations are safe for concurrent use; Badger gives per-call
// atomicity, which is all the pruning design requires.
type SessionStore struct {
	db *badger.DB
}

// Open opens (or creates) the store at dir.
func Open(dir string) (*SessionStore, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open session store %s: %w", dir, err)
	}
	return &SessionStore{db: db}, nil
}

// NewWithDB wraps an existing Badger handle. Used by tests and by callers
// that share one database across components.
func NewWithDB(db *badger.DB) *SessionStore {
	return &SessionStore{db: db}
}

// Close releases the underlying database.
func (s *SessionStore) Close() error { return s.db.Close() }

func artifactKey(namespace, name string) []byte {
	return []byte(keyPrefix + namespace + ":" + name)
}

func namespacePrefix(namespace string) []byte {
	return []byte(keyPrefix + namespace + ":")
}

// ArtifactName builds the canonical artifact name for a credential blob.
// The sequence is zero-padded so lexicographic descending order is exactly
// newest-first.
func ArtifactName(chatKey string, seq uint64) string {
	return fmt.Sprintf("session-%s.%010d", chatKey, seq)
}

// ChatKeyOf extracts the chat key embedded in an artifact name, or ""
// when the name does not follow the session-<chatKey>.<seq> convention.
func ChatKeyOf(name string) string {
	rest, ok := strings.CutPrefix(name, "session-")
	if !ok {
		return ""
	}
	dot := strings.LastIndexByte(rest, '.')
	if dot <= 0 {
		return ""
	}
	return rest[:dot]
}

// EnsureNamespace makes the tenant's namespace exist. Failing here is
// surfaced but must never abort the startup of other tenants.
func (s *SessionStore) EnsureNamespace(namespace string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(artifactKey(namespace, markerName), nil)
	})
	if err != nil {
		return &StoreError{Op: "ensure", Namespace: namespace, Err: err}
	}
	return nil
}

// List returns the artifact names under a tenant namespace. The namespace
// marker is not an artifact and is filtered out.
func (s *SessionStore) List(namespace string) ([]string, error) {
	var names []string
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := namespacePrefix(namespace)
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			name := string(it.Item().Key()[len(prefix):])
			if name == markerName {
				continue
			}
			names = append(names, name)
		}
		return nil
	})
	if err != nil {
		return nil, &StoreError{Op: "list", Namespace: namespace, Err: err}
	}
	return names, nil
}

// ReadAll returns every artifact under a tenant namespace, keyed by name.
func (s *SessionStore) ReadAll(namespace string) (map[string][]byte, error) {
	out := make(map[string][]byte)
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := namespacePrefix(namespace)
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			name := string(item.Key()[len(prefix):])
			if name == markerName {
				continue
			}
			blob, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			out[name] = blob
		}
		return nil
	})
	if err != nil {
		return nil, &StoreError{Op: "read", Namespace: namespace, Err: err}
	}
	return out, nil
}

// Write stores one artifact blob under a tenant namespace.
func (s *SessionStore) Write(namespace, name string, blob []byte) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(artifactKey(namespace, name), blob)
	})
	if err != nil {
		return &StoreError{Op: "write", Namespace: namespace, Name: name, Err: err}
	}
	return nil
}

// Delete removes one artifact. Deleting a missing artifact is not an error.
func (s *SessionStore) Delete(namespace, name string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(artifactKey(namespace, name))
	})
	if err != nil {
		return &StoreError{Op: "delete", Namespace: namespace, Name: name, Err: err}
	}
	return nil
}
