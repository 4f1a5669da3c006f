package mls

import "sync"

// KeyStoreKind distinguishes the logical ownership domains a KeyStore
// entry can belong to (spec §5, "Shared-resource policy").
type KeyStoreKind int

const (
	KeyStoreInitPrivate KeyStoreKind = iota
	KeyStoreEncryptionPrivate
	KeyStoreSignaturePrivate
	KeyStoreKeyPackage
	// KeyStorePathPrivate holds a retained interior ratchet-tree node's HPKE
	// private key, keyed by that node's public key, so a later commit whose
	// copath resolves to an already-merged parent can still be decrypted
	// (spec §4.1, §9).
	KeyStorePathPrivate
)

// KeyStore is the capability interface spec.md §2 describes: a persistent
// map keyed by opaque identifiers to typed blobs. Implementations must be
// safe for concurrent use across groups (spec §5).
type KeyStore interface {
	Put(kind KeyStoreKind, key []byte, value []byte) error
	Get(kind KeyStoreKind, key []byte) ([]byte, bool, error)
	Delete(kind KeyStoreKind, key []byte) error
}

// MemoryKeyStore is an in-memory KeyStore suitable for tests and for
// embedders that layer their own persistence underneath via a wrapping
// implementation. The teacher repo has no external KV-store dependency for
// this concern (it is an abstract capability the caller supplies); see
// DESIGN.md.
type MemoryKeyStore struct {
	mu   sync.Mutex
	data map[KeyStoreKind]map[string][]byte
}

func NewMemoryKeyStore() *MemoryKeyStore {
	return &MemoryKeyStore{data: make(map[KeyStoreKind]map[string][]byte)}
}

func (s *MemoryKeyStore) Put(kind KeyStoreKind, key []byte, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket, ok := s.data[kind]
	if !ok {
		bucket = make(map[string][]byte)
		s.data[kind] = bucket
	}
	bucket[string(key)] = dup(value)
	return nil
}

func (s *MemoryKeyStore) Get(kind KeyStoreKind, key []byte) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket, ok := s.data[kind]
	if !ok {
		return nil, false, nil
	}
	v, ok := bucket[string(key)]
	if !ok {
		return nil, false, nil
	}
	return dup(v), true, nil
}

func (s *MemoryKeyStore) Delete(kind KeyStoreKind, key []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if bucket, ok := s.data[kind]; ok {
		if old, ok := bucket[string(key)]; ok {
			zeroize(old)
		}
		delete(bucket, string(key))
	}
	return nil
}
