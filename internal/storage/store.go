package storage

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
)

// ErrKeyNotFound is returned when no outcome is stored under an id.
var ErrKeyNotFound = errors.New("key not found")

// Outcome is the final state of a calculation, kept until the caller
// consumes it.
type Outcome struct {
	Finished time.Time       `json:"finished"`
	ID       string          `json:"id"`
	Bin      string          `json:"bin"`
	State    string          `json:"state"`
	Reason   string          `json:"reason,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`
}

// Store keeps calculation outcomes.
// All implementations must be safe for concurrent use.
type Store interface {
	// Put stores an outcome under its ID, replacing any previous one.
	Put(ctx context.Context, o Outcome) error

	// Get returns the outcome for id, or ErrKeyNotFound.
	Get(ctx context.Context, id string) (Outcome, error)

	// Take returns the outcome for id and removes it in one step.
	// Two concurrent Takes never both succeed for the same id.
	Take(ctx context.Context, id string) (Outcome, error)

	// Delete removes an outcome. Deleting a missing id is not an error.
	Delete(ctx context.Context, id string) error

	// List returns the stored ids, sorted.
	List(ctx context.Context) ([]string, error)

	// Stats returns storage statistics.
	Stats(ctx context.Context) (StoreStats, error)
}

// StoreStats contains statistics about the store
type StoreStats struct {
	Keys  int `json:"keys"`  // Number of outcomes
	Bytes int `json:"bytes"` // Total size of encoded outcomes
}

// MemoryStore implements Store in process memory.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte // id -> encoded Outcome
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string][]byte),
	}
}

// Put encodes o so later changes to its Result never leak into the store.
func (m *MemoryStore) Put(_ context.Context, o Outcome) error {
	if o.ID == "" {
		return errors.New("outcome without id")
	}
	encoded, err := json.Marshal(o)
	if err != nil {
		return errors.Wrapf(err, "encode outcome %s", o.ID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[o.ID] = encoded
	return nil
}

// Get returns a decoded copy of the stored outcome.
func (m *MemoryStore) Get(_ context.Context, id string) (Outcome, error) {
	m.mu.RLock()
	encoded, exists := m.data[id]
	m.mu.RUnlock()

	if !exists {
		return Outcome{}, errors.Wrapf(ErrKeyNotFound, "outcome %s", id)
	}
	return decodeOutcome(encoded)
}

// Take removes and returns the outcome under a single lock.
func (m *MemoryStore) Take(_ context.Context, id string) (Outcome, error) {
	m.mu.Lock()
	encoded, exists := m.data[id]
	delete(m.data, id)
	m.mu.Unlock()

	if !exists {
		return Outcome{}, errors.Wrapf(ErrKeyNotFound, "outcome %s", id)
	}
	return decodeOutcome(encoded)
}

// Delete is idempotent.
func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.data, id)
	return nil
}

// List returns the stored ids in sorted order.
func (m *MemoryStore) List(_ context.Context) ([]string, error) {
	m.mu.RLock()
	keys := make([]string, 0, len(m.data))
	for key := range m.data {
		keys = append(keys, key)
	}
	m.mu.RUnlock()

	slices.Sort(keys)
	return keys, nil
}

// Stats returns storage statistics
func (m *MemoryStore) Stats(_ context.Context) (StoreStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	totalBytes := 0
	for _, value := range m.data {
		totalBytes += len(value)
	}

	return StoreStats{
		Keys:  len(m.data),
		Bytes: totalBytes,
	}, nil
}

func decodeOutcome(data []byte) (Outcome, error) {
	var o Outcome
	if err := json.Unmarshal(data, &o); err != nil {
		return Outcome{}, errors.Wrap(err, "decode outcome")
	}
	return o, nil
}
