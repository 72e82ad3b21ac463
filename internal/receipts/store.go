package receipts

import (
	"context"
	"sync"
	"time"
)

// Outcome is the terminal result of a transaction sequence.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
)

// Record captures one finished mint or redeem sequence for operability:
// what was asked, which transactions went out, and how it ended.
type Record struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	Amount     string    `json:"amount"`
	TxHashes   []string  `json:"txHashes"`
	Outcome    Outcome   `json:"outcome"`
	Reason     string    `json:"reason,omitempty"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
}

// Store abstracts receipt persistence.
type Store interface {
	Append(ctx context.Context, record Record) error
	Recent(ctx context.Context, limit int) ([]Record, error)
}

// MemoryStore keeps receipts in process. Default when no database is
// configured, and used throughout tests.
type MemoryStore struct {
	mu      sync.RWMutex
	records []Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Append(_ context.Context, record Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, record)
	return nil
}

// Recent returns up to limit records, newest first.
func (m *MemoryStore) Recent(_ context.Context, limit int) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := len(m.records)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Record, 0, n)
	for i := len(m.records) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, m.records[i])
	}
	return out, nil
}
