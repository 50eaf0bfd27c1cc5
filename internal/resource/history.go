package resource

import (
	"sync"
	"time"
)

// DefaultHistorySize caps the borrow-history ring.
const DefaultHistorySize = 1000

// BorrowRecord is one allocation-history entry.
type BorrowRecord struct {
	Timestamp    time.Time `json:"timestamp"`
	ProjectID    string    `json:"projectId"`
	ResourceType string    `json:"resourceType"` // "cpu" or "memory"
	Amount       float64   `json:"amount"`
	Reason       string    `json:"reason"`
}

// BorrowHistory is a fixed-capacity ring of BorrowRecords. The oldest
// entry is evicted when the ring is full.
type BorrowHistory struct {
	mu      sync.Mutex
	entries []BorrowRecord
	next    int
	full    bool
}

// NewBorrowHistory creates a ring with the given capacity.
// Non-positive sizes use DefaultHistorySize.
func NewBorrowHistory(size int) *BorrowHistory {
	if size <= 0 {
		size = DefaultHistorySize
	}
	return &BorrowHistory{entries: make([]BorrowRecord, size)}
}

// Append records an entry, evicting the oldest when full.
func (h *BorrowHistory) Append(rec BorrowRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.entries[h.next] = rec
	h.next++
	if h.next == len(h.entries) {
		h.next = 0
		h.full = true
	}
}

// Entries returns the recorded entries oldest-first.
func (h *BorrowHistory) Entries() []BorrowRecord {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.full {
		out := make([]BorrowRecord, h.next)
		copy(out, h.entries[:h.next])
		return out
	}
	out := make([]BorrowRecord, 0, len(h.entries))
	out = append(out, h.entries[h.next:]...)
	out = append(out, h.entries[:h.next]...)
	return out
}

// Len returns the number of recorded entries.
func (h *BorrowHistory) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.full {
		return len(h.entries)
	}
	return h.next
}
