package companion

import (
	"sync"

	"github.com/vango-go/vai-companion/pkg/core/call"
)

// DefaultHistorySize bounds the in-memory call history.
const DefaultHistorySize = 50

// History keeps the most recent call records in memory.
type History struct {
	mu      sync.Mutex
	max     int
	records []call.CallRecord
}

func NewHistory(max int) *History {
	if max <= 0 {
		max = DefaultHistorySize
	}
	return &History{max: max}
}

// Add records r, evicting the oldest record when full.
func (h *History) Add(r call.CallRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, r)
	if over := len(h.records) - h.max; over > 0 {
		h.records = append([]call.CallRecord(nil), h.records[over:]...)
	}
}

// Records returns the history, newest first.
func (h *History) Records() []call.CallRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]call.CallRecord, len(h.records))
	for i, r := range h.records {
		out[len(h.records)-1-i] = r
	}
	return out
}

func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.records)
}
