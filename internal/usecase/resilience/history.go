package resilience

import (
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"relaycore/internal/domain"
)

// ErrorRecord captures one classified failure for diagnostics.
type ErrorRecord struct {
	ID        string           `json:"error_id"`
	Code      domain.ErrorCode `json:"code"`
	Severity  Severity         `json:"severity"`
	Time      time.Time        `json:"timestamp"`
	Operation string           `json:"operation"`
	Message   string           `json:"message"`
}

// history is a bounded ring buffer of error records with per-code and
// per-operation counters. All methods are safe for concurrent use.
type history struct {
	mu      sync.Mutex
	records []ErrorRecord
	next    int  // ring write position
	full    bool // true once the ring has wrapped
	total   uint64
	byCode  map[domain.ErrorCode]uint64
	byOp    map[string]uint64
	lastAt  time.Time
}

func newHistory(capacity int) *history {
	if capacity <= 0 {
		capacity = 1000
	}
	return &history{
		records: make([]ErrorRecord, capacity),
		byCode:  make(map[domain.ErrorCode]uint64),
		byOp:    make(map[string]uint64),
	}
}

// add records a failure and returns the stored record.
func (h *history) add(op string, err error, code domain.ErrorCode, now time.Time) ErrorRecord {
	rec := ErrorRecord{
		ID:        newErrorID(now),
		Code:      code,
		Severity:  SeverityOf(code),
		Time:      now,
		Operation: op,
		Message:   err.Error(),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.records[h.next] = rec
	h.next++
	if h.next == len(h.records) {
		h.next = 0
		h.full = true
	}
	h.total++
	h.byCode[code]++
	h.byOp[op]++
	h.lastAt = now
	return rec
}

// recent returns up to limit records, newest first.
func (h *history) recent(limit int) []ErrorRecord {
	h.mu.Lock()
	defer h.mu.Unlock()

	size := h.next
	if h.full {
		size = len(h.records)
	}
	if limit <= 0 || limit > size {
		limit = size
	}
	out := make([]ErrorRecord, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := h.next - i
		if idx < 0 {
			idx += len(h.records)
		}
		out = append(out, h.records[idx])
	}
	return out
}

// countSince returns how many retained errors of the given code occurred at
// or after cutoff, along with the earliest matching timestamp.
func (h *history) countSince(code domain.ErrorCode, cutoff time.Time) (int, time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()

	size := h.next
	if h.full {
		size = len(h.records)
	}
	count := 0
	var first time.Time
	for i := 0; i < size; i++ {
		rec := h.records[i]
		if rec.Code != code || rec.Time.Before(cutoff) {
			continue
		}
		count++
		if first.IsZero() || rec.Time.Before(first) {
			first = rec.Time
		}
	}
	return count, first
}

// ratePerMinute counts retained errors in the trailing minute.
func (h *history) ratePerMinute(now time.Time) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	cutoff := now.Add(-time.Minute)
	size := h.next
	if h.full {
		size = len(h.records)
	}
	count := 0
	for i := 0; i < size; i++ {
		if !h.records[i].Time.Before(cutoff) {
			count++
		}
	}
	return count
}

// snapshot copies the aggregate counters.
func (h *history) snapshot() (total uint64, byCode map[domain.ErrorCode]uint64, byOp map[string]uint64, lastAt time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()

	byCode = make(map[domain.ErrorCode]uint64, len(h.byCode))
	for k, v := range h.byCode {
		byCode[k] = v
	}
	byOp = make(map[string]uint64, len(h.byOp))
	for k, v := range h.byOp {
		byOp[k] = v
	}
	return h.total, byCode, byOp, h.lastAt
}

// clear drops all records and counters.
func (h *history) clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.next = 0
	h.full = false
	h.total = 0
	h.byCode = make(map[domain.ErrorCode]uint64)
	h.byOp = make(map[string]uint64)
	h.lastAt = time.Time{}
}

func newErrorID(t time.Time) string {
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}
