package quota

import (
	"context"
	"sync"
	"time"
)

// WindowCounter tracks fixed-window burst counts per key. CheckAndReserve
// must evaluate expiry, compare and increment as one atomic step per key.
type WindowCounter interface {
	CheckAndReserve(ctx context.Context, key string, limit int64, window time.Duration, now time.Time) (*Reservation, error)
	// Release returns one slot taken by an allowed reservation. A slot is
	// never returned to a window newer than the one it was taken from.
	Release(ctx context.Context, r *Reservation) error
	Peek(ctx context.Context, key string, window time.Duration, now time.Time) (*RateWindow, error)
	Reset(ctx context.Context, key string) error
}

func validateWindowArgs(key string, limit int64, window time.Duration) error {
	if key == "" {
		return invalidInput("window key is required")
	}
	if limit <= 0 {
		return invalidInput("window limit must be positive, got %d", limit)
	}
	if window <= 0 {
		return invalidInput("window duration must be positive, got %s", window)
	}
	return nil
}

// expired reports whether a window that began at start is over at now.
func expired(start time.Time, window time.Duration, now time.Time) bool {
	return start.IsZero() || now.Sub(start) >= window
}

type memoryWindow struct {
	mu     sync.Mutex
	count  int64
	start  time.Time
	window time.Duration
	limit  int64
	// dead is set once the entry has been swept from the map; holders of a
	// stale pointer must look the key up again.
	dead bool
}

// MemoryWindowCounter keeps windows in process. Each key has its own lock,
// so different principals never contend.
type MemoryWindowCounter struct {
	windows sync.Map // key -> *memoryWindow
}

// NewMemoryWindowCounter returns an empty in-process counter.
func NewMemoryWindowCounter() *MemoryWindowCounter {
	return &MemoryWindowCounter{}
}

// lock returns the live entry for key with its mutex held.
func (m *MemoryWindowCounter) lock(key string) *memoryWindow {
	for {
		v, _ := m.windows.LoadOrStore(key, &memoryWindow{})
		w := v.(*memoryWindow)
		w.mu.Lock()
		if !w.dead {
			return w
		}
		w.mu.Unlock()
	}
}

// CheckAndReserve implements WindowCounter.
func (m *MemoryWindowCounter) CheckAndReserve(ctx context.Context, key string, limit int64, window time.Duration, now time.Time) (*Reservation, error) {
	if err := validateWindowArgs(key, limit, window); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, unavailable("window check cancelled", err)
	}

	w := m.lock(key)
	defer w.mu.Unlock()

	if expired(w.start, window, now) {
		w.count = 0
		w.start = now
	}
	w.window = window
	w.limit = limit

	res := &Reservation{
		Key:         key,
		Limit:       limit,
		WindowStart: w.start,
		ResetAt:     w.start.Add(window),
	}
	if w.count < limit {
		w.count++
		res.Allowed = true
		res.Remaining = limit - w.count
	}
	res.Count = w.count
	return res, nil
}

// Release implements WindowCounter.
func (m *MemoryWindowCounter) Release(ctx context.Context, r *Reservation) error {
	if r == nil || !r.Allowed {
		return nil
	}
	v, ok := m.windows.Load(r.Key)
	if !ok {
		return nil
	}
	w := v.(*memoryWindow)
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.dead && w.start.Equal(r.WindowStart) && w.count > 0 {
		w.count--
	}
	return nil
}

// Peek implements WindowCounter.
func (m *MemoryWindowCounter) Peek(ctx context.Context, key string, window time.Duration, now time.Time) (*RateWindow, error) {
	rw := &RateWindow{Key: key, WindowStart: now, Window: window}

	v, ok := m.windows.Load(key)
	if !ok {
		return rw, nil
	}
	w := v.(*memoryWindow)
	w.mu.Lock()
	defer w.mu.Unlock()

	rw.Limit = w.limit
	if w.dead || expired(w.start, window, now) {
		return rw, nil
	}
	rw.Count = w.count
	rw.WindowStart = w.start
	return rw, nil
}

// Reset implements WindowCounter.
func (m *MemoryWindowCounter) Reset(ctx context.Context, key string) error {
	v, ok := m.windows.Load(key)
	if !ok {
		return nil
	}
	w := v.(*memoryWindow)
	w.mu.Lock()
	w.dead = true
	m.windows.CompareAndDelete(key, w)
	w.mu.Unlock()
	return nil
}

// Sweep evicts windows that expired before now and returns how many were
// removed.
func (m *MemoryWindowCounter) Sweep(now time.Time) int {
	removed := 0
	m.windows.Range(func(k, v interface{}) bool {
		w := v.(*memoryWindow)
		w.mu.Lock()
		if !w.dead && expired(w.start, w.window, now) {
			w.dead = true
			m.windows.CompareAndDelete(k, w)
			removed++
		}
		w.mu.Unlock()
		return true
	})
	return removed
}
