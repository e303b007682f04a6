package bufferpool

import (
	"sync"

	"github.com/caleberi/hermes-dfs/utils"
	"github.com/rs/zerolog/log"
)

// Grant is the outcome of a reservation request.
type Grant int

const (
	// Granted means the bytes are reserved and the caller proceeds now.
	Granted Grant = iota
	// Queued means the reservation waits; a Granted upcall follows when
	// capacity frees up.
	Queued
	// OverQuota means the request exceeds the per-client cap and fails
	// immediately.
	OverQuota
)

// Client receives the deferred grant upcall. A client that was
// cancelled after queueing must tolerate a late upcall racing with the
// cancellation and drop it.
type Client interface {
	Granted(bytes int64)
}

type waiter struct {
	client Client
	bytes  int64
}

// Manager admits byte reservations against a global budget shared by
// every replication on the process. Waiters queue in a deque and are
// served strictly in FIFO order, so a large reservation cannot be
// starved by small ones; a cancelled waiter is unlinked in place.
type Manager struct {
	mu             sync.Mutex
	totalBytes     int64
	maxClientQuota int64
	used           int64
	waiters        utils.Deque[*waiter]
}

func NewManager(totalBytes, maxClientQuota int64) *Manager {
	if maxClientQuota <= 0 || maxClientQuota > totalBytes {
		maxClientQuota = totalBytes
	}
	return &Manager{totalBytes: totalBytes, maxClientQuota: maxClientQuota}
}

// MaxClientQuota is the per-client reservation cap, used by recovery to
// budget its per-stripe read size.
func (m *Manager) MaxClientQuota() int64 { return m.maxClientQuota }

// IsOverQuota reports whether a request of the given size can never be
// admitted for one client.
func (m *Manager) IsOverQuota(bytes int64) bool {
	return bytes > m.maxClientQuota
}

// RequestForIo reserves bytes for c. The reservation is held until
// Release returns the same byte count.
func (m *Manager) RequestForIo(c Client, bytes int64) Grant {
	m.mu.Lock()
	defer m.mu.Unlock()
	if bytes > m.maxClientQuota {
		return OverQuota
	}
	if m.waiters.IsEmpty() && m.used+bytes <= m.totalBytes {
		m.used += bytes
		return Granted
	}
	m.waiters.PushBack(&waiter{client: c, bytes: bytes})
	log.Debug().Msgf("bufferpool: queued %d bytes, %d in use", bytes, m.used)
	return Queued
}

// CancelRequest removes c's queued reservation and reports whether one
// was still queued. When it returns true no Granted upcall will be
// delivered for that request; a grant that Release already dispatched
// may still arrive.
func (m *Manager) CancelRequest(c Client) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.waiters.Remove(func(w *waiter) bool { return w.client == c })
}

// Release returns a reservation to the pool and dispatches grants to
// waiters that now fit. Upcalls run outside the lock.
func (m *Manager) Release(bytes int64) {
	m.mu.Lock()
	m.used -= bytes
	if m.used < 0 {
		m.used = 0
	}
	var ready []*waiter
	for {
		w, ok := m.waiters.PopFront()
		if !ok {
			break
		}
		if m.used+w.bytes > m.totalBytes {
			// Head of line still does not fit; keep FIFO order.
			m.waiters.PushFront(w)
			break
		}
		m.used += w.bytes
		ready = append(ready, w)
	}
	m.mu.Unlock()
	for _, w := range ready {
		w.client.Granted(w.bytes)
	}
}

// InUse reports the reserved byte count, for the admin surface.
func (m *Manager) InUse() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.used
}
