// Package sidmgr allocates and recycles the 16-bit stream identifiers a
// Stream stamps onto outgoing requests. See spec.md §4.E.
//
// Grounded on backend/ftp/ftp.go's connection pool (pool []*ftp.ServerConn
// guarded by poolMu): a free list of reusable handles, refilled from a
// monotonic source when empty. The timed-out set additionally uses
// github.com/patrickmn/go-cache so a SID that timed out is evicted on its
// own schedule rather than requiring a manual sweep (see DESIGN.md).
package sidmgr

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// DefaultMaxSIDs is the hard ceiling on allocated SIDs: they never wrap,
// and allocation fails once the ceiling would be exceeded (spec.md §4.E,
// §9 "SID numbering wraparound"). It is a variable
// rather than a constant so tests can exercise the ceiling without
// allocating 65534 real SIDs.
var DefaultMaxSIDs uint32 = 0xFFFF

// timedOutTTL bounds how long a timed-out SID is remembered before the
// cache evicts it on its own; ReleaseAllTimedOut still works before that,
// this is only a backstop against unbounded growth if a caller never
// calls it.
const timedOutTTL = 10 * time.Minute

// Manager allocates, releases, and times out SIDs for a single Stream.
// One Manager exists per Stream (spec.md §3 "Lifetimes": "A Stream owns
// its SID Manager").
type Manager struct {
	mu sync.Mutex

	ceiling  uint32 // next never-yet-issued SID, seeded at 1
	maxSIDs  uint32
	free     []uint16
	timedOut *gocache.Cache

	// allocated tracks exactly which SIDs are currently Allocated, to
	// enforce invariant (i) in spec.md §3: at most one Allocated owner
	// per SID, and invariant (ii): a response can't be routed through a
	// released SID.
	allocated map[uint16]struct{}
}

// New creates a Manager with the default SID ceiling.
func New() *Manager {
	return &Manager{
		ceiling:   1,
		maxSIDs:   DefaultMaxSIDs,
		timedOut:  gocache.New(timedOutTTL, timedOutTTL/2),
		allocated: make(map[uint16]struct{}),
	}
}

// NewWithCeiling creates a Manager with a custom soft ceiling, for tests
// exercising the no-free-sids boundary without allocating 65534 SIDs
// (spec.md §9 "allow a configurable soft ceiling for testing").
func NewWithCeiling(maxSIDs uint32) *Manager {
	m := New()
	m.maxSIDs = maxSIDs
	return m
}

// AllocateSID hands out a SID, preferring the free list, then advancing
// the ceiling. It fails with ErrNoFreeSIDs once the ceiling is exhausted.
func (m *Manager) AllocateSID() ([2]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var sid uint16
	if n := len(m.free); n > 0 {
		sid = m.free[n-1]
		m.free = m.free[:n-1]
	} else {
		if m.ceiling >= m.maxSIDs {
			return [2]byte{}, ErrNoFreeSIDs
		}
		sid = uint16(m.ceiling)
		m.ceiling++
	}
	m.allocated[sid] = struct{}{}

	var out [2]byte
	binary.BigEndian.PutUint16(out[:], sid)
	return out, nil
}

// ReleaseSID returns a SID to the free list (Allocated -> Free). It is a
// no-op for a SID that isn't currently Allocated (e.g. one already moved
// to TimedOut), preserving the invariant that a SID belongs to at most
// one of {Free, Allocated, TimedOut} at a time.
func (m *Manager) ReleaseSID(sid uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.allocated[sid]; !ok {
		return
	}
	delete(m.allocated, sid)
	m.free = append(m.free, sid)
}

// TimeOutSID moves a SID from Allocated to TimedOut: the request was
// abandoned, but a late reply bearing this SID may still arrive and must
// be discarded rather than routed (spec.md §3 invariant ii).
func (m *Manager) TimeOutSID(sid uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.allocated, sid)
	m.timedOut.SetDefault(sidKey(sid), struct{}{})
}

// IsTimedOut reports whether sid is currently in the TimedOut state.
func (m *Manager) IsTimedOut(sid uint16) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, found := m.timedOut.Get(sidKey(sid))
	return found
}

// ReleaseTimedOut moves a single SID from TimedOut back to Free.
func (m *Manager) ReleaseTimedOut(sid uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, found := m.timedOut.Get(sidKey(sid)); !found {
		return
	}
	m.timedOut.Delete(sidKey(sid))
	m.free = append(m.free, sid)
}

// ReleaseAllTimedOut moves every currently TimedOut SID back to Free, for
// use on the response path once it's safe to assume no more late replies
// will arrive for any of them.
func (m *Manager) ReleaseAllTimedOut() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.timedOut.Items() {
		sid, err := parseSIDKey(key)
		if err != nil {
			continue
		}
		m.free = append(m.free, sid)
	}
	m.timedOut.Flush()
}

// NumberOfAllocatedSIDs returns the count of SIDs currently Allocated.
func (m *Manager) NumberOfAllocatedSIDs() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.allocated)
}

func sidKey(sid uint16) string {
	return fmt.Sprintf("%d", sid)
}

func parseSIDKey(key string) (uint16, error) {
	var sid uint16
	_, err := fmt.Sscanf(key, "%d", &sid)
	return sid, err
}

// ErrNoFreeSIDs is returned by AllocateSID once the manager's ceiling is
// exhausted and no freed SID is available (spec.md §3 invariant iii).
var ErrNoFreeSIDs = fmt.Errorf("sidmgr: no free stream identifiers available")
