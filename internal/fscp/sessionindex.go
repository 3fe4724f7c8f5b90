package fscp

import "sync"

// SessionIndexAllocator hands out this node's session indices for a
// single peer. Session indices are monotonically increasing per local
// peer: a rekey MUST carry a session index strictly greater than the
// one currently installed, so the replay-protection anchor (the session
// index itself, not just the per-message sequence number) cannot regress.
//
// Overflow: when Next would wrap past the uint32 range, Next returns
// ErrSessionIndexExhausted instead of wrapping to 0. Wrapping would let a
// peer that recorded an old, low session index accept a replayed SESSION
// at that index again. The caller tears the session down and requires a
// fresh Hello (see sessionindex_test.go and DESIGN.md's resolution of the
// session-index-overflow open question).
type SessionIndexAllocator struct {
	mu      sync.Mutex
	current uint32
	started bool
}

// Current returns the last allocated session index, or 0 if none yet.
func (a *SessionIndexAllocator) Current() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

// Next allocates the next session index, strictly greater than the
// current one.
func (a *SessionIndexAllocator) Next() (uint32, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.started {
		a.started = true
		a.current = 1
		return a.current, nil
	}

	if a.current == ^uint32(0) {
		return 0, ErrSessionIndexExhausted
	}

	a.current++
	return a.current, nil
}

// Accept records a session index received from the peer's own allocator
// (the index it chose for its side of the session), so that a later
// rekey from that peer can be checked for strict monotonicity.
func (a *SessionIndexAllocator) Accept(idx uint32) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.started && idx <= a.current {
		return false
	}
	a.current = idx
	a.started = true
	return true
}
