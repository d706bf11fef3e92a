// Package destset holds the immutable, atomically swappable snapshot of
// current egress destinations shared between the refresher (single writer)
// and the forward workers (many readers).
package destset

import (
	"net/netip"
	"sync/atomic"
)

// Snapshot is an immutable ordered sequence of resolved destinations.
// Callers must never mutate a loaded Snapshot's slice; Set only ever
// installs freshly-built slices.
type Snapshot []netip.AddrPort

// Set is the wait-free, single-writer/many-reader destination cell.
type Set struct {
	ptr atomic.Pointer[Snapshot]
}

// New returns a Set initialized with the given snapshot (may be empty).
func New(initial Snapshot) *Set {
	s := &Set{}
	snap := append(Snapshot(nil), initial...)
	s.ptr.Store(&snap)
	return s
}

// Load returns the current snapshot. The returned slice is stable for the
// duration of the caller's use — a concurrent Store never tears or
// invalidates it.
func (s *Set) Load() Snapshot {
	p := s.ptr.Load()
	if p == nil {
		return nil
	}
	return *p
}

// Store atomically installs a new snapshot. The previous snapshot remains
// valid for any reader that already called Load.
func (s *Set) Store(next Snapshot) {
	snap := append(Snapshot(nil), next...)
	s.ptr.Store(&snap)
}
