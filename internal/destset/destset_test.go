package destset

import (
	"net/netip"
	"sync"
	"testing"
)

func addr(s string) netip.AddrPort {
	return netip.MustParseAddrPort(s)
}

func TestLoadStoreRoundTrip(t *testing.T) {
	s := New(Snapshot{addr("127.0.0.1:30000")})
	got := s.Load()
	if len(got) != 1 || got[0] != addr("127.0.0.1:30000") {
		t.Fatalf("unexpected snapshot: %v", got)
	}

	s.Store(Snapshot{addr("127.0.0.1:30000"), addr("127.0.0.1:30001")})
	got = s.Load()
	if len(got) != 2 {
		t.Fatalf("expected 2 destinations, got %d", len(got))
	}
}

func TestLoadIsStableAcrossConcurrentStore(t *testing.T) {
	s := New(Snapshot{addr("127.0.0.1:1")})

	snap := s.Load()
	if len(snap) != 1 {
		t.Fatalf("unexpected initial snapshot")
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.Store(Snapshot{addr("127.0.0.1:1"), addr("127.0.0.1:2"), addr("127.0.0.1:3")})
	}()
	wg.Wait()

	// The snapshot we already loaded must be untouched by the store.
	if len(snap) != 1 || snap[0] != addr("127.0.0.1:1") {
		t.Fatalf("held snapshot was mutated: %v", snap)
	}

	newSnap := s.Load()
	if len(newSnap) != 3 {
		t.Fatalf("expected new snapshot to have 3 entries, got %d", len(newSnap))
	}
}

func TestNewCopiesInitialSlice(t *testing.T) {
	initial := Snapshot{addr("127.0.0.1:1")}
	s := New(initial)
	initial[0] = addr("127.0.0.1:2")
	if s.Load()[0] != addr("127.0.0.1:1") {
		t.Fatal("Set must copy the initial slice, not alias it")
	}
}
