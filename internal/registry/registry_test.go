package registry

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/phonectl/relay/internal/protocol"
)

// fakeConn is an in-memory Conn for registry tests.
type fakeConn struct {
	id string

	mu     sync.Mutex
	ready  bool
	closed bool
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id, ready: true}
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

func (c *fakeConn) Send(data []byte) error { return nil }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.ready = false
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// eventRecorder captures emitted pair events.
type eventRecorder struct {
	mu     sync.Mutex
	events []PairEvent
}

func (r *eventRecorder) Send(ev PairEvent) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return true
}

func (r *eventRecorder) kinds() []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]EventKind, len(r.events))
	for i, ev := range r.events {
		kinds[i] = ev.Kind
	}
	return kinds
}

func newTestRegistry() Registry {
	return NewRegistry(DefaultConfig(), nil, nil)
}

func TestRegister_Validation(t *testing.T) {
	reg := newTestRegistry()
	conn := newFakeConn("c1")

	if _, err := reg.Register("", protocol.RolePC, conn); err != ErrMissingPairID {
		t.Errorf("Register with empty pairId: err = %v, want ErrMissingPairID", err)
	}
	if _, err := reg.Register("abc", protocol.Role("tablet"), conn); err != ErrInvalidRole {
		t.Errorf("Register with bad role: err = %v, want ErrInvalidRole", err)
	}
}

func TestRegister_FirstOfPair(t *testing.T) {
	reg := newTestRegistry()

	result, err := reg.Register("abc", protocol.RolePhone, newFakeConn("c1"))
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if result.Paired {
		t.Error("Paired = true, want false for first registration")
	}
	if result.PartnerPresent {
		t.Error("PartnerPresent = true, want false")
	}
	if result.Evicted {
		t.Error("Evicted = true, want false")
	}

	if _, ok := reg.LookupPartner("abc", protocol.RolePC); !ok {
		t.Error("LookupPartner(abc, pc) should find the phone connection")
	}
	if _, ok := reg.LookupPartner("abc", protocol.RolePhone); ok {
		t.Error("LookupPartner(abc, phone) should be empty, pc slot unoccupied")
	}
}

func TestRegister_SecondOfPair(t *testing.T) {
	reg := newTestRegistry()
	phone := newFakeConn("phone-1")
	pc := newFakeConn("pc-1")

	reg.Register("abc", protocol.RolePhone, phone)
	result, err := reg.Register("abc", protocol.RolePC, pc)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	if !result.Paired {
		t.Error("Paired = false, want true")
	}
	if !result.PartnerPresent {
		t.Error("PartnerPresent = false, want true")
	}

	partner, ok := reg.LookupPartner("abc", protocol.RolePC)
	if !ok {
		t.Fatal("LookupPartner(abc, pc) not found")
	}
	if partner.ID() != "phone-1" {
		t.Errorf("partner.ID() = %q, want phone-1", partner.ID())
	}
}

func TestRegister_EvictsPriorOccupant(t *testing.T) {
	reg := newTestRegistry()
	first := newFakeConn("pc-old")
	second := newFakeConn("pc-new")

	reg.Register("abc", protocol.RolePC, first)
	result, err := reg.Register("abc", protocol.RolePC, second)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	if !result.Evicted {
		t.Error("Evicted = false, want true")
	}
	if !first.isClosed() {
		t.Error("prior occupant was not closed")
	}

	partner, ok := reg.LookupPartner("abc", protocol.RolePhone)
	if !ok {
		t.Fatal("LookupPartner(abc, phone) not found")
	}
	if partner.ID() != "pc-new" {
		t.Errorf("slot holds %q, want pc-new", partner.ID())
	}
}

func TestRegister_SameConnIdempotent(t *testing.T) {
	reg := newTestRegistry()
	conn := newFakeConn("pc-1")

	reg.Register("abc", protocol.RolePC, conn)
	result, err := reg.Register("abc", protocol.RolePC, conn)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	if result.Evicted {
		t.Error("re-registering the same connection must not evict it")
	}
	if conn.isClosed() {
		t.Error("re-registering the same connection must not close it")
	}
}

func TestLookupPartner_UnknownPair(t *testing.T) {
	reg := newTestRegistry()

	if _, ok := reg.LookupPartner("nope", protocol.RolePC); ok {
		t.Error("LookupPartner on unknown pairId should return false")
	}
}

func TestDeregister_RemovesEntryWhenEmpty(t *testing.T) {
	reg := newTestRegistry()
	phone := newFakeConn("phone-1")
	pc := newFakeConn("pc-1")

	reg.Register("abc", protocol.RolePhone, phone)
	reg.Register("abc", protocol.RolePC, pc)

	partner, removed := reg.Deregister("abc", protocol.RolePC, pc)
	if !removed {
		t.Fatal("Deregister did not remove the pc slot")
	}
	if partner == nil || partner.ID() != "phone-1" {
		t.Errorf("partner = %v, want phone-1", partner)
	}

	// Entry survives with one occupied slot.
	if reg.Stats().Pairs != 1 {
		t.Errorf("Pairs = %d, want 1 after one side left", reg.Stats().Pairs)
	}

	partner, removed = reg.Deregister("abc", protocol.RolePhone, phone)
	if !removed {
		t.Fatal("Deregister did not remove the phone slot")
	}
	if partner != nil {
		t.Errorf("partner = %v, want nil", partner)
	}

	if reg.Stats().Pairs != 0 {
		t.Errorf("Pairs = %d, want 0 after both sides left", reg.Stats().Pairs)
	}
	if _, ok := reg.LookupPartner("abc", protocol.RolePC); ok {
		t.Error("pairId abc should be absent from the registry")
	}
}

func TestDeregister_IdentityCheck(t *testing.T) {
	reg := newTestRegistry()
	old := newFakeConn("pc-old")
	replacement := newFakeConn("pc-new")

	reg.Register("abc", protocol.RolePC, old)
	reg.Register("abc", protocol.RolePC, replacement) // evicts old

	// The evicted connection's late disconnect must not clear the new
	// occupant.
	if _, removed := reg.Deregister("abc", protocol.RolePC, old); removed {
		t.Error("Deregister of evicted connection should be a no-op")
	}

	partner, ok := reg.LookupPartner("abc", protocol.RolePhone)
	if !ok || partner.ID() != "pc-new" {
		t.Error("new occupant was erroneously cleared")
	}
}

func TestDeregister_UnknownPair(t *testing.T) {
	reg := newTestRegistry()

	if _, removed := reg.Deregister("nope", protocol.RolePC, newFakeConn("c1")); removed {
		t.Error("Deregister on unknown pairId should be a no-op")
	}
}

func TestSweep_RemovesDeadPairs(t *testing.T) {
	reg := newTestRegistry()
	dead := newFakeConn("dead-1")
	live := newFakeConn("live-1")

	reg.Register("dead", protocol.RolePC, dead)
	reg.Register("live", protocol.RolePhone, live)

	// Simulate a connection lost without a close notification.
	dead.mu.Lock()
	dead.ready = false
	dead.mu.Unlock()

	removed := reg.Sweep()
	if removed != 1 {
		t.Errorf("Sweep removed %d, want 1", removed)
	}

	if _, ok := reg.LookupPartner("dead", protocol.RolePhone); ok {
		t.Error("dead pair should have been swept")
	}
	if _, ok := reg.LookupPartner("live", protocol.RolePC); !ok {
		t.Error("live pair should have survived the sweep")
	}
}

func TestSweep_KeepsHalfLivePairs(t *testing.T) {
	reg := newTestRegistry()
	dead := newFakeConn("pc-dead")
	live := newFakeConn("phone-live")

	reg.Register("abc", protocol.RolePC, dead)
	reg.Register("abc", protocol.RolePhone, live)

	dead.mu.Lock()
	dead.ready = false
	dead.mu.Unlock()

	if removed := reg.Sweep(); removed != 0 {
		t.Errorf("Sweep removed %d, want 0 while one side is ready", removed)
	}
}

func TestSweep_NoopOnEmptyRegistry(t *testing.T) {
	reg := newTestRegistry()

	if removed := reg.Sweep(); removed != 0 {
		t.Errorf("Sweep removed %d, want 0", removed)
	}
}

func TestRegistry_Events(t *testing.T) {
	rec := &eventRecorder{}
	reg := NewRegistry(DefaultConfig(), rec, nil)

	first := newFakeConn("pc-old")
	second := newFakeConn("pc-new")

	reg.Register("abc", protocol.RolePC, first)
	reg.Register("abc", protocol.RolePC, second)
	reg.Deregister("abc", protocol.RolePC, second)

	want := []EventKind{EventRegistered, EventEvicted, EventRegistered, EventDeregistered}
	got := rec.kinds()
	if len(got) != len(want) {
		t.Fatalf("got %d events %v, want %v", len(got), got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	for _, ev := range rec.events {
		if ev.PairID != "abc" {
			t.Errorf("event PairID = %q, want abc", ev.PairID)
		}
		if ev.At.IsZero() {
			t.Error("event At should be stamped")
		}
	}
}

func TestRegistry_Stats(t *testing.T) {
	reg := newTestRegistry()

	reg.Register("abc", protocol.RolePC, newFakeConn("c1"))
	reg.Register("abc", protocol.RolePhone, newFakeConn("c2"))
	reg.Register("xyz", protocol.RolePhone, newFakeConn("c3"))

	s := reg.Stats()
	if s.Pairs != 2 {
		t.Errorf("Pairs = %d, want 2", s.Pairs)
	}
	if s.Connections != 3 {
		t.Errorf("Connections = %d, want 3", s.Connections)
	}
	if s.FullPairs != 1 {
		t.Errorf("FullPairs = %d, want 1", s.FullPairs)
	}
}

func TestRegistry_StartStop(t *testing.T) {
	cfg := Config{SweepInterval: 10 * time.Millisecond}
	reg := NewRegistry(cfg, nil, nil)

	ctx := context.Background()
	if err := reg.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// Let at least one sweep tick run.
	time.Sleep(30 * time.Millisecond)

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := reg.Stop(stopCtx); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
}

func TestRegistry_ConcurrentRegisterDeregister(t *testing.T) {
	reg := newTestRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			pairID := fmt.Sprintf("pair-%d", i%10)
			conn := newFakeConn(fmt.Sprintf("conn-%d", i))

			if _, err := reg.Register(pairID, protocol.RolePC, conn); err != nil {
				t.Errorf("Register failed: %v", err)
				return
			}
			reg.LookupPartner(pairID, protocol.RolePhone)
			reg.Deregister(pairID, protocol.RolePC, conn)
		}(i)
	}
	wg.Wait()

	// Every slot was either evicted or deregistered; sweeping the rest
	// must leave nothing behind.
	reg.Sweep()
	if pairs := reg.Stats().Pairs; pairs != 0 {
		t.Errorf("Pairs = %d after churn, want 0", pairs)
	}
}
