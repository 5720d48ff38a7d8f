package sweeper

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/agentdispatch/admp-hub/internal/events"
	"github.com/agentdispatch/admp-hub/internal/store"
)

type mockClock struct {
	mu    sync.Mutex
	now   time.Time
	after chan time.Time
}

func newMockClock() *mockClock {
	return &mockClock{
		now:   time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		after: make(chan time.Time),
	}
}

func (c *mockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}
func (c *mockClock) After(time.Duration) <-chan time.Time { return c.after }
func (c *mockClock) Since(t time.Time) time.Duration      { return c.Now().Sub(t) }

// Tick fires the pending After and blocks until the run loop picks it up.
func (c *mockClock) Tick() { c.after <- c.Now() }

type fakeStore struct {
	mu       sync.Mutex
	calls    []string
	leases   int
	expired  int
	failPass string
}

func (f *fakeStore) record(name string) {
	f.mu.Lock()
	f.calls = append(f.calls, name)
	f.mu.Unlock()
}

func (f *fakeStore) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeStore) result(name string, n int) (int, error) {
	f.record(name)
	if f.failPass == name {
		return 0, errors.New(name + " boom")
	}
	return n, nil
}

func (f *fakeStore) ExpireLeases(context.Context, int64) (int, error) {
	return f.result("leases", f.leases)
}
func (f *fakeStore) ExpireMessages(context.Context, int64) (int, error) {
	return f.result("ttl", f.expired)
}
func (f *fakeStore) PurgeExpiredEphemeral(context.Context, int64) (int, error) {
	return f.result("ephemeral", 0)
}
func (f *fakeStore) CleanupTerminal(context.Context, int64, int64) (int, error) {
	return f.result("terminal", 2)
}
func (f *fakeStore) Stats(context.Context) (store.Stats, error) {
	f.record("stats")
	return store.Stats{Agents: 3, Messages: map[store.Status]int{store.StatusQueued: 1}}, nil
}

type fakeTables struct{ n int }

func (f *fakeTables) ExpireDue(context.Context) (int, error) { return f.n, nil }

type fakeAgents struct{ n int }

func (f *fakeAgents) RefreshStatuses(context.Context) (int, error) { return f.n, nil }

type fakeLimiters struct{ cleaned int }

func (f *fakeLimiters) CleanupLimiter() { f.cleaned++ }

func TestSweepRunsPassesInLifecycleOrder(t *testing.T) {
	st := &fakeStore{leases: 4, expired: 1}
	lim := &fakeLimiters{}
	s, err := New(Options{
		Store:     st,
		Tables:    &fakeTables{n: 2},
		Agents:    &fakeAgents{n: 1},
		Limiters:  lim,
		Clock:     newMockClock(),
		Interval:  time.Minute,
		Retention: time.Hour,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	res := s.Sweep(context.Background())
	if res.Leases != 4 || res.Expired != 1 || res.Terminal != 2 || res.Tables != 2 || res.Presence != 1 {
		t.Errorf("result = %+v", res)
	}
	if len(res.Errors) != 0 {
		t.Errorf("errors = %v", res.Errors)
	}
	want := []string{"leases", "ttl", "ephemeral", "terminal", "stats"}
	got := st.callLog()
	if len(got) != len(want) {
		t.Fatalf("calls = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("call %d = %q, want %q", i, got[i], want[i])
		}
	}
	if lim.cleaned != 1 {
		t.Errorf("limiter cleanups = %d, want 1", lim.cleaned)
	}
}

func TestSweepSkipsTerminalWithoutRetention(t *testing.T) {
	st := &fakeStore{}
	s, err := New(Options{Store: st, Clock: newMockClock()})
	if err != nil {
		t.Fatal(err)
	}
	s.Sweep(context.Background())
	for _, call := range st.callLog() {
		if call == "terminal" {
			t.Error("terminal cleanup ran with zero retention")
		}
	}
}

func TestSweepPassErrorDoesNotAbort(t *testing.T) {
	st := &fakeStore{leases: 4, failPass: "ttl"}
	s, err := New(Options{Store: st, Clock: newMockClock()})
	if err != nil {
		t.Fatal(err)
	}

	res := s.Sweep(context.Background())
	if len(res.Errors) != 1 {
		t.Fatalf("errors = %v, want 1", res.Errors)
	}
	// Later passes still ran.
	got := st.callLog()
	if got[len(got)-2] != "ephemeral" {
		t.Errorf("calls = %v, want ephemeral after failing ttl pass", got)
	}
}

func TestSweepPublishesEvent(t *testing.T) {
	bus := events.New()
	sub, cancel := bus.Subscribe()
	defer cancel()

	s, err := New(Options{Store: &fakeStore{}, Bus: bus, Clock: newMockClock()})
	if err != nil {
		t.Fatal(err)
	}
	s.Sweep(context.Background())

	select {
	case ev := <-sub:
		if ev.Type != events.EventSweepCompleted {
			t.Errorf("event = %q, want %q", ev.Type, events.EventSweepCompleted)
		}
	case <-time.After(time.Second):
		t.Fatal("no sweep event published")
	}
}

func TestTTLPassPublishesExpiredEvents(t *testing.T) {
	bus := events.New()
	sub, cancel := bus.Subscribe()
	defer cancel()

	s, err := New(Options{Store: &fakeStore{expired: 2}, Bus: bus, Clock: newMockClock()})
	if err != nil {
		t.Fatal(err)
	}
	s.Sweep(context.Background())

	var got []events.EventType
	for i := 0; i < 3; i++ {
		select {
		case ev := <-sub:
			got = append(got, ev.Type)
		case <-time.After(time.Second):
			t.Fatalf("events = %v, want 2 expired + 1 sweep", got)
		}
	}
	if got[0] != events.EventMessageExpired || got[1] != events.EventMessageExpired || got[2] != events.EventSweepCompleted {
		t.Errorf("events = %v", got)
	}
}

func TestRunSweepsOnCadenceAndTrigger(t *testing.T) {
	clk := newMockClock()
	st := &fakeStore{}
	s, err := New(Options{Store: st, Clock: clk, Interval: time.Minute})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	// Initial sweep runs immediately; a tick and a manual trigger each add one.
	waitForSweeps(t, st, 1)
	clk.Tick()
	waitForSweeps(t, st, 2)
	s.Trigger()
	waitForSweeps(t, st, 3)

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on context cancel")
	}
}

func waitForSweeps(t *testing.T, st *fakeStore, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		sweeps := 0
		for _, call := range st.callLog() {
			if call == "leases" {
				sweeps++
			}
		}
		if sweeps >= want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d sweeps (calls: %v)", want, st.callLog())
}

func TestInvalidScheduleRejected(t *testing.T) {
	_, err := New(Options{Store: &fakeStore{}, Schedule: "not a cron expr"})
	if err == nil {
		t.Fatal("want error for invalid schedule")
	}
}

func TestScheduleOverridesInterval(t *testing.T) {
	s, err := New(Options{Store: &fakeStore{}, Clock: newMockClock(), Interval: time.Minute, Schedule: "*/5 * * * *"})
	if err != nil {
		t.Fatal(err)
	}
	// Mock clock sits at 12:00:00; next */5 fire is 12:05:00.
	if got := s.nextWait(); got != 5*time.Minute {
		t.Errorf("nextWait = %s, want 5m", got)
	}
}
