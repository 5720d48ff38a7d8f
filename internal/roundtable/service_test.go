package roundtable

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agentdispatch/admp-hub/internal/admperr"
	"github.com/agentdispatch/admp-hub/internal/agent"
	"github.com/agentdispatch/admp-hub/internal/group"
	"github.com/agentdispatch/admp-hub/internal/inbox"
	"github.com/agentdispatch/admp-hub/internal/store"
)

type mockClock struct {
	mu  sync.Mutex
	now time.Time
}

func newMockClock() *mockClock {
	return &mockClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *mockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}
func (c *mockClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- c.Now().Add(d)
	return ch
}
func (c *mockClock) Since(t time.Time) time.Duration { return c.Now().Sub(t) }
func (c *mockClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	tables *Service
	groups *group.Service
	engine *inbox.Engine
	agents *agent.Service
	store  *store.Memory
	clk    *mockClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := newMockClock()
	st := store.NewMemory()
	agents := agent.NewService(agent.Options{Store: st, Clock: clk})
	engine := inbox.NewEngine(inbox.Options{Store: st, Agents: agents, Clock: clk})
	groups := group.NewService(group.Options{Store: st, Agents: agents, Delivery: engine, Clock: clk, MaxMembers: 50})
	tables := NewService(Options{
		Store:    st,
		Agents:   agents,
		Groups:   groups,
		Delivery: engine,
		Clock:    clk,
	})
	return &fixture{tables: tables, groups: groups, engine: engine, agents: agents, store: st, clk: clk}
}

func (f *fixture) register(t *testing.T, ids ...string) {
	t.Helper()
	for _, id := range ids {
		if _, err := f.agents.Register(context.Background(), agent.RegisterRequest{AgentID: id}); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
	}
}

func wantKind(t *testing.T, err error, kind admperr.Kind, code string) {
	t.Helper()
	if err == nil {
		t.Fatalf("want error %s, got nil", code)
	}
	if admperr.KindOf(err) != kind || admperr.CodeOf(err) != code {
		t.Fatalf("error = %v, want kind %d code %s", err, kind, code)
	}
}

func TestCreateInvitesParticipants(t *testing.T) {
	f := newFixture(t)
	f.register(t, "mediator", "a", "b")
	ctx := context.Background()

	rt, err := f.tables.Create(ctx, "mediator", CreateRequest{
		Topic:        "release plan",
		Goal:         "agree a date",
		Participants: []string{"a", "b"},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !strings.HasPrefix(rt.ID, "rt_") || len(rt.ID) != 15 {
		t.Errorf("id = %q", rt.ID)
	}
	if rt.Status != store.RTActive || rt.GroupID == "" {
		t.Errorf("table = %+v", rt)
	}
	wantExpiry := f.clk.Now().UnixMilli() + DefaultExpiry.Milliseconds()
	if rt.ExpiresAtMS != wantExpiry {
		t.Errorf("expires_at_ms = %d, want %d", rt.ExpiresAtMS, wantExpiry)
	}

	// Backing group rosters everyone with the facilitator as owner.
	g, err := f.groups.Get(ctx, rt.GroupID)
	if err != nil {
		t.Fatalf("backing group: %v", err)
	}
	if g.Owner != "mediator" || len(g.Members) != 3 || g.Access != store.AccessInviteOnly {
		t.Errorf("group = %+v", g)
	}

	// Each participant received a work order.
	for _, p := range []string{"a", "b"} {
		m, err := f.engine.Pull(ctx, p, 0)
		if err != nil || m == nil {
			t.Fatalf("%s pull: %v, %v", p, m, err)
		}
		if m.Type != "work_order" || m.From != "mediator" {
			t.Errorf("%s invite = %+v", p, m)
		}
		var body map[string]any
		if err := json.Unmarshal(m.Body, &body); err != nil {
			t.Fatalf("invite body: %v", err)
		}
		if body["rt_id"] != rt.ID || body["group_id"] != rt.GroupID {
			t.Errorf("invite body = %+v", body)
		}
	}
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t)
	f.register(t, "mediator", "a")
	ctx := context.Background()

	_, err := f.tables.Create(ctx, "mediator", CreateRequest{Participants: []string{"a"}})
	wantKind(t, err, admperr.KindValidation, "MISSING_FIELD")

	_, err = f.tables.Create(ctx, "mediator", CreateRequest{Topic: "t"})
	wantKind(t, err, admperr.KindValidation, "MISSING_FIELD")

	many := make([]string, MaxParticipants+1)
	for i := range many {
		many[i] = "a"
	}
	_, err = f.tables.Create(ctx, "mediator", CreateRequest{Topic: "t", Participants: many})
	wantKind(t, err, admperr.KindValidation, "TOO_MANY_PARTICIPANTS")

	_, err = f.tables.Create(ctx, "mediator", CreateRequest{Topic: "t", Participants: []string{"a"}, ExpiresIn: 30 * time.Second})
	wantKind(t, err, admperr.KindValidation, "INVALID_EXPIRY")

	_, err = f.tables.Create(ctx, "mediator", CreateRequest{Topic: "t", Participants: []string{"ghost"}})
	wantKind(t, err, admperr.KindNotFound, "AGENT_NOT_FOUND")
}

func TestSpeakMulticastsAndBounds(t *testing.T) {
	f := newFixture(t)
	f.register(t, "mediator", "a", "b")
	ctx := context.Background()

	rt, err := f.tables.Create(ctx, "mediator", CreateRequest{Topic: "t", Participants: []string{"a", "b"}})
	if err != nil {
		t.Fatal(err)
	}
	// Drain the invitations.
	for _, p := range []string{"a", "b"} {
		m, _ := f.engine.Pull(ctx, p, 0)
		if m != nil {
			if _, err := f.engine.Ack(ctx, p, m.ID, nil); err != nil {
				t.Fatal(err)
			}
		}
	}

	entry, err := f.tables.Speak(ctx, rt.ID, "a", json.RawMessage(`{"say":"hi"}`))
	if err != nil {
		t.Fatalf("Speak: %v", err)
	}
	if entry.Seq != 1 || entry.From != "a" {
		t.Errorf("entry = %+v", entry)
	}

	// Other participants receive the multicast; the speaker does not.
	for _, p := range []string{"mediator", "b"} {
		m, err := f.engine.Pull(ctx, p, 0)
		if err != nil || m == nil {
			t.Fatalf("%s pull: %v, %v", p, m, err)
		}
		if m.Type != "roundtable.message" || m.GroupID != rt.GroupID {
			t.Errorf("%s copy = %+v", p, m)
		}
	}
	if m, _ := f.engine.Pull(ctx, "a", 0); m != nil {
		t.Errorf("speaker received own message: %+v", m)
	}

	// Outsiders cannot speak.
	f.register(t, "outsider")
	_, err = f.tables.Speak(ctx, rt.ID, "outsider", nil)
	wantKind(t, err, admperr.KindForbidden, "NOT_A_PARTICIPANT")
}

func TestThreadCap(t *testing.T) {
	f := newFixture(t)
	f.register(t, "mediator", "a")
	ctx := context.Background()

	rt, err := f.tables.Create(ctx, "mediator", CreateRequest{Topic: "t", Participants: []string{"a"}})
	if err != nil {
		t.Fatal(err)
	}

	// Fill to one below the cap, then the boundary entry, then reject.
	got, err := f.store.GetRoundTable(ctx, rt.ID)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < MaxThreadLen-1; i++ {
		got.Thread = append(got.Thread, store.RTEntry{Seq: i + 1, From: "a", Kind: "message"})
	}
	if err := f.store.UpdateRoundTable(ctx, got); err != nil {
		t.Fatal(err)
	}

	if _, err := f.tables.Speak(ctx, rt.ID, "a", nil); err != nil {
		t.Fatalf("speak at cap boundary: %v", err)
	}
	_, err = f.tables.Speak(ctx, rt.ID, "a", nil)
	wantKind(t, err, admperr.KindConflict, "THREAD_FULL")
}

func TestResolve(t *testing.T) {
	f := newFixture(t)
	f.register(t, "mediator", "a")
	ctx := context.Background()

	rt, err := f.tables.Create(ctx, "mediator", CreateRequest{Topic: "t", Participants: []string{"a"}})
	if err != nil {
		t.Fatal(err)
	}

	// Only the facilitator resolves.
	_, err = f.tables.Resolve(ctx, rt.ID, "a", "done", "ship it")
	wantKind(t, err, admperr.KindForbidden, "FACILITATOR_ONLY")

	resolved, err := f.tables.Resolve(ctx, rt.ID, "mediator", "done", "ship it")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if resolved.Status != store.RTResolved || resolved.ResolvedAtMS == 0 {
		t.Errorf("resolved = %+v", resolved)
	}
	var res map[string]string
	if err := json.Unmarshal(resolved.Resolution, &res); err != nil || res["decision"] != "ship it" {
		t.Errorf("resolution = %s (%v)", resolved.Resolution, err)
	}

	// Backing group is gone, re-resolve conflicts.
	if _, err := f.groups.Get(ctx, rt.GroupID); admperr.KindOf(err) != admperr.KindNotFound {
		t.Errorf("backing group survived: %v", err)
	}
	_, err = f.tables.Resolve(ctx, rt.ID, "mediator", "x", "y")
	wantKind(t, err, admperr.KindConflict, "TABLE_CLOSED")

	// No speaking after close.
	_, err = f.tables.Speak(ctx, rt.ID, "a", nil)
	wantKind(t, err, admperr.KindConflict, "TABLE_CLOSED")
}

func TestGetAccessControl(t *testing.T) {
	f := newFixture(t)
	f.register(t, "mediator", "a", "outsider")
	ctx := context.Background()

	rt, err := f.tables.Create(ctx, "mediator", CreateRequest{Topic: "t", Participants: []string{"a"}})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := f.tables.Get(ctx, rt.ID, "a"); err != nil {
		t.Errorf("participant get: %v", err)
	}
	if _, err := f.tables.Get(ctx, rt.ID, "mediator"); err != nil {
		t.Errorf("facilitator get: %v", err)
	}
	_, err = f.tables.Get(ctx, rt.ID, "outsider")
	wantKind(t, err, admperr.KindForbidden, "NOT_A_PARTICIPANT")
}

func TestExpireDue(t *testing.T) {
	f := newFixture(t)
	f.register(t, "mediator", "a")
	ctx := context.Background()

	rt, err := f.tables.Create(ctx, "mediator", CreateRequest{Topic: "t", Participants: []string{"a"}, ExpiresIn: MinExpiry})
	if err != nil {
		t.Fatal(err)
	}

	// Not due yet.
	n, err := f.tables.ExpireDue(ctx)
	if err != nil || n != 0 {
		t.Fatalf("ExpireDue = %d, %v", n, err)
	}

	f.clk.Advance(2 * time.Minute)
	n, err = f.tables.ExpireDue(ctx)
	if err != nil || n != 1 {
		t.Fatalf("ExpireDue = %d, %v", n, err)
	}

	got, err := f.store.GetRoundTable(ctx, rt.ID)
	if err != nil || got.Status != store.RTExpired {
		t.Errorf("table = %+v (%v)", got, err)
	}
	if _, err := f.groups.Get(ctx, rt.GroupID); admperr.KindOf(err) != admperr.KindNotFound {
		t.Errorf("backing group survived: %v", err)
	}
}
