package store

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
)

// fakeDocServer mimics the hosted document store: id-addressed documents
// per collection plus an equality-filter query endpoint.
type fakeDocServer struct {
	mu   sync.Mutex
	cols map[string]map[string]json.RawMessage
	hits atomic.Int64
	fail atomic.Bool
}

func newFakeDocServer() *fakeDocServer {
	return &fakeDocServer{cols: make(map[string]map[string]json.RawMessage)}
}

func (f *fakeDocServer) col(name string) map[string]json.RawMessage {
	if f.cols[name] == nil {
		f.cols[name] = make(map[string]json.RawMessage)
	}
	return f.cols[name]
}

func (f *fakeDocServer) handler() http.Handler {
	mux := http.NewServeMux()

	wrap := func(h http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			f.hits.Add(1)
			if f.fail.Load() {
				http.Error(w, "remote outage", http.StatusInternalServerError)
				return
			}
			h(w, r)
		}
	}

	mux.HandleFunc("POST /v1/apps/{app}/collections/{col}/documents/{id}", wrap(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		c := f.col(r.PathValue("col"))
		id := r.PathValue("id")
		if _, ok := c[id]; ok {
			http.Error(w, "exists", http.StatusConflict)
			return
		}
		c[id] = mustRead(r)
		w.WriteHeader(http.StatusCreated)
	}))

	mux.HandleFunc("GET /v1/apps/{app}/collections/{col}/documents/{id}", wrap(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		doc, ok := f.col(r.PathValue("col"))[r.PathValue("id")]
		if !ok {
			http.Error(w, "missing", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(doc)
	}))

	mux.HandleFunc("PUT /v1/apps/{app}/collections/{col}/documents/{id}", wrap(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.col(r.PathValue("col"))[r.PathValue("id")] = mustRead(r)
		w.WriteHeader(http.StatusOK)
	}))

	mux.HandleFunc("DELETE /v1/apps/{app}/collections/{col}/documents/{id}", wrap(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		c := f.col(r.PathValue("col"))
		id := r.PathValue("id")
		if _, ok := c[id]; !ok {
			http.Error(w, "missing", http.StatusNotFound)
			return
		}
		delete(c, id)
		w.WriteHeader(http.StatusNoContent)
	}))

	mux.HandleFunc("POST /v1/apps/{app}/collections/{col}/query", wrap(func(w http.ResponseWriter, r *http.Request) {
		var q queryRequest
		json.NewDecoder(r.Body).Decode(&q)
		f.mu.Lock()
		defer f.mu.Unlock()
		var resp queryResponse
		for _, doc := range f.col(r.PathValue("col")) {
			var fields map[string]any
			if err := json.Unmarshal(doc, &fields); err != nil {
				continue
			}
			match := true
			for k, want := range q.Filter {
				got, _ := fields[k].(string)
				if got != want {
					match = false
					break
				}
			}
			if !match {
				continue
			}
			resp.Total++
			if !q.CountOnly {
				resp.Documents = append(resp.Documents, doc)
			}
		}
		if q.Limit > 0 && len(resp.Documents) > q.Limit {
			resp.Documents = resp.Documents[:q.Limit]
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))

	return mux
}

func mustRead(r *http.Request) json.RawMessage {
	var raw json.RawMessage
	json.NewDecoder(r.Body).Decode(&raw)
	return raw
}

func testRemote(t *testing.T) (*Remote, *fakeDocServer) {
	t.Helper()
	fake := newFakeDocServer()
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)
	s, err := NewRemote(RemoteConfig{BaseURL: srv.URL, AppID: "test", APIKey: "k"})
	if err != nil {
		t.Fatalf("NewRemote: %v", err)
	}
	return s, fake
}

func TestRemoteAgentRoundTrip(t *testing.T) {
	s, fake := testRemote(t)
	ctx := context.Background()

	a := testAgent("alice")
	if err := s.CreateAgent(ctx, a); err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}
	if err := s.CreateAgent(ctx, a); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("duplicate create err = %v, want ErrAlreadyExists", err)
	}

	before := fake.hits.Load()
	for range 3 {
		got, err := s.GetAgent(ctx, "alice")
		if err != nil || got.ID != "alice" {
			t.Fatalf("GetAgent: %v, %v", got, err)
		}
	}
	if fake.hits.Load() != before {
		t.Errorf("cache miss: %d extra requests for cached agent", fake.hits.Load()-before)
	}

	byDID, err := s.GetAgentByDID(ctx, a.DID)
	if err != nil || byDID.ID != "alice" {
		t.Errorf("GetAgentByDID: %v, %v", byDID, err)
	}

	if _, err := s.GetAgent(ctx, "nobody"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing agent err = %v, want ErrNotFound", err)
	}
}

func TestRemoteCacheInvalidation(t *testing.T) {
	s, _ := testRemote(t)
	ctx := context.Background()

	a := testAgent("alice")
	if err := s.CreateAgent(ctx, a); err != nil {
		t.Fatal(err)
	}
	a.Status = AgentOffline
	if err := s.UpdateAgent(ctx, a); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetAgent(ctx, "alice")
	if err != nil || got.Status != AgentOffline {
		t.Errorf("stale cache after update: %+v, %v", got, err)
	}

	if err := s.DeleteAgent(ctx, "alice"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetAgent(ctx, "alice"); !errors.Is(err, ErrNotFound) {
		t.Errorf("deleted agent still served: %v", err)
	}
}

func TestRemoteMessageLifecycle(t *testing.T) {
	s, _ := testRemote(t)
	ctx := context.Background()

	if err := s.CreateMessage(ctx, testMessage("m1", "bob", 1000)); err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}
	if err := s.CreateMessage(ctx, testMessage("m2", "bob", 500)); err != nil {
		t.Fatal(err)
	}

	inbox, err := s.GetInbox(ctx, "bob", InboxFilter{})
	if err != nil || len(inbox) != 2 {
		t.Fatalf("GetInbox: %d, %v", len(inbox), err)
	}
	if inbox[0].ID != "m2" {
		t.Errorf("inbox head = %s, want m2 (older first)", inbox[0].ID)
	}

	leased := StatusLeased
	until := int64(61000)
	m, won, err := s.TransitionMessage(ctx, "m1", []Status{StatusQueued}, MessagePatch{Status: &leased, LeaseUntilMS: &until, IncrementAttempts: true}, 2000)
	if err != nil || !won || m.Attempts != 1 {
		t.Fatalf("transition: won=%v attempts=%d err=%v", won, m.Attempts, err)
	}
	_, won, _ = s.TransitionMessage(ctx, "m1", []Status{StatusQueued}, MessagePatch{Status: &leased}, 3000)
	if won {
		t.Error("stale transition won")
	}

	n, err := s.ExpireLeases(ctx, until+1000)
	if err != nil || n != 1 {
		t.Errorf("ExpireLeases = %d, %v", n, err)
	}

	st, err := s.Stats(ctx)
	if err != nil || st.Messages[StatusQueued] != 2 {
		t.Errorf("stats = %+v, %v", st, err)
	}
}

func TestRemoteIssuedKeyIndex(t *testing.T) {
	s, _ := testRemote(t)
	ctx := context.Background()

	k := &IssuedKey{ID: "key-1", Hash: "h", LookupHash: "cafe", Scope: "admin", SingleUse: true, CreatedAtMS: 1000}
	if err := s.CreateIssuedKey(ctx, k); err != nil {
		t.Fatalf("CreateIssuedKey: %v", err)
	}
	got, err := s.GetIssuedKeyByLookupHash(ctx, "cafe")
	if err != nil || got.ID != "key-1" {
		t.Fatalf("lookup: %+v, %v", got, err)
	}

	burned, err := s.BurnSingleUseKey(ctx, "key-1", 2000)
	if err != nil || !burned {
		t.Errorf("burn = %v, %v", burned, err)
	}
	burned, _ = s.BurnSingleUseKey(ctx, "key-1", 3000)
	if burned {
		t.Error("second burn succeeded")
	}

	if err := s.DeleteIssuedKey(ctx, "key-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetIssuedKeyByLookupHash(ctx, "cafe"); !errors.Is(err, ErrNotFound) {
		t.Errorf("index survived deletion: %v", err)
	}
}

func TestRemoteBreakerOpens(t *testing.T) {
	s, fake := testRemote(t)
	ctx := context.Background()

	fake.fail.Store(true)
	for range 5 {
		if _, err := s.GetAgent(ctx, "x"); err == nil {
			t.Fatal("expected failure while remote is down")
		}
	}
	before := fake.hits.Load()
	if _, err := s.GetAgent(ctx, "x"); err == nil {
		t.Fatal("expected open-circuit error")
	}
	if fake.hits.Load() != before {
		t.Errorf("breaker did not open: request reached the remote")
	}
}
