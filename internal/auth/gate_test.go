package auth

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mvbarbosa/zaprelay/internal/events"
)

func newTestGate(t *testing.T, policy Policy, decider Decider) *Gate {
	t.Helper()
	store := NewFileStore(filepath.Join(t.TempDir(), "authorized.json"))
	g, err := NewGate(GateConfig{
		Policy:       policy,
		DefaultModel: "llama3.1",
		Decider:      decider,
		Store:        store,
	})
	if err != nil {
		t.Fatalf("new gate: %v", err)
	}
	return g
}

func TestGate_KnownRecordIsLookup(t *testing.T) {
	g := newTestGate(t, PolicyAllowlist, nil)
	g.records["55119999@c.us"] = Record{Allowed: true, Model: "vera"}

	rec, err := g.Authorize(context.Background(), "55119999@c.us")
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if !rec.Allowed || rec.Model != "vera" {
		t.Errorf("got %+v, want allowed with model vera", rec)
	}
}

func TestGate_AllowlistRejectsUnknown(t *testing.T) {
	g := newTestGate(t, PolicyAllowlist, nil)

	rec, err := g.Authorize(context.Background(), "unknown@c.us")
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if rec.Allowed {
		t.Error("unknown conversation was allowed under allowlist policy")
	}
	// Rejection without enrollment creates no record.
	if _, ok := g.Lookup("unknown@c.us"); ok {
		t.Error("allowlist rejection created a record")
	}
}

func TestGate_OpenAutoAuthorizes(t *testing.T) {
	g := newTestGate(t, PolicyOpen, nil)

	rec, err := g.Authorize(context.Background(), "new@c.us")
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if !rec.Allowed || rec.Model != "llama3.1" {
		t.Errorf("got %+v, want allowed with default model", rec)
	}
	if _, ok := g.Lookup("new@c.us"); !ok {
		t.Error("open policy did not create a record")
	}
}

func TestGate_EnrollApproval(t *testing.T) {
	decider := DeciderFunc(func(ctx context.Context, id string) (bool, string, error) {
		return true, "", nil
	})
	g := newTestGate(t, PolicyEnroll, decider)

	rec, err := g.Authorize(context.Background(), "new@c.us")
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if !rec.Allowed {
		t.Error("approved conversation not allowed")
	}
	if rec.Model != "llama3.1" {
		t.Errorf("model = %q, want default llama3.1", rec.Model)
	}
}

func TestGate_EnrollModelOverride(t *testing.T) {
	decider := DeciderFunc(func(ctx context.Context, id string) (bool, string, error) {
		return true, "vera", nil
	})
	g := newTestGate(t, PolicyEnroll, decider)

	rec, err := g.Authorize(context.Background(), "new@c.us")
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if rec.Model != "vera" {
		t.Errorf("model = %q, want override vera", rec.Model)
	}
}

func TestGate_EnrollDenialSticks(t *testing.T) {
	var calls atomic.Int32
	decider := DeciderFunc(func(ctx context.Context, id string) (bool, string, error) {
		calls.Add(1)
		return false, "", nil
	})
	g := newTestGate(t, PolicyEnroll, decider)

	rec, err := g.Authorize(context.Background(), "spam@c.us")
	if err != nil {
		t.Fatalf("first authorize: %v", err)
	}
	if rec.Allowed {
		t.Error("denied conversation was allowed")
	}

	// A second message must not re-prompt: Rejected is terminal.
	rec, err = g.Authorize(context.Background(), "spam@c.us")
	if err != nil {
		t.Fatalf("second authorize: %v", err)
	}
	if rec.Allowed {
		t.Error("rejected conversation became allowed")
	}
	if calls.Load() != 1 {
		t.Errorf("decider called %d times, want 1", calls.Load())
	}
}

func TestGate_ConcurrentEnrollmentSharesDecision(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32

	decider := DeciderFunc(func(ctx context.Context, id string) (bool, string, error) {
		calls.Add(1)
		close(started)
		<-release
		return true, "", nil
	})
	g := newTestGate(t, PolicyEnroll, decider)

	const goroutines = 5
	results := make(chan Record, goroutines)
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, err := g.Authorize(context.Background(), "new@c.us")
			if err != nil {
				t.Errorf("authorize: %v", err)
				return
			}
			results <- rec
		}()
	}

	// Let the first caller reach the decider, then release everyone.
	<-started
	close(release)
	wg.Wait()
	close(results)

	for rec := range results {
		if !rec.Allowed {
			t.Error("follower saw a disallowed record")
		}
	}
	if calls.Load() != 1 {
		t.Errorf("decider called %d times for one id, want 1", calls.Load())
	}
}

func TestGate_DeciderErrorLeavesUnknown(t *testing.T) {
	boom := errors.New("prompt unavailable")
	fail := true
	decider := DeciderFunc(func(ctx context.Context, id string) (bool, string, error) {
		if fail {
			return false, "", boom
		}
		return true, "", nil
	})
	g := newTestGate(t, PolicyEnroll, decider)

	if _, err := g.Authorize(context.Background(), "new@c.us"); !errors.Is(err, boom) {
		t.Fatalf("expected decider error, got %v", err)
	}
	if _, ok := g.Lookup("new@c.us"); ok {
		t.Error("decider failure created a record")
	}

	// The conversation is still Unknown, so a later message retries.
	fail = false
	rec, err := g.Authorize(context.Background(), "new@c.us")
	if err != nil {
		t.Fatalf("retry authorize: %v", err)
	}
	if !rec.Allowed {
		t.Error("retry after decider failure not allowed")
	}
}

func TestGate_WaiterHonorsContext(t *testing.T) {
	block := make(chan struct{})
	decider := DeciderFunc(func(ctx context.Context, id string) (bool, string, error) {
		<-block
		return true, "", nil
	})
	g := newTestGate(t, PolicyEnroll, decider)

	// First caller holds the pending decision open.
	go g.Authorize(context.Background(), "slow@c.us")

	// Give the first caller time to register the pending entry.
	deadline := time.Now().Add(time.Second)
	for {
		g.mu.Lock()
		_, pending := g.pending["slow@c.us"]
		g.mu.Unlock()
		if pending {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("pending decision never registered")
		}
		time.Sleep(time.Millisecond)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := g.Authorize(ctx, "slow@c.us"); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	close(block)
}

func TestGate_AssignReassignsModel(t *testing.T) {
	g := newTestGate(t, PolicyOpen, nil)
	g.Authorize(context.Background(), "a@c.us")

	if !g.Assign("a@c.us", "qwen3:4b") {
		t.Fatal("assign returned false for existing record")
	}
	rec, _ := g.Lookup("a@c.us")
	if rec.Model != "qwen3:4b" {
		t.Errorf("model = %q after reassign, want qwen3:4b", rec.Model)
	}

	if g.Assign("nobody@c.us", "x") {
		t.Error("assign succeeded for unknown conversation")
	}
}

func TestGate_EnrollmentPublishesEvent(t *testing.T) {
	decider := DeciderFunc(func(ctx context.Context, id string) (bool, string, error) {
		return true, "", nil
	})
	bus := events.New()
	sub := bus.Subscribe(1)

	store := NewFileStore(filepath.Join(t.TempDir(), "authorized.json"))
	g, err := NewGate(GateConfig{
		Policy:       PolicyEnroll,
		DefaultModel: "llama3.1",
		Decider:      decider,
		Store:        store,
		Bus:          bus,
	})
	if err != nil {
		t.Fatalf("new gate: %v", err)
	}

	if _, err := g.Authorize(context.Background(), "new@c.us"); err != nil {
		t.Fatalf("authorize: %v", err)
	}

	select {
	case ev := <-sub:
		if ev.Kind != events.KindEnrollment || ev.Source != events.SourceAuth {
			t.Errorf("event = %+v", ev)
		}
		if ev.Data["conversation_id"] != "new@c.us" || ev.Data["allowed"] != true {
			t.Errorf("event data = %v", ev.Data)
		}
	default:
		t.Fatal("no enrollment event published")
	}
}

func TestGate_ImmediateFlushPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "authorized.json")
	store := NewFileStore(path)
	g, err := NewGate(GateConfig{
		Policy:       PolicyOpen,
		DefaultModel: "llama3.1",
		Store:        store,
	})
	if err != nil {
		t.Fatalf("new gate: %v", err)
	}

	g.Authorize(context.Background(), "a@c.us")

	// With no flush interval the mutation is durable immediately:
	// a fresh gate over the same file sees the record.
	g2, err := NewGate(GateConfig{
		Policy:       PolicyAllowlist,
		DefaultModel: "llama3.1",
		Store:        store,
	})
	if err != nil {
		t.Fatalf("reload gate: %v", err)
	}
	rec, ok := g2.Lookup("a@c.us")
	if !ok || !rec.Allowed {
		t.Errorf("record not persisted: %+v ok=%v", rec, ok)
	}
}

func TestGate_IntervalFlush(t *testing.T) {
	path := filepath.Join(t.TempDir(), "authorized.json")
	store := NewFileStore(path)
	g, err := NewGate(GateConfig{
		Policy:        PolicyOpen,
		DefaultModel:  "llama3.1",
		Store:         store,
		FlushInterval: time.Hour, // flushed manually below
	})
	if err != nil {
		t.Fatalf("new gate: %v", err)
	}

	g.Authorize(context.Background(), "a@c.us")

	// Not yet durable: the mutation only marked the gate dirty.
	records, err := store.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("store has %d records before flush, want 0", len(records))
	}

	g.Flush()
	records, err = store.Load()
	if err != nil {
		t.Fatalf("load after flush: %v", err)
	}
	if _, ok := records["a@c.us"]; !ok {
		t.Error("record missing after flush")
	}
}
