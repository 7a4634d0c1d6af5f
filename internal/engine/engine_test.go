package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"deskline/internal/config"
	"deskline/internal/db"
	"deskline/internal/domain"
	"deskline/internal/engine"
	"deskline/internal/fabric"
	"deskline/internal/migrate"
	"deskline/internal/repo"
)

type testEnv struct {
	Engine *engine.Engine
	Store  *repo.SQLite
	Bus    *fabric.Bus
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	store := repo.NewSQLite(conn)
	bus := fabric.NewBus(fabric.Config{}, nil)
	eng := engine.New(store, bus, cfg, nil)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Store: store, Bus: bus, Ctx: context.Background()}
}

func TestAskKnowledgeHitWritesNoRequest(t *testing.T) {
	env := newTestEnv(t)
	if err := env.Store.Upsert(env.Ctx, domain.KnowledgeEntry{
		Question: "What are your hours?",
		Answer:   "9 to 7, Monday through Saturday.",
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	res, err := env.Engine.Ask(env.Ctx, "  what ARE your   hours? ", "room-1")
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	if !res.Answered || res.Answer != "9 to 7, Monday through Saturday." {
		t.Fatalf("expected knowledge hit, got %+v", res)
	}
	pending, err := env.Engine.ListPending(env.Ctx)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("knowledge hit must not create a request, got %d", len(pending))
	}
}

func TestAskMissEscalates(t *testing.T) {
	env := newTestEnv(t)
	sub := env.Bus.Subscribe(fabric.AudienceSupervisor, "")
	defer env.Bus.Unsubscribe(sub)

	res, err := env.Engine.Ask(env.Ctx, "Do you do keratin treatments?", "room-7")
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	if res.Answered {
		t.Fatalf("expected escalation, got answer %q", res.Answer)
	}
	if len(res.Request.ID) != 8 {
		t.Fatalf("expected 8-char request id, got %q", res.Request.ID)
	}
	if res.Request.State != domain.StatePending {
		t.Fatalf("expected PENDING, got %s", res.Request.State)
	}

	select {
	case evt := <-sub.C:
		if evt.Type != domain.EventRequestCreated || evt.RequestID != res.Request.ID {
			t.Fatalf("unexpected supervisor event: %+v", evt)
		}
	default:
		t.Fatalf("expected supervisor notification")
	}
}

func TestResolveRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.Engine.Ask(env.Ctx, "Do you do keratin treatments?", "room-7")
	if err != nil {
		t.Fatalf("ask: %v", err)
	}

	agentSub := env.Bus.Subscribe(fabric.AudienceAgent, "room-7")
	defer env.Bus.Unsubscribe(agentSub)

	req, err := env.Engine.Resolve(env.Ctx, res.Request.ID, "Yes, keratin treatments start at $150.", "alice")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if req.State != domain.StateResolved || req.Answer == "" || req.ResolvedAt == nil {
		t.Fatalf("bad resolved request: %+v", req)
	}
	if req.SupervisorID != "alice" {
		t.Fatalf("expected supervisor alice, got %q", req.SupervisorID)
	}

	select {
	case evt := <-agentSub.C:
		if evt.Type != domain.EventRequestResolved || evt.Answer == "" {
			t.Fatalf("unexpected agent event: %+v", evt)
		}
	default:
		t.Fatalf("expected agent notification")
	}

	// The answer is learned: the same question no longer escalates.
	again, err := env.Engine.Ask(env.Ctx, "do you do KERATIN treatments?", "room-8")
	if err != nil {
		t.Fatalf("ask again: %v", err)
	}
	if !again.Answered || again.Answer != "Yes, keratin treatments start at $150." {
		t.Fatalf("expected learned answer, got %+v", again)
	}

	entry, err := env.Store.Lookup(env.Ctx, "Do you do keratin treatments?")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if entry.SourceRequestID != req.ID {
		t.Fatalf("expected provenance %s, got %q", req.ID, entry.SourceRequestID)
	}
}

func TestResolveTerminalGuard(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.Engine.Ask(env.Ctx, "Do you sell gift cards?", "room-2")
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	if _, err := env.Engine.Resolve(env.Ctx, res.Request.ID, "Yes, at the front desk.", "alice"); err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	if _, err := env.Engine.Resolve(env.Ctx, res.Request.ID, "different answer", "bob"); !errors.Is(err, repo.ErrAlreadyTerminal) {
		t.Fatalf("expected ErrAlreadyTerminal, got %v", err)
	}
	if _, err := env.Engine.Cancel(env.Ctx, res.Request.ID, "admin"); !errors.Is(err, repo.ErrAlreadyTerminal) {
		t.Fatalf("expected ErrAlreadyTerminal on cancel, got %v", err)
	}
	if _, err := env.Engine.Resolve(env.Ctx, "nosuchid", "answer", "alice"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestConcurrentResolveAndExpireOneWinner(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.Engine.Ask(env.Ctx, "Do you take apple pay?", "room-3")
	if err != nil {
		t.Fatalf("ask: %v", err)
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, errs[0] = env.Engine.Resolve(env.Ctx, res.Request.ID, "Yes we do.", "alice")
	}()
	go func() {
		defer wg.Done()
		_, errs[1] = env.Engine.Expire(env.Ctx, res.Request.ID)
	}()
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
		} else if !errors.Is(err, repo.ErrAlreadyTerminal) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if winners != 1 {
		t.Fatalf("expected exactly one winner, got %d", winners)
	}

	req, err := env.Engine.Get(env.Ctx, res.Request.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !req.State.Terminal() {
		t.Fatalf("expected terminal state, got %s", req.State)
	}
	if req.State == domain.StateResolved && req.Answer == "" {
		t.Fatalf("resolved without answer")
	}
	if req.State == domain.StateTimedOut && req.Answer != "" {
		t.Fatalf("timed out with answer %q", req.Answer)
	}
}

func TestWatchdogExpiresOverdueOnly(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.Engine.Ask(env.Ctx, "Is parking free?", "room-4")
	if err != nil {
		t.Fatalf("ask: %v", err)
	}

	// First sweep runs before the deadline: nothing should change.
	wd := engine.Watchdog{Engine: env.Engine}
	wd.Sweep(env.Ctx)
	req, _ := env.Engine.Get(env.Ctx, res.Request.ID)
	if req.State != domain.StatePending {
		t.Fatalf("expired before deadline: %s", req.State)
	}

	// Move the clock past the deadline and sweep again.
	env.Engine.Now = func() time.Time { return time.Date(2024, 1, 1, 1, 0, 0, 0, time.UTC) }
	wd.Sweep(env.Ctx)
	req, err = env.Engine.Get(env.Ctx, res.Request.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if req.State != domain.StateTimedOut {
		t.Fatalf("expected TIMED_OUT, got %s", req.State)
	}

	// Timeouts never write knowledge.
	if _, err := env.Store.Lookup(env.Ctx, "Is parking free?"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("timeout must not learn an answer, got %v", err)
	}
}

func TestPendingOrderedOldestFirst(t *testing.T) {
	env := newTestEnv(t)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	questions := []string{"q one?", "q two?", "q three?"}
	var ids []string
	for i, q := range questions {
		offset := time.Duration(i) * time.Second
		env.Engine.Now = func() time.Time { return base.Add(offset) }
		res, err := env.Engine.Ask(env.Ctx, q, "room-5")
		if err != nil {
			t.Fatalf("ask %d: %v", i, err)
		}
		ids = append(ids, res.Request.ID)
	}

	pending, err := env.Engine.ListPending(env.Ctx)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 3 {
		t.Fatalf("expected 3 pending, got %d", len(pending))
	}
	for i, req := range pending {
		if req.ID != ids[i] {
			t.Fatalf("order mismatch at %d: want %s got %s", i, ids[i], req.ID)
		}
	}
}

func TestCancelNotifiesBothAudiences(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.Engine.Ask(env.Ctx, "Do you do beard trims?", "room-6")
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	agentSub := env.Bus.Subscribe(fabric.AudienceAgent, "room-6")
	defer env.Bus.Unsubscribe(agentSub)
	supSub := env.Bus.Subscribe(fabric.AudienceSupervisor, "")
	defer env.Bus.Unsubscribe(supSub)

	if _, err := env.Engine.Cancel(env.Ctx, res.Request.ID, "admin"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	for name, ch := range map[string]<-chan fabric.Event{"agent": agentSub.C, "supervisor": supSub.C} {
		select {
		case evt := <-ch:
			if evt.Type != domain.EventRequestCancelled {
				t.Fatalf("%s: unexpected event %+v", name, evt)
			}
		default:
			t.Fatalf("%s: expected cancellation event", name)
		}
	}
}
