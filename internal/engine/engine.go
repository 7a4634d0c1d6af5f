// Package engine implements the escalation lifecycle: knowledge lookup on
// ask, escalation to a human supervisor, resolution that folds the answer
// back into the knowledge store, and timeout expiry via the watchdog.
package engine

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"deskline/internal/config"
	"deskline/internal/domain"
	"deskline/internal/fabric"
	"deskline/internal/repo"
)

// WatchdogActor is the actor id recorded on timeout transitions.
const WatchdogActor = "watchdog"

type Engine struct {
	Store  repo.Store
	Fabric *fabric.Bus
	Config *config.Config
	Logger *zap.Logger
	Now    func() time.Time

	locks keyedMutex
}

func New(store repo.Store, bus *fabric.Bus, cfg *config.Config, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		Store:  store,
		Fabric: bus,
		Config: cfg,
		Logger: logger,
		Now:    time.Now,
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// AskResult is the outcome of Ask: either an immediate answer or an
// escalated request id.
type AskResult struct {
	Answered bool
	Answer   string
	Request  domain.HelpRequest
}

// newRequestID returns a short human-readable id, an 8-char uuid prefix.
func newRequestID() string {
	return uuid.NewString()[:8]
}

// Ask answers from the knowledge store when it can, otherwise persists a
// PENDING request and notifies supervisors. A knowledge hit writes nothing
// to the ledger.
func (e *Engine) Ask(ctx context.Context, question, customerContext string) (AskResult, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return AskResult{}, errors.New("question required")
	}
	if strings.TrimSpace(customerContext) == "" {
		return AskResult{}, errors.New("customer_context required")
	}

	entry, err := e.Store.Lookup(ctx, question)
	if err == nil {
		e.Logger.Debug("knowledge hit",
			zap.String("customer_context", customerContext),
			zap.String("normalized_question", entry.NormalizedQuestion))
		return AskResult{Answered: true, Answer: entry.Answer}, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return AskResult{}, err
	}

	now := e.now().UTC()
	req := domain.HelpRequest{
		ID:                 newRequestID(),
		Question:           question,
		NormalizedQuestion: domain.NormalizeQuestion(question),
		CustomerContext:    customerContext,
		State:              domain.StatePending,
		CreatedAt:          now.Format(time.RFC3339),
		DeadlineAt:         now.Add(e.Config.Escalation.TimeoutDuration()).Format(time.RFC3339),
	}

	unlock := e.locks.lock(req.ID)
	defer unlock()

	if err := e.Store.InsertRequest(ctx, req, customerContext); err != nil {
		return AskResult{}, err
	}
	e.Fabric.Publish(fabric.Event{
		Type:            domain.EventRequestCreated,
		RequestID:       req.ID,
		Question:        req.Question,
		CustomerContext: req.CustomerContext,
		Audience:        fabric.AudienceSupervisor,
	})
	e.Logger.Info("request escalated",
		zap.String("request_id", req.ID),
		zap.String("customer_context", customerContext))
	return AskResult{Request: req}, nil
}

// ListPending returns the supervisor queue, oldest first.
func (e *Engine) ListPending(ctx context.Context) ([]domain.HelpRequest, error) {
	return e.Store.PendingRequests(ctx)
}

// Get returns one request by id.
func (e *Engine) Get(ctx context.Context, id string) (domain.HelpRequest, error) {
	return e.Store.GetRequest(ctx, id)
}

// List returns requests, optionally filtered by state, newest first.
func (e *Engine) List(ctx context.Context, state domain.RequestState, limit int) ([]domain.HelpRequest, error) {
	if state != "" {
		switch state {
		case domain.StatePending, domain.StateResolved, domain.StateTimedOut, domain.StateCancelled:
		default:
			return nil, errors.New("unknown state filter")
		}
	}
	return e.Store.Requests(ctx, state, limit)
}

// Resolve flips a PENDING request to RESOLVED, folds the answer into the
// knowledge store in the same transaction, and notifies the originating
// agent context. The loser of a race with Expire or another Resolve gets
// repo.ErrAlreadyTerminal.
func (e *Engine) Resolve(ctx context.Context, id, answer, supervisorID string) (domain.HelpRequest, error) {
	answer = strings.TrimSpace(answer)
	if answer == "" {
		return domain.HelpRequest{}, errors.New("answer required")
	}

	unlock := e.locks.lock(id)
	defer unlock()

	req, err := e.Store.GetRequest(ctx, id)
	if err != nil {
		return domain.HelpRequest{}, err
	}
	if req.State.Terminal() {
		return req, repo.ErrAlreadyTerminal
	}

	resolvedAt := e.now().UTC().Format(time.RFC3339)
	req.State = domain.StateResolved
	req.Answer = answer
	req.SupervisorID = supervisorID
	req.ResolvedAt = &resolvedAt

	learn := &domain.KnowledgeEntry{
		NormalizedQuestion: req.NormalizedQuestion,
		Question:           req.Question,
		Answer:             answer,
		SourceRequestID:    req.ID,
		UpdatedAt:          resolvedAt,
	}
	if err := e.Store.Finish(ctx, req, learn, supervisorID); err != nil {
		return domain.HelpRequest{}, err
	}

	e.Fabric.Publish(fabric.Event{
		Type:            domain.EventRequestResolved,
		RequestID:       req.ID,
		Question:        req.Question,
		Answer:          answer,
		CustomerContext: req.CustomerContext,
		SupervisorID:    supervisorID,
		Audience:        fabric.AudienceAgent,
	})
	e.Logger.Info("request resolved",
		zap.String("request_id", req.ID),
		zap.String("supervisor_id", supervisorID))
	return req, nil
}

// Expire flips an overdue PENDING request to TIMED_OUT. No knowledge is
// written. Both the waiting agent and the supervisors are notified so the
// queue entry disappears everywhere.
func (e *Engine) Expire(ctx context.Context, id string) (domain.HelpRequest, error) {
	unlock := e.locks.lock(id)
	defer unlock()

	req, err := e.Store.GetRequest(ctx, id)
	if err != nil {
		return domain.HelpRequest{}, err
	}
	if req.State.Terminal() {
		return req, repo.ErrAlreadyTerminal
	}

	resolvedAt := e.now().UTC().Format(time.RFC3339)
	req.State = domain.StateTimedOut
	req.ResolvedAt = &resolvedAt
	if err := e.Store.Finish(ctx, req, nil, WatchdogActor); err != nil {
		return domain.HelpRequest{}, err
	}

	for _, aud := range []fabric.Audience{fabric.AudienceAgent, fabric.AudienceSupervisor} {
		e.Fabric.Publish(fabric.Event{
			Type:            domain.EventRequestTimedOut,
			RequestID:       req.ID,
			Question:        req.Question,
			CustomerContext: req.CustomerContext,
			Audience:        aud,
		})
	}
	e.Logger.Info("request timed out",
		zap.String("request_id", req.ID),
		zap.String("customer_context", req.CustomerContext))
	return req, nil
}

// Cancel is the administrative terminal transition. Same guard as Resolve,
// no knowledge write, both audiences notified.
func (e *Engine) Cancel(ctx context.Context, id, actorID string) (domain.HelpRequest, error) {
	unlock := e.locks.lock(id)
	defer unlock()

	req, err := e.Store.GetRequest(ctx, id)
	if err != nil {
		return domain.HelpRequest{}, err
	}
	if req.State.Terminal() {
		return req, repo.ErrAlreadyTerminal
	}

	resolvedAt := e.now().UTC().Format(time.RFC3339)
	req.State = domain.StateCancelled
	req.ResolvedAt = &resolvedAt
	if err := e.Store.Finish(ctx, req, nil, actorID); err != nil {
		return domain.HelpRequest{}, err
	}

	for _, aud := range []fabric.Audience{fabric.AudienceAgent, fabric.AudienceSupervisor} {
		e.Fabric.Publish(fabric.Event{
			Type:            domain.EventRequestCancelled,
			RequestID:       req.ID,
			Question:        req.Question,
			CustomerContext: req.CustomerContext,
			Audience:        aud,
		})
	}
	e.Logger.Info("request cancelled",
		zap.String("request_id", req.ID),
		zap.String("actor_id", actorID))
	return req, nil
}

// SeedKnowledge loads configured seed entries without overwriting anything
// already learned.
func (e *Engine) SeedKnowledge(ctx context.Context, entries []domain.KnowledgeEntry) (int, error) {
	n, err := e.Store.SeedIfAbsent(ctx, entries)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		e.Logger.Info("knowledge seeded", zap.Int("inserted", n))
	}
	return n, nil
}
