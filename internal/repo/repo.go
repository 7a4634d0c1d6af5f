package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"deskline/internal/domain"
	"deskline/internal/events"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrAlreadyTerminal means a transition was attempted on a request that
	// already left PENDING. Definitive, never retryable.
	ErrAlreadyTerminal = errors.New("request already terminal")
	// ErrUnavailable wraps backing-store failures. Retryable by the caller.
	ErrUnavailable = errors.New("store unavailable")
)

// Ledger is the durable HelpRequest store.
type Ledger interface {
	InsertRequest(ctx context.Context, req domain.HelpRequest, actorID string) error
	GetRequest(ctx context.Context, id string) (domain.HelpRequest, error)
	PendingRequests(ctx context.Context) ([]domain.HelpRequest, error)
	Requests(ctx context.Context, state domain.RequestState, limit int) ([]domain.HelpRequest, error)
	OverduePending(ctx context.Context, cutoff string) ([]domain.HelpRequest, error)
	// Finish applies a terminal transition guarded on the request still being
	// PENDING, optionally upserting a knowledge entry in the same transaction.
	Finish(ctx context.Context, req domain.HelpRequest, learn *domain.KnowledgeEntry, actorID string) error
}

// Knowledge is the durable question→answer store.
type Knowledge interface {
	Lookup(ctx context.Context, question string) (domain.KnowledgeEntry, error)
	Upsert(ctx context.Context, entry domain.KnowledgeEntry) error
	SeedIfAbsent(ctx context.Context, entries []domain.KnowledgeEntry) (int, error)
	ListKnowledge(ctx context.Context) ([]domain.KnowledgeEntry, error)
}

// EventLog reads the append-only event table.
type EventLog interface {
	LatestEvents(ctx context.Context, limit int, evtType, entityID string) ([]domain.Event, error)
	EventsAfter(ctx context.Context, limit int, after int64) ([]domain.Event, error)
	LatestEventID(ctx context.Context) (int64, error)
}

// Store is what the engine and server depend on.
type Store interface {
	Ledger
	Knowledge
	EventLog
}

// SQLite implements Store on a single sqlite database.
type SQLite struct {
	DB     *sql.DB
	Events events.Writer
	Now    func() time.Time
}

func NewSQLite(db *sql.DB) *SQLite {
	return &SQLite{DB: db, Events: events.Writer{}, Now: time.Now}
}

func (s *SQLite) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}

// --- Ledger ---

func (s *SQLite) InsertRequest(ctx context.Context, req domain.HelpRequest, actorID string) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("begin", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO help_requests(id,question,normalized_question,customer_context,state,created_at,deadline_at) VALUES (?,?,?,?,?,?,?)`,
		req.ID, req.Question, req.NormalizedQuestion, req.CustomerContext, req.State, req.CreatedAt, req.DeadlineAt); err != nil {
		return unavailable("insert request", err)
	}
	if err := s.Events.Append(ctx, tx, events.Record{
		Type:       domain.EventRequestCreated,
		EntityKind: "request",
		EntityID:   req.ID,
		ActorID:    actorID,
		Payload:    events.Payload{"question": req.Question, "customer_context": req.CustomerContext},
	}); err != nil {
		return unavailable("append event", err)
	}
	if err := tx.Commit(); err != nil {
		return unavailable("commit", err)
	}
	return nil
}

const requestColumns = `id,question,normalized_question,customer_context,state,COALESCE(answer,''),COALESCE(supervisor_id,''),created_at,deadline_at,resolved_at`

func scanRequest(scan func(dest ...any) error) (domain.HelpRequest, error) {
	var r domain.HelpRequest
	var resolvedAt sql.NullString
	err := scan(&r.ID, &r.Question, &r.NormalizedQuestion, &r.CustomerContext, &r.State,
		&r.Answer, &r.SupervisorID, &r.CreatedAt, &r.DeadlineAt, &resolvedAt)
	if resolvedAt.Valid {
		r.ResolvedAt = &resolvedAt.String
	}
	return r, err
}

func (s *SQLite) GetRequest(ctx context.Context, id string) (domain.HelpRequest, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM help_requests WHERE id=?`, id)
	r, err := scanRequest(row.Scan)
	if err == sql.ErrNoRows {
		return r, ErrNotFound
	}
	if err != nil {
		return r, unavailable("get request", err)
	}
	return r, nil
}

func (s *SQLite) queryRequests(ctx context.Context, query string, args ...any) ([]domain.HelpRequest, error) {
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable("query requests", err)
	}
	defer rows.Close()
	var res []domain.HelpRequest
	for rows.Next() {
		r, err := scanRequest(rows.Scan)
		if err != nil {
			return nil, unavailable("scan request", err)
		}
		res = append(res, r)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate requests", err)
	}
	return res, nil
}

// PendingRequests returns the supervisor queue, oldest first.
func (s *SQLite) PendingRequests(ctx context.Context) ([]domain.HelpRequest, error) {
	return s.queryRequests(ctx,
		`SELECT `+requestColumns+` FROM help_requests WHERE state=? ORDER BY created_at ASC, id ASC`,
		domain.StatePending)
}

func (s *SQLite) Requests(ctx context.Context, state domain.RequestState, limit int) ([]domain.HelpRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM help_requests`
	var args []any
	if state != "" {
		query += ` WHERE state=?`
		args = append(args, state)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.queryRequests(ctx, query, args...)
}

// OverduePending returns PENDING requests whose deadline is at or before
// cutoff (RFC3339), oldest first, for the watchdog.
func (s *SQLite) OverduePending(ctx context.Context, cutoff string) ([]domain.HelpRequest, error) {
	return s.queryRequests(ctx,
		`SELECT `+requestColumns+` FROM help_requests WHERE state=? AND deadline_at<=? ORDER BY created_at ASC, id ASC`,
		domain.StatePending, cutoff)
}

func terminalEventType(state domain.RequestState) string {
	switch state {
	case domain.StateResolved:
		return domain.EventRequestResolved
	case domain.StateTimedOut:
		return domain.EventRequestTimedOut
	case domain.StateCancelled:
		return domain.EventRequestCancelled
	default:
		return "request.updated"
	}
}

// Finish flips a PENDING request to the terminal state carried in req and,
// when learn is non-nil, upserts the knowledge entry in the same transaction.
// The conditional UPDATE makes concurrent finishers a single-winner race:
// the loser gets ErrAlreadyTerminal. An answer is never persisted without
// the request transition committing alongside it.
func (s *SQLite) Finish(ctx context.Context, req domain.HelpRequest, learn *domain.KnowledgeEntry, actorID string) error {
	if !req.State.Terminal() {
		return fmt.Errorf("finish requires a terminal state, got %s", req.State)
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("begin", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE help_requests SET state=?, answer=?, supervisor_id=?, resolved_at=? WHERE id=? AND state=?`,
		req.State, nullable(req.Answer), nullable(req.SupervisorID), nullablePtr(req.ResolvedAt), req.ID, domain.StatePending)
	if err != nil {
		return unavailable("update request", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		var state string
		err := tx.QueryRowContext(ctx, `SELECT state FROM help_requests WHERE id=?`, req.ID).Scan(&state)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return unavailable("check request", err)
		}
		return ErrAlreadyTerminal
	}

	payload := events.Payload{"state": string(req.State)}
	if req.Answer != "" {
		payload["answer"] = req.Answer
	}
	if err := s.Events.Append(ctx, tx, events.Record{
		Type:       terminalEventType(req.State),
		EntityKind: "request",
		EntityID:   req.ID,
		ActorID:    actorID,
		Payload:    payload,
	}); err != nil {
		return unavailable("append event", err)
	}

	if learn != nil {
		if err := s.upsertTx(ctx, tx, *learn); err != nil {
			return err
		}
		if err := s.Events.Append(ctx, tx, events.Record{
			Type:       domain.EventKnowledgeLearned,
			EntityKind: "knowledge",
			EntityID:   learn.NormalizedQuestion,
			ActorID:    actorID,
			Payload:    events.Payload{"answer": learn.Answer, "source_request_id": learn.SourceRequestID},
		}); err != nil {
			return unavailable("append event", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return unavailable("commit", err)
	}
	return nil
}

// --- Knowledge ---

func (s *SQLite) Lookup(ctx context.Context, question string) (domain.KnowledgeEntry, error) {
	key := domain.NormalizeQuestion(question)
	row := s.DB.QueryRowContext(ctx,
		`SELECT normalized_question,question,answer,COALESCE(source_request_id,''),updated_at FROM knowledge WHERE normalized_question=?`, key)
	var e domain.KnowledgeEntry
	err := row.Scan(&e.NormalizedQuestion, &e.Question, &e.Answer, &e.SourceRequestID, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, unavailable("lookup", err)
	}
	return e, nil
}

func (s *SQLite) upsertTx(ctx context.Context, tx *sql.Tx, entry domain.KnowledgeEntry) error {
	if entry.NormalizedQuestion == "" {
		entry.NormalizedQuestion = domain.NormalizeQuestion(entry.Question)
	}
	if entry.UpdatedAt == "" {
		entry.UpdatedAt = s.now().UTC().Format(time.RFC3339)
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO knowledge(normalized_question,question,answer,source_request_id,updated_at) VALUES (?,?,?,?,?)
ON CONFLICT(normalized_question) DO UPDATE SET question=excluded.question, answer=excluded.answer,
source_request_id=excluded.source_request_id, updated_at=excluded.updated_at
WHERE excluded.updated_at>=knowledge.updated_at`,
		entry.NormalizedQuestion, entry.Question, entry.Answer, nullable(entry.SourceRequestID), entry.UpdatedAt)
	if err != nil {
		return unavailable("upsert knowledge", err)
	}
	return nil
}

func (s *SQLite) Upsert(ctx context.Context, entry domain.KnowledgeEntry) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("begin", err)
	}
	defer tx.Rollback()
	if err := s.upsertTx(ctx, tx, entry); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return unavailable("commit", err)
	}
	return nil
}

// SeedIfAbsent inserts entries whose normalized question is not yet known.
// Learned answers always win over restart-time seeding.
func (s *SQLite) SeedIfAbsent(ctx context.Context, entries []domain.KnowledgeEntry) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, unavailable("begin", err)
	}
	defer tx.Rollback()
	inserted := 0
	now := s.now().UTC().Format(time.RFC3339)
	for _, entry := range entries {
		key := entry.NormalizedQuestion
		if key == "" {
			key = domain.NormalizeQuestion(entry.Question)
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO knowledge(normalized_question,question,answer,source_request_id,updated_at) VALUES (?,?,?,NULL,?)
ON CONFLICT(normalized_question) DO NOTHING`,
			key, entry.Question, entry.Answer, now)
		if err != nil {
			return inserted, unavailable("seed knowledge", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
			if err := s.Events.Append(ctx, tx, events.Record{
				Type:       domain.EventKnowledgeSeeded,
				EntityKind: "knowledge",
				EntityID:   key,
				ActorID:    "system",
				Payload:    events.Payload{"answer": entry.Answer},
			}); err != nil {
				return inserted, unavailable("append event", err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return inserted, unavailable("commit", err)
	}
	return inserted, nil
}

func (s *SQLite) ListKnowledge(ctx context.Context) ([]domain.KnowledgeEntry, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT normalized_question,question,answer,COALESCE(source_request_id,''),updated_at FROM knowledge ORDER BY updated_at DESC, normalized_question ASC`)
	if err != nil {
		return nil, unavailable("list knowledge", err)
	}
	defer rows.Close()
	var res []domain.KnowledgeEntry
	for rows.Next() {
		var e domain.KnowledgeEntry
		if err := rows.Scan(&e.NormalizedQuestion, &e.Question, &e.Answer, &e.SourceRequestID, &e.UpdatedAt); err != nil {
			return nil, unavailable("scan knowledge", err)
		}
		res = append(res, e)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate knowledge", err)
	}
	return res, nil
}

// --- EventLog ---

func (s *SQLite) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable("query events", err)
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var entityID sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &entityID, &e.ActorID, &e.Payload); err != nil {
			return nil, unavailable("scan event", err)
		}
		if entityID.Valid {
			e.EntityID = entityID.String
		}
		res = append(res, e)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate events", err)
	}
	return res, nil
}

func (s *SQLite) LatestEvents(ctx context.Context, limit int, evtType, entityID string) ([]domain.Event, error) {
	query := `SELECT id,ts,type,entity_kind,entity_id,actor_id,payload_json FROM events`
	var clauses []string
	var args []any
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	for i, c := range clauses {
		if i == 0 {
			query += " WHERE " + c
		} else {
			query += " AND " + c
		}
	}
	query += ` ORDER BY id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.queryEvents(ctx, query, args...)
}

func (s *SQLite) EventsAfter(ctx context.Context, limit int, after int64) ([]domain.Event, error) {
	query := `SELECT id,ts,type,entity_kind,entity_id,actor_id,payload_json FROM events WHERE id>? ORDER BY id ASC`
	args := []any{after}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.queryEvents(ctx, query, args...)
}

func (s *SQLite) LatestEventID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := s.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM events`).Scan(&id); err != nil {
		return 0, unavailable("latest event id", err)
	}
	return id.Int64, nil
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullablePtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}
