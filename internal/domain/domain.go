package domain

import "strings"

// RequestState is the lifecycle state of a HelpRequest.
type RequestState string

const (
	StatePending   RequestState = "PENDING"
	StateResolved  RequestState = "RESOLVED"
	StateTimedOut  RequestState = "TIMED_OUT"
	StateCancelled RequestState = "CANCELLED"
)

// Terminal reports whether no further transitions leave the state.
func (s RequestState) Terminal() bool {
	return s == StateResolved || s == StateTimedOut || s == StateCancelled
}

// HelpRequest is a question escalated from the agent to a human supervisor.
// Answer is set exactly once, on the transition to RESOLVED.
type HelpRequest struct {
	ID                 string       `json:"id"`
	Question           string       `json:"question"`
	NormalizedQuestion string       `json:"normalized_question"`
	CustomerContext    string       `json:"customer_context"`
	State              RequestState `json:"state" enum:"PENDING,RESOLVED,TIMED_OUT,CANCELLED"`
	Answer             string       `json:"answer,omitempty"`
	SupervisorID       string       `json:"supervisor_id,omitempty"`
	CreatedAt          string       `json:"created_at" format:"date-time"`
	DeadlineAt         string       `json:"deadline_at" format:"date-time"`
	ResolvedAt         *string      `json:"resolved_at,omitempty" format:"date-time"`
}

// KnowledgeEntry is a learned (or seeded) answer keyed by normalized question.
type KnowledgeEntry struct {
	NormalizedQuestion string `json:"normalized_question"`
	Question           string `json:"question"`
	Answer             string `json:"answer"`
	SourceRequestID    string `json:"source_request_id,omitempty"`
	UpdatedAt          string `json:"updated_at" format:"date-time"`
}

// Event log / fabric event types.
const (
	EventRequestCreated   = "request.created"
	EventRequestResolved  = "request.resolved"
	EventRequestTimedOut  = "request.timed_out"
	EventRequestCancelled = "request.cancelled"
	EventKnowledgeLearned = "knowledge.learned"
	EventKnowledgeSeeded  = "knowledge.seeded"
)

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// NormalizeQuestion lowercases the question and collapses whitespace runs so
// that trivially different phrasings share one knowledge key.
func NormalizeQuestion(q string) string {
	return strings.Join(strings.Fields(strings.ToLower(q)), " ")
}
