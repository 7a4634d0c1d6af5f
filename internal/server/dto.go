package server

import (
	"encoding/json"

	"deskline/internal/domain"
	"deskline/internal/engine"
)

type AskRequest struct {
	Question        string `json:"question" minLength:"1" example:"Do you do keratin treatments?"`
	CustomerContext string `json:"customer_context" minLength:"1" example:"room-42"`
}

// AskResponse is either an immediate answer or a pending escalation.
type AskResponse struct {
	Status    string `json:"status" enum:"answered,escalated"`
	Answer    string `json:"answer,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

type ResolveRequest struct {
	Answer string `json:"answer" minLength:"1"`
}

type RequestResponse struct {
	ID              string  `json:"id"`
	Question        string  `json:"question"`
	CustomerContext string  `json:"customer_context"`
	State           string  `json:"state" enum:"PENDING,RESOLVED,TIMED_OUT,CANCELLED"`
	Answer          string  `json:"answer,omitempty"`
	SupervisorID    string  `json:"supervisor_id,omitempty"`
	CreatedAt       string  `json:"created_at"`
	DeadlineAt      string  `json:"deadline_at"`
	ResolvedAt      *string `json:"resolved_at,omitempty"`
}

type KnowledgeResponse struct {
	Question        string `json:"question"`
	Answer          string `json:"answer"`
	SourceRequestID string `json:"source_request_id,omitempty"`
	UpdatedAt       string `json:"updated_at"`
}

type EventResponse struct {
	ID         int64           `json:"id"`
	TS         string          `json:"ts"`
	Type       string          `json:"type"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	Payload    json.RawMessage `json:"payload"`
}

func requestState(s string) domain.RequestState {
	return domain.RequestState(s)
}

func askResponse(res engine.AskResult) AskResponse {
	if res.Answered {
		return AskResponse{Status: "answered", Answer: res.Answer}
	}
	return AskResponse{Status: "escalated", RequestID: res.Request.ID}
}

func requestResponse(r domain.HelpRequest) RequestResponse {
	return RequestResponse{
		ID:              r.ID,
		Question:        r.Question,
		CustomerContext: r.CustomerContext,
		State:           string(r.State),
		Answer:          r.Answer,
		SupervisorID:    r.SupervisorID,
		CreatedAt:       r.CreatedAt,
		DeadlineAt:      r.DeadlineAt,
		ResolvedAt:      r.ResolvedAt,
	}
}

func mapRequests(items []domain.HelpRequest) []RequestResponse {
	out := make([]RequestResponse, 0, len(items))
	for _, r := range items {
		out = append(out, requestResponse(r))
	}
	return out
}

func mapKnowledge(items []domain.KnowledgeEntry) []KnowledgeResponse {
	out := make([]KnowledgeResponse, 0, len(items))
	for _, e := range items {
		out = append(out, KnowledgeResponse{
			Question:        e.Question,
			Answer:          e.Answer,
			SourceRequestID: e.SourceRequestID,
			UpdatedAt:       e.UpdatedAt,
		})
	}
	return out
}

func mapEvents(items []domain.Event) []EventResponse {
	out := make([]EventResponse, 0, len(items))
	for _, e := range items {
		payload := json.RawMessage("{}")
		if e.Payload != "" && json.Valid([]byte(e.Payload)) {
			payload = json.RawMessage(e.Payload)
		}
		out = append(out, EventResponse{
			ID:         e.ID,
			TS:         e.TS,
			Type:       e.Type,
			EntityKind: e.EntityKind,
			EntityID:   e.EntityID,
			ActorID:    e.ActorID,
			Payload:    payload,
		})
	}
	return out
}
