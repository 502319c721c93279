package models

import "time"

// SearchSession tracks the remote resources of one search call. It is never
// persisted and is torn down when the call returns.
type SearchSession struct {
	Query          string    `json:"query"`
	ExternalIDs    []string  `json:"externalIds"`
	ContainerID    string    `json:"containerId,omitempty"`
	ConversationID string    `json:"conversationId,omitempty"`
	RunID          string    `json:"runId,omitempty"`
	RunStatus      string    `json:"runStatus,omitempty"`
	Polls          int       `json:"polls"`
	StartedAt      time.Time `json:"startedAt"`
}

// ResourceCheck is the best-effort readiness diagnostic for one external id.
type ResourceCheck struct {
	ExternalID string `json:"externalId"`
	Status     string `json:"status,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Answer is one assistant-authored message.
type Answer struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}

// SearchResult is what a completed search returns.
type SearchResult struct {
	Answers     []Answer        `json:"answers"`
	Diagnostics []ResourceCheck `json:"diagnostics"`
	RunStatus   string          `json:"runStatus"`
	Polls       int             `json:"polls"`
}
