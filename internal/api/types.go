package api

import (
	"time"

	"github.com/satriahrh/meetscribe/domain/entities"
)

// HealthResponse is the body of GET /api/health
type HealthResponse struct {
	Status             string    `json:"status"`
	Service            string    `json:"service"`
	UptimeSeconds      float64   `json:"uptime"`
	Timestamp          time.Time `json:"timestamp"`
	ProviderConfigured bool      `json:"provider_configured"`
	Provider           string    `json:"provider"`
	TotalConversations int64     `json:"total_conversations"`
	ActiveSessions     int       `json:"active_sessions"`
}

// ListConversationsResponse is the body of GET /api/conversations
type ListConversationsResponse struct {
	Success bool                     `json:"success"`
	Data    []*entities.Conversation `json:"data"`
	Count   int                      `json:"count"`
}

// ConversationResponse is the body of GET /api/conversations/:id
type ConversationResponse struct {
	Success bool                   `json:"success"`
	Data    *entities.Conversation `json:"data"`
}

// DeleteResponse is the body of DELETE /api/conversations/:id
type DeleteResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
