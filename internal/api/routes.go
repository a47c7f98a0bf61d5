package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/satriahrh/meetscribe/internal/auth"
	"github.com/satriahrh/meetscribe/internal/metrics"
	"github.com/satriahrh/meetscribe/internal/websocket"
	"github.com/satriahrh/meetscribe/usecase"
)

const serviceName = "meetscribe-server"

// Dependencies are the collaborators the HTTP surface needs
type Dependencies struct {
	Hub         *websocket.Hub
	Transcripts *usecase.TranscriptService
	Metrics     *metrics.Metrics
	// Tokens enables bearer auth on the conversation and websocket routes when set.
	Tokens *auth.TokenManager

	Provider           string
	ProviderConfigured bool
	StartedAt          time.Time
}

type handler struct {
	deps   Dependencies
	logger *zap.Logger
}

// InitRoutes initializes all API routes
func InitRoutes(e *echo.Echo, deps Dependencies, logger *zap.Logger) {
	if deps.StartedAt.IsZero() {
		deps.StartedAt = time.Now()
	}
	h := &handler{deps: deps, logger: logger}

	var protect, protectWS []echo.MiddlewareFunc
	if deps.Tokens != nil {
		protect = append(protect, deps.Tokens.Middleware(false, logger))
		protectWS = append(protectWS, deps.Tokens.Middleware(true, logger))
	}

	e.GET("/api/health", h.health)
	e.GET("/metrics", echo.WrapHandler(deps.Metrics.Handler()))

	conversations := e.Group("/api/conversations", protect...)
	conversations.GET("", h.listConversations)
	conversations.GET("/:id", h.getConversation)
	conversations.DELETE("/:id", h.deleteConversation)

	e.GET("/ws", func(c echo.Context) error {
		return websocket.HandleWebSocket(deps.Hub, c)
	}, protectWS...)
}

func (h *handler) health(c echo.Context) error {
	total, err := h.deps.Transcripts.CountConversations(c.Request().Context())
	if err != nil {
		h.logger.Warn("Failed to count conversations", zap.Error(err))
	}

	now := time.Now()
	return c.JSON(http.StatusOK, HealthResponse{
		Status:             "ok",
		Service:            serviceName,
		UptimeSeconds:      now.Sub(h.deps.StartedAt).Seconds(),
		Timestamp:          now.UTC(),
		ProviderConfigured: h.deps.ProviderConfigured,
		Provider:           h.deps.Provider,
		TotalConversations: total,
		ActiveSessions:     h.deps.Hub.ActiveSessions(),
	})
}

func (h *handler) listConversations(c echo.Context) error {
	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:   "invalid_limit",
				Message: "limit must be an integer",
			})
		}
		limit = n
	}

	conversations, err := h.deps.Transcripts.ListConversations(c.Request().Context(), limit)
	if err != nil {
		h.logger.Error("Failed to list conversations", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "internal_error",
			Message: "Failed to fetch transcripts",
		})
	}

	return c.JSON(http.StatusOK, ListConversationsResponse{
		Success: true,
		Data:    conversations,
		Count:   len(conversations),
	})
}

func (h *handler) getConversation(c echo.Context) error {
	id := c.Param("id")
	conversation, err := h.deps.Transcripts.GetConversation(c.Request().Context(), id)
	if err != nil {
		h.logger.Error("Failed to get conversation", zap.String("id", id), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "internal_error",
			Message: "Failed to fetch transcript",
		})
	}
	if conversation == nil {
		return c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "not_found",
			Message: "Transcript not found",
		})
	}

	return c.JSON(http.StatusOK, ConversationResponse{Success: true, Data: conversation})
}

func (h *handler) deleteConversation(c echo.Context) error {
	id := c.Param("id")
	deleted, err := h.deps.Transcripts.DeleteConversation(c.Request().Context(), id)
	if err != nil {
		h.logger.Error("Failed to delete conversation", zap.String("id", id), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "internal_error",
			Message: "Failed to delete transcript",
		})
	}
	if !deleted {
		return c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "not_found",
			Message: "Transcript not found",
		})
	}

	return c.JSON(http.StatusOK, DeleteResponse{Success: true, Message: "Transcript deleted"})
}
