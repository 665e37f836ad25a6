// Package api exposes the feed-ingest surface the hosted backend pushes
// into: message rows, generation tokens, completion markers and
// objective snapshots.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"roleplay-chat-demo/backend/conversation/service"
	"roleplay-chat-demo/backend/internal/models"
	apperrors "roleplay-chat-demo/backend/pkg/errors"
	"roleplay-chat-demo/backend/pkg/logger"
)

type Handler struct {
	feed *service.FeedService
	log  *logger.Logger
}

func NewHandler(feed *service.FeedService, log *logger.Logger) *Handler {
	return &Handler{feed: feed, log: log}
}

// RegisterRoutesV1 mounts the feed endpoints under the v1 group.
func (h *Handler) RegisterRoutesV1(v1 *gin.RouterGroup) {
	conversations := v1.Group("/conversations/:conversationId")
	{
		conversations.POST("/messages", h.IngestMessage)
		conversations.GET("/messages", h.ListMessages)
		conversations.POST("/tokens", h.IngestToken)
		conversations.POST("/completions", h.CompleteGeneration)
		conversations.POST("/progress", h.PublishProgress)
	}
}

// IngestMessage accepts one feed record. Redelivery of an already-seen
// record succeeds; dedup happens at the row and pipeline levels.
func (h *Handler) IngestMessage(c *gin.Context) {
	conversationID := c.Param("conversationId")

	var msg models.Message
	if err := c.ShouldBindJSON(&msg); err != nil {
		c.Error(apperrors.NewBadRequestError("INVALID_MESSAGE", "malformed message payload"))
		return
	}
	if msg.Type == "" {
		c.Error(apperrors.NewBadRequestError("MISSING_TYPE", "message_type is required"))
		return
	}

	if err := h.feed.IngestMessage(c.Request.Context(), conversationID, msg); err != nil {
		c.Error(apperrors.NewInternalServerError("INGEST_FAILED", "failed to persist message"))
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"status": "accepted", "identity_key": msg.IdentityKey()})
}

// ListMessages returns the persisted feed for a conversation, in storage
// order. Ordering for display is the engine's job, not the API's.
func (h *Handler) ListMessages(c *gin.Context) {
	conversationID := c.Param("conversationId")

	messages, err := h.feed.Replay(c.Request.Context(), conversationID)
	if err != nil {
		c.Error(apperrors.NewInternalServerError("REPLAY_FAILED", "failed to load messages"))
		return
	}

	c.JSON(http.StatusOK, gin.H{"messages": messages, "count": len(messages)})
}

type tokenRequest struct {
	MessageID string `json:"message_id"`
	Token     string `json:"token,omitempty"`
	Content   string `json:"content,omitempty"`
}

// IngestToken accepts a partial-content update for the message currently
// being generated.
func (h *Handler) IngestToken(c *gin.Context) {
	conversationID := c.Param("conversationId")

	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.MessageID == "" {
		c.Error(apperrors.NewBadRequestError("INVALID_TOKEN", "message_id is required"))
		return
	}

	h.feed.IngestToken(c.Request.Context(), conversationID, req.MessageID, req.Token, req.Content)
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

// CompleteGeneration marks a message's generation finished.
func (h *Handler) CompleteGeneration(c *gin.Context) {
	conversationID := c.Param("conversationId")

	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.MessageID == "" {
		c.Error(apperrors.NewBadRequestError("INVALID_COMPLETION", "message_id is required"))
		return
	}

	h.feed.CompleteGeneration(c.Request.Context(), conversationID, req.MessageID)
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

// PublishProgress accepts a full objective snapshot for a conversation.
func (h *Handler) PublishProgress(c *gin.Context) {
	conversationID := c.Param("conversationId")

	var snapshot models.ProgressSnapshot
	if err := c.ShouldBindJSON(&snapshot); err != nil {
		c.Error(apperrors.NewBadRequestError("INVALID_PROGRESS", "malformed progress snapshot"))
		return
	}

	h.feed.PublishProgress(c.Request.Context(), conversationID, snapshot)
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}
