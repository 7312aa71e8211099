package handler

import (
	"errors"
	"net/http"

	"github.com/convochain/convochain/internal/conversation"
	"github.com/convochain/convochain/internal/integrity"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ConversationHandler exposes the integrity operations over HTTP.
type ConversationHandler struct {
	svc    *conversation.Service
	logger *zap.Logger
}

// NewConversationHandler creates a ConversationHandler.
func NewConversationHandler(svc *conversation.Service, logger *zap.Logger) *ConversationHandler {
	return &ConversationHandler{svc: svc, logger: logger}
}

// Register mounts the conversation routes on the given router group.
// operatorAuth gates the history-mutating remediation endpoints.
func (h *ConversationHandler) Register(rg *gin.RouterGroup, operatorAuth gin.HandlerFunc) {
	agents := rg.Group("/agents")
	{
		agents.GET("", h.List)
		agents.GET("/:id/messages", h.History)
		agents.POST("/:id/messages", h.Append)
		agents.GET("/:id/verify", h.Verify)
		agents.GET("/:id/report", h.Report)
		agents.POST("/:id/rebuild", operatorAuth, h.Rebuild)
		agents.POST("/:id/migrate", operatorAuth, h.Migrate)
	}
}

// List handles GET /agents.
func (h *ConversationHandler) List(c *gin.Context) {
	agents, err := h.svc.ListAgents(c.Request.Context())
	if err != nil {
		h.logger.Error("list agents", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list agents"})
		return
	}
	if agents == nil {
		agents = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"agents": agents})
}

// History handles GET /agents/:id/messages.
func (h *ConversationHandler) History(c *gin.Context) {
	history, err := h.svc.History(c.Request.Context(), c.Param("id"))
	if errors.Is(err, conversation.ErrAgentNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
		return
	}
	if err != nil {
		h.logger.Error("load history", zap.String("agent", c.Param("id")), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load history"})
		return
	}
	if history == nil {
		history = []integrity.Block{}
	}
	c.JSON(http.StatusOK, gin.H{"agent": c.Param("id"), "history": history})
}

type appendRequest struct {
	Role      string `json:"role" binding:"required"`
	Content   string `json:"content" binding:"required"`
	Timestamp string `json:"timestamp"`
}

// Append handles POST /agents/:id/messages — the sole write path for
// logging a message with integrity metadata.
func (h *ConversationHandler) Append(c *gin.Context) {
	var req appendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "role and content are required"})
		return
	}

	role := integrity.Role(req.Role)
	if !role.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "role must be operator or agent"})
		return
	}

	block, err := h.svc.AppendMessage(c.Request.Context(), c.Param("id"), role, req.Content, req.Timestamp)
	if err != nil {
		h.logger.Error("append message", zap.String("agent", c.Param("id")), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to append message"})
		return
	}

	RecordAppend(req.Role)
	c.JSON(http.StatusCreated, block)
}

// Verify handles GET /agents/:id/verify — walks the agent's chain and
// returns every finding. Verification never mutates anything.
func (h *ConversationHandler) Verify(c *gin.Context) {
	valid, verrs, err := h.svc.VerifyAgent(c.Request.Context(), c.Param("id"))
	if errors.Is(err, conversation.ErrAgentNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
		return
	}
	if err != nil {
		h.logger.Error("verify agent", zap.String("agent", c.Param("id")), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "verification failed"})
		return
	}

	kinds := make([]string, 0, len(verrs))
	for _, e := range verrs {
		kinds = append(kinds, string(e.Kind))
	}
	RecordVerification(valid, kinds)

	if verrs == nil {
		verrs = []integrity.VerifyError{}
	}
	if !valid {
		h.logger.Warn("integrity check failed",
			zap.String("agent", c.Param("id")),
			zap.Int("findings", len(verrs)),
		)
	}
	c.JSON(http.StatusOK, gin.H{"agent": c.Param("id"), "valid": valid, "errors": verrs})
}

// Report handles GET /agents/:id/report.
func (h *ConversationHandler) Report(c *gin.Context) {
	rep, err := h.svc.Report(c.Request.Context(), c.Param("id"))
	if errors.Is(err, conversation.ErrAgentNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
		return
	}
	if err != nil {
		h.logger.Error("integrity report", zap.String("agent", c.Param("id")), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "report failed"})
		return
	}
	c.JSON(http.StatusOK, rep)
}

type rebuildRequest struct {
	FromIndex *int `json:"from_index" binding:"required"`
}

// Rebuild handles POST /agents/:id/rebuild. It regenerates the chain
// suffix from the given index; the operator decides to invoke it after
// reviewing a failed verification, it is never automatic.
func (h *ConversationHandler) Rebuild(c *gin.Context) {
	var req rebuildRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.FromIndex == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "from_index is required"})
		return
	}

	rebuilt, err := h.svc.RebuildAgent(c.Request.Context(), c.Param("id"), *req.FromIndex)
	if errors.Is(err, conversation.ErrAgentNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	RecordRebuild()
	h.logger.Info("chain rebuilt by operator",
		zap.String("agent", c.Param("id")),
		zap.String("operator", c.GetString("operator")),
		zap.Int("from_index", *req.FromIndex),
	)
	c.JSON(http.StatusOK, gin.H{"agent": c.Param("id"), "blocks": len(rebuilt)})
}

// Migrate handles POST /agents/:id/migrate — retroactively chains a
// legacy log, establishing a new trust baseline.
func (h *ConversationHandler) Migrate(c *gin.Context) {
	n, err := h.svc.MigrateAgent(c.Request.Context(), c.Param("id"))
	if errors.Is(err, conversation.ErrAgentNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
		return
	}
	if err != nil {
		h.logger.Error("migrate agent", zap.String("agent", c.Param("id")), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "migration failed"})
		return
	}

	RecordMigration(n)
	c.JSON(http.StatusOK, gin.H{"agent": c.Param("id"), "migrated": n})
}
