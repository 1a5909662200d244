package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/Gopher0727/Orbo/internal/service"
)

type GroupHandler struct {
	lifecycle service.ILifecycleService
}

func NewGroupHandler(lifecycle service.ILifecycleService) *GroupHandler {
	return &GroupHandler{lifecycle: lifecycle}
}

type addMappingRequest struct {
	ChatID int64 `json:"chat_id" binding:"required"`
}

type archiveRequest struct {
	Reason string `json:"reason"`
}

type checkGroupsRequest struct {
	ChatIDs []int64 `json:"chat_ids" binding:"required,min=1,max=50"`
}

// ListMappings lists the org's groups with current access.
func (h *GroupHandler) ListMappings(c *gin.Context) {
	views, err := h.lifecycle.ListMappings(c.Request.Context(), c.Param("org_id"), c.GetString("user_id"))
	if err != nil {
		writeServiceError(c, err, "Failed to list groups")
		return
	}
	c.JSON(http.StatusOK, gin.H{"groups": views})
}

// AddMapping binds a group to the org.
func (h *GroupHandler) AddMapping(c *gin.Context) {
	var req addMappingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	mapping, err := h.lifecycle.AddMapping(c.Request.Context(), c.Param("org_id"), req.ChatID, c.GetString("user_id"))
	if err != nil {
		writeServiceError(c, err, "Failed to add group")
		return
	}
	c.JSON(http.StatusCreated, mapping)
}

// RemoveMapping deletes the org's binding to the group.
func (h *GroupHandler) RemoveMapping(c *gin.Context) {
	chatID, ok := chatIDParam(c)
	if !ok {
		return
	}

	if err := h.lifecycle.RemoveMapping(c.Request.Context(), c.Param("org_id"), chatID, c.GetString("user_id")); err != nil {
		writeServiceError(c, err, "Failed to remove group")
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *GroupHandler) ArchiveMapping(c *gin.Context) {
	chatID, ok := chatIDParam(c)
	if !ok {
		return
	}
	var req archiveRequest
	// the body is optional
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	mapping, err := h.lifecycle.ArchiveMapping(c.Request.Context(), c.Param("org_id"), chatID, c.GetString("user_id"), req.Reason)
	if err != nil {
		writeServiceError(c, err, "Failed to archive group")
		return
	}
	c.JSON(http.StatusOK, mapping)
}

func (h *GroupHandler) RestoreMapping(c *gin.Context) {
	chatID, ok := chatIDParam(c)
	if !ok {
		return
	}

	mapping, err := h.lifecycle.RestoreMapping(c.Request.Context(), c.Param("org_id"), chatID, c.GetString("user_id"))
	if err != nil {
		writeServiceError(c, err, "Failed to restore group")
		return
	}
	c.JSON(http.StatusOK, mapping)
}

// GetAccess returns the resolver decision for one group.
func (h *GroupHandler) GetAccess(c *gin.Context) {
	chatID, ok := chatIDParam(c)
	if !ok {
		return
	}

	decision, err := h.lifecycle.AccessFor(c.Request.Context(), c.Param("org_id"), chatID, c.GetString("user_id"))
	if err != nil {
		writeServiceError(c, err, "Failed to resolve access")
		return
	}
	c.JSON(http.StatusOK, decision)
}

// CheckGroups registers and refreshes the given chats and records whether
// the caller administers each of them.
func (h *GroupHandler) CheckGroups(c *gin.Context) {
	var req checkGroupsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"results": h.lifecycle.CheckGroups(c.Request.Context(), req.ChatIDs, c.GetString("user_id"))})
}

func chatIDParam(c *gin.Context) (int64, bool) {
	chatID, err := strconv.ParseInt(c.Param("chat_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid chat id"})
		return 0, false
	}
	return chatID, true
}
