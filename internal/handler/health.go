package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Gopher0727/Orbo/internal/service"
)

type HealthHandler struct {
	health service.IHealthService
}

func NewHealthHandler(health service.IHealthService) *HealthHandler {
	return &HealthHandler{health: health}
}

func (h *HealthHandler) GetHealth(c *gin.Context) {
	chatID, ok := chatIDParam(c)
	if !ok {
		return
	}

	status, err := h.health.GetHealth(c.Request.Context(), chatID)
	if err != nil {
		writeServiceError(c, err, "Failed to get group health")
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *HealthHandler) GetHealthSummary(c *gin.Context) {
	summary, err := h.health.GetHealthSummary(c.Request.Context())
	if err != nil {
		writeServiceError(c, err, "Failed to get health summary")
		return
	}
	c.JSON(http.StatusOK, summary)
}

// Liveness reports that the process is serving requests.
func (h *HealthHandler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
