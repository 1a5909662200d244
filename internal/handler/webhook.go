package handler

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Gopher0727/Orbo/internal/pkg/telegram"
	"github.com/Gopher0727/Orbo/internal/service"
	logger "github.com/Gopher0727/Orbo/middleware/log"
)

// SecretTokenHeader carries the secret configured with setWebhook.
const SecretTokenHeader = "X-Telegram-Bot-Api-Secret-Token"

type botRegistry interface {
	Get(name string) (*telegram.Client, error)
}

type WebhookHandler struct {
	bots   botRegistry
	ingest service.IIngestService
	secret string
	log    *logger.Logger
}

func NewWebhookHandler(bots botRegistry, ingest service.IIngestService, secret string, log *logger.Logger) *WebhookHandler {
	return &WebhookHandler{bots: bots, ingest: ingest, secret: secret, log: log.Named("webhook")}
}

// HandleUpdate accepts one Bot API update. Anything other than a membership
// change is acknowledged and dropped.
func (h *WebhookHandler) HandleUpdate(c *gin.Context) {
	ctx := c.Request.Context()
	bot := c.Param("bot")

	// without a secret anyone could forge admin facts, so refuse everything
	if h.secret == "" {
		h.log.Security(ctx, "webhook_secret_unset", zap.String("bot", bot), zap.String("ip", c.ClientIP()))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "webhook secret not configured"})
		return
	}
	got := c.GetHeader(SecretTokenHeader)
	if subtle.ConstantTimeCompare([]byte(got), []byte(h.secret)) != 1 {
		h.log.Security(ctx, "webhook_secret_mismatch", zap.String("bot", bot), zap.String("ip", c.ClientIP()))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid secret token"})
		return
	}
	if _, err := h.bots.Get(bot); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown bot"})
		return
	}

	var update telegram.Update
	if err := c.ShouldBindJSON(&update); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	event, ok := service.EventFromUpdate(&update, bot)
	if !ok {
		c.Status(http.StatusOK)
		return
	}

	if err := h.ingest.Submit(ctx, event); err != nil {
		// a non-2xx makes the platform redeliver the update
		h.log.ErrorContext(ctx, "failed to ingest update",
			logger.ChatID(event.ChatID),
			zap.Int64("update_id", update.UpdateID),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to process update"})
		return
	}
	c.Status(http.StatusOK)
}
