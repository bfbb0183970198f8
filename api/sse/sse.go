package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kasuganosora/mailsystem/cache"
	"github.com/kasuganosora/mailsystem/config"
	"github.com/kasuganosora/mailsystem/game/mail"
	mw "github.com/kasuganosora/mailsystem/middleware"
	"go.uber.org/zap"
)

const defaultKeepalive = 30 * time.Second

// Unread reports a character's unread mail count.
type Unread interface {
	UnreadCount(ctx context.Context, charID int64) (int64, error)
}

// Handler streams new-mail notices to clients that do not hold a socket.
type Handler struct {
	pubsub    cache.PubSub
	c         cache.Cache
	sec       config.SecurityConfig
	owns      mw.OwnerFunc
	unread    Unread
	keepalive time.Duration
	logger    *zap.Logger
}

// NewHandler creates a new SSE Handler.
func NewHandler(pubsub cache.PubSub, c cache.Cache, sec config.SecurityConfig, owns mw.OwnerFunc, unread Unread, logger *zap.Logger) *Handler {
	return &Handler{
		pubsub:    pubsub,
		c:         c,
		sec:       sec,
		owns:      owns,
		unread:    unread,
		keepalive: defaultKeepalive,
		logger:    logger,
	}
}

// ServeSSE handles GET /sse?token=<jwt>&char_id=<id>.
// Every mail announced for the character on any instance is streamed as a
// mail_new event. The first event carries the unread count.
func (h *Handler) ServeSSE(c *gin.Context) {
	tokenStr := mw.BearerToken(c)
	if tokenStr == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
		return
	}

	claims, err := mw.ParseToken(tokenStr, h.sec.JWTSecret)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	exists, err := h.c.Exists(ctx, mw.SessionKey(tokenStr))
	if err != nil || !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "session expired"})
		return
	}

	charID, err := strconv.ParseInt(c.Query("char_id"), 10, 64)
	if err != nil || charID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid char_id"})
		return
	}
	ok, err := h.owns(ctx, claims.AccountID, charID)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "try again later"})
		return
	}
	if !ok {
		c.JSON(http.StatusForbidden, gin.H{"error": "not your character"})
		return
	}
	unread, err := h.unread.UnreadCount(ctx, charID)
	if err != nil {
		h.logger.Warn("sse unread count failed", zap.Int64("char_id", charID), zap.Error(err))
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	subCtx, subCancel := context.WithCancel(c.Request.Context())
	defer subCancel()

	msgCh, unsub, err := h.pubsub.Subscribe(subCtx, mail.ChannelNewMail)
	if err != nil {
		h.logger.Error("sse subscribe failed", zap.Error(err))
		c.Status(http.StatusInternalServerError)
		return
	}
	defer unsub()

	h.write(c, "connected", mail.UnreadEvent{Count: unread})

	ticker := time.NewTicker(h.keepalive)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-msgCh:
			if !ok {
				return
			}
			var ev mail.NewMailEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil || ev.RecipientID != charID {
				continue
			}
			h.write(c, mail.EventNewMail, ev)

		case <-ticker.C:
			// Keepalive comment to prevent proxy timeouts.
			fmt.Fprintf(c.Writer, ": keepalive\n\n")
			c.Writer.Flush()

		case <-c.Request.Context().Done():
			return
		}
	}
}

func (h *Handler) write(c *gin.Context, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", event, data)
	c.Writer.Flush()
}
