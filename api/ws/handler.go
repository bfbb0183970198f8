package ws

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/kasuganosora/mailsystem/cache"
	"github.com/kasuganosora/mailsystem/config"
	"github.com/kasuganosora/mailsystem/game/mail"
	"github.com/kasuganosora/mailsystem/game/player"
	mw "github.com/kasuganosora/mailsystem/middleware"
	"go.uber.org/zap"
)

// Namer resolves a character's display name.
type Namer interface {
	Name(ctx context.Context, charID int64) (string, error)
}

// Handler is the Gin handler for GET /ws.
type Handler struct {
	cache    cache.Cache
	sec      config.SecurityConfig
	sm       *player.SessionManager
	mail     *mail.Service
	owns     mw.OwnerFunc
	names    Namer
	router   *Router
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

// NewHandler creates a new WebSocket Handler.
// sec.AllowedOrigins controls which WebSocket origins are accepted.
// An empty slice permits all origins (development only).
func NewHandler(
	c cache.Cache,
	sec config.SecurityConfig,
	sm *player.SessionManager,
	svc *mail.Service,
	owns mw.OwnerFunc,
	names Namer,
	router *Router,
	logger *zap.Logger,
) *Handler {
	h := &Handler{
		cache:  c,
		sec:    sec,
		sm:     sm,
		mail:   svc,
		owns:   owns,
		names:  names,
		router: router,
		logger: logger,
	}
	allowed := sec.AllowedOrigins
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowed) == 0 {
				return true // dev mode: allow all
			}
			origin := r.Header.Get("Origin")
			for _, o := range allowed {
				if o == origin {
					return true
				}
			}
			return false
		},
	}
	return h
}

// ServeWS handles GET /ws?token=<jwt>&char_id=<id>.
func (h *Handler) ServeWS(c *gin.Context) {
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
	exists, err := h.cache.Exists(ctx, mw.SessionKey(tokenStr))
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
	name, err := h.names.Name(ctx, charID)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "try again later"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("ws upgrade failed", zap.Error(err))
		return
	}

	sess := player.NewPlayerSession(claims.AccountID, charID, name, conn, h.logger)
	h.sm.Register(sess)
	h.greet(sess)

	// Blocks until the connection closes.
	h.readPump(sess)
}

// greet pushes the unread count to a freshly connected player.
func (h *Handler) greet(s *player.PlayerSession) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	n, err := h.mail.UnreadCount(ctx, s.CharID)
	if err != nil {
		h.logger.Warn("unread count on connect failed",
			zap.Int64("char_id", s.CharID), zap.Error(err))
		return
	}
	if n > 0 {
		s.SendEvent(mail.EventUnread, mail.UnreadEvent{Count: n})
	}
}

// readPump reads messages from the WebSocket connection and dispatches them.
func (h *Handler) readPump(s *player.PlayerSession) {
	defer h.handleDisconnect(s)

	s.SetReadDeadline()
	s.Conn.SetPongHandler(func(string) error {
		s.SetReadDeadline()
		return nil
	})

	for {
		_, raw, err := s.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived) {
				h.logger.Warn("ws unexpected close",
					zap.Int64("account_id", s.AccountID),
					zap.Error(err))
			}
			return
		}
		s.SetReadDeadline()
		h.router.Dispatch(s, raw)
	}
}

func (h *Handler) handleDisconnect(s *player.PlayerSession) {
	s.Close()
	h.sm.Unregister(s)
	h.logger.Info("player disconnected",
		zap.Int64("account_id", s.AccountID),
		zap.Int64("char_id", s.CharID))
}
