package rest

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/kasuganosora/mailsystem/game/item"
	"github.com/kasuganosora/mailsystem/game/mail"
	"github.com/kasuganosora/mailsystem/game/player"
	mw "github.com/kasuganosora/mailsystem/middleware"
	"go.uber.org/zap"
)

// Names resolves characters for addressing mail by name.
type Names interface {
	Name(ctx context.Context, charID int64) (string, error)
	ByName(ctx context.Context, name string) (int64, error)
}

// MailHandler exposes a character's mailbox. Every route runs behind
// CharacterOwner, so :id is the caller's own character.
type MailHandler struct {
	svc    *mail.Service
	names  Names
	logger *zap.Logger
}

func NewMailHandler(svc *mail.Service, names Names, logger *zap.Logger) *MailHandler {
	return &MailHandler{svc: svc, names: names, logger: logger}
}

// Register mounts the mailbox routes on g, which must resolve :id.
func (h *MailHandler) Register(g *gin.RouterGroup) {
	g.GET("", h.List)
	g.POST("", h.Send)
	g.DELETE("", h.Clear)
	g.GET("/sent", h.Sent)
	g.GET("/unread", h.Unread)
	g.POST("/:mail_id/claim", h.Claim)
	g.POST("/:mail_id/read", h.Read)
	g.POST("/:mail_id/return", h.Return)
	g.DELETE("/:mail_id", h.Delete)
	g.GET("/blacklist", h.Blacklist)
	g.PUT("/blacklist/:target", h.Block)
	g.DELETE("/blacklist/:target", h.Unblock)
}

func pathID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return id, true
}

// List handles GET /api/characters/:id/mail.
func (h *MailHandler) List(c *gin.Context) {
	box, err := h.svc.Mailbox(c.Request.Context(), mw.GetCharID(c))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"mails": box})
}

// Sent handles GET /api/characters/:id/mail/sent.
func (h *MailHandler) Sent(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	mails, err := h.svc.Sent(c.Request.Context(), mw.GetCharID(c), limit)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"mails": mails})
}

// Unread handles GET /api/characters/:id/mail/unread.
func (h *MailHandler) Unread(c *gin.Context) {
	n, err := h.svc.UnreadCount(c.Request.Context(), mw.GetCharID(c))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"unread": n})
}

type sendMailRequest struct {
	RecipientID   int64      `json:"recipient_id"`
	RecipientName string     `json:"recipient_name"`
	Title         string     `json:"title"`
	Body          string     `json:"body"`
	Currency      int64      `json:"currency"`
	Items         []item.Ref `json:"items"`
}

// Send handles POST /api/characters/:id/mail. The recipient is addressed by
// id or by name; items name slots of the sender's inventory.
func (h *MailHandler) Send(c *gin.Context) {
	ctx := c.Request.Context()
	charID := mw.GetCharID(c)
	var req sendMailRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.RecipientID == 0 && req.RecipientName != "" {
		id, err := h.names.ByName(ctx, req.RecipientName)
		if errors.Is(err, player.ErrNoSuchCharacter) {
			respondError(c, h.logger, mail.ErrNoSuchRecipient)
			return
		}
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "try again later"})
			return
		}
		req.RecipientID = id
	}
	name, err := h.names.Name(ctx, charID)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "try again later"})
		return
	}

	m, err := h.svc.Send(ctx, mail.SendRequest{
		SenderID:    charID,
		SenderName:  name,
		RecipientID: req.RecipientID,
		Title:       req.Title,
		Body:        req.Body,
		Currency:    req.Currency,
		Attach:      req.Items,
		TraceID:     mw.GetTraceID(c),
	})
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"mail_id": m.ID, "expires_at": m.ExpiresAt})
}

// Claim handles POST /api/characters/:id/mail/:mail_id/claim.
func (h *MailHandler) Claim(c *gin.Context) {
	mailID, ok := pathID(c, "mail_id")
	if !ok {
		return
	}
	res, err := h.svc.Claim(c.Request.Context(), mw.GetCharID(c), mailID, mw.GetTraceID(c))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Read handles POST /api/characters/:id/mail/:mail_id/read.
func (h *MailHandler) Read(c *gin.Context) {
	mailID, ok := pathID(c, "mail_id")
	if !ok {
		return
	}
	if err := h.svc.MarkRead(c.Request.Context(), mw.GetCharID(c), mailID); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// Return handles POST /api/characters/:id/mail/:mail_id/return.
func (h *MailHandler) Return(c *gin.Context) {
	mailID, ok := pathID(c, "mail_id")
	if !ok {
		return
	}
	ret, err := h.svc.Return(c.Request.Context(), mw.GetCharID(c), mailID, mw.GetTraceID(c))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"return_mail_id": ret.ID, "returned_to": ret.RecipientID})
}

// Delete handles DELETE /api/characters/:id/mail/:mail_id.
func (h *MailHandler) Delete(c *gin.Context) {
	mailID, ok := pathID(c, "mail_id")
	if !ok {
		return
	}
	if err := h.svc.Delete(c.Request.Context(), mw.GetCharID(c), mailID, mw.GetTraceID(c)); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// Clear handles DELETE /api/characters/:id/mail: finished mail is deleted,
// pending mail stays.
func (h *MailHandler) Clear(c *gin.Context) {
	n, err := h.svc.PurgeMailbox(c.Request.Context(), mw.GetCharID(c), mw.GetTraceID(c))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": n})
}

// Blacklist handles GET /api/characters/:id/mail/blacklist.
func (h *MailHandler) Blacklist(c *gin.Context) {
	ids, err := h.svc.Blacklist(c.Request.Context(), mw.GetCharID(c))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"blocked": ids})
}

// Block handles PUT /api/characters/:id/mail/blacklist/:target.
func (h *MailHandler) Block(c *gin.Context) {
	target, ok := pathID(c, "target")
	if !ok {
		return
	}
	if err := h.svc.Block(c.Request.Context(), mw.GetCharID(c), target); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// Unblock handles DELETE /api/characters/:id/mail/blacklist/:target.
func (h *MailHandler) Unblock(c *gin.Context) {
	target, ok := pathID(c, "target")
	if !ok {
		return
	}
	removed, err := h.svc.Unblock(c.Request.Context(), mw.GetCharID(c), target)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if !removed {
		c.JSON(http.StatusNotFound, gin.H{"error": "not blocked"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
