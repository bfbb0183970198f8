package rest

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/kasuganosora/mailsystem/audit"
	"github.com/kasuganosora/mailsystem/codec"
	"github.com/kasuganosora/mailsystem/game/mail"
	"github.com/kasuganosora/mailsystem/game/player"
	mw "github.com/kasuganosora/mailsystem/middleware"
	"github.com/kasuganosora/mailsystem/scheduler"
	"go.uber.org/zap"
)

// AdminHandler serves operator endpoints. Routes should be protected by
// AdminAuth and IPWhitelist.
type AdminHandler struct {
	svc    *mail.Service
	audit  *audit.Service
	sched  *scheduler.Scheduler
	sm     *player.SessionManager
	logger *zap.Logger
}

func NewAdminHandler(svc *mail.Service, auditSvc *audit.Service, sched *scheduler.Scheduler, sm *player.SessionManager, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{svc: svc, audit: auditSvc, sched: sched, sm: sm, logger: logger}
}

// Register mounts the admin routes on g.
func (h *AdminHandler) Register(g *gin.RouterGroup) {
	g.GET("/stats", h.Stats)
	g.GET("/scheduler", h.SchedulerTasks)
	g.GET("/audit", h.Audit)
	g.POST("/kick/:char_id", h.Kick)
	g.GET("/mail/dead-letters", h.DeadLetters)
	g.POST("/mail/dead-letters/:dl_id/requeue", h.Requeue)
	g.POST("/mail/system", h.SystemSend)
	g.POST("/mail/sweep", h.Sweep)
	g.POST("/mail/broadcast", h.Broadcast)
	g.GET("/mail/templates", h.Templates)
	g.PUT("/mail/templates/:name", h.SaveTemplate)
	g.DELETE("/mail/templates/:name", h.DeleteTemplate)
	g.POST("/mail/templates/:name/send", h.SendTemplate)
	g.GET("/mail/:char_id", h.Inspect)
	g.DELETE("/mail/:char_id", h.Purge)
}

// Stats handles GET /api/admin/stats.
func (h *AdminHandler) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"online_players": h.sm.Count(),
		"delivery":       h.svc.Stats(),
	})
}

// SchedulerTasks handles GET /api/admin/scheduler.
func (h *AdminHandler) SchedulerTasks(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tasks": h.sched.Tasks()})
}

// Inspect handles GET /api/admin/mail/:char_id. Every status is listed.
func (h *AdminHandler) Inspect(c *gin.Context) {
	charID, ok := pathID(c, "char_id")
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	mails, err := h.svc.Inspect(c.Request.Context(), charID, limit)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"mails": mails})
}

// Purge handles DELETE /api/admin/mail/:char_id.
func (h *AdminHandler) Purge(c *gin.Context) {
	charID, ok := pathID(c, "char_id")
	if !ok {
		return
	}
	n, err := h.svc.PurgeMailbox(c.Request.Context(), charID, mw.GetTraceID(c))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	h.logger.Info("admin purged mailbox", zap.Int64("char_id", charID), zap.Int64("removed", n))
	c.JSON(http.StatusOK, gin.H{"removed": n})
}

// DeadLetters handles GET /api/admin/mail/dead-letters?status=failed.
func (h *AdminHandler) DeadLetters(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	dls, err := h.svc.DeadLetters(c.Request.Context(), c.Query("status"), limit)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dead_letters": dls})
}

// Requeue handles POST /api/admin/mail/dead-letters/:dl_id/requeue.
func (h *AdminHandler) Requeue(c *gin.Context) {
	id, ok := pathID(c, "dl_id")
	if !ok {
		return
	}
	if err := h.svc.RequeueDeadLetter(c.Request.Context(), id); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

type systemMailRequest struct {
	RecipientID int64         `json:"recipient_id" binding:"required"`
	Title       string        `json:"title" binding:"required"`
	Body        string        `json:"body"`
	Currency    int64         `json:"currency"`
	Items       []codec.Stack `json:"items"`
}

// SystemSend handles POST /api/admin/mail/system.
func (h *AdminHandler) SystemSend(c *gin.Context) {
	var req systemMailRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	m, err := h.svc.SendSystem(c.Request.Context(), req.RecipientID, req.Title, req.Body, req.Currency, req.Items)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"mail_id": m.ID})
}

type broadcastRequest struct {
	mail.Audience
	mail.SystemMail
}

// Broadcast handles POST /api/admin/mail/broadcast. The audience is online,
// all, recent (with days) or an explicit recipient_ids list.
func (h *AdminHandler) Broadcast(c *gin.Context) {
	var req broadcastRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res, err := h.svc.Broadcast(c.Request.Context(), req.Audience, req.SystemMail, mw.GetTraceID(c))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	h.logger.Info("admin broadcast", zap.String("audience", req.Kind), zap.Int("sent", res.Sent), zap.Int("failed", res.Failed))
	c.JSON(http.StatusOK, res)
}

// Templates handles GET /api/admin/mail/templates.
func (h *AdminHandler) Templates(c *gin.Context) {
	tpls, err := h.svc.Templates(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"templates": tpls})
}

// SaveTemplate handles PUT /api/admin/mail/templates/:name.
func (h *AdminHandler) SaveTemplate(c *gin.Context) {
	var spec mail.TemplateSpec
	if err := c.ShouldBindJSON(&spec); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	spec.Name = c.Param("name")
	spec.CreatedBy = c.ClientIP()
	t, err := h.svc.SaveTemplate(c.Request.Context(), spec)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

// DeleteTemplate handles DELETE /api/admin/mail/templates/:name.
func (h *AdminHandler) DeleteTemplate(c *gin.Context) {
	if err := h.svc.DeleteTemplate(c.Request.Context(), c.Param("name")); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// SendTemplate handles POST /api/admin/mail/templates/:name/send with an
// audience body.
func (h *AdminHandler) SendTemplate(c *gin.Context) {
	var a mail.Audience
	if err := c.ShouldBindJSON(&a); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res, err := h.svc.SendTemplate(c.Request.Context(), c.Param("name"), a, mw.GetTraceID(c))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Sweep handles POST /api/admin/mail/sweep and runs the expiry sweep now.
func (h *AdminHandler) Sweep(c *gin.Context) {
	n, err := h.svc.Sweep(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"expired": n})
}

// Audit handles GET /api/admin/audit?char_id=&mail_id=&action=&limit=.
func (h *AdminHandler) Audit(c *gin.Context) {
	f := audit.Filter{Action: c.Query("action")}
	f.CharID, _ = strconv.ParseInt(c.Query("char_id"), 10, 64)
	f.MailID, _ = strconv.ParseInt(c.Query("mail_id"), 10, 64)
	f.Limit, _ = strconv.Atoi(c.Query("limit"))
	logs, err := h.audit.Query(c.Request.Context(), f)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "try again later"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": logs})
}

// Kick handles POST /api/admin/kick/:char_id.
func (h *AdminHandler) Kick(c *gin.Context) {
	charID, ok := pathID(c, "char_id")
	if !ok {
		return
	}
	s := h.sm.Get(charID)
	if s == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "player not online"})
		return
	}
	s.Close()
	h.logger.Info("admin kicked player", zap.Int64("char_id", charID))
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
