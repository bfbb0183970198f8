package rest

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kasuganosora/mailsystem/cache"
	"github.com/kasuganosora/mailsystem/config"
	mw "github.com/kasuganosora/mailsystem/middleware"
	"github.com/kasuganosora/mailsystem/model"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// AuthHandler issues and revokes login sessions.
type AuthHandler struct {
	db     *gorm.DB
	cache  cache.Cache
	sec    config.SecurityConfig
	logger *zap.Logger
}

func NewAuthHandler(db *gorm.DB, c cache.Cache, sec config.SecurityConfig, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{db: db, cache: c, sec: sec, logger: logger}
}

type loginRequest struct {
	Username string `json:"username" binding:"required,min=2,max=32"`
	Password string `json:"password" binding:"required,min=4,max=64"`
}

// Login handles POST /api/auth/login. An unknown username is registered on
// first login.
func (h *AuthHandler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var acc model.Account
	err := h.db.WithContext(c.Request.Context()).Where("username = ?", req.Username).Take(&acc).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		acc = model.Account{Username: req.Username, PasswordHash: string(hash), Status: model.AccountNormal}
		if err := h.db.WithContext(c.Request.Context()).Create(&acc).Error; err != nil {
			if isUniqueViolation(err) {
				c.JSON(http.StatusConflict, gin.H{"error": "username already taken"})
				return
			}
			h.logger.Error("account registration failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "registration failed"})
			return
		}
		h.logger.Info("account registered", zap.Int64("account_id", acc.ID))
	case err != nil:
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "try again later"})
		return
	default:
		if bcrypt.CompareHashAndPassword([]byte(acc.PasswordHash), []byte(req.Password)) != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}
		if acc.Status == model.AccountBanned {
			c.JSON(http.StatusForbidden, gin.H{"error": "account banned"})
			return
		}
	}

	token, err := h.issue(c.Request.Context(), acc.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token error"})
		return
	}
	_ = h.db.WithContext(c.Request.Context()).Model(&acc).Update("last_login_at", time.Now().UTC()).Error
	c.JSON(http.StatusOK, gin.H{"token": token, "account_id": acc.ID})
}

// Logout handles POST /api/auth/logout.
func (h *AuthHandler) Logout(c *gin.Context) {
	h.revoke(c.Request.Context(), mw.BearerToken(c))
	c.JSON(http.StatusOK, gin.H{"message": "logged out"})
}

// Refresh handles POST /api/auth/refresh: the presented token is revoked
// and a new one issued.
func (h *AuthHandler) Refresh(c *gin.Context) {
	accountID := mw.GetAccountID(c)
	h.revoke(c.Request.Context(), mw.BearerToken(c))
	token, err := h.issue(c.Request.Context(), accountID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token})
}

func (h *AuthHandler) issue(ctx context.Context, accountID int64) (string, error) {
	token, err := mw.GenerateToken(accountID, h.sec.JWTSecret, h.sec.JWTTTLH)
	if err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := h.cache.Set(ctx, mw.SessionKey(token), strconv.FormatInt(accountID, 10), h.sec.JWTTTLH); err != nil {
		return "", err
	}
	return token, nil
}

func (h *AuthHandler) revoke(ctx context.Context, token string) {
	if token == "" {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := h.cache.Del(ctx, mw.SessionKey(token)); err != nil {
		h.logger.Warn("session revoke failed", zap.Error(err))
	}
}

// isUniqueViolation detects duplicate-key errors from the supported drivers.
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate")
}
