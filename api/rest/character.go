package rest

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	mw "github.com/kasuganosora/mailsystem/middleware"
	"github.com/kasuganosora/mailsystem/model"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

const maxCharacters = 3

// CharacterHandler manages the characters that own mailboxes.
type CharacterHandler struct {
	db     *gorm.DB
	logger *zap.Logger
}

func NewCharacterHandler(db *gorm.DB, logger *zap.Logger) *CharacterHandler {
	return &CharacterHandler{db: db, logger: logger}
}

// Owns reports whether accountID owns charID. It backs the CharacterOwner
// middleware.
func (h *CharacterHandler) Owns(ctx context.Context, accountID, charID int64) (bool, error) {
	var n int64
	err := h.db.WithContext(ctx).Model(&model.Character{}).
		Where("id = ? AND account_id = ?", charID, accountID).Count(&n).Error
	return n > 0, err
}

// List handles GET /api/characters.
func (h *CharacterHandler) List(c *gin.Context) {
	var chars []model.Character
	if err := h.db.WithContext(c.Request.Context()).Where("account_id = ?", mw.GetAccountID(c)).
		Order("id").Find(&chars).Error; err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "try again later"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"characters": chars})
}

type createCharacterRequest struct {
	Name string `json:"name" binding:"required,min=1,max=32"`
}

// Create handles POST /api/characters.
func (h *CharacterHandler) Create(c *gin.Context) {
	accountID := mw.GetAccountID(c)
	var req createCharacterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var n int64
	if err := h.db.WithContext(c.Request.Context()).Model(&model.Character{}).
		Where("account_id = ?", accountID).Count(&n).Error; err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "try again later"})
		return
	}
	if n >= maxCharacters {
		c.JSON(http.StatusBadRequest, gin.H{"error": "max characters reached"})
		return
	}

	char := &model.Character{AccountID: accountID, Name: req.Name}
	if err := h.db.WithContext(c.Request.Context()).Create(char).Error; err != nil {
		if isUniqueViolation(err) {
			c.JSON(http.StatusConflict, gin.H{"error": "character name already taken"})
			return
		}
		h.logger.Error("character create failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusCreated, char)
}

type deleteCharacterRequest struct {
	Password string `json:"password" binding:"required"`
}

// Delete handles DELETE /api/characters/:id. Mail the character sent and
// that later expires is returned to the admin mailbox.
func (h *CharacterHandler) Delete(c *gin.Context) {
	accountID := mw.GetAccountID(c)
	charID := mw.GetCharID(c)
	var req deleteCharacterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "password required"})
		return
	}

	var acc model.Account
	if err := h.db.WithContext(c.Request.Context()).Take(&acc, accountID).Error; err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	if bcrypt.CompareHashAndPassword([]byte(acc.PasswordHash), []byte(req.Password)) != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "wrong password"})
		return
	}

	res := h.db.WithContext(c.Request.Context()).
		Where("id = ? AND account_id = ?", charID, accountID).Delete(&model.Character{})
	if res.Error != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "try again later"})
		return
	}
	if res.RowsAffected == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "character not found"})
		return
	}
	h.logger.Info("character deleted", zap.Int64("char_id", charID), zap.Int64("account_id", accountID))
	c.JSON(http.StatusOK, gin.H{"message": "deleted"})
}
