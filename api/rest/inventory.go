package rest

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/kasuganosora/mailsystem/game/item"
	mw "github.com/kasuganosora/mailsystem/middleware"
)

// InventoryHandler shows where claimed items landed.
type InventoryHandler struct {
	inv *item.InventoryService
}

func NewInventoryHandler(inv *item.InventoryService) *InventoryHandler {
	return &InventoryHandler{inv: inv}
}

// List handles GET /api/characters/:id/inventory.
func (h *InventoryHandler) List(c *gin.Context) {
	items, err := h.inv.List(c.Request.Context(), mw.GetCharID(c))
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "try again later"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"inventory": items})
}
