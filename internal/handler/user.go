package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"cloud-relay/internal/relay"
	"cloud-relay/internal/rooms"
	"cloud-relay/internal/store"
)

type UserHandler struct {
	Store *store.Store
	Relay *relay.Dispatcher
	Log   zerolog.Logger
}

// Revoke closes every socket of the user, on whichever node it lives. Only
// members of the same account may revoke.
func (h *UserHandler) Revoke(c *gin.Context) {
	id, ok := identity(c, h.Log)
	if !ok {
		return
	}
	target, found := h.Store.GetUser(c.Param("id"))
	if !found {
		writeError(c, h.Log, store.ErrNotFound)
		return
	}
	if target.AccountID != id.AccountID {
		writeError(c, h.Log, store.ErrForbidden)
		return
	}
	if err := h.Relay.Disconnect(c.Request.Context(), rooms.UserTopic(target.ID)); err != nil {
		writeError(c, h.Log, err)
		return
	}
	h.Log.Info().Str("user_id", target.ID).Str("by", id.UserID).Msg("user sessions revoked")
	c.JSON(http.StatusAccepted, gin.H{"ok": true})
}
