package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"cloud-relay/internal/auth"
	"cloud-relay/internal/store"
)

type AccountHandler struct {
	Store *store.Store
	Log   zerolog.Logger
}

// Me returns the caller, their account and the account's primary instance.
func (h *AccountHandler) Me(c *gin.Context) {
	id, ok := identity(c, h.Log)
	if !ok {
		return
	}

	user, ok := h.Store.GetUser(id.UserID)
	if !ok {
		writeError(c, h.Log, auth.ErrUnauthorized)
		return
	}
	account, ok := h.Store.GetAccount(id.AccountID)
	if !ok {
		writeError(c, h.Log, store.ErrNotFound)
		return
	}

	var primary any
	if inst, ok := h.Store.GetPrimaryInstanceByAccount(id.AccountID); ok {
		primary = inst
	}
	c.JSON(http.StatusOK, gin.H{
		"user":            user,
		"account":         account,
		"primaryInstance": primary,
	})
}
