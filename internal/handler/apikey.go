package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"cloud-relay/internal/apierror"
	"cloud-relay/internal/auth"
	"cloud-relay/internal/presence"
	"cloud-relay/internal/store"
)

type APIKeyHandler struct {
	Store    *store.Store
	Presence *presence.Manager
	Log      zerolog.Logger
}

type createAPIKeyBody struct {
	Name string `json:"name"`
}

// Create mints a key for the caller. The plaintext key is returned once and
// only its digest is kept.
func (h *APIKeyHandler) Create(c *gin.Context) {
	id, ok := identity(c, h.Log)
	if !ok {
		return
	}
	var body createAPIKeyBody
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, h.Log, apierror.ErrInvalidRequest)
		return
	}

	key, err := auth.GenerateAPIKey()
	if err != nil {
		writeError(c, h.Log, err)
		return
	}
	rec, err := h.Store.CreateAPIKey(id.UserID, body.Name, auth.HashAPIKey(key), time.Now().UnixMilli())
	if err != nil {
		writeError(c, h.Log, err)
		return
	}
	h.Presence.CredentialsChanged(c.Request.Context(), id.AccountID)
	c.JSON(http.StatusCreated, gin.H{
		"apiKey": gin.H{"id": rec.ID, "name": rec.Name, "createdAt": rec.CreatedAt},
		"key":    key,
	})
}

func (h *APIKeyHandler) Delete(c *gin.Context) {
	id, ok := identity(c, h.Log)
	if !ok {
		return
	}
	if err := h.Store.DeleteAPIKey(id.UserID, c.Param("id")); err != nil {
		writeError(c, h.Log, err)
		return
	}
	h.Presence.CredentialsChanged(c.Request.Context(), id.AccountID)
	c.Status(http.StatusNoContent)
}
