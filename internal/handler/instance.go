package handler

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"cloud-relay/internal/apierror"
	"cloud-relay/internal/auth"
	"cloud-relay/internal/model"
	"cloud-relay/internal/presence"
	"cloud-relay/internal/relay"
	"cloud-relay/internal/rooms"
	"cloud-relay/internal/store"
)

type InstanceHandler struct {
	Store       *store.Store
	Presence    *presence.Manager
	Relay       *relay.Dispatcher
	TokenConfig auth.TokenConfig
	Log         zerolog.Logger
}

type registerInstanceBody struct {
	Name string `json:"name"`
}

func (h *InstanceHandler) List(c *gin.Context) {
	id, ok := identity(c, h.Log)
	if !ok {
		return
	}
	instances := h.Store.ListInstances(id.AccountID)
	if instances == nil {
		instances = []model.Instance{}
	}
	c.JSON(http.StatusOK, gin.H{"instances": instances})
}

// Register adds an instance to the caller's account and returns the token
// the instance authenticates its socket with. An account's first instance
// becomes primary.
func (h *InstanceHandler) Register(c *gin.Context) {
	id, ok := identity(c, h.Log)
	if !ok {
		return
	}

	var body registerInstanceBody
	if err := c.ShouldBindJSON(&body); err != nil || strings.TrimSpace(body.Name) == "" {
		writeError(c, h.Log, apierror.ErrInvalidRequest)
		return
	}

	inst, err := h.Store.CreateInstance(id.AccountID, strings.TrimSpace(body.Name), time.Now().UnixMilli())
	if err != nil {
		writeError(c, h.Log, err)
		return
	}
	token, err := auth.CreateToken(auth.TokenRequest{Subject: inst.ID, Audience: auth.AudienceInstance}, h.TokenConfig)
	if err != nil {
		writeError(c, h.Log, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"instance": inst, "token": token})
}

// Delete removes the instance and closes its socket wherever it is attached.
func (h *InstanceHandler) Delete(c *gin.Context) {
	id, ok := identity(c, h.Log)
	if !ok {
		return
	}
	instanceID := c.Param("id")
	if err := h.Store.DeleteInstance(id.AccountID, instanceID, time.Now().UnixMilli()); err != nil {
		writeError(c, h.Log, err)
		return
	}
	if err := h.Relay.Disconnect(c.Request.Context(), rooms.InstanceTopic(instanceID)); err != nil {
		h.Log.Warn().Err(err).Str("instance_id", instanceID).Msg("disconnect after delete")
	}
	h.Presence.CredentialsChanged(c.Request.Context(), id.AccountID)
	c.Status(http.StatusNoContent)
}

func (h *InstanceHandler) SetPrimary(c *gin.Context) {
	id, ok := identity(c, h.Log)
	if !ok {
		return
	}
	inst, err := h.Presence.SetPrimary(c.Request.Context(), id.AccountID, c.Param("id"))
	if err != nil {
		writeError(c, h.Log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"instance": inst})
}

// Disconnect closes the instance's live socket anywhere in the fleet. The
// instance may reconnect.
func (h *InstanceHandler) Disconnect(c *gin.Context) {
	id, ok := identity(c, h.Log)
	if !ok {
		return
	}
	inst, found := h.Store.GetInstance(c.Param("id"))
	if !found {
		writeError(c, h.Log, store.ErrNotFound)
		return
	}
	if inst.AccountID != id.AccountID {
		writeError(c, h.Log, store.ErrForbidden)
		return
	}
	if err := h.Relay.Disconnect(c.Request.Context(), rooms.InstanceTopic(inst.ID)); err != nil {
		writeError(c, h.Log, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"ok": true})
}
