package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"cloud-relay/internal/apierror"
	"cloud-relay/internal/openapi"
)

const maxBridgeBody = 1 << 20

type OpenAPIHandler struct {
	Bridge *openapi.Bridge
	Log    zerolog.Logger
}

func readBody(c *gin.Context) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxBridgeBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, apierror.ErrInvalidRequest
		}
		return nil, err
	}
	return body, nil
}

func readJSON(c *gin.Context) (json.RawMessage, error) {
	body, err := readBody(c)
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		return nil, nil
	}
	if !json.Valid(body) {
		return nil, apierror.ErrInvalidRequest
	}
	return json.RawMessage(body), nil
}

// Relay forwards the JSON body to the caller's primary instance as :action.
func (h *OpenAPIHandler) Relay(c *gin.Context) {
	id, ok := identity(c, h.Log)
	if !ok {
		return
	}
	data, err := readJSON(c)
	if err != nil {
		writeError(c, h.Log, err)
		return
	}
	res, err := h.Bridge.Forward(c.Request.Context(), id, c.Param("action"), data)
	if err != nil {
		writeError(c, h.Log, err)
		return
	}
	c.Data(res.Status, "application/json", res.Body)
}

func (h *OpenAPIHandler) Voice(c *gin.Context) {
	id, ok := identity(c, h.Log)
	if !ok {
		return
	}
	directive, err := readJSON(c)
	if err != nil || directive == nil {
		writeError(c, h.Log, apierror.ErrInvalidRequest)
		return
	}
	res, err := h.Bridge.ForwardVoice(c.Request.Context(), id, c.Param("assistant"), directive)
	if err != nil {
		writeError(c, h.Log, err)
		return
	}
	c.Data(res.Status, "application/json", res.Body)
}

// Webhook relays any method and path below the key and writes the
// instance's status, headers and body back unchanged.
func (h *OpenAPIHandler) Webhook(c *gin.Context) {
	id, ok := identity(c, h.Log)
	if !ok {
		return
	}
	body, err := readBody(c)
	if err != nil {
		writeError(c, h.Log, err)
		return
	}
	path := c.Param("path")
	if path == "" {
		path = "/"
	}
	resp, err := h.Bridge.ForwardWebhook(c.Request.Context(), id, openapi.WebhookRequest{
		Method:  c.Request.Method,
		Path:    path,
		Query:   c.Request.URL.RawQuery,
		Headers: c.Request.Header.Clone(),
		Body:    body,
	})
	if err != nil {
		writeError(c, h.Log, err)
		return
	}

	for name, values := range resp.Headers {
		for _, v := range values {
			c.Writer.Header().Add(name, v)
		}
	}
	c.Status(resp.Status)
	_, _ = c.Writer.Write(resp.Body)
}
