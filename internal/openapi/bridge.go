// Package openapi maps inbound HTTP calls onto relay requests against an
// account's primary instance and maps the instance's reply back to HTTP.
package openapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"

	"cloud-relay/internal/auth"
	"cloud-relay/internal/model"
	"cloud-relay/internal/rooms"
)

var ErrNoPrimaryInstance = errors.New("account has no primary instance")

const (
	EventOpenAPI  = "open-api"
	ActionWebhook = "webhook"
	voicePrefix   = "voice:"
)

type Requester interface {
	Request(ctx context.Context, topic rooms.Topic, event string, payload json.RawMessage) (json.RawMessage, error)
}

type Directory interface {
	GetPrimaryInstanceByAccount(accountID string) (model.Instance, bool)
}

// Envelope is what the instance receives as the argument of an open-api
// event.
type Envelope struct {
	Action     string          `json:"action"`
	InstanceID string          `json:"instance_id"`
	Data       json.RawMessage `json:"data"`
	Sender     auth.Sender     `json:"sender"`
}

type Result struct {
	Status int
	Body   json.RawMessage
}

type Bridge struct {
	dir   Directory
	relay Requester
	log   zerolog.Logger
}

func NewBridge(dir Directory, relay Requester, logger zerolog.Logger) *Bridge {
	return &Bridge{dir: dir, relay: relay, log: logger}
}

// Forward delivers data to the caller's primary instance under action and
// waits for the reply. A reply object with a status of 400 or more sets
// Result.Status; otherwise it is 200.
func (b *Bridge) Forward(ctx context.Context, caller auth.Identity, action string, data json.RawMessage) (Result, error) {
	reply, err := b.request(ctx, caller, action, data)
	if err != nil {
		return Result{}, err
	}
	return Result{Status: replyStatus(reply), Body: reply}, nil
}

// ForwardVoice forwards a voice-assistant directive after removing anything
// that looks like a credential.
func (b *Bridge) ForwardVoice(ctx context.Context, caller auth.Identity, assistant string, directive json.RawMessage) (Result, error) {
	clean, err := Sanitize(directive)
	if err != nil {
		return Result{}, err
	}
	return b.Forward(ctx, caller, voicePrefix+assistant, clean)
}

func (b *Bridge) request(ctx context.Context, caller auth.Identity, action string, data json.RawMessage) (json.RawMessage, error) {
	primary, ok := b.dir.GetPrimaryInstanceByAccount(caller.AccountID)
	if !ok {
		return nil, ErrNoPrimaryInstance
	}
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	env, err := json.Marshal(Envelope{
		Action:     action,
		InstanceID: primary.ID,
		Data:       data,
		Sender:     caller.Sender(),
	})
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}

	reply, err := b.relay.Request(ctx, rooms.InstanceTopic(primary.ID), EventOpenAPI, env)
	if err != nil {
		return nil, err
	}
	b.log.Debug().Str("action", action).Str("instance_id", primary.ID).Int("reply_bytes", len(reply)).Msg("open-api reply")
	return reply, nil
}

func replyStatus(reply json.RawMessage) int {
	var probe struct {
		Status int `json:"status"`
	}
	if json.Unmarshal(reply, &probe) != nil {
		return http.StatusOK
	}
	if probe.Status >= 400 && probe.Status <= 599 {
		return probe.Status
	}
	return http.StatusOK
}

// WebhookRequest is an inbound HTTP call relayed verbatim to the instance.
type WebhookRequest struct {
	Method  string
	Path    string
	Query   string
	Headers http.Header
	Body    []byte
}

type WebhookResponse struct {
	Status  int
	Headers http.Header
	Body    []byte
}

type webhookData struct {
	Method  string              `json:"method"`
	Path    string              `json:"path"`
	Query   string              `json:"query,omitempty"`
	Headers map[string][]string `json:"headers"`
	Body    string              `json:"body"`
	Base64  bool                `json:"base64"`
}

// framingHeaders describe the instance's own connection or body length and
// must not be copied onto the relayed response.
var framingHeaders = map[string]struct{}{
	"Connection":         {},
	"Content-Length":     {},
	"Keep-Alive":         {},
	"Proxy-Authenticate": {},
	"Proxy-Connection":   {},
	"Te":                 {},
	"Trailer":            {},
	"Transfer-Encoding":  {},
	"Upgrade":            {},
}

func isFramingHeader(name string) bool {
	_, ok := framingHeaders[http.CanonicalHeaderKey(name)]
	return ok
}

type webhookReply struct {
	Status  int                        `json:"status"`
	Headers map[string]json.RawMessage `json:"headers"`
	Body    string                     `json:"body"`
	Base64  bool                       `json:"base64"`
}

// ForwardWebhook relays an arbitrary HTTP request and returns the instance's
// status, headers and body unchanged.
func (b *Bridge) ForwardWebhook(ctx context.Context, caller auth.Identity, req WebhookRequest) (WebhookResponse, error) {
	headers := make(map[string][]string, len(req.Headers))
	for name, values := range req.Headers {
		if isSensitive(name) {
			continue
		}
		headers[http.CanonicalHeaderKey(name)] = values
	}
	data, err := json.Marshal(webhookData{
		Method:  req.Method,
		Path:    req.Path,
		Query:   req.Query,
		Headers: headers,
		Body:    base64.StdEncoding.EncodeToString(req.Body),
		Base64:  true,
	})
	if err != nil {
		return WebhookResponse{}, fmt.Errorf("encode webhook request: %w", err)
	}

	reply, err := b.request(ctx, caller, ActionWebhook, data)
	if err != nil {
		return WebhookResponse{}, err
	}
	return decodeWebhookReply(reply)
}

func decodeWebhookReply(reply json.RawMessage) (WebhookResponse, error) {
	var r webhookReply
	if err := json.Unmarshal(reply, &r); err != nil {
		return WebhookResponse{}, fmt.Errorf("decode webhook reply: %w", err)
	}
	resp := WebhookResponse{Status: r.Status, Headers: make(http.Header, len(r.Headers))}
	if resp.Status < 100 || resp.Status > 599 {
		resp.Status = http.StatusOK
	}
	for name, raw := range r.Headers {
		if isFramingHeader(name) {
			continue
		}
		var many []string
		if json.Unmarshal(raw, &many) == nil {
			for _, v := range many {
				resp.Headers.Add(name, v)
			}
			continue
		}
		var one string
		if err := json.Unmarshal(raw, &one); err != nil {
			return WebhookResponse{}, fmt.Errorf("decode webhook header %q: %w", name, err)
		}
		resp.Headers.Set(name, one)
	}
	if r.Base64 {
		body, err := base64.StdEncoding.DecodeString(r.Body)
		if err != nil {
			return WebhookResponse{}, fmt.Errorf("decode webhook body: %w", err)
		}
		resp.Body = body
	} else {
		resp.Body = []byte(r.Body)
	}
	return resp, nil
}
