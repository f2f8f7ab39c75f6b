// Package apierror classifies domain errors into the status codes and
// machine-readable codes shown to HTTP and socket clients.
package apierror

import (
	"errors"
	"net/http"

	"cloud-relay/internal/auth"
	"cloud-relay/internal/openapi"
	"cloud-relay/internal/relay"
	"cloud-relay/internal/store"
)

const (
	CodeUnauthorized        = "unauthorized"
	CodeForbidden           = "forbidden"
	CodeNoInstanceReachable = "no_instance_reachable"
	CodeNoPrimaryInstance   = "no_primary_instance"
	CodeNotFound            = "not_found"
	CodeInvalidRequest      = "invalid_request"
	CodeInternal            = "internal_error"
)

// Header marks 404s that mean "target offline" so proxies and log
// pipelines can tell them apart from ordinary missing routes.
const Header = "X-Relay-Error"

var ErrInvalidRequest = errors.New("invalid request")

type Classified struct {
	Status int
	Code   string
	// Expected outcomes are logged at debug level and kept out of error
	// rates.
	Expected bool
}

func Classify(err error) Classified {
	switch {
	case errors.Is(err, auth.ErrUnauthorized):
		return Classified{Status: http.StatusUnauthorized, Code: CodeUnauthorized, Expected: true}
	case errors.Is(err, store.ErrForbidden):
		return Classified{Status: http.StatusForbidden, Code: CodeForbidden, Expected: true}
	case errors.Is(err, relay.ErrNotFound):
		return Classified{Status: http.StatusNotFound, Code: CodeNoInstanceReachable, Expected: true}
	case errors.Is(err, openapi.ErrNoPrimaryInstance):
		return Classified{Status: http.StatusNotFound, Code: CodeNoPrimaryInstance, Expected: true}
	case errors.Is(err, store.ErrNotFound):
		return Classified{Status: http.StatusNotFound, Code: CodeNotFound, Expected: true}
	case errors.Is(err, store.ErrInvalid), errors.Is(err, ErrInvalidRequest):
		return Classified{Status: http.StatusBadRequest, Code: CodeInvalidRequest, Expected: true}
	default:
		return Classified{Status: http.StatusInternalServerError, Code: CodeInternal}
	}
}

// Relayed reports whether the code should also be set in Header.
func (c Classified) Relayed() bool {
	return c.Code == CodeNoInstanceReachable || c.Code == CodeNoPrimaryInstance
}

// Message is the client-facing text for a code. Causes are never exposed.
func (c Classified) Message() string {
	switch c.Code {
	case CodeUnauthorized:
		return "Unauthorized"
	case CodeForbidden:
		return "Forbidden"
	case CodeNoInstanceReachable:
		return "No instance reachable"
	case CodeNoPrimaryInstance:
		return "No primary instance registered"
	case CodeNotFound:
		return "Not found"
	case CodeInvalidRequest:
		return "Invalid request"
	default:
		return "Internal server error"
	}
}

// Body is the JSON error shape shared by HTTP responses and socket acks.
type Body struct {
	Error Detail `json:"error"`
}

type Detail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func BodyOf(err error) Body {
	c := Classify(err)
	return Body{Error: Detail{Code: c.Code, Message: c.Message()}}
}
