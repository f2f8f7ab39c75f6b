package handler

import (
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"cloud-relay/internal/apierror"
	"cloud-relay/internal/auth"
	"cloud-relay/internal/middleware"
)

// writeError maps err onto the shared error body. Expected outcomes such as
// an offline instance stay at debug level; everything else is an error.
func writeError(c *gin.Context, log zerolog.Logger, err error) {
	cl := apierror.Classify(err)
	if cl.Relayed() {
		c.Header(apierror.Header, cl.Code)
	}
	if cl.Expected {
		log.Debug().Err(err).Str("code", cl.Code).Str("path", c.FullPath()).Msg("request not served")
	} else {
		_ = c.Error(err)
		log.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
	}
	c.AbortWithStatusJSON(cl.Status, apierror.Body{Error: apierror.Detail{Code: cl.Code, Message: cl.Message()}})
}

func identity(c *gin.Context, log zerolog.Logger) (auth.Identity, bool) {
	id, ok := middleware.IdentityFromContext(c)
	if !ok {
		writeError(c, log, auth.ErrUnauthorized)
		return auth.Identity{}, false
	}
	return id, true
}
