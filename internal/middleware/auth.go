package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"cloud-relay/internal/apierror"
	"cloud-relay/internal/auth"
)

const identityContextKey = "identity"

// APIKeyHeader carries an API key when it is not part of the path.
const APIKeyHeader = "X-API-Key"

type Authenticator interface {
	AuthenticateUser(token, requiredScope string) (auth.Identity, error)
	AuthenticateAPIKey(key string) (auth.Identity, error)
}

func IdentityFromContext(c *gin.Context) (auth.Identity, bool) {
	v, ok := c.Get(identityContextKey)
	if !ok {
		return auth.Identity{}, false
	}
	id, ok := v.(auth.Identity)
	return id, ok && id.AccountID != ""
}

// RequireUser accepts a user bearer token carrying scope.
func RequireUser(authn Authenticator, scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c)
		if !ok {
			abortUnauthorized(c)
			return
		}
		id, err := authn.AuthenticateUser(token, scope)
		if err != nil {
			_ = c.Error(err)
			abortUnauthorized(c)
			return
		}
		c.Set(identityContextKey, id)
		c.Next()
	}
}

// RequireAPIKey resolves the caller from the :key path parameter or the
// X-API-Key header.
func RequireAPIKey(authn Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.Param("key")
		if key == "" {
			key = c.GetHeader(APIKeyHeader)
		}
		id, err := authn.AuthenticateAPIKey(key)
		if err != nil {
			_ = c.Error(err)
			abortUnauthorized(c)
			return
		}
		c.Set(identityContextKey, id)
		c.Next()
	}
}

func bearerToken(c *gin.Context) (string, bool) {
	parts := strings.SplitN(c.GetHeader("Authorization"), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

func abortUnauthorized(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, apierror.BodyOf(auth.ErrUnauthorized))
}
