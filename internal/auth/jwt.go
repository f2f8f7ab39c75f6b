package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Audience separates dashboard users from instance connections. A token
// minted for one is never accepted for the other.
type Audience string

const (
	AudienceUser     Audience = "user"
	AudienceInstance Audience = "instance"
)

const (
	// ScopeFull is required for every relay operation.
	ScopeFull = "full"
	// ScopeConfigureTwoFactor is a scoped-down grant issued mid-login.
	ScopeConfigureTwoFactor = "configure-2fa"
)

type Claims struct {
	Scope    string `json:"scope,omitempty"`
	DeviceID string `json:"device_id,omitempty"`
	jwt.RegisteredClaims
}

func (c *Claims) HasScope(scope string) bool {
	for _, s := range strings.Fields(c.Scope) {
		if s == scope {
			return true
		}
	}
	return false
}

type TokenConfig struct {
	Secret string
	Expiry time.Duration
	Issuer string
}

type TokenRequest struct {
	Subject  string
	Audience Audience
	Scopes   []string
	DeviceID string
}

func CreateToken(req TokenRequest, cfg TokenConfig) (string, error) {
	if cfg.Secret == "" {
		return "", errors.New("missing secret")
	}
	if req.Subject == "" {
		return "", errors.New("missing subject")
	}
	if req.Audience != AudienceUser && req.Audience != AudienceInstance {
		return "", errors.New("invalid audience")
	}
	if cfg.Expiry <= 0 {
		return "", errors.New("invalid expiry")
	}

	jtiBytes := make([]byte, 16)
	if _, err := rand.Read(jtiBytes); err != nil {
		return "", err
	}

	now := time.Now()
	claims := Claims{
		Scope:    strings.Join(req.Scopes, " "),
		DeviceID: req.DeviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    cfg.Issuer,
			Subject:   req.Subject,
			Audience:  jwt.ClaimStrings{string(req.Audience)},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(cfg.Expiry)),
			ID:        hex.EncodeToString(jtiBytes),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(cfg.Secret))
}

// VerifyToken checks a first-party HS256 token's signature, issuer, audience
// and expiry.
func VerifyToken(tokenString string, audience Audience, cfg TokenConfig) (*Claims, error) {
	return verify(tokenString, audience, cfg, nil)
}

func verify(tokenString string, audience Audience, cfg TokenConfig, external jwt.Keyfunc) (*Claims, error) {
	if cfg.Secret == "" {
		return nil, errors.New("missing secret")
	}
	if tokenString == "" {
		return nil, errors.New("empty token")
	}

	methods := []string{jwt.SigningMethodHS256.Alg()}
	if external != nil {
		methods = append(methods, jwt.SigningMethodRS256.Alg(), jwt.SigningMethodES256.Alg())
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods(methods),
		jwt.WithIssuer(cfg.Issuer),
		jwt.WithAudience(string(audience)),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	)

	parsed, err := parser.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if t.Method == jwt.SigningMethodHS256 {
			return []byte(cfg.Secret), nil
		}
		if external != nil {
			return external(t)
		}
		return nil, jwt.ErrSignatureInvalid
	})
	if err != nil {
		return nil, err
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, jwt.ErrSignatureInvalid
	}
	if claims.Subject == "" {
		return nil, errors.New("missing sub")
	}
	return claims, nil
}
