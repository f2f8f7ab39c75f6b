package auth

import (
	"context"
	"errors"
	"fmt"

	"cloud-relay/internal/model"
	keyfunc "github.com/MicahParks/keyfunc/v3"
)

// ErrUnauthorized is the only failure the Authenticator reports. The wrapped
// cause is for logs; callers must not echo it back to clients.
var ErrUnauthorized = errors.New("unauthorized")

// Directory resolves token subjects to live rows.
type Directory interface {
	GetUser(userID string) (model.User, bool)
	GetInstance(instanceID string) (model.Instance, bool)
	GetUserByAPIKeyHash(hash string) (model.User, bool)
}

type Identity struct {
	Kind       Audience
	UserID     string
	InstanceID string
	AccountID  string
	DeviceID   string
}

func (id Identity) IsUser() bool     { return id.Kind == AudienceUser }
func (id Identity) IsInstance() bool { return id.Kind == AudienceInstance }

// Sender is the identity stamped onto relayed messages so the receiving end
// knows who is asking.
type Sender struct {
	Kind       string `json:"kind"`
	UserID     string `json:"user_id,omitempty"`
	InstanceID string `json:"instance_id,omitempty"`
	AccountID  string `json:"account_id"`
}

func (id Identity) Sender() Sender {
	return Sender{
		Kind:       string(id.Kind),
		UserID:     id.UserID,
		InstanceID: id.InstanceID,
		AccountID:  id.AccountID,
	}
}

// Authenticator is shared by the HTTP middleware and the socket handshake.
type Authenticator struct {
	cfg      TokenConfig
	dir      Directory
	external keyfunc.Keyfunc
}

func NewAuthenticator(cfg TokenConfig, dir Directory) *Authenticator {
	return &Authenticator{cfg: cfg, dir: dir}
}

// NewJWKSAuthenticator additionally accepts RS256/ES256 tokens whose keys are
// published at jwksURL. The key set refreshes in the background until ctx ends.
func NewJWKSAuthenticator(ctx context.Context, cfg TokenConfig, dir Directory, jwksURL string) (*Authenticator, error) {
	kf, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("jwks init failed: %w", err)
	}
	return &Authenticator{cfg: cfg, dir: dir, external: kf}, nil
}

func (a *Authenticator) TokenConfig() TokenConfig { return a.cfg }

func (a *Authenticator) verify(token string, audience Audience) (*Claims, error) {
	if a.external != nil {
		return verify(token, audience, a.cfg, a.external.Keyfunc)
	}
	return verify(token, audience, a.cfg, nil)
}

// AuthenticateUser accepts a user token carrying requiredScope. A scoped-down
// token is rejected for any other operation.
func (a *Authenticator) AuthenticateUser(token, requiredScope string) (Identity, error) {
	claims, err := a.verify(token, AudienceUser)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if requiredScope != "" && !claims.HasScope(requiredScope) {
		return Identity{}, fmt.Errorf("%w: missing scope %q", ErrUnauthorized, requiredScope)
	}
	u, ok := a.dir.GetUser(claims.Subject)
	if !ok {
		return Identity{}, fmt.Errorf("%w: unknown user", ErrUnauthorized)
	}
	return Identity{
		Kind:      AudienceUser,
		UserID:    u.ID,
		AccountID: u.AccountID,
		DeviceID:  claims.DeviceID,
	}, nil
}

func (a *Authenticator) AuthenticateInstance(token string) (Identity, error) {
	claims, err := a.verify(token, AudienceInstance)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	inst, ok := a.dir.GetInstance(claims.Subject)
	if !ok {
		return Identity{}, fmt.Errorf("%w: unknown instance", ErrUnauthorized)
	}
	return Identity{
		Kind:       AudienceInstance,
		InstanceID: inst.ID,
		AccountID:  inst.AccountID,
		DeviceID:   claims.DeviceID,
	}, nil
}

func (a *Authenticator) AuthenticateAPIKey(key string) (Identity, error) {
	if key == "" {
		return Identity{}, fmt.Errorf("%w: empty api key", ErrUnauthorized)
	}
	u, ok := a.dir.GetUserByAPIKeyHash(HashAPIKey(key))
	if !ok {
		return Identity{}, fmt.Errorf("%w: unknown api key", ErrUnauthorized)
	}
	return Identity{Kind: AudienceUser, UserID: u.ID, AccountID: u.AccountID}, nil
}
