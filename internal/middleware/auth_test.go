package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"cloud-relay/internal/auth"
	"cloud-relay/internal/store"
)

func newTestAuth(t *testing.T) (*auth.Authenticator, *store.Store, auth.TokenConfig, string) {
	t.Helper()
	st := store.New()
	acc := st.CreateAccount("home", 1)
	user, err := st.CreateUser(acc.ID, "owner", 1)
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	cfg := auth.TokenConfig{Secret: "secret", Expiry: time.Hour, Issuer: "test"}
	return auth.NewAuthenticator(cfg, st), st, cfg, user.ID
}

func identityEcho(c *gin.Context) {
	id, ok := IdentityFromContext(c)
	if !ok {
		c.Status(http.StatusInternalServerError)
		return
	}
	c.String(http.StatusOK, id.UserID)
}

func TestRequireUser_SetsIdentity(t *testing.T) {
	gin.SetMode(gin.TestMode)
	authn, _, cfg, userID := newTestAuth(t)
	tok, err := auth.CreateToken(auth.TokenRequest{Subject: userID, Audience: auth.AudienceUser, Scopes: []string{auth.ScopeFull}}, cfg)
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}

	r := gin.New()
	r.GET("/", RequireUser(authn, auth.ScopeFull), identityEcho)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK || w.Body.String() != userID {
		t.Fatalf("expected 200 %s, got %d %s", userID, w.Code, w.Body.String())
	}
}

func TestRequireUser_Rejects(t *testing.T) {
	gin.SetMode(gin.TestMode)
	authn, _, cfg, userID := newTestAuth(t)
	scoped, err := auth.CreateToken(auth.TokenRequest{Subject: userID, Audience: auth.AudienceUser, Scopes: []string{auth.ScopeConfigureTwoFactor}}, cfg)
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}

	r := gin.New()
	r.GET("/", RequireUser(authn, auth.ScopeFull), identityEcho)

	for name, header := range map[string]string{
		"missing":     "",
		"not-bearer":  "Basic abc",
		"scoped-down": "Bearer " + scoped,
	} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", name, w.Code)
		}
		if w.Body.String() != `{"error":{"code":"unauthorized","message":"Unauthorized"}}` {
			t.Fatalf("%s: unexpected body %s", name, w.Body.String())
		}
	}
}

func TestRequireAPIKey_PathOrHeader(t *testing.T) {
	gin.SetMode(gin.TestMode)
	authn, st, _, userID := newTestAuth(t)
	key, err := auth.GenerateAPIKey()
	if err != nil {
		t.Fatalf("GenerateAPIKey: %v", err)
	}
	if _, err := st.CreateAPIKey(userID, "hook", auth.HashAPIKey(key), 1); err != nil {
		t.Fatalf("CreateAPIKey: %v", err)
	}

	r := gin.New()
	r.GET("/hook/:key", RequireAPIKey(authn), identityEcho)
	r.GET("/hook", RequireAPIKey(authn), identityEcho)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/hook/"+key, nil))
	if w.Code != http.StatusOK || w.Body.String() != userID {
		t.Fatalf("path key: expected 200, got %d", w.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/hook", nil)
	req.Header.Set(APIKeyHeader, key)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("header key: expected 200, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/hook/rk_wrong", nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("wrong key: expected 401, got %d", w.Code)
	}
}
