package server

import (
	"context"
	"fmt"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"cloud-relay/internal/auth"
	"cloud-relay/internal/bus/memory"
	"cloud-relay/internal/config"
	"cloud-relay/internal/model"
	"cloud-relay/internal/store"
)

type cluster struct {
	store    *store.Store
	tokenCfg auth.TokenConfig
	nodes    []*Node
	servers  []*httptest.Server

	account model.Account
	user    model.User
}

func newCluster(t *testing.T, size int, relayTimeout time.Duration) *cluster {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st := store.New()
	tokenCfg := auth.TokenConfig{Secret: "secret", Expiry: time.Hour, Issuer: "test"}
	authn := auth.NewAuthenticator(tokenCfg, st)
	b := memory.New()

	cl := &cluster{store: st, tokenCfg: tokenCfg}
	for i := 0; i < size; i++ {
		cfg := config.Config{
			NodeID:           fmt.Sprintf("node-%d", i),
			BusChannelPrefix: "relay:",
			RelayTimeout:     relayTimeout,
			AckTimeout:       relayTimeout,
			HandshakeGrace:   time.Minute,
			WebhookRateLimit: 100,
		}
		n, err := NewNode(context.Background(), NodeOptions{
			Config:        cfg,
			Store:         st,
			Bus:           b,
			Authenticator: authn,
			Logger:        zerolog.Nop(),
		})
		if err != nil {
			t.Fatalf("NewNode: %v", err)
		}
		srv := httptest.NewServer(n.Router)
		cl.nodes = append(cl.nodes, n)
		cl.servers = append(cl.servers, srv)
	}
	t.Cleanup(func() {
		for i := range cl.nodes {
			cl.nodes[i].Close()
			cl.servers[i].Close()
		}
		b.Close()
	})

	cl.account = st.CreateAccount("home", 1)
	user, err := st.CreateUser(cl.account.ID, "owner", 1)
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	cl.user = user
	return cl
}

func (cl *cluster) userToken(t *testing.T, userID string) string {
	t.Helper()
	tok, err := auth.CreateToken(auth.TokenRequest{Subject: userID, Audience: auth.AudienceUser, Scopes: []string{auth.ScopeFull}}, cl.tokenCfg)
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}
	return tok
}

func (cl *cluster) instanceToken(t *testing.T, instanceID string) string {
	t.Helper()
	tok, err := auth.CreateToken(auth.TokenRequest{Subject: instanceID, Audience: auth.AudienceInstance}, cl.tokenCfg)
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}
	return tok
}

func (cl *cluster) createInstance(t *testing.T, name string) model.Instance {
	t.Helper()
	inst, err := cl.store.CreateInstance(cl.account.ID, name, time.Now().UnixMilli())
	if err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}
	return inst
}

func waitForPrefix(t *testing.T, c *websocket.Conn, prefix string, timeout time.Duration) string {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		_ = c.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		_, data, err := c.ReadMessage()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			t.Fatalf("ReadMessage: %v", err)
		}
		msg := string(data)
		if msg == "2" {
			_ = c.WriteMessage(websocket.TextMessage, []byte("3"))
			continue
		}
		if strings.HasPrefix(msg, prefix) {
			_ = c.SetReadDeadline(time.Time{})
			return msg
		}
	}
	t.Fatalf("timeout waiting for %q", prefix)
	return ""
}

func waitForClose(t *testing.T, c *websocket.Conn, timeout time.Duration) {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(timeout))
	for {
		_, _, err := c.ReadMessage()
		if err == nil {
			continue
		}
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			t.Fatalf("connection still open after %v", timeout)
		}
		return
	}
}

func writeText(t *testing.T, c *websocket.Conn, msg string) {
	t.Helper()
	if err := c.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		t.Fatalf("WriteMessage(%s): %v", msg, err)
	}
}

// connectSocket opens a socket on srv and completes the handshake with
// event and token.
func connectSocket(t *testing.T, srv *httptest.Server, event, token string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/socket.io/?EIO=4&transport=websocket"
	c, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })

	_ = waitForPrefix(t, c, "0{", 2*time.Second)
	writeText(t, c, "40")
	_ = waitForPrefix(t, c, "40{", 2*time.Second)
	writeText(t, c, fmt.Sprintf(`420[%q,{"access_token":%q}]`, event, token))
	if ack := waitForPrefix(t, c, "430", 2*time.Second); ack != `430[{"authenticated":true}]` {
		t.Fatalf("handshake failed: %s", ack)
	}
	return c
}

// answerNext waits for the next acked event named event on c and replies
// with reply. It returns the event's argument.
func answerNext(t *testing.T, c *websocket.Conn, event, reply string) string {
	t.Helper()
	for {
		msg := waitForPrefix(t, c, "42", 2*time.Second)
		rest := msg[2:]
		digits := 0
		for digits < len(rest) && rest[digits] >= '0' && rest[digits] <= '9' {
			digits++
		}
		if digits == 0 || !strings.HasPrefix(rest[digits:], `["`+event+`"`) {
			continue
		}
		writeText(t, c, "43"+rest[:digits]+"["+reply+"]")
		return rest[digits:]
	}
}
