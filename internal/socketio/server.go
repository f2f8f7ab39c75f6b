// Package socketio serves engine.io v4 / socket.io v5 over websocket and
// implements the relay handshake and event set on top of it.
package socketio

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"cloud-relay/internal/auth"
	"cloud-relay/internal/model"
	"cloud-relay/internal/relay"
	"cloud-relay/internal/rooms"
)

const (
	maxPayload   int64         = 1000000
	writeTimeout time.Duration = 10 * time.Second

	defaultAckTimeout     = 20 * time.Second
	defaultHandshakeGrace = 90 * time.Second
	defaultPingInterval   = 25 * time.Second
	defaultPingTimeout    = 20 * time.Second
)

type Authenticator interface {
	AuthenticateUser(token, requiredScope string) (auth.Identity, error)
	AuthenticateInstance(token string) (auth.Identity, error)
}

type Directory interface {
	GetUser(userID string) (model.User, bool)
	GetInstance(instanceID string) (model.Instance, bool)
	GetPrimaryInstanceByAccount(accountID string) (model.Instance, bool)
}

// Relay is the fleet side used for messages that leave this connection.
type Relay interface {
	Request(ctx context.Context, topic rooms.Topic, event string, payload json.RawMessage) (json.RawMessage, error)
	Broadcast(ctx context.Context, topic rooms.Topic, event string, payload json.RawMessage) error
}

// Presence is told about every authenticated arrival and departure.
type Presence interface {
	UserConnected(accountID, userID string)
	UserDisconnected(accountID, userID string)
	InstanceConnected(accountID, instanceID string, fingerprints json.RawMessage)
	InstanceDisconnected(accountID, instanceID string)
}

type Deps struct {
	Authenticator Authenticator
	Directory     Directory
	Relay         Relay
	Presence      Presence
	Rooms         *rooms.Directory
	Logger        zerolog.Logger

	AckTimeout     time.Duration
	HandshakeGrace time.Duration
	PingInterval   time.Duration
	PingTimeout    time.Duration
}

type Server struct {
	authn    Authenticator
	dir      Directory
	relay    Relay
	presence Presence
	rooms    *rooms.Directory
	log      zerolog.Logger

	ackTimeout     time.Duration
	handshakeGrace time.Duration
	pingInterval   time.Duration
	pingTimeout    time.Duration

	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*conn]struct{}
}

var _ relay.LocalDirectory = (*Server)(nil)

func NewServer(deps Deps) *Server {
	s := &Server{
		authn:          deps.Authenticator,
		dir:            deps.Directory,
		relay:          deps.Relay,
		presence:       deps.Presence,
		rooms:          deps.Rooms,
		log:            deps.Logger,
		ackTimeout:     orDefault(deps.AckTimeout, defaultAckTimeout),
		handshakeGrace: orDefault(deps.HandshakeGrace, defaultHandshakeGrace),
		pingInterval:   orDefault(deps.PingInterval, defaultPingInterval),
		pingTimeout:    orDefault(deps.PingTimeout, defaultPingTimeout),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns: make(map[*conn]struct{}),
	}
	if s.rooms == nil {
		s.rooms = rooms.New()
	}
	if s.presence == nil {
		s.presence = nopPresence{}
	}
	return s
}

type nopPresence struct{}

func (nopPresence) UserConnected(string, string)                      {}
func (nopPresence) UserDisconnected(string, string)                   {}
func (nopPresence) InstanceConnected(string, string, json.RawMessage) {}
func (nopPresence) InstanceDisconnected(string, string)               {}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

func (s *Server) Rooms() *rooms.Directory { return s.rooms }

// ConnectionCount is the number of open sockets on this node, authenticated
// or not.
func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	ws.SetReadLimit(maxPayload)

	c := newConn(ws, s.pingInterval)
	s.registerConn(c)
	defer s.unregisterConn(c)

	open := map[string]any{
		"sid":          c.sid,
		"upgrades":     []string{},
		"pingInterval": s.pingInterval.Milliseconds(),
		"pingTimeout":  s.pingTimeout.Milliseconds(),
		"maxPayload":   maxPayload,
	}
	openBytes, _ := json.Marshal(open)
	if err := c.writeFrame(append([]byte{byte(engineOpen)}, openBytes...)); err != nil {
		return
	}

	c.grace = time.AfterFunc(s.handshakeGrace, func() {
		if c.expire() {
			s.log.Debug().Str("sid", c.sid).Msg("handshake grace period elapsed")
		}
	})

	go c.pingLoop(s.pingInterval, s.pingTimeout)
	c.readLoop(func(msg string) {
		s.handleFrame(c, msg)
	})
}

func (s *Server) registerConn(c *conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[c] = struct{}{}
}

func (s *Server) unregisterConn(c *conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()

	s.rooms.LeaveAll(c)
	c.close()

	// A newer socket for the same identity on this node keeps it reachable.
	id := c.identity
	switch {
	case id.IsUser():
		if s.rooms.Count(rooms.UserTopic(id.UserID)) == 0 {
			s.presence.UserDisconnected(id.AccountID, id.UserID)
		}
	case id.IsInstance():
		if s.rooms.Count(rooms.InstanceTopic(id.InstanceID)) == 0 {
			s.presence.InstanceDisconnected(id.AccountID, id.InstanceID)
		}
	}
	s.log.Debug().Str("sid", c.sid).Str("kind", string(id.Kind)).Msg("socket closed")
}

// Shutdown closes every socket on this node.
func (s *Server) Shutdown() {
	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
}

func (s *Server) handleFrame(c *conn, msg string) {
	if msg == "" {
		return
	}

	switch engineType(msg[0]) {
	case enginePong:
		c.markPong()
	case enginePing:
		_ = c.writeFrame([]byte{byte(enginePong)})
	case engineMessage:
		s.handlePacket(c, msg[1:])
	case engineClose:
		c.close()
	}
}

func (s *Server) handlePacket(c *conn, payload string) {
	p, err := decodePacket(payload)
	if err != nil {
		s.log.Debug().Err(err).Str("sid", c.sid).Msg("dropping malformed packet")
		return
	}

	switch p.Type {
	case packetConnect:
		s.handleConnect(c, p)
	case packetDisconnect:
		c.close()
	case packetEvent:
		s.handleEvent(c, p)
	case packetAck:
		id, args, err := p.ackArgs()
		if err != nil {
			return
		}
		c.resolveAck(id, args)
	}
}

// handleConnect accepts the namespace without credentials; authentication
// happens through the handshake events.
func (s *Server) handleConnect(c *conn, p packet) {
	if p.Namespace != defaultNamespace {
		if reply, err := newConnectError(p.Namespace, "Invalid namespace"); err == nil {
			_ = c.send(reply)
		}
		return
	}
	reply, err := newConnect(p.Namespace, c.sid)
	if err != nil {
		return
	}
	_ = c.send(reply)
}
