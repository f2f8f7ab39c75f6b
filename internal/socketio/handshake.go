package socketio

import (
	"encoding/json"

	"cloud-relay/internal/auth"
	"cloud-relay/internal/rooms"
)

const (
	EventUserAuthentication     = "user-authentication"
	EventInstanceAuthentication = "instance-authentication"
)

type handshakeRequest struct {
	AccessToken  string          `json:"access_token"`
	Fingerprints json.RawMessage `json:"fingerprints,omitempty"`
}

type handshakeAck struct {
	Authenticated bool `json:"authenticated"`
}

// handleHandshake runs one of the two authentication events. On failure the
// client is told so through the ack and the socket is closed; there is no
// second attempt on the same connection.
func (s *Server) handleHandshake(c *conn, p packet, event string, args []json.RawMessage) {
	if c.currentState() != stateUnauthenticated {
		c.ack(p.Namespace, p.ID, handshakeAck{Authenticated: c.currentState() == stateAuthenticated})
		return
	}

	var req handshakeRequest
	if len(args) > 0 {
		_ = json.Unmarshal(args[0], &req)
	}

	var (
		id  auth.Identity
		err error
	)
	if req.AccessToken == "" {
		err = auth.ErrUnauthorized
	} else if event == EventUserAuthentication {
		id, err = s.authn.AuthenticateUser(req.AccessToken, auth.ScopeFull)
	} else {
		id, err = s.authn.AuthenticateInstance(req.AccessToken)
	}
	if err != nil {
		s.log.Debug().Err(err).Str("sid", c.sid).Str("event", event).Msg("handshake rejected")
		c.ack(p.Namespace, p.ID, handshakeAck{Authenticated: false})
		c.close()
		return
	}

	if !c.authenticate(id) {
		// The grace timer won the race.
		return
	}
	c.grace.Stop()

	if id.IsUser() {
		s.rooms.Join(c, rooms.UserTopic(id.UserID), rooms.AccountUsersTopic(id.AccountID))
	} else {
		s.rooms.Join(c, rooms.InstanceTopic(id.InstanceID), rooms.AccountInstancesTopic(id.AccountID))
	}
	c.ack(p.Namespace, p.ID, handshakeAck{Authenticated: true})

	if id.IsUser() {
		s.presence.UserConnected(id.AccountID, id.UserID)
	} else {
		s.presence.InstanceConnected(id.AccountID, id.InstanceID, req.Fingerprints)
	}
	s.log.Info().
		Str("sid", c.sid).
		Str("kind", string(id.Kind)).
		Str("account_id", id.AccountID).
		Str("user_id", id.UserID).
		Str("instance_id", id.InstanceID).
		Msg("socket authenticated")
}
