package socketio

import (
	"context"
	"encoding/json"

	"cloud-relay/internal/apierror"
	"cloud-relay/internal/auth"
	"cloud-relay/internal/rooms"
	"cloud-relay/internal/store"
)

const (
	EventMessage = "message"
	EventLatency = "latency"
)

func (s *Server) handleEvent(c *conn, p packet) {
	name, args, err := p.event()
	if err != nil {
		s.log.Debug().Err(err).Str("sid", c.sid).Msg("dropping malformed event")
		return
	}

	switch name {
	case EventUserAuthentication, EventInstanceAuthentication:
		s.handleHandshake(c, p, name, args)
		return
	case EventLatency:
		// Echoed unchanged so clients can time the round trip.
		if len(args) > 0 {
			c.ack(p.Namespace, p.ID, args[0])
		} else {
			c.ack(p.Namespace, p.ID)
		}
		return
	}

	if c.currentState() != stateAuthenticated {
		return
	}

	switch name {
	case EventMessage:
		var req messageRequest
		if len(args) == 0 || json.Unmarshal(args[0], &req) != nil {
			c.ack(p.Namespace, p.ID, apierror.BodyOf(apierror.ErrInvalidRequest))
			return
		}
		// Relayed requests can take a full fleet timeout; keep reading acks
		// and other events meanwhile.
		go s.handleMessage(c, p, req)
	}
}

type messageRequest struct {
	Target      string          `json:"target,omitempty"`
	Payload     json.RawMessage `json:"payload"`
	Correlation json.RawMessage `json:"correlation,omitempty"`
}

// relayedMessage is what the addressed connection receives.
type relayedMessage struct {
	Sender      auth.Sender     `json:"sender"`
	Payload     json.RawMessage `json:"payload"`
	Correlation json.RawMessage `json:"correlation,omitempty"`
}

type deliveredAck struct {
	Delivered bool `json:"delivered"`
}

func (s *Server) handleMessage(c *conn, p packet, req messageRequest) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-c.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	id := c.identity
	msg, err := json.Marshal(relayedMessage{Sender: id.Sender(), Payload: req.Payload, Correlation: req.Correlation})
	if err != nil {
		c.ack(p.Namespace, p.ID, apierror.BodyOf(err))
		return
	}

	if id.IsUser() {
		reply, err := s.messageToInstance(ctx, id, req.Target, msg)
		if err != nil {
			s.logMessageError(c, err)
			c.ack(p.Namespace, p.ID, apierror.BodyOf(err))
			return
		}
		c.ack(p.Namespace, p.ID, reply)
		return
	}

	if err := s.messageToUsers(ctx, id, req.Target, msg); err != nil {
		s.logMessageError(c, err)
		c.ack(p.Namespace, p.ID, apierror.BodyOf(err))
		return
	}
	c.ack(p.Namespace, p.ID, deliveredAck{Delivered: true})
}

// messageToInstance is request/response: the user waits for the instance's
// reply. An empty target means the account's primary instance.
func (s *Server) messageToInstance(ctx context.Context, id auth.Identity, target string, msg json.RawMessage) (json.RawMessage, error) {
	if target == "" {
		primary, ok := s.dir.GetPrimaryInstanceByAccount(id.AccountID)
		if !ok {
			return nil, store.ErrNotFound
		}
		target = primary.ID
	} else {
		inst, ok := s.dir.GetInstance(target)
		if !ok {
			return nil, store.ErrNotFound
		}
		if inst.AccountID != id.AccountID {
			return nil, store.ErrForbidden
		}
	}
	return s.relay.Request(ctx, rooms.InstanceTopic(target), EventMessage, msg)
}

// messageToUsers is fire-and-forget. An empty target means every user of
// the account.
func (s *Server) messageToUsers(ctx context.Context, id auth.Identity, target string, msg json.RawMessage) error {
	topic := rooms.AccountUsersTopic(id.AccountID)
	if target != "" {
		user, ok := s.dir.GetUser(target)
		if !ok {
			return store.ErrNotFound
		}
		if user.AccountID != id.AccountID {
			return store.ErrForbidden
		}
		topic = rooms.UserTopic(target)
	}
	return s.relay.Broadcast(ctx, topic, EventMessage, msg)
}

func (s *Server) logMessageError(c *conn, err error) {
	if apierror.Classify(err).Expected {
		s.log.Debug().Err(err).Str("sid", c.sid).Msg("message not delivered")
		return
	}
	s.log.Error().Err(err).Str("sid", c.sid).Msg("message relay failed")
}
