package socketio

import (
	"context"
	"encoding/json"

	"cloud-relay/internal/rooms"
)

// Deliver sends event to the newest local member of topic and waits for
// its ack, bounded by ctx and the ack timeout. It is the node-local half of
// a relay request.
func (s *Server) Deliver(ctx context.Context, topic rooms.Topic, event string, payload json.RawMessage) (json.RawMessage, bool, error) {
	m, ok := s.rooms.Latest(topic)
	if !ok {
		return nil, false, nil
	}
	c, ok := m.(*conn)
	if !ok {
		return nil, false, nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.ackTimeout)
	defer cancel()
	args, err := c.emitWithAck(ctx, event, payload)
	if err != nil {
		return nil, true, err
	}
	if len(args) == 0 {
		return json.RawMessage("null"), true, nil
	}
	return args[0], true, nil
}

func (s *Server) Broadcast(topic rooms.Topic, event string, payload json.RawMessage) int {
	var p packet
	var err error
	if len(payload) == 0 {
		p, err = newEvent(defaultNamespace, nil, event)
	} else {
		p, err = newEvent(defaultNamespace, nil, event, payload)
	}
	if err != nil {
		s.log.Error().Err(err).Str("event", event).Msg("encode broadcast")
		return 0
	}
	return s.rooms.Publish(topic, p.frame())
}

// Disconnect closes every local member of topic. Members are removed from
// the directory before their sockets close so no new request can pick them.
func (s *Server) Disconnect(topic rooms.Topic) int {
	members := s.rooms.Members(topic)
	for _, m := range members {
		s.rooms.LeaveAll(m)
		_ = m.Close()
	}
	return len(members)
}
