package socketio

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"cloud-relay/internal/auth"
)

var errConnClosed = errors.New("connection closed")

type connState int32

const (
	stateUnauthenticated connState = iota
	stateAuthenticated
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateUnauthenticated:
		return "unauthenticated"
	case stateAuthenticated:
		return "authenticated"
	default:
		return "closed"
	}
}

type conn struct {
	ws  *websocket.Conn
	sid string

	state atomic.Int32
	// identity is written once by the read loop after a successful
	// handshake and only read from that goroutine or ones it starts.
	identity auth.Identity
	grace    *time.Timer

	sendMu sync.Mutex

	ackMu      sync.Mutex
	nextAckID  int
	pendingAck map[int]chan []json.RawMessage

	pingMu       sync.Mutex
	awaitingPong bool
	pingSentAt   time.Time
	nextPingAt   time.Time

	done      chan struct{}
	closeOnce sync.Once
}

func newConn(ws *websocket.Conn, pingInterval time.Duration) *conn {
	return &conn{
		ws:         ws,
		sid:        uuid.NewString(),
		pendingAck: make(map[int]chan []json.RawMessage),
		nextPingAt: time.Now().Add(pingInterval),
		done:       make(chan struct{}),
	}
}

func (c *conn) currentState() connState { return connState(c.state.Load()) }

// authenticate moves the connection out of the unauthenticated state
// exactly once. It reports false if the connection was already
// authenticated or closed.
func (c *conn) authenticate(id auth.Identity) bool {
	if !c.state.CompareAndSwap(int32(stateUnauthenticated), int32(stateAuthenticated)) {
		return false
	}
	c.identity = id
	return true
}

// expire closes the connection if it never authenticated.
func (c *conn) expire() bool {
	if !c.state.CompareAndSwap(int32(stateUnauthenticated), int32(stateClosed)) {
		return false
	}
	c.close()
	return true
}

// Write makes conn a rooms.Member.
func (c *conn) Write(message []byte) error {
	return c.writeFrame(message)
}

func (c *conn) Close() error {
	c.close()
	return nil
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		c.state.Store(int32(stateClosed))
		close(c.done)
		if c.grace != nil {
			c.grace.Stop()
		}
		_ = c.ws.Close()
	})
}

func (c *conn) writeFrame(msg []byte) error {
	select {
	case <-c.done:
		return errConnClosed
	default:
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, msg)
}

func (c *conn) send(p packet) error {
	return c.writeFrame(p.frame())
}

func (c *conn) ack(namespace string, id *int, args ...any) {
	if id == nil {
		return
	}
	p, err := newAck(namespace, *id, args...)
	if err != nil {
		return
	}
	_ = c.send(p)
}

func (c *conn) readLoop(onMessage func(string)) {
	defer c.close()
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		onMessage(string(data))
	}
}

func (c *conn) pingLoop(interval, timeout time.Duration) {
	ticker := time.NewTicker(pingTick(interval))
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case now := <-ticker.C:
			c.pingMu.Lock()
			if c.awaitingPong && now.Sub(c.pingSentAt) > timeout {
				c.pingMu.Unlock()
				c.close()
				return
			}
			if !c.awaitingPong && !now.Before(c.nextPingAt) {
				c.awaitingPong = true
				c.pingSentAt = now
				c.nextPingAt = now.Add(interval)
				c.pingMu.Unlock()
				_ = c.writeFrame([]byte{byte(enginePing)})
				continue
			}
			c.pingMu.Unlock()
		}
	}
}

func pingTick(interval time.Duration) time.Duration {
	if interval < 4*time.Second {
		return interval / 4
	}
	return time.Second
}

func (c *conn) markPong() {
	c.pingMu.Lock()
	c.awaitingPong = false
	c.pingMu.Unlock()
}

// emitWithAck sends event and waits for the client's ack until ctx ends or
// the connection closes.
func (c *conn) emitWithAck(ctx context.Context, event string, arg any) ([]json.RawMessage, error) {
	c.ackMu.Lock()
	c.nextAckID++
	id := c.nextAckID
	ch := make(chan []json.RawMessage, 1)
	c.pendingAck[id] = ch
	c.ackMu.Unlock()

	defer func() {
		c.ackMu.Lock()
		delete(c.pendingAck, id)
		c.ackMu.Unlock()
	}()

	p, err := newEvent(defaultNamespace, &id, event, arg)
	if err != nil {
		return nil, err
	}
	if err := c.send(p); err != nil {
		return nil, err
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, errConnClosed
	}
}

func (c *conn) resolveAck(id int, args []json.RawMessage) {
	c.ackMu.Lock()
	ch := c.pendingAck[id]
	delete(c.pendingAck, id)
	c.ackMu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- args:
	default:
	}
}
