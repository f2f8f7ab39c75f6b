package server

import (
	"context"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"cloud-relay/internal/auth"
	"cloud-relay/internal/bus"
	"cloud-relay/internal/config"
	"cloud-relay/internal/logging"
	"cloud-relay/internal/middleware"
	"cloud-relay/internal/openapi"
	"cloud-relay/internal/presence"
	"cloud-relay/internal/relay"
	"cloud-relay/internal/socketio"
	"cloud-relay/internal/store"
)

// Node is one relay process: its sockets, its view of the fleet and the
// HTTP surface in front of them.
type Node struct {
	Router   *gin.Engine
	Relay    *relay.Dispatcher
	Sockets  *socketio.Server
	Presence *presence.Manager

	limiter *middleware.RateLimiter
}

type NodeOptions struct {
	Config        config.Config
	Store         *store.Store
	Bus           bus.Bus
	Authenticator *auth.Authenticator
	Logger        zerolog.Logger
}

// NewNode wires a node together and joins it to the fleet bus. The
// dispatcher is created first, handed to the socket server, and only then
// started with the socket server as its local directory.
func NewNode(ctx context.Context, opts NodeOptions) (*Node, error) {
	cfg := opts.Config
	log := opts.Logger

	dispatcher := relay.New(opts.Bus, relay.Options{
		NodeID:  cfg.NodeID,
		Prefix:  cfg.BusChannelPrefix,
		Timeout: cfg.RelayTimeout,
		Logger:  logging.Component(log, "relay"),
	})
	presenceManager := presence.NewManager(opts.Store, dispatcher, presence.Options{
		Logger: logging.Component(log, "presence"),
	})
	sockets := socketio.NewServer(socketio.Deps{
		Authenticator:  opts.Authenticator,
		Directory:      opts.Store,
		Relay:          dispatcher,
		Presence:       presenceManager,
		Logger:         logging.Component(log, "socket"),
		AckTimeout:     cfg.AckTimeout,
		HandshakeGrace: cfg.HandshakeGrace,
	})
	if err := dispatcher.Start(ctx, sockets); err != nil {
		return nil, fmt.Errorf("start relay: %w", err)
	}

	bridge := openapi.NewBridge(opts.Store, dispatcher, logging.Component(log, "openapi"))
	limit := cfg.WebhookRateLimit
	if limit <= 0 {
		limit = 120
	}
	limiter := middleware.NewRateLimiter(limit, time.Minute)

	router := NewRouter(Deps{
		Store:          opts.Store,
		Authenticator:  opts.Authenticator,
		Relay:          dispatcher,
		Sockets:        sockets,
		Presence:       presenceManager,
		Bridge:         bridge,
		Logger:         log,
		WebhookLimiter: limiter,
	})

	return &Node{
		Router:   router,
		Relay:    dispatcher,
		Sockets:  sockets,
		Presence: presenceManager,
		limiter:  limiter,
	}, nil
}

// Close drops this node's sockets and leaves the fleet.
func (n *Node) Close() error {
	n.Sockets.Shutdown()
	err := n.Relay.Close()
	n.Presence.Wait()
	n.limiter.Close()
	return err
}
