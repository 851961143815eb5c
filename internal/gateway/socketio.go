// Package gateway bridges the in-process progress fabric to socket.io
// clients. One broadcast subscription per namespace sees every event; the
// bridge re-emits to the matching socket.io room so browsers can join
// session or agent rooms directly.
package gateway

import (
	"context"
	"log"
	"net/http"

	socketio "github.com/googollee/go-socket.io"

	"github.com/copysentry/backend/internal/fabric"
)

// Gateway owns the socket.io server and the fabric bridge goroutines.
type Gateway struct {
	server *socketio.Server
	broker *fabric.Broker
	cancel context.CancelFunc
	logger *log.Logger
}

// New builds the gateway over the given broker.
func New(broker *fabric.Broker) *Gateway {
	g := &Gateway{
		server: socketio.NewServer(nil),
		broker: broker,
		logger: log.New(log.Writer(), "[GATEWAY] ", log.LstdFlags),
	}
	for _, ns := range []string{fabric.NamespaceMonitoring, fabric.NamespaceAgents} {
		g.setupNamespace(ns)
	}
	return g
}

func (g *Gateway) setupNamespace(ns string) {
	g.server.OnConnect(ns, func(s socketio.Conn) error {
		s.SetContext("")
		return nil
	})
	g.server.OnEvent(ns, "join", func(s socketio.Conn, room string) {
		if room != "" {
			s.Join(room)
		}
	})
	g.server.OnEvent(ns, "leave", func(s socketio.Conn, room string) {
		if room != "" {
			s.Leave(room)
		}
	})
	g.server.OnError(ns, func(s socketio.Conn, err error) {
		g.logger.Printf("socket error on %s: %v", ns, err)
	})
	g.server.OnDisconnect(ns, func(s socketio.Conn, reason string) {})
}

// Start runs the socket.io engine and the per-namespace bridges.
func (g *Gateway) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	g.cancel = cancel

	go func() {
		if err := g.server.Serve(); err != nil && ctx.Err() == nil {
			g.logger.Printf("socket.io serve: %v", err)
		}
	}()
	for _, ns := range []string{fabric.NamespaceMonitoring, fabric.NamespaceAgents} {
		go g.bridge(ctx, ns)
	}
}

// bridge forwards fabric events for one namespace. The broadcast room
// subscription observes every event in the namespace with its room tag, so
// room-scoped events reach only the sockets that joined that room.
func (g *Gateway) bridge(ctx context.Context, ns string) {
	sub, err := g.broker.Subscribe(ctx, ns, fabric.RoomBroadcast, "")
	if err != nil {
		g.logger.Printf("bridge subscribe %s: %v", ns, err)
		return
	}
	defer sub.Unsubscribe()

	for {
		ev, ok := sub.Next(ctx)
		if !ok {
			return
		}
		if ev.Room == fabric.RoomBroadcast {
			g.server.BroadcastToNamespace(ns, ev.Name, ev.Payload)
		} else {
			g.server.BroadcastToRoom(ns, ev.Room, ev.Name, ev.Payload)
		}
	}
}

// Handler is mounted at /socket.io/.
func (g *Gateway) Handler() http.Handler { return g.server }

// Close stops the bridges and the socket.io engine.
func (g *Gateway) Close() {
	if g.cancel != nil {
		g.cancel()
	}
	_ = g.server.Close()
}
