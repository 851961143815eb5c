package fabric

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const (
	pongWait   = 60 * time.Second // Time allowed to read the next pong
	pingPeriod = 30 * time.Second // Must be < pongWait
	writeWait  = 10 * time.Second
	maxMsgSize = 64 * 1024
	sendBuffer = 256 // Per-connection outbound channel buffer
)

// Frame is the bidirectional wire message: server->client frames carry
// events; client->server frames carry join/leave control events.
type Frame struct {
	Namespace string          `json:"namespace"`
	Event     string          `json:"event"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type joinPayload struct {
	Room  string `json:"room"`
	Token string `json:"token,omitempty"`
}

// WSConn is one client connection multiplexing room subscriptions.
// All writes go through the send channel owned by writePump.
type WSConn struct {
	broker *Broker
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once

	mu   sync.Mutex
	subs map[string]*Subscriber // key: namespace+"\x00"+room
}

// HandleWebSocket upgrades the request and serves the event channel
// protocol until the client disconnects.
func (b *Broker) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}

	ws := &WSConn{
		broker: b,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
		subs:   make(map[string]*Subscriber),
	}

	go ws.writePump()
	go ws.readPump()
}

func (ws *WSConn) close() {
	ws.once.Do(func() {
		close(ws.done)
		ws.mu.Lock()
		for _, sub := range ws.subs {
			sub.Unsubscribe()
		}
		ws.subs = nil
		ws.mu.Unlock()
		ws.conn.Close()
	})
}

// readPump owns all reads: it dispatches join/leave control frames.
func (ws *WSConn) readPump() {
	defer ws.close()

	ws.conn.SetReadLimit(maxMsgSize)
	ws.conn.SetReadDeadline(time.Now().Add(pongWait))
	ws.conn.SetPongHandler(func(string) error {
		ws.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := ws.conn.ReadMessage()
		if err != nil {
			return
		}
		var frame Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			ws.sendError(frame.Namespace, "malformed frame")
			continue
		}
		switch frame.Event {
		case "join":
			ws.handleJoin(frame)
		case "leave":
			ws.handleLeave(frame)
		default:
			// Untagged or unknown payloads are rejected at the boundary.
			ws.sendError(frame.Namespace, "unknown control event: "+frame.Event)
		}
	}
}

func (ws *WSConn) handleJoin(frame Frame) {
	var p joinPayload
	if len(frame.Payload) > 0 {
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			ws.sendError(frame.Namespace, "malformed join payload")
			return
		}
	}

	key := frame.Namespace + "\x00" + p.Room
	ws.mu.Lock()
	if _, exists := ws.subs[key]; exists {
		ws.mu.Unlock()
		return
	}
	ws.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	sub, err := ws.broker.Subscribe(ctx, frame.Namespace, p.Room, p.Token)
	cancel()
	if err != nil {
		ws.sendError(frame.Namespace, "join rejected: "+err.Error())
		return
	}

	ws.mu.Lock()
	if ws.subs == nil { // closed while subscribing
		ws.mu.Unlock()
		sub.Unsubscribe()
		return
	}
	ws.subs[key] = sub
	ws.mu.Unlock()

	go ws.forward(sub)
}

func (ws *WSConn) handleLeave(frame Frame) {
	var p joinPayload
	if len(frame.Payload) > 0 {
		_ = json.Unmarshal(frame.Payload, &p)
	}
	key := frame.Namespace + "\x00" + p.Room

	ws.mu.Lock()
	sub, ok := ws.subs[key]
	if ok {
		delete(ws.subs, key)
	}
	ws.mu.Unlock()

	if ok {
		sub.Unsubscribe()
	}
}

// forward drains one subscription into the shared send channel, preserving
// per-room publication order.
func (ws *WSConn) forward(sub *Subscriber) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-ws.done
		cancel()
	}()

	for {
		ev, ok := sub.Next(ctx)
		if !ok {
			return
		}
		payload, err := json.Marshal(ev.Payload)
		if err != nil {
			continue
		}
		frame, err := json.Marshal(Frame{Namespace: ev.Namespace, Event: ev.Name, Payload: payload})
		if err != nil {
			continue
		}
		select {
		case ws.send <- frame:
		case <-ws.done:
			return
		}
	}
}

func (ws *WSConn) sendError(ns, msg string) {
	payload, _ := json.Marshal(map[string]string{"error": msg})
	frame, _ := json.Marshal(Frame{Namespace: ns, Event: "error", Payload: payload})
	select {
	case ws.send <- frame:
	default:
	}
}

// writePump serializes all writes to the connection, including pings.
func (ws *WSConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ws.close()
	}()

	for {
		select {
		case message := <-ws.send:
			ws.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			ws.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-ws.done:
			ws.conn.SetWriteDeadline(time.Now().Add(writeWait))
			ws.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}
