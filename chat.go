/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"

	"github.com/Seednode/imitation/game"
	"github.com/Seednode/imitation/remote"
	"github.com/Seednode/imitation/rooms"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 16
)

var errClientGone = errors.New("client connection is closed")

type outbound struct {
	text   string
	close  bool
	code   int
	reason string
}

// Client is one websocket connection to a chat room.
type Client struct {
	id   string
	conn *websocket.Conn

	mu     sync.Mutex
	send   chan outbound
	closed bool
}

func newClient(conn *websocket.Conn) *Client {
	return &Client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan outbound, sendBuffer),
	}
}

func (c *Client) ID() string {
	return c.id
}

// Send queues a text frame. A client that cannot keep up is treated as gone.
func (c *Client) Send(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errClientGone
	}

	select {
	case c.send <- outbound{text: text}:
		return nil
	default:
		return errors.New("client send buffer is full")
	}
}

// Close queues a close frame behind anything already sent and stops the
// connection once it is written. When the queue is full the close frame is
// written straight away instead.
func (c *Client) Close(code int, reason string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true

	queued := true
	select {
	case c.send <- outbound{close: true, code: code, reason: reason}:
	default:
		queued = false
	}
	close(c.send)
	c.mu.Unlock()

	if queued {
		return nil
	}

	return c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(writeWait))
}

func (c *Client) readPump(cfg *Config, roomID string, reg *rooms.Registry, fanout *rooms.Fanout, r *http.Request) {
	defer func() {
		reg.Disconnect(roomID, c)
		_ = c.Close(websocket.CloseNormalClosure, "")
		logf(cfg, "ROOMS: Connection %s from %s closed", c.id, realIP(r))
	}()

	c.conn.SetReadLimit(cfg.maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		kind, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logf(cfg, "ERROR: Reading from %s: %v", c.id, err)
			}
			return
		}
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}

		fanout.OnMessage(r.Context(), roomID, c, string(payload))

		// A slow automated reply must not count against the peer's liveness.
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			if msg.close {
				_ = c.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(msg.code, msg.reason),
					time.Now().Add(writeWait))
				return
			}

			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, []byte(msg.text)); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func newUpgrader(cfg *Config) *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		HandshakeTimeout: timeout,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || cfg.corsOrigin == "*" || origin == cfg.corsOrigin
		},
	}
}

// rejectConn closes a freshly upgraded connection without revealing whether
// the room exists.
func rejectConn(conn *websocket.Conn) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "invalid or unauthorized room"),
		time.Now().Add(writeWait))
	_ = conn.Close()
}

func serveChat(cfg *Config, reg *rooms.Registry, fanout *rooms.Fanout) httprouter.Handle {
	upgrader := newUpgrader(cfg)

	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		roomID := strings.TrimSpace(r.URL.Query().Get("roomId"))

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logf(cfg, "ERROR: Upgrading connection from %s: %v", realIP(r), err)
			return
		}

		client := newClient(conn)

		if roomID == "" || reg.Connect(roomID, client) != nil {
			logf(cfg, "ROOMS: Rejected connection from %s for room %q", realIP(r), roomID)
			rejectConn(conn)

			return
		}

		logf(cfg, "ROOMS: Connection %s from %s joined room %s", client.id, realIP(r), roomID)

		go client.writePump()
		client.readPump(cfg, roomID, reg, fanout, r)
	}
}

func serveCreateRoom(cfg *Config, reg *rooms.Registry, errc chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		var req remote.CreateRoomRequest
		err := decodeJSON(r, &req)
		if err == nil {
			err = reg.CreateRoom(r.Context(), req.RoomID, game.PairingFor(req.IsAIRoom))
		}
		if err != nil {
			if _, err := writeError(cfg, w, err); err != nil {
				errc <- err
			}

			return
		}

		if _, err := writeJSON(cfg, w, http.StatusCreated, map[string]string{"status": "created", "roomId": req.RoomID}); err != nil {
			errc <- err
		}
	}
}

func serveDiscardRoom(cfg *Config, reg *rooms.Registry, errc chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		if err := reg.DiscardRoom(r.Context(), p.ByName("roomId")); err != nil {
			if _, err := writeError(cfg, w, err); err != nil {
				errc <- err
			}

			return
		}

		securityHeaders(cfg, w)
		w.WriteHeader(http.StatusNoContent)
	}
}

func serveRoomInfo(cfg *Config, reg *rooms.Registry, errc chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		info, ok := reg.Room(p.ByName("roomId"))
		if !ok {
			if _, err := writeJSON(cfg, w, http.StatusNotFound, map[string]string{"error": "not found"}); err != nil {
				errc <- err
			}

			return
		}

		if _, err := writeJSON(cfg, w, http.StatusOK, info); err != nil {
			errc <- err
		}
	}
}

func registerChat(cfg *Config, reg *rooms.Registry, fanout *rooms.Fanout, mux *httprouter.Router, errc chan<- error) {
	mux.GET(cfg.prefix+"/chat", serveChat(cfg, reg, fanout))
	mux.POST(cfg.prefix+"/internal/rooms/create", serveCreateRoom(cfg, reg, errc))
	mux.GET(cfg.prefix+"/internal/rooms/:roomId", serveRoomInfo(cfg, reg, errc))
	mux.DELETE(cfg.prefix+"/internal/rooms/:roomId", serveDiscardRoom(cfg, reg, errc))
}
