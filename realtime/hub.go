// Package realtime pushes job progress events to websocket subscribers.
// Clients join rooms named "job:<id>"; joining requires a token whose user
// owns the job. Progress published on the redis channel of the same name is
// fanned out to the room.
package realtime

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"lirevox.dev/db"
	"lirevox.dev/security"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = 30 * time.Second
	sendBufferSize = 16
	maxMessageSize = 4096
)

// ClientMessage is what subscribers send: join or leave a room.
type ClientMessage struct {
	Event string `json:"event"`
	Room  string `json:"room"`
	Token string `json:"token"`
}

// ServerMessage is the envelope pushed to subscribers.
type ServerMessage struct {
	Event string          `json:"event"`
	Room  string          `json:"room,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

// Hub tracks connected clients and their room memberships.
type Hub struct {
	jwt    *security.JWTService
	jobs   *db.JobStore
	logger *logrus.Entry

	upgrader websocket.Upgrader

	mu    sync.RWMutex
	rooms map[string]map[*client]struct{}
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	rooms  map[string]struct{}
	closed bool
}

func NewHub(jwt *security.JWTService, jobs *db.JobStore, logger *logrus.Logger) *Hub {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Hub{
		jwt:    jwt,
		jobs:   jobs,
		logger: logger.WithField("component", "realtime"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		rooms: make(map[string]map[*client]struct{}),
	}
}

// ServeWS upgrades the request and runs the connection until it closes.
func (h *Hub) ServeWS(c echo.Context) error {
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	cl := &client{
		hub:   h,
		conn:  conn,
		send:  make(chan []byte, sendBufferSize),
		rooms: make(map[string]struct{}),
	}
	go cl.writePump()
	cl.readPump()
	return nil
}

// Broadcast delivers a raw progress payload to every member of a room.
// Slow clients are skipped rather than blocking the fan-out.
func (h *Hub) Broadcast(room string, payload []byte) {
	msg, err := json.Marshal(ServerMessage{Event: "job_progress", Room: room, Data: payload})
	if err != nil {
		return
	}

	h.mu.RLock()
	members := make([]*client, 0, len(h.rooms[room]))
	for cl := range h.rooms[room] {
		members = append(members, cl)
	}
	h.mu.RUnlock()

	for _, cl := range members {
		cl.mu.Lock()
		if !cl.closed {
			select {
			case cl.send <- msg:
			default:
				h.logger.WithField("room", room).Debug("Dropping event for slow subscriber")
			}
		}
		cl.mu.Unlock()
	}
}

// RoomSize returns the current subscriber count for a room.
func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

func (h *Hub) join(cl *client, room string) {
	h.mu.Lock()
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[*client]struct{})
	}
	h.rooms[room][cl] = struct{}{}
	h.mu.Unlock()

	cl.mu.Lock()
	cl.rooms[room] = struct{}{}
	cl.mu.Unlock()
}

func (h *Hub) leave(cl *client, room string) {
	h.mu.Lock()
	if members, ok := h.rooms[room]; ok {
		delete(members, cl)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	h.mu.Unlock()

	cl.mu.Lock()
	delete(cl.rooms, room)
	cl.mu.Unlock()
}

func (h *Hub) disconnect(cl *client) {
	cl.mu.Lock()
	if cl.closed {
		cl.mu.Unlock()
		return
	}
	cl.closed = true
	close(cl.send)
	rooms := make([]string, 0, len(cl.rooms))
	for room := range cl.rooms {
		rooms = append(rooms, room)
	}
	cl.mu.Unlock()

	for _, room := range rooms {
		h.leave(cl, room)
	}
}

// authorizeJoin validates the token and the caller's ownership of the job
// behind the room. Returns the job so the join reply can carry current
// state.
func (h *Hub) authorizeJoin(room, token string) (*db.Job, error) {
	jobID, err := parseRoom(room)
	if err != nil {
		return nil, err
	}
	claims, err := h.jwt.ValidateToken(token)
	if err != nil {
		return nil, fmt.Errorf("invalid token")
	}

	var job *db.Job
	if claims.Admin {
		job, err = h.jobs.Get(jobID)
	} else {
		job, err = h.jobs.GetForUser(jobID, claims.UserID)
	}
	if err != nil {
		return nil, fmt.Errorf("job not found")
	}
	return job, nil
}

func parseRoom(room string) (uint, error) {
	raw, ok := strings.CutPrefix(room, "job:")
	if !ok {
		return 0, fmt.Errorf("unknown room %q", room)
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unknown room %q", room)
	}
	return uint(id), nil
}

func (cl *client) readPump() {
	defer func() {
		cl.hub.disconnect(cl)
		cl.conn.Close()
	}()

	cl.conn.SetReadLimit(maxMessageSize)
	_ = cl.conn.SetReadDeadline(time.Now().Add(pongWait))
	cl.conn.SetPongHandler(func(string) error {
		return cl.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := cl.conn.ReadMessage()
		if err != nil {
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			cl.sendError("", "invalid message")
			continue
		}

		switch msg.Event {
		case "join":
			job, err := cl.hub.authorizeJoin(msg.Room, msg.Token)
			if err != nil {
				cl.sendError(msg.Room, err.Error())
				continue
			}
			cl.hub.join(cl, msg.Room)
			// Joining replays current state so late subscribers never
			// wait for the next transition.
			if payload, err := json.Marshal(job.Event()); err == nil {
				cl.enqueue(ServerMessage{Event: "job_progress", Room: msg.Room, Data: payload})
			}
		case "leave":
			cl.hub.leave(cl, msg.Room)
		default:
			cl.sendError(msg.Room, "unknown event")
		}
	}
}

func (cl *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		cl.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-cl.send:
			_ = cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = cl.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := cl.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := cl.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (cl *client) enqueue(msg ServerMessage) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case cl.send <- raw:
	default:
	}
}

func (cl *client) sendError(room, reason string) {
	cl.enqueue(ServerMessage{Event: "error", Room: room, Error: reason})
}
