package realtime

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Conn is one connected client. Enqueue must not block; it reports false when
// the event could not be queued.
type Conn interface {
	ID() string
	Enqueue(ev Event) bool
}

// RoomMessage is a room broadcast as it crosses instances.
type RoomMessage struct {
	Room    string `json:"room"`
	Exclude string `json:"exclude,omitempty"`
	Event   Event  `json:"event"`
}

// Relay forwards local broadcasts to other instances.
type Relay interface {
	Publish(ctx context.Context, msg RoomMessage) error
}

type HubConfig struct {
	Relay  Relay
	Logger *zap.Logger
	Now    func() time.Time
}

type member struct {
	conn   Conn
	userID string
}

type room struct {
	mu      sync.Mutex
	members map[string]member
}

func (r *room) snapshot(exclude string) []Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Conn, 0, len(r.members))
	for id, m := range r.members {
		if id == exclude {
			continue
		}
		out = append(out, m.conn)
	}
	return out
}

// Hub tracks room membership. The registry lock guards the room map and each
// connection's joined set; a room's own lock guards its member set.
type Hub struct {
	relay  Relay
	logger *zap.Logger
	now    func() time.Time

	mu     sync.Mutex
	rooms  map[string]*room
	joined map[string]map[string]struct{}
}

func NewHub(cfg HubConfig) *Hub {
	h := &Hub{
		relay:  cfg.Relay,
		logger: cfg.Logger,
		now:    cfg.Now,
		rooms:  map[string]*room{},
		joined: map[string]map[string]struct{}{},
	}
	if h.logger == nil {
		h.logger = zap.NewNop()
	}
	h.logger = h.logger.Named("realtime")
	if h.now == nil {
		h.now = time.Now
	}
	return h
}

// Join adds conn to the document's room and tells the others.
func (h *Hub) Join(ctx context.Context, conn Conn, documentID, userID string) {
	if documentID == "" {
		return
	}
	roomID := RoomID(documentID)

	h.mu.Lock()
	r, ok := h.rooms[roomID]
	if !ok {
		r = &room{members: map[string]member{}}
		h.rooms[roomID] = r
	}
	rooms, ok := h.joined[conn.ID()]
	if !ok {
		rooms = map[string]struct{}{}
		h.joined[conn.ID()] = rooms
	}
	rooms[roomID] = struct{}{}
	r.mu.Lock()
	r.members[conn.ID()] = member{conn: conn, userID: userID}
	r.mu.Unlock()
	h.mu.Unlock()

	h.logger.Debug("joined room", zap.String("room", roomID), zap.String("conn_id", conn.ID()), zap.String("user_id", userID))
	h.broadcast(ctx, roomID, conn.ID(), EventUserJoined, PresenceData{UserID: userID, Timestamp: h.now().UTC()})
}

// Leave removes conn from the document's room. An empty userID falls back to
// the identity the connection joined with.
func (h *Hub) Leave(ctx context.Context, conn Conn, documentID, userID string) {
	if documentID == "" {
		return
	}
	h.leaveRoom(ctx, conn.ID(), RoomID(documentID), userID)
}

// Disconnect leaves every room conn joined.
func (h *Hub) Disconnect(ctx context.Context, conn Conn) {
	h.mu.Lock()
	rooms := make([]string, 0, len(h.joined[conn.ID()]))
	for roomID := range h.joined[conn.ID()] {
		rooms = append(rooms, roomID)
	}
	h.mu.Unlock()

	sort.Strings(rooms)
	for _, roomID := range rooms {
		h.leaveRoom(ctx, conn.ID(), roomID, "")
	}
}

func (h *Hub) leaveRoom(ctx context.Context, connID, roomID, userID string) {
	h.mu.Lock()
	r, ok := h.rooms[roomID]
	if !ok {
		h.mu.Unlock()
		return
	}
	r.mu.Lock()
	m, isMember := r.members[connID]
	delete(r.members, connID)
	empty := len(r.members) == 0
	r.mu.Unlock()
	if empty {
		delete(h.rooms, roomID)
	}
	if rooms, ok := h.joined[connID]; ok {
		delete(rooms, roomID)
		if len(rooms) == 0 {
			delete(h.joined, connID)
		}
	}
	h.mu.Unlock()

	if !isMember {
		return
	}
	if userID == "" {
		userID = m.userID
	}
	h.logger.Debug("left room", zap.String("room", roomID), zap.String("conn_id", connID), zap.String("user_id", userID))
	h.broadcast(ctx, roomID, connID, EventUserLeft, PresenceData{UserID: userID, Timestamp: h.now().UTC()})
}

func (h *Hub) CursorMove(ctx context.Context, conn Conn, documentID, userID string, position json.RawMessage) {
	if documentID == "" {
		return
	}
	h.broadcast(ctx, RoomID(documentID), conn.ID(), EventCursorUpdate, CursorData{
		UserID:    userID,
		Position:  position,
		Timestamp: h.now().UTC(),
	})
}

func (h *Hub) Typing(ctx context.Context, conn Conn, documentID, userID, nodeID string) {
	if documentID == "" || userID == "" || nodeID == "" {
		return
	}
	h.broadcast(ctx, RoomID(documentID), conn.ID(), EventUserTyping, TypingData{
		UserID:    userID,
		NodeID:    nodeID,
		Timestamp: h.now().UTC(),
	})
}

// ContentUpdated tells the whole room, editor included, about a committed
// section update.
func (h *Hub) ContentUpdated(ctx context.Context, documentID, nodeID, content, userID string) {
	h.broadcast(ctx, RoomID(documentID), "", EventContentUpdated, ContentData{
		NodeID:    nodeID,
		Content:   content,
		UserID:    userID,
		Timestamp: h.now().UTC(),
	})
}

// Members lists the user ids currently in a document's room.
func (h *Hub) Members(documentID string) []string {
	h.mu.Lock()
	r, ok := h.rooms[RoomID(documentID)]
	h.mu.Unlock()
	if !ok {
		return []string{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.members))
	for _, m := range r.members {
		out = append(out, m.userID)
	}
	sort.Strings(out)
	return out
}

// Deliver hands a message from another instance to local members only.
func (h *Hub) Deliver(msg RoomMessage) {
	h.deliver(msg.Room, msg.Exclude, msg.Event)
}

func (h *Hub) broadcast(ctx context.Context, roomID, exclude, name string, data any) {
	ev, err := newEvent(name, data)
	if err != nil {
		h.logger.Warn("encode event", zap.String("event", name), zap.Error(err))
		return
	}
	h.deliver(roomID, exclude, ev)
	if h.relay != nil {
		if err := h.relay.Publish(ctx, RoomMessage{Room: roomID, Exclude: exclude, Event: ev}); err != nil {
			h.logger.Warn("relay publish", zap.String("room", roomID), zap.Error(err))
		}
	}
}

func (h *Hub) deliver(roomID, exclude string, ev Event) {
	h.mu.Lock()
	r, ok := h.rooms[roomID]
	h.mu.Unlock()
	if !ok {
		return
	}
	for _, conn := range r.snapshot(exclude) {
		if !conn.Enqueue(ev) {
			h.logger.Warn("dropped event for slow connection",
				zap.String("room", roomID),
				zap.String("conn_id", conn.ID()),
				zap.String("event", ev.Name),
			)
		}
	}
}
