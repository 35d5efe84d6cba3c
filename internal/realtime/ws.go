package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"docsync/api/internal/util"
)

const (
	readLimit        = 64 << 10
	defaultQueueSize = 64
	writeTimeout     = 10 * time.Second
)

// JoinAuthorizer decides whether userID may join a document's room.
type JoinAuthorizer func(ctx context.Context, userID, documentID string) error

type ServerConfig struct {
	Hub            *Hub
	Logger         *zap.Logger
	QueueSize      int
	OriginPatterns []string
	Authorize      JoinAuthorizer
}

// Server upgrades HTTP requests to WebSocket connections bound to a hub.
type Server struct {
	hub       *Hub
	logger    *zap.Logger
	queueSize int
	origins   []string
	authorize JoinAuthorizer
}

func NewServer(cfg ServerConfig) *Server {
	s := &Server{
		hub:       cfg.Hub,
		logger:    cfg.Logger,
		queueSize: cfg.QueueSize,
		origins:   cfg.OriginPatterns,
		authorize: cfg.Authorize,
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	s.logger = s.logger.Named("ws")
	if s.queueSize <= 0 {
		s.queueSize = defaultQueueSize
	}
	return s
}

// Serve runs one connection until the client goes away. A non-empty userID
// is the authenticated caller and overrides the userId clients send.
func (s *Server) Serve(w http.ResponseWriter, r *http.Request, userID string) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.origins})
	if err != nil {
		s.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}
	ws.SetReadLimit(readLimit)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := &wsConn{
		id:     util.NewID(),
		ws:     ws,
		send:   make(chan Event, s.queueSize),
		closed: make(chan struct{}),
	}
	logger := s.logger.With(zap.String("conn_id", c.id), zap.String("user_id", userID))
	logger.Debug("connection opened")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writeLoop(ctx, logger)
	}()

	err = s.readLoop(ctx, c, userID, logger)
	s.hub.Disconnect(context.WithoutCancel(ctx), c)
	c.shutdown(websocket.StatusNormalClosure, "")
	cancel()
	wg.Wait()

	if status := websocket.CloseStatus(err); status == -1 && !errors.Is(err, context.Canceled) {
		logger.Debug("connection closed", zap.Error(err))
	}
}

func (s *Server) readLoop(ctx context.Context, c *wsConn, userID string, logger *zap.Logger) error {
	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			return err
		}
		if typ != websocket.MessageText {
			continue
		}
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			logger.Debug("malformed event", zap.Error(err))
			continue
		}
		s.dispatch(ctx, c, userID, ev, logger)
	}
}

func (s *Server) dispatch(ctx context.Context, c *wsConn, authUser string, ev Event, logger *zap.Logger) {
	identity := func(claimed string) string {
		if authUser != "" {
			return authUser
		}
		return claimed
	}

	switch ev.Name {
	case EventJoin:
		var p joinPayload
		if !decodePayload(ev, &p, logger) || p.DocumentID == "" {
			return
		}
		user := identity(p.UserID)
		if s.authorize != nil {
			if err := s.authorize(ctx, user, p.DocumentID); err != nil {
				logger.Info("join rejected", zap.String("document_id", p.DocumentID), zap.Error(err))
				if reply, err := newEvent(EventError, errorData{Message: "cannot join document"}); err == nil {
					c.Enqueue(reply)
				}
				return
			}
		}
		s.hub.Join(ctx, c, p.DocumentID, user)
	case EventLeave:
		var p joinPayload
		if decodePayload(ev, &p, logger) {
			s.hub.Leave(ctx, c, p.DocumentID, identity(p.UserID))
		}
	case EventCursorMove:
		var p cursorPayload
		if decodePayload(ev, &p, logger) {
			s.hub.CursorMove(ctx, c, p.DocumentID, identity(p.UserID), p.Position)
		}
	case EventTyping:
		var p typingPayload
		if decodePayload(ev, &p, logger) {
			s.hub.Typing(ctx, c, p.DocumentID, identity(p.UserID), p.NodeID)
		}
	default:
		logger.Debug("unknown event", zap.String("event", ev.Name))
	}
}

func decodePayload(ev Event, dst any, logger *zap.Logger) bool {
	if len(ev.Data) == 0 {
		return false
	}
	if err := json.Unmarshal(ev.Data, dst); err != nil {
		logger.Debug("malformed payload", zap.String("event", ev.Name), zap.Error(err))
		return false
	}
	return true
}

type wsConn struct {
	id   string
	ws   *websocket.Conn
	send chan Event

	once   sync.Once
	closed chan struct{}
}

func (c *wsConn) ID() string { return c.id }

// Enqueue never blocks. A full queue closes the connection.
func (c *wsConn) Enqueue(ev Event) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.send <- ev:
		return true
	default:
		go c.shutdown(websocket.StatusPolicyViolation, "slow consumer")
		return false
	}
}

func (c *wsConn) shutdown(code websocket.StatusCode, reason string) {
	c.once.Do(func() {
		close(c.closed)
		_ = c.ws.Close(code, reason)
	})
}

func (c *wsConn) writeLoop(ctx context.Context, logger *zap.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		case ev := <-c.send:
			data, err := json.Marshal(ev)
			if err != nil {
				logger.Warn("encode outbound event", zap.Error(err))
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err = c.ws.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				go c.shutdown(websocket.StatusInternalError, "write failed")
				return
			}
		}
	}
}
