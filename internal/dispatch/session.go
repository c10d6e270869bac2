package dispatch

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024
)

// WSSession represents one connected client. Outbound frames go through a
// bounded buffer drained by a single writer goroutine.
type WSSession struct {
	ID       string
	Identity models.Identity

	conn      *websocket.Conn
	egress    chan []byte
	done      chan struct{}
	closeOnce sync.Once
	groups    map[string]struct{} // guarded by the registry lock
}

func newSession(id models.Identity, conn *websocket.Conn, bufSize int) *WSSession {
	return &WSSession{
		ID:       uuid.NewString(),
		Identity: id,
		conn:     conn,
		egress:   make(chan []byte, bufSize),
		done:     make(chan struct{}),
		groups:   make(map[string]struct{}),
	}
}

// enqueue never blocks: a slow client loses frames instead of stalling
// everyone else.
func (s *WSSession) enqueue(b []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.egress <- b:
		return true
	default:
		return false
	}
}

func (s *WSSession) close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// Serve runs a session until the client goes away. It blocks.
func (r *WSRegistry) Serve(ctx context.Context, conn *websocket.Conn, id models.Identity) {
	s := newSession(id, conn, r.bufSize)
	first := r.Add(s)
	r.log.Info("session opened", "user_id", id.UserID, "role", id.Role, "session_id", s.ID)
	if r.listener != nil {
		r.listener.SessionOpened(ctx, id, first)
	}

	go s.writePump(r)
	s.readPump(ctx, r)

	s.close()
	last := r.Remove(s)
	r.log.Info("session closed", "user_id", id.UserID, "session_id", s.ID, "last", last)
	if r.listener != nil {
		r.listener.SessionClosed(context.WithoutCancel(ctx), id, last)
	}
}

func (s *WSSession) readPump(ctx context.Context, r *WSRegistry) {
	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				r.log.Warn("websocket read", "user_id", s.Identity.UserID, "err", err)
			}
			return
		}
		r.handleInbound(ctx, s, payload)
	}
}

func (s *WSSession) writePump(r *WSRegistry) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()
	for {
		select {
		case <-s.done:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case b := <-s.egress:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				r.log.Warn("websocket write", "user_id", s.Identity.UserID, "err", err)
				s.close()
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.close()
				return
			}
		}
	}
}

type inbound struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type locationData struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

func (r *WSRegistry) handleInbound(ctx context.Context, s *WSSession, payload []byte) {
	var msg inbound
	if err := json.Unmarshal(payload, &msg); err != nil {
		r.reply(s, models.EventError, map[string]string{"message": "malformed message"})
		return
	}
	switch msg.Type {
	case "ping":
		r.reply(s, models.EventPong, nil)
	case "location":
		var loc locationData
		if err := json.Unmarshal(msg.Data, &loc); err != nil {
			r.reply(s, models.EventError, map[string]string{"message": "malformed location"})
			return
		}
		p := models.Point{Lat: loc.Lat, Lng: loc.Lng}
		if !p.Valid() {
			r.reply(s, models.EventError, map[string]string{"message": "coordinates out of range"})
			return
		}
		observability.LocationPings.WithLabelValues(string(s.Identity.Role)).Inc()
		if r.listener != nil {
			r.listener.Location(ctx, s.Identity, p, r.now())
		}
	default:
		r.reply(s, models.EventError, map[string]string{"message": "unknown message type " + msg.Type})
	}
}

func (r *WSRegistry) reply(s *WSSession, event models.EventName, data any) {
	b, err := r.frame(event, data)
	if err != nil {
		return
	}
	r.deliver(event, b, []*WSSession{s})
}
