package dispatch

import (
	"sync"

	"github.com/gorilla/websocket"

	"github.com/example/booth-dispatch/internal/models"
)

// WSSession is a websocket-attached client. Writes are serialized; gorilla
// connections do not allow concurrent writers.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func NewWSSession(conn *websocket.Conn) *WSSession {
	return &WSSession{conn: conn}
}

func (s *WSSession) Send(ev models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(ev)
}

func (s *WSSession) Close() error {
	return s.conn.Close()
}
