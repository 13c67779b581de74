package relay

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

type wsConn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Pool fans frames out to every attached websocket. A connection whose write fails is dropped.
type Pool struct {
	name         string
	mu           sync.Mutex
	conns        map[wsConn]struct{}
	writeTimeout time.Duration
}

func NewPool(name string, writeTimeout time.Duration) *Pool {
	return &Pool{
		name:         name,
		conns:        map[wsConn]struct{}{},
		writeTimeout: writeTimeout,
	}
}

func (p *Pool) Add(conn wsConn) {
	if p == nil || conn == nil {
		return
	}
	p.mu.Lock()
	p.conns[conn] = struct{}{}
	p.mu.Unlock()
}

func (p *Pool) Remove(conn wsConn) {
	if conn == nil {
		return
	}
	if p != nil {
		p.mu.Lock()
		delete(p.conns, conn)
		p.mu.Unlock()
	}
	_ = conn.Close()
}

func (p *Pool) Broadcast(data []byte) {
	if p == nil || len(data) == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for conn := range p.conns {
		if err := p.writeLocked(conn, data); err != nil {
			log.Warn().Err(err).Str("component", "relay").Str("pool", p.name).Msg("ws broadcast failed, dropping connection")
			delete(p.conns, conn)
			_ = conn.Close()
		}
	}
}

// SendToOne writes to a single attached connection.
func (p *Pool) SendToOne(conn wsConn, data []byte) {
	if p == nil || conn == nil || len(data) == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.conns[conn]; !ok {
		return
	}
	if err := p.writeLocked(conn, data); err != nil {
		log.Warn().Err(err).Str("component", "relay").Str("pool", p.name).Msg("ws send failed, dropping connection")
		delete(p.conns, conn)
		_ = conn.Close()
	}
}

func (p *Pool) writeLocked(conn wsConn, data []byte) error {
	if p.writeTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(p.writeTimeout))
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (p *Pool) Count() int {
	if p == nil {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

func (p *Pool) CloseAll() {
	if p == nil {
		return
	}
	p.mu.Lock()
	for conn := range p.conns {
		_ = conn.Close()
		delete(p.conns, conn)
	}
	p.mu.Unlock()
}
