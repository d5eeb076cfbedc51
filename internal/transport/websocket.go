// Package transport carries hub events over WebSocket connections and keeps
// the group fan-out table.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var (
	// ErrSendBufferFull means the client is not draining its socket fast
	// enough. The event is dropped; the connection stays open.
	ErrSendBufferFull = errors.New("connection send buffer full")

	// ErrConnectionNotFound is returned for group changes on a closed connection.
	ErrConnectionNotFound = errors.New("connection not found")
)

// OverflowError names the connections whose send buffers were full. It
// matches ErrSendBufferFull under errors.Is.
type OverflowError struct {
	ConnectionIDs []string
}

func (e *OverflowError) Error() string {
	return fmt.Sprintf("%s: %s", ErrSendBufferFull, strings.Join(e.ConnectionIDs, ","))
}

func (e *OverflowError) Unwrap() error { return ErrSendBufferFull }

// Config tunes per-connection buffering and limits.
type Config struct {
	SendBuffer      int
	WriteTimeout    time.Duration
	MaxMessageBytes int64
}

func DefaultConfig() Config {
	return Config{
		SendBuffer:      64,
		WriteTimeout:    10 * time.Second,
		MaxMessageBytes: 64 << 10,
	}
}

// Handler receives the lifecycle of one accepted connection. If OnConnect
// returns an error the socket is closed and OnDisconnect is not called.
type Handler interface {
	OnConnect(ctx context.Context, connectionID string) error
	OnMessage(ctx context.Context, connectionID string, payload []byte)
	OnDisconnect(ctx context.Context, connectionID string)
}

// Server owns every live socket and the group table.
// Liveness is checked by the application heartbeat, so no protocol pings are sent.
type Server struct {
	mu     sync.RWMutex
	conns  map[string]*connection
	groups map[string]map[string]*connection

	upgrader websocket.Upgrader
	cfg      Config
	logger   *zap.Logger
}

func NewServer(cfg Config, logger *zap.Logger) *Server {
	def := DefaultConfig()
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = def.SendBuffer
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = def.MaxMessageBytes
	}

	return &Server{
		conns:  make(map[string]*connection),
		groups: make(map[string]map[string]*connection),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     sameOriginOrLoopback,
		},
		cfg:    cfg,
		logger: logger,
	}
}

// Serve upgrades the request and blocks until the connection closes.
// Authentication must already have happened.
func (s *Server) Serve(w http.ResponseWriter, r *http.Request, handler Handler) {
	socket, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := &connection{
		id:     uuid.NewString(),
		server: s,
		socket: socket,
		send:   make(chan []byte, s.cfg.SendBuffer),
		done:   make(chan struct{}),
		groups: make(map[string]struct{}),
	}
	s.register(c)
	go c.writeLoop()

	if err := handler.OnConnect(ctx, c.id); err != nil {
		s.logger.Warn("connection refused", zap.String("connection_id", c.id), zap.Error(err))
		c.close()
		return
	}
	defer handler.OnDisconnect(ctx, c.id)

	c.readLoop(ctx, handler)
}

// SendToConnection queues event for one connection. Unknown connections are
// ignored: a connection that has gone away cannot be written to.
func (s *Server) SendToConnection(connectionID string, event any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.conns[connectionID]
	if !ok {
		return nil
	}
	return c.enqueue(payload)
}

// SendToConnectionWait queues event for one connection, waiting for buffer
// space for up to the write timeout instead of dropping. Unlike
// SendToConnection, a missing or closing connection is an error so the
// caller can keep the event for later.
func (s *Server) SendToConnectionWait(ctx context.Context, connectionID string, event any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	s.mu.RLock()
	c, ok := s.conns[connectionID]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrConnectionNotFound, connectionID)
	}

	timer := time.NewTimer(s.cfg.WriteTimeout)
	defer timer.Stop()

	select {
	case c.send <- payload:
		return nil
	case <-c.done:
		return fmt.Errorf("%w: %s", ErrConnectionNotFound, connectionID)
	case <-timer.C:
		return &OverflowError{ConnectionIDs: []string{connectionID}}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendToGroup queues event for every member of group in a single pass.
// Members with a full buffer are skipped and reported together in an
// *OverflowError after all members were attempted.
func (s *Server) SendToGroup(group string, event any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var overflowed []string
	for _, c := range s.groups[group] {
		if err := c.enqueue(payload); err != nil {
			s.logger.Warn("dropping event for slow connection",
				zap.String("connection_id", c.id),
				zap.String("group", group),
			)
			overflowed = append(overflowed, c.id)
		}
	}
	if len(overflowed) > 0 {
		return &OverflowError{ConnectionIDs: overflowed}
	}
	return nil
}

func (s *Server) JoinGroup(connectionID, group string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conns[connectionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrConnectionNotFound, connectionID)
	}
	members := s.groups[group]
	if members == nil {
		members = make(map[string]*connection)
		s.groups[group] = members
	}
	members[c.id] = c
	c.groups[group] = struct{}{}
	return nil
}

func (s *Server) LeaveGroup(connectionID, group string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conns[connectionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrConnectionNotFound, connectionID)
	}
	s.removeFromGroupLocked(c, group)
	return nil
}

// Disconnect closes the socket. The read loop then unwinds and the
// handler's OnDisconnect runs.
func (s *Server) Disconnect(connectionID string) {
	s.mu.RLock()
	c, ok := s.conns[connectionID]
	s.mu.RUnlock()
	if ok {
		c.close()
	}
}

// GroupSize reports how many connections are in group.
func (s *Server) GroupSize(group string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.groups[group])
}

func (s *Server) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

func (s *Server) register(c *connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[c.id] = c
}

// unregister removes c from every table. The send channel is never closed;
// the write loop stops on c.done instead, so a waiting sender cannot panic.
func (s *Server) unregister(c *connection) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for group := range c.groups {
		s.removeFromGroupLocked(c, group)
	}
	delete(s.conns, c.id)
}

func (s *Server) removeFromGroupLocked(c *connection, group string) {
	if members, ok := s.groups[group]; ok {
		delete(members, c.id)
		if len(members) == 0 {
			delete(s.groups, group)
		}
	}
	delete(c.groups, group)
}

type connection struct {
	id     string
	server *Server
	socket *websocket.Conn
	send   chan []byte
	done   chan struct{}
	groups map[string]struct{}
	once   sync.Once
}

func (c *connection) enqueue(payload []byte) error {
	select {
	case c.send <- payload:
		return nil
	default:
		return &OverflowError{ConnectionIDs: []string{c.id}}
	}
}

func (c *connection) readLoop(ctx context.Context, handler Handler) {
	defer c.close()

	c.socket.SetReadLimit(c.server.cfg.MaxMessageBytes)

	for {
		_, payload, err := c.socket.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.server.logger.Info("unexpected close", zap.String("connection_id", c.id), zap.Error(err))
			}
			return
		}
		if len(payload) == 0 {
			continue
		}
		handler.OnMessage(ctx, c.id, payload)
	}
}

func (c *connection) writeLoop() {
	defer c.close()

	for {
		select {
		case <-c.done:
			return
		case payload := <-c.send:
			_ = c.socket.SetWriteDeadline(time.Now().Add(c.server.cfg.WriteTimeout))
			if err := c.socket.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.server.logger.Warn("websocket write failed", zap.String("connection_id", c.id), zap.Error(err))
				return
			}
		}
	}
}

func (c *connection) close() {
	c.once.Do(func() {
		c.server.unregister(c)
		close(c.done)
		_ = c.socket.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = c.socket.Close()
	})
}

func sameOriginOrLoopback(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	originHost := hostWithoutPort(origin)
	return originHost == hostWithoutPort(r.Host) || isLoopback(originHost)
}

func hostWithoutPort(host string) string {
	host = strings.TrimSpace(host)
	host = strings.TrimPrefix(host, "https://")
	host = strings.TrimPrefix(host, "http://")
	if i := strings.IndexByte(host, '/'); i >= 0 {
		host = host[:i]
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

func isLoopback(host string) bool {
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return strings.EqualFold(host, "localhost")
}
