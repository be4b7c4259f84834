package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/banshee-data/traffic.report/internal/access"
	"github.com/banshee-data/traffic.report/internal/counts"
	"github.com/banshee-data/traffic.report/internal/monitoring"
	"github.com/banshee-data/traffic.report/internal/store"
)

const (
	defaultAuthTimeout  = 5 * time.Second
	defaultWriteTimeout = 5 * time.Second
)

// Server owns the connection registry and runs the
// validate, persist, sign, fan-out pipeline. One Server instance serves one
// broadcast domain; all its state is instance-owned, never package-global.
type Server struct {
	access       *access.Controller
	store        *store.Store
	authTimeout  time.Duration
	writeTimeout time.Duration
	now          func() time.Time

	mu    sync.Mutex
	conns map[string]*websocket.Conn
}

// NewServer creates a broadcast server gated by ac and persisting through
// st.
func NewServer(ac *access.Controller, st *store.Store) *Server {
	return &Server{
		access:       ac,
		store:        st,
		authTimeout:  defaultAuthTimeout,
		writeTimeout: defaultWriteTimeout,
		now:          time.Now,
		conns:        make(map[string]*websocket.Conn),
	}
}

// ClientCount returns the number of registered connections.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Registered reports whether clientID currently has a live registry entry.
func (s *Server) Registered(clientID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.conns[clientID]
	return ok
}

// ServeHTTP upgrades the request to a websocket and runs the connection
// through handshake and steady state. Each connection gets its own
// goroutine courtesy of net/http; no failure here can propagate into
// another connection or an in-flight broadcast.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ip := remoteIP(r)
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // origin checking is not part of the credential model
	})
	if err != nil {
		monitoring.Logf("stream: websocket upgrade failed from %s: %v", ip, err)
		return
	}

	if !s.access.IPAllowed(ip) {
		message := fmt.Sprintf("connection refused from blocked IP %s", ip)
		monitoring.Logf("stream: %s", message)
		if err := s.store.LogEvent(access.EventIPBlocked, message, "WARNING"); err != nil {
			monitoring.Logf("stream: failed to record audit event: %v", err)
		}
		conn.Close(closeIPNotAllowed, "IP not allowed")
		return
	}

	s.handle(r.Context(), conn, ip)
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// handle runs one connection from handshake to close.
func (s *Server) handle(ctx context.Context, conn *websocket.Conn, ip string) {
	clientID, ok := s.authenticate(ctx, conn, ip)
	if !ok {
		return
	}

	s.register(clientID, conn)
	monitoring.Logf("stream: client connected: %s from %s (total: %d)", clientID, ip, s.ClientCount())

	s.serve(ctx, conn, clientID)

	// Only the still-registered connection tears down its session; a
	// superseded handler must not drop the session its replacement holds.
	if s.deregister(clientID, conn) {
		s.access.DropSession(clientID)
	}
	conn.Close(websocket.StatusNormalClosure, "")
	monitoring.Logf("stream: client disconnected: %s (total: %d)", clientID, s.ClientCount())
}

// authenticate waits up to the auth timeout for exactly one credentials
// frame and closes the connection on any failure. Failed attempts land in
// the audit log and never reach the registry.
func (s *Server) authenticate(ctx context.Context, conn *websocket.Conn, ip string) (string, bool) {
	authCtx, cancel := context.WithTimeout(ctx, s.authTimeout)
	defer cancel()

	_, data, err := conn.Read(authCtx)
	if err != nil {
		s.auditAuthFailure(fmt.Sprintf("authentication timeout or read failure from %s", ip))
		conn.Close(closeInvalidFormat, "invalid authentication format")
		return "", false
	}

	var req authRequest
	if err := json.Unmarshal(data, &req); err != nil || req.APIKey == "" || req.ClientID == "" {
		s.auditAuthFailure(fmt.Sprintf("invalid authentication format from %s", ip))
		conn.Close(closeInvalidFormat, "invalid authentication format")
		return "", false
	}

	if !s.access.ValidateKey(req.APIKey) {
		// ValidateKey wrote the audit entry.
		monitoring.Logf("stream: authentication failed from %s", ip)
		conn.Close(closeInvalidCredentials, "invalid credentials")
		return "", false
	}

	session, err := s.access.IssueSession(req.ClientID)
	if err != nil {
		monitoring.Logf("stream: failed to issue session for %s: %v", req.ClientID, err)
		conn.Close(websocket.StatusInternalError, "session failure")
		return "", false
	}

	reply := authResponse{
		Status:    statusAuthenticated,
		Token:     session.Token,
		ExpiresIn: int(s.access.SessionTTL().Seconds()),
	}
	if err := s.write(ctx, conn, reply); err != nil {
		monitoring.Logf("stream: failed to send auth response to %s: %v", req.ClientID, err)
		conn.Close(websocket.StatusInternalError, "write failure")
		return "", false
	}
	return req.ClientID, true
}

func (s *Server) auditAuthFailure(message string) {
	monitoring.Logf("stream: %s", message)
	if err := s.store.LogEvent(access.EventAuthFailure, message, "WARNING"); err != nil {
		monitoring.Logf("stream: failed to record audit event: %v", err)
	}
}

// register inserts conn under clientID, closing any superseded connection
// for the same id.
func (s *Server) register(clientID string, conn *websocket.Conn) {
	s.mu.Lock()
	old, had := s.conns[clientID]
	s.conns[clientID] = conn
	s.mu.Unlock()

	if had {
		monitoring.Logf("stream: superseding existing connection for %s", clientID)
		old.Close(websocket.StatusPolicyViolation, "superseded by new connection")
	}
}

// deregister removes the registry entry for clientID, but only if it still
// maps to conn; a superseded connection must not evict its replacement. It
// reports whether the entry was removed.
func (s *Server) deregister(clientID string, conn *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns[clientID] == conn {
		delete(s.conns, clientID)
		return true
	}
	return false
}

// serve is the steady-state loop: rate-gate every inbound frame, answer
// pings, log and ignore anything unrecognized. Returns when the transport
// closes.
func (s *Server) serve(ctx context.Context, conn *websocket.Conn, clientID string) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		if !s.access.CheckRate(clientID) {
			if err := s.write(ctx, conn, controlFrame{Error: rateLimitNotice}); err != nil {
				return
			}
			continue
		}

		var ctl controlFrame
		if err := json.Unmarshal(data, &ctl); err != nil {
			monitoring.Logf("stream: invalid JSON from %s", clientID)
			continue
		}
		switch ctl.Type {
		case "ping":
			if err := s.write(ctx, conn, controlFrame{Type: "pong"}); err != nil {
				return
			}
		default:
			monitoring.Logf("stream: unrecognized frame from %s", clientID)
		}
	}
}

// write sends one JSON frame with the server's write timeout.
func (s *Server) write(ctx context.Context, conn *websocket.Conn, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, b)
}

// Broadcast validates, sanitizes, persists, signs, and fans out one count
// payload to every registered client. No frame is delivered unless the
// record was persisted first. Per-client delivery failures are isolated and
// those clients are evicted after the full pass.
func (s *Server) Broadcast(ctx context.Context, raw map[string]interface{}) error {
	if err := counts.Validate(raw); err != nil {
		monitoring.Logf("stream: broadcast rejected: %v", err)
		return err
	}
	p := counts.Sanitize(raw)

	// The frame carries the server-assigned timestamp, not the producer's.
	ts := float64(s.now().UnixNano()) / 1e9

	if err := s.store.Insert(p.Counts, ts); err != nil {
		monitoring.Logf("stream: broadcast aborted, persist failed: %v", err)
		return err
	}

	data := BroadcastData{
		Bicycles:  p.Bicycles,
		Buses:     p.Buses,
		Cars:      p.Cars,
		Motors:    p.Motors,
		Timestamp: ts,
		Vans:      p.Vans,
	}
	canonical, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode broadcast data: %w", err)
	}
	frame, err := json.Marshal(broadcastFrame{
		Data: canonical,
		HMAC: s.access.Sign(canonical),
	})
	if err != nil {
		return fmt.Errorf("encode broadcast frame: %w", err)
	}
	if err := counts.CheckSize(frame); err != nil {
		monitoring.Logf("stream: broadcast rejected: %v", err)
		return err
	}

	// Snapshot the registry so one slow client cannot hold the lock against
	// new connections, then attempt each delivery independently.
	s.mu.Lock()
	targets := make(map[string]*websocket.Conn, len(s.conns))
	for id, conn := range s.conns {
		targets[id] = conn
	}
	s.mu.Unlock()

	var failed []string
	for id, conn := range targets {
		writeCtx, cancel := context.WithTimeout(ctx, s.writeTimeout)
		err := conn.Write(writeCtx, websocket.MessageText, frame)
		cancel()
		if err != nil {
			monitoring.Logf("stream: failed to send to %s: %v", id, err)
			failed = append(failed, id)
		}
	}

	// Evict failed clients after the pass completes.
	for _, id := range failed {
		conn := targets[id]
		s.deregister(id, conn)
		conn.Close(websocket.StatusAbnormalClosure, "delivery failure")
	}
	if len(failed) > 0 {
		monitoring.Logf("stream: evicted %d unreachable clients", len(failed))
	}
	return nil
}

// CloseAll closes every registered connection, for shutdown.
func (s *Server) CloseAll() {
	s.mu.Lock()
	conns := s.conns
	s.conns = make(map[string]*websocket.Conn)
	s.mu.Unlock()

	for _, conn := range conns {
		conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
}
