// Package access implements the security gate for the telemetry stream: API
// key and session token authentication, per-client sliding-window rate
// limiting, IP allow/deny lists, and HMAC signing of broadcast frames.
package access

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/traffic.report/internal/monitoring"
)

const (
	// DefaultRateLimit is the per-client request quota per sliding minute.
	DefaultRateLimit = 100
	// DefaultSessionTTL is how long an issued session token stays valid.
	DefaultSessionTTL = time.Hour

	rateWindow = time.Minute
	tokenBytes = 32
)

// Audit event types written to the durable audit log.
const (
	EventAuthFailure = "auth_failure"
	EventRateLimit   = "rate_limit"
	EventIPBlocked   = "ip_blocked"
)

// AuditSink receives security-relevant events for durable storage. The store
// package satisfies this interface.
type AuditSink interface {
	LogEvent(eventType, message, level string) error
}

// Session is a short-lived credential issued after a successful handshake.
// One session is active per client id; issuing a new one supersedes the old.
type Session struct {
	ClientID string
	Token    string
	Created  time.Time
	Expires  time.Time
}

// Options configures a Controller. Zero values select the defaults.
type Options struct {
	// RateLimit is the maximum admitted requests per client per minute.
	RateLimit int
	// SessionTTL is the validity window for issued session tokens.
	SessionTTL time.Duration
	// Audit receives security events. May be nil.
	Audit AuditSink
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Controller owns all access-control state for one server instance. There
// are no package-level registries; construct one Controller at start-up and
// share it between the broadcast server and the HTTP surface.
type Controller struct {
	apiKey []byte
	limit  int
	ttl    time.Duration
	now    func() time.Time
	audit  AuditSink

	mu       sync.Mutex
	sessions map[string]Session
	windows  map[string][]time.Time
	blocked  map[string]struct{}
	allowed  map[string]struct{}
}

// NewController creates a Controller guarding the given shared secret.
func NewController(apiKey string, opts Options) *Controller {
	if opts.RateLimit <= 0 {
		opts.RateLimit = DefaultRateLimit
	}
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = DefaultSessionTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Controller{
		apiKey:   []byte(apiKey),
		limit:    opts.RateLimit,
		ttl:      opts.SessionTTL,
		now:      opts.Now,
		audit:    opts.Audit,
		sessions: make(map[string]Session),
		windows:  make(map[string][]time.Time),
		blocked:  make(map[string]struct{}),
		allowed:  make(map[string]struct{}),
	}
}

// SessionTTL returns the configured token lifetime.
func (c *Controller) SessionTTL() time.Duration { return c.ttl }

func (c *Controller) logEvent(eventType, message string) {
	monitoring.Logf("access: %s: %s", eventType, message)
	if c.audit == nil {
		return
	}
	if err := c.audit.LogEvent(eventType, message, "WARNING"); err != nil {
		monitoring.Logf("access: failed to record audit event: %v", err)
	}
}

// ValidateKey compares a presented API key against the configured secret in
// constant time. Failures are written to the audit log.
func (c *Controller) ValidateKey(key string) bool {
	if hmac.Equal([]byte(key), c.apiKey) {
		return true
	}
	c.logEvent(EventAuthFailure, "invalid API key presented")
	return false
}

// IssueSession generates a high-entropy token for clientID, replacing any
// existing session for that id.
func (c *Controller) IssueSession(clientID string) (Session, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return Session{}, fmt.Errorf("generate session token: %w", err)
	}
	now := c.now()
	s := Session{
		ClientID: clientID,
		Token:    base64.RawURLEncoding.EncodeToString(b),
		Created:  now,
		Expires:  now.Add(c.ttl),
	}
	c.mu.Lock()
	c.sessions[clientID] = s
	c.mu.Unlock()
	return s, nil
}

// ValidateSession reports whether token is the live session token for
// clientID. Expired sessions are evicted on first use; there is no
// background sweep.
func (c *Controller) ValidateSession(clientID, token string) bool {
	c.mu.Lock()
	s, ok := c.sessions[clientID]
	if ok && c.now().After(s.Expires) {
		delete(c.sessions, clientID)
		ok = false
		c.mu.Unlock()
		c.logEvent(EventAuthFailure, fmt.Sprintf("session expired for client %s", clientID))
		return false
	}
	c.mu.Unlock()
	if !ok {
		c.logEvent(EventAuthFailure, fmt.Sprintf("no session for client %s", clientID))
		return false
	}
	if !hmac.Equal([]byte(token), []byte(s.Token)) {
		c.logEvent(EventAuthFailure, fmt.Sprintf("invalid session token for client %s", clientID))
		return false
	}
	return true
}

// DropSession removes the session for clientID, for explicit disconnects.
// The rate window is left alone so a reconnect does not reset the limiter.
func (c *Controller) DropSession(clientID string) {
	c.mu.Lock()
	delete(c.sessions, clientID)
	c.mu.Unlock()
}

// CheckRate admits or rejects one request from clientID under the sliding
// 60s window. A rejected request is not counted towards the window, so a
// client pinned at the limit recovers as soon as old entries roll off.
func (c *Controller) CheckRate(clientID string) bool {
	now := c.now()
	cutoff := now.Add(-rateWindow)

	c.mu.Lock()
	window := c.windows[clientID]
	kept := window[:0]
	for _, t := range window {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= c.limit {
		c.windows[clientID] = kept
		c.mu.Unlock()
		c.logEvent(EventRateLimit, fmt.Sprintf("rate limit exceeded for client %s", clientID))
		return false
	}
	c.windows[clientID] = append(kept, now)
	c.mu.Unlock()
	return true
}

// BlockIP adds ip to the deny list.
func (c *Controller) BlockIP(ip string) {
	c.mu.Lock()
	c.blocked[ip] = struct{}{}
	c.mu.Unlock()
	monitoring.Logf("access: blocked IP %s", ip)
}

// AllowIP adds ip to the allow list. Once the allow list is non-empty, only
// listed addresses may connect.
func (c *Controller) AllowIP(ip string) {
	c.mu.Lock()
	c.allowed[ip] = struct{}{}
	c.mu.Unlock()
}

// IPAllowed reports whether ip may connect: never when deny-listed, and only
// when allow-listed if an allow list is configured.
func (c *Controller) IPAllowed(ip string) bool {
	c.mu.Lock()
	_, denied := c.blocked[ip]
	var permitted = true
	if len(c.allowed) > 0 {
		_, permitted = c.allowed[ip]
	}
	c.mu.Unlock()

	if denied {
		c.logEvent(EventIPBlocked, fmt.Sprintf("blocked IP attempted connection: %s", ip))
		return false
	}
	if !permitted {
		c.logEvent(EventIPBlocked, fmt.Sprintf("IP not on allow list: %s", ip))
		return false
	}
	return true
}

// Sign computes the hex-encoded HMAC-SHA256 of data under the shared secret.
func (c *Controller) Sign(data []byte) string {
	mac := hmac.New(sha256.New, c.apiKey)
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether sig is the valid signature for data, compared in
// constant time.
func (c *Controller) Verify(data []byte, sig string) bool {
	return hmac.Equal([]byte(c.Sign(data)), []byte(sig))
}
