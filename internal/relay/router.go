// Package relay implements the session actor and router/supervisor
// that sit on top of the address, challenge, signing, mailbox, and
// federation packages: the WebSocket-framed, challenge-response
// authenticated slate exchange itself.
package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/grinrelay/grinrelay/internal/address"
	"github.com/grinrelay/grinrelay/internal/challenge"
	"github.com/grinrelay/grinrelay/internal/federation"
	"github.com/grinrelay/grinrelay/internal/mailbox"
	"github.com/grinrelay/grinrelay/internal/metrics"
)

// Config configures a Router.
type Config struct {
	Network     address.Network
	LocalDomain string

	MaxSlateBytes              int
	MaxSessions                int
	MaxSubscriptionsPerSession int
	SessionIdleTimeout         time.Duration
	ShutdownGrace              time.Duration

	Oracle   *challenge.Oracle
	Registry *mailbox.Registry
	Bridge   *federation.Bridge // nil when federation is disabled

	Collector metrics.Collector
	Logger    *slog.Logger
}

// Router accepts WebSocket upgrades, spawns a Session per connection,
// and coordinates the shared challenge-rotation broadcast and graceful
// shutdown across every live session.
type Router struct {
	cfg      Config
	upgrader websocket.Upgrader
	limiter  *sessionLimiter

	mu       sync.Mutex
	sessions map[*Session]struct{}
}

// NewRouter builds a Router from cfg and registers it as the oracle's
// rotation callback, fanning every rotation out to live sessions.
func NewRouter(cfg Config) *Router {
	if cfg.Collector == nil {
		cfg.Collector = metrics.Noop()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	r := &Router{
		cfg:      cfg,
		limiter:  newSessionLimiter(cfg.MaxSessions),
		sessions: make(map[*Session]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	cfg.Oracle.OnRotate(r.broadcastRotate)
	return r
}

// HandleUpgrade is the http.HandlerFunc that accepts a WebSocket
// upgrade and spawns a session actor for the lifetime of the
// connection. It blocks until the session's Run loop returns.
func (r *Router) HandleUpgrade(w http.ResponseWriter, req *http.Request) {
	if !r.limiter.TryAcquire() {
		http.Error(w, "relay at capacity", http.StatusServiceUnavailable)
		return
	}
	defer r.limiter.Release()

	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.cfg.Logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	sess := NewSession(conn, Deps{
		Oracle:                     r.cfg.Oracle,
		Registry:                   r.cfg.Registry,
		Bridge:                     r.cfg.Bridge,
		Network:                    r.cfg.Network,
		LocalDomain:                r.cfg.LocalDomain,
		MaxSlateBytes:              r.cfg.MaxSlateBytes,
		MaxSubscriptionsPerSession: r.cfg.MaxSubscriptionsPerSession,
		SessionIdleTimeout:         r.cfg.SessionIdleTimeout,
		Collector:                  r.cfg.Collector,
		Logger:                     r.cfg.Logger,
	})

	r.register(sess)
	defer r.unregister(sess)

	sess.Run(req.Context())
}

func (r *Router) register(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s] = struct{}{}
}

func (r *Router) unregister(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, s)
}

// broadcastRotate is registered with the challenge oracle and fans a
// rotation out to every live session.
func (r *Router) broadcastRotate(current string) {
	r.cfg.Collector.ChallengeRotated()

	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		s.HandleRotate(current)
	}
}

// SessionCount reports the number of currently connected sessions.
func (r *Router) SessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Shutdown sends a close frame to every live session and closes its
// socket, then waits until every session has finished unwinding, for at
// most the configured shutdown grace period or until ctx is done.
func (r *Router) Shutdown(ctx context.Context) {
	grace := r.cfg.ShutdownGrace
	if grace <= 0 {
		grace = 10 * time.Second
	}
	deadline := time.Now().Add(grace)

	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "relay shutting down"),
			time.Now().Add(time.Second))
		s.close()
	}

	for r.SessionCount() > 0 && time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// healthStatus is the JSON body served at /healthz.
type healthStatus struct {
	Sessions          int  `json:"sessions"`
	FederationEnabled bool `json:"federation_enabled"`
}

// HandleHealthz reports liveness: current session count and whether
// federation is wired, never any slate data.
func (r *Router) HandleHealthz(w http.ResponseWriter, req *http.Request) {
	status := healthStatus{
		Sessions:          r.SessionCount(),
		FederationEnabled: r.cfg.Bridge != nil,
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(status)
}
