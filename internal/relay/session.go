package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/grinrelay/grinrelay/internal/address"
	"github.com/grinrelay/grinrelay/internal/challenge"
	"github.com/grinrelay/grinrelay/internal/federation"
	"github.com/grinrelay/grinrelay/internal/mailbox"
	"github.com/grinrelay/grinrelay/internal/metrics"
	"github.com/grinrelay/grinrelay/internal/signing"
)

const (
	// outboxCapacity bounds how many undelivered Slate frames a session
	// will buffer internally before Deliver starts refusing handoffs,
	// forcing the mailbox registry to re-queue instead.
	outboxCapacity = 64

	// writeTimeout bounds a single socket write so a stalled peer can't
	// wedge the session's writer goroutine forever.
	writeTimeout = 10 * time.Second
)

// errOutboxFull is returned by Deliver when the session's internal
// buffer is saturated; the registry treats this exactly like any other
// delivery failure and re-queues the message.
var errOutboxFull = errors.New("relay: session outbox full")

// State represents where a session sits in its lifecycle.
type State int

const (
	// StateNew is the state immediately after the socket is accepted,
	// before the initial Challenge has been sent.
	StateNew State = iota

	// StateGreeted means the initial Challenge frame has been sent.
	StateGreeted

	// StateActive means at least one authenticated operation has
	// succeeded. Cosmetic only: authentication is per-message.
	StateActive

	// StateClosed means the socket has been torn down and all
	// subscriptions released.
	StateClosed
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateGreeted:
		return "GREETED"
	case StateActive:
		return "ACTIVE"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Deps bundles the shared collaborators a session needs to do its job.
// The router constructs one set and hands it to every session it spawns.
type Deps struct {
	Oracle      *challenge.Oracle
	Registry    *mailbox.Registry
	Bridge      *federation.Bridge
	Network     address.Network
	LocalDomain string

	MaxSlateBytes              int
	MaxSubscriptionsPerSession int
	SessionIdleTimeout         time.Duration

	Collector metrics.Collector
	Logger    *slog.Logger
}

// Session is the per-socket JSON-message state machine. One is spawned
// per accepted WebSocket connection.
type Session struct {
	conn *websocket.Conn
	deps Deps

	mu            sync.Mutex
	state         State
	subscriptions map[address.Address]mailbox.Handle
	subs          *subscriptionLimiter

	writeMu sync.Mutex

	// outbox decouples the registry's Deliver call from the actual
	// socket write: Deliver only ever enqueues here, never blocks on
	// I/O, so a slow peer can't hold a mailbox shard lock hostage.
	// writePump is the sole consumer.
	outbox chan mailbox.Message

	errorStrikes int

	closeOnce sync.Once
}

// NewSession wraps an upgraded WebSocket connection in a Session.
func NewSession(conn *websocket.Conn, deps Deps) *Session {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Collector == nil {
		deps.Collector = metrics.Noop()
	}
	return &Session{
		conn:          conn,
		deps:          deps,
		state:         StateNew,
		subscriptions: make(map[address.Address]mailbox.Handle),
		subs:          newSubscriptionLimiter(deps.MaxSubscriptionsPerSession),
		outbox:        make(chan mailbox.Message, outboxCapacity),
	}
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Deliver implements mailbox.Sink. It is called by the registry with a
// per-address shard lock held, so it must never touch the network: it
// only enqueues onto the session's outbox for writePump to drain. A
// full outbox returns errOutboxFull, which the registry treats as an
// ordinary delivery failure and re-queues the message.
func (s *Session) Deliver(msg mailbox.Message) error {
	select {
	case s.outbox <- msg:
		return nil
	default:
		return errOutboxFull
	}
}

// writePump drains the outbox and writes each message to the socket.
// It is the only goroutine that turns a mailbox.Message into a wire
// frame, keeping that work off of any registry lock.
func (s *Session) writePump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-s.outbox:
			if !ok {
				return
			}
			frame := newSlateFrame(msg.From.Encode(), msg.To.Encode(), msg.Str, msg.Challenge, msg.Signature)
			if err := s.writeJSON(frame); err != nil {
				s.deps.Logger.Warn("session write failed, closing", "error", err)
				s.close()
				return
			}
			s.deps.Collector.SlateDelivered()
		}
	}
}

// Run greets the peer, then services inbound frames until the socket
// closes or the context is cancelled. It always cleans up subscriptions
// before returning.
func (s *Session) Run(ctx context.Context) {
	defer s.close()

	s.deps.Collector.SessionOpened()
	defer s.deps.Collector.SessionClosed()

	if err := s.greet(); err != nil {
		s.deps.Logger.Warn("failed to greet session", "error", err)
		return
	}
	s.resetReadDeadline()

	go s.writePump(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgType, raw, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		s.resetReadDeadline()
		// ProtocolViolation has two tiers. A frame that isn't even a
		// well-formed text message of a sane size (wrong opcode,
		// oversized) means the peer isn't speaking this protocol at
		// all, and closes the session immediately. A frame that is a
		// correctly-sized text message but fails to decode as JSON is
		// tolerated up to a threshold (strikeAndMaybeClose) since it's
		// as likely to be a one-off client bug as a hostile peer.
		if msgType != websocket.TextMessage {
			s.sendError(KindProtocolViolation, "binary frames are not supported")
			s.closeOnViolation()
			return
		}
		if len(raw) > s.deps.MaxSlateBytes*2 {
			s.sendError(KindProtocolViolation, "frame exceeds maximum size")
			s.closeOnViolation()
			return
		}

		if fatal := s.dispatch(raw); fatal {
			return
		}
	}
}

func (s *Session) greet() error {
	s.mu.Lock()
	s.state = StateGreeted
	s.mu.Unlock()
	return s.writeJSON(newChallengeFrame(s.deps.Oracle.Current()))
}

// HandleRotate is invoked by the router whenever the challenge oracle
// rotates. It re-announces the new challenge to this session's socket.
func (s *Session) HandleRotate(current string) {
	if s.State() == StateClosed {
		return
	}
	_ = s.writeJSON(newChallengeFrame(current))
}

// dispatch handles a single inbound frame, returning true if the
// session must be torn down as a result (ProtocolViolation threshold).
func (s *Session) dispatch(raw []byte) bool {
	typ, err := decodeType(raw)
	if err != nil {
		s.sendError(KindProtocolViolation, "malformed JSON frame")
		return s.strikeAndMaybeClose()
	}

	switch typ {
	case "Subscribe":
		return s.handleSubscribe(raw)
	case "Unsubscribe":
		return s.handleUnsubscribe(raw)
	case "PostSlate":
		return s.handlePostSlate(raw)
	default:
		s.sendError(KindUnknownRequest, "unknown request type: "+typ)
		return false
	}
}

func (s *Session) handleSubscribe(raw []byte) bool {
	var req subscribeRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		s.sendError(KindProtocolViolation, "malformed Subscribe frame")
		return s.strikeAndMaybeClose()
	}

	addr, err := address.Parse(req.Address, s.deps.Network)
	if err != nil {
		s.sendError(KindInvalidAddress, err.Error())
		return false
	}

	challengeForSig := s.verifiableChallenge(addr, req.Signature, signing.BuildSubscribeMessage)
	if challengeForSig == "" {
		s.sendError(KindInvalidSignature, "signature does not verify against any accepted challenge")
		return false
	}

	s.mu.Lock()
	if _, exists := s.subscriptions[addr]; exists {
		s.mu.Unlock()
		s.writeJSON(newOkFrame())
		return false
	}
	if !s.subs.TryAcquire() {
		s.mu.Unlock()
		s.sendError(KindSubscriptionLimit, "maximum subscriptions per session reached")
		return false
	}
	s.mu.Unlock()

	handle := s.deps.Registry.Subscribe(addr, s)

	s.mu.Lock()
	s.subscriptions[addr] = handle
	s.state = StateActive
	s.mu.Unlock()

	s.deps.Collector.SubscriptionOpened()
	s.writeJSON(newOkFrame())
	return false
}

func (s *Session) handleUnsubscribe(raw []byte) bool {
	var req unsubscribeRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		s.sendError(KindProtocolViolation, "malformed Unsubscribe frame")
		return s.strikeAndMaybeClose()
	}

	addr, err := address.Parse(req.Address, s.deps.Network)
	if err != nil {
		s.sendError(KindInvalidAddress, err.Error())
		return false
	}

	s.mu.Lock()
	handle, ok := s.subscriptions[addr]
	if ok {
		delete(s.subscriptions, addr)
		s.subs.Release()
	}
	s.mu.Unlock()

	if ok {
		s.deps.Registry.Unsubscribe(handle)
		s.deps.Collector.SubscriptionClosed()
	}

	s.writeJSON(newOkFrame())
	return false
}

func (s *Session) handlePostSlate(raw []byte) bool {
	var req postSlateRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		s.sendError(KindProtocolViolation, "malformed PostSlate frame")
		return s.strikeAndMaybeClose()
	}

	if len(req.Str) > s.deps.MaxSlateBytes {
		s.deps.Collector.SlateRejected(string(KindSlateTooLarge))
		s.sendError(KindSlateTooLarge, "slate exceeds maximum size")
		return false
	}

	from, err := address.Parse(req.From, s.deps.Network)
	if err != nil {
		s.deps.Collector.SlateRejected(string(KindInvalidAddress))
		s.sendError(KindInvalidAddress, "invalid from address: "+err.Error())
		return false
	}
	to, err := address.Parse(req.To, s.deps.Network)
	if err != nil {
		s.deps.Collector.SlateRejected(string(KindInvalidAddress))
		s.sendError(KindInvalidAddress, "invalid to address: "+err.Error())
		return false
	}

	challengeForSig := s.verifiableChallenge(from, req.Signature, func(ch string) []byte {
		return signing.BuildPostMessage(req.Str, ch)
	})
	if challengeForSig == "" {
		s.deps.Collector.SlateRejected(string(KindInvalidSignature))
		s.sendError(KindInvalidSignature, "signature does not verify against any accepted challenge")
		return false
	}

	msg := mailbox.Message{
		From:       from,
		To:         to,
		Str:        req.Str,
		Signature:  req.Signature,
		Challenge:  challengeForSig,
		ReceivedAt: time.Now(),
	}

	local := strings.EqualFold(to.Domain, s.deps.LocalDomain)
	if local {
		if err := s.deps.Registry.Post(msg); err != nil {
			if errors.Is(err, mailbox.ErrMailboxFull) {
				s.deps.Collector.SlateRejected(string(KindMailboxFull))
				s.sendError(KindMailboxFull, "destination mailbox is full")
				return false
			}
			s.deps.Collector.SlateRejected(string(KindInternalError))
			s.sendError(KindInternalError, "correlation_id="+uuid.NewString())
			return s.strikeAndMaybeClose()
		}
		s.deps.Collector.SlatePosted(true)
	} else {
		if s.deps.Bridge == nil {
			s.deps.Collector.SlateRejected(string(KindFederationUnavailable))
			s.sendError(KindFederationUnavailable, "federation is not configured")
			return false
		}
		if err := s.deps.Bridge.Publish(context.Background(), msg); err != nil {
			s.deps.Collector.SlateRejected(string(KindFederationUnavailable))
			s.sendError(KindFederationUnavailable, "foreign relay unreachable")
			return false
		}
		s.deps.Collector.SlatePosted(false)
	}

	s.mu.Lock()
	s.state = StateActive
	s.mu.Unlock()

	s.writeJSON(newOkFrame())
	return false
}

// verifiableChallenge tries the signature against every challenge the
// oracle currently accepts, returning the one that verified, or "" if
// none did.
func (s *Session) verifiableChallenge(addr address.Address, sigHex string, build func(challenge string) []byte) string {
	snap := s.deps.Oracle.Snapshot()
	for _, ch := range []string{snap.Current, snap.Previous} {
		if ch == "" {
			continue
		}
		if signing.Verify(addr, build(ch), sigHex) {
			return ch
		}
	}
	return ""
}

func (s *Session) sendError(kind ErrorKind, description string) {
	_ = s.writeJSON(newErrorFrame(kind, description))
}

// strikeAndMaybeClose counts a malformed-JSON ProtocolViolation or an
// InternalError toward the 3-strike threshold; the strike that reaches
// it tears the session down. This is the lenient tier of the two-tier
// policy documented in Run.
func (s *Session) strikeAndMaybeClose() bool {
	s.mu.Lock()
	s.errorStrikes++
	fatal := s.errorStrikes >= 3
	s.mu.Unlock()
	return fatal
}

// closeOnViolation forces the strike count to the threshold so the
// caller's unconditional return tears the session down on the spot.
// This is the immediate tier of the two-tier policy documented in Run.
func (s *Session) closeOnViolation() {
	s.mu.Lock()
	s.errorStrikes = 3
	s.mu.Unlock()
}

func (s *Session) writeJSON(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := s.conn.WriteJSON(v); err != nil {
		return err
	}
	s.resetReadDeadline()
	return nil
}

// resetReadDeadline pushes the idle-timeout deadline out from now. It
// is called after every successful read and every successful write —
// including challenge-rotation broadcasts — so a session carrying any
// traffic at all, in either direction, is never treated as idle.
func (s *Session) resetReadDeadline() {
	if s.deps.SessionIdleTimeout > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.deps.SessionIdleTimeout))
	}
}

// close releases every subscription the session holds, marks it
// Closed, and closes the socket. Safe to call more than once: the
// router may force-close a session during shutdown while its own Run
// loop is still unwinding.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosed
		handles := s.subscriptions
		s.subscriptions = make(map[address.Address]mailbox.Handle)
		s.mu.Unlock()

		for _, handle := range handles {
			s.deps.Registry.Unsubscribe(handle)
			s.deps.Collector.SubscriptionClosed()
		}

		// Safe to close now: every shard this session was subscribed to
		// has released it above under that shard's lock, so no
		// concurrent Post can still be holding a reference that would
		// send on outbox after this point.
		close(s.outbox)

		_ = s.conn.Close()
	})
}
