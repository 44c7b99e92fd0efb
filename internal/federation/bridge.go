// Package federation bridges the local mailbox registry to foreign
// relay domains over a shared AMQP fabric: a topic exchange keyed by
// destination domain.
package federation

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/grinrelay/grinrelay/internal/address"
	"github.com/grinrelay/grinrelay/internal/logging"
	"github.com/grinrelay/grinrelay/internal/mailbox"
	"github.com/grinrelay/grinrelay/internal/metrics"
)

const (
	Exchange = "grinbox.federation"

	minBackoff = 100 * time.Millisecond
	maxBackoff = 30 * time.Second
	jitterFrac = 0.25
)

// ErrUnavailable is returned when the broker stays unreachable beyond
// the configured drop-after window.
var ErrUnavailable = errors.New("federation: broker unavailable")

// wireMessage is the AMQP message body: the same fields as a local
// PostSlate, minus the type discriminator, plus the challenge the
// signature verified against and a MessageID. MessageID never reaches a
// client; it exists purely so publish and consume log lines can be
// correlated.
type wireMessage struct {
	MessageID string `json:"message_id"`
	From      string `json:"from"`
	To        string `json:"to"`
	Str       string `json:"str"`
	Signature string `json:"signature"`
	Challenge string `json:"challenge,omitempty"`
}

// Config configures a Bridge.
type Config struct {
	BrokerURI    string
	Username     string
	Password     string
	LocalDomain  string
	Network      address.Network
	Registry     *mailbox.Registry
	Collector    metrics.Collector
	DropAfter    time.Duration // default 5 minutes
	DialTimeout  time.Duration // per-attempt publish timeout, default 5s
	Logger       *slog.Logger
}

// Bridge owns the two AMQP channels (publish, consume) against the
// broker and holds a non-owning handle to the mailbox registry it
// injects inbound deliveries into.
type Bridge struct {
	cfg Config

	mu      sync.Mutex
	conn    *amqp.Connection
	pubCh   *amqp.Channel
	closed  bool
	closeCh chan struct{}
}

// New constructs a Bridge. It does not dial; call Start to connect and
// begin consuming.
func New(cfg Config) *Bridge {
	if cfg.DropAfter <= 0 {
		cfg.DropAfter = 5 * time.Minute
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.Collector == nil {
		cfg.Collector = metrics.Noop()
	}
	return &Bridge{cfg: cfg, closeCh: make(chan struct{})}
}

// Start connects to the broker, declares the topic exchange, and
// launches the inbound consume loop in the background. It returns once
// the initial connection succeeds; callers that want to tolerate a
// broker that's down at startup should retry Start themselves.
func (b *Bridge) Start(ctx context.Context) error {
	conn, ch, err := dial(b.cfg.BrokerURI, b.cfg.Username, b.cfg.Password)
	if err != nil {
		return err
	}
	if err := declareExchange(ch); err != nil {
		ch.Close()
		conn.Close()
		return err
	}

	b.mu.Lock()
	b.conn = conn
	b.pubCh = ch
	b.mu.Unlock()

	go b.consumeLoop(ctx)
	return nil
}

// Close tears down the AMQP connection.
func (b *Bridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	close(b.closeCh)
	if b.pubCh != nil {
		b.pubCh.Close()
	}
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}

// Publish serializes msg and publishes it with routing key equal to
// msg.To's lowercased domain, retrying with capped exponential backoff
// and jitter until it succeeds, ctx is cancelled, or DropAfter elapses
// — whichever comes first.
func (b *Bridge) Publish(ctx context.Context, msg mailbox.Message) error {
	logger := logging.FromContext(ctx)
	messageID := uuid.NewString()
	body, err := json.Marshal(wireMessage{
		MessageID: messageID,
		From:      msg.From.Encode(),
		To:        msg.To.Encode(),
		Str:       msg.Str,
		Signature: msg.Signature,
		Challenge: msg.Challenge,
	})
	if err != nil {
		return err
	}

	routingKey := strings.ToLower(msg.To.Domain)
	deadline := time.Now().Add(b.cfg.DropAfter)
	backoff := minBackoff

	for attempt := 0; ; attempt++ {
		if time.Now().After(deadline) {
			b.cfg.Collector.FederationPublishFailed()
			return ErrUnavailable
		}

		pubCtx, cancel := context.WithTimeout(ctx, b.cfg.DialTimeout)
		err := b.publishOnce(pubCtx, routingKey, body)
		cancel()
		if err == nil {
			b.cfg.Collector.FederationPublished()
			logger.Debug("federation message published", "message_id", messageID, "routing_key", routingKey)
			return nil
		}

		logger.Warn("federation publish failed, retrying",
			"message_id", messageID, "attempt", attempt, "routing_key", routingKey, "error", err)

		wait := jitter(backoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.closeCh:
			return ErrUnavailable
		case <-time.After(wait):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (b *Bridge) publishOnce(ctx context.Context, routingKey string, body []byte) error {
	b.mu.Lock()
	ch := b.pubCh
	b.mu.Unlock()
	if ch == nil {
		return errors.New("federation: not connected")
	}
	return ch.PublishWithContext(ctx, Exchange, routingKey, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
		Timestamp:   time.Now(),
	})
}

// consumeLoop subscribes to routing key = local domain and feeds
// parsed messages into the registry. It reconnects with backoff if the
// channel dies; malformed messages are logged and dropped, never
// propagated to sessions.
func (b *Bridge) consumeLoop(ctx context.Context) {
	logger := logging.FromContext(ctx)
	backoff := minBackoff

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.closeCh:
			return
		default:
		}

		conn, ch, err := dial(b.cfg.BrokerURI, b.cfg.Username, b.cfg.Password)
		if err != nil {
			logger.Warn("federation consume: dial failed, retrying", "error", err)
			if !sleepOrDone(ctx, b.closeCh, jitter(backoff)) {
				return
			}
			backoff = capBackoff(backoff * 2)
			continue
		}
		backoff = minBackoff

		if err := b.runConsumer(ctx, ch); err != nil {
			logger.Warn("federation consume loop ended, reconnecting", "error", err)
		}
		ch.Close()
		conn.Close()
	}
}

func (b *Bridge) runConsumer(ctx context.Context, ch *amqp.Channel) error {
	if err := declareExchange(ch); err != nil {
		return err
	}
	routingKey := strings.ToLower(b.cfg.LocalDomain)
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return err
	}
	if err := ch.QueueBind(q.Name, routingKey, Exchange, false, nil); err != nil {
		return err
	}
	deliveries, err := ch.Consume(q.Name, "", true, false, false, false, nil)
	if err != nil {
		return err
	}

	logger := logging.FromContext(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.closeCh:
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("federation: delivery channel closed")
			}
			b.handleInbound(ctx, logger, d)
		}
	}
}

func (b *Bridge) handleInbound(ctx context.Context, logger *slog.Logger, d amqp.Delivery) {
	var wm wireMessage
	if err := json.Unmarshal(d.Body, &wm); err != nil {
		logger.Warn("federation: dropping malformed message", "error", err)
		return
	}

	from, err := address.Parse(wm.From, b.cfg.Network)
	if err != nil {
		logger.Warn("federation: dropping message with bad from address", "error", err)
		return
	}
	to, err := address.Parse(wm.To, b.cfg.Network)
	if err != nil {
		logger.Warn("federation: dropping message with bad to address", "error", err)
		return
	}

	msg := mailbox.Message{
		From:       from,
		To:         to,
		Str:        wm.Str,
		Signature:  wm.Signature,
		Challenge:  wm.Challenge,
		ReceivedAt: time.Now(),
	}
	if err := b.cfg.Registry.Post(msg); err != nil {
		logger.Warn("federation: dropping message, local mailbox rejected it", "message_id", wm.MessageID, "error", err)
		return
	}
	logger.Debug("federation message consumed", "message_id", wm.MessageID)
	b.cfg.Collector.FederationConsumed()
}

func dial(uri, user, pass string) (*amqp.Connection, *amqp.Channel, error) {
	conn, err := amqp.DialConfig(dialURL(uri, user, pass), amqp.Config{})
	if err != nil {
		return nil, nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	return conn, ch, nil
}

func dialURL(uri, user, pass string) string {
	if strings.Contains(uri, "://") {
		return uri
	}
	if user == "" {
		user = "guest"
	}
	if pass == "" {
		pass = "guest"
	}
	return "amqp://" + user + ":" + pass + "@" + uri + "/"
}

func declareExchange(ch *amqp.Channel) error {
	return ch.ExchangeDeclare(Exchange, amqp.ExchangeTopic, true, false, false, false, nil)
}

func jitter(d time.Duration) time.Duration {
	delta := float64(d) * jitterFrac
	offset := (rand.Float64()*2 - 1) * delta
	return time.Duration(float64(d) + offset)
}

func capBackoff(d time.Duration) time.Duration {
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

func sleepOrDone(ctx context.Context, closeCh <-chan struct{}, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-closeCh:
		return false
	case <-time.After(d):
		return true
	}
}
