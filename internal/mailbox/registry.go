package mailbox

import (
	"hash/maphash"
	"sync"
	"sync/atomic"
	"time"

	"github.com/grinrelay/grinrelay/internal/address"
	"github.com/grinrelay/grinrelay/internal/metrics"
)

const shardCount = 64

// Registry is the mapping Address → Mailbox. Mailboxes are lazily
// created on first use and sharded by address hash so independent
// addresses proceed in parallel while operations on the same address
// (and whatever else landed in its shard) are serialized.
type Registry struct {
	shards          [shardCount]shard
	seed            maphash.Seed
	nextHandleID    atomic.Uint64
	maxQueuePerAddr int
	maxSlateBytes   int
	ttl             time.Duration
	collector       metrics.Collector
}

type shard struct {
	mu        sync.Mutex
	mailboxes map[[33]byte]*entry
}

type entry struct {
	queue []Message
	subs  []subscriber
}

type subscriber struct {
	id            uint64
	sink          Sink
	lastDelivered int64 // monotonic delivery counter, lower = least recently delivered
}

// Options configures a new Registry. Zero values fall back to the
// package defaults.
type Options struct {
	MaxQueuePerAddress int
	MaxSlateBytes      int
	TTL                time.Duration
	Collector          metrics.Collector
}

// New creates an empty Registry.
func New(opts Options) *Registry {
	r := &Registry{
		seed:            maphash.MakeSeed(),
		maxQueuePerAddr: opts.MaxQueuePerAddress,
		maxSlateBytes:   opts.MaxSlateBytes,
		ttl:             opts.TTL,
		collector:       opts.Collector,
	}
	if r.maxQueuePerAddr <= 0 {
		r.maxQueuePerAddr = DefaultMaxQueuePerAddress
	}
	if r.maxSlateBytes <= 0 {
		r.maxSlateBytes = DefaultMaxSlateBytes
	}
	if r.ttl <= 0 {
		r.ttl = DefaultTTL
	}
	if r.collector == nil {
		r.collector = metrics.Noop()
	}
	for i := range r.shards {
		r.shards[i].mailboxes = make(map[[33]byte]*entry)
	}
	return r
}

// shardFor picks the shard for a public key. Addresses are considered
// the same mailbox iff their public keys match, regardless of the
// relay locator (domain/port) they carry (address.Address.Equal).
func (r *Registry) shardFor(pubKey [33]byte) *shard {
	var h maphash.Hash
	h.SetSeed(r.seed)
	h.Write(pubKey[:])
	return &r.shards[h.Sum64()%shardCount]
}

// Subscribe adds sink to addr's subscriber set and immediately drains
// the queue into it in FIFO order before returning. The drain and the
// attach happen under the same shard lock as any concurrent Post, so
// no message posted before or during this call can be missed.
func (r *Registry) Subscribe(addr address.Address, sink Sink) Handle {
	s := r.shardFor(addr.PubKey)
	s.mu.Lock()
	defer s.mu.Unlock()

	e := r.getOrCreate(s, addr.PubKey)
	id := r.nextHandleID.Add(1)

	delivered := 0
	for _, msg := range e.queue {
		// Best-effort: a synchronous delivery failure here has nowhere
		// to re-queue to but the mailbox itself, so put it back and
		// stop draining rather than dropping later messages silently.
		if err := sink.Deliver(msg); err != nil {
			break
		}
		delivered++
	}
	e.queue = e.queue[delivered:]

	e.subs = append(e.subs, subscriber{id: id, sink: sink})
	return Handle{pubKey: addr.PubKey, id: id}
}

// Unsubscribe removes the sink referenced by handle. Buffered but
// un-acknowledged messages remain queued for the next subscriber.
func (r *Registry) Unsubscribe(handle Handle) {
	s := r.shardFor(handle.pubKey)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.mailboxes[handle.pubKey]
	if !ok {
		return
	}
	for i, sub := range e.subs {
		if sub.id == handle.id {
			e.subs = append(e.subs[:i], e.subs[i+1:]...)
			break
		}
	}
}

// Post hands msg to a subscriber of msg.To if one is attached
// (preferring whichever has gone longest without a delivery), falling
// back to enqueueing at the tail — either because there is no
// subscriber, or because the chosen one's synchronous Deliver failed.
// Post never blocks on a subscriber's application-level processing.
func (r *Registry) Post(msg Message) error {
	s := r.shardFor(msg.To.PubKey)
	s.mu.Lock()
	defer s.mu.Unlock()

	e := r.getOrCreate(s, msg.To.PubKey)

	if len(e.subs) > 0 {
		idx := leastRecentlyDelivered(e.subs)
		sub := &e.subs[idx]
		if err := sub.sink.Deliver(msg); err == nil {
			sub.lastDelivered = nextDeliveryStamp()
			return nil
		}
		// Synchronous delivery failed; fall through to enqueue.
	}

	if len(e.queue) >= r.maxQueuePerAddr {
		return ErrMailboxFull
	}
	e.queue = append(e.queue, msg)
	r.collector.SlateQueued()
	return nil
}

// Expire removes any queued messages older than the registry's TTL as
// of now.
func (r *Registry) Expire(now time.Time) {
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.Lock()
		for key, e := range s.mailboxes {
			kept := e.queue[:0]
			for _, msg := range e.queue {
				if now.Sub(msg.ReceivedAt) < r.ttl {
					kept = append(kept, msg)
				}
			}
			e.queue = kept
			if len(e.queue) == 0 && len(e.subs) == 0 {
				delete(s.mailboxes, key)
			}
		}
		s.mu.Unlock()
	}
}

func (r *Registry) getOrCreate(s *shard, pubKey [33]byte) *entry {
	e, ok := s.mailboxes[pubKey]
	if !ok {
		e = &entry{}
		s.mailboxes[pubKey] = e
	}
	return e
}

var deliveryStamp atomic.Int64

func nextDeliveryStamp() int64 {
	return deliveryStamp.Add(1)
}

func leastRecentlyDelivered(subs []subscriber) int {
	best := 0
	for i := 1; i < len(subs); i++ {
		if subs[i].lastDelivered < subs[best].lastDelivered {
			best = i
		}
	}
	return best
}
