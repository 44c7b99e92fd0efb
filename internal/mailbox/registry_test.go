package mailbox

import (
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/grinrelay/grinrelay/internal/address"
)

func testAddress(t *testing.T) address.Address {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	var addr address.Address
	copy(addr.PubKey[:], priv.PubKey().SerializeCompressed())
	return addr
}

type recordingSink struct {
	mu       sync.Mutex
	received []Message
}

func (r *recordingSink) Deliver(m Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.received = append(r.received, m)
	return nil
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.received)
}

func (r *recordingSink) strings() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.received))
	for i, m := range r.received {
		out[i] = m.Str
	}
	return out
}

func TestFIFOUnderSingleSender(t *testing.T) {
	reg := New(Options{})
	to := testAddress(t)
	from := testAddress(t)

	for _, s := range []string{"one", "two", "three"} {
		if err := reg.Post(Message{From: from, To: to, Str: s, ReceivedAt: time.Now()}); err != nil {
			t.Fatalf("post %q: %v", s, err)
		}
	}

	sink := &recordingSink{}
	reg.Subscribe(to, sink)

	got := sink.strings()
	want := []string{"one", "two", "three"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestSubscribeDrainsBeforeReturning(t *testing.T) {
	reg := New(Options{})
	to := testAddress(t)
	from := testAddress(t)

	reg.Post(Message{From: from, To: to, Str: "queued", ReceivedAt: time.Now()})

	sink := &recordingSink{}
	reg.Subscribe(to, sink)

	// Every pending message is delivered before Subscribe returns
	// control, so no synchronization wait is needed here.
	if sink.count() != 1 {
		t.Fatalf("expected queued message delivered synchronously, got %d", sink.count())
	}
}

func TestPostAfterSubscribeDeliversDirectly(t *testing.T) {
	reg := New(Options{})
	to := testAddress(t)
	from := testAddress(t)

	sink := &recordingSink{}
	reg.Subscribe(to, sink)

	reg.Post(Message{From: from, To: to, Str: "direct", ReceivedAt: time.Now()})

	if sink.count() != 1 {
		t.Fatalf("expected 1 message delivered, got %d", sink.count())
	}
}

func TestUnsubscribeLeavesQueueForNextSubscriber(t *testing.T) {
	reg := New(Options{})
	to := testAddress(t)
	from := testAddress(t)

	sinkA := &recordingSink{}
	handle := reg.Subscribe(to, sinkA)
	reg.Unsubscribe(handle)

	reg.Post(Message{From: from, To: to, Str: "after-unsub", ReceivedAt: time.Now()})

	sinkB := &recordingSink{}
	reg.Subscribe(to, sinkB)

	if sinkA.count() != 0 {
		t.Fatalf("unsubscribed sink should not receive further messages, got %d", sinkA.count())
	}
	if sinkB.count() != 1 {
		t.Fatalf("expected message delivered to new subscriber, got %d", sinkB.count())
	}
}

func TestSubscribeDrainAtomicityUnderConcurrency(t *testing.T) {
	reg := New(Options{})
	to := testAddress(t)
	from := testAddress(t)

	const n = 200
	var wg sync.WaitGroup
	sink := &recordingSink{}

	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < n/2; i++ {
			reg.Post(Message{From: from, To: to, Str: "a", ReceivedAt: time.Now()})
		}
	}()
	go func() {
		defer wg.Done()
		time.Sleep(time.Millisecond)
		reg.Subscribe(to, sink)
		for i := 0; i < n/2; i++ {
			reg.Post(Message{From: from, To: to, Str: "b", ReceivedAt: time.Now()})
		}
	}()
	wg.Wait()

	if sink.count() != n {
		t.Fatalf("expected all %d messages delivered to the single subscriber, got %d", n, sink.count())
	}
}

func TestAtMostOneDeliveryAcrossConcurrentSubscribers(t *testing.T) {
	reg := New(Options{})
	to := testAddress(t)
	from := testAddress(t)

	const subscribers = 5
	const messages = 50

	sinks := make([]*recordingSink, subscribers)
	for i := range sinks {
		sinks[i] = &recordingSink{}
		reg.Subscribe(to, sinks[i])
	}

	var wg sync.WaitGroup
	for i := 0; i < messages; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			reg.Post(Message{From: from, To: to, Str: string(rune('a' + i%26)), ReceivedAt: time.Now()})
		}(i)
	}
	wg.Wait()

	total := 0
	for _, s := range sinks {
		total += s.count()
	}
	if total != messages {
		t.Fatalf("expected exactly %d deliveries across all subscribers, got %d", messages, total)
	}
}

func TestPostEnqueuesWhenNoSubscriber(t *testing.T) {
	reg := New(Options{})
	to := testAddress(t)
	from := testAddress(t)

	if err := reg.Post(Message{From: from, To: to, Str: "pending", ReceivedAt: time.Now()}); err != nil {
		t.Fatalf("post: %v", err)
	}

	sink := &recordingSink{}
	reg.Subscribe(to, sink)
	if sink.count() != 1 {
		t.Fatalf("expected 1 queued message, got %d", sink.count())
	}
}

func TestMailboxFullAtBound(t *testing.T) {
	reg := New(Options{MaxQueuePerAddress: 2})
	to := testAddress(t)
	from := testAddress(t)

	reg.Post(Message{From: from, To: to, Str: "1", ReceivedAt: time.Now()})
	reg.Post(Message{From: from, To: to, Str: "2", ReceivedAt: time.Now()})

	if err := reg.Post(Message{From: from, To: to, Str: "3", ReceivedAt: time.Now()}); err != ErrMailboxFull {
		t.Fatalf("expected ErrMailboxFull, got %v", err)
	}
}

func TestExpireRemovesStaleMessages(t *testing.T) {
	reg := New(Options{TTL: time.Millisecond})
	to := testAddress(t)
	from := testAddress(t)

	reg.Post(Message{From: from, To: to, Str: "stale", ReceivedAt: time.Now().Add(-time.Hour)})
	reg.Expire(time.Now())

	sink := &recordingSink{}
	reg.Subscribe(to, sink)
	if sink.count() != 0 {
		t.Fatalf("expected expired message to be gone, got %d", sink.count())
	}
}

func TestRoutesByPublicKeyRegardlessOfLocator(t *testing.T) {
	reg := New(Options{})
	from := testAddress(t)

	to := testAddress(t)
	toWithLocator := to
	toWithLocator.Domain = "other.example"
	toWithLocator.Port = 9999

	sink := &recordingSink{}
	reg.Subscribe(to, sink)

	if err := reg.Post(Message{From: from, To: toWithLocator, Str: "same-key", ReceivedAt: time.Now()}); err != nil {
		t.Fatalf("post: %v", err)
	}

	if sink.count() != 1 {
		t.Fatalf("expected delivery to subscriber sharing the same public key, got %d", sink.count())
	}
}

func TestExpireKeepsFreshMessages(t *testing.T) {
	reg := New(Options{TTL: time.Hour})
	to := testAddress(t)
	from := testAddress(t)

	reg.Post(Message{From: from, To: to, Str: "fresh", ReceivedAt: time.Now()})
	reg.Expire(time.Now())

	sink := &recordingSink{}
	reg.Subscribe(to, sink)
	if sink.count() != 1 {
		t.Fatalf("expected fresh message kept, got %d", sink.count())
	}
}
