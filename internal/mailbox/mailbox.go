// Package mailbox implements the per-address FIFO of undelivered slates
// and the subscriber fan-out that drains it. It is the relay's sole
// owner of queued messages: sessions hold only non-owning handles.
package mailbox

import (
	"errors"
	"time"

	"github.com/grinrelay/grinrelay/internal/address"
)

// Default bounds, overridable via Registry construction.
const (
	DefaultMaxQueuePerAddress = 1000
	DefaultMaxSlateBytes      = 256 * 1024
	DefaultTTL                = 7 * 24 * time.Hour
)

// ErrMailboxFull is returned by Post when the destination queue is at
// capacity.
var ErrMailboxFull = errors.New("mailbox full")

// Message is a posted slate envelope addressed to a local mailbox.
type Message struct {
	From       address.Address
	To         address.Address
	Str        string
	Signature  string
	Challenge  string
	ReceivedAt time.Time
}

// Sink is the delivery target a subscriber registers with the
// registry. Deliver is called with the registry's per-address lock
// held only long enough to hand off; implementations must not block
// on application-level processing, since Post never blocks on a
// subscriber. A sink that cannot accept immediately should buffer
// internally and return nil, or return an error to force re-queueing.
type Sink interface {
	Deliver(Message) error
}

// Handle is returned by Subscribe and released to unsubscribe.
// Handles are scoped to one (public key, sink) pairing.
type Handle struct {
	pubKey [33]byte
	id     uint64
}
