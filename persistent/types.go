package persistent

import (
	"context"
	"errors"
	"time"

	"github.com/opd-ai/buddynet/messaging"
	"github.com/opd-ai/buddynet/wire"
)

// Timing of redelivery.
const (
	// DefaultRetryPeriod is the wait after a failed delivery or an
	// unconfirmed reply before trying again.
	DefaultRetryPeriod = 5 * time.Minute
	// DefaultCheckInterval is how often retry deadlines are checked.
	DefaultCheckInterval = time.Minute
	// DefaultIdleTimeout stops the delivery worker when nothing is pending.
	DefaultIdleTimeout = 30 * time.Second
)

var (
	// ErrNotFound is returned for unknown entries
	ErrNotFound = errors.New("persistent message not found")

	// ErrKeyChanged is returned when an entry was sealed under another identity
	ErrKeyChanged = errors.New("can't decrypt message as key changed")

	// ErrProbableFailure is reported to messages queued behind a failed one
	ErrProbableFailure = errors.New("reporting probable failure to subsequent messages")

	// ErrClosed is returned after Stop
	ErrClosed = errors.New("persistent handler closed")
)

// Queue names the list an entry is on.
type Queue string

const (
	// QueueMessages holds requests awaiting delivery, oldest first.
	QueueMessages Queue = "messages"
	// QueuePendingSuccess holds delivered requests whose reply was not
	// yet confirmed by every listener.
	QueuePendingSuccess Queue = "pending_success"
	// QueueExplicit holds explicit messages, which are never sent.
	QueueExplicit Queue = "explicit"
)

// Entry is the stored form of a durable message. Request and Reply are
// sealed with the identity named by SealedBy.
type Entry struct {
	Buddy     []byte
	ID        int64
	Queue     Queue
	Subsystem messaging.Subsystem
	Timeout   time.Duration
	Created   time.Time
	SealedBy  []byte
	Request   []byte
	Reply     []byte
}

// Store persists entries. IDs are assigned per buddy by AddEntry and are
// one more than the highest ID the buddy currently has.
type Store interface {
	AddEntry(ctx context.Context, e *Entry) error
	Entries(ctx context.Context, buddy []byte, queue Queue) ([]*Entry, error)
	MoveEntry(ctx context.Context, buddy []byte, id int64, queue Queue, reply []byte) error
	DeleteEntry(ctx context.Context, buddy []byte, id int64) error
	DeleteBuddy(ctx context.Context, buddy []byte) error
	// PendingBuddies lists buddies with entries on QueueMessages or
	// QueuePendingSuccess.
	PendingBuddies(ctx context.Context) ([][]byte, error)
}

// Sealer encrypts stored payloads to the local identity.
// *crypto.Keyring implements it.
type Sealer interface {
	PublicKey() []byte
	Seal(data []byte) ([]byte, error)
	Open(sealed []byte) ([]byte, error)
}

// DeliveryListener observes durable messages. DeliverySucceeded returns
// false to keep the message on the pending-success list.
type DeliveryListener interface {
	MessageQueued(m *Message)
	MessageDeleted(m *Message)
	DeliverySucceeded(m *Message, reply wire.Map) bool
	DeliveryFailed(m *Message, err error)
}

// ListenerFuncs adapts optional functions to DeliveryListener. A nil
// OnSucceeded confirms every reply.
type ListenerFuncs struct {
	OnQueued    func(m *Message)
	OnDeleted   func(m *Message)
	OnSucceeded func(m *Message, reply wire.Map) bool
	OnFailed    func(m *Message, err error)
}

// MessageQueued implements DeliveryListener.
func (l ListenerFuncs) MessageQueued(m *Message) {
	if l.OnQueued != nil {
		l.OnQueued(m)
	}
}

// MessageDeleted implements DeliveryListener.
func (l ListenerFuncs) MessageDeleted(m *Message) {
	if l.OnDeleted != nil {
		l.OnDeleted(m)
	}
}

// DeliverySucceeded implements DeliveryListener.
func (l ListenerFuncs) DeliverySucceeded(m *Message, reply wire.Map) bool {
	if l.OnSucceeded != nil {
		return l.OnSucceeded(m, reply)
	}
	return true
}

// DeliveryFailed implements DeliveryListener.
func (l ListenerFuncs) DeliveryFailed(m *Message, err error) {
	if l.OnFailed != nil {
		l.OnFailed(m, err)
	}
}

// Message is a handle on a stored entry.
type Message struct {
	Buddy     []byte
	ID        int64
	Subsystem messaging.Subsystem
	Timeout   time.Duration
	Created   time.Time

	handler *Handler
	entry   *Entry
}

// Request decrypts the stored request.
func (m *Message) Request() (wire.Map, error) {
	return m.handler.open(m.entry.SealedBy, m.entry.Request)
}

// Reply decrypts the stored reply of a pending-success message.
func (m *Message) Reply() (wire.Map, error) {
	if m.entry.Reply == nil {
		return nil, ErrNotFound
	}
	return m.handler.open(m.entry.SealedBy, m.entry.Reply)
}

// Delete removes the message from the store.
func (m *Message) Delete(ctx context.Context) error {
	return m.handler.deleteMessage(ctx, m)
}
