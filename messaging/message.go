// Package messaging implements the transport-level message of the buddy protocol.
//
// A Message is a single request queued for a buddy. Its lifecycle is an explicit
// state machine:
//
//	Queued -> Dispatching -> Active -> Done
//	             |             |
//	             v             v
//	          Retrying <-------+----> Failed
//
// A failed message may be retried once (Retrying, then Dispatching again);
// Done and Failed are terminal and the listener is told exactly once.
//
// Example:
//
//	msg := messaging.NewMessage(1, messaging.SubsystemAZ2, request, time.Minute, now, listener)
//	if err := msg.Transition(messaging.StateDispatching); err != nil {
//	    log.Fatal(err)
//	}
package messaging

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Subsystem identifies the consumer of a request on the remote side.
type Subsystem int

const (
	// SubsystemInternal carries pings and close requests between connections.
	SubsystemInternal Subsystem = 0
	// SubsystemAZ2 carries profile and chat-invite requests.
	SubsystemAZ2 Subsystem = 1
	// SubsystemAZ3 carries application requests of the newer protocol.
	SubsystemAZ3 Subsystem = 2
	// SubsystemExplicitBase is added to the type of an explicit durable message.
	SubsystemExplicitBase Subsystem = 1024
)

// MaxRetries is the number of times a failed message is re-queued.
const MaxRetries = 1

const dontRetry = 99

// State is a step in a message's lifecycle.
type State uint8

const (
	// StateQueued means the message waits in the buddy queue.
	StateQueued State = iota
	// StateDispatching means the message is current and a connection is being found.
	StateDispatching
	// StateActive means the message has been written to a connection.
	StateActive
	// StateRetrying means the message failed once and was re-queued at the front.
	StateRetrying
	// StateFailed is terminal: the listener received SendFailed.
	StateFailed
	// StateDone is terminal: the listener received the reply.
	StateDone
)

var stateNames = map[State]string{
	StateQueued:      "queued",
	StateDispatching: "dispatching",
	StateActive:      "active",
	StateRetrying:    "retrying",
	StateFailed:      "failed",
	StateDone:        "done",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", s)
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateFailed || s == StateDone
}

var transitions = map[State][]State{
	StateQueued:      {StateDispatching, StateFailed},
	StateDispatching: {StateActive, StateRetrying, StateFailed},
	StateActive:      {StateDone, StateRetrying, StateFailed},
	StateRetrying:    {StateDispatching, StateFailed},
}

// CanTransition reports whether the transition table allows from -> to.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Listener receives the outcome of a message.
type Listener interface {
	ReplyReceived(m *Message, reply map[string]interface{})
	SendFailed(m *Message, err error)
}

// ProbableFailureListener is optionally implemented by listeners that want to
// hear about failures of other messages queued for the same buddy.
type ProbableFailureListener interface {
	ProbableFailure(m *Message, cause error)
}

// ListenerFuncs adapts plain functions to Listener and ProbableFailureListener.
// Nil functions are skipped.
type ListenerFuncs struct {
	OnReply           func(m *Message, reply map[string]interface{})
	OnFailure         func(m *Message, err error)
	OnProbableFailure func(m *Message, cause error)
}

// ReplyReceived implements Listener.
func (l ListenerFuncs) ReplyReceived(m *Message, reply map[string]interface{}) {
	if l.OnReply != nil {
		l.OnReply(m, reply)
	}
}

// SendFailed implements Listener.
func (l ListenerFuncs) SendFailed(m *Message, err error) {
	if l.OnFailure != nil {
		l.OnFailure(m, err)
	}
}

// ProbableFailure implements ProbableFailureListener.
func (l ListenerFuncs) ProbableFailure(m *Message, cause error) {
	if l.OnProbableFailure != nil {
		l.OnProbableFailure(m, cause)
	}
}

// Message is one request queued for a buddy.
type Message struct {
	ID        int
	Subsystem Subsystem
	Request   map[string]interface{}
	Timeout   time.Duration
	QueuedAt  time.Time

	mu       sync.Mutex
	state    State
	retries  int
	listener Listener
	reply    map[string]interface{}
	err      error
	done     chan struct{}
}

// NewMessage creates a queued message.
func NewMessage(id int, subsystem Subsystem, request map[string]interface{}, timeout time.Duration, now time.Time, listener Listener) *Message {
	return &Message{
		ID:        id,
		Subsystem: subsystem,
		Request:   request,
		Timeout:   timeout,
		QueuedAt:  now,
		state:     StateQueued,
		listener:  listener,
		done:      make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (m *Message) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Transition moves the message to state to if the transition table allows it.
func (m *Message) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitionLocked(to)
}

func (m *Message) transitionLocked(to State) error {
	if !CanTransition(m.state, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.state, to)
	}
	m.state = to
	return nil
}

// RetryCount returns how many times the message has been re-queued.
func (m *Message) RetryCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.retries
}

// SetDontRetry makes the next failure terminal.
func (m *Message) SetDontRetry() {
	m.mu.Lock()
	m.retries = dontRetry
	m.mu.Unlock()
}

// Expired reports whether the absolute timeout measured from QueuedAt has passed.
func (m *Message) Expired(now time.Time) bool {
	return now.Sub(m.QueuedAt) >= m.Timeout
}

// Remaining returns the time left before the message expires.
func (m *Message) Remaining(now time.Time) time.Duration {
	return m.Timeout - now.Sub(m.QueuedAt)
}

// PrepareRetry moves a failed-but-retryable message to Retrying and bumps the
// retry counter. It returns false when the message must fail instead.
func (m *Message) PrepareRetry(now time.Time, cause error) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.retries >= MaxRetries || m.Expired(now) || !Retryable(cause) {
		return false
	}
	if err := m.transitionLocked(StateRetrying); err != nil {
		return false
	}
	m.retries++
	return true
}

// Complete records the reply and notifies the listener. It returns false if
// the message had already terminated.
func (m *Message) Complete(reply map[string]interface{}) bool {
	m.mu.Lock()
	if err := m.transitionLocked(StateDone); err != nil {
		m.mu.Unlock()
		return false
	}
	m.reply = reply
	listener := m.listener
	close(m.done)
	m.mu.Unlock()

	if listener != nil {
		listener.ReplyReceived(m, reply)
	}
	return true
}

// Fail records the failure and notifies the listener. It returns false if the
// message had already terminated.
func (m *Message) Fail(err error) bool {
	m.mu.Lock()
	if err := m.transitionLocked(StateFailed); err != nil {
		m.mu.Unlock()
		return false
	}
	m.err = err
	listener := m.listener
	close(m.done)
	m.mu.Unlock()

	if listener != nil {
		listener.SendFailed(m, err)
	}
	return true
}

// NotifyProbableFailure tells the listener that a sibling message failed.
// The message's own state is untouched.
func (m *Message) NotifyProbableFailure(cause error) {
	m.mu.Lock()
	terminal := m.state.Terminal()
	listener := m.listener
	m.mu.Unlock()

	if terminal {
		return
	}
	if pl, ok := listener.(ProbableFailureListener); ok {
		pl.ProbableFailure(m, cause)
	}
}

// Done returns a channel closed when the message terminates.
func (m *Message) Done() <-chan struct{} {
	return m.done
}

// Wait blocks until the message terminates or ctx ends.
func (m *Message) Wait(ctx context.Context) (map[string]interface{}, error) {
	select {
	case <-m.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reply, m.err
}

// Err returns the failure of a failed message.
func (m *Message) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}
