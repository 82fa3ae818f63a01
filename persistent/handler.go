package persistent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/buddynet/buddy"
	"github.com/opd-ai/buddynet/crypto"
	"github.com/opd-ai/buddynet/messaging"
	"github.com/opd-ai/buddynet/presence"
	"github.com/opd-ai/buddynet/wire"
)

// Config configures a Handler.
type Config struct {
	Store    Store
	Registry *buddy.Registry
	Sealer   Sealer
	// Directories receive pending-message markers for offline buddies.
	Directories   []*presence.Directory
	TimeProvider  crypto.TimeProvider
	RetryPeriod   time.Duration
	CheckInterval time.Duration
	IdleTimeout   time.Duration
}

// buddyState is the delivery state of one buddy.
type buddyState struct {
	active             *Entry
	lastFailure        time.Time
	lastPendingSuccess time.Time
	ygmActive          bool
	ygmPending         bool
}

type registeredListener struct {
	id int
	l  DeliveryListener
}

// Handler delivers durable messages.
type Handler struct {
	config Config
	store  Store
	tp     crypto.TimeProvider

	mu         sync.Mutex
	states     map[string]*buddyState
	listeners  []registeredListener
	listenerID int

	queueMu       sync.Mutex
	queue         []string
	workerRunning bool
	wake          chan struct{}

	running     bool
	unsubscribe func()

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHandler creates a handler. Store, Registry and Sealer are required.
func NewHandler(config Config) (*Handler, error) {
	if config.Store == nil || config.Registry == nil || config.Sealer == nil {
		return nil, errors.New("persistent: store, registry and sealer are required")
	}
	if config.RetryPeriod <= 0 {
		config.RetryPeriod = DefaultRetryPeriod
	}
	if config.CheckInterval <= 0 {
		config.CheckInterval = DefaultCheckInterval
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = DefaultIdleTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Handler{
		config: config,
		store:  config.Store,
		tp:     crypto.OrDefault(config.TimeProvider),
		states: make(map[string]*buddyState),
		wake:   make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// AddListener registers l and returns a function that removes it.
func (h *Handler) AddListener(l DeliveryListener) (remove func()) {
	h.mu.Lock()
	h.listenerID++
	id := h.listenerID
	h.listeners = append(h.listeners, registeredListener{id: id, l: l})
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		for i, other := range h.listeners {
			if other.id == id {
				h.listeners = append(h.listeners[:i], h.listeners[i+1:]...)
				return
			}
		}
	}
}

func (h *Handler) snapshotListeners() []DeliveryListener {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]DeliveryListener, len(h.listeners))
	for i, rl := range h.listeners {
		out[i] = rl.l
	}
	return out
}

func (h *Handler) state(pk []byte) *buddyState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stateLocked(pk)
}

func (h *Handler) stateLocked(pk []byte) *buddyState {
	st, ok := h.states[string(pk)]
	if !ok {
		st = &buddyState{}
		h.states[string(pk)] = st
	}
	return st
}

// Start restores pending deliveries, follows registry events and runs
// the retry check.
func (h *Handler) Start() error {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return nil
	}
	h.running = true
	h.mu.Unlock()

	h.unsubscribe = h.config.Registry.Events().Subscribe(h.buddyEvent)

	pending, err := h.store.PendingBuddies(h.ctx)
	if err != nil {
		return fmt.Errorf("load pending buddies: %w", err)
	}
	now := h.tp.Now()
	for _, pk := range pending {
		if ps, err := h.store.Entries(h.ctx, pk, QueuePendingSuccess); err == nil && len(ps) > 0 {
			h.mu.Lock()
			h.stateLocked(pk).lastPendingSuccess = now
			h.mu.Unlock()
		}
		h.DispatchPending(pk)
	}

	h.wg.Add(1)
	go h.checkLoop()

	logrus.WithFields(logrus.Fields{
		"function": "Start",
		"pending":  len(pending),
	}).Info("Persistent message handler started")
	return nil
}

// Stop halts delivery. Stored messages are kept.
func (h *Handler) Stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	h.running = false
	h.mu.Unlock()

	if h.unsubscribe != nil {
		h.unsubscribe()
	}
	h.queueMu.Lock()
	h.cancel()
	h.queueMu.Unlock()
	h.wg.Wait()
}

func (h *Handler) buddyEvent(e buddy.Event) {
	pk := e.Buddy.PublicKey()
	switch e.Kind {
	case buddy.EventChanged:
		if e.Buddy.Online() {
			h.DispatchPending(pk)
		}
	case buddy.EventRemoved:
		h.mu.Lock()
		delete(h.states, string(pk))
		h.mu.Unlock()
		if err := h.store.DeleteBuddy(h.ctx, pk); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":   "buddyEvent",
				"public_key": crypto.KeyPreview(pk),
				"error":      err.Error(),
			}).Warn("Failed to drop messages of removed buddy")
		}
	}
}

func (h *Handler) checkLoop() {
	defer h.wg.Done()

	ticker := time.NewTicker(h.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
			h.CheckDispatch(h.tp.Now())
		}
	}
}

// Queue stores request for the buddy and starts delivery if nothing else
// is waiting for it.
func (h *Handler) Queue(ctx context.Context, pk []byte, subsystem messaging.Subsystem, request wire.Map, timeout time.Duration) (*Message, error) {
	if h.ctx.Err() != nil {
		return nil, ErrClosed
	}
	entry, err := h.newEntry(pk, QueueMessages, subsystem, request, timeout)
	if err != nil {
		return nil, err
	}
	if err := h.store.AddEntry(ctx, entry); err != nil {
		return nil, fmt.Errorf("store message: %w", err)
	}

	queued, err := h.store.Entries(ctx, pk, QueueMessages)
	if err != nil {
		return nil, fmt.Errorf("count messages: %w", err)
	}

	msg := h.message(entry)
	for _, l := range h.snapshotListeners() {
		h.safely("MessageQueued", func() { l.MessageQueued(msg) })
	}

	if len(queued) == 1 {
		h.DispatchPending(pk)
	}
	return msg, nil
}

// StoreExplicit stores a message that is never sent, under the subsystem
// messaging.SubsystemExplicitBase+kind.
func (h *Handler) StoreExplicit(ctx context.Context, pk []byte, kind int, msg wire.Map) (*Message, error) {
	entry, err := h.newEntry(pk, QueueExplicit, messaging.SubsystemExplicitBase+messaging.Subsystem(kind), msg, 0)
	if err != nil {
		return nil, err
	}
	if err := h.store.AddEntry(ctx, entry); err != nil {
		return nil, fmt.Errorf("store explicit message: %w", err)
	}
	return h.message(entry), nil
}

// RetrieveExplicit returns the explicit messages of the given kind.
func (h *Handler) RetrieveExplicit(ctx context.Context, pk []byte, kind int) ([]*Message, error) {
	entries, err := h.store.Entries(ctx, pk, QueueExplicit)
	if err != nil {
		return nil, err
	}
	subsystem := messaging.SubsystemExplicitBase + messaging.Subsystem(kind)

	var out []*Message
	for _, e := range entries {
		if e.Subsystem == subsystem {
			out = append(out, h.message(e))
		}
	}
	return out, nil
}

// MessageCount returns the number of messages awaiting delivery to pk.
func (h *Handler) MessageCount(ctx context.Context, pk []byte) (int, error) {
	entries, err := h.store.Entries(ctx, pk, QueueMessages)
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

func (h *Handler) newEntry(pk []byte, queue Queue, subsystem messaging.Subsystem, request wire.Map, timeout time.Duration) (*Entry, error) {
	data, err := wire.Encode(request)
	if err != nil {
		return nil, err
	}
	sealed, err := h.config.Sealer.Seal(data)
	if err != nil {
		return nil, fmt.Errorf("seal message: %w", err)
	}
	return &Entry{
		Buddy:     append([]byte(nil), pk...),
		Queue:     queue,
		Subsystem: subsystem,
		Timeout:   timeout,
		Created:   h.tp.Now(),
		SealedBy:  h.config.Sealer.PublicKey(),
		Request:   sealed,
	}, nil
}

func (h *Handler) message(e *Entry) *Message {
	return &Message{
		Buddy:     e.Buddy,
		ID:        e.ID,
		Subsystem: e.Subsystem,
		Timeout:   e.Timeout,
		Created:   e.Created,
		handler:   h,
		entry:     e,
	}
}

func (h *Handler) seal(m wire.Map) ([]byte, error) {
	data, err := wire.Encode(m)
	if err != nil {
		return nil, err
	}
	return h.config.Sealer.Seal(data)
}

func (h *Handler) open(sealedBy, sealed []byte) (wire.Map, error) {
	if !bytes.Equal(sealedBy, h.config.Sealer.PublicKey()) {
		return nil, ErrKeyChanged
	}
	data, err := h.config.Sealer.Open(sealed)
	if err != nil {
		return nil, err
	}
	return wire.Decode(data)
}

func (h *Handler) deleteMessage(ctx context.Context, m *Message) error {
	for _, l := range h.snapshotListeners() {
		h.safely("MessageDeleted", func() { l.MessageDeleted(m) })
	}
	return h.store.DeleteEntry(ctx, m.Buddy, m.ID)
}

// CheckDispatch requests delivery for buddies whose retry period has run
// out since a failure or an unconfirmed reply.
func (h *Handler) CheckDispatch(now time.Time) {
	pending, err := h.store.PendingBuddies(h.ctx)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "CheckDispatch",
			"error":    err.Error(),
		}).Warn("Failed to list pending buddies")
		return
	}

	for _, pk := range pending {
		h.mu.Lock()
		st := h.stateLocked(pk)
		if now.Before(st.lastFailure) {
			st.lastFailure = now
		}
		if now.Before(st.lastPendingSuccess) {
			st.lastPendingSuccess = now
		}
		dispatch := false
		switch {
		case !st.lastPendingSuccess.IsZero() && now.Sub(st.lastPendingSuccess) >= h.config.RetryPeriod:
			dispatch = true
		case st.active != nil || st.lastFailure.IsZero():
		default:
			dispatch = now.Sub(st.lastFailure) >= h.config.RetryPeriod
		}
		h.mu.Unlock()

		if dispatch {
			h.DispatchPending(pk)
		}
	}
}

// dispatch sends the oldest queued message of pk unless one is in flight.
func (h *Handler) dispatch(pk []byte) {
	h.checkPendingSuccess(pk)

	entries, err := h.store.Entries(h.ctx, pk, QueueMessages)
	if err != nil || len(entries) == 0 {
		return
	}

	h.mu.Lock()
	st := h.stateLocked(pk)
	if st.active != nil {
		h.mu.Unlock()
		return
	}
	entry := entries[0]
	st.active = entry
	h.mu.Unlock()

	msg := h.message(entry)

	b := h.config.Registry.Buddy(pk)
	if b == nil {
		h.sendFailed(msg, messaging.UnavailableError("persistent", "buddy not found"))
		return
	}

	request, err := msg.Request()
	if err != nil {
		h.requestUnavailable(msg, err)
		return
	}

	_, err = b.SendMessage(h.ctx, entry.Subsystem, request, entry.Timeout, messaging.ListenerFuncs{
		OnReply: func(_ *messaging.Message, reply map[string]interface{}) {
			h.replyReceived(msg, reply)
		},
		OnFailure: func(_ *messaging.Message, err error) {
			h.sendFailed(msg, err)
		},
	})
	if err != nil {
		h.sendFailed(msg, err)
	}
}

func (h *Handler) replyReceived(msg *Message, reply wire.Map) {
	if h.confirm(msg, reply) {
		if err := msg.Delete(h.ctx); err != nil && !errors.Is(err, ErrNotFound) {
			logrus.WithFields(logrus.Fields{
				"function": "replyReceived",
				"error":    err.Error(),
			}).Warn("Failed to delete delivered message")
		}
	} else {
		h.keepPendingSuccess(msg, reply)
	}

	h.mu.Lock()
	st := h.stateLocked(msg.Buddy)
	st.active = nil
	st.lastFailure = time.Time{}
	h.mu.Unlock()

	if n, err := h.MessageCount(h.ctx, msg.Buddy); err == nil && n > 0 {
		h.DispatchPending(msg.Buddy)
	}
}

func (h *Handler) keepPendingSuccess(msg *Message, reply wire.Map) {
	sealed, err := h.seal(reply)
	if err == nil {
		err = h.store.MoveEntry(h.ctx, msg.Buddy, msg.ID, QueuePendingSuccess, sealed)
	}
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "keepPendingSuccess",
			"public_key": crypto.KeyPreview(msg.Buddy),
			"id":         msg.ID,
			"error":      err.Error(),
		}).Warn("Failed to queue message for pending success")
		return
	}

	h.mu.Lock()
	h.stateLocked(msg.Buddy).lastPendingSuccess = h.tp.Now()
	h.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":   "keepPendingSuccess",
		"public_key": crypto.KeyPreview(msg.Buddy),
		"id":         msg.ID,
	}).Info("Message moved to pending success queue after listener failed")
}

// confirm offers reply to every listener and reports whether all of
// them accepted it.
func (h *Handler) confirm(msg *Message, reply wire.Map) bool {
	ok := true
	for _, l := range h.snapshotListeners() {
		h.safely("DeliverySucceeded", func() {
			if !l.DeliverySucceeded(msg, reply) {
				ok = false
			}
		})
	}
	return ok
}

func (h *Handler) sendFailed(msg *Message, cause error) {
	h.mu.Lock()
	st := h.stateLocked(msg.Buddy)
	st.active = nil
	st.lastFailure = h.tp.Now()
	h.mu.Unlock()

	if errors.Is(cause, messaging.ErrUnavailable) || errors.Is(cause, messaging.ErrTimeout) {
		h.SetMessagePending(msg.Buddy)
	}
	h.reportFailed(msg, cause, true)
}

// requestUnavailable handles an entry whose request cannot be opened.
// Entries are kept while the keyring is locked and deleted otherwise.
func (h *Handler) requestUnavailable(msg *Message, cause error) {
	h.mu.Lock()
	st := h.stateLocked(msg.Buddy)
	st.active = nil
	st.lastFailure = h.tp.Now()
	h.mu.Unlock()

	subsequent := true
	if !errors.Is(cause, crypto.ErrPasswordRequired) {
		logrus.WithFields(logrus.Fields{
			"function":   "requestUnavailable",
			"public_key": crypto.KeyPreview(msg.Buddy),
			"id":         msg.ID,
			"error":      cause.Error(),
		}).Warn("Message request unavailable, deleting message")

		if err := msg.Delete(h.ctx); err != nil && !errors.Is(err, ErrNotFound) {
			logrus.WithFields(logrus.Fields{
				"function": "requestUnavailable",
				"error":    err.Error(),
			}).Warn("Failed to delete message")
		}

		h.mu.Lock()
		st.lastFailure = time.Time{}
		h.mu.Unlock()

		if n, err := h.MessageCount(h.ctx, msg.Buddy); err == nil && n > 0 {
			subsequent = false
			h.DispatchPending(msg.Buddy)
		}
	}
	h.reportFailed(msg, cause, subsequent)
}

func (h *Handler) reportFailed(msg *Message, cause error, subsequent bool) {
	listeners := h.snapshotListeners()
	for _, l := range listeners {
		h.safely("DeliveryFailed", func() { l.DeliveryFailed(msg, cause) })
	}
	if !subsequent {
		return
	}

	entries, err := h.store.Entries(h.ctx, msg.Buddy, QueueMessages)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.ID == msg.ID {
			continue
		}
		other := h.message(e)
		for _, l := range listeners {
			h.safely("DeliveryFailed", func() { l.DeliveryFailed(other, ErrProbableFailure) })
		}
	}
}

// checkPendingSuccess offers stored replies to the listeners again.
func (h *Handler) checkPendingSuccess(pk []byte) {
	h.mu.Lock()
	h.stateLocked(pk).lastPendingSuccess = time.Time{}
	h.mu.Unlock()

	entries, err := h.store.Entries(h.ctx, pk, QueuePendingSuccess)
	if err != nil || len(entries) == 0 {
		return
	}

	for _, e := range entries {
		msg := h.message(e)
		reply, err := msg.Reply()
		if err != nil {
			if errors.Is(err, crypto.ErrPasswordRequired) {
				logrus.WithFields(logrus.Fields{
					"function": "checkPendingSuccess",
					"id":       msg.ID,
				}).Debug("Failed to restore message reply, keyring locked")
				continue
			}
			logrus.WithFields(logrus.Fields{
				"function": "checkPendingSuccess",
				"id":       msg.ID,
				"error":    err.Error(),
			}).Warn("Failed to restore message reply, deleting message")
			_ = msg.Delete(h.ctx)
			continue
		}

		if h.confirm(msg, reply) {
			_ = msg.Delete(h.ctx)
		} else {
			h.mu.Lock()
			h.stateLocked(pk).lastPendingSuccess = h.tp.Now()
			h.mu.Unlock()
		}
	}
}

// SetMessagePending publishes a pending-message marker for pk. Calls made
// while one is being written are folded into a single follow-up write.
func (h *Handler) SetMessagePending(pk []byte) {
	if len(h.config.Directories) == 0 {
		return
	}

	h.mu.Lock()
	st := h.stateLocked(pk)
	if st.ygmActive {
		st.ygmPending = true
		h.mu.Unlock()
		return
	}
	st.ygmActive = true
	h.mu.Unlock()

	h.queueMu.Lock()
	if h.ctx.Err() != nil {
		h.queueMu.Unlock()
		h.mu.Lock()
		st.ygmActive = false
		h.mu.Unlock()
		return
	}
	h.wg.Add(1)
	h.queueMu.Unlock()

	go func() {
		defer h.wg.Done()
		for {
			for _, d := range h.config.Directories {
				if err := d.SetMessagePending(h.ctx, pk); err != nil {
					logrus.WithFields(logrus.Fields{
						"function":   "SetMessagePending",
						"public_key": crypto.KeyPreview(pk),
						"network":    d.Network(),
						"error":      err.Error(),
					}).Debug("Failed to publish pending-message marker")
				}
			}

			h.mu.Lock()
			again := st.ygmPending && h.ctx.Err() == nil
			st.ygmPending = false
			if !again {
				st.ygmActive = false
			}
			h.mu.Unlock()
			if !again {
				return
			}
		}
	}()
}

func (h *Handler) safely(callback string, fn func()) {
	defer func() {
		if p := recover(); p != nil {
			logrus.WithFields(logrus.Fields{
				"function": callback,
				"panic":    p,
			}).Error("Delivery listener panicked")
		}
	}()
	fn()
}
