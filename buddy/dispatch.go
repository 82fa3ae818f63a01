package buddy

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/buddynet/crypto"
	"github.com/opd-ai/buddynet/limits"
	"github.com/opd-ai/buddynet/messaging"
	"github.com/opd-ai/buddynet/transport"
	"github.com/opd-ai/buddynet/wire"
)

// SendMessage queues a request for the buddy. Errors detected up front
// are returned directly; everything later is reported to listener
// through the returned message. The timeout is measured from now and
// covers any wait for the buddy's address.
func (b *Buddy) SendMessage(ctx context.Context, subsystem messaging.Subsystem, request wire.Map, timeout time.Duration, listener messaging.Listener) (*messaging.Message, error) {
	if err := b.registry.checkAvailable(); err != nil {
		return nil, err
	}

	msg := b.newMessage(subsystem, request, timeout, listener)

	if !b.status.HasAddress() {
		wait := b.statusCheckActive()
		if !wait && b.tp.Since(b.lastStatusCheckTime()) > StatusLookupInterval {
			b.registry.LookupStatus(b)
			wait = true
		}
		if wait {
			go b.waitForAddress(ctx, msg)
			return msg, nil
		}
	}

	if err := b.enqueue(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// Request sends a request and blocks for its reply.
func (b *Buddy) Request(ctx context.Context, subsystem messaging.Subsystem, request wire.Map, timeout time.Duration) (wire.Map, error) {
	msg, err := b.SendMessage(ctx, subsystem, request, timeout, nil)
	if err != nil {
		return nil, err
	}
	return msg.Wait(ctx)
}

func (b *Buddy) newMessage(subsystem messaging.Subsystem, request wire.Map, timeout time.Duration, listener messaging.Listener) *messaging.Message {
	b.mu.Lock()
	id := b.nextMessageID
	b.nextMessageID++
	b.mu.Unlock()
	return messaging.NewMessage(id, subsystem, request, timeout, b.tp.Now(), listener)
}

func (b *Buddy) waitForAddress(ctx context.Context, msg *messaging.Message) {
	ticker := time.NewTicker(b.registry.config.AddressPoll)
	defer ticker.Stop()

	deadline := time.NewTimer(b.registry.config.AddressWait)
	defer deadline.Stop()

wait:
	for !b.status.HasAddress() {
		select {
		case <-ctx.Done():
			msg.Fail(messaging.TimeoutError("send", false))
			return
		case <-deadline.C:
			break wait
		case <-ticker.C:
		}
	}

	if msg.Expired(b.tp.Now()) {
		msg.Fail(messaging.TimeoutError("send", false))
		return
	}
	if err := b.enqueue(msg); err != nil {
		msg.Fail(err)
	}
}

// enqueue appends msg to the queue and kicks the dispatcher. Dialing
// happens on the dispatcher goroutine, never on the caller's.
func (b *Buddy) enqueue(msg *messaging.Message) error {
	if b.Transient() {
		kind, _ := wire.Int(msg.Request, "type")
		if msg.Subsystem != messaging.SubsystemAZ2 || kind != AZ2ProfileInfoRequest {
			return messaging.FinalError("send", "message not enabled for transient buddies")
		}
	}

	b.mu.Lock()
	if len(b.queue) >= limits.MaxQueuedMessages {
		b.mu.Unlock()
		return messaging.CapacityError("send", "too many messages queued")
	}
	b.queue = append(b.queue, msg)
	b.mu.Unlock()

	go b.dispatch()
	return nil
}

// usableConnectionLocked returns the last connection that has not failed.
func (b *Buddy) usableConnectionLocked() *Connection {
	var usable *Connection
	for _, c := range b.connections {
		if !c.HasFailed() {
			usable = c
		}
	}
	return usable
}

func (b *Buddy) noConnectionErrorLocked() error {
	if b.destroyed {
		return messaging.FinalError("dispatch", "friend destroyed")
	}
	if len(b.connections) >= limits.MaxActiveConnections {
		return messaging.CapacityError("dispatch", "too many active connections")
	}
	return nil
}

// dispatch makes the head of the queue current and hands it to a
// connection, dialing one if needed.
func (b *Buddy) dispatch() {
	b.mu.Lock()
	if b.current != nil || len(b.queue) == 0 || b.closing {
		b.mu.Unlock()
		return
	}
	msg := b.queue[0]
	b.queue = b.queue[1:]
	b.current = msg

	conn := b.usableConnectionLocked()
	var failErr error
	if conn == nil {
		failErr = b.noConnectionErrorLocked()
	}
	b.mu.Unlock()

	if err := msg.Transition(messaging.StateDispatching); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "dispatch",
			"error":    err.Error(),
		}).Warn("Unexpected message state")
	}

	if failErr != nil {
		b.messageFailed(msg, failErr)
		return
	}

	if conn == nil {
		var proceed bool
		conn, proceed, failErr = b.connect(msg)
		if !proceed {
			return
		}
		if failErr != nil {
			b.messageFailed(msg, failErr)
			return
		}
	}

	if err := conn.send(msg); err != nil {
		b.messageFailed(msg, err)
	}
}

// connect dials a new outgoing connection for msg. proceed is false when
// the buddy started closing meanwhile.
func (b *Buddy) connect(msg *messaging.Message) (conn *Connection, proceed bool, err error) {
	b.connectSem <- struct{}{}
	defer func() { <-b.connectSem }()

	b.mu.Lock()
	if b.current != msg {
		b.mu.Unlock()
		return nil, false, nil
	}
	if b.closing {
		b.mu.Unlock()
		return nil, false, nil
	}
	if c := b.usableConnectionLocked(); c != nil {
		b.mu.Unlock()
		return c, true, nil
	}
	if err := b.noConnectionErrorLocked(); err != nil {
		b.mu.Unlock()
		return nil, true, err
	}
	b.mu.Unlock()

	link, err := b.dial(msg)
	if err != nil {
		return nil, true, err
	}

	b.mu.Lock()
	if b.current != msg {
		b.mu.Unlock()
		link.Close()
		return nil, false, nil
	}
	if b.destroyed || b.closing {
		destroyed := b.destroyed
		b.mu.Unlock()
		link.Close()
		if destroyed {
			return nil, true, messaging.FinalError("connect", "friend destroyed")
		}
		return nil, true, messaging.FinalError("connect", "close in progress")
	}
	conn = newConnection(b, link, b.nextConnectionID, true)
	b.nextConnectionID++
	first := len(b.connections) == 0
	b.connections = append(b.connections, conn)
	b.mu.Unlock()

	if first {
		b.registry.setDirty()
	}
	// the message is attached before the connection reports connected
	if err := conn.send(msg); err != nil {
		conn.fail(err)
		b.messageFailed(msg, err)
		return nil, false, nil
	}
	conn.start()
	return nil, false, nil
}

// dial opens an authenticated link to the buddy's current endpoint.
func (b *Buddy) dial(msg *messaging.Message) (transport.Link, error) {
	endpoint := b.status.Endpoint()
	if endpoint == "" {
		return nil, messaging.UnavailableError("connect", "friend offline (no usable address)")
	}

	now := b.tp.Now()
	b.mu.Lock()
	b.lastConnectAttempt = now
	b.mu.Unlock()

	timeout := msg.Remaining(now)
	if timeout <= 0 {
		return nil, messaging.TimeoutError("connect", false)
	}
	ctx, cancel := context.WithTimeout(b.registry.ctx, timeout)
	defer cancel()

	link, err := b.registry.dial(ctx, endpoint, b.publicKey)
	if err != nil {
		fails := b.status.ConnectFailed()
		logrus.WithFields(logrus.Fields{
			"function":     "dial",
			"public_key":   crypto.KeyPreview(b.publicKey),
			"endpoint":     endpoint,
			"consec_fails": fails,
			"error":        err.Error(),
		}).Debug("Outgoing connection failed")
		if errors.Is(err, context.DeadlineExceeded) || msg.Expired(b.tp.Now()) {
			return nil, messaging.TimeoutError("connect", false)
		}
		return nil, messaging.UnavailableError("connect", "failed to send message: "+err.Error())
	}
	return link, nil
}

// replyReceived completes the current message and moves on.
func (b *Buddy) replyReceived(msg *messaging.Message, reply wire.Map) {
	b.mu.Lock()
	if b.current == msg {
		b.current = nil
	} else {
		logrus.WithFields(logrus.Fields{
			"function":   "replyReceived",
			"public_key": crypto.KeyPreview(b.publicKey),
			"id":         msg.ID,
		}).Warn("Reply received not for current message")
	}
	b.mu.Unlock()

	msg.Complete(reply)
	go b.dispatch()
}

// messageFailed retries msg once at the head of the queue, or reports
// the failure and warns the other queued messages.
func (b *Buddy) messageFailed(msg *messaging.Message, cause error) {
	logrus.WithFields(logrus.Fields{
		"function":   "messageFailed",
		"public_key": crypto.KeyPreview(b.publicKey),
		"id":         msg.ID,
		"subsystem":  msg.Subsystem,
		"retries":    msg.RetryCount(),
		"error":      cause.Error(),
	}).Debug("Message failed")

	b.mu.Lock()
	if b.current == msg {
		b.current = nil
	}
	b.mu.Unlock()

	// already failed by destroy or CheckTimeouts
	if msg.State().Terminal() {
		go b.dispatch()
		return
	}

	if msg.PrepareRetry(b.tp.Now(), cause) {
		b.mu.Lock()
		b.queue = append([]*messaging.Message{msg}, b.queue...)
		b.mu.Unlock()
	} else {
		msg.Fail(cause)

		b.mu.Lock()
		others := append([]*messaging.Message(nil), b.queue...)
		b.mu.Unlock()
		for _, other := range others {
			other.NotifyProbableFailure(cause)
		}
	}

	go b.dispatch()
}

// CheckTimeouts fails expired queued messages and an expired current
// message that never reached a connection, checks every connection and
// sends a keep-alive when one is due.
func (b *Buddy) CheckTimeouts(now time.Time) {
	var expired []*messaging.Message

	b.mu.Lock()
	var stalled *messaging.Message
	if cur := b.current; cur != nil && cur.State() == messaging.StateDispatching && cur.Expired(now) {
		stalled = cur
		b.current = nil
	}
	queued := len(b.queue) > 0
	kept := b.queue[:0]
	for _, msg := range b.queue {
		if msg.Expired(now) {
			expired = append(expired, msg)
		} else {
			kept = append(kept, msg)
		}
	}
	b.queue = kept
	conns := append([]*Connection(nil), b.connections...)
	lastAttempt := b.lastConnectAttempt
	b.mu.Unlock()

	hasAddress := b.status.HasAddress()
	keepAlive := false

	if len(conns) == 0 {
		// preemptive connect to an online buddy
		if b.status.Online() && hasAddress && !queued {
			if delay, ok := b.reconnectDelay(); ok {
				keepAlive = now.Sub(lastAttempt) >= delay
			}
		}
	} else {
		for _, c := range conns {
			closed := c.checkTimeout(now)
			if hasAddress && !closed && !queued && c.IsConnected() && !c.IsActive() {
				if now.Sub(c.LastActive(now)) > limits.ConnectionKeepAlive {
					keepAlive = true
				}
			}
		}
	}

	if keepAlive {
		b.sendKeepAlive()
	}

	for _, msg := range expired {
		msg.Fail(messaging.TimeoutError("checkTimeouts", false))
	}
	if stalled != nil {
		stalled.Fail(messaging.TimeoutError("checkTimeouts", false))
		go b.dispatch()
	}
}

// reconnectDelay returns the backoff before another connect attempt, or
// false once too many attempts failed in a row.
func (b *Buddy) reconnectDelay() (time.Duration, bool) {
	fails := b.status.ConsecFails()
	if fails >= MaxConnectFailures {
		return 0, false
	}
	shift := fails
	if shift > 3 {
		shift = 3
	}
	return ReconnectBackoffBase << uint(shift), true
}

// sendKeepAlive queues an internal ping unless one is outstanding.
func (b *Buddy) sendKeepAlive() {
	b.mu.Lock()
	if b.keepAliveOutstanding {
		b.mu.Unlock()
		return
	}
	b.keepAliveOutstanding = true
	b.mu.Unlock()

	done := func() {
		b.mu.Lock()
		b.keepAliveOutstanding = false
		b.mu.Unlock()
	}

	msg := b.newMessage(messaging.SubsystemInternal, wire.Map{"type": int64(InternalPingRequest)},
		limits.KeepAliveTimeout, messaging.ListenerFuncs{
			OnReply:   func(*messaging.Message, map[string]interface{}) { done() },
			OnFailure: func(*messaging.Message, error) { done() },
		})
	if err := b.enqueue(msg); err != nil {
		done()
	}
}

// removeConnection drops c and schedules a reconnect when an established
// link was lost without a close handshake.
func (b *Buddy) removeConnection(c *Connection) {
	b.mu.Lock()
	for i, other := range b.connections {
		if other == c {
			b.connections = append(b.connections[:i], b.connections[i+1:]...)
			break
		}
	}
	remaining := len(b.connections)
	destroyed := b.destroyed
	b.mu.Unlock()

	if remaining == 0 {
		b.registry.setDirty()
	}

	if remaining == 0 && !destroyed && c.IsConnected() && !c.IsClosing() && !c.IsRemoteClosing() {
		b.scheduleReconnect()
	}

	b.registry.fireChanged(b)
	go b.dispatch()
}

func (b *Buddy) scheduleReconnect() {
	if !b.Authorized() || !b.status.HasAddress() {
		return
	}
	fails := b.status.ConsecFails()
	if fails >= MaxConnectFailures {
		return
	}

	now := b.tp.Now()
	if fails > 0 {
		delay, _ := b.reconnectDelay()
		b.mu.Lock()
		due := now.Sub(b.lastConnectAttempt) >= delay
		b.mu.Unlock()
		if due {
			b.sendKeepAlive()
		}
		return
	}

	b.mu.Lock()
	if !b.lastAutoReconnect.IsZero() && now.Sub(b.lastAutoReconnect) <= AutoReconnectInterval {
		b.mu.Unlock()
		return
	}
	b.lastAutoReconnect = now
	b.mu.Unlock()

	jitter := time.Duration(rand.Int63n(int64(AutoReconnectJitter)))
	time.AfterFunc(jitter, func() {
		if b.status.ConsecFails() == 0 && b.Idle() && !b.closingOrDestroyed() {
			logrus.WithFields(logrus.Fields{
				"function":   "scheduleReconnect",
				"public_key": crypto.KeyPreview(b.publicKey),
			}).Debug("Attempting reconnect after dropped connection")
			b.sendKeepAlive()
		}
	})
}

// SendClose announces that we are going away on every idle connection
// and stops dispatching.
func (b *Buddy) SendClose(restarting bool) {
	b.mu.Lock()
	b.closing = true
	var targets []*Connection
	for _, c := range b.connections {
		if c.IsConnected() && !c.HasFailed() && !c.IsActive() {
			targets = append(targets, c)
		}
	}
	b.mu.Unlock()

	r := int64(0)
	if restarting {
		r = 1
	}
	for _, c := range targets {
		msg := b.newMessage(messaging.SubsystemInternal, wire.Map{
			"type": int64(InternalCloseRequest),
			"r":    r,
			"os":   b.registry.StatusSequence(),
		}, InternalMessageTimeout, nil)
		c.sendClose(msg)
	}
}

func (b *Buddy) receivedCloseRequest(request wire.Map) {
	for _, c := range b.Connections() {
		c.setRemoteClosing()
	}

	if wire.IntOr(request, "r", 0) == 1 {
		logrus.WithFields(logrus.Fields{
			"function":   "receivedCloseRequest",
			"public_key": crypto.KeyPreview(b.publicKey),
		}).Info("Buddy restarting")
		return
	}

	logrus.WithFields(logrus.Fields{
		"function":   "receivedCloseRequest",
		"public_key": crypto.KeyPreview(b.publicKey),
	}).Info("Buddy going offline")

	var seqs []int64
	if os, ok := wire.Int(request, "os"); ok {
		seqs = append(seqs, os)
	}
	if b.status.MarkOffline(seqs...) {
		b.registry.fireChanged(b)
	}
}

// requestReceived answers internal requests and hands the rest to the
// registry's handlers.
func (b *Buddy) requestReceived(c *Connection, subsystem messaging.Subsystem, request wire.Map) (wire.Map, error) {
	if subsystem != messaging.SubsystemInternal {
		return b.registry.handleRequest(b, subsystem, request)
	}

	switch kind, _ := wire.Int(request, "type"); kind {
	case InternalPingRequest:
		return wire.Map{"type": int64(InternalPingReply)}, nil
	case InternalCloseRequest:
		b.receivedCloseRequest(request)
		return wire.Map{"type": int64(InternalCloseReply)}, nil
	default:
		return nil, messaging.ProtocolError("request", "unrecognised internal request type")
	}
}

// addIncoming adopts an accepted link.
func (b *Buddy) addIncoming(link transport.Link) (*Connection, error) {
	b.mu.Lock()
	if b.destroyed {
		b.mu.Unlock()
		return nil, messaging.FinalError("accept", "friend has been destroyed")
	}
	conn := newConnection(b, link, b.nextConnectionID, false)
	b.nextConnectionID++
	first := len(b.connections) == 0
	b.connections = append(b.connections, conn)
	b.mu.Unlock()

	if first {
		b.registry.setDirty()
	}
	conn.start()
	return conn, nil
}

// Disconnect drops every link without a close handshake.
func (b *Buddy) Disconnect() {
	for _, c := range b.Connections() {
		c.link.Close()
	}
}

// destroy closes every connection and fails the current and queued
// messages.
func (b *Buddy) destroy() {
	b.mu.Lock()
	b.destroyed = true
	conns := append([]*Connection(nil), b.connections...)
	current := b.current
	b.current = nil
	queued := b.queue
	b.queue = nil
	b.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
	if current != nil {
		current.Fail(messaging.FinalError("destroy", "friend destroyed"))
	}
	for _, msg := range queued {
		msg.Fail(messaging.FinalError("destroy", "friend destroyed"))
	}
}
