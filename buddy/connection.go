package buddy

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/buddynet/crypto"
	"github.com/opd-ai/buddynet/fragment"
	"github.com/opd-ai/buddynet/limits"
	"github.com/opd-ai/buddynet/messaging"
	"github.com/opd-ai/buddynet/presence"
	"github.com/opd-ai/buddynet/transport"
	"github.com/opd-ai/buddynet/wire"
)

// ConnState is the lifecycle state of a Connection.
type ConnState int

const (
	ConnConnecting ConnState = iota
	ConnConnected
	ConnClosing
	ConnFailed
)

func (s ConnState) String() string {
	switch s {
	case ConnConnecting:
		return "connecting"
	case ConnConnected:
		return "connected"
	case ConnClosing:
		return "closing"
	case ConnFailed:
		return "failed"
	}
	return fmt.Sprintf("conn(%d)", int(s))
}

// Connection is one link to a buddy carrying at most one in-flight
// message.
type Connection struct {
	buddy    *Buddy
	link     transport.Link
	codec    *fragment.Codec
	id       int
	outgoing bool
	tp       crypto.TimeProvider

	mu            sync.Mutex
	active        *messaging.Message
	connected     bool
	closing       bool
	remoteClosing bool
	failed        bool
	lastActive    time.Time
	received      int

	failOnce sync.Once
}

func newConnection(b *Buddy, link transport.Link, id int, outgoing bool) *Connection {
	return &Connection{
		buddy:      b,
		link:       link,
		codec:      fragment.NewCodec(link.MaxFrameSize()),
		id:         id,
		outgoing:   outgoing,
		tp:         b.tp,
		lastActive: b.tp.Now(),
	}
}

// State returns the connection state.
func (c *Connection) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.failed:
		return ConnFailed
	case c.closing:
		return ConnClosing
	case c.connected:
		return ConnConnected
	}
	return ConnConnecting
}

// Outgoing reports whether we dialed the connection.
func (c *Connection) Outgoing() bool { return c.outgoing }

// IsConnected reports whether the link is established.
func (c *Connection) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// HasFailed reports whether the connection is dead.
func (c *Connection) HasFailed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failed
}

// IsActive reports whether a message is in flight.
func (c *Connection) IsActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active != nil
}

// IsClosing reports whether we are closing the connection.
func (c *Connection) IsClosing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closing
}

// IsRemoteClosing reports whether the peer announced it is closing.
func (c *Connection) IsRemoteClosing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteClosing
}

// LastActive returns when traffic last passed, clamped to now.
func (c *Connection) LastActive(now time.Time) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if now.Before(c.lastActive) {
		c.lastActive = now
	}
	return c.lastActive
}

// start marks the connection established and begins reading.
func (c *Connection) start() {
	c.onConnected()
	go c.readLoop()
}

// send makes msg the active message and writes it once connected.
func (c *Connection) send(msg *messaging.Message) error {
	if c.buddy.closingOrDestroyed() {
		return messaging.FinalError("send", "close in progress")
	}

	c.mu.Lock()
	if c.active != nil {
		c.mu.Unlock()
		err := messaging.ProtocolError("send", "active message already set")
		c.fail(err)
		return err
	}
	if c.failed || c.closing {
		c.mu.Unlock()
		return messaging.UnavailableError("send", "connection failed")
	}
	c.active = msg
	connected := c.connected
	c.mu.Unlock()

	if err := msg.Transition(messaging.StateActive); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Connection.send",
			"error":    err.Error(),
		}).Warn("Unexpected message state")
	}

	if connected {
		c.write(msg)
	}
	return nil
}

// sendClose writes a close request if the connection is idle.
func (c *Connection) sendClose(msg *messaging.Message) bool {
	c.mu.Lock()
	ok := c.active == nil && c.connected && !c.failed && !c.closing
	c.mu.Unlock()

	if ok {
		c.write(msg)
	}
	return ok
}

func (c *Connection) onConnected() {
	c.mu.Lock()
	c.lastActive = c.tp.Now()
	c.connected = true
	pending := c.active
	c.mu.Unlock()

	c.buddy.status.ConnectSucceeded()

	if pending != nil {
		c.write(pending)
	}
}

// checkTimeout fails an expired active message and closes an idle
// connection. It reports whether the connection was closed.
func (c *Connection) checkTimeout(now time.Time) bool {
	var expired *messaging.Message
	closeIt := false

	c.mu.Lock()
	if c.active != nil && c.active.Expired(now) {
		expired = c.active
		c.active = nil
	}
	if now.Before(c.lastActive) {
		c.lastActive = now
	}
	if now.Sub(c.lastActive) > limits.ConnectionIdleTimeout {
		closeIt = true
	}
	c.mu.Unlock()

	if expired != nil {
		c.buddy.messageFailed(expired, messaging.TimeoutError("checkTimeout", true))
	}
	if closeIt {
		c.close()
	}
	return closeIt
}

func (c *Connection) requestFrame(msg *messaging.Message) wire.Map {
	frame := wire.Map{
		"type": int64(FrameRequest),
		"req":  msg.Request,
		"ss":   int64(msg.Subsystem),
		"id":   int64(msg.ID),
		"oz":   int64(c.buddy.registry.OnlineStatus()),
		"v":    int64(presence.VersionCurrent),
	}
	if cats := c.buddy.LocalCategories(); len(cats) > 0 {
		frame["cat"] = catsToString(cats)
	}
	return frame
}

func (c *Connection) write(msg *messaging.Message) {
	if err := c.writeFrame(c.requestFrame(msg), true); err != nil {
		c.fail(err)
		return
	}
	c.mu.Lock()
	c.lastActive = c.tp.Now()
	c.mu.Unlock()
}

func (c *Connection) writeFrame(m wire.Map, isRequest bool) error {
	frames, err := c.codec.Encode(m, isRequest)
	if err != nil {
		return messaging.ProtocolError("write", err.Error())
	}
	size := 0
	for _, f := range frames {
		if err := c.link.Send(f); err != nil {
			return messaging.UnavailableError("write", err.Error())
		}
		size += len(f)
	}
	c.buddy.messageSent(size)
	return nil
}

func (c *Connection) readLoop() {
	for {
		frame, err := c.link.Receive()
		if err != nil {
			c.fail(messaging.UnavailableError("receive", err.Error()))
			return
		}

		c.mu.Lock()
		received := c.received
		c.mu.Unlock()
		if received >= limits.MaxUnauthorizedMessages && !c.buddy.Authorized() {
			c.fail(messaging.ProtocolError("receive", "too many messages received while unauthorized"))
			return
		}

		m, complete, err := c.codec.Decode(frame)
		if err != nil {
			c.fail(messaging.ProtocolError("receive", err.Error()))
			return
		}
		if !complete {
			continue
		}

		c.mu.Lock()
		c.received++
		c.mu.Unlock()
		c.buddy.messageReceived(len(frame))

		if err := c.receive(m); err != nil {
			c.fail(err)
			return
		}
	}
}

func (c *Connection) receive(m wire.Map) error {
	now := c.tp.Now()
	c.mu.Lock()
	c.lastActive = now
	c.mu.Unlock()

	kind, ok := wire.Int(m, "type")
	if !ok {
		return messaging.ProtocolError("receive", "frame without type")
	}

	oz := presence.OnlineStatus(-1)
	if v, ok := wire.Int(m, "oz"); ok {
		oz = presence.OnlineStatus(v)
	}
	version := int(wire.IntOr(m, "v", 0))
	if c.buddy.status.Connected(oz, version, now) {
		c.buddy.registry.fireChanged(c.buddy)
	}
	if cat, ok := wire.String(m, "cat"); ok {
		c.buddy.setRemoteCategories(stringToCats(cat))
	} else {
		c.buddy.setRemoteCategories(nil)
	}

	switch kind {
	case FrameRequest:
		return c.handleRequest(m)
	case FrameReply, FrameReplyError:
		c.handleReply(kind, m)
	}
	return nil
}

func (c *Connection) handleRequest(m wire.Map) error {
	id, _ := wire.Int(m, "id")
	ss, hasSS := wire.Int(m, "ss")
	request, hasReq := wire.Sub(m, "req")

	var (
		reply wire.Map
		err   error
	)
	if hasSS && hasReq {
		reply, err = c.buddy.requestReceived(c, messaging.Subsystem(ss), request)
	}

	var frame wire.Map
	if reply == nil {
		detail := "no handlers available to process request"
		if err != nil {
			detail = err.Error()
		}
		frame = wire.Map{
			"type":  int64(FrameReplyError),
			"ss":    ss,
			"id":    id,
			"error": detail,
		}
	} else {
		frame = wire.Map{
			"type": int64(FrameReply),
			"ss":   ss,
			"id":   id,
			"oz":   int64(c.buddy.registry.OnlineStatus()),
			"rep":  reply,
		}
		if cats := c.buddy.LocalCategories(); len(cats) > 0 {
			frame["cat"] = catsToString(cats)
		}
	}
	return c.writeFrame(frame, false)
}

func (c *Connection) handleReply(kind int64, m wire.Map) {
	id, _ := wire.Int(m, "id")

	c.mu.Lock()
	msg := c.active
	if msg != nil && int64(msg.ID) == id {
		c.active = nil
	} else {
		msg = nil
	}
	c.mu.Unlock()

	if msg == nil {
		logrus.WithFields(logrus.Fields{
			"function":   "handleReply",
			"public_key": crypto.KeyPreview(c.buddy.publicKey),
			"id":         id,
		}).Debug("Reply discarded as no matching request")
		return
	}

	if kind == FrameReplyError {
		detail, ok := wire.String(m, "error")
		if !ok {
			if rep, ok := wire.Sub(m, "rep"); ok {
				detail, _ = wire.String(rep, "error")
			}
		}
		msg.SetDontRetry()
		c.buddy.messageFailed(msg, messaging.FinalError("reply", detail))
		return
	}

	reply, _ := wire.Sub(m, "rep")
	if reply == nil {
		reply = wire.Map{}
	}
	c.buddy.replyReceived(msg, reply)
}

// close fails the connection as a local close.
func (c *Connection) close() {
	c.mu.Lock()
	c.closing = true
	c.mu.Unlock()
	c.fail(messaging.FinalError("close", "closing"))
}

func (c *Connection) setRemoteClosing() {
	c.mu.Lock()
	c.remoteClosing = true
	c.mu.Unlock()
}

// fail tears the connection down once, failing the active message.
func (c *Connection) fail(err error) {
	c.failOnce.Do(func() {
		c.mu.Lock()
		neverConnected := !c.connected && c.outgoing
		c.failed = true
		msg := c.active
		c.active = nil
		c.mu.Unlock()

		if neverConnected {
			c.buddy.status.ConnectFailed()
		}

		logrus.WithFields(logrus.Fields{
			"function":   "Connection.fail",
			"public_key": crypto.KeyPreview(c.buddy.publicKey),
			"connection": c.id,
			"outgoing":   c.outgoing,
			"error":      err.Error(),
		}).Debug("Connection failed")

		c.link.Close()
		c.buddy.removeConnection(c)

		if msg != nil {
			c.buddy.messageFailed(msg, err)
		}
	})
}
