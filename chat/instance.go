package chat

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/buddynet/events"
	"github.com/opd-ai/buddynet/wire"
)

var (
	// ErrDestroyed is returned by operations on a destroyed instance.
	ErrDestroyed = errors.New("chat destroyed")
	// ErrUnavailable is returned while the instance is not bound.
	ErrUnavailable = errors.New("chat not bound")
	// ErrReadOnly is returned when sending to a read-only chat.
	ErrReadOnly = errors.New("chat is read-only")
	// ErrPrivateChatDisabled is returned when private chats are disabled.
	ErrPrivateChatDisabled = errors.New("private chats are disabled")
	// ErrPrivateChatPinnedOnly is returned when a private chat involves a
	// participant that is not pinned while only pinned ones are allowed.
	ErrPrivateChatPinnedOnly = errors.New("private chats are limited to pinned participants")
	// ErrUnknownParticipant is returned for keys that are not in the chat.
	ErrUnknownParticipant = errors.New("unknown participant")
)

// EventKind identifies an instance event.
type EventKind int

const (
	// EventMessageReceived fires for every accepted message.
	EventMessageReceived EventKind = iota + 1
	// EventMessagesChanged fires when a re-sort changed the order.
	EventMessagesChanged
	// EventParticipantAdded fires for a new participant.
	EventParticipantAdded
	// EventParticipantChanged fires when a participant's nickname, flags
	// or clash state changed.
	EventParticipantChanged
	// EventParticipantRemoved fires when a participant has no messages
	// left in the history window.
	EventParticipantRemoved
	// EventStateChanged fires when the binding changed.
	EventStateChanged
	// EventDestroyed fires once when the instance is destroyed.
	EventDestroyed
)

func (k EventKind) String() string {
	switch k {
	case EventMessageReceived:
		return "message_received"
	case EventMessagesChanged:
		return "messages_changed"
	case EventParticipantAdded:
		return "participant_added"
	case EventParticipantChanged:
		return "participant_changed"
	case EventParticipantRemoved:
		return "participant_removed"
	case EventStateChanged:
		return "state_changed"
	case EventDestroyed:
		return "destroyed"
	}
	return "unknown"
}

// Event is published on an instance's bus.
type Event struct {
	Kind        EventKind
	Instance    *Instance
	Message     *Message
	Participant *Participant
	// SortOutstanding is set on EventMessageReceived when a re-sort has
	// been scheduled and may still move the message.
	SortOutstanding bool
}

// Flags carry the payload flags of an outgoing message.
type Flags struct {
	Status int64
	Origin int64
	Type   int64
	Flash  bool
}

type sendRequest struct {
	text  string
	flags Flags
}

const sendQueueSize = 64

// Instance is one chat: a bound shared message set, its ordered history
// and its participants.
type Instance struct {
	manager *Manager
	network string
	key     string
	log     *logrus.Entry

	parent        *Instance
	privateTarget []byte

	events *events.Bus[Event]
	sendCh chan sendRequest
	done   chan struct{}
	wg     sync.WaitGroup

	mu           sync.Mutex
	binding      *Binding
	bindErr      error
	rebinding    bool
	status       SyncStatus
	messages     []*Message
	ids          map[string]*Message
	participants map[string]*Participant
	nicks        map[string][]*Participant
	nextUID      int
	sortTimer    *time.Timer

	nickname       string
	sharedNickname bool
	autoMute       bool
	keepAlive      bool
	haveInterest   bool
	favourite      bool
	saveMessages   bool
	logMessages    bool

	refs      int
	destroyed bool
}

func newInstance(m *Manager, network, key string) *Instance {
	c := &Instance{
		manager:        m,
		network:        network,
		key:            key,
		log:            logrus.WithFields(logrus.Fields{"network": network, "chat": key}),
		events:         events.NewBus[Event]("chat " + key),
		sendCh:         make(chan sendRequest, sendQueueSize),
		done:           make(chan struct{}),
		ids:            make(map[string]*Message),
		participants:   make(map[string]*Participant),
		nicks:          make(map[string][]*Participant),
		sharedNickname: true,
		refs:           1,
	}
	c.wg.Add(1)
	go c.sendLoop()
	return c
}

// Network returns the network the chat lives on.
func (c *Instance) Network() string { return c.network }

// Key returns the chat key.
func (c *Instance) Key() string { return c.key }

// Events returns the instance's event bus.
func (c *Instance) Events() *events.Bus[Event] { return c.events }

// IsPrivate reports whether this is a one-to-one chat.
func (c *Instance) IsPrivate() bool { return c.parent != nil }

// Parent returns the chat a private chat was spun off, or nil.
func (c *Instance) Parent() *Instance { return c.parent }

// PrivateTarget returns the remote key of a private chat.
func (c *Instance) PrivateTarget() []byte { return c.privateTarget }

// Binding returns the current binding, or nil while unbound.
func (c *Instance) Binding() *Binding {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.binding
}

// BindError returns the error of the last failed bind attempt.
func (c *Instance) BindError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bindErr
}

// Status returns the last sync status seen by the update timer.
func (c *Instance) Status() SyncStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// IsReadOnly reports whether the bound message set rejects sends.
func (c *Instance) IsReadOnly() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.binding != nil && c.binding.ReadOnly
}

// IsDestroyed reports whether the instance has been destroyed.
func (c *Instance) IsDestroyed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.destroyed
}

// Nickname returns the nickname used for outgoing messages: the
// manager's shared nickname unless the chat has its own.
func (c *Instance) Nickname() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nicknameLocked()
}

func (c *Instance) nicknameLocked() string {
	if c.sharedNickname {
		return c.manager.Nickname()
	}
	return c.nickname
}

// SetNickname sets the chat's own nickname. With shared set, the manager's
// nickname is used instead.
func (c *Instance) SetNickname(nickname string, shared bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nickname = nickname
	c.sharedNickname = shared
}

// IsSharedNickname reports whether the manager's nickname is used.
func (c *Instance) IsSharedNickname() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sharedNickname
}

// SetAutoMute makes new participants start out ignored.
func (c *Instance) SetAutoMute(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.autoMute = on
}

// SetKeepAlive keeps the chat bound after the last reference is dropped.
func (c *Instance) SetKeepAlive(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keepAlive = on
}

// KeepAlive reports whether the chat outlives its references.
func (c *Instance) KeepAlive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.keepAlive
}

// SetFavourite marks the chat as a favourite.
func (c *Instance) SetFavourite(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.favourite = on
}

// Favourite reports whether the chat is a favourite.
func (c *Instance) Favourite() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.favourite
}

// SetSaveMessages sets whether the history should be saved.
func (c *Instance) SetSaveMessages(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.saveMessages = on
}

// SaveMessages reports whether the history should be saved.
func (c *Instance) SaveMessages() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saveMessages
}

// SetLogMessages sets whether messages are written to the log.
func (c *Instance) SetLogMessages(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logMessages = on
}

// Messages returns a copy of the history in display order.
func (c *Instance) Messages() []*Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Message(nil), c.messages...)
}

// Participants returns the current participants.
func (c *Instance) Participants() []*Participant {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Participant, 0, len(c.participants))
	for _, p := range c.participants {
		out = append(out, p)
	}
	return out
}

// Participant returns the participant with the given key, or nil.
func (c *Instance) Participant(publicKey []byte) *Participant {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.participants[string(publicKey)]
}

// MessageReceived accepts a raw message from the sync service.
func (c *Instance) MessageReceived(raw wire.Map) {
	now := c.manager.tp.Now()

	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}

	c.nextUID++
	m := newMessage(c, c.nextUID, raw, now)
	if _, dup := c.ids[string(m.id)]; dup {
		c.mu.Unlock()
		c.log.WithField("uid", m.uid).Debug("Dropping duplicate chat message")
		return
	}
	c.ids[string(m.id)] = m

	var last *Message
	if n := len(c.messages); n > 0 {
		last = c.messages[n-1]
	}
	c.messages = append(c.messages, m)

	var evs []Event
	if len(c.messages) > c.manager.config.MaxHistory {
		evicted := c.messages[0]
		c.messages = c.messages[1:]
		delete(c.ids, string(evicted.id))
		if op := evicted.participant; op != nil {
			op.removeMessageLocked(evicted)
			if len(op.messages) == 0 && !op.isMeLocked() && !bytes.Equal(op.publicKey, m.publicKey) {
				evs = append(evs, c.removeParticipantLocked(op)...)
			}
		}
	}

	p, created := c.participantLocked(m.publicKey)
	if created {
		if c.autoMute && !p.isMeLocked() {
			p.ignored = true
		}
		evs = append(evs, Event{Kind: EventParticipantAdded, Instance: c, Participant: p})
	}

	changed, others := p.addMessageLocked(m)
	for _, o := range others {
		evs = append(evs, Event{Kind: EventParticipantChanged, Instance: c, Participant: o})
	}
	if changed && !created {
		evs = append(evs, Event{Kind: EventParticipantChanged, Instance: c, Participant: p})
	}

	chained := last != nil && len(m.previousID) > 0 && bytes.Equal(m.previousID, last.id)
	outstanding := false
	if last != nil && !chained && m.Type() == MessageNormal {
		c.scheduleSortLocked()
		outstanding = true
	}
	if c.logMessages {
		c.log.WithFields(logrus.Fields{
			"uid":  m.uid,
			"nick": m.nickname,
			"seq":  m.sequence,
		}).Info("Chat message received")
	}
	evs = append(evs, Event{Kind: EventMessageReceived, Instance: c, Message: m, SortOutstanding: outstanding})
	c.mu.Unlock()

	c.publish(evs)
}

// ChatRequested accepts or rejects an incoming private chat from remoteKey
// according to the manager's private chat state.
func (c *Instance) ChatRequested(ctx context.Context, remoteKey []byte, handle string) (wire.Map, error) {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return nil, ErrDestroyed
	}
	p := c.participants[string(remoteKey)]
	name := KeyString(remoteKey)
	pinned := false
	if p != nil {
		name = p.nickname
		pinned = p.pinned
	}
	c.mu.Unlock()

	switch c.manager.PrivateChatState() {
	case PrivateChatDisabled:
		return nil, ErrPrivateChatDisabled
	case PrivateChatPinnedOnly:
		if !pinned {
			return nil, ErrPrivateChatPinnedOnly
		}
	}

	private, err := c.manager.openPrivateChat(ctx, c, remoteKey, name, false, BindOptions{Handle: handle})
	if err != nil {
		return nil, err
	}
	return wire.Map{"nickname": private.Nickname()}, nil
}

func (c *Instance) createPrivateChat(ctx context.Context, p *Participant) (*Instance, error) {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return nil, ErrDestroyed
	}
	if c.participants[string(p.publicKey)] != p {
		c.mu.Unlock()
		return nil, ErrUnknownParticipant
	}
	binding := c.binding
	name, pinned := p.nickname, p.pinned
	c.mu.Unlock()

	switch c.manager.PrivateChatState() {
	case PrivateChatDisabled:
		return nil, ErrPrivateChatDisabled
	case PrivateChatPinnedOnly:
		if !pinned {
			return nil, ErrPrivateChatPinnedOnly
		}
	}
	if binding == nil {
		return nil, ErrUnavailable
	}

	return c.manager.openPrivateChat(ctx, c, p.publicKey, name, true, BindOptions{
		ParentHandle: binding.Handle,
		TargetKey:    p.publicKey,
	})
}

func (c *Instance) participantLocked(publicKey []byte) (*Participant, bool) {
	if p, ok := c.participants[string(publicKey)]; ok {
		return p, false
	}
	p := newParticipant(c, publicKey)
	c.participants[string(publicKey)] = p
	return p, true
}

func (c *Instance) removeParticipantLocked(p *Participant) []Event {
	delete(c.participants, string(p.publicKey))
	evs := []Event{{Kind: EventParticipantRemoved, Instance: c, Participant: p}}
	for _, o := range c.registerNickLocked(p, p.nickname, "") {
		evs = append(evs, Event{Kind: EventParticipantChanged, Instance: c, Participant: o})
	}
	return evs
}

// registerNickLocked moves p from oldNick to newNick in the clash index
// and returns the other participants whose clash flag changed. An empty
// newNick only unregisters.
func (c *Instance) registerNickLocked(p *Participant, oldNick, newNick string) []*Participant {
	var changed []*Participant

	if claimants, ok := c.nicks[oldNick]; ok {
		remaining := withoutParticipant(claimants, p)
		switch len(remaining) {
		case 0:
			delete(c.nicks, oldNick)
		case 1:
			c.nicks[oldNick] = remaining
			if remaining[0].nickClash {
				remaining[0].nickClash = false
				changed = append(changed, remaining[0])
			}
		default:
			c.nicks[oldNick] = remaining
		}
	}
	p.nickClash = false

	if newNick == "" {
		return changed
	}
	claimants := append(c.nicks[newNick], p)
	c.nicks[newNick] = claimants
	if len(claimants) > 1 {
		for _, o := range claimants {
			if o != p && !o.nickClash {
				changed = append(changed, o)
			}
			o.nickClash = true
		}
	}
	return changed
}

// otherNickClashesHiddenLocked reports whether every other participant
// sharing p's nickname is ignored or a spammer.
func (c *Instance) otherNickClashesHiddenLocked(p *Participant) bool {
	for _, o := range c.nicks[p.nickname] {
		if o != p && !o.ignored && !o.spammer {
			return false
		}
	}
	return true
}

func withoutParticipant(list []*Participant, p *Participant) []*Participant {
	out := list[:0:0]
	for _, x := range list {
		if x != p {
			out = append(out, x)
		}
	}
	return out
}

func (c *Instance) scheduleSortLocked() {
	if c.sortTimer != nil {
		return
	}
	c.sortTimer = time.AfterFunc(c.manager.config.SortDelay, c.runScheduledSort)
}

func (c *Instance) runScheduledSort() {
	c.mu.Lock()
	if c.sortTimer == nil || c.destroyed {
		c.mu.Unlock()
		return
	}
	c.sortTimer = nil
	evs := c.sortLocked()
	c.mu.Unlock()

	c.publish(evs)
}

// Flush runs a scheduled re-sort immediately.
func (c *Instance) Flush() {
	c.mu.Lock()
	if c.sortTimer == nil {
		c.mu.Unlock()
		return
	}
	c.sortTimer.Stop()
	c.sortTimer = nil
	evs := c.sortLocked()
	c.mu.Unlock()

	c.publish(evs)
}

// sortLocked re-sorts the history and replays it into the participants.
func (c *Instance) sortLocked() []Event {
	sorted := Sort(c.messages)
	same := len(sorted) == len(c.messages)
	for i := 0; same && i < len(sorted); i++ {
		same = sorted[i] == c.messages[i]
	}
	if same {
		return nil
	}
	c.messages = sorted

	nicks := make(map[*Participant]string, len(c.participants))
	for _, p := range c.participants {
		nicks[p] = p.nickname
		p.resetMessagesLocked()
	}

	var evs []Event
	touched := make(map[*Participant]bool)
	for _, m := range c.messages {
		p := m.participant
		if p == nil {
			continue
		}
		_, others := p.addMessageLocked(m)
		for _, o := range others {
			touched[o] = true
		}
	}

	for _, p := range c.participants {
		if len(p.messages) == 0 && !p.isMeLocked() {
			evs = append(evs, c.removeParticipantLocked(p)...)
			continue
		}
		if touched[p] || nicks[p] != p.nickname {
			evs = append(evs, Event{Kind: EventParticipantChanged, Instance: c, Participant: p})
		}
	}

	c.log.WithField("messages", len(c.messages)).Debug("Chat history re-sorted")
	return append(evs, Event{Kind: EventMessagesChanged, Instance: c})
}

// SendMessage queues text for sending. Sends are processed in order by
// the instance's send worker.
func (c *Instance) SendMessage(text string, flags *Flags) error {
	c.mu.Lock()
	destroyed := c.destroyed
	readOnly := c.binding != nil && c.binding.ReadOnly
	c.mu.Unlock()

	if destroyed {
		return ErrDestroyed
	}
	if readOnly {
		return ErrReadOnly
	}

	req := sendRequest{text: text}
	if flags != nil {
		req.flags = *flags
	}
	select {
	case c.sendCh <- req:
		return nil
	case <-c.done:
		return ErrDestroyed
	}
}

// SendLocalMessage adds an informational or error line that is only seen
// locally.
func (c *Instance) SendLocalMessage(text string, isError bool) {
	prefix := "i:"
	if isError {
		prefix = "e:"
	}

	c.mu.Lock()
	var pk []byte
	if c.binding != nil {
		pk = c.binding.PublicKey
	}
	c.mu.Unlock()

	id := uuid.New()
	c.MessageReceived(wire.Map{
		"id":    id[:],
		"pk":    pk,
		"age":   int64(0),
		"error": prefix + text,
	})
}

func (c *Instance) sendLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case req := <-c.sendCh:
			c.send(req)
		}
	}
}

func (c *Instance) send(req sendRequest) {
	c.mu.Lock()
	binding := c.binding
	payload := c.payloadLocked(req)
	c.mu.Unlock()

	if binding == nil {
		c.SendLocalMessage(fmt.Sprintf("message not sent, chat is not bound: %s", req.text), true)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.manager.config.BindTimeout)
	defer cancel()
	if err := c.manager.config.Sync.Send(ctx, binding, payload); err != nil {
		c.log.WithError(err).Warn("Failed to send chat message")
		c.SendLocalMessage(fmt.Sprintf("message not sent: %v", err), true)
		return
	}

	c.mu.Lock()
	c.haveInterest = true
	c.mu.Unlock()
}

// payloadLocked builds {msg, nick, pre, seq, f, f_pk, zo}. The message is
// linked to the last normal message in the history.
func (c *Instance) payloadLocked(req sendRequest) wire.Map {
	payload := wire.Map{"msg": req.text}

	for i := len(c.messages) - 1; i >= 0; i-- {
		last := c.messages[i]
		if last.messageType(false) != MessageNormal {
			continue
		}
		payload["pre"] = last.id
		payload["seq"] = last.sequence + 1
		break
	}
	if _, ok := payload["seq"]; !ok {
		payload["seq"] = int64(1)
	}

	nick := c.nicknameLocked()
	defaultNick := c.binding == nil || nick == "" || nick == KeyString(c.binding.PublicKey)
	if !defaultNick {
		payload["nick"] = nick
	}

	flash := int64(FlashNo)
	if req.flags.Flash {
		flash = FlashYes
	}
	payload["f"] = wire.Map{
		FlagStatus: req.flags.Status,
		FlagOrigin: req.flags.Origin,
		FlagType:   req.flags.Type,
		FlagFlash:  flash,
	}

	if key := c.manager.config.FriendKey; len(key) > 0 && !defaultNick {
		payload["f_pk"] = key
	}
	if c.network == NetworkPublic {
		_, offset := c.manager.tp.Now().Zone()
		payload["zo"] = int64(offset)
	}
	return payload
}

// AddReference takes another reference on the instance.
func (c *Instance) AddReference() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refs++
}

// Destroy drops a reference. The last reference destroys the chat unless
// it is kept alive, or is a public chat the user has shown interest in.
func (c *Instance) Destroy() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	if c.refs > 0 {
		c.refs--
	}
	keep := c.refs > 0 || c.keepAlive || (c.parent == nil && c.haveInterest)
	c.mu.Unlock()

	if !keep {
		c.destroy()
	}
}

// Remove destroys the instance regardless of references.
func (c *Instance) Remove() {
	c.destroy()
}

func (c *Instance) destroy() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.destroyed = true
	if c.sortTimer != nil {
		c.sortTimer.Stop()
		c.sortTimer = nil
	}
	binding := c.binding
	private := c.parent != nil
	c.binding = nil
	c.mu.Unlock()

	close(c.done)
	c.wg.Wait()

	if binding != nil {
		ctx, cancel := context.WithTimeout(context.Background(), c.manager.config.BindTimeout)
		if private {
			quit := wire.Map{"f": wire.Map{FlagStatus: int64(StatusQuit)}}
			if err := c.manager.config.Sync.Send(ctx, binding, quit); err != nil {
				c.log.WithError(err).Debug("Failed to send quit notice")
			}
		}
		cancel()
		if err := c.manager.config.Sync.Unbind(binding); err != nil {
			c.log.WithError(err).Debug("Failed to unbind chat")
		}
	}

	c.manager.chatDestroyed(c)
	c.publish([]Event{{Kind: EventDestroyed, Instance: c}})
	c.log.Info("Chat destroyed")
}

// bind attaches the instance to the sync service. Concurrent calls
// collapse into one attempt.
func (c *Instance) bind(ctx context.Context, opts BindOptions) error {
	c.mu.Lock()
	if c.destroyed || c.binding != nil || c.rebinding {
		c.mu.Unlock()
		return nil
	}
	c.rebinding = true
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.manager.config.BindTimeout)
	defer cancel()
	opts.Network = c.network
	opts.Key = c.key
	opts.Timeout = c.manager.config.BindTimeout
	binding, err := c.manager.config.Sync.Bind(ctx, opts, c)

	c.mu.Lock()
	c.rebinding = false
	destroyed := c.destroyed
	if err == nil && !destroyed {
		c.binding = binding
		c.bindErr = nil
	} else if err != nil {
		c.bindErr = err
	}
	c.mu.Unlock()

	if err != nil {
		c.log.WithError(err).Warn("Failed to bind chat")
		return err
	}
	if destroyed {
		_ = c.manager.config.Sync.Unbind(binding)
		return ErrDestroyed
	}
	c.publish([]Event{{Kind: EventStateChanged, Instance: c}})
	return nil
}

// update refreshes the sync status and rebinds a failed binding when
// rebind is set.
func (c *Instance) update(ctx context.Context, rebind bool) {
	c.mu.Lock()
	binding := c.binding
	destroyed := c.destroyed
	c.mu.Unlock()
	if destroyed {
		return
	}

	if binding == nil {
		if rebind && c.parent == nil {
			_ = c.bind(ctx, BindOptions{})
		}
		return
	}

	source, ok := c.manager.config.Sync.(StatusSource)
	if !ok {
		return
	}
	status, err := source.Status(ctx, binding)
	if err != nil {
		c.log.WithError(err).Debug("Failed to read sync status")
		return
	}
	c.mu.Lock()
	c.status = status
	c.mu.Unlock()
}

func (c *Instance) ipFilter() IPFilter {
	return c.manager.config.IPFilter
}

func (c *Instance) publish(evs []Event) {
	for _, ev := range evs {
		c.events.Publish(ev)
	}
}

func (c *Instance) String() string {
	return fmt.Sprintf("%s: %s", c.network, c.key)
}
