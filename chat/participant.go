package chat

import (
	"bytes"
	"context"
	"fmt"
)

// minSpammerMessages is the number of messages a participant must have
// sent before they can be marked as a spammer.
const minSpammerMessages = 5

// Participant is a member of a chat, identified by public key. All state
// is guarded by the owning instance's lock.
type Participant struct {
	instance  *Instance
	publicKey []byte
	nickname  string
	messages  []*Message

	ignored   bool
	spammer   bool
	pinned    bool
	nickClash bool
}

func newParticipant(c *Instance, publicKey []byte) *Participant {
	return &Participant{
		instance:  c,
		publicKey: append([]byte(nil), publicKey...),
		nickname:  KeyString(publicKey),
	}
}

// PublicKey returns the participant's key.
func (p *Participant) PublicKey() []byte { return p.publicKey }

// Instance returns the chat the participant belongs to.
func (p *Participant) Instance() *Instance { return p.instance }

// Name returns the current nickname.
func (p *Participant) Name() string {
	p.instance.mu.Lock()
	defer p.instance.mu.Unlock()
	return p.nickname
}

// Messages returns a copy of the participant's messages in chat order.
func (p *Participant) Messages() []*Message {
	p.instance.mu.Lock()
	defer p.instance.mu.Unlock()
	return append([]*Message(nil), p.messages...)
}

// MessageCount returns the number of messages in the history window.
func (p *Participant) MessageCount() int {
	p.instance.mu.Lock()
	defer p.instance.mu.Unlock()
	return len(p.messages)
}

// IsMe reports whether the participant is the local user.
func (p *Participant) IsMe() bool {
	p.instance.mu.Lock()
	defer p.instance.mu.Unlock()
	return p.isMeLocked()
}

func (p *Participant) isMeLocked() bool {
	b := p.instance.binding
	return b != nil && bytes.Equal(b.PublicKey, p.publicKey)
}

// IsIgnored reports whether the participant's messages are hidden.
func (p *Participant) IsIgnored() bool {
	p.instance.mu.Lock()
	defer p.instance.mu.Unlock()
	return p.ignored
}

// SetIgnored hides or shows the participant's messages.
func (p *Participant) SetIgnored(ignored bool) {
	c := p.instance
	c.mu.Lock()
	if p.ignored == ignored {
		c.mu.Unlock()
		return
	}
	p.ignored = ignored
	p.refreshMessagesLocked()
	c.mu.Unlock()

	c.publish([]Event{{Kind: EventParticipantChanged, Instance: c, Participant: p}})
}

// IsSpammer reports whether the participant is marked as a spammer.
func (p *Participant) IsSpammer() bool {
	p.instance.mu.Lock()
	defer p.instance.mu.Unlock()
	return p.spammer
}

// CanSpammer reports whether the participant may be marked as a spammer.
func (p *Participant) CanSpammer() bool {
	p.instance.mu.Lock()
	defer p.instance.mu.Unlock()
	return p.canSpammerLocked()
}

func (p *Participant) canSpammerLocked() bool {
	return len(p.messages) >= minSpammerMessages && !p.isMeLocked() && !p.pinned
}

// SetSpammer marks or unmarks the participant as a spammer. Marking
// pushes every source address of the participant into the IP filter,
// unmarking lifts those bans. It reports whether the state changed.
func (p *Participant) SetSpammer(spammer bool) bool {
	c := p.instance
	c.mu.Lock()
	if p.spammer == spammer || (spammer && !p.canSpammerLocked()) {
		c.mu.Unlock()
		return false
	}
	p.spammer = spammer
	p.refreshMessagesLocked()
	hosts := p.hostsLocked()
	c.mu.Unlock()

	if filter := c.ipFilter(); filter != nil {
		reason := fmt.Sprintf("chat spammer in '%s'", c.key)
		for _, host := range hosts {
			if spammer {
				filter.Ban(host, reason)
			} else {
				filter.Unban(host)
			}
		}
	}

	c.publish([]Event{{Kind: EventParticipantChanged, Instance: c, Participant: p}})
	return true
}

// IsPinned reports whether the participant is pinned.
func (p *Participant) IsPinned() bool {
	p.instance.mu.Lock()
	defer p.instance.mu.Unlock()
	return p.pinned
}

// SetPinned pins or unpins the participant. Pinned participants cannot
// be marked as spammers and may open private chats in PINNED_ONLY mode.
func (p *Participant) SetPinned(pinned bool) {
	c := p.instance
	c.mu.Lock()
	if p.pinned == pinned {
		c.mu.Unlock()
		return
	}
	p.pinned = pinned
	c.mu.Unlock()

	c.publish([]Event{{Kind: EventParticipantChanged, Instance: c, Participant: p}})
}

// NickClash reports whether another participant uses the same nickname.
// With ignoreHidden set, a clash only counts while at least one other
// claimant is neither ignored nor a spammer.
func (p *Participant) NickClash(ignoreHidden bool) bool {
	p.instance.mu.Lock()
	defer p.instance.mu.Unlock()
	if !p.nickClash {
		return false
	}
	if ignoreHidden {
		return !p.instance.otherNickClashesHiddenLocked(p)
	}
	return true
}

// FriendKey returns the buddy key most recently advertised by the
// participant, or nil.
func (p *Participant) FriendKey() []byte {
	p.instance.mu.Lock()
	defer p.instance.mu.Unlock()
	for i := len(p.messages) - 1; i >= 0; i-- {
		if key := p.messages[i].friendKey; len(key) > 0 {
			return key
		}
	}
	return nil
}

// CreatePrivateChat opens an outgoing one-to-one chat with the participant.
func (p *Participant) CreatePrivateChat(ctx context.Context) (*Instance, error) {
	return p.instance.createPrivateChat(ctx, p)
}

// addMessageLocked appends m and takes over its nickname when it is a
// normal message. It reports whether the participant's nickname changed
// and returns the other participants whose clash flag changed.
func (p *Participant) addMessageLocked(m *Message) (bool, []*Participant) {
	p.messages = append(p.messages, m)
	if m.participant == nil {
		m.participant = p
	}

	var changed bool
	var others []*Participant
	if nick := m.payloadNickname(); nick != "" && nick != p.nickname && m.messageType(false) == MessageNormal {
		others = p.instance.registerNickLocked(p, p.nickname, nick)
		p.nickname = nick
		changed = true
	}

	m.nickname = p.nickname
	m.nickClash = p.nickClash
	m.ignored = p.ignored || p.spammer
	return changed, others
}

func (p *Participant) removeMessageLocked(m *Message) {
	p.messages = without(p.messages, m)
}

func (p *Participant) resetMessagesLocked() {
	p.messages = nil
}

func (p *Participant) refreshMessagesLocked() {
	for _, m := range p.messages {
		m.ignored = p.ignored || p.spammer
	}
}

func (p *Participant) hostsLocked() []string {
	seen := make(map[string]bool)
	var hosts []string
	for _, m := range p.messages {
		if m.address == "" {
			continue
		}
		host := m.Host()
		if !seen[host] {
			seen[host] = true
			hosts = append(hosts, host)
		}
	}
	return hosts
}

func (p *Participant) String() string {
	return "participant " + KeyString(p.publicKey)
}
