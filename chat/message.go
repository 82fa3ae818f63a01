package chat

import (
	"net"
	"time"

	"github.com/mr-tron/base58"
	"github.com/zeebo/blake3"

	"github.com/opd-ai/buddynet/wire"
)

// Networks a chat can live on.
const (
	NetworkPublic    = "Public"
	NetworkAnonymous = "I2P"
)

// MessageType classifies a message for display.
type MessageType int

const (
	// MessageNormal is a message written by a participant.
	MessageNormal MessageType = iota + 1
	// MessageInfo is a status or informational line.
	MessageInfo
	// MessageError reports a failure.
	MessageError
)

func (t MessageType) String() string {
	switch t {
	case MessageNormal:
		return "normal"
	case MessageInfo:
		return "info"
	case MessageError:
		return "error"
	}
	return "unknown"
}

// Payload flag keys and values.
const (
	FlagStatus = "s"
	FlagOrigin = "o"
	FlagType   = "t"
	FlagFlash  = "f"

	StatusNone = 0
	StatusQuit = 1

	OriginUser     = 0
	OriginRatings  = 1
	OriginSeedReq  = 2
	OriginSubs     = 3
	OriginSearch   = 4
	TypeNormal     = 0
	TypeMe         = 1
	FlashNo        = 0
	FlashYes       = 1
	keyStringBytes = 3
)

// MessageID derives a message id from its author and content.
func MessageID(publicKey, content []byte) []byte {
	h := blake3.New()
	h.Write(publicKey)
	h.Write(content)
	return h.Sum(nil)[:20]
}

// KeyString returns the short printable form of a public key used as the
// default nickname.
func KeyString(publicKey []byte) string {
	if len(publicKey) < 8+keyStringBytes {
		return base58.Encode(publicKey)
	}
	return base58.Encode(publicKey[8 : 8+keyStringBytes])
}

// Message is one entry of a chat history.
type Message struct {
	uid        int
	id         []byte
	previousID []byte
	sequence   int64
	timestamp  time.Time

	raw     wire.Map
	payload wire.Map

	publicKey  []byte
	address    string
	friendKey  []byte
	zoneOffset int64
	hasZone    bool

	instance    *Instance
	participant *Participant
	ignored     bool
	nickClash   bool
	nickname    string
}

// newMessage parses a raw message as delivered by the sync service:
// {id, pk, address, contact, age, content, error}.
func newMessage(c *Instance, uid int, raw wire.Map, now time.Time) *Message {
	m := &Message{instance: c, uid: uid, raw: raw}

	m.publicKey, _ = wire.Bytes(raw, "pk")
	m.address, _ = wire.String(raw, "address")
	m.id, _ = wire.Bytes(raw, "id")
	if len(m.id) == 0 {
		content, _ := wire.Bytes(raw, "content")
		m.id = MessageID(m.publicKey, content)
	}

	age := wire.IntOr(raw, "age", 0)
	m.timestamp = now.Add(-time.Duration(age) * time.Second)

	m.payload = wire.Map{}
	if content, ok := wire.Bytes(raw, "content"); ok && len(content) > 0 {
		if p, err := wire.Decode(content); err == nil {
			m.payload = p
		}
	}

	m.previousID, _ = wire.Bytes(m.payload, "pre")
	m.sequence = wire.IntOr(m.payload, "seq", 0)
	m.friendKey, _ = wire.Bytes(m.payload, "f_pk")
	m.zoneOffset, m.hasZone = wire.Int(m.payload, "zo")
	return m
}

// UID is the local arrival number of the message.
func (m *Message) UID() int { return m.uid }

// ID returns the content-derived id.
func (m *Message) ID() []byte { return m.id }

// PreviousID returns the id of the message the author saw last, or nil.
func (m *Message) PreviousID() []byte { return m.previousID }

// Sequence returns the author's sequence number.
func (m *Message) Sequence() int64 { return m.sequence }

// Timestamp returns the receive time minus the age announced by the
// sync service.
func (m *Message) Timestamp() time.Time { return m.timestamp }

// PublicKey returns the author's key.
func (m *Message) PublicKey() []byte { return m.publicKey }

// Address returns the originating host:port, if known.
func (m *Message) Address() string { return m.address }

// Host returns the host part of Address.
func (m *Message) Host() string {
	host, _, err := net.SplitHostPort(m.address)
	if err != nil {
		return m.address
	}
	return host
}

// Contact returns the sync-level contact details of the author.
func (m *Message) Contact() wire.Map {
	c, _ := wire.Sub(m.raw, "contact")
	return c
}

// FriendKey returns the buddy key the author advertised, if any.
func (m *Message) FriendKey() []byte { return m.friendKey }

// ZoneOffset returns the author's UTC offset in seconds.
func (m *Message) ZoneOffset() (int64, bool) { return m.zoneOffset, m.hasZone }

// Participant returns the author.
func (m *Message) Participant() *Participant { return m.participant }

func (m *Message) flag(key string) (int64, bool) {
	flags, ok := wire.Sub(m.payload, "f")
	if !ok {
		return 0, false
	}
	return wire.Int(flags, key)
}

func (m *Message) status() int64 {
	s, _ := m.flag(FlagStatus)
	return s
}

// Origin returns the origin flag.
func (m *Message) Origin() int64 {
	o, _ := m.flag(FlagOrigin)
	return o
}

// FlagType returns the type flag (TypeNormal or TypeMe).
func (m *Message) FlagType() int64 {
	t, _ := m.flag(FlagType)
	return t
}

// FlashOverride reports whether the author asked for attention.
func (m *Message) FlashOverride() bool {
	f, _ := m.flag(FlagFlash)
	return f != FlashNo
}

// Type classifies the message. A quit notice counts as info.
func (m *Message) Type() MessageType {
	return m.messageType(true)
}

func (m *Message) messageType(quitAsInfo bool) MessageType {
	report, ok := wire.String(m.raw, "error")
	if !ok {
		if quitAsInfo && m.status() == StatusQuit {
			return MessageInfo
		}
		return MessageNormal
	}
	if len(report) < 2 || report[1] != ':' {
		return MessageError
	}
	if report[0] == 'i' {
		return MessageInfo
	}
	return MessageError
}

// Text returns the displayable message text.
func (m *Message) Text() string {
	if report, ok := wire.String(m.raw, "error"); ok {
		if len(report) > 2 && report[1] == ':' {
			return report[2:]
		}
		return report
	}
	if m.status() == StatusQuit {
		return m.Nickname() + " has quit"
	}
	if text, ok := wire.String(m.payload, "msg"); ok {
		return text
	}
	text, _ := wire.String(m.raw, "content")
	return text
}

// Raw returns the message bytes, or nil for info, error and quit messages.
func (m *Message) Raw() []byte {
	if _, ok := m.raw["error"]; ok {
		return nil
	}
	if m.status() == StatusQuit {
		return nil
	}
	if b, ok := wire.Bytes(m.payload, "msg"); ok {
		return b
	}
	b, _ := wire.Bytes(m.raw, "content")
	return b
}

// payloadNickname returns the nickname the author sent, or "".
func (m *Message) payloadNickname() string {
	nick, _ := wire.String(m.payload, "nick")
	return nick
}

// Nickname returns the author's nickname at the time of the message.
func (m *Message) Nickname() string {
	m.instance.mu.Lock()
	defer m.instance.mu.Unlock()
	if m.nickname == "" {
		return KeyString(m.publicKey)
	}
	return m.nickname
}

// Ignored reports whether the message should be hidden: its author is
// ignored or a spammer, or its source address is blocked.
func (m *Message) Ignored() bool {
	m.instance.mu.Lock()
	ignored := m.ignored
	me := m.participant != nil && m.participant.isMeLocked()
	m.instance.mu.Unlock()
	if ignored {
		return true
	}
	filter := m.instance.ipFilter()
	if filter == nil || me || m.address == "" {
		return false
	}
	return filter.IsBlocked(m.Host())
}

// NickClash reports whether the author's nickname clashed when the
// message arrived. With ignoreHidden set, clashes with participants that
// are all ignored or spammers do not count.
func (m *Message) NickClash(ignoreHidden bool) bool {
	m.instance.mu.Lock()
	defer m.instance.mu.Unlock()
	if m.nickClash && ignoreHidden && m.participant != nil {
		return !m.instance.otherNickClashesHiddenLocked(m.participant)
	}
	return m.nickClash
}

// messageLess orders by sequence, then timestamp, then uid.
func messageLess(a, b *Message) bool {
	if a.sequence != b.sequence {
		return a.sequence < b.sequence
	}
	ta, tb := a.timestamp.UnixMilli(), b.timestamp.UnixMilli()
	if ta != tb {
		return ta < tb
	}
	return a.uid < b.uid
}
