package buddy

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	"github.com/opd-ai/buddynet/crypto"
	"github.com/opd-ai/buddynet/messaging"
	"github.com/opd-ai/buddynet/presence"
)

// Buddy is a peer known to the registry.
type Buddy struct {
	registry  *Registry
	publicKey []byte
	tp        crypto.TimeProvider
	status    *presence.Status

	// connectSem single-flights outgoing dials.
	connectSem chan struct{}

	mu                   sync.Mutex
	subsystem            messaging.Subsystem
	authorized           bool
	transient            bool
	localCats            []string
	remoteCats           []string
	queue                []*messaging.Message
	current              *messaging.Message
	connections          []*Connection
	closing              bool
	destroyed            bool
	nextMessageID        int
	nextConnectionID     int
	keepAliveOutstanding bool
	lastConnectAttempt   time.Time
	lastAutoReconnect    time.Time
	lastStatusCheck      time.Time
	checkActive          bool
	lastMessageReceived  time.Time
	ygmMarkers           []int64
	messagesIn           int
	messagesOut          int
	bytesIn              int
	bytesOut             int
}

func newBuddy(r *Registry, publicKey []byte, subsystem messaging.Subsystem, authorized bool) *Buddy {
	return &Buddy{
		registry:   r,
		publicKey:  append([]byte(nil), publicKey...),
		tp:         r.tp,
		status:     presence.NewStatus("", 0, 0, "", 0),
		connectSem: make(chan struct{}, 1),
		subsystem:  subsystem,
		authorized: authorized,
	}
}

func newBuddyFromRecord(r *Registry, rec Record) *Buddy {
	b := newBuddy(r, rec.PublicKey, rec.Subsystem, true)
	b.status = presence.NewStatus(rec.Address, rec.TCPPort, rec.UDPPort, rec.Nickname, rec.Version)
	b.localCats = append([]string(nil), rec.LocalCategories...)
	b.lastMessageReceived = rec.LastMessageReceived
	b.ygmMarkers = append([]int64(nil), rec.YGMMarkers...)
	return b
}

// PublicKey returns the buddy's Ed25519 public key.
func (b *Buddy) PublicKey() []byte {
	return b.publicKey
}

// Is reports whether the buddy holds publicKey.
func (b *Buddy) Is(publicKey []byte) bool {
	return bytes.Equal(b.publicKey, publicKey)
}

// Status returns the presence state of the buddy.
func (b *Buddy) Status() *presence.Status {
	return b.status
}

// Nickname returns the nickname from the last presence record.
func (b *Buddy) Nickname() string {
	return b.status.Snapshot().Nickname
}

// Online reports whether the buddy is believed to be online.
func (b *Buddy) Online() bool {
	return b.status.Online()
}

// Subsystem returns the subsystem the buddy was added for.
func (b *Buddy) Subsystem() messaging.Subsystem {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subsystem
}

// Authorized reports whether the buddy was explicitly added.
func (b *Buddy) Authorized() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.authorized
}

// Transient reports whether the buddy is a short-lived peek contact.
func (b *Buddy) Transient() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.transient
}

// Persistent reports whether the buddy belongs in the stored buddy list.
func (b *Buddy) Persistent() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.authorized && !b.transient
}

// LocalCategories returns the categories we share with the buddy.
func (b *Buddy) LocalCategories() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.localCats...)
}

// SetLocalCategories replaces the categories we share with the buddy.
func (b *Buddy) SetLocalCategories(cats []string) {
	b.mu.Lock()
	b.localCats = append([]string(nil), cats...)
	b.mu.Unlock()
	b.registry.setDirty()
}

// RemoteCategories returns the categories the buddy shares with us.
func (b *Buddy) RemoteCategories() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.remoteCats...)
}

func (b *Buddy) setRemoteCategories(cats []string) {
	b.mu.Lock()
	b.remoteCats = cats
	b.mu.Unlock()
}

// Connected reports whether a live connection exists.
func (b *Buddy) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range b.connections {
		if c.IsConnected() && !c.HasFailed() {
			return true
		}
	}
	return false
}

// Connections returns a snapshot of the buddy's connections.
func (b *Buddy) Connections() []*Connection {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Connection(nil), b.connections...)
}

// Idle reports whether the buddy has no connections.
func (b *Buddy) Idle() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.connections) == 0
}

// QueueLength returns the number of messages waiting behind the current one.
func (b *Buddy) QueueLength() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// LastMessageReceived returns when the last durable message arrived.
func (b *Buddy) LastMessageReceived() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastMessageReceived
}

// SetLastMessageReceived records the arrival of a durable message.
func (b *Buddy) SetLastMessageReceived(t time.Time) {
	b.mu.Lock()
	b.lastMessageReceived = t
	b.mu.Unlock()
	b.registry.setDirty()
}

// Stats returns message and byte counters as in, out, bytes in, bytes out.
func (b *Buddy) Stats() (int, int, int, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.messagesIn, b.messagesOut, b.bytesIn, b.bytesOut
}

// AddYGMMarker records a pending-message marker and reports whether it
// was new.
func (b *Buddy) AddYGMMarker(marker int64) bool {
	b.mu.Lock()
	for _, m := range b.ygmMarkers {
		if m == marker {
			b.mu.Unlock()
			return false
		}
	}
	b.ygmMarkers = append(b.ygmMarkers, marker)
	if len(b.ygmMarkers) > MaxYGMMarkers {
		b.ygmMarkers = b.ygmMarkers[len(b.ygmMarkers)-MaxYGMMarkers:]
	}
	b.mu.Unlock()

	b.registry.setDirty()
	return true
}

func (b *Buddy) record() Record {
	snap := b.status.Snapshot()

	b.mu.Lock()
	defer b.mu.Unlock()
	return Record{
		PublicKey:           append([]byte(nil), b.publicKey...),
		Subsystem:           b.subsystem,
		Nickname:            snap.Nickname,
		Address:             snap.Address,
		TCPPort:             snap.TCPPort,
		UDPPort:             snap.UDPPort,
		Version:             snap.Version,
		LastTimeOnline:      snap.LastTimeOnline,
		LastMessageReceived: b.lastMessageReceived,
		LocalCategories:     append([]string(nil), b.localCats...),
		YGMMarkers:          append([]int64(nil), b.ygmMarkers...),
	}
}

// statusCheckStarts marks a lookup as running. It returns false if one
// already is.
func (b *Buddy) statusCheckStarts() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.checkActive {
		return false
	}
	b.checkActive = true
	b.lastStatusCheck = b.tp.Now()
	return true
}

func (b *Buddy) statusCheckDone() {
	b.mu.Lock()
	b.checkActive = false
	b.mu.Unlock()
}

func (b *Buddy) statusCheckActive() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.checkActive
}

func (b *Buddy) lastStatusCheckTime() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastStatusCheck
}

func (b *Buddy) closingOrDestroyed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closing || b.destroyed
}

func (b *Buddy) messageSent(size int) {
	b.mu.Lock()
	b.messagesOut++
	b.bytesOut += size
	b.mu.Unlock()
}

func (b *Buddy) messageReceived(size int) {
	b.mu.Lock()
	b.messagesIn++
	b.bytesIn += size
	b.mu.Unlock()
}

func (b *Buddy) String() string {
	return fmt.Sprintf("buddy(%s,authorized=%v,online=%v)", crypto.KeyPreview(b.publicKey), b.Authorized(), b.Online())
}
