package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/buddynet/crypto"
	"github.com/opd-ai/buddynet/events"
)

// Defaults for ManagerConfig.
const (
	DefaultUpdateInterval = 2500 * time.Millisecond
	DefaultRebindEvery    = 25
	DefaultBindTimeout    = 60 * time.Second
	DefaultMaxHistory     = 512
	DefaultSortDelay      = 500 * time.Millisecond
)

// PrivateChatState controls who may open private chats.
type PrivateChatState int

const (
	PrivateChatDisabled   PrivateChatState = 1
	PrivateChatPinnedOnly PrivateChatState = 2
	PrivateChatEnabled    PrivateChatState = 3
)

// ErrClosed is returned by a closed manager.
var ErrClosed = errors.New("chat manager closed")

// IPFilter receives the source addresses of participants marked as
// spammers.
type IPFilter interface {
	Ban(host, reason string)
	Unban(host string)
	IsBlocked(host string) bool
}

// ManagerConfig configures a Manager. Sync is required.
type ManagerConfig struct {
	Sync      MessageSync
	Nickname  string
	FriendKey []byte
	IPFilter  IPFilter

	PrivateChatState PrivateChatState
	TimeProvider     crypto.TimeProvider

	UpdateInterval time.Duration
	RebindEvery    int
	BindTimeout    time.Duration
	MaxHistory     int
	SortDelay      time.Duration
}

// ManagerEventKind identifies a manager event.
type ManagerEventKind int

const (
	ChatAdded ManagerEventKind = iota + 1
	ChatRemoved
)

// ManagerEvent is published when chats come and go.
type ManagerEvent struct {
	Kind     ManagerEventKind
	Instance *Instance
}

// Manager owns the chat instances of a node.
type Manager struct {
	config ManagerConfig
	tp     crypto.TimeProvider
	events *events.Bus[ManagerEvent]

	nickMu       sync.RWMutex
	nickname     string
	privateState PrivateChatState

	mu            sync.Mutex
	chats         map[string]*Instance
	privateID     int
	ticks         int
	tickerRunning bool
	closed        bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a manager.
func NewManager(config ManagerConfig) (*Manager, error) {
	if config.Sync == nil {
		return nil, errors.New("chat: message sync is required")
	}
	if config.UpdateInterval <= 0 {
		config.UpdateInterval = DefaultUpdateInterval
	}
	if config.RebindEvery <= 0 {
		config.RebindEvery = DefaultRebindEvery
	}
	if config.BindTimeout <= 0 {
		config.BindTimeout = DefaultBindTimeout
	}
	if config.MaxHistory <= 0 {
		config.MaxHistory = DefaultMaxHistory
	}
	if config.SortDelay <= 0 {
		config.SortDelay = DefaultSortDelay
	}
	if config.PrivateChatState == 0 {
		config.PrivateChatState = PrivateChatEnabled
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		config:       config,
		tp:           crypto.OrDefault(config.TimeProvider),
		events:       events.NewBus[ManagerEvent]("chat manager"),
		nickname:     config.Nickname,
		privateState: config.PrivateChatState,
		chats:        make(map[string]*Instance),
		ctx:          ctx,
		cancel:       cancel,
	}, nil
}

// Events returns the manager's event bus.
func (m *Manager) Events() *events.Bus[ManagerEvent] { return m.events }

// Nickname returns the shared nickname.
func (m *Manager) Nickname() string {
	m.nickMu.RLock()
	defer m.nickMu.RUnlock()
	return m.nickname
}

// SetNickname changes the shared nickname.
func (m *Manager) SetNickname(nickname string) {
	m.nickMu.Lock()
	defer m.nickMu.Unlock()
	m.nickname = nickname
}

// PrivateChatState returns who may open private chats.
func (m *Manager) PrivateChatState() PrivateChatState {
	m.nickMu.RLock()
	defer m.nickMu.RUnlock()
	return m.privateState
}

// SetPrivateChatState changes who may open private chats.
func (m *Manager) SetPrivateChatState(state PrivateChatState) {
	m.nickMu.Lock()
	defer m.nickMu.Unlock()
	m.privateState = state
}

// GetChat returns the chat for network and key, creating and binding it
// on first use. Every call takes a reference that must be released with
// Destroy. A chat whose bind failed is still returned; it is rebound by
// the update timer and reports the failure through BindError.
func (m *Manager) GetChat(ctx context.Context, network, key string) (*Instance, error) {
	id := groupName(network, key)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if c, ok := m.chats[id]; ok && !c.IsDestroyed() {
		c.AddReference()
		m.mu.Unlock()
		return c, nil
	}
	c := newInstance(m, network, key)
	m.chats[id] = c
	m.startTickerLocked()
	m.mu.Unlock()

	m.events.Publish(ManagerEvent{Kind: ChatAdded, Instance: c})
	logrus.WithFields(logrus.Fields{
		"function": "GetChat",
		"network":  network,
		"chat":     key,
	}).Info("Chat created")

	_ = c.bind(ctx, BindOptions{})
	return c, nil
}

// Chat returns an existing chat without taking a reference.
func (m *Manager) Chat(network, key string) *Instance {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.chats[groupName(network, key)]
}

// Chats returns all live chats.
func (m *Manager) Chats() []*Instance {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Instance, 0, len(m.chats))
	for _, c := range m.chats {
		out = append(out, c)
	}
	return out
}

// openPrivateChat creates a one-to-one chat spun off parent.
func (m *Manager) openPrivateChat(ctx context.Context, parent *Instance, target []byte, name string, outgoing bool, opts BindOptions) (*Instance, error) {
	direction := "incoming"
	if outgoing {
		direction = "outgoing"
	}
	nickname := parent.Nickname()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	m.privateID++
	key := fmt.Sprintf("%s - %s (%s)[%d]", parent.key, name, direction, m.privateID)
	c := newInstance(m, parent.network, key)
	c.parent = parent
	c.privateTarget = append([]byte(nil), target...)
	c.sharedNickname = false
	c.nickname = nickname
	m.chats[groupName(parent.network, key)] = c
	m.startTickerLocked()
	m.mu.Unlock()

	m.events.Publish(ManagerEvent{Kind: ChatAdded, Instance: c})

	if err := c.bind(ctx, opts); err != nil {
		c.Remove()
		return nil, err
	}
	return c, nil
}

func (m *Manager) chatDestroyed(c *Instance) {
	id := groupName(c.network, c.key)
	m.mu.Lock()
	removed := m.chats[id] == c
	if removed {
		delete(m.chats, id)
	}
	m.mu.Unlock()

	if removed {
		m.events.Publish(ManagerEvent{Kind: ChatRemoved, Instance: c})
	}
}

func (m *Manager) startTickerLocked() {
	if m.tickerRunning || m.closed {
		return
	}
	m.tickerRunning = true
	m.wg.Add(1)
	go m.updateLoop()
}

func (m *Manager) updateLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.config.UpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			if len(m.chats) == 0 {
				m.tickerRunning = false
				m.mu.Unlock()
				return
			}
			m.mu.Unlock()
			m.Update(m.ctx)
		}
	}
}

// Update runs one timer tick: every chat refreshes its status, and failed
// bindings are retried every RebindEvery ticks.
func (m *Manager) Update(ctx context.Context) {
	m.mu.Lock()
	m.ticks++
	rebind := m.ticks%m.config.RebindEvery == 0
	chats := make([]*Instance, 0, len(m.chats))
	for _, c := range m.chats {
		chats = append(chats, c)
	}
	m.mu.Unlock()

	for _, c := range chats {
		c.update(ctx, rebind)
	}
}

// Close destroys every chat and stops the update timer.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.cancel()
	chats := make([]*Instance, 0, len(m.chats))
	for _, c := range m.chats {
		chats = append(chats, c)
	}
	m.mu.Unlock()

	m.wg.Wait()
	for _, c := range chats {
		c.Remove()
	}
	return nil
}
