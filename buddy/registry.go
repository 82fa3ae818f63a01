package buddy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/opd-ai/buddynet/crypto"
	"github.com/opd-ai/buddynet/events"
	"github.com/opd-ai/buddynet/limits"
	"github.com/opd-ai/buddynet/messaging"
	"github.com/opd-ai/buddynet/presence"
	"github.com/opd-ai/buddynet/transport"
	"github.com/opd-ai/buddynet/wire"
)

// Status check schedule: every buddy is looked up after
// StatusCheckPeriodMin plus StatusCheckPeriodInc per five buddies plus
// up to StatusCheckJitter.
const (
	StatusCheckPeriodMin = 3 * time.Minute
	StatusCheckPeriodInc = time.Minute
	StatusCheckJitter    = 2 * time.Minute
)

const (
	// UnauthorizedThrottleLifetime is how long unauthorized hit counts are kept.
	UnauthorizedThrottleLifetime = 120 * time.Second
	unauthorizedThrottleCapacity = 1000

	// YGMThrottleLifetime is how long unauthorized marker sources are remembered.
	YGMThrottleLifetime = time.Hour
	ygmThrottleCapacity = 512
)

var (
	// ErrInvalidKey is returned for malformed buddy keys
	ErrInvalidKey = errors.New("invalid buddy public key")

	// ErrSelf is returned when adding the local key as a buddy
	ErrSelf = errors.New("cannot add self as buddy")
)

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	// LocalKey is the node's own public key.
	LocalKey  []byte
	Transport transport.Transport
	// Directories are looked up for buddy presence, in order.
	Directories  []*presence.Directory
	Persister    Persister
	TimeProvider crypto.TimeProvider
	// BytesPerSecond caps outbound traffic over all links. Zero disables it.
	BytesPerSecond int
	Maintenance    MaintenanceConfig
	AddressWait    time.Duration
	AddressPoll    time.Duration
}

// DefaultRegistryConfig returns the production timing.
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		Maintenance: DefaultMaintenanceConfig(),
		AddressWait: DefaultAddressWait,
		AddressPoll: time.Second,
	}
}

// Registry is the set of buddies known to a node.
type Registry struct {
	config RegistryConfig
	tp     crypto.TimeProvider

	mu       sync.RWMutex
	buddies  []*Buddy
	handlers []RequestHandler

	unauthorized *Throttle
	ygmSources   *Throttle
	limiter      *rate.Limiter
	events       *events.Bus[Event]

	onlineStatus atomic.Int32
	dirty        atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	maintainer *Maintainer
}

// NewRegistry creates a registry and installs it as the transport's
// accept handler.
func NewRegistry(config RegistryConfig) (*Registry, error) {
	if config.Transport == nil {
		return nil, errors.New("buddy: transport is required")
	}
	defaults := DefaultRegistryConfig()
	if config.AddressWait <= 0 {
		config.AddressWait = defaults.AddressWait
	}
	if config.AddressPoll <= 0 {
		config.AddressPoll = defaults.AddressPoll
	}
	config.Maintenance = config.Maintenance.withDefaults()

	tp := crypto.OrDefault(config.TimeProvider)
	ctx, cancel := context.WithCancel(context.Background())

	r := &Registry{
		config:       config,
		tp:           tp,
		unauthorized: NewThrottle(unauthorizedThrottleCapacity, limits.MaxUnauthorizedHits, UnauthorizedThrottleLifetime, tp),
		ygmSources:   NewThrottle(ygmThrottleCapacity, 1, YGMThrottleLifetime, tp),
		events:       events.NewBus[Event]("buddy"),
		ctx:          ctx,
		cancel:       cancel,
	}
	if config.BytesPerSecond > 0 {
		r.limiter = transport.NewByteLimiter(config.BytesPerSecond)
	}
	r.maintainer = newMaintainer(r, config.Maintenance)

	config.Transport.SetAcceptHandler(r.Accept)
	return r, nil
}

// Events returns the registry's event bus.
func (r *Registry) Events() *events.Bus[Event] {
	return r.events
}

// LocalKey returns the node's own public key.
func (r *Registry) LocalKey() []byte {
	return r.config.LocalKey
}

// Directories returns the presence directories used for lookups.
func (r *Registry) Directories() []*presence.Directory {
	return r.config.Directories
}

// SetOnlineStatus changes the status carried in frames and presence records.
func (r *Registry) SetOnlineStatus(status presence.OnlineStatus) {
	r.onlineStatus.Store(int32(status))
	for _, d := range r.config.Directories {
		d.SetOnlineStatus(status)
	}
}

// OnlineStatus returns the local online status.
func (r *Registry) OnlineStatus() presence.OnlineStatus {
	return presence.OnlineStatus(r.onlineStatus.Load())
}

// StatusSequence returns the sequence number of our latest presence record.
func (r *Registry) StatusSequence() int64 {
	for _, d := range r.config.Directories {
		if seq := d.Current().Sequence; seq != 0 {
			return seq
		}
	}
	return 0
}

// RegisterHandler adds a request handler and returns a function that
// removes it.
func (r *Registry) RegisterHandler(h RequestHandler) (unregister func()) {
	r.mu.Lock()
	r.handlers = append(r.handlers, h)
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		for i, other := range r.handlers {
			if other == h {
				r.handlers = append(r.handlers[:i], r.handlers[i+1:]...)
				return
			}
		}
	}
}

func (r *Registry) handleRequest(from *Buddy, subsystem messaging.Subsystem, request wire.Map) (reply wire.Map, err error) {
	r.mu.RLock()
	handlers := append([]RequestHandler(nil), r.handlers...)
	r.mu.RUnlock()

	defer func() {
		if p := recover(); p != nil {
			logrus.WithFields(logrus.Fields{
				"function":  "handleRequest",
				"subsystem": subsystem,
				"panic":     p,
			}).Error("Request handler panicked")
			reply, err = nil, fmt.Errorf("request processing failed: %v", p)
		}
	}()

	for _, h := range handlers {
		reply, err := h.RequestReceived(from, subsystem, request)
		if err != nil {
			return nil, err
		}
		if reply != nil {
			return reply, nil
		}
	}
	return nil, nil
}

// Buddy returns the buddy holding publicKey, or nil.
func (r *Registry) Buddy(publicKey []byte) *Buddy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.findLocked(publicKey)
}

func (r *Registry) findLocked(publicKey []byte) *Buddy {
	for _, b := range r.buddies {
		if b.Is(publicKey) {
			return b
		}
	}
	return nil
}

// Buddies returns a snapshot of every known buddy.
func (r *Registry) Buddies() []*Buddy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*Buddy(nil), r.buddies...)
}

// AuthorizedBuddies returns the buddies that were explicitly added.
func (r *Registry) AuthorizedBuddies() []*Buddy {
	var out []*Buddy
	for _, b := range r.Buddies() {
		if b.Authorized() {
			out = append(out, b)
		}
	}
	return out
}

func (r *Registry) validateKey(publicKey []byte) error {
	if !crypto.ValidPublicKey(publicKey) {
		return ErrInvalidKey
	}
	if r.config.LocalKey != nil && bytes.Equal(publicKey, r.config.LocalKey) {
		return ErrSelf
	}
	return nil
}

// AddBuddy adds a buddy, or promotes an existing unauthorized or
// transient one when authorized is set.
func (r *Registry) AddBuddy(publicKey []byte, subsystem messaging.Subsystem, authorized bool) (*Buddy, error) {
	return r.addBuddy(publicKey, subsystem, authorized, false)
}

// AddTransient adds a short-lived buddy that may only request profile
// information. An existing buddy is returned unchanged.
func (r *Registry) AddTransient(publicKey []byte, subsystem messaging.Subsystem) (*Buddy, error) {
	return r.addBuddy(publicKey, subsystem, true, true)
}

func (r *Registry) addBuddy(publicKey []byte, subsystem messaging.Subsystem, authorized, transient bool) (*Buddy, error) {
	if err := r.validateKey(publicKey); err != nil {
		return nil, err
	}

	r.mu.Lock()
	b := r.findLocked(publicKey)
	changed := false
	if b != nil {
		b.mu.Lock()
		if !transient && b.transient {
			b.transient = false
			changed = true
		}
		if authorized && !b.authorized {
			b.authorized = true
			b.subsystem = subsystem
			changed = true
		}
		b.mu.Unlock()
	} else {
		b = newBuddy(r, publicKey, subsystem, authorized)
		b.transient = transient
		r.buddies = append(r.buddies, b)
		changed = true
	}
	r.mu.Unlock()

	if !changed {
		return b, nil
	}

	logrus.WithFields(logrus.Fields{
		"function":   "AddBuddy",
		"public_key": crypto.KeyPreview(publicKey),
		"authorized": authorized,
		"transient":  transient,
	}).Info("Buddy added")

	if b.Persistent() {
		r.persist()
	}
	r.events.Publish(Event{Kind: EventAdded, Buddy: b})
	return b, nil
}

// RemoveBuddy removes and destroys the buddy holding publicKey.
func (r *Registry) RemoveBuddy(publicKey []byte) bool {
	r.mu.Lock()
	var removed *Buddy
	for i, b := range r.buddies {
		if b.Is(publicKey) {
			removed = b
			r.buddies = append(r.buddies[:i], r.buddies[i+1:]...)
			break
		}
	}
	r.mu.Unlock()

	if removed == nil {
		return false
	}

	logrus.WithFields(logrus.Fields{
		"function":   "RemoveBuddy",
		"public_key": crypto.KeyPreview(publicKey),
	}).Info("Buddy removed")

	if removed.Persistent() {
		r.persist()
	}
	removed.destroy()
	r.events.Publish(Event{Kind: EventRemoved, Buddy: removed})
	return true
}

// Accept decides whether an incoming link is kept. Links from unknown
// peers create unauthorized buddies, subject to the unauthorized caps.
func (r *Registry) Accept(link transport.Link) bool {
	if r.ctx.Err() != nil {
		return false
	}

	publicKey := link.RemoteKey()
	originator := hostOf(link.RemoteAddr())

	r.mu.Lock()
	var target *Buddy
	unauthorized := 0
	for _, b := range r.buddies {
		if b.Is(publicKey) {
			target = b
			break
		}
		if !b.Authorized() {
			unauthorized++
		}
	}

	added := false
	if target != nil {
		if !target.Authorized() && len(target.Connections()) > 0 {
			r.mu.Unlock()
			logrus.WithFields(logrus.Fields{
				"function":   "Accept",
				"originator": originator,
			}).Info("Second incoming connection rejected for unauthorized buddy")
			return false
		}
	} else {
		if unauthorized >= limits.MaxUnauthorizedBuddies {
			r.mu.Unlock()
			logrus.WithFields(logrus.Fields{
				"function":   "Accept",
				"originator": originator,
			}).Warn("Incoming connection rejected, too many unauthorized buddies")
			return false
		}
		if r.unauthorized.Hit(originator) >= limits.MaxUnauthorizedHits {
			r.mu.Unlock()
			logrus.WithFields(logrus.Fields{
				"function":   "Accept",
				"originator": originator,
			}).Warn("Too many recent unauthorized connections")
			return false
		}
		if r.validateKey(publicKey) != nil {
			r.mu.Unlock()
			return false
		}
		target = newBuddy(r, publicKey, messaging.SubsystemAZ2, false)
		r.buddies = append(r.buddies, target)
		added = true
	}
	r.mu.Unlock()

	if added {
		r.events.Publish(Event{Kind: EventAdded, Buddy: target})
	}

	if _, err := target.addIncoming(r.rateLimit(link)); err != nil {
		return false
	}
	return true
}

func (r *Registry) rateLimit(link transport.Link) transport.Link {
	if r.limiter == nil {
		return link
	}
	return transport.WithRateLimit(link, r.limiter)
}

func (r *Registry) dial(ctx context.Context, addr string, publicKey []byte) (transport.Link, error) {
	link, err := r.config.Transport.Dial(ctx, addr, publicKey)
	if err != nil {
		return nil, err
	}
	return r.rateLimit(link), nil
}

func (r *Registry) checkAvailable() error {
	if r.ctx.Err() != nil {
		return messaging.FinalError("send", "messaging system unavailable")
	}
	return nil
}

// LookupStatus starts a presence lookup for b unless one is running.
func (r *Registry) LookupStatus(b *Buddy) {
	if len(r.config.Directories) == 0 || r.ctx.Err() != nil {
		return
	}
	if !b.statusCheckStarts() {
		return
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.lookupStatus(b)
	}()
}

func (r *Registry) lookupStatus(b *Buddy) {
	defer b.statusCheckDone()

	found := false
	changed := false
	for _, d := range r.config.Directories {
		res, err := d.Lookup(r.ctx, b.publicKey)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function":   "lookupStatus",
				"public_key": crypto.KeyPreview(b.publicKey),
				"network":    d.Network(),
				"error":      err.Error(),
			}).Debug("Status lookup failed")
			continue
		}
		found = true
		applied := b.status.Apply(res, r.tp.Now(), b.Connected(), d.RepublishPeriod())
		if applied.NicknameChanged || applied.AddressChanged {
			r.setDirty()
		}
		changed = changed || applied.Changed
	}

	if !found && b.status.LookupFailed() {
		changed = true
	}
	if changed {
		r.fireChanged(b)
	}
	if b.Online() {
		go b.dispatch()
	}
}

// Sweep runs the periodic per-buddy work: timeouts, scheduled status
// checks and pruning of idle unauthorized buddies.
func (r *Registry) Sweep(now time.Time) {
	buddies := r.Buddies()
	n := len(buddies)

	for _, b := range buddies {
		last := b.lastStatusCheckTime()
		b.CheckTimeouts(now)

		period := StatusCheckPeriodMin + StatusCheckPeriodInc*time.Duration(n)/5
		period += time.Duration(rand.Int63n(int64(StatusCheckJitter)))

		if now.Sub(last) > period && !b.statusCheckActive() && b.Authorized() {
			r.LookupStatus(b)
		}
	}

	for _, b := range buddies {
		if b.Idle() && !b.Authorized() {
			r.RemoveBuddy(b.publicKey)
		}
	}
}

// CheckMessagePending reads the pending-message markers left for us and
// looks up every authorized buddy with a new marker.
func (r *Registry) CheckMessagePending(ctx context.Context) {
	for _, d := range r.config.Directories {
		markers, err := d.CheckMessagePending(ctx)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "CheckMessagePending",
				"network":  d.Network(),
				"error":    err.Error(),
			}).Debug("Marker check failed")
			continue
		}
		for _, m := range markers {
			b := r.Buddy(m.PublicKey)
			if b == nil || !b.Authorized() {
				if r.ygmSources.Hit(m.Source.Address) == 1 {
					logrus.WithFields(logrus.Fields{
						"function":   "CheckMessagePending",
						"public_key": crypto.KeyPreview(m.PublicKey),
						"source":     m.Source.Address,
					}).Info("Pending message marker from unauthorized buddy")
				}
				continue
			}
			if !m.Verified {
				continue
			}
			if b.AddYGMMarker(m.Value) {
				r.LookupStatus(b)
			}
		}
	}
}

// ExpireThrottles resets the unauthorized hit counters once they age out.
func (r *Registry) ExpireThrottles() {
	r.unauthorized.Expire()
	r.ygmSources.Expire()
}

// Load adds the persisted buddies.
func (r *Registry) Load() error {
	if r.config.Persister == nil {
		return nil
	}
	records, err := r.config.Persister.LoadBuddies()
	if err != nil {
		return fmt.Errorf("load buddies: %w", err)
	}

	r.mu.Lock()
	for _, rec := range records {
		if r.validateKey(rec.PublicKey) != nil || r.findLocked(rec.PublicKey) != nil {
			continue
		}
		r.buddies = append(r.buddies, newBuddyFromRecord(r, rec))
	}
	r.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Load",
		"count":    len(records),
	}).Info("Loaded buddies")
	return nil
}

// Save writes the persistent buddies.
func (r *Registry) Save() error {
	if r.config.Persister == nil {
		return nil
	}
	r.dirty.Store(false)

	var records []Record
	for _, b := range r.Buddies() {
		if b.Persistent() {
			records = append(records, b.record())
		}
	}
	if err := r.config.Persister.SaveBuddies(records); err != nil {
		r.dirty.Store(true)
		return fmt.Errorf("save buddies: %w", err)
	}
	return nil
}

// SaveIfDirty saves when buddy details changed since the last save.
func (r *Registry) SaveIfDirty() error {
	if !r.dirty.Load() {
		return nil
	}
	return r.Save()
}

func (r *Registry) persist() {
	if err := r.Save(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "persist",
			"error":    err.Error(),
		}).Warn("Failed to save buddies")
	}
}

func (r *Registry) setDirty() {
	r.dirty.Store(true)
}

func (r *Registry) fireChanged(b *Buddy) {
	r.events.Publish(Event{Kind: EventChanged, Buddy: b})
}

// Start begins periodic maintenance.
func (r *Registry) Start() error {
	return r.maintainer.Start()
}

// Close announces our departure to every connected buddy, waits for the
// close handshakes or ctx, then tears everything down.
func (r *Registry) Close(ctx context.Context) error {
	r.maintainer.Stop()

	buddies := r.Buddies()
	for _, b := range buddies {
		b.SendClose(false)
	}

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
wait:
	for {
		busy := false
		for _, b := range buddies {
			for _, c := range b.Connections() {
				if c.IsConnected() && !c.IsRemoteClosing() && c.IsActive() {
					busy = true
				}
			}
		}
		if !busy {
			break
		}
		select {
		case <-ctx.Done():
			break wait
		case <-ticker.C:
		}
	}

	r.cancel()
	for _, b := range buddies {
		b.destroy()
	}
	r.wg.Wait()
	return r.SaveIfDirty()
}

func hostOf(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
