package presence

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/buddynet/crypto"
	"github.com/opd-ai/buddynet/dht"
	"github.com/opd-ai/buddynet/wire"
)

const (
	// DefaultRepublishPeriod is how often an unchanged record is rewritten
	// as a liveness signal.
	DefaultRepublishPeriod = 10 * time.Minute
	// DefaultDiversifiedRepublishPeriod replaces the republish period once
	// the store reports the key as diversified.
	DefaultDiversifiedRepublishPeriod = 60 * time.Minute
	// DefaultRetryDelay delays a publish whose addresses are not usable
	// yet and the retry of a failed publish.
	DefaultRetryDelay = 60 * time.Second
)

var (
	// ErrNotFound is returned by Lookup when no valid record exists
	ErrNotFound = errors.New("presence record not found")

	// ErrUnresolvable is returned when no advertised address is usable yet
	ErrUnresolvable = errors.New("no resolvable address to publish")

	// ErrUnroutable is returned when the advertised IP is not publicly reachable
	ErrUnroutable = errors.New("address is not publicly routable")

	// ErrClosed is returned after the directory has been closed
	ErrClosed = errors.New("directory closed")
)

// Config configures a Directory.
type Config struct {
	Network                    string
	Store                      dht.Store
	Signer                     Signer
	TimeProvider               crypto.TimeProvider
	RepublishPeriod            time.Duration
	DiversifiedRepublishPeriod time.Duration
	RetryDelay                 time.Duration
	ReadTimeout                time.Duration
	// AllowPrivateAddresses permits loopback and private IPs, for local
	// networks and tests.
	AllowPrivateAddresses bool
}

// DefaultConfig returns the timing used on the public network.
func DefaultConfig() Config {
	return Config{
		Network:                    "public",
		RepublishPeriod:            DefaultRepublishPeriod,
		DiversifiedRepublishPeriod: DefaultDiversifiedRepublishPeriod,
		RetryDelay:                 DefaultRetryDelay,
		ReadTimeout:                dht.DefaultReadTimeout,
	}
}

// LookupResult is the newest valid record found for a buddy.
type LookupResult struct {
	Record
	Created time.Time
	Source  dht.Contact
	Network string
}

// Marker is a pending-message marker left by another buddy.
type Marker struct {
	PublicKey []byte
	Value     int64
	Verified  bool
	Source    dht.Contact
}

// Directory publishes this node's presence record on one network and
// resolves the records of buddies.
type Directory struct {
	config Config
	tp     crypto.TimeProvider

	dispatcher *latestDispatcher

	mu               sync.Mutex
	current          PublishDetails
	latest           PublishDetails
	lastPayload      []byte
	lastPublishStart time.Time
	diversified      bool
	statusSeq        uint32
	writeContacts    []dht.Contact
	ipRetry          *time.Timer
	republishRetry   *time.Timer
	retrying         bool
	ygmActive        bool
	bogusYGMWritten  bool
	closed           bool

	ctx    context.Context
	cancel context.CancelFunc
}

// NewDirectory creates a directory. Publishing starts disabled.
func NewDirectory(config Config) (*Directory, error) {
	if config.Store == nil {
		return nil, errors.New("presence: store is required")
	}
	if config.Signer == nil {
		return nil, errors.New("presence: signer is required")
	}
	defaults := DefaultConfig()
	if config.Network == "" {
		config.Network = defaults.Network
	}
	if config.RepublishPeriod <= 0 {
		config.RepublishPeriod = defaults.RepublishPeriod
	}
	if config.DiversifiedRepublishPeriod <= 0 {
		config.DiversifiedRepublishPeriod = defaults.DiversifiedRepublishPeriod
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = defaults.RetryDelay
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = defaults.ReadTimeout
	}

	var seq uint32
	for seq == 0 {
		seq = rand.Uint32()
	}

	ctx, cancel := context.WithCancel(context.Background())
	initial := PublishDetails{Network: config.Network}
	return &Directory{
		config:     config,
		tp:         crypto.OrDefault(config.TimeProvider),
		dispatcher: newLatestDispatcher(),
		current:    initial,
		latest:     initial,
		statusSeq:  seq,
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// Network returns the network the directory publishes on.
func (d *Directory) Network() string {
	return d.config.Network
}

// Latest returns the most recently requested publish details.
func (d *Directory) Latest() PublishDetails {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.latest.Copy()
}

// Current returns the details of the last publish that ran.
func (d *Directory) Current() PublishDetails {
	d.mu.Lock()
	defer d.mu.Unlock()
	c := d.current.Copy()
	c.published = d.current.published
	return c
}

// Diversified reports whether the store has diversified our record.
func (d *Directory) Diversified() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.diversified
}

// RepublishPeriod returns the liveness period currently in effect.
func (d *Directory) RepublishPeriod() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.republishPeriodLocked()
}

func (d *Directory) republishPeriodLocked() time.Duration {
	if d.diversified {
		return d.config.DiversifiedRepublishPeriod
	}
	return d.config.RepublishPeriod
}

// WriteContacts returns the contacts that stored the last record.
func (d *Directory) WriteContacts() []dht.Contact {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]dht.Contact(nil), d.writeContacts...)
}

// RetryPending reports whether a delayed publish is scheduled.
func (d *Directory) RetryPending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ipRetry != nil || d.republishRetry != nil
}

// modify applies fn to a copy of the latest details and publishes the
// result.
func (d *Directory) modify(fn func(*PublishDetails) bool) {
	d.mu.Lock()
	next := d.latest.Copy()
	changed := fn(&next)
	d.mu.Unlock()

	if changed {
		d.UpdatePublish(next)
	}
}

// SetEnabled turns publishing on or off. Disabling removes the record.
func (d *Directory) SetEnabled(enabled bool) {
	d.modify(func(p *PublishDetails) bool {
		if p.Enabled == enabled {
			return false
		}
		p.Enabled = enabled
		return true
	})
}

// SetEndpoint changes the advertised addresses and ports.
func (d *Directory) SetEndpoint(addresses []string, tcpPort, udpPort int) {
	d.modify(func(p *PublishDetails) bool {
		p.Addresses = append([]string(nil), addresses...)
		p.TCPPort = tcpPort
		p.UDPPort = udpPort
		return true
	})
}

// SetNickname changes the advertised nickname.
func (d *Directory) SetNickname(nick string) {
	d.modify(func(p *PublishDetails) bool {
		if p.Nickname == nick {
			return false
		}
		p.Nickname = nick
		return true
	})
}

// SetOnlineStatus changes the advertised online status.
func (d *Directory) SetOnlineStatus(status OnlineStatus) {
	d.modify(func(p *PublishDetails) bool {
		if p.OnlineStatus == status {
			return false
		}
		p.OnlineStatus = status
		return true
	})
}

// RefreshKey republishes under the signer's current public key,
// removing the record stored under the previous one.
func (d *Directory) RefreshKey() {
	d.mu.Lock()
	d.lastPayload = nil
	d.mu.Unlock()

	d.modify(func(p *PublishDetails) bool {
		p.PublicKey = nil
		return true
	})
}

// Republish re-runs the latest publish if enabled. The periodic ticker
// calls it; unchanged payloads inside the liveness period are skipped.
func (d *Directory) Republish() {
	latest := d.Latest()
	if latest.Enabled {
		d.UpdatePublish(latest)
	}
}

// UpdatePublish records details as the latest request and hands it to
// the single-slot dispatcher.
func (d *Directory) UpdatePublish(details PublishDetails) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.latest = details.Copy()
	d.mu.Unlock()

	d.dispatcher.Dispatch(func() {
		if _, err := d.Publish(d.ctx, details); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "UpdatePublish",
				"network":  d.config.Network,
				"error":    err.Error(),
			}).Debug("Publish did not complete")
		}
	})
}

// Wait blocks until queued publishes have run.
func (d *Directory) Wait() {
	d.dispatcher.Wait()
}

// Publish runs one publish synchronously. It reports whether a record
// was written to the store.
func (d *Directory) Publish(ctx context.Context, details PublishDetails) (bool, error) {
	details = details.Copy()
	if details.Enabled && !details.resolvable() {
		d.scheduleIPRetry()
		return false, ErrUnresolvable
	}
	return d.publishSupport(ctx, details)
}

func (d *Directory) publishSupport(ctx context.Context, details PublishDetails) (bool, error) {
	var keyToRemove []byte

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return false, ErrClosed
	}
	if !details.Enabled {
		if d.current.published {
			keyToRemove = d.current.PublicKey
		}
	} else {
		if details.PublicKey == nil {
			details.PublicKey = d.config.Signer.PublicKey()
		}
		if d.current.published && !bytes.Equal(d.current.PublicKey, details.PublicKey) {
			keyToRemove = d.current.PublicKey
		}
	}
	d.current = details
	contacts := append([]dht.Contact(nil), d.writeContacts...)
	d.mu.Unlock()

	if keyToRemove != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "publishSupport",
			"network":    d.config.Network,
			"public_key": crypto.KeyPreview(keyToRemove),
		}).Info("Removing old status publish")

		if err := d.config.Store.Delete(ctx, StatusKey(keyToRemove), contacts); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "publishSupport",
				"error":    err.Error(),
			}).Warn("Failed to remove existing publish")
		}
	}

	if !details.Enabled {
		d.mu.Lock()
		d.lastPayload = nil
		d.mu.Unlock()
		return false, nil
	}

	ip, host, ip6 := details.endpoints()
	if ip != nil && unroutable(ip) && !d.config.AllowPrivateAddresses {
		return false, fmt.Errorf("%w: %s", ErrUnroutable, ip)
	}

	record := Record{
		TCPPort:      details.TCPPort,
		UDPPort:      details.UDPPort,
		IP:           ip,
		Host:         host,
		IPv6:         ip6,
		Nickname:     details.Nickname,
		OnlineStatus: details.OnlineStatus,
	}
	payload := record.Payload()
	encoded, err := wire.Encode(payload)
	if err != nil {
		return false, err
	}

	d.mu.Lock()
	d.current.published = true
	if d.lastPayload != nil && bytes.Equal(d.lastPayload, encoded) &&
		d.tp.Since(d.lastPublishStart) < d.republishPeriodLocked() {
		d.mu.Unlock()
		return false, nil
	}
	d.lastPayload = encoded

	d.statusSeq++
	if d.statusSeq == 0 {
		d.statusSeq++
	}
	seq := int64(d.statusSeq)
	d.current.Sequence = seq
	d.mu.Unlock()

	payload["s"] = seq
	payload["v"] = int64(VersionCurrent)

	signed, err := SignAndInsert(d.config.Signer, payload)
	if err != nil {
		d.publishFailed(err)
		return false, fmt.Errorf("sign status: %w", err)
	}

	d.mu.Lock()
	d.lastPublishStart = d.tp.Now()
	d.mu.Unlock()

	events, err := d.config.Store.Write(ctx, StatusKey(details.PublicKey), signed)
	if err != nil {
		d.publishFailed(err)
		return false, fmt.Errorf("write status: %w", err)
	}

	var (
		written     []dht.Contact
		diversified bool
		timedOut    bool
	)
	for ev := range events {
		switch ev.Kind {
		case dht.ValueWritten:
			written = append(written, ev.Contact)
		case dht.Diversified:
			diversified = true
		case dht.Timeout:
			timedOut = true
		}
	}

	d.mu.Lock()
	d.writeContacts = written
	if diversified {
		d.diversified = true
	}
	d.retrying = false
	d.mu.Unlock()

	if timedOut && len(written) == 0 {
		d.publishFailed(dht.ErrNoNodes)
		return false, fmt.Errorf("write status: timed out")
	}

	logrus.WithFields(logrus.Fields{
		"function":    "publishSupport",
		"network":     d.config.Network,
		"sequence":    seq,
		"contacts":    len(written),
		"diversified": diversified,
	}).Debug("Status publish complete")

	return true, nil
}

// publishFailed schedules one delayed retry of the latest publish.
func (d *Directory) publishFailed(cause error) {
	logrus.WithFields(logrus.Fields{
		"function": "publishFailed",
		"network":  d.config.Network,
		"error":    cause.Error(),
	}).Warn("Failed to publish online status")

	d.mu.Lock()
	defer d.mu.Unlock()

	d.lastPayload = nil
	if d.closed || d.republishRetry != nil || d.retrying {
		return
	}
	d.retrying = true
	d.republishRetry = time.AfterFunc(d.config.RetryDelay, func() {
		d.mu.Lock()
		d.republishRetry = nil
		d.mu.Unlock()
		d.Republish()
	})
}

// scheduleIPRetry re-runs the latest publish after the retry delay. Only
// one retry is pending at a time.
func (d *Directory) scheduleIPRetry() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed || d.ipRetry != nil {
		return
	}
	d.ipRetry = time.AfterFunc(d.config.RetryDelay, func() {
		d.mu.Lock()
		d.ipRetry = nil
		d.mu.Unlock()
		d.Republish()
	})
}

// Lookup reads every record stored for publicKey and returns the newest
// one whose signature verifies.
func (d *Directory) Lookup(ctx context.Context, publicKey []byte) (*LookupResult, error) {
	values, err := d.config.Store.Read(ctx, StatusKey(publicKey), d.config.ReadTimeout)
	if err != nil {
		return nil, err
	}

	var (
		latestTime time.Time
		status     wire.Map
		source     dht.Contact
		seenIPv4   bool
	)
	for v := range values {
		m, err := VerifyAndExtract(v.Data, publicKey)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function":   "Lookup",
				"public_key": crypto.KeyPreview(publicKey),
				"source":     v.Source.String(),
				"error":      err.Error(),
			}).Debug("Discarding presence record")
			continue
		}
		if !v.Source.IPv6() {
			seenIPv4 = true
		}
		if !v.Created.After(latestTime) {
			continue
		}
		status = m
		latestTime = v.Created
		source = v.Source
	}

	if status == nil {
		return nil, ErrNotFound
	}

	// only IPv6 contacts answered: the peer is probably reachable on v6 only
	record, err := ParseRecord(status, !seenIPv4)
	if err != nil {
		return nil, err
	}
	record.PublicKey = append([]byte(nil), publicKey...)

	return &LookupResult{
		Record:  *record,
		Created: latestTime,
		Source:  source,
		Network: d.config.Network,
	}, nil
}

// SetMessagePending leaves a signed marker under the recipient's YGM key
// so it looks us up when it comes online.
func (d *Directory) SetMessagePending(ctx context.Context, recipient []byte) error {
	signed, err := SignAndInsert(d.config.Signer, wire.Map{"r": rand.Int63()})
	if err != nil {
		return err
	}
	envelope, err := wire.Encode(wire.Map{
		"pk": d.config.Signer.PublicKey(),
		"ss": signed,
	})
	if err != nil {
		return err
	}

	events, err := d.config.Store.Write(ctx, YGMKey(recipient), envelope)
	if err != nil {
		return err
	}
	for range events {
	}

	logrus.WithFields(logrus.Fields{
		"function":  "SetMessagePending",
		"recipient": crypto.KeyPreview(recipient),
	}).Debug("Pending message marker written")
	return nil
}

// CheckMessagePending reads the markers left under our YGM key. Markers
// whose signature verifies against the embedded key are flagged
// Verified; whether the writer is a known buddy is up to the caller.
func (d *Directory) CheckMessagePending(ctx context.Context) ([]Marker, error) {
	d.mu.Lock()
	if d.ygmActive {
		d.mu.Unlock()
		return nil, nil
	}
	d.ygmActive = true
	writeBogus := !d.bogusYGMWritten
	d.bogusYGMWritten = true
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		d.ygmActive = false
		d.mu.Unlock()
	}()

	myKey := d.config.Signer.PublicKey()
	values, err := d.config.Store.Read(ctx, YGMKey(myKey), d.config.ReadTimeout)
	if err != nil {
		return nil, err
	}

	var markers []Marker
	for v := range values {
		envelope, err := wire.Decode(v.Data)
		if err != nil {
			continue
		}
		pk, ok := wire.Bytes(envelope, "pk")
		if !ok {
			continue
		}
		marker := Marker{PublicKey: pk, Source: v.Source}
		if ss, ok := wire.Bytes(envelope, "ss"); ok {
			if payload, err := VerifyAndExtract(ss, pk); err == nil {
				if r, ok := wire.Int(payload, "r"); ok {
					marker.Value = r
					marker.Verified = true
				}
			}
		}
		markers = append(markers, marker)
	}

	if writeBogus {
		// an empty envelope keeps the key alive in the store
		envelope, _ := wire.Encode(wire.Map{})
		if events, err := d.config.Store.Write(ctx, YGMKey(myKey), envelope); err == nil {
			for range events {
			}
		}
	}

	return markers, nil
}

// Close cancels pending retries and waits for queued publishes.
func (d *Directory) Close() {
	d.mu.Lock()
	d.closed = true
	if d.ipRetry != nil {
		d.ipRetry.Stop()
		d.ipRetry = nil
	}
	if d.republishRetry != nil {
		d.republishRetry.Stop()
		d.republishRetry = nil
	}
	d.mu.Unlock()

	d.cancel()
	d.dispatcher.Wait()
}
