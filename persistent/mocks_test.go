package persistent

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opd-ai/buddynet/buddy"
	"github.com/opd-ai/buddynet/crypto"
	"github.com/opd-ai/buddynet/messaging"
	"github.com/opd-ai/buddynet/transport"
	"github.com/opd-ai/buddynet/wire"
)

type mockTimeProvider struct {
	mu  sync.Mutex
	now time.Time
}

func newMockTimeProvider() *mockTimeProvider {
	return &mockTimeProvider{now: time.Unix(1700000000, 0)}
}

func (m *mockTimeProvider) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *mockTimeProvider) Since(t time.Time) time.Duration {
	return m.Now().Sub(t)
}

func (m *mockTimeProvider) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mu.Unlock()
}

type staticPersister struct {
	records []buddy.Record
}

func (p *staticPersister) SaveBuddies(records []buddy.Record) error { return nil }

func (p *staticPersister) LoadBuddies() ([]buddy.Record, error) {
	return p.records, nil
}

type peer struct {
	id       *crypto.Identity
	keyring  *crypto.Keyring
	registry *buddy.Registry
}

func newRegistry(t *testing.T, network *transport.MemoryNetwork, addr string, id *crypto.Identity, persister buddy.Persister) *buddy.Registry {
	t.Helper()

	tr, err := network.NewTransport(addr, id.PublicKey())
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })

	cfg := buddy.DefaultRegistryConfig()
	cfg.LocalKey = id.PublicKey()
	cfg.Transport = tr
	cfg.Persister = persister
	r, err := buddy.NewRegistry(cfg)
	require.NoError(t, err)
	require.NoError(t, r.Load())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		r.Close(ctx)
	})
	return r
}

// newPair starts alice and, when bobOnline, a bob that answers AZ2
// requests with reply. Alice knows bob at 10.0.0.2:6881 either way.
func newPair(t *testing.T, bobOnline bool, reply wire.Map) (alice, bob *peer) {
	t.Helper()
	network := transport.NewMemoryNetwork()

	bob = &peer{id: mustIdentity(t)}
	if bobOnline {
		bob.registry = newRegistry(t, network, "10.0.0.2:6881", bob.id, nil)
		bob.registry.RegisterHandler(buddy.RequestHandlerFunc(
			func(from *buddy.Buddy, ss messaging.Subsystem, req wire.Map) (wire.Map, error) {
				return reply, nil
			}))
	}

	alice = &peer{id: mustIdentity(t)}
	alice.keyring = crypto.NewUnlockedKeyring(alice.id)
	alice.registry = newRegistry(t, network, "10.0.0.1:6881", alice.id, &staticPersister{
		records: []buddy.Record{{
			PublicKey: bob.id.PublicKey(),
			Subsystem: messaging.SubsystemAZ2,
			Address:   "10.0.0.2",
			TCPPort:   6881,
		}},
	})
	return alice, bob
}

func newTestHandler(t *testing.T, alice *peer, store Store, tp crypto.TimeProvider) *Handler {
	t.Helper()
	h, err := NewHandler(Config{
		Store:        store,
		Registry:     alice.registry,
		Sealer:       alice.keyring,
		TimeProvider: tp,
		IdleTimeout:  100 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(h.Stop)
	return h
}

func mustIdentity(t *testing.T) *crypto.Identity {
	t.Helper()
	id, err := crypto.GenerateIdentity()
	require.NoError(t, err)
	return id
}

// recorder collects listener callbacks.
type recorder struct {
	mu        sync.Mutex
	confirm   func(n int) bool
	queued    []int64
	deleted   []int64
	succeeded []int64
	failed    map[int64][]error
	replies   []wire.Map
}

func newRecorder() *recorder {
	return &recorder{failed: make(map[int64][]error)}
}

func (r *recorder) MessageQueued(m *Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queued = append(r.queued, m.ID)
}

func (r *recorder) MessageDeleted(m *Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleted = append(r.deleted, m.ID)
}

func (r *recorder) DeliverySucceeded(m *Message, reply wire.Map) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.succeeded = append(r.succeeded, m.ID)
	r.replies = append(r.replies, reply)
	if r.confirm != nil {
		return r.confirm(len(r.succeeded))
	}
	return true
}

func (r *recorder) DeliveryFailed(m *Message, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed[m.ID] = append(r.failed[m.ID], err)
}

func (r *recorder) failures(id int64) []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.failed[id]...)
}

func (r *recorder) successCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.succeeded)
}

func (r *recorder) deletedIDs() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.deleted...)
}
