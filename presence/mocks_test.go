package presence

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opd-ai/buddynet/crypto"
	"github.com/opd-ai/buddynet/dht"
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

// lockedSigner fails every signature as a locked keyring does.
type lockedSigner struct {
	pk []byte
}

func (s lockedSigner) PublicKey() []byte { return s.pk }

func (s lockedSigner) Sign([]byte) ([]byte, error) {
	return nil, crypto.ErrPasswordRequired
}

func newTestKeyring(t *testing.T) *crypto.Keyring {
	t.Helper()
	id, err := crypto.GenerateIdentity()
	require.NoError(t, err)
	return crypto.NewUnlockedKeyring(id)
}

type testDirectory struct {
	*Directory
	store  *dht.MemoryStore
	clock  *mockTimeProvider
	signer *crypto.Keyring
}

func newTestDirectory(t *testing.T) *testDirectory {
	t.Helper()
	clock := newMockTimeProvider()
	store := dht.NewMemoryStore(dht.MemoryConfig{TimeProvider: clock})
	signer := newTestKeyring(t)

	d, err := NewDirectory(Config{
		Store:                 store,
		Signer:                signer,
		TimeProvider:          clock,
		AllowPrivateAddresses: true,
	})
	require.NoError(t, err)
	t.Cleanup(d.Close)

	return &testDirectory{Directory: d, store: store, clock: clock, signer: signer}
}

func enabledDetails(addresses ...string) PublishDetails {
	return PublishDetails{
		Enabled:      true,
		Addresses:    addresses,
		TCPPort:      6881,
		UDPPort:      6882,
		Nickname:     "alice",
		OnlineStatus: StatusOnline,
	}
}

func mustParseIP(t *testing.T, s string) net.IP {
	t.Helper()
	ip := net.ParseIP(s)
	require.NotNil(t, ip)
	return ip
}

// orderedStore answers every read with its values in the given order.
type orderedStore struct {
	values []dht.Value
}

func (s *orderedStore) Write(ctx context.Context, key, value []byte) (<-chan dht.WriteEvent, error) {
	events := make(chan dht.WriteEvent, 1)
	events <- dht.WriteEvent{Kind: dht.Complete}
	close(events)
	return events, nil
}

func (s *orderedStore) Read(ctx context.Context, key []byte, timeout time.Duration) (<-chan dht.Value, error) {
	out := make(chan dht.Value, len(s.values))
	for _, v := range s.values {
		out <- v
	}
	close(out)
	return out, nil
}

func (s *orderedStore) Delete(ctx context.Context, key []byte, contacts []dht.Contact) error {
	return nil
}
