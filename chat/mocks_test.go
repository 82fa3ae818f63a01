package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opd-ai/buddynet/wire"
)

const (
	waitFor = 5 * time.Second
	tick    = 10 * time.Millisecond
)

var (
	aliceKey = []byte("alice-public-key-0123456789abcdef")
	bobKey   = []byte("bob-public-key-0123456789abcdefgh")
	carolKey = []byte("carol-public-key-0123456789abcdef")
)

// mockIPFilter records bans.
type mockIPFilter struct {
	mu      sync.Mutex
	blocked map[string]string
}

func newMockIPFilter() *mockIPFilter {
	return &mockIPFilter{blocked: make(map[string]string)}
}

func (f *mockIPFilter) Ban(host, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blocked[host] = reason
}

func (f *mockIPFilter) Unban(host string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.blocked, host)
}

func (f *mockIPFilter) IsBlocked(host string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.blocked[host]
	return ok
}

// flakySync fails the first failures binds and can hand out read-only
// bindings.
type flakySync struct {
	*MemorySync

	mu       sync.Mutex
	failures int
	binds    int
	readOnly bool
}

func (s *flakySync) Bind(ctx context.Context, opts BindOptions, l Listener) (*Binding, error) {
	s.mu.Lock()
	s.binds++
	if s.failures > 0 {
		s.failures--
		s.mu.Unlock()
		return nil, errors.New("sync not ready")
	}
	readOnly := s.readOnly
	s.mu.Unlock()

	b, err := s.MemorySync.Bind(ctx, opts, l)
	if err != nil {
		return nil, err
	}
	b.ReadOnly = readOnly
	return b, nil
}

func (s *flakySync) bindCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.binds
}

type managerOption func(*ManagerConfig)

func withMaxHistory(n int) managerOption {
	return func(c *ManagerConfig) { c.MaxHistory = n }
}

func withIPFilter(f IPFilter) managerOption {
	return func(c *ManagerConfig) { c.IPFilter = f }
}

func withSortDelay(d time.Duration) managerOption {
	return func(c *ManagerConfig) { c.SortDelay = d }
}

func newTestManager(t *testing.T, ms MessageSync, nickname string, opts ...managerOption) *Manager {
	t.Helper()
	config := ManagerConfig{
		Sync:           ms,
		Nickname:       nickname,
		UpdateInterval: time.Hour,
		SortDelay:      time.Hour,
		BindTimeout:    time.Second,
	}
	for _, opt := range opts {
		opt(&config)
	}
	m, err := NewManager(config)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func newTestChat(t *testing.T, m *Manager, key string) *Instance {
	t.Helper()
	c, err := m.GetChat(context.Background(), NetworkPublic, key)
	require.NoError(t, err)
	require.NotNil(t, c.Binding())
	return c
}

// rawMessage builds a message map as the sync service delivers it.
func rawMessage(t *testing.T, pk []byte, address string, payload wire.Map) wire.Map {
	t.Helper()
	content, err := wire.Encode(payload)
	require.NoError(t, err)
	return wire.Map{
		"id":      MessageID(pk, content),
		"pk":      pk,
		"address": address,
		"age":     int64(0),
		"content": content,
	}
}

func textMessage(t *testing.T, pk []byte, nick, text string) wire.Map {
	t.Helper()
	payload := wire.Map{"msg": text, "seq": int64(1)}
	if nick != "" {
		payload["nick"] = nick
	}
	return rawMessage(t, pk, "10.0.0.9:27001", payload)
}

// recorder collects instance events.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func record(c *Instance) *recorder {
	r := &recorder{}
	c.Events().Subscribe(func(e Event) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.events = append(r.events, e)
	})
	return r
}

func (r *recorder) kinds(kind EventKind) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func texts(messages []*Message) []string {
	out := make([]string, 0, len(messages))
	for _, m := range messages {
		out = append(out, m.Text())
	}
	return out
}
