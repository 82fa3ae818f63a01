package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/buddynet/buddy"
	"github.com/opd-ai/buddynet/messaging"
	"github.com/opd-ai/buddynet/persistent"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(DriverSQLite, filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open("mysql", "x")
	assert.ErrorIs(t, err, ErrUnknownDriver)
}

func TestRebind(t *testing.T) {
	tests := []struct {
		name    string
		dialect dialect
		want    string
	}{
		{"sqlite", dialects[DriverSQLite], "SELECT a FROM t WHERE b = ? AND c = ?"},
		{"postgres", dialects[DriverPostgres], "SELECT a FROM t WHERE b = $1 AND c = $2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.dialect.rebind("SELECT a FROM t WHERE b = ? AND c = ?"))
		})
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Migrate(context.Background()))
}

func TestBuddiesRoundTrip(t *testing.T) {
	s := openTestStore(t)

	online := time.UnixMilli(1700000000123)
	records := []buddy.Record{
		{
			PublicKey:       []byte{1, 2, 3},
			Subsystem:       messaging.SubsystemAZ2,
			Nickname:        "alice",
			Address:         "192.0.2.1",
			TCPPort:         6881,
			UDPPort:         6882,
			Version:         2,
			LastTimeOnline:  online,
			LocalCategories: []string{"friends", "work"},
			YGMMarkers:      []int64{-5, 42},
		},
		{PublicKey: []byte{4, 5, 6}, Subsystem: messaging.SubsystemAZ3},
	}
	require.NoError(t, s.SaveBuddies(records))

	loaded, err := s.LoadBuddies()
	require.NoError(t, err)
	require.Len(t, loaded, 2)

	byKey := map[string]buddy.Record{}
	for _, r := range loaded {
		byKey[string(r.PublicKey)] = r
	}
	a := byKey[string([]byte{1, 2, 3})]
	assert.Equal(t, "alice", a.Nickname)
	assert.Equal(t, 6881, a.TCPPort)
	assert.Equal(t, 6882, a.UDPPort)
	assert.True(t, online.Equal(a.LastTimeOnline))
	assert.True(t, a.LastMessageReceived.IsZero())
	assert.Equal(t, []string{"friends", "work"}, a.LocalCategories)
	assert.Equal(t, []int64{-5, 42}, a.YGMMarkers)

	b := byKey[string([]byte{4, 5, 6})]
	assert.Equal(t, messaging.SubsystemAZ3, b.Subsystem)
	assert.Empty(t, b.LocalCategories)

	// Saving again replaces the list.
	require.NoError(t, s.SaveBuddies(records[1:]))
	loaded, err = s.LoadBuddies()
	require.NoError(t, err)
	assert.Len(t, loaded, 1)
}

func newEntry(pk []byte, queue persistent.Queue) *persistent.Entry {
	return &persistent.Entry{
		Buddy:     pk,
		Queue:     queue,
		Subsystem: messaging.SubsystemAZ2,
		Timeout:   90 * time.Second,
		Created:   time.UnixMilli(1700000000000),
		SealedBy:  []byte("me"),
		Request:   []byte("sealed"),
	}
}

func TestMessageQueues(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	alice, bob := []byte("alice"), []byte("bob")

	for i := 0; i < 3; i++ {
		require.NoError(t, s.AddEntry(ctx, newEntry(alice, persistent.QueueMessages)))
	}
	e := newEntry(bob, persistent.QueueMessages)
	require.NoError(t, s.AddEntry(ctx, e))
	assert.Equal(t, int64(1), e.ID, "ids are per buddy")

	entries, err := s.Entries(ctx, alice, persistent.QueueMessages)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, int64(1), entries[0].ID)
	assert.Equal(t, 90*time.Second, entries[0].Timeout)
	assert.Equal(t, []byte("sealed"), entries[0].Request)
	assert.Nil(t, entries[0].Reply)

	require.NoError(t, s.MoveEntry(ctx, alice, 1, persistent.QueuePendingSuccess, []byte("reply")))
	pending, err := s.Entries(ctx, alice, persistent.QueuePendingSuccess)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, []byte("reply"), pending[0].Reply)

	entries, err = s.Entries(ctx, alice, persistent.QueueMessages)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	require.NoError(t, s.DeleteEntry(ctx, alice, 2))
	assert.ErrorIs(t, s.DeleteEntry(ctx, alice, 2), persistent.ErrNotFound)
	assert.ErrorIs(t, s.MoveEntry(ctx, alice, 99, persistent.QueueMessages, nil), persistent.ErrNotFound)

	// The next id follows the highest remaining one.
	next := newEntry(alice, persistent.QueueMessages)
	require.NoError(t, s.AddEntry(ctx, next))
	assert.Equal(t, int64(4), next.ID)

	buddies, err := s.PendingBuddies(ctx)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{alice, bob}, buddies)

	require.NoError(t, s.DeleteBuddy(ctx, alice))
	buddies, err = s.PendingBuddies(ctx)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{bob}, buddies)
}

func TestExplicitEntriesAreNotPending(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AddEntry(ctx, newEntry([]byte("carol"), persistent.QueueExplicit)))

	buddies, err := s.PendingBuddies(ctx)
	require.NoError(t, err)
	assert.Empty(t, buddies)
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keep.db")
	ctx := context.Background()

	s, err := Open(DriverSQLite, path)
	require.NoError(t, err)
	require.NoError(t, s.AddEntry(ctx, newEntry([]byte("dave"), persistent.QueueMessages)))
	require.NoError(t, s.SaveBuddies([]buddy.Record{{PublicKey: []byte("dave")}}))
	require.NoError(t, s.Close())

	s, err = Open(DriverSQLite, path)
	require.NoError(t, err)
	defer s.Close()

	entries, err := s.Entries(ctx, []byte("dave"), persistent.QueueMessages)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	records, err := s.LoadBuddies()
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestBanList(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	l, err := NewBanList(ctx, s)
	require.NoError(t, err)
	assert.False(t, l.IsBlocked("192.0.2.7"))

	l.Ban("192.0.2.7", "spammer")
	l.Ban("192.0.2.8", "spammer")
	l.Ban("192.0.2.7", "flood")
	assert.True(t, l.IsBlocked("192.0.2.7"))

	reloaded, err := NewBanList(ctx, s)
	require.NoError(t, err)
	assert.True(t, reloaded.IsBlocked("192.0.2.7"))
	assert.True(t, reloaded.IsBlocked("192.0.2.8"))

	bans, err := s.Bans(ctx)
	require.NoError(t, err)
	require.Len(t, bans, 2)
	assert.Equal(t, "flood", bans[0].Reason)

	l.Unban("192.0.2.7")
	l.Unban("192.0.2.9")
	assert.False(t, l.IsBlocked("192.0.2.7"))

	bans, err = s.Bans(ctx)
	require.NoError(t, err)
	require.Len(t, bans, 1)
	assert.Equal(t, "192.0.2.8", bans[0].Host)
}
