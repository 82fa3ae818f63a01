package persistent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/buddynet/crypto"
	"github.com/opd-ai/buddynet/messaging"
	"github.com/opd-ai/buddynet/wire"
)

const waitFor = 5 * time.Second
const tick = 10 * time.Millisecond

func TestNewHandlerRequiresDependencies(t *testing.T) {
	_, err := NewHandler(Config{Store: NewMemoryStore()})
	assert.Error(t, err)
}

func TestQueueDeliversAndDeletes(t *testing.T) {
	alice, bob := newPair(t, true, wire.Map{"ok": int64(1)})
	store := NewMemoryStore()
	h := newTestHandler(t, alice, store, nil)

	rec := newRecorder()
	h.AddListener(rec)

	msg, err := h.Queue(context.Background(), bob.id.PublicKey(), messaging.SubsystemAZ2, wire.Map{"v": "hello"}, waitFor)
	require.NoError(t, err)
	assert.Equal(t, int64(1), msg.ID)

	req, err := msg.Request()
	require.NoError(t, err)
	v, _ := wire.String(req, "v")
	assert.Equal(t, "hello", v)

	require.Eventually(t, func() bool {
		return len(rec.deletedIDs()) == 1
	}, waitFor, tick)

	assert.Equal(t, 1, rec.successCount())
	n, err := h.MessageCount(context.Background(), bob.id.PublicKey())
	require.NoError(t, err)
	assert.Zero(t, n)

	ok, _ := wire.Int(rec.replies[0], "ok")
	assert.Equal(t, int64(1), ok)
}

func TestMessagesDeliveredInOrder(t *testing.T) {
	alice, bob := newPair(t, true, wire.Map{})
	h := newTestHandler(t, alice, NewMemoryStore(), nil)

	rec := newRecorder()
	h.AddListener(rec)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := h.Queue(ctx, bob.id.PublicKey(), messaging.SubsystemAZ2, wire.Map{"n": int64(i)}, waitFor)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		return rec.successCount() == 3
	}, waitFor, tick)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, []int64{1, 2, 3}, rec.succeeded)
	assert.Equal(t, []int64{1, 2, 3}, rec.queued)
}

func TestUnconfirmedReplyKeptUntilConfirmed(t *testing.T) {
	alice, bob := newPair(t, true, wire.Map{"ok": int64(1)})
	store := NewMemoryStore()
	tp := newMockTimeProvider()
	h := newTestHandler(t, alice, store, tp)

	rec := newRecorder()
	rec.confirm = func(n int) bool { return n > 1 }
	h.AddListener(rec)

	ctx := context.Background()
	_, err := h.Queue(ctx, bob.id.PublicKey(), messaging.SubsystemAZ2, wire.Map{}, waitFor)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		pending, _ := store.Entries(ctx, bob.id.PublicKey(), QueuePendingSuccess)
		return len(pending) == 1
	}, waitFor, tick)
	assert.Empty(t, rec.deletedIDs())

	pending, err := store.Entries(ctx, bob.id.PublicKey(), QueuePendingSuccess)
	require.NoError(t, err)
	stored := h.message(pending[0])
	reply, err := stored.Reply()
	require.NoError(t, err)
	ok, _ := wire.Int(reply, "ok")
	assert.Equal(t, int64(1), ok)

	// Not due yet.
	h.CheckDispatch(tp.Now().Add(time.Minute))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, rec.successCount())

	tp.Advance(DefaultRetryPeriod + time.Second)
	h.CheckDispatch(tp.Now())

	require.Eventually(t, func() bool {
		return len(rec.deletedIDs()) == 1
	}, waitFor, tick)
	assert.Equal(t, 2, rec.successCount())

	buddies, err := store.PendingBuddies(ctx)
	require.NoError(t, err)
	assert.Empty(t, buddies)
}

func TestLockedKeyringKeepsMessage(t *testing.T) {
	alice, bob := newPair(t, true, wire.Map{})
	store := NewMemoryStore()
	h := newTestHandler(t, alice, store, nil)

	rec := newRecorder()
	h.AddListener(rec)

	alice.keyring.Lock()

	msg, err := h.Queue(context.Background(), bob.id.PublicKey(), messaging.SubsystemAZ2, wire.Map{}, waitFor)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(rec.failures(msg.ID)) == 1
	}, waitFor, tick)
	assert.ErrorIs(t, rec.failures(msg.ID)[0], crypto.ErrPasswordRequired)

	n, err := h.MessageCount(context.Background(), bob.id.PublicKey())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Zero(t, rec.successCount())
}

func TestChangedKeyDeletesMessage(t *testing.T) {
	alice, bob := newPair(t, true, wire.Map{})
	store := NewMemoryStore()
	h := newTestHandler(t, alice, store, nil)

	rec := newRecorder()
	h.AddListener(rec)

	ctx := context.Background()
	other := crypto.NewUnlockedKeyring(mustIdentity(t))
	sealed, err := other.Seal([]byte("d1:v1:xe"))
	require.NoError(t, err)

	entry := &Entry{
		Buddy:     bob.id.PublicKey(),
		Queue:     QueueMessages,
		Subsystem: messaging.SubsystemAZ2,
		Timeout:   waitFor,
		SealedBy:  other.PublicKey(),
		Request:   sealed,
	}
	require.NoError(t, store.AddEntry(ctx, entry))

	h.DispatchPending(bob.id.PublicKey())

	require.Eventually(t, func() bool {
		return len(rec.deletedIDs()) == 1
	}, waitFor, tick)

	failures := rec.failures(entry.ID)
	require.Len(t, failures, 1)
	assert.ErrorIs(t, failures[0], ErrKeyChanged)
	assert.Zero(t, rec.successCount())
}

func TestFailureReportsProbableFailureAndRetries(t *testing.T) {
	alice, bob := newPair(t, false, nil)
	store := NewMemoryStore()
	tp := newMockTimeProvider()
	h := newTestHandler(t, alice, store, tp)

	rec := newRecorder()
	h.AddListener(rec)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		e, err := h.newEntry(bob.id.PublicKey(), QueueMessages, messaging.SubsystemAZ2, wire.Map{"n": int64(i)}, waitFor)
		require.NoError(t, err)
		require.NoError(t, store.AddEntry(ctx, e))
	}

	h.DispatchPending(bob.id.PublicKey())

	require.Eventually(t, func() bool {
		return len(rec.failures(1)) == 1 && len(rec.failures(2)) == 1
	}, waitFor, tick)
	assert.True(t, errors.Is(rec.failures(1)[0], messaging.ErrUnavailable))
	assert.ErrorIs(t, rec.failures(2)[0], ErrProbableFailure)

	n, err := h.MessageCount(ctx, bob.id.PublicKey())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// Nothing happens before the retry period has passed.
	h.CheckDispatch(tp.Now().Add(time.Minute))
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, rec.failures(1), 1)

	tp.Advance(DefaultRetryPeriod)
	h.CheckDispatch(tp.Now())

	require.Eventually(t, func() bool {
		return len(rec.failures(1)) == 2
	}, waitFor, tick)
}

func TestExplicitMessages(t *testing.T) {
	alice, bob := newPair(t, false, nil)
	store := NewMemoryStore()
	h := newTestHandler(t, alice, store, nil)

	ctx := context.Background()
	pk := bob.id.PublicKey()

	_, err := h.StoreExplicit(ctx, pk, 3, wire.Map{"note": "a"})
	require.NoError(t, err)
	_, err = h.StoreExplicit(ctx, pk, 4, wire.Map{"note": "b"})
	require.NoError(t, err)

	msgs, err := h.RetrieveExplicit(ctx, pk, 3)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, messaging.SubsystemExplicitBase+3, msgs[0].Subsystem)

	req, err := msgs[0].Request()
	require.NoError(t, err)
	note, _ := wire.String(req, "note")
	assert.Equal(t, "a", note)

	pending, err := store.PendingBuddies(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	require.NoError(t, msgs[0].Delete(ctx))
	msgs, err = h.RetrieveExplicit(ctx, pk, 3)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestRemovedBuddyDropsMessages(t *testing.T) {
	alice, bob := newPair(t, false, nil)
	store := NewMemoryStore()
	h := newTestHandler(t, alice, store, nil)
	require.NoError(t, h.Start())

	ctx := context.Background()
	_, err := h.StoreExplicit(ctx, bob.id.PublicKey(), 1, wire.Map{})
	require.NoError(t, err)

	require.True(t, alice.registry.RemoveBuddy(bob.id.PublicKey()))

	msgs, err := h.RetrieveExplicit(ctx, bob.id.PublicKey(), 1)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestStartResumesStoredMessages(t *testing.T) {
	alice, bob := newPair(t, true, wire.Map{})
	store := NewMemoryStore()

	ctx := context.Background()
	seed := newTestHandler(t, alice, store, nil)
	e, err := seed.newEntry(bob.id.PublicKey(), QueueMessages, messaging.SubsystemAZ2, wire.Map{}, waitFor)
	require.NoError(t, err)
	require.NoError(t, store.AddEntry(ctx, e))

	h := newTestHandler(t, alice, store, nil)
	rec := newRecorder()
	h.AddListener(rec)
	require.NoError(t, h.Start())

	require.Eventually(t, func() bool {
		return len(rec.deletedIDs()) == 1
	}, waitFor, tick)
}

func TestQueueAfterStop(t *testing.T) {
	alice, bob := newPair(t, false, nil)
	h := newTestHandler(t, alice, NewMemoryStore(), nil)
	require.NoError(t, h.Start())
	h.Stop()

	_, err := h.Queue(context.Background(), bob.id.PublicKey(), messaging.SubsystemAZ2, wire.Map{}, waitFor)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestRemoveListener(t *testing.T) {
	alice, bob := newPair(t, false, nil)
	h := newTestHandler(t, alice, NewMemoryStore(), nil)

	rec := newRecorder()
	remove := h.AddListener(rec)
	other := h.AddListener(ListenerFuncs{})
	remove()
	other()

	_, err := h.StoreExplicit(context.Background(), bob.id.PublicKey(), 1, wire.Map{})
	require.NoError(t, err)
	assert.Empty(t, h.snapshotListeners())
}
