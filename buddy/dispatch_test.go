package buddy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/buddynet/limits"
	"github.com/opd-ai/buddynet/messaging"
	"github.com/opd-ai/buddynet/presence"
	"github.com/opd-ai/buddynet/transport"
	"github.com/opd-ai/buddynet/wire"
)

func TestRequestReplyRoundTrip(t *testing.T) {
	network := transport.NewMemoryNetwork()
	alice := newTestNode(t, network, "10.0.0.1")
	bob := newTestNode(t, network, "10.0.0.2")
	bob.registry.RegisterHandler(echoHandler())

	b := alice.befriend(t, bob)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	reply, err := b.Request(ctx, messaging.SubsystemAZ2, wire.Map{"v": "hello"}, 5*time.Second)
	require.NoError(t, err)
	echo, _ := wire.String(reply, "echo")
	assert.Equal(t, "hello", echo)

	assert.True(t, b.Online())
	assert.True(t, b.Connected())

	// bob tracks alice as an unauthorized buddy
	seen := bob.registry.Buddy(alice.publicKey())
	require.NotNil(t, seen)
	assert.False(t, seen.Authorized())
}

func TestErrorReplyIsNotRetried(t *testing.T) {
	network := transport.NewMemoryNetwork()
	alice := newTestNode(t, network, "10.0.0.1")
	bob := newTestNode(t, network, "10.0.0.2")

	calls := 0
	bob.registry.RegisterHandler(RequestHandlerFunc(func(*Buddy, messaging.Subsystem, wire.Map) (wire.Map, error) {
		calls++
		return nil, errors.New("nope")
	}))

	b := alice.befriend(t, bob)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	msg, err := b.SendMessage(ctx, messaging.SubsystemAZ2, wire.Map{"v": "x"}, 5*time.Second, nil)
	require.NoError(t, err)
	_, err = msg.Wait(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nope")
	assert.False(t, messaging.Retryable(err))
	assert.Equal(t, messaging.StateFailed, msg.State())
	assert.Equal(t, 1, calls)
}

func TestNoHandlerRepliesWithError(t *testing.T) {
	network := transport.NewMemoryNetwork()
	alice := newTestNode(t, network, "10.0.0.1")
	bob := newTestNode(t, network, "10.0.0.2")

	b := alice.befriend(t, bob)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := b.Request(ctx, messaging.SubsystemAZ3, wire.Map{}, 5*time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no handlers available")
}

func TestInternalPing(t *testing.T) {
	network := transport.NewMemoryNetwork()
	alice := newTestNode(t, network, "10.0.0.1")
	bob := newTestNode(t, network, "10.0.0.2")

	b := alice.befriend(t, bob)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	reply, err := b.Request(ctx, messaging.SubsystemInternal, wire.Map{"type": int64(InternalPingRequest)}, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(InternalPingReply), wire.IntOr(reply, "type", 0))
}

func TestCloseRequestMarksBuddyOffline(t *testing.T) {
	network := transport.NewMemoryNetwork()
	alice := newTestNode(t, network, "10.0.0.1")
	bob := newTestNode(t, network, "10.0.0.2")
	bob.registry.RegisterHandler(echoHandler())

	b := alice.befriend(t, bob)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := b.Request(ctx, messaging.SubsystemAZ2, wire.Map{"v": "x"}, 5*time.Second)
	require.NoError(t, err)
	require.True(t, b.Online())

	aliceAtBob := bob.registry.Buddy(alice.publicKey())
	require.NotNil(t, aliceAtBob)
	aliceAtBob.SendClose(false)

	assert.Eventually(t, func() bool { return !b.Online() }, 2*time.Second, 10*time.Millisecond)
	for _, c := range b.Connections() {
		assert.True(t, c.IsRemoteClosing())
	}
}

func TestAtMostOneActiveMessage(t *testing.T) {
	network := transport.NewMemoryNetwork()
	alice := newTestNode(t, network, "10.0.0.1")
	bob := newTestNode(t, network, "10.0.0.2")

	release := make(chan struct{})
	bob.registry.RegisterHandler(RequestHandlerFunc(func(_ *Buddy, _ messaging.Subsystem, req wire.Map) (wire.Map, error) {
		<-release
		return wire.Map{}, nil
	}))

	b := alice.befriend(t, bob)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var msgs []*messaging.Message
	for i := 0; i < 3; i++ {
		msg, err := b.SendMessage(ctx, messaging.SubsystemAZ2, wire.Map{"n": int64(i)}, 5*time.Second, nil)
		require.NoError(t, err)
		msgs = append(msgs, msg)
	}

	require.Eventually(t, func() bool { return msgs[0].State() == messaging.StateActive }, 2*time.Second, 10*time.Millisecond)

	active := 0
	for _, c := range b.Connections() {
		if c.IsActive() {
			active++
		}
	}
	assert.Equal(t, 1, active)
	assert.Equal(t, 2, b.QueueLength())
	assert.Equal(t, messaging.StateQueued, msgs[1].State())

	close(release)
	for _, msg := range msgs {
		_, err := msg.Wait(ctx)
		require.NoError(t, err)
	}
	assert.Equal(t, 0, b.QueueLength())
}

func TestQueueCapacity(t *testing.T) {
	network := transport.NewMemoryNetwork()
	alice := newTestNode(t, network, "10.0.0.1")
	b := alice.befriend(t, &testNode{id: mustIdentity(t), host: "10.0.0.9", port: 6881})

	// a closing buddy keeps every message queued
	b.mu.Lock()
	b.closing = true
	b.mu.Unlock()

	ctx := context.Background()
	for i := 0; i < limits.MaxQueuedMessages; i++ {
		_, err := b.SendMessage(ctx, messaging.SubsystemAZ2, wire.Map{}, time.Minute, nil)
		require.NoError(t, err)
	}
	assert.Equal(t, limits.MaxQueuedMessages, b.QueueLength())

	_, err := b.SendMessage(ctx, messaging.SubsystemAZ2, wire.Map{}, time.Minute, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, messaging.ErrCapacityExceeded))
}

func TestQueuedMessageExpires(t *testing.T) {
	network := transport.NewMemoryNetwork()
	clock := newMockTimeProvider()
	alice := newTestNodeWith(t, network, "10.0.0.1", RegistryConfig{TimeProvider: clock})
	b := alice.befriend(t, &testNode{id: mustIdentity(t), host: "10.0.0.9", port: 6881})

	b.mu.Lock()
	b.closing = true
	b.mu.Unlock()

	failed := make(chan error, 1)
	msg, err := b.SendMessage(context.Background(), messaging.SubsystemAZ2, wire.Map{}, time.Second, messaging.ListenerFuncs{
		OnFailure: func(_ *messaging.Message, err error) { failed <- err },
	})
	require.NoError(t, err)
	require.Equal(t, 1, b.QueueLength())

	clock.Advance(500 * time.Millisecond)
	b.CheckTimeouts(clock.Now())
	assert.Equal(t, 1, b.QueueLength())

	clock.Advance(time.Second)
	b.CheckTimeouts(clock.Now())
	assert.Equal(t, 0, b.QueueLength())

	select {
	case err := <-failed:
		assert.True(t, errors.Is(err, messaging.ErrTimeout))
	case <-time.After(time.Second):
		t.Fatal("listener not notified")
	}
	assert.Equal(t, messaging.StateFailed, msg.State())
}

func TestTransientBuddyRestrictions(t *testing.T) {
	network := transport.NewMemoryNetwork()
	alice := newTestNode(t, network, "10.0.0.1")

	b, err := alice.registry.AddTransient(mustIdentity(t).PublicKey(), messaging.SubsystemAZ2)
	require.NoError(t, err)
	require.True(t, b.Transient())
	setEndpoint(b, "10.0.0.9", 6881)

	b.mu.Lock()
	b.closing = true
	b.mu.Unlock()

	ctx := context.Background()
	_, err = b.SendMessage(ctx, messaging.SubsystemAZ2, wire.Map{"type": int64(2)}, time.Minute, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "transient")

	_, err = b.SendMessage(ctx, messaging.SubsystemAZ3, wire.Map{"type": int64(AZ2ProfileInfoRequest)}, time.Minute, nil)
	require.Error(t, err)

	_, err = b.SendMessage(ctx, messaging.SubsystemAZ2, wire.Map{"type": int64(AZ2ProfileInfoRequest)}, time.Minute, nil)
	require.NoError(t, err)
}

func TestUnreachableBuddyFailsAfterRetry(t *testing.T) {
	network := transport.NewMemoryNetwork()
	alice := newTestNode(t, network, "10.0.0.1")
	b := alice.befriend(t, &testNode{id: mustIdentity(t), host: "10.0.0.9", port: 6881})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	msg, err := b.SendMessage(ctx, messaging.SubsystemAZ2, wire.Map{}, 5*time.Second, nil)
	require.NoError(t, err)
	_, err = msg.Wait(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, messaging.ErrUnavailable))
	assert.Equal(t, 1, msg.RetryCount())
	assert.Equal(t, 2, b.Status().ConsecFails())
}

func TestDestroyFailsQueuedMessages(t *testing.T) {
	network := transport.NewMemoryNetwork()
	alice := newTestNode(t, network, "10.0.0.1")
	b := alice.befriend(t, &testNode{id: mustIdentity(t), host: "10.0.0.9", port: 6881})

	b.mu.Lock()
	b.closing = true
	b.mu.Unlock()

	msg, err := b.SendMessage(context.Background(), messaging.SubsystemAZ2, wire.Map{}, time.Minute, nil)
	require.NoError(t, err)

	require.True(t, alice.registry.RemoveBuddy(b.PublicKey()))
	assert.Equal(t, messaging.StateFailed, msg.State())
	assert.Contains(t, msg.Err().Error(), "destroyed")
}

func TestDestroyDuringDialFailsMessage(t *testing.T) {
	r, tr := newGatedRegistry(t, RegistryConfig{})
	b := addPeer(t, r, "10.0.0.9")

	msg, err := b.SendMessage(context.Background(), messaging.SubsystemAZ2, wire.Map{}, time.Minute, nil)
	require.NoError(t, err)
	tr.waitDial(t)
	assert.Equal(t, messaging.StateDispatching, msg.State(), "SendMessage returns while dialing")

	require.True(t, r.RemoveBuddy(b.PublicKey()))
	assert.Equal(t, messaging.StateFailed, msg.State())
	assert.Contains(t, msg.Err().Error(), "destroyed")

	tr.results <- nil
	require.Eventually(t, func() bool {
		links := tr.dialed()
		return len(links) == 1 && links[0].closed()
	}, 2*time.Second, 10*time.Millisecond, "late link must be closed")
	assert.Empty(t, b.Connections())
}

func TestCheckTimeoutsExpiresStalledDial(t *testing.T) {
	clock := newMockTimeProvider()
	r, tr := newGatedRegistry(t, RegistryConfig{TimeProvider: clock})
	b := addPeer(t, r, "10.0.0.9")

	failed := make(chan error, 1)
	msg, err := b.SendMessage(context.Background(), messaging.SubsystemAZ2, wire.Map{}, time.Minute, messaging.ListenerFuncs{
		OnFailure: func(_ *messaging.Message, err error) { failed <- err },
	})
	require.NoError(t, err)
	tr.waitDial(t)

	clock.Advance(2 * time.Minute)
	b.CheckTimeouts(clock.Now())

	select {
	case err := <-failed:
		assert.True(t, errors.Is(err, messaging.ErrTimeout))
	case <-time.After(time.Second):
		t.Fatal("listener not notified")
	}
	assert.Equal(t, messaging.StateFailed, msg.State())
	assert.Equal(t, 0, b.QueueLength())
}

func TestSweepDoesNotWaitForDial(t *testing.T) {
	clock := newMockTimeProvider()
	r, tr := newGatedRegistry(t, RegistryConfig{TimeProvider: clock})

	// online with an address and no connections: due a keep-alive dial
	reachable := addPeer(t, r, "10.0.0.9")
	reachable.status.Connected(presence.StatusOnline, 0, clock.Now())

	closing := addPeer(t, r, "10.0.0.10")
	closing.mu.Lock()
	closing.closing = true
	closing.mu.Unlock()
	msg, err := closing.SendMessage(context.Background(), messaging.SubsystemAZ2, wire.Map{}, time.Millisecond, nil)
	require.NoError(t, err)

	clock.Advance(time.Second)
	done := make(chan struct{})
	go func() {
		r.Sweep(clock.Now())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Sweep blocked on a dial")
	}
	tr.waitDial(t)
	assert.Equal(t, messaging.StateFailed, msg.State())
	assert.True(t, errors.Is(msg.Err(), messaging.ErrTimeout))
}

func TestDialPastDeadlineTimesOut(t *testing.T) {
	r, tr := newGatedRegistry(t, RegistryConfig{})
	b := addPeer(t, r, "10.0.0.9")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	msg, err := b.SendMessage(ctx, messaging.SubsystemAZ2, wire.Map{}, 200*time.Millisecond, nil)
	require.NoError(t, err)
	tr.waitDial(t)

	_, err = msg.Wait(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, messaging.ErrTimeout), "got %v", err)
	assert.False(t, errors.Is(err, messaging.ErrUnavailable))
	assert.Equal(t, messaging.StateFailed, msg.State())
	assert.Equal(t, 0, b.QueueLength())
}

func TestTerminalFailureWarnsQueuedMessages(t *testing.T) {
	r, tr := newGatedRegistry(t, RegistryConfig{})
	b := addPeer(t, r, "10.0.0.9")
	ctx := context.Background()

	first, err := b.SendMessage(ctx, messaging.SubsystemAZ2, wire.Map{"n": int64(1)}, time.Minute, nil)
	require.NoError(t, err)
	tr.waitDial(t)

	warned := make(chan error, 1)
	second, err := b.SendMessage(ctx, messaging.SubsystemAZ2, wire.Map{"n": int64(2)}, time.Minute, messaging.ListenerFuncs{
		OnProbableFailure: func(_ *messaging.Message, cause error) { warned <- cause },
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return b.QueueLength() == 1 }, time.Second, 5*time.Millisecond)

	// the first dial and its single retry are both refused
	refused := errors.New("connection refused")
	tr.results <- refused
	tr.results <- refused

	select {
	case cause := <-warned:
		assert.Contains(t, cause.Error(), "connection refused")
	case <-time.After(2 * time.Second):
		t.Fatal("queued message was not warned")
	}
	assert.Equal(t, messaging.StateFailed, first.State())
	assert.Equal(t, 1, first.RetryCount())

	// the warned message goes on to its own dial untouched
	require.Eventually(t, func() bool { return second.State() == messaging.StateDispatching }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, second.RetryCount())
	assert.Nil(t, second.Err())
}
