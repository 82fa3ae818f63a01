package buddy

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/buddynet/limits"
	"github.com/opd-ai/buddynet/messaging"
	"github.com/opd-ai/buddynet/transport"
	"github.com/opd-ai/buddynet/wire"
)

func TestAddBuddyValidation(t *testing.T) {
	alice := newTestNode(t, transport.NewMemoryNetwork(), "10.0.0.1")

	_, err := alice.registry.AddBuddy([]byte("short"), messaging.SubsystemAZ2, true)
	assert.ErrorIs(t, err, ErrInvalidKey)

	_, err = alice.registry.AddBuddy(alice.publicKey(), messaging.SubsystemAZ2, true)
	assert.ErrorIs(t, err, ErrSelf)
}

func TestAddBuddyEventsAndPromotion(t *testing.T) {
	alice := newTestNode(t, transport.NewMemoryNetwork(), "10.0.0.1")

	var kinds []EventKind
	alice.registry.Events().Subscribe(func(e Event) { kinds = append(kinds, e.Kind) })

	pk := mustIdentity(t).PublicKey()
	b, err := alice.registry.AddTransient(pk, messaging.SubsystemAZ2)
	require.NoError(t, err)
	assert.True(t, b.Transient())
	assert.False(t, b.Persistent())

	again, err := alice.registry.AddBuddy(pk, messaging.SubsystemAZ2, true)
	require.NoError(t, err)
	assert.Same(t, b, again)
	assert.False(t, b.Transient())
	assert.True(t, b.Persistent())

	// adding an existing buddy again changes nothing
	_, err = alice.registry.AddBuddy(pk, messaging.SubsystemAZ2, true)
	require.NoError(t, err)

	require.True(t, alice.registry.RemoveBuddy(pk))
	assert.False(t, alice.registry.RemoveBuddy(pk))
	assert.Equal(t, []EventKind{EventAdded, EventAdded, EventRemoved}, kinds)
}

func TestRegistryPersistence(t *testing.T) {
	network := transport.NewMemoryNetwork()
	persister := &memPersister{}
	alice := newTestNodeWith(t, network, "10.0.0.1", RegistryConfig{Persister: persister})

	pk := mustIdentity(t).PublicKey()
	b, err := alice.registry.AddBuddy(pk, messaging.SubsystemAZ3, true)
	require.NoError(t, err)
	b.SetLocalCategories([]string{"family", "work"})
	setEndpoint(b, "10.0.0.7", 7000)

	_, err = alice.registry.AddTransient(mustIdentity(t).PublicKey(), messaging.SubsystemAZ2)
	require.NoError(t, err)

	require.NoError(t, alice.registry.Save())
	require.Len(t, persister.records, 1)

	rec := persister.records[0]
	assert.Equal(t, pk, rec.PublicKey)
	assert.Equal(t, messaging.SubsystemAZ3, rec.Subsystem)
	assert.Equal(t, []string{"family", "work"}, rec.LocalCategories)
	assert.Equal(t, "10.0.0.7", rec.Address)
	assert.Equal(t, 7000, rec.TCPPort)

	bob := newTestNodeWith(t, network, "10.0.0.2", RegistryConfig{Persister: persister})
	require.NoError(t, bob.registry.Load())

	restored := bob.registry.Buddy(pk)
	require.NotNil(t, restored)
	assert.True(t, restored.Authorized())
	assert.Equal(t, messaging.SubsystemAZ3, restored.Subsystem())
	assert.Equal(t, []string{"family", "work"}, restored.LocalCategories())
	assert.Equal(t, "10.0.0.7:7000", restored.Status().Endpoint())
}

func TestSaveIfDirty(t *testing.T) {
	persister := &memPersister{}
	alice := newTestNodeWith(t, transport.NewMemoryNetwork(), "10.0.0.1", RegistryConfig{Persister: persister})

	require.NoError(t, alice.registry.SaveIfDirty())
	assert.Equal(t, 0, persister.saves)

	alice.registry.setDirty()
	require.NoError(t, alice.registry.SaveIfDirty())
	assert.Equal(t, 1, persister.saves)

	require.NoError(t, alice.registry.SaveIfDirty())
	assert.Equal(t, 1, persister.saves)
}

func TestAcceptCreatesUnauthorizedBuddy(t *testing.T) {
	bob := newTestNode(t, transport.NewMemoryNetwork(), "10.0.0.2")

	pk := mustIdentity(t).PublicKey()
	first := newFakeLink(pk, "10.0.0.1:6881")
	require.True(t, bob.registry.Accept(first))

	b := bob.registry.Buddy(pk)
	require.NotNil(t, b)
	assert.False(t, b.Authorized())
	assert.Equal(t, messaging.SubsystemAZ2, b.Subsystem())

	second := newFakeLink(pk, "10.0.0.1:6882")
	assert.False(t, bob.registry.Accept(second))
}

func TestAcceptThrottlesOriginator(t *testing.T) {
	bob := newTestNode(t, transport.NewMemoryNetwork(), "10.0.0.2")

	for i := 1; i < limits.MaxUnauthorizedHits; i++ {
		link := newFakeLink(mustIdentity(t).PublicKey(), fmt.Sprintf("10.0.0.1:%d", 7000+i))
		require.True(t, bob.registry.Accept(link), "connection %d", i)
	}

	link := newFakeLink(mustIdentity(t).PublicKey(), "10.0.0.1:8000")
	assert.False(t, bob.registry.Accept(link))

	// other originators are unaffected
	link = newFakeLink(mustIdentity(t).PublicKey(), "10.0.0.3:8000")
	assert.True(t, bob.registry.Accept(link))
}

func TestUnauthorizedMessageLimit(t *testing.T) {
	bob := newTestNode(t, transport.NewMemoryNetwork(), "10.0.0.2")
	bob.registry.RegisterHandler(echoHandler())

	pk := mustIdentity(t).PublicKey()
	link := newFakeLink(pk, "10.0.0.1:6881")
	require.True(t, bob.registry.Accept(link))

	for i := 0; i < limits.MaxUnauthorizedMessages; i++ {
		link.deliver(t, int64(i), messaging.SubsystemAZ2, wire.Map{"v": "x"})
	}
	require.Eventually(t, func() bool { return link.sentCount() == limits.MaxUnauthorizedMessages }, 2*time.Second, 10*time.Millisecond)
	assert.False(t, link.closed())

	link.deliver(t, 99, messaging.SubsystemAZ2, wire.Map{"v": "x"})
	assert.Eventually(t, link.closed, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, limits.MaxUnauthorizedMessages, link.sentCount())
}

func TestAuthorizedBuddyHasNoMessageLimit(t *testing.T) {
	bob := newTestNode(t, transport.NewMemoryNetwork(), "10.0.0.2")
	bob.registry.RegisterHandler(echoHandler())

	pk := mustIdentity(t).PublicKey()
	_, err := bob.registry.AddBuddy(pk, messaging.SubsystemAZ2, true)
	require.NoError(t, err)

	link := newFakeLink(pk, "10.0.0.1:6881")
	require.True(t, bob.registry.Accept(link))

	for i := 0; i < 2*limits.MaxUnauthorizedMessages; i++ {
		link.deliver(t, int64(i), messaging.SubsystemAZ2, wire.Map{"v": "x"})
	}
	require.Eventually(t, func() bool { return link.sentCount() == 2*limits.MaxUnauthorizedMessages }, 2*time.Second, 10*time.Millisecond)
	assert.False(t, link.closed())
}

func TestSweepPrunesIdleUnauthorized(t *testing.T) {
	bob := newTestNode(t, transport.NewMemoryNetwork(), "10.0.0.2")

	pk := mustIdentity(t).PublicKey()
	link := newFakeLink(pk, "10.0.0.1:6881")
	require.True(t, bob.registry.Accept(link))

	bob.registry.Sweep(time.Now())
	require.NotNil(t, bob.registry.Buddy(pk))

	link.Close()
	require.Eventually(t, func() bool { return bob.registry.Buddy(pk).Idle() }, 2*time.Second, 10*time.Millisecond)

	bob.registry.Sweep(time.Now())
	assert.Nil(t, bob.registry.Buddy(pk))
}

func TestHandlersTriedInOrder(t *testing.T) {
	alice := newTestNode(t, transport.NewMemoryNetwork(), "10.0.0.1")

	var order []string
	alice.registry.RegisterHandler(RequestHandlerFunc(func(*Buddy, messaging.Subsystem, wire.Map) (wire.Map, error) {
		order = append(order, "first")
		return nil, nil
	}))
	unregister := alice.registry.RegisterHandler(RequestHandlerFunc(func(*Buddy, messaging.Subsystem, wire.Map) (wire.Map, error) {
		order = append(order, "second")
		return wire.Map{"ok": int64(1)}, nil
	}))

	reply, err := alice.registry.handleRequest(nil, messaging.SubsystemAZ2, wire.Map{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), wire.IntOr(reply, "ok", 0))
	assert.Equal(t, []string{"first", "second"}, order)

	unregister()
	reply, err = alice.registry.handleRequest(nil, messaging.SubsystemAZ2, wire.Map{})
	require.NoError(t, err)
	assert.Nil(t, reply)
}

func TestHandlerPanicBecomesError(t *testing.T) {
	alice := newTestNode(t, transport.NewMemoryNetwork(), "10.0.0.1")
	alice.registry.RegisterHandler(RequestHandlerFunc(func(*Buddy, messaging.Subsystem, wire.Map) (wire.Map, error) {
		panic("boom")
	}))

	_, err := alice.registry.handleRequest(nil, messaging.SubsystemAZ2, wire.Map{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}
