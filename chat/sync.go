package chat

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opd-ai/buddynet/wire"
)

// ErrUnknownHandle is returned for bindings the sync service does not know.
var ErrUnknownHandle = errors.New("unknown sync handle")

// BindOptions describes the shared message set to bind to.
type BindOptions struct {
	Network string
	Key     string
	Timeout time.Duration

	// ParentHandle and TargetKey request a new private chat with the
	// member TargetKey of the parent chat.
	ParentHandle string
	TargetKey    []byte

	// Handle joins a private chat offered through ChatRequested.
	Handle string
}

// Binding is an active attachment to a shared message set.
type Binding struct {
	Handle          string
	PublicKey       []byte
	ManagingKey     []byte
	ReadOnly        bool
	ProtocolVersion int
}

// SyncStatus summarizes the health of a binding.
type SyncStatus struct {
	Nodes           int
	IncomingPending int
	OutgoingPending int
}

// Listener receives messages and private chat offers for a binding.
type Listener interface {
	// MessageReceived delivers a raw message map with the keys
	// id, pk, address, contact, age, content and error.
	MessageReceived(raw wire.Map)
	// ChatRequested offers a private chat from remoteKey, joinable with
	// handle. The returned map is sent back to the requester.
	ChatRequested(ctx context.Context, remoteKey []byte, handle string) (wire.Map, error)
}

// MessageSync is the external shared message synchronization service.
type MessageSync interface {
	Bind(ctx context.Context, opts BindOptions, l Listener) (*Binding, error)
	Send(ctx context.Context, b *Binding, payload wire.Map) error
	Unbind(b *Binding) error
}

// StatusSource is implemented by sync services that report binding status.
type StatusSource interface {
	Status(ctx context.Context, b *Binding) (SyncStatus, error)
}

// MemorySync is an in-process MessageSync shared by several members. Every
// member gets its own key; messages are delivered to all members of a
// group, the sender included.
type MemorySync struct {
	hub       *MemoryHub
	publicKey []byte
	address   string
}

// MemoryHub connects MemorySync members.
type MemoryHub struct {
	mu      sync.Mutex
	groups  map[string]map[string]*memoryMember
	handles map[string]string
}

type memoryMember struct {
	sync     *MemorySync
	listener Listener
}

// NewMemoryHub creates an empty hub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{
		groups:  make(map[string]map[string]*memoryMember),
		handles: make(map[string]string),
	}
}

// Member returns a MessageSync for the member with the given key and
// source address.
func (h *MemoryHub) Member(publicKey []byte, address string) *MemorySync {
	return &MemorySync{hub: h, publicKey: append([]byte(nil), publicKey...), address: address}
}

func groupName(network, key string) string {
	return network + "/" + key
}

// Bind joins the group for opts.
func (s *MemorySync) Bind(ctx context.Context, opts BindOptions, l Listener) (*Binding, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var group string
	switch {
	case opts.Handle != "":
		group = opts.Handle
	case opts.ParentHandle != "":
		offered, err := s.offerPrivate(ctx, opts)
		if err != nil {
			return nil, err
		}
		group = offered
	default:
		group = groupName(opts.Network, opts.Key)
	}

	handle := uuid.NewString()
	h := s.hub
	h.mu.Lock()
	members, ok := h.groups[group]
	if !ok {
		members = make(map[string]*memoryMember)
		h.groups[group] = members
	}
	members[handle] = &memoryMember{sync: s, listener: l}
	h.handles[handle] = group
	h.mu.Unlock()

	return &Binding{
		Handle:          handle,
		PublicKey:       s.publicKey,
		ManagingKey:     s.publicKey,
		ProtocolVersion: 1,
	}, nil
}

// offerPrivate creates a private group and offers it to the target member
// of the parent group.
func (s *MemorySync) offerPrivate(ctx context.Context, opts BindOptions) (string, error) {
	h := s.hub
	h.mu.Lock()
	parent, ok := h.handles[opts.ParentHandle]
	var target *memoryMember
	if ok {
		for _, m := range h.groups[parent] {
			if bytes.Equal(m.sync.publicKey, opts.TargetKey) {
				target = m
				break
			}
		}
	}
	h.mu.Unlock()

	if !ok {
		return "", ErrUnknownHandle
	}
	if target == nil {
		return "", fmt.Errorf("%w: target is not a member", ErrUnavailable)
	}

	group := "private/" + uuid.NewString()
	if _, err := target.listener.ChatRequested(ctx, s.publicKey, group); err != nil {
		return "", err
	}
	return group, nil
}

// Send encodes payload as message content and delivers it to the group.
func (s *MemorySync) Send(ctx context.Context, b *Binding, payload wire.Map) error {
	content, err := wire.Encode(payload)
	if err != nil {
		return err
	}

	h := s.hub
	h.mu.Lock()
	group, ok := h.handles[b.Handle]
	var listeners []Listener
	if ok {
		for _, m := range h.groups[group] {
			listeners = append(listeners, m.listener)
		}
	}
	h.mu.Unlock()
	if !ok {
		return ErrUnknownHandle
	}

	id := MessageID(s.publicKey, content)
	for _, l := range listeners {
		if err := ctx.Err(); err != nil {
			return err
		}
		l.MessageReceived(wire.Map{
			"id":      id,
			"pk":      s.publicKey,
			"address": s.address,
			"age":     int64(0),
			"content": content,
		})
	}
	return nil
}

// Unbind leaves the group.
func (s *MemorySync) Unbind(b *Binding) error {
	h := s.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	group, ok := h.handles[b.Handle]
	if !ok {
		return ErrUnknownHandle
	}
	delete(h.handles, b.Handle)
	delete(h.groups[group], b.Handle)
	if len(h.groups[group]) == 0 {
		delete(h.groups, group)
	}
	return nil
}

// Status reports the number of members in the binding's group.
func (s *MemorySync) Status(ctx context.Context, b *Binding) (SyncStatus, error) {
	h := s.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	group, ok := h.handles[b.Handle]
	if !ok {
		return SyncStatus{}, ErrUnknownHandle
	}
	return SyncStatus{Nodes: len(h.groups[group])}, nil
}
