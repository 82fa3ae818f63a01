// Package redissync implements chat.MessageSync on top of Redis.
//
// Every chat maps to a pub/sub channel plus a capped list holding its
// recent history, so members that bind late still see the conversation.
// Private chat offers travel on a per-key invite channel and are answered
// on a reply channel owned by the requester.
package redissync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mr-tron/base58"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/buddynet/chat"
	"github.com/opd-ai/buddynet/crypto"
	"github.com/opd-ai/buddynet/wire"
)

const (
	keyPrefix = "buddynet:chat:"

	// DefaultHistory is the number of messages kept per chat.
	DefaultHistory = 512
	// DefaultHistoryTTL is how long an idle chat's history is kept.
	DefaultHistoryTTL = 7 * 24 * time.Hour
	// DefaultInviteTimeout bounds the wait for a private chat answer.
	DefaultInviteTimeout = 30 * time.Second
)

// ErrUnknownHandle is returned for bindings this sync does not own.
var ErrUnknownHandle = errors.New("redissync: unknown handle")

// Config configures a Sync.
type Config struct {
	Client    redis.UniversalClient
	PublicKey []byte
	// Address is announced as the source of sent messages.
	Address       string
	History       int64
	HistoryTTL    time.Duration
	InviteTimeout time.Duration
	TimeProvider  crypto.TimeProvider
}

type binding struct {
	group    string
	listener chat.Listener
	pubsub   *redis.PubSub
}

// Sync is a Redis backed chat.MessageSync.
type Sync struct {
	config Config
	rdb    redis.UniversalClient
	tp     crypto.TimeProvider
	log    *logrus.Entry

	mu       sync.Mutex
	bindings map[string]*binding
	invites  *redis.PubSub
	closed   bool

	wg sync.WaitGroup
}

var (
	_ chat.MessageSync  = (*Sync)(nil)
	_ chat.StatusSource = (*Sync)(nil)
)

// New creates a Sync. Client and PublicKey are required.
func New(config Config) (*Sync, error) {
	if config.Client == nil || len(config.PublicKey) == 0 {
		return nil, errors.New("redissync: client and public key are required")
	}
	if config.History <= 0 {
		config.History = DefaultHistory
	}
	if config.HistoryTTL <= 0 {
		config.HistoryTTL = DefaultHistoryTTL
	}
	if config.InviteTimeout <= 0 {
		config.InviteTimeout = DefaultInviteTimeout
	}
	return &Sync{
		config:   config,
		rdb:      config.Client,
		tp:       crypto.OrDefault(config.TimeProvider),
		log:      logrus.WithField("public_key", base58.Encode(config.PublicKey)),
		bindings: make(map[string]*binding),
	}, nil
}

func groupName(network, key string) string {
	return network + "/" + key
}

func channelKey(group string) string { return keyPrefix + "msg:" + group }
func historyKey(group string) string { return keyPrefix + "history:" + group }
func inviteKey(pk []byte) string { return keyPrefix + "invite:" + base58.Encode(pk) }
func replyKey(handle string) string { return keyPrefix + "reply:" + handle }

// Bind subscribes to the chat's channel and replays its stored history to
// l before returning.
func (s *Sync) Bind(ctx context.Context, opts chat.BindOptions, l chat.Listener) (*chat.Binding, error) {
	if err := s.ensureInvites(ctx); err != nil {
		return nil, err
	}

	var group string
	switch {
	case opts.Handle != "":
		group = opts.Handle
	case opts.ParentHandle != "":
		offered, err := s.offer(ctx, opts)
		if err != nil {
			return nil, err
		}
		group = offered
	default:
		group = groupName(opts.Network, opts.Key)
	}

	pubsub := s.rdb.Subscribe(ctx, channelKey(group))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", group, err)
	}

	handle := uuid.NewString()
	b := &binding{group: group, listener: l, pubsub: pubsub}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = pubsub.Close()
		return nil, chat.ErrUnavailable
	}
	s.bindings[handle] = b
	s.mu.Unlock()

	history, err := s.rdb.LRange(ctx, historyKey(group), 0, -1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		s.log.WithError(err).WithField("group", group).Warn("Failed to load chat history")
	}
	for _, item := range history {
		s.deliver(l, []byte(item))
	}

	s.wg.Add(1)
	go s.receive(b)

	s.log.WithFields(logrus.Fields{"group": group, "history": len(history)}).Debug("Chat bound")
	return &chat.Binding{
		Handle:          handle,
		PublicKey:       s.config.PublicKey,
		ManagingKey:     s.config.PublicKey,
		ProtocolVersion: 1,
	}, nil
}

func (s *Sync) receive(b *binding) {
	defer s.wg.Done()
	for msg := range b.pubsub.Channel() {
		s.deliver(b.listener, []byte(msg.Payload))
	}
}

// deliver turns a stored envelope {id, pk, address, ts, content} into the
// raw message map chat instances expect.
func (s *Sync) deliver(l chat.Listener, data []byte) {
	envelope, err := wire.Decode(data)
	if err != nil {
		s.log.WithError(err).Debug("Dropping malformed chat envelope")
		return
	}
	l.MessageReceived(toRaw(envelope, s.tp.Now()))
}

func toRaw(envelope wire.Map, now time.Time) wire.Map {
	raw := wire.Map{}
	for _, key := range []string{"id", "pk", "address", "content"} {
		if v, ok := envelope[key]; ok {
			raw[key] = v
		}
	}
	age := int64(0)
	if ts, ok := wire.Int(envelope, "ts"); ok {
		if d := now.Sub(time.UnixMilli(ts)); d > 0 {
			age = int64(d / time.Second)
		}
	}
	raw["age"] = age
	return raw
}

// Send appends the message to the chat history and publishes it.
func (s *Sync) Send(ctx context.Context, b *chat.Binding, payload wire.Map) error {
	bound, err := s.lookup(b)
	if err != nil {
		return err
	}

	content, err := wire.Encode(payload)
	if err != nil {
		return err
	}
	envelope, err := wire.Encode(wire.Map{
		"id":      chat.MessageID(s.config.PublicKey, content),
		"pk":      s.config.PublicKey,
		"address": s.config.Address,
		"ts":      s.tp.Now().UnixMilli(),
		"content": content,
	})
	if err != nil {
		return err
	}

	history := historyKey(bound.group)
	pipe := s.rdb.TxPipeline()
	pipe.RPush(ctx, history, envelope)
	pipe.LTrim(ctx, history, -s.config.History, -1)
	pipe.Expire(ctx, history, s.config.HistoryTTL)
	pipe.Publish(ctx, channelKey(bound.group), envelope)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to publish chat message: %w", err)
	}
	return nil
}

// Unbind closes the binding's subscription.
func (s *Sync) Unbind(b *chat.Binding) error {
	s.mu.Lock()
	bound, ok := s.bindings[b.Handle]
	delete(s.bindings, b.Handle)
	s.mu.Unlock()
	if !ok {
		return ErrUnknownHandle
	}
	return bound.pubsub.Close()
}

// Status reports the number of subscribers of the chat's channel.
func (s *Sync) Status(ctx context.Context, b *chat.Binding) (chat.SyncStatus, error) {
	bound, err := s.lookup(b)
	if err != nil {
		return chat.SyncStatus{}, err
	}
	channel := channelKey(bound.group)
	counts, err := s.rdb.PubSubNumSub(ctx, channel).Result()
	if err != nil {
		return chat.SyncStatus{}, err
	}
	return chat.SyncStatus{Nodes: int(counts[channel])}, nil
}

// Close drops every binding and the invite subscription.
func (s *Sync) Close() error {
	s.mu.Lock()
	s.closed = true
	bindings := s.bindings
	s.bindings = make(map[string]*binding)
	invites := s.invites
	s.invites = nil
	s.mu.Unlock()

	for _, b := range bindings {
		_ = b.pubsub.Close()
	}
	if invites != nil {
		_ = invites.Close()
	}
	s.wg.Wait()
	return nil
}

func (s *Sync) lookup(b *chat.Binding) (*binding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bound, ok := s.bindings[b.Handle]
	if !ok {
		return nil, ErrUnknownHandle
	}
	return bound, nil
}
