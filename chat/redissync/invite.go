package redissync

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/opd-ai/buddynet/chat"
	"github.com/opd-ai/buddynet/wire"
)

// Answer codes sent back to a private chat requester.
var answerErrors = map[string]error{
	"disabled":    chat.ErrPrivateChatDisabled,
	"pinned_only": chat.ErrPrivateChatPinnedOnly,
	"unavailable": chat.ErrUnavailable,
}

func answerCode(err error) string {
	for code, known := range answerErrors {
		if errors.Is(err, known) {
			return code
		}
	}
	return "unavailable"
}

// ensureInvites subscribes to this key's invite channel once.
func (s *Sync) ensureInvites(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return chat.ErrUnavailable
	}
	if s.invites != nil {
		return nil
	}

	pubsub := s.rdb.Subscribe(ctx, inviteKey(s.config.PublicKey))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("failed to subscribe to invites: %w", err)
	}
	s.invites = pubsub
	s.wg.Add(1)
	go s.serveInvites(pubsub)
	return nil
}

// serveInvites hands private chat offers {from, parent, handle, reply} to
// the listener bound to the parent chat and publishes its answer.
func (s *Sync) serveInvites(pubsub *redis.PubSub) {
	defer s.wg.Done()
	for msg := range pubsub.Channel() {
		invite, err := wire.Decode([]byte(msg.Payload))
		if err != nil {
			continue
		}
		from, _ := wire.Bytes(invite, "from")
		parent, _ := wire.String(invite, "parent")
		handle, _ := wire.String(invite, "handle")
		reply, _ := wire.String(invite, "reply")
		if reply == "" || handle == "" {
			continue
		}

		answer := s.answer(from, parent, handle)
		data, err := wire.Encode(answer)
		if err != nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.config.InviteTimeout)
		if err := s.rdb.Publish(ctx, reply, data).Err(); err != nil {
			s.log.WithError(err).Warn("Failed to answer private chat request")
		}
		cancel()
	}
}

func (s *Sync) answer(from []byte, parent, handle string) wire.Map {
	var listener chat.Listener
	s.mu.Lock()
	for _, b := range s.bindings {
		if b.group == parent {
			listener = b.listener
			break
		}
	}
	s.mu.Unlock()
	if listener == nil {
		return wire.Map{"error": "unavailable"}
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.config.InviteTimeout)
	defer cancel()
	result, err := listener.ChatRequested(ctx, from, handle)
	if err != nil {
		return wire.Map{"error": answerCode(err)}
	}
	return result
}

// offer asks the target of opts to join a new private group and waits for
// the answer.
func (s *Sync) offer(ctx context.Context, opts chat.BindOptions) (string, error) {
	parent, err := s.lookup(&chat.Binding{Handle: opts.ParentHandle})
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	group := "private/" + id
	reply := s.rdb.Subscribe(ctx, replyKey(id))
	defer reply.Close()
	if _, err := reply.Receive(ctx); err != nil {
		return "", fmt.Errorf("failed to subscribe to answers: %w", err)
	}

	invite, err := wire.Encode(wire.Map{
		"from":   s.config.PublicKey,
		"parent": parent.group,
		"handle": group,
		"reply":  replyKey(id),
	})
	if err != nil {
		return "", err
	}
	receivers, err := s.rdb.Publish(ctx, inviteKey(opts.TargetKey), invite).Result()
	if err != nil {
		return "", fmt.Errorf("failed to send private chat request: %w", err)
	}
	if receivers == 0 {
		return "", fmt.Errorf("%w: target is not listening", chat.ErrUnavailable)
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.InviteTimeout)
	defer cancel()
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case msg, ok := <-reply.Channel():
		if !ok {
			return "", chat.ErrUnavailable
		}
		answer, err := wire.Decode([]byte(msg.Payload))
		if err != nil {
			return "", err
		}
		if code, failed := wire.String(answer, "error"); failed {
			if known, ok := answerErrors[code]; ok {
				return "", known
			}
			return "", fmt.Errorf("%w: %s", chat.ErrUnavailable, code)
		}
		return group, nil
	}
}
