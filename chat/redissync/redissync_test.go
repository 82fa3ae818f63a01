package redissync

import (
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/buddynet/chat"
	"github.com/opd-ai/buddynet/wire"
)

func TestNewRequiresClientAndKey(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)

	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	t.Cleanup(func() { _ = client.Close() })
	_, err = New(Config{Client: client})
	assert.Error(t, err)

	s, err := New(Config{Client: client, PublicKey: []byte("alice")})
	require.NoError(t, err)
	assert.Equal(t, int64(DefaultHistory), s.config.History)
	assert.Equal(t, DefaultInviteTimeout, s.config.InviteTimeout)
}

func TestToRawComputesAge(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	envelope := wire.Map{
		"id":      []byte("id"),
		"pk":      []byte("alice"),
		"address": "10.0.0.1:27001",
		"ts":      now.Add(-90 * time.Second).UnixMilli(),
		"content": []byte("d3:msg2:hie"),
	}

	raw := toRaw(envelope, now)
	assert.Equal(t, int64(90), raw["age"])
	assert.Equal(t, []byte("alice"), raw["pk"])
	assert.NotContains(t, raw, "ts")

	future := toRaw(wire.Map{"ts": now.Add(time.Minute).UnixMilli()}, now)
	assert.Equal(t, int64(0), future["age"])
}

func TestAnswerCodes(t *testing.T) {
	tests := []struct {
		err  error
		code string
	}{
		{chat.ErrPrivateChatDisabled, "disabled"},
		{chat.ErrPrivateChatPinnedOnly, "pinned_only"},
		{chat.ErrDestroyed, "unavailable"},
		{errors.New("boom"), "unavailable"},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			code := answerCode(tt.err)
			assert.Equal(t, tt.code, code)
			assert.ErrorIs(t, answerErrors[code], answerErrors[tt.code])
		})
	}
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "buddynet:chat:msg:Public/General", channelKey(groupName(chat.NetworkPublic, "General")))
	assert.Equal(t, "buddynet:chat:history:Public/General", historyKey("Public/General"))
	assert.NotEqual(t, inviteKey([]byte("alice")), inviteKey([]byte("bob")))
}
