package chat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func msg(uid int, id, prev string, seq int64, at time.Duration) *Message {
	m := &Message{
		uid:       uid,
		id:        []byte(id),
		sequence:  seq,
		timestamp: epoch.Add(at),
	}
	if prev != "" {
		m.previousID = []byte(prev)
	}
	return m
}

func ids(messages []*Message) []string {
	out := make([]string, 0, len(messages))
	for _, m := range messages {
		out = append(out, string(m.id))
	}
	return out
}

func reversed(messages []*Message) []*Message {
	out := make([]*Message, len(messages))
	for i, m := range messages {
		out[len(messages)-1-i] = m
	}
	return out
}

func TestSortFollowsCausalLinksOverArrival(t *testing.T) {
	y := msg(1, "Y", "X", 0, 0)
	x := msg(2, "X", "", 5, time.Second)

	assert.Equal(t, []string{"X", "Y"}, ids(Sort([]*Message{y, x})))
}

func TestSortIsIdempotent(t *testing.T) {
	messages := []*Message{
		msg(1, "a", "", 1, 0),
		msg(2, "b", "a", 2, time.Second),
		msg(3, "c", "a", 2, 2*time.Second),
		msg(4, "d", "b", 3, 3*time.Second),
		msg(5, "e", "", 1, 4*time.Second),
		msg(6, "f", "missing", 4, 5*time.Second),
		msg(7, "g", "e", 2, 6*time.Second),
	}

	first := Sort(messages)
	require.Len(t, first, len(messages))

	assert.Equal(t, ids(first), ids(Sort(first)))
	assert.Equal(t, ids(first), ids(Sort(reversed(messages))))
}

func TestSortBreaksCyclesDeterministically(t *testing.T) {
	m1 := msg(1, "m1", "m3", 0, 0)
	m2 := msg(2, "m2", "m1", 0, 0)
	m3 := msg(3, "m3", "m2", 0, 0)

	orders := [][]*Message{
		{m1, m2, m3},
		{m3, m2, m1},
		{m2, m1, m3},
	}
	for _, order := range orders {
		sorted := Sort(order)
		assert.Equal(t, []string{"m2", "m3", "m1"}, ids(sorted))
	}
}

func TestSortMergesBranchesBySequence(t *testing.T) {
	root := msg(1, "root", "", 1, 0)
	late := msg(2, "late", "root", 3, time.Second)
	early := msg(3, "early", "root", 2, 2*time.Second)

	assert.Equal(t, []string{"root", "early", "late"}, ids(Sort([]*Message{late, early, root})))
}

func TestSortMergesRemainder(t *testing.T) {
	tests := []struct {
		name     string
		messages []*Message
		want     []string
	}{
		{
			name: "unlinked by sequence",
			messages: []*Message{
				msg(1, "b", "", 2, 0),
				msg(2, "a", "", 1, time.Second),
			},
			want: []string{"a", "b"},
		},
		{
			name: "unlinked by timestamp",
			messages: []*Message{
				msg(1, "b", "", 1, time.Second),
				msg(2, "a", "", 1, 0),
			},
			want: []string{"a", "b"},
		},
		{
			name: "unlinked by uid",
			messages: []*Message{
				msg(2, "b", "", 1, 0),
				msg(1, "a", "", 1, 0),
			},
			want: []string{"a", "b"},
		},
		{
			name: "chain and remainder",
			messages: []*Message{
				msg(1, "x", "", 1, 0),
				msg(2, "y", "x", 2, time.Second),
				msg(3, "z", "", 1, 2*time.Second),
			},
			want: []string{"x", "z", "y"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ids(Sort(tt.messages)))
		})
	}
}

func TestSortIgnoresSelfLinksAndDuplicates(t *testing.T) {
	self := msg(1, "s", "s", 1, 0)
	dup := msg(2, "s", "", 2, time.Second)

	sorted := Sort([]*Message{dup, self})
	require.Len(t, sorted, 2)
	assert.Same(t, self, sorted[0])
	assert.Same(t, dup, sorted[1])
}
