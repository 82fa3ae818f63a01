package fragment

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/opd-ai/buddynet/limits"
	"github.com/opd-ai/buddynet/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testFrameSize = limits.FragmentHeaderReserve + 600

func testPayload(size int) wire.Map {
	blob := make([]byte, size)
	rand.New(rand.NewSource(42)).Read(blob)
	return wire.Map{"type": 1, "ss": 1, "id": 9, "req": wire.Map{"blob": blob}}
}

func blobOf(t *testing.T, m wire.Map) []byte {
	req, ok := wire.Sub(m, "req")
	require.True(t, ok)
	blob, ok := wire.Bytes(req, "blob")
	require.True(t, ok)
	return blob
}

func TestSmallPayloadIsSingleFrame(t *testing.T) {
	c := NewCodec(testFrameSize)
	frames, err := c.Encode(wire.Map{"type": 1, "id": 3}, true)
	require.NoError(t, err)
	require.Len(t, frames, 1)

	msg, complete, err := NewCodec(testFrameSize).Decode(frames[0])
	require.NoError(t, err)
	assert.True(t, complete)
	id, _ := wire.Int(msg, "id")
	assert.Equal(t, int64(3), id)
}

func TestReassemblyWithDuplicatesAndReordering(t *testing.T) {
	sender := NewCodec(testFrameSize)
	payload := testPayload(5000)
	frames, err := sender.Encode(payload, true)
	require.NoError(t, err)
	require.Greater(t, len(frames), 5)

	// shuffle and duplicate every other frame
	rng := rand.New(rand.NewSource(7))
	delivery := append([][]byte{}, frames...)
	for i := 0; i < len(frames); i += 2 {
		delivery = append(delivery, frames[i])
	}
	rng.Shuffle(len(delivery), func(i, j int) { delivery[i], delivery[j] = delivery[j], delivery[i] })

	receiver := NewCodec(testFrameSize)
	completions := 0
	var got wire.Map
	for _, f := range delivery {
		msg, complete, err := receiver.Decode(f)
		require.NoError(t, err)
		if complete {
			completions++
			got = msg
		}
	}

	assert.Equal(t, 1, completions, "assembly completes exactly once")
	require.NotNil(t, got)
	assert.True(t, bytes.Equal(blobOf(t, payload), blobOf(t, got)))
}

func TestConcurrentFragmentRejected(t *testing.T) {
	sender := NewCodec(testFrameSize)
	first, err := sender.Encode(testPayload(3000), false)
	require.NoError(t, err)
	second, err := sender.Encode(testPayload(3000), false)
	require.NoError(t, err)

	receiver := NewCodec(testFrameSize)
	_, complete, err := receiver.Decode(first[0])
	require.NoError(t, err)
	assert.False(t, complete)

	_, _, err = receiver.Decode(second[0])
	assert.ErrorIs(t, err, ErrConcurrentDecode)
}

func TestRequestAndReplyAssembleIndependently(t *testing.T) {
	sender := NewCodec(testFrameSize)
	req, err := sender.Encode(testPayload(2000), true)
	require.NoError(t, err)
	rep, err := sender.Encode(testPayload(2000), false)
	require.NoError(t, err)

	receiver := NewCodec(testFrameSize)
	completions := 0
	for i := 0; i < len(req) || i < len(rep); i++ {
		for _, frames := range [][][]byte{req, rep} {
			if i >= len(frames) {
				continue
			}
			_, complete, err := receiver.Decode(frames[i])
			require.NoError(t, err)
			if complete {
				completions++
			}
		}
	}
	assert.Equal(t, 2, completions)
}

func TestOversizedPayloadRejectedBeforeFragmenting(t *testing.T) {
	c := NewCodec(testFrameSize)
	_, err := c.Encode(wire.Map{"blob": make([]byte, limits.MaxMessageSize)}, true)
	assert.ErrorIs(t, err, limits.ErrMessageTooLarge)
}

func TestInvalidChunkGeometry(t *testing.T) {
	tests := []struct {
		name  string
		chunk Chunk
	}{
		{"index out of range", Chunk{FragmentID: 1, TotalLength: 10, ChunkSize: 5, Index: 2, Data: make([]byte, 5)}},
		{"short data", Chunk{FragmentID: 1, TotalLength: 10, ChunkSize: 5, Index: 0, Data: make([]byte, 3)}},
		{"oversized total", Chunk{FragmentID: 1, TotalLength: limits.MaxMessageSize + 1, ChunkSize: 5, Data: make([]byte, 5)}},
		{"zero chunk size", Chunk{FragmentID: 1, TotalLength: 10, ChunkSize: 0, Data: nil}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, err := wire.Encode(tt.chunk.Map())
			require.NoError(t, err)
			_, _, err = NewCodec(testFrameSize).Decode(frame)
			assert.ErrorIs(t, err, ErrInvalidChunk)
		})
	}
}

func TestAssemblyLastChunkShorter(t *testing.T) {
	a, err := NewAssembly(Chunk{FragmentID: 4, TotalLength: 12, ChunkSize: 5})
	require.NoError(t, err)

	done, err := a.Add(Chunk{FragmentID: 4, TotalLength: 12, ChunkSize: 5, Index: 2, Data: []byte("kl")})
	require.NoError(t, err)
	assert.False(t, done)
	_, err = a.Add(Chunk{FragmentID: 4, TotalLength: 12, ChunkSize: 5, Index: 0, Data: []byte("abcde")})
	require.NoError(t, err)
	done, err = a.Add(Chunk{FragmentID: 4, TotalLength: 12, ChunkSize: 5, Index: 1, Data: []byte("fghij")})
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, "abcdefghijkl", string(a.Bytes()))
}
