package fragment

import (
	"fmt"

	"github.com/opd-ai/buddynet/limits"
	"github.com/opd-ai/buddynet/wire"
)

// Chunk is one piece of a fragmented payload.
type Chunk struct {
	FragmentID  int64
	TotalLength int
	ChunkSize   int
	Index       int
	IsRequest   bool
	Data        []byte
}

// Map renders the chunk as its frame map.
func (c Chunk) Map() wire.Map {
	q := 0
	if c.IsRequest {
		q = 1
	}
	return wire.Map{
		"type": TypeFragment,
		"f":    c.FragmentID,
		"l":    c.TotalLength,
		"c":    c.ChunkSize,
		"i":    c.Index,
		"q":    q,
		"d":    c.Data,
	}
}

// ChunkFromMap parses a chunk frame map.
func ChunkFromMap(m wire.Map) (Chunk, error) {
	id, okID := wire.Int(m, "f")
	total, okTotal := wire.Int(m, "l")
	size, okSize := wire.Int(m, "c")
	index, okIndex := wire.Int(m, "i")
	q, okQ := wire.Int(m, "q")
	data, okData := wire.Bytes(m, "d")
	if !okID || !okTotal || !okSize || !okIndex || !okQ || !okData {
		return Chunk{}, fmt.Errorf("%w: missing field", ErrInvalidChunk)
	}
	return Chunk{
		FragmentID:  id,
		TotalLength: int(total),
		ChunkSize:   int(size),
		Index:       int(index),
		IsRequest:   q == 1,
		Data:        data,
	}, nil
}

// Assembly accumulates the chunks of one fragment id.
type Assembly struct {
	FragmentID  int64
	TotalLength int
	ChunkSize   int

	received []bool
	count    int
	buf      []byte
}

// NewAssembly starts an assembly from its first chunk's geometry.
func NewAssembly(first Chunk) (*Assembly, error) {
	if first.TotalLength <= 0 || first.TotalLength > limits.MaxMessageSize {
		return nil, fmt.Errorf("%w: total length %d", ErrInvalidChunk, first.TotalLength)
	}
	if first.ChunkSize <= 0 {
		return nil, fmt.Errorf("%w: chunk size %d", ErrInvalidChunk, first.ChunkSize)
	}
	return &Assembly{
		FragmentID:  first.FragmentID,
		TotalLength: first.TotalLength,
		ChunkSize:   first.ChunkSize,
		received:    make([]bool, numChunks(first.TotalLength, first.ChunkSize)),
		buf:         make([]byte, first.TotalLength),
	}, nil
}

// Add copies a chunk into place. Duplicates are ignored. It returns true when
// every chunk index has been received.
func (a *Assembly) Add(c Chunk) (bool, error) {
	if c.TotalLength != a.TotalLength || c.ChunkSize != a.ChunkSize {
		return false, fmt.Errorf("%w: geometry changed mid-fragment", ErrInvalidChunk)
	}
	if c.Index < 0 || c.Index >= len(a.received) {
		return false, fmt.Errorf("%w: index %d of %d", ErrInvalidChunk, c.Index, len(a.received))
	}

	start := c.Index * a.ChunkSize
	want := a.ChunkSize
	if start+want > a.TotalLength {
		want = a.TotalLength - start
	}
	if len(c.Data) != want {
		return false, fmt.Errorf("%w: chunk %d has %d bytes, want %d", ErrInvalidChunk, c.Index, len(c.Data), want)
	}

	if a.received[c.Index] {
		return a.Complete(), nil
	}
	copy(a.buf[start:], c.Data)
	a.received[c.Index] = true
	a.count++
	return a.Complete(), nil
}

// Complete reports whether all chunks have arrived.
func (a *Assembly) Complete() bool {
	return a.count == len(a.received)
}

// Bytes returns the assembled payload.
func (a *Assembly) Bytes() []byte {
	return a.buf
}

func numChunks(total, size int) int {
	return (total + size - 1) / size
}
