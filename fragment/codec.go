// Package fragment splits oversized logical payloads into bounded chunks and
// reassembles them on the receiving side of a connection.
//
// A payload that fits in one frame travels as-is. Larger payloads travel as a
// run of chunk frames {type:5, f, l, c, i, q, d}; the receiver keeps one
// assembly per direction and delivers the payload once every chunk index has
// arrived.
//
// Example:
//
//	codec := fragment.NewCodec(link.MaxFrameSize())
//	frames, err := codec.Encode(request, true)
//	for _, f := range frames {
//	    link.Send(f)
//	}
//
//	msg, complete, err := codec.Decode(frame)
package fragment

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/opd-ai/buddynet/limits"
	"github.com/opd-ai/buddynet/wire"
	"github.com/sirupsen/logrus"
)

// TypeFragment is the frame type discriminator of a chunk.
const TypeFragment = 5

var (
	// ErrConcurrentDecode indicates a second fragment id arrived before the first completed.
	ErrConcurrentDecode = errors.New("concurrent decode not supported")
	// ErrInvalidChunk indicates chunk geometry that cannot belong to any payload.
	ErrInvalidChunk = errors.New("invalid fragment chunk")
)

var fragmentSequence atomic.Int32

// Codec encodes outbound payloads and decodes inbound frames for one connection.
type Codec struct {
	maxChunk int

	mu        sync.Mutex
	request   *Assembly
	reply     *Assembly
	completed map[bool]int64
}

// NewCodec creates a codec for a link whose frames may be up to maxFrame bytes.
func NewCodec(maxFrame int) *Codec {
	return &Codec{
		maxChunk:  limits.ChunkSizeFor(maxFrame),
		completed: map[bool]int64{true: -1, false: -1},
	}
}

// MaxChunk returns the chunk size used for oversized payloads.
func (c *Codec) MaxChunk() int {
	return c.maxChunk
}

// Encode bencodes msg and returns the frames that carry it.
func (c *Codec) Encode(msg wire.Map, isRequest bool) ([][]byte, error) {
	data, err := wire.Encode(msg)
	if err != nil {
		return nil, err
	}
	if err := limits.ValidateLogicalMessage(data); err != nil {
		return nil, err
	}
	if len(data) <= c.maxChunk {
		return [][]byte{data}, nil
	}
	return c.split(data, isRequest)
}

func (c *Codec) split(data []byte, isRequest bool) ([][]byte, error) {
	id := int64(fragmentSequence.Add(1))
	chunkSize := c.maxChunk
	count := numChunks(len(data), chunkSize)

	logrus.WithFields(logrus.Fields{
		"function":    "split",
		"fragment_id": id,
		"total":       len(data),
		"chunks":      count,
	}).Debug("Fragmenting oversized payload")

	frames := make([][]byte, 0, count)
	for i := 0; i < count; i++ {
		start := i * chunkSize
		end := start + chunkSize
		if end > len(data) {
			end = len(data)
		}
		chunk := Chunk{
			FragmentID:  id,
			TotalLength: len(data),
			ChunkSize:   chunkSize,
			Index:       i,
			IsRequest:   isRequest,
			Data:        data[start:end],
		}
		frame, err := wire.Encode(chunk.Map())
		if err != nil {
			return nil, err
		}
		frames = append(frames, frame)
	}
	return frames, nil
}

// Decode parses an inbound frame. Plain frames are returned with complete set.
// Chunk frames return complete only when they finish their payload.
func (c *Codec) Decode(frame []byte) (wire.Map, bool, error) {
	m, err := wire.Decode(frame)
	if err != nil {
		return nil, false, err
	}
	if kind, _ := wire.Int(m, "type"); kind != TypeFragment {
		return m, true, nil
	}

	chunk, err := ChunkFromMap(m)
	if err != nil {
		return nil, false, err
	}

	data, err := c.accept(chunk)
	if err != nil || data == nil {
		return nil, false, err
	}

	msg, err := wire.Decode(data)
	if err != nil {
		return nil, false, err
	}
	return msg, true, nil
}

// accept feeds a chunk into the assembly for its direction and returns the
// payload bytes once the assembly completes.
func (c *Codec) accept(chunk Chunk) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	slot := &c.reply
	if chunk.IsRequest {
		slot = &c.request
	}

	if *slot == nil {
		if chunk.FragmentID == c.completed[chunk.IsRequest] {
			// late duplicate of a payload that was already delivered
			return nil, nil
		}
		a, err := NewAssembly(chunk)
		if err != nil {
			return nil, err
		}
		*slot = a
	} else if (*slot).FragmentID != chunk.FragmentID {
		return nil, fmt.Errorf("%w: in progress %d, received %d", ErrConcurrentDecode, (*slot).FragmentID, chunk.FragmentID)
	}

	done, err := (*slot).Add(chunk)
	if err != nil || !done {
		return nil, err
	}

	data := (*slot).Bytes()
	c.completed[chunk.IsRequest] = chunk.FragmentID
	*slot = nil
	return data, nil
}
