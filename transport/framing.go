package transport

import (
	"encoding/binary"
	"fmt"
	"io"
)

// frameHeaderSize is the length prefix in front of every frame on a stream.
const frameHeaderSize = 4

// writeFrame writes frame prefixed with its big-endian length.
func writeFrame(w io.Writer, frame []byte) error {
	buf := make([]byte, frameHeaderSize+len(frame))
	binary.BigEndian.PutUint32(buf, uint32(len(frame)))
	copy(buf[frameHeaderSize:], frame)
	_, err := w.Write(buf)
	return err
}

// readFrame reads one length-prefixed frame, rejecting frames larger
// than maxSize before allocating.
func readFrame(r io.Reader, maxSize int) ([]byte, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	size := binary.BigEndian.Uint32(header[:])
	if int64(size) > int64(maxSize) {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, size, maxSize)
	}

	frame := make([]byte, size)
	if _, err := io.ReadFull(r, frame); err != nil {
		return nil, err
	}
	return frame, nil
}
