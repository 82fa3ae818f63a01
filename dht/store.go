package dht

import (
	"context"
	"errors"
	"net"
	"time"
)

// DefaultReadTimeout bounds a Read when the caller passes zero.
const DefaultReadTimeout = 120 * time.Second

// ErrValueTooLarge is returned when a value exceeds the store's size limit
var ErrValueTooLarge = errors.New("dht value too large")

// EventKind classifies a WriteEvent.
type EventKind uint8

const (
	// ValueWritten reports that one contact stored the value.
	ValueWritten EventKind = iota
	// Diversified reports that the network is spreading or rate limiting
	// writes for the key.
	Diversified
	// Complete is the final event of a successful write.
	Complete
	// Timeout is the final event of a write that did not finish in time.
	Timeout
)

func (k EventKind) String() string {
	switch k {
	case ValueWritten:
		return "written"
	case Diversified:
		return "diversified"
	case Complete:
		return "complete"
	case Timeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Contact identifies a node of the store that holds or returned a value.
type Contact struct {
	Address string
}

// IPv6 reports whether the contact was reached over IPv6.
func (c Contact) IPv6() bool {
	host, _, err := net.SplitHostPort(c.Address)
	if err != nil {
		host = c.Address
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.To4() == nil
}

func (c Contact) String() string {
	return c.Address
}

// WriteEvent reports progress of a Write. The channel returned by Write
// always ends with exactly one Complete or Timeout event.
type WriteEvent struct {
	Kind    EventKind
	Contact Contact
}

// Value is one stored value returned by Read.
type Value struct {
	Data    []byte
	Created time.Time
	Source  Contact
}

// Store is a distributed key-value store with asynchronous writes.
type Store interface {
	// Write stores value under key and streams progress events. The
	// channel is closed after the final Complete or Timeout event.
	Write(ctx context.Context, key, value []byte) (<-chan WriteEvent, error)
	// Read streams every value found for key until timeout or ctx ends,
	// then closes the channel.
	Read(ctx context.Context, key []byte, timeout time.Duration) (<-chan Value, error)
	// Delete removes the value under key from contacts, or from every
	// known holder when contacts is empty.
	Delete(ctx context.Context, key []byte, contacts []Contact) error
}
