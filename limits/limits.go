// Package limits provides centralized size and count limits for the buddy protocol.
// This ensures consistent validation across the codec, the dispatcher and the registry.
package limits

import (
	"errors"
	"fmt"
	"time"
)

const (
	// MaxMessageSize is the largest logical request or reply accepted before fragmentation (4MiB)
	MaxMessageSize = 4 * 1024 * 1024

	// FragmentHeaderReserve is subtracted from a link's frame size to leave room for chunk headers
	FragmentHeaderReserve = 1024

	// MinChunkSize is the smallest chunk size a codec will split into
	MinChunkSize = 512

	// MaxQueuedMessages bounds the per-buddy outbound queue
	MaxQueuedMessages = 256

	// MaxActiveConnections bounds concurrent connections to a single buddy
	MaxActiveConnections = 5

	// MaxUnauthorizedBuddies bounds how many unsolicited contacts are tracked at once
	MaxUnauthorizedBuddies = 1024

	// MaxUnauthorizedMessages bounds the messages accepted per connection from an unauthorized buddy
	MaxUnauthorizedMessages = 4

	// MaxUnauthorizedHits is the number of recent connections an originator may make before being throttled
	MaxUnauthorizedHits = 8

	// MaxNicknameLength is the longest nickname published in a presence record
	MaxNicknameLength = 32

	// MaxChatHistory bounds the ordered message window of a chat instance
	MaxChatHistory = 512

	// MaxOfflineSequences bounds the remembered "seen while offline" presence sequence numbers
	MaxOfflineSequences = 16
)

const (
	// ConnectionIdleTimeout closes a connection that has carried no traffic for this long
	ConnectionIdleTimeout = 5 * time.Minute

	// ConnectionKeepAlive is the idle period after which a keep-alive ping is sent
	ConnectionKeepAlive = time.Minute

	// KeepAliveTimeout is the reply deadline of a keep-alive ping
	KeepAliveTimeout = time.Minute
)

var (
	// ErrMessageEmpty indicates an empty message was provided
	ErrMessageEmpty = errors.New("empty message")

	// ErrMessageTooLarge indicates message exceeds maximum size
	ErrMessageTooLarge = errors.New("message too large")
)

// ValidateMessageSize validates a message against the specified maximum size.
// Returns an error with context including the actual and maximum sizes.
func ValidateMessageSize(message []byte, maxSize int) error {
	if len(message) == 0 {
		return ErrMessageEmpty
	}
	if len(message) > maxSize {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrMessageTooLarge, len(message), maxSize)
	}
	return nil
}

// ValidateLogicalMessage checks an encoded request or reply against MaxMessageSize.
func ValidateLogicalMessage(encoded []byte) error {
	if len(encoded) == 0 {
		return ErrMessageEmpty
	}
	if len(encoded) > MaxMessageSize {
		return fmt.Errorf("%w: encoded size %d exceeds limit %d", ErrMessageTooLarge, len(encoded), MaxMessageSize)
	}
	return nil
}

// ChunkSizeFor returns the usable chunk size for a link that can carry frames of maxFrame bytes.
// The result never drops below MinChunkSize.
func ChunkSizeFor(maxFrame int) int {
	size := maxFrame - FragmentHeaderReserve
	if size < MinChunkSize {
		return MinChunkSize
	}
	return size
}
