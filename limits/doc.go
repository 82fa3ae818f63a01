// Package limits provides centralized size, count and timing constants for the
// buddy protocol, together with the validation helpers that enforce them.
//
// # Size Hierarchy
//
//   - MaxMessageSize (4MiB): the largest logical request or reply. Anything
//     larger is rejected before fragmentation is attempted.
//
//   - ChunkSizeFor(maxFrame): the chunk size used when a logical message does
//     not fit in a single transport frame. FragmentHeaderReserve bytes are kept
//     free for the chunk header map.
//
// # Resource Bounds
//
//   - MaxQueuedMessages (256) outbound messages per buddy.
//   - MaxActiveConnections (5) concurrent connections per buddy.
//   - MaxUnauthorizedBuddies (1024) tracked unsolicited contacts.
//   - MaxUnauthorizedHits (8) recent connections per originator before throttling.
//
// # Validation Functions
//
//	if err := limits.ValidateLogicalMessage(encoded); err != nil {
//	    // errors.Is(err, limits.ErrMessageTooLarge)
//	}
package limits
