// Package presence publishes and resolves signed buddy presence records.
//
// A node advertises its reachable endpoint, ports, nickname and online
// status by writing a signed record under "azbuddy:status"+public key
// into a dht.Store. Each publish carries a strictly increasing sequence
// number; peers that resolve the record use sequence changes to decide
// whether the buddy is online (see Status.Apply).
//
// The Directory runs publishes through a single-slot dispatcher: a
// newer request replaces one that has not started yet. Identical
// payloads are not rewritten until the republish period elapses, and
// that period grows once the store reports the key as diversified.
//
// The package also carries the "you've got mail" marker used to tell an
// offline buddy that durable messages are waiting for it.
package presence
