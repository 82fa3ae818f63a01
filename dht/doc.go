// Package dht defines the distributed key-value store the presence
// directory publishes into, together with two implementations.
//
// A Store accepts signed values under opaque keys and reports the
// progress of a write as a stream of WriteEvents. Reads stream every
// value found for a key along with its creation time and the contact
// that returned it, so callers can pick the newest record themselves.
//
// MemoryStore keeps values in process and can simulate write
// diversification; it backs tests and single-host setups. BEP44Store
// stores values as BEP 44 mutable items on the BitTorrent mainline DHT.
//
// Example:
//
//	events, err := store.Write(ctx, key, value)
//	if err != nil {
//	    return err
//	}
//	for ev := range events {
//	    if ev.Kind == dht.Diversified {
//	        backoff = true
//	    }
//	}
package dht
