// Package buddy manages the peers a node talks to and the request/reply
// traffic exchanged with them.
//
// A Registry tracks every known Buddy, accepts incoming links from the
// transport, throttles unsolicited contacts and runs the periodic sweep
// that expires messages, schedules presence lookups and keeps
// connections alive.
//
// Each Buddy owns an outbound queue with a single current message and
// up to limits.MaxActiveConnections connections. A message is written
// to one connection at a time and waits for the matching reply:
//
//	reg, _ := buddy.NewRegistry(buddy.RegistryConfig{
//	    LocalKey:  keyring.PublicKey(),
//	    Transport: tr,
//	})
//	b, _ := reg.AddBuddy(peerKey, messaging.SubsystemAZ2, true)
//	reply, err := b.Request(ctx, messaging.SubsystemAZ3, wire.Map{"type": int64(7)}, time.Minute)
//
// Frames on a connection are bencoded maps, split into chunks by the
// fragment codec when they exceed the link's frame size:
//
//	request  {type:1, req, ss, id, oz, v, cat?}
//	reply    {type:2, ss, id, oz, cat?, rep}
//	error    {type:99, ss, id, error}
//
// Subsystem 0 is internal: ping {type:1} is answered with {type:2} and
// close {type:3, r, os} with {type:4}.
package buddy
