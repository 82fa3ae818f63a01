// Package buddynet implements a peer-to-peer buddy messaging node.
//
// Buddies are identified by Ed25519 public keys. A node publishes a signed
// presence record to a DHT for every network it joins, looks buddies up
// there, and reaches them over authenticated links. Requests are bencoded
// dictionaries addressed to a subsystem and answered with a reply.
//
// # Getting Started
//
// Load a configuration, unlock the identity and run the node:
//
//	cfg, err := config.Load("node.yaml", ".env")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	ring, err := crypto.OpenKeyring(filepath.Join(cfg.Node.DataDir, "keys"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := ring.Unlock(password); err != nil {
//	    log.Fatal(err)
//	}
//
//	node, err := buddynet.New(buddynet.Options{Config: cfg, Keyring: ring})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	log.Fatal(node.Run(ctx))
//
// # Components
//
// A Node wires these packages together:
//
//   - transport: QUIC, TCP (Noise) or in-memory links
//   - dht: BEP44 or in-memory storage of presence records
//   - presence: publishing and lookup of signed presence records
//   - buddy: the buddy registry, connections and request dispatch
//   - persistent: durable delivery of messages to offline buddies
//   - store: SQLite or PostgreSQL persistence of buddies, messages and bans
//   - chat: public and private chats with causal message ordering
//   - api: the HTTP admin API and websocket event stream
//
// # Sending Messages
//
// Direct requests fail when the buddy cannot be reached in time:
//
//	b, _ := node.Registry().AddBuddy(pk, messaging.SubsystemAZ2, true)
//	reply, err := b.Request(ctx, messaging.SubsystemAZ2, wire.Map{"msg": "hi"}, time.Minute)
//
// Persistent messages are stored and retried until the buddy answers:
//
//	msg, err := node.Messages().Queue(ctx, pk, messaging.SubsystemAZ2, wire.Map{"msg": "hi"}, time.Minute)
//
// # Deterministic Testing
//
// Options.MemoryNetwork, Options.MemoryDHT and Options.ChatSync replace the
// network-facing components so several nodes can run in one process.
package buddynet
