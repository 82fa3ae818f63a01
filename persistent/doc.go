// Package persistent implements durable at-least-once delivery of
// requests to buddies.
//
// Queued requests are sealed with the local identity and written to a
// Store before delivery is attempted, so they survive restarts. A single
// worker delivers the oldest request of each buddy through the buddy's
// ordinary message queue. Registered DeliveryListeners confirm each
// reply; a reply that is not confirmed by every listener is kept on a
// pending-success list and offered to the listeners again later.
//
//	h, err := persistent.NewHandler(persistent.Config{
//		Store:    store,
//		Registry: registry,
//		Sealer:   keyring,
//	})
//	h.AddListener(myListener)
//	h.Start()
//	msg, err := h.Queue(ctx, buddyKey, messaging.SubsystemAZ2, request, time.Minute)
//
// Explicit messages are stored but never sent. They use the subsystem
// messaging.SubsystemExplicitBase+type and are fetched again with
// RetrieveExplicit.
package persistent
