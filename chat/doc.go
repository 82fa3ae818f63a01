// Package chat implements decentralized multi-participant chats on top
// of an external message synchronization service.
//
// A Manager hands out reference counted Instances, one per network and
// key. Each Instance binds to the MessageSync service, receives raw
// messages from it and keeps a bounded, consistently ordered history.
// Messages carry a link to the message their author saw last; Sort
// rebuilds the conversation from those links so that every member ends
// up with the same order regardless of arrival order.
//
//	mgr, err := chat.NewManager(chat.ManagerConfig{Sync: sync, Nickname: "alice"})
//	if err != nil {
//		return err
//	}
//	inst, err := mgr.GetChat(ctx, chat.NetworkPublic, "General")
//	if err != nil {
//		return err
//	}
//	defer inst.Destroy()
//
//	inst.Events().Subscribe(func(e chat.Event) {
//		if e.Kind == chat.EventMessageReceived {
//			fmt.Println(e.Message.Participant().Name(), e.Message.Text())
//		}
//	})
//	inst.SendMessage("hello", nil)
//
// Participants are tracked per public key. Nicknames shared by more than
// one participant are flagged as clashes, and a participant can be
// ignored, pinned or marked as a spammer. Private one-to-one chats are
// spun off a participant with Participant.CreatePrivateChat.
package chat
