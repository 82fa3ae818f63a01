package api

import (
	"github.com/mr-tron/base58"

	"github.com/opd-ai/buddynet/buddy"
	"github.com/opd-ai/buddynet/chat"
	"github.com/opd-ai/buddynet/persistent"
	"github.com/opd-ai/buddynet/wire"
)

type chatEvent struct {
	Network     string       `json:"network"`
	Key         string       `json:"key"`
	Message     *MessageView `json:"message,omitempty"`
	Participant string       `json:"participant,omitempty"`
	Sorting     bool         `json:"sorting,omitempty"`
}

type deliveryEvent struct {
	Buddy     string                 `json:"buddy"`
	ID        int64                  `json:"id"`
	Subsystem int                    `json:"subsystem"`
	Reply     map[string]interface{} `json:"reply,omitempty"`
	Error     string                 `json:"error,omitempty"`
}

// subscribe forwards registry, delivery and chat events to the hub.
func (s *Server) subscribe() {
	s.unsubs = append(s.unsubs, s.config.Registry.Events().Subscribe(func(e buddy.Event) {
		s.hub.Broadcast("buddy."+e.Kind.String(), buddyView(e.Buddy))
	}))

	if s.config.Handler != nil {
		s.unsubs = append(s.unsubs, s.config.Handler.AddListener(persistent.ListenerFuncs{
			OnQueued: func(m *persistent.Message) {
				s.hub.Broadcast("delivery.queued", newDeliveryEvent(m, nil, nil))
			},
			OnDeleted: func(m *persistent.Message) {
				s.hub.Broadcast("delivery.deleted", newDeliveryEvent(m, nil, nil))
			},
			OnSucceeded: func(m *persistent.Message, reply wire.Map) bool {
				s.hub.Broadcast("delivery.succeeded", newDeliveryEvent(m, reply, nil))
				return true
			},
			OnFailed: func(m *persistent.Message, err error) {
				s.hub.Broadcast("delivery.failed", newDeliveryEvent(m, nil, err))
			},
		}))
	}

	if s.config.Chats != nil {
		watched := make(map[*chat.Instance]func())
		s.unsubs = append(s.unsubs, s.config.Chats.Events().Subscribe(func(e chat.ManagerEvent) {
			switch e.Kind {
			case chat.ChatAdded:
				s.mu.Lock()
				if _, ok := watched[e.Instance]; !ok {
					watched[e.Instance] = s.watchChat(e.Instance)
				}
				s.mu.Unlock()
				s.hub.Broadcast("chat.added", chatView(e.Instance))
			case chat.ChatRemoved:
				s.mu.Lock()
				if unsub, ok := watched[e.Instance]; ok {
					delete(watched, e.Instance)
					unsub()
				}
				delete(s.chatRefs, e.Instance)
				s.mu.Unlock()
				s.hub.Broadcast("chat.removed", chatEvent{Network: e.Instance.Network(), Key: e.Instance.Key()})
			}
		}))
		s.mu.Lock()
		for _, c := range s.config.Chats.Chats() {
			watched[c] = s.watchChat(c)
		}
		s.mu.Unlock()
	}
}

func (s *Server) watchChat(c *chat.Instance) (unsubscribe func()) {
	return c.Events().Subscribe(func(e chat.Event) {
		ev := chatEvent{Network: c.Network(), Key: c.Key(), Sorting: e.SortOutstanding}
		switch e.Kind {
		case chat.EventMessageReceived:
			if e.Message == nil {
				return
			}
			v := messageView(e.Message)
			ev.Message = &v
		case chat.EventParticipantAdded, chat.EventParticipantChanged, chat.EventParticipantRemoved:
			if e.Participant != nil {
				ev.Participant = e.Participant.Name()
			}
		case chat.EventDestroyed:
			return
		}
		s.hub.Broadcast("chat."+e.Kind.String(), ev)
	})
}

func newDeliveryEvent(m *persistent.Message, reply wire.Map, err error) deliveryEvent {
	ev := deliveryEvent{
		Buddy:     base58.Encode(m.Buddy),
		ID:        m.ID,
		Subsystem: int(m.Subsystem),
	}
	if reply != nil {
		ev.Reply = fromWire(reply)
	}
	if err != nil {
		ev.Error = err.Error()
	}
	return ev
}
