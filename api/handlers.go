package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/mr-tron/base58"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/buddynet/buddy"
	"github.com/opd-ai/buddynet/chat"
	"github.com/opd-ai/buddynet/messaging"
)

const (
	defaultRequestTimeout = 60 * time.Second
	maxBodyBytes          = 1 << 20
)

// BuddyView is the JSON form of a buddy.
type BuddyView struct {
	Key         string `json:"key"`
	Nickname    string `json:"nickname,omitempty"`
	Subsystem   int    `json:"subsystem"`
	Authorized  bool   `json:"authorized"`
	Transient   bool   `json:"transient"`
	Online      bool   `json:"online"`
	Connected   bool   `json:"connected"`
	QueueLength int    `json:"queue_length"`
}

// ChatView is the JSON form of a chat instance.
type ChatView struct {
	Network      string `json:"network"`
	Key          string `json:"key"`
	Private      bool   `json:"private"`
	ReadOnly     bool   `json:"read_only"`
	Nodes        int    `json:"nodes"`
	Messages     int    `json:"messages"`
	Participants int    `json:"participants"`
	Favourite    bool   `json:"favourite"`
}

// MessageView is the JSON form of a chat message.
type MessageView struct {
	ID          string `json:"id"`
	Sender      string `json:"sender"`
	Nickname    string `json:"nickname"`
	Text        string `json:"text"`
	Type        string `json:"type"`
	Sequence    int64  `json:"sequence"`
	Timestamp   int64  `json:"timestamp"`
	Ignored     bool   `json:"ignored,omitempty"`
	NickClash   bool   `json:"nick_clash,omitempty"`
	Participant string `json:"participant,omitempty"`
}

type addBuddyRequest struct {
	Subsystem  *int  `json:"subsystem"`
	Authorized *bool `json:"authorized"`
}

type buddyMessageRequest struct {
	Subsystem  int                    `json:"subsystem"`
	Request    map[string]interface{} `json:"request"`
	TimeoutMS  int64                  `json:"timeout_ms"`
	Persistent bool                   `json:"persistent"`
}

type buddyMessageResponse struct {
	ID    int64                  `json:"id,omitempty"`
	Reply map[string]interface{} `json:"reply,omitempty"`
}

type chatMessageRequest struct {
	Text  string `json:"text"`
	Me    bool   `json:"me"`
	Flash bool   `json:"flash"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.WithError(err).Debug("Failed to write response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	if r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.UseNumber()
	return dec.Decode(v)
}

func pathKey(r *http.Request) ([]byte, error) {
	pk, err := base58.Decode(mux.Vars(r)["key"])
	if err != nil || len(pk) == 0 {
		return nil, errors.New("key must be a base58 public key")
	}
	return pk, nil
}

func buddyView(b *buddy.Buddy) BuddyView {
	return BuddyView{
		Key:         base58.Encode(b.PublicKey()),
		Nickname:    b.Nickname(),
		Subsystem:   int(b.Subsystem()),
		Authorized:  b.Authorized(),
		Transient:   b.Transient(),
		Online:      b.Online(),
		Connected:   b.Connected(),
		QueueLength: b.QueueLength(),
	}
}

func chatView(c *chat.Instance) ChatView {
	return ChatView{
		Network:      c.Network(),
		Key:          c.Key(),
		Private:      c.IsPrivate(),
		ReadOnly:     c.IsReadOnly(),
		Nodes:        c.Status().Nodes,
		Messages:     len(c.Messages()),
		Participants: len(c.Participants()),
		Favourite:    c.Favourite(),
	}
}

func messageView(m *chat.Message) MessageView {
	v := MessageView{
		ID:        base58.Encode(m.ID()),
		Sender:    base58.Encode(m.PublicKey()),
		Nickname:  m.Nickname(),
		Text:      m.Text(),
		Type:      m.Type().String(),
		Sequence:  m.Sequence(),
		Timestamp: m.Timestamp().UnixMilli(),
		Ignored:   m.Ignored(),
		NickClash: m.NickClash(true),
	}
	if p := m.Participant(); p != nil {
		v.Participant = p.Name()
	}
	return v
}

func (s *Server) listBuddies(w http.ResponseWriter, r *http.Request) {
	buddies := s.config.Registry.Buddies()
	views := make([]BuddyView, 0, len(buddies))
	for _, b := range buddies {
		views = append(views, buddyView(b))
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) addBuddy(w http.ResponseWriter, r *http.Request) {
	pk, err := pathKey(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	var req addBuddyRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	subsystem := messaging.SubsystemAZ2
	if req.Subsystem != nil {
		subsystem = messaging.Subsystem(*req.Subsystem)
	}
	authorized := true
	if req.Authorized != nil {
		authorized = *req.Authorized
	}

	var b *buddy.Buddy
	if authorized {
		b, err = s.config.Registry.AddBuddy(pk, subsystem, true)
	} else {
		b, err = s.config.Registry.AddTransient(pk, subsystem)
	}
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	s.log.WithFields(logrus.Fields{
		"buddy":      base58.Encode(pk),
		"subsystem":  int(subsystem),
		"authorized": authorized,
	}).Info("Buddy added")
	s.writeJSON(w, http.StatusCreated, buddyView(b))
}

func (s *Server) removeBuddy(w http.ResponseWriter, r *http.Request) {
	pk, err := pathKey(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if !s.config.Registry.RemoveBuddy(pk) {
		s.writeError(w, http.StatusNotFound, errors.New("unknown buddy"))
		return
	}
	s.log.WithField("buddy", base58.Encode(pk)).Info("Buddy removed")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) sendBuddyMessage(w http.ResponseWriter, r *http.Request) {
	pk, err := pathKey(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	var req buddyMessageRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if len(req.Request) == 0 {
		s.writeError(w, http.StatusBadRequest, errors.New("request is required"))
		return
	}
	request, err := toWire(req.Request)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	timeout := defaultRequestTimeout
	if req.TimeoutMS > 0 {
		timeout = time.Duration(req.TimeoutMS) * time.Millisecond
	}
	subsystem := messaging.Subsystem(req.Subsystem)

	if req.Persistent {
		if s.config.Handler == nil {
			s.writeError(w, http.StatusNotImplemented, errors.New("persistent messaging is disabled"))
			return
		}
		msg, err := s.config.Handler.Queue(r.Context(), pk, subsystem, request, timeout)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err)
			return
		}
		s.writeJSON(w, http.StatusAccepted, buddyMessageResponse{ID: msg.ID})
		return
	}

	b := s.config.Registry.Buddy(pk)
	if b == nil {
		s.writeError(w, http.StatusNotFound, errors.New("unknown buddy"))
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()
	reply, err := b.Request(ctx, subsystem, request, timeout)
	if err != nil {
		s.writeError(w, sendErrorStatus(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, buddyMessageResponse{Reply: fromWire(reply)})
}

func sendErrorStatus(err error) int {
	var sendErr *messaging.SendError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.As(err, &sendErr):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (s *Server) chats(w http.ResponseWriter) bool {
	if s.config.Chats == nil {
		s.writeError(w, http.StatusNotImplemented, errors.New("chat is disabled"))
		return false
	}
	return true
}

func (s *Server) listChats(w http.ResponseWriter, r *http.Request) {
	if !s.chats(w) {
		return
	}
	chats := s.config.Chats.Chats()
	views := make([]ChatView, 0, len(chats))
	for _, c := range chats {
		views = append(views, chatView(c))
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) listChatMessages(w http.ResponseWriter, r *http.Request) {
	if !s.chats(w) {
		return
	}
	vars := mux.Vars(r)
	c := s.config.Chats.Chat(vars["network"], vars["key"])
	if c == nil {
		s.writeError(w, http.StatusNotFound, errors.New("unknown chat"))
		return
	}
	msgs := c.Messages()
	views := make([]MessageView, 0, len(msgs))
	for _, m := range msgs {
		views = append(views, messageView(m))
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) sendChatMessage(w http.ResponseWriter, r *http.Request) {
	if !s.chats(w) {
		return
	}
	var req chatMessageRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Text == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("text is required"))
		return
	}

	vars := mux.Vars(r)
	c, err := s.openChat(r.Context(), vars["network"], vars["key"])
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err)
		return
	}

	flags := &chat.Flags{}
	if req.Me {
		flags.Type = chat.TypeMe
	}
	flags.Flash = req.Flash
	switch err := c.SendMessage(req.Text, flags); {
	case errors.Is(err, chat.ErrReadOnly):
		s.writeError(w, http.StatusForbidden, err)
	case err != nil:
		s.writeError(w, http.StatusServiceUnavailable, err)
	default:
		s.writeJSON(w, http.StatusAccepted, chatView(c))
	}
}

// openChat returns the chat, holding one reference per chat for the
// lifetime of the server.
func (s *Server) openChat(ctx context.Context, network, key string) (*chat.Instance, error) {
	if c := s.config.Chats.Chat(network, key); c != nil {
		s.mu.Lock()
		held := s.chatRefs[c]
		s.mu.Unlock()
		if held {
			return c, nil
		}
	}

	c, err := s.config.Chats.GetChat(ctx, network, key)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	if s.chatRefs[c] {
		s.mu.Unlock()
		c.Destroy()
		return c, nil
	}
	s.chatRefs[c] = true
	s.mu.Unlock()
	return c, nil
}
