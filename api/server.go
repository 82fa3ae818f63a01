// Package api exposes a node over HTTP: buddy management, direct and
// durable buddy messages, chats, and a websocket stream of node events.
//
// Routes:
//
//	GET    /buddies
//	POST   /buddies/{key}
//	DELETE /buddies/{key}
//	POST   /buddies/{key}/messages
//	GET    /chats
//	GET    /chats/{network}/{key}/messages
//	POST   /chats/{network}/{key}/messages
//	GET    /events
//
// Keys are base58 encoded public keys.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/buddynet/buddy"
	"github.com/opd-ai/buddynet/chat"
	"github.com/opd-ai/buddynet/persistent"
)

const shutdownTimeout = 5 * time.Second

// Config configures a Server. Registry is required; Handler and Chats
// enable their routes when set.
type Config struct {
	Listen   string
	Registry *buddy.Registry
	Handler  *persistent.Handler
	Chats    *chat.Manager
	Logger   *logrus.Logger
}

// Server is the admin HTTP API.
type Server struct {
	config Config
	router *mux.Router
	hub    *Hub
	log    *logrus.Logger

	mu       sync.Mutex
	chatRefs map[*chat.Instance]bool
	unsubs   []func()
}

// NewServer builds the router and subscribes the event hub to the node.
func NewServer(config Config) (*Server, error) {
	if config.Registry == nil {
		return nil, errors.New("api: registry is required")
	}
	log := config.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}

	s := &Server{
		config:   config,
		router:   mux.NewRouter(),
		hub:      NewHub(log),
		log:      log,
		chatRefs: make(map[*chat.Instance]bool),
	}
	s.routes()
	s.subscribe()
	return s, nil
}

func (s *Server) routes() {
	r := s.router
	r.HandleFunc("/buddies", s.listBuddies).Methods(http.MethodGet)
	r.HandleFunc("/buddies/{key}", s.addBuddy).Methods(http.MethodPost)
	r.HandleFunc("/buddies/{key}", s.removeBuddy).Methods(http.MethodDelete)
	r.HandleFunc("/buddies/{key}/messages", s.sendBuddyMessage).Methods(http.MethodPost)
	r.HandleFunc("/chats", s.listChats).Methods(http.MethodGet)
	r.HandleFunc("/chats/{network}/{key}/messages", s.listChatMessages).Methods(http.MethodGet)
	r.HandleFunc("/chats/{network}/{key}/messages", s.sendChatMessage).Methods(http.MethodPost)
	r.HandleFunc("/events", s.events).Methods(http.MethodGet)
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Hub returns the event hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Serve listens on the configured address until ctx is done.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Listen)
	if err != nil {
		return err
	}
	return s.ServeListener(ctx, ln)
}

// ServeListener serves on ln until ctx is done, then shuts down
// gracefully.
func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	hubCtx, stopHub := context.WithCancel(ctx)
	defer stopHub()
	go s.hub.Run(hubCtx)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	s.log.WithField("address", ln.Addr().String()).Info("API listening")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// Close releases event subscriptions and the chats opened through the API.
func (s *Server) Close() {
	s.mu.Lock()
	unsubs := s.unsubs
	s.unsubs = nil
	refs := s.chatRefs
	s.chatRefs = make(map[*chat.Instance]bool)
	s.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	for c := range refs {
		c.Destroy()
	}
}
