package ws

import (
	"log"
	"net/http"

	"veche/internal/auth"

	"github.com/gorilla/websocket"
)

type Server struct {
	auth     *auth.Service
	hub      *Hub
	post     PostFunc
	upgrader *websocket.Upgrader
}

func NewServer(authService *auth.Service, hub *Hub, post PostFunc) *Server {
	return &Server{
		auth: authService,
		hub:  hub,
		post: post,
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for now
			},
		},
	}
}

func (s *Server) HandleConnections(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get("token")
	if token == "" {
		if c, err := r.Cookie("token"); err == nil {
			token = c.Value
		}
	}
	userID, err := s.auth.UserIDForToken(token)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("error upgrading to websocket: %v", err)
		return
	}

	c := NewConnection(s.hub, conn, userID, s.post)
	if err := c.Handle(r.Context()); err != nil {
		log.Printf("websocket connection error for user %d: %v", userID, err)
	}
}
