// Package server exposes the chat engine over WebSocket, plus a health
// endpoint. One connection carries any number of turns; a request without
// a conversation ID starts a fresh conversation.
package server

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/marrowlabs/mnemo/engine"
)

// ChatRequest is one client turn.
type ChatRequest struct {
	// ConversationID selects the conversation; empty starts a new one.
	ConversationID string `json:"conversation_id,omitempty"`

	// Message is the user's message. Required.
	Message string `json:"message"`
}

// ChatResponse is the server's answer to one turn.
type ChatResponse struct {
	ConversationID string `json:"conversation_id,omitempty"`
	Reply          string `json:"reply,omitempty"`
	Error          string `json:"error,omitempty"`
}

// Server routes WebSocket chat traffic to the engine.
type Server struct {
	engine   *engine.Engine
	mux      *http.ServeMux
	upgrader websocket.Upgrader
}

// New creates a server over the given engine.
func New(eng *engine.Engine) *Server {
	s := &Server{
		engine: eng,
		mux:    http.NewServeMux(),
		upgrader: websocket.Upgrader{
			// The browser frontend runs on its own origin during
			// development; auth lives outside this service.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.mux.HandleFunc("/ws", s.handleWS)
	s.mux.HandleFunc("/health", s.handleHealth)
	return s
}

// Handler returns the server's HTTP handler. Used by tests and callers
// that manage their own listener.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Run serves on addr until the listener fails.
func (s *Server) Run(addr string) error {
	log.Printf("[SERVER] Listening on %s", addr)
	return http.ListenAndServe(addr, s.mux)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[SERVER] Upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	for {
		var req ChatRequest
		if err := conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("[SERVER] Read failed: %v", err)
			}
			return
		}
		if req.Message == "" {
			s.write(conn, ChatResponse{Error: "message is required"})
			continue
		}
		if req.ConversationID == "" {
			req.ConversationID = uuid.New().String()
			log.Printf("[SERVER] New conversation %s", req.ConversationID)
		}

		reply, err := s.engine.Chat(r.Context(), req.ConversationID, req.Message)
		if err != nil {
			log.Printf("[SERVER] Chat failed for %s: %v", req.ConversationID, err)
			s.write(conn, ChatResponse{ConversationID: req.ConversationID, Error: "chat failed"})
			continue
		}
		s.write(conn, ChatResponse{ConversationID: req.ConversationID, Reply: reply})
	}
}

func (s *Server) write(conn *websocket.Conn, resp ChatResponse) {
	if err := conn.WriteJSON(resp); err != nil {
		log.Printf("[SERVER] Write failed: %v", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
