package internal

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"chatrelay/internal/auth"
)

type sendMessageRequest struct {
	To   string `json:"to" validate:"required"`
	Text string `json:"text" validate:"required,max=4000"`
}

type editMessageRequest struct {
	Text string `json:"text" validate:"required,max=4000"`
}

func (s *Server) HandleSendMessage(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())
	var req sendMessageRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}
	msg, err := s.messages.Send(r.Context(), id.UserID, req.To, req.Text)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

// HandleHistory returns the conversation with the peer named in the path.
func (s *Server) HandleHistory(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())
	history, err := s.messages.History(r.Context(), id.UserID, chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func (s *Server) HandleEditMessage(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())
	var req editMessageRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}
	msg, err := s.messages.Edit(r.Context(), id.UserID, chi.URLParam(r, "id"), req.Text)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (s *Server) HandleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())
	messageID := chi.URLParam(r, "id")
	if err := s.messages.Delete(r.Context(), id.UserID, messageID); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": messageID})
}
