package internal

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"chatrelay/internal/auth"
	"chatrelay/internal/storage"
)

type roleRequest struct {
	Role string `json:"role" validate:"required,oneof=user admin"`
}

func (s *Server) HandleAdminListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.store.ListAllUsers(r.Context())
	if err != nil {
		s.writeInternal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, lo.Map(users, func(u storage.User, _ int) userDTO { return toUserDTO(u) }))
}

func (s *Server) HandleAdminSetRole(w http.ResponseWriter, r *http.Request) {
	var req roleRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}
	user, err := s.store.UpdateRole(r.Context(), chi.URLParam(r, "id"), req.Role)
	if err != nil {
		s.writeInternal(w, r, err)
		return
	}
	if user == nil {
		writeErrorMessage(w, http.StatusNotFound, "user not found")
		return
	}
	actor, _ := auth.FromContext(r.Context())
	s.logger.Info("role changed", zap.String("admin_id", actor.UserID), zap.String("user_id", user.ID), zap.String("role", user.Role))
	writeJSON(w, http.StatusOK, toUserDTO(*user))
}

// HandleAdminDeleteUser removes the account and drops its live connections.
// Tokens already issued to it stop authenticating with the account gone.
func (s *Server) HandleAdminDeleteUser(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	deleted, err := s.store.DeleteUser(r.Context(), userID)
	if err != nil {
		s.writeInternal(w, r, err)
		return
	}
	if !deleted {
		writeErrorMessage(w, http.StatusNotFound, "user not found")
		return
	}
	dropped := s.closeClients(func(c *Client) bool { return c.userID == userID })
	if conn, ok := s.registry.Lookup(userID); ok {
		conn.Close()
	}
	actor, _ := auth.FromContext(r.Context())
	s.logger.Info("user deleted", zap.String("admin_id", actor.UserID), zap.String("user_id", userID), zap.Int("connections_dropped", dropped))
	w.WriteHeader(http.StatusNoContent)
}
