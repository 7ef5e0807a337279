package internal

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"chatrelay/internal/auth"
	"chatrelay/internal/messaging"
	"chatrelay/internal/storage"
)

type registerRequest struct {
	Username string `json:"username" validate:"required,min=3,max=20"`
	Email    string `json:"email" validate:"required,email,max=50"`
	Password string `json:"password" validate:"required,min=8,max=72"`
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
	User      userDTO   `json:"user"`
}

type userDTO struct {
	ID               string    `json:"id"`
	Username         string    `json:"username"`
	Email            string    `json:"email"`
	Role             string    `json:"role"`
	AvatarImage      string    `json:"avatarImage"`
	IsAvatarImageSet bool      `json:"isAvatarImageSet"`
	CreatedAt        time.Time `json:"createdAt"`
	Online           *bool     `json:"online,omitempty"`
}

type friendDTO struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Online   bool   `json:"online"`
}

type friendsResponse struct {
	Friends []friendDTO `json:"friends"`
}

type friendRequestsResponse struct {
	Incoming []string `json:"incoming"`
	Outgoing []string `json:"outgoing"`
}

type passwordChangeRequest struct {
	Current string `json:"current_password" validate:"required"`
	New     string `json:"new_password" validate:"required,min=8,max=72"`
}

type avatarRequest struct {
	Image string `json:"image" validate:"required"`
}

type avatarResponse struct {
	IsSet bool   `json:"isSet"`
	Image string `json:"image"`
}

func toUserDTO(u storage.User) userDTO {
	return userDTO{
		ID:               u.ID,
		Username:         u.Username,
		Email:            u.Email,
		Role:             u.Role,
		AvatarImage:      u.AvatarImage,
		IsAvatarImageSet: u.IsAvatarImageSet,
		CreatedAt:        u.CreatedAt,
	}
}

func (s *Server) HandlePing(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"msg": "pong"})
}

func (s *Server) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}
	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		s.writeInternal(w, r, err)
		return
	}
	user := storage.User{
		ID:           uuid.NewString(),
		Username:     strings.TrimSpace(req.Username),
		Email:        strings.ToLower(strings.TrimSpace(req.Email)),
		PasswordHash: hash,
		Role:         storage.RoleUser,
	}
	if err := s.store.CreateUser(r.Context(), user); err != nil {
		if errors.Is(err, storage.ErrUserExists) || errors.Is(err, storage.ErrEmailExists) {
			writeError(w, http.StatusConflict, err)
			return
		}
		s.writeInternal(w, r, err)
		return
	}
	created, err := s.store.GetUserByID(r.Context(), user.ID)
	if err != nil || created == nil {
		s.writeInternal(w, r, fmt.Errorf("reload user: %w", err))
		return
	}
	s.metrics.IncSignup()
	s.logger.Info("user registered", zap.String("user_id", user.ID), zap.String("username", user.Username))
	writeJSON(w, http.StatusCreated, toUserDTO(*created))
}

func (s *Server) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}
	user, err := s.store.GetUserByEmail(r.Context(), strings.ToLower(strings.TrimSpace(req.Email)))
	if err != nil {
		s.writeInternal(w, r, err)
		return
	}
	if user == nil {
		writeErrorMessage(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	ok, err := auth.ComparePassword(user.PasswordHash, req.Password)
	if err != nil {
		s.writeInternal(w, r, err)
		return
	}
	if !ok {
		writeErrorMessage(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	token, claims, err := s.issuer.Issue(user.ID, user.Role)
	if err != nil {
		s.writeInternal(w, r, err)
		return
	}
	s.metrics.IncLogin()
	writeJSON(w, http.StatusOK, loginResponse{
		Token:     token,
		ExpiresAt: claims.ExpiresAt.Time,
		User:      toUserDTO(*user),
	})
}

// HandleLogout revokes the presented token and drops the websockets opened
// with it. Connections from other devices of the same user stay up.
func (s *Server) HandleLogout(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())
	if err := s.store.RevokeToken(r.Context(), id.TokenID, id.ExpiresAt); err != nil {
		s.writeInternal(w, r, err)
		return
	}
	s.closeClients(func(c *Client) bool { return c.tokenID == id.TokenID })
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) HandlePasswordChange(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())
	var req passwordChangeRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}
	user, err := s.store.GetUserByID(r.Context(), id.UserID)
	if err != nil {
		s.writeInternal(w, r, err)
		return
	}
	if user == nil {
		writeErrorMessage(w, http.StatusNotFound, "user not found")
		return
	}
	ok, err := auth.ComparePassword(user.PasswordHash, req.Current)
	if err != nil {
		s.writeInternal(w, r, err)
		return
	}
	if !ok {
		writeErrorMessage(w, http.StatusUnauthorized, "current password incorrect")
		return
	}
	hash, err := auth.HashPassword(req.New)
	if err != nil {
		s.writeInternal(w, r, err)
		return
	}
	if err := s.store.UpdatePassword(r.Context(), id.UserID, hash); err != nil {
		s.writeInternal(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) HandleSetAvatar(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())
	var req avatarRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}
	user, err := s.store.SetAvatar(r.Context(), id.UserID, req.Image)
	if err != nil {
		s.writeInternal(w, r, err)
		return
	}
	if user == nil {
		writeErrorMessage(w, http.StatusNotFound, "user not found")
		return
	}
	writeJSON(w, http.StatusOK, avatarResponse{IsSet: user.IsAvatarImageSet, Image: user.AvatarImage})
}

// HandleListUsers lists every regular account except the caller.
func (s *Server) HandleListUsers(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())
	users, err := s.store.ListUsers(r.Context(), storage.RoleUser, id.UserID)
	if err != nil {
		s.writeInternal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, lo.Map(users, func(u storage.User, _ int) userDTO {
		dto := toUserDTO(u)
		online := s.registry.Online(u.ID)
		dto.Online = &online
		return dto
	}))
}

func (s *Server) HandleListFriends(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())
	friends, err := s.store.ListFriends(r.Context(), id.UserID)
	if err != nil {
		s.writeInternal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, friendsResponse{Friends: lo.Map(friends, func(f storage.User, _ int) friendDTO {
		return friendDTO{ID: f.ID, Username: f.Username, Online: s.registry.Online(f.ID)}
	})})
}

func (s *Server) HandleListFriendRequests(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())
	incoming, err := s.store.ListIncomingFriendRequests(r.Context(), id.UserID)
	if err != nil {
		s.writeInternal(w, r, err)
		return
	}
	outgoing, err := s.store.ListOutgoingFriendRequests(r.Context(), id.UserID)
	if err != nil {
		s.writeInternal(w, r, err)
		return
	}
	username := func(u storage.User, _ int) string { return u.Username }
	writeJSON(w, http.StatusOK, friendRequestsResponse{
		Incoming: lo.Map(incoming, username),
		Outgoing: lo.Map(outgoing, username),
	})
}

func (s *Server) HandleCreateFriendRequest(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())
	friend, ok := s.lookupUsername(w, r)
	if !ok {
		return
	}
	if err := s.store.CreateFriendRequest(r.Context(), id.UserID, friend.ID); err != nil {
		switch {
		case errors.Is(err, storage.ErrSelfFriendRequest):
			writeError(w, http.StatusBadRequest, err)
		case errors.Is(err, storage.ErrFriendRequestExists):
			writeError(w, http.StatusConflict, err)
		default:
			s.writeInternal(w, r, err)
		}
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) HandleRespondFriendRequest(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())
	friend, ok := s.lookupUsername(w, r)
	if !ok {
		return
	}
	var (
		found bool
		err   error
	)
	switch chi.URLParam(r, "action") {
	case "accept":
		err = s.store.AcceptFriendRequest(r.Context(), friend.ID, id.UserID)
		found = !errors.Is(err, sql.ErrNoRows)
		if !found {
			err = nil
		}
	case "decline":
		found, err = s.store.DeleteFriendRequest(r.Context(), friend.ID, id.UserID)
	case "cancel":
		found, err = s.store.DeleteFriendRequest(r.Context(), id.UserID, friend.ID)
	default:
		writeErrorMessage(w, http.StatusBadRequest, "action must be accept, decline or cancel")
		return
	}
	if err != nil {
		s.writeInternal(w, r, err)
		return
	}
	if !found {
		writeErrorMessage(w, http.StatusNotFound, "no pending friend request")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) HandleOnline(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"online": s.registry.Snapshot()})
}

func (s *Server) lookupUsername(w http.ResponseWriter, r *http.Request) (*storage.User, bool) {
	username := strings.TrimSpace(chi.URLParam(r, "username"))
	if username == "" {
		writeErrorMessage(w, http.StatusBadRequest, "username required")
		return nil, false
	}
	user, err := s.store.GetUserByUsername(r.Context(), username)
	if err != nil {
		s.writeInternal(w, r, err)
		return nil, false
	}
	if user == nil {
		writeErrorMessage(w, http.StatusNotFound, "user not found")
		return nil, false
	}
	return user, true
}

func (s *Server) decodeAndValidate(w http.ResponseWriter, r *http.Request, out any) bool {
	if err := decodeJSON(r, out); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return false
	}
	if err := s.validate.Struct(out); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := lo.Map(verrs, func(fe validator.FieldError, _ int) string {
				return fmt.Sprintf("%s failed %s", strings.ToLower(fe.Field()), fe.Tag())
			})
			writeErrorMessage(w, http.StatusBadRequest, strings.Join(msgs, "; "))
			return false
		}
		writeError(w, http.StatusBadRequest, err)
		return false
	}
	return true
}

// writeServiceError maps domain errors onto status codes.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, messaging.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, messaging.ErrForbidden), errors.Is(err, auth.ErrForbidden):
		writeError(w, http.StatusForbidden, err)
	case errors.Is(err, messaging.ErrEmptyText):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, auth.ErrInvalidToken):
		writeError(w, http.StatusUnauthorized, err)
	default:
		s.writeInternal(w, r, err)
	}
}

func (s *Server) writeInternal(w http.ResponseWriter, r *http.Request, err error) {
	s.logger.Error("request failed",
		zap.String("path", r.URL.Path),
		zap.String("request_id", middleware.GetReqID(r.Context())),
		zap.Error(err))
	writeErrorMessage(w, http.StatusInternalServerError, "internal server error")
}

func decodeJSON(r *http.Request, out any) error {
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(out)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeErrorMessage(w, status, err.Error())
}

func writeErrorMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
