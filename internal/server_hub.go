package internal

import (
	"errors"
	"net/http"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"chatrelay/internal/auth"
	"chatrelay/internal/presence"
)

// ServeWS authenticates the caller, upgrades to a websocket and starts a
// presence session on it. Without a token the upgrade is refused unless
// anonymous presence is enabled.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	var identity, tokenID string
	if token := auth.TokenFromRequest(r); token != "" {
		id, err := s.authn.Authenticate(r.Context(), token)
		if err != nil {
			if errors.Is(err, auth.ErrInvalidToken) {
				writeError(w, http.StatusUnauthorized, auth.ErrInvalidToken)
				return
			}
			s.writeInternal(w, r, err)
			return
		}
		identity, tokenID = id.UserID, id.TokenID
	} else if !s.opts.AnonymousPresence {
		writeErrorMessage(w, http.StatusUnauthorized, "missing bearer token")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("upgrade failed", zap.Error(err))
		return
	}
	client := newClient(conn, s.opts.SendBuffer, s.logger.Named("ws"))
	client.userID, client.tokenID = identity, tokenID
	opts := []presence.SessionOption{
		presence.WithFrameLimit(rate.Limit(s.opts.FrameRate), s.opts.FrameBurst),
	}
	if identity != "" {
		opts = append(opts, presence.WithIdentity(identity))
	}
	session := presence.NewSession(client, s.relay, s.logger.Named("presence"), opts...)
	s.trackClient(client)
	s.logger.Debug("websocket connected", zap.String("conn_id", client.ID()), zap.String("user_id", identity))

	go client.writePump()
	go client.readPump(session, s)
}
