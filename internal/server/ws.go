package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/nexus-im/courier/internal/delivery"
	"github.com/nexus-im/courier/store/user"
)

// handleWS upgrades an authenticated request into a push channel and
// serves it until the peer leaves or the server shuts down.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	userID, status, msg := s.authenticate(r, true)
	if status != 0 {
		writeError(w, status, msg)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied.
		s.log.Debug("Websocket upgrade failed", "user_id", userID, "error", err)
		return
	}

	ch := delivery.NewWSChannel(conn, s.buffer, s.log.With("user_id", userID))
	s.hub.Register(userID, ch)
	defer s.hub.Unregister(userID, ch)

	ch.Serve(s.ctx)
}

// LastSeenHook stamps a user's lastSeen when their last channel closes.
func LastSeenHook(log *slog.Logger, users user.Store) func(userID string) {
	return func(userID string) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := users.TouchLastSeen(ctx, userID, time.Now().UTC()); err != nil {
			log.Warn("Unable to record last seen", "user_id", userID, "error", err)
		}
	}
}
