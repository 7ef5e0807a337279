package presence

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	ErrNotAnnounced     = errors.New("announce before sending typing events")
	ErrIdentityMismatch = errors.New("announced user id does not match the authenticated user")
	ErrSessionClosed    = errors.New("session closed")
	ErrInvalidFrame     = errors.New("invalid frame")
	ErrUnknownFrame     = errors.New("unknown event")
	ErrRateLimited      = errors.New("too many frames")
)

// State is the lifecycle position of a Session.
type State int

const (
	StateConnected State = iota
	StateAnnounced
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateAnnounced:
		return "announced"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Session drives presence for one connection: Connected until the client
// announces a user id, Announced until the connection goes away, then Closed.
type Session struct {
	conn     Conn
	relay    *Relay
	registry *Registry
	logger   *zap.Logger
	identity string
	limiter  *rate.Limiter

	mu        sync.Mutex
	state     State
	userID    string
	closeOnce sync.Once
}

type SessionOption func(*Session)

// WithIdentity pins the session to an authenticated user id. Announcing any
// other id is refused.
func WithIdentity(userID string) SessionOption {
	return func(s *Session) { s.identity = userID }
}

// WithFrameLimit caps inbound frames per second. A zero limit disables the cap.
func WithFrameLimit(limit rate.Limit, burst int) SessionOption {
	return func(s *Session) {
		if limit > 0 {
			s.limiter = rate.NewLimiter(limit, burst)
		}
	}
}

func NewSession(conn Conn, relay *Relay, logger *zap.Logger, opts ...SessionOption) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Session{
		conn:     conn,
		relay:    relay,
		registry: relay.Registry(),
		logger:   logger.With(zap.String("conn_id", conn.ID())),
		state:    StateConnected,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// UserID is the announced user id, empty before announce.
func (s *Session) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

// Handle dispatches one inbound frame. Failures are answered with an error
// frame on the connection and returned to the caller for logging.
func (s *Session) Handle(f Frame) error {
	if s.State() == StateClosed {
		return ErrSessionClosed
	}
	if s.limiter != nil && !s.limiter.Allow() {
		return s.fail(ErrRateLimited)
	}
	var err error
	switch f.Name() {
	case FrameAnnounce:
		var data AnnounceData
		if err = decodeData(f, &data); err != nil {
			return s.fail(fmt.Errorf("%w: %v", ErrInvalidFrame, err))
		}
		err = s.Announce(data.UserID)
	case FrameQueryOnline:
		err = s.QueryOnline()
	case FrameTypingStart, FrameTypingStop:
		var data TypingData
		if err = decodeData(f, &data); err != nil {
			return s.fail(fmt.Errorf("%w: %v", ErrInvalidFrame, err))
		}
		err = s.Typing(data.To, f.Name() == FrameTypingStart)
	default:
		err = fmt.Errorf("%w: %q", ErrUnknownFrame, f.Event)
	}
	if err != nil {
		return s.fail(err)
	}
	return nil
}

func (s *Session) fail(err error) error {
	if !errors.Is(err, ErrSessionClosed) {
		s.conn.Send(ErrorEvent(ErrorCode(err), err.Error()))
	}
	return err
}

// ErrorCode maps session errors onto the code carried by error frames.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrNotAnnounced):
		return "not_announced"
	case errors.Is(err, ErrIdentityMismatch):
		return "forbidden"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrUnknownFrame):
		return "unknown_event"
	case errors.Is(err, ErrSessionClosed):
		return "closed"
	default:
		return "bad_request"
	}
}

// Announce binds the connection to userID and tells everyone else the user is
// online. An empty userID falls back to the authenticated identity. Announcing
// a different id on the same connection takes the previous id offline first.
func (s *Session) Announce(userID string) error {
	if userID == "" {
		userID = s.identity
	}
	if userID == "" {
		return fmt.Errorf("%w: userId is required", ErrInvalidFrame)
	}
	if s.identity != "" && userID != s.identity {
		return ErrIdentityMismatch
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return ErrSessionClosed
	}
	stale, prior := s.registry.Register(userID, s.conn)
	s.state = StateAnnounced
	s.userID = userID

	if prior != "" {
		s.relay.Broadcast(UserOffline(prior), s.conn)
	}
	if stale != nil {
		s.logger.Info("connection superseded", zap.String("user_id", userID), zap.String("stale_conn_id", stale.ID()))
	}
	n := s.relay.Broadcast(UserOnline(userID), s.conn)
	s.logger.Debug("announced", zap.String("user_id", userID), zap.Int("notified", n))
	return nil
}

// QueryOnline replies to this connection only with the current snapshot.
func (s *Session) QueryOnline() error {
	if s.State() == StateClosed {
		return ErrSessionClosed
	}
	s.conn.Send(OnlineUsers(s.registry.Snapshot()))
	return nil
}

// Typing forwards a typing indicator to one user. A recipient that is offline
// is not an error.
func (s *Session) Typing(to string, start bool) error {
	s.mu.Lock()
	state, from := s.state, s.userID
	s.mu.Unlock()

	switch state {
	case StateClosed:
		return ErrSessionClosed
	case StateConnected:
		return ErrNotAnnounced
	}
	if to == "" {
		return fmt.Errorf("%w: to is required", ErrInvalidFrame)
	}
	if holder, ok := s.registry.Lookup(from); !ok || holder != s.conn {
		return fmt.Errorf("%w: connection was superseded", ErrNotAnnounced)
	}
	evt := TypingStop(from)
	if start {
		evt = TypingStart(from)
	}
	s.relay.Deliver(to, evt)
	return nil
}

// Close unregisters the connection and, if it still held its user id,
// broadcasts that the user went offline. Only the first call has any effect.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.state = StateClosed
		userID, removed := s.registry.Unregister(s.conn)
		if !removed {
			return
		}
		n := s.relay.Broadcast(UserOffline(userID), s.conn)
		s.logger.Debug("went offline", zap.String("user_id", userID), zap.Int("notified", n))
	})
}
