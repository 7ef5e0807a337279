package internal

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"chatrelay/internal/auth"
	"chatrelay/internal/messaging"
	"chatrelay/internal/presence"
	"chatrelay/internal/storage"
)

// ServerOptions carries everything the server needs from configuration.
type ServerOptions struct {
	Store             *storage.Store
	Issuer            *auth.Issuer
	Logger            *zap.Logger
	WSPath            string
	EditWindow        time.Duration
	SendBuffer        int
	FrameRate         float64
	FrameBurst        int
	AuthRate          float64
	AuthBurst         int
	AnonymousPresence bool
	AllowedOrigins    []string
	// TrustProxyHeaders takes the client address from X-Forwarded-For and
	// X-Real-IP. Only enable it behind a proxy that overwrites those headers.
	TrustProxyHeaders bool
}

// Server holds the HTTP API and the websocket presence endpoint.
type Server struct {
	store       *storage.Store
	issuer      *auth.Issuer
	authn       *auth.Authenticator
	registry    *presence.Registry
	relay       *presence.Relay
	messages    *messaging.Service
	metrics     *Metrics
	authLimiter *RateLimiter
	validate    *validator.Validate
	upgrader    websocket.Upgrader
	logger      *zap.Logger
	opts        ServerOptions

	clientsMu sync.Mutex
	clients   map[*Client]struct{}
}

func NewServer(opts ServerOptions) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.WSPath == "" {
		opts.WSPath = "/ws"
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = defaultSendBuffer
	}
	metrics := NewMetrics()
	registry := presence.NewRegistry()
	relay := presence.NewRelay(registry, opts.Logger.Named("relay"), presence.WithObserver(metrics))
	s := &Server{
		store:    opts.Store,
		issuer:   opts.Issuer,
		authn:    auth.NewAuthenticator(opts.Issuer, opts.Store),
		registry: registry,
		relay:    relay,
		messages: messaging.NewService(opts.Store, relay,
			messaging.WithEditWindow(opts.EditWindow),
			messaging.WithLogger(opts.Logger.Named("messaging"))),
		metrics:     metrics,
		authLimiter: NewRateLimiter(opts.AuthRate, opts.AuthBurst),
		validate:    validator.New(validator.WithRequiredStructEnabled()),
		logger:      opts.Logger,
		opts:        opts,
		clients:     make(map[*Client]struct{}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) Registry() *presence.Registry { return s.registry }

func (s *Server) Metrics() *Metrics { return s.metrics }

func (s *Server) AuthLimiter() *RateLimiter { return s.authLimiter }

// Handler builds the chi router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	if s.opts.TrustProxyHeaders {
		r.Use(middleware.RealIP)
	}
	r.Use(middleware.Recoverer)
	r.Use(s.metrics.Instrument)
	r.Use(s.logRequests)

	r.Get("/ping", s.HandlePing)
	r.Method(http.MethodGet, "/metrics", s.metrics)
	r.Get(s.opts.WSPath, s.ServeWS)

	requireAuth := auth.RequireAuth(s.authn)
	r.Route("/api", func(r chi.Router) {
		r.Route("/auth", func(r chi.Router) {
			r.With(s.authLimiter.Middleware(clientIP)).Post("/register", s.HandleRegister)
			r.With(s.authLimiter.Middleware(clientIP)).Post("/login", s.HandleLogin)
			r.Group(func(r chi.Router) {
				r.Use(requireAuth)
				r.Post("/logout", s.HandleLogout)
				r.Post("/password", s.HandlePasswordChange)
				r.Put("/avatar", s.HandleSetAvatar)
				r.Get("/users", s.HandleListUsers)
			})
		})

		r.Group(func(r chi.Router) {
			r.Use(requireAuth)
			r.Get("/users/friends", s.HandleListFriends)
			r.Get("/users/friend-requests", s.HandleListFriendRequests)
			r.Post("/users/friend-requests/{username}", s.HandleCreateFriendRequest)
			r.Post("/users/friend-requests/{username}/{action}", s.HandleRespondFriendRequest)
			r.Get("/presence/online", s.HandleOnline)

			r.Post("/messages", s.HandleSendMessage)
			r.Get("/messages/{id}", s.HandleHistory)
			r.Put("/messages/{id}", s.HandleEditMessage)
			r.Delete("/messages/{id}", s.HandleDeleteMessage)

			r.Route("/admin", func(r chi.Router) {
				r.Use(auth.RequireRole(storage.RoleAdmin))
				r.Get("/users", s.HandleAdminListUsers)
				r.Put("/users/{id}/role", s.HandleAdminSetRole)
				r.Delete("/users/{id}", s.HandleAdminDeleteUser)
				// singular forms kept for older clients
				r.Put("/user/{id}/role", s.HandleAdminSetRole)
				r.Delete("/user/{id}", s.HandleAdminDeleteUser)
			})
		})
	})
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.opts.AllowedOrigins {
		if strings.EqualFold(strings.TrimSpace(allowed), origin) {
			return true
		}
	}
	return false
}

// CloseConnections drops every websocket. http.Server.Shutdown leaves
// hijacked connections alone, so the lifecycle code calls this as well.
func (s *Server) CloseConnections() {
	s.closeClients(func(*Client) bool { return true })
}

// closeClients drops the websockets matching match and returns how many.
func (s *Server) closeClients(match func(*Client) bool) int {
	s.clientsMu.Lock()
	var clients []*Client
	for c := range s.clients {
		if match(c) {
			clients = append(clients, c)
		}
	}
	s.clientsMu.Unlock()
	for _, c := range clients {
		c.Close()
	}
	return len(clients)
}

func (s *Server) trackClient(c *Client) {
	s.clientsMu.Lock()
	s.clients[c] = struct{}{}
	s.clientsMu.Unlock()
	s.metrics.IncConn()
}

func (s *Server) untrackClient(c *Client) {
	s.clientsMu.Lock()
	delete(s.clients, c)
	s.clientsMu.Unlock()
	s.metrics.DecConn()
	s.metrics.SetOnline(s.registry.Len())
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
