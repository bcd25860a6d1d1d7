package server

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/gorilla/websocket"

	"github.com/nexus-im/courier/internal/auth"
	"github.com/nexus-im/courier/internal/delivery"
	"github.com/nexus-im/courier/internal/messaging"
	"github.com/nexus-im/courier/store/user"
)

const defaultMaxImageBytes = 5 << 20

type Options struct {
	Log     *slog.Logger
	Service *messaging.Service
	Users   user.Store
	Hub     *delivery.Hub
	Auth    *auth.Authenticator

	// ClientURL is the single browser origin allowed for CORS and websocket upgrades.
	ClientURL         string
	ChannelBufferSize int
	MaxImageBytes     int64
	// MediaDir, when set, is served under /media/.
	MediaDir string
}

// Server is the HTTP and websocket boundary of the messaging service.
type Server struct {
	log       *slog.Logger
	svc       *messaging.Service
	users     user.Store
	hub       *delivery.Hub
	auth      *auth.Authenticator
	clientURL string
	buffer    int
	maxImage  int64
	mediaDir  string
	upgrader  websocket.Upgrader

	// ctx bounds every live websocket; CloseChannels cancels it.
	ctx    context.Context
	cancel context.CancelFunc
}

func New(opts Options) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		log:       opts.Log,
		svc:       opts.Service,
		users:     opts.Users,
		hub:       opts.Hub,
		auth:      opts.Auth,
		clientURL: opts.ClientURL,
		buffer:    opts.ChannelBufferSize,
		maxImage:  opts.MaxImageBytes,
		mediaDir:  opts.MediaDir,
		ctx:       ctx,
		cancel:    cancel,
	}
	if s.maxImage <= 0 {
		s.maxImage = defaultMaxImageBytes
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Routes builds the full handler tree.
func (s *Server) Routes() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("GET /api/messages/users", s.handleListUsers)
	api.HandleFunc("GET /api/messages/{id}", s.handleConversation)
	api.HandleFunc("POST /api/messages/send/{id}", s.handleSend)

	mux := http.NewServeMux()
	mux.Handle("/api/", s.requireAuth(api))
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /health", s.handleHealth)
	if s.mediaDir != "" {
		mux.Handle("GET /media/", http.StripPrefix("/media/", http.FileServer(http.Dir(s.mediaDir))))
	}

	return Chain(
		Recover(s.log),
		Logging(s.log),
		CORS(s.clientURL),
	)(mux)
}

// CloseChannels ends every live websocket. Registered with
// http.Server.RegisterOnShutdown since hijacked connections outlive Shutdown.
func (s *Server) CloseChannels() {
	s.cancel()
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || origin == s.clientURL {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return u.Host == r.Host
}
