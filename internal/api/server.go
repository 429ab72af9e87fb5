// Package api serves the replay and trading HTTP interface: dataset
// queries, SSE market streams, session control and a websocket feed.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"

	"tapesim/internal/historical"
	"tapesim/internal/replay"
	"tapesim/internal/stream"
)

const (
	DefaultCatalogLimit = 250
	MaxCatalogLimit     = 2000
	DefaultWindowBars   = 500
	MaxWindowBars       = 5000
	sseRetryMillis      = 1000
)

// Deps are the collaborators behind the HTTP handlers.
type Deps struct {
	Store     *historical.Store
	Scheduler *stream.Scheduler
	Session   *replay.Session
	Hub       *Hub
	Catalog   *historical.CatalogCache
	Logger    *slog.Logger
}

// Options tune request defaults and CORS.
type Options struct {
	TZ          string
	CORSOrigins []string // empty allows all
}

type Server struct {
	store    *historical.Store
	sched    *stream.Scheduler
	session  *replay.Session
	hub      *Hub
	catalog  *historical.CatalogCache
	logger   *slog.Logger
	opts     Options
	upgrader websocket.Upgrader
}

func NewServer(d Deps, opts Options) *Server {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.TZ == "" {
		opts.TZ = historical.DefaultTimezone
	}
	s := &Server{
		store:   d.Store,
		sched:   d.Scheduler,
		session: d.Session,
		hub:     d.Hub,
		catalog: d.Catalog,
		logger:  logger.With("component", "api"),
		opts:    opts,
	}
	if s.hub == nil {
		s.hub = NewHub(logger)
	}
	if s.catalog == nil {
		s.catalog = historical.NewCatalogCache(5 * time.Second)
	}
	if s.sched == nil {
		s.sched = stream.NewScheduler(logger)
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return s.checkOrigin(r.Header.Get("Origin"))
		},
	}
	return s
}

func (s *Server) checkOrigin(origin string) bool {
	if len(s.opts.CORSOrigins) == 0 || origin == "" {
		return true
	}
	for _, allowed := range s.opts.CORSOrigins {
		if origin == allowed {
			return true
		}
	}
	return false
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	allowedOrigins := s.opts.CORSOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Route("/api", func(r chi.Router) {
		// Stateless dataset queries
		r.Get("/catalog", s.handleCatalog)
		r.Get("/metadata", s.handleMetadata)
		r.Get("/snapshot", s.handleSnapshot)
		r.Get("/candles_window", s.handleCandlesWindow)
		r.Get("/stream", s.handleStream)

		// Replay session
		r.Get("/session", s.handleSession)
		r.Post("/session/load", s.handleLoad)
		r.Post("/session/play", s.handlePlay)
		r.Post("/session/pause", s.handlePause)

		// Trading
		r.Get("/orders", s.getOrders)
		r.Post("/orders", s.submitOrder)
		r.Get("/orders/{id}", s.getOrder)
		r.Delete("/orders/{id}", s.cancelOrder)
		r.Get("/fills", s.getFills)
		r.Get("/positions", s.getPositions)
		r.Get("/settings", s.getSettings)
		r.Put("/settings", s.putSettings)
	})

	r.Get("/ws", s.handleWebSocket)
	return r
}

// Hub returns the websocket hub the session broadcasts through.
func (s *Server) Hub() *Hub {
	return s.hub
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "err", err)
		return
	}

	client := &Client{
		hub:  s.hub,
		conn: conn,
		send: make(chan []byte, sendBuffer),
	}
	if !s.hub.Register(client) {
		conn.Close()
		return
	}

	// New clients start from a full status.
	if s.session != nil {
		s.hub.sendTo(client, replay.Update{Type: replay.UpdateStatus, Data: s.session.Status()})
	}

	go client.WritePump()
	go client.ReadPump()
}

// Shutdown disconnects websocket clients and stops playback.
func (s *Server) Shutdown() {
	if s.session != nil {
		s.session.Close()
	}
	s.hub.Stop()
}
