// Package api serves the main screen state and its intents over HTTP.
package api

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/tonimelisma/melisma/internal/auth"
	"github.com/tonimelisma/melisma/internal/config"
	"github.com/tonimelisma/melisma/internal/flow"
	"github.com/tonimelisma/melisma/internal/mail"
	"github.com/tonimelisma/melisma/internal/scheduler"
	"github.com/tonimelisma/melisma/internal/store"
	"github.com/tonimelisma/melisma/internal/viewmodel"
)

// ViewModel is the UI boundary the API drives. *viewmodel.ViewModel
// satisfies it.
type ViewModel interface {
	State() *flow.State[viewmodel.MainScreenState]
	SelectFolder(accountID string, folder mail.Folder)
	AddAccount(ui auth.Prompter, p mail.ProviderType)
	RemoveAccount(account mail.Account)
	RefreshAllFolders(ui auth.Prompter)
	RefreshMessages(ui auth.Prompter)
	SetViewModePreference(mode mail.ViewMode)
	ToastMessageShown(shown string)
	MessageDisplayed(index int)
}

// StatsStore reports cache statistics.
type StatsStore interface {
	GetStats() (*store.Stats, error)
}

// RefreshScheduler defines the scheduler operations the API needs.
type RefreshScheduler interface {
	IsScheduled(accountID string) bool
	TriggerRefresh(accountID string) error
	Status() []AccountStatus
	IsRunning() bool
}

// AccountStatus is an alias for scheduler.AccountStatus.
type AccountStatus = scheduler.AccountStatus

// Options configure optional server collaborators.
type Options struct {
	Store     StatsStore
	Scheduler RefreshScheduler
	// Prompter opens the sign-in page for accounts added through the API.
	// Without one, adding an account fails with a "UI required" message.
	Prompter auth.Prompter
	Logger   *slog.Logger
}

// Server represents the HTTP API server.
type Server struct {
	cfg         config.ServerConfig
	vm          ViewModel
	store       StatsStore
	scheduler   RefreshScheduler
	prompter    auth.Prompter
	logger      *slog.Logger
	router      chi.Router
	server      *http.Server
	rateLimiter *RateLimiter
}

// NewServer creates a new API server.
func NewServer(cfg config.ServerConfig, vm ViewModel, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Server{
		cfg:       cfg,
		vm:        vm,
		store:     opts.Store,
		scheduler: opts.Scheduler,
		prompter:  opts.Prompter,
		logger:    opts.Logger.With("component", "api"),
	}
	s.router = s.setupRouter()
	return s
}

func (s *Server) setupRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(s.loggerMiddleware)
	r.Use(chimw.Recoverer)

	if len(s.cfg.CORSOrigins) > 0 {
		r.Use(CORSMiddleware(CORSConfig{
			AllowedOrigins: s.cfg.CORSOrigins,
			AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-API-Key"},
			MaxAge:         86400,
		}))
	}

	rps := s.cfg.RateLimitRPS
	if rps <= 0 {
		rps = 10
	}
	s.rateLimiter = NewRateLimiter(rps, int(2*rps))
	r.Use(RateLimitMiddleware(s.rateLimiter))

	r.Get("/health", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)

		// Streams outlive the request timeout.
		r.Get("/events", s.handleEvents)

		r.Group(func(r chi.Router) {
			r.Use(chimw.Timeout(60 * time.Second))

			r.Get("/state", s.handleState)
			r.Get("/stats", s.handleStats)

			r.Get("/accounts", s.handleListAccounts)
			r.Post("/accounts", s.handleAddAccount)
			r.Delete("/accounts/{id}", s.handleRemoveAccount)
			r.Get("/accounts/{id}/folders", s.handleAccountFolders)

			r.Post("/folders/refresh", s.handleRefreshFolders)
			r.Put("/selection", s.handleSelect)
			r.Put("/view-mode", s.handleViewMode)

			r.Get("/messages", s.handleMessages)
			r.Post("/messages/refresh", s.handleRefreshMessages)
			r.Post("/messages/displayed", s.handleMessageDisplayed)
			r.Get("/threads", s.handleThreads)

			r.Delete("/toast", s.handleDismissToast)

			r.Post("/sync/{id}", s.handleTriggerSync)
			r.Get("/scheduler/status", s.handleSchedulerStatus)
		})
	})

	return r
}

// Start begins listening for HTTP requests. It blocks until the server
// stops and returns http.ErrServerClosed after Shutdown.
func (s *Server) Start() error {
	bind := s.cfg.Bind
	if bind == "" {
		bind = "127.0.0.1"
	}
	addr := net.JoinHostPort(bind, strconv.Itoa(s.cfg.APIPort))

	if s.cfg.APIKey == "" {
		if !isLoopback(bind) {
			s.logger.Warn("API server listening on a non-loopback address without authentication", "addr", addr)
		} else {
			s.logger.Warn("API server running without authentication, set [server] api_key in config.toml")
		}
	}

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	s.logger.Info("starting API server", "addr", addr)
	return s.server.ListenAndServe()
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	s.logger.Info("shutting down API server")
	return s.server.Shutdown(ctx)
}

// Router returns the chi router for testing.
func (s *Server) Router() chi.Router {
	return s.router
}

func (s *Server) loggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			s.logger.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"request_id", chimw.GetReqID(r.Context()),
			)
		}()

		next.ServeHTTP(ww, r)
	})
}

// authMiddleware validates the API key from Authorization or X-API-Key.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.APIKey == "" {
			next.ServeHTTP(w, r)
			return
		}

		key := r.Header.Get("Authorization")
		if key == "" {
			key = r.Header.Get("X-API-Key")
		}
		key = strings.TrimPrefix(key, "Bearer ")

		if subtle.ConstantTimeCompare([]byte(key), []byte(s.cfg.APIKey)) != 1 {
			s.logger.Warn("unauthorized API request",
				"path", r.URL.Path,
				"remote_addr", r.RemoteAddr,
			)
			writeError(w, http.StatusUnauthorized, "unauthorized", "Invalid or missing API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
