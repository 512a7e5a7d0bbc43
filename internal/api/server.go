// Package api is the HTTP control surface: admin login, account management,
// manual triggers, batch task control, and runtime settings.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"leafcheck/internal/batch"
	"leafcheck/internal/cache"
	"leafcheck/internal/config"
	"leafcheck/internal/notify"
	"leafcheck/internal/scheduler"
	"leafcheck/internal/storage"
	logx "leafcheck/pkg/logx"
)

// Server wires the engines behind the REST routes. All fields are required
// except Notifier, which may be nil when notifications are not configured.
type Server struct {
	store    storage.Store
	accounts *cache.Accounts
	sched    *scheduler.Service
	batch    *batch.Engine
	notifier *notify.Service
	log      logx.Logger

	// eventCounts reports per-type bus event totals for the status view;
	// nil when the caller does not track them.
	eventCounts func() map[string]uint64

	// loc is the configured timezone; calendar-day parameters must agree
	// with the scheduler's day boundary, not the process-local zone.
	loc *time.Location

	auth     *authenticator
	validate *validator.Validate
	router   chi.Router

	httpSrv *http.Server
	started time.Time
}

func NewServer(cfg config.Config, store storage.Store, accounts *cache.Accounts,
	sched *scheduler.Service, engine *batch.Engine, notifier *notify.Service,
	eventCounts func() map[string]uint64, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{
		store:       store,
		accounts:    accounts,
		sched:       sched,
		batch:       engine,
		notifier:    notifier,
		eventCounts: eventCounts,
		loc:         cfg.Location(),
		log:         log.With(logx.String("svc", "api")),
		auth:        newAuthenticator(cfg.Auth),
		validate:    validator.New(validator.WithRequiredStructEnabled()),
		started:     time.Now(),
	}
	s.router = s.routes()
	s.httpSrv = &http.Server{
		Addr:              cfg.Listen,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Post("/api/auth/login", s.handleLogin)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.auth.requireAuth)

		r.Route("/accounts", func(r chi.Router) {
			r.Get("/", s.handleListAccounts)
			r.Post("/", s.handleCreateAccount)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetAccount)
				r.Put("/", s.handleUpdateAccount)
				r.Delete("/", s.handleDeleteAccount)
				r.Post("/checkin", s.handleManualCheckin)
				r.Post("/balance/refresh", s.handleRefreshBalance)
				r.Post("/redeem/batch", s.handleCreateBatch)
				r.Get("/redeem/batch", s.handleBatchStatus)
			})
		})

		r.Post("/balance/refresh", s.handleRefreshAllBalances)
		r.Get("/balance/refresh/progress", s.handleBalanceRefreshProgress)

		r.Get("/checkin/history", s.handleCheckinHistory)
		r.Delete("/checkin/history", s.handleClearHistory)
		r.Delete("/checkin/history/{recordID}", s.handleDeleteCheckinRecord)

		r.Route("/batch/{taskID}", func(r chi.Router) {
			r.Post("/cancel", s.handleBatchControl(s.batch.Cancel))
			r.Post("/pause", s.handleBatchControl(s.batch.Pause))
			r.Post("/resume", s.handleBatchControl(s.batch.Resume))
		})

		r.Get("/settings/checkin", s.handleGetCheckinSettings)
		r.Put("/settings/checkin", s.handlePutCheckinSettings)
		r.Get("/settings/notify", s.handleGetNotifySettings)
		r.Put("/settings/notify", s.handlePutNotifySettings)
		r.Post("/settings/notify/test", s.handleNotifyTest)

		r.Get("/status", s.handleStatus)
	})

	return r
}

// Handler exposes the router for in-process tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start begins serving in the background; errors other than a clean close
// are reported on the returned channel.
func (s *Server) Start() <-chan error {
	errc := make(chan error, 1)
	go func() {
		s.log.Info("http listening", logx.String("addr", s.httpSrv.Addr))
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
		close(errc)
	}()
	return errc
}

func (s *Server) Stop(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("took", time.Since(start)))
	})
}

// ---- response helpers ----

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// decodeValid decodes the JSON body into v and runs struct validation.
func (s *Server) decodeValid(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	return s.validate.Struct(v)
}
