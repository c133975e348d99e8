// Package finish receives finish line signals over http and hands them to the ledger.
package finish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jonboulle/clockwork"
	"github.com/rs/cors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"github.com/mpapenbr/racetimer-go/log"
	"github.com/mpapenbr/racetimer-go/pkg/ledger"
	"github.com/mpapenbr/racetimer-go/pkg/utils"
)

const (
	DefaultPort  = 8080
	maxBodyBytes = 4 << 10
	bindHost     = "127.0.0.1"
)

var ErrAlreadyRunning = errors.New("finish server already running")

type (
	// Callback is invoked for every accepted finish signal.
	// An error wrapping ledger.ErrLedgerState is answered with 409.
	Callback func(at time.Time, lane int, participantID string) error

	Option func(*Server)

	// Info describes the endpoint as reported by GET /status.
	Info struct {
		IsRunning      bool   `json:"is_running"`
		Port           int    `json:"port"`
		Endpoint       string `json:"endpoint"`
		APIKeyRequired bool   `json:"api_key_required"`
	}

	Server struct {
		port       int
		apiKeyHash string
		callback   Callback
		clock      clockwork.Clock
		l          *log.Logger
		limiter    *rate.Limiter
		routes     []func(chi.Router)
		router     *chi.Mux

		mu      sync.Mutex
		srv     *http.Server
		done    chan struct{}
		running bool

		accepted metric.Int64Counter
		rejected metric.Int64Counter
	}

	finishRequest struct {
		Lane          *int    `json:"lane"`
		ParticipantID *string `json:"participant_id"`
		APIKey        *string `json:"api_key"`
	}

	finishResponse struct {
		Status        string  `json:"status"`
		Message       string  `json:"message"`
		Timestamp     string  `json:"timestamp"`
		Lane          int     `json:"lane"`
		ParticipantID *string `json:"participant_id"`
	}

	errorResponse struct {
		Status  string `json:"status"`
		Message string `json:"message"`
	}
)

func WithPort(port int) Option {
	return func(s *Server) {
		s.port = port
	}
}

// WithAPIKey requires every finish signal to carry key. An empty key disables the check.
func WithAPIKey(key string) Option {
	return func(s *Server) {
		if key == "" {
			s.apiKeyHash = ""
			return
		}
		s.apiKeyHash = utils.HashAPIKey(key)
	}
}

func WithClock(c clockwork.Clock) Option {
	return func(s *Server) {
		s.clock = c
	}
}

func WithLogger(l *log.Logger) Option {
	return func(s *Server) {
		s.l = l
	}
}

// WithRateLimit limits the accepted requests per second over all clients.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(s *Server) {
		s.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithRoutes registers additional routes on the router.
func WithRoutes(fn func(r chi.Router)) Option {
	return func(s *Server) {
		s.routes = append(s.routes, fn)
	}
}

func New(cb Callback, opts ...Option) *Server {
	ret := &Server{
		port:     DefaultPort,
		callback: cb,
		clock:    clockwork.NewRealClock(),
		l:        log.Default().Named("finish"),
		limiter:  rate.NewLimiter(rate.Limit(50), 100),
	}
	for _, opt := range opts {
		opt(ret)
	}
	ret.setupMetrics()
	ret.router = ret.setupRoutes()
	return ret
}

func (s *Server) setupMetrics() {
	meter := otel.GetMeterProvider().Meter("racetimer.finish")
	var err error
	if s.accepted, err = meter.Int64Counter("racetimer.finish.accepted",
		metric.WithDescription("Number of accepted finish signals"),
		metric.WithUnit("{count}")); err != nil {
		s.l.Error("failed to register metric", log.ErrorField(err))
	}
	if s.rejected, err = meter.Int64Counter("racetimer.finish.rejected",
		metric.WithDescription("Number of rejected finish signals"),
		metric.WithUnit("{count}")); err != nil {
		s.l.Error("failed to register metric", log.ErrorField(err))
	}
}

func newCORS() *cors.Cors {
	return cors.New(cors.Options{
		AllowedMethods: []string{
			http.MethodGet,
			http.MethodPost,
			http.MethodOptions,
		},
		AllowOriginFunc: func(origin string) bool {
			// finish buttons may be served from any local page
			return true
		},
		AllowedHeaders: []string{"*"},
	})
}

func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(newCORS().Handler)

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		s.reject(w, http.StatusNotFound, "Endpoint not found", "route")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		s.reject(w, http.StatusNotFound, "Endpoint not found", "route")
	})
	r.With(s.throttle).Post("/finish", s.handleFinish)
	r.Get("/status", s.handleStatus)
	for _, fn := range s.routes {
		fn(r)
	}
	return r
}

// Handler returns the http handler serving all routes.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start binds the loopback address and serves in the background.
// With port 0 the actual port is picked by the system and reported by Info.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyRunning
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(context.Background(), "tcp",
		net.JoinHostPort(bindHost, strconv.Itoa(s.port)))
	if err != nil {
		return fmt.Errorf("finish server listen: %w", err)
	}
	if addr, ok := ln.Addr().(*net.TCPAddr); ok {
		s.port = addr.Port
	}
	s.srv = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
	s.done = make(chan struct{})
	s.running = true
	srv, done := s.srv, s.done
	go func() {
		defer close(done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.l.Error("finish server stopped", log.ErrorField(err))
		}
	}()
	s.l.Info("finish server listening", log.String("endpoint", s.endpoint()))
	return nil
}

// Shutdown stops the server and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	srv, done := s.srv, s.done
	s.running = false
	s.mu.Unlock()

	err := srv.Shutdown(ctx)
	select {
	case <-done:
	case <-ctx.Done():
	}
	s.l.Info("finish server stopped")
	return err
}

func (s *Server) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Server) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		IsRunning:      s.running,
		Port:           s.port,
		Endpoint:       s.endpoint(),
		APIKeyRequired: s.apiKeyHash != "",
	}
}

func (s *Server) endpoint() string {
	return fmt.Sprintf("http://localhost:%d/finish", s.port)
}

//nolint:funlen // readability
func (s *Server) handleFinish(w http.ResponseWriter, r *http.Request) {
	var req finishRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		s.l.Debug("invalid finish payload", log.ErrorField(err))
		s.reject(w, http.StatusBadRequest, "Invalid JSON data", "payload")
		return
	}
	if s.apiKeyHash != "" {
		if req.APIKey == nil || !utils.MatchAPIKey(s.apiKeyHash, *req.APIKey) {
			s.reject(w, http.StatusUnauthorized, "Invalid API key", "auth")
			return
		}
	}
	lane := 1
	if req.Lane != nil {
		lane = *req.Lane
	}
	if lane < 1 {
		s.reject(w, http.StatusBadRequest, ledger.ErrInvalidLane.Error(), "lane")
		return
	}
	participant := ""
	if req.ParticipantID != nil {
		participant = *req.ParticipantID
	}

	at := s.clock.Now()
	if s.callback != nil {
		if err := s.callback(at, lane, participant); err != nil {
			switch {
			case errors.Is(err, ledger.ErrLedgerState):
				s.reject(w, http.StatusConflict, err.Error(), "state")
			case errors.Is(err, ledger.ErrInvalidLane):
				s.reject(w, http.StatusBadRequest, err.Error(), "lane")
			default:
				s.l.Error("finish callback failed", log.ErrorField(err))
				s.reject(w, http.StatusInternalServerError,
					"Error processing finish signal", "internal")
			}
			return
		}
	}

	s.accepted.Add(r.Context(), 1)
	s.l.Info("finish signal received",
		log.Int("lane", lane),
		log.String("participant", participant),
		log.Time("at", at))
	writeJSON(w, http.StatusOK, finishResponse{
		Status:        "success",
		Message:       "Finish signal received",
		Timestamp:     at.Format(ledger.TimeLayout),
		Lane:          lane,
		ParticipantID: req.ParticipantID,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Info())
}

func (s *Server) throttle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			s.reject(w, http.StatusTooManyRequests, "Too many requests", "rate")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := s.clock.Now()
		defer func() {
			s.l.Debug("request",
				log.String("method", r.Method),
				log.String("path", r.URL.Path),
				log.Int("status", ww.Status()),
				log.String("reqId", middleware.GetReqID(r.Context())),
				log.Duration("took", s.clock.Since(start)))
		}()
		next.ServeHTTP(ww, r)
	})
}

// reject answers with an error document. Rejections are only logged.
func (s *Server) reject(w http.ResponseWriter, code int, msg, reason string) {
	s.rejected.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("reason", reason)))
	s.l.Warn("finish signal rejected",
		log.Int("code", code),
		log.String("reason", reason),
		log.String("msg", msg))
	writeJSON(w, code, errorResponse{Status: "error", Message: msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
