package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"ovabuilder/internal/builder"
)

const (
	HTTPReadTimeout  = 10 * time.Second
	HTTPWriteTimeout = 90 * time.Second
	HTTPIdleTimeout  = 60 * time.Second

	// RequestTimeout covers a full commit resolution with retries.
	RequestTimeout = 75 * time.Second

	// Per-IP requests per minute.
	GlobalRateLimit  = 60
	WebhookRateLimit = 10
)

// Server serves build checks and the installer push webhook.
type Server struct {
	Runner        *builder.Runner
	WebhookSecret string
	Logger        *slog.Logger

	// TestMode disables rate limiting.
	TestMode bool

	// buildCtx outlives requests; builds started by webhooks use it.
	buildCtx    context.Context
	cancelBuild context.CancelFunc
}

// NewServer creates a server. An empty webhookSecret disables the webhook
// route.
func NewServer(runner *builder.Runner, webhookSecret string, logger *slog.Logger, testMode bool) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		Runner:        runner,
		WebhookSecret: webhookSecret,
		Logger:        logger,
		TestMode:      testMode,
		buildCtx:      ctx,
		cancelBuild:   cancel,
	}
}

// Router creates and configures the HTTP router.
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(RequestTimeout))
	r.Use(RequestLogger(s.Logger))

	if !s.TestMode {
		r.Use(RateLimit(NewRateLimiter(GlobalRateLimit, GlobalRateLimit), "global", s.Logger))
	}

	r.Get("/health", s.HandleHealth)
	r.Get("/builds/*", s.HandleBuildStatus)
	r.Get("/history", s.HandleHistory)

	if s.WebhookSecret != "" {
		webhook := r.With()
		if !s.TestMode {
			webhook = r.With(RateLimit(NewRateLimiter(WebhookRateLimit, WebhookRateLimit), "webhook", s.Logger))
		}
		webhook.Post("/in/installer", s.HandleWebhook)
	}

	return r
}

// Start serves on host:port until ctx is canceled, then shuts down
// gracefully.
func (s *Server) Start(ctx context.Context, host string, port int) error {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	s.Logger.Info("Starting server", "addr", addr)

	srv := &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  HTTPReadTimeout,
		WriteTimeout: HTTPWriteTimeout,
		IdleTimeout:  HTTPIdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("listen on %s: %w", addr, err)
	case <-ctx.Done():
	}

	s.Logger.Info("Shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return s.Shutdown(shutdownCtx)
}

// WaitForBuilds blocks until builds started by webhooks have finished.
func (s *Server) WaitForBuilds() {
	s.Runner.Wait()
}

// Shutdown waits for running builds. When ctx expires first they are
// canceled, and Shutdown still waits for them to record their outcome.
func (s *Server) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.Runner.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.Logger.Warn("Canceling running builds")
		s.cancelBuild()
		<-done
		return ctx.Err()
	}
}
