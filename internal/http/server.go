package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

type Option func(*Server) error

func Address(address string) Option {
	return func(s *Server) error {
		s.h1.Addr = address
		return nil
	}
}

func Handle(handler http.Handler) Option {
	return func(s *Server) error {
		s.handler = handler
		return nil
	}
}

func RequestLogger(logger *slog.Logger) Option {
	return func(s *Server) error {
		s.requestLogger = logger
		return nil
	}
}

// Server is the plain HTTP control server. The device side has no TLS
// termination; deployments front it with a reverse proxy when needed.
type Server struct {
	logger        *slog.Logger
	requestLogger *slog.Logger

	handler http.Handler
	h1      *http.Server
}

func NewServer(opts ...Option) (*Server, error) {
	s := &Server{
		logger:  slog.Default(),
		handler: http.DefaultServeMux,
		h1:      &http.Server{},
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	if s.requestLogger != nil {
		s.handler = s.logRequest(s.handler)
	}
	s.h1.Handler = s.handler
	return s, nil
}

// ListenAndServe serves until ctx is cancelled, then shuts down with a
// one second grace period.
func (s *Server) ListenAndServe(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		s.logger.Info("serving HTTP/1.1", "address", s.h1.Addr)
		return s.h1.ListenAndServe()
	})
	eg.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		return s.h1.Shutdown(sctx)
	})
	err := eg.Wait()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Middleware

func (s *Server) logRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.requestLogger.Info("got request", "method", r.Method, "path", r.URL.Path)
		next.ServeHTTP(w, r)
	})
}
