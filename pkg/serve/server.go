// Package serve implements the static development server used to preview the generated styleguide.
package serve

import (
	"context"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/unrolled/secure"
)

// DefaultPort is used when Options.Port is zero.
const DefaultPort = 9001

// Options configures a Server.
type Options struct {
	Hostname string
	// Port to listen on. Use a negative value to let the OS pick a free port.
	Port     int
	Base     string
	Compress bool
}

// Server serves the files below Options.Base.
type Server struct {
	opts   Options
	logger zerolog.Logger
	http   *http.Server
	done   chan error
}

// New creates a server. It does not bind until Start is called.
func New(opts Options, logger zerolog.Logger) *Server {
	if opts.Hostname == "" {
		opts.Hostname = "localhost"
	}
	if opts.Port == 0 {
		opts.Port = DefaultPort
	}
	if opts.Base == "" {
		opts.Base = "."
	}

	return &Server{
		opts:   opts,
		logger: logger,
		done:   make(chan error, 1),
	}
}

// Handler returns the HTTP handler with all middlewares applied.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.PathPrefix("/").Handler(http.FileServer(http.Dir(s.opts.Base)))

	var handler http.Handler = r
	if s.opts.Compress {
		handler = compressHandler(handler)
	}

	sm := secure.New(secure.Options{
		IsDevelopment:      true,
		BrowserXssFilter:   true,
		ContentTypeNosniff: true,
		FrameDeny:          true,
	})

	return sm.Handler(s.logMiddleware(handler))
}

// Start binds the listening socket and serves in the background. It returns the bound address.
func (s *Server) Start() (net.Addr, error) {
	if info, err := os.Stat(s.opts.Base); err != nil || !info.IsDir() {
		s.logger.Warn().Str("path", s.opts.Base).Msg("base directory does not exist yet; requests will fail until it is generated")
	}

	port := s.opts.Port
	if port < 0 {
		port = 0
	}

	listener, err := net.Listen("tcp", net.JoinHostPort(s.opts.Hostname, strconv.Itoa(port)))
	if err != nil {
		return nil, eris.Wrapf(err, "failed to listen on %s:%d", s.opts.Hostname, port)
	}

	s.http = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		err := s.http.Serve(listener)
		if eris.Is(err, http.ErrServerClosed) {
			err = nil
		}
		s.done <- err
	}()

	s.logger.Info().Msgf("Serving %s on http://%s", s.opts.Base, listener.Addr())
	return listener.Addr(), nil
}

// Wait blocks until the server stops or ctx is cancelled. In the latter case the server is shut down first.
func (s *Server) Wait(ctx context.Context) error {
	select {
	case err := <-s.done:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		return s.Shutdown(shutdownCtx)
	}
}

// Shutdown stops accepting connections and waits for active requests to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}

	s.logger.Info().Msg("Shutting down server")
	return s.http.Shutdown(ctx)
}
