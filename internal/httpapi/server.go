// Package httpapi implements the gateway's thin, opt-in HTTP surface:
// missed-message and group-message catch-up endpoints backed by the
// message archive, disabled unless the operator explicitly enables it.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/nostrmls/gateway/internal/gwlog"
	"github.com/nostrmls/gateway/internal/mlsgw"
)

// DefaultShutdownTimeout bounds how long Server.Shutdown waits for
// in-flight requests to finish.
const DefaultShutdownTimeout = 10 * time.Second

// MessageLimit is the server-side cap applied to every catch-up query
// regardless of the client-requested limit.
const MessageLimit = 500

// Server is the gateway's HTTP catch-up surface, mounted only when
// Config.EnableAPI is set.
type Server struct {
	cfg     *mlsgw.Config
	archive *mlsgw.Archive
	metrics http.Handler

	httpServer *http.Server
}

// NewServer constructs the HTTP surface. It does not start listening until
// ListenAndServe is called.
func NewServer(cfg *mlsgw.Config, archive *mlsgw.Archive, metricsHandler http.Handler) *Server {
	return &Server{cfg: cfg, archive: archive, metrics: metricsHandler}
}

// ListenAndServe starts the HTTP server on cfg.HTTPBindAddress. Returns nil
// immediately, without listening, if the API is not enabled.
func (s *Server) ListenAndServe() error {
	if !s.cfg.EnableAPI {
		return nil
	}

	mux := http.NewServeMux()
	prefix := s.cfg.APIPrefix
	mux.HandleFunc(prefix+"/messages/missed", s.handleMissedMessages)
	mux.HandleFunc(prefix+"/messages/group", s.handleGroupMessages)
	mux.HandleFunc("/healthz", s.handleHealthz)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics)
	}

	s.httpServer = &http.Server{
		Addr:    s.cfg.HTTPBindAddress,
		Handler: mux,
	}

	gwlog.WithComponent("httpapi").Info().Str("addr", s.cfg.HTTPBindAddress).Msg("starting HTTP surface")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server, if it was started.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, DefaultShutdownTimeout)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}
