package server

import (
	"context"
	"encoding/binary"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/zeusync/netsync/internal/core/models"
	"github.com/zeusync/netsync/internal/core/netcode"
	"github.com/zeusync/netsync/internal/core/observability/log"
	"github.com/zeusync/netsync/internal/core/observability/metrics"
)

// TokenIssuer mints connect tokens. *Server implements it.
type TokenIssuer interface {
	GenerateToken(client models.ClientID, userData []byte) (*netcode.ConnectToken, error)
}

// HTTPServer hands out connect tokens on /token and, when a gatherer is given,
// exposes prometheus metrics on /metrics.
type HTTPServer struct {
	server   *http.Server
	issuer   TokenIssuer
	gatherer prometheus.Gatherer
	logger   log.Log
	mux      *http.ServeMux
}

func NewHTTPServer(addr string, issuer TokenIssuer, gatherer prometheus.Gatherer, logger log.Log) *HTTPServer {
	if logger == nil {
		logger = log.NewNop()
	}
	s := &HTTPServer{
		issuer:   issuer,
		gatherer: gatherer,
		logger:   logger.With(log.Component("http")),
		mux:      http.NewServeMux(),
	}
	s.mux.HandleFunc("/token", s.handleToken)
	if gatherer != nil {
		s.mux.Handle("/metrics", metrics.Handler(gatherer))
	}
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// ListenAndServe blocks until ctx ends or the listener fails.
func (s *HTTPServer) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve blocks until ctx ends or ln fails.
func (s *HTTPServer) Serve(ctx context.Context, ln net.Listener) error {
	s.logger.Info("HTTP server listening", log.Addr(ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() { errCh <- s.server.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Stop(shutdownCtx)
	}
}

func (s *HTTPServer) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *HTTPServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// handleToken answers GET /token[?client_id=N] with a base64 connect token.
// Without client_id a random id is assigned.
func (s *HTTPServer) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id, err := clientIDFromQuery(r)
	if err != nil {
		http.Error(w, "invalid client_id", http.StatusBadRequest)
		return
	}

	token, err := s.issuer.GenerateToken(id, nil)
	if err != nil {
		s.logger.Error("Token generation failed", log.ClientID(uint64(id)), log.Error(err))
		http.Error(w, "token generation failed", http.StatusInternalServerError)
		return
	}

	s.logger.Debug("Token issued", log.ClientID(uint64(id)), log.Addr(r.RemoteAddr))
	w.Header().Set("Content-Type", "text/plain")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write([]byte(token.String()))
}

func clientIDFromQuery(r *http.Request) (models.ClientID, error) {
	raw := r.URL.Query().Get("client_id")
	if raw == "" {
		id := uuid.New()
		return models.ClientID(binary.BigEndian.Uint64(id[:8])), nil
	}
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, err
	}
	return models.ClientID(n), nil
}
