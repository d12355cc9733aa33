// Package monitoring serves /metrics, /health and /status over HTTP.
package monitoring

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/sync/errgroup"

	"github.com/zmlAEQ/aequa-quorum/pkg/lifecycle"
	"github.com/zmlAEQ/aequa-quorum/pkg/logger"
	"github.com/zmlAEQ/aequa-quorum/pkg/metrics"
)

// StatusFunc returns the JSON body served at /status.
type StatusFunc func() any

type Service struct {
	addr   string
	status StatusFunc
	router *mux.Router

	srv *http.Server
	ln  net.Listener
	g   *errgroup.Group
}

var _ lifecycle.Service = (*Service)(nil)

func New(addr string, status StatusFunc) *Service {
	s := &Service{addr: addr, status: status, router: mux.NewRouter()}
	s.router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	return s
}

func (s *Service) Name() string { return "monitoring" }

// Handler exposes the router, mainly for tests.
func (s *Service) Handler() http.Handler { return s.router }

// Addr is the bound address once started.
func (s *Service) Addr() string {
	if s.ln == nil {
		return s.addr
	}
	return s.ln.Addr().String()
}

// Start binds the listener before returning so a bad address fails startup.
func (s *Service) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.srv = &http.Server{Handler: s.router, ReadHeaderTimeout: 5 * time.Second}
	s.g = &errgroup.Group{}
	s.g.Go(func() error {
		if err := s.srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			logger.ErrorJ("monitoring", map[string]any{"result": "serve_error", "err": err.Error()})
			return err
		}
		return nil
	})
	logger.InfoJ("monitoring", map[string]any{"result": "listening", "addr": ln.Addr().String()})
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	err := s.srv.Shutdown(ctx)
	if werr := s.g.Wait(); err == nil {
		err = werr
	}
	return err
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Service) handleStatus(w http.ResponseWriter, _ *http.Request) {
	if s.status == nil {
		http.Error(w, "no status", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, s.status())
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.WarnJ("monitoring", map[string]any{"result": "encode_error", "err": err.Error()})
	}
}
