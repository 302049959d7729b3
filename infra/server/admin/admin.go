// Package admin serves the operational HTTP surface: the prometheus
// scrape endpoint, a liveness probe and the handler dashboard blobs.
package admin

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/webitel/mail-auth-gateway/config"
	"github.com/webitel/mail-auth-gateway/internal/domain/registry"
	"github.com/webitel/mail-auth-gateway/internal/metrics"
	"github.com/webitel/mail-auth-gateway/internal/service"
)

type Server struct {
	cfg    *config.Config
	srv    *http.Server
	logger *slog.Logger
}

func NewServer(cfg *config.Config, reg *metrics.Registry,
	ctrl *service.Controller, logger *slog.Logger) *Server {

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Handle("/metrics", reg.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	r.Get("/dashboards/{file}", func(w http.ResponseWriter, req *http.Request) {
		file := chi.URLParam(req, "file")
		for _, h := range ctrl.Registry().Handlers() {
			dp, ok := h.(registry.DashboardProvider)
			if !ok {
				continue
			}
			blob, err := dp.DashboardJSON(file)
			if err != nil {
				continue
			}
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write(blob)
			return
		}
		http.NotFound(w, req)
	})

	return &Server{
		cfg: cfg,
		srv: &http.Server{
			Addr:              cfg.Admin.Listen,
			Handler:           r,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

func (s *Server) Start() error {
	if s.cfg.Admin.Listen == "" {
		return nil
	}
	s.logger.Info("admin listening", slog.String("addr", s.cfg.Admin.Listen))
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("admin serve error", slog.Any("err", err))
		}
	}()
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	if s.cfg.Admin.Listen == "" {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
