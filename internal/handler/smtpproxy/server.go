package smtpproxy

import (
	"context"
	"log/slog"
	"time"

	"github.com/emersion/go-smtp"

	"github.com/webitel/mail-auth-gateway/config"
	"github.com/webitel/mail-auth-gateway/internal/adapter/audit"
	"github.com/webitel/mail-auth-gateway/internal/service"
)

type backend struct {
	cfg    *config.Config
	ctrl   *service.Controller
	auditP audit.Publisher
	logger *slog.Logger
}

func (b *backend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	return newProxySession(b.cfg, b.ctrl, b.auditP, b.logger, c), nil
}

// Server owns the SMTP proxy listener. It is optional; with no listen
// address configured Start is a no-op and only the milter path serves.
type Server struct {
	cfg    *config.Config
	srv    *smtp.Server
	logger *slog.Logger
}

func NewServer(cfg *config.Config, ctrl *service.Controller,
	auditP audit.Publisher, logger *slog.Logger) *Server {

	be := &backend{
		cfg:    cfg,
		ctrl:   ctrl,
		auditP: auditP,
		logger: logger.With(slog.String("transport", "smtp")),
	}
	srv := smtp.NewServer(be)
	srv.Addr = cfg.SMTPProxy.Listen
	srv.Domain = cfg.SMTPProxy.Domain
	srv.ReadTimeout = 5 * time.Minute
	srv.WriteTimeout = 5 * time.Minute

	return &Server{cfg: cfg, srv: srv, logger: logger}
}

func (s *Server) Start() error {
	if s.cfg.SMTPProxy.Listen == "" {
		s.logger.Debug("smtp proxy disabled, no listen address")
		return nil
	}
	s.logger.Info("smtp proxy listening", slog.String("addr", s.cfg.SMTPProxy.Listen))
	go func() {
		if err := s.srv.ListenAndServe(); err != nil {
			s.logger.Error("smtp proxy serve error", slog.Any("err", err))
		}
	}()
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	if s.cfg.SMTPProxy.Listen == "" {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
