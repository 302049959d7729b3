package miltersrv

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"

	"github.com/d--j/go-milter"

	"github.com/webitel/mail-auth-gateway/config"
	"github.com/webitel/mail-auth-gateway/internal/adapter/audit"
	"github.com/webitel/mail-auth-gateway/internal/service"
)

// Server owns the milter listener.
type Server struct {
	cfg    *config.Config
	srv    *milter.Server
	logger *slog.Logger
	listen string
}

func NewServer(cfg *config.Config, ctrl *service.Controller,
	auditP audit.Publisher, logger *slog.Logger) *Server {

	srv := milter.NewServer(
		milter.WithMilter(func() milter.Milter {
			return newBackendSession(cfg, ctrl, auditP,
				logger.With(slog.String("transport", "milter")))
		}),
		milter.WithActions(milter.OptAddHeader|milter.OptChangeHeader|milter.OptQuarantine),
		milter.WithMacroRequest(milter.StageConnect, []milter.MacroName{
			milter.MacroMTAFQDN, milter.MacroDaemonName,
		}),
		milter.WithMacroRequest(milter.StageMail, []milter.MacroName{
			milter.MacroQueueId, milter.MacroAuthAuthen,
			milter.MacroTlsVersion, milter.MacroCipher,
		}),
	)

	return &Server{
		cfg:    cfg,
		srv:    srv,
		logger: logger,
		listen: cfg.Milter.Listen,
	}
}

// listener resolves the listen spec: "tcp:host:port" or "unix:/path".
func (s *Server) listener() (net.Listener, error) {
	network, address, ok := strings.Cut(s.listen, ":")
	if !ok {
		return nil, fmt.Errorf("miltersrv: bad listen spec %q", s.listen)
	}
	switch network {
	case "tcp", "tcp4", "tcp6":
		return net.Listen(network, address)
	case "unix":
		return net.Listen("unix", address)
	default:
		return nil, fmt.Errorf("miltersrv: unsupported listen network %q", network)
	}
}

// Start begins serving in the background.
func (s *Server) Start() error {
	ln, err := s.listener()
	if err != nil {
		return err
	}
	s.logger.Info("milter listening", slog.String("addr", s.listen))
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != milter.ErrServerClosed {
			s.logger.Error("milter serve error", slog.Any("err", err))
		}
	}()
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Close()
}
