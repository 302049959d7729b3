package checks

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/emersion/go-msgauth/authres"

	"github.com/webitel/mail-auth-gateway/internal/adapter/dnsresolver"
	"github.com/webitel/mail-auth-gateway/internal/domain/addr"
	"github.com/webitel/mail-auth-gateway/internal/domain/header"
	"github.com/webitel/mail-auth-gateway/internal/domain/registry"
)

// ReturnOK verifies the envelope sender domain routes: a bounce sent
// back to it must have somewhere to go. MX first, address records as
// the implicit-MX fallback.
type ReturnOK struct {
	base
}

var _ registry.EnvFromHandler = (*ReturnOK)(nil)

func NewReturnOK(cfg map[string]any, logger *slog.Logger) *ReturnOK {
	return &ReturnOK{base{name: NameReturnOK, cfg: cfg, logger: logger}}
}

func (h *ReturnOK) DefaultConfig() map[string]any {
	return map[string]any{"lookup_timeout": 4}
}

func (h *ReturnOK) EnvFrom(ctx context.Context, s registry.Session, from, _ string) error {
	if !h.enabled() || skipConnection(s.Conn()) {
		return nil
	}
	c := s.Conn()

	domain := addr.GetDomainFrom(from, h.logger)
	if from == "" || from == "<>" || domain == addr.DefaultDomain {
		// Null sender: nothing to route back to, nothing to check.
		return nil
	}

	resolver, err := resolverFor(ctx, s)
	if err != nil {
		return err
	}

	s.ArmHandler(time.Duration(cfgInt(h.cfg, "lookup_timeout", 4)) * time.Second)
	hctx, cancel := s.HandlerContext(ctx)
	value := h.route(hctx, resolver, domain)
	cancel()
	if rerr := s.ResetToOuter(); rerr != nil {
		return rerr
	}

	c.Headers.AddFragment(&header.Entry{
		Method: "x-return-mx",
		Value:  value,
		Props:  []header.Prop{{Type: "smtp", Name: "mailfrom", Value: domain}},
	})
	return nil
}

func (h *ReturnOK) route(ctx context.Context, resolver dnsresolver.Resolver, domain string) authres.ResultValue {
	if _, err := resolver.LookupMX(ctx, domain); err == nil {
		return authres.ResultPass
	} else if !errors.Is(err, dnsresolver.ErrNotFound) {
		h.logger.Debug("return-mx lookup failed", slog.Any("err", err))
		return authres.ResultTempError
	}
	// Implicit MX: an address record keeps the domain routable, but
	// flag it as a warning-level pass.
	if _, err := resolver.LookupA(ctx, domain); err == nil {
		return authres.ResultValue("warn")
	}
	if _, err := resolver.LookupAAAA(ctx, domain); err == nil {
		return authres.ResultValue("warn")
	}
	return authres.ResultFail
}
