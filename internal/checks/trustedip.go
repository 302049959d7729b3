package checks

import (
	"context"
	"log/slog"
	"net/netip"

	"github.com/emersion/go-msgauth/authres"

	"github.com/webitel/mail-auth-gateway/internal/domain/header"
	"github.com/webitel/mail-auth-gateway/internal/domain/model"
	"github.com/webitel/mail-auth-gateway/internal/domain/registry"
)

// TrustedIP classifies connections arriving from operator-listed
// networks (handlers.TrustedIP.trusted_ip_list).
type TrustedIP struct {
	base
	prefixes []netip.Prefix
}

var _ registry.ConnectHandler = (*TrustedIP)(nil)
var _ registry.TrustedClassifier = (*TrustedIP)(nil)

func NewTrustedIP(cfg map[string]any, logger *slog.Logger) *TrustedIP {
	h := &TrustedIP{base: base{name: NameTrustedIP, cfg: cfg, logger: logger}}
	for _, raw := range cfgStrings(cfg, "trusted_ip_list") {
		p, err := netip.ParsePrefix(raw)
		if err != nil {
			a, aerr := netip.ParseAddr(raw)
			if aerr != nil {
				logger.Warn("trusted_ip_list entry ignored", slog.String("entry", raw))
				continue
			}
			p = netip.PrefixFrom(a, a.BitLen())
		}
		h.prefixes = append(h.prefixes, p)
	}
	return h
}

func (h *TrustedIP) DefaultConfig() map[string]any {
	return map[string]any{"trusted_ip_list": []string{}}
}

func (h *TrustedIP) Connect(_ context.Context, s registry.Session) error {
	if !h.enabled() {
		return nil
	}
	c := s.Conn()
	trusted := false
	for _, p := range h.prefixes {
		if p.Contains(c.IP) {
			trusted = true
			break
		}
	}
	c.Private[NameTrustedIP] = trusted
	if trusted {
		c.Headers.AddConnFragment(&header.Entry{
			Method:  "x-trusted-ip",
			Value:   authres.ResultPass,
			Comment: c.IP.String(),
		})
	}
	return nil
}

func (h *TrustedIP) IsTrusted(c *model.ConnContext) bool {
	return privBool(c, NameTrustedIP)
}
