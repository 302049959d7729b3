// Package checks holds the concrete authentication handlers the
// registry dispatches: IP classification, reverse DNS, SPF, DKIM,
// DMARC and the assorted header hygiene handlers around them.
package checks

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"

	"github.com/webitel/mail-auth-gateway/internal/adapter/dnsresolver"
	"github.com/webitel/mail-auth-gateway/internal/domain/model"
	"github.com/webitel/mail-auth-gateway/internal/domain/registry"
)

// Handler names, also the keys of per-handler private state and of the
// handlers.<Name> config sections.
const (
	NameLocalIP     = "LocalIP"
	NameTrustedIP   = "TrustedIP"
	NameAuth        = "Auth"
	NameTLS         = "TLS"
	NameIPRev       = "IPRev"
	NamePTR         = "PTR"
	NameSPF         = "SPF"
	NameDKIM        = "DKIM"
	NameDMARC       = "DMARC"
	NameSenderID    = "SenderID"
	NameXGoogleDKIM = "XGoogleDKIM"
	NameSize        = "Size"
	NameAlignedFrom = "AlignedFrom"
	NameSanitize    = "Sanitize"
	NameAddID       = "AddID"
	NameReturnOK    = "ReturnOK"
)

// base carries what every check needs.
type base struct {
	name   string
	cfg    map[string]any
	logger *slog.Logger
}

func (b *base) Name() string { return b.name }

func (b *base) enabled() bool { return cfgBool(b.cfg, "enabled", true) }

// resolverFor pulls the shared DNS client out of the object store.
func resolverFor(ctx context.Context, s registry.Session) (dnsresolver.Resolver, error) {
	obj, err := s.Conn().Objects.Get(ctx, model.ObjectResolver)
	if err != nil {
		return nil, err
	}
	r, ok := obj.(dnsresolver.Resolver)
	if !ok {
		return nil, fmt.Errorf("checks: no resolver factory registered")
	}
	return r, nil
}

// skipConnection reports whether a DNS-backed check should not run for
// this connection at all: local, trusted or authenticated peers are
// taken at their word.
func skipConnection(c *model.ConnContext) bool {
	return privBool(c, NameLocalIP) || privBool(c, NameTrustedIP) || privBool(c, NameAuth)
}

func privBool(c *model.ConnContext, name string) bool {
	v, _ := c.Private[name].(bool)
	return v
}

func netipParse(address string) (netip.Addr, error) {
	a, err := netip.ParseAddr(address)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("checks: bad address %q: %w", address, err)
	}
	return a, nil
}

func cfgBool(m map[string]any, key string, def bool) bool {
	v, ok := m[key]
	if !ok {
		return def
	}
	b, ok := v.(bool)
	if !ok {
		return def
	}
	return b
}

func cfgInt(m map[string]any, key string, def int) int {
	switch v := m[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return def
	}
}

func cfgString(m map[string]any, key, def string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return def
}

func cfgStrings(m map[string]any, key string) []string {
	switch v := m[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
