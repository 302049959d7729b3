package checks

import (
	"context"
	"errors"
	"log/slog"
	"net/netip"
	"time"

	"github.com/emersion/go-msgauth/authres"

	"github.com/webitel/mail-auth-gateway/internal/adapter/dnsresolver"
	"github.com/webitel/mail-auth-gateway/internal/domain/header"
	"github.com/webitel/mail-auth-gateway/internal/domain/model"
	"github.com/webitel/mail-auth-gateway/internal/domain/registry"
)

// IPRev performs the forward-confirmed reverse DNS check: PTR names of
// the peer must resolve back to the peer address.
type IPRev struct {
	base
}

var _ registry.ConnectHandler = (*IPRev)(nil)

func NewIPRev(cfg map[string]any, logger *slog.Logger) *IPRev {
	return &IPRev{base{name: NameIPRev, cfg: cfg, logger: logger}}
}

func (h *IPRev) DefaultConfig() map[string]any {
	return map[string]any{"lookup_timeout": 4}
}

func (h *IPRev) Connect(ctx context.Context, s registry.Session) error {
	if !h.enabled() || skipConnection(s.Conn()) {
		return nil
	}
	c := s.Conn()

	s.ArmHandler(time.Duration(cfgInt(h.cfg, "lookup_timeout", 4)) * time.Second)
	result, domain, err := h.check(ctx, s, c.IP)
	if rerr := s.ResetToOuter(); rerr != nil {
		return rerr
	}
	if err != nil {
		return err
	}

	c.Headers.AddConnFragment(&header.Entry{
		Method:  "iprev",
		Value:   result,
		Props:   []header.Prop{{Type: "policy", Name: "iprev", Value: c.IP.String()}},
		Comment: domain,
	})
	if result == authres.ResultPass {
		c.Symbols.Set(model.StageConnect, "verified_ptr", domain)
	}
	return nil
}

// check runs PTR then forward lookups. For each PTR name A records are
// tried first, AAAA only when the address is still unresolved; pass
// means some forward address is identical to the original peer IP.
func (h *IPRev) check(ctx context.Context, s registry.Session, ip netip.Addr) (authres.ResultValue, string, error) {
	resolver, err := resolverFor(ctx, s)
	if err != nil {
		return "", "", err
	}
	hctx, cancel := s.HandlerContext(ctx)
	defer cancel()

	names, err := resolver.LookupPTR(hctx, ip)
	if err != nil {
		if errors.Is(err, dnsresolver.ErrNotFound) {
			return authres.ResultFail, "NOT FOUND", nil
		}
		// Deadline failures re-raise so the controller sees the
		// timeout; everything else degrades to temperror.
		if errors.Is(err, context.DeadlineExceeded) {
			return "", "", err
		}
		s.Logger().Debug("iprev ptr lookup failed", slog.Any("err", err))
		return authres.ResultTempError, "NOT FOUND", nil
	}

	for _, name := range names {
		addrs, err := resolver.LookupA(hctx, name)
		if err != nil && !errors.Is(err, dnsresolver.ErrNotFound) {
			if errors.Is(err, context.DeadlineExceeded) {
				return "", "", err
			}
			continue
		}
		if !containsIdentical(addrs, ip) {
			more, err := resolver.LookupAAAA(hctx, name)
			if err == nil {
				addrs = append(addrs, more...)
			}
		}
		if containsIdentical(addrs, ip) {
			return authres.ResultPass, name, nil
		}
	}
	return authres.ResultFail, names[0], nil
}

func containsIdentical(addrs []netip.Addr, ip netip.Addr) bool {
	for _, a := range addrs {
		ap := netip.PrefixFrom(a, a.BitLen())
		bp := netip.PrefixFrom(ip, ip.BitLen())
		if model.CompareOverlap(ap, bp) == model.OverlapIdentical {
			return true
		}
	}
	return false
}
