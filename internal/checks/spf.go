package checks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"blitiri.com.ar/go/spf"
	"github.com/emersion/go-msgauth/authres"

	"github.com/webitel/mail-auth-gateway/internal/adapter/dnsresolver"
	"github.com/webitel/mail-auth-gateway/internal/domain/addr"
	"github.com/webitel/mail-auth-gateway/internal/domain/header"
	"github.com/webitel/mail-auth-gateway/internal/domain/model"
	"github.com/webitel/mail-auth-gateway/internal/domain/registry"
)

// SPFState is what the SPF handler leaves behind for DMARC and
// AlignedFrom.
type SPFState struct {
	Result authres.ResultValue
	Domain string
}

// SPFEngine wraps the policy evaluator plus the resolver adapter it
// runs DNS through. It lives in the object store under spf_server and
// survives across messages of a connection.
type SPFEngine struct {
	resolver *spfResolverAdapter
}

func NewSPFEngine(r dnsresolver.Resolver) *SPFEngine {
	return &SPFEngine{resolver: &spfResolverAdapter{r: r}}
}

// Check evaluates sender policy for ip with the given identities.
func (e *SPFEngine) Check(ctx context.Context, ip net.IP, helo, sender string,
	trace func(f string, a ...interface{})) (spf.Result, error) {

	e.resolver.ctx = ctx
	defer func() { e.resolver.ctx = nil }()

	opts := []spf.Option{spf.WithResolver(e.resolver)}
	if trace != nil {
		opts = append(opts, spf.WithTraceFunc(trace))
	}
	return spf.CheckHostWithSender(ip, helo, sender, opts...)
}

// spfResolverAdapter exposes the gateway resolver through the
// net.Resolver-shaped interface the spf library expects. The library
// does not thread a context, so the adapter carries the handler scope
// context for the duration of one Check.
type spfResolverAdapter struct {
	r   dnsresolver.Resolver
	ctx context.Context
}

func (a *spfResolverAdapter) context(ctx context.Context) context.Context {
	if a.ctx != nil {
		return a.ctx
	}
	return ctx
}

func (a *spfResolverAdapter) LookupTXT(ctx context.Context, name string) ([]string, error) {
	txts, err := a.r.LookupTXT(a.context(ctx), name)
	if errors.Is(err, dnsresolver.ErrNotFound) {
		return nil, &net.DNSError{Err: "no such host", Name: name, IsNotFound: true}
	}
	return txts, err
}

func (a *spfResolverAdapter) LookupMX(ctx context.Context, name string) ([]*net.MX, error) {
	hosts, err := a.r.LookupMX(a.context(ctx), name)
	if errors.Is(err, dnsresolver.ErrNotFound) {
		return nil, &net.DNSError{Err: "no such host", Name: name, IsNotFound: true}
	}
	if err != nil {
		return nil, err
	}
	out := make([]*net.MX, len(hosts))
	for i, h := range hosts {
		out[i] = &net.MX{Host: h, Pref: uint16(i)}
	}
	return out, nil
}

func (a *spfResolverAdapter) LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error) {
	ctx = a.context(ctx)
	var out []net.IPAddr
	v4, err := a.r.LookupA(ctx, host)
	if err != nil && !errors.Is(err, dnsresolver.ErrNotFound) {
		return nil, err
	}
	v6, err6 := a.r.LookupAAAA(ctx, host)
	if err6 != nil && !errors.Is(err6, dnsresolver.ErrNotFound) {
		return nil, err6
	}
	for _, a4 := range v4 {
		out = append(out, net.IPAddr{IP: a4.AsSlice()})
	}
	for _, a6 := range v6 {
		out = append(out, net.IPAddr{IP: a6.AsSlice()})
	}
	if len(out) == 0 {
		return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
	}
	return out, nil
}

func (a *spfResolverAdapter) LookupAddr(ctx context.Context, address string) ([]string, error) {
	ip, err := netipParse(address)
	if err != nil {
		return nil, err
	}
	names, lerr := a.r.LookupPTR(a.context(ctx), ip)
	if errors.Is(lerr, dnsresolver.ErrNotFound) {
		return nil, &net.DNSError{Err: "no such host", Name: address, IsNotFound: true}
	}
	return names, lerr
}

// SPF evaluates sender policy on MAIL FROM, falling back to the HELO
// identity for the null sender.
type SPF struct {
	base
}

var _ registry.EnvFromHandler = (*SPF)(nil)

func NewSPF(cfg map[string]any, logger *slog.Logger) *SPF {
	return &SPF{base{name: NameSPF, cfg: cfg, logger: logger}}
}

func (h *SPF) DefaultConfig() map[string]any {
	return map[string]any{
		"reject_on_fail": false,
		"lookup_timeout": 8,
	}
}

func (h *SPF) RegisterMetrics(reg registry.CounterRegistry) {
	reg.RegisterCounter("authmilter_spf_total", "SPF results by value", "result")
}

func (h *SPF) EnvFrom(ctx context.Context, s registry.Session, from, _ string) error {
	if !h.enabled() || skipConnection(s.Conn()) {
		return nil
	}
	c := s.Conn()

	obj, err := c.Objects.Get(ctx, model.ObjectSPFServer)
	if err != nil {
		return err
	}
	engine, ok := obj.(*SPFEngine)
	if !ok {
		return fmt.Errorf("checks: no spf_server factory registered")
	}

	sender := from
	domain := addr.GetDomainFrom(from, h.logger)
	identity := "mailfrom"
	if sender == "" || sender == "<>" {
		// Null sender: evaluate the HELO identity instead.
		sender = "postmaster@" + c.Helo
		domain = c.Helo
		identity = "helo"
	}

	s.ArmHandler(time.Duration(cfgInt(h.cfg, "lookup_timeout", 8)) * time.Second)
	hctx, cancel := s.HandlerContext(ctx)
	result, cerr := engine.Check(hctx, c.IP.AsSlice(), c.Helo, sender,
		func(f string, a ...interface{}) {
			s.Logger().Debug("spf trace", slog.String("msg", fmt.Sprintf(f, a...)))
		})
	cancel()
	if rerr := s.ResetToOuter(); rerr != nil {
		return rerr
	}
	if errors.Is(cerr, context.DeadlineExceeded) {
		return cerr
	}

	value := spfResultValue(result)
	if c.Msg != nil {
		c.Msg.Private[NameSPF] = SPFState{Result: value, Domain: domain}
	}

	prop := header.Prop{Type: "smtp", Name: "mailfrom", Value: domain}
	if identity == "helo" {
		prop = header.Prop{Type: "smtp", Name: "helo", Value: domain}
	}
	c.Headers.AddFragment(&header.Entry{
		Method: "spf",
		Value:  value,
		Props:  []header.Prop{prop},
	})

	if result == spf.Fail && cfgBool(h.cfg, "reject_on_fail", false) {
		c.Disposition.RejectMail(fmt.Sprintf(
			"550 5.7.1 SPF check failed for %s", domain))
	}
	return nil
}

func spfResultValue(r spf.Result) authres.ResultValue {
	switch r {
	case spf.Pass:
		return authres.ResultPass
	case spf.Fail:
		return authres.ResultFail
	case spf.SoftFail:
		return authres.ResultSoftFail
	case spf.Neutral:
		return authres.ResultNeutral
	case spf.None:
		return authres.ResultNone
	case spf.TempError:
		return authres.ResultTempError
	case spf.PermError:
		return authres.ResultPermError
	default:
		return authres.ResultNone
	}
}
