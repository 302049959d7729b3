package checks

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/emersion/go-msgauth/authres"
	"github.com/emersion/go-msgauth/dmarc"
	"golang.org/x/net/publicsuffix"

	"github.com/webitel/mail-auth-gateway/internal/domain/addr"
	"github.com/webitel/mail-auth-gateway/internal/domain/header"
	"github.com/webitel/mail-auth-gateway/internal/domain/registry"
)

// dmarcState carries the From domain picked up during the header walk.
type dmarcState struct {
	fromDomain string
}

// DMARC evaluates the From-domain policy at end-of-message, consuming
// the SPF and DKIM verdicts of the handlers that ran before it in the
// chain.
type DMARC struct {
	base
}

var (
	_ registry.HeaderHandler = (*DMARC)(nil)
	_ registry.EOMHandler    = (*DMARC)(nil)
)

func NewDMARC(cfg map[string]any, logger *slog.Logger) *DMARC {
	return &DMARC{base{name: NameDMARC, cfg: cfg, logger: logger}}
}

func (h *DMARC) DefaultConfig() map[string]any {
	return map[string]any{
		"enforce":        true,
		"lookup_timeout": 8,
	}
}

func (h *DMARC) RegisterMetrics(reg registry.CounterRegistry) {
	reg.RegisterCounter("authmilter_dmarc_total", "DMARC results by value", "result")
}

func (h *DMARC) Header(_ context.Context, s registry.Session, name, value string) error {
	if !h.enabled() || !strings.EqualFold(name, "From") {
		return nil
	}
	msg := s.Conn().Msg
	if msg == nil {
		return nil
	}
	st, _ := msg.Private[h.name].(*dmarcState)
	if st == nil {
		st = &dmarcState{}
		msg.Private[h.name] = st
	}
	if st.fromDomain == "" {
		st.fromDomain = addr.GetDomainFrom(value, h.logger)
	}
	return nil
}

func (h *DMARC) EOM(ctx context.Context, s registry.Session) error {
	if !h.enabled() || skipConnection(s.Conn()) {
		return nil
	}
	c := s.Conn()
	if c.Msg == nil {
		return nil
	}
	st, _ := c.Msg.Private[h.name].(*dmarcState)
	if st == nil || st.fromDomain == "" || st.fromDomain == addr.DefaultDomain {
		c.Headers.AddFragment(&header.Entry{Method: "dmarc", Value: authres.ResultNone})
		return nil
	}

	resolver, err := resolverFor(ctx, s)
	if err != nil {
		return err
	}

	s.ArmHandler(time.Duration(cfgInt(h.cfg, "lookup_timeout", 8)) * time.Second)
	hctx, cancel := s.HandlerContext(ctx)
	record, lerr := h.lookupRecord(hctx, resolver.LookupTXT, st.fromDomain)
	cancel()
	if rerr := s.ResetToOuter(); rerr != nil {
		return rerr
	}
	if lerr != nil {
		if errors.Is(lerr, context.DeadlineExceeded) {
			return lerr
		}
		c.Headers.AddFragment(&header.Entry{
			Method: "dmarc",
			Value:  authres.ResultTempError,
			Props:  []header.Prop{{Type: "header", Name: "from", Value: st.fromDomain}},
		})
		return nil
	}
	if record == nil {
		c.Headers.AddFragment(&header.Entry{
			Method: "dmarc",
			Value:  authres.ResultNone,
			Props:  []header.Prop{{Type: "header", Name: "from", Value: st.fromDomain}},
		})
		return nil
	}

	// Parsed policy is per-message state; tag it destroyable so the
	// reap between messages drops it.
	c.Objects.Put("dmarc_record", record, true)

	value := authres.ResultValue(authres.ResultFail)
	if h.spfAligned(c.Msg.Private, st.fromDomain, record) ||
		h.dkimAligned(c.Msg.Private, st.fromDomain, record) {
		value = authres.ResultPass
	}

	c.Headers.AddFragment(&header.Entry{
		Method: "dmarc",
		Value:  value,
		Props:  []header.Prop{{Type: "header", Name: "from", Value: st.fromDomain}},
	})

	if value == authres.ResultFail && cfgBool(h.cfg, "enforce", true) {
		switch record.Policy {
		case dmarc.PolicyReject:
			c.Disposition.RejectMail(
				"550 5.7.1 Message rejected by DMARC policy for " + st.fromDomain)
		case dmarc.PolicyQuarantine:
			c.Disposition.QuarantineMail("DMARC policy for " + st.fromDomain)
		}
	}
	return nil
}

// lookupRecord fetches the policy for the exact domain, then for the
// organizational domain. A missing record is (nil, nil).
func (h *DMARC) lookupRecord(ctx context.Context,
	lookupTXT func(context.Context, string) ([]string, error),
	domain string) (*dmarc.Record, error) {

	opts := &dmarc.LookupOptions{
		LookupTXT: func(name string) ([]string, error) {
			return lookupTXT(ctx, name)
		},
	}
	record, err := dmarc.LookupWithOptions(domain, opts)
	if err == nil {
		return record, nil
	}
	if !dmarc.IsTempFail(err) {
		org, oerr := publicsuffix.EffectiveTLDPlusOne(domain)
		if oerr == nil && org != domain {
			record, err = dmarc.LookupWithOptions(org, opts)
			if err == nil {
				return record, nil
			}
			if dmarc.IsTempFail(err) {
				return nil, err
			}
		}
		return nil, nil
	}
	return nil, err
}

func (h *DMARC) spfAligned(priv map[string]any, fromDomain string, record *dmarc.Record) bool {
	st, ok := priv[NameSPF].(SPFState)
	if !ok || st.Result != authres.ResultPass {
		return false
	}
	return domainsAligned(st.Domain, fromDomain, record.SPFAlignment)
}

func (h *DMARC) dkimAligned(priv map[string]any, fromDomain string, record *dmarc.Record) bool {
	st, ok := priv[NameDKIM].(*DKIMState)
	if !ok {
		return false
	}
	for _, sig := range st.Sigs {
		if sig.Value == authres.ResultPass &&
			domainsAligned(sig.Domain, fromDomain, record.DKIMAlignment) {
			return true
		}
	}
	return false
}

func domainsAligned(a, b string, mode dmarc.AlignmentMode) bool {
	a, b = strings.ToLower(a), strings.ToLower(b)
	if a == b {
		return true
	}
	if mode == dmarc.AlignmentStrict {
		return false
	}
	orgA, errA := publicsuffix.EffectiveTLDPlusOne(a)
	orgB, errB := publicsuffix.EffectiveTLDPlusOne(b)
	return errA == nil && errB == nil && orgA == orgB
}
