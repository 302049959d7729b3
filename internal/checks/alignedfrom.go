package checks

import (
	"context"
	"log/slog"
	"strings"

	"github.com/emersion/go-msgauth/authres"
	"golang.org/x/net/publicsuffix"

	"github.com/webitel/mail-auth-gateway/internal/domain/addr"
	"github.com/webitel/mail-auth-gateway/internal/domain/header"
	"github.com/webitel/mail-auth-gateway/internal/domain/registry"
)

type alignedFromState struct {
	fromDomain string
	seenFrom   bool
}

// AlignedFrom reports how the From header domain relates to the
// authenticated identifiers the SPF and DKIM handlers produced:
// strict (exact match), relaxed (same organizational domain), null
// (no From domain to compare) or fail.
type AlignedFrom struct {
	base
}

var (
	_ registry.HeaderHandler = (*AlignedFrom)(nil)
	_ registry.EOMHandler    = (*AlignedFrom)(nil)
)

func NewAlignedFrom(cfg map[string]any, logger *slog.Logger) *AlignedFrom {
	return &AlignedFrom{base{name: NameAlignedFrom, cfg: cfg, logger: logger}}
}

func (h *AlignedFrom) Header(_ context.Context, s registry.Session, name, value string) error {
	if !h.enabled() || !strings.EqualFold(name, "From") {
		return nil
	}
	msg := s.Conn().Msg
	if msg == nil {
		return nil
	}
	st, _ := msg.Private[h.name].(*alignedFromState)
	if st == nil {
		st = &alignedFromState{}
		msg.Private[h.name] = st
	}
	if !st.seenFrom {
		st.fromDomain = addr.GetDomainFrom(value, h.logger)
		st.seenFrom = true
	}
	return nil
}

func (h *AlignedFrom) EOM(_ context.Context, s registry.Session) error {
	if !h.enabled() {
		return nil
	}
	c := s.Conn()
	if c.Msg == nil {
		return nil
	}
	st, _ := c.Msg.Private[h.name].(*alignedFromState)

	verdict := "null"
	if st != nil && st.seenFrom && st.fromDomain != addr.DefaultDomain {
		verdict = "fail"
		for _, authDomain := range h.authenticatedDomains(c.Msg.Private) {
			switch alignment(authDomain, st.fromDomain) {
			case "strict":
				verdict = "strict"
			case "relaxed":
				if verdict != "strict" {
					verdict = "relaxed"
				}
			}
		}
	}

	value := authres.ResultValue(authres.ResultPass)
	if verdict == "fail" {
		value = authres.ResultFail
	}
	entry := &header.Entry{
		Method: "x-aligned-from",
		Value:  value,
		Props:  []header.Prop{{Type: "policy", Name: "aligned", Value: verdict}},
	}
	if st != nil && st.fromDomain != "" {
		entry.Props = append(entry.Props,
			header.Prop{Type: "header", Name: "from", Value: st.fromDomain})
	}
	c.Headers.AddFragment(entry)
	return nil
}

// authenticatedDomains collects the domains SPF and DKIM vouched for.
func (h *AlignedFrom) authenticatedDomains(priv map[string]any) []string {
	var out []string
	if st, ok := priv[NameSPF].(SPFState); ok && st.Result == authres.ResultPass {
		out = append(out, st.Domain)
	}
	if st, ok := priv[NameDKIM].(*DKIMState); ok {
		for _, sig := range st.Sigs {
			if sig.Value == authres.ResultPass {
				out = append(out, sig.Domain)
			}
		}
	}
	return out
}

func alignment(a, b string) string {
	a, b = strings.ToLower(a), strings.ToLower(b)
	if a == "" || b == "" {
		return "none"
	}
	if a == b {
		return "strict"
	}
	orgA, errA := publicsuffix.EffectiveTLDPlusOne(a)
	orgB, errB := publicsuffix.EffectiveTLDPlusOne(b)
	if errA == nil && errB == nil && orgA == orgB {
		return "relaxed"
	}
	return "none"
}
