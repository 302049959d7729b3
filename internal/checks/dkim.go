package checks

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/emersion/go-msgauth/authres"
	"github.com/emersion/go-msgauth/dkim"

	"github.com/webitel/mail-auth-gateway/internal/domain/header"
	"github.com/webitel/mail-auth-gateway/internal/domain/registry"
)

// DKIMSig is one verified signature, kept for DMARC and AlignedFrom.
type DKIMSig struct {
	Domain     string
	Identifier string
	Value      authres.ResultValue
}

// DKIMState is the DKIM handler's private per-message state.
type DKIMState struct {
	buf  bytes.Buffer
	Sigs []DKIMSig
}

// DKIM buffers the message during the content events and verifies all
// DKIM-Signature headers at end-of-message.
type DKIM struct {
	base
}

var (
	_ registry.HeaderHandler = (*DKIM)(nil)
	_ registry.EOHHandler    = (*DKIM)(nil)
	_ registry.BodyHandler   = (*DKIM)(nil)
	_ registry.EOMHandler    = (*DKIM)(nil)
	_ registry.AbortHandler  = (*DKIM)(nil)
)

func NewDKIM(cfg map[string]any, logger *slog.Logger) *DKIM {
	return &DKIM{base{name: NameDKIM, cfg: cfg, logger: logger}}
}

func (h *DKIM) DefaultConfig() map[string]any {
	return map[string]any{
		"lookup_timeout":    8,
		"max_verifications": 10,
	}
}

func (h *DKIM) RegisterMetrics(reg registry.CounterRegistry) {
	reg.RegisterCounter("authmilter_dkim_total", "DKIM results by value", "result")
}

func (h *DKIM) state(s registry.Session) *DKIMState {
	msg := s.Conn().Msg
	if msg == nil {
		return &DKIMState{}
	}
	st, ok := msg.Private[h.name].(*DKIMState)
	if !ok {
		st = &DKIMState{}
		msg.Private[h.name] = st
	}
	return st
}

func (h *DKIM) Header(_ context.Context, s registry.Session, name, value string) error {
	if !h.enabled() {
		return nil
	}
	st := h.state(s)
	st.buf.WriteString(name)
	st.buf.WriteString(": ")
	st.buf.WriteString(value)
	st.buf.WriteString("\r\n")
	return nil
}

func (h *DKIM) EOH(_ context.Context, s registry.Session) error {
	if !h.enabled() {
		return nil
	}
	h.state(s).buf.WriteString("\r\n")
	return nil
}

func (h *DKIM) Body(_ context.Context, s registry.Session, chunk []byte) error {
	if !h.enabled() {
		return nil
	}
	h.state(s).buf.Write(chunk)
	return nil
}

func (h *DKIM) EOM(ctx context.Context, s registry.Session) error {
	if !h.enabled() || skipConnection(s.Conn()) {
		return nil
	}
	c := s.Conn()
	st := h.state(s)

	resolver, err := resolverFor(ctx, s)
	if err != nil {
		return err
	}

	s.ArmHandler(time.Duration(cfgInt(h.cfg, "lookup_timeout", 8)) * time.Second)
	hctx, cancel := s.HandlerContext(ctx)
	verifs, verr := dkim.VerifyWithOptions(bytes.NewReader(st.buf.Bytes()), &dkim.VerifyOptions{
		LookupTXT: func(domain string) ([]string, error) {
			return resolver.LookupTXT(hctx, domain)
		},
		MaxVerifications: cfgInt(h.cfg, "max_verifications", 10),
	})
	cancel()
	if rerr := s.ResetToOuter(); rerr != nil {
		return rerr
	}
	if verr != nil {
		if errors.Is(verr, context.DeadlineExceeded) {
			return verr
		}
		s.Logger().Debug("dkim verification failed", slog.Any("err", verr))
		c.Headers.AddFragment(&header.Entry{
			Method: "dkim",
			Value:  authres.ResultTempError,
		})
		return nil
	}

	if len(verifs) == 0 {
		c.Headers.AddFragment(&header.Entry{Method: "dkim", Value: authres.ResultNone})
		return nil
	}

	for _, v := range verifs {
		value := dkimResultValue(v.Err)
		st.Sigs = append(st.Sigs, DKIMSig{
			Domain:     v.Domain,
			Identifier: v.Identifier,
			Value:      value,
		})
		entry := &header.Entry{
			Method: "dkim",
			Value:  value,
			Props:  []header.Prop{{Type: "header", Name: "d", Value: v.Domain}},
		}
		if v.Identifier != "" {
			entry.Props = append(entry.Props,
				header.Prop{Type: "header", Name: "i", Value: v.Identifier})
		}
		c.Headers.AddFragment(entry)
	}
	return nil
}

// Abort drops the buffered message early; the message context it
// lives in is about to go away anyway.
func (h *DKIM) Abort(_ context.Context, s registry.Session) error {
	if msg := s.Conn().Msg; msg != nil {
		delete(msg.Private, h.name)
	}
	return nil
}

func dkimResultValue(err error) authres.ResultValue {
	switch {
	case err == nil:
		return authres.ResultPass
	case dkim.IsTempFail(err):
		return authres.ResultTempError
	case dkim.IsPermFail(err):
		return authres.ResultPermError
	default:
		return authres.ResultFail
	}
}
