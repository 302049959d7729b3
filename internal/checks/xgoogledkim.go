package checks

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/emersion/go-msgauth/dkim"

	"github.com/webitel/mail-auth-gateway/internal/domain/header"
	"github.com/webitel/mail-auth-gateway/internal/domain/registry"
)

const xGoogleDKIMHeader = "X-Google-DKIM-Signature"

// XGoogleDKIM runs a second verification pass over the non-standard
// X-Google-DKIM-Signature headers Google attaches to forwarded mail.
// The headers are rewritten to the standard name so the stock verifier
// can process them.
type XGoogleDKIM struct {
	base
}

var (
	_ registry.HeaderHandler = (*XGoogleDKIM)(nil)
	_ registry.EOHHandler    = (*XGoogleDKIM)(nil)
	_ registry.BodyHandler   = (*XGoogleDKIM)(nil)
	_ registry.EOMHandler    = (*XGoogleDKIM)(nil)
)

type xGoogleDKIMState struct {
	buf     bytes.Buffer
	sawXSig bool
}

func NewXGoogleDKIM(cfg map[string]any, logger *slog.Logger) *XGoogleDKIM {
	return &XGoogleDKIM{base{name: NameXGoogleDKIM, cfg: cfg, logger: logger}}
}

func (h *XGoogleDKIM) DefaultConfig() map[string]any {
	return map[string]any{"lookup_timeout": 8}
}

func (h *XGoogleDKIM) state(s registry.Session) *xGoogleDKIMState {
	msg := s.Conn().Msg
	if msg == nil {
		return &xGoogleDKIMState{}
	}
	st, ok := msg.Private[h.name].(*xGoogleDKIMState)
	if !ok {
		st = &xGoogleDKIMState{}
		msg.Private[h.name] = st
	}
	return st
}

func (h *XGoogleDKIM) Header(_ context.Context, s registry.Session, name, value string) error {
	if !h.enabled() {
		return nil
	}
	st := h.state(s)
	if strings.EqualFold(name, xGoogleDKIMHeader) {
		name = "DKIM-Signature"
		st.sawXSig = true
	} else if strings.EqualFold(name, "DKIM-Signature") {
		// Hide the standard signatures from this pass; the DKIM
		// handler owns them.
		name = "X-Original-DKIM-Signature"
	}
	st.buf.WriteString(name)
	st.buf.WriteString(": ")
	st.buf.WriteString(value)
	st.buf.WriteString("\r\n")
	return nil
}

func (h *XGoogleDKIM) EOH(_ context.Context, s registry.Session) error {
	if !h.enabled() {
		return nil
	}
	h.state(s).buf.WriteString("\r\n")
	return nil
}

func (h *XGoogleDKIM) Body(_ context.Context, s registry.Session, chunk []byte) error {
	if !h.enabled() {
		return nil
	}
	st := h.state(s)
	if st.sawXSig {
		st.buf.Write(chunk)
	}
	return nil
}

func (h *XGoogleDKIM) EOM(ctx context.Context, s registry.Session) error {
	if !h.enabled() || skipConnection(s.Conn()) {
		return nil
	}
	c := s.Conn()
	st := h.state(s)
	if !st.sawXSig {
		return nil
	}

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
	})
	cancel()
	if rerr := s.ResetToOuter(); rerr != nil {
		return rerr
	}
	if verr != nil {
		if errors.Is(verr, context.DeadlineExceeded) {
			return verr
		}
		s.Logger().Debug("x-google-dkim verification failed", slog.Any("err", verr))
		return nil
	}

	for _, v := range verifs {
		c.Headers.AddFragment(&header.Entry{
			Method: "x-google-dkim",
			Value:  dkimResultValue(v.Err),
			Props:  []header.Prop{{Type: "header", Name: "d", Value: v.Domain}},
		})
	}
	return nil
}
