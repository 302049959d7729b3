package checks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/webitel/mail-auth-gateway/internal/domain/addr"
	"github.com/webitel/mail-auth-gateway/internal/domain/header"
	"github.com/webitel/mail-auth-gateway/internal/domain/model"
	"github.com/webitel/mail-auth-gateway/internal/domain/registry"
)

type senderIDState struct {
	senderDomain string
}

// SenderID is the legacy PRA check: when a message carries a Sender
// header, its domain is evaluated against sender policy the same way
// SPF evaluates MAIL FROM. Off by default; modern flows rely on DMARC.
type SenderID struct {
	base
}

var (
	_ registry.HeaderHandler = (*SenderID)(nil)
	_ registry.EOMHandler    = (*SenderID)(nil)
)

func NewSenderID(cfg map[string]any, logger *slog.Logger) *SenderID {
	return &SenderID{base{name: NameSenderID, cfg: cfg, logger: logger}}
}

func (h *SenderID) DefaultConfig() map[string]any {
	return map[string]any{
		"enabled":        false,
		"lookup_timeout": 8,
	}
}

func (h *SenderID) Header(_ context.Context, s registry.Session, name, value string) error {
	if !h.enabled() || !strings.EqualFold(name, "Sender") {
		return nil
	}
	msg := s.Conn().Msg
	if msg == nil {
		return nil
	}
	st, _ := msg.Private[h.name].(*senderIDState)
	if st == nil {
		st = &senderIDState{}
		msg.Private[h.name] = st
	}
	if st.senderDomain == "" {
		st.senderDomain = addr.GetDomainFrom(value, h.logger)
	}
	return nil
}

func (h *SenderID) EOM(ctx context.Context, s registry.Session) error {
	if !h.enabled() || skipConnection(s.Conn()) {
		return nil
	}
	c := s.Conn()
	if c.Msg == nil {
		return nil
	}
	st, _ := c.Msg.Private[h.name].(*senderIDState)
	if st == nil || st.senderDomain == "" || st.senderDomain == addr.DefaultDomain {
		// No Sender header, no fragment.
		return nil
	}

	obj, err := c.Objects.Get(ctx, model.ObjectSPFServer)
	if err != nil {
		return err
	}
	engine, ok := obj.(*SPFEngine)
	if !ok {
		return fmt.Errorf("checks: no spf_server factory registered")
	}

	s.ArmHandler(time.Duration(cfgInt(h.cfg, "lookup_timeout", 8)) * time.Second)
	hctx, cancel := s.HandlerContext(ctx)
	result, cerr := engine.Check(hctx, c.IP.AsSlice(), c.Helo,
		"postmaster@"+st.senderDomain, nil)
	cancel()
	if rerr := s.ResetToOuter(); rerr != nil {
		return rerr
	}
	if errors.Is(cerr, context.DeadlineExceeded) {
		return cerr
	}

	c.Headers.AddFragment(&header.Entry{
		Method: "senderid",
		Value:  spfResultValue(result),
		Props:  []header.Prop{{Type: "header", Name: "sender", Value: st.senderDomain}},
	})
	return nil
}
