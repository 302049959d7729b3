package checks

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/emersion/go-msgauth/authres"

	"github.com/webitel/mail-auth-gateway/internal/domain/header"
	"github.com/webitel/mail-auth-gateway/internal/domain/registry"
)

type sizeState struct {
	bytes int
}

// Size counts header and body bytes, reports the total as a fragment
// and rejects messages over the configured limit.
type Size struct {
	base
}

var (
	_ registry.HeaderHandler = (*Size)(nil)
	_ registry.BodyHandler   = (*Size)(nil)
	_ registry.EOMHandler    = (*Size)(nil)
)

func NewSize(cfg map[string]any, logger *slog.Logger) *Size {
	return &Size{base{name: NameSize, cfg: cfg, logger: logger}}
}

func (h *Size) DefaultConfig() map[string]any {
	return map[string]any{"max_size": 0} // 0 = unlimited
}

func (h *Size) state(s registry.Session) *sizeState {
	msg := s.Conn().Msg
	if msg == nil {
		return &sizeState{}
	}
	st, ok := msg.Private[h.name].(*sizeState)
	if !ok {
		st = &sizeState{}
		msg.Private[h.name] = st
	}
	return st
}

func (h *Size) Header(_ context.Context, s registry.Session, name, value string) error {
	if !h.enabled() {
		return nil
	}
	h.state(s).bytes += len(name) + len(": ") + len(value) + len("\r\n")
	return nil
}

func (h *Size) Body(_ context.Context, s registry.Session, chunk []byte) error {
	if !h.enabled() {
		return nil
	}
	h.state(s).bytes += len(chunk)
	return nil
}

func (h *Size) EOM(_ context.Context, s registry.Session) error {
	if !h.enabled() {
		return nil
	}
	c := s.Conn()
	n := h.state(s).bytes

	value := authres.ResultValue(authres.ResultPass)
	max := cfgInt(h.cfg, "max_size", 0)
	if max > 0 && n > max {
		value = authres.ResultFail
		c.Disposition.RejectMail(fmt.Sprintf(
			"552 5.3.4 Message size %d exceeds limit %d", n, max))
	}
	c.Headers.AddFragment(&header.Entry{
		Method: "x-size",
		Value:  value,
		Props:  []header.Prop{{Type: "policy", Name: "size", Value: strconv.Itoa(n)}},
	})
	return nil
}
