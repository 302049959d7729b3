package checks

import (
	"context"
	"log/slog"

	"github.com/webitel/mail-auth-gateway/internal/domain/registry"
)

// AddIDHeaderValue is appended to every processed message.
const AddIDHeaderValue = "Header added by Authentication Milter"

// AddID appends the X-Authentication-Milter marker header to every
// message unconditionally.
type AddID struct {
	base
}

var _ registry.EOMHandler = (*AddID)(nil)

func NewAddID(cfg map[string]any, logger *slog.Logger) *AddID {
	return &AddID{base{name: NameAddID, cfg: cfg, logger: logger}}
}

func (h *AddID) EOM(_ context.Context, s registry.Session) error {
	if !h.enabled() {
		return nil
	}
	s.Conn().Headers.AppendHeader("X-Authentication-Milter", AddIDHeaderValue)
	return nil
}
