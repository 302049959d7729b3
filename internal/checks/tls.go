package checks

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/emersion/go-msgauth/authres"

	"github.com/webitel/mail-auth-gateway/internal/domain/header"
	"github.com/webitel/mail-auth-gateway/internal/domain/registry"
)

// TLS records the negotiated transport security of the inbound hop
// from the MTA's tls_version/cipher symbols.
type TLS struct {
	base
}

var _ registry.EnvFromHandler = (*TLS)(nil)

func NewTLS(cfg map[string]any, logger *slog.Logger) *TLS {
	return &TLS{base{name: NameTLS, cfg: cfg, logger: logger}}
}

func (h *TLS) EnvFrom(_ context.Context, s registry.Session, _, _ string) error {
	if !h.enabled() {
		return nil
	}
	c := s.Conn()
	version, ok := c.Symbols.Get("{tls_version}")
	if !ok || version == "" {
		return nil
	}
	comment := version
	if cipher, ok := c.Symbols.Get("{cipher}"); ok && cipher != "" {
		comment = fmt.Sprintf("%s, %s", version, cipher)
	}
	c.Headers.AddFragment(&header.Entry{
		Method:  "x-tls",
		Value:   authres.ResultPass,
		Comment: comment,
	})
	return nil
}
