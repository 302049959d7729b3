package checks

import (
	"context"
	"log/slog"

	"github.com/emersion/go-msgauth/authres"

	"github.com/webitel/mail-auth-gateway/internal/domain/header"
	"github.com/webitel/mail-auth-gateway/internal/domain/model"
	"github.com/webitel/mail-auth-gateway/internal/domain/registry"
)

// Auth recognizes SMTP-authenticated transactions from the MTA's
// auth_authen symbol and records the login in the trace header.
type Auth struct {
	base
}

var _ registry.EnvFromHandler = (*Auth)(nil)
var _ registry.AuthClassifier = (*Auth)(nil)

func NewAuth(cfg map[string]any, logger *slog.Logger) *Auth {
	return &Auth{base{name: NameAuth, cfg: cfg, logger: logger}}
}

func (h *Auth) EnvFrom(_ context.Context, s registry.Session, _, _ string) error {
	if !h.enabled() {
		return nil
	}
	c := s.Conn()
	login, ok := c.Symbols.Get("{auth_authen}")
	authed := ok && login != ""
	c.Private[NameAuth] = authed
	if authed {
		c.Headers.AddFragment(&header.Entry{
			Method: "auth",
			Value:  authres.ResultPass,
			Props:  []header.Prop{{Type: "smtp", Name: "auth", Value: login}},
		})
	}
	return nil
}

func (h *Auth) IsAuthenticated(c *model.ConnContext) bool {
	return privBool(c, NameAuth)
}
