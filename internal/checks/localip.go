package checks

import (
	"context"
	"log/slog"

	"github.com/emersion/go-msgauth/authres"

	"github.com/webitel/mail-auth-gateway/internal/domain/header"
	"github.com/webitel/mail-auth-gateway/internal/domain/model"
	"github.com/webitel/mail-auth-gateway/internal/domain/registry"
)

// LocalIP classifies connections from loopback and link/site-local
// addresses. Later handlers skip DNS work for them, and the failure
// policy consults the classification.
type LocalIP struct {
	base
}

var _ registry.ConnectHandler = (*LocalIP)(nil)
var _ registry.LocalClassifier = (*LocalIP)(nil)

func NewLocalIP(cfg map[string]any, logger *slog.Logger) *LocalIP {
	return &LocalIP{base{name: NameLocalIP, cfg: cfg, logger: logger}}
}

func (h *LocalIP) Connect(_ context.Context, s registry.Session) error {
	if !h.enabled() {
		return nil
	}
	c := s.Conn()
	ip := c.IP
	local := ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsPrivate() || !ip.IsValid()
	c.Private[NameLocalIP] = local
	if local {
		c.Headers.AddConnFragment(&header.Entry{
			Method:  "x-local-ip",
			Value:   authres.ResultPass,
			Comment: ip.String(),
		})
	}
	return nil
}

func (h *LocalIP) IsLocal(c *model.ConnContext) bool {
	return privBool(c, NameLocalIP)
}
