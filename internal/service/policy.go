package service

import (
	"github.com/webitel/mail-auth-gateway/internal/domain/model"
	"github.com/webitel/mail-auth-gateway/internal/domain/registry"
)

// tempfailOnError applies the failure policy after a callback failed.
// Classification runs in priority order authenticated, local, trusted,
// default; the first class that matches the connection and has its
// config flag set forces tempfail. Otherwise the existing code is
// preserved. A classification whose handler is not loaded never
// matches.
func (p *Controller) tempfailOnError(s *Session, code model.Code) model.Code {
	c := s.conn

	switch {
	case p.cfg.TempfailOnErrorAuthenticated && p.isAuthenticated(c),
		p.cfg.TempfailOnErrorLocal && p.isLocal(c),
		p.cfg.TempfailOnErrorTrusted && p.isTrusted(c),
		p.cfg.TempfailOnError:
		return model.CodeTempFail
	}
	return code
}

func (p *Controller) isAuthenticated(c *model.ConnContext) bool {
	for _, h := range p.reg.Handlers() {
		if cl, ok := h.(registry.AuthClassifier); ok {
			return cl.IsAuthenticated(c)
		}
	}
	return false
}

func (p *Controller) isLocal(c *model.ConnContext) bool {
	for _, h := range p.reg.Handlers() {
		if cl, ok := h.(registry.LocalClassifier); ok {
			return cl.IsLocal(c)
		}
	}
	return false
}

func (p *Controller) isTrusted(c *model.ConnContext) bool {
	for _, h := range p.reg.Handlers() {
		if cl, ok := h.(registry.TrustedClassifier); ok {
			return cl.IsTrusted(c)
		}
	}
	return false
}
