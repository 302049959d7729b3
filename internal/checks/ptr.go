package checks

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/emersion/go-msgauth/authres"

	"github.com/webitel/mail-auth-gateway/internal/adapter/dnsresolver"
	"github.com/webitel/mail-auth-gateway/internal/domain/header"
	"github.com/webitel/mail-auth-gateway/internal/domain/model"
	"github.com/webitel/mail-auth-gateway/internal/domain/registry"
)

// PTR checks whether the HELO name matches a PTR name of the peer.
// Unlike IPRev it does no forward confirmation; it answers the
// narrower question "does the host introduce itself by its reverse
// name".
type PTR struct {
	base
}

var _ registry.HeloHandler = (*PTR)(nil)

func NewPTR(cfg map[string]any, logger *slog.Logger) *PTR {
	return &PTR{base{name: NamePTR, cfg: cfg, logger: logger}}
}

func (h *PTR) DefaultConfig() map[string]any {
	return map[string]any{"lookup_timeout": 4}
}

func (h *PTR) Helo(ctx context.Context, s registry.Session, helo string) error {
	if !h.enabled() || skipConnection(s.Conn()) {
		return nil
	}
	c := s.Conn()

	// IPRev may already hold a confirmed name; reuse it over a second
	// PTR round trip.
	var names []string
	if verified, ok := c.Symbols.GetAt(model.StageConnect, "verified_ptr"); ok {
		names = []string{verified}
	} else {
		resolver, err := resolverFor(ctx, s)
		if err != nil {
			return err
		}
		s.ArmHandler(time.Duration(cfgInt(h.cfg, "lookup_timeout", 4)) * time.Second)
		hctx, cancel := s.HandlerContext(ctx)
		names, err = resolver.LookupPTR(hctx, c.IP)
		cancel()
		if rerr := s.ResetToOuter(); rerr != nil {
			return rerr
		}
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			if !errors.Is(err, dnsresolver.ErrNotFound) {
				h.logger.Debug("ptr lookup failed", slog.Any("err", err))
			}
		}
	}

	result := authres.ResultValue(authres.ResultFail)
	for _, name := range names {
		if strings.EqualFold(name, helo) {
			result = authres.ResultPass
			break
		}
	}
	c.Headers.AddConnFragment(&header.Entry{
		Method:  "x-ptr",
		Value:   result,
		Props:   []header.Prop{{Type: "smtp", Name: "helo", Value: helo}},
		Comment: strings.Join(names, " "),
	})
	return nil
}
