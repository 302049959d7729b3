package checks

import (
	"fmt"
	"log/slog"

	"github.com/webitel/mail-auth-gateway/config"
	"github.com/webitel/mail-auth-gateway/internal/domain/registry"
)

// dependencies maps a handler to the handlers that must appear earlier
// in load_handlers. The registry never reorders; a violated dependency
// is a startup error.
var dependencies = map[string][]string{
	NameDMARC:       {NameSPF, NameDKIM},
	NameAlignedFrom: {NameSPF, NameDKIM},
}

// Build constructs the handlers named in load_handlers, in order, with
// their config sections resolved (defaults, file values, external
// processor hook).
func Build(cfg *config.Config, logger *slog.Logger) ([]registry.Handler, error) {
	seen := make(map[string]int, len(cfg.LoadHandlers))
	out := make([]registry.Handler, 0, len(cfg.LoadHandlers))

	for i, name := range cfg.LoadHandlers {
		h, err := build(name, cfg, logger.With(slog.String("handler", name)))
		if err != nil {
			return nil, err
		}
		for _, dep := range dependencies[name] {
			if _, ok := seen[dep]; !ok {
				return nil, fmt.Errorf(
					"checks: %s requires %s earlier in load_handlers", name, dep)
			}
		}
		seen[name] = i
		out = append(out, h)
	}
	return out, nil
}

func build(name string, cfg *config.Config, logger *slog.Logger) (registry.Handler, error) {
	section := func(defaults map[string]any) map[string]any {
		return cfg.HandlerConfig(name, defaults)
	}

	switch name {
	case NameLocalIP:
		return NewLocalIP(section(nil), logger), nil
	case NameTrustedIP:
		h := NewTrustedIP(section((&TrustedIP{}).DefaultConfig()), logger)
		return h, nil
	case NameAuth:
		return NewAuth(section(nil), logger), nil
	case NameTLS:
		return NewTLS(section(nil), logger), nil
	case NameIPRev:
		return NewIPRev(section((&IPRev{}).DefaultConfig()), logger), nil
	case NamePTR:
		return NewPTR(section((&PTR{}).DefaultConfig()), logger), nil
	case NameSPF:
		return NewSPF(section((&SPF{}).DefaultConfig()), logger), nil
	case NameDKIM:
		return NewDKIM(section((&DKIM{}).DefaultConfig()), logger), nil
	case NameDMARC:
		return NewDMARC(section((&DMARC{}).DefaultConfig()), logger), nil
	case NameSenderID:
		return NewSenderID(section((&SenderID{}).DefaultConfig()), logger), nil
	case NameXGoogleDKIM:
		return NewXGoogleDKIM(section((&XGoogleDKIM{}).DefaultConfig()), logger), nil
	case NameSize:
		return NewSize(section((&Size{}).DefaultConfig()), logger), nil
	case NameAlignedFrom:
		return NewAlignedFrom(section(nil), logger), nil
	case NameSanitize:
		return NewSanitize(section(nil), cfg.HostsToRemove, logger), nil
	case NameAddID:
		return NewAddID(section(nil), logger), nil
	case NameReturnOK:
		return NewReturnOK(section((&ReturnOK{}).DefaultConfig()), logger), nil
	default:
		return nil, fmt.Errorf("checks: unknown handler %q in load_handlers", name)
	}
}
