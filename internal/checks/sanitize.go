package checks

import (
	"context"
	"log/slog"
	"strings"

	"github.com/webitel/mail-auth-gateway/internal/domain/registry"
)

type sanitizeState struct {
	// occurrences counts instances per header name, so delete requests
	// can address the right one.
	occurrences map[string]int
}

// Sanitize removes pre-existing trace headers that claim to be ours:
// an upstream forging Authentication-Results for one of the hostnames
// in hosts_to_remove would otherwise survive into delivery.
type Sanitize struct {
	base
	hosts []string
}

var _ registry.HeaderHandler = (*Sanitize)(nil)

// SanitizedHeaders are the header names subject to removal.
var SanitizedHeaders = []string{
	"Authentication-Results",
	"X-Disposition-Quarantine",
}

func NewSanitize(cfg map[string]any, hostsToRemove []string, logger *slog.Logger) *Sanitize {
	hosts := make([]string, 0, len(hostsToRemove))
	for _, h := range hostsToRemove {
		hosts = append(hosts, strings.ToLower(h))
	}
	return &Sanitize{
		base:  base{name: NameSanitize, cfg: cfg, logger: logger},
		hosts: hosts,
	}
}

func (h *Sanitize) Header(_ context.Context, s registry.Session, name, value string) error {
	if !h.enabled() {
		return nil
	}
	c := s.Conn()
	msg := c.Msg
	if msg == nil {
		return nil
	}
	st, _ := msg.Private[h.name].(*sanitizeState)
	if st == nil {
		st = &sanitizeState{occurrences: make(map[string]int)}
		msg.Private[h.name] = st
	}

	lname := strings.ToLower(name)
	for _, target := range SanitizedHeaders {
		if lname != strings.ToLower(target) {
			continue
		}
		st.occurrences[lname]++
		if lname == "x-disposition-quarantine" || h.claimsOurIdentity(value) {
			c.Headers.DeleteHeader(name, st.occurrences[lname])
			c.Log(slog.LevelDebug, "sanitize",
				"removing forged "+name+" header")
		}
	}
	return nil
}

// claimsOurIdentity reports whether the header value's authserv-id is
// one of the hostnames we emit for. X-Disposition-Quarantine carries
// no authserv-id and is always removed.
func (h *Sanitize) claimsOurIdentity(value string) bool {
	if len(h.hosts) == 0 {
		return true
	}
	id := strings.ToLower(strings.TrimSpace(value))
	if i := strings.IndexAny(id, "; \t\n"); i >= 0 {
		id = id[:i]
	}
	if id == "" {
		return true
	}
	for _, host := range h.hosts {
		if id == host {
			return true
		}
	}
	return false
}
