package registry

import (
	"fmt"
	"log/slog"
	"strings"
)

// Registry holds the loaded handlers in configured order and the
// precomputed per-event callback lists. It never reorders and checks no
// dependencies: ordering (DMARC after SPF and DKIM) is the operator's
// job, and checks.Build rejects a load_handlers list that violates it.
type Registry struct {
	handlers  []Handler
	byName    map[string]Handler
	callbacks map[Event][]Handler
	logger    *slog.Logger
}

func New(logger *slog.Logger) *Registry {
	return &Registry{
		byName:    make(map[string]Handler),
		callbacks: make(map[Event][]Handler),
		logger:    logger,
	}
}

// Load appends handlers in the given order. Duplicate names are a
// configuration error.
func (r *Registry) Load(hs ...Handler) error {
	for _, h := range hs {
		name := h.Name()
		if _, dup := r.byName[name]; dup {
			return fmt.Errorf("registry: handler %q loaded twice", name)
		}
		r.byName[name] = h
		r.handlers = append(r.handlers, h)
		r.index(h)
		r.logger.Debug("handler loaded", slog.String("handler", name))
	}
	return nil
}

// index adds h to the callback list of every event it participates in.
func (r *Registry) index(h Handler) {
	add := func(ev Event, ok bool) {
		if ok {
			r.callbacks[ev] = append(r.callbacks[ev], h)
		}
	}
	_, setup := h.(SetupHandler)
	add(EventSetup, setup)
	_, connect := h.(ConnectHandler)
	add(EventConnect, connect)
	_, helo := h.(HeloHandler)
	add(EventHelo, helo)
	_, envfrom := h.(EnvFromHandler)
	add(EventEnvFrom, envfrom)
	_, envrcpt := h.(EnvRcptHandler)
	add(EventEnvRcpt, envrcpt)
	_, hdr := h.(HeaderHandler)
	add(EventHeader, hdr)
	_, eoh := h.(EOHHandler)
	add(EventEOH, eoh)
	_, body := h.(BodyHandler)
	add(EventBody, body)
	_, eom := h.(EOMHandler)
	add(EventEOM, eom)
	_, abort := h.(AbortHandler)
	add(EventAbort, abort)
	_, cls := h.(CloseHandler)
	add(EventClose, cls)
	_, addHdr := h.(AddHeaderHandler)
	add(EventAddHeader, addHdr)
}

// Callbacks returns the ordered handlers participating in ev.
func (r *Registry) Callbacks(ev Event) []Handler {
	return r.callbacks[ev]
}

// Get returns a loaded handler by name.
func (r *Registry) Get(name string) (Handler, bool) {
	h, ok := r.byName[name]
	return h, ok
}

// Handlers returns all loaded handlers in configured order.
func (r *Registry) Handlers() []Handler {
	return r.handlers
}

// FragmentCmp implements the header sort contract: the first loaded
// handler that claims key decides the order of fragments sharing it.
func (r *Registry) FragmentCmp(key string) func(a, b string) int {
	key = strings.ToLower(key)
	for _, h := range r.handlers {
		hs, ok := h.(HeaderSorter)
		if !ok {
			continue
		}
		if hs.CanSortHeader(key) {
			return hs.SortHeaders
		}
	}
	return nil
}

// RegisterMetrics fans the counter registry out to every handler that
// registers its own metrics.
func (r *Registry) RegisterMetrics(reg CounterRegistry) {
	for _, h := range r.handlers {
		if mr, ok := h.(MetricsRegistrar); ok {
			mr.RegisterMetrics(reg)
		}
	}
}
