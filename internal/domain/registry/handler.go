// Package registry loads the configured authentication handlers and
// precomputes the ordered callback chain for every pipeline event.
package registry

import (
	"context"
	"log/slog"
	"time"

	"github.com/webitel/mail-auth-gateway/internal/domain/model"
)

// Event names one pipeline callback type.
type Event string

const (
	EventSetup     Event = "setup"
	EventConnect   Event = "connect"
	EventHelo      Event = "helo"
	EventEnvFrom   Event = "envfrom"
	EventEnvRcpt   Event = "envrcpt"
	EventHeader    Event = "header"
	EventEOH       Event = "eoh"
	EventBody      Event = "body"
	EventEOM       Event = "eom"
	EventAbort     Event = "abort"
	EventClose     Event = "close"
	EventAddHeader Event = "addheader"
)

// Events lists every event in protocol order.
var Events = []Event{
	EventSetup, EventConnect, EventHelo, EventEnvFrom, EventEnvRcpt,
	EventHeader, EventEOH, EventBody, EventEOM, EventAbort, EventClose,
	EventAddHeader,
}

// Session is the per-connection view a handler callback operates on.
// The pipeline controller implements it; handlers never see the
// controller itself.
type Session interface {
	Conn() *model.ConnContext

	// ArmHandler narrows the armed deadline for a handler-local scope,
	// typically around a DNS lookup. The effective deadline is
	// min(d, whatever outer budget remains).
	ArmHandler(d time.Duration)

	// ResetToOuter ends a handler-local scope, re-arming the still
	// remaining outer budget. Returns the tagged timeout failure when
	// that budget is already spent.
	ResetToOuter() error

	// CheckNow raises the tagged timeout failure if the armed deadline
	// has passed.
	CheckNow(site string) error

	// HandlerContext derives a context bounded by the armed deadline,
	// for handing to blocking calls.
	HandlerContext(parent context.Context) (context.Context, context.CancelFunc)

	Logger() *slog.Logger
}

// Handler is the minimal contract every authentication handler
// implements. Event participation is expressed through the optional
// capability interfaces below; a handler only receives the callbacks it
// declares.
type Handler interface {
	Name() string
}

type SetupHandler interface {
	Handler
	Setup(ctx context.Context, s Session) error
}

type ConnectHandler interface {
	Handler
	Connect(ctx context.Context, s Session) error
}

type HeloHandler interface {
	Handler
	Helo(ctx context.Context, s Session, helo string) error
}

type EnvFromHandler interface {
	Handler
	EnvFrom(ctx context.Context, s Session, from, esmtpArgs string) error
}

type EnvRcptHandler interface {
	Handler
	EnvRcpt(ctx context.Context, s Session, rcpt, esmtpArgs string) error
}

type HeaderHandler interface {
	Handler
	Header(ctx context.Context, s Session, name, value string) error
}

type EOHHandler interface {
	Handler
	EOH(ctx context.Context, s Session) error
}

type BodyHandler interface {
	Handler
	Body(ctx context.Context, s Session, chunk []byte) error
}

type EOMHandler interface {
	Handler
	EOM(ctx context.Context, s Session) error
}

type AbortHandler interface {
	Handler
	Abort(ctx context.Context, s Session) error
}

type CloseHandler interface {
	Handler
	Close(ctx context.Context, s Session) error
}

// AddHeaderHandler runs after end-of-message header serialization, to
// inspect or mutate the queued headers before they are flushed to the
// transport.
type AddHeaderHandler interface {
	Handler
	AddHeader(ctx context.Context, s Session) error
}

// MetricsRegistrar lets a handler register its own counters at load
// time.
type MetricsRegistrar interface {
	RegisterMetrics(reg CounterRegistry)
}

// CounterRegistry is the slice of the metrics core handlers may touch.
type CounterRegistry interface {
	RegisterCounter(id, help string, labels ...string)
}

// ConfigDefaulter supplies handler-specific config defaults merged
// under the handler's section.
type ConfigDefaulter interface {
	DefaultConfig() map[string]any
}

// HeaderSorter lets a handler own the ordering of fragments that share
// its key.
type HeaderSorter interface {
	CanSortHeader(key string) bool
	// SortHeaders compares two fragment strings, strcmp-style.
	SortHeaders(a, b string) int
}

// DashboardProvider exposes a metric dashboard blob by file name.
type DashboardProvider interface {
	DashboardJSON(file string) ([]byte, error)
}

// LocalClassifier is implemented by the handler that recognizes
// connections from local interfaces.
type LocalClassifier interface {
	IsLocal(c *model.ConnContext) bool
}

// TrustedClassifier is implemented by the handler that recognizes
// connections from operator-trusted networks.
type TrustedClassifier interface {
	IsTrusted(c *model.ConnContext) bool
}

// AuthClassifier is implemented by the handler that recognizes
// SMTP-authenticated connections.
type AuthClassifier interface {
	IsAuthenticated(c *model.ConnContext) bool
}
