// Package service drives the authentication pipeline: a staged state
// machine that dispatches each MTA event to the ordered handler chain
// under nested deadlines, accumulates headers and disposition, and
// hands a single return code back to the transport.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"sync/atomic"
	"time"

	"github.com/webitel/mail-auth-gateway/config"
	"github.com/webitel/mail-auth-gateway/internal/domain/header"
	"github.com/webitel/mail-auth-gateway/internal/domain/model"
	"github.com/webitel/mail-auth-gateway/internal/domain/registry"
	"github.com/webitel/mail-auth-gateway/internal/metrics"
)

// Controller is shared by every connection of the process. All
// per-connection state lives in the Session.
type Controller struct {
	cfg      *config.Config
	reg      *registry.Registry
	sink     metrics.Sink
	logger   *slog.Logger
	status   StatusSink
	ipmap    *model.IPMap
	hostname string

	connCount atomic.Uint64

	objectFactories []ObjectFactory
}

// ObjectFactory is a named object-store factory registered into every
// new session. Production wires the DNS resolver and SPF engine; tests
// substitute fakes under the same names.
type ObjectFactory struct {
	Name    string
	Destroy bool
	Build   model.Factory
}

// RegisterObjectFactory adds a factory for all sessions created after
// the call. Not safe to call once sessions are being served.
func (p *Controller) RegisterObjectFactory(f ObjectFactory) {
	p.objectFactories = append(p.objectFactories, f)
}

func NewController(cfg *config.Config, reg *registry.Registry, sink metrics.Sink,
	status StatusSink, logger *slog.Logger) (*Controller, error) {

	raw := make(map[string]model.IPMapping, len(cfg.IPMap))
	for prefix, e := range cfg.IPMap {
		m := model.IPMapping{Helo: e.Helo}
		if e.IP != "" {
			a, err := netip.ParseAddr(e.IP)
			if err != nil {
				return nil, fmt.Errorf("ip_map[%s]: bad ip %q: %w", prefix, e.IP, err)
			}
			m.IP = a
		}
		raw[prefix] = m
	}
	ipmap, err := model.NewIPMap(raw)
	if err != nil {
		return nil, err
	}

	hostname := cfg.Hostname
	if hostname == "" {
		hostname, err = os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("controller: hostname: %w", err)
		}
	}

	return &Controller{
		cfg:      cfg,
		reg:      reg,
		sink:     sink,
		logger:   logger,
		status:   status,
		ipmap:    ipmap,
		hostname: hostname,
	}, nil
}

// Hostname is the authserv-id used in emitted trace headers.
func (p *Controller) Hostname() string { return p.hostname }

// Registry exposes the loaded handler chain, e.g. for dashboards.
func (p *Controller) Registry() *registry.Registry { return p.reg }

// NewSession opens the pipeline for one accepted connection and arms
// the overall session budget.
func (p *Controller) NewSession() *Session {
	count := p.connCount.Add(1)
	conn := model.NewConnContext(count, p.logger)
	s := &Session{
		conn:     conn,
		deadline: NewDeadline(),
		logger: p.logger.With(
			slog.String("conn_id", conn.ID.String()),
			slog.Uint64("conn_count", count)),
	}
	s.deadline.SetOverall(time.Duration(p.cfg.SessionTimeout) * time.Second)
	for _, f := range p.objectFactories {
		conn.Objects.RegisterFactory(f.Name, f.Destroy, f.Build)
	}
	return s
}

func (p *Controller) setStatus(s *Session, label string) {
	s.conn.Status = label
	p.status.Status(label)
}

// invokeFunc calls one handler's callback for the current event.
type invokeFunc func(ctx context.Context, h registry.Handler) error

// runEvent executes the per-event algorithm: record status, arm the
// section deadline, walk the ordered callback chain with per-handler
// timing and failure recovery, disarm. A timeout aborts the rest of
// the chain; any failure arms exit-on-close and runs the tempfail
// policy.
func (p *Controller) runEvent(ctx context.Context, s *Session, ev registry.Event,
	class config.TimeoutClass, invoke invokeFunc) model.Code {

	p.setStatus(s, string(ev))
	defer p.setStatus(s, "post"+string(ev))

	code := model.CodeContinue
	s.deadline.ArmSection(p.cfg.TypeTimeout(class))
	defer s.deadline.DisarmSection()

	for _, h := range p.reg.Callbacks(ev) {
		start := time.Now()
		err := p.safeInvoke(ctx, s, h, invoke)
		p.sink.Count(metrics.CountEvent{
			ID: metrics.TimeMicrosecondsTotal,
			Labels: map[string]string{
				"callback": string(ev),
				"handler":  h.Name(),
			},
			Count: float64(time.Since(start).Microseconds()),
		})

		if err != nil {
			if IsTimeout(err) || errors.Is(err, context.DeadlineExceeded) {
				s.logger.Warn("callback timed out",
					slog.String("stage", string(ev)),
					slog.String("handler", h.Name()),
					slog.Any("err", err))
				p.sink.Count(metrics.CountEvent{
					ID: metrics.CallbackErrorTotal,
					Labels: map[string]string{
						"stage": string(ev),
						"type":  "Timeout",
					},
				})
				s.conn.ExitOnClose = true
				return p.tempfailOnError(s, code)
			}

			s.logger.Error("callback failed",
				slog.String("stage", string(ev)),
				slog.String("handler", h.Name()),
				slog.Any("err", err))
			p.sink.Count(metrics.CountEvent{
				ID: metrics.CallbackErrorTotal,
				Labels: map[string]string{
					"stage":   string(ev),
					"handler": h.Name(),
					"type":    "HandlerError",
				},
			})
			s.conn.ExitOnClose = true
			code = p.tempfailOnError(s, code)
			continue
		}

		if err := s.deadline.CheckNow(string(ev)); err != nil {
			s.logger.Warn("section deadline expired",
				slog.String("stage", string(ev)),
				slog.String("handler", h.Name()))
			p.sink.Count(metrics.CountEvent{
				ID: metrics.CallbackErrorTotal,
				Labels: map[string]string{
					"stage": string(ev),
					"type":  "Timeout",
				},
			})
			s.conn.ExitOnClose = true
			return p.tempfailOnError(s, code)
		}
	}
	return code
}

// safeInvoke guards one callback against panics so a misbehaving
// handler cannot take the connection down without a disposition.
func (p *Controller) safeInvoke(ctx context.Context, s *Session, h registry.Handler,
	invoke invokeFunc) (err error) {

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler %s panicked: %v", h.Name(), r)
		}
	}()
	hctx, cancel := s.deadline.Context(ctx)
	defer cancel()
	return invoke(hctx, h)
}

// finalize folds the disposition register over the event code.
func (p *Controller) finalize(s *Session, code model.Code) model.Code {
	if dc, _ := s.conn.Disposition.Final(); dc != model.CodeContinue {
		return dc
	}
	return code
}

// TopSetup runs the setup callbacks when a connection is accepted.
func (p *Controller) TopSetup(ctx context.Context, s *Session) model.Code {
	code := p.runEvent(ctx, s, registry.EventSetup, config.TimeoutConnect,
		func(ctx context.Context, h registry.Handler) error {
			return h.(registry.SetupHandler).Setup(ctx, s)
		})
	return p.finalize(s, code)
}

// TopConnect records the peer identity, applies ip_map remapping and
// runs the connect chain.
func (p *Controller) TopConnect(ctx context.Context, s *Session, host string,
	ip netip.Addr, port uint16) model.Code {

	c := s.conn
	p.sink.Count(metrics.CountEvent{ID: metrics.ConnectTotal})
	c.Disposition.Reset()

	c.Host = host
	c.RawIP = ip
	c.IP = ip
	c.Port = port
	if m, ok := p.ipmap.Lookup(ip); ok && m.IP.IsValid() {
		c.IP = m.IP
		c.Log(slog.LevelDebug, "remap",
			fmt.Sprintf("ip %s remapped to %s", ip, m.IP))
	}

	code := p.runEvent(ctx, s, registry.EventConnect, config.TimeoutConnect,
		func(ctx context.Context, h registry.Handler) error {
			return h.(registry.ConnectHandler).Connect(ctx, s)
		})
	return p.finalize(s, code)
}

// TopHelo runs the helo chain for the first HELO of the connection.
// Later HELOs (e.g. after STARTTLS) are logged and ignored, callbacks
// included.
func (p *Controller) TopHelo(ctx context.Context, s *Session, helo string) model.Code {
	c := s.conn
	if c.HeloSeen {
		c.Log(slog.LevelDebug, "helo",
			fmt.Sprintf("additional HELO %q ignored, keeping %q", helo, c.Helo))
		return model.CodeContinue
	}
	c.RawHelo = helo
	c.Helo = helo
	c.HeloSeen = true
	if m, ok := p.ipmap.Lookup(c.RawIP); ok && m.Helo != "" {
		c.Helo = m.Helo
		c.Log(slog.LevelDebug, "remap",
			fmt.Sprintf("helo %q remapped to %q", helo, m.Helo))
	}

	code := p.runEvent(ctx, s, registry.EventHelo, config.TimeoutCommand,
		func(ctx context.Context, h registry.Handler) error {
			return h.(registry.HeloHandler).Helo(ctx, s, c.Helo)
		})
	return p.finalize(s, code)
}

// TopEnvFrom opens the message transaction.
func (p *Controller) TopEnvFrom(ctx context.Context, s *Session, from, esmtpArgs string) model.Code {
	s.conn.BeginMessage(from)
	code := p.runEvent(ctx, s, registry.EventEnvFrom, config.TimeoutCommand,
		func(ctx context.Context, h registry.Handler) error {
			return h.(registry.EnvFromHandler).EnvFrom(ctx, s, from, esmtpArgs)
		})
	return p.finalize(s, code)
}

func (p *Controller) TopEnvRcpt(ctx context.Context, s *Session, rcpt, esmtpArgs string) model.Code {
	if s.conn.Msg != nil {
		s.conn.Msg.Rcpts = append(s.conn.Msg.Rcpts, rcpt)
	}
	code := p.runEvent(ctx, s, registry.EventEnvRcpt, config.TimeoutCommand,
		func(ctx context.Context, h registry.Handler) error {
			return h.(registry.EnvRcptHandler).EnvRcpt(ctx, s, rcpt, esmtpArgs)
		})
	return p.finalize(s, code)
}

func (p *Controller) TopHeader(ctx context.Context, s *Session, name, value string) model.Code {
	code := p.runEvent(ctx, s, registry.EventHeader, config.TimeoutContent,
		func(ctx context.Context, h registry.Handler) error {
			return h.(registry.HeaderHandler).Header(ctx, s, name, value)
		})
	return p.finalize(s, code)
}

func (p *Controller) TopEOH(ctx context.Context, s *Session) model.Code {
	code := p.runEvent(ctx, s, registry.EventEOH, config.TimeoutContent,
		func(ctx context.Context, h registry.Handler) error {
			return h.(registry.EOHHandler).EOH(ctx, s)
		})
	return p.finalize(s, code)
}

func (p *Controller) TopBody(ctx context.Context, s *Session, chunk []byte) model.Code {
	code := p.runEvent(ctx, s, registry.EventBody, config.TimeoutContent,
		func(ctx context.Context, h registry.Handler) error {
			return h.(registry.BodyHandler).Body(ctx, s, chunk)
		})
	return p.finalize(s, code)
}

// TopEOM closes the message: run the eom chain, apply policy, compose
// the trace header, then give addheader callbacks a look at the queued
// mutations before the transport flushes them.
func (p *Controller) TopEOM(ctx context.Context, s *Session) model.Code {
	code := p.runEvent(ctx, s, registry.EventEOM, config.TimeoutContent,
		func(ctx context.Context, h registry.Handler) error {
			return h.(registry.EOMHandler).EOM(ctx, s)
		})

	p.applyPolicy(s)
	p.emitHeaders(s)

	addCode := p.runEvent(ctx, s, registry.EventAddHeader, config.TimeoutAddHeader,
		func(ctx context.Context, h registry.Handler) error {
			return h.(registry.AddHeaderHandler).AddHeader(ctx, s)
		})
	if code == model.CodeContinue {
		code = addCode
	}
	return p.finalize(s, code)
}

// applyPolicy is the end-of-message policy hook. It intentionally does
// nothing yet; site policy plugs in here without touching the event
// flow around it.
func (p *Controller) applyPolicy(*Session) {}

// emitHeaders sorts the accumulated fragments, serializes the
// Authentication-Results value and queues it as the first inserted
// header, with the quarantine marker directly behind it when set.
func (p *Controller) emitHeaders(s *Session) {
	c := s.conn
	frags := header.SortFragments(c.Headers.Fragments(), p.reg)

	style, indentBy, foldAt := p.cfg.FoldOpts()
	value := header.Serialize(p.hostname, frags, header.FoldOpts{
		IndentStyle: style,
		IndentBy:    indentBy,
		FoldAt:      foldAt,
	})
	c.Headers.InsertFront(header.Field{Name: "Authentication-Results", Value: value})

	if c.Disposition.Quarantined() {
		reason := c.Disposition.QuarantineReason()
		if reason == "" {
			reason = "quarantined"
		}
		c.Headers.InsertAfterFront(header.Field{Name: "X-Disposition-Quarantine", Value: reason})
	}
}

// TopAbort drops the message transaction; the connection stays open
// and the sub-machine returns to the connect state.
func (p *Controller) TopAbort(ctx context.Context, s *Session) model.Code {
	code := p.runEvent(ctx, s, registry.EventAbort, config.TimeoutCommand,
		func(ctx context.Context, h registry.Handler) error {
			return h.(registry.AbortHandler).Abort(ctx, s)
		})
	s.conn.DropMessage()
	return p.finalize(s, code)
}

// EndMessage drops per-message state after a completed transaction.
// The transport calls it after the header mutations are flushed (or the
// message relayed) and before it returns the end-of-message response.
func (p *Controller) EndMessage(s *Session) {
	s.conn.DropMessage()
}

// TopClose tears the connection down and flushes the buffered log.
func (p *Controller) TopClose(ctx context.Context, s *Session) model.Code {
	code := p.runEvent(ctx, s, registry.EventClose, config.TimeoutCommand,
		func(ctx context.Context, h registry.Handler) error {
			return h.(registry.CloseHandler).Close(ctx, s)
		})
	c := s.conn
	c.DropMessage()
	c.Objects.DestroyAll()
	c.FlushLog(s.logger)
	return p.finalize(s, code)
}
