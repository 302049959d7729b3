package service

import (
	"context"
	"errors"
	"log/slog"
	"net/netip"
	"testing"

	"github.com/emersion/go-msgauth/authres"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webitel/mail-auth-gateway/config"
	"github.com/webitel/mail-auth-gateway/internal/domain/header"
	"github.com/webitel/mail-auth-gateway/internal/domain/model"
	"github.com/webitel/mail-auth-gateway/internal/domain/registry"
	"github.com/webitel/mail-auth-gateway/internal/metrics"
)

// recordingSink captures count events synchronously.
type recordingSink struct {
	events []metrics.CountEvent
}

func (r *recordingSink) Count(ev metrics.CountEvent) {
	r.events = append(r.events, ev)
}

func (r *recordingSink) total(id string, match func(metrics.CountEvent) bool) int {
	n := 0
	for _, ev := range r.events {
		if ev.ID == id && (match == nil || match(ev)) {
			n++
		}
	}
	return n
}

// scripted is a configurable fake handler.
type scripted struct {
	name      string
	onConnect func(ctx context.Context, s registry.Session) error
	onHelo    func(ctx context.Context, s registry.Session, helo string) error
	onEnvFrom func(ctx context.Context, s registry.Session, from, args string) error
	onEOM     func(ctx context.Context, s registry.Session) error
	onAddHdr  func(ctx context.Context, s registry.Session) error
}

func (h *scripted) Name() string { return h.name }

func (h *scripted) Connect(ctx context.Context, s registry.Session) error {
	if h.onConnect == nil {
		return nil
	}
	return h.onConnect(ctx, s)
}

func (h *scripted) Helo(ctx context.Context, s registry.Session, helo string) error {
	if h.onHelo == nil {
		return nil
	}
	return h.onHelo(ctx, s, helo)
}

func (h *scripted) EnvFrom(ctx context.Context, s registry.Session, from, args string) error {
	if h.onEnvFrom == nil {
		return nil
	}
	return h.onEnvFrom(ctx, s, from, args)
}

func (h *scripted) EOM(ctx context.Context, s registry.Session) error {
	if h.onEOM == nil {
		return nil
	}
	return h.onEOM(ctx, s)
}

func (h *scripted) AddHeader(ctx context.Context, s registry.Session) error {
	if h.onAddHdr == nil {
		return nil
	}
	return h.onAddHdr(ctx, s)
}

func newTestController(t *testing.T, cfg *config.Config, sink metrics.Sink,
	handlers ...registry.Handler) *Controller {
	t.Helper()
	if cfg.Hostname == "" {
		cfg.Hostname = "mx.test.example"
	}
	reg := registry.New(slog.Default())
	require.NoError(t, reg.Load(handlers...))
	ctrl, err := NewController(cfg, reg, sink, NoopStatusSink{}, slog.Default())
	require.NoError(t, err)
	return ctrl
}

func TestControllerDispatchOrder(t *testing.T) {
	var order []string
	mk := func(name string) *scripted {
		return &scripted{name: name, onConnect: func(context.Context, registry.Session) error {
			order = append(order, name)
			return nil
		}}
	}
	sink := &recordingSink{}
	ctrl := newTestController(t, &config.Config{}, sink, mk("first"), mk("second"), mk("third"))

	s := ctrl.NewSession()
	code := ctrl.TopConnect(context.Background(), s, "mail.example.com",
		netip.MustParseAddr("192.0.2.10"), 2525)

	assert.Equal(t, model.CodeContinue, code)
	assert.Equal(t, []string{"first", "second", "third"}, order)
	assert.Equal(t, 1, sink.total(metrics.ConnectTotal, nil))
	assert.Equal(t, 3, sink.total(metrics.TimeMicrosecondsTotal, func(ev metrics.CountEvent) bool {
		return ev.Labels["callback"] == "connect"
	}))
}

func TestControllerSecondHeloIgnored(t *testing.T) {
	heloCalls := 0
	h := &scripted{name: "h", onHelo: func(context.Context, registry.Session, string) error {
		heloCalls++
		return nil
	}}
	ctrl := newTestController(t, &config.Config{}, &recordingSink{}, h)

	s := ctrl.NewSession()
	ctrl.TopConnect(context.Background(), s, "", netip.MustParseAddr("192.0.2.10"), 0)
	ctrl.TopHelo(context.Background(), s, "a.example")
	ctrl.TopHelo(context.Background(), s, "b.example")

	assert.Equal(t, "a.example", s.Conn().Helo)
	assert.Equal(t, 1, heloCalls, "second HELO triggers no callbacks")
}

func TestControllerIPRemap(t *testing.T) {
	var seenIP netip.Addr
	var seenHelo string
	h := &scripted{
		name: "h",
		onConnect: func(_ context.Context, s registry.Session) error {
			seenIP = s.Conn().IP
			return nil
		},
		onHelo: func(_ context.Context, s registry.Session, helo string) error {
			seenHelo = helo
			return nil
		},
	}
	cfg := &config.Config{
		IPMap: map[string]config.IPMapEntry{
			"198.51.100.0/24": {IP: "192.0.2.5", Helo: "masked.example"},
		},
	}
	ctrl := newTestController(t, cfg, &recordingSink{}, h)

	s := ctrl.NewSession()
	ctrl.TopConnect(context.Background(), s, "", netip.MustParseAddr("198.51.100.77"), 0)
	ctrl.TopHelo(context.Background(), s, "orig.example")

	c := s.Conn()
	assert.Equal(t, netip.MustParseAddr("198.51.100.77"), c.RawIP)
	assert.Equal(t, netip.MustParseAddr("192.0.2.5"), c.IP)
	assert.Equal(t, "orig.example", c.RawHelo)
	assert.Equal(t, "masked.example", c.Helo)
	assert.Equal(t, netip.MustParseAddr("192.0.2.5"), seenIP,
		"handlers see the effective address")
	assert.Equal(t, "masked.example", seenHelo)
}

func TestControllerHandlerErrorPolicy(t *testing.T) {
	boom := &scripted{name: "boom", onConnect: func(context.Context, registry.Session) error {
		return errors.New("handler exploded")
	}}
	after := 0
	next := &scripted{name: "next", onConnect: func(context.Context, registry.Session) error {
		after++
		return nil
	}}

	t.Run("tempfail_on_error set", func(t *testing.T) {
		sink := &recordingSink{}
		ctrl := newTestController(t, &config.Config{TempfailOnError: true}, sink, boom, next)
		s := ctrl.NewSession()
		code := ctrl.TopConnect(context.Background(), s, "", netip.MustParseAddr("192.0.2.1"), 0)

		assert.Equal(t, model.CodeTempFail, code)
		assert.True(t, s.Conn().ExitOnClose)
		assert.Equal(t, 1, after, "chain continues past a failed handler")
		assert.Equal(t, 1, sink.total(metrics.CallbackErrorTotal, func(ev metrics.CountEvent) bool {
			return ev.Labels["stage"] == "connect" && ev.Labels["handler"] == "boom"
		}))
	})

	t.Run("tempfail_on_error clear", func(t *testing.T) {
		ctrl := newTestController(t, &config.Config{}, &recordingSink{}, boom)
		s := ctrl.NewSession()
		code := ctrl.TopConnect(context.Background(), s, "", netip.MustParseAddr("192.0.2.1"), 0)

		assert.Equal(t, model.CodeContinue, code, "error is swallowed when policy is off")
		assert.True(t, s.Conn().ExitOnClose, "exit-on-close is armed regardless")
	})
}

func TestControllerTimeoutAbortsEvent(t *testing.T) {
	after := 0
	slow := &scripted{name: "slow", onConnect: func(ctx context.Context, _ registry.Session) error {
		return context.DeadlineExceeded
	}}
	next := &scripted{name: "next", onConnect: func(context.Context, registry.Session) error {
		after++
		return nil
	}}
	sink := &recordingSink{}
	ctrl := newTestController(t, &config.Config{TempfailOnError: true, ConnectTimeout: 2},
		sink, slow, next)

	s := ctrl.NewSession()
	code := ctrl.TopConnect(context.Background(), s, "", netip.MustParseAddr("192.0.2.1"), 0)

	assert.Equal(t, model.CodeTempFail, code)
	assert.True(t, s.Conn().ExitOnClose)
	assert.Equal(t, 0, after, "timeout aborts the rest of the chain")
	assert.Equal(t, 1, sink.total(metrics.CallbackErrorTotal, func(ev metrics.CountEvent) bool {
		return ev.Labels["stage"] == "connect" && ev.Labels["type"] == "Timeout"
	}))
}

func TestControllerPanicRecovered(t *testing.T) {
	bad := &scripted{name: "bad", onConnect: func(context.Context, registry.Session) error {
		panic("unexpected")
	}}
	ctrl := newTestController(t, &config.Config{}, &recordingSink{}, bad)
	s := ctrl.NewSession()

	assert.NotPanics(t, func() {
		ctrl.TopConnect(context.Background(), s, "", netip.MustParseAddr("192.0.2.1"), 0)
	})
	assert.True(t, s.Conn().ExitOnClose)
}

func TestControllerRejectFromHandler(t *testing.T) {
	rejector := &scripted{name: "spfish", onEnvFrom: func(_ context.Context, s registry.Session, _, _ string) error {
		s.Conn().Disposition.RejectMail("550 5.7.1 SPF hardfail")
		return nil
	}}
	ctrl := newTestController(t, &config.Config{}, &recordingSink{}, rejector)

	s := ctrl.NewSession()
	code := ctrl.TopEnvFrom(context.Background(), s, "evil@example.com", "")
	require.Equal(t, model.CodeReject, code)
	_, reason := s.Conn().Disposition.Final()
	assert.Equal(t, "550 5.7.1 SPF hardfail", reason,
		"the exact reject string reaches the MTA")
}

func TestControllerInvalidRejectRewritten(t *testing.T) {
	rejector := &scripted{name: "r", onEnvFrom: func(_ context.Context, s registry.Session, _, _ string) error {
		s.Conn().Disposition.RejectMail("nope")
		return nil
	}}
	ctrl := newTestController(t, &config.Config{}, &recordingSink{}, rejector)

	s := ctrl.NewSession()
	code := ctrl.TopEnvFrom(context.Background(), s, "a@example.com", "")
	require.Equal(t, model.CodeReject, code)
	_, reason := s.Conn().Disposition.Final()
	assert.Equal(t, model.DefaultRejectReason, reason)
}

func TestControllerEOMEmitsHeaders(t *testing.T) {
	emitter := &scripted{name: "e", onEOM: func(_ context.Context, s registry.Session) error {
		s.Conn().Headers.AddFragment(&header.Entry{Method: "spf", Value: authres.ResultPass})
		s.Conn().Headers.AppendHeader("X-Authentication-Milter", "Header added by Authentication Milter")
		return nil
	}}
	var sawDuringAddHeader []header.Field
	inspector := &scripted{name: "i", onAddHdr: func(_ context.Context, s registry.Session) error {
		sawDuringAddHeader = append([]header.Field(nil), s.Conn().Headers.PreHeaders()...)
		return nil
	}}
	ctrl := newTestController(t, &config.Config{}, &recordingSink{}, emitter, inspector)

	s := ctrl.NewSession()
	ctrl.TopEnvFrom(context.Background(), s, "a@example.com", "")
	code := ctrl.TopEOM(context.Background(), s)
	require.Equal(t, model.CodeContinue, code)

	pre := s.Conn().Headers.PreHeaders()
	require.NotEmpty(t, pre)
	assert.Equal(t, "Authentication-Results", pre[0].Name,
		"Authentication-Results is the first inserted header")
	assert.Contains(t, pre[0].Value, "mx.test.example;")
	assert.Contains(t, pre[0].Value, "spf=pass")

	require.NotEmpty(t, sawDuringAddHeader,
		"addheader callbacks run after serialization, before the flush")
	assert.Equal(t, "Authentication-Results", sawDuringAddHeader[0].Name)

	adds := s.Conn().Headers.AddHeaders()
	require.Len(t, adds, 1)
	assert.Equal(t, "X-Authentication-Milter", adds[0].Name)
}

func TestControllerQuarantineHeader(t *testing.T) {
	q := &scripted{name: "q", onEOM: func(_ context.Context, s registry.Session) error {
		s.Conn().Disposition.QuarantineMail("looks shady")
		return nil
	}}
	ctrl := newTestController(t, &config.Config{}, &recordingSink{}, q)

	s := ctrl.NewSession()
	ctrl.TopEnvFrom(context.Background(), s, "a@example.com", "")
	code := ctrl.TopEOM(context.Background(), s)

	assert.Equal(t, model.CodeContinue, code, "quarantine answers continue to the MTA")
	pre := s.Conn().Headers.PreHeaders()
	require.Len(t, pre, 2)
	assert.Equal(t, "Authentication-Results", pre[0].Name)
	assert.Equal(t, "X-Disposition-Quarantine", pre[1].Name)
	assert.Equal(t, "looks shady", pre[1].Value)
}

func TestControllerNoQuarantineHeaderWithoutRequest(t *testing.T) {
	ctrl := newTestController(t, &config.Config{}, &recordingSink{}, &scripted{name: "h"})
	s := ctrl.NewSession()
	ctrl.TopEnvFrom(context.Background(), s, "a@example.com", "")
	ctrl.TopEOM(context.Background(), s)

	for _, f := range s.Conn().Headers.PreHeaders() {
		assert.NotEqual(t, "X-Disposition-Quarantine", f.Name)
	}
}

func TestControllerAbortDropsMessage(t *testing.T) {
	ctrl := newTestController(t, &config.Config{}, &recordingSink{}, &scripted{name: "h"})
	s := ctrl.NewSession()
	ctrl.TopConnect(context.Background(), s, "", netip.MustParseAddr("192.0.2.1"), 0)
	ctrl.TopEnvFrom(context.Background(), s, "a@example.com", "")
	require.NotNil(t, s.Conn().Msg)

	ctrl.TopAbort(context.Background(), s)
	assert.Nil(t, s.Conn().Msg, "abort drops the transaction, connection stays")

	// The connection can run another message afterwards.
	code := ctrl.TopEnvFrom(context.Background(), s, "b@example.com", "")
	assert.Equal(t, model.CodeContinue, code)
	assert.Equal(t, "b@example.com", s.Conn().Msg.Sender)
}
