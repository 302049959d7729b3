// Package miltersrv is the milter-protocol front-end: it translates
// milter callbacks into pipeline events, maps dispositions back to
// milter responses and flushes queued header mutations through the
// modifier.
package miltersrv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"strconv"
	"time"

	"github.com/d--j/go-milter"

	"github.com/webitel/mail-auth-gateway/config"
	"github.com/webitel/mail-auth-gateway/internal/adapter/audit"
	"github.com/webitel/mail-auth-gateway/internal/domain/model"
	"github.com/webitel/mail-auth-gateway/internal/service"
)

var errSessionRecycled = errors.New("miltersrv: session recycled after fault")

// backendSession serves one milter connection. The embedded NoOpMilter
// answers the callbacks we do not care about.
type backendSession struct {
	milter.NoOpMilter

	cfg    *config.Config
	ctrl   *service.Controller
	auditP audit.Publisher
	logger *slog.Logger

	sess *service.Session
}

func newBackendSession(cfg *config.Config, ctrl *service.Controller,
	auditP audit.Publisher, logger *slog.Logger) *backendSession {
	return &backendSession{cfg: cfg, ctrl: ctrl, auditP: auditP, logger: logger}
}

func (b *backendSession) NewConnection(*milter.Modifier) error {
	b.sess = b.ctrl.NewSession()
	b.ctrl.TopSetup(context.Background(), b.sess)
	return nil
}

// syncMacros copies the macros we consume into the symbol table at the
// given stage.
func (b *backendSession) syncMacros(m *milter.Modifier, stage model.Stage) {
	if b.sess == nil {
		return
	}
	syms := b.sess.Conn().Symbols
	macros := m.Macros
	for _, name := range []milter.MacroName{
		milter.MacroMTAFQDN, milter.MacroDaemonName, milter.MacroQueueId,
		milter.MacroAuthAuthen, milter.MacroTlsVersion, milter.MacroCipher,
	} {
		if v := macros.Get(name); v != "" {
			syms.Set(stage, string(name), v)
		}
	}
	if qid := macros.Get(milter.MacroQueueId); qid != "" {
		b.sess.Conn().SetQueueID(qid)
	}
}

func (b *backendSession) Connect(host string, family string, port uint16, address string, m *milter.Modifier) (*milter.Response, error) {
	if b.sess == nil {
		b.sess = b.ctrl.NewSession()
	}
	b.syncMacros(m, model.StageConnect)

	var ip netip.Addr
	if family == "tcp4" || family == "tcp6" || family == "4" || family == "6" {
		parsed, err := netip.ParseAddr(address)
		if err != nil {
			b.logger.Warn("unparseable peer address",
				slog.String("address", address), slog.Any("err", err))
		} else {
			ip = parsed.Unmap()
		}
	}

	code := b.ctrl.TopConnect(context.Background(), b.sess, host, ip, port)
	return b.respFor(code)
}

func (b *backendSession) Helo(name string, m *milter.Modifier) (*milter.Response, error) {
	b.syncMacros(m, model.StageHelo)
	code := b.ctrl.TopHelo(context.Background(), b.sess, name)
	return b.respFor(code)
}

func (b *backendSession) MailFrom(from string, esmtpArgs string, m *milter.Modifier) (*milter.Response, error) {
	if b.sess != nil && b.sess.Conn().ExitOnClose {
		return nil, errSessionRecycled
	}
	b.syncMacros(m, model.StageMail)
	code := b.ctrl.TopEnvFrom(context.Background(), b.sess, from, esmtpArgs)
	return b.respFor(code)
}

func (b *backendSession) RcptTo(rcptTo string, esmtpArgs string, m *milter.Modifier) (*milter.Response, error) {
	b.syncMacros(m, model.StageRcpt)
	code := b.ctrl.TopEnvRcpt(context.Background(), b.sess, rcptTo, esmtpArgs)
	return b.respFor(code)
}

func (b *backendSession) Header(name string, value string, m *milter.Modifier) (*milter.Response, error) {
	code := b.ctrl.TopHeader(context.Background(), b.sess, name, value)
	return b.respFor(code)
}

func (b *backendSession) Headers(m *milter.Modifier) (*milter.Response, error) {
	b.syncMacros(m, model.StageBody)
	code := b.ctrl.TopEOH(context.Background(), b.sess)
	return b.respFor(code)
}

func (b *backendSession) BodyChunk(chunk []byte, m *milter.Modifier) (*milter.Response, error) {
	code := b.ctrl.TopBody(context.Background(), b.sess, chunk)
	return b.respFor(code)
}

func (b *backendSession) EndOfMessage(m *milter.Modifier) (*milter.Response, error) {
	b.syncMacros(m, model.StageBody)
	code := b.ctrl.TopEOM(context.Background(), b.sess)

	c := b.sess.Conn()
	if err := b.flushMutations(c, m); err != nil {
		b.logger.Error("header mutation flush failed", slog.Any("err", err))
		c.ExitOnClose = true
	}
	b.publishAudit(c, code)
	b.ctrl.EndMessage(b.sess)
	return b.respFor(code)
}

// flushMutations applies the queued header work through the milter
// modifier. Dryrun suppresses every mutation packet.
func (b *backendSession) flushMutations(c *model.ConnContext, m *milter.Modifier) error {
	if b.cfg.DryRun {
		c.Log(slog.LevelDebug, "dryrun", "suppressing header mutations")
		return nil
	}
	for _, d := range c.Headers.Deletes() {
		if err := m.ChangeHeader(d.Occurrence, d.Name, ""); err != nil {
			return fmt.Errorf("change header %s: %w", d.Name, err)
		}
	}
	for i, f := range c.Headers.PreHeaders() {
		if err := m.InsertHeader(1+i, f.Name, f.Value); err != nil {
			return fmt.Errorf("insert header %s: %w", f.Name, err)
		}
	}
	for _, f := range c.Headers.AddHeaders() {
		if err := m.AddHeader(f.Name, f.Value); err != nil {
			return fmt.Errorf("add header %s: %w", f.Name, err)
		}
	}
	if c.Disposition.Quarantined() {
		if err := m.Quarantine(c.Disposition.QuarantineReason()); err != nil {
			return fmt.Errorf("quarantine: %w", err)
		}
	}
	return nil
}

func (b *backendSession) publishAudit(c *model.ConnContext, code model.Code) {
	if b.auditP == nil || c.Msg == nil {
		return
	}
	_, reason := c.Disposition.Final()
	var results []string
	for _, f := range c.Headers.Fragments() {
		results = append(results, f.String())
	}
	ev := audit.Event{
		QueueID:    c.QueueID(),
		Sender:     c.Msg.Sender,
		Recipients: append([]string(nil), c.Msg.Rcpts...),
		Results:    results,
		Code:       code.String(),
		Reason:     reason,
		OccurredAt: time.Now().UTC(),
	}
	if err := b.auditP.PublishDisposition(context.Background(), ev); err != nil {
		b.logger.Debug("audit publish failed", slog.Any("err", err))
	}
}

func (b *backendSession) Abort(_ *milter.Modifier) error {
	if b.sess == nil {
		return nil
	}
	b.ctrl.TopAbort(context.Background(), b.sess)
	return nil
}

func (b *backendSession) Cleanup() {
	if b.sess == nil {
		return
	}
	b.ctrl.TopClose(context.Background(), b.sess)
	b.sess = nil
}

// respFor maps a pipeline code plus the disposition reason onto the
// milter response set.
func (b *backendSession) respFor(code model.Code) (*milter.Response, error) {
	c := b.sess.Conn()
	_, reason := c.Disposition.Final()

	switch code {
	case model.CodeContinue:
		return milter.RespContinue, nil
	case model.CodeAccept:
		return milter.RespAccept, nil
	case model.CodeDiscard:
		return milter.RespDiscard, nil
	case model.CodeTempFail:
		if reason != "" {
			return rejectWithReason(reason, model.DefaultDeferReason)
		}
		return milter.RespTempFail, nil
	case model.CodeReject:
		if reason != "" {
			return rejectWithReason(reason, model.DefaultRejectReason)
		}
		return milter.RespReject, nil
	case model.CodeQuarantine:
		// Quarantine rides on the end-of-message modifier action; the
		// per-event answer stays continue.
		return milter.RespContinue, nil
	default:
		return milter.RespContinue, nil
	}
}

func rejectWithReason(reason, fallback string) (*milter.Response, error) {
	smtpCode, rest := splitReason(reason)
	resp, err := milter.RejectWithCodeAndReason(smtpCode, rest)
	if err != nil {
		smtpCode, rest = splitReason(fallback)
		return milter.RejectWithCodeAndReason(smtpCode, rest)
	}
	return resp, nil
}

// splitReason peels the three-digit SMTP code off a validated reason
// string.
func splitReason(reason string) (uint16, string) {
	if len(reason) > 4 {
		if n, err := strconv.Atoi(reason[:3]); err == nil {
			return uint16(n), reason[4:]
		}
	}
	return 550, reason
}
