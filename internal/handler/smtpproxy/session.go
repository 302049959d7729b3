// Package smtpproxy is the SMTP front-end: it accepts mail, drives the
// same pipeline event sequence as the milter path and relays accepted
// messages to the downstream server with the emitted headers applied.
package smtpproxy

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-smtp"

	"github.com/webitel/mail-auth-gateway/config"
	"github.com/webitel/mail-auth-gateway/internal/adapter/audit"
	"github.com/webitel/mail-auth-gateway/internal/domain/header"
	"github.com/webitel/mail-auth-gateway/internal/domain/model"
	"github.com/webitel/mail-auth-gateway/internal/service"
)

type proxySession struct {
	cfg    *config.Config
	ctrl   *service.Controller
	auditP audit.Publisher
	logger *slog.Logger
	conn   *smtp.Conn

	sess     *service.Session
	heloSent bool
}

func newProxySession(cfg *config.Config, ctrl *service.Controller,
	auditP audit.Publisher, logger *slog.Logger, c *smtp.Conn) *proxySession {

	s := &proxySession{
		cfg:    cfg,
		ctrl:   ctrl,
		auditP: auditP,
		logger: logger,
		conn:   c,
	}
	s.sess = ctrl.NewSession()
	ctrl.TopSetup(context.Background(), s.sess)

	var ip netip.Addr
	var port uint16
	host := ""
	if tcp, ok := c.Conn().RemoteAddr().(*net.TCPAddr); ok {
		if a, ok := netip.AddrFromSlice(tcp.IP); ok {
			ip = a.Unmap()
		}
		port = uint16(tcp.Port)
		host = tcp.IP.String()
	}
	ctrl.TopConnect(context.Background(), s.sess, host, ip, port)
	return s
}

// helo runs the helo event once, with whatever name the client
// eventually presented.
func (s *proxySession) helo() {
	if s.heloSent {
		return
	}
	s.heloSent = true
	if state, ok := s.conn.TLSConnectionState(); ok {
		s.sess.Conn().Symbols.Set(model.StageHelo, "{tls_version}", tlsVersionName(state.Version))
		s.sess.Conn().Symbols.Set(model.StageHelo, "{cipher}", tls.CipherSuiteName(state.CipherSuite))
	}
	s.ctrl.TopHelo(context.Background(), s.sess, s.conn.Hostname())
}

func (s *proxySession) Mail(from string, _ *smtp.MailOptions) error {
	if s.sess.Conn().ExitOnClose {
		return &smtp.SMTPError{
			Code:         421,
			EnhancedCode: smtp.EnhancedCode{4, 3, 0},
			Message:      "service restarting, try again",
		}
	}
	s.helo()
	code := s.ctrl.TopEnvFrom(context.Background(), s.sess, from, "")
	return s.errFor(code)
}

func (s *proxySession) Rcpt(to string, _ *smtp.RcptOptions) error {
	code := s.ctrl.TopEnvRcpt(context.Background(), s.sess, to, "")
	return s.errFor(code)
}

func (s *proxySession) Data(r io.Reader) error {
	ctx := context.Background()
	br := bufio.NewReader(r)

	hdr, err := textproto.ReadHeader(br)
	if err != nil {
		return &smtp.SMTPError{
			Code:         550,
			EnhancedCode: smtp.EnhancedCode{5, 6, 0},
			Message:      "malformed message header",
		}
	}

	// Replay the parsed header through the pipeline in wire order.
	fields := hdr.Fields()
	for fields.Next() {
		if code := s.ctrl.TopHeader(ctx, s.sess, fields.Key(), fields.Value()); code != model.CodeContinue {
			if err := s.errFor(code); err != nil {
				return err
			}
		}
	}
	if err := s.errFor(s.ctrl.TopEOH(ctx, s.sess)); err != nil {
		return err
	}

	var body []byte
	buf := make([]byte, 64*1024)
	for {
		n, rerr := br.Read(buf)
		if n > 0 {
			body = append(body, buf[:n]...)
			if err := s.errFor(s.ctrl.TopBody(ctx, s.sess, buf[:n])); err != nil {
				return err
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return rerr
		}
	}

	code := s.ctrl.TopEOM(ctx, s.sess)
	c := s.sess.Conn()
	s.publishAudit(c, code)

	if err := s.errFor(code); err != nil {
		s.ctrl.EndMessage(s.sess)
		return err
	}
	if code == model.CodeDiscard {
		// Swallow silently: the client sees success, nothing relays.
		s.ctrl.EndMessage(s.sess)
		return nil
	}

	relayErr := s.relay(c, hdr, body)
	s.ctrl.EndMessage(s.sess)
	if relayErr != nil {
		s.logger.Error("downstream relay failed", slog.Any("err", relayErr))
		return &smtp.SMTPError{
			Code:         451,
			EnhancedCode: smtp.EnhancedCode{4, 4, 1},
			Message:      "downstream unavailable",
		}
	}
	return nil
}

// relay forwards the message with queued mutations applied: deletes
// dropped, pre-headers at the top, add-headers at the bottom of the
// header block.
func (s *proxySession) relay(c *model.ConnContext, hdr textproto.Header, body []byte) error {
	if s.cfg.SMTPProxy.Downstream == "" {
		return fmt.Errorf("smtpproxy: no downstream configured")
	}

	client, err := smtp.Dial(s.cfg.SMTPProxy.Downstream)
	if err != nil {
		return fmt.Errorf("smtpproxy: dial downstream: %w", err)
	}
	defer client.Close()

	if err := client.Hello(s.ctrl.Hostname()); err != nil {
		return err
	}
	if err := client.Mail(c.Msg.Sender, nil); err != nil {
		return err
	}
	for _, rcpt := range c.Msg.Rcpts {
		if err := client.Rcpt(rcpt, nil); err != nil {
			return err
		}
	}
	w, err := client.Data()
	if err != nil {
		return err
	}

	acc := c.Headers
	if s.cfg.DryRun {
		acc = header.NewAccumulator()
	}
	if err := writeMergedHeader(w, hdr, acc); err != nil {
		w.Close()
		return err
	}
	if _, err := w.Write(body); err != nil {
		w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return client.Quit()
}

// writeMergedHeader serializes the relayed header block the way the
// milter path would have asked the MTA to rewrite it: queued deletes
// dropped, pre-headers at the top, add-headers at the bottom.
func writeMergedHeader(w io.Writer, hdr textproto.Header, acc *header.Accumulator) error {
	for _, f := range acc.PreHeaders() {
		if err := writeField(w, f.Name, f.Value); err != nil {
			return err
		}
	}

	skip := make(map[string]int, len(acc.Deletes()))
	for _, d := range acc.Deletes() {
		skip[strings.ToLower(d.Name)+"\x00"+strconv.Itoa(d.Occurrence)] = 1
	}
	seen := make(map[string]int)
	fields := hdr.Fields()
	for fields.Next() {
		lk := strings.ToLower(fields.Key())
		seen[lk]++
		if skip[lk+"\x00"+strconv.Itoa(seen[lk])] != 0 {
			continue
		}
		if err := writeField(w, fields.Key(), fields.Value()); err != nil {
			return err
		}
	}

	for _, f := range acc.AddHeaders() {
		if err := writeField(w, f.Name, f.Value); err != nil {
			return err
		}
	}
	_, err := io.WriteString(w, "\r\n")
	return err
}

// writeField emits one header field, normalizing stored fold points to
// CRLF continuations.
func writeField(w io.Writer, name, value string) error {
	v := strings.ReplaceAll(value, "\r\n", "\n")
	v = strings.ReplaceAll(v, "\n", "\r\n")
	_, err := io.WriteString(w, name+": "+v+"\r\n")
	return err
}

func (s *proxySession) publishAudit(c *model.ConnContext, code model.Code) {
	if s.auditP == nil || c.Msg == nil {
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
	if err := s.auditP.PublishDisposition(context.Background(), ev); err != nil {
		s.logger.Debug("audit publish failed", slog.Any("err", err))
	}
}

func (s *proxySession) Reset() {
	if s.sess != nil && s.sess.Conn().Msg != nil {
		s.ctrl.TopAbort(context.Background(), s.sess)
	}
}

func (s *proxySession) Logout() error {
	if s.sess != nil {
		s.ctrl.TopClose(context.Background(), s.sess)
		s.sess = nil
	}
	return nil
}

// errFor converts a pipeline code into the SMTP error go-smtp expects,
// nil when the transaction may continue.
func (s *proxySession) errFor(code model.Code) error {
	switch code {
	case model.CodeContinue, model.CodeAccept, model.CodeDiscard, model.CodeQuarantine:
		return nil
	case model.CodeReject:
		_, reason := s.sess.Conn().Disposition.Final()
		return smtpErrFromReason(reason, model.DefaultRejectReason)
	case model.CodeTempFail:
		_, reason := s.sess.Conn().Disposition.Final()
		if reason == "" {
			reason = model.DefaultDeferReason
		}
		return smtpErrFromReason(reason, model.DefaultDeferReason)
	default:
		return nil
	}
}

// smtpErrFromReason parses "553 5.7.1 text" into a structured reply.
func smtpErrFromReason(reason, fallback string) *smtp.SMTPError {
	if reason == "" {
		reason = fallback
	}
	parts := strings.SplitN(reason, " ", 3)
	if len(parts) < 3 {
		parts = strings.SplitN(fallback, " ", 3)
	}
	code, err := strconv.Atoi(parts[0])
	if err != nil {
		code = 550
	}
	var enhanced smtp.EnhancedCode
	for i, p := range strings.SplitN(parts[1], ".", 3) {
		if i < 3 {
			n, _ := strconv.Atoi(p)
			enhanced[i] = n
		}
	}
	return &smtp.SMTPError{Code: code, EnhancedCode: enhanced, Message: parts[2]}
}

func tlsVersionName(v uint16) string {
	switch v {
	case tls.VersionTLS10:
		return "TLSv1"
	case tls.VersionTLS11:
		return "TLSv1.1"
	case tls.VersionTLS12:
		return "TLSv1.2"
	case tls.VersionTLS13:
		return "TLSv1.3"
	default:
		return "unknown"
	}
}
