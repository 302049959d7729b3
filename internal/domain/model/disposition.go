package model

import (
	"log/slog"
	"regexp"
)

// Code is the per-event verdict returned to the MTA.
type Code int

const (
	CodeContinue Code = iota
	CodeAccept
	CodeReject
	CodeTempFail
	CodeDiscard
	CodeQuarantine
)

func (c Code) String() string {
	switch c {
	case CodeContinue:
		return "continue"
	case CodeAccept:
		return "accept"
	case CodeReject:
		return "reject"
	case CodeTempFail:
		return "tempfail"
	case CodeDiscard:
		return "discard"
	case CodeQuarantine:
		return "quarantine"
	}
	return "unknown"
}

const (
	DefaultRejectReason = "550 5.0.0 Message rejected"
	DefaultDeferReason  = "450 4.0.0 Message deferred"
)

var (
	rejectReasonRe = regexp.MustCompile(`^5\d\d 5\.\d\.\d `)
	deferReasonRe  = regexp.MustCompile(`^4\d\d 4\.\d\.\d `)
)

// Disposition arbitrates the final return code for one message.
// Precedence: reject > defer > quarantine > handler-set code > continue.
type Disposition struct {
	rejectReason     string
	deferReason      string
	quarantineReason string
	hasReject        bool
	hasDefer         bool
	hasQuarantine    bool
	code             Code

	logger *slog.Logger
}

func NewDisposition(logger *slog.Logger) *Disposition {
	return &Disposition{logger: logger}
}

// Reset clears all reasons and the handler-set code. Called on connect
// and at the start of each message.
func (d *Disposition) Reset() {
	*d = Disposition{logger: d.logger}
}

// RejectMail requests a permanent rejection. A reason not matching
// "5xx 5.x.x text" is replaced by the default and noted in the log.
func (d *Disposition) RejectMail(reason string) {
	if !rejectReasonRe.MatchString(reason) {
		d.logger.Info("invalid reject reason replaced",
			slog.String("given", reason),
			slog.String("used", DefaultRejectReason))
		reason = DefaultRejectReason
	}
	d.rejectReason = reason
	d.hasReject = true
}

// DeferMail requests a temporary rejection. Reason validation mirrors
// RejectMail with the 4xx classes.
func (d *Disposition) DeferMail(reason string) {
	if !deferReasonRe.MatchString(reason) {
		d.logger.Info("invalid defer reason replaced",
			slog.String("given", reason),
			slog.String("used", DefaultDeferReason))
		reason = DefaultDeferReason
	}
	d.deferReason = reason
	d.hasDefer = true
}

// QuarantineMail requests quarantine. The observable effect is the
// X-Disposition-Quarantine header plus the transport quarantine action;
// the code returned to the MTA stays continue.
func (d *Disposition) QuarantineMail(reason string) {
	d.quarantineReason = reason
	d.hasQuarantine = true
}

// SetCode records a handler-set return code. It only takes effect when
// no reject/defer/quarantine reason is present.
func (d *Disposition) SetCode(c Code) {
	d.code = c
}

func (d *Disposition) Quarantined() bool { return d.hasQuarantine }

func (d *Disposition) QuarantineReason() string { return d.quarantineReason }

// Final resolves the precedence chain and returns the code to hand to
// the transport plus the SMTP reason text, when one applies.
func (d *Disposition) Final() (Code, string) {
	switch {
	case d.hasReject:
		return CodeReject, d.rejectReason
	case d.hasDefer:
		return CodeTempFail, d.deferReason
	case d.hasQuarantine:
		return CodeContinue, ""
	default:
		return d.code, ""
	}
}
