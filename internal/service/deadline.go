package service

import (
	"context"
	"errors"
	"time"
)

// TimeoutError is the tagged failure that unwinds the current event.
// Intermediate recovery sites recognize it and re-raise; the controller
// event loop is the only place it is converted into an event outcome.
type TimeoutError struct {
	Site string
}

func (e *TimeoutError) Error() string {
	return "timeout: " + e.Site
}

// IsTimeout reports whether err carries the timeout tag.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// Deadline tracks the three nested budgets of one connection: overall
// session, current section, current handler-local scope. The armed
// deadline at any moment is the minimum of the three. Zero timers are
// disarmed.
type Deadline struct {
	overall time.Time
	section time.Time
	handler time.Time

	// now is injectable for tests.
	now func() time.Time
}

func NewDeadline() *Deadline {
	return &Deadline{now: time.Now}
}

// SetOverall arms the whole-session budget. d <= 0 disarms it.
func (dl *Deadline) SetOverall(d time.Duration) {
	if d <= 0 {
		dl.overall = time.Time{}
		return
	}
	dl.overall = dl.now().Add(d)
}

// ClearOverall disarms the session budget.
func (dl *Deadline) ClearOverall() {
	dl.overall = time.Time{}
}

// ArmSection arms the per-callback-class budget. d <= 0 disarms it.
func (dl *Deadline) ArmSection(d time.Duration) {
	if d <= 0 {
		dl.section = time.Time{}
		return
	}
	dl.section = dl.now().Add(d)
}

// DisarmSection drops the section budget at the end of an event.
func (dl *Deadline) DisarmSection() {
	dl.section = time.Time{}
	dl.handler = time.Time{}
}

// ArmHandler opens a handler-local scope of at most d, clamped to the
// remaining outer budget.
func (dl *Deadline) ArmHandler(d time.Duration) {
	if d <= 0 {
		dl.handler = time.Time{}
		return
	}
	t := dl.now().Add(d)
	if outer := dl.outerDeadline(); !outer.IsZero() && outer.Before(t) {
		t = outer
	}
	dl.handler = t
}

// ResetToOuter closes a handler-local scope, re-arming whatever outer
// budget remains. When that budget is already spent the tagged timeout
// is raised immediately instead of silently extending the scope.
func (dl *Deadline) ResetToOuter() error {
	dl.handler = time.Time{}
	if outer := dl.outerDeadline(); !outer.IsZero() && !dl.now().Before(outer) {
		return &TimeoutError{Site: "reset_to_outer"}
	}
	return nil
}

func (dl *Deadline) outerDeadline() time.Time {
	return minDeadline(dl.overall, dl.section)
}

// Current returns the armed deadline, zero when fully disarmed.
func (dl *Deadline) Current() time.Time {
	return minDeadline(dl.outerDeadline(), dl.handler)
}

// Remaining returns the time left before the armed deadline. A
// disarmed deadline reports a very large remainder.
func (dl *Deadline) Remaining() time.Duration {
	cur := dl.Current()
	if cur.IsZero() {
		return time.Duration(1<<63 - 1)
	}
	return cur.Sub(dl.now())
}

// CheckNow raises the tagged timeout if the armed deadline has passed.
func (dl *Deadline) CheckNow(site string) error {
	cur := dl.Current()
	if cur.IsZero() {
		return nil
	}
	if !dl.now().Before(cur) {
		return &TimeoutError{Site: site}
	}
	return nil
}

// Context derives a context carrying the armed deadline, for blocking
// calls. With everything disarmed the parent is returned as-is.
func (dl *Deadline) Context(parent context.Context) (context.Context, context.CancelFunc) {
	cur := dl.Current()
	if cur.IsZero() {
		return parent, func() {}
	}
	return context.WithDeadline(parent, cur)
}

func minDeadline(a, b time.Time) time.Time {
	switch {
	case a.IsZero():
		return b
	case b.IsZero():
		return a
	case a.Before(b):
		return a
	default:
		return b
	}
}
