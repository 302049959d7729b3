package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/webitel/mail-auth-gateway/internal/domain/model"
	"github.com/webitel/mail-auth-gateway/internal/domain/registry"
)

// Interface guard
var _ registry.Session = (*Session)(nil)

// Session binds one connection context to its deadline stack and
// logger. The transport holds it for the connection's lifetime and
// feeds it back into every controller entrypoint.
type Session struct {
	conn     *model.ConnContext
	deadline *Deadline
	logger   *slog.Logger
}

func (s *Session) Conn() *model.ConnContext { return s.conn }

func (s *Session) Logger() *slog.Logger { return s.logger }

func (s *Session) ArmHandler(d time.Duration) {
	s.deadline.ArmHandler(d)
}

func (s *Session) ResetToOuter() error {
	return s.deadline.ResetToOuter()
}

func (s *Session) CheckNow(site string) error {
	return s.deadline.CheckNow(site)
}

func (s *Session) HandlerContext(parent context.Context) (context.Context, context.CancelFunc) {
	return s.deadline.Context(parent)
}

// Deadline exposes the deadline stack. NewSession has already armed the
// overall budget from session_timeout.
func (s *Session) Deadline() *Deadline { return s.deadline }
