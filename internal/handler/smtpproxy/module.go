package smtpproxy

import (
	"context"

	"go.uber.org/fx"
)

var Module = fx.Module("smtpproxy",
	fx.Provide(NewServer),
	fx.Invoke(func(lc fx.Lifecycle, s *Server) {
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error { return s.Start() },
			OnStop:  func(ctx context.Context) error { return s.Stop(ctx) },
		})
	}),
)
