package server

import (
	"context"

	"github.com/rs/zerolog/log"
)

type hookDefinition struct {
	name string
	fn   func(context.Context) error
}

// ShutdownHooks collects cleanup steps to run when the server stops. Hooks
// execute in registration order, and a failing hook never prevents the rest
// from running.
type ShutdownHooks struct {
	hooks []hookDefinition
}

// AddContext registers a hook that receives the shutdown context, which may
// carry a deadline. Nil hooks are ignored with a warning.
func (s *ShutdownHooks) AddContext(name string, hook func(context.Context) error) {
	if hook == nil {
		log.Warn().Str("hook", name).Msg("attempted to add nil shutdown hook; ignoring")
		return
	}

	log.Debug().Str("hook", name).Msg("adding shutdown hook")
	s.hooks = append(s.hooks, hookDefinition{name: name, fn: hook})
}

// Add registers a hook that needs no context.
func (s *ShutdownHooks) Add(name string, hook func() error) {
	if hook == nil {
		log.Warn().Str("hook", name).Msg("attempted to add nil shutdown hook; ignoring")
		return
	}

	s.AddContext(name, func(context.Context) error {
		return hook()
	})
}

// Execute runs all registered hooks in order, logging each outcome.
func (s *ShutdownHooks) Execute(ctx context.Context) {
	l := log.Ctx(ctx)
	for _, hook := range s.hooks {
		hookLog := l.With().Str("hook", hook.name).Logger()

		hookLog.Info().Msg("shutdown started")
		if err := hook.fn(ctx); err != nil {
			hookLog.Warn().Err(err).Msg("shutdown failed")
		} else {
			hookLog.Info().Msg("shutdown complete")
		}
	}
}
