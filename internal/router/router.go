// Package router answers free-text user messages through the manager agent.
// It reads the whole context but never writes it; the engine applies decisions.
package router

import (
	"context"
	"fmt"

	"github.com/mpataki/studio/internal/accumulator"
	"github.com/mpataki/studio/internal/logging"
	"github.com/mpataki/studio/internal/models"
	"github.com/mpataki/studio/internal/normalize"
	"github.com/mpataki/studio/internal/prompt"
	"github.com/mpataki/studio/internal/registry"
	"github.com/mpataki/studio/internal/runner"
)

type Router struct {
	registry    *registry.Registry
	runner      *runner.Runner
	maxAttempts int
	log         *logging.Logger
}

func New(reg *registry.Registry, r *runner.Runner, maxAttempts int, log *logging.Logger) *Router {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if log == nil {
		log = logging.Nop()
	}
	return &Router{registry: reg, runner: r, maxAttempts: maxAttempts, log: log}
}

// Input is the read-only state the manager sees.
type Input struct {
	SquadID    string
	StageIndex int
	Status     models.SessionStatus
	Idea       string
	Full       accumulator.View
	Message    string
}

// Route asks the manager what to do with message. Malformed answers and
// provider errors are retried up to the attempt ceiling.
func (r *Router) Route(ctx context.Context, in Input) (*models.RouterDecision, error) {
	manager := r.registry.Manager()
	if manager == nil {
		return nil, fmt.Errorf("registry has no manager agent")
	}

	rendered, err := r.runner.Render(manager, prompt.Data{
		Idea:    in.Idea,
		Squad:   in.SquadID,
		Context: in.Full,
		Message: in.Message,
	})
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		raw, err := r.runner.Invoke(ctx, manager, rendered)
		if err == nil {
			var res *normalize.Result
			res, err = normalize.ForAgent(raw, manager)
			if err == nil {
				return r.validate(res.Decision)
			}
		}
		lastErr = err
		if !models.Retryable(err) || ctx.Err() != nil {
			break
		}
		r.log.Warn("manager attempt failed", "attempt", attempt, "error", err)
	}
	return nil, lastErr
}

func (r *Router) validate(d *models.RouterDecision) (*models.RouterDecision, error) {
	if d.Action == models.RouteSwitch {
		if _, err := r.registry.Squad(d.TargetSquad); err != nil {
			return nil, err
		}
	}
	return d, nil
}
