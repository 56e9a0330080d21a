// Package runner renders a stage's prompt and hands it to the model capability.
package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mpataki/studio/internal/accumulator"
	"github.com/mpataki/studio/internal/models"
	"github.com/mpataki/studio/internal/prompt"
	"github.com/mpataki/studio/internal/registry"
)

// ModelInvoker is the external capability that turns a prompt into text.
type ModelInvoker interface {
	Invoke(ctx context.Context, provider, prompt string, contract models.Contract) (string, error)
}

// InvokerFunc adapts a function to ModelInvoker.
type InvokerFunc func(ctx context.Context, provider, prompt string, contract models.Contract) (string, error)

func (f InvokerFunc) Invoke(ctx context.Context, provider, prompt string, contract models.Contract) (string, error) {
	return f(ctx, provider, prompt, contract)
}

type Runner struct {
	registry *registry.Registry
	invoker  ModelInvoker
	timeout  time.Duration
}

func New(reg *registry.Registry, invoker ModelInvoker, timeout time.Duration) *Runner {
	return &Runner{registry: reg, invoker: invoker, timeout: timeout}
}

// Request identifies one stage invocation. View must already be the
// snapshot visible to the stage.
type Request struct {
	Squad        *models.Squad
	StageIndex   int
	Idea         string
	View         accumulator.View
	RevisionNote string
	Relay        string
}

// Run renders the stage template and invokes the model once. It never retries.
func (r *Runner) Run(ctx context.Context, req Request) (string, *models.AgentDescriptor, error) {
	desc, err := r.registry.Stage(req.Squad, req.StageIndex)
	if err != nil {
		return "", nil, err
	}

	note := req.RevisionNote
	if note == "" {
		note = req.View.String(models.SlotRevision)
	}
	relay := req.Relay
	if relay == "" {
		relay = req.View.String(models.SlotRelay)
	}

	rendered, err := r.Render(desc, prompt.Data{
		Idea:         req.Idea,
		Squad:        req.Squad.ID,
		Context:      req.View,
		RevisionNote: note,
		Relay:        relay,
	})
	if err != nil {
		return "", desc, err
	}

	raw, err := r.Invoke(ctx, desc, rendered)
	return raw, desc, err
}

// Render fills in the agent and brain fields of data and renders the template.
func (r *Runner) Render(desc *models.AgentDescriptor, data prompt.Data) (string, error) {
	data.Agent = desc
	if desc.Brain != "" {
		if b, ok := r.registry.Brain(desc.Brain); ok {
			data.Brain = b
		}
	}
	out, err := prompt.Render(desc.Template, data)
	if err != nil {
		return "", fmt.Errorf("failed to render prompt for %s: %w", desc.ID, err)
	}
	return out, nil
}

// Invoke calls the model with the per-invocation timeout. Every failure,
// including the timeout, comes back as a ProviderError.
func (r *Runner) Invoke(ctx context.Context, desc *models.AgentDescriptor, rendered string) (string, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	raw, err := r.invoker.Invoke(ctx, desc.Provider, rendered, desc.Contract)
	if err != nil {
		var pe *models.ProviderError
		if errors.As(err, &pe) {
			return "", err
		}
		return "", &models.ProviderError{Provider: desc.Provider, Err: err}
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return "", &models.ProviderError{Provider: desc.Provider, Err: ctxErr}
	}
	return raw, nil
}
