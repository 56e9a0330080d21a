package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/mpataki/studio/internal/accumulator"
	"github.com/mpataki/studio/internal/models"
	"github.com/mpataki/studio/internal/router"
)

// RouteResult is what the manager decided and what the engine did about it.
type RouteResult struct {
	Action      models.RouterAction `json:"action"`
	Reply       string              `json:"reply,omitempty"`
	TargetSquad string              `json:"target_squad,omitempty"`
	Relay       string              `json:"relay,omitempty"`
	Session     *Outcome            `json:"session"`
}

// RouteMessage hands a free-text message to the manager. Replies change
// nothing; a relay is written for the next stage invocation to see; a switch
// cancels in-flight work and resets the session to idle on the new squad.
func (e *Engine) RouteMessage(ctx context.Context, id, message string) (*RouteResult, error) {
	st, err := e.state(id)
	if err != nil {
		return nil, err
	}

	st.mu.Lock()
	if st.sess.Status.Terminal() {
		st.mu.Unlock()
		return nil, models.ErrSessionClosed
	}
	in := router.Input{
		SquadID:    st.sess.SquadID,
		StageIndex: st.sess.StageIndex,
		Status:     st.sess.Status,
		Idea:       st.sess.Idea,
		Full:       st.ctx.Full(),
		Message:    message,
	}
	st.mu.Unlock()

	decision, err := e.router.Route(ctx, in)
	if err != nil {
		return nil, err
	}
	log := e.log.WithSession(id)
	log.Info("manager decided", "action", decision.Action)

	st.mu.Lock()
	defer st.mu.Unlock()
	sess := st.sess
	if sess.Status.Terminal() {
		return nil, models.ErrSessionClosed
	}

	res := &RouteResult{Action: decision.Action, Reply: decision.Reply}
	switch decision.Action {
	case models.RouteReply:
	case models.RouteRelay:
		owner := sess.StageIndex
		switch sess.Status {
		case models.SessionStatusAwaiting:
			owner++
		case models.SessionStatusIdle:
			owner = 0
		}
		if _, err := st.ctx.Write(models.SlotRelay, owner, decision.Relay); err != nil {
			return nil, err
		}
		sess.UpdatedAt = now()
		res.Relay = decision.Relay
		log.Info("relay recorded", "owner", owner)
	case models.RouteSwitch:
		st.gen++
		st.cancelInFlight()

		prev := sess.SquadID
		rev := st.ctx.Revision()
		st.ctx = accumulator.New()
		st.ctx.Restore(nil, rev)
		st.artifact = nil

		sess.SquadID = decision.TargetSquad
		sess.StageIndex = 0
		sess.Status = models.SessionStatusIdle
		sess.PendingDeck = nil
		sess.Failure = nil
		sess.Revisions = 0
		sess.Log = nil
		sess.UpdatedAt = now()
		res.TargetSquad = decision.TargetSquad
		log.Info("squad switched", "from", prev, "to", decision.TargetSquad)
	default:
		return nil, fmt.Errorf("unsupported router action %q", decision.Action)
	}

	if err := e.persist(st); err != nil {
		return nil, err
	}
	res.Session = e.outcome(st)
	return res, nil
}

// Recover reruns the in-flight stage of every stored session left active or
// revising by a previous process. Failures of individual sessions are
// reported in their outcomes; only store errors abort.
func (e *Engine) Recover(ctx context.Context) ([]*Outcome, error) {
	if e.store == nil {
		return nil, nil
	}
	ids, err := e.store.ListByStatus(models.SessionStatusActive, models.SessionStatusRevising)
	if err != nil {
		return nil, fmt.Errorf("failed to list in-flight sessions: %w", err)
	}

	outcomes := make([]*Outcome, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.RecoverParallel)
	for i, id := range ids {
		g.Go(func() error {
			st, err := e.state(id)
			if err != nil {
				return err
			}
			e.log.WithSession(id).Info("recovering session")
			out, err := e.runStage(gctx, st)
			var sf *models.StageFailure
			switch {
			case err == nil, errors.As(err, &sf):
				outcomes[i] = out
				return nil
			case errors.Is(err, models.ErrSuperseded), errors.Is(err, models.ErrSessionClosed):
				return nil
			default:
				return err
			}
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := outcomes[:0]
	for _, o := range outcomes {
		if o != nil {
			out = append(out, o)
		}
	}
	return out, nil
}
