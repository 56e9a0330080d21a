// Package orchestrator is the pipeline controller: it sequences a squad's
// stages, suspends for human selections, applies critic loop-backs and
// compiles the final artifact.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mpataki/studio/internal/accumulator"
	"github.com/mpataki/studio/internal/compiler"
	"github.com/mpataki/studio/internal/logging"
	studiolua "github.com/mpataki/studio/internal/lua"
	"github.com/mpataki/studio/internal/models"
	"github.com/mpataki/studio/internal/normalize"
	"github.com/mpataki/studio/internal/registry"
	"github.com/mpataki/studio/internal/router"
	"github.com/mpataki/studio/internal/runner"
	"github.com/mpataki/studio/internal/storage"
)

// Store persists sessions. *storage.Storage implements it.
type Store interface {
	SaveSession(rec *storage.Record) error
	LoadSession(id string) (*storage.Record, error)
	ListSessions(limit int) ([]*models.Session, error)
	ListByStatus(statuses ...models.SessionStatus) ([]string, error)
	DeleteSession(id string) error
	SaveArtifact(sessionID string, art *models.FinalArtifact) error
	LoadArtifact(sessionID string) (*models.FinalArtifact, error)
}

// DefaultMaxRevisions caps critic loop-backs when Options leaves it unset.
const DefaultMaxRevisions = 2

type Options struct {
	MaxAttempts int // zero means 3
	// MaxRevisions caps critic loop-backs per session. Zero means
	// DefaultMaxRevisions; a negative value disables loop-backs.
	MaxRevisions    int
	RecoverParallel int
	InvokeTimeout   time.Duration
	Store           Store
	Logger          *logging.Logger
}

type Engine struct {
	registry *registry.Registry
	runner   *runner.Runner
	router   *router.Router
	store    Store
	log      *logging.Logger
	opts     Options
	policies map[string]*studiolua.Policy

	mu       sync.Mutex
	sessions map[string]*sessionState
}

// sessionState serializes every transition of one session. The model call
// itself runs without the lock; gen tells a returning call whether the
// session moved on while it was in flight.
type sessionState struct {
	mu       sync.Mutex
	sess     *models.Session
	ctx      *accumulator.Context
	artifact *models.FinalArtifact
	gen      uint64

	cancelMu sync.Mutex
	cancel   context.CancelFunc
}

func (st *sessionState) setCancel(c context.CancelFunc) {
	st.cancelMu.Lock()
	st.cancel = c
	st.cancelMu.Unlock()
}

func (st *sessionState) cancelInFlight() {
	st.cancelMu.Lock()
	if st.cancel != nil {
		st.cancel()
		st.cancel = nil
	}
	st.cancelMu.Unlock()
}

// Outcome is what a caller sees after a transition: the deck awaiting a
// selection, the compiled artifact, or the failure.
type Outcome struct {
	SessionID  string                `json:"session_id"`
	SquadID    string                `json:"squad_id"`
	Status     models.SessionStatus  `json:"status"`
	StageIndex int                   `json:"stage_index"`
	StageID    string                `json:"stage_id,omitempty"`
	Revision   int64                 `json:"revision"`
	Deck       *models.Deck          `json:"deck,omitempty"`
	Artifact   *models.FinalArtifact `json:"artifact,omitempty"`
	Failure    *models.Failure       `json:"failure,omitempty"`
}

func New(reg *registry.Registry, invoker runner.ModelInvoker, opts Options) (*Engine, error) {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 3
	}
	if opts.MaxRevisions == 0 {
		opts.MaxRevisions = DefaultMaxRevisions
	}
	if opts.MaxRevisions < 0 {
		opts.MaxRevisions = 0
	}
	if opts.RecoverParallel < 1 {
		opts.RecoverParallel = 4
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}

	r := runner.New(reg, invoker, opts.InvokeTimeout)
	e := &Engine{
		registry: reg,
		runner:   r,
		router:   router.New(reg, r, opts.MaxAttempts, opts.Logger),
		store:    opts.Store,
		log:      opts.Logger,
		opts:     opts,
		policies: make(map[string]*studiolua.Policy),
		sessions: make(map[string]*sessionState),
	}

	for _, squad := range reg.Squads() {
		if squad.RevisionPolicy == "" {
			continue
		}
		p, err := studiolua.LoadPolicy(squad.RevisionPolicy)
		if err != nil {
			return nil, fmt.Errorf("failed to load revision policy for squad %q: %w", squad.ID, err)
		}
		e.policies[squad.ID] = p
	}
	return e, nil
}

func (e *Engine) Registry() *registry.Registry {
	return e.registry
}

func now() time.Time {
	return time.Now().UTC()
}

// Create registers an idle session for squadID without running anything.
func (e *Engine) Create(squadID, idea string) (*models.Session, error) {
	if _, err := e.registry.Squad(squadID); err != nil {
		return nil, err
	}
	t := now()
	st := &sessionState{
		sess: &models.Session{
			ID:        uuid.NewString(),
			SquadID:   squadID,
			Idea:      idea,
			Status:    models.SessionStatusIdle,
			CreatedAt: t,
			UpdatedAt: t,
		},
		ctx: accumulator.New(),
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if err := e.persist(st); err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.sessions[st.sess.ID] = st
	e.mu.Unlock()

	e.log.WithSession(st.sess.ID).Info("session created", "squad", squadID)
	return st.sess.Clone(), nil
}

// Start creates a session and runs its first stage. The outcome is returned
// whenever the session exists, even if the first stage failed.
func (e *Engine) Start(ctx context.Context, squadID, idea string) (*Outcome, error) {
	sess, err := e.Create(squadID, idea)
	if err != nil {
		return nil, err
	}
	return e.Begin(ctx, sess.ID, idea)
}

// Begin seeds an idle session with the idea and runs stage 0. An empty idea
// reuses the one the session was created with.
func (e *Engine) Begin(ctx context.Context, id, idea string) (*Outcome, error) {
	st, err := e.state(id)
	if err != nil {
		return nil, err
	}

	st.mu.Lock()
	if st.sess.Status != models.SessionStatusIdle {
		st.mu.Unlock()
		return nil, models.ErrNotIdle
	}
	if idea != "" {
		st.sess.Idea = idea
	}
	if _, err := st.ctx.Write(models.SlotIdea, models.SeedOwner, st.sess.Idea); err != nil {
		st.mu.Unlock()
		return nil, err
	}
	st.sess.StageIndex = 0
	st.sess.Status = models.SessionStatusActive
	st.mu.Unlock()

	e.log.WithSession(id).Info("session started", "squad", st.sess.SquadID)
	return e.runStage(ctx, st)
}

// SubmitSelection applies the human's answer to the pending deck and runs
// whatever comes next: the next stage, a revision, or the compiler.
func (e *Engine) SubmitSelection(ctx context.Context, id string, stageIndex int, revision int64, sel models.Selection) (*Outcome, error) {
	st, err := e.state(id)
	if err != nil {
		return nil, err
	}

	st.mu.Lock()
	sess := st.sess
	if sess.Status.Terminal() {
		st.mu.Unlock()
		return nil, models.ErrSessionClosed
	}
	if sess.Status != models.SessionStatusAwaiting || sess.StageIndex != stageIndex || sess.Revision != revision {
		err := &models.StaleSelectionError{
			WantStage: sess.StageIndex, WantRevision: sess.Revision,
			GotStage: stageIndex, GotRevision: revision,
		}
		st.mu.Unlock()
		return nil, err
	}
	if sel == nil {
		sel = models.Selection{}
	}
	deck := sess.PendingDeck
	if err := sel.Validate(deck); err != nil {
		st.mu.Unlock()
		return nil, err
	}

	squad, desc, err := e.stage(sess)
	if err != nil {
		st.mu.Unlock()
		return nil, err
	}
	log := e.log.WithSession(id).WithStage(desc.ID)

	rec := currentRecord(sess)
	t := now()
	if rec != nil {
		rec.Selection = sel.Clone()
		rec.CompletedAt = &t
	}
	if _, err := st.ctx.Write(desc.Slot, stageIndex, sel.SlotValue(deck)); err != nil {
		st.mu.Unlock()
		return nil, err
	}
	sess.PendingDeck = nil
	log.Info("selection applied", "revision", revision)

	next := stageIndex + 1
	if desc.Class == models.AgentCritic {
		target, revise, err := e.evaluateCritic(ctx, st, squad, stageIndex, deck, sel, log)
		if err != nil {
			st.mu.Unlock()
			return nil, err
		}
		if revise {
			next = target
		}
	}

	if next >= len(squad.Stages) {
		out, err := e.compile(st, squad, log)
		st.mu.Unlock()
		return out, err
	}

	sess.StageIndex = next
	if sess.Status != models.SessionStatusRevising {
		sess.Status = models.SessionStatusActive
	}
	sess.UpdatedAt = now()
	st.mu.Unlock()

	return e.runStage(ctx, st)
}

// runStage invokes the session's current stage with bounded retries and
// leaves the session awaiting a selection or failed.
func (e *Engine) runStage(ctx context.Context, st *sessionState) (*Outcome, error) {
	st.mu.Lock()
	sess := st.sess
	if sess.Status.Terminal() {
		st.mu.Unlock()
		return nil, models.ErrSessionClosed
	}
	squad, desc, err := e.stage(sess)
	if err != nil {
		st.mu.Unlock()
		return nil, err
	}
	index := sess.StageIndex
	gen := st.gen
	log := e.log.WithSession(sess.ID).WithStage(desc.ID)

	rec := currentRecord(sess)
	if rec == nil || rec.StageIndex != index || rec.Deck != nil {
		t := now()
		rec = &models.StageRecord{Seq: len(sess.Log) + 1, StageIndex: index, StageID: desc.ID, StartedAt: &t}
		sess.Log = append(sess.Log, rec)
	}
	sess.UpdatedAt = now()
	if err := e.persist(st); err != nil {
		st.mu.Unlock()
		return nil, err
	}

	req := runner.Request{Squad: squad, StageIndex: index, Idea: sess.Idea}
	acc := st.ctx
	snapshot := func() accumulator.View { return acc.Snapshot(index) }
	runCtx, cancel := context.WithCancel(ctx)
	st.setCancel(cancel)
	st.mu.Unlock()

	deck, attempts, lastRaw, runErr := e.invokeWithRetry(runCtx, req, snapshot, log)
	cancel()

	st.mu.Lock()
	defer st.mu.Unlock()
	st.setCancel(nil)

	if st.gen != gen {
		if st.sess.Status == models.SessionStatusAbandoned {
			return nil, models.ErrSessionClosed
		}
		return nil, models.ErrSuperseded
	}
	rec.Attempts += attempts

	if runErr != nil && ctx.Err() != nil {
		// The caller went away; the session stays in flight for Recover.
		return nil, ctx.Err()
	}
	if runErr != nil {
		failure := &models.StageFailure{StageIndex: index, StageID: desc.ID, Cause: runErr, LastRaw: lastRaw}
		t := now()
		sess.Status = models.SessionStatusFailed
		sess.Failure = failure.Failure()
		sess.UpdatedAt = t
		sess.CompletedAt = &t
		log.Error("stage failed", "attempts", attempts, "kind", sess.Failure.Kind, "error", runErr)
		if err := e.persist(st); err != nil {
			return nil, err
		}
		return e.outcome(st), failure
	}

	rec.Deck = deck
	if _, err := st.ctx.Write(models.OutputSlot(desc.Slot), index, deck); err != nil {
		return nil, err
	}
	// The note addresses this stage only; later stages must not see it.
	if _, ok := st.ctx.Snapshot(index)[models.SlotRevision]; ok {
		st.ctx.RetractSlot(models.SlotRevision)
	}
	sess.PendingDeck = deck.Clone()
	sess.Status = models.SessionStatusAwaiting
	sess.Revision = st.ctx.Revision()
	sess.UpdatedAt = now()
	log.Info("deck ready", "revision", sess.Revision, "attempts", attempts)
	if err := e.persist(st); err != nil {
		return nil, err
	}
	return e.outcome(st), nil
}

// invokeWithRetry runs and normalizes one stage. Malformed output and provider
// errors are retried up to MaxAttempts; schema violations are not. Every
// attempt renders against a fresh snapshot, so a relay routed while the stage
// is in flight reaches the next attempt.
func (e *Engine) invokeWithRetry(ctx context.Context, req runner.Request, snapshot func() accumulator.View, log *logging.Logger) (*models.Deck, int, string, error) {
	var (
		lastErr error
		lastRaw string
	)
	for attempt := 1; attempt <= e.opts.MaxAttempts; attempt++ {
		log.Debug("invoking stage", "attempt", attempt)
		req.View = snapshot()
		raw, desc, err := e.runner.Run(ctx, req)
		if err == nil {
			lastRaw = raw
			var res *normalize.Result
			res, err = normalize.ForAgent(raw, desc)
			if err == nil {
				return res.Deck, attempt, raw, nil
			}
		}
		lastErr = err
		if !models.Retryable(err) || ctx.Err() != nil {
			return nil, attempt, lastRaw, err
		}
		if attempt < e.opts.MaxAttempts {
			log.Warn("stage attempt failed, retrying", "attempt", attempt, "error", err)
		}
	}
	return nil, e.opts.MaxAttempts, lastRaw, lastErr
}

func (e *Engine) compile(st *sessionState, squad *models.Squad, log *logging.Logger) (*Outcome, error) {
	sess := st.sess
	slots := make([]string, 0, len(squad.Stages))
	for _, id := range squad.Stages {
		if a, err := e.registry.Agent(id); err == nil {
			slots = append(slots, a.Slot)
		}
	}

	t := now()
	art, err := compiler.Compile(compiler.Input{Squad: squad, Slots: slots, View: st.ctx.Full(), Idea: sess.Idea})
	if err != nil {
		last := len(squad.Stages) - 1
		failure := &models.StageFailure{StageIndex: last, StageID: "compiler", Cause: err}
		sess.StageIndex = last
		sess.Status = models.SessionStatusFailed
		sess.Failure = failure.Failure()
		sess.UpdatedAt = t
		sess.CompletedAt = &t
		log.Error("compile failed", "error", err)
		if perr := e.persist(st); perr != nil {
			return nil, perr
		}
		return e.outcome(st), failure
	}

	st.artifact = art
	sess.Status = models.SessionStatusComplete
	sess.UpdatedAt = t
	sess.CompletedAt = &t
	if err := e.persist(st); err != nil {
		return nil, err
	}
	if e.store != nil {
		if err := e.store.SaveArtifact(sess.ID, art); err != nil {
			return nil, fmt.Errorf("failed to save artifact: %w", err)
		}
	}
	log.Info("session complete", "artifact", art.Kind)
	return e.outcome(st), nil
}

// Abandon cancels any in-flight invocation and closes the session without
// compiling.
func (e *Engine) Abandon(id string) error {
	st, err := e.state(id)
	if err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.sess.Status.Terminal() {
		return models.ErrSessionClosed
	}
	st.gen++
	st.cancelInFlight()

	t := now()
	st.sess.Status = models.SessionStatusAbandoned
	st.sess.PendingDeck = nil
	st.sess.UpdatedAt = t
	st.sess.CompletedAt = &t
	e.log.WithSession(id).Info("session abandoned", "stage_index", st.sess.StageIndex)
	return e.persist(st)
}

// Delete abandons the session if needed and removes it everywhere.
func (e *Engine) Delete(id string) error {
	st, err := e.state(id)
	if err != nil {
		return err
	}
	st.mu.Lock()
	st.gen++
	st.cancelInFlight()
	st.mu.Unlock()

	e.mu.Lock()
	delete(e.sessions, id)
	e.mu.Unlock()

	if e.store != nil {
		if err := e.store.DeleteSession(id); err != nil && !errors.Is(err, models.ErrSessionNotFound) {
			return fmt.Errorf("failed to delete session: %w", err)
		}
	}
	return nil
}

// Get returns a copy of the session.
func (e *Engine) Get(id string) (*models.Session, error) {
	st, err := e.state(id)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.sess.Clone(), nil
}

// Status is Get plus the deck or artifact a caller needs to continue.
func (e *Engine) Status(id string) (*Outcome, error) {
	st, err := e.state(id)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return e.outcome(st), nil
}

// Context returns every live slot of the session.
func (e *Engine) Context(id string) (accumulator.View, error) {
	st, err := e.state(id)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.ctx.Full(), nil
}

// History returns the full write history of the session's context.
func (e *Engine) History(id string) ([]accumulator.Entry, error) {
	st, err := e.state(id)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.ctx.History(), nil
}

func (e *Engine) Artifact(id string) (*models.FinalArtifact, error) {
	st, err := e.state(id)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.artifact == nil {
		return nil, storage.ErrNoArtifact
	}
	return st.artifact, nil
}

// List returns sessions, most recently updated first.
func (e *Engine) List(limit int) ([]*models.Session, error) {
	if e.store != nil {
		return e.store.ListSessions(limit)
	}
	e.mu.Lock()
	states := make([]*sessionState, 0, len(e.sessions))
	for _, st := range e.sessions {
		states = append(states, st)
	}
	e.mu.Unlock()

	out := make([]*models.Session, 0, len(states))
	for _, st := range states {
		st.mu.Lock()
		out = append(out, st.sess.Clone())
		st.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// state returns the live session, loading it from the store on first use.
func (e *Engine) state(id string) (*sessionState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok := e.sessions[id]; ok {
		return st, nil
	}
	if e.store == nil {
		return nil, models.ErrSessionNotFound
	}

	rec, err := e.store.LoadSession(id)
	if err != nil {
		return nil, err
	}
	st := &sessionState{sess: rec.Session, ctx: accumulator.New()}
	st.ctx.Restore(rec.Context, rec.Session.Revision)
	if rec.Session.Status == models.SessionStatusComplete {
		art, err := e.store.LoadArtifact(id)
		if err != nil && !errors.Is(err, storage.ErrNoArtifact) {
			return nil, err
		}
		st.artifact = art
	}
	e.sessions[id] = st
	return st, nil
}

func (e *Engine) stage(sess *models.Session) (*models.Squad, *models.AgentDescriptor, error) {
	squad, err := e.registry.Squad(sess.SquadID)
	if err != nil {
		return nil, nil, err
	}
	desc, err := e.registry.Stage(squad, sess.StageIndex)
	if err != nil {
		return nil, nil, err
	}
	return squad, desc, nil
}

// currentRecord is the newest live stage record.
func currentRecord(sess *models.Session) *models.StageRecord {
	for i := len(sess.Log) - 1; i >= 0; i-- {
		if !sess.Log[i].Discarded {
			return sess.Log[i]
		}
	}
	return nil
}

func (e *Engine) persist(st *sessionState) error {
	if e.store == nil {
		return nil
	}
	if err := e.store.SaveSession(&storage.Record{Session: st.sess, Context: st.ctx.History()}); err != nil {
		return fmt.Errorf("failed to persist session: %w", err)
	}
	return nil
}

func (e *Engine) outcome(st *sessionState) *Outcome {
	sess := st.sess
	out := &Outcome{
		SessionID:  sess.ID,
		SquadID:    sess.SquadID,
		Status:     sess.Status,
		StageIndex: sess.StageIndex,
		Revision:   sess.Revision,
	}
	if squad, err := e.registry.Squad(sess.SquadID); err == nil && sess.StageIndex < len(squad.Stages) {
		out.StageID = squad.Stages[sess.StageIndex]
	}
	if sess.Status == models.SessionStatusAwaiting && sess.PendingDeck != nil {
		out.Deck = sess.PendingDeck.Clone()
	}
	if sess.Status == models.SessionStatusComplete {
		out.Artifact = st.artifact
	}
	if sess.Failure != nil {
		f := *sess.Failure
		out.Failure = &f
	}
	return out
}
