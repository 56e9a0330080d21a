package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"golang.org/x/sync/errgroup"

	studiolua "github.com/mpataki/studio/internal/lua"
	"github.com/mpataki/studio/internal/models"
	"github.com/mpataki/studio/internal/registry"
	"github.com/mpataki/studio/internal/storage"
)

const (
	editorDeck    = `{"summary":"Pick a format","format_options":[{"label":"Blog","recommended":true},{"label":"Thread"}]}`
	linguistDeck  = `{"summary":"Voice","categories":[{"id":"tone","question":"Which tone?","options":[{"label":"Dry","recommended":true},{"label":"Warm"}]}]}`
	writerDraft   = "```json\n{\"summary\":\"Cold brew at home\",\"body\":\"Steep coarse grounds for twelve hours.\"}\n```"
	riskyCritique = `{"summary":"Risks","risk_options":[{"id":"claims","question":"Health claims are unsourced","severity":"high","references":["draft"],"options":[{"label":"Cut the claims","recommended":true},{"label":"Keep them"}]}]}`
	headlineDeck  = `{"summary":"Headlines","categories":[{"id":"headline","question":"Pick a headline","options":[{"label":"Cold Brew, Slowly"},{"label":"Twelve Hours"}]}]}`
	directorDeck  = `{"summary":"Look","style_options":["Ink"],"medium_options":["Paper"],"palette_options":["Mono"]}`
)

// fakeModel answers by agent name, taken from the "You are <Name>," line every
// template starts with. The last answer for an agent repeats. An answer
// starting with "!" is returned as an error.
type fakeModel struct {
	mu      sync.Mutex
	answers map[string][]string
	calls   map[string]int
	prompts map[string][]string
	hook    func(ctx context.Context, agent string) error
}

func newFakeModel(answers map[string][]string) *fakeModel {
	return &fakeModel{answers: answers, calls: map[string]int{}, prompts: map[string][]string{}}
}

func (f *fakeModel) Invoke(ctx context.Context, _ string, prompt string, _ models.Contract) (string, error) {
	_, rest, _ := strings.Cut(prompt, "You are ")
	agent, _, _ := strings.Cut(rest, ",")

	f.mu.Lock()
	n := f.calls[agent]
	f.calls[agent]++
	f.prompts[agent] = append(f.prompts[agent], prompt)
	list := f.answers[agent]
	hook := f.hook
	f.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, agent); err != nil {
			return "", err
		}
	}
	if len(list) == 0 {
		return "", fmt.Errorf("no answer scripted for %q", agent)
	}
	a := list[min(n, len(list)-1)]
	if strings.HasPrefix(a, "!") {
		return "", errors.New(a[1:])
	}
	return a, nil
}

func (f *fakeModel) count(agent string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[agent]
}

func (f *fakeModel) lastPrompt(agent string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := f.prompts[agent]
	if len(p) == 0 {
		return ""
	}
	return p[len(p)-1]
}

func textAnswers() map[string][]string {
	return map[string][]string{
		"Editor":    {editorDeck},
		"Linguist":  {linguistDeck},
		"Writer":    {writerDraft},
		"Critic":    {riskyCritique},
		"Headliner": {headlineDeck},
		"Director":  {directorDeck},
	}
}

func newEngine(t *testing.T, model *fakeModel, opts Options) *Engine {
	t.Helper()
	reg, err := registry.Default()
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	e, err := New(reg, model, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func submit(t *testing.T, e *Engine, out *Outcome, sel models.Selection) *Outcome {
	t.Helper()
	next, err := e.SubmitSelection(context.Background(), out.SessionID, out.StageIndex, out.Revision, sel)
	if err != nil {
		t.Fatalf("SubmitSelection(stage %d): %v", out.StageIndex, err)
	}
	return next
}

func expectAwaiting(t *testing.T, out *Outcome, stage int) {
	t.Helper()
	if out.Status != models.SessionStatusAwaiting || out.StageIndex != stage || out.Deck == nil {
		t.Fatalf("outcome = status %s stage %d deck %v, want awaiting stage %d", out.Status, out.StageIndex, out.Deck != nil, stage)
	}
}

func TestColdBrewAdvancesWithSelection(t *testing.T) {
	model := newFakeModel(textAnswers())
	e := newEngine(t, model, Options{})

	out, err := e.Start(context.Background(), "text", "cold brew guide")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	expectAwaiting(t, out, 0)
	cat, ok := out.Deck.Category("format")
	if !ok || len(cat.Options) != 2 || !cat.Options[0].Recommended {
		t.Fatalf("format category = %+v", cat)
	}

	out = submit(t, e, out, models.Selection{"format": {"Blog"}})
	expectAwaiting(t, out, 1)

	prompt := model.lastPrompt("Linguist")
	if !strings.Contains(prompt, `"format": "Blog"`) || !strings.Contains(prompt, "cold brew guide") {
		t.Errorf("linguist prompt lacks the strategy decision:\n%s", prompt)
	}

	view, err := e.Context(out.SessionID)
	if err != nil {
		t.Fatal(err)
	}
	var strategy map[string]string
	if err := view.Decode("strategy", &strategy); err != nil || strategy["format"] != "Blog" {
		t.Errorf("strategy slot = %v (%v)", strategy, err)
	}
}

func TestFullTextPipelineCompiles(t *testing.T) {
	model := newFakeModel(textAnswers())
	model.answers["Critic"] = []string{strings.Replace(riskyCritique, `"high"`, `"low"`, 1)}
	e := newEngine(t, model, Options{})

	out, err := e.Start(context.Background(), "text", "cold brew guide")
	if err != nil {
		t.Fatal(err)
	}
	out = submit(t, e, out, models.Selection{"format": {"Blog"}})
	out = submit(t, e, out, models.Selection{"tone": {"Dry"}})
	out = submit(t, e, out, models.Selection{})
	out = submit(t, e, out, models.Selection{"claims": {"Keep them"}})
	expectAwaiting(t, out, 4)
	out = submit(t, e, out, models.Selection{"headline": {"Twelve Hours"}})

	if out.Status != models.SessionStatusComplete || out.Artifact == nil {
		t.Fatalf("outcome = %+v", out)
	}
	art := out.Artifact
	if art.Kind != models.ArtifactManuscript || !strings.Contains(art.Manuscript, "Steep coarse grounds") {
		t.Errorf("artifact = %+v", art)
	}
	if len(art.HeadlineVariants) != 2 {
		t.Errorf("headline variants = %v", art.HeadlineVariants)
	}

	if _, err := e.SubmitSelection(context.Background(), out.SessionID, 4, out.Revision, models.Selection{}); !errors.Is(err, models.ErrSessionClosed) {
		t.Errorf("selection after completion: %v", err)
	}
	got, err := e.Artifact(out.SessionID)
	if err != nil || got != art {
		t.Errorf("Artifact = %v, %v", got, err)
	}
}

func TestCriticLoopBack(t *testing.T) {
	model := newFakeModel(textAnswers())
	e := newEngine(t, model, Options{MaxRevisions: 2})

	out, err := e.Start(context.Background(), "text", "cold brew guide")
	if err != nil {
		t.Fatal(err)
	}
	out = submit(t, e, out, models.Selection{"format": {"Blog"}})
	out = submit(t, e, out, models.Selection{"tone": {"Dry"}})
	out = submit(t, e, out, models.Selection{})
	expectAwaiting(t, out, 3)

	// rejecting the mitigation sends the session back to the writer
	out = submit(t, e, out, models.Selection{"claims": {"Keep them"}})
	expectAwaiting(t, out, 2)
	if model.count("Writer") != 2 {
		t.Errorf("writer ran %d times, want 2", model.count("Writer"))
	}

	prompt := model.lastPrompt("Writer")
	if !strings.Contains(prompt, "Health claims are unsourced") {
		t.Errorf("writer prompt lacks the revision note:\n%s", prompt)
	}
	if strings.Contains(prompt, `"critique"`) {
		t.Errorf("writer saw the critic's slot:\n%s", prompt)
	}

	sess, err := e.Get(out.SessionID)
	if err != nil {
		t.Fatal(err)
	}
	if sess.Revisions != 1 {
		t.Errorf("revisions = %d", sess.Revisions)
	}
	discarded := 0
	for _, rec := range sess.Log {
		if rec.Discarded {
			discarded++
		}
	}
	if discarded != 2 || len(sess.ActiveLog()) != 3 {
		t.Errorf("discarded %d, active %d", discarded, len(sess.ActiveLog()))
	}

	// accepting the mitigation on the second pass moves forward
	out = submit(t, e, out, models.Selection{})
	out = submit(t, e, out, models.Selection{"claims": {"Cut the claims"}})
	expectAwaiting(t, out, 4)

	// the note was for the writer's rerun only
	for _, agent := range []string{"Critic", "Headliner"} {
		if strings.Contains(model.lastPrompt(agent), "Address them in this revision") {
			t.Errorf("%s prompt still carries the revision note:\n%s", agent, model.lastPrompt(agent))
		}
	}
	view, err := e.Context(out.SessionID)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := view[models.SlotRevision]; ok {
		t.Errorf("revision note still live: %v", view[models.SlotRevision])
	}
}

func TestRevisionLimitAcceptsRisk(t *testing.T) {
	model := newFakeModel(textAnswers())
	e := newEngine(t, model, Options{MaxRevisions: -1})

	out, err := e.Start(context.Background(), "text", "cold brew guide")
	if err != nil {
		t.Fatal(err)
	}
	out = submit(t, e, out, models.Selection{"format": {"Blog"}})
	out = submit(t, e, out, models.Selection{"tone": {"Dry"}})
	out = submit(t, e, out, models.Selection{})
	out = submit(t, e, out, models.Selection{"claims": {"Keep them"}})
	expectAwaiting(t, out, 4)

	view, err := e.Context(out.SessionID)
	if err != nil {
		t.Fatal(err)
	}
	var logged []map[string]any
	if err := view.Decode(models.SlotRiskLog, &logged); err != nil || len(logged) != 1 || logged[0]["id"] != "claims" {
		t.Errorf("risk log = %v (%v)", logged, err)
	}
}

func TestRevisionPolicyChoosesTarget(t *testing.T) {
	model := newFakeModel(textAnswers())
	e := newEngine(t, model, Options{MaxRevisions: 1})
	policy, err := studiolua.CompilePolicy("restart.lua", `
function revise_target(risks, stages)
  log("restarting for " .. risks[1].id)
  return 0
end`)
	if err != nil {
		t.Fatal(err)
	}
	e.policies["text"] = policy

	out, err := e.Start(context.Background(), "text", "cold brew guide")
	if err != nil {
		t.Fatal(err)
	}
	out = submit(t, e, out, models.Selection{"format": {"Blog"}})
	out = submit(t, e, out, models.Selection{"tone": {"Dry"}})
	out = submit(t, e, out, models.Selection{})
	out = submit(t, e, out, models.Selection{"claims": {"Keep them"}})
	expectAwaiting(t, out, 0)

	view, err := e.Context(out.SessionID)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := view["strategy"]; ok {
		t.Errorf("strategy survived the loop-back: %v", view)
	}
	if len(policy.Logs()) != 1 {
		t.Errorf("policy logs = %v", policy.Logs())
	}
}

func TestRetryCeiling(t *testing.T) {
	model := newFakeModel(map[string][]string{"Editor": {"!connection reset"}})
	e := newEngine(t, model, Options{MaxAttempts: 3})

	out, err := e.Start(context.Background(), "text", "cold brew guide")
	var sf *models.StageFailure
	if !errors.As(err, &sf) {
		t.Fatalf("err = %v, want StageFailure", err)
	}
	var pe *models.ProviderError
	if !errors.As(err, &pe) {
		t.Errorf("cause = %v, want ProviderError", sf.Cause)
	}
	if model.count("Editor") != 3 {
		t.Errorf("editor called %d times, want 3", model.count("Editor"))
	}
	if out == nil || out.Status != models.SessionStatusFailed || out.Failure == nil || out.Failure.Kind != "provider_error" {
		t.Errorf("outcome = %+v", out)
	}
}

func TestMalformedThenValid(t *testing.T) {
	model := newFakeModel(textAnswers())
	model.answers["Editor"] = []string{"Sure! Here you go.", editorDeck}
	e := newEngine(t, model, Options{MaxAttempts: 3})

	out, err := e.Start(context.Background(), "text", "cold brew guide")
	if err != nil {
		t.Fatal(err)
	}
	expectAwaiting(t, out, 0)
	sess, _ := e.Get(out.SessionID)
	if sess.Log[0].Attempts != 2 {
		t.Errorf("attempts = %d", sess.Log[0].Attempts)
	}
}

func TestSchemaViolationFailsImmediately(t *testing.T) {
	model := newFakeModel(map[string][]string{"Editor": {`{"summary":"no options"}`}})
	e := newEngine(t, model, Options{MaxAttempts: 3})

	out, err := e.Start(context.Background(), "text", "cold brew guide")
	var sv *models.SchemaViolationError
	if !errors.As(err, &sv) {
		t.Fatalf("err = %v", err)
	}
	if model.count("Editor") != 1 || out.Failure.Kind != "schema_violation" || out.Failure.LastRaw == "" {
		t.Errorf("calls %d, failure %+v", model.count("Editor"), out.Failure)
	}
}

func TestStaleAndInvalidSelections(t *testing.T) {
	model := newFakeModel(textAnswers())
	e := newEngine(t, model, Options{})
	ctx := context.Background()

	out, err := e.Start(ctx, "text", "cold brew guide")
	if err != nil {
		t.Fatal(err)
	}
	before, _ := e.History(out.SessionID)

	tests := []struct {
		name     string
		stage    int
		revision int64
		sel      models.Selection
		check    func(error) bool
	}{
		{"old revision", 0, out.Revision - 1, models.Selection{"format": {"Blog"}}, func(err error) bool { return errors.Is(err, models.ErrStaleSelection) }},
		{"wrong stage", 1, out.Revision, models.Selection{"format": {"Blog"}}, func(err error) bool { return errors.Is(err, models.ErrStaleSelection) }},
		{"unknown label", 0, out.Revision, models.Selection{"format": {"Podcast"}}, func(err error) bool {
			var ie *models.InvalidSelectionError
			return errors.As(err, &ie)
		}},
		{"missing category", 0, out.Revision, models.Selection{}, func(err error) bool {
			var ie *models.InvalidSelectionError
			return errors.As(err, &ie)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.SubmitSelection(ctx, out.SessionID, tt.stage, tt.revision, tt.sel)
			if !tt.check(err) {
				t.Errorf("err = %v", err)
			}
		})
	}

	after, _ := e.History(out.SessionID)
	sess, _ := e.Get(out.SessionID)
	if len(after) != len(before) || sess.Status != models.SessionStatusAwaiting || model.count("Linguist") != 0 {
		t.Errorf("rejected selections mutated the session: %d -> %d writes, status %s", len(before), len(after), sess.Status)
	}
}

func TestNoForwardLeakage(t *testing.T) {
	model := newFakeModel(textAnswers())
	e := newEngine(t, model, Options{})

	out, err := e.Start(context.Background(), "text", "cold brew guide")
	if err != nil {
		t.Fatal(err)
	}
	out = submit(t, e, out, models.Selection{"format": {"Blog"}})
	out = submit(t, e, out, models.Selection{"tone": {"Warm"}})
	expectAwaiting(t, out, 2)

	if p := model.lastPrompt("Editor"); strings.Contains(p, "Warm") || strings.Contains(p, `"format"`) {
		t.Errorf("editor prompt saw later decisions:\n%s", p)
	}
	if p := model.lastPrompt("Linguist"); strings.Contains(p, "Warm") {
		t.Errorf("linguist prompt saw its own selection:\n%s", p)
	}
	if p := model.lastPrompt("Writer"); !strings.Contains(p, `"tone": "Warm"`) {
		t.Errorf("writer prompt lacks the voice decision:\n%s", p)
	}
}

func TestAbandon(t *testing.T) {
	model := newFakeModel(textAnswers())
	e := newEngine(t, model, Options{})
	ctx := context.Background()

	out, err := e.Start(ctx, "text", "cold brew guide")
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Abandon(out.SessionID); err != nil {
		t.Fatal(err)
	}
	if _, err := e.SubmitSelection(ctx, out.SessionID, 0, out.Revision, models.Selection{"format": {"Blog"}}); !errors.Is(err, models.ErrSessionClosed) {
		t.Errorf("submit after abandon: %v", err)
	}
	if err := e.Abandon(out.SessionID); !errors.Is(err, models.ErrSessionClosed) {
		t.Errorf("second abandon: %v", err)
	}
	st, _ := e.Status(out.SessionID)
	if st.Status != models.SessionStatusAbandoned || st.Deck != nil {
		t.Errorf("status = %+v", st)
	}
}

func TestAbandonCancelsInFlight(t *testing.T) {
	model := newFakeModel(textAnswers())
	invoked := make(chan struct{})
	model.hook = func(ctx context.Context, agent string) error {
		close(invoked)
		<-ctx.Done()
		return ctx.Err()
	}
	e := newEngine(t, model, Options{})

	sess, err := e.Create("text", "cold brew guide")
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() {
		_, err := e.Begin(context.Background(), sess.ID, "")
		done <- err
	}()

	<-invoked
	if err := e.Abandon(sess.ID); err != nil {
		t.Fatal(err)
	}
	if err := <-done; !errors.Is(err, models.ErrSessionClosed) {
		t.Errorf("Begin returned %v, want ErrSessionClosed", err)
	}
	got, _ := e.Get(sess.ID)
	if got.Status != models.SessionStatusAbandoned {
		t.Errorf("status = %s", got.Status)
	}
}

func TestRouteRelayReachesNextStage(t *testing.T) {
	model := newFakeModel(textAnswers())
	model.answers["Manager"] = []string{`{"action":"relay","relay":"keep it under 300 words"}`}
	e := newEngine(t, model, Options{})
	ctx := context.Background()

	out, err := e.Start(ctx, "text", "cold brew guide")
	if err != nil {
		t.Fatal(err)
	}
	res, err := e.RouteMessage(ctx, out.SessionID, "tell them to be brief")
	if err != nil {
		t.Fatal(err)
	}
	if res.Action != models.RouteRelay || res.Session.Status != models.SessionStatusAwaiting {
		t.Fatalf("result = %+v", res)
	}
	if !strings.Contains(model.lastPrompt("Manager"), "tell them to be brief") {
		t.Error("manager prompt lacks the message")
	}

	// the relay does not stale the outstanding deck
	out = submit(t, e, out, models.Selection{"format": {"Blog"}})
	if !strings.Contains(model.lastPrompt("Linguist"), "keep it under 300 words") {
		t.Errorf("linguist prompt lacks the relay:\n%s", model.lastPrompt("Linguist"))
	}
	if strings.Contains(model.lastPrompt("Editor"), "300 words") {
		t.Error("relay leaked into the earlier stage")
	}
}

func TestRelayDuringRetryReachesNextAttempt(t *testing.T) {
	model := newFakeModel(textAnswers())
	model.answers["Manager"] = []string{`{"action":"relay","relay":"use British spelling"}`}
	model.answers["Editor"] = []string{"!connection reset", editorDeck}
	invoked := make(chan struct{})
	release := make(chan struct{})
	var first sync.Once
	model.hook = func(ctx context.Context, agent string) error {
		if agent != "Editor" {
			return nil
		}
		first.Do(func() {
			close(invoked)
			<-release
		})
		return nil
	}
	e := newEngine(t, model, Options{})
	ctx := context.Background()

	sess, err := e.Create("text", "cold brew guide")
	if err != nil {
		t.Fatal(err)
	}
	type result struct {
		out *Outcome
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := e.Begin(ctx, sess.ID, "")
		done <- result{out, err}
	}()

	<-invoked
	if _, err := e.RouteMessage(ctx, sess.ID, "spell it the British way"); err != nil {
		t.Fatal(err)
	}
	close(release)

	res := <-done
	if res.err != nil {
		t.Fatalf("Begin: %v", res.err)
	}
	expectAwaiting(t, res.out, 0)
	if model.count("Editor") != 2 {
		t.Errorf("editor calls = %d, want 2", model.count("Editor"))
	}
	if !strings.Contains(model.lastPrompt("Editor"), "use British spelling") {
		t.Errorf("retry prompt lacks the relay:\n%s", model.lastPrompt("Editor"))
	}
}

func TestRouteReplyLeavesSessionAlone(t *testing.T) {
	model := newFakeModel(textAnswers())
	model.answers["Manager"] = []string{`{"action":"reply","reply":"The editor picks a format first."}`}
	e := newEngine(t, model, Options{})
	ctx := context.Background()

	out, err := e.Start(ctx, "text", "cold brew guide")
	if err != nil {
		t.Fatal(err)
	}
	before, _ := e.History(out.SessionID)
	res, err := e.RouteMessage(ctx, out.SessionID, "what now?")
	if err != nil {
		t.Fatal(err)
	}
	after, _ := e.History(out.SessionID)
	if res.Reply != "The editor picks a format first." || len(after) != len(before) {
		t.Errorf("reply %q, writes %d -> %d", res.Reply, len(before), len(after))
	}
	if res.Session.Revision != out.Revision {
		t.Errorf("revision moved from %d to %d", out.Revision, res.Session.Revision)
	}
}

func TestRouteSwitchResetsSession(t *testing.T) {
	model := newFakeModel(textAnswers())
	model.answers["Manager"] = []string{`{"action":"switch","target_squad":"art"}`}
	e := newEngine(t, model, Options{})
	ctx := context.Background()

	out, err := e.Start(ctx, "text", "cold brew poster")
	if err != nil {
		t.Fatal(err)
	}
	res, err := e.RouteMessage(ctx, out.SessionID, "actually I want a poster")
	if err != nil {
		t.Fatal(err)
	}
	if res.TargetSquad != "art" || res.Session.Status != models.SessionStatusIdle || res.Session.SquadID != "art" {
		t.Fatalf("result = %+v", res.Session)
	}
	view, _ := e.Context(out.SessionID)
	if len(view) != 0 {
		t.Errorf("context after switch = %v", view)
	}
	if _, err := e.SubmitSelection(ctx, out.SessionID, 0, out.Revision, models.Selection{"format": {"Blog"}}); !errors.Is(err, models.ErrStaleSelection) {
		t.Errorf("old deck selection: %v", err)
	}

	next, err := e.Begin(ctx, out.SessionID, "")
	if err != nil {
		t.Fatal(err)
	}
	expectAwaiting(t, next, 0)
	if next.StageID != "art.director" || next.Revision <= out.Revision {
		t.Errorf("after switch: stage %s revision %d (was %d)", next.StageID, next.Revision, out.Revision)
	}
	if !strings.Contains(model.lastPrompt("Director"), "cold brew poster") {
		t.Error("idea was not carried over")
	}
}

func TestPersistenceAndRecover(t *testing.T) {
	store, err := storage.New(filepath.Join(t.TempDir(), "studio.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	// the first process dies while the editor is running
	crashing := newFakeModel(textAnswers())
	ctx, cancel := context.WithCancel(context.Background())
	crashing.hook = func(context.Context, string) error {
		cancel()
		return context.Canceled
	}
	e1 := newEngine(t, crashing, Options{Store: store})
	sess, err := e1.Create("text", "cold brew guide")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e1.Begin(ctx, sess.ID, ""); !errors.Is(err, context.Canceled) {
		t.Fatalf("Begin = %v, want context.Canceled", err)
	}

	model := newFakeModel(textAnswers())
	e2 := newEngine(t, model, Options{Store: store, RecoverParallel: 2})
	outs, err := e2.Recover(context.Background())
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if len(outs) != 1 || outs[0].SessionID != sess.ID {
		t.Fatalf("recovered %+v", outs)
	}
	expectAwaiting(t, outs[0], 0)

	out := submit(t, e2, outs[0], models.Selection{"format": {"Blog"}})
	expectAwaiting(t, out, 1)

	// a third process picks the session up lazily
	e3 := newEngine(t, newFakeModel(textAnswers()), Options{Store: store})
	got, err := e3.Get(sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.SessionStatusAwaiting || got.StageIndex != 1 || got.Revision != out.Revision {
		t.Errorf("reloaded session = %+v", got)
	}
	next, err := e3.SubmitSelection(context.Background(), sess.ID, 1, out.Revision, models.Selection{"tone": {"Dry"}})
	if err != nil {
		t.Fatal(err)
	}
	expectAwaiting(t, next, 2)

	list, err := e3.List(10)
	if err != nil || len(list) != 1 {
		t.Errorf("List = %v, %v", list, err)
	}
	if err := e3.Delete(sess.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := store.LoadSession(sess.ID); !errors.Is(err, models.ErrSessionNotFound) {
		t.Errorf("session survived delete: %v", err)
	}
}

func TestConcurrentSessions(t *testing.T) {
	model := newFakeModel(textAnswers())
	e := newEngine(t, model, Options{})

	var g errgroup.Group
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			out, err := e.Start(context.Background(), "text", fmt.Sprintf("idea %d", i))
			if err != nil {
				return err
			}
			out, err = e.SubmitSelection(context.Background(), out.SessionID, 0, out.Revision, models.Selection{"format": {"Thread"}})
			if err != nil {
				return err
			}
			if out.StageIndex != 1 || out.Status != models.SessionStatusAwaiting {
				return fmt.Errorf("session %s at stage %d (%s)", out.SessionID, out.StageIndex, out.Status)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	list, _ := e.List(0)
	if len(list) != 8 || model.count("Linguist") != 8 {
		t.Errorf("sessions %d, linguist calls %d", len(list), model.count("Linguist"))
	}
}

func TestUnknownSquadAndSession(t *testing.T) {
	e := newEngine(t, newFakeModel(nil), Options{})
	var us *models.UnknownSquadError
	if _, err := e.Start(context.Background(), "opera", "x"); !errors.As(err, &us) {
		t.Errorf("Start err = %v", err)
	}
	if _, err := e.Get("missing"); !errors.Is(err, models.ErrSessionNotFound) {
		t.Errorf("Get err = %v", err)
	}
}

func TestOptionDefaults(t *testing.T) {
	tests := []struct {
		in, want int
	}{
		{0, DefaultMaxRevisions},
		{-1, 0},
		{5, 5},
	}
	for _, tt := range tests {
		e := newEngine(t, newFakeModel(nil), Options{MaxRevisions: tt.in})
		if e.opts.MaxRevisions != tt.want {
			t.Errorf("MaxRevisions %d resolved to %d, want %d", tt.in, e.opts.MaxRevisions, tt.want)
		}
		if e.opts.MaxAttempts != 3 {
			t.Errorf("MaxAttempts = %d", e.opts.MaxAttempts)
		}
	}
}
