package tui

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/mpataki/studio/internal/models"
	"github.com/mpataki/studio/internal/orchestrator"
	"github.com/mpataki/studio/internal/workspace"
)

type View int

const (
	ViewSessionList View = iota
	ViewSessionDetail
	ViewDeck
	ViewNewSession
	ViewMessage
	ViewArtifact
)

type keyMap struct {
	Up      key.Binding
	Down    key.Binding
	Left    key.Binding
	Right   key.Binding
	Toggle  key.Binding
	Enter   key.Binding
	New     key.Binding
	Message key.Binding
	Abandon key.Binding
	Delete  key.Binding
	Refresh key.Binding
	Export  key.Binding
	Detail  key.Binding
	Back    key.Binding
	Quit    key.Binding
}

var keys = keyMap{
	Up:      key.NewBinding(key.WithKeys("up", "k"), key.WithHelp("↑/k", "up")),
	Down:    key.NewBinding(key.WithKeys("down", "j"), key.WithHelp("↓/j", "down")),
	Left:    key.NewBinding(key.WithKeys("left", "shift+tab"), key.WithHelp("←", "prev")),
	Right:   key.NewBinding(key.WithKeys("right", "tab"), key.WithHelp("→", "next")),
	Toggle:  key.NewBinding(key.WithKeys(" "), key.WithHelp("space", "pick")),
	Enter:   key.NewBinding(key.WithKeys("enter"), key.WithHelp("enter", "confirm")),
	New:     key.NewBinding(key.WithKeys("n"), key.WithHelp("n", "new")),
	Message: key.NewBinding(key.WithKeys("m"), key.WithHelp("m", "message manager")),
	Abandon: key.NewBinding(key.WithKeys("x"), key.WithHelp("x", "abandon")),
	Delete:  key.NewBinding(key.WithKeys("d"), key.WithHelp("d", "delete")),
	Refresh: key.NewBinding(key.WithKeys("r"), key.WithHelp("r", "refresh")),
	Export:  key.NewBinding(key.WithKeys("e"), key.WithHelp("e", "export")),
	Detail:  key.NewBinding(key.WithKeys("l"), key.WithHelp("l", "stage log")),
	Back:    key.NewBinding(key.WithKeys("esc"), key.WithHelp("esc", "back")),
	Quit:    key.NewBinding(key.WithKeys("ctrl+c"), key.WithHelp("ctrl+c", "quit")),
}

type App struct {
	engine    *orchestrator.Engine
	squads    []*models.Squad
	exportDir string

	view        View
	sessions    []*models.Session
	selectedIdx int

	// the open session
	outcome *orchestrator.Outcome
	session *models.Session

	// deck picker
	catIdx int
	optIdx int
	picks  map[string]map[string]bool

	squadIdx int
	idea     textinput.Model
	message  textinput.Model
	reply    string
	notice   string

	busy     bool
	spinner  spinner.Model
	viewport viewport.Model
	help     help.Model

	width  int
	height int
	err    error
}

func NewApp(engine *orchestrator.Engine, exportDir string) *App {
	idea := textinput.New()
	idea.Placeholder = "What should the studio make?"
	idea.CharLimit = 2000
	idea.Width = 60

	msg := textinput.New()
	msg.Placeholder = "Ask the manager, redirect the studio, or pass a note to the next agent"
	msg.CharLimit = 2000
	msg.Width = 60

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = statusRunning

	return &App{
		engine:    engine,
		squads:    engine.Registry().Squads(),
		exportDir: exportDir,
		view:      ViewSessionList,
		idea:      idea,
		message:   msg,
		spinner:   sp,
		viewport:  viewport.New(80, 20),
		help:      help.New(),
	}
}

func (a *App) Init() tea.Cmd {
	return tea.Batch(a.loadSessions, a.tickCmd())
}

func (a *App) tickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

type tickMsg time.Time

func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return a.handleKey(msg)

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.viewport.Width = msg.Width
		a.viewport.Height = max(msg.Height-4, 5)
		a.help.Width = msg.Width
		return a, nil

	case spinner.TickMsg:
		if !a.busy {
			return a, nil
		}
		var cmd tea.Cmd
		a.spinner, cmd = a.spinner.Update(msg)
		return a, cmd

	case tickMsg:
		if a.view == ViewSessionList && !a.busy {
			return a, tea.Batch(a.loadSessions, a.tickCmd())
		}
		return a, a.tickCmd()

	case sessionsLoadedMsg:
		a.sessions = msg.sessions
		a.err = msg.err
		if a.selectedIdx >= len(a.sessions) {
			a.selectedIdx = max(len(a.sessions)-1, 0)
		}
		return a, nil

	case outcomeMsg:
		a.busy = false
		if msg.err != nil {
			a.err = msg.err
		}
		if msg.outcome != nil {
			a.openOutcome(msg.outcome, msg.session)
		}
		return a, nil

	case routedMsg:
		a.busy = false
		if msg.err != nil {
			a.err = msg.err
			return a, nil
		}
		return a.applyRoute(msg.result)

	case sessionChangedMsg:
		a.busy = false
		a.err = msg.err
		a.view = ViewSessionList
		a.outcome = nil
		a.session = nil
		return a, a.loadSessions

	case exportedMsg:
		if msg.err != nil {
			a.err = msg.err
		} else {
			a.notice = fmt.Sprintf("exported %d files to %s", len(msg.files), msg.dir)
		}
		return a, nil
	}

	return a, nil
}

// openOutcome switches to whatever view the session's state calls for.
func (a *App) openOutcome(out *orchestrator.Outcome, sess *models.Session) {
	a.outcome = out
	if sess != nil {
		a.session = sess
	}
	a.reply = ""
	switch {
	case out.Status == models.SessionStatusAwaiting && out.Deck != nil:
		a.resetPicks(out.Deck)
		a.view = ViewDeck
	case out.Status == models.SessionStatusComplete && out.Artifact != nil:
		a.viewport.SetContent(RenderArtifact(out.Artifact))
		a.viewport.GotoTop()
		a.view = ViewArtifact
	default:
		a.view = ViewSessionDetail
	}
}

// resetPicks preselects the recommended option of every single-select
// category.
func (a *App) resetPicks(d *models.Deck) {
	a.catIdx, a.optIdx = 0, 0
	a.picks = make(map[string]map[string]bool, len(d.Categories))
	for i := range d.Categories {
		c := &d.Categories[i]
		a.picks[c.ID] = map[string]bool{}
		if rec, ok := c.Recommended(); ok && !c.Multi {
			a.picks[c.ID][rec.Label] = true
		}
	}
}

func (a *App) applyRoute(res *orchestrator.RouteResult) (tea.Model, tea.Cmd) {
	switch res.Action {
	case models.RouteReply:
		a.reply = res.Reply
		return a, nil
	case models.RouteRelay:
		a.notice = "note passed to the next agent"
		a.view = ViewDeck
		if a.outcome == nil || a.outcome.Deck == nil {
			a.view = ViewSessionDetail
		}
		return a, nil
	case models.RouteSwitch:
		a.notice = "switched to the " + res.TargetSquad + " studio"
		a.busy = true
		return a, tea.Batch(a.spinner.Tick, a.begin(res.Session.SessionID))
	}
	return a, nil
}

func (a *App) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if key.Matches(msg, keys.Quit) {
		return a, tea.Quit
	}
	if a.busy {
		return a, nil
	}
	a.notice = ""

	switch a.view {
	case ViewSessionList:
		return a.handleListKey(msg)
	case ViewSessionDetail:
		return a.handleDetailKey(msg)
	case ViewDeck:
		return a.handleDeckKey(msg)
	case ViewNewSession:
		return a.handleNewSessionKey(msg)
	case ViewMessage:
		return a.handleMessageKey(msg)
	case ViewArtifact:
		return a.handleArtifactKey(msg)
	}
	return a, nil
}

func (a *App) handleListKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case msg.String() == "q":
		return a, tea.Quit

	case key.Matches(msg, keys.Up):
		if a.selectedIdx > 0 {
			a.selectedIdx--
		}

	case key.Matches(msg, keys.Down):
		if a.selectedIdx < len(a.sessions)-1 {
			a.selectedIdx++
		}

	case key.Matches(msg, keys.Enter):
		if s := a.selected(); s != nil {
			return a, a.openSession(s.ID)
		}

	case key.Matches(msg, keys.New):
		a.err = nil
		a.idea.SetValue("")
		a.idea.Focus()
		a.view = ViewNewSession
		return a, textinput.Blink

	case key.Matches(msg, keys.Refresh):
		return a, a.loadSessions

	case key.Matches(msg, keys.Abandon):
		if s := a.selected(); s != nil && !s.Status.Terminal() {
			return a, a.abandon(s.ID)
		}

	case key.Matches(msg, keys.Delete):
		if s := a.selected(); s != nil {
			return a, a.deleteSession(s.ID)
		}
	}
	return a, nil
}

func (a *App) selected() *models.Session {
	if len(a.sessions) == 0 || a.selectedIdx >= len(a.sessions) {
		return nil
	}
	return a.sessions[a.selectedIdx]
}

func (a *App) handleDetailKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, keys.Back), msg.String() == "q":
		a.view = ViewSessionList
		return a, a.loadSessions

	case key.Matches(msg, keys.Enter):
		if a.outcome == nil {
			return a, nil
		}
		if a.outcome.Status == models.SessionStatusIdle {
			a.busy = true
			return a, tea.Batch(a.spinner.Tick, a.begin(a.outcome.SessionID))
		}
		a.openOutcome(a.outcome, nil)

	case key.Matches(msg, keys.Message):
		if a.outcome != nil && !a.outcome.Status.Terminal() {
			return a, a.focusMessage()
		}

	case key.Matches(msg, keys.Abandon):
		if a.outcome != nil && !a.outcome.Status.Terminal() {
			return a, a.abandon(a.outcome.SessionID)
		}
	}
	return a, nil
}

func (a *App) handleDeckKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	deck := a.outcome.Deck
	if deck == nil {
		a.view = ViewSessionDetail
		return a, nil
	}

	switch {
	case key.Matches(msg, keys.Back):
		a.view = ViewSessionList
		return a, a.loadSessions

	case key.Matches(msg, keys.Up):
		if a.optIdx > 0 {
			a.optIdx--
		} else if a.catIdx > 0 {
			a.catIdx--
			a.optIdx = len(deck.Categories[a.catIdx].Options) - 1
		}

	case key.Matches(msg, keys.Down):
		if a.catIdx < len(deck.Categories) && a.optIdx < len(deck.Categories[a.catIdx].Options)-1 {
			a.optIdx++
		} else if a.catIdx < len(deck.Categories)-1 {
			a.catIdx++
			a.optIdx = 0
		}

	case key.Matches(msg, keys.Left):
		if a.catIdx > 0 {
			a.catIdx--
			a.optIdx = 0
		}

	case key.Matches(msg, keys.Right):
		if a.catIdx < len(deck.Categories)-1 {
			a.catIdx++
			a.optIdx = 0
		}

	case key.Matches(msg, keys.Toggle):
		a.toggle(deck)

	case key.Matches(msg, keys.Enter):
		sel := a.selection(deck)
		if err := sel.Validate(deck); err != nil {
			a.err = err
			return a, nil
		}
		a.err = nil
		a.busy = true
		return a, tea.Batch(a.spinner.Tick, a.submit(a.outcome, sel))

	case key.Matches(msg, keys.Message):
		return a, a.focusMessage()

	case key.Matches(msg, keys.Detail):
		a.view = ViewSessionDetail
		return a, a.openSession(a.outcome.SessionID)

	case key.Matches(msg, keys.Abandon):
		return a, a.abandon(a.outcome.SessionID)
	}
	return a, nil
}

// toggle picks the option under the cursor. Single-select categories keep
// exactly one pick.
func (a *App) toggle(deck *models.Deck) {
	if a.catIdx >= len(deck.Categories) {
		return
	}
	c := deck.Categories[a.catIdx]
	if a.optIdx >= len(c.Options) {
		return
	}
	label := c.Options[a.optIdx].Label
	if c.Multi {
		a.picks[c.ID][label] = !a.picks[c.ID][label]
		return
	}
	a.picks[c.ID] = map[string]bool{label: true}
}

func (a *App) selection(deck *models.Deck) models.Selection {
	sel := models.Selection{}
	for _, c := range deck.Categories {
		var labels []string
		for _, o := range c.Options {
			if a.picks[c.ID][o.Label] {
				labels = append(labels, o.Label)
			}
		}
		if labels != nil || c.Multi {
			sel[c.ID] = labels
		}
	}
	return sel
}

func (a *App) handleNewSessionKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, keys.Back):
		a.idea.Blur()
		a.view = ViewSessionList
		return a, nil

	case msg.Type == tea.KeyTab || msg.Type == tea.KeyDown:
		if len(a.squads) > 0 {
			a.squadIdx = (a.squadIdx + 1) % len(a.squads)
		}
		return a, nil

	case msg.Type == tea.KeyShiftTab || msg.Type == tea.KeyUp:
		if len(a.squads) > 0 {
			a.squadIdx = (a.squadIdx - 1 + len(a.squads)) % len(a.squads)
		}
		return a, nil

	case msg.Type == tea.KeyEnter:
		idea := strings.TrimSpace(a.idea.Value())
		if idea == "" || len(a.squads) == 0 {
			return a, nil
		}
		a.idea.Blur()
		a.busy = true
		return a, tea.Batch(a.spinner.Tick, a.start(a.squads[a.squadIdx].ID, idea))
	}

	var cmd tea.Cmd
	a.idea, cmd = a.idea.Update(msg)
	return a, cmd
}

func (a *App) focusMessage() tea.Cmd {
	a.reply = ""
	a.message.SetValue("")
	a.message.Focus()
	a.view = ViewMessage
	return textinput.Blink
}

func (a *App) handleMessageKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyEsc:
		a.message.Blur()
		a.openOutcome(a.outcome, nil)
		return a, nil

	case tea.KeyEnter:
		text := strings.TrimSpace(a.message.Value())
		if text == "" || a.outcome == nil {
			return a, nil
		}
		a.message.SetValue("")
		a.busy = true
		return a, tea.Batch(a.spinner.Tick, a.route(a.outcome.SessionID, text))
	}

	var cmd tea.Cmd
	a.message, cmd = a.message.Update(msg)
	return a, cmd
}

func (a *App) handleArtifactKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, keys.Back), msg.String() == "q":
		a.view = ViewSessionList
		return a, a.loadSessions

	case key.Matches(msg, keys.Export):
		if a.outcome != nil {
			return a, a.export(a.outcome.SessionID)
		}

	case key.Matches(msg, keys.Detail):
		if a.outcome != nil {
			a.view = ViewSessionDetail
		}
		return a, nil
	}

	var cmd tea.Cmd
	a.viewport, cmd = a.viewport.Update(msg)
	return a, cmd
}

func (a *App) View() string {
	var s string
	switch a.view {
	case ViewSessionList:
		s = a.viewSessionList()
	case ViewSessionDetail:
		s = a.viewSessionDetail()
	case ViewDeck:
		s = a.viewDeck()
	case ViewNewSession:
		s = a.viewNewSession()
	case ViewMessage:
		s = a.viewMessage()
	case ViewArtifact:
		s = a.viewArtifact()
	}
	if a.busy {
		s += "\n" + a.spinner.View() + " working..."
	}
	if a.notice != "" {
		s += "\n" + statusComplete.Render(a.notice)
	}
	if a.err != nil {
		s += "\n" + errorStyle.Render("Error: "+a.err.Error())
	}
	return s
}

func (a *App) viewSessionList() string {
	s := titleStyle.Render("Studio") + "\n\n"

	if len(a.sessions) == 0 {
		s += "No sessions yet. Press 'n' to start one.\n"
	} else {
		s += "Recent Sessions\n"
		s += "───────────────\n"

		for i, sess := range a.sessions {
			line := fmt.Sprintf("%-8s %-8s %s  %-4s  %s",
				sess.ID[:min(8, len(sess.ID))], sess.SquadID, formatStatus(sess.Status), formatAge(sess.UpdatedAt), truncate(sess.Idea, 35))
			switch {
			case i == a.selectedIdx:
				line = selectedStyle.Render("▶ " + line)
			case sess.Status.Terminal():
				line = "  " + dimStyle.Render(line)
			default:
				line = "  " + line
			}
			s += line + "\n"
		}
	}

	s += "\n" + a.help.ShortHelpView([]key.Binding{keys.Enter, keys.New, keys.Abandon, keys.Delete, keys.Refresh, keys.Quit})
	return s
}

func (a *App) viewSessionDetail() string {
	if a.outcome == nil {
		return "No session selected"
	}
	out := a.outcome
	s := titleStyle.Render(fmt.Sprintf("Session %s: %s", out.SessionID[:min(8, len(out.SessionID))], out.SquadID)) +
		"  " + formatStatus(out.Status) + "\n\n"

	if a.session != nil {
		s += a.session.Idea + "\n\n"
		if a.session.Revisions > 0 {
			s += labelStyle.Render("Revisions: ") + fmt.Sprint(a.session.Revisions) + "\n\n"
		}

		s += "Stages\n"
		s += "──────\n"
		if len(a.session.Log) == 0 {
			s += "(no stages run yet)\n"
		}
		for _, rec := range a.session.Log {
			mark := statusRunning.Render("●")
			switch {
			case rec.Discarded:
				mark = dimStyle.Render("↺")
			case rec.Selected():
				mark = statusComplete.Render("✓")
			case rec.Deck != nil:
				mark = statusAwaiting.Render("?")
			}
			line := fmt.Sprintf("%d. %-22s %s", rec.Seq, rec.StageID, mark)
			if rec.Attempts > 1 {
				line += dimStyle.Render(fmt.Sprintf("  %d attempts", rec.Attempts))
			}
			if rec.StartedAt != nil && rec.CompletedAt != nil {
				line += "  " + dimStyle.Render(formatDuration(rec.CompletedAt.Sub(*rec.StartedAt)))
			}
			if len(rec.Selection) > 0 {
				line += "  " + dimStyle.Render(formatSelection(rec.Selection))
			}
			s += "  " + line + "\n"
		}
	}

	if out.Failure != nil {
		s += "\n" + statusFailed.Render(fmt.Sprintf("Stage %d (%s) failed: %s", out.Failure.StageIndex, out.Failure.StageID, out.Failure.Kind)) + "\n"
		s += dimStyle.Render(out.Failure.Message) + "\n"
	}
	if out.Status == models.SessionStatusIdle {
		s += "\n" + "Press enter to start the " + out.SquadID + " studio.\n"
	}

	s += "\n" + a.help.ShortHelpView([]key.Binding{keys.Enter, keys.Message, keys.Abandon, keys.Back})
	return s
}

func formatSelection(sel models.Selection) string {
	parts := make([]string, 0, len(sel))
	for cat, labels := range sel {
		parts = append(parts, cat+"="+strings.Join(labels, "|"))
	}
	return truncate(strings.Join(parts, " "), 40)
}

func (a *App) viewDeck() string {
	out := a.outcome
	s := titleStyle.Render(fmt.Sprintf("%s · stage %d · %s", out.SquadID, out.StageIndex+1, out.StageID)) + "\n\n"
	s += renderDeck(out.Deck, a.catIdx, a.optIdx, a.picks)
	s += "\n" + a.help.ShortHelpView([]key.Binding{keys.Up, keys.Down, keys.Right, keys.Toggle, keys.Enter, keys.Message, keys.Detail, keys.Abandon, keys.Back})
	return s
}

func (a *App) viewNewSession() string {
	s := titleStyle.Render("New Session") + "\n\n"

	s += "Studio:\n"
	if len(a.squads) == 0 {
		s += "  (no squads registered)\n"
	}
	for i, sq := range a.squads {
		line := fmt.Sprintf("%-8s %s", sq.ID, dimStyle.Render(sq.Description))
		if i == a.squadIdx {
			line = selectedStyle.Render("▶ "+sq.ID) + " " + dimStyle.Render(sq.Description)
		} else {
			line = "  " + line
		}
		s += line + "\n"
	}

	s += "\nIdea:\n" + a.idea.View() + "\n"
	s += "\n" + helpStyle("[tab] studio  [enter] start  [esc] cancel")
	return s
}

func (a *App) viewMessage() string {
	s := titleStyle.Render("Message the manager") + "\n\n"
	s += a.message.View() + "\n"
	if a.reply != "" {
		s += "\n" + labelStyle.Render("Manager: ") + a.reply + "\n"
	}
	s += "\n" + helpStyle("[enter] send  [esc] back")
	return s
}

func (a *App) viewArtifact() string {
	header := titleStyle.Render("Artifact")
	if a.outcome != nil && a.outcome.Artifact != nil {
		header += "  " + dimStyle.Render(string(a.outcome.Artifact.Kind))
	}
	return header + "\n" + a.viewport.View() + "\n" +
		a.help.ShortHelpView([]key.Binding{keys.Up, keys.Down, keys.Export, keys.Detail, keys.Back})
}

func helpStyle(s string) string {
	return dimStyle.Render(s)
}

// Messages

type sessionsLoadedMsg struct {
	sessions []*models.Session
	err      error
}

type outcomeMsg struct {
	outcome *orchestrator.Outcome
	session *models.Session
	err     error
}

type routedMsg struct {
	result *orchestrator.RouteResult
	err    error
}

type sessionChangedMsg struct {
	sessionID string
	err       error
}

type exportedMsg struct {
	dir   string
	files []string
	err   error
}

// Commands

func (a *App) loadSessions() tea.Msg {
	sessions, err := a.engine.List(50)
	return sessionsLoadedMsg{sessions: sessions, err: err}
}

// withSession attaches the session record for the detail view.
func (a *App) withSession(out *orchestrator.Outcome, err error) tea.Msg {
	msg := outcomeMsg{outcome: out, err: err}
	if out != nil {
		if sess, gerr := a.engine.Get(out.SessionID); gerr == nil {
			msg.session = sess
		}
	}
	return msg
}

func (a *App) openSession(id string) tea.Cmd {
	return func() tea.Msg {
		return a.withSession(a.engine.Status(id))
	}
}

func (a *App) start(squad, idea string) tea.Cmd {
	return func() tea.Msg {
		return a.withSession(a.engine.Start(context.Background(), squad, idea))
	}
}

func (a *App) begin(id string) tea.Cmd {
	return func() tea.Msg {
		return a.withSession(a.engine.Begin(context.Background(), id, ""))
	}
}

func (a *App) submit(out *orchestrator.Outcome, sel models.Selection) tea.Cmd {
	return func() tea.Msg {
		next, err := a.engine.SubmitSelection(context.Background(), out.SessionID, out.StageIndex, out.Revision, sel)
		if next == nil && err != nil {
			// keep the current deck on screen for stale or invalid picks
			return outcomeMsg{err: err}
		}
		return a.withSession(next, err)
	}
}

func (a *App) route(id, text string) tea.Cmd {
	return func() tea.Msg {
		res, err := a.engine.RouteMessage(context.Background(), id, text)
		return routedMsg{result: res, err: err}
	}
}

func (a *App) abandon(id string) tea.Cmd {
	return func() tea.Msg {
		return sessionChangedMsg{sessionID: id, err: a.engine.Abandon(id)}
	}
}

func (a *App) deleteSession(id string) tea.Cmd {
	return func() tea.Msg {
		return sessionChangedMsg{sessionID: id, err: a.engine.Delete(id)}
	}
}

func (a *App) export(id string) tea.Cmd {
	return func() tea.Msg {
		sess, err := a.engine.Get(id)
		if err != nil {
			return exportedMsg{err: err}
		}
		art, err := a.engine.Artifact(id)
		if err != nil {
			return exportedMsg{err: err}
		}
		dir := filepath.Join(a.exportDir, id)
		_, files, err := workspace.Export(dir, sess, art)
		return exportedMsg{dir: dir, files: files, err: err}
	}
}
