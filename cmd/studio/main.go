package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/mpataki/studio/internal/config"
	"github.com/mpataki/studio/internal/logging"
	"github.com/mpataki/studio/internal/models"
	"github.com/mpataki/studio/internal/orchestrator"
	"github.com/mpataki/studio/internal/provider"
	"github.com/mpataki/studio/internal/registry"
	"github.com/mpataki/studio/internal/server"
	"github.com/mpataki/studio/internal/storage"
	"github.com/mpataki/studio/internal/tui"
	"github.com/mpataki/studio/internal/workspace"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:           "studio",
		Short:         "Multi-agent creative pipelines",
		Long:          "Studio walks an idea through a squad of agents, asking you to choose at every stage, and compiles the result.",
		RunE:          runTUI,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: .studio/studio.yaml or ~/.studio/studio.yaml)")

	rootCmd.AddCommand(newStartCommand())
	rootCmd.AddCommand(newSelectCommand())
	rootCmd.AddCommand(newRouteCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newListCommand())
	rootCmd.AddCommand(newAbandonCommand())
	rootCmd.AddCommand(newDeleteCommand())
	rootCmd.AddCommand(newExportCommand())
	rootCmd.AddCommand(newSquadsCommand())
	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newRecoverCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// studio bundles everything a command needs.
type studio struct {
	cfg    *config.Config
	log    *logging.Logger
	store  *storage.Storage
	engine *orchestrator.Engine
}

func open() (*studio, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	log, err := logging.NewLogger(cfg.LogDir(), cfg.Log.Level)
	if err != nil {
		return nil, err
	}

	reg, err := registry.Load(cfg.SquadDirs)
	if err != nil {
		log.Close()
		return nil, fmt.Errorf("failed to load squads: %w", err)
	}

	store, err := storage.New(cfg.DBPath)
	if err != nil {
		log.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	wd, _ := os.Getwd()
	invoker := provider.NewCommandInvoker(cfg.Providers, wd)
	warnMissingProviders(log, reg, invoker.Providers())

	maxRevisions := cfg.Pipeline.MaxRevisions
	if maxRevisions == 0 {
		maxRevisions = -1 // an explicit 0 in the config turns loop-backs off
	}
	engine, err := orchestrator.New(reg, invoker, orchestrator.Options{
		MaxAttempts:     cfg.Pipeline.MaxAttempts,
		MaxRevisions:    maxRevisions,
		RecoverParallel: cfg.Pipeline.RecoverParallel,
		InvokeTimeout:   cfg.Pipeline.InvokeTimeout,
		Store:           store,
		Logger:          log,
	})
	if err != nil {
		store.Close()
		log.Close()
		return nil, err
	}
	log.Debug("studio ready", "config", cfg.FileUsed(), "db", cfg.DBPath, "squads", len(reg.Squads()))
	return &studio{cfg: cfg, log: log, store: store, engine: engine}, nil
}

// warnMissingProviders logs agents whose provider has no configured command.
// They fail with a provider error only when their stage runs.
func warnMissingProviders(log *logging.Logger, reg *registry.Registry, configured []string) {
	known := make(map[string]bool, len(configured))
	for _, tag := range configured {
		known[tag] = true
	}
	agents := []*models.AgentDescriptor{reg.Manager()}
	for _, sq := range reg.Squads() {
		for _, id := range sq.Stages {
			if a, err := reg.Agent(id); err == nil {
				agents = append(agents, a)
			}
		}
	}
	for _, a := range agents {
		if a != nil && !known[a.Provider] {
			log.Warn("agent provider not configured", "agent", a.ID, "provider", a.Provider)
			known[a.Provider] = true
		}
	}
}

func (s *studio) Close() {
	s.store.Close()
	s.log.Close()
}

func withStudio(fn func(ctx context.Context, s *studio, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		s, err := open()
		if err != nil {
			return err
		}
		defer s.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()
		return fn(ctx, s, args)
	}
}

func runTUI(cmd *cobra.Command, args []string) error {
	s, err := open()
	if err != nil {
		return err
	}
	defer s.Close()

	app := tui.NewApp(s.engine, s.cfg.ExportDir)
	p := tea.NewProgram(app, tea.WithAltScreen())

	_, err = p.Run()
	return err
}

func newStartCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "start <squad> <idea>",
		Short: "Start a session and run its first stage",
		Args:  cobra.ExactArgs(2),
		RunE: withStudio(func(ctx context.Context, s *studio, args []string) error {
			out, err := s.engine.Start(ctx, args[0], args[1])
			return printOutcome(out, err)
		}),
	}
}

func newSelectCommand() *cobra.Command {
	var (
		stage    int
		revision int64
		picks    []string
		raw      string
	)
	cmd := &cobra.Command{
		Use:   "select <session-id>",
		Short: "Answer the pending deck of a session",
		Example: `  studio select 3f2a... --stage 0 --revision 2 --pick format=Blog
  studio select 3f2a... --stage 4 --revision 9 --pick wildcards="Dark mode" --pick wildcards=Sync`,
		Args: cobra.ExactArgs(1),
		RunE: withStudio(func(ctx context.Context, s *studio, args []string) error {
			sel, err := parsePicks(picks, raw)
			if err != nil {
				return err
			}
			out, err := s.engine.SubmitSelection(ctx, args[0], stage, revision, sel)
			return printOutcome(out, err)
		}),
	}
	cmd.Flags().IntVar(&stage, "stage", 0, "stage index of the deck being answered")
	cmd.Flags().Int64Var(&revision, "revision", 0, "revision of the deck being answered")
	cmd.Flags().StringArrayVarP(&picks, "pick", "p", nil, "category=label, repeat for several categories or labels")
	cmd.Flags().StringVar(&raw, "json", "", `selection as JSON, e.g. {"format":"Blog"}`)
	_ = cmd.MarkFlagRequired("stage")
	_ = cmd.MarkFlagRequired("revision")
	return cmd
}

// parsePicks builds a selection from --pick flags, or from --json when given.
func parsePicks(picks []string, raw string) (models.Selection, error) {
	sel := models.Selection{}
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &sel); err != nil {
			return nil, fmt.Errorf("invalid --json selection: %w", err)
		}
	}
	for _, p := range picks {
		cat, label, ok := strings.Cut(p, "=")
		cat, label = strings.TrimSpace(cat), strings.TrimSpace(label)
		if !ok || cat == "" {
			return nil, fmt.Errorf("invalid --pick %q, want category=label", p)
		}
		if label == "" {
			// an empty label records an empty multi-select answer
			if _, seen := sel[cat]; !seen {
				sel[cat] = []string{}
			}
			continue
		}
		sel[cat] = append(sel[cat], label)
	}
	return sel, nil
}

func newRouteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "route <session-id> <message>",
		Short: "Send a free-text message to the manager",
		Args:  cobra.ExactArgs(2),
		RunE: withStudio(func(ctx context.Context, s *studio, args []string) error {
			res, err := s.engine.RouteMessage(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			switch res.Action {
			case models.RouteReply:
				fmt.Println(res.Reply)
			case models.RouteRelay:
				fmt.Printf("Passed to the next agent: %s\n", res.Relay)
			case models.RouteSwitch:
				fmt.Printf("Switched to the %s squad.\n", res.TargetSquad)
				out, err := s.engine.Begin(ctx, args[0], "")
				return printOutcome(out, err)
			}
			return nil
		}),
	}
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <session-id>",
		Short: "Show a session's state and stage log",
		Args:  cobra.ExactArgs(1),
		RunE: withStudio(func(ctx context.Context, s *studio, args []string) error {
			sess, err := s.engine.Get(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Session %s: %s\n", sess.ID, sess.SquadID)
			fmt.Printf("Status: %s\n", sess.Status)
			fmt.Printf("Idea: %s\n", sess.Idea)
			fmt.Printf("Updated: %s\n", storage.FormatTimeAgo(sess.UpdatedAt))
			if sess.Revisions > 0 {
				fmt.Printf("Revisions: %d\n", sess.Revisions)
			}

			if len(sess.Log) > 0 {
				fmt.Println("\nStages:")
				for _, rec := range sess.Log {
					state := "running"
					switch {
					case rec.Discarded:
						state = "discarded"
					case rec.Selected():
						state = "done"
					case rec.Deck != nil:
						state = "awaiting"
					}
					fmt.Printf("  %d. %s [%s, %d attempts]\n", rec.Seq, rec.StageID, state, rec.Attempts)
				}
			}

			out, err := s.engine.Status(args[0])
			if err != nil {
				return err
			}
			fmt.Println()
			return printOutcome(out, nil)
		}),
	}
}

func newListCommand() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent sessions",
		RunE: withStudio(func(ctx context.Context, s *studio, args []string) error {
			sessions, err := s.engine.List(limit)
			if err != nil {
				return err
			}
			if len(sessions) == 0 {
				fmt.Println("No sessions found.")
				return nil
			}
			for _, sess := range sessions {
				fmt.Printf("%s %-7s [%s] %-8s %s\n",
					sess.ID, sess.SquadID, sess.Status, storage.FormatTimeAgo(sess.UpdatedAt),
					truncate(sess.Idea, 50))
			}
			return nil
		}),
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum sessions to show")
	return cmd
}

func newAbandonCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "abandon <session-id>",
		Short: "Abandon a session without compiling",
		Args:  cobra.ExactArgs(1),
		RunE: withStudio(func(ctx context.Context, s *studio, args []string) error {
			if err := s.engine.Abandon(args[0]); err != nil {
				return fmt.Errorf("failed to abandon session: %w", err)
			}
			fmt.Printf("Abandoned session %s\n", args[0])
			return nil
		}),
	}
}

func newDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <session-id>",
		Short: "Delete a session and its history",
		Args:  cobra.ExactArgs(1),
		RunE: withStudio(func(ctx context.Context, s *studio, args []string) error {
			if err := s.engine.Delete(args[0]); err != nil {
				return fmt.Errorf("failed to delete session: %w", err)
			}
			fmt.Printf("Deleted session %s\n", args[0])
			return nil
		}),
	}
}

func newExportCommand() *cobra.Command {
	var initGit bool
	cmd := &cobra.Command{
		Use:   "export <session-id> [dir]",
		Short: "Write a completed session's artifact to disk",
		Args:  cobra.RangeArgs(1, 2),
		RunE: withStudio(func(ctx context.Context, s *studio, args []string) error {
			id := args[0]
			dir := filepath.Join(s.cfg.ExportDir, id)
			if len(args) == 2 {
				dir = args[1]
			}

			sess, err := s.engine.Get(id)
			if err != nil {
				return err
			}
			art, err := s.engine.Artifact(id)
			if errors.Is(err, storage.ErrNoArtifact) {
				return fmt.Errorf("session %s is %s, only complete sessions can be exported", id, sess.Status)
			}
			if err != nil {
				return err
			}

			w, files, err := workspace.Export(dir, sess, art)
			if err != nil {
				return err
			}
			if initGit {
				if err := w.InitGit(fmt.Sprintf("%s: %s", sess.SquadID, truncate(sess.Idea, 60))); err != nil {
					return err
				}
			}
			fmt.Printf("Exported %d files to %s\n", len(files), w.Path)
			for _, f := range files {
				fmt.Printf("  %s\n", f)
			}
			return nil
		}),
	}
	cmd.Flags().BoolVar(&initGit, "git", false, "initialize a git repository with the exported files")
	return cmd
}

func newSquadsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "squads",
		Short: "List the available squads",
		RunE: withStudio(func(ctx context.Context, s *studio, args []string) error {
			reg := s.engine.Registry()
			for _, sq := range reg.Squads() {
				fmt.Printf("%-8s %s (%s compiler)\n", sq.ID, sq.Description, sq.Compiler.Kind)
				for i, id := range sq.Stages {
					a, err := reg.Agent(id)
					if err != nil {
						return err
					}
					fmt.Printf("  %d. %-24s %-10s -> %s\n", i, id, a.Shape, a.Slot)
				}
			}
			return nil
		}),
	}
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the studio as MCP tools over stdio",
		RunE: withStudio(func(ctx context.Context, s *studio, args []string) error {
			s.log.Info("serving MCP over stdio")
			return server.Serve(s.engine)
		}),
	}
}

func newRecoverCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Rerun stages left in flight by an interrupted process",
		RunE: withStudio(func(ctx context.Context, s *studio, args []string) error {
			outs, err := s.engine.Recover(ctx)
			if err != nil {
				return err
			}
			if len(outs) == 0 {
				fmt.Println("Nothing to recover.")
				return nil
			}
			sort.Slice(outs, func(i, j int) bool { return outs[i].SessionID < outs[j].SessionID })
			for _, out := range outs {
				fmt.Printf("%s %s [%s] stage %d\n", out.SessionID, out.SquadID, out.Status, out.StageIndex)
			}
			return nil
		}),
	}
}

// printOutcome shows the deck to answer, the artifact, or the failure. A stage
// failure is printed and then returned so the exit code reflects it.
func printOutcome(out *orchestrator.Outcome, err error) error {
	var sf *models.StageFailure
	if err != nil && !(errors.As(err, &sf) && out != nil) {
		return err
	}

	fmt.Printf("Session %s · %s · %s\n", out.SessionID, out.SquadID, out.Status)
	switch {
	case out.Deck != nil:
		fmt.Printf("Stage %d (%s), revision %d\n\n", out.StageIndex, out.StageID, out.Revision)
		fmt.Print(tui.RenderDeck(out.Deck))
		fmt.Printf("\nAnswer with: studio select %s --stage %d --revision %d", out.SessionID, out.StageIndex, out.Revision)
		for _, c := range out.Deck.Categories {
			fmt.Printf(" --pick %s=<label>", c.ID)
		}
		fmt.Println()
	case out.Artifact != nil:
		fmt.Print("\n" + tui.RenderArtifact(out.Artifact))
		fmt.Printf("\nExport with: studio export %s\n", out.SessionID)
	case out.Failure != nil:
		fmt.Printf("Stage %d (%s) failed with %s: %s\n", out.Failure.StageIndex, out.Failure.StageID, out.Failure.Kind, out.Failure.Message)
	case out.Status == models.SessionStatusIdle:
		fmt.Println("Idle. Open the TUI or use the MCP studio_begin tool to run the first stage.")
	}
	return err
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
