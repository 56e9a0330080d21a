// Package compiler reduces a finished session's context into its final artifact.
package compiler

import (
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/mpataki/studio/internal/accumulator"
	"github.com/mpataki/studio/internal/models"
)

// ManifestFiles are the files that make a file set recognizable as a project.
var ManifestFiles = []string{"README.md", "package.json", "go.mod", "pyproject.toml", "Cargo.toml", "manifest.json"}

// Input is everything a compiler reads. Slots lists the stage slots in
// pipeline order.
type Input struct {
	Squad *models.Squad
	Slots []string
	View  accumulator.View
	Idea  string
}

func Compile(in Input) (*models.FinalArtifact, error) {
	switch in.Squad.Compiler.Kind {
	case models.CompilerCoding:
		return compileCoding(in)
	case models.CompilerText:
		return compileText(in)
	case models.CompilerLockedSpec:
		return compileSpec(in)
	default:
		return nil, fmt.Errorf("unknown compiler kind %q", in.Squad.Compiler.Kind)
	}
}

func compileCoding(in Input) (*models.FinalArtifact, error) {
	var files []models.File
	index := make(map[string]int)

	for _, slot := range in.Slots {
		deck, ok := in.View.Deck(models.OutputSlot(slot))
		if !ok {
			continue
		}
		for _, f := range deck.Files {
			p, err := cleanPath(f.Path)
			if err != nil {
				return nil, err
			}
			if i, seen := index[p]; seen {
				files[i].Content = f.Content
				continue
			}
			index[p] = len(files)
			files = append(files, models.File{Path: p, Content: f.Content})
		}
	}

	hasManifest := false
	for _, name := range ManifestFiles {
		if _, ok := index[name]; ok {
			hasManifest = true
			break
		}
	}
	_, hasReadme := index["README.md"]
	needReadme := !hasManifest
	for _, req := range in.Squad.Compiler.RequiredFiles {
		if _, ok := index[req]; ok {
			continue
		}
		if req != "README.md" {
			return nil, &models.SchemaViolationError{Field: req, Reason: "required file was not produced"}
		}
		needReadme = true
	}
	if needReadme && !hasReadme {
		files = append(files, models.File{Path: "README.md", Content: readme(in)})
	}

	return &models.FinalArtifact{
		Kind:    models.ArtifactManifest,
		SquadID: in.Squad.ID,
		Files:   files,
	}, nil
}

func cleanPath(p string) (string, error) {
	p = strings.TrimSpace(strings.ReplaceAll(p, "\\", "/"))
	c := path.Clean(p)
	if p == "" || path.IsAbs(c) || c == "." || c == ".." || strings.HasPrefix(c, "../") {
		return "", &models.SchemaViolationError{Field: "files.path", Reason: fmt.Sprintf("path %q escapes the project", p)}
	}
	return c, nil
}

// readme synthesizes a minimal README from the idea and the decisions made.
func readme(in Input) string {
	title := strings.TrimSpace(in.Idea)
	if i := strings.IndexByte(title, '\n'); i >= 0 {
		title = title[:i]
	}
	if title == "" {
		title = in.Squad.Name
	}

	var sb strings.Builder
	sb.WriteString("# " + title + "\n\n")
	if strings.TrimSpace(in.Idea) != title {
		sb.WriteString(strings.TrimSpace(in.Idea) + "\n\n")
	}

	var decisions []string
	for _, slot := range in.Slots {
		sel, ok := in.View[slot].(map[string]any)
		if !ok {
			continue
		}
		for _, key := range sortedKeys(sel) {
			decisions = append(decisions, fmt.Sprintf("- %s.%s: %s", slot, key, formatValue(sel[key])))
		}
	}
	if len(decisions) > 0 {
		sb.WriteString("## Decisions\n\n")
		sb.WriteString(strings.Join(decisions, "\n") + "\n")
	}
	return sb.String()
}

func compileText(in Input) (*models.FinalArtifact, error) {
	spec := in.Squad.Compiler
	draft, ok := in.View.Deck(models.OutputSlot(spec.DraftSlot))
	if !ok || strings.TrimSpace(draft.Body) == "" {
		return nil, &models.SchemaViolationError{Field: spec.DraftSlot, Reason: "no draft body to compile"}
	}
	body := strings.TrimSpace(draft.Body)

	headline := draft.Summary
	var variants []string
	if spec.HeadlineSlot != "" {
		if deck, ok := in.View.Deck(models.OutputSlot(spec.HeadlineSlot)); ok && len(deck.Categories) > 0 {
			cat := deck.Categories[0]
			for _, o := range cat.Options {
				variants = append(variants, o.Label)
			}
			if sel, ok := in.View[spec.HeadlineSlot].(map[string]any); ok {
				if chosen := firstLabel(sel[cat.ID]); chosen != "" {
					headline = chosen
				}
			}
		}
	}
	headline = strings.TrimSpace(headline)

	return &models.FinalArtifact{
		Kind:             models.ArtifactManuscript,
		SquadID:          in.Squad.ID,
		Headline:         headline,
		HeadlineVariants: variants,
		Body:             body,
		Manuscript:       fmt.Sprintf("# %s\n\n%s\n", headline, body),
	}, nil
}

func firstLabel(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []any:
		if len(t) > 0 {
			if s, ok := t[0].(string); ok {
				return s
			}
		}
	}
	return ""
}

// compileSpec flattens every stage's decisions into one locked spec. Draft
// bodies are kept under the stage slot's name.
func compileSpec(in Input) (*models.FinalArtifact, error) {
	spec := &models.LockedSpec{
		Squad:   in.Squad.ID,
		Idea:    in.Idea,
		Fields:  make(map[string]any),
		Sources: make(map[string]string),
	}
	put := func(key, slot string, value any) error {
		if prev, ok := spec.Sources[key]; ok {
			return &models.SchemaViolationError{
				Field:  key,
				Reason: fmt.Sprintf("decided by both %q and %q", prev, slot),
			}
		}
		spec.Fields[key] = value
		spec.Sources[key] = slot
		return nil
	}

	for _, slot := range in.Slots {
		if sel, ok := in.View[slot].(map[string]any); ok {
			for _, key := range sortedKeys(sel) {
				if err := put(key, slot, sel[key]); err != nil {
					return nil, err
				}
			}
		}
		if deck, ok := in.View.Deck(models.OutputSlot(slot)); ok && strings.TrimSpace(deck.Body) != "" {
			if err := put(slot, models.OutputSlot(slot), deck.Body); err != nil {
				return nil, err
			}
		}
	}

	return &models.FinalArtifact{
		Kind:    models.ArtifactSpec,
		SquadID: in.Squad.ID,
		Spec:    spec,
	}, nil
}

func formatValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []any:
		parts := make([]string, 0, len(t))
		for _, x := range t {
			parts = append(parts, fmt.Sprint(x))
		}
		if len(parts) == 0 {
			return "(none)"
		}
		return strings.Join(parts, ", ")
	default:
		return fmt.Sprint(v)
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
