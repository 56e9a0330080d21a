// Package registry loads the static catalog of agents, squads and brains.
// A Registry is read-only once Load returns and may be shared by every session.
package registry

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/mpataki/studio/internal/models"
	"github.com/mpataki/studio/internal/prompt"
	"gopkg.in/yaml.v3"
)

//go:embed squads.yaml
var defaultRegistry []byte

// DefaultProvider is used by agents that name no provider.
const DefaultProvider = "default"

// DefaultTemplate renders agents that declare no template of their own.
const DefaultTemplate = `You are {{agent}}, who {{role}}, in the {{squad}} studio.

Project idea: {{idea}}

Decisions so far:
{{context}}

{{brain}}

{{revision_note}}
{{relay}}

{{contract}}
`

// Document is the YAML layout of one registry file.
type Document struct {
	Manager string                    `yaml:"manager,omitempty"`
	Agents  []*models.AgentDescriptor `yaml:"agents"`
	Squads  []*models.Squad           `yaml:"squads"`
	Brains  []*models.Brain           `yaml:"brains"`
}

type Registry struct {
	agents  map[string]*models.AgentDescriptor
	squads  map[string]*models.Squad
	brains  map[string]*models.Brain
	manager string
}

func newRegistry() *Registry {
	return &Registry{
		agents: make(map[string]*models.AgentDescriptor),
		squads: make(map[string]*models.Squad),
		brains: make(map[string]*models.Brain),
	}
}

func Parse(data []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse registry YAML: %w", err)
	}
	for _, a := range doc.Agents {
		if a.Provider == "" {
			a.Provider = DefaultProvider
		}
		if a.Contract == "" {
			a.Contract = models.ContractJSON
		}
		if a.Class == "" {
			a.Class = models.AgentStandard
		}
		if a.Template == "" {
			a.Template = DefaultTemplate
		}
	}
	return &doc, nil
}

func ParseFile(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read registry file: %w", err)
	}
	return Parse(data)
}

// Default returns the embedded registry.
func Default() (*Registry, error) {
	return Load(nil)
}

// Load reads the embedded registry, overlays every YAML file found in dirs
// (later directories win by id) and validates the result.
func Load(dirs []string) (*Registry, error) {
	r := newRegistry()
	doc, err := Parse(defaultRegistry)
	if err != nil {
		return nil, err
	}
	r.merge(doc)

	for _, dir := range dirs {
		if err := r.loadFromDir(dir); err != nil {
			// Skip directories that don't exist
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
	}

	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// FromDocuments builds a registry from already parsed documents without the
// embedded defaults.
func FromDocuments(docs ...*Document) (*Registry, error) {
	r := newRegistry()
	for _, d := range docs {
		r.merge(d)
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) loadFromDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}
		path := filepath.Join(dir, name)
		doc, err := ParseFile(path)
		if err != nil {
			return fmt.Errorf("failed to parse %s: %w", path, err)
		}
		for _, s := range doc.Squads {
			if s.RevisionPolicy != "" && !filepath.IsAbs(s.RevisionPolicy) {
				s.RevisionPolicy = filepath.Join(dir, s.RevisionPolicy)
			}
		}
		r.merge(doc)
	}
	return nil
}

func (r *Registry) merge(doc *Document) {
	for _, a := range doc.Agents {
		r.agents[a.ID] = a
	}
	for _, s := range doc.Squads {
		r.squads[s.ID] = s
	}
	for _, b := range doc.Brains {
		r.brains[b.ID] = b
	}
	if doc.Manager != "" {
		r.manager = doc.Manager
	}
}

// Validate collects every problem in the catalog into one error.
func (r *Registry) Validate() error {
	var errs []error
	if len(r.squads) == 0 {
		errs = append(errs, fmt.Errorf("registry must define at least one squad"))
	}

	for _, id := range sortedKeys(r.agents) {
		a := r.agents[id]
		if a.ID == "" {
			errs = append(errs, fmt.Errorf("agent must have an id"))
			continue
		}
		if a.Shape != models.ShapeRouter && !a.Shape.IsDeckShape() {
			errs = append(errs, fmt.Errorf("agent %q: unknown shape %q", id, a.Shape))
		}
		if a.Contract != models.ContractJSON && a.Contract != models.ContractText {
			errs = append(errs, fmt.Errorf("agent %q: unknown contract %q", id, a.Contract))
		}
		if a.Class == models.AgentCritic && a.Shape != models.ShapeRisk {
			errs = append(errs, fmt.Errorf("agent %q: critic agents must use the risk shape", id))
		}
		if len(a.Categories) > 0 && a.Shape != models.ShapeStrategy {
			errs = append(errs, fmt.Errorf("agent %q: categories only apply to the strategy shape", id))
		}
		if err := prompt.Check(a.Template); err != nil {
			errs = append(errs, fmt.Errorf("agent %q: %w", id, err))
		}
		if a.Brain != "" {
			if _, ok := r.brains[a.Brain]; !ok {
				errs = append(errs, fmt.Errorf("agent %q: brain %q not found", id, a.Brain))
			}
		}
	}

	for _, id := range sortedKeys(r.squads) {
		s := r.squads[id]
		if len(s.Stages) == 0 {
			errs = append(errs, fmt.Errorf("squad %q must have at least one stage", id))
		}
		slots := make(map[string]string)
		for _, stageID := range s.Stages {
			a, ok := r.agents[stageID]
			if !ok {
				errs = append(errs, fmt.Errorf("squad %q: stage %q not found in agents", id, stageID))
				continue
			}
			if a.Class == models.AgentManager || a.Shape == models.ShapeRouter {
				errs = append(errs, fmt.Errorf("squad %q: manager agent %q cannot be a stage", id, stageID))
			}
			if a.Slot == "" {
				errs = append(errs, fmt.Errorf("squad %q: stage %q has no slot", id, stageID))
				continue
			}
			if models.IsReservedSlot(a.Slot) || models.IsOutputSlot(a.Slot) {
				errs = append(errs, fmt.Errorf("squad %q: stage %q uses reserved slot %q", id, stageID, a.Slot))
			}
			if other, dup := slots[a.Slot]; dup {
				errs = append(errs, fmt.Errorf("squad %q: slot %q written by both %q and %q", id, a.Slot, other, stageID))
			}
			slots[a.Slot] = stageID
			for _, read := range prompt.Slots(a.Template) {
				base := strings.TrimSuffix(read, ".output")
				if _, ok := slots[base]; !ok && !models.IsReservedSlot(base) {
					errs = append(errs, fmt.Errorf("squad %q: stage %q reads slot %q before it is written", id, stageID, read))
				}
			}
		}
		switch s.Compiler.Kind {
		case models.CompilerCoding, models.CompilerLockedSpec:
		case models.CompilerText:
			if _, ok := slots[s.Compiler.DraftSlot]; !ok {
				errs = append(errs, fmt.Errorf("squad %q: draft slot %q is not written by any stage", id, s.Compiler.DraftSlot))
			}
			if s.Compiler.HeadlineSlot != "" {
				if _, ok := slots[s.Compiler.HeadlineSlot]; !ok {
					errs = append(errs, fmt.Errorf("squad %q: headline slot %q is not written by any stage", id, s.Compiler.HeadlineSlot))
				}
			}
		default:
			errs = append(errs, fmt.Errorf("squad %q: unknown compiler kind %q", id, s.Compiler.Kind))
		}
	}

	if r.manager == "" {
		errs = append(errs, fmt.Errorf("registry must name a manager agent"))
	} else if m, ok := r.agents[r.manager]; !ok {
		errs = append(errs, fmt.Errorf("manager agent %q not found in agents", r.manager))
	} else if m.Shape != models.ShapeRouter {
		errs = append(errs, fmt.Errorf("manager agent %q must use the router shape", r.manager))
	}

	return errors.Join(errs...)
}

// Squad returns the squad with the given id.
func (r *Registry) Squad(id string) (*models.Squad, error) {
	s, ok := r.squads[id]
	if !ok {
		return nil, &models.UnknownSquadError{Squad: id}
	}
	return s, nil
}

func (r *Registry) Agent(id string) (*models.AgentDescriptor, error) {
	a, ok := r.agents[id]
	if !ok {
		return nil, &models.UnknownStageError{Stage: id}
	}
	return a, nil
}

// Stage resolves the agent at position index of the squad.
func (r *Registry) Stage(squad *models.Squad, index int) (*models.AgentDescriptor, error) {
	if index < 0 || index >= len(squad.Stages) {
		return nil, &models.UnknownStageError{Stage: fmt.Sprintf("%s[%d]", squad.ID, index)}
	}
	return r.Agent(squad.Stages[index])
}

// StageForSlot returns the index of the stage that writes slot. Output slots
// resolve to the stage that produced them.
func (r *Registry) StageForSlot(squad *models.Squad, slot string) (int, bool) {
	slot = strings.TrimSuffix(slot, ".output")
	for i, id := range squad.Stages {
		if a, ok := r.agents[id]; ok && a.Slot == slot {
			return i, true
		}
	}
	return 0, false
}

func (r *Registry) Manager() *models.AgentDescriptor {
	return r.agents[r.manager]
}

func (r *Registry) Brain(id string) (*models.Brain, bool) {
	b, ok := r.brains[id]
	return b, ok
}

// Squads returns every squad sorted by id.
func (r *Registry) Squads() []*models.Squad {
	out := make([]*models.Squad, 0, len(r.squads))
	for _, id := range sortedKeys(r.squads) {
		out = append(out, r.squads[id])
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
