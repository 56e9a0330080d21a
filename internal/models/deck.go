package models

import (
	"encoding/json"
	"fmt"
)

// ShapeTag names one of the known response shapes an agent may declare.
type ShapeTag string

const (
	ShapeDeck      ShapeTag = "deck"
	ShapeStrategy  ShapeTag = "strategy"
	ShapeRisk      ShapeTag = "risk"
	ShapeWildcards ShapeTag = "wildcards"
	ShapeManifest  ShapeTag = "manifest"
	ShapeDraft     ShapeTag = "draft"
	ShapeRouter    ShapeTag = "router"
)

// IsDeckShape reports whether the shape normalizes into a Deck.
func (s ShapeTag) IsDeckShape() bool {
	switch s {
	case ShapeDeck, ShapeStrategy, ShapeRisk, ShapeWildcards, ShapeManifest, ShapeDraft:
		return true
	}
	return false
}

const SeverityHigh = "high"

// Deck is the normalized output of one stage. Kind records which variant the
// agent answered with; downstream code switches on Kind, never on raw fields.
type Deck struct {
	Kind       ShapeTag       `json:"kind"`
	Summary    string         `json:"summary"`
	Categories []Category     `json:"categories"`
	Files      []File         `json:"files,omitempty"`
	Body       string         `json:"body,omitempty"`
	Extra      map[string]any `json:"extra,omitempty"`
}

type Category struct {
	ID         string   `json:"id"`
	Question   string   `json:"question"`
	Multi      bool     `json:"multi,omitempty"`
	Severity   string   `json:"severity,omitempty"`
	References []string `json:"references,omitempty"`
	Options    []Option `json:"options"`
}

type Option struct {
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
	Recommended bool   `json:"recommended,omitempty"`
	Severity    string `json:"severity,omitempty"`
	Category    string `json:"category,omitempty"`
}

type File struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// Category returns the category with the given id.
func (d *Deck) Category(id string) (*Category, bool) {
	for i := range d.Categories {
		if d.Categories[i].ID == id {
			return &d.Categories[i], true
		}
	}
	return nil, false
}

// Recommended returns the option the agent flagged as recommended, if any.
func (c *Category) Recommended() (*Option, bool) {
	for i := range c.Options {
		if c.Options[i].Recommended {
			return &c.Options[i], true
		}
	}
	return nil, false
}

func (c *Category) hasLabel(label string) bool {
	for _, o := range c.Options {
		if o.Label == label {
			return true
		}
	}
	return false
}

func (d *Deck) Clone() *Deck {
	if d == nil {
		return nil
	}
	data, err := json.Marshal(d)
	if err != nil {
		panic(fmt.Sprintf("deck clone: %v", err))
	}
	var c Deck
	if err := json.Unmarshal(data, &c); err != nil {
		panic(fmt.Sprintf("deck clone: %v", err))
	}
	return &c
}

// Selection maps a category id to the labels the human chose.
type Selection map[string][]string

// UnmarshalJSON accepts either a label string or an array of labels per category.
func (s *Selection) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(Selection, len(raw))
	for cat, v := range raw {
		var one string
		if err := json.Unmarshal(v, &one); err == nil {
			out[cat] = []string{one}
			continue
		}
		var many []string
		if err := json.Unmarshal(v, &many); err != nil {
			return fmt.Errorf("selection for %q must be a label or a list of labels", cat)
		}
		if many == nil {
			many = []string{}
		}
		out[cat] = many
	}
	*s = out
	return nil
}

func (s Selection) Clone() Selection {
	if s == nil {
		return nil
	}
	c := make(Selection, len(s))
	for k, v := range s {
		c[k] = append([]string(nil), v...)
	}
	return c
}

// Validate checks the selection against the deck it answers. Single-select
// categories need exactly one known label; multi-select categories accept any
// subset, including none.
func (s Selection) Validate(d *Deck) error {
	for cat := range s {
		if _, ok := d.Category(cat); !ok {
			return &InvalidSelectionError{Category: cat, Reason: "unknown category"}
		}
	}
	for i := range d.Categories {
		c := &d.Categories[i]
		labels, ok := s[c.ID]
		if !c.Multi {
			if !ok || len(labels) != 1 {
				return &InvalidSelectionError{Category: c.ID, Reason: "exactly one label required"}
			}
		}
		seen := make(map[string]bool, len(labels))
		for _, l := range labels {
			if !c.hasLabel(l) {
				return &InvalidSelectionError{Category: c.ID, Reason: fmt.Sprintf("unknown label %q", l)}
			}
			if seen[l] {
				return &InvalidSelectionError{Category: c.ID, Reason: fmt.Sprintf("label %q chosen twice", l)}
			}
			seen[l] = true
		}
	}
	return nil
}

// SlotValue converts the selection into the value written to the stage's
// context slot: a label for single-select categories, a label list for
// multi-select ones.
func (s Selection) SlotValue(d *Deck) map[string]any {
	out := make(map[string]any, len(d.Categories))
	for _, c := range d.Categories {
		labels := s[c.ID]
		if c.Multi {
			list := make([]any, len(labels))
			for i, l := range labels {
				list[i] = l
			}
			out[c.ID] = list
			continue
		}
		if len(labels) > 0 {
			out[c.ID] = labels[0]
		}
	}
	return out
}

type RouterAction string

const (
	RouteReply  RouterAction = "reply"
	RouteSwitch RouterAction = "switch"
	RouteRelay  RouterAction = "relay"
)

// RouterDecision is the normalized answer of the manager agent.
type RouterDecision struct {
	Action      RouterAction   `json:"action"`
	Reply       string         `json:"reply,omitempty"`
	TargetSquad string         `json:"target_squad,omitempty"`
	Relay       string         `json:"relay,omitempty"`
	Extra       map[string]any `json:"extra,omitempty"`
}

type ArtifactKind string

const (
	ArtifactManifest   ArtifactKind = "manifest"
	ArtifactManuscript ArtifactKind = "manuscript"
	ArtifactSpec       ArtifactKind = "spec"
)

// FinalArtifact is what a squad's compiler produces.
type FinalArtifact struct {
	Kind             ArtifactKind `json:"kind"`
	SquadID          string       `json:"squad_id"`
	Files            []File       `json:"files,omitempty"`
	Headline         string       `json:"headline,omitempty"`
	HeadlineVariants []string     `json:"headline_variants,omitempty"`
	Body             string       `json:"body,omitempty"`
	Manuscript       string       `json:"manuscript,omitempty"`
	Spec             *LockedSpec  `json:"spec,omitempty"`
}

// LockedSpec is the flattened decision record for visual squads.
type LockedSpec struct {
	Squad   string            `json:"squad"`
	Idea    string            `json:"idea"`
	Fields  map[string]any    `json:"fields"`
	Sources map[string]string `json:"sources"` // field -> slot it came from
}
