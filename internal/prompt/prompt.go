// Package prompt renders agent templates by plain placeholder substitution.
// Templates never execute code.
package prompt

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/mpataki/studio/internal/accumulator"
	"github.com/mpataki/studio/internal/models"
)

// Data is everything a template may reference.
type Data struct {
	Idea         string
	Squad        string
	Agent        *models.AgentDescriptor
	Context      accumulator.View
	Brain        *models.Brain
	RevisionNote string
	Relay        string
	Message      string
}

var placeholderRe = regexp.MustCompile(`\{\{(.*?)\}\}`)

var names = map[string]bool{
	"idea":          true,
	"squad":         true,
	"agent":         true,
	"role":          true,
	"context":       true,
	"slot":          true,
	"brain":         true,
	"contract":      true,
	"revision_note": true,
	"relay":         true,
	"message":       true,
}

type placeholder struct {
	name string
	arg  string
}

func parse(inner string) (placeholder, error) {
	inner = strings.TrimSpace(inner)
	name, arg, hasArg := strings.Cut(inner, ":")
	name = strings.TrimSpace(name)
	arg = strings.TrimSpace(arg)
	if !names[name] {
		return placeholder{}, fmt.Errorf("unknown placeholder {{%s}}", inner)
	}
	if name == "slot" && (!hasArg || arg == "") {
		return placeholder{}, fmt.Errorf("placeholder {{slot}} needs a slot name")
	}
	if name != "slot" && hasArg {
		return placeholder{}, fmt.Errorf("placeholder {{%s}} takes no argument", name)
	}
	return placeholder{name: name, arg: arg}, nil
}

// Check reports the first unknown or malformed placeholder in tmpl.
func Check(tmpl string) error {
	for _, m := range placeholderRe.FindAllStringSubmatch(tmpl, -1) {
		if _, err := parse(m[1]); err != nil {
			return err
		}
	}
	return nil
}

// Slots lists the slot names tmpl reads through {{slot:NAME}}.
func Slots(tmpl string) []string {
	var out []string
	for _, m := range placeholderRe.FindAllStringSubmatch(tmpl, -1) {
		if p, err := parse(m[1]); err == nil && p.name == "slot" {
			out = append(out, p.arg)
		}
	}
	return out
}

// Render substitutes every placeholder in tmpl.
func Render(tmpl string, d Data) (string, error) {
	var firstErr error
	out := placeholderRe.ReplaceAllStringFunc(tmpl, func(match string) string {
		p, err := parse(match[2 : len(match)-2])
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			return match
		}
		return d.value(p)
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

func (d Data) value(p placeholder) string {
	switch p.name {
	case "idea":
		return d.Idea
	case "squad":
		return d.Squad
	case "agent":
		if d.Agent == nil {
			return ""
		}
		if d.Agent.Name != "" {
			return d.Agent.Name
		}
		return d.Agent.ID
	case "role":
		if d.Agent == nil {
			return ""
		}
		return d.Agent.Role
	case "context":
		return renderContext(d.Context)
	case "slot":
		return d.Context.String(p.arg)
	case "brain":
		return RenderBrain(d.Brain)
	case "contract":
		if d.Agent == nil {
			return ""
		}
		return Contract(d.Agent)
	case "revision_note":
		return d.RevisionNote
	case "relay":
		return d.Relay
	case "message":
		return d.Message
	}
	return ""
}

func renderContext(v accumulator.View) string {
	if len(v) == 0 {
		return "{}"
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}

// RenderBrain formats typed reference data as markdown.
func RenderBrain(b *models.Brain) string {
	if b == nil {
		return ""
	}
	var sb strings.Builder
	if b.Title != "" {
		sb.WriteString("## " + b.Title + "\n")
	}
	for _, p := range b.Principles {
		sb.WriteString("- " + p + "\n")
	}
	if len(b.Glossary) > 0 {
		terms := make([]string, 0, len(b.Glossary))
		for t := range b.Glossary {
			terms = append(terms, t)
		}
		sort.Strings(terms)
		sb.WriteString("\nGlossary:\n")
		for _, t := range terms {
			sb.WriteString(fmt.Sprintf("- %s: %s\n", t, b.Glossary[t]))
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

// Contract returns the output instructions for an agent's declared shape,
// with a JSON example the agent should follow.
func Contract(desc *models.AgentDescriptor) string {
	if desc.Contract == models.ContractText {
		return "Respond with plain text only. Do not wrap the answer in JSON."
	}

	var example map[string]any
	option := func(label string, rec bool) map[string]any {
		o := map[string]any{"label": label, "description": "one sentence"}
		if rec {
			o["recommended"] = true
		}
		return o
	}
	switch desc.Shape {
	case models.ShapeStrategy:
		example = map[string]any{"summary": "your summary here"}
		cats := desc.Categories
		if len(cats) == 0 {
			cats = []string{"direction"}
		}
		for _, c := range cats {
			example[c+"_options"] = []any{option("first choice", true), option("second choice", false)}
		}
	case models.ShapeRisk:
		example = map[string]any{
			"summary": "your summary here",
			"risk_options": []any{map[string]any{
				"id":         "risk_id",
				"question":   "what should we do about it?",
				"severity":   "high",
				"references": []string{"slot_the_risk_concerns"},
				"options":    []any{option("fix it", true), option("accept it", false)},
			}},
		}
	case models.ShapeWildcards:
		example = map[string]any{
			"summary":   "your summary here",
			"wildcards": []any{option("unexpected idea", false)},
		}
	case models.ShapeManifest:
		example = map[string]any{
			"summary": "your summary here",
			"files":   []any{map[string]any{"path": "relative/path.ext", "content": "full file content"}},
		}
	case models.ShapeDraft:
		example = map[string]any{
			"summary": "your summary here",
			"body":    "the full draft",
		}
	case models.ShapeRouter:
		example = map[string]any{
			"action":       "reply | switch | relay",
			"reply":        "answer to the user",
			"target_squad": "squad id, only for switch",
			"relay":        "instruction for the current agent, only for relay",
		}
	default:
		example = map[string]any{
			"summary": "your summary here",
			"categories": []any{map[string]any{
				"id":       "category_id",
				"question": "what the human should decide",
				"multi":    false,
				"options":  []any{option("first choice", true), option("second choice", false)},
			}},
		}
	}

	data, _ := json.MarshalIndent(example, "", "  ")
	var sb strings.Builder
	sb.WriteString("IMPORTANT: Respond with a single JSON object and nothing else.\n\n")
	sb.WriteString("Example:\n```json\n" + string(data) + "\n```\n")
	if desc.Shape == models.ShapeStrategy && len(desc.Categories) > 0 {
		sb.WriteString(fmt.Sprintf("\nRequired option arrays: %s", strings.Join(prefixed(desc.Categories), ", ")))
	}
	if desc.Shape != models.ShapeRouter {
		sb.WriteString("\nOption labels must be unique within a category. Mark at most one option per category as recommended.")
	}
	return sb.String()
}

func prefixed(cats []string) []string {
	out := make([]string, len(cats))
	for i, c := range cats {
		out[i] = c + "_options"
	}
	return out
}
