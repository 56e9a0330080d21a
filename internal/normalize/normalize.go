// Package normalize turns raw agent text into one of the known Deck variants
// or a router decision. It is the only place that looks at raw response shape.
package normalize

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/mpataki/studio/internal/models"
)

// Result is a tagged union: exactly one of Deck or Decision is set, matching Shape.
type Result struct {
	Shape    models.ShapeTag
	Deck     *models.Deck
	Decision *models.RouterDecision
}

// Expect describes what the caller expects the raw text to contain.
type Expect struct {
	Shape      models.ShapeTag
	Contract   models.Contract
	Categories []string // required strategy categories
}

// ForAgent normalizes raw output against an agent's declared contract.
func ForAgent(raw string, desc *models.AgentDescriptor) (*Result, error) {
	return NormalizeExpect(raw, Expect{
		Shape:      desc.Shape,
		Contract:   desc.Contract,
		Categories: desc.Categories,
	})
}

// Normalize parses raw into the given shape.
func Normalize(raw string, shape models.ShapeTag) (*Result, error) {
	return NormalizeExpect(raw, Expect{Shape: shape})
}

func NormalizeExpect(raw string, exp Expect) (*Result, error) {
	if exp.Contract == models.ContractText && exp.Shape != models.ShapeRouter {
		return textDeck(raw)
	}

	body := Strip(raw)
	var parsed any
	if err := json.Unmarshal([]byte(body), &parsed); err != nil {
		return nil, &models.MalformedOutputError{Raw: raw, Err: err}
	}
	obj, ok := parsed.(map[string]any)
	if !ok {
		return nil, &models.SchemaViolationError{Field: "$", Reason: "expected a JSON object"}
	}
	fields := make(map[string]json.RawMessage, len(obj))
	if err := json.Unmarshal([]byte(body), &fields); err != nil {
		return nil, &models.MalformedOutputError{Raw: raw, Err: err}
	}

	if exp.Shape == models.ShapeRouter {
		d, err := decodeRouter(fields)
		if err != nil {
			return nil, err
		}
		return &Result{Shape: models.ShapeRouter, Decision: d}, nil
	}
	if !exp.Shape.IsDeckShape() {
		return nil, fmt.Errorf("unknown shape %q", exp.Shape)
	}

	var (
		deck *models.Deck
		err  error
	)
	if isCanonical(fields) {
		deck, err = decodeCanonical(fields, exp.Shape)
	} else {
		deck, err = decodeShape(fields, exp)
	}
	if err != nil {
		return nil, err
	}
	canonicalize(deck)
	if err := validateDeck(deck); err != nil {
		return nil, err
	}
	return &Result{Shape: exp.Shape, Deck: deck}, nil
}

var (
	fenceRe     = regexp.MustCompile("(?s)```[A-Za-z0-9_-]*[ \t]*\r?\n?(.*?)```")
	fenceOpenRe = regexp.MustCompile("```[A-Za-z0-9_-]*[ \t]*\r?\n?")
)

// Strip removes formatting noise around a JSON object. Candidates are tried
// in order and the first that is valid JSON wins: the whole text, the span
// from the first opening fence to the last closing fence, the first fenced
// block, and the outermost brace span. A fence inside a JSON string value
// never ends the object early.
func Strip(raw string) string {
	s := strings.TrimSpace(raw)
	if (strings.HasPrefix(s, "{") || strings.HasPrefix(s, "[")) && json.Valid([]byte(s)) {
		return s
	}

	var candidates []string
	if loc := fenceOpenRe.FindStringIndex(s); loc != nil {
		if last := strings.LastIndex(s, "```"); last >= loc[1] {
			candidates = append(candidates, strings.TrimSpace(s[loc[1]:last]))
		}
	}
	if m := fenceRe.FindStringSubmatch(s); m != nil {
		candidates = append(candidates, strings.TrimSpace(m[1]))
	}
	if start, end := strings.Index(s, "{"), strings.LastIndex(s, "}"); start >= 0 && end > start {
		candidates = append(candidates, s[start:end+1])
	}
	for _, c := range candidates {
		if json.Valid([]byte(c)) {
			return c
		}
	}
	if len(candidates) > 0 {
		return candidates[0]
	}
	return s
}

func isCanonical(fields map[string]json.RawMessage) bool {
	_, hasKind := fields["kind"]
	_, hasCats := fields["categories"]
	return hasKind && hasCats
}

func decodeCanonical(fields map[string]json.RawMessage, shape models.ShapeTag) (*models.Deck, error) {
	var kind models.ShapeTag
	if err := json.Unmarshal(fields["kind"], &kind); err != nil {
		return nil, &models.SchemaViolationError{Field: "kind", Reason: "expected a string"}
	}
	if kind != shape {
		return nil, &models.SchemaViolationError{Field: "kind", Reason: fmt.Sprintf("got %q, want %q", kind, shape)}
	}
	summary, err := requiredString(fields, "summary")
	if err != nil {
		return nil, err
	}
	deck := &models.Deck{Kind: kind, Summary: summary}
	if deck.Categories, err = decodeCategories("categories", fields["categories"], false); err != nil {
		return nil, err
	}
	if raw, ok := fields["files"]; ok {
		if deck.Files, err = decodeFiles(raw); err != nil {
			return nil, err
		}
	}
	if raw, ok := fields["body"]; ok {
		if err := json.Unmarshal(raw, &deck.Body); err != nil {
			return nil, &models.SchemaViolationError{Field: "body", Reason: "expected a string"}
		}
	}
	if raw, ok := fields["extra"]; ok {
		if err := json.Unmarshal(raw, &deck.Extra); err != nil {
			return nil, &models.SchemaViolationError{Field: "extra", Reason: "expected an object"}
		}
	}
	consumed := map[string]bool{"kind": true, "summary": true, "categories": true, "files": true, "body": true, "extra": true}
	keepExtra(deck, fields, consumed)
	return deck, nil
}

func decodeShape(fields map[string]json.RawMessage, exp Expect) (*models.Deck, error) {
	summary, err := requiredString(fields, "summary")
	if err != nil {
		return nil, err
	}
	deck := &models.Deck{Kind: exp.Shape, Summary: summary}
	consumed := map[string]bool{"summary": true}

	switch exp.Shape {
	case models.ShapeDeck:
		raw, ok := fields["categories"]
		if !ok {
			return nil, &models.SchemaViolationError{Field: "categories", Reason: "missing"}
		}
		if deck.Categories, err = decodeCategories("categories", raw, false); err != nil {
			return nil, err
		}
		consumed["categories"] = true

	case models.ShapeStrategy:
		if deck.Categories, err = decodeStrategy(fields, exp.Categories, consumed); err != nil {
			return nil, err
		}

	case models.ShapeRisk:
		raw, ok := fields["risk_options"]
		if !ok {
			return nil, &models.SchemaViolationError{Field: "risk_options", Reason: "missing"}
		}
		if deck.Categories, err = decodeCategories("risk_options", raw, true); err != nil {
			return nil, err
		}
		consumed["risk_options"] = true

	case models.ShapeWildcards:
		raw, ok := fields["wildcards"]
		if !ok {
			return nil, &models.SchemaViolationError{Field: "wildcards", Reason: "missing"}
		}
		opts, err := decodeOptions("wildcards", raw)
		if err != nil {
			return nil, err
		}
		deck.Categories = []models.Category{{
			ID:       "wildcards",
			Question: "Which wildcards should be kept?",
			Multi:    true,
			Options:  opts,
		}}
		consumed["wildcards"] = true

	case models.ShapeManifest:
		raw, ok := fields["files"]
		if !ok {
			return nil, &models.SchemaViolationError{Field: "files", Reason: "missing"}
		}
		if deck.Files, err = decodeFiles(raw); err != nil {
			return nil, err
		}
		consumed["files"] = true
		if err := optionalCategories(fields, deck, consumed); err != nil {
			return nil, err
		}

	case models.ShapeDraft:
		body, err := requiredString(fields, "body")
		if err != nil {
			return nil, err
		}
		deck.Body = body
		consumed["body"] = true
		if err := optionalCategories(fields, deck, consumed); err != nil {
			return nil, err
		}
	}

	keepExtra(deck, fields, consumed)
	return deck, nil
}

// keepExtra copies every unconsumed top-level field into deck.Extra. A field
// already present in Extra is not overwritten.
func keepExtra(deck *models.Deck, fields map[string]json.RawMessage, consumed map[string]bool) {
	for k, v := range fields {
		if consumed[k] {
			continue
		}
		if _, dup := deck.Extra[k]; dup {
			continue
		}
		var val any
		if err := json.Unmarshal(v, &val); err != nil {
			continue
		}
		if deck.Extra == nil {
			deck.Extra = make(map[string]any)
		}
		deck.Extra[k] = val
	}
}

func optionalCategories(fields map[string]json.RawMessage, deck *models.Deck, consumed map[string]bool) error {
	raw, ok := fields["categories"]
	if !ok {
		return nil
	}
	cats, err := decodeCategories("categories", raw, false)
	if err != nil {
		return err
	}
	deck.Categories = cats
	consumed["categories"] = true
	return nil
}

// decodeStrategy reads named option arrays ("format_options", ...), either at
// the top level or nested under "strategy_options".
func decodeStrategy(fields map[string]json.RawMessage, required []string, consumed map[string]bool) ([]models.Category, error) {
	source := fields
	nested := false
	if raw, ok := fields["strategy_options"]; ok {
		var inner map[string]json.RawMessage
		if err := json.Unmarshal(raw, &inner); err != nil {
			return nil, &models.SchemaViolationError{Field: "strategy_options", Reason: "expected an object"}
		}
		source = inner
		nested = true
		consumed["strategy_options"] = true
	}

	questions := map[string]string{}
	if raw, ok := fields["questions"]; ok {
		if err := json.Unmarshal(raw, &questions); err != nil {
			return nil, &models.SchemaViolationError{Field: "questions", Reason: "expected an object of strings"}
		}
		consumed["questions"] = true
	}

	var ids []string
	for _, id := range required {
		if _, ok := source[id+"_options"]; !ok {
			return nil, &models.SchemaViolationError{Field: id + "_options", Reason: "missing"}
		}
		ids = append(ids, id)
	}
	if len(required) == 0 {
		for k := range source {
			if strings.HasSuffix(k, "_options") && k != "strategy_options" && k != "risk_options" {
				ids = append(ids, strings.TrimSuffix(k, "_options"))
			}
		}
		sort.Strings(ids)
	}
	if len(ids) == 0 {
		return nil, &models.SchemaViolationError{Field: "*_options", Reason: "no option arrays"}
	}

	cats := make([]models.Category, 0, len(ids))
	for _, id := range ids {
		key := id + "_options"
		opts, err := decodeOptions(key, source[key])
		if err != nil {
			return nil, err
		}
		q := questions[id]
		if q == "" {
			q = "Choose a " + strings.ReplaceAll(id, "_", " ")
		}
		cats = append(cats, models.Category{ID: id, Question: q, Options: opts})
		if !nested {
			consumed[key] = true
		}
	}
	return cats, nil
}

type rawCategory struct {
	ID         *string         `json:"id"`
	Question   string          `json:"question"`
	Multi      bool            `json:"multi"`
	Severity   string          `json:"severity"`
	References []string        `json:"references"`
	Options    json.RawMessage `json:"options"`
}

func decodeCategories(field string, raw json.RawMessage, risk bool) ([]models.Category, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, &models.SchemaViolationError{Field: field, Reason: "expected an array"}
	}
	cats := make([]models.Category, 0, len(items))
	for i, item := range items {
		path := fmt.Sprintf("%s[%d]", field, i)
		var rc rawCategory
		if err := json.Unmarshal(item, &rc); err != nil {
			return nil, &models.SchemaViolationError{Field: path, Reason: "expected an object"}
		}
		if rc.ID == nil || strings.TrimSpace(*rc.ID) == "" {
			return nil, &models.SchemaViolationError{Field: path + ".id", Reason: "missing"}
		}
		if len(rc.Options) == 0 {
			return nil, &models.SchemaViolationError{Field: path + ".options", Reason: "missing"}
		}
		opts, err := decodeOptions(path+".options", rc.Options)
		if err != nil {
			return nil, err
		}
		if risk && strings.TrimSpace(rc.Severity) == "" {
			return nil, &models.SchemaViolationError{Field: path + ".severity", Reason: "missing"}
		}
		cats = append(cats, models.Category{
			ID:         strings.TrimSpace(*rc.ID),
			Question:   rc.Question,
			Multi:      rc.Multi,
			Severity:   normalizeSeverity(rc.Severity),
			References: rc.References,
			Options:    opts,
		})
	}
	return cats, nil
}

type rawOption struct {
	Label       *string `json:"label"`
	Description string  `json:"description"`
	Recommended bool    `json:"recommended"`
	Severity    string  `json:"severity"`
	Category    string  `json:"category"`
}

func decodeOptions(field string, raw json.RawMessage) ([]models.Option, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, &models.SchemaViolationError{Field: field, Reason: "expected an array"}
	}
	opts := make([]models.Option, 0, len(items))
	for i, item := range items {
		path := fmt.Sprintf("%s[%d]", field, i)
		var label string
		if err := json.Unmarshal(item, &label); err == nil {
			opts = append(opts, models.Option{Label: strings.TrimSpace(label)})
		} else {
			var ro rawOption
			if err := json.Unmarshal(item, &ro); err != nil {
				return nil, &models.SchemaViolationError{Field: path, Reason: "expected an object or a label"}
			}
			if ro.Label == nil {
				return nil, &models.SchemaViolationError{Field: path + ".label", Reason: "missing"}
			}
			opts = append(opts, models.Option{
				Label:       strings.TrimSpace(*ro.Label),
				Description: ro.Description,
				Recommended: ro.Recommended,
				Severity:    normalizeSeverity(ro.Severity),
				Category:    ro.Category,
			})
		}
		if opts[len(opts)-1].Label == "" {
			return nil, &models.SchemaViolationError{Field: path + ".label", Reason: "empty"}
		}
	}
	return opts, nil
}

func decodeFiles(raw json.RawMessage) ([]models.File, error) {
	var items []struct {
		Path    *string `json:"path"`
		Content *string `json:"content"`
	}
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, &models.SchemaViolationError{Field: "files", Reason: "expected an array of {path, content}"}
	}
	files := make([]models.File, 0, len(items))
	seen := make(map[string]bool, len(items))
	for i, it := range items {
		path := fmt.Sprintf("files[%d]", i)
		if it.Path == nil || strings.TrimSpace(*it.Path) == "" {
			return nil, &models.SchemaViolationError{Field: path + ".path", Reason: "missing"}
		}
		if it.Content == nil {
			return nil, &models.SchemaViolationError{Field: path + ".content", Reason: "missing"}
		}
		p := strings.TrimSpace(*it.Path)
		if seen[p] {
			return nil, &models.SchemaViolationError{Field: path + ".path", Reason: fmt.Sprintf("duplicate path %q", p)}
		}
		seen[p] = true
		files = append(files, models.File{Path: p, Content: *it.Content})
	}
	return files, nil
}

func decodeRouter(fields map[string]json.RawMessage) (*models.RouterDecision, error) {
	action, err := requiredString(fields, "action")
	if err != nil {
		return nil, err
	}
	d := &models.RouterDecision{}
	switch strings.ToLower(strings.TrimSpace(action)) {
	case "reply", "reply-only", "reply_only":
		d.Action = models.RouteReply
	case "switch", "switch-pipeline", "switch_pipeline":
		d.Action = models.RouteSwitch
	case "relay", "relay-to-current", "relay_to_current":
		d.Action = models.RouteRelay
	default:
		return nil, &models.SchemaViolationError{Field: "action", Reason: fmt.Sprintf("unknown action %q", action)}
	}

	consumed := map[string]bool{"action": true}
	for key, dst := range map[string]*string{"reply": &d.Reply, "target_squad": &d.TargetSquad, "relay": &d.Relay} {
		raw, ok := fields[key]
		if !ok {
			continue
		}
		if err := json.Unmarshal(raw, dst); err != nil {
			return nil, &models.SchemaViolationError{Field: key, Reason: "expected a string"}
		}
		consumed[key] = true
	}

	switch d.Action {
	case models.RouteReply:
		if strings.TrimSpace(d.Reply) == "" {
			return nil, &models.SchemaViolationError{Field: "reply", Reason: "missing"}
		}
	case models.RouteSwitch:
		if strings.TrimSpace(d.TargetSquad) == "" {
			return nil, &models.SchemaViolationError{Field: "target_squad", Reason: "missing"}
		}
	case models.RouteRelay:
		if strings.TrimSpace(d.Relay) == "" {
			return nil, &models.SchemaViolationError{Field: "relay", Reason: "missing"}
		}
	}

	if raw, ok := fields["extra"]; ok {
		var extra map[string]any
		if err := json.Unmarshal(raw, &extra); err == nil {
			d.Extra = extra
			consumed["extra"] = true
		}
	}
	for k, v := range fields {
		if consumed[k] {
			continue
		}
		var val any
		if err := json.Unmarshal(v, &val); err != nil {
			continue
		}
		if d.Extra == nil {
			d.Extra = make(map[string]any)
		}
		d.Extra[k] = val
	}
	return d, nil
}

// textDeck wraps a free-text answer into a draft deck.
func textDeck(raw string) (*Result, error) {
	body := strings.TrimSpace(raw)
	if body == "" {
		return nil, &models.SchemaViolationError{Field: "body", Reason: "empty response"}
	}
	summary := body
	if i := strings.IndexByte(summary, '\n'); i >= 0 {
		summary = summary[:i]
	}
	deck := &models.Deck{Kind: models.ShapeDraft, Summary: strings.TrimSpace(summary), Body: body}
	return &Result{Shape: models.ShapeDraft, Deck: deck}, nil
}

func requiredString(fields map[string]json.RawMessage, key string) (string, error) {
	raw, ok := fields[key]
	if !ok {
		return "", &models.SchemaViolationError{Field: key, Reason: "missing"}
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", &models.SchemaViolationError{Field: key, Reason: "expected a string"}
	}
	if strings.TrimSpace(s) == "" {
		return "", &models.SchemaViolationError{Field: key, Reason: "empty"}
	}
	return s, nil
}

func normalizeSeverity(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// canonicalize maps empty collections to nil so that a deck survives a
// serialize/normalize round trip unchanged.
func canonicalize(d *models.Deck) {
	if len(d.Categories) == 0 {
		d.Categories = nil
	}
	for i := range d.Categories {
		c := &d.Categories[i]
		if len(c.References) == 0 {
			c.References = nil
		}
		if len(c.Options) == 0 {
			c.Options = nil
		}
	}
	if len(d.Files) == 0 {
		d.Files = nil
	}
	if len(d.Extra) == 0 {
		d.Extra = nil
	}
}

func validateDeck(d *models.Deck) error {
	ids := make(map[string]bool, len(d.Categories))
	for _, c := range d.Categories {
		if ids[c.ID] {
			return &models.SchemaViolationError{Field: "categories", Reason: fmt.Sprintf("duplicate category %q", c.ID)}
		}
		ids[c.ID] = true
		labels := make(map[string]bool, len(c.Options))
		for _, o := range c.Options {
			if labels[o.Label] {
				return &models.SchemaViolationError{Field: c.ID, Reason: fmt.Sprintf("duplicate label %q", o.Label)}
			}
			labels[o.Label] = true
		}
	}
	if d.Kind == models.ShapeDraft && strings.TrimSpace(d.Body) == "" {
		return &models.SchemaViolationError{Field: "body", Reason: "missing"}
	}
	return nil
}
