package registry

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mpataki/studio/internal/models"
)

func TestDefaultRegistry(t *testing.T) {
	r, err := Default()
	if err != nil {
		t.Fatalf("Default: %v", err)
	}

	var ids []string
	for _, s := range r.Squads() {
		ids = append(ids, s.ID)
	}
	if strings.Join(ids, ",") != "art,coding,text,video" {
		t.Errorf("squads = %v", ids)
	}

	text, err := r.Squad("text")
	if err != nil {
		t.Fatal(err)
	}
	editor, err := r.Stage(text, 0)
	if err != nil {
		t.Fatal(err)
	}
	if editor.Shape != models.ShapeStrategy || len(editor.Categories) != 1 || editor.Categories[0] != "format" {
		t.Errorf("text editor = %+v", editor)
	}
	if editor.Provider != DefaultProvider || editor.Contract != models.ContractJSON {
		t.Errorf("defaults not applied: %+v", editor)
	}

	if m := r.Manager(); m == nil || m.Shape != models.ShapeRouter {
		t.Errorf("manager = %+v", m)
	}
	if idx, ok := r.StageForSlot(text, "draft.output"); !ok || idx != 2 {
		t.Errorf("StageForSlot(draft.output) = %d, %v", idx, ok)
	}
}

func TestLookupErrors(t *testing.T) {
	r, err := Default()
	if err != nil {
		t.Fatal(err)
	}
	_, err = r.Squad("opera")
	var us *models.UnknownSquadError
	if !errors.As(err, &us) {
		t.Errorf("Squad(opera) err = %v", err)
	}

	coding, _ := r.Squad("coding")
	_, err = r.Stage(coding, 99)
	var ust *models.UnknownStageError
	if !errors.As(err, &ust) {
		t.Errorf("Stage(99) err = %v", err)
	}
}

func TestOverlayDirectory(t *testing.T) {
	dir := t.TempDir()
	overlay := `
agents:
  - id: text.writer
    name: Ghostwriter
    role: writes in someone else's voice
    shape: draft
    slot: draft
    contract: text
squads:
  - id: haiku
    name: Haiku
    stages: [text.writer]
    revision_policy: policy.lua
    compiler:
      kind: text
      draft_slot: draft
`
	if err := os.WriteFile(filepath.Join(dir, "extra.yaml"), []byte(overlay), 0644); err != nil {
		t.Fatal(err)
	}

	r, err := Load([]string{filepath.Join(dir, "missing"), dir})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	w, _ := r.Agent("text.writer")
	if w.Name != "Ghostwriter" || w.Contract != models.ContractText {
		t.Errorf("overlay not applied: %+v", w)
	}
	haiku, err := r.Squad("haiku")
	if err != nil {
		t.Fatal(err)
	}
	if haiku.RevisionPolicy != filepath.Join(dir, "policy.lua") {
		t.Errorf("policy path = %q", haiku.RevisionPolicy)
	}
}

func TestValidate(t *testing.T) {
	doc, err := Parse([]byte(`
manager: boss
agents:
  - id: a
    shape: strategy
    slot: idea
    template: "{{nope}}"
  - id: b
    class: critic
    shape: deck
    slot: s
    brain: ghost
    template: "{{slot:late}}"
  - id: c
    shape: deck
    slot: late
  - id: boss
    shape: deck
squads:
  - id: broken
    stages: [a, b, c, missing]
    compiler:
      kind: poem
`))
	if err != nil {
		t.Fatal(err)
	}
	_, err = FromDocuments(doc)
	if err == nil {
		t.Fatal("expected validation errors")
	}
	for _, want := range []string{
		`unknown placeholder`,
		`critic agents must use the risk shape`,
		`brain "ghost" not found`,
		`stage "missing" not found`,
		`reserved slot "idea"`,
		`stage "b" reads slot "late" before it is written`,
		`unknown compiler kind "poem"`,
		`must use the router shape`,
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("validation error missing %q:\n%v", want, err)
		}
	}
}
