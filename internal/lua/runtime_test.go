package lua

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

var stages = []Stage{
	{Index: 0, ID: "coding.strategist", Slot: "strategy"},
	{Index: 1, ID: "coding.architect", Slot: "specs"},
	{Index: 2, ID: "coding.builder", Slot: "build"},
	{Index: 3, ID: "coding.critic", Slot: "risks"},
}

// latest referenced stage instead of the earliest
const latestPolicy = `
function revise_target(risks, stages)
  local target = nil
  for _, risk in ipairs(risks) do
    for _, ref in ipairs(risk.references) do
      for _, s in ipairs(stages) do
        if s.slot == ref and (target == nil or s.index > target) then
          target = s.index
        end
      end
    end
  end
  log("target " .. tostring(target))
  return target
end
`

func TestReviseTarget(t *testing.T) {
	p, err := CompilePolicy("latest.lua", latestPolicy)
	if err != nil {
		t.Fatalf("CompilePolicy: %v", err)
	}

	risks := []Risk{{ID: "scope", Severity: "high", References: []string{"strategy", "build"}, Chosen: []string{"keep"}}}
	idx, ok, err := p.ReviseTarget(context.Background(), risks, stages)
	if err != nil || !ok || idx != 2 {
		t.Fatalf("ReviseTarget = %d, %v, %v; want 2", idx, ok, err)
	}

	_, ok, err = p.ReviseTarget(context.Background(), []Risk{{ID: "x", References: []string{"nowhere"}}}, stages)
	if err != nil || ok {
		t.Errorf("unresolved reference: ok = %v, err = %v", ok, err)
	}

	logs := p.Logs()
	if len(logs) != 2 || logs[0] != "target 2" || logs[1] != "target nil" {
		t.Errorf("logs = %v", logs)
	}
}

func TestLoadPolicy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.lua")
	if err := os.WriteFile(path, []byte("function revise_target(r, s) return 0 end"), 0644); err != nil {
		t.Fatal(err)
	}
	p, err := LoadPolicy(path)
	if err != nil {
		t.Fatalf("LoadPolicy: %v", err)
	}
	if p.Path() != path {
		t.Errorf("Path = %q", p.Path())
	}

	if _, err := LoadPolicy(filepath.Join(t.TempDir(), "missing.lua")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestPolicyErrors(t *testing.T) {
	tests := []struct {
		name   string
		script string
		want   string
	}{
		{"no function", "x = 1", "must define a 'revise_target'"},
		{"syntax", "function revise_target(", "failed to parse"},
	}
	for _, tt := range tests {
		_, err := CompilePolicy(tt.name, tt.script)
		if err == nil || !strings.Contains(err.Error(), tt.want) {
			t.Errorf("%s: err = %v, want %q", tt.name, err, tt.want)
		}
	}

	bad := map[string]string{
		"string result": `function revise_target() return "two" end`,
		"fraction":      `function revise_target() return 1.5 end`,
		"sandbox":       `function revise_target() return os.time() end`,
		"no load":       `function revise_target() return load("return 1")() end`,
		"no random":     `function revise_target() return math.random(3) end`,
	}
	for name, script := range bad {
		p, err := CompilePolicy(name, script)
		if err != nil {
			t.Fatalf("%s: compile: %v", name, err)
		}
		if _, _, err := p.ReviseTarget(context.Background(), nil, stages); err == nil {
			t.Errorf("%s: expected an error", name)
		}
	}
}

func TestPolicyHonorsContext(t *testing.T) {
	p, err := CompilePolicy("loop", `function revise_target() while true do end end`)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, _, err := p.ReviseTarget(ctx, nil, stages); err == nil {
		t.Error("expected the runaway script to be interrupted")
	}
}
