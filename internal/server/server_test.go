package server

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mpataki/studio/internal/models"
	"github.com/mpataki/studio/internal/orchestrator"
	"github.com/mpataki/studio/internal/registry"
	"github.com/mpataki/studio/internal/runner"
)

const editorDeck = `{"summary":"Pick a format","format_options":[{"label":"Blog","recommended":true},{"label":"Thread"}]}`

func newTestTools(t *testing.T) *Tools {
	t.Helper()
	reg, err := registry.Default()
	if err != nil {
		t.Fatal(err)
	}
	inv := runner.InvokerFunc(func(_ context.Context, _ string, prompt string, _ models.Contract) (string, error) {
		switch {
		case strings.HasPrefix(prompt, "You are Manager"):
			return `{"action":"reply","reply":"Pick a format first."}`, nil
		case strings.HasPrefix(prompt, "You are Linguist"):
			return `{"summary":"Voice","categories":[{"id":"tone","options":["Dry","Warm"]}]}`, nil
		}
		return editorDeck, nil
	})
	e, err := orchestrator.New(reg, inv, orchestrator.Options{})
	if err != nil {
		t.Fatal(err)
	}
	return &Tools{engine: e}
}

func makeReq(args map[string]interface{}) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Arguments = args
	return req
}

func resultText(r *mcp.CallToolResult) string {
	if r == nil || len(r.Content) == 0 {
		return ""
	}
	for _, c := range r.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			return tc.Text
		}
	}
	return ""
}

func decodeOutcome(t *testing.T, r *mcp.CallToolResult) *orchestrator.Outcome {
	t.Helper()
	if r.IsError {
		t.Fatalf("tool error: %s", resultText(r))
	}
	var out orchestrator.Outcome
	if err := json.Unmarshal([]byte(resultText(r)), &out); err != nil {
		t.Fatalf("decode outcome: %v\n%s", err, resultText(r))
	}
	return &out
}

func TestToolDefinitions(t *testing.T) {
	tools := newTestTools(t)
	names := map[string]bool{}
	for _, tool := range tools.All() {
		names[tool.Definition.Name] = true
	}
	for _, want := range []string{"studio_start", "studio_begin", "studio_select", "studio_route", "studio_status", "studio_list", "studio_abandon", "studio_squads"} {
		if !names[want] {
			t.Errorf("missing tool %s", want)
		}
	}
	if New(tools.engine) == nil {
		t.Error("New returned nil")
	}
}

func TestStartSelectFlow(t *testing.T) {
	tools := newTestTools(t)
	ctx := context.Background()

	res, err := tools.Start(ctx, makeReq(map[string]interface{}{"squad": "text", "idea": "cold brew"}))
	if err != nil {
		t.Fatal(err)
	}
	out := decodeOutcome(t, res)
	if out.Status != models.SessionStatusAwaiting || out.Deck == nil {
		t.Fatalf("outcome = %+v", out)
	}

	res, err = tools.Select(ctx, makeReq(map[string]interface{}{
		"session_id":  out.SessionID,
		"stage_index": float64(out.StageIndex),
		"revision":    float64(out.Revision),
		"selection":   `{"format":"Blog"}`,
	}))
	if err != nil {
		t.Fatal(err)
	}
	next := decodeOutcome(t, res)
	if next.StageIndex != 1 || next.StageID != "text.linguist" {
		t.Errorf("next = %+v", next)
	}

	// replaying the old pair is stale
	res, _ = tools.Select(ctx, makeReq(map[string]interface{}{
		"session_id":  out.SessionID,
		"stage_index": float64(out.StageIndex),
		"revision":    float64(out.Revision),
		"selection":   `{"format":"Blog"}`,
	}))
	if !res.IsError || !strings.HasPrefix(resultText(res), "stale_selection") {
		t.Errorf("stale replay = %s", resultText(res))
	}

	res, _ = tools.Status(ctx, makeReq(map[string]interface{}{"session_id": out.SessionID}))
	if st := decodeOutcome(t, res); st.Revision != next.Revision {
		t.Errorf("status revision %d, want %d", st.Revision, next.Revision)
	}
}

func TestArgumentErrors(t *testing.T) {
	tools := newTestTools(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		handler func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error)
		args    map[string]interface{}
		want    string
	}{
		{"start without squad", tools.Start, map[string]interface{}{"idea": "x"}, "'squad' is required"},
		{"start unknown squad", tools.Start, map[string]interface{}{"squad": "opera", "idea": "x"}, "unknown_squad"},
		{"select without stage", tools.Select, map[string]interface{}{"session_id": "s", "revision": float64(1)}, "'stage_index' is required"},
		{"select bad json", tools.Select, map[string]interface{}{"session_id": "s", "stage_index": float64(0), "revision": float64(1), "selection": "{"}, "invalid selection JSON"},
		{"status unknown session", tools.Status, map[string]interface{}{"session_id": "nope"}, "session_not_found"},
		{"route without message", tools.Route, map[string]interface{}{"session_id": "s"}, "'message' is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := tt.handler(ctx, makeReq(tt.args))
			if err != nil {
				t.Fatal(err)
			}
			if !res.IsError || !strings.Contains(resultText(res), tt.want) {
				t.Errorf("result = %q (error %v), want %q", resultText(res), res.IsError, tt.want)
			}
		})
	}
}

func TestRouteAbandonSquads(t *testing.T) {
	tools := newTestTools(t)
	ctx := context.Background()

	out := decodeOutcome(t, must(tools.Start(ctx, makeReq(map[string]interface{}{"squad": "text", "idea": "cold brew"}))))

	res := must(tools.Route(ctx, makeReq(map[string]interface{}{"session_id": out.SessionID, "message": "what now?"})))
	if res.IsError || !strings.Contains(resultText(res), "Pick a format first.") {
		t.Errorf("route = %s", resultText(res))
	}

	res = must(tools.Abandon(ctx, makeReq(map[string]interface{}{"session_id": out.SessionID})))
	if res.IsError {
		t.Errorf("abandon = %s", resultText(res))
	}
	res = must(tools.Abandon(ctx, makeReq(map[string]interface{}{"session_id": out.SessionID})))
	if !res.IsError || !strings.Contains(resultText(res), "session_closed") {
		t.Errorf("second abandon = %s", resultText(res))
	}

	res = must(tools.Squads(ctx, makeReq(nil)))
	var squads []map[string]any
	if err := json.Unmarshal([]byte(resultText(res)), &squads); err != nil || len(squads) != 4 {
		t.Errorf("squads = %s (%v)", resultText(res), err)
	}

	res = must(tools.List(ctx, makeReq(map[string]interface{}{"limit": float64(5)})))
	if !strings.Contains(resultText(res), out.SessionID) {
		t.Errorf("list = %s", resultText(res))
	}
}

func must(r *mcp.CallToolResult, err error) *mcp.CallToolResult {
	if err != nil {
		panic(err)
	}
	return r
}
