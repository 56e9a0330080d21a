// Package server exposes the engine as MCP tools over stdio.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mpataki/studio/internal/models"
	"github.com/mpataki/studio/internal/orchestrator"
)

// Version is set at build time via ldflags.
var Version = "dev"

// New registers every studio tool on a fresh MCP server.
func New(engine *orchestrator.Engine) *server.MCPServer {
	s := server.NewMCPServer(
		"studio",
		Version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
		server.WithInstructions(instructions),
	)

	t := &Tools{engine: engine}
	for _, tool := range t.All() {
		s.AddTool(tool.Definition, tool.Handler)
	}
	return s
}

// Serve runs the server on stdin/stdout until the client disconnects.
func Serve(engine *orchestrator.Engine) error {
	return server.ServeStdio(New(engine))
}

const instructions = `Studio runs multi-agent creative pipelines. Call studio_start with a squad and
an idea, then answer each returned deck with studio_select, passing back the
stage_index and revision you were given. Use studio_route for free-text
questions or to change direction.`

type Tool struct {
	Definition mcp.Tool
	Handler    server.ToolHandlerFunc
}

type Tools struct {
	engine *orchestrator.Engine
}

func (t *Tools) All() []Tool {
	return []Tool{
		{t.startDef(), t.Start},
		{t.beginDef(), t.Begin},
		{t.selectDef(), t.Select},
		{t.routeDef(), t.Route},
		{t.statusDef(), t.Status},
		{t.listDef(), t.List},
		{t.abandonDef(), t.Abandon},
		{t.squadsDef(), t.Squads},
	}
}

func (t *Tools) startDef() mcp.Tool {
	return mcp.NewTool("studio_start",
		mcp.WithDescription("Start a new session and run its first stage. Returns the first deck to answer."),
		mcp.WithString("squad",
			mcp.Required(),
			mcp.Description("Squad id, see studio_squads (e.g. coding, text, art, video)"),
		),
		mcp.WithString("idea",
			mcp.Required(),
			mcp.Description("The idea the studio should develop"),
		),
	)
}

func (t *Tools) Start(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	squad := req.GetString("squad", "")
	idea := req.GetString("idea", "")
	if squad == "" {
		return mcp.NewToolResultError("'squad' is required"), nil
	}
	if idea == "" {
		return mcp.NewToolResultError("'idea' is required"), nil
	}
	out, err := t.engine.Start(ctx, squad, idea)
	return outcomeResult(out, err)
}

func (t *Tools) beginDef() mcp.Tool {
	return mcp.NewTool("studio_begin",
		mcp.WithDescription("Run the first stage of an idle session, e.g. after studio_route switched squads."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session id")),
		mcp.WithString("idea", mcp.Description("Replacement idea (default: keep the current one)")),
	)
}

func (t *Tools) Begin(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("session_id", "")
	if id == "" {
		return mcp.NewToolResultError("'session_id' is required"), nil
	}
	out, err := t.engine.Begin(ctx, id, req.GetString("idea", ""))
	return outcomeResult(out, err)
}

func (t *Tools) selectDef() mcp.Tool {
	return mcp.NewTool("studio_select",
		mcp.WithDescription("Answer the pending deck. Pass stage_index and revision exactly as returned; stale pairs are rejected."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session id")),
		mcp.WithNumber("stage_index", mcp.Required(), mcp.Description("Stage index of the deck being answered")),
		mcp.WithNumber("revision", mcp.Required(), mcp.Description("Revision of the deck being answered")),
		mcp.WithString("selection",
			mcp.Required(),
			mcp.Description(`JSON object mapping category id to a label or a list of labels, e.g. {"format":"Blog","wildcards":["Dark mode"]}`),
		),
	)
}

func (t *Tools) Select(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("session_id", "")
	if id == "" {
		return mcp.NewToolResultError("'session_id' is required"), nil
	}
	stage, ok := numberArg(req, "stage_index")
	if !ok {
		return mcp.NewToolResultError("'stage_index' is required"), nil
	}
	revision, ok := numberArg(req, "revision")
	if !ok {
		return mcp.NewToolResultError("'revision' is required"), nil
	}

	raw := req.GetString("selection", "")
	if raw == "" {
		raw = "{}"
	}
	var sel models.Selection
	if err := json.Unmarshal([]byte(raw), &sel); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid selection JSON: %v", err)), nil
	}

	out, err := t.engine.SubmitSelection(ctx, id, int(stage), revision, sel)
	return outcomeResult(out, err)
}

func (t *Tools) routeDef() mcp.Tool {
	return mcp.NewTool("studio_route",
		mcp.WithDescription("Send a free-text message to the manager. It may reply, pass a note to the next agent, or switch squads."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session id")),
		mcp.WithString("message", mcp.Required(), mcp.Description("The user's message")),
	)
}

func (t *Tools) Route(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("session_id", "")
	msg := req.GetString("message", "")
	if id == "" {
		return mcp.NewToolResultError("'session_id' is required"), nil
	}
	if msg == "" {
		return mcp.NewToolResultError("'message' is required"), nil
	}
	res, err := t.engine.RouteMessage(ctx, id, msg)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(res)
}

func (t *Tools) statusDef() mcp.Tool {
	return mcp.NewTool("studio_status",
		mcp.WithDescription("Show a session's state, its pending deck or its compiled artifact."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session id")),
	)
}

func (t *Tools) Status(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("session_id", "")
	if id == "" {
		return mcp.NewToolResultError("'session_id' is required"), nil
	}
	out, err := t.engine.Status(id)
	return outcomeResult(out, err)
}

func (t *Tools) listDef() mcp.Tool {
	return mcp.NewTool("studio_list",
		mcp.WithDescription("List recent sessions."),
		mcp.WithNumber("limit", mcp.Description("Maximum sessions to return (default: 20)")),
	)
}

func (t *Tools) List(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := 20
	if n, ok := numberArg(req, "limit"); ok && n > 0 {
		limit = int(n)
	}
	sessions, err := t.engine.List(limit)
	if err != nil {
		return errorResult(err), nil
	}
	type row struct {
		ID         string               `json:"id"`
		Squad      string               `json:"squad"`
		Status     models.SessionStatus `json:"status"`
		StageIndex int                  `json:"stage_index"`
		Idea       string               `json:"idea"`
	}
	rows := make([]row, 0, len(sessions))
	for _, s := range sessions {
		rows = append(rows, row{s.ID, s.SquadID, s.Status, s.StageIndex, s.Idea})
	}
	return jsonResult(rows)
}

func (t *Tools) abandonDef() mcp.Tool {
	return mcp.NewTool("studio_abandon",
		mcp.WithDescription("Abandon a session. Any running stage is cancelled and nothing is compiled."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session id")),
	)
}

func (t *Tools) Abandon(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("session_id", "")
	if id == "" {
		return mcp.NewToolResultError("'session_id' is required"), nil
	}
	if err := t.engine.Abandon(id); err != nil {
		return errorResult(err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("session %s abandoned", id)), nil
}

func (t *Tools) squadsDef() mcp.Tool {
	return mcp.NewTool("studio_squads",
		mcp.WithDescription("List the available squads and their stages."),
	)
}

func (t *Tools) Squads(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	type row struct {
		ID          string              `json:"id"`
		Name        string              `json:"name"`
		Description string              `json:"description"`
		Stages      []string            `json:"stages"`
		Compiler    models.CompilerKind `json:"compiler"`
	}
	var rows []row
	for _, sq := range t.engine.Registry().Squads() {
		rows = append(rows, row{sq.ID, sq.Name, sq.Description, sq.Stages, sq.Compiler.Kind})
	}
	return jsonResult(rows)
}

func numberArg(req mcp.CallToolRequest, key string) (int64, bool) {
	switch v := req.GetArguments()[key].(type) {
	case float64:
		return int64(v), true
	case int:
		return int64(v), true
	case int64:
		return v, true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	}
	return 0, false
}

// outcomeResult reports a stage failure as a normal result carrying the
// failure, since the session itself is still inspectable.
func outcomeResult(out *orchestrator.Outcome, err error) (*mcp.CallToolResult, error) {
	var sf *models.StageFailure
	if err != nil && !(errors.As(err, &sf) && out != nil) {
		return errorResult(err), nil
	}
	return jsonResult(out)
}

func errorResult(err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", models.ErrorKind(err), err))
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to encode result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
