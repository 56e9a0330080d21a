package lua

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"
)

// Risk is an unresolved high-severity critic category as seen by a policy.
type Risk struct {
	ID          string
	Question    string
	Severity    string
	References  []string
	Chosen      []string
	Recommended string
}

// Stage describes one stage of the squad up to and including the critic.
type Stage struct {
	Index int
	ID    string
	Slot  string
}

// Policy is a compiled revision-target script. A script must define
// revise_target(risks, stages) and return a stage index or nil.
type Policy struct {
	path  string
	proto *lua.FunctionProto

	mu   sync.Mutex
	logs []string
}

// LoadPolicy reads and compiles the script at path
func LoadPolicy(path string) (*Policy, error) {
	script, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy: %w", err)
	}
	return CompilePolicy(path, string(script))
}

// CompilePolicy compiles script and checks that it defines revise_target
func CompilePolicy(name, script string) (*Policy, error) {
	chunk, err := parse.Parse(strings.NewReader(script), name)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}
	proto, err := lua.Compile(chunk, name)
	if err != nil {
		return nil, fmt.Errorf("failed to compile policy: %w", err)
	}

	p := &Policy{path: name, proto: proto}

	L := p.newState()
	defer L.Close()
	if err := p.load(L); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Policy) Path() string {
	return p.path
}

// ReviseTarget runs revise_target in a fresh sandbox. ok is false when the
// script returns nil, meaning no loop-back.
func (p *Policy) ReviseTarget(ctx context.Context, risks []Risk, stages []Stage) (index int, ok bool, err error) {
	L := p.newState()
	defer L.Close()
	L.SetContext(ctx)

	if err := p.load(L); err != nil {
		return 0, false, err
	}

	L.Push(L.GetGlobal("revise_target"))
	L.Push(risksToTable(L, risks))
	L.Push(stagesToTable(L, stages))
	if err := L.PCall(2, 1, nil); err != nil {
		return 0, false, fmt.Errorf("revise_target failed: %w", err)
	}
	ret := L.Get(-1)
	L.Pop(1)

	switch v := ret.(type) {
	case *lua.LNilType:
		return 0, false, nil
	case lua.LNumber:
		n := int(v)
		if lua.LNumber(n) != v {
			return 0, false, fmt.Errorf("revise_target returned non-integer %v", v)
		}
		return n, true, nil
	default:
		return 0, false, fmt.Errorf("revise_target must return a stage index or nil, got %s", ret.Type())
	}
}

// newState creates a Lua state with only the safe libraries
func (p *Policy) newState() *lua.LState {
	L := lua.NewState(lua.Options{
		SkipOpenLibs: true, // Don't load any libraries by default
	})
	openSafeLibs(L)
	L.SetGlobal("log", L.NewFunction(p.luaLog))
	return L
}

// load runs the compiled chunk so the script's globals are defined
func (p *Policy) load(L *lua.LState) error {
	L.Push(L.NewFunctionFromProto(p.proto))
	if err := L.PCall(0, 0, nil); err != nil {
		return fmt.Errorf("failed to load policy: %w", err)
	}
	if fn, ok := L.GetGlobal("revise_target").(*lua.LFunction); !ok || fn == nil {
		return fmt.Errorf("policy must define a 'revise_target' function")
	}
	return nil
}

// openSafeLibs loads only the safe standard libraries
func openSafeLibs(L *lua.LState) {
	// Base library (pairs, ipairs, type, tostring, tonumber, error, etc.)
	lua.OpenBase(L)

	// Remove dangerous base functions
	L.SetGlobal("loadfile", lua.LNil)
	L.SetGlobal("dofile", lua.LNil)
	L.SetGlobal("load", lua.LNil)
	L.SetGlobal("loadstring", lua.LNil)
	L.SetGlobal("print", lua.LNil) // Use log() instead

	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)

	// Remove non-deterministic math functions
	math := L.GetGlobal("math")
	if tbl, ok := math.(*lua.LTable); ok {
		L.SetField(tbl, "random", lua.LNil)
		L.SetField(tbl, "randomseed", lua.LNil)
	}
}

// luaLog implements the log(message) API
func (p *Policy) luaLog(L *lua.LState) int {
	message := L.CheckString(1)
	p.mu.Lock()
	p.logs = append(p.logs, message)
	p.mu.Unlock()
	return 0
}

// Logs returns the messages scripts have logged so far
func (p *Policy) Logs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.logs...)
}

func risksToTable(L *lua.LState, risks []Risk) *lua.LTable {
	tbl := L.NewTable()
	for _, r := range risks {
		t := L.NewTable()
		L.SetField(t, "id", lua.LString(r.ID))
		L.SetField(t, "question", lua.LString(r.Question))
		L.SetField(t, "severity", lua.LString(r.Severity))
		L.SetField(t, "references", stringsToTable(L, r.References))
		L.SetField(t, "chosen", stringsToTable(L, r.Chosen))
		if r.Recommended != "" {
			L.SetField(t, "recommended", lua.LString(r.Recommended))
		}
		tbl.Append(t)
	}
	return tbl
}

func stagesToTable(L *lua.LState, stages []Stage) *lua.LTable {
	tbl := L.NewTable()
	for _, s := range stages {
		t := L.NewTable()
		L.SetField(t, "index", lua.LNumber(s.Index))
		L.SetField(t, "id", lua.LString(s.ID))
		L.SetField(t, "slot", lua.LString(s.Slot))
		tbl.Append(t)
	}
	return tbl
}

func stringsToTable(L *lua.LState, values []string) *lua.LTable {
	tbl := L.NewTable()
	for _, v := range values {
		tbl.Append(lua.LString(v))
	}
	return tbl
}
