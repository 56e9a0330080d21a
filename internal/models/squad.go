package models

type AgentClass string

const (
	AgentStandard AgentClass = "standard"
	AgentCritic   AgentClass = "critic"
	AgentManager  AgentClass = "manager"
)

type Contract string

const (
	ContractJSON Contract = "json"
	ContractText Contract = "text"
)

// AgentDescriptor is immutable once the registry is loaded.
type AgentDescriptor struct {
	ID         string     `yaml:"id"`
	Name       string     `yaml:"name"`
	Role       string     `yaml:"role"`
	Class      AgentClass `yaml:"class"`
	Provider   string     `yaml:"provider"`
	Contract   Contract   `yaml:"contract"`
	Shape      ShapeTag   `yaml:"shape"`
	Slot       string     `yaml:"slot"`
	Categories []string   `yaml:"categories,omitempty"` // required strategy categories
	Template   string     `yaml:"template"`
	Brain      string     `yaml:"brain,omitempty"`
}

type CompilerKind string

const (
	CompilerCoding     CompilerKind = "coding"
	CompilerText       CompilerKind = "text"
	CompilerLockedSpec CompilerKind = "spec"
)

type CompilerSpec struct {
	Kind          CompilerKind `yaml:"kind"`
	HeadlineSlot  string       `yaml:"headline_slot,omitempty"`
	DraftSlot     string       `yaml:"draft_slot,omitempty"`
	RequiredFiles []string     `yaml:"required_files,omitempty"`
}

// Squad is an ordered pipeline of stages followed by a compiler.
type Squad struct {
	ID             string       `yaml:"id"`
	Name           string       `yaml:"name"`
	Description    string       `yaml:"description"`
	Stages         []string     `yaml:"stages"`
	Compiler       CompilerSpec `yaml:"compiler"`
	RevisionPolicy string       `yaml:"revision_policy,omitempty"` // path to a Lua script
}

// Brain is typed reference data an agent's prompt may embed.
type Brain struct {
	ID         string            `yaml:"id"`
	Title      string            `yaml:"title"`
	Principles []string          `yaml:"principles"`
	Glossary   map[string]string `yaml:"glossary,omitempty"`
}
