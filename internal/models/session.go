package models

import "time"

type SessionStatus string

const (
	SessionStatusIdle      SessionStatus = "idle"
	SessionStatusActive    SessionStatus = "active"
	SessionStatusAwaiting  SessionStatus = "awaiting_selection"
	SessionStatusRevising  SessionStatus = "revising"
	SessionStatusComplete  SessionStatus = "complete"
	SessionStatusFailed    SessionStatus = "failed"
	SessionStatusAbandoned SessionStatus = "abandoned"
)

// Terminal reports whether no further transitions are possible.
func (s SessionStatus) Terminal() bool {
	switch s {
	case SessionStatusComplete, SessionStatusFailed, SessionStatusAbandoned:
		return true
	}
	return false
}

// Reserved context slots. Agent slots may not use these names.
const (
	SlotIdea      = "idea"
	SlotRelay     = "relay"
	SlotRevision  = "revision_note"
	SlotRiskLog   = "risk_log"
	outputSuffix  = ".output"
	reservedOwner = -1
)

// SeedOwner owns slots that every stage may observe.
const SeedOwner = reservedOwner

// OutputSlot names the slot holding a stage's normalized output.
func OutputSlot(slot string) string {
	return slot + outputSuffix
}

// IsOutputSlot reports whether slot holds a normalized stage output.
func IsOutputSlot(slot string) bool {
	return len(slot) > len(outputSuffix) && slot[len(slot)-len(outputSuffix):] == outputSuffix
}

// IsReservedSlot reports whether slot is written by the engine itself.
func IsReservedSlot(slot string) bool {
	switch slot {
	case SlotIdea, SlotRelay, SlotRevision, SlotRiskLog:
		return true
	}
	return false
}

type Session struct {
	ID          string
	SquadID     string
	Idea        string
	StageIndex  int
	Status      SessionStatus
	Revision    int64
	Revisions   int // completed critic loop-backs
	PendingDeck *Deck
	Failure     *Failure
	Log         []*StageRecord
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}

// Failure is the persisted form of a StageFailure.
type Failure struct {
	StageIndex int    `json:"stage_index"`
	StageID    string `json:"stage_id"`
	Kind       string `json:"kind"`
	Message    string `json:"message"`
	LastRaw    string `json:"last_raw,omitempty"`
}

// ActiveLog returns the stage records that were not discarded by a revision.
func (s *Session) ActiveLog() []*StageRecord {
	var out []*StageRecord
	for _, rec := range s.Log {
		if !rec.Discarded {
			out = append(out, rec)
		}
	}
	return out
}

// Clone returns a copy that shares no mutable state with s.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	if s.PendingDeck != nil {
		c.PendingDeck = s.PendingDeck.Clone()
	}
	if s.Failure != nil {
		f := *s.Failure
		c.Failure = &f
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		c.CompletedAt = &t
	}
	c.Log = make([]*StageRecord, len(s.Log))
	for i, rec := range s.Log {
		r := *rec
		if rec.Deck != nil {
			r.Deck = rec.Deck.Clone()
		}
		r.Selection = rec.Selection.Clone()
		c.Log[i] = &r
	}
	return &c
}
