package models

import "time"

// StageRecord is one completed (or in-progress) stage in a session's log.
type StageRecord struct {
	Seq         int
	StageIndex  int
	StageID     string
	Deck        *Deck
	Selection   Selection
	Attempts    int
	Discarded   bool // dropped by a critic loop-back
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// Selected reports whether the human has answered this stage's deck.
func (r *StageRecord) Selected() bool {
	return r.CompletedAt != nil
}
