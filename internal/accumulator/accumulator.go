// Package accumulator holds a session's project context: a map of named slots
// with full write history, where every write is owned by the stage that made it.
package accumulator

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/mpataki/studio/internal/models"
)

// Entry is one write in the context history.
type Entry struct {
	Seq       int64  `json:"seq"`
	Slot      string `json:"slot"`
	Owner     int    `json:"owner"`
	Value     any    `json:"value"`
	Retracted bool   `json:"retracted,omitempty"`
}

// Context is last-write-wins per slot. It is safe for concurrent use.
type Context struct {
	mu       sync.RWMutex
	entries  []Entry
	revision int64
}

func New() *Context {
	return &Context{}
}

// Write records value under slot on behalf of owner and returns the new
// revision. Values are stored as plain JSON data so they survive persistence.
func (c *Context) Write(slot string, owner int, value any) (int64, error) {
	plain, err := toPlain(value)
	if err != nil {
		return 0, fmt.Errorf("failed to encode slot %q: %w", slot, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.revision++
	c.entries = append(c.entries, Entry{Seq: c.revision, Slot: slot, Owner: owner, Value: plain})
	return c.revision, nil
}

// Read returns the latest live value of slot, regardless of owner.
func (c *Context) Read(slot string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for i := len(c.entries) - 1; i >= 0; i-- {
		e := c.entries[i]
		if e.Slot == slot && !e.Retracted {
			return clonePlain(e.Value), true
		}
	}
	return nil, false
}

// Snapshot returns the slots visible to the stage at index upto: the latest
// live write per slot among owners <= upto.
func (c *Context) Snapshot(upto int) View {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.view(func(e Entry) bool { return e.Owner <= upto })
}

// Full returns every live slot. Only the manager reads this.
func (c *Context) Full() View {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.view(func(Entry) bool { return true })
}

func (c *Context) view(keep func(Entry) bool) View {
	v := make(View)
	for _, e := range c.entries {
		if e.Retracted || !keep(e) {
			continue
		}
		v[e.Slot] = e.Value
	}
	for k, val := range v {
		v[k] = clonePlain(val)
	}
	return v
}

// Retract hides every write owned by a stage in [from, to]. History keeps the
// entries. It returns the new revision.
func (c *Context) Retract(from, to int) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.entries {
		if o := c.entries[i].Owner; o >= from && o <= to {
			c.entries[i].Retracted = true
		}
	}
	c.revision++
	return c.revision
}

// RetractSlot hides every live write to slot and reports whether any was
// hidden. The revision only advances when something changed.
func (c *Context) RetractSlot(slot string) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	changed := false
	for i := range c.entries {
		if c.entries[i].Slot == slot && !c.entries[i].Retracted {
			c.entries[i].Retracted = true
			changed = true
		}
	}
	if changed {
		c.revision++
	}
	return c.revision, changed
}

func (c *Context) Revision() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.revision
}

// History returns a copy of every write, in order.
func (c *Context) History() []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Entry, len(c.entries))
	for i, e := range c.entries {
		e.Value = clonePlain(e.Value)
		out[i] = e
	}
	return out
}

// Restore replaces the context with persisted history.
func (c *Context) Restore(entries []Entry, revision int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make([]Entry, len(entries))
	copy(c.entries, entries)
	c.revision = revision
	for _, e := range entries {
		if e.Seq > c.revision {
			c.revision = e.Seq
		}
	}
}

// View is a read-only slot map.
type View map[string]any

// Slots returns the slot names in sorted order.
func (v View) Slots() []string {
	names := make([]string, 0, len(v))
	for k := range v {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// String returns the slot as text; structured values are JSON encoded.
func (v View) String(slot string) string {
	val, ok := v[slot]
	if !ok || val == nil {
		return ""
	}
	if s, ok := val.(string); ok {
		return s
	}
	data, err := json.Marshal(val)
	if err != nil {
		return fmt.Sprint(val)
	}
	return string(data)
}

// Decode unmarshals the slot into dst.
func (v View) Decode(slot string, dst any) error {
	val, ok := v[slot]
	if !ok {
		return fmt.Errorf("slot %q is empty", slot)
	}
	data, err := json.Marshal(val)
	if err != nil {
		return fmt.Errorf("failed to encode slot %q: %w", slot, err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("failed to decode slot %q: %w", slot, err)
	}
	return nil
}

// Deck decodes a stage output slot.
func (v View) Deck(slot string) (*models.Deck, bool) {
	if _, ok := v[slot]; !ok {
		return nil, false
	}
	var d models.Deck
	if err := v.Decode(slot, &d); err != nil {
		return nil, false
	}
	return &d, true
}

func toPlain(value any) (any, error) {
	switch v := value.(type) {
	case nil, string, bool, float64:
		return v, nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func clonePlain(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, val := range t {
			m[k] = clonePlain(val)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, val := range t {
			s[i] = clonePlain(val)
		}
		return s
	default:
		return v
	}
}
