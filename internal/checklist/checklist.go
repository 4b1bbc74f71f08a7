// Package checklist keeps a session's task list and decides when it needs to
// be re-broadcast.
package checklist

import (
	"fmt"
	"slices"
	"strings"
	"sync"
)

// Status is the state of a checklist item.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Item is one checklist entry.
type Item struct {
	Text   string `json:"text"`
	Status Status `json:"status"`
}

// CurrentStep returns the index of the step being worked on: the first
// in_progress item, else the index after the leading run of completed items.
// An all-completed list yields len(items).
func CurrentStep(items []Item) int {
	for i, it := range items {
		if it.Status == StatusInProgress {
			return i
		}
	}
	for i, it := range items {
		if it.Status != StatusCompleted {
			return i
		}
	}
	return len(items)
}

// Render formats items as a markdown task list. The current step is marked.
func Render(items []Item) string {
	if len(items) == 0 {
		return ""
	}
	current := CurrentStep(items)
	var b strings.Builder
	for i, it := range items {
		b.WriteString("- ")
		b.WriteString(marker(it.Status))
		b.WriteByte(' ')
		if i == current {
			b.WriteString("→ ")
		}
		b.WriteString(it.Text)
		b.WriteByte('\n')
	}
	return b.String()
}

func marker(s Status) string {
	switch s {
	case StatusCompleted:
		return "[x]"
	case StatusInProgress:
		return "[~]"
	case StatusFailed:
		return "[!]"
	default:
		return "[ ]"
	}
}

// Parse reads a list produced by Render (or a plain markdown task list).
func Parse(text string) ([]Item, error) {
	var items []Item
	for n, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		line = strings.TrimPrefix(line, "- ")
		if len(line) < 3 || line[0] != '[' || line[2] != ']' {
			return nil, fmt.Errorf("line %d: expected a task marker: %q", n+1, line)
		}
		var status Status
		switch line[1] {
		case 'x', 'X':
			status = StatusCompleted
		case '~':
			status = StatusInProgress
		case '!':
			status = StatusFailed
		case ' ':
			status = StatusPending
		default:
			return nil, fmt.Errorf("line %d: unknown marker %q", n+1, line[:3])
		}
		body := strings.TrimSpace(line[3:])
		body = strings.TrimSpace(strings.TrimPrefix(body, "→"))
		items = append(items, Item{Text: body, Status: status})
	}
	return items, nil
}

// Store holds the last broadcast checklist of a session.
type Store struct {
	mu    sync.Mutex
	items []Item
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{}
}

// Replace swaps in items. It returns the rendered list and whether it differs
// from the previously stored one by content or status.
func (s *Store) Replace(items []Item) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replaceLocked(items)
}

func (s *Store) replaceLocked(items []Item) (string, bool) {
	if slices.Equal(s.items, items) {
		return "", false
	}
	s.items = slices.Clone(items)
	return Render(s.items), true
}

// Update sets the status of the item at index.
func (s *Store) Update(index int, status Status) (string, bool, error) {
	if !status.Valid() {
		return "", false, fmt.Errorf("invalid status %q", status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if index < 0 || index >= len(s.items) {
		return "", false, fmt.Errorf("item %d out of range (checklist has %d items)", index, len(s.items))
	}
	next := slices.Clone(s.items)
	next[index].Status = status
	rendered, changed := s.replaceLocked(next)
	return rendered, changed, nil
}

// Snapshot returns a copy of the current items.
func (s *Store) Snapshot() []Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.items)
}
