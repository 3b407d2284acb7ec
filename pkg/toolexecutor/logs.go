package toolexecutor

import (
	"sync"
	"time"
)

// ToolLog is one entry of a tool call's execution log.
type ToolLog struct {
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// LogStore keeps append-only logs keyed by tool call id.
type LogStore struct {
	mu      sync.RWMutex
	entries map[string][]ToolLog
	now     func() time.Time
}

// NewLogStore creates an empty store.
func NewLogStore() *LogStore {
	return &LogStore{
		entries: make(map[string][]ToolLog),
		now:     time.Now,
	}
}

// Append adds an entry to the log of toolCallID.
func (s *LogStore) Append(toolCallID, content string) {
	s.mu.Lock()
	s.entries[toolCallID] = append(s.entries[toolCallID], ToolLog{Content: content, CreatedAt: s.now()})
	s.mu.Unlock()
}

// Logs returns a copy of the log of toolCallID in append order.
func (s *LogStore) Logs(toolCallID string) []ToolLog {
	s.mu.RLock()
	defer s.mu.RUnlock()

	src := s.entries[toolCallID]
	out := make([]ToolLog, len(src))
	copy(out, src)
	return out
}

// Prune drops logs whose last entry is older than retention and returns how
// many tool calls were dropped.
func (s *LogStore) Prune(retention time.Duration) int {
	cutoff := s.now().Add(-retention)

	s.mu.Lock()
	defer s.mu.Unlock()

	pruned := 0
	for id, list := range s.entries {
		if len(list) == 0 || list[len(list)-1].CreatedAt.Before(cutoff) {
			delete(s.entries, id)
			pruned++
		}
	}
	return pruned
}

// Len returns the number of tool calls with logs.
func (s *LogStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
