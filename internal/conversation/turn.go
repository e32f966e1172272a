// Package conversation provides the ordered turn log of a chat session and
// the Aggregator that projects each turn's tasks into display units.
package conversation

import (
	"errors"
	"sync"
	"time"
)

// ErrTurnNotFound is returned when no turn exists at the given index.
var ErrTurnNotFound = errors.New("conversation: turn not found")

// Role identifies the author of a turn.
type Role string

const (
	// RoleUser marks a turn authored by the human user.
	RoleUser Role = "user"
	// RoleAgent marks a turn authored by the dialogue agent.
	RoleAgent Role = "agent"
)

// Turn is one exchange in the conversation. Its task set is fixed at
// creation: a turn never acquires new tasks later. Task state is held by
// the task registry; a turn carries IDs only.
type Turn struct {
	// Index is the position in the ordered message sequence.
	Index int
	// Role is the author of the turn.
	Role Role
	// Content is the free-text body of the turn.
	Content string
	// TaskIDs are the tasks created by this turn, in dispatch order.
	TaskIDs []string
	// CreatedAt is when the turn was appended.
	CreatedAt time.Time
}

// clone returns a copy with its own TaskIDs slice.
func (t Turn) clone() Turn {
	out := t
	out.TaskIDs = append([]string(nil), t.TaskIDs...)
	return out
}

// Log is the append-only ordered sequence of turns for one session.
type Log struct {
	mu    sync.RWMutex
	turns []Turn
}

// NewLog creates an empty conversation log.
func NewLog() *Log {
	return &Log{}
}

// Append adds a turn and returns it with its assigned index.
func (l *Log) Append(role Role, content string, taskIDs []string) Turn {
	l.mu.Lock()
	defer l.mu.Unlock()
	turn := Turn{
		Index:     len(l.turns),
		Role:      role,
		Content:   content,
		TaskIDs:   append([]string(nil), taskIDs...),
		CreatedAt: time.Now(),
	}
	l.turns = append(l.turns, turn)
	return turn.clone()
}

// Get returns the turn at the given index, or ErrTurnNotFound.
func (l *Log) Get(index int) (Turn, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if index < 0 || index >= len(l.turns) {
		return Turn{}, ErrTurnNotFound
	}
	return l.turns[index].clone(), nil
}

// Turns returns copies of all turns in order.
func (l *Log) Turns() []Turn {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Turn, 0, len(l.turns))
	for _, t := range l.turns {
		out = append(out, t.clone())
	}
	return out
}

// Len returns the number of turns.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.turns)
}
