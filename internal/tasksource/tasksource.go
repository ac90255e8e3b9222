// Package tasksource supplies the supervisor with units of work.
package tasksource

import (
	"context"

	"github.com/google/uuid"
)

// Task is one unit of work for the conversation backend.
type Task struct {
	ID     string            `yaml:"id,omitempty"`
	Prompt string            `yaml:"prompt"`
	Tags   map[string]string `yaml:"tags,omitempty"`
}

// Source produces tasks. A nil Task with a nil error means all work is
// done; that is a normal terminal signal, distinct from failure.
type Source interface {
	Next(ctx context.Context) (*Task, error)
}

// StaticSource serves a fixed task list. Used by tests and one-shot runs.
type StaticSource struct {
	tasks []Task
	pos   int
}

// NewStatic creates a StaticSource over the given tasks.
func NewStatic(tasks ...Task) *StaticSource {
	return &StaticSource{tasks: tasks}
}

// Next returns the next task, or nil when the list is exhausted.
func (s *StaticSource) Next(ctx context.Context) (*Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.pos >= len(s.tasks) {
		return nil, nil
	}
	t := s.tasks[s.pos]
	s.pos++
	if t.ID == "" {
		t.ID = deriveID(t.Prompt)
	}
	return &t, nil
}

// deriveID produces a stable identifier for tasks declared without one,
// so a reloaded file does not re-issue completed work.
func deriveID(prompt string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(prompt)).String()
}
