// Package tasklist reads the worker's persisted task list (prd.json).
//
// The supervisor only ever reads this file. Task content belongs to the
// worker; the supervisor counts completion flags and reads the run identity.
package tasklist

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// ErrNotFound is returned when the task list file does not exist.
var ErrNotFound = errors.New("task list not found")

// Task is a single entry of the task list. Fields other than ID, Title and
// Passes are opaque to the supervisor and are not decoded.
type Task struct {
	ID     string `json:"id"`
	Title  string `json:"title,omitempty"`
	Passes bool   `json:"passes"`
}

// TaskList is the decoded task list document.
type TaskList struct {
	// BranchName identifies the workstream this list belongs to (the run identity).
	BranchName string `json:"branchName"`

	// Tasks is the ordered list of work items.
	Tasks []Task `json:"userStories"`
}

// rawTask mirrors Task but keeps Passes nullable so a missing flag can be
// told apart from an explicit false.
type rawTask struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Passes *bool  `json:"passes"`
}

type rawTaskList struct {
	BranchName  string     `json:"branchName"`
	UserStories *[]rawTask `json:"userStories"`
}

// Parse decodes a task list document. A missing userStories array or a task
// without a boolean passes flag is an error: task state is never guessed.
func Parse(data []byte) (*TaskList, error) {
	var raw rawTaskList
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse task list: %w", err)
	}
	if raw.UserStories == nil {
		return nil, fmt.Errorf("parse task list: missing userStories array")
	}

	list := &TaskList{
		BranchName: raw.BranchName,
		Tasks:      make([]Task, 0, len(*raw.UserStories)),
	}
	for i, rt := range *raw.UserStories {
		if rt.Passes == nil {
			id := rt.ID
			if id == "" {
				id = fmt.Sprintf("#%d", i+1)
			}
			return nil, fmt.Errorf("parse task list: task %s has no passes flag", id)
		}
		list.Tasks = append(list.Tasks, Task{ID: rt.ID, Title: rt.Title, Passes: *rt.Passes})
	}

	return list, nil
}

// Load reads and parses the task list at path.
func Load(path string) (*TaskList, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("read task list: %w", err)
	}
	return Parse(data)
}

// RemainingCount returns the number of tasks whose passes flag is false.
func (l *TaskList) RemainingCount() int {
	if l == nil {
		return 0
	}
	n := 0
	for _, t := range l.Tasks {
		if !t.Passes {
			n++
		}
	}
	return n
}

// CompletedCount returns the number of tasks whose passes flag is true.
func (l *TaskList) CompletedCount() int {
	if l == nil {
		return 0
	}
	return len(l.Tasks) - l.RemainingCount()
}

// NextIncomplete returns the first task that has not passed yet, or nil.
func (l *TaskList) NextIncomplete() *Task {
	if l == nil {
		return nil
	}
	for i := range l.Tasks {
		if !l.Tasks[i].Passes {
			return &l.Tasks[i]
		}
	}
	return nil
}

// Reader provides the current task list snapshot.
type Reader interface {
	Read() (*TaskList, error)
}

// FileReader reads the task list from disk on every call.
type FileReader struct {
	Path string
}

// Read implements Reader.
func (r FileReader) Read() (*TaskList, error) {
	return Load(r.Path)
}
