// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package taskfabric is the background task runtime: a worker pool over
// a buffered queue, per-task-name rate limits and retries, progress
// reporting, and an out-of-band result stash for oversized payloads.
package taskfabric

import (
	"fmt"
	"time"
)

// TaskState is the lifecycle position of a task.
type TaskState string

const (
	StatePending   TaskState = "pending"
	StateStarted   TaskState = "started"
	StateSuccess   TaskState = "success"
	StateFailure   TaskState = "failure"
	StateCancelled TaskState = "cancelled"
)

// IsTerminal reports whether no further transition is possible.
func (s TaskState) IsTerminal() bool {
	switch s {
	case StateSuccess, StateFailure, StateCancelled:
		return true
	}
	return false
}

// canTransition encodes the monotonic lifecycle:
// pending -> started -> (success|failure|cancelled).
func (s TaskState) canTransition(to TaskState) bool {
	switch s {
	case StatePending:
		return to == StateStarted || to == StateCancelled
	case StateStarted:
		return to.IsTerminal()
	}
	return false
}

// maxErrorLen bounds stored error messages.
const maxErrorLen = 1000

// ErrorTypeSoftTimeLimit tags tasks that exceeded their soft time limit.
const ErrorTypeSoftTimeLimit = "SoftTimeLimitExceeded"

// Progress is advisory: it never decides success.
type Progress struct {
	Current int    `json:"current"`
	Total   int    `json:"total"`
	Message string `json:"message,omitempty"`
}

// TaskError is the serialized failure meta of a task.
type TaskError struct {
	Message   string    `json:"message"`
	ErrorType string    `json:"error_type"`
	Timestamp time.Time `json:"timestamp"`
}

func newTaskError(err error, errorType string) *TaskError {
	msg := err.Error()
	if len(msg) > maxErrorLen {
		msg = msg[:maxErrorLen]
	}
	return &TaskError{Message: msg, ErrorType: errorType, Timestamp: time.Now().UTC()}
}

// Task is one unit of submitted work.
type Task struct {
	ID        string
	Name      string
	Args      map[string]any
	State     TaskState
	Progress  Progress
	Result    any
	Error     *TaskError
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Status is the authoritative answer to "what happened to my task".
type Status struct {
	TaskID     string    `json:"task_id"`
	State      TaskState `json:"state"`
	Progress   Progress  `json:"progress"`
	Ready      bool      `json:"ready"`
	Successful bool      `json:"successful"`
	Failed     bool      `json:"failed"`
	Result     any       `json:"result,omitempty"`
	Error      *TaskError `json:"error,omitempty"`
}

func (t *Task) status() Status {
	return Status{
		TaskID:     t.ID,
		State:      t.State,
		Progress:   t.Progress,
		Ready:      t.State.IsTerminal(),
		Successful: t.State == StateSuccess,
		Failed:     t.State == StateFailure,
		Result:     t.Result,
		Error:      t.Error,
	}
}

func (t *Task) transition(to TaskState) error {
	if !t.State.canTransition(to) {
		return fmt.Errorf("invalid task transition %s -> %s", t.State, to)
	}
	t.State = to
	t.UpdatedAt = time.Now().UTC()
	return nil
}
