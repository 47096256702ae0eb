// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package dag

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinel errors for the dag package.
var (
	// ErrNilTask is returned when a definition has no callable.
	ErrNilTask = errors.New("task must not be nil")

	// ErrDuplicateTask is returned when registering a name twice.
	ErrDuplicateTask = errors.New("task with this name already exists")

	// ErrUnknownDependency is returned when a dependency name is not registered.
	ErrUnknownDependency = errors.New("unknown dependency")

	// ErrCycleDetected is returned when the dependency relation has a cycle.
	ErrCycleDetected = errors.New("cycle detected in task graph")

	// ErrTaskNotFound is returned when a referenced task doesn't exist.
	ErrTaskNotFound = errors.New("task not found")

	// ErrGraphSealed is returned when registering while a run holds the graph.
	ErrGraphSealed = errors.New("task graph is sealed by a running pipeline")

	// ErrReservedName is returned when a task uses the run-inputs key.
	ErrReservedName = errors.New("task name is reserved")

	// ErrTaskTimeout is matched by every TimeoutError.
	ErrTaskTimeout = errors.New("task execution timed out")

	// ErrTaskFailed is matched by every TaskError.
	ErrTaskFailed = errors.New("task execution failed")

	// ErrValidation is matched by every ValidationError.
	ErrValidation = errors.New("validation failed")

	// ErrInvalidInput is returned when a definition or policy field is invalid.
	ErrInvalidInput = errors.New("invalid input")
)

// DuplicateTaskError names the task registered twice.
type DuplicateTaskError struct {
	Name string
}

func (e *DuplicateTaskError) Error() string {
	return fmt.Sprintf("duplicate task %q", e.Name)
}

// Is reports whether target is ErrDuplicateTask.
func (e *DuplicateTaskError) Is(target error) bool {
	return target == ErrDuplicateTask
}

// UnknownDependencyError names the task and the missing dependency.
type UnknownDependencyError struct {
	Task       string
	Dependency string
}

func (e *UnknownDependencyError) Error() string {
	return fmt.Sprintf("task %q depends on unknown task %q", e.Task, e.Dependency)
}

// Is reports whether target is ErrUnknownDependency.
func (e *UnknownDependencyError) Is(target error) bool {
	return target == ErrUnknownDependency
}

// CycleError provides details about a detected cycle.
//
// Path starts and ends with the same task: [A, B, A] means A depends on B
// and B depends on A.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("cycle detected: %s", strings.Join(e.Path, " -> "))
}

// Is reports whether target is ErrCycleDetected.
func (e *CycleError) Is(target error) bool {
	return target == ErrCycleDetected
}

// Tasks returns the distinct task names on the cycle.
func (e *CycleError) Tasks() []string {
	if len(e.Path) <= 1 {
		return e.Path
	}
	return e.Path[:len(e.Path)-1]
}

// TaskError wraps the final error of a task together with its attempt count.
type TaskError struct {
	Task     string
	Attempts int
	Err      error
}

func (e *TaskError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("task %q failed after %d attempts: %v", e.Task, e.Attempts, e.Err)
	}
	return fmt.Sprintf("task %q: %v", e.Task, e.Err)
}

// Unwrap returns the underlying error.
func (e *TaskError) Unwrap() error {
	return e.Err
}

// Is reports whether target is ErrTaskFailed.
func (e *TaskError) Is(target error) bool {
	return target == ErrTaskFailed
}

// NewTaskError creates a TaskError.
func NewTaskError(task string, attempts int, err error) *TaskError {
	return &TaskError{Task: task, Attempts: attempts, Err: err}
}

// TimeoutError reports a single attempt exceeding the task timeout.
type TimeoutError struct {
	Task    string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("task %q timed out after %s", e.Task, e.Timeout)
}

// Is matches ErrTaskTimeout and context.DeadlineExceeded.
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTaskTimeout || target == context.DeadlineExceeded
}

// ValidationError reports a bad configuration or definition field.
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	msg := "validation failed"
	if e.Field != "" {
		msg += ": " + e.Field
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *ValidationError) Unwrap() error {
	return e.Err
}

// Is reports whether target is ErrValidation.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}
