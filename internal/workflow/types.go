// Package workflow implements the orchestrator: workflow definitions,
// manual/scheduled/event triggers, dispatch to the external workflow
// service, execution tracking with linear-backoff retries, and signed
// webhook callbacks.
package workflow

import (
	"errors"
	"sync"
	"time"
)

var (
	ErrDefinitionNotFound = errors.New("workflow definition not found")
	ErrExecutionNotFound  = errors.New("workflow execution not found")
	ErrDefinitionDisabled = errors.New("workflow definition disabled")
	ErrBadSignature       = errors.New("webhook signature mismatch")
	ErrStaleTimestamp     = errors.New("webhook timestamp outside window")
)

// Status is the execution lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusTimedOut  Status = "timed_out"
	StatusRetrying  Status = "retrying"
)

// Trigger names how an execution starts.
type Trigger string

const (
	TriggerManual    Trigger = "manual"
	TriggerScheduled Trigger = "scheduled"
	TriggerChange    Trigger = "change"
	TriggerEvent     Trigger = "event"
)

// Kind names the workflow category.
type Kind string

const (
	KindRefresh  Kind = "refresh"
	KindReport   Kind = "report"
	KindAlert    Kind = "alert"
	KindAnalysis Kind = "analysis"
	KindCustom   Kind = "custom"
)

// Definition describes one workflow. ID and Kind are immutable after
// creation.
type Definition struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Kind           Kind           `json:"type"`
	Trigger        Trigger        `json:"trigger"`
	Config         map[string]any `json:"config"`
	Schedule       string         `json:"schedule,omitempty"`
	Enabled        bool           `json:"enabled"`
	RetryOnFailure bool           `json:"retry_on_failure"`
	MaxRetries     int            `json:"max_retries"`
	RetryCount     int            `json:"retry_count"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Execution is one run of a definition. It is plain data; the orchestrator
// keeps the live run behind its own lock and hands out copies.
type Execution struct {
	ID               string         `json:"execution_id"`
	DefinitionID     string         `json:"workflow_def_id"`
	Workflow         string         `json:"workflow_name"`
	Status           Status         `json:"status"`
	StartedAt        time.Time      `json:"started_at"`
	FinishedAt       time.Time      `json:"finished_at,omitempty"`
	Duration         time.Duration  `json:"duration,omitempty"`
	RetryCount       int            `json:"retry_count"`
	Payload          map[string]any `json:"payload,omitempty"`
	Result           map[string]any `json:"result,omitempty"`
	Error            string         `json:"error,omitempty"`
	CallbackReceived bool           `json:"callback_received,omitempty"`
}

// execState is a live run: execution data guarded by its own lock. Status
// transitions never move backward except running -> retrying -> running.
type execState struct {
	mu sync.Mutex
	Execution
}

func (e *execState) setStatus(s Status) {
	e.mu.Lock()
	e.Status = s
	e.mu.Unlock()
}

func (e *execState) currentStatus() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.Status
}

// snapshot returns a copy safe to serialize while the run continues.
func (e *execState) snapshot() Execution {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.Execution
}
