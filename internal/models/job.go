package models

import (
	"time"
)

// JobStatus enumerates lifecycle states persisted by the job store.
type JobStatus string

const (
	StatusQueued    JobStatus = "queued"
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
)

// Terminal reports whether no further transitions are permitted.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether from -> to is a legal forward step.
func CanTransition(from, to JobStatus) bool {
	switch from {
	case StatusQueued:
		return to == StatusRunning
	case StatusRunning:
		return to == StatusCompleted || to == StatusFailed
	default:
		return false
	}
}

// Mode is the closed set of analysis modes the tool accepts.
type Mode string

const (
	ModeWordFrequency Mode = "word-frequency"
	ModeFull          Mode = "full"
	ModeMetadata      Mode = "metadata"
	ModeEntropy       Mode = "entropy"
)

var modes = map[Mode]struct{}{
	ModeWordFrequency: {},
	ModeFull:          {},
	ModeMetadata:      {},
	ModeEntropy:       {},
}

// ParseMode returns the mode for s, or false when s is not in the enum.
func ParseMode(s string) (Mode, bool) {
	m := Mode(s)
	_, ok := modes[m]
	return m, ok
}

// ErrorKind classifies why a job failed.
type ErrorKind string

const (
	ErrorTimeout        ErrorKind = "Timeout"
	ErrorToolFailed     ErrorKind = "ToolFailed"
	ErrorOutputTooLarge ErrorKind = "OutputTooLarge"
	ErrorAbandoned      ErrorKind = "Abandoned"
	ErrorInternal       ErrorKind = "Internal"
)

// JobError is the sanitized failure recorded on a failed job.
type JobError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// Job is one analysis request tracked through its lifecycle.
type Job struct {
	ID          string     `json:"job_id"`
	Owner       string     `json:"owner"`
	Mode        Mode       `json:"mode"`
	Status      JobStatus  `json:"status"`
	InputRef    string     `json:"-"`
	InputDigest string     `json:"input_digest"`
	InputSize   int64      `json:"input_size"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	ResultRef   *string    `json:"-"`
	Error       *JobError  `json:"error,omitempty"`
}
