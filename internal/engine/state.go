package engine

import (
	"time"

	"github.com/edvin/certmgr/internal/model"
)

// State is the renewal lifecycle position of one record.
type State string

const (
	StateIdle                 State = "idle"
	StateQueued               State = "queued"
	StateRunning              State = "running"
	StateWaitingForPassphrase State = "waitingForPassphrase"
	StateSucceeded            State = "succeeded"
	StateFailed               State = "failed"
)

// Trigger names what put a record on the queue. Used as a metric label.
type Trigger string

const (
	TriggerManual    Trigger = "manual"
	TriggerScheduler Trigger = "scheduler"
	TriggerWatcher   Trigger = "watcher"
	TriggerDomains   Trigger = "domains"
)

// Status is the externally visible renewal state of a record.
type Status struct {
	State State     `json:"state"`
	Since time.Time `json:"since"`
	// NewFingerprint is set after a successful renewal.
	NewFingerprint string          `json:"newFingerprint,omitempty"`
	ErrorKind      model.ErrorKind `json:"errorKind,omitempty"`
	Message        string          `json:"message,omitempty"`
}
