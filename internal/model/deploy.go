package model

import (
	"fmt"
	"time"
)

// DeployActionType discriminates the deploy action variants.
type DeployActionType string

const (
	ActionCopy          DeployActionType = "copy"
	ActionDockerRestart DeployActionType = "docker_restart"
	ActionCommand       DeployActionType = "command"
)

// DeployAction is one post-renewal side effect. The Type field selects the
// variant; only the fields belonging to that variant may be set.
type DeployAction struct {
	Type DeployActionType `json:"type"`

	// copy
	Destination string `json:"destination,omitempty"`

	// docker_restart; exactly one of ID or name.
	ContainerID   string `json:"containerId,omitempty"`
	ContainerName string `json:"containerName,omitempty"`

	// command
	Command string `json:"command,omitempty"`
}

// ContainerRef returns the container ID if set, else the container name.
func (a DeployAction) ContainerRef() string {
	if a.ContainerID != "" {
		return a.ContainerID
	}
	return a.ContainerName
}

// Validate rejects unknown action types and variants with missing or
// mismatched fields.
func (a DeployAction) Validate() error {
	switch a.Type {
	case ActionCopy:
		if a.Destination == "" {
			return fmt.Errorf("copy action requires a destination")
		}
	case ActionDockerRestart:
		if a.ContainerID == "" && a.ContainerName == "" {
			return fmt.Errorf("docker_restart action requires a container id or name")
		}
	case ActionCommand:
		if a.Command == "" {
			return fmt.Errorf("command action requires a command line")
		}
	default:
		return fmt.Errorf("unknown deploy action type %q", a.Type)
	}
	return nil
}

// ActionResult reports the outcome of a single deploy action.
type ActionResult struct {
	Action   DeployAction  `json:"action"`
	OK       bool          `json:"ok"`
	ErrKind  ErrorKind     `json:"errKind,omitempty"`
	Message  string        `json:"message,omitempty"`
	Stdout   string        `json:"stdout,omitempty"`
	Stderr   string        `json:"stderr,omitempty"`
	Duration time.Duration `json:"duration"`
}

// PipelineResult is the outcome of a full deployment run. OK is the AND of
// the per-action outcomes; a failed action never prevents its successors from
// being attempted.
type PipelineResult struct {
	OK      bool           `json:"ok"`
	Actions []ActionResult `json:"actions"`
}
