package runtime

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of one environment. Transitions are
// monotonic except running -> error, which an external fault can trigger
// at any time.
type Status string

const (
	StatusCreated Status = "created"
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
	StatusError   Status = "error"
)

// WarmPoolAppID is the sentinel owner of pre-provisioned environments not
// yet bound to a real app.
const WarmPoolAppID = "warm-pool"

// Container labels used for listing and filtering.
const (
	LabelAppID   = "appcanvas.app-id"
	LabelManaged = "appcanvas.managed"
)

// Environment is one provisioned, isolated execution environment.
type Environment struct {
	ID          string    `json:"id"`
	AppID       string    `json:"app_id"`
	Status      Status    `json:"status"`
	URL         string    `json:"url,omitempty"`
	ContainerID string    `json:"-"`
	Port        int       `json:"port,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	LastUsed    time.Time `json:"last_used"`
}

// Warm reports whether the environment still belongs to the warm pool.
func (e *Environment) Warm() bool {
	return e.AppID == WarmPoolAppID
}

// Stats is one resource usage sample for an environment.
type Stats struct {
	CPUPercent  float64 `json:"cpu_percent"`
	MemoryBytes uint64  `json:"memory_bytes"`
}

// EnvironmentError reports an allocation or lifecycle failure. The pool's
// bookkeeping stays intact; no partially-initialized handle escapes.
type EnvironmentError struct {
	Op  string
	Err error
}

func (e *EnvironmentError) Error() string {
	return fmt.Sprintf("environment %s: %v", e.Op, e.Err)
}

func (e *EnvironmentError) Unwrap() error { return e.Err }

// DeploymentError reports a failed code deployment with the captured
// install output.
type DeploymentError struct {
	Output string
	Err    error
}

func (e *DeploymentError) Error() string {
	return fmt.Sprintf("deployment failed: %v", e.Err)
}

func (e *DeploymentError) Unwrap() error { return e.Err }
