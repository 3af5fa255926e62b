package types

import (
	"time"
)

// OperationType identifies the kind of long-running work an operation tracks.
type OperationType string

const (
	OperationTraining      OperationType = "training"
	OperationBacktesting   OperationType = "backtesting"
	OperationAgentResearch OperationType = "agent_research"
)

// OperationStatus represents the lifecycle state of an operation.
type OperationStatus string

const (
	// StatusPending indicates the operation was created but not yet dispatched
	StatusPending OperationStatus = "pending"

	// StatusRunning indicates the operation is executing on a worker
	StatusRunning OperationStatus = "running"

	// StatusCompleted indicates the operation finished successfully
	StatusCompleted OperationStatus = "completed"

	// StatusFailed indicates the operation terminated with an error
	StatusFailed OperationStatus = "failed"

	// StatusCancelled indicates the operation was cancelled by a caller
	StatusCancelled OperationStatus = "cancelled"

	// StatusResuming is the transient state between winning the resume
	// race and the worker picking the operation back up
	StatusResuming OperationStatus = "resuming"
)

// IsTerminal returns true if the status is a terminal state.
func (s OperationStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// IsResumable returns true if an operation in this status may be resumed.
// Only cancelled and failed operations hold a checkpoint worth resuming.
func (s OperationStatus) IsResumable() bool {
	return s == StatusCancelled || s == StatusFailed
}

// Operation is a unit of trackable long-running work.
type Operation struct {
	// ID is the globally unique identifier, caller- or system-assigned
	ID string `json:"operation_id"`

	// Type is the operation kind
	Type OperationType `json:"operation_type"`

	// Status is the current lifecycle state
	Status OperationStatus `json:"status"`

	// ParentID links a phase-child to its workflow parent operation
	ParentID string `json:"parent_operation_id,omitempty"`

	// Metadata holds free-form parameters supplied at creation
	Metadata map[string]string `json:"metadata,omitempty"`

	// Progress is the latest pulled progress snapshot
	Progress *ProgressSnapshot `json:"progress,omitempty"`

	// ResultSummary is set only when Status is completed
	ResultSummary map[string]any `json:"result_summary,omitempty"`

	// ErrorMessage is set only when Status is failed
	ErrorMessage string `json:"error_message,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Clone returns a deep copy safe to hand to a concurrent reader.
func (o *Operation) Clone() *Operation {
	cp := *o
	if o.Metadata != nil {
		cp.Metadata = make(map[string]string, len(o.Metadata))
		for k, v := range o.Metadata {
			cp.Metadata[k] = v
		}
	}
	if o.Progress != nil {
		p := o.Progress.Clone()
		cp.Progress = &p
	}
	if o.ResultSummary != nil {
		cp.ResultSummary = make(map[string]any, len(o.ResultSummary))
		for k, v := range o.ResultSummary {
			cp.ResultSummary[k] = v
		}
	}
	if o.StartedAt != nil {
		t := *o.StartedAt
		cp.StartedAt = &t
	}
	if o.CompletedAt != nil {
		t := *o.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

// ProgressSnapshot is the latest point-in-time progress of an operation.
// Snapshots are last-write-wins: there is exactly one writer per operation.
type ProgressSnapshot struct {
	Percentage float64        `json:"percentage"`
	Message    string         `json:"message"`
	Extra      map[string]any `json:"extra,omitempty"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Clone returns a copy with its own Extra map.
func (p ProgressSnapshot) Clone() ProgressSnapshot {
	cp := p
	if p.Extra != nil {
		cp.Extra = make(map[string]any, len(p.Extra))
		for k, v := range p.Extra {
			cp.Extra[k] = v
		}
	}
	return cp
}

// MetricRecord is one entry in an operation's append-only metric log.
type MetricRecord struct {
	// Unit is the monotonically increasing unit counter (epoch or bar index)
	Unit int `json:"unit"`

	// Name is the metric name, e.g. "loss" or "equity"
	Name string `json:"name"`

	// Value is the metric value at Unit
	Value float64 `json:"value"`

	Timestamp time.Time `json:"timestamp"`
}

// WorkerStatus represents the availability of a registered worker.
type WorkerStatus string

const (
	WorkerIdle WorkerStatus = "idle"
	WorkerBusy WorkerStatus = "busy"
)

// Capabilities describes the hardware a worker can offer.
type Capabilities struct {
	GPU      bool   `json:"gpu"`
	GPUType  string `json:"gpu_type,omitempty"`
	GPUCount int    `json:"gpu_count,omitempty"`
}

// WorkerInfo is the ephemeral self-registration record of a worker runtime.
// It is re-created on worker restart and never persisted beyond the
// registering process lifetime.
type WorkerInfo struct {
	ID           string        `json:"worker_id"`
	Type         OperationType `json:"worker_type"`
	EndpointURL  string        `json:"endpoint_url"`
	Capabilities Capabilities  `json:"capabilities"`
	Status       WorkerStatus  `json:"status"`
	RegisteredAt time.Time     `json:"registered_at"`
	LastSeen     time.Time     `json:"last_seen"`
}
