// Package model contains entities stored in the registry.
package model

import (
	"strconv"
	"time"
)

type InstanceID string

func (v InstanceID) String() string {
	return string(v)
}

// ServerState is persistent, the disabled flag is independent of the instance liveness.
type ServerState struct {
	Host     string `json:"host" validate:"required"`
	Disabled bool   `json:"disabled"`
}

// Instance is bound to the session lease of the process.
type Instance struct {
	InstanceID   InstanceID `json:"instanceId" validate:"required"`
	Host         string     `json:"host" validate:"required"`
	PID          int        `json:"pid"`
	RegisteredAt time.Time  `json:"registeredAt" validate:"required"`
}

// TriggerRequest is created by an operator, the instance executes the job once out of the schedule.
type TriggerRequest struct {
	RequestedAt time.Time `json:"requestedAt" validate:"required"`
}

// AssignmentGeneration is incremented by each persisted assignment.
// ModRevision of the key is used to detect concurrent modification.
type AssignmentGeneration struct {
	Generation         int64        `json:"generation"`
	ShardingTotalCount int          `json:"shardingTotalCount"`
	Instances          []InstanceID `json:"instances"`
	UpdatedAt          time.Time    `json:"updatedAt"`
}

// Assignment is the owner of one item.
type Assignment struct {
	Item  int        `json:"item"`
	Owner InstanceID `json:"owner" validate:"required"`
}

// RunningMarker is bound to the session lease of the executing instance.
type RunningMarker struct {
	InstanceID InstanceID `json:"instanceId" validate:"required"`
	TaskID     string     `json:"taskId"`
	StartedAt  time.Time  `json:"startedAt"`
}

type ExecutionStatus string

const (
	StatusRunning   ExecutionStatus = "running"
	StatusCompleted ExecutionStatus = "completed"
	StatusFailed    ExecutionStatus = "failed"
)

// ExecutionRecord is persistent, it outlives the running marker.
// A record in the running status without a live owner signals a crashed execution.
type ExecutionRecord struct {
	Item        int             `json:"item"`
	TaskID      string          `json:"taskId"`
	InstanceID  InstanceID      `json:"instanceId" validate:"required"`
	Status      ExecutionStatus `json:"status" validate:"required,oneof=running completed failed"`
	Failover    bool            `json:"failover"`
	StartedAt   time.Time       `json:"startedAt"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
	Error       string          `json:"error,omitempty"`
	Payload     string          `json:"payload,omitempty"`
}

// Misfire marks an item triggered while its previous execution was still running.
type Misfire struct {
	TriggeredAt time.Time `json:"triggeredAt"`
}

// FailoverRecord is created for a crashed execution, it is deleted when the failover execution completes.
type FailoverRecord struct {
	Item            int        `json:"item"`
	CrashedInstance InstanceID `json:"crashedInstance" validate:"required"`
	TargetInstance  InstanceID `json:"targetInstance,omitempty"`
	DetectedAt      time.Time  `json:"detectedAt"`
	AssignedAt      *time.Time `json:"assignedAt,omitempty"`
}

// Pending returns true, if the record has no target instance yet.
func (v FailoverRecord) Pending() bool {
	return v.TargetInstance == ""
}

// GuaranteeRecord is one item registered to the started or completed barrier.
type GuaranteeRecord struct {
	Item         int        `json:"item"`
	InstanceID   InstanceID `json:"instanceId"`
	RegisteredAt time.Time  `json:"registeredAt"`
}

// BarrierRelease is written by the closer, when all items reached the barrier.
// A cleared barrier without a newer release has timed out.
type BarrierRelease struct {
	ReleasedAt time.Time `json:"releasedAt"`
}

// FormatItem converts the item to a key segment.
func FormatItem(item int) string {
	return strconv.Itoa(item)
}

// ParseItem converts the key segment to the item.
func ParseItem(v string) (int, error) {
	return strconv.Atoi(v)
}
