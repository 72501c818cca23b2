package fleet

import (
	"fmt"
	"time"
)

// Credentials holds the authentication material for one hypervisor
// management API. Either a password or an API token must be set.
type Credentials struct {
	User       string `json:"user"`
	Password   string `json:"password,omitempty"`
	TokenName  string `json:"tokenName,omitempty"`
	TokenValue string `json:"tokenValue,omitempty"`
}

// Configured reports whether the credentials carry a usable auth method.
func (c Credentials) Configured() bool {
	if c.User == "" {
		return false
	}
	return c.Password != "" || (c.TokenName != "" && c.TokenValue != "")
}

// Endpoint is one configured hypervisor management connection. Endpoints
// are created and deleted by the panel's CRUD layer; the engine only
// mutates the health fields.
type Endpoint struct {
	ID          int64       `json:"id"`
	Name        string      `json:"name"`
	Address     string      `json:"address"`
	Credentials Credentials `json:"credentials"`
	VerifyTLS   bool        `json:"verifyTls"`

	IsOnline  bool      `json:"isOnline"`
	LastError string    `json:"lastError,omitempty"`
	LastCheck time.Time `json:"lastCheck"`
}

// InstanceKind distinguishes full VMs from containers.
type InstanceKind string

const (
	KindVM        InstanceKind = "vm"
	KindContainer InstanceKind = "container"
)

// Well-known instance status strings as reported by hypervisors.
const (
	StatusRunning = "running"
	StatusStopped = "stopped"
)

// InstanceKey uniquely identifies a cached instance. GroupID is the
// effective cluster group: the smallest member endpoint ID for clustered
// endpoints, the endpoint's own ID otherwise. Both IDs are non-negative:
// endpoint IDs are positive by validation and Proxmox VMIDs are positive.
type InstanceKey struct {
	GroupID    int64 `json:"groupId"`
	InstanceID int   `json:"instanceId"`
}

func (k InstanceKey) String() string {
	return fmt.Sprintf("%d:%d", k.GroupID, k.InstanceID)
}

// Instance is one cached VM or container. Rows are created and updated by
// the reconciler and soft-deleted when they vanish from a live cycle;
// they are never hard-deleted, for audit continuity.
type Instance struct {
	GroupID     int64        `json:"groupId"`
	InstanceID  int          `json:"instanceId"`
	Name        string       `json:"name"`
	Node        string       `json:"node"`
	Kind        InstanceKind `json:"kind"`
	Status      string       `json:"status"`
	Cores       int          `json:"cores"`
	MemoryBytes int64        `json:"memoryBytes"`
	DiskBytes   int64        `json:"diskBytes"`
	Owner       string       `json:"owner,omitempty"`
	IsTemplate  bool         `json:"isTemplate"`

	SoftDeletedAt *time.Time `json:"softDeletedAt,omitempty"`
	LastSyncAt    time.Time  `json:"lastSyncAt"`
}

// Key returns the cache key for the instance.
func (i Instance) Key() InstanceKey {
	return InstanceKey{GroupID: i.GroupID, InstanceID: i.InstanceID}
}

// Deleted reports whether the row is soft-deleted.
func (i Instance) Deleted() bool {
	return i.SoftDeletedAt != nil
}

// TaskType identifies the control action a bulk task applies to each item.
type TaskType string

const (
	TaskStart    TaskType = "start"
	TaskStop     TaskType = "stop"
	TaskRestart  TaskType = "restart"
	TaskShutdown TaskType = "shutdown"
	TaskDelete   TaskType = "delete"
)

// Valid reports whether the task type is one the runner can execute.
func (t TaskType) Valid() bool {
	switch t {
	case TaskStart, TaskStop, TaskRestart, TaskShutdown, TaskDelete:
		return true
	}
	return false
}

// TaskStatus is the lifecycle state of a bulk task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// Finished reports whether the status is terminal.
func (s TaskStatus) Finished() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	}
	return false
}

// TaskItem is one target of a bulk task.
type TaskItem struct {
	EndpointID int64        `json:"endpointId"`
	InstanceID int          `json:"instanceId"`
	Kind       InstanceKind `json:"kind"`
	Node       string       `json:"node"`
	Name       string       `json:"name"`
}

// TaskItemResult records the outcome of one task item. Per-item failures
// never abort the task; they are recorded here and counted.
type TaskItemResult struct {
	EndpointID int64  `json:"endpointId"`
	InstanceID int    `json:"instanceId"`
	Name       string `json:"name"`
	Success    bool   `json:"success"`
	Message    string `json:"message"`
}

// Task is one bulk operation spanning many instances. At most one task is
// ever in the running state; the queue drains strictly FIFO by CreatedAt.
type Task struct {
	ID     string     `json:"id"`
	Type   TaskType   `json:"type"`
	Status TaskStatus `json:"status"`
	Owner  int64      `json:"owner"`

	Items   []TaskItem       `json:"items"`
	Results []TaskItemResult `json:"results"`

	TotalItems     int `json:"totalItems"`
	CompletedItems int `json:"completedItems"`
	FailedItems    int `json:"failedItems"`

	// Error is set only when the task run itself aborted, not when
	// individual items failed.
	Error string `json:"error,omitempty"`

	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// RemoteInstance is an instance snapshot as reported by a hypervisor.
type RemoteInstance struct {
	ID          int
	Name        string
	Node        string
	Kind        InstanceKind
	Status      string
	Cores       int
	MemoryBytes int64
	DiskBytes   int64
	IsTemplate  bool
}

// InstanceStats is a point-in-time resource usage sample for a running
// instance. CPU is a fraction in [0,1]; the byte pairs are used/capacity.
type InstanceStats struct {
	CPU            float64
	MemoryBytes    int64
	MaxMemoryBytes int64
	DiskBytes      int64
	MaxDiskBytes   int64
}
