package fleet

import (
	"context"
	"errors"
	"fmt"
)

// Hypervisor is a live connection to one hypervisor management API. All
// calls block with the timeout carried by ctx; implementations are
// expected to bound every network operation.
type Hypervisor interface {
	// Ping verifies the API responds. A non-nil error means the endpoint
	// is unreachable (a connectivity error, not a configuration error).
	Ping(ctx context.Context) error

	// ListNodes returns the names of the cluster nodes visible through
	// this endpoint. A standalone host reports exactly its own node.
	ListNodes(ctx context.Context) ([]string, error)

	// ListInstances returns snapshots of every VM and container visible
	// through this endpoint, templates included.
	ListInstances(ctx context.Context) ([]RemoteInstance, error)

	// InstanceStats samples resource usage for one instance.
	InstanceStats(ctx context.Context, node string, id int, kind InstanceKind) (InstanceStats, error)

	// Control operations. Shutdown is the graceful variant of Stop.
	Start(ctx context.Context, node string, id int, kind InstanceKind) error
	Stop(ctx context.Context, node string, id int, kind InstanceKind) error
	Shutdown(ctx context.Context, node string, id int, kind InstanceKind) error
	Restart(ctx context.Context, node string, id int, kind InstanceKind) error
	Delete(ctx context.Context, node string, id int, kind InstanceKind) error

	// Close releases the connection.
	Close()
}

// Dialer establishes hypervisor connections from endpoint records.
//
// A Dial failure caused by the endpoint record itself (missing
// credentials, malformed address) must be reported as a *ConfigError so
// the monitor can distinguish it from a connectivity failure: a
// misconfigured endpoint is never flipped to offline.
type Dialer interface {
	Dial(ctx context.Context, ep Endpoint) (Hypervisor, error)
}

// ConfigError marks an endpoint as unusable due to its configuration
// rather than its reachability.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("endpoint configuration error: %s", e.Reason)
}

// IsConfigError reports whether err (or anything it wraps) is a
// configuration error.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}
