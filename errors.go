package fleet

import "errors"

// Engine and task lifecycle errors.
var (
	// ErrUnknownTaskType indicates a bulk task was created with a type the
	// runner cannot execute.
	ErrUnknownTaskType = errors.New("unknown task type")

	// ErrNoItems indicates a bulk task was created with an empty item list.
	ErrNoItems = errors.New("no items provided for bulk operation")

	// ErrTaskNotFound indicates the referenced task does not exist.
	ErrTaskNotFound = errors.New("task not found")

	// ErrTaskNotPending indicates an operation requires a pending task but
	// the task has already left the pending state.
	ErrTaskNotPending = errors.New("task is not pending")

	// ErrNotTaskOwner indicates the caller does not own the task.
	ErrNotTaskOwner = errors.New("not the task owner")

	// ErrEndpointNotFound indicates the referenced endpoint does not exist.
	ErrEndpointNotFound = errors.New("endpoint not found")

	// ErrInstanceNotFound indicates the referenced instance is not cached.
	ErrInstanceNotFound = errors.New("instance not found")

	// ErrAlreadyRunning indicates the engine or scheduler is already running.
	ErrAlreadyRunning = errors.New("already running")

	// ErrJobExists indicates a job with the same name is already registered.
	ErrJobExists = errors.New("job already registered")
)
