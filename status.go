package fleet

import (
	"context"
	"fmt"
)

// Status is a point-in-time summary of the fleet for the panel dashboard.
type Status struct {
	Endpoints       int `json:"endpoints"`
	EndpointsOnline int `json:"endpointsOnline"`

	Instances        int `json:"instances"`
	InstancesRunning int `json:"instancesRunning"`
	InstancesDeleted int `json:"instancesDeleted"`

	TasksByStatus map[TaskStatus]int `json:"tasksByStatus"`
}

// Status summarizes the persisted fleet state.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	st := Status{TasksByStatus: make(map[TaskStatus]int)}

	endpoints, err := e.store.ListEndpoints(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("failed to list endpoints: %w", err)
	}
	st.Endpoints = len(endpoints)
	for _, ep := range endpoints {
		if ep.IsOnline {
			st.EndpointsOnline++
		}
	}

	instances, err := e.store.ListInstances(ctx, InstanceFilter{IncludeDeleted: true})
	if err != nil {
		return Status{}, fmt.Errorf("failed to list instances: %w", err)
	}
	for _, inst := range instances {
		if inst.Deleted() {
			st.InstancesDeleted++
			continue
		}
		st.Instances++
		if inst.Status == StatusRunning {
			st.InstancesRunning++
		}
	}

	tasks, err := e.store.ListTasks(ctx, TaskFilter{})
	if err != nil {
		return Status{}, fmt.Errorf("failed to list tasks: %w", err)
	}
	for _, t := range tasks {
		st.TasksByStatus[t.Status]++
	}

	return st, nil
}
