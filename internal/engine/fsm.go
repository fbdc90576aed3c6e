package engine

import "github.com/rendis/procflow/pkg/schema"

// validInstanceTransitions defines the allowed status transitions.
// Faulted -> Running exists only for Retry; Completed and Cancelled are
// fully terminal.
var validInstanceTransitions = map[schema.InstanceStatus][]schema.InstanceStatus{
	schema.InstancePending:   {schema.InstanceRunning, schema.InstanceCancelled, schema.InstanceFaulted},
	schema.InstanceRunning:   {schema.InstanceSuspended, schema.InstanceCompleted, schema.InstanceFaulted, schema.InstanceCancelled},
	schema.InstanceSuspended: {schema.InstanceRunning, schema.InstanceFaulted, schema.InstanceCancelled},
	schema.InstanceFaulted:   {schema.InstanceRunning},
	schema.InstanceCompleted: {},
	schema.InstanceCancelled: {},
}

// canTransition reports whether from -> to is an allowed transition.
func canTransition(from, to schema.InstanceStatus) bool {
	for _, allowed := range validInstanceTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// transition validates and applies a status change on the instance.
func transition(inst *schema.WorkflowInstanceState, to schema.InstanceStatus) error {
	if !canTransition(inst.Status, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid instance transition: %s -> %s", inst.Status, to).
			WithDetails(map[string]any{"instance_id": inst.ID})
	}
	inst.Status = to
	return nil
}
