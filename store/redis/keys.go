package redis

// Redis key naming conventions for vigil data.
// All keys are prefixed with "vigil:" to avoid collisions.

const keyPrefix = "vigil:"

// ── Instance keys ──

// instanceKey returns the key for an instance entity: vigil:instance:{id}
func instanceKey(id string) string { return keyPrefix + "instance:" + id }

// instanceIDsKey is the Set tracking all instance IDs for enumeration.
const instanceIDsKey = keyPrefix + "instance_ids"

// childrenKey returns the Set of child IDs for a parent: vigil:children:{id}
func childrenKey(parentID string) string { return keyPrefix + "children:" + parentID }

// ── Event log keys ──

// eventLogKey returns the Sorted Set holding an instance's log, scored by
// offset: vigil:log:{instanceID}
func eventLogKey(instanceID string) string { return keyPrefix + "log:" + instanceID }

// eventOffsetKey returns the offset counter for an instance's log:
// vigil:log_offset:{instanceID}
func eventOffsetKey(instanceID string) string { return keyPrefix + "log_offset:" + instanceID }

// ── Task keys ──

// taskKey returns the key for a task entity: vigil:task:{id}
func taskKey(id string) string { return keyPrefix + "task:" + id }

// taskIDsKey is the Set tracking all task IDs for enumeration.
const taskIDsKey = keyPrefix + "task_ids"

// pendingTasksKey is the Sorted Set of pending task IDs scored by RunAt.
const pendingTasksKey = keyPrefix + "tasks_pending"

// instanceTasksKey returns the Set of task IDs belonging to an instance:
// vigil:instance_tasks:{instanceID}
func instanceTasksKey(instanceID string) string { return keyPrefix + "instance_tasks:" + instanceID }

// ── Signal keys ──

// appliedSignalsKey returns the Set of signal IDs already applied to a
// target instance: vigil:signals_applied:{instanceID}
func appliedSignalsKey(instanceID string) string { return keyPrefix + "signals_applied:" + instanceID }
