package redis

// Redis key naming conventions for conveyor data.
// All keys are prefixed with "conveyor:" to avoid collisions.

const keyPrefix = "conveyor:"

// ── Job keys ──

// jobKey returns the key for a job entity: conveyor:job:{id}
func jobKey(id string) string { return keyPrefix + "job:" + id }

// jobIDsKey is the Set tracking all job IDs for enumeration.
const jobIDsKey = keyPrefix + "job_ids"

// ── Task keys ──

// taskKey returns the key for a task entity: conveyor:task:{id}
func taskKey(id string) string { return keyPrefix + "task:" + id }

// queueKey returns the Sorted Set key holding the claimable tasks of a
// queue: conveyor:queue:{name}
func queueKey(name string) string { return keyPrefix + "queue:" + name }

// taskIDsKey is the Set tracking all task IDs for enumeration.
const taskIDsKey = keyPrefix + "task_ids"

// queueSeqKey is a global INCR counter stamping enqueue order into
// queue scores, so same-millisecond tasks keep FIFO order.
const queueSeqKey = keyPrefix + "queue_seq"

// ── Credit keys ──

// balanceKey returns the key for a client's balance: conveyor:balance:{clientID}
func balanceKey(clientID string) string { return keyPrefix + "balance:" + clientID }

// ── DLQ keys ──

// dlqKey returns the key for a DLQ entry entity: conveyor:dlq:{id}
func dlqKey(id string) string { return keyPrefix + "dlq:" + id }

// dlqIDsKey is the Set tracking all DLQ entry IDs for enumeration.
const dlqIDsKey = keyPrefix + "dlq_ids"
