// Package keys is the canonical registry of the Redis key layout.
// Every key the system touches is built here; no other package may
// assemble key strings by hand.
package keys

import "fmt"

// Primary KV namespaces.
const (
	threadPrefix   = "sre:thread:"
	taskPrefix     = "sre:task:"
	schedulePrefix = "sre:schedules:"
	instancePrefix = "sre:instance:"
	qaPrefix       = "sre:qa:"

	// ThreadsIndex is a sorted set of thread ids scored by updated_at.
	ThreadsIndex = "sre:threads"
	// ScheduleIDs is a set of all schedule ids, the KV fallback for the
	// schedule FT index.
	ScheduleIDs = "sre:schedules"
	// InstanceIDs is a set of all instance ids.
	InstanceIDs = "sre:instances"
)

// Search document prefixes. One hash per entity; these hashes are the
// FT index's backing documents and are recreatable from primary KV.
const (
	SearchTaskPrefix      = "sre_tasks:"
	SearchThreadPrefix    = "sre_threads:"
	SearchSchedulePrefix  = "sre_schedules:"
	SearchQAPrefix        = "sre_qa:"
	SearchInstancePrefix  = "sre_instances:"
	SearchKnowledgePrefix = "sre_knowledge:"
)

const dedupPrefix = "sre_task_dedup:"

// Thread keys.

func ThreadMetadata(id string) string { return threadPrefix + id + ":metadata" }
func ThreadContext(id string) string  { return threadPrefix + id + ":context" }
func ThreadUpdates(id string) string  { return threadPrefix + id + ":updates" }
func ThreadResult(id string) string   { return threadPrefix + id + ":result" }
func ThreadError(id string) string    { return threadPrefix + id + ":error" }

// ThreadTasks is a sorted set of task ids owned by the thread,
// scored by task creation epoch seconds.
func ThreadTasks(threadID string) string { return threadPrefix + threadID + ":tasks" }

// Task keys.

func TaskStatus(id string) string   { return taskPrefix + id + ":status" }
func TaskMetadata(id string) string { return taskPrefix + id + ":metadata" }
func TaskUpdates(id string) string  { return taskPrefix + id + ":updates" }
func TaskResult(id string) string   { return taskPrefix + id + ":result" }
func TaskError(id string) string    { return taskPrefix + id + ":error" }

// Entity hashes.

func Schedule(id string) string { return schedulePrefix + id }
func Instance(id string) string { return instancePrefix + id }
func QA(id string) string       { return qaPrefix + id }

// Search docs.

func SearchTask(id string) string      { return SearchTaskPrefix + id }
func SearchThread(id string) string    { return SearchThreadPrefix + id }
func SearchSchedule(id string) string  { return SearchSchedulePrefix + id }
func SearchQA(id string) string        { return SearchQAPrefix + id }
func SearchInstance(id string) string  { return SearchInstancePrefix + id }
func SearchKnowledge(id string) string { return SearchKnowledgePrefix + id }

// DedupToken holds a short-lived claim over a logical submission slot.
func DedupToken(key string) string { return dedupPrefix + key }

// Queue keys, namespaced by queue name so multiple queues can coexist.

func QueuePending(queue string) string { return fmt.Sprintf("sre:queue:%s:pending", queue) }
func QueueDelayed(queue string) string { return fmt.Sprintf("sre:queue:%s:delayed", queue) }
func QueueClaims(queue string) string  { return fmt.Sprintf("sre:queue:%s:claims", queue) }

// QueueProcessing holds envelopes between the pop and the claim write;
// the reaper requeues entries orphaned by a worker crash in that window.
func QueueProcessing(queue string) string { return fmt.Sprintf("sre:queue:%s:processing", queue) }

// QueueSlots counts in-flight tasks sharing a concurrency key.
func QueueSlots(queue, concurrencyKey string) string {
	return fmt.Sprintf("sre:queue:%s:slots:%s", queue, concurrencyKey)
}

// StreamChannel is the pub/sub channel for live thread updates.
func StreamChannel(threadID string) string { return "sre:stream:" + threadID }
