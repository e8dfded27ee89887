package redis

// Redis key naming conventions for cascade data.
// All keys are prefixed with "cascade:" to avoid collisions.

const keyPrefix = "cascade:"

// ── Event keys ──

// eventsKey returns the List key for an instance's event log:
// cascade:events:{instanceID}. The list index encodes the sequence, so
// LLEN is the instance's last sequence.
func eventsKey(instanceID string) string { return keyPrefix + "events:" + instanceID }

// instanceIDsKey is the Set tracking all instances with events.
const instanceIDsKey = keyPrefix + "instances"

// ── Definition keys ──

// definitionKey returns the key for a definition entity: cascade:definition:{id}
func definitionKey(id string) string { return keyPrefix + "definition:" + id }

// definitionIDsKey is the Set tracking all definition IDs for enumeration.
const definitionIDsKey = keyPrefix + "definition_ids"

// definitionNamesKey maps "{name}@{version}" to IDs for duplicate detection.
const definitionNamesKey = keyPrefix + "definition_names"

// definitionVersionsKey returns the Sorted Set of a name's versions,
// scored by version, member is the definition ID.
func definitionVersionsKey(name string) string {
	return keyPrefix + "definition_versions:" + name
}

// ── Cron keys ──

// cronKey returns the key for a schedule entity: cascade:cron:{id}
func cronKey(id string) string { return keyPrefix + "cron:" + id }

// cronIDsKey is the Set tracking all schedule IDs for enumeration.
const cronIDsKey = keyPrefix + "cron_ids"

// cronNamesKey maps schedule names to IDs for duplicate detection.
const cronNamesKey = keyPrefix + "cron_names"

// cronLockKey returns the firing-lock key for a schedule: cascade:cron_lock:{id}
func cronLockKey(id string) string { return keyPrefix + "cron_lock:" + id }

// ── DLQ keys ──

// dlqKey returns the key for a DLQ entry entity: cascade:dlq:{id}
func dlqKey(id string) string { return keyPrefix + "dlq:" + id }

// dlqByFailedKey is the Sorted Set of entry IDs scored by failure time.
const dlqByFailedKey = keyPrefix + "dlq_by_failed"

// ── Cluster keys ──

// workerKey returns the key for a worker entity: cascade:worker:{id}
func workerKey(id string) string { return keyPrefix + "worker:" + id }

// workerIDsKey is the Set tracking all worker IDs for enumeration.
const workerIDsKey = keyPrefix + "worker_ids"

// leaderKey stores the current leader worker ID with the lease TTL.
const leaderKey = keyPrefix + "leader"
