package redis

// Redis key naming conventions for finsight data.
// All keys are prefixed with "finsight:" to avoid collisions.

const keyPrefix = "finsight:"

// jobKey returns the key for a job entity: finsight:job:{id}
func jobKey(id string) string { return keyPrefix + "job:" + id }

// jobIDsKey is the Set tracking all job IDs for enumeration.
const jobIDsKey = keyPrefix + "job_ids"

// queueKey is the Sorted Set of queued job IDs scored by run_at.
const queueKey = keyPrefix + "queue"

// runningDocsKey is the Set of document IDs with a running job. Claiming
// membership here is what serializes stage execution per document.
const runningDocsKey = keyPrefix + "running_docs"

// dedupKeysKey maps dedup keys to the live job holding them.
const dedupKeysKey = keyPrefix + "dedup_keys"

// archiveKey returns the key for an archive entry: finsight:archive:{id}
func archiveKey(id string) string { return keyPrefix + "archive:" + id }

// archiveIDsKey is the Set tracking all archive entry IDs.
const archiveIDsKey = keyPrefix + "archive_ids"
