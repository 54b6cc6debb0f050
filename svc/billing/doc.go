// Package billing exposes the subscription core over HTTP and provides its
// storage backends.
//
// NewRouter mounts the checkout, upgrade and gateway webhook endpoints
// together with /healthz and /metrics. PostgresStore and MemoryStore
// implement subscription.Store; RedisEventLog, PostgresEventLog and
// MemoryEventLog implement subscription.EventLog.
//
// The webhook endpoint answers 200 for processed, duplicate and malformed
// events, 400 for a bad signature and 500 when the gateway should retry.
package billing
