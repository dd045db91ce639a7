// Package gemini wraps the upstream Gemini provider behind a streaming
// generation client.
//
// The client owns two shared resources: an ordered, cyclically rotating
// credential pool used for failover, and a fingerprint-keyed response
// cache with TTL and bounded capacity. A cache hit is replayed as paced
// synthetic chunks without touching the credential pool; a cache miss
// streams from the provider with the active credential, rotating through
// the pool with a fixed backoff until the pool is exhausted.
//
// Both resources are safe for concurrent use by simultaneous sessions;
// per-request state never lives here.
package gemini
