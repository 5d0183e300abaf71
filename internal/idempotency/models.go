// Package idempotency deduplicates repeated requests by caller-supplied key.
// A key is scoped to (key, organization, actor, endpoint); within the TTL a
// replay returns the recorded response byte-for-byte and re-executes nothing.
package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// DefaultTTL is how long a consumed key keeps returning its cached response.
const DefaultTTL = 24 * time.Hour

// Scope is the composite identity of an idempotency record.
type Scope struct {
	Key      string
	OrgID    string
	ActorID  string
	Endpoint string
}

// Record is the cached outcome of the first completed request under a scope.
// Created once; read-only until it expires. Expired rows are inert: reads
// filter them by time, the hot path never deletes.
type Record struct {
	Scope

	ResponseStatus  int
	ResponseBody    []byte
	ResponseHeaders map[string]string

	// PayloadHash guards against a replayed key carrying a different body.
	PayloadHash string

	CreatedAt time.Time
	ExpiresAt time.Time
}

// Expired reports whether the record is past its TTL at the given time.
func (r *Record) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// HashPayload computes the request-body fingerprint stored alongside a key.
func HashPayload(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}
