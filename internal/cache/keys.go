// Package cache implements the two-tier result cache: an in-process LRU
// in front of Redis, with single-flight computation, engine-scoped mass
// invalidation, and stale-copy fallback under lock contention.
package cache

import (
	"crypto/sha256"
	"encoding/base64"

	"github.com/cncaiprojem/projem-sub004/internal/fingerprint"
	"github.com/cncaiprojem/projem-sub004/internal/types"
)

// Key grammar pieces. The digest is the full unpadded base64url SHA-256,
// always 43 characters, so key length is bounded by the flow and
// artifact names alone.
const (
	keyPrefix  = "mgf"
	keyVersion = "v2"
	digestLen  = 43
)

// MaxArtifactLen bounds the artifact segment so keys stay under redis
// key-size comfort limits and log lines stay readable.
const MaxArtifactLen = 32

// Key builds the content-addressed cache key for one unit of work:
//
//	mgf:v2:<engine_prefix>:f:<flow>:a:<artifact>:<base64url(sha256(engine_full|canonical))>
//
// Identical (engine, flow, artifact, canonical) always produce identical
// keys, and any change to the engine fingerprint changes the digest even
// when the 20-char prefix collides.
func Key(eng *fingerprint.Engine, flow types.Flow, artifact string, canonical []byte) string {
	h := sha256.New()
	h.Write([]byte(eng.String()))
	h.Write([]byte{'|'})
	h.Write(canonical)
	digest := base64.RawURLEncoding.EncodeToString(h.Sum(nil))

	b := make([]byte, 0, len(keyPrefix)+len(keyVersion)+len(eng.Prefix())+len(flow)+len(artifact)+digestLen+16)
	b = append(b, keyPrefix...)
	b = append(b, ':')
	b = append(b, keyVersion...)
	b = append(b, ':')
	b = append(b, eng.Prefix()...)
	b = append(b, ":f:"...)
	b = append(b, flow...)
	b = append(b, ":a:"...)
	b = append(b, artifact...)
	b = append(b, ':')
	b = append(b, digest...)
	return string(b)
}

// TagKey returns the engine tag-set key holding every cache key written
// under that fingerprint.
func TagKey(engineFull string) string { return keyPrefix + ":tag:" + engineFull }

// LockKey returns the fleet lock key guarding computation of cacheKey.
func LockKey(cacheKey string) string { return keyPrefix + ":lock:" + cacheKey }

// StaleKey returns the longer-lived stale copy key for cacheKey.
func StaleKey(cacheKey string) string { return cacheKey + ":stale" }

// MetaKey returns the metadata sidecar key for cacheKey.
func MetaKey(cacheKey string) string { return cacheKey + ":meta" }
