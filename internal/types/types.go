// Package types provides shared type definitions used across MGF packages.
// This package exists to break import cycles between cache, rules, worker,
// and batch. Types in this package should be foundational data structures
// with no complex dependencies.
package types

import (
	"encoding/json"
	"time"
)

// =============================================================================
// FLOWS AND ARTIFACTS
// =============================================================================

// Flow is the coarse classification of the computation that produced a
// cached value. It is embedded verbatim in cache keys, so values are
// lowercase ASCII and never change meaning once released.
type Flow string

const (
	FlowPrompt   Flow = "prompt"
	FlowParams   Flow = "params"
	FlowUpload   Flow = "upload"
	FlowAssembly Flow = "assembly"
	FlowGeometry Flow = "geometry"
	FlowExport   Flow = "export"
	FlowMetrics  Flow = "metrics"
	FlowAI       Flow = "ai"
	FlowDoc      Flow = "doc"
)

// KnownFlows lists every flow accepted by the cache key generator.
var KnownFlows = []Flow{
	FlowPrompt, FlowParams, FlowUpload, FlowAssembly, FlowGeometry,
	FlowExport, FlowMetrics, FlowAI, FlowDoc,
}

// Valid reports whether f is one of the released flow names.
func (f Flow) Valid() bool {
	for _, k := range KnownFlows {
		if f == k {
			return true
		}
	}
	return false
}

// Artifact is the fine classification within a flow. It is a free string;
// these are the conventional values.
const (
	ArtifactData         = "data"
	ArtifactBRep         = "brep"
	ArtifactMesh         = "mesh"
	ArtifactResult       = "result"
	ArtifactAISuggestion = "ai_suggestion"
	ArtifactDocTemplate  = "doc_template"
)

// =============================================================================
// TENANT TIERS
// =============================================================================

// Tier names a tenant's resource bundle. Tiers form a total order:
// Basic < Pro < Enterprise.
type Tier string

const (
	TierBasic      Tier = "basic"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

var tierRank = map[Tier]int{
	TierBasic:      0,
	TierPro:        1,
	TierEnterprise: 2,
}

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	_, ok := tierRank[t]
	return ok
}

// AtLeast reports whether t grants at least the resources of other.
func (t Tier) AtLeast(other Tier) bool {
	return tierRank[t] >= tierRank[other]
}

// =============================================================================
// QUEUES AND JOBS
// =============================================================================

// Queue names consumed by workers. Priorities run 0..9, higher first.
const (
	QueueDefault = "default"
	QueueModel   = "model"
	QueueCAM     = "cam"
	QueueSim     = "sim"
	QueueReport  = "report"
	QueueERP     = "erp"
)

// KnownQueues lists every queue a worker may consume.
var KnownQueues = []string{
	QueueDefault, QueueModel, QueueCAM, QueueSim, QueueReport, QueueERP,
}

// MaxPriority is the highest queue priority (inclusive).
const MaxPriority = 9

// Job is the unit of work published to a queue. Payload is opaque to the
// queue; the worker decodes it according to Type.
type Job struct {
	Type           string          `json:"type"`
	Queue          string          `json:"queue"`
	TenantID       string          `json:"tenant_id"`
	Tier           Tier            `json:"tier"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	CreatedAt      time.Time       `json:"created_at"`
}
