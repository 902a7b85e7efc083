package types

import (
	"errors"
	"fmt"
)

// Kind buckets fault codes by how callers must react.
type Kind int

const (
	// KindUserInput faults are caused by the request itself and are never
	// retried.
	KindUserInput Kind = iota
	// KindTransient faults are expected to clear on their own and are
	// retried with backoff.
	KindTransient
	// KindResource faults mean a budget or limit was hit. Not retried on
	// the hot path; surfaced to the client.
	KindResource
	// KindFatal faults indicate the engine or persisted state is broken.
	// They feed the circuit breaker and should page someone.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindUserInput:
		return "user_input"
	case KindTransient:
		return "transient"
	case KindResource:
		return "resource"
	case KindFatal:
		return "fatal"
	}
	return "unknown"
}

// Fault codes. These cross the process boundary (queue payloads, CLI JSON
// output, metrics labels) and are frozen once released.
const (
	// User input.
	CodeValidationFailed       = "validation_failed"
	CodeAmbiguousInput         = "ambiguous_input"
	CodeUnsupportedFormat      = "unsupported_format"
	CodeLicenseRestriction     = "license_restriction"
	CodeSecurityViolation      = "security_violation"
	CodeInvalidSyntax          = "invalid_syntax"
	CodeAPINotFound            = "api_not_found"
	CodeAPIDeprecated          = "api_deprecated"
	CodeDimensionError         = "dimension_error"
	CodeAngleError             = "angle_error"
	CodeConstraintUnsupported  = "constraint_unsupported"
	CodeSketchUnderconstrained = "sketch_underconstrained"
	CodeSingleSolidViolation   = "single_solid_violation"
	CodePatternError           = "pattern_error"
	CodeMissingRequired        = "missing_required"
	CodeAIHintRequired         = "ai_hint_required"
	CodeDocumentExists         = "document_exists"
	CodeDocumentNotFound       = "document_not_found"
	CodeStepTopology           = "step_topology"
	CodeIGESUntrimmed          = "iges_untrimmed"
	CodeSTLNotManifold         = "stl_not_manifold"
	CodeDXFUnitsUnknown        = "dxf_units_unknown"
	CodeIFCDepMissing          = "ifc_dep_missing"
	CodeIFCGeomFail            = "ifc_geom_fail"
	CodeGeometryInvalid        = "geometry_invalid"
	CodeUnitConversionFailed   = "unit_conversion_failed"
	CodeOrientationFailed      = "orientation_failed"

	// Transient.
	CodeTemporaryFailure      = "temporary_failure"
	CodeS3DownloadFailed      = "s3_download_failed"
	CodeS3UploadFailed        = "s3_upload_failed"
	CodeCompressionError      = "compression_error"
	CodeRedisConnectionError  = "redis_connection_error"
	CodeLockTimeout           = "lock_timeout"
	CodePreviewGenerationFailed = "preview_generation_failed"

	// Resource.
	CodeResourceExhausted   = "resource_exhausted"
	CodeMemoryLimitExceeded = "memory_limit_exceeded"
	CodeTimeoutExceeded     = "timeout_exceeded"
	CodeDocumentLocked      = "document_locked"
	CodeLockOwnerMismatch   = "lock_owner_mismatch"
	CodeCircuitBreakerOpen  = "circuit_breaker_open"

	// Fatal.
	CodeEngineNotFound   = "engine_not_found"
	CodeInvalidVersion   = "invalid_version"
	CodeDocumentCorrupt  = "document_corrupt"
	CodeMigrationFailed  = "migration_failed"
	CodeSubprocessFailed = "subprocess_failed"
)

var kindByCode = map[string]Kind{
	CodeValidationFailed:       KindUserInput,
	CodeAmbiguousInput:         KindUserInput,
	CodeUnsupportedFormat:      KindUserInput,
	CodeLicenseRestriction:     KindUserInput,
	CodeSecurityViolation:      KindUserInput,
	CodeInvalidSyntax:          KindUserInput,
	CodeAPINotFound:            KindUserInput,
	CodeAPIDeprecated:          KindUserInput,
	CodeDimensionError:         KindUserInput,
	CodeAngleError:             KindUserInput,
	CodeConstraintUnsupported:  KindUserInput,
	CodeSketchUnderconstrained: KindUserInput,
	CodeSingleSolidViolation:   KindUserInput,
	CodePatternError:           KindUserInput,
	CodeMissingRequired:        KindUserInput,
	CodeAIHintRequired:         KindUserInput,
	CodeDocumentExists:         KindUserInput,
	CodeDocumentNotFound:       KindUserInput,
	CodeStepTopology:           KindUserInput,
	CodeIGESUntrimmed:          KindUserInput,
	CodeSTLNotManifold:         KindUserInput,
	CodeDXFUnitsUnknown:        KindUserInput,
	CodeIFCDepMissing:          KindUserInput,
	CodeIFCGeomFail:            KindUserInput,
	CodeGeometryInvalid:        KindUserInput,
	CodeUnitConversionFailed:   KindUserInput,
	CodeOrientationFailed:      KindUserInput,

	CodeTemporaryFailure:      KindTransient,
	CodeS3DownloadFailed:      KindTransient,
	CodeS3UploadFailed:        KindTransient,
	CodeCompressionError:      KindTransient,
	CodeRedisConnectionError:  KindTransient,
	CodeLockTimeout:           KindTransient,
	CodePreviewGenerationFailed: KindTransient,

	CodeResourceExhausted:   KindResource,
	CodeMemoryLimitExceeded: KindResource,
	CodeTimeoutExceeded:     KindResource,
	CodeDocumentLocked:      KindResource,
	CodeLockOwnerMismatch:   KindResource,
	CodeCircuitBreakerOpen:  KindResource,

	CodeEngineNotFound:   KindFatal,
	CodeInvalidVersion:   KindFatal,
	CodeDocumentCorrupt:  KindFatal,
	CodeMigrationFailed:  KindFatal,
	CodeSubprocessFailed: KindFatal,
}

// Fault is the structured error that crosses every public boundary.
// Code is machine-readable, Message is for humans, Details carries
// structured context (offending name, requested format, line/column...).
type Fault struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`

	cause error
}

// NewFault builds a fault with the given code and message.
func NewFault(code, message string) *Fault {
	return &Fault{Code: code, Message: message}
}

// Faultf builds a fault with a formatted message.
func Faultf(code, format string, args ...any) *Fault {
	return &Fault{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapFault builds a fault whose cause is err; errors.Is/As see through it.
func WrapFault(code, message string, err error) *Fault {
	return &Fault{Code: code, Message: message, cause: err}
}

// With adds one detail entry and returns the fault for chaining.
func (f *Fault) With(key string, value any) *Fault {
	if f.Details == nil {
		f.Details = make(map[string]any)
	}
	f.Details[key] = value
	return f
}

func (f *Fault) Error() string {
	if f.cause != nil {
		return f.Code + ": " + f.Message + ": " + f.cause.Error()
	}
	return f.Code + ": " + f.Message
}

func (f *Fault) Unwrap() error { return f.cause }

// Kind classifies the fault. Codes missing from the table classify as
// resource: unknown failures must not be silently retried.
func (f *Fault) Kind() Kind {
	if k, ok := kindByCode[f.Code]; ok {
		return k
	}
	return KindResource
}

// CodeOf extracts the fault code from err, or "" when err carries none.
func CodeOf(err error) string {
	var f *Fault
	if errors.As(err, &f) {
		return f.Code
	}
	return ""
}

// KindOf classifies err. Non-fault errors classify as resource.
func KindOf(err error) Kind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind()
	}
	return KindResource
}

// Retriable reports whether err may be retried with backoff.
func Retriable(err error) bool {
	return KindOf(err) == KindTransient
}

// AsFault returns the fault inside err, wrapping foreign errors into a
// temporary_failure so that no raw error type leaks through a boundary.
func AsFault(err error) *Fault {
	if err == nil {
		return nil
	}
	var f *Fault
	if errors.As(err, &f) {
		return f
	}
	return WrapFault(CodeTemporaryFailure, "unexpected error", err)
}
