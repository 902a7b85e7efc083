// Package document manages the lifecycle of CAD documents: creation,
// locking, transactions with undo/redo, persistence, backups and
// recovery. The manager never touches the FreeCAD kernel directly;
// every geometry-affecting operation goes through the Kernel adapter
// so the same lifecycle runs against the real engine or the in-memory
// mock used in tests.
package document

import (
	"regexp"
	"strings"
	"time"

	"github.com/cncaiprojem/projem-sub004/internal/types"
)

// State is the lifecycle state of a managed document.
//
// Transitions: new -> opening -> open <-> modified -> saving -> open,
// with closed, error and recovering reachable from the open states.
type State string

const (
	StateNew        State = "new"
	StateOpening    State = "opening"
	StateOpen       State = "open"
	StateModified   State = "modified"
	StateSaving     State = "saving"
	StateClosed     State = "closed"
	StateError      State = "error"
	StateRecovering State = "recovering"
)

// LockType distinguishes exclusive writers from shared readers.
type LockType string

const (
	LockExclusive LockType = "exclusive"
	LockShared    LockType = "shared"
)

// Document is the metadata record for one managed document. Geometry
// lives in the kernel; the manager tracks identity, versioning and
// persistence state here.
type Document struct {
	ID          string         `json:"id"`
	JobID       string         `json:"job_id"`
	Version     int            `json:"version"`
	Revision    string         `json:"revision"`
	State       State          `json:"state"`
	CreatedAt   time.Time      `json:"created_at"`
	ModifiedAt  time.Time      `json:"modified_at"`
	Author      string         `json:"author,omitempty"`
	Description string         `json:"description,omitempty"`
	Properties  map[string]any `json:"properties,omitempty"`
	Path        string         `json:"path,omitempty"`
	Size        int64          `json:"size,omitempty"`
	SHA256      string         `json:"sha256,omitempty"`
	Compressed  bool           `json:"compressed,omitempty"`
}

// Lock is a lease on a document. A lock is logically gone once the
// clock passes ExpiresAt even if it is still in the table.
type Lock struct {
	ID         string    `json:"lock_id"`
	DocumentID string    `json:"document_id"`
	OwnerID    string    `json:"owner_id"`
	Type       LockType  `json:"type"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Live reports whether the lock is still valid at t.
func (l *Lock) Live(t time.Time) bool {
	return t.Before(l.ExpiresAt)
}

// TxnState is the lifecycle state of a document transaction.
type TxnState string

const (
	TxnActive     TxnState = "active"
	TxnCommitting TxnState = "committing"
	TxnCommitted  TxnState = "committed"
	TxnAborting   TxnState = "aborting"
	TxnAborted    TxnState = "aborted"
)

// Transaction groups kernel operations so they commit or roll back as
// one unit. RollbackSnapshot names the snapshot taken at start.
type Transaction struct {
	ID               string         `json:"txn_id"`
	DocumentID       string         `json:"document_id"`
	Name             string         `json:"name,omitempty"`
	State            TxnState       `json:"state"`
	StartedAt        time.Time      `json:"started_at"`
	EndedAt          time.Time      `json:"ended_at,omitempty"`
	Operations       []string       `json:"operations,omitempty"`
	RollbackSnapshot string         `json:"rollback_snapshot,omitempty"`
	Buffer           map[string]any `json:"buffer,omitempty"`
}

// Snapshot is a point-in-time capture of kernel state, used for undo,
// redo, transaction rollback and crash recovery.
type Snapshot struct {
	ID          string    `json:"id"`
	DocumentID  string    `json:"document_id"`
	TakenAt     time.Time `json:"timestamp"`
	Description string    `json:"description,omitempty"`
	Data        []byte    `json:"data"`
	Size        int64     `json:"size"`
}

// Backup records one on-disk backup file for a document.
type Backup struct {
	ID         string    `json:"id"`
	DocumentID string    `json:"document_id"`
	Path       string    `json:"path"`
	CreatedAt  time.Time `json:"created_at"`
	Size       int64     `json:"size"`
	SHA256     string    `json:"sha256"`
	Compressed bool      `json:"compressed"`
}

// Status aggregates everything the manager knows about one document.
type Status struct {
	Document           Document `json:"document"`
	Locks              []Lock   `json:"locks,omitempty"`
	ActiveTransactions int      `json:"active_transactions"`
	UndoDepth          int      `json:"undo_depth"`
	RedoDepth          int      `json:"redo_depth"`
	Backups            int      `json:"backups"`
	HasRecoverySnap    bool     `json:"has_recovery_snapshot"`
}

var unsafeIDChars = regexp.MustCompile(`[^\w\-.]`)

// deriveID turns a job id into a filesystem-safe document id. Unsafe
// characters become underscores; anything that still smells like path
// traversal is rejected.
func deriveID(jobID string) (string, error) {
	id := unsafeIDChars.ReplaceAllString(strings.TrimSpace(jobID), "_")
	id = strings.Trim(id, "._")
	if id == "" {
		return "", types.NewFault(types.CodeValidationFailed, "job id is empty")
	}
	if strings.Contains(id, "..") {
		return "", types.Faultf(types.CodeValidationFailed, "job id %q resolves outside the document root", jobID)
	}
	return id, nil
}

// nextRevision advances the revision letter. Z wraps to A and bumps
// the version, so (3, Z) is followed by (4, A).
func nextRevision(version int, revision string) (int, string) {
	if revision == "" {
		return version, "A"
	}
	r := revision[len(revision)-1]
	if r >= 'Z' {
		return version + 1, "A"
	}
	return version, string(r + 1)
}
