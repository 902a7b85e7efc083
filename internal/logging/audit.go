// Audit trail for privileged operations: subprocess spawns and kills,
// document lock transitions, backup pruning. Events are JSON lines in a
// dedicated file so they survive log-level filtering and can be replayed
// by compliance tooling.
package logging

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

// AuditEventType identifies what happened.
type AuditEventType string

const (
	AuditJobStart      AuditEventType = "job_start"
	AuditJobComplete   AuditEventType = "job_complete"
	AuditJobError      AuditEventType = "job_error"
	AuditProcSpawn     AuditEventType = "proc_spawn"
	AuditProcKill      AuditEventType = "proc_kill"
	AuditLockAcquire   AuditEventType = "lock_acquire"
	AuditLockRelease   AuditEventType = "lock_release"
	AuditBackupCreate  AuditEventType = "backup_create"
	AuditBackupPrune   AuditEventType = "backup_prune"
	AuditBackupRestore AuditEventType = "backup_restore"
)

// AuditEvent is one line of the trail.
type AuditEvent struct {
	Timestamp int64          `json:"ts"` // Unix milliseconds
	Type      AuditEventType `json:"type"`
	TenantID  string         `json:"tenant_id,omitempty"`
	JobID     string         `json:"job_id,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
}

var (
	auditMu   sync.Mutex
	auditFile *os.File
)

// InitAudit opens (appending) the audit file. Without it, Audit is a no-op.
func InitAudit(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	auditMu.Lock()
	defer auditMu.Unlock()
	if auditFile != nil {
		_ = auditFile.Close()
	}
	auditFile = f
	return nil
}

// Audit appends one event. Failures are reported to the regular log and
// never propagate: the trail must not take down the operation it records.
func Audit(typ AuditEventType, tenantID, jobID string, detail map[string]any) {
	auditMu.Lock()
	defer auditMu.Unlock()
	if auditFile == nil {
		return
	}
	ev := AuditEvent{
		Timestamp: time.Now().UnixMilli(),
		Type:      typ,
		TenantID:  tenantID,
		JobID:     jobID,
		Detail:    detail,
	}
	line, err := json.Marshal(ev)
	if err != nil {
		L().Warn("audit marshal failed", zap.Error(err))
		return
	}
	line = append(line, '\n')
	if _, err := auditFile.Write(line); err != nil {
		L().Warn("audit write failed", zap.Error(err))
	}
}

// CloseAudit closes the audit file.
func CloseAudit() {
	auditMu.Lock()
	defer auditMu.Unlock()
	if auditFile != nil {
		_ = auditFile.Close()
		auditFile = nil
	}
}
