package document

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"

	"go.uber.org/zap"

	"github.com/cncaiprojem/projem-sub004/internal/types"
)

const backupDirName = "backups"

// CreateBackup writes a point-in-time copy of a document into the
// backup directory and prunes old copies past the retention window or
// the configured count.
func (m *Manager) CreateBackup(ctx context.Context, docID string) (*Backup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, err := m.docLocked(docID)
	if err != nil {
		return nil, err
	}
	return m.createBackupLocked(ctx, doc)
}

func (m *Manager) createBackupLocked(ctx context.Context, doc *Document) (*Backup, error) {
	state, err := m.kernel.TakeSnapshot(ctx, doc.ID)
	if err != nil {
		return nil, types.WrapFault(types.CodeTemporaryFailure, "snapshot kernel state", err)
	}

	id := m.backupIDLocked(doc.ID)
	compress := m.cfg.Document.Compression
	path, err := resolveUnder(m.basePath, filepath.Join(backupDirName, documentFileName(id, compress)))
	if err != nil {
		return nil, err
	}

	meta := *doc
	meta.State = StateOpen
	size, digest, err := writePayload(path, &persistedDocument{Document: meta, KernelState: state}, compress)
	if err != nil {
		return nil, err
	}

	backup := &Backup{
		ID:         id,
		DocumentID: doc.ID,
		Path:       path,
		CreatedAt:  m.now(),
		Size:       size,
		SHA256:     digest,
		Compressed: compress,
	}
	m.backups[id] = backup
	m.pruneBackupsLocked(doc.ID)

	m.log.Info("backup created",
		zap.String("document_id", doc.ID),
		zap.String("backup_id", id),
		zap.Int64("size", size))
	cp := *backup
	return &cp, nil
}

// backupIDLocked builds backup_<doc>_<date>_<time>; same-second
// collisions get a numeric suffix so ids stay unique.
func (m *Manager) backupIDLocked(docID string) string {
	base := fmt.Sprintf("backup_%s_%s", docID, m.now().Format("20060102_150405"))
	id := base
	for n := 2; ; n++ {
		if _, ok := m.backups[id]; !ok {
			return id
		}
		id = fmt.Sprintf("%s_%d", base, n)
	}
}

// pruneBackupsLocked drops backups older than the retention window and
// keeps at most the configured count, newest first. Pruned files are
// removed from disk.
func (m *Manager) pruneBackupsLocked(docID string) {
	var list []*Backup
	for _, b := range m.backups {
		if b.DocumentID == docID {
			list = append(list, b)
		}
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].CreatedAt.After(list[j].CreatedAt)
	})

	cutoff := m.now().Add(-m.cfg.GetBackupRetention())
	maxCount := m.cfg.Document.MaxBackups
	for i, b := range list {
		tooMany := maxCount > 0 && i >= maxCount
		tooOld := b.CreatedAt.Before(cutoff)
		if !tooMany && !tooOld {
			continue
		}
		if err := removeWithSidecar(b.Path); err != nil {
			m.log.Warn("prune backup failed",
				zap.String("backup_id", b.ID),
				zap.Error(err))
			continue
		}
		delete(m.backups, b.ID)
		m.log.Debug("backup pruned",
			zap.String("document_id", docID),
			zap.String("backup_id", b.ID))
	}
}

// PruneBackups applies the retention policy across every document
// with stored backups and returns how many were removed. The nightly
// maintenance job calls this.
func (m *Manager) PruneBackups(_ context.Context) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	docIDs := make(map[string]struct{})
	for _, b := range m.backups {
		docIDs[b.DocumentID] = struct{}{}
	}
	before := len(m.backups)
	for id := range docIDs {
		m.pruneBackupsLocked(id)
	}
	return before - len(m.backups)
}

// RestoreBackup loads a backup into the kernel and reinstates the
// document under its original id, replacing any open copy.
func (m *Manager) RestoreBackup(ctx context.Context, backupID string) (*Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	backup, ok := m.backups[backupID]
	if !ok {
		return nil, types.Faultf(types.CodeDocumentNotFound, "backup %s not found", backupID)
	}
	return m.restoreBackupLocked(ctx, backup)
}

func (m *Manager) restoreBackupLocked(ctx context.Context, backup *Backup) (*Document, error) {
	payload, err := readPayload(backup.Path)
	if err != nil {
		return nil, err
	}
	doc := payload.Document
	doc.State = StateRecovering

	if _, open := m.docs[doc.ID]; !open {
		if err := m.kernel.Create(ctx, doc.ID); err != nil {
			return nil, types.WrapFault(types.CodeTemporaryFailure, "kernel create failed", err)
		}
	}
	if err := m.kernel.RestoreSnapshot(ctx, doc.ID, payload.KernelState); err != nil {
		return nil, types.WrapFault(types.CodeDocumentCorrupt, "restore kernel state", err)
	}

	doc.State = StateOpen
	m.docs[doc.ID] = &doc

	m.log.Info("backup restored",
		zap.String("document_id", doc.ID),
		zap.String("backup_id", backup.ID))
	return m.copyDocLocked(&doc), nil
}

// AutoRecover brings a document back after a failure. The in-memory
// recovery snapshot from auto-save wins; otherwise the newest backup
// is restored; with neither the document is declared unrecoverable.
func (m *Manager) AutoRecover(ctx context.Context, docID string) (*Document, error) {
	if !m.cfg.Document.AutoRecovery {
		return nil, types.NewFault(types.CodeValidationFailed, "auto recovery is disabled")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if sid, ok := m.recovery[docID]; ok {
		snap, found := m.snaps[sid]
		doc, err := m.docLocked(docID)
		if found && err == nil {
			doc.State = StateRecovering
			if rerr := m.kernel.RestoreSnapshot(ctx, docID, snap.Data); rerr == nil {
				doc.State = StateOpen
				doc.ModifiedAt = m.now()
				m.log.Info("document recovered from auto-save snapshot",
					zap.String("document_id", docID))
				return m.copyDocLocked(doc), nil
			}
			doc.State = StateError
		}
	}

	var newest *Backup
	for _, b := range m.backups {
		if b.DocumentID != docID {
			continue
		}
		if newest == nil || b.CreatedAt.After(newest.CreatedAt) {
			newest = b
		}
	}
	if newest != nil {
		doc, err := m.restoreBackupLocked(ctx, newest)
		if err == nil {
			m.log.Info("document recovered from backup",
				zap.String("document_id", docID),
				zap.String("backup_id", newest.ID))
		}
		return doc, err
	}

	return nil, types.Faultf(types.CodeDocumentCorrupt,
		"document %s has no recovery snapshot and no backups", docID)
}

// MigrationRule transforms document metadata during a version
// migration. A returned warning is recorded without stopping the run;
// an error aborts the whole migration.
type MigrationRule struct {
	Name  string
	Apply func(doc *Document) (warning string, err error)
}

// RuleResult is the outcome of one migration rule.
type RuleResult struct {
	Rule    string `json:"rule"`
	OK      bool   `json:"ok"`
	Warning string `json:"warning,omitempty"`
	Error   string `json:"error,omitempty"`
}

// MigrationReport summarizes a migration run.
type MigrationReport struct {
	DocumentID  string       `json:"document_id"`
	FromVersion int          `json:"from_version"`
	ToVersion   int          `json:"to_version"`
	Results     []RuleResult `json:"results"`
}

// MigrateDocument runs a rule chain to move a document to a newer
// version. The run is transactional: any rule error restores the
// pre-migration state and the version does not change.
func (m *Manager) MigrateDocument(ctx context.Context, docID string, targetVersion int, rules []MigrationRule) (*MigrationReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, err := m.docLocked(docID)
	if err != nil {
		return nil, err
	}
	if targetVersion <= doc.Version {
		return nil, types.Faultf(types.CodeValidationFailed,
			"target version %d is not past current version %d", targetVersion, doc.Version)
	}

	state, err := m.kernel.TakeSnapshot(ctx, docID)
	if err != nil {
		return nil, types.WrapFault(types.CodeTemporaryFailure, "snapshot before migration", err)
	}
	before := *doc
	beforeProps := doc.Properties
	doc.Properties = make(map[string]any, len(beforeProps))
	for k, v := range beforeProps {
		doc.Properties[k] = v
	}

	report := &MigrationReport{
		DocumentID:  docID,
		FromVersion: doc.Version,
		ToVersion:   targetVersion,
	}
	for _, rule := range rules {
		warning, err := rule.Apply(doc)
		res := RuleResult{Rule: rule.Name, OK: err == nil, Warning: warning}
		if err != nil {
			res.Error = err.Error()
			report.Results = append(report.Results, res)
			*doc = before
			if rerr := m.kernel.RestoreSnapshot(ctx, docID, state); rerr != nil {
				m.log.Error("rollback after failed migration failed",
					zap.String("document_id", docID),
					zap.Error(rerr))
			}
			return report, types.WrapFault(types.CodeMigrationFailed,
				fmt.Sprintf("migration rule %s failed", rule.Name), err).
				With("document_id", docID).
				With("rule", rule.Name)
		}
		report.Results = append(report.Results, res)
	}

	doc.Version = targetVersion
	doc.Revision = "A"
	m.markModifiedLocked(doc)

	m.log.Info("document migrated",
		zap.String("document_id", docID),
		zap.Int("from_version", report.FromVersion),
		zap.Int("to_version", targetVersion))
	return report, nil
}
