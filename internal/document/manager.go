package document

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cncaiprojem/projem-sub004/internal/config"
	"github.com/cncaiprojem/projem-sub004/internal/logging"
	"github.com/cncaiprojem/projem-sub004/internal/types"
)

// defaultLockTTL bounds a lock lease when the caller does not ask for
// a specific timeout. Stale leases from crashed workers expire on
// their own.
const defaultLockTTL = 5 * time.Minute

// Manager owns every in-memory table of the document subsystem:
// documents, locks, transactions, snapshots and backups, all keyed by
// id. One mutex guards all of them; internal helpers carry the Locked
// suffix and assume it is held.
type Manager struct {
	mu       sync.Mutex
	kernel   Kernel
	cfg      *config.Config
	log      *zap.Logger
	basePath string

	docs     map[string]*Document
	locks    map[string]map[string]*Lock
	txns     map[string]*Transaction
	snaps    map[string]*Snapshot
	backups  map[string]*Backup
	undo     map[string][]string
	redo     map[string][]string
	recovery map[string]string

	now    func() time.Time
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewManager builds a Manager over kernel. When auto-save is
// configured it starts a background goroutine that snapshots modified
// documents; Close stops it.
func NewManager(cfg *config.Config, kernel Kernel) (*Manager, error) {
	base := cfg.Document.BasePath
	if base == "" {
		base = "data/documents"
	}
	m := &Manager{
		kernel:   kernel,
		cfg:      cfg,
		log:      logging.For(logging.CategoryDocument),
		basePath: base,
		docs:     make(map[string]*Document),
		locks:    make(map[string]map[string]*Lock),
		txns:     make(map[string]*Transaction),
		snaps:    make(map[string]*Snapshot),
		backups:  make(map[string]*Backup),
		undo:     make(map[string][]string),
		redo:     make(map[string][]string),
		recovery: make(map[string]string),
		now:      time.Now,
	}
	if interval := cfg.GetAutoSaveInterval(); interval > 0 {
		m.stopCh = make(chan struct{})
		m.doneCh = make(chan struct{})
		go m.autoSaveLoop(interval)
	}
	return m, nil
}

// Close stops the auto-save goroutine. Open documents stay on disk
// wherever they were last saved.
func (m *Manager) Close() error {
	if m.stopCh != nil {
		close(m.stopCh)
		<-m.doneCh
		m.stopCh = nil
	}
	return nil
}

// CreateOptions carries the optional metadata for a new document.
type CreateOptions struct {
	Author      string
	Description string
	Properties  map[string]any
}

// CreateDocument creates a fresh document for jobID at version 1,
// revision A. A document that already exists under the derived id is
// an error.
func (m *Manager) CreateDocument(ctx context.Context, jobID string, opts CreateOptions) (*Document, error) {
	id, err := deriveID(jobID)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createLocked(ctx, id, jobID, opts)
}

func (m *Manager) createLocked(ctx context.Context, id, jobID string, opts CreateOptions) (*Document, error) {
	if _, ok := m.docs[id]; ok {
		return nil, types.Faultf(types.CodeDocumentExists, "document %s already exists", id)
	}

	now := m.now()
	doc := &Document{
		ID:          id,
		JobID:       jobID,
		Version:     1,
		Revision:    "A",
		State:       StateNew,
		CreatedAt:   now,
		ModifiedAt:  now,
		Author:      opts.Author,
		Description: opts.Description,
		Properties:  opts.Properties,
	}
	if doc.Properties == nil {
		doc.Properties = make(map[string]any)
	}

	doc.State = StateOpening
	if err := m.kernel.Create(ctx, id); err != nil {
		doc.State = StateError
		return nil, types.WrapFault(types.CodeTemporaryFailure, "kernel create failed", err)
	}
	doc.State = StateOpen
	m.docs[id] = doc

	m.log.Info("document created",
		zap.String("document_id", id),
		zap.String("job_id", jobID))
	return m.copyDocLocked(doc), nil
}

// OpenDocument opens the persisted document for jobID, or creates one
// when createIfMissing is set and nothing is on disk.
func (m *Manager) OpenDocument(ctx context.Context, jobID string, createIfMissing bool) (*Document, error) {
	id, err := deriveID(jobID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if doc, ok := m.docs[id]; ok {
		return m.copyDocLocked(doc), nil
	}

	path, err := m.findPersistedLocked(id)
	if err != nil {
		return nil, err
	}
	if path == "" {
		if !createIfMissing {
			return nil, types.Faultf(types.CodeDocumentNotFound, "document %s not found", id)
		}
		return m.createLocked(ctx, id, jobID, CreateOptions{})
	}

	payload, err := readPayload(path)
	if err != nil {
		return nil, err
	}
	doc := payload.Document
	doc.State = StateOpening
	doc.Path = path

	if err := m.kernel.Open(ctx, id, nativePath(path)); err != nil {
		return nil, types.WrapFault(types.CodeTemporaryFailure, "kernel open failed", err)
	}
	if len(payload.KernelState) > 0 {
		if err := m.kernel.RestoreSnapshot(ctx, id, payload.KernelState); err != nil {
			return nil, types.WrapFault(types.CodeDocumentCorrupt, "restore kernel state", err)
		}
	}
	doc.State = StateOpen
	m.docs[id] = &doc

	m.log.Info("document opened",
		zap.String("document_id", id),
		zap.String("path", path),
		zap.Int("version", doc.Version))
	return m.copyDocLocked(&doc), nil
}

// findPersistedLocked looks for the canonical file of id under the
// base path, compressed or not. Empty string means nothing on disk.
func (m *Manager) findPersistedLocked(id string) (string, error) {
	for _, compressed := range []bool{m.cfg.Document.Compression, !m.cfg.Document.Compression} {
		path, err := resolveUnder(m.basePath, documentFileName(id, compressed))
		if err != nil {
			return "", err
		}
		if fileExists(path) {
			return path, nil
		}
	}
	return "", nil
}

// SaveOptions controls one save. A nil Compress defers to the
// configured default; Path overrides the canonical location but must
// stay under the document base path.
type SaveOptions struct {
	Path         string
	Compress     *bool
	CreateBackup bool
}

// SaveDocument persists the document and its kernel state. The caller
// must hold a live lock; a mismatched owner or a missing lock fails
// without writing anything.
func (m *Manager) SaveDocument(ctx context.Context, docID, ownerID string, opts SaveOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, err := m.docLocked(docID)
	if err != nil {
		return err
	}
	if err := m.requireLockLocked(docID, ownerID); err != nil {
		return err
	}
	if opts.CreateBackup {
		if _, err := m.createBackupLocked(ctx, doc); err != nil {
			return err
		}
	}
	return m.saveLocked(ctx, doc, opts)
}

func (m *Manager) saveLocked(ctx context.Context, doc *Document, opts SaveOptions) error {
	compress := m.cfg.Document.Compression
	if opts.Compress != nil {
		compress = *opts.Compress
	}
	name := opts.Path
	if name == "" {
		name = documentFileName(doc.ID, compress)
	}
	path, err := resolveUnder(m.basePath, name)
	if err != nil {
		return err
	}

	prev := doc.State
	doc.State = StateSaving
	state, err := m.kernel.TakeSnapshot(ctx, doc.ID)
	if err != nil {
		doc.State = prev
		return types.WrapFault(types.CodeTemporaryFailure, "snapshot kernel state", err)
	}

	meta := *doc
	meta.State = StateOpen
	meta.Compressed = compress
	size, digest, err := writePayload(path, &persistedDocument{Document: meta, KernelState: state}, compress)
	if err != nil {
		doc.State = prev
		return err
	}
	if err := m.kernel.Save(ctx, doc.ID, nativePath(path)); err != nil {
		doc.State = prev
		return types.WrapFault(types.CodeTemporaryFailure, "kernel save failed", err)
	}

	doc.Path = path
	doc.Size = size
	doc.SHA256 = digest
	doc.Compressed = compress
	doc.ModifiedAt = m.now()
	doc.State = StateOpen

	m.log.Info("document saved",
		zap.String("document_id", doc.ID),
		zap.String("path", path),
		zap.Int64("size", size))
	return nil
}

// CloseDocument releases a document from the manager. It requires a
// live lock held by ownerID and refuses while transactions are active
// unless force is set, in which case they are aborted first.
func (m *Manager) CloseDocument(ctx context.Context, docID, ownerID string, save, force bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, err := m.docLocked(docID)
	if err != nil {
		return err
	}
	if err := m.requireLockLocked(docID, ownerID); err != nil {
		return err
	}

	active := m.activeTxnsLocked(docID)
	if len(active) > 0 {
		if !force {
			return types.Faultf(types.CodeValidationFailed,
				"document %s has %d active transactions", docID, len(active))
		}
		for _, txn := range active {
			if err := m.abortLocked(ctx, txn); err != nil {
				m.log.Warn("abort on forced close failed",
					zap.String("document_id", docID),
					zap.String("txn_id", txn.ID),
					zap.Error(err))
			}
		}
	}

	if save {
		if err := m.saveLocked(ctx, doc, SaveOptions{}); err != nil {
			return err
		}
	}
	if err := m.kernel.Close(ctx, docID); err != nil {
		return types.WrapFault(types.CodeTemporaryFailure, "kernel close failed", err)
	}

	doc.State = StateClosed
	m.dropDocRuntimeLocked(docID)

	m.log.Info("document closed", zap.String("document_id", docID))
	return nil
}

// dropDocRuntimeLocked forgets all runtime state for a document:
// tables, stacks and their snapshots. Backup records survive so the
// document can be restored later.
func (m *Manager) dropDocRuntimeLocked(docID string) {
	delete(m.docs, docID)
	delete(m.locks, docID)
	for id, txn := range m.txns {
		if txn.DocumentID == docID {
			m.dropSnapshotLocked(txn.RollbackSnapshot)
			delete(m.txns, id)
		}
	}
	for _, sid := range m.undo[docID] {
		delete(m.snaps, sid)
	}
	for _, sid := range m.redo[docID] {
		delete(m.snaps, sid)
	}
	delete(m.undo, docID)
	delete(m.redo, docID)
	m.dropSnapshotLocked(m.recovery[docID])
	delete(m.recovery, docID)
}

// GetStatus reports everything known about one document.
func (m *Manager) GetStatus(docID string) (*Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, err := m.docLocked(docID)
	if err != nil {
		return nil, err
	}
	st := &Status{
		Document:           *m.copyDocLocked(doc),
		ActiveTransactions: len(m.activeTxnsLocked(docID)),
		UndoDepth:          len(m.undo[docID]),
		RedoDepth:          len(m.redo[docID]),
	}
	now := m.now()
	for _, l := range m.locks[docID] {
		if l.Live(now) {
			st.Locks = append(st.Locks, *l)
		}
	}
	for _, b := range m.backups {
		if b.DocumentID == docID {
			st.Backups++
		}
	}
	_, st.HasRecoverySnap = m.recovery[docID]
	return st, nil
}

func (m *Manager) docLocked(docID string) (*Document, error) {
	doc, ok := m.docs[docID]
	if !ok {
		return nil, types.Faultf(types.CodeDocumentNotFound, "document %s not found", docID)
	}
	return doc, nil
}

// copyDocLocked hands out a detached copy so callers cannot mutate
// managed state.
func (m *Manager) copyDocLocked(doc *Document) *Document {
	cp := *doc
	if doc.Properties != nil {
		cp.Properties = make(map[string]any, len(doc.Properties))
		for k, v := range doc.Properties {
			cp.Properties[k] = v
		}
	}
	return &cp
}

// markModifiedLocked moves an open document into the modified state.
func (m *Manager) markModifiedLocked(doc *Document) {
	doc.State = StateModified
	doc.ModifiedAt = m.now()
}

func (m *Manager) newSnapshotLocked(docID, description string, data []byte) *Snapshot {
	snap := &Snapshot{
		ID:          uuid.NewString(),
		DocumentID:  docID,
		TakenAt:     m.now(),
		Description: description,
		Data:        data,
		Size:        int64(len(data)),
	}
	m.snaps[snap.ID] = snap
	return snap
}

func (m *Manager) dropSnapshotLocked(id string) {
	if id != "" {
		delete(m.snaps, id)
	}
}

// autoSaveLoop periodically captures recovery snapshots of every
// modified document. These stay in memory; AutoRecover prefers them
// over on-disk backups.
func (m *Manager) autoSaveLoop(interval time.Duration) {
	defer close(m.doneCh)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.captureRecoverySnapshots()
		}
	}
}

func (m *Manager) captureRecoverySnapshots() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, doc := range m.docs {
		if doc.State != StateModified {
			continue
		}
		data, err := m.kernel.TakeSnapshot(context.Background(), id)
		if err != nil {
			m.log.Warn("auto-save snapshot failed",
				zap.String("document_id", id),
				zap.Error(err))
			continue
		}
		m.dropSnapshotLocked(m.recovery[id])
		snap := m.newSnapshotLocked(id, "auto-save", data)
		m.recovery[id] = snap.ID
		m.log.Debug("recovery snapshot captured",
			zap.String("document_id", id),
			zap.Int64("size", snap.Size))
	}
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
