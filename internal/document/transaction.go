package document

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cncaiprojem/projem-sub004/internal/types"
)

// StartTransaction opens a kernel transaction on a document and keeps
// a rollback snapshot of the state right before it. Everything until
// commit or abort belongs to this transaction.
func (m *Manager) StartTransaction(ctx context.Context, docID, name string) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, err := m.docLocked(docID)
	if err != nil {
		return nil, err
	}
	if doc.State != StateOpen && doc.State != StateModified {
		return nil, types.Faultf(types.CodeValidationFailed,
			"document %s is %s; transactions need an open document", docID, doc.State)
	}

	state, err := m.kernel.TakeSnapshot(ctx, docID)
	if err != nil {
		return nil, types.WrapFault(types.CodeTemporaryFailure, "snapshot before transaction", err)
	}
	if err := m.kernel.StartTransaction(ctx, docID, name); err != nil {
		return nil, types.WrapFault(types.CodeTemporaryFailure, "kernel transaction start failed", err)
	}

	snap := m.newSnapshotLocked(docID, "rollback: "+name, state)
	txn := &Transaction{
		ID:               uuid.NewString(),
		DocumentID:       docID,
		Name:             name,
		State:            TxnActive,
		StartedAt:        m.now(),
		RollbackSnapshot: snap.ID,
		Buffer:           make(map[string]any),
	}
	m.txns[txn.ID] = txn

	m.log.Debug("transaction started",
		zap.String("document_id", docID),
		zap.String("txn_id", txn.ID),
		zap.String("name", name))
	cp := *txn
	return &cp, nil
}

// RecordOperation appends an operation label to an active transaction
// so aborts and audits can say what was in flight.
func (m *Manager) RecordOperation(txnID, operation string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	txn, err := m.activeTxnLocked(txnID)
	if err != nil {
		return err
	}
	txn.Operations = append(txn.Operations, operation)
	return nil
}

// CommitTransaction finalizes a transaction: the kernel commits, the
// document revision advances and the redo history is cleared. If the
// kernel refuses, the rollback snapshot is restored so the document is
// left as if the transaction never happened.
func (m *Manager) CommitTransaction(ctx context.Context, txnID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	txn, err := m.activeTxnLocked(txnID)
	if err != nil {
		return err
	}
	doc, err := m.docLocked(txn.DocumentID)
	if err != nil {
		return err
	}

	txn.State = TxnCommitting
	if err := m.kernel.CommitTransaction(ctx, txn.DocumentID); err != nil {
		if snap, ok := m.snaps[txn.RollbackSnapshot]; ok {
			if rerr := m.kernel.RestoreSnapshot(ctx, txn.DocumentID, snap.Data); rerr != nil {
				m.log.Error("rollback after failed commit failed",
					zap.String("document_id", txn.DocumentID),
					zap.String("txn_id", txn.ID),
					zap.Error(rerr))
			}
		}
		m.finishTxnLocked(txn, TxnAborted)
		return types.WrapFault(types.CodeTemporaryFailure, "kernel commit failed", err)
	}

	doc.Version, doc.Revision = nextRevision(doc.Version, doc.Revision)
	m.clearRedoLocked(txn.DocumentID)
	m.markModifiedLocked(doc)
	m.finishTxnLocked(txn, TxnCommitted)

	m.log.Info("transaction committed",
		zap.String("document_id", txn.DocumentID),
		zap.String("txn_id", txn.ID),
		zap.Int("version", doc.Version),
		zap.String("revision", doc.Revision))
	return nil
}

// AbortTransaction rolls a transaction back: the pre-transaction
// snapshot is restored and the kernel transaction is discarded. The
// document metadata stays untouched.
func (m *Manager) AbortTransaction(ctx context.Context, txnID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	txn, err := m.activeTxnLocked(txnID)
	if err != nil {
		return err
	}
	return m.abortLocked(ctx, txn)
}

func (m *Manager) abortLocked(ctx context.Context, txn *Transaction) error {
	txn.State = TxnAborting
	var restoreErr error
	if snap, ok := m.snaps[txn.RollbackSnapshot]; ok {
		restoreErr = m.kernel.RestoreSnapshot(ctx, txn.DocumentID, snap.Data)
	}
	if err := m.kernel.AbortTransaction(ctx, txn.DocumentID); err != nil && restoreErr == nil {
		restoreErr = err
	}
	m.finishTxnLocked(txn, TxnAborted)
	if restoreErr != nil {
		return types.WrapFault(types.CodeTemporaryFailure, "kernel abort failed", restoreErr)
	}
	m.log.Info("transaction aborted",
		zap.String("document_id", txn.DocumentID),
		zap.String("txn_id", txn.ID))
	return nil
}

// finishTxnLocked stamps the end state and removes the transaction and
// its rollback snapshot from the tables.
func (m *Manager) finishTxnLocked(txn *Transaction, state TxnState) {
	txn.State = state
	txn.EndedAt = m.now()
	m.dropSnapshotLocked(txn.RollbackSnapshot)
	delete(m.txns, txn.ID)
}

func (m *Manager) activeTxnLocked(txnID string) (*Transaction, error) {
	txn, ok := m.txns[txnID]
	if !ok {
		return nil, types.Faultf(types.CodeValidationFailed, "transaction %s not found", txnID)
	}
	if txn.State != TxnActive {
		return nil, types.Faultf(types.CodeValidationFailed,
			"transaction %s is %s; only active transactions can move", txnID, txn.State)
	}
	return txn, nil
}

func (m *Manager) activeTxnsLocked(docID string) []*Transaction {
	var out []*Transaction
	for _, txn := range m.txns {
		if txn.DocumentID == docID && txn.State == TxnActive {
			out = append(out, txn)
		}
	}
	return out
}

// AddUndoSnapshot pushes the current kernel state onto the undo stack.
// The stack is bounded by the configured depth, oldest entries fall
// off first, and any redo history becomes invalid.
func (m *Manager) AddUndoSnapshot(ctx context.Context, docID, description string) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, err := m.docLocked(docID)
	if err != nil {
		return nil, err
	}
	data, err := m.kernel.TakeSnapshot(ctx, docID)
	if err != nil {
		return nil, types.WrapFault(types.CodeTemporaryFailure, "snapshot kernel state", err)
	}

	snap := m.newSnapshotLocked(docID, description, data)
	m.undo[docID] = append(m.undo[docID], snap.ID)
	if max := m.cfg.Document.MaxUndo; max > 0 {
		for len(m.undo[docID]) > max {
			m.dropSnapshotLocked(m.undo[docID][0])
			m.undo[docID] = m.undo[docID][1:]
		}
	}
	m.clearRedoLocked(docID)
	m.markModifiedLocked(doc)

	cp := *snap
	return &cp, nil
}

// Undo restores the document to the most recent undo snapshot and
// parks the current state on the redo stack.
func (m *Manager) Undo(ctx context.Context, docID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shiftSnapshotLocked(ctx, docID, m.undo, m.redo, "nothing to undo")
}

// Redo reverses the latest Undo.
func (m *Manager) Redo(ctx context.Context, docID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shiftSnapshotLocked(ctx, docID, m.redo, m.undo, "nothing to redo")
}

// shiftSnapshotLocked pops the newest snapshot from one stack, pushes
// the current state onto the other and restores the popped state.
func (m *Manager) shiftSnapshotLocked(ctx context.Context, docID string, from, to map[string][]string, emptyMsg string) error {
	doc, err := m.docLocked(docID)
	if err != nil {
		return err
	}
	stack := from[docID]
	if len(stack) == 0 {
		return types.Faultf(types.CodeValidationFailed, "%s for document %s", emptyMsg, docID)
	}

	current, err := m.kernel.TakeSnapshot(ctx, docID)
	if err != nil {
		return types.WrapFault(types.CodeTemporaryFailure, "snapshot kernel state", err)
	}
	top := stack[len(stack)-1]
	snap, ok := m.snaps[top]
	if !ok {
		from[docID] = stack[:len(stack)-1]
		return types.Faultf(types.CodeTemporaryFailure, "snapshot %s vanished from the arena", top)
	}
	if err := m.kernel.RestoreSnapshot(ctx, docID, snap.Data); err != nil {
		return types.WrapFault(types.CodeTemporaryFailure, "restore snapshot", err)
	}

	from[docID] = stack[:len(stack)-1]
	parked := m.newSnapshotLocked(docID, snap.Description, current)
	to[docID] = append(to[docID], parked.ID)
	m.dropSnapshotLocked(top)
	m.markModifiedLocked(doc)
	return nil
}

func (m *Manager) clearRedoLocked(docID string) {
	for _, sid := range m.redo[docID] {
		delete(m.snaps, sid)
	}
	delete(m.redo, docID)
}
