package document

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cncaiprojem/projem-sub004/internal/types"
)

// AcquireLock grants a lease on a document. An exclusive lock is
// refused while any live lock exists; a shared lock only conflicts
// with a live exclusive one. Expired leases are purged on the way in,
// so a crashed holder never blocks forever. A zero ttl uses the
// default lease.
func (m *Manager) AcquireLock(docID, ownerID string, typ LockType, ttl time.Duration) (*Lock, error) {
	if ownerID == "" {
		return nil, types.NewFault(types.CodeValidationFailed, "lock owner is empty")
	}
	if typ != LockExclusive && typ != LockShared {
		return nil, types.Faultf(types.CodeValidationFailed, "unknown lock type %q", typ)
	}
	if ttl <= 0 {
		ttl = defaultLockTTL
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.docLocked(docID); err != nil {
		return nil, err
	}
	m.purgeExpiredLocksLocked(docID)

	for _, held := range m.locks[docID] {
		if typ == LockExclusive || held.Type == LockExclusive {
			return nil, types.Faultf(types.CodeDocumentLocked,
				"document %s is locked by %s", docID, held.OwnerID).
				With("holder", held.OwnerID).
				With("lock_type", string(held.Type)).
				With("expires_at", held.ExpiresAt)
		}
	}

	now := m.now()
	lock := &Lock{
		ID:         uuid.NewString(),
		DocumentID: docID,
		OwnerID:    ownerID,
		Type:       typ,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}
	if m.locks[docID] == nil {
		m.locks[docID] = make(map[string]*Lock)
	}
	m.locks[docID][lock.ID] = lock

	m.log.Debug("lock acquired",
		zap.String("document_id", docID),
		zap.String("owner_id", ownerID),
		zap.String("lock_type", string(typ)))
	cp := *lock
	return &cp, nil
}

// ReleaseLock removes a lease. The lock id must match one held on the
// document; releasing somebody else's lease by guessing owner names is
// not possible.
func (m *Manager) ReleaseLock(docID, lockID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.docLocked(docID); err != nil {
		return err
	}
	if _, ok := m.locks[docID][lockID]; !ok {
		return types.Faultf(types.CodeLockOwnerMismatch,
			"lock %s is not held on document %s", lockID, docID)
	}
	delete(m.locks[docID], lockID)
	m.log.Debug("lock released",
		zap.String("document_id", docID),
		zap.String("lock_id", lockID))
	return nil
}

// requireLockLocked enforces the write guard: mutating operations need
// a live lock owned by ownerID. No lock at all reads as an owner
// mismatch; a live lock under another owner reports who holds it.
func (m *Manager) requireLockLocked(docID, ownerID string) error {
	m.purgeExpiredLocksLocked(docID)

	live := m.locks[docID]
	if len(live) == 0 {
		return types.Faultf(types.CodeLockOwnerMismatch,
			"no lock held on document %s; acquire one first", docID)
	}
	for _, l := range live {
		if l.OwnerID == ownerID {
			return nil
		}
	}
	var holder string
	for _, l := range live {
		holder = l.OwnerID
		break
	}
	return types.Faultf(types.CodeDocumentLocked,
		"document %s is locked by %s", docID, holder).
		With("holder", holder)
}

func (m *Manager) purgeExpiredLocksLocked(docID string) {
	now := m.now()
	for id, l := range m.locks[docID] {
		if !l.Live(now) {
			delete(m.locks[docID], id)
		}
	}
}
