package document

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/cncaiprojem/projem-sub004/internal/config"
	"github.com/cncaiprojem/projem-sub004/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestManager(t *testing.T) (*Manager, *MemoryKernel, *fakeClock) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Document.BasePath = t.TempDir()
	cfg.Document.Compression = false

	kernel := NewMemoryKernel()
	m, err := NewManager(cfg, kernel)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, m.Close()) })

	clock := newFakeClock()
	m.now = clock.Now
	return m, kernel, clock
}

func TestCreateDocument(t *testing.T) {
	m, kernel, _ := newTestManager(t)
	ctx := context.Background()

	doc, err := m.CreateDocument(ctx, "job-42", CreateOptions{Author: "cam", Description: "bracket"})
	require.NoError(t, err)
	assert.Equal(t, "job-42", doc.ID)
	assert.Equal(t, 1, doc.Version)
	assert.Equal(t, "A", doc.Revision)
	assert.Equal(t, StateOpen, doc.State)
	assert.Equal(t, "cam", doc.Author)
	assert.False(t, doc.CreatedAt.IsZero())

	_, ok := kernel.docs["job-42"]
	assert.True(t, ok, "kernel should hold state for the new document")

	_, err = m.CreateDocument(ctx, "job-42", CreateOptions{})
	require.Error(t, err)
	assert.Equal(t, types.CodeDocumentExists, types.CodeOf(err))
}

func TestDeriveID(t *testing.T) {
	tests := []struct {
		jobID string
		want  string
		code  string
	}{
		{jobID: "job-42", want: "job-42"},
		{jobID: " spaced job ", want: "spaced_job"},
		{jobID: "tenant/job/7", want: "tenant_job_7"},
		{jobID: "../etc/passwd", want: "etc_passwd"},
		{jobID: "", code: types.CodeValidationFailed},
		{jobID: "   ", code: types.CodeValidationFailed},
		{jobID: "a..b", code: types.CodeValidationFailed},
	}
	for _, tt := range tests {
		got, err := deriveID(tt.jobID)
		if tt.code != "" {
			require.Error(t, err, "jobID %q", tt.jobID)
			assert.Equal(t, tt.code, types.CodeOf(err))
			continue
		}
		require.NoError(t, err, "jobID %q", tt.jobID)
		assert.Equal(t, tt.want, got)
	}
}

func TestSaveAndReopen(t *testing.T) {
	m, kernel, _ := newTestManager(t)
	ctx := context.Background()

	doc, err := m.CreateDocument(ctx, "part-1", CreateOptions{})
	require.NoError(t, err)
	kernel.Put(doc.ID, "pocket_depth", "12.5")

	_, err = m.AcquireLock(doc.ID, "worker-a", LockExclusive, 0)
	require.NoError(t, err)
	require.NoError(t, m.SaveDocument(ctx, doc.ID, "worker-a", SaveOptions{}))

	st, err := m.GetStatus(doc.ID)
	require.NoError(t, err)
	assert.Equal(t, StateOpen, st.Document.State)
	assert.NotEmpty(t, st.Document.SHA256)
	assert.Greater(t, st.Document.Size, int64(0))
	assert.True(t, strings.HasSuffix(st.Document.Path, "part-1.json"))

	require.NoError(t, m.CloseDocument(ctx, doc.ID, "worker-a", false, false))

	_, err = m.GetStatus(doc.ID)
	assert.Equal(t, types.CodeDocumentNotFound, types.CodeOf(err))

	reopened, err := m.OpenDocument(ctx, "part-1", false)
	require.NoError(t, err)
	assert.Equal(t, StateOpen, reopened.State)
	assert.Equal(t, 1, reopened.Version)

	v, ok := kernel.Get("part-1", "pocket_depth")
	require.True(t, ok, "kernel state should survive the save/close/open cycle")
	assert.Equal(t, "12.5", v)
}

func TestOpenDocumentMissing(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.OpenDocument(ctx, "ghost", false)
	require.Error(t, err)
	assert.Equal(t, types.CodeDocumentNotFound, types.CodeOf(err))

	doc, err := m.OpenDocument(ctx, "ghost", true)
	require.NoError(t, err)
	assert.Equal(t, 1, doc.Version)
	assert.Equal(t, "A", doc.Revision)
}

func TestSaveRequiresLock(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	doc, err := m.CreateDocument(ctx, "locked-doc", CreateOptions{})
	require.NoError(t, err)

	err = m.SaveDocument(ctx, doc.ID, "worker-a", SaveOptions{})
	require.Error(t, err)
	assert.Equal(t, types.CodeLockOwnerMismatch, types.CodeOf(err))

	_, err = m.AcquireLock(doc.ID, "worker-b", LockExclusive, 0)
	require.NoError(t, err)

	err = m.SaveDocument(ctx, doc.ID, "worker-a", SaveOptions{})
	require.Error(t, err)
	assert.Equal(t, types.CodeDocumentLocked, types.CodeOf(err))

	err = m.CloseDocument(ctx, doc.ID, "worker-a", false, false)
	require.Error(t, err)
	assert.Equal(t, types.CodeDocumentLocked, types.CodeOf(err))

	require.NoError(t, m.SaveDocument(ctx, doc.ID, "worker-b", SaveOptions{}))
}

func TestExclusiveLockConflicts(t *testing.T) {
	m, _, clock := newTestManager(t)
	ctx := context.Background()

	doc, err := m.CreateDocument(ctx, "contended", CreateOptions{})
	require.NoError(t, err)

	first, err := m.AcquireLock(doc.ID, "worker-a", LockExclusive, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Add(time.Minute), first.ExpiresAt)

	_, err = m.AcquireLock(doc.ID, "worker-b", LockExclusive, time.Minute)
	require.Error(t, err)
	assert.Equal(t, types.CodeDocumentLocked, types.CodeOf(err))
	assert.Equal(t, "worker-a", types.AsFault(err).Details["holder"])

	_, err = m.AcquireLock(doc.ID, "worker-b", LockShared, time.Minute)
	require.Error(t, err)
	assert.Equal(t, types.CodeDocumentLocked, types.CodeOf(err))

	clock.Advance(2 * time.Minute)

	second, err := m.AcquireLock(doc.ID, "worker-b", LockExclusive, time.Minute)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestSharedLocksCoexist(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	doc, err := m.CreateDocument(ctx, "shared", CreateOptions{})
	require.NoError(t, err)

	_, err = m.AcquireLock(doc.ID, "reader-1", LockShared, time.Minute)
	require.NoError(t, err)
	_, err = m.AcquireLock(doc.ID, "reader-2", LockShared, time.Minute)
	require.NoError(t, err)

	_, err = m.AcquireLock(doc.ID, "writer", LockExclusive, time.Minute)
	require.Error(t, err)
	assert.Equal(t, types.CodeDocumentLocked, types.CodeOf(err))

	st, err := m.GetStatus(doc.ID)
	require.NoError(t, err)
	assert.Len(t, st.Locks, 2)
}

func TestReleaseLock(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	doc, err := m.CreateDocument(ctx, "release-me", CreateOptions{})
	require.NoError(t, err)

	lock, err := m.AcquireLock(doc.ID, "worker-a", LockExclusive, time.Minute)
	require.NoError(t, err)

	err = m.ReleaseLock(doc.ID, "not-a-lock-id")
	require.Error(t, err)
	assert.Equal(t, types.CodeLockOwnerMismatch, types.CodeOf(err))

	require.NoError(t, m.ReleaseLock(doc.ID, lock.ID))

	_, err = m.AcquireLock(doc.ID, "worker-b", LockExclusive, time.Minute)
	require.NoError(t, err)
}

func TestCommitAdvancesRevision(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	doc, err := m.CreateDocument(ctx, "rev-doc", CreateOptions{})
	require.NoError(t, err)

	txn, err := m.StartTransaction(ctx, doc.ID, "add pocket")
	require.NoError(t, err)
	require.NoError(t, m.RecordOperation(txn.ID, "pocket"))
	require.NoError(t, m.CommitTransaction(ctx, txn.ID))

	st, err := m.GetStatus(doc.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Document.Version)
	assert.Equal(t, "B", st.Document.Revision)
	assert.Equal(t, StateModified, st.Document.State)
}

func TestRevisionWrapsToNextVersion(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	doc, err := m.CreateDocument(ctx, "wrap-doc", CreateOptions{})
	require.NoError(t, err)

	m.mu.Lock()
	m.docs[doc.ID].Revision = "Z"
	m.mu.Unlock()

	txn, err := m.StartTransaction(ctx, doc.ID, "final touch")
	require.NoError(t, err)
	require.NoError(t, m.CommitTransaction(ctx, txn.ID))

	st, err := m.GetStatus(doc.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Document.Version)
	assert.Equal(t, "A", st.Document.Revision)
}

func TestAbortRestoresState(t *testing.T) {
	m, kernel, _ := newTestManager(t)
	ctx := context.Background()

	doc, err := m.CreateDocument(ctx, "txn-doc", CreateOptions{})
	require.NoError(t, err)
	kernel.Put(doc.ID, "fillet", "3mm")

	txn, err := m.StartTransaction(ctx, doc.ID, "resize fillet")
	require.NoError(t, err)
	kernel.Put(doc.ID, "fillet", "5mm")

	require.NoError(t, m.AbortTransaction(ctx, txn.ID))

	v, ok := kernel.Get(doc.ID, "fillet")
	require.True(t, ok)
	assert.Equal(t, "3mm", v)

	st, err := m.GetStatus(doc.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Document.Version)
	assert.Equal(t, "A", st.Document.Revision)
	assert.Zero(t, st.ActiveTransactions)
}

func TestCommitFailureLeavesDocumentUnchanged(t *testing.T) {
	m, kernel, _ := newTestManager(t)
	ctx := context.Background()

	doc, err := m.CreateDocument(ctx, "flaky-doc", CreateOptions{})
	require.NoError(t, err)
	kernel.Put(doc.ID, "hole_count", "4")

	txn, err := m.StartTransaction(ctx, doc.ID, "drill")
	require.NoError(t, err)
	kernel.Put(doc.ID, "hole_count", "8")

	kernel.FailNext("commit", errors.New("kernel wedged"))
	err = m.CommitTransaction(ctx, txn.ID)
	require.Error(t, err)
	assert.Equal(t, types.CodeTemporaryFailure, types.CodeOf(err))

	v, _ := kernel.Get(doc.ID, "hole_count")
	assert.Equal(t, "4", v, "failed commit must restore the pre-transaction state")

	st, err := m.GetStatus(doc.ID)
	require.NoError(t, err)
	assert.Equal(t, "A", st.Document.Revision)
	assert.Zero(t, st.ActiveTransactions)

	err = m.CommitTransaction(ctx, txn.ID)
	require.Error(t, err)
	assert.Equal(t, types.CodeValidationFailed, types.CodeOf(err))
}

func TestUndoRedo(t *testing.T) {
	m, kernel, _ := newTestManager(t)
	ctx := context.Background()

	doc, err := m.CreateDocument(ctx, "undo-doc", CreateOptions{})
	require.NoError(t, err)

	kernel.Put(doc.ID, "x", "v1")
	_, err = m.AddUndoSnapshot(ctx, doc.ID, "first")
	require.NoError(t, err)

	kernel.Put(doc.ID, "x", "v2")
	_, err = m.AddUndoSnapshot(ctx, doc.ID, "second")
	require.NoError(t, err)

	kernel.Put(doc.ID, "x", "v3")

	require.NoError(t, m.Undo(ctx, doc.ID))
	v, _ := kernel.Get(doc.ID, "x")
	assert.Equal(t, "v2", v)

	require.NoError(t, m.Undo(ctx, doc.ID))
	v, _ = kernel.Get(doc.ID, "x")
	assert.Equal(t, "v1", v)

	err = m.Undo(ctx, doc.ID)
	require.Error(t, err)
	assert.Equal(t, types.CodeValidationFailed, types.CodeOf(err))

	require.NoError(t, m.Redo(ctx, doc.ID))
	v, _ = kernel.Get(doc.ID, "x")
	assert.Equal(t, "v2", v)

	require.NoError(t, m.Redo(ctx, doc.ID))
	v, _ = kernel.Get(doc.ID, "x")
	assert.Equal(t, "v3", v)

	err = m.Redo(ctx, doc.ID)
	require.Error(t, err)
	assert.Equal(t, types.CodeValidationFailed, types.CodeOf(err))
}

func TestNewSnapshotClearsRedo(t *testing.T) {
	m, kernel, _ := newTestManager(t)
	ctx := context.Background()

	doc, err := m.CreateDocument(ctx, "branch-doc", CreateOptions{})
	require.NoError(t, err)

	kernel.Put(doc.ID, "x", "v1")
	_, err = m.AddUndoSnapshot(ctx, doc.ID, "first")
	require.NoError(t, err)
	kernel.Put(doc.ID, "x", "v2")

	require.NoError(t, m.Undo(ctx, doc.ID))
	st, err := m.GetStatus(doc.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, st.RedoDepth)

	kernel.Put(doc.ID, "x", "v1b")
	_, err = m.AddUndoSnapshot(ctx, doc.ID, "diverged")
	require.NoError(t, err)

	st, err = m.GetStatus(doc.ID)
	require.NoError(t, err)
	assert.Zero(t, st.RedoDepth, "a new snapshot invalidates the redo history")

	err = m.Redo(ctx, doc.ID)
	require.Error(t, err)
}

func TestUndoStackBounded(t *testing.T) {
	m, kernel, _ := newTestManager(t)
	m.cfg.Document.MaxUndo = 3
	ctx := context.Background()

	doc, err := m.CreateDocument(ctx, "deep-doc", CreateOptions{})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		kernel.Put(doc.ID, "step", i)
		_, err := m.AddUndoSnapshot(ctx, doc.ID, "step")
		require.NoError(t, err)
	}

	st, err := m.GetStatus(doc.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, st.UndoDepth)

	m.mu.Lock()
	arena := len(m.snaps)
	m.mu.Unlock()
	assert.Equal(t, 3, arena, "evicted snapshots must leave the arena")
}

func TestCommitClearsRedo(t *testing.T) {
	m, kernel, _ := newTestManager(t)
	ctx := context.Background()

	doc, err := m.CreateDocument(ctx, "redo-doc", CreateOptions{})
	require.NoError(t, err)

	kernel.Put(doc.ID, "x", "v1")
	_, err = m.AddUndoSnapshot(ctx, doc.ID, "first")
	require.NoError(t, err)
	kernel.Put(doc.ID, "x", "v2")
	require.NoError(t, m.Undo(ctx, doc.ID))

	txn, err := m.StartTransaction(ctx, doc.ID, "new direction")
	require.NoError(t, err)
	require.NoError(t, m.CommitTransaction(ctx, txn.ID))

	st, err := m.GetStatus(doc.ID)
	require.NoError(t, err)
	assert.Zero(t, st.RedoDepth)
}

func TestCloseRefusesActiveTransactions(t *testing.T) {
	m, kernel, _ := newTestManager(t)
	ctx := context.Background()

	doc, err := m.CreateDocument(ctx, "busy-doc", CreateOptions{})
	require.NoError(t, err)
	_, err = m.AcquireLock(doc.ID, "worker-a", LockExclusive, 0)
	require.NoError(t, err)

	kernel.Put(doc.ID, "x", "committed")
	_, err = m.StartTransaction(ctx, doc.ID, "in flight")
	require.NoError(t, err)
	kernel.Put(doc.ID, "x", "dirty")

	err = m.CloseDocument(ctx, doc.ID, "worker-a", false, false)
	require.Error(t, err)
	assert.Equal(t, types.CodeValidationFailed, types.CodeOf(err))

	require.NoError(t, m.CloseDocument(ctx, doc.ID, "worker-a", false, true))

	_, err = m.GetStatus(doc.ID)
	assert.Equal(t, types.CodeDocumentNotFound, types.CodeOf(err))
	_, ok := kernel.docs[doc.ID]
	assert.False(t, ok, "kernel state should be gone after close")
}

func TestSaveCompressed(t *testing.T) {
	m, kernel, _ := newTestManager(t)
	m.cfg.Document.Compression = true
	ctx := context.Background()

	doc, err := m.CreateDocument(ctx, "zipped", CreateOptions{})
	require.NoError(t, err)
	kernel.Put(doc.ID, "payload", strings.Repeat("tessellation ", 100))

	_, err = m.AcquireLock(doc.ID, "worker-a", LockExclusive, 0)
	require.NoError(t, err)
	require.NoError(t, m.SaveDocument(ctx, doc.ID, "worker-a", SaveOptions{}))

	st, err := m.GetStatus(doc.ID)
	require.NoError(t, err)
	assert.True(t, st.Document.Compressed)
	assert.True(t, strings.HasSuffix(st.Document.Path, ".json.gz"))

	raw, err := os.ReadFile(st.Document.Path)
	require.NoError(t, err)
	assert.Equal(t, int64(len(raw)), st.Document.Size)

	require.NoError(t, m.CloseDocument(ctx, doc.ID, "worker-a", false, false))
	reopened, err := m.OpenDocument(ctx, "zipped", false)
	require.NoError(t, err)
	assert.True(t, reopened.Compressed)

	v, ok := kernel.Get("zipped", "payload")
	require.True(t, ok)
	assert.Equal(t, strings.Repeat("tessellation ", 100), v)
}

func TestSaveRejectsEscapingPath(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	doc, err := m.CreateDocument(ctx, "escape-doc", CreateOptions{})
	require.NoError(t, err)
	_, err = m.AcquireLock(doc.ID, "worker-a", LockExclusive, 0)
	require.NoError(t, err)

	err = m.SaveDocument(ctx, doc.ID, "worker-a", SaveOptions{Path: filepath.Join("..", "evil.json")})
	require.Error(t, err)
	assert.Equal(t, types.CodeSecurityViolation, types.CodeOf(err))
}

func TestCorruptPayloadDetected(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	doc, err := m.CreateDocument(ctx, "tamper-doc", CreateOptions{})
	require.NoError(t, err)
	_, err = m.AcquireLock(doc.ID, "worker-a", LockExclusive, 0)
	require.NoError(t, err)
	require.NoError(t, m.SaveDocument(ctx, doc.ID, "worker-a", SaveOptions{}))

	st, err := m.GetStatus(doc.ID)
	require.NoError(t, err)
	require.NoError(t, m.CloseDocument(ctx, doc.ID, "worker-a", false, false))

	raw, err := os.ReadFile(st.Document.Path)
	require.NoError(t, err)
	raw[len(raw)/2] ^= 0xff
	require.NoError(t, os.WriteFile(st.Document.Path, raw, 0o644))

	_, err = m.OpenDocument(ctx, "tamper-doc", false)
	require.Error(t, err)
	assert.Equal(t, types.CodeDocumentCorrupt, types.CodeOf(err))
}

func TestGetStatusCounts(t *testing.T) {
	m, kernel, _ := newTestManager(t)
	ctx := context.Background()

	doc, err := m.CreateDocument(ctx, "status-doc", CreateOptions{})
	require.NoError(t, err)
	_, err = m.AcquireLock(doc.ID, "worker-a", LockExclusive, time.Minute)
	require.NoError(t, err)
	_, err = m.StartTransaction(ctx, doc.ID, "work")
	require.NoError(t, err)
	kernel.Put(doc.ID, "x", 1)
	_, err = m.AddUndoSnapshot(ctx, doc.ID, "step")
	require.NoError(t, err)

	st, err := m.GetStatus(doc.ID)
	require.NoError(t, err)
	assert.Len(t, st.Locks, 1)
	assert.Equal(t, 1, st.ActiveTransactions)
	assert.Equal(t, 1, st.UndoDepth)
	assert.Zero(t, st.RedoDepth)
	assert.Zero(t, st.Backups)
	assert.False(t, st.HasRecoverySnap)
}

func TestAutoSaveCapturesRecoverySnapshot(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Document.BasePath = t.TempDir()
	cfg.Document.AutoSaveInterval = "10ms"

	kernel := NewMemoryKernel()
	m, err := NewManager(cfg, kernel)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, m.Close()) })

	ctx := context.Background()
	doc, err := m.CreateDocument(ctx, "auto-doc", CreateOptions{})
	require.NoError(t, err)
	kernel.Put(doc.ID, "x", "dirty")
	_, err = m.AddUndoSnapshot(ctx, doc.ID, "edit")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		st, err := m.GetStatus(doc.ID)
		return err == nil && st.HasRecoverySnap
	}, 2*time.Second, 10*time.Millisecond, "auto-save should capture a recovery snapshot")
}
