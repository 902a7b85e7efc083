package worker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/cncaiprojem/projem-sub004/internal/config"
	"github.com/cncaiprojem/projem-sub004/internal/document"
	"github.com/cncaiprojem/projem-sub004/internal/logging"
	"github.com/cncaiprojem/projem-sub004/internal/metrics"
	"github.com/cncaiprojem/projem-sub004/internal/rules"
	"github.com/cncaiprojem/projem-sub004/internal/storage"
	"github.com/cncaiprojem/projem-sub004/internal/types"
)

// Request is one CAD job handed to the executor.
type Request struct {
	TenantID      string         `json:"tenant_id"`
	Tier          string         `json:"tier"`
	OpType        string         `json:"op_type"`
	Script        string         `json:"script"`
	Params        map[string]any `json:"params,omitempty"`
	OutputFormats []string       `json:"output_formats,omitempty"`
	JobID         string         `json:"job_id"`
}

// OutputFile describes one artifact the engine produced. Path points
// into the scoped work dir and is gone after the job; StorageKey is
// the durable address when an object store is wired.
type OutputFile struct {
	Name       string `json:"name"`
	Path       string `json:"path"`
	Format     string `json:"format"`
	Size       int64  `json:"size"`
	SHA256     string `json:"sha256"`
	StorageKey string `json:"storage_key,omitempty"`
}

// Result is a finished job: artifacts plus observed resource usage.
type Result struct {
	JobID         string        `json:"job_id"`
	TenantID      string        `json:"tenant_id"`
	OpType        string        `json:"op_type"`
	Outputs       []OutputFile  `json:"outputs"`
	Duration      time.Duration `json:"duration"`
	PeakRSSMB     float64       `json:"peak_rss_mb"`
	MeanCPUPct    float64       `json:"mean_cpu_pct"`
	EngineVersion string        `json:"engine_version,omitempty"`
	DocumentID    string        `json:"document_id,omitempty"`
	DocVersion    int           `json:"doc_version,omitempty"`
	DocRevision   string        `json:"doc_revision,omitempty"`
}

// outputExtensions are the artifact types enumerated after a
// successful run.
var outputExtensions = map[string]string{
	".fcstd": "fcstd",
	".step":  "step",
	".stp":   "step",
	".stl":   "stl",
	".iges":  "iges",
	".igs":   "iges",
	".obj":   "obj",
	".dxf":   "dxf",
	".ifc":   "ifc",
	".dae":   "dae",
}

// dangerousParamKeys are dropped from user params before they reach
// the engine.
var dangerousParamKeys = []string{
	"__import__", "exec", "eval", "compile", "open",
	"globals", "locals", "builtins", "subprocess", "os",
}

// Executor runs jobs in engine subprocesses. Safe for concurrent use;
// per-tenant concurrency is enforced internally.
type Executor struct {
	cfg     *config.Config
	rules   *rules.Engine
	docs    *document.Manager
	store   storage.Store
	log     *zap.Logger
	breaker *Breaker

	engineMu sync.Mutex
	engine   *Engine

	tenantMu sync.Mutex
	active   map[string]int
}

// NewExecutor builds an executor. rulesEngine, docManager, and store
// may each be nil: without rules only basic key scrubbing is applied,
// without a document manager the lifecycle steps are skipped, and
// without a store outputs live only as long as the scoped work dir.
func NewExecutor(cfg *config.Config, rulesEngine *rules.Engine, docManager *document.Manager, store storage.Store) *Executor {
	return &Executor{
		cfg:     cfg,
		rules:   rulesEngine,
		docs:    docManager,
		store:   store,
		log:     logging.For(logging.CategoryWorker),
		breaker: NewBreaker(cfg.Breaker.Threshold, cfg.GetBreakerRecovery()),
		active:  make(map[string]int),
	}
}

// Execute runs one job end to end behind the circuit breaker. Caller
// mistakes (bad tier, license denials, invalid params) do not count
// against the breaker; engine and infrastructure failures do.
func (e *Executor) Execute(ctx context.Context, req *Request) (*Result, error) {
	if err := e.breaker.Allow(); err != nil {
		return nil, err
	}
	started := time.Now()
	res, err := e.run(ctx, req)

	code := "ok"
	if err != nil {
		code = types.CodeOf(err)
		if types.KindOf(err) == types.KindUserInput {
			e.breaker.Success()
		} else {
			e.breaker.Failure()
		}
	} else {
		e.breaker.Success()
	}

	var peak float64
	if res != nil {
		peak = res.PeakRSSMB
	}
	metrics.JobDone(req.OpType, code, time.Since(started).Seconds(), peak)
	return res, err
}

func (e *Executor) run(ctx context.Context, req *Request) (*Result, error) {
	if req.JobID == "" {
		return nil, types.NewFault(types.CodeValidationFailed, "job id is empty")
	}
	if strings.TrimSpace(req.Script) == "" {
		return nil, types.NewFault(types.CodeValidationFailed, "script is empty")
	}

	tier, err := ResolveTier(req.Tier)
	if err != nil {
		return nil, err
	}
	for _, format := range req.OutputFormats {
		if !tier.AllowsFormat(format) {
			return nil, types.Faultf(types.CodeLicenseRestriction,
				"tier %s does not allow %s export", tier.Name, format).
				With("requested_format", format).
				With("tier", tier.Name)
		}
	}

	release, err := e.acquireTenantSlot(req.TenantID, tier.MaxConcurrentPerTenant)
	if err != nil {
		return nil, err
	}
	defer release()

	engine, err := e.resolveEngine(ctx)
	if err != nil {
		return nil, err
	}

	paramsJSON, err := e.sanitizeParams(req.Params)
	if err != nil {
		return nil, err
	}

	handle, err := e.openDocument(ctx, req)
	if err != nil {
		return nil, err
	}

	workDir, err := e.makeWorkDir(req.JobID)
	if err != nil {
		handle.cleanup(ctx, false)
		return nil, err
	}
	defer os.RemoveAll(workDir)

	result, err := e.spawn(ctx, req, tier, engine, paramsJSON, workDir)
	if err != nil {
		handle.cleanup(ctx, false)
		return result, err
	}
	result.EngineVersion = engine.Version

	if err := e.persistOutputs(ctx, req, result); err != nil {
		handle.cleanup(ctx, false)
		return result, err
	}
	if err := e.sealDocument(ctx, req, handle, result); err != nil {
		handle.cleanup(ctx, false)
		return result, err
	}
	handle.cleanup(ctx, true)
	return result, nil
}

// persistOutputs streams artifacts into the object store so they
// survive work dir cleanup.
func (e *Executor) persistOutputs(ctx context.Context, req *Request, result *Result) error {
	if e.store == nil {
		return nil
	}
	for i := range result.Outputs {
		out := &result.Outputs[i]
		f, err := os.Open(out.Path)
		if err != nil {
			return types.WrapFault(types.CodeTemporaryFailure, "open output for upload", err)
		}
		key := path.Join("jobs", req.JobID, out.Name)
		err = e.store.UploadStream(ctx, "", key, f)
		f.Close()
		if err != nil {
			return err
		}
		out.StorageKey = key
	}
	return nil
}

// acquireTenantSlot bumps the tenant's active counter, refusing past
// the tier bound. The returned func decrements it exactly once.
func (e *Executor) acquireTenantSlot(tenantID string, max int) (func(), error) {
	e.tenantMu.Lock()
	defer e.tenantMu.Unlock()

	if max > 0 && e.active[tenantID] >= max {
		return nil, types.Faultf(types.CodeResourceExhausted,
			"tenant %s already has %d jobs running", tenantID, e.active[tenantID]).
			With("active", e.active[tenantID]).
			With("max_concurrent", max)
	}
	e.active[tenantID]++
	metrics.TenantActive(tenantID, e.active[tenantID])

	var once sync.Once
	return func() {
		once.Do(func() {
			e.tenantMu.Lock()
			defer e.tenantMu.Unlock()
			e.active[tenantID]--
			if e.active[tenantID] <= 0 {
				delete(e.active, tenantID)
				metrics.TenantActive(tenantID, 0)
				return
			}
			metrics.TenantActive(tenantID, e.active[tenantID])
		})
	}, nil
}

// resolveEngine discovers the engine once and caches the success.
// Failures are not cached so a fixed install is picked up on the next
// job.
func (e *Executor) resolveEngine(ctx context.Context) (*Engine, error) {
	e.engineMu.Lock()
	defer e.engineMu.Unlock()
	if e.engine != nil {
		return e.engine, nil
	}
	engine, err := DiscoverEngine(ctx, e.cfg)
	if err != nil {
		return nil, err
	}
	e.engine = engine
	e.log.Info("engine resolved",
		zap.String("path", engine.Path),
		zap.String("version", engine.Version))
	return engine, nil
}

// sanitizeParams scrubs dangerous keys and runs the rules engine range
// checks, returning the canonical JSON handed to the subprocess.
func (e *Executor) sanitizeParams(params map[string]any) ([]byte, error) {
	clean := make(map[string]any, len(params))
	for k, v := range params {
		clean[k] = v
	}
	for _, key := range dangerousParamKeys {
		delete(clean, key)
	}
	for key := range clean {
		if strings.HasPrefix(key, "__") {
			delete(clean, key)
		}
	}

	if e.rules == nil {
		raw, err := json.Marshal(clean)
		if err != nil {
			return nil, types.WrapFault(types.CodeValidationFailed, "params are not serializable", err)
		}
		return raw, nil
	}
	canonical, res, err := e.rules.ValidateParams(clean)
	if err != nil {
		return nil, err
	}
	if !res.OK {
		return nil, res.Err()
	}
	return canonical, nil
}

// docHandle carries the lifecycle state threaded through one job.
type docHandle struct {
	exec   *Executor
	docID  string
	lockID string
	txnID  string
	jobID  string
	once   sync.Once
}

// cleanup releases the lock, aborting the transaction first unless the
// job committed. Safe to call more than once.
func (h *docHandle) cleanup(ctx context.Context, committed bool) {
	if h == nil || h.docID == "" {
		return
	}
	h.once.Do(func() {
		if !committed {
			if err := h.exec.docs.AbortTransaction(ctx, h.txnID); err != nil &&
				types.CodeOf(err) != types.CodeValidationFailed {
				h.exec.log.Warn("abort after failed job",
					zap.String("job_id", h.jobID),
					zap.Error(err))
			}
		}
		if err := h.exec.docs.ReleaseLock(h.docID, h.lockID); err != nil {
			h.exec.log.Warn("release lock after job",
				zap.String("job_id", h.jobID),
				zap.Error(err))
		}
	})
}

// openDocument runs the lifecycle front half: open or create, lock,
// transaction. Lock contention surfaces as resource exhaustion so the
// queue retries instead of failing the job outright.
func (e *Executor) openDocument(ctx context.Context, req *Request) (*docHandle, error) {
	if e.docs == nil || !e.cfg.Worker.DocumentLifecycle {
		return nil, nil
	}

	doc, err := e.docs.OpenDocument(ctx, req.JobID, true)
	if err != nil {
		return nil, err
	}
	lock, err := e.docs.AcquireLock(doc.ID, req.TenantID, document.LockExclusive, 0)
	if err != nil {
		if types.CodeOf(err) == types.CodeDocumentLocked {
			return nil, types.WrapFault(types.CodeResourceExhausted,
				"document is busy with another job", err)
		}
		return nil, err
	}
	txn, err := e.docs.StartTransaction(ctx, doc.ID, req.OpType)
	if err != nil {
		_ = e.docs.ReleaseLock(doc.ID, lock.ID)
		return nil, err
	}
	_ = e.docs.RecordOperation(txn.ID, fmt.Sprintf("%s job %s", req.OpType, req.JobID))

	return &docHandle{
		exec:   e,
		docID:  doc.ID,
		lockID: lock.ID,
		txnID:  txn.ID,
		jobID:  req.JobID,
	}, nil
}

// sealDocument runs the lifecycle back half after a successful spawn:
// undo snapshot, commit, save.
func (e *Executor) sealDocument(ctx context.Context, req *Request, handle *docHandle, result *Result) error {
	if handle == nil || handle.docID == "" {
		return nil
	}
	if _, err := e.docs.AddUndoSnapshot(ctx, handle.docID, req.OpType); err != nil {
		return err
	}
	if err := e.docs.CommitTransaction(ctx, handle.txnID); err != nil {
		return err
	}
	if err := e.docs.SaveDocument(ctx, handle.docID, req.TenantID, document.SaveOptions{}); err != nil {
		return err
	}
	st, err := e.docs.GetStatus(handle.docID)
	if err != nil {
		return err
	}
	result.DocumentID = handle.docID
	result.DocVersion = st.Document.Version
	result.DocRevision = st.Document.Revision
	return nil
}

func (e *Executor) makeWorkDir(jobID string) (string, error) {
	parent := e.cfg.Worker.WorkDir
	if parent == "" {
		parent = os.TempDir()
	}
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return "", types.WrapFault(types.CodeTemporaryFailure, "create work dir parent", err)
	}
	dir, err := os.MkdirTemp(parent, "job-*")
	if err != nil {
		return "", types.WrapFault(types.CodeTemporaryFailure, "create job work dir", err)
	}
	return dir, nil
}

// spawn writes the script and params, starts the engine in its own
// process group with a hermetic environment, monitors it, and
// enumerates outputs on success.
func (e *Executor) spawn(ctx context.Context, req *Request, tier Tier, engine *Engine, paramsJSON []byte, workDir string) (*Result, error) {
	scriptPath := filepath.Join(workDir, "script.py")
	paramsPath := filepath.Join(workDir, "params.json")
	if err := os.WriteFile(scriptPath, []byte(req.Script), 0o644); err != nil {
		return nil, types.WrapFault(types.CodeTemporaryFailure, "write script file", err)
	}
	if err := os.WriteFile(paramsPath, paramsJSON, 0o644); err != nil {
		return nil, types.WrapFault(types.CodeTemporaryFailure, "write params file", err)
	}

	wall := time.Duration(tier.MaxWallSeconds) * time.Second
	runCtx, cancel := context.WithTimeout(ctx, wall)
	defer cancel()

	cmd := exec.CommandContext(runCtx, engine.Path, "-c", scriptPath, "--", paramsPath, workDir)
	cmd.Dir = workDir
	cmd.Env = hermeticEnv(e.cfg, workDir)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true, Pdeathsig: syscall.SIGKILL}
	// The child leads its own process group, so cancellation kills the
	// whole tree, not just the direct child.
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 5 * time.Second

	stderr := newTailBuffer(e.cfg.Worker.StderrLimit)
	cmd.Stderr = stderr
	cmd.Stdout = io.Discard

	started := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, types.WrapFault(types.CodeSubprocessFailed, "start engine", err)
	}
	pid := cmd.Process.Pid

	done := make(chan struct{})
	usage := e.monitor(pid, uint64(tier.MaxMemMB)*1024*1024, done)

	waitErr := cmd.Wait()
	close(done)
	elapsed := time.Since(started)

	peakMB, meanCPU, breached := usage.snapshot()
	result := &Result{
		JobID:      req.JobID,
		TenantID:   req.TenantID,
		OpType:     req.OpType,
		Duration:   elapsed,
		PeakRSSMB:  peakMB,
		MeanCPUPct: meanCPU,
	}

	switch {
	case breached:
		return result, types.Faultf(types.CodeMemoryLimitExceeded,
			"job exceeded the %d MB memory limit", tier.MaxMemMB).
			With("peak_rss_mb", peakMB).
			With("max_mem_mb", tier.MaxMemMB)
	case runCtx.Err() == context.DeadlineExceeded:
		return result, types.Faultf(types.CodeTimeoutExceeded,
			"job exceeded the %s wall clock limit", wall).
			With("max_wall_s", tier.MaxWallSeconds)
	case runCtx.Err() == context.Canceled:
		return result, types.WrapFault(types.CodeTemporaryFailure, "job canceled", runCtx.Err())
	case waitErr != nil:
		exitCode := -1
		if ee, ok := waitErr.(*exec.ExitError); ok {
			exitCode = ee.ExitCode()
		}
		return result, types.Faultf(types.CodeSubprocessFailed,
			"engine exited with code %d", exitCode).
			With("exit_code", exitCode).
			With("stderr", stderr.String())
	}

	outputs, err := enumerateOutputs(workDir)
	if err != nil {
		return result, err
	}
	result.Outputs = outputs

	e.log.Info("job finished",
		zap.String("job_id", req.JobID),
		zap.String("tenant_id", req.TenantID),
		zap.String("op_type", req.OpType),
		zap.Duration("duration", elapsed),
		zap.Float64("peak_rss_mb", peakMB),
		zap.Int("outputs", len(outputs)))
	return result, nil
}

// enumerateOutputs collects artifacts by known extension, skipping the
// input script and params files.
func enumerateOutputs(workDir string) ([]OutputFile, error) {
	entries, err := os.ReadDir(workDir)
	if err != nil {
		return nil, types.WrapFault(types.CodeTemporaryFailure, "list work dir", err)
	}
	var outputs []OutputFile
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		format, ok := outputExtensions[strings.ToLower(filepath.Ext(entry.Name()))]
		if !ok {
			continue
		}
		path := filepath.Join(workDir, entry.Name())
		digest, size, err := hashFile(path)
		if err != nil {
			return nil, err
		}
		outputs = append(outputs, OutputFile{
			Name:   entry.Name(),
			Path:   path,
			Format: format,
			Size:   size,
			SHA256: digest,
		})
	}
	return outputs, nil
}

func hashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, types.WrapFault(types.CodeTemporaryFailure, "open output file", err)
	}
	defer f.Close()
	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, types.WrapFault(types.CodeTemporaryFailure, "hash output file", err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// tailBuffer keeps the last max bytes written, so stderr reports end
// with the most recent engine output.
type tailBuffer struct {
	max int
	buf []byte
}

func newTailBuffer(max int) *tailBuffer {
	if max <= 0 {
		max = 16 * 1024
	}
	return &tailBuffer{max: max}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.buf = append(b.buf, p...)
	if len(b.buf) > b.max {
		b.buf = b.buf[len(b.buf)-b.max:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string { return string(b.buf) }
