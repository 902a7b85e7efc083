package worker

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/cncaiprojem/projem-sub004/internal/cache"
	"github.com/cncaiprojem/projem-sub004/internal/config"
	"github.com/cncaiprojem/projem-sub004/internal/logging"
	"github.com/cncaiprojem/projem-sub004/internal/queue"
	"github.com/cncaiprojem/projem-sub004/internal/types"
)

// scriptTimeout bounds helper scripts: warm-up, upload normalization,
// document kernel operations. Full jobs get their wall limit from the
// tenant tier instead.
const scriptTimeout = 2 * time.Minute

// idempotencyArtifact is the cache artifact idempotent job results are
// stored under.
const idempotencyArtifact = "job-result"

// warmupScript pays the kernel init cost before the first real job:
// module import, unit schema, deterministic precision, one small
// tessellation with fixed parameters.
const warmupScript = `import FreeCAD as App
import Part
import Mesh  # noqa: F401

units = App.ParamGet("User parameter:BaseApp/Preferences/Units")
units.SetInt("UserSchema", 0)
units.SetInt("Decimals", 6)

doc = App.newDocument("warmup")
box = doc.addObject("Part::Box", "WarmupBox")
box.Length = 1.0
box.Width = 1.0
box.Height = 1.0
doc.recompute()
box.Shape.tessellate(0.1)
App.closeDocument("warmup")
`

// hermeticEnv builds the restricted environment engine children run
// in. Numeric libraries are pinned to a single thread and the Python
// hash seed is fixed so the same inputs tessellate identically across
// runs and hosts.
func hermeticEnv(cfg *config.Config, workDir string) []string {
	home := cfg.Engine.Home
	if home == "" {
		home = filepath.Join(workDir, "home")
	}
	env := []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=" + home,
		"FREECAD_USER_HOME=" + home,
		"TMPDIR=" + workDir,
		"LC_ALL=C",
		"LANG=C",
		"PYTHONHASHSEED=0",
		"PYTHONDONTWRITEBYTECODE=1",
		"OMP_NUM_THREADS=1",
		"OPENBLAS_NUM_THREADS=1",
		"MKL_NUM_THREADS=1",
		"NUMEXPR_NUM_THREADS=1",
	}
	if cfg.Engine.Headless {
		env = append(env, "QT_QPA_PLATFORM=offscreen", "DISPLAY=")
	}
	return env
}

// Job is the wire envelope queue deliveries carry.
type Job struct {
	Request        Request `json:"request"`
	IdempotencyKey string  `json:"idempotency_key,omitempty"`
	MaxRetries     int     `json:"max_retries,omitempty"`
}

// idemCanonical namespaces the idempotency key per tenant so keys
// cannot collide across tenants.
func idemCanonical(job *Job) []byte {
	return []byte("idem:" + job.Request.TenantID + ":" + job.IdempotencyKey)
}

// flowForOp maps an operation type onto the cache flow its idempotent
// result lives under.
func flowForOp(opType string) types.Flow {
	switch opType {
	case "model", "geometry":
		return types.FlowGeometry
	case "assembly":
		return types.FlowAssembly
	case "export", "convert":
		return types.FlowExport
	case "upload", "import":
		return types.FlowUpload
	case "ai":
		return types.FlowAI
	case "doc", "document":
		return types.FlowDoc
	}
	return types.FlowParams
}

// Runtime consumes jobs from the queue and drives them through the
// executor, resolving idempotency against the cache on both sides.
// One consumer per configured queue; each holds at most one unacked
// delivery at a time.
type Runtime struct {
	cfg   *config.Config
	exec  *Executor
	cache *cache.Manager
	queue queue.Queue
	log   *zap.Logger
}

// NewRuntime wires the consume loop. cacheMgr may be nil, which
// disables idempotent replay.
func NewRuntime(cfg *config.Config, exec *Executor, cacheMgr *cache.Manager, q queue.Queue) *Runtime {
	return &Runtime{
		cfg:   cfg,
		exec:  exec,
		cache: cacheMgr,
		queue: q,
		log:   logging.For(logging.CategoryWorker),
	}
}

// Warmup runs the warm-up script once so the first real job does not
// pay kernel init cost. A no-op when disabled in config.
func (r *Runtime) Warmup(ctx context.Context) error {
	if !r.cfg.Engine.Warmup {
		return nil
	}
	started := time.Now()
	dir, err := os.MkdirTemp("", "mgf-warmup-*")
	if err != nil {
		return types.WrapFault(types.CodeTemporaryFailure, "create warmup dir", err)
	}
	defer os.RemoveAll(dir)

	if err := r.RunScript(ctx, warmupScript, dir); err != nil {
		return err
	}
	r.log.Info("engine warmed up", zap.Duration("took", time.Since(started)))
	return nil
}

// Run warms the engine, then consumes every configured queue until ctx
// ends. Malformed payloads are logged and dropped; job failures are
// logged with their code and the loop moves on.
func (r *Runtime) Run(ctx context.Context) error {
	if err := r.Warmup(ctx); err != nil {
		return err
	}
	queues := r.cfg.Worker.Queues
	if len(queues) == 0 {
		queues = queue.KnownQueues
	}

	var wg sync.WaitGroup
	for _, name := range queues {
		ch, err := r.queue.Consume(ctx, name)
		if err != nil {
			return err
		}
		wg.Add(1)
		go func(name string, ch <-chan *queue.Delivery) {
			defer wg.Done()
			for d := range ch {
				r.handle(ctx, d)
				d.Ack()
			}
		}(name, ch)
		r.log.Info("consuming queue", zap.String("queue", name))
	}
	wg.Wait()
	return nil
}

func (r *Runtime) handle(ctx context.Context, d *queue.Delivery) {
	var job Job
	if err := json.Unmarshal(d.Payload, &job); err != nil {
		r.log.Error("discarding malformed job payload",
			zap.String("queue", d.Queue),
			zap.Error(err))
		return
	}
	if _, err := r.Process(ctx, &job); err != nil {
		r.log.Error("job failed",
			zap.String("queue", d.Queue),
			zap.String("job_id", job.Request.JobID),
			zap.String("op_type", job.Request.OpType),
			zap.String("code", types.CodeOf(err)),
			zap.Error(err))
	}
}

// Process resolves idempotency, executes the job (with retries when
// the envelope asks for them), and stores the result back under the
// idempotency key.
func (r *Runtime) Process(ctx context.Context, job *Job) (*Result, error) {
	flow := flowForOp(job.Request.OpType)
	if res, ok := r.replay(ctx, job, flow); ok {
		return res, nil
	}

	var res *Result
	run := func() error {
		var err error
		res, err = r.exec.Execute(ctx, &job.Request)
		return err
	}
	var err error
	if job.MaxRetries > 0 {
		err = Retry(ctx, job.MaxRetries, 0, run)
	} else {
		err = run()
	}
	if err != nil {
		return nil, err
	}
	r.remember(ctx, job, flow, res)
	return res, nil
}

// replay returns a previously stored result for the job's idempotency
// key, if there is one.
func (r *Runtime) replay(ctx context.Context, job *Job, flow types.Flow) (*Result, bool) {
	if r.cache == nil || job.IdempotencyKey == "" {
		return nil, false
	}
	raw, ok := r.cache.Get(ctx, flow, idemCanonical(job), idempotencyArtifact)
	if !ok {
		return nil, false
	}
	var res Result
	if err := json.Unmarshal(raw, &res); err != nil {
		r.log.Warn("stored idempotent result is unreadable",
			zap.String("job_id", job.Request.JobID),
			zap.Error(err))
		return nil, false
	}
	r.log.Info("idempotent replay",
		zap.String("job_id", job.Request.JobID),
		zap.String("idempotency_key", job.IdempotencyKey))
	return &res, true
}

func (r *Runtime) remember(ctx context.Context, job *Job, flow types.Flow, res *Result) {
	if r.cache == nil || job.IdempotencyKey == "" {
		return
	}
	raw, err := json.Marshal(res)
	if err != nil {
		return
	}
	if err := r.cache.Set(ctx, flow, idemCanonical(job), idempotencyArtifact, raw, r.cfg.GetIdempotencyTTL()); err != nil {
		r.log.Warn("store idempotent result",
			zap.String("job_id", job.Request.JobID),
			zap.Error(err))
	}
}

// RunScript executes one helper script in workdir under the hermetic
// environment. It backs upload normalization and the engine-bound
// document kernel.
func (r *Runtime) RunScript(ctx context.Context, script, workdir string) error {
	engine, err := r.exec.resolveEngine(ctx)
	if err != nil {
		return err
	}
	scriptPath := filepath.Join(workdir, "run.py")
	if err := os.WriteFile(scriptPath, []byte(script), 0o644); err != nil {
		return types.WrapFault(types.CodeTemporaryFailure, "write script file", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, scriptTimeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, engine.Path, "-c", scriptPath)
	cmd.Dir = workdir
	cmd.Env = hermeticEnv(r.cfg, workdir)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true, Pdeathsig: syscall.SIGKILL}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 5 * time.Second

	stderr := newTailBuffer(r.cfg.Worker.StderrLimit)
	cmd.Stderr = stderr
	cmd.Stdout = io.Discard

	if err := cmd.Run(); err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			return types.Faultf(types.CodeTimeoutExceeded,
				"script exceeded the %s limit", scriptTimeout)
		}
		return types.Faultf(types.CodeSubprocessFailed, "engine script failed").
			With("stderr", stderr.String())
	}
	return nil
}
