// Package worker owns one interpreter subprocess: framing, timeout
// enforcement, external memory sampling and automatic respawn.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/wdshin/php-app/pkg/metrics"
	"github.com/wdshin/php-app/pkg/types"
)

var (
	ErrTimeout = fmt.Errorf("timeout")
	ErrClosed  = fmt.Errorf("closed")
)

// Config describes how to launch and initialise the subprocess.
type Config struct {
	ID      string
	PHPPath string
	Args    []string
	Env     []string

	// InitCode is evaluated on every spawn, before require snippets.
	InitCode string

	// RequireTimeout bounds each initialisation snippet replayed after a
	// respawn.
	RequireTimeout time.Duration
}

// Worker is the in-process stub for one interpreter subprocess. All
// operations are serialized per worker; it is safe to use concurrently.
// The subprocess inside may be recycled many times over the worker's
// lifetime, the worker identity stays stable.
type Worker struct {
	cfg Config

	mu       sync.Mutex
	proc     *proc
	requires []string

	pid    atomic.Int64
	spawns atomic.Uint64
	closed atomic.Bool
}

// proc is one incarnation of the subprocess.
type proc struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	seq    uint64

	dead     atomic.Bool
	exitCode atomic.Int32
	killFn   func()
	wg       sync.WaitGroup
}

func New(cfg Config) *Worker {
	if cfg.RequireTimeout <= 0 {
		cfg.RequireTimeout = 30 * time.Second
	}
	return &Worker{cfg: cfg}
}

func (w *Worker) ID() string { return w.cfg.ID }

// Pid is the OS pid of the current subprocess, zero before first spawn.
func (w *Worker) Pid() int { return int(w.pid.Load()) }

// Spawns counts subprocess incarnations, including the first.
func (w *Worker) Spawns() uint64 { return w.spawns.Load() }

// Start spawns the subprocess eagerly so the first evaluation does not
// pay the spawn cost.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ensureProcLocked(ctx)
}

// Close kills the subprocess. The worker cannot be used afterwards.
func (w *Worker) Close() {
	w.closed.Store(true)
	w.mu.Lock()
	defer w.mu.Unlock()
	w.destroyLocked()
}

// Initialize records the snippets replayed after every respawn. It does
// not touch a running subprocess.
func (w *Worker) Initialize(requires []string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.requires = append([]string(nil), requires...)
}

// Restart force-exits the subprocess, spawns a fresh one and replays the
// given snippets on it.
func (w *Worker) Restart(ctx context.Context, requires []string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed.Load() {
		return ErrClosed
	}
	w.requires = append([]string(nil), requires...)
	w.destroyLocked()
	return w.respawnLocked(ctx)
}

// Evaluate runs code on the subprocess and waits for its framed reply,
// bounded by timeout (<= 0 means unbounded). Transport failures,
// timeouts and subprocess death are folded into the Result, never a Go
// error. After a successful reply the resident memory is sampled; a
// worker over maxMemKB is recycled and the result status overridden to
// break.
func (w *Worker) Evaluate(ctx context.Context, code string, timeout time.Duration, maxMemKB int) types.Result {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.ensureProcLocked(ctx); err != nil {
		return types.Result{Kind: types.ResultExit, ExitCode: -1, LastError: err.Error(), Status: types.StatusBreak}
	}
	p := w.proc
	rep, err := w.roundTrip(ctx, p, code, timeout, maxMemKB)
	switch {
	case errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		log.Debug().Str("worker", w.cfg.ID).Str("code", snippetPreview(code)).Msg("evaluation timed out, recycling subprocess")
		w.destroyLocked()
		w.tryRespawnLocked()
		return types.Result{Kind: types.ResultExit, TimedOut: true, Status: types.StatusBreak}
	case err != nil:
		// subprocess died or the pipe broke mid-exchange
		exitCode := w.destroyLocked()
		w.tryRespawnLocked()
		return types.Result{Kind: types.ResultExit, ExitCode: exitCode, LastError: err.Error(), Status: types.StatusBreak}
	}

	res := rep.Result()
	if rep.Tag == types.TagExit {
		// voluntary exit; the subprocess is gone
		w.destroyLocked()
		w.tryRespawnLocked()
		res.Status = types.StatusBreak
		return res
	}
	if maxMemKB > 0 {
		rss, merr := rssKB(ctx, int(w.pid.Load()))
		switch {
		case merr != nil:
			log.Warn().Err(merr).Str("worker", w.cfg.ID).Msg("memory probe failed")
		case rss > maxMemKB:
			log.Debug().Str("worker", w.cfg.ID).Int("rssKb", rss).Int("maxMemKb", maxMemKB).
				Msg("memory ceiling exceeded, recycling subprocess")
			w.destroyLocked()
			w.tryRespawnLocked()
			res.Status = types.StatusBreak
		}
	}
	return res
}

// MeasureMemory reports the subprocess resident set size in KiB,
// respawning the subprocess first if it is not alive.
func (w *Worker) MeasureMemory(ctx context.Context) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.ensureProcLocked(ctx); err != nil {
		return 0, err
	}
	return rssKB(ctx, int(w.pid.Load()))
}

func (w *Worker) ensureProcLocked(ctx context.Context) error {
	if w.closed.Load() {
		return ErrClosed
	}
	if w.proc != nil && !w.proc.dead.Load() {
		return nil
	}
	if w.proc != nil {
		w.destroyLocked()
	}
	return w.respawnLocked(ctx)
}

func (w *Worker) spawnLocked() (*proc, error) {
	cmd := exec.Command(w.cfg.PHPPath, w.cfg.Args...)
	if len(w.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), w.cfg.Env...)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	p := &proc{cmd: cmd, stdin: stdin, stdout: stdout}
	p.killFn = sync.OnceFunc(func() {
		if err := cmd.Process.Kill(); err != nil {
			log.Debug().Err(err).Str("worker", w.cfg.ID).Msg("kill failed")
		}
	})
	p.wg.Add(1)
	// uses Wait() to handle SIGCHLD to avoid zombie processes.
	go func() {
		defer p.wg.Done()
		err := cmd.Wait()
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			p.exitCode.Store(int32(exitErr.ExitCode()))
		}
		p.dead.Store(true)
	}()

	w.pid.Store(int64(cmd.Process.Pid))
	w.spawns.Add(1)
	metrics.WorkerRespawns.Inc()
	log.Debug().Str("worker", w.cfg.ID).Int("pid", cmd.Process.Pid).Msg("subprocess spawned")
	return p, nil
}

func (w *Worker) respawnLocked(ctx context.Context) error {
	p, err := w.spawnLocked()
	if err != nil {
		return err
	}
	w.proc = p
	w.replayLocked(ctx, p)
	return nil
}

// tryRespawnLocked is the eager respawn after a subprocess loss. It is
// best effort; a failure leaves the worker to retry lazily on next use.
func (w *Worker) tryRespawnLocked() {
	if w.closed.Load() {
		return
	}
	if err := w.respawnLocked(context.Background()); err != nil {
		log.Warn().Err(err).Str("worker", w.cfg.ID).Msg("respawn failed")
	}
}

// replayLocked runs the configured init snippet and every require entry
// on a fresh subprocess, in order, before it accepts external work.
func (w *Worker) replayLocked(ctx context.Context, p *proc) {
	snippets := make([]string, 0, len(w.requires)+1)
	if w.cfg.InitCode != "" {
		snippets = append(snippets, w.cfg.InitCode)
	}
	snippets = append(snippets, w.requires...)
	for _, code := range snippets {
		rep, err := w.roundTrip(ctx, p, code, w.cfg.RequireTimeout, 0)
		if err != nil {
			log.Warn().Err(err).Str("worker", w.cfg.ID).Str("code", snippetPreview(code)).Msg("init snippet failed")
			return
		}
		if rep.Tag != types.TagOK {
			log.Warn().Str("worker", w.cfg.ID).Str("tag", string(rep.Tag)).
				Str("code", snippetPreview(code)).Msg("init snippet rejected")
		}
	}
}

// roundTrip writes one framed request and waits for its framed reply.
// timeout <= 0 waits until the reply arrives, the subprocess dies or ctx
// is done.
func (w *Worker) roundTrip(ctx context.Context, p *proc, code string, timeout time.Duration, maxMemKB int) (types.EvalReply, error) {
	p.seq++
	req := types.EvalRequest{ID: p.seq, Code: code, MaxMemKB: maxMemKB}
	if timeout > 0 {
		req.TimeoutMS = timeout.Milliseconds()
	}

	replies := make(chan types.EvalReply, 1)
	errs := make(chan error, 1)
	go func() {
		if err := types.WriteFrame(p.stdin, &req); err != nil {
			errs <- err
			return
		}
		var rep types.EvalReply
		if err := types.ReadFrame(p.stdout, &rep); err != nil {
			errs <- err
			return
		}
		if rep.ID != req.ID {
			errs <- fmt.Errorf("unexpected reply id: %d", rep.ID)
			return
		}
		replies <- rep
	}()

	var expire <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expire = t.C
	}
	select {
	case rep := <-replies:
		return rep, nil
	case err := <-errs:
		return types.EvalReply{}, err
	case <-expire:
		return types.EvalReply{}, ErrTimeout
	case <-ctx.Done():
		return types.EvalReply{}, ctx.Err()
	}
}

// destroyLocked kills the current subprocess, reaps it and returns its
// exit code (-1 when there was none).
func (w *Worker) destroyLocked() int {
	p := w.proc
	if p == nil {
		return -1
	}
	w.proc = nil
	p.killFn()
	p.wg.Wait()
	return int(p.exitCode.Load())
}

// rssKB asks ps for the resident set size in KiB. The measurement is
// external on purpose: the evaluator cannot be trusted to report its own
// footprint.
func rssKB(ctx context.Context, pid int) (int, error) {
	out, err := exec.CommandContext(ctx, "ps", "-o", "rss=", "-p", strconv.Itoa(pid)).Output()
	if err != nil {
		return 0, fmt.Errorf("ps failed: %w", err)
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(out)))
	if err != nil {
		return 0, fmt.Errorf("bad rss output %q: %w", strings.TrimSpace(string(out)), err)
	}
	return n, nil
}

func snippetPreview(code string) string {
	const max = 64
	if len(code) > max {
		return code[:max] + "..."
	}
	return code
}
