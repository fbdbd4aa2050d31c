// Package pool implements the coordinator that multiplexes evaluation
// requests over a fixed set of interpreter workers. A single goroutine
// owns all scheduler state; blocking work runs on detached goroutines.
package pool

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/wdshin/php-app/internal/idgen"
	"github.com/wdshin/php-app/pkg/metrics"
	"github.com/wdshin/php-app/pkg/types"
)

var (
	ErrInvalidReservation = errors.New("invalid reservation")
	ErrPoolClosed         = errors.New("pool closed")
	ErrNoWorkers          = errors.New("no evaluator workers found")
)

// noopCode is the flushing poke evaluated during a rolling restart; its
// result is discarded.
const noopCode = "return true;"

// Worker is the slice of the worker stub the manager depends on.
type Worker interface {
	ID() string
	Pid() int
	Spawns() uint64
	Evaluate(ctx context.Context, code string, timeout time.Duration, maxMemKB int) types.Result
	MeasureMemory(ctx context.Context) (int, error)
	Initialize(requires []string)
	Restart(ctx context.Context, requires []string) error
}

// Child mirrors one supervised process: (id, pid, type, tags).
type Child struct {
	ID   string
	Pid  int
	Type string
	Tags []string
}

// TypeWorker marks supervisor children that evaluate snippets.
const TypeWorker = "worker"

// Supervisor enumerates supervised processes. The manager queries it
// once, lazily, so the supervisor can finish starting children first.
type Supervisor interface {
	Children() []Child
	Worker(id string) Worker
}

type Config struct {
	// DefaultMaxMemKB is the memory ceiling applied when a reservation
	// does not specify one. Zero leaves workers unbounded.
	DefaultMaxMemKB int
}

type reservation struct {
	worker   Worker
	maxMemKB int
}

type reserveOut struct {
	token string
	err   error
}

type waiter struct {
	maxMemKB int
	reply    chan reserveOut
}

type restartOp struct {
	pending map[string]struct{}
	replies []chan error
}

type requireEntry struct {
	token string
	code  string
}

// Stats is a point-in-time snapshot of scheduler state.
type Stats struct {
	Free       int
	Reserved   int
	Waiting    int
	Workers    int
	Restarting bool
}

// Manager is the pool coordinator. Handlers run one at a time on the run
// goroutine, which exclusively owns every field from discovered down.
type Manager struct {
	cfg Config
	sup Supervisor

	reqs chan func()
	quit chan struct{}
	done chan struct{}
	stop sync.Once

	discovered bool
	workers    map[string]Worker
	free       []Worker
	reserved   map[string]*reservation
	waiting    []*waiter
	restart    *restartOp
	requires   []requireEntry
}

func New(sup Supervisor, cfg Config) *Manager {
	m := &Manager{
		cfg:      cfg,
		sup:      sup,
		reqs:     make(chan func()),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		workers:  make(map[string]Worker),
		reserved: make(map[string]*reservation),
	}
	go m.run()
	return m
}

func (m *Manager) run() {
	defer close(m.done)
	for {
		select {
		case fn := <-m.reqs:
			fn()
		case <-m.quit:
			for _, wt := range m.waiting {
				wt.reply <- reserveOut{err: ErrPoolClosed}
			}
			m.waiting = nil
			if m.restart != nil {
				for _, ch := range m.restart.replies {
					ch <- ErrPoolClosed
				}
				m.restart = nil
			}
			return
		}
	}
}

// Close stops the serializer. Queued waiters and in-flight restart
// callers fail with ErrPoolClosed. Worker subprocesses are owned by the
// supervisor and stay up.
func (m *Manager) Close() {
	m.stop.Do(func() { close(m.quit) })
	<-m.done
}

func (m *Manager) submit(ctx context.Context, fn func()) error {
	select {
	case m.reqs <- fn:
		return nil
	case <-m.quit:
		return ErrPoolClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reserve leases a worker and returns an opaque token. maxMemKB zero
// applies the configured default, negative means no ceiling. When every
// worker is leased the call queues FIFO behind earlier waiters.
func (m *Manager) Reserve(ctx context.Context, maxMemKB int) (string, error) {
	if maxMemKB == 0 {
		maxMemKB = m.cfg.DefaultMaxMemKB
	}
	reply := make(chan reserveOut, 1)
	if err := m.submit(ctx, func() { m.handleReserve(maxMemKB, reply) }); err != nil {
		return "", err
	}
	select {
	case out := <-reply:
		return out.token, out.err
	case <-ctx.Done():
		return "", m.withdraw(reply, ctx.Err())
	}
}

// withdraw removes an abandoned waiter from the queue, or releases the
// grant that raced the cancellation.
func (m *Manager) withdraw(reply chan reserveOut, cause error) error {
	removed := make(chan bool, 1)
	select {
	case m.reqs <- func() { removed <- m.removeWaiter(reply) }:
	case <-m.quit:
		return ErrPoolClosed
	}
	if <-removed {
		return cause
	}
	// a reply is already in flight: either a grant or a reserve error
	out := <-reply
	if out.err == nil {
		_ = m.Release(context.Background(), out.token)
	}
	return cause
}

func (m *Manager) removeWaiter(reply chan reserveOut) bool {
	for i, wt := range m.waiting {
		if wt.reply == reply {
			m.waiting = append(m.waiting[:i], m.waiting[i+1:]...)
			m.publish()
			return true
		}
	}
	return false
}

func (m *Manager) handleReserve(maxMemKB int, reply chan reserveOut) {
	if !m.discovered {
		if err := m.discover(); err != nil {
			reply <- reserveOut{err: err}
			return
		}
	}
	// strict FIFO: never jump ahead of an existing waiter, even when a
	// worker is free
	if len(m.waiting) > 0 || len(m.free) == 0 {
		m.waiting = append(m.waiting, &waiter{maxMemKB: maxMemKB, reply: reply})
		m.publish()
		return
	}
	reply <- reserveOut{token: m.grant(maxMemKB)}
	m.checkInvariant()
	m.publish()
}

// grant pops the head free worker into a fresh reservation.
func (m *Manager) grant(maxMemKB int) string {
	w := m.free[0]
	m.free = m.free[1:]
	token := idgen.New()
	if _, dup := m.reserved[token]; dup {
		log.Panic().Str("token", token).Msg("reservation token collision")
	}
	m.reserved[token] = &reservation{worker: w, maxMemKB: maxMemKB}
	return token
}

// discover enumerates supervisor children and adopts those typed as
// evaluator workers. Deferred until first use.
func (m *Manager) discover() error {
	for _, c := range m.sup.Children() {
		if c.Type != TypeWorker {
			continue
		}
		w := m.sup.Worker(c.ID)
		if w == nil {
			log.Warn().Str("child", c.ID).Msg("worker child has no stub")
			continue
		}
		w.Initialize(m.requireCodes())
		m.workers[c.ID] = w
		m.free = append(m.free, w)
	}
	if len(m.workers) == 0 {
		return ErrNoWorkers
	}
	m.discovered = true
	log.Debug().Int("workers", len(m.workers)).Msg("discovered evaluator workers")
	return nil
}

// Release returns the leased worker to the pool, serving the head waiter
// first when one is queued. A worker flagged by the active rolling
// restart is recycled before it can reach the free pool or a waiter.
func (m *Manager) Release(ctx context.Context, token string) error {
	reply := make(chan error, 1)
	if err := m.submit(ctx, func() { reply <- m.handleRelease(token) }); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		// the handler still runs; the release takes effect regardless
		return ctx.Err()
	}
}

func (m *Manager) handleRelease(token string) error {
	res, ok := m.reserved[token]
	if !ok {
		return ErrInvalidReservation
	}
	delete(m.reserved, token)
	w := res.worker

	if m.restart != nil {
		if _, due := m.restart.pending[w.ID()]; due {
			m.restartWorker(w)
		}
	}

	m.free = append(m.free, w)
	if len(m.waiting) > 0 {
		wt := m.waiting[0]
		m.waiting = m.waiting[1:]
		wt.reply <- reserveOut{token: m.grant(wt.maxMemKB)}
	}
	m.checkInvariant()
	m.publish()
	return nil
}

// restartWorker recycles one worker for the active restart operation and
// completes the operation when it was the last.
func (m *Manager) restartWorker(w Worker) {
	if err := w.Restart(context.Background(), m.requireCodes()); err != nil {
		// the stub respawns lazily on next use; the cycle still counts
		log.Warn().Err(err).Str("worker", w.ID()).Msg("worker restart failed")
	}
	delete(m.restart.pending, w.ID())
	if len(m.restart.pending) == 0 {
		for _, ch := range m.restart.replies {
			ch <- nil
		}
		m.restart = nil
		metrics.RollingRestarts.Inc()
		log.Debug().Msg("rolling restart complete")
	}
}

// RestartAll recycles every worker live at the time of the call, each at
// its next release boundary, and returns once all have cycled.
// Concurrent calls join the in-flight operation and observe its
// completion.
func (m *Manager) RestartAll(ctx context.Context) error {
	reply := make(chan error, 1)
	if err := m.submit(ctx, func() { m.handleRestartAll(reply) }); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) handleRestartAll(reply chan error) {
	if m.restart != nil {
		m.restart.replies = append(m.restart.replies, reply)
		return
	}
	if !m.discovered {
		if err := m.discover(); err != nil {
			reply <- err
			return
		}
	}
	pending := make(map[string]struct{}, len(m.workers))
	for id := range m.workers {
		pending[id] = struct{}{}
	}
	if len(pending) == 0 {
		reply <- nil
		return
	}
	m.restart = &restartOp{pending: pending, replies: []chan error{reply}}
	// flushing pokes: one no-op evaluation per worker, each acting as an
	// independent caller, so idle workers cycle through a release
	// promptly; reserved workers restart when their owner releases
	for range pending {
		go func() {
			_, _ = m.Eval(context.Background(), noopCode, "", 0)
		}()
	}
	log.Debug().Int("workers", len(pending)).Msg("rolling restart started")
}

// Eval evaluates code on a worker. An empty token makes the manager
// transiently acquire a worker through the same path as any client; a
// non-empty token must name a live reservation. timeout <= 0 means
// unbounded. The evaluation itself runs on a detached goroutine, never
// on the serializer.
func (m *Manager) Eval(ctx context.Context, code, token string, timeout time.Duration) (types.Result, error) {
	if token == "" {
		tok, err := m.Reserve(ctx, 0)
		if err != nil {
			return types.Result{}, err
		}
		defer func() { _ = m.Release(context.Background(), tok) }()
		return m.Eval(ctx, code, tok, timeout)
	}

	type evalOut struct {
		res types.Result
		err error
	}
	reply := make(chan evalOut, 1)
	err := m.submit(ctx, func() {
		res, ok := m.reserved[token]
		if !ok {
			reply <- evalOut{err: ErrInvalidReservation}
			return
		}
		w, maxMem := res.worker, res.maxMemKB
		metrics.Evaluations.Inc()
		go func() { reply <- evalOut{res: w.Evaluate(ctx, code, timeout, maxMem)} }()
	})
	if err != nil {
		return types.Result{}, err
	}
	// the worker stub honors ctx and timeout, so this receive is bounded
	// by them
	out := <-reply
	return out.res, out.err
}

// GetMemory measures the referenced worker's resident memory in KiB. It
// runs detached, like Eval.
func (m *Manager) GetMemory(ctx context.Context, token string) (int, error) {
	type memOut struct {
		kb  int
		err error
	}
	reply := make(chan memOut, 1)
	err := m.submit(ctx, func() {
		res, ok := m.reserved[token]
		if !ok {
			reply <- memOut{err: ErrInvalidReservation}
			return
		}
		w := res.worker
		go func() {
			kb, err := w.MeasureMemory(ctx)
			reply <- memOut{kb: kb, err: err}
		}()
	})
	if err != nil {
		return 0, err
	}
	out := <-reply
	return out.kb, out.err
}

// RequireCode registers an initialisation snippet replayed after every
// worker respawn and returns its removal token. Call RestartAll to apply
// it to already-running workers.
func (m *Manager) RequireCode(ctx context.Context, code string) (string, error) {
	reply := make(chan string, 1)
	err := m.submit(ctx, func() {
		token := idgen.New()
		m.requires = append(m.requires, requireEntry{token: token, code: code})
		m.syncRequires()
		reply <- token
	})
	if err != nil {
		return "", err
	}
	return <-reply, nil
}

// UnrequireCode removes the entry and starts a rolling restart so its
// effects age out of the pool. Removal of an unknown token is
// idempotent. The caller is acknowledged before the restart completes;
// the restart acknowledges only its own callers.
func (m *Manager) UnrequireCode(ctx context.Context, token string) error {
	reply := make(chan struct{}, 1)
	err := m.submit(ctx, func() {
		for i, e := range m.requires {
			if e.token == token {
				m.requires = append(m.requires[:i], m.requires[i+1:]...)
				m.syncRequires()
				break
			}
		}
		reply <- struct{}{}
	})
	if err != nil {
		return err
	}
	<-reply
	go func() {
		if err := m.RestartAll(context.Background()); err != nil && !errors.Is(err, ErrPoolClosed) {
			log.Warn().Err(err).Msg("rolling restart after unrequire failed")
		}
	}()
	return nil
}

// Stats snapshots the scheduler state.
func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	reply := make(chan Stats, 1)
	err := m.submit(ctx, func() {
		reply <- Stats{
			Free:       len(m.free),
			Reserved:   len(m.reserved),
			Waiting:    len(m.waiting),
			Workers:    len(m.workers),
			Restarting: m.restart != nil,
		}
	})
	if err != nil {
		return Stats{}, err
	}
	return <-reply, nil
}

// syncRequires pushes the current require list to every discovered stub
// so unsupervised respawns replay the same snippets.
func (m *Manager) syncRequires() {
	codes := m.requireCodes()
	for _, w := range m.workers {
		w.Initialize(codes)
	}
}

func (m *Manager) requireCodes() []string {
	codes := make([]string, 0, len(m.requires))
	for _, e := range m.requires {
		codes = append(codes, e.code)
	}
	return codes
}

// checkInvariant crashes the manager when free and reserved no longer
// partition the worker set; the reservation space is not trustworthy
// past that point and the supervisor must restart us.
func (m *Manager) checkInvariant() {
	if len(m.free)+len(m.reserved) != len(m.workers) {
		log.Panic().
			Int("free", len(m.free)).
			Int("reserved", len(m.reserved)).
			Int("workers", len(m.workers)).
			Msg("pool invariant violated")
	}
}

func (m *Manager) publish() {
	metrics.FreeWorkers.Set(float64(len(m.free)))
	metrics.ReservedWorkers.Set(float64(len(m.reserved)))
	metrics.WaitingRequests.Set(float64(len(m.waiting)))
}
