// Package supervisor launches the fixed set of worker stubs and exposes
// the child enumeration the pool manager discovers them through.
package supervisor

import (
	"context"
	"fmt"
	"runtime"

	"github.com/rs/zerolog/log"

	"github.com/wdshin/php-app/pkg/pool"
	"github.com/wdshin/php-app/pkg/worker"
)

// EvalTag marks children whose subprocess evaluates snippets.
const EvalTag = "php_eval"

type Config struct {
	// Workers is the pool size; zero means the logical CPU count.
	Workers int

	// Worker is the template for every stub; the ID is assigned here.
	Worker worker.Config
}

// Supervisor owns the worker stubs for their whole lifetime. The pool
// manager only ever borrows them.
type Supervisor struct {
	workers []*worker.Worker
	byID    map[string]*worker.Worker
}

func New(cfg Config) *Supervisor {
	n := cfg.Workers
	if n <= 0 {
		n = runtime.NumCPU()
	}
	s := &Supervisor{byID: make(map[string]*worker.Worker, n)}
	for i := 0; i < n; i++ {
		wc := cfg.Worker
		wc.ID = fmt.Sprintf("%s_%d", EvalTag, i)
		w := worker.New(wc)
		s.workers = append(s.workers, w)
		s.byID[w.ID()] = w
	}
	return s
}

// Start spawns every worker subprocess. The pool manager defers its
// discovery until first use, so children are up by the time it asks.
func (s *Supervisor) Start(ctx context.Context) error {
	for _, w := range s.workers {
		if err := w.Start(ctx); err != nil {
			return fmt.Errorf("start %s: %w", w.ID(), err)
		}
	}
	log.Debug().Int("workers", len(s.workers)).Msg("supervisor started")
	return nil
}

// Stop kills every worker subprocess.
func (s *Supervisor) Stop() {
	for _, w := range s.workers {
		w.Close()
	}
}

// Children enumerates supervised processes in start order.
func (s *Supervisor) Children() []pool.Child {
	children := make([]pool.Child, 0, len(s.workers))
	for _, w := range s.workers {
		children = append(children, pool.Child{
			ID:   w.ID(),
			Pid:  w.Pid(),
			Type: pool.TypeWorker,
			Tags: []string{EvalTag},
		})
	}
	return children
}

// Worker resolves a child ID to its stub, nil when unknown.
func (s *Supervisor) Worker(id string) pool.Worker {
	w, ok := s.byID[id]
	if !ok {
		return nil
	}
	return w
}
