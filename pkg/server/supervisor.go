package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"
)

const defaultRestartDelay = 200 * time.Millisecond

// errTaskPanic replaces the error of a task that panicked
var errTaskPanic = errors.New("task panicked")

// Task is a long-running background job. Returning nil ends it until the next Revive;
// any other error restarts it unless the error wraps ErrFatal.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// Supervisor runs tasks in their own goroutines, recovers panics, restarts failed
// tasks and reports fatal ones on Errors
type Supervisor struct {
	wg           sync.WaitGroup
	errs         chan error
	restartDelay time.Duration

	mu      sync.Mutex
	running map[string]bool
	tasks   map[string]Task
	failed  map[string]bool
}

// NewSupervisor creates an idle supervisor
func NewSupervisor() *Supervisor {
	return &Supervisor{
		errs:         make(chan error, 8),
		restartDelay: defaultRestartDelay,
		running:      make(map[string]bool),
		tasks:        make(map[string]Task),
		failed:       make(map[string]bool),
	}
}

// Go starts t under supervision. It stops when ctx is cancelled.
func (s *Supervisor) Go(ctx context.Context, t Task) {
	s.wg.Add(1)
	s.mu.Lock()
	s.tasks[t.Name] = t
	delete(s.failed, t.Name)
	s.running[t.Name] = true
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer s.setRunning(t.Name, false)

		for {
			if ctx.Err() != nil {
				return
			}

			err := s.runOnce(ctx, t)
			if err == nil {
				debugLog.Printf("task %s finished", t.Name)
				return
			}
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, ErrFatal) {
				s.mu.Lock()
				s.failed[t.Name] = true
				s.mu.Unlock()
				errorLog.Printf("task %s failed: %v", t.Name, err)
				s.report(fmt.Errorf("%s: %w", t.Name, err))
				return
			}

			log.Printf("Task %s crashed, restarting: %v", t.Name, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.restartDelay):
			}
		}
	}()
}

func (s *Supervisor) runOnce(ctx context.Context, t Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", errTaskPanic, r)
		}
	}()
	return t.Run(ctx)
}

func (s *Supervisor) report(err error) {
	select {
	case s.errs <- err:
	default:
		errorLog.Printf("dropping task error: %v", err)
	}
}

func (s *Supervisor) setRunning(name string, running bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if running {
		s.running[name] = true
	} else {
		delete(s.running, name)
	}
}

// Revive restarts every task that has ended on its own and returns their names.
// Tasks that failed fatally stay down; their error was already reported.
func (s *Supervisor) Revive(ctx context.Context) []string {
	if ctx.Err() != nil {
		return nil
	}

	s.mu.Lock()
	var stopped []Task
	for name, t := range s.tasks {
		if !s.running[name] && !s.failed[name] {
			stopped = append(stopped, t)
		}
	}
	s.mu.Unlock()

	sort.Slice(stopped, func(i, j int) bool { return stopped[i].Name < stopped[j].Name })
	names := make([]string, 0, len(stopped))
	for _, t := range stopped {
		s.Go(ctx, t)
		names = append(names, t.Name)
	}
	return names
}

// Errors delivers fatal task failures
func (s *Supervisor) Errors() <-chan error {
	return s.errs
}

// Running returns the names of the tasks that have not ended, sorted
func (s *Supervisor) Running() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.running))
	for name := range s.running {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Wait blocks until every task has ended
func (s *Supervisor) Wait() {
	s.wg.Wait()
}
