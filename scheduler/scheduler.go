package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// TaskFn is the function signature for scheduled tasks. The context is
// cancelled when the scheduler stops or the task is removed.
type TaskFn func(ctx context.Context) error

// Observer is notified after every task run.
type Observer func(name string, took time.Duration, err error)

// TaskInfo is a snapshot of one registered ticker task.
type TaskInfo struct {
	Name      string        `json:"name"`
	Interval  time.Duration `json:"interval"`
	Runs      int64         `json:"runs"`
	Failures  int64         `json:"failures"`
	LastRun   time.Time     `json:"last_run"`
	LastTook  time.Duration `json:"last_took"`
	LastError string        `json:"last_error,omitempty"`
}

// Scheduler manages periodic and delayed tasks.
type Scheduler struct {
	mu       sync.Mutex
	tickers  map[string]*tickerEntry
	timers   map[string]*time.Timer
	logger   *zap.Logger
	observer Observer
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

type tickerEntry struct {
	ticker *time.Ticker
	cancel context.CancelFunc
	info   TaskInfo
}

// New creates a new Scheduler.
func New(logger *zap.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		tickers: make(map[string]*tickerEntry),
		timers:  make(map[string]*time.Timer),
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// SetObserver installs a hook called after each run. Set it before adding tasks.
func (s *Scheduler) SetObserver(o Observer) {
	s.mu.Lock()
	s.observer = o
	s.mu.Unlock()
}

// AddTicker registers a task to run on a fixed interval. Runs of one task
// never overlap. If a task with the same name exists, it is replaced.
func (s *Scheduler) AddTicker(name string, interval time.Duration, fn TaskFn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.tickers[name]; ok {
		old.cancel()
		delete(s.tickers, name)
	}

	ctx, cancel := context.WithCancel(s.ctx)
	entry := &tickerEntry{
		ticker: time.NewTicker(interval),
		cancel: cancel,
		info:   TaskInfo{Name: name, Interval: interval},
	}
	s.tickers[name] = entry

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer entry.ticker.Stop()
		for {
			select {
			case <-entry.ticker.C:
				took, err := s.run(ctx, name, fn)
				s.record(entry, took, err)
			case <-ctx.Done():
				return
			}
		}
	}()
	s.logger.Info("scheduler task registered", zap.String("name", name), zap.Duration("interval", interval))
}

// AddDelay runs fn once after the given delay.
func (s *Scheduler) AddDelay(name string, delay time.Duration, fn TaskFn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.timers[name]; ok {
		old.Stop()
	}
	s.timers[name] = time.AfterFunc(delay, func() {
		defer func() {
			s.mu.Lock()
			delete(s.timers, name)
			s.mu.Unlock()
		}()
		if s.ctx.Err() != nil {
			return
		}
		_, _ = s.run(s.ctx, name, fn)
	})
}

// run executes fn, converting a panic into an error.
func (s *Scheduler) run(ctx context.Context, name string, fn TaskFn) (took time.Duration, err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduler task panicked",
				zap.String("task", name),
				zap.Any("recover", r))
			err = fmt.Errorf("panic: %v", r)
		}
		took = time.Since(start)
		if err != nil && ctx.Err() == nil {
			s.logger.Warn("scheduler task failed", zap.String("task", name), zap.Error(err))
		}
		s.mu.Lock()
		obs := s.observer
		s.mu.Unlock()
		if obs != nil {
			obs(name, took, err)
		}
	}()
	err = fn(ctx)
	return
}

func (s *Scheduler) record(e *tickerEntry, took time.Duration, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.info.Runs++
	e.info.LastRun = time.Now()
	e.info.LastTook = took
	e.info.LastError = ""
	if err != nil {
		e.info.Failures++
		e.info.LastError = err.Error()
	}
}

// Remove stops and removes a ticker or delay task by name.
func (s *Scheduler) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.tickers[name]; ok {
		entry.cancel()
		delete(s.tickers, name)
	}
	if t, ok := s.timers[name]; ok {
		t.Stop()
		delete(s.timers, name)
	}
}

// Stop cancels all tasks and waits for running ticker tasks to return.
func (s *Scheduler) Stop() {
	s.cancel()
	s.mu.Lock()
	for name, t := range s.timers {
		t.Stop()
		delete(s.timers, name)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// ListTickers returns the names of all registered ticker tasks, sorted.
func (s *Scheduler) ListTickers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.tickers))
	for name := range s.tickers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Tasks returns a snapshot of every ticker task, sorted by name.
func (s *Scheduler) Tasks() []TaskInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TaskInfo, 0, len(s.tickers))
	for _, e := range s.tickers {
		out = append(out, e.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
