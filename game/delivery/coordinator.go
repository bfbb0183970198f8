// Package delivery serializes mailbox work per recipient. Each recipient has
// a FIFO lane; lanes run on a bounded worker pool, one task per lane at a
// time, so tasks for different recipients proceed in parallel while tasks
// for the same recipient keep submission order.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrOverloaded is returned when MaxPending tasks are already queued.
	ErrOverloaded = errors.New("delivery: too many pending tasks")
	ErrStopped    = errors.New("delivery: coordinator stopped")
)

const warnEvery = 30 * time.Second

// TaskFn is one unit of mailbox work. Its context carries the caller's
// values but is never cancelled by the caller.
type TaskFn func(ctx context.Context) error

// Config sizes the coordinator.
type Config struct {
	Workers     int
	MaxPending  int
	WarnPending int
	// OnDepth, when set, receives the queue depth after every change.
	OnDepth func(depth int)
}

type task struct {
	ctx  context.Context
	fn   TaskFn
	done chan error
}

type lane struct {
	key   int64
	queue []*task
}

// Coordinator owns the lanes and the worker pool.
type Coordinator struct {
	cfg    Config
	logger *zap.Logger

	mu       sync.Mutex
	lanes    map[int64]*lane
	depth    int
	stopped  bool
	lastWarn time.Time

	ready chan *lane
	wg    sync.WaitGroup
}

// New starts a coordinator with cfg.Workers goroutines.
func New(cfg Config, logger *zap.Logger) *Coordinator {
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = 10000
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Coordinator{
		cfg:    cfg,
		logger: logger,
		lanes:  make(map[int64]*lane),
		// A lane is in ready at most once and every queued task belongs to a
		// lane, so MaxPending bounds the channel occupancy.
		ready: make(chan *lane, cfg.MaxPending),
	}
	for i := 0; i < cfg.Workers; i++ {
		c.wg.Add(1)
		go c.worker()
	}
	return c
}

// Do queues fn on key's lane and waits for it. If ctx ends first Do returns
// ctx.Err(); the task still runs to completion and its result is discarded.
func (c *Coordinator) Do(ctx context.Context, key int64, fn TaskFn) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t := &task{ctx: context.WithoutCancel(ctx), fn: fn, done: make(chan error, 1)}
	if err := c.enqueue(key, t); err != nil {
		return err
	}
	select {
	case err := <-t.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit queues fn without waiting for it.
func (c *Coordinator) Submit(key int64, fn TaskFn) error {
	return c.enqueue(key, &task{ctx: context.Background(), fn: fn, done: make(chan error, 1)})
}

func (c *Coordinator) enqueue(key int64, t *task) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return ErrStopped
	}
	if c.depth >= c.cfg.MaxPending {
		c.mu.Unlock()
		c.logger.Warn("delivery queue overloaded, rejecting task",
			zap.Int64("key", key), zap.Int("depth", c.cfg.MaxPending))
		return ErrOverloaded
	}
	c.depth++
	depth := c.depth
	warn := c.cfg.WarnPending > 0 && depth > c.cfg.WarnPending && time.Since(c.lastWarn) >= warnEvery
	if warn {
		c.lastWarn = time.Now()
	}

	l, ok := c.lanes[key]
	if !ok {
		l = &lane{key: key}
		c.lanes[key] = l
	}
	l.queue = append(l.queue, t)
	// A lane with one task was idle; a lane with more is already queued
	// in ready or being processed and will be re-queued by its worker.
	if len(l.queue) == 1 {
		c.ready <- l
	}
	c.mu.Unlock()

	if warn {
		c.logger.Warn("delivery queue is backing up",
			zap.Int("depth", depth), zap.Int("warn_at", c.cfg.WarnPending))
	}
	c.reportDepth(depth)
	return nil
}

func (c *Coordinator) worker() {
	defer c.wg.Done()
	for l := range c.ready {
		c.mu.Lock()
		t := l.queue[0]
		c.mu.Unlock()

		t.done <- c.run(t.ctx, l.key, t.fn)

		c.mu.Lock()
		l.queue[0] = nil
		l.queue = l.queue[1:]
		c.depth--
		depth := c.depth
		if len(l.queue) > 0 {
			c.ready <- l
		} else {
			delete(c.lanes, l.key)
		}
		c.mu.Unlock()
		c.reportDepth(depth)
	}
}

func (c *Coordinator) run(ctx context.Context, key int64, fn TaskFn) (err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("delivery task panicked",
				zap.Int64("key", key), zap.Any("recover", r))
			err = fmt.Errorf("delivery: task panicked: %v", r)
		}
	}()
	return fn(ctx)
}

func (c *Coordinator) reportDepth(depth int) {
	if c.cfg.OnDepth != nil {
		c.cfg.OnDepth(depth)
	}
}

// Depth returns the number of queued or running tasks.
func (c *Coordinator) Depth() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.depth
}

// Lanes returns the number of recipients with queued work.
func (c *Coordinator) Lanes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.lanes)
}

// Stop rejects new tasks, waits for queued tasks to finish and stops the
// workers, or returns ctx.Err() if ctx ends first.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	c.mu.Unlock()

	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for c.Depth() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
	close(c.ready)
	c.wg.Wait()
	return nil
}
