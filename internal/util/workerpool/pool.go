package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrStopped is returned when submitting to a stopped pool
	ErrStopped = errors.New("worker pool is stopped")
	// ErrQueueFull is returned when the queue has no free slot
	ErrQueueFull = errors.New("worker pool queue is full")
)

// Task represents a unit of work to be executed. OnDrop, when set, is
// called instead of Fn if the pool stops before the task starts.
type Task struct {
	ID      string
	Fn      func(context.Context) error
	Context context.Context
	OnDrop  func(error)
}

// Pool runs tasks on a fixed number of goroutines fed by a bounded queue
type Pool struct {
	name       string
	maxWorkers int
	queue      chan Task
	logger     *zap.Logger
	onDepth    func(int)

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}

	active    int32
	submitted uint64
	completed uint64
	failed    uint64
	rejected  uint64
	dropped   uint64
}

// Config holds worker pool configuration
type Config struct {
	Name       string
	MaxWorkers int
	QueueSize  int
	Logger     *zap.Logger
	// OnQueueDepth, when set, is called with the queue length after every
	// enqueue and dequeue.
	OnQueueDepth func(depth int)
}

// New starts a pool
func New(cfg Config) *Pool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 10
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.OnQueueDepth == nil {
		cfg.OnQueueDepth = func(int) {}
	}

	p := &Pool{
		name:       cfg.Name,
		maxWorkers: cfg.MaxWorkers,
		queue:      make(chan Task, cfg.QueueSize),
		logger:     cfg.Logger,
		onDepth:    cfg.OnQueueDepth,
		stopCh:     make(chan struct{}),
	}

	for i := 0; i < p.maxWorkers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}

	p.logger.Info("Worker pool started",
		zap.String("pool", p.name),
		zap.Int("max_workers", p.maxWorkers),
		zap.Int("queue_size", cfg.QueueSize))

	return p
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopCh:
			return
		case task := <-p.queue:
			p.onDepth(len(p.queue))
			if p.stopping() {
				p.drop(task)
				continue
			}
			p.run(id, task)
		}
	}
}

func (p *Pool) run(workerID int, task Task) {
	atomic.AddInt32(&p.active, 1)
	defer atomic.AddInt32(&p.active, -1)

	start := time.Now()
	err := p.safeRun(task)

	if err != nil {
		atomic.AddUint64(&p.failed, 1)
		p.logger.Warn("Task failed",
			zap.String("pool", p.name),
			zap.Int("worker_id", workerID),
			zap.String("task_id", task.ID),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err))
		return
	}
	atomic.AddUint64(&p.completed, 1)
}

// safeRun executes a task with panic recovery
func (p *Pool) safeRun(task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
			p.logger.Error("Task panic recovered",
				zap.String("pool", p.name),
				zap.String("task_id", task.ID),
				zap.Any("panic", r))
		}
	}()

	ctx := task.Context
	if ctx == nil {
		ctx = context.Background()
	}
	return task.Fn(ctx)
}

// Submit enqueues task without blocking
func (p *Pool) Submit(task Task) error {
	select {
	case <-p.stopCh:
		atomic.AddUint64(&p.rejected, 1)
		return fmt.Errorf("%s: %w", p.name, ErrStopped)
	default:
	}

	select {
	case p.queue <- task:
		atomic.AddUint64(&p.submitted, 1)
		p.onDepth(len(p.queue))
		p.drainIfStopped()
		return nil
	default:
		atomic.AddUint64(&p.rejected, 1)
		return fmt.Errorf("%s: %w", p.name, ErrQueueFull)
	}
}

// SubmitWithContext blocks until task is queued, ctx is done or the pool stops
func (p *Pool) SubmitWithContext(ctx context.Context, task Task) error {
	select {
	case <-p.stopCh:
		atomic.AddUint64(&p.rejected, 1)
		return fmt.Errorf("%s: %w", p.name, ErrStopped)
	case <-ctx.Done():
		atomic.AddUint64(&p.rejected, 1)
		return ctx.Err()
	case p.queue <- task:
		atomic.AddUint64(&p.submitted, 1)
		p.onDepth(len(p.queue))
		p.drainIfStopped()
		return nil
	}
}

// Stop stops accepting work and waits up to timeout for running tasks.
// Queued tasks that have not started are dropped and their OnDrop hook runs.
func (p *Pool) Stop(timeout time.Duration) error {
	var err error
	p.stopOnce.Do(func() {
		p.logger.Info("Stopping worker pool", zap.String("pool", p.name))
		close(p.stopCh)

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(timeout):
			err = fmt.Errorf("worker pool %s stop timeout after %v", p.name, timeout)
			p.logger.Warn("Worker pool stop timeout", zap.String("pool", p.name))
		}
		p.drain()
	})
	return err
}

func (p *Pool) stopping() bool {
	select {
	case <-p.stopCh:
		return true
	default:
		return false
	}
}

// drainIfStopped catches a task enqueued while Stop was draining
func (p *Pool) drainIfStopped() {
	if p.stopping() {
		p.drain()
	}
}

func (p *Pool) drain() {
	for {
		select {
		case task := <-p.queue:
			p.drop(task)
		default:
			p.onDepth(len(p.queue))
			return
		}
	}
}

func (p *Pool) drop(task Task) {
	atomic.AddUint64(&p.dropped, 1)
	p.logger.Debug("Dropping queued task",
		zap.String("pool", p.name),
		zap.String("task_id", task.ID))
	if task.OnDrop == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Task drop hook panicked",
				zap.String("pool", p.name),
				zap.String("task_id", task.ID),
				zap.Any("panic", r))
		}
	}()
	task.OnDrop(fmt.Errorf("%s: %w", p.name, ErrStopped))
}

// Stats returns current worker pool statistics
func (p *Pool) Stats() Stats {
	return Stats{
		Name:      p.name,
		Workers:   p.maxWorkers,
		Active:    int(atomic.LoadInt32(&p.active)),
		Queued:    len(p.queue),
		Capacity:  cap(p.queue),
		Submitted: atomic.LoadUint64(&p.submitted),
		Completed: atomic.LoadUint64(&p.completed),
		Failed:    atomic.LoadUint64(&p.failed),
		Rejected:  atomic.LoadUint64(&p.rejected),
		Dropped:   atomic.LoadUint64(&p.dropped),
	}
}

// Stats is a point-in-time view of a pool
type Stats struct {
	Name      string `json:"name"`
	Workers   int    `json:"workers"`
	Active    int    `json:"active"`
	Queued    int    `json:"queued"`
	Capacity  int    `json:"capacity"`
	Submitted uint64 `json:"submitted"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
	Rejected  uint64 `json:"rejected"`
	Dropped   uint64 `json:"dropped"`
}

// Saturated reports whether the queue is full
func (s Stats) Saturated() bool {
	return s.Capacity > 0 && s.Queued >= s.Capacity
}
