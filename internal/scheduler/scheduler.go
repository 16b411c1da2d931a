package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/minisource/taskqueue/internal/engine"
	"github.com/minisource/taskqueue/internal/logging"
	"github.com/minisource/taskqueue/internal/metrics"
	"github.com/minisource/taskqueue/internal/storage"
)

// Scheduler drives one Queue's pick loop. It is the edge-triggered loop:
// it sleeps until either (1) something local wakes it (a fresh dispatch or
// a cross-replica pub/sub notification), (2) a task it is running settles
// or suspends, freeing a worker slot, or (3) the timer computed from
// Storage.NextFutureTask elapses. On each wake it drains every task
// Storage.StartNextTask will hand it until no worker slot or no runnable
// task remains.
type Scheduler struct {
	queueID  string
	store    storage.Storage
	executor engine.Executor
	locker   *DistributedLocker
	metrics  *metrics.Registry
	logger   logging.Logger
	pool     *WorkerPool

	lockTTL   time.Duration
	heartbeat time.Duration

	wake        chan struct{}
	unsubscribe func() error

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	leader  atomic.Bool
	running bool
	mu      sync.RWMutex
}

// Option configures a Scheduler at construction.
type Option func(*Scheduler)

// WithLocker attaches a DistributedLocker for advisory cross-replica
// leader election and pub/sub wake-up. Without one, the scheduler assumes
// it is the sole replica for queueID.
func WithLocker(l *DistributedLocker) Option { return func(s *Scheduler) { s.locker = l } }

// WithMetrics attaches a metrics registry for pick/latency/in-flight
// instrumentation.
func WithMetrics(m *metrics.Registry) Option { return func(s *Scheduler) { s.metrics = m } }

// WithLogger overrides the default no-op logger.
func WithLogger(l logging.Logger) Option { return func(s *Scheduler) { s.logger = l } }

// WithLockTTL overrides the leader lock's TTL (default 5 minutes).
func WithLockTTL(ttl time.Duration) Option { return func(s *Scheduler) { s.lockTTL = ttl } }

// WithHeartbeat overrides the leader-lock refresh interval (default 30s).
func WithHeartbeat(d time.Duration) Option { return func(s *Scheduler) { s.heartbeat = d } }

// New builds a Scheduler for queueID. workers bounds how many tasks this
// replica runs concurrently; executor is typically (*engine.Queue).Executor().
func New(queueID string, store storage.Storage, executor engine.Executor, workers int, opts ...Option) *Scheduler {
	s := &Scheduler{
		queueID:   queueID,
		store:     store,
		executor:  executor,
		logger:    logging.NopLogger{},
		lockTTL:   5 * time.Minute,
		heartbeat: 30 * time.Second,
		wake:      make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.pool = NewWorkerPool(workers, executor, s.onTaskDone)
	return s
}

func (s *Scheduler) onTaskDone() {
	if s.metrics != nil {
		s.metrics.TaskFinished()
	}
	s.Notify()
}

// Notify wakes the pick loop immediately instead of waiting for its timer,
// and best-effort publishes the wake-up to any other replicas subscribed
// via DistributedLocker. Safe to call from outside the scheduler (e.g.
// right after a fresh Queue.Dispatch).
func (s *Scheduler) Notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
	if s.locker != nil {
		_ = s.locker.Publish(context.Background(), s.wakeChannel())
	}
}

// Start begins the pick loop and, if a locker is attached, the leader
// heartbeat and cross-replica wake subscription.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler: already running for queue %q", s.queueID)
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running = true
	s.mu.Unlock()

	if s.locker == nil {
		s.leader.Store(true)
	} else {
		wake, unsubscribe := s.locker.Subscribe(s.ctx, s.wakeChannel())
		s.unsubscribe = unsubscribe
		s.wg.Add(1)
		go s.forwardRemoteWake(wake)
		s.wg.Add(1)
		go s.leaderLoop()
	}

	s.wg.Add(1)
	go s.pickLoop()

	return nil
}

// Stop cancels the pick loop, waits for in-flight tasks, and releases the
// leader lock if held.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
	if s.unsubscribe != nil {
		_ = s.unsubscribe()
	}
	s.pool.Wait()
	s.wg.Wait()
}

func (s *Scheduler) wakeChannel() string { return fmt.Sprintf("taskqueue:wake:%s", s.queueID) }
func (s *Scheduler) lockKey() string     { return fmt.Sprintf("scheduler:leader:%s", s.queueID) }

func (s *Scheduler) forwardRemoteWake(remote <-chan struct{}) {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case _, ok := <-remote:
			if !ok {
				return
			}
			select {
			case s.wake <- struct{}{}:
			default:
			}
		}
	}
}

// leaderLoop maintains this replica's advisory leadership of queueID,
// refreshing the lock on a heartbeat and retrying acquisition whenever it
// doesn't currently hold it.
func (s *Scheduler) leaderLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	s.tryBecomeLeader()
	for {
		select {
		case <-s.ctx.Done():
			if s.leader.Load() {
				_ = s.locker.ReleaseLock(context.Background(), s.lockKey())
			}
			return
		case <-ticker.C:
			s.tryBecomeLeader()
		}
	}
}

func (s *Scheduler) tryBecomeLeader() {
	if s.leader.Load() {
		if err := s.locker.RefreshLock(s.ctx, s.lockKey(), s.lockTTL); err != nil {
			s.logger.Warn("refresh leader lock failed", "queue", s.queueID, "error", err)
		}
		return
	}
	acquired, err := s.locker.AcquireLock(s.ctx, s.lockKey(), s.lockTTL)
	if err != nil {
		s.logger.Error("acquire leader lock failed", "queue", s.queueID, "error", err)
		return
	}
	s.leader.Store(acquired)
}

func (s *Scheduler) isLeader() bool {
	if s.locker == nil {
		return true
	}
	return s.leader.Load()
}

// pickLoop is the three-edge-trigger loop: drain what's runnable now, then
// block until a wake-up or the next future event.
func (s *Scheduler) pickLoop() {
	defer s.wg.Done()

	for {
		s.drain()

		wait := s.nextWait()
		var timer *time.Timer
		var timerC <-chan time.Time
		if wait != nil {
			timer = time.NewTimer(*wait)
			timerC = timer.C
		}

		select {
		case <-s.ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case <-s.wake:
		case <-timerC:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// drain pulls and starts every task StartNextTask will hand back until the
// worker pool is full or nothing is runnable.
func (s *Scheduler) drain() {
	if !s.isLeader() {
		return
	}
	for {
		if !s.pool.TryAcquire() {
			return
		}

		start := time.Now()
		picked, err := s.store.StartNextTask(s.ctx, s.queueID)
		if s.metrics != nil {
			s.metrics.ObserveLoopLatency(time.Since(start).Seconds())
		}
		if err != nil {
			s.pool.Release()
			s.logger.Error("pick next task failed", "queue", s.queueID, "error", err)
			return
		}
		if picked == nil {
			s.pool.Release()
			return
		}

		if s.metrics != nil {
			s.metrics.RecordPick(s.queueID)
			s.metrics.TaskStarted()
		}
		s.pool.Run(s.ctx, picked)

		if !picked.HasMore {
			return
		}
	}
}

func (s *Scheduler) nextWait() *time.Duration {
	d, err := s.store.NextFutureTask(s.ctx, s.queueID)
	if err != nil {
		s.logger.Error("compute next future task failed", "queue", s.queueID, "error", err)
		fallback := time.Second
		return &fallback
	}
	return d
}

// IsRunning reports whether the pick loop is active.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}
