// Package scheduler drives the check cycle: it keeps a due-time heap over
// all registered endpoints, dispatches probes through a bounded worker
// pool, persists the outcomes and reschedules. It also serves manual
// trigger requests, which share the same single-flight guard as the
// scheduled path.
package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/atinar/pulsar/internal/monitor"
	"github.com/atinar/pulsar/internal/storage"
)

// ErrBusy is returned by Trigger when a check for the endpoint is already
// in flight. At most one check per endpoint runs at any moment.
var ErrBusy = errors.New("check already in flight")

// Registry is the subset of the endpoint store the scheduler reads and
// writes. Endpoint state is re-read from it at dispatch and reschedule
// time so edits and deletions take effect without coordination.
type Registry interface {
	ListAllEndpoints(ctx context.Context) ([]monitor.Endpoint, error)
	GetEndpoint(ctx context.Context, id string) (*monitor.Endpoint, error)
	UpdateStatus(ctx context.Context, id string, status monitor.Status, checkedAt time.Time) error
}

// History receives completed check results.
type History interface {
	Append(ctx context.Context, r *monitor.CheckResult) error
}

// Prober executes a single check against an endpoint.
type Prober interface {
	Check(ctx context.Context, ep monitor.Endpoint) monitor.CheckResult
}

// Scheduler owns the due-time queue and the worker pool.
//
// The heap holds candidate fire times; the next map holds the one true
// next-due time per endpoint. Rescheduling just overwrites the map entry
// and pushes a fresh heap entry, leaving the old one to be dropped as
// stale when it surfaces.
type Scheduler struct {
	registry    Registry
	history     History
	prober      Prober
	logger      *zap.Logger
	sem         *semaphore.Weighted
	granularity time.Duration

	mu       sync.Mutex
	queue    dueHeap
	next     map[string]time.Time
	inFlight map[string]struct{}

	wake     chan struct{}
	stopCh   chan struct{}
	done     chan struct{}
	wg       sync.WaitGroup
	baseCtx  context.Context
	cancel   context.CancelFunc
	started  bool
	stopOnce sync.Once
}

// New creates a Scheduler with the given worker pool size. A non-positive
// granularity falls back to one second.
func New(registry Registry, history History, prober Prober, workers int, granularity time.Duration, logger *zap.Logger) *Scheduler {
	if workers < 1 {
		workers = 1
	}
	if granularity <= 0 {
		granularity = time.Second
	}
	baseCtx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		registry:    registry,
		history:     history,
		prober:      prober,
		logger:      logger,
		sem:         semaphore.NewWeighted(int64(workers)),
		granularity: granularity,
		next:        make(map[string]time.Time),
		inFlight:    make(map[string]struct{}),
		wake:        make(chan struct{}, 1),
		stopCh:      make(chan struct{}),
		done:        make(chan struct{}),
		baseCtx:     baseCtx,
		cancel:      cancel,
	}
}

// Start seeds the queue from the registry and launches the scheduling
// loop. Endpoints that have never been checked, or whose next slot is
// already in the past, fire immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	eps, err := s.registry.ListAllEndpoints(ctx)
	if err != nil {
		return err
	}

	now := time.Now()
	s.mu.Lock()
	for _, ep := range eps {
		at := now
		if ep.LastChecked != nil {
			if due := ep.LastChecked.Add(ep.Interval); due.After(now) {
				at = due
			}
		}
		s.scheduleLocked(ep.ID, at)
	}
	s.mu.Unlock()

	s.started = true
	go s.loop()
	s.logger.Info("scheduler started", zap.Int("endpoints", len(eps)))
	return nil
}

// Stop halts the loop, cancels in-flight checks and waits for them.
// Safe to call more than once, and before Start.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		if s.started {
			<-s.done
		}
		s.cancel()
		s.wg.Wait()
		s.logger.Info("scheduler stopped")
	})
}

// Schedule queues an immediate first check for a newly created endpoint.
// It is a no-op if the endpoint is already queued or in flight.
func (s *Scheduler) Schedule(id string) {
	s.mu.Lock()
	_, queued := s.next[id]
	_, busy := s.inFlight[id]
	if !queued && !busy {
		s.scheduleLocked(id, time.Now())
	}
	s.mu.Unlock()
	s.poke()
}

// Forget drops the endpoint's pending due entry after deletion. A check
// already in flight is left to finish; its writes fail against the gone
// row and the result is discarded.
func (s *Scheduler) Forget(id string) {
	s.mu.Lock()
	delete(s.next, id)
	s.mu.Unlock()
}

// Trigger runs a check for the endpoint right now and returns its result.
// It returns ErrBusy if a check is already in flight, and resets the
// cadence on success so the next scheduled check runs a full interval
// after this one.
func (s *Scheduler) Trigger(ctx context.Context, id string) (*monitor.CheckResult, error) {
	ep, err := s.registry.GetEndpoint(ctx, id)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if _, busy := s.inFlight[id]; busy {
		s.mu.Unlock()
		return nil, ErrBusy
	}
	s.inFlight[id] = struct{}{}
	s.mu.Unlock()
	defer s.finish(id)

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer s.sem.Release(1)

	result := s.observe(ctx, *ep)
	if deleted := s.persist(ctx, *ep, result); deleted {
		return nil, storage.ErrNotFound
	}
	s.rescheduleFrom(ctx, id, result.CheckedAt)
	s.poke()
	return &result, nil
}

func (s *Scheduler) loop() {
	defer close(s.done)
	timer := time.NewTimer(s.granularity)
	defer timer.Stop()

	for {
		s.tick()
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(s.nextWake())

		select {
		case <-s.stopCh:
			return
		case <-s.wake:
		case <-timer.C:
		}
	}
}

// tick dispatches everything that is due. A panic in one pass must not
// kill the loop.
func (s *Scheduler) tick() {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduler tick panicked", zap.Any("panic", r))
		}
	}()

	now := time.Now()
	for {
		id, ok := s.popDue(now)
		if !ok {
			return
		}
		s.dispatch(id)
	}
}

// popDue pops the next endpoint whose fire time has arrived, skipping
// stale heap entries that no longer match the next map. Claiming an
// endpoint removes its map entry; rescheduling puts it back.
func (s *Scheduler) popDue(now time.Time) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for s.queue.Len() > 0 {
		e := s.queue[0]
		if e.at.After(now) {
			return "", false
		}
		heap.Pop(&s.queue)
		if want, ok := s.next[e.endpointID]; !ok || !want.Equal(e.at) {
			continue
		}
		delete(s.next, e.endpointID)
		return e.endpointID, true
	}
	return "", false
}

func (s *Scheduler) dispatch(id string) {
	s.mu.Lock()
	if _, busy := s.inFlight[id]; busy {
		// A manual check is running; look again shortly. Its completion
		// rewrites the cadence, making this retry entry stale.
		s.scheduleLocked(id, time.Now().Add(s.granularity))
		s.mu.Unlock()
		return
	}
	if !s.sem.TryAcquire(1) {
		// Worker pool saturated. Requeue instead of blocking the loop.
		s.scheduleLocked(id, time.Now().Add(s.granularity))
		s.mu.Unlock()
		return
	}
	s.inFlight[id] = struct{}{}
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.sem.Release(1)
		s.runScheduled(id)
	}()
}

func (s *Scheduler) runScheduled(id string) {
	defer s.finish(id)
	ctx := s.baseCtx

	ep, err := s.registry.GetEndpoint(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.logger.Debug("due entry discarded for deleted endpoint", zap.String("endpoint_id", id))
			return
		}
		s.logger.Error("failed to load endpoint", zap.String("endpoint_id", id), zap.Error(err))
		s.scheduleAt(id, time.Now().Add(s.granularity))
		return
	}

	result := s.observe(ctx, *ep)
	if deleted := s.persist(ctx, *ep, result); deleted {
		return
	}
	s.rescheduleFrom(ctx, id, result.CheckedAt)
	s.poke()
}

func (s *Scheduler) observe(ctx context.Context, ep monitor.Endpoint) monitor.CheckResult {
	checksInFlight.Inc()
	defer checksInFlight.Dec()

	result := s.prober.Check(ctx, ep)
	checksTotal.WithLabelValues(string(result.Status)).Inc()
	checkDuration.Observe(float64(result.ResponseTime) / 1000)
	return result
}

// persist writes the result and the denormalized endpoint status. It
// reports whether the endpoint was deleted while the check ran, in which
// case the result is discarded. Storage faults are logged, never fatal:
// the endpoint keeps its slot either way.
func (s *Scheduler) persist(ctx context.Context, ep monitor.Endpoint, result monitor.CheckResult) (deleted bool) {
	if err := s.history.Append(ctx, &result); err != nil {
		s.logger.Error("failed to append check result",
			zap.String("endpoint_id", ep.ID), zap.Error(err))
	}
	if err := s.registry.UpdateStatus(ctx, ep.ID, result.Status, result.CheckedAt); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.logger.Debug("endpoint deleted mid-check, result discarded",
				zap.String("endpoint_id", ep.ID))
			return true
		}
		s.logger.Error("failed to update endpoint status",
			zap.String("endpoint_id", ep.ID), zap.Error(err))
	}

	if ep.Status != result.Status {
		s.logger.Info("endpoint status changed",
			zap.String("endpoint_id", ep.ID),
			zap.String("name", ep.Name),
			zap.String("from", string(ep.Status)),
			zap.String("to", string(result.Status)))
	}
	return false
}

// rescheduleFrom books the next slot a full interval after completion.
// The interval is re-read here so an owner edit takes effect on the very
// next cycle.
func (s *Scheduler) rescheduleFrom(ctx context.Context, id string, completedAt time.Time) {
	ep, err := s.registry.GetEndpoint(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return
		}
		s.logger.Error("failed to reload endpoint for reschedule",
			zap.String("endpoint_id", id), zap.Error(err))
		s.scheduleAt(id, time.Now().Add(s.granularity))
		return
	}
	s.scheduleAt(id, completedAt.Add(ep.Interval))
}

func (s *Scheduler) scheduleAt(id string, at time.Time) {
	s.mu.Lock()
	s.scheduleLocked(id, at)
	s.mu.Unlock()
}

func (s *Scheduler) scheduleLocked(id string, at time.Time) {
	s.next[id] = at
	heap.Push(&s.queue, dueEntry{endpointID: id, at: at})
}

func (s *Scheduler) finish(id string) {
	s.mu.Lock()
	delete(s.inFlight, id)
	s.mu.Unlock()
}

// nextWake returns how long the loop may sleep, capped at the configured
// granularity.
func (s *Scheduler) nextWake() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	queueSize.Set(float64(len(s.next)))
	if s.queue.Len() == 0 {
		return s.granularity
	}
	d := time.Until(s.queue[0].at)
	if d < 0 {
		d = 0
	}
	if d > s.granularity {
		d = s.granularity
	}
	return d
}

func (s *Scheduler) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
