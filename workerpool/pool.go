// Package workerpool bounds the total concurrent tool work the server will
// take on, regardless of how many HTTP requests arrive at once.
//
// Each session gets at most one lane: a goroutine with a bounded queue that
// processes that session's work items one at a time. Lanes are created lazily
// and capped at the configured maximum, so the pool's total fan-out is fixed.
// A lane whose work has drained holds no slot: when the cap is reached, a
// submit from a new session retires an idle lane and takes its place. A panic
// inside one session's work item becomes a failed item for that session and
// nothing else.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrCapacity is the backpressure signal: either every lane slot is held
	// by a session with work in flight or this session's queue is full.
	// Retry later.
	ErrCapacity = errors.New("worker pool at capacity")
	// ErrTimeout indicates the item was not completed within the configured
	// per-item duration.
	ErrTimeout = errors.New("work item timed out")
	// ErrShutdown indicates the pool (or the item's session lane) was shut
	// down before the item could run.
	ErrShutdown = errors.New("worker pool shut down")
)

// Config bounds the pool.
type Config struct {
	// MaxWorkers caps the number of session lanes with work in flight. Idle
	// lanes do not count against the cap; their slots are reclaimed on demand.
	MaxWorkers int
	// QueueDepth caps the number of items waiting in one session's lane.
	QueueDepth int
	// ItemTimeout bounds the total time an item may spend queued plus running.
	ItemTimeout time.Duration
}

// Item is one unit of work tagged with its originating session.
type Item struct {
	ID        string
	SessionID string
	Operation string
	// Fn performs the work. The context is canceled when the item times out
	// or the pool shuts down.
	Fn func(ctx context.Context) (any, error)
}

// Result carries the single completion of an item.
type Result struct {
	Value any
	Err   error
}

// Stats is a point-in-time snapshot of pool counters.
type Stats struct {
	ActiveLanes int
	MaxWorkers  int
	Submitted   int64
	Completed   int64
	Rejected    int64
	TimedOut    int64
}

type pending struct {
	item   Item
	ctx    context.Context
	cancel context.CancelFunc
	timer  *time.Timer
	res    chan Result
	once   sync.Once
}

// resolve delivers the item's single completion. Later calls are no-ops,
// which is what guarantees exactly-one-completion under timeout races.
func (p *pending) resolve(v any, err error) {
	p.once.Do(func() {
		p.res <- Result{Value: v, Err: err}
		close(p.res)
	})
}

type lane struct {
	sessionID string
	queue     chan *pending
	released  atomic.Bool

	// pendingWork counts items enqueued but not yet resolved. The decrement
	// happens before resolve delivers the result, so an observer that has
	// received an item's result sees the lane as idle.
	pendingWork atomic.Int64

	mu      sync.Mutex
	current *pending
}

func (l *lane) setCurrent(pd *pending) {
	l.mu.Lock()
	l.current = pd
	l.mu.Unlock()
}

// cancelCurrent cancels the in-flight item, if any, so releasing a session
// interrupts its running work as well as its queue.
func (l *lane) cancelCurrent() {
	l.mu.Lock()
	pd := l.current
	l.mu.Unlock()
	if pd != nil {
		pd.cancel()
	}
}

// Pool is the bounded-concurrency execution layer.
type Pool struct {
	cfg Config
	log *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	lanes  map[string]*lane
	closed bool
	wg     sync.WaitGroup

	submitted atomic.Int64
	completed atomic.Int64
	rejected  atomic.Int64
	timedOut  atomic.Int64
}

// New constructs a pool. A zero or negative MaxWorkers means one lane; a zero
// QueueDepth means one queued item per lane.
func New(cfg Config, log *slog.Logger) *Pool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 1
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 1
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		cfg:    cfg,
		log:    log,
		ctx:    ctx,
		cancel: cancel,
		lanes:  make(map[string]*lane),
	}
}

// Submit enqueues an item on its session's lane, creating the lane if the
// pool has capacity for one. The returned channel delivers exactly one
// Result. A capacity rejection is reported synchronously as ErrCapacity.
func (p *Pool) Submit(item Item) (<-chan Result, error) {
	if item.Fn == nil {
		return nil, fmt.Errorf("work item %q has no function", item.ID)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrShutdown
	}

	l, ok := p.lanes[item.SessionID]
	if !ok {
		if len(p.lanes) >= p.cfg.MaxWorkers && !p.reclaimIdleLaneLocked() {
			p.rejected.Add(1)
			return nil, ErrCapacity
		}
		l = &lane{sessionID: item.SessionID, queue: make(chan *pending, p.cfg.QueueDepth)}
		p.lanes[item.SessionID] = l
		p.wg.Add(1)
		go p.runLane(l)
	}

	itemCtx, cancel := context.WithCancel(p.ctx)
	pd := &pending{item: item, ctx: itemCtx, cancel: cancel, res: make(chan Result, 1)}
	if p.cfg.ItemTimeout > 0 {
		pd.timer = time.AfterFunc(p.cfg.ItemTimeout, func() {
			p.timedOut.Add(1)
			pd.resolve(nil, ErrTimeout)
			cancel()
		})
	}

	select {
	case l.queue <- pd:
	default:
		if pd.timer != nil {
			pd.timer.Stop()
		}
		cancel()
		p.rejected.Add(1)
		return nil, ErrCapacity
	}

	l.pendingWork.Add(1)
	p.submitted.Add(1)
	return pd.res, nil
}

// reclaimIdleLaneLocked retires one lane with no queued or running work and
// frees its slot. Caller holds p.mu, which excludes concurrent submits, so a
// zero pendingWork count means the queue is empty. Reports whether a slot was
// freed.
func (p *Pool) reclaimIdleLaneLocked() bool {
	for id, l := range p.lanes {
		if l.pendingWork.Load() == 0 {
			delete(p.lanes, id)
			close(l.queue)
			return true
		}
	}
	return false
}

func (p *Pool) runLane(l *lane) {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			p.drainLane(l)
			return
		case pd, ok := <-l.queue:
			if !ok {
				return
			}
			if l.released.Load() {
				l.pendingWork.Add(-1)
				pd.resolve(nil, ErrShutdown)
				pd.cancel()
				continue
			}
			l.setCurrent(pd)
			p.runItem(l, pd)
			l.setCurrent(nil)
		}
	}
}

// drainLane fails everything still queued without blocking. Used on shutdown.
func (p *Pool) drainLane(l *lane) {
	for {
		select {
		case pd, ok := <-l.queue:
			if !ok {
				return
			}
			l.pendingWork.Add(-1)
			pd.resolve(nil, ErrShutdown)
			pd.cancel()
		default:
			return
		}
	}
}

func (p *Pool) runItem(l *lane, pd *pending) {
	defer func() {
		if pd.timer != nil {
			pd.timer.Stop()
		}
		pd.cancel()
	}()

	if pd.ctx.Err() != nil {
		// Timed out (or pool shut down) while queued; already resolved.
		l.pendingWork.Add(-1)
		pd.resolve(nil, ErrShutdown)
		return
	}

	v, err := p.invoke(pd)
	l.pendingWork.Add(-1)
	pd.resolve(v, err)
	p.completed.Add(1)
}

// invoke runs the item function, converting a panic into a failed result so
// one session's fault cannot take down the lane or the pool.
func (p *Pool) invoke(pd *pending) (v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("workerpool.item.panic",
				slog.String("session_id", pd.item.SessionID),
				slog.String("operation", pd.item.Operation),
				slog.Any("panic", r),
			)
			v = nil
			err = fmt.Errorf("work item panicked: %v", r)
		}
	}()
	return pd.item.Fn(pd.ctx)
}

// ReleaseSession tears down one session's lane, failing anything still queued
// with ErrShutdown. Other sessions' lanes are untouched. The lane goroutine
// fails the remaining queued items itself, so release never blocks.
func (p *Pool) ReleaseSession(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.lanes[sessionID]
	if !ok {
		return
	}
	delete(p.lanes, sessionID)
	l.released.Store(true)
	l.cancelCurrent()
	close(l.queue)
}

// Shutdown cancels outstanding items and stops every lane. It blocks until
// all lane goroutines exit.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	lanes := make([]*lane, 0, len(p.lanes))
	for _, l := range p.lanes {
		lanes = append(lanes, l)
	}
	p.lanes = make(map[string]*lane)
	p.mu.Unlock()

	p.cancel()
	for _, l := range lanes {
		l.released.Store(true)
		close(l.queue)
	}
	p.wg.Wait()
}

// Stats reports a snapshot of pool counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	active := len(p.lanes)
	p.mu.Unlock()
	return Stats{
		ActiveLanes: active,
		MaxWorkers:  p.cfg.MaxWorkers,
		Submitted:   p.submitted.Load(),
		Completed:   p.completed.Load(),
		Rejected:    p.rejected.Load(),
		TimedOut:    p.timedOut.Load(),
	}
}
