// Package push implements the per-subscriber push pipeline: deduplication
// of pending pushes, single-in-flight delivery per client address, bounded
// retries, and monotonic version bookkeeping.
package push

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/meshreg/meshreg/internal/logger"
	"github.com/meshreg/meshreg/internal/syncutil"
	"github.com/meshreg/meshreg/pkg/executor"
	"github.com/meshreg/meshreg/pkg/model"
	"github.com/meshreg/meshreg/pkg/transport"
)

// Metrics is the processor's metrics surface. Nil disables collection.
type Metrics interface {
	ObservePush(result string)
	ObservePushRetry()
	SetPendingTasks(n int)
}

// Config holds the push processor tunables.
type Config struct {
	// StopPush starts the processor with all outbound pushes disabled.
	StopPush bool

	// RetryMax bounds retries per task. Default: 3
	RetryMax int

	// Expire is both the batching window of a fresh task and the backoff
	// applied on retry. Default: 500ms
	Expire time.Duration

	// WatchdogTick bounds the drain latency. Default: 100ms
	WatchdogTick time.Duration

	// Executor sizes the per-address serial pool.
	Executor executor.Config
}

func (c *Config) applyDefaults() {
	if c.RetryMax <= 0 {
		c.RetryMax = 3
	}
	if c.Expire <= 0 {
		c.Expire = 500 * time.Millisecond
	}
	if c.WatchdogTick <= 0 {
		c.WatchdogTick = 100 * time.Millisecond
	}
}

// Processor owns the pending and pushing task maps and drives deliveries.
type Processor struct {
	cfg     Config
	client  transport.PushClient
	metrics Metrics

	stopPush atomic.Bool

	// mu guards pending: the merge decisions of FirePush.
	mu      sync.Mutex
	pending map[TaskKey]*Task

	// pmu guards pushing: at most one in-flight task per client address,
	// removed with compare-and-remove so a callback never evicts a
	// successor.
	pmu     sync.Mutex
	pushing map[string]*Task

	watchdog *syncutil.WakeLoop
	exec     *executor.KeyedExecutor
}

// NewProcessor wires a push processor. metrics may be nil.
func NewProcessor(cfg Config, client transport.PushClient, metrics Metrics) *Processor {
	cfg.applyDefaults()

	p := &Processor{
		cfg:     cfg,
		client:  client,
		metrics: metrics,
		pending: make(map[TaskKey]*Task),
		pushing: make(map[string]*Task),
		exec:    executor.NewKeyedExecutor("push", cfg.Executor),
	}
	p.stopPush.Store(cfg.StopPush)
	p.watchdog = syncutil.NewWakeLoop(cfg.WatchdogTick, p.tick)
	return p
}

// Start launches the watchdog.
func (p *Processor) Start() {
	p.watchdog.Start()
}

// Close stops the watchdog and the executor. Pending tasks are dropped;
// in-flight callbacks still complete.
func (p *Processor) Close() {
	p.watchdog.Close()
	p.exec.Close()
}

// SetStopPush flips the global push switch. While true, committed tasks are
// dropped silently.
func (p *Processor) SetStopPush(stop bool) {
	if p.stopPush.Swap(stop) != stop {
		logger.Info("stop-push switch changed", "stopPush", stop)
	}
}

// StopPushEnabled reports the current switch state.
func (p *Processor) StopPushEnabled() bool {
	return p.stopPush.Load()
}

// FirePush offers a task to the pipeline. A pending task for the same key
// is replaced only when the new task's fetch range starts strictly after
// the pending one ends; the replacement inherits the pending task's expiry.
// Anything else is an older or overlapping fetch and is dropped.
func (p *Processor) FirePush(t *Task) bool {
	if t.expireAt.IsZero() {
		t.expireAt = time.Now().Add(p.cfg.Expire)
	}

	p.mu.Lock()
	prev, ok := p.pending[t.key]
	if ok {
		if t.fetchSeqStart > prev.fetchSeqEnd {
			t.expireAt = prev.expireAt
			p.pending[t.key] = t
		} else {
			p.mu.Unlock()
			logger.Info("[ConflictMerge] push task dropped",
				logger.KeyAddr, t.addr,
				logger.KeyDataCenter, t.dataCenter,
				"fetchSeqStart", t.fetchSeqStart,
				"fetchSeqEnd", t.fetchSeqEnd,
				"pendingSeqEnd", prev.fetchSeqEnd)
			if p.metrics != nil {
				p.metrics.ObservePush("conflict")
			}
			return false
		}
	} else {
		p.pending[t.key] = t
	}
	p.mu.Unlock()

	if t.noDelay {
		p.watchdog.Wake()
	}
	return true
}

// tick drains every due pending task into the per-address executor.
func (p *Processor) tick() {
	now := time.Now()

	p.mu.Lock()
	var due []*Task
	for key, t := range p.pending {
		if t.noDelay || !t.expireAt.After(now) {
			due = append(due, t)
			delete(p.pending, key)
		}
	}
	remaining := len(p.pending)
	p.mu.Unlock()

	if p.metrics != nil {
		p.metrics.SetPendingTasks(remaining)
	}

	for _, t := range due {
		t := t
		if err := p.exec.Submit(t.addr, func() { p.commit(t) }); err != nil {
			// backpressure: requeue and let a later tick try again
			logger.Warn("push executor full, requeueing",
				logger.KeyAddr, t.addr, "error", err)
			p.requeue(t)
		}
	}
}

// commit attempts delivery of one task. It runs on the executor goroutine
// serialized by client address.
func (p *Processor) commit(t *Task) {
	if p.stopPush.Load() {
		logger.Debug("push dropped, stop-push enabled", logger.KeyAddr, t.addr)
		if p.metrics != nil {
			p.metrics.ObservePush("stopped")
		}
		return
	}

	proceed, waiting := p.checkPushing(t)
	if waiting {
		p.retry(t, "waiting")
		return
	}
	if !proceed {
		return
	}

	obj := p.buildPushObject(t)
	p.client.Push(obj, t.addr, &pushCallback{p: p, t: t})
}

// checkPushing decides whether the task may go on the wire now.
// Returns (proceed, waiting): waiting means a push is in flight and this
// task is strictly after it, so it must be re-queued, not discarded.
func (p *Processor) checkPushing(t *Task) (bool, bool) {
	p.pmu.Lock()
	defer p.pmu.Unlock()

	cur := p.pushing[t.addr]
	if cur == nil {
		for _, sub := range t.subscribers {
			if !sub.CheckVersion(t.dataCenter, t.fetchSeqStart) {
				logger.Debug("push abandoned, subscriber advanced",
					logger.KeyAddr, t.addr,
					logger.KeyRegisterID, sub.RegisterID,
					"fetchSeqStart", t.fetchSeqStart)
				return false, false
			}
		}
		p.pushing[t.addr] = t
		return true, false
	}

	if t.fetchSeqStart > cur.fetchSeqEnd {
		return false, true
	}
	logger.Debug("push abandoned, stale against in-flight",
		logger.KeyAddr, t.addr,
		"fetchSeqStart", t.fetchSeqStart,
		"inflightSeqEnd", cur.fetchSeqEnd)
	return false, false
}

// retry re-fires a task after a failure or a waiting conflict: the task
// re-enters pending immediately with a fresh expiry, and the watchdog picks
// it up no later than the expiry if the commit still cannot proceed.
func (p *Processor) retry(t *Task, reason string) {
	t.retryCount++
	if t.retryCount > p.cfg.RetryMax {
		logger.Warn("push retries exhausted, dropping task",
			logger.KeyAddr, t.addr,
			logger.KeyDataCenter, t.dataCenter,
			"retries", t.retryCount-1, "reason", reason)
		if p.metrics != nil {
			p.metrics.ObservePush("exhausted")
		}
		return
	}
	if p.metrics != nil {
		p.metrics.ObservePushRetry()
	}
	// a retry waits out the backoff even when the original task was noDelay
	t.noDelay = false
	t.expireAt = time.Now().Add(p.cfg.Expire)
	p.requeue(t)
}

// requeue puts a task back into pending, subject to the same replacement
// rule as FirePush: a newer pending task wins over the returning one.
func (p *Processor) requeue(t *Task) {
	p.mu.Lock()
	defer p.mu.Unlock()

	prev, ok := p.pending[t.key]
	if !ok {
		p.pending[t.key] = t
		return
	}
	if t.fetchSeqStart > prev.fetchSeqEnd {
		t.expireAt = prev.expireAt
		p.pending[t.key] = t
	}
	// otherwise the pending task supersedes the returning one
}

// compareAndRemovePushing removes the task from pushing only if it is still
// the current entry for its address.
func (p *Processor) compareAndRemovePushing(t *Task) {
	p.pmu.Lock()
	defer p.pmu.Unlock()
	if p.pushing[t.addr] == t {
		delete(p.pushing, t.addr)
	}
}

func (p *Processor) buildPushObject(t *Task) *transport.PushObject {
	obj := &transport.PushObject{
		DataCenter:            t.dataCenter,
		Version:               t.pushVersion,
		Entries:               make(map[string][][]byte),
		SubscriberRegisterIDs: make([]string, 0, len(t.subscribers)),
	}
	for _, sub := range t.subscribers {
		obj.SubscriberRegisterIDs = append(obj.SubscriberRegisterIDs, sub.RegisterID)
	}
	if t.datum != nil {
		obj.DataInfoID = t.datum.DataInfoID
		for id, e := range t.datum.Publishers {
			obj.Entries[id] = e.DataList
		}
	} else if len(t.subscribers) > 0 {
		obj.DataInfoID = t.subscribers[0].DataInfoID
	}
	return obj
}

// PendingCount returns the number of pending tasks, for stats.
func (p *Processor) PendingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// InFlight returns the task currently pushing to addr, nil if none. Test
// and stats hook.
func (p *Processor) InFlight(addr string) *Task {
	p.pmu.Lock()
	defer p.pmu.Unlock()
	return p.pushing[addr]
}

// pushCallback bridges the transport completion back into the processor.
type pushCallback struct {
	p *Processor
	t *Task
}

// OnSuccess records the push on every subscriber and releases the address.
func (c *pushCallback) OnSuccess() {
	for _, sub := range c.t.subscribers {
		sub.CheckAndUpdateVersion(c.t.dataCenter, c.t.pushVersion, c.t.fetchSeqStart, c.t.fetchSeqEnd)
	}
	c.p.compareAndRemovePushing(c.t)
	if c.p.metrics != nil {
		c.p.metrics.ObservePush("success")
	}
}

// OnError releases the address and schedules a retry.
func (c *pushCallback) OnError(err error) {
	c.p.compareAndRemovePushing(c.t)
	logger.Warn("push failed",
		logger.KeyAddr, c.t.addr,
		logger.KeyDataCenter, c.t.dataCenter,
		"retries", c.t.retryCount, "error", err)
	if c.p.metrics != nil {
		c.p.metrics.ObservePush("fail")
	}
	c.p.retry(c.t, "error")
}

var _ transport.Callback = (*pushCallback)(nil)

// Subscribers groups a subscriber list by client source address, the unit
// pushes are delivered at.
func Subscribers(subs []*model.Subscriber) map[string][]*model.Subscriber {
	out := make(map[string][]*model.Subscriber)
	for _, s := range subs {
		out[s.ConnectID.SourceAddr] = append(out[s.ConnectID.SourceAddr], s)
	}
	return out
}
