// Package executor implements a bounded keyed worker pool: work submitted
// under the same key runs serially on one worker, work under different keys
// runs in parallel, and full queues surface as backpressure instead of
// blocking the caller.
package executor

import (
	"errors"
	"hash/fnv"
	"sync"

	"github.com/meshreg/meshreg/internal/logger"
)

// ErrQueueFull is returned by Submit when the target worker's queue is at
// capacity. Callers treat it as backpressure: log and move to the next key,
// never spin.
var ErrQueueFull = errors.New("executor queue full")

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("executor closed")

// Config sizes a KeyedExecutor.
type Config struct {
	// Workers is the number of worker goroutines, each owning one queue.
	// Default: 4
	Workers int

	// QueueSize is the per-worker queue capacity.
	// Default: 128
	QueueSize int
}

func (c *Config) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 128
	}
}

// KeyedExecutor routes tasks to a worker by hashing a caller-supplied key.
// Tasks sharing a key land on the same queue and therefore never overlap.
type KeyedExecutor struct {
	name   string
	queues []chan func()

	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

// NewKeyedExecutor builds and starts an executor. name is used for logging
// only.
func NewKeyedExecutor(name string, cfg Config) *KeyedExecutor {
	cfg.applyDefaults()

	e := &KeyedExecutor{
		name:   name,
		queues: make([]chan func(), cfg.Workers),
	}
	for i := range e.queues {
		e.queues[i] = make(chan func(), cfg.QueueSize)
		e.wg.Add(1)
		go e.worker(e.queues[i])
	}
	return e
}

// Submit enqueues task under key. Returns ErrQueueFull when the worker
// owning the key cannot take more work, ErrClosed after Close.
func (e *KeyedExecutor) Submit(key string, task func()) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	q := e.queues[e.shard(key)]
	select {
	case q <- task:
		e.mu.Unlock()
		return nil
	default:
		e.mu.Unlock()
		logger.Warn("executor queue full, rejecting task", "executor", e.name, "key", key)
		return ErrQueueFull
	}
}

// Close stops accepting work, drains the queues, and waits for the workers
// to exit. Idempotent.
func (e *KeyedExecutor) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	for _, q := range e.queues {
		close(q)
	}
	e.mu.Unlock()

	e.wg.Wait()
}

// Workers returns the worker count, useful for callers that coalesce their
// own keys by shard.
func (e *KeyedExecutor) Workers() int {
	return len(e.queues)
}

func (e *KeyedExecutor) shard(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(e.queues)))
}

func (e *KeyedExecutor) worker(q chan func()) {
	defer e.wg.Done()
	for task := range q {
		task()
	}
}
