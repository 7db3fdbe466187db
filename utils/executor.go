package utils

import (
	"sync"
	"sync/atomic"
)

// Token is the cancellation flag shared by all stages of one logical task.
// A task must check its token before it starts and again before any step
// with observable effects, so a task cancelled mid-flight delivers nothing.
type Token struct {
	flag atomic.Bool
}

func (t *Token) Cancel() {
	t.flag.Store(true)
}

func (t *Token) Cancelled() bool {
	return t.flag.Load()
}

type job struct {
	tok *Token
	fn  func()
}

// SerialExecutor runs enqueued functions one at a time, in FIFO order, on a
// single dedicated goroutine. Jobs carrying a cancelled Token are skipped.
type SerialExecutor struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []job
	running bool
	closed  bool
}

func NewSerialExecutor() *SerialExecutor {
	e := &SerialExecutor{}
	e.cond = sync.NewCond(&e.mu)
	go e.run()
	return e
}

// Enqueue schedules fn. A nil token means the job cannot be cancelled.
// Returns false if the executor is already closed and the job was dropped.
func (e *SerialExecutor) Enqueue(tok *Token, fn func()) bool {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return false
	}
	e.queue = append(e.queue, job{tok: tok, fn: fn})
	e.cond.Broadcast()
	e.mu.Unlock()
	return true
}

// CancelPending cancels the tokens of every job not yet started. Jobs with a
// nil token are unaffected.
func (e *SerialExecutor) CancelPending() {
	e.mu.Lock()
	for _, j := range e.queue {
		if j.tok != nil {
			j.tok.Cancel()
		}
	}
	e.mu.Unlock()
}

// Drain blocks until the queue is empty and no job is running. Must not be
// called from the executor's own goroutine.
func (e *SerialExecutor) Drain() {
	e.mu.Lock()
	for !e.closed && (len(e.queue) > 0 || e.running) {
		e.cond.Wait()
	}
	e.mu.Unlock()
}

// Busy reports whether any job is queued or running.
func (e *SerialExecutor) Busy() bool {
	e.mu.Lock()
	busy := len(e.queue) > 0 || e.running
	e.mu.Unlock()
	return busy
}

func (e *SerialExecutor) Close() error {
	e.mu.Lock()
	e.closed = true
	e.queue = nil
	e.cond.Broadcast()
	e.mu.Unlock()
	return nil
}

func (e *SerialExecutor) run() {
	e.mu.Lock()
	for {
		if e.closed {
			e.mu.Unlock()
			return
		}
		if len(e.queue) == 0 {
			e.cond.Wait()
			continue
		}
		j := e.queue[0]
		e.queue = e.queue[1:]
		e.running = true
		e.mu.Unlock()

		if j.tok == nil || !j.tok.Cancelled() {
			j.fn()
		}

		e.mu.Lock()
		e.running = false
		e.cond.Broadcast()
	}
}
