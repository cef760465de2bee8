// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package ads

import (
	"context"
	"sync"
)

// job is a task handle on the worker queue.
type job struct {
	fn     func(ctx context.Context)
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// Done is closed once the task has returned.
func (j *job) Done() <-chan struct{} {
	return j.done
}

// worker runs tasks one at a time in submission order. Every task receives a
// context that is cancelled by cancelAll or shutdown, and tasks are expected
// to return promptly once it is.
type worker struct {
	ctx    context.Context
	stop   context.CancelFunc
	exited chan struct{}

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []*job
	active map[*job]struct{}
	closed bool
}

func newWorker() *worker {
	ctx, stop := context.WithCancel(context.Background())
	w := &worker{
		ctx:    ctx,
		stop:   stop,
		exited: make(chan struct{}),
		active: make(map[*job]struct{}),
	}
	w.cond = sync.NewCond(&w.mu)
	go w.run()
	return w
}

func (w *worker) run() {
	defer close(w.exited)

	for {
		w.mu.Lock()
		for len(w.queue) == 0 && !w.closed {
			w.cond.Wait()
		}
		// After shutdown queued tasks still run, with a cancelled context, so
		// they complete their cleanup and resolve their results.
		if len(w.queue) == 0 {
			w.mu.Unlock()
			return
		}
		j := w.queue[0]
		w.queue[0] = nil
		w.queue = w.queue[1:]
		w.mu.Unlock()

		w.execute(j)
	}
}

func (w *worker) execute(j *job) {
	defer func() {
		j.cancel()
		w.mu.Lock()
		delete(w.active, j)
		w.mu.Unlock()
		close(j.done)
	}()
	j.fn(j.ctx)
}

// submit queues a task. After shutdown the task is run immediately on the
// calling goroutine with a cancelled context.
func (w *worker) submit(fn func(ctx context.Context)) *job {
	ctx, cancel := context.WithCancel(w.ctx)
	j := &job{fn: fn, ctx: ctx, cancel: cancel, done: make(chan struct{})}

	w.mu.Lock()
	w.active[j] = struct{}{}
	if w.closed {
		w.mu.Unlock()
		w.execute(j)
		return j
	}
	w.queue = append(w.queue, j)
	w.cond.Signal()
	w.mu.Unlock()

	return j
}

// cancelAll cancels the running task and every queued task.
func (w *worker) cancelAll() {
	w.mu.Lock()
	defer w.mu.Unlock()

	for j := range w.active {
		j.cancel()
	}
}

// shutdown cancels all tasks and waits for the worker to exit.
func (w *worker) shutdown() {
	w.mu.Lock()
	w.closed = true
	w.cond.Broadcast()
	w.mu.Unlock()

	w.stop()
	<-w.exited
}
