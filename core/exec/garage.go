// Copyright 2024 The Erigon Authors
// This file is part of Erigon.
//
// Erigon is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Erigon is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with Erigon. If not, see <http://www.gnu.org/licenses/>.

package exec

import (
	"context"
	"sync"
	"sync/atomic"
)

type garageJob struct {
	ctx context.Context
	fn  func(ctx context.Context, workerID int) error
	out chan<- error
}

// ThreadGarage keeps a fixed set of resident worker goroutines alive across
// blocks and lets them park cheaply between tasks. Parking hands the worker's
// baton channel to whoever wakes it: exactly one waiter per channel, exactly
// one waker per queued baton, so a wake is a single channel send and a lost
// wakeup is structurally impossible.
type ThreadGarage struct {
	size int
	jobs []chan garageJob

	// batons[i] has capacity 1. queued[i] guards it: a successful CAS from
	// false to true is the exclusive right to send one baton, cleared by the
	// receiver. A baton delivered while the worker is busy is not lost, the
	// worker drains its channel before asking the scheduler for work.
	batons []chan *Task
	queued []atomic.Bool
	parked []atomic.Bool

	halted atomic.Bool
	closed chan struct{}
	wg     sync.WaitGroup
}

func NewThreadGarage(size int) *ThreadGarage {
	if size < 1 {
		size = 1
	}
	g := &ThreadGarage{
		size:   size,
		jobs:   make([]chan garageJob, size),
		batons: make([]chan *Task, size),
		queued: make([]atomic.Bool, size),
		parked: make([]atomic.Bool, size),
		closed: make(chan struct{}),
	}
	for i := 0; i < size; i++ {
		g.jobs[i] = make(chan garageJob)
		g.batons[i] = make(chan *Task, 1)
		g.wg.Add(1)
		go g.resident(i)
	}
	return g
}

func (g *ThreadGarage) Size() int { return g.size }

func (g *ThreadGarage) resident(id int) {
	defer g.wg.Done()
	for {
		select {
		case <-g.closed:
			return
		case job := <-g.jobs[id]:
			job.out <- job.fn(job.ctx, id)
		}
	}
}

// Do runs fn on every resident worker and waits for all of them. The first
// non-nil error wins. Not reentrant; one block at a time.
func (g *ThreadGarage) Do(ctx context.Context, fn func(ctx context.Context, workerID int) error) error {
	g.reset()
	out := make(chan error, g.size)
	job := garageJob{ctx: ctx, fn: fn, out: out}
	for i := 0; i < g.size; i++ {
		select {
		case g.jobs[i] <- job:
		case <-g.closed:
			return context.Canceled
		}
	}
	var first error
	for i := 0; i < g.size; i++ {
		if err := <-out; err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (g *ThreadGarage) reset() {
	g.halted.Store(false)
	for i := 0; i < g.size; i++ {
		select {
		case <-g.batons[i]: // stale baton from a halted block
		default:
		}
		g.queued[i].Store(false)
		g.parked[i].Store(false)
	}
}

// Park blocks the worker until someone hands it a baton. A nil baton means
// the block halted and the worker should re-check for shutdown.
func (g *ThreadGarage) Park(workerID int) *Task {
	g.parked[workerID].Store(true)
	if g.halted.Load() {
		// halt may have raced with us setting the parked flag
		g.parked[workerID].Store(false)
		return g.TryConsume(workerID)
	}
	t := <-g.batons[workerID]
	g.parked[workerID].Store(false)
	g.queued[workerID].Store(false)
	return t
}

// TryConsume drains a baton queued while the worker was busy, without
// blocking.
func (g *ThreadGarage) TryConsume(workerID int) *Task {
	select {
	case t := <-g.batons[workerID]:
		g.queued[workerID].Store(false)
		return t
	default:
		return nil
	}
}

// Wake queues one baton for the worker. Returns false if a baton is already
// in flight; the caller then routes the task elsewhere.
func (g *ThreadGarage) Wake(workerID int, t *Task) bool {
	if !g.queued[workerID].CompareAndSwap(false, true) {
		return false
	}
	g.batons[workerID] <- t
	return true
}

// WakeAny hands the task to some parked worker, lowest index first. Returns
// false when nobody is parked.
func (g *ThreadGarage) WakeAny(t *Task) bool {
	for i := 0; i < g.size; i++ {
		if g.parked[i].Load() && g.Wake(i, t) {
			return true
		}
	}
	return false
}

// HaltAll unparks every waiting worker with a nil baton. Idempotent.
func (g *ThreadGarage) HaltAll() {
	g.halted.Store(true)
	for i := 0; i < g.size; i++ {
		if g.parked[i].Load() {
			g.Wake(i, nil)
		}
	}
}

func (g *ThreadGarage) Halted() bool { return g.halted.Load() }

// Close shuts the resident goroutines down. The garage cannot be reused.
func (g *ThreadGarage) Close() {
	close(g.closed)
	g.wg.Wait()
}
