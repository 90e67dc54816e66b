/*
 * Copyright (c) 2024. Ant Group. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package workers

import (
	"sync"

	"github.com/containerd/log"
)

const defaultMaxIdle = 4

// Pool is a demand driven set of workers. A worker parks in AwaitWork until
// someone calls RequestWorker; whenever a worker is unparked and nobody else
// is parked, a fresh worker is spawned so one is always ready for the next
// request. Workers beyond MaxIdle that find nothing to do exit.
type Pool struct {
	name    string
	work    func(p *Pool)
	maxIdle int
	observe func(live int)

	mu        sync.Mutex
	cond      *sync.Cond
	waiting   int
	requested int
	live      int
	running   bool
	wg        sync.WaitGroup
}

type Opt func(*Pool)

// WithMaxIdle bounds how many parked workers are kept around.
func WithMaxIdle(n int) Opt {
	return func(p *Pool) {
		if n > 0 {
			p.maxIdle = n
		}
	}
}

// WithObserver is called with the number of live workers whenever it
// changes.
func WithObserver(fn func(live int)) Opt {
	return func(p *Pool) {
		p.observe = fn
	}
}

// New creates a stopped pool. work is the body of every worker; it should
// loop on AwaitWork and return once that reports false.
func New(name string, work func(p *Pool), opts ...Opt) *Pool {
	p := &Pool{
		name:    name,
		work:    work,
		maxIdle: defaultMaxIdle,
		running: true,
	}
	p.cond = sync.NewCond(&p.mu)
	for _, o := range opts {
		o(p)
	}
	return p
}

// Start requests one unit of work and spawns the first worker.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requested++
	p.spawnLocked()
}

func (p *Pool) spawnLocked() {
	p.live++
	p.notifyLocked()
	p.wg.Add(1)
	go func() {
		defer p.exit()
		p.work(p)
	}()
}

func (p *Pool) exit() {
	p.mu.Lock()
	p.live--
	p.notifyLocked()
	p.mu.Unlock()
	p.wg.Done()
}

func (p *Pool) notifyLocked() {
	if p.observe != nil {
		p.observe(p.live)
	}
}

// AwaitWork parks the calling worker until work is requested. It returns
// false when the worker should exit.
func (p *Pool) AwaitWork() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running && p.requested == 0 && p.waiting >= p.maxIdle {
		log.L.WithField("pool", p.name).Trace("retiring idle worker")
		return false
	}

	p.waiting++
	for p.running && p.requested == 0 {
		p.cond.Wait()
	}
	p.waiting--

	if !p.running {
		return false
	}
	p.requested--
	if p.waiting == 0 {
		p.spawnLocked()
	}
	return true
}

// RequestWorker unparks one worker.
func (p *Pool) RequestWorker() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requested++
	p.cond.Signal()
}

// Shutdown stops handing out work and wakes every parked worker. Workers in
// the middle of a unit of work finish it first.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.running = false
	p.cond.Broadcast()
}

// Wait blocks until every worker has exited.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Stats returns the number of live and parked workers.
func (p *Pool) Stats() (live, waiting int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.live, p.waiting
}
