// Copyright 2026 The Krill Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//   http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package periodic runs a task at a fixed period until stopped. Each run
// gets a bounded context; a runner can be stopped gracefully, killed, or
// triggered out of schedule.
package periodic

import (
	"context"
	"sync"
	"time"

	"github.com/krillpki/krill/pkg/log"
	"github.com/krillpki/krill/pkg/metrics"
)

// Task is the unit of work executed periodically.
type Task interface {
	// Name returns a printable task label for logs and metrics.
	Name() string
	// Run executes the task. The context carries the per-run deadline.
	Run(ctx context.Context)
}

// Event type values of the runner metric.
const (
	// EventStop is a graceful stop.
	EventStop = "stop"
	// EventKill is a hard stop that cancels the running task.
	EventKill = "kill"
	// EventTrigger is an out-of-schedule run.
	EventTrigger = "trigger"
	// EventRun is a scheduled run.
	EventRun = "run"
)

// Metrics reports runner events. A nil Events function disables the
// metric.
type Metrics struct {
	// Events returns a counter for the given event type.
	Events func(eventType string) metrics.Counter
}

func (m *Metrics) inc(eventType string) {
	if m == nil || m.Events == nil {
		return
	}
	metrics.CounterInc(m.Events(eventType))
}

// Runner controls a periodically running task.
type Runner struct {
	task    Task
	period  time.Duration
	timeout time.Duration
	metrics *Metrics

	trigger chan struct{}
	stop    chan struct{}
	done    chan struct{}
	cancel  context.CancelFunc

	stopOnce sync.Once
	killOnce sync.Once
}

// Start runs the task every period. Each run is bounded by timeout.
func Start(task Task, period, timeout time.Duration) *Runner {
	return StartWithMetrics(task, nil, period, timeout)
}

// StartWithMetrics is Start with runner metrics attached.
func StartWithMetrics(task Task, m *Metrics, period, timeout time.Duration) *Runner {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{
		task:    task,
		period:  period,
		timeout: timeout,
		metrics: m,
		trigger: make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		cancel:  cancel,
	}
	go func() {
		defer log.HandlePanic()
		r.loop(ctx)
	}()
	return r
}

func (r *Runner) loop(ctx context.Context) {
	defer close(r.done)
	ticker := time.NewTicker(r.period)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.metrics.inc(EventRun)
			r.run(ctx)
		case <-r.trigger:
			r.metrics.inc(EventTrigger)
			r.run(ctx)
		case <-r.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (r *Runner) run(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	r.task.Run(runCtx)
}

// Stop finishes the current run and stops the runner. Blocks until the
// loop exited.
func (r *Runner) Stop() {
	r.stopOnce.Do(func() {
		r.metrics.inc(EventStop)
		close(r.stop)
	})
	<-r.done
	r.cancel()
}

// Kill cancels the running task and stops the runner. Blocks until the
// loop exited.
func (r *Runner) Kill() {
	r.killOnce.Do(func() {
		r.metrics.inc(EventKill)
		r.cancel()
	})
	<-r.done
}

// TriggerRun requests an immediate run. Non-blocking; a trigger while
// one is already queued is dropped.
func (r *Runner) TriggerRun() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}
