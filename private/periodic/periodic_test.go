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

package periodic_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/krillpki/krill/pkg/metrics"
	"github.com/krillpki/krill/pkg/private/xtest"
	"github.com/krillpki/krill/private/periodic"
)

type taskFunc func(context.Context)

func (tf taskFunc) Run(ctx context.Context) { tf(ctx) }
func (tf taskFunc) Name() string            { return "test_task" }

func TestPeriodicExecution(t *testing.T) {
	events := metrics.NewTestCounter()
	m := &periodic.Metrics{
		Events: func(s string) metrics.Counter {
			return events.With("event_type", s)
		},
	}
	cnt := make(chan struct{})
	fn := taskFunc(func(ctx context.Context) {
		cnt <- struct{}{}
	})
	want := 5
	p := time.Duration(want) * 20 * time.Millisecond
	r := periodic.StartWithMetrics(fn, m, p, time.Hour)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for v := 0; v < want; v++ {
			select {
			case <-cnt:
			case <-time.After(5 * p):
				panic(fmt.Sprintf("timed out while waiting for run %d", v))
			}
		}
	}()
	xtest.AssertReadReturnsBefore(t, done, 5*time.Second)
	r.Stop()
	assert.Equal(t, float64(1), metrics.CounterValue(m.Events(periodic.EventStop)))
	assert.Equal(t, float64(0), metrics.CounterValue(m.Events(periodic.EventKill)))
}

func TestKillExitsLongRunningTask(t *testing.T) {
	started, errChan := make(chan struct{}), make(chan error, 1)
	fn := taskFunc(func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		errChan <- ctx.Err()
	})
	r := periodic.Start(fn, 10*time.Millisecond, time.Hour)
	xtest.AssertReadReturnsBefore(t, started, time.Second)
	r.Kill()

	select {
	case err := <-errChan:
		assert.Equal(t, context.Canceled, err)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for task cancellation")
	}
}

func TestTriggerRunsImmediately(t *testing.T) {
	cnt := make(chan struct{}, 1)
	fn := taskFunc(func(ctx context.Context) {
		select {
		case cnt <- struct{}{}:
		default:
		}
	})
	r := periodic.Start(fn, time.Hour, time.Hour)
	defer r.Kill()
	r.TriggerRun()
	xtest.AssertReadReturnsBefore(t, cnt, time.Second)
}
