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

// Package metrics defines the minimal counter and gauge abstraction used by
// the daemon. Production code wires prometheus implementations; tests use
// the in-memory implementations which allow value inspection.
package metrics

import (
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Counter describes a monotonically increasing metric.
type Counter interface {
	// With returns a counter with the additional label/value pairs applied.
	With(labelValues ...string) Counter
	Add(delta float64)
}

// Gauge describes a metric that can go up and down.
type Gauge interface {
	With(labelValues ...string) Gauge
	Set(value float64)
	Add(delta float64)
}

// CounterInc increments the counter by one, if it is non-nil.
func CounterInc(c Counter) {
	CounterAdd(c, 1)
}

// CounterAdd adds delta to the counter, if it is non-nil.
func CounterAdd(c Counter, delta float64) {
	if c != nil {
		c.Add(delta)
	}
}

// GaugeSet sets the gauge, if it is non-nil.
func GaugeSet(g Gauge, value float64) {
	if g != nil {
		g.Set(value)
	}
}

// NewPromCounter wraps a prometheus counter vector. Returns nil if cv is
// nil, which all helpers in this package treat as a no-op metric.
func NewPromCounter(cv *prometheus.CounterVec) Counter {
	if cv == nil {
		return nil
	}
	return &promCounter{cv: cv}
}

// NewPromGauge wraps a prometheus gauge vector. Returns nil if gv is nil.
func NewPromGauge(gv *prometheus.GaugeVec) Gauge {
	if gv == nil {
		return nil
	}
	return &promGauge{gv: gv}
}

type promCounter struct {
	cv  *prometheus.CounterVec
	lvs []string
}

func (c *promCounter) With(labelValues ...string) Counter {
	return &promCounter{cv: c.cv, lvs: appendLvs(c.lvs, labelValues)}
}

func (c *promCounter) Add(delta float64) {
	c.cv.With(makeLabels(c.lvs)).Add(delta)
}

type promGauge struct {
	gv  *prometheus.GaugeVec
	lvs []string
}

func (g *promGauge) With(labelValues ...string) Gauge {
	return &promGauge{gv: g.gv, lvs: appendLvs(g.lvs, labelValues)}
}

func (g *promGauge) Set(value float64) {
	g.gv.With(makeLabels(g.lvs)).Set(value)
}

func (g *promGauge) Add(delta float64) {
	g.gv.With(makeLabels(g.lvs)).Add(delta)
}

func appendLvs(lvs, add []string) []string {
	if len(add)%2 != 0 {
		add = append(add, "unknown")
	}
	result := make([]string, len(lvs), len(lvs)+len(add))
	copy(result, lvs)
	return append(result, add...)
}

func makeLabels(lvs []string) prometheus.Labels {
	labels := prometheus.Labels{}
	for i := 0; i+1 < len(lvs); i += 2 {
		labels[lvs[i]] = lvs[i+1]
	}
	return labels
}

// TestCounter is an in-memory counter for tests. Labeled children share the
// parent's storage, so values can be inspected via CounterValue no matter
// which child did the counting.
type TestCounter struct {
	mu     *sync.Mutex
	values map[string]*float64
	lvs    []string
}

// NewTestCounter creates a counter for use in tests.
func NewTestCounter() *TestCounter {
	return &TestCounter{
		mu:     &sync.Mutex{},
		values: map[string]*float64{},
	}
}

// With implements Counter.
func (c *TestCounter) With(labelValues ...string) Counter {
	return &TestCounter{mu: c.mu, values: c.values, lvs: appendLvs(c.lvs, labelValues)}
}

// Add implements Counter.
func (c *TestCounter) Add(delta float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := labelKey(c.lvs)
	if c.values[key] == nil {
		c.values[key] = new(float64)
	}
	*c.values[key] += delta
}

func (c *TestCounter) value() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v := c.values[labelKey(c.lvs)]; v != nil {
		return *v
	}
	return 0
}

// TestGauge is an in-memory gauge for tests.
type TestGauge struct {
	mu     *sync.Mutex
	values map[string]*float64
	lvs    []string
}

// NewTestGauge creates a gauge for use in tests.
func NewTestGauge() *TestGauge {
	return &TestGauge{
		mu:     &sync.Mutex{},
		values: map[string]*float64{},
	}
}

// With implements Gauge.
func (g *TestGauge) With(labelValues ...string) Gauge {
	return &TestGauge{mu: g.mu, values: g.values, lvs: appendLvs(g.lvs, labelValues)}
}

// Set implements Gauge.
func (g *TestGauge) Set(value float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	key := labelKey(g.lvs)
	if g.values[key] == nil {
		g.values[key] = new(float64)
	}
	*g.values[key] = value
}

// Add implements Gauge.
func (g *TestGauge) Add(delta float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	key := labelKey(g.lvs)
	if g.values[key] == nil {
		g.values[key] = new(float64)
	}
	*g.values[key] += delta
}

func (g *TestGauge) value() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	if v := g.values[labelKey(g.lvs)]; v != nil {
		return *v
	}
	return 0
}

// CounterValue reads the current value of a test counter. Panics if the
// counter is not a TestCounter.
func CounterValue(c Counter) float64 {
	return c.(*TestCounter).value()
}

// GaugeValue reads the current value of a test gauge. Panics if the gauge
// is not a TestGauge.
func GaugeValue(g Gauge) float64 {
	return g.(*TestGauge).value()
}

func labelKey(lvs []string) string {
	pairs := make([]string, 0, len(lvs)/2)
	for i := 0; i+1 < len(lvs); i += 2 {
		pairs = append(pairs, lvs[i]+"="+lvs[i+1])
	}
	sort.Strings(pairs)
	return strings.Join(pairs, ",")
}
