// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package modbus

import (
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// Counter is a simple atomic counter.
type Counter struct {
	value atomic.Int64
}

// Add adds delta to the counter.
func (c *Counter) Add(delta int64) {
	c.value.Add(delta)
}

// Value returns the current counter value.
func (c *Counter) Value() int64 {
	return c.value.Load()
}

// Reset resets the counter to zero.
func (c *Counter) Reset() {
	c.value.Store(0)
}

// latencyBuckets are the histogram upper bounds. A device on the local
// network answers in a few milliseconds. The last bucket takes everything
// slower than 5s.
var latencyBuckets = []struct {
	bound time.Duration
	label string
}{
	{1 * time.Millisecond, "1ms"},
	{5 * time.Millisecond, "5ms"},
	{10 * time.Millisecond, "10ms"},
	{50 * time.Millisecond, "50ms"},
	{100 * time.Millisecond, "100ms"},
	{500 * time.Millisecond, "500ms"},
	{1 * time.Second, "1s"},
	{5 * time.Second, "5s"},
	{math.MaxInt64, "5s+"},
}

// LatencyHistogram tracks the latency distribution of completed exchanges.
type LatencyHistogram struct {
	mu      sync.Mutex
	buckets [9]int64
	count   int64
	sum     time.Duration
	min     time.Duration
	max     time.Duration
}

// NewLatencyHistogram creates an empty latency histogram.
func NewLatencyHistogram() *LatencyHistogram {
	return &LatencyHistogram{}
}

// Observe records a latency observation.
func (h *LatencyHistogram) Observe(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.count == 0 || d < h.min {
		h.min = d
	}
	if d > h.max {
		h.max = d
	}
	h.count++
	h.sum += d

	i := 0
	for i < len(latencyBuckets)-1 && d > latencyBuckets[i].bound {
		i++
	}
	h.buckets[i]++
}

// LatencyStats holds latency statistics in milliseconds.
type LatencyStats struct {
	Count   int64            `json:"count"`
	AvgMs   float64          `json:"avg_ms"`
	MinMs   float64          `json:"min_ms"`
	MaxMs   float64          `json:"max_ms"`
	Buckets map[string]int64 `json:"buckets"`
}

// Stats returns histogram statistics.
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	stats := LatencyStats{
		Count:   h.count,
		Buckets: make(map[string]int64, len(latencyBuckets)),
	}
	if h.count > 0 {
		stats.AvgMs = millis(h.sum) / float64(h.count)
		stats.MinMs = millis(h.min)
		stats.MaxMs = millis(h.max)
	}
	for i, b := range latencyBuckets {
		stats.Buckets[b.label] = h.buckets[i]
	}
	return stats
}

// Reset clears the histogram.
func (h *LatencyHistogram) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.buckets = [9]int64{}
	h.count = 0
	h.sum = 0
	h.min = 0
	h.max = 0
}

func millis(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000.0
}

// Metrics holds all client metrics.
type Metrics struct {
	RequestsTotal   Counter
	RequestsSuccess Counter
	RequestsErrors  Counter
	Timeouts        Counter
	Exceptions      Counter
	Retries         Counter
	Reconnections   Counter
	ActiveConns     Counter
	Latency         *LatencyHistogram

	funcMetrics sync.Map // FunctionCode -> *FunctionMetrics
}

// FunctionMetrics holds metrics for a specific function code.
type FunctionMetrics struct {
	Requests Counter
	Errors   Counter
	Latency  *LatencyHistogram
}

// NewMetrics creates a new Metrics instance.
func NewMetrics() *Metrics {
	return &Metrics{
		Latency: NewLatencyHistogram(),
	}
}

// ForFunction returns metrics for a specific function code.
func (m *Metrics) ForFunction(fc FunctionCode) *FunctionMetrics {
	if val, ok := m.funcMetrics.Load(fc); ok {
		return val.(*FunctionMetrics)
	}
	actual, _ := m.funcMetrics.LoadOrStore(fc, &FunctionMetrics{
		Latency: NewLatencyHistogram(),
	})
	return actual.(*FunctionMetrics)
}

// observe records the outcome of one exchange.
func (m *Metrics) observe(fc FunctionCode, d time.Duration, err error) {
	fm := m.ForFunction(fc)
	m.RequestsTotal.Add(1)
	fm.Requests.Add(1)

	if err == nil {
		m.RequestsSuccess.Add(1)
		m.Latency.Observe(d)
		fm.Latency.Observe(d)
		return
	}

	m.RequestsErrors.Add(1)
	fm.Errors.Add(1)
	var exc *ServerException
	switch {
	case IsTimeout(err):
		m.Timeouts.Add(1)
	case errors.As(err, &exc):
		m.Exceptions.Add(1)
	}
}

// Collect returns all metrics as a map, ready for JSON encoding.
func (m *Metrics) Collect() map[string]any {
	result := map[string]any{
		"requests_total":   m.RequestsTotal.Value(),
		"requests_success": m.RequestsSuccess.Value(),
		"requests_errors":  m.RequestsErrors.Value(),
		"timeouts":         m.Timeouts.Value(),
		"exceptions":       m.Exceptions.Value(),
		"retries":          m.Retries.Value(),
		"reconnections":    m.Reconnections.Value(),
		"active_conns":     m.ActiveConns.Value(),
		"latency":          m.Latency.Stats(),
	}

	funcStats := make(map[string]any)
	m.funcMetrics.Range(func(key, value any) bool {
		fm := value.(*FunctionMetrics)
		funcStats[key.(FunctionCode).String()] = map[string]any{
			"requests": fm.Requests.Value(),
			"errors":   fm.Errors.Value(),
			"latency":  fm.Latency.Stats(),
		}
		return true
	})
	if len(funcStats) > 0 {
		result["functions"] = funcStats
	}

	return result
}

// Reset resets all metrics except the active connection gauge.
func (m *Metrics) Reset() {
	for _, c := range []*Counter{
		&m.RequestsTotal, &m.RequestsSuccess, &m.RequestsErrors,
		&m.Timeouts, &m.Exceptions, &m.Retries, &m.Reconnections,
	} {
		c.Reset()
	}
	m.Latency.Reset()

	m.funcMetrics.Range(func(_, value any) bool {
		fm := value.(*FunctionMetrics)
		fm.Requests.Reset()
		fm.Errors.Reset()
		fm.Latency.Reset()
		return true
	})
}
