// Package monitoring - metrics.go provides simple counters.
//
// DESIGN: Lightweight in-memory counters for operational metrics:
//   - inlet/outlet: Calls per phase, broken down by resulting state
//   - usage:        Billed tokens and cost reported by the accounting service
//   - latency:      Cumulative accounting call latency per phase
//
// Served as JSON on GET /stats.
package monitoring

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// MetricsCollector collects operational metrics.
type MetricsCollector struct {
	startedAt time.Time

	// Phase counters
	inlets        atomic.Int64
	outlets       atomic.Int64
	inletLatency  atomic.Int64 // nanoseconds
	outletLatency atomic.Int64 // nanoseconds

	// Usage counters
	inputTokens  atomic.Int64
	outputTokens atomic.Int64
	costNano     atomic.Int64 // cost * 1e9

	// Per-state counters
	mu     sync.Mutex
	states map[string]int64
}

// NewMetricsCollector creates a new metrics collector.
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		startedAt: time.Now(),
		states:    make(map[string]int64),
	}
}

// RecordPhase records one completed inlet or outlet and its resulting state.
func (mc *MetricsCollector) RecordPhase(phase Phase, state string, latency time.Duration) {
	switch phase {
	case PhaseInlet:
		mc.inlets.Add(1)
		mc.inletLatency.Add(int64(latency))
	case PhaseOutlet:
		mc.outlets.Add(1)
		mc.outletLatency.Add(int64(latency))
	}

	mc.mu.Lock()
	mc.states[state]++
	mc.mu.Unlock()
}

// RecordUsage records billed usage from a successful outlet.
func (mc *MetricsCollector) RecordUsage(inputTokens, outputTokens int, cost float64) {
	mc.inputTokens.Add(int64(inputTokens))
	mc.outputTokens.Add(int64(outputTokens))
	mc.costNano.Add(int64(math.Round(cost * 1e9)))
}

// StartedAt returns when the metrics collector was created.
func (mc *MetricsCollector) StartedAt() time.Time { return mc.startedAt }

// StateCount returns how often a state was reached.
func (mc *MetricsCollector) StateCount(state string) int64 {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return mc.states[state]
}

// FullStats returns all metrics in a structured format for the /stats endpoint.
func (mc *MetricsCollector) FullStats() StatsResponse {
	uptime := time.Since(mc.startedAt)

	mc.mu.Lock()
	states := make([]StateCount, 0, len(mc.states))
	for name, n := range mc.states {
		states = append(states, StateCount{State: name, Count: n})
	}
	mc.mu.Unlock()
	sort.Slice(states, func(i, j int) bool { return states[i].State < states[j].State })

	return StatsResponse{
		Uptime:        formatDuration(uptime),
		UptimeSeconds: int64(uptime.Seconds()),
		StartedAt:     mc.startedAt.Format(time.RFC3339),
		Inlet:         phaseStats(mc.inlets.Load(), mc.inletLatency.Load()),
		Outlet:        phaseStats(mc.outlets.Load(), mc.outletLatency.Load()),
		Usage: UsageStats{
			InputTokens:  mc.inputTokens.Load(),
			OutputTokens: mc.outputTokens.Load(),
			TotalCost:    float64(mc.costNano.Load()) / 1e9,
		},
		States: states,
	}
}

func phaseStats(calls, latencyNanos int64) PhaseStats {
	ps := PhaseStats{Calls: calls}
	if calls > 0 {
		ps.AvgLatencyMs = float64(latencyNanos) / float64(calls) / 1e6
	}
	return ps
}

// StatsResponse is the structured response for the /stats endpoint.
type StatsResponse struct {
	Uptime        string       `json:"uptime"`
	UptimeSeconds int64        `json:"uptime_seconds"`
	StartedAt     string       `json:"started_at"`
	Inlet         PhaseStats   `json:"inlet"`
	Outlet        PhaseStats   `json:"outlet"`
	Usage         UsageStats   `json:"usage"`
	States        []StateCount `json:"states"`
}

// PhaseStats holds per-phase call metrics.
type PhaseStats struct {
	Calls        int64   `json:"calls"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
}

// UsageStats holds billed usage totals.
type UsageStats struct {
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	TotalCost    float64 `json:"total_cost"`
}

// StateCount is how many times a state was reached.
type StateCount struct {
	State string `json:"state"`
	Count int64  `json:"count"`
}

// formatDuration formats a duration as a human-readable string.
func formatDuration(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	return fmt.Sprintf("%dm", minutes)
}
