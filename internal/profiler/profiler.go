// Package profiler measures code performance under controlled repetition.
// Code runs inside a yaegi interpreter rather than `go build` so measurement
// never hangs on toolchain or dependency resolution.
//
// The profiler's only contract with callers is that it always returns a
// metrics object, never an error: a run that fails is a failed test case, and
// a code variant where every run fails yields the sentinel metrics (infinite
// time, zero success) so callers can still average and compare.
package profiler

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"strings"
	"time"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"codevolve/internal/logging"
)

// Metrics is the measured performance profile of one code variant.
type Metrics struct {
	AvgTimeSeconds     float64 // math.Inf(1) when every run failed
	PeakMemoryBytes    uint64
	CurrentMemoryBytes uint64
	CPUPercent         float64 // busy fraction of the measurement window
	SuccessRate        float64 // fraction of test cases completing without error
	Runs               int
	Failures           []string
}

// IsSentinel reports whether these are the all-runs-failed sentinel metrics.
func (m *Metrics) IsSentinel() bool {
	return math.IsInf(m.AvgTimeSeconds, 1) && m.SuccessRate == 0
}

// Comparison holds the result of comparing an original and a modified variant.
// Improvements are fractional: 0.30 means the modified variant is 30% better.
type Comparison struct {
	TimeImprovement      float64
	MemoryImprovement    float64
	CorrectnessDelta     float64
	OverallScore         float64
	IsImprovement        bool
	MaintainsCorrectness bool
	Original             *Metrics
	Modified             *Metrics
}

// Comparison weights and the minimum overall score to call a variant improved.
const (
	timeWeight           = 0.60
	memoryWeight         = 0.30
	correctnessWeight    = 0.10
	improvementThreshold = 0.05
)

// Profiler executes code variants under controlled repetition.
type Profiler struct {
	warmupRuns      int
	measurementRuns int
	caseTimeout     time.Duration
}

// New creates a Profiler. Warmup runs are discarded before measurement.
func New(warmupRuns, measurementRuns int, caseTimeout time.Duration) *Profiler {
	if warmupRuns < 0 {
		warmupRuns = 0
	}
	if measurementRuns <= 0 {
		measurementRuns = 1
	}
	if caseTimeout <= 0 {
		caseTimeout = 10 * time.Second
	}
	return &Profiler{
		warmupRuns:      warmupRuns,
		measurementRuns: measurementRuns,
		caseTimeout:     caseTimeout,
	}
}

// Measure executes the code against the test cases, discarding warmup runs
// and averaging the measurement runs. It never returns an error.
func (p *Profiler) Measure(ctx context.Context, code string, cases []TestCase) *Metrics {
	timer := logging.StartTimer(logging.CategoryProfiler, "Measure")
	defer timer.Stop()

	if len(cases) == 0 {
		cases = []TestCase{genericCase(p.caseTimeout)}
	}

	// Warmup: discard results, just let caches/JIT settle.
	for i := 0; i < p.warmupRuns; i++ {
		p.runOnce(ctx, code, cases)
	}

	var (
		totalSeconds float64
		totalBusy    time.Duration
		peakMem      uint64
		currentMem   uint64
		successSum   float64
		failures     []string
		windowStart  = time.Now()
	)

	for i := 0; i < p.measurementRuns; i++ {
		run := p.runOnce(ctx, code, cases)
		totalSeconds += run.seconds
		totalBusy += run.busy
		if run.peakMem > peakMem {
			peakMem = run.peakMem
		}
		currentMem = run.currentMem
		successSum += run.successRate
		failures = append(failures, run.failures...)
	}

	window := time.Since(windowStart)
	metrics := &Metrics{
		Runs:               p.measurementRuns,
		PeakMemoryBytes:    peakMem,
		CurrentMemoryBytes: currentMem,
		SuccessRate:        successSum / float64(p.measurementRuns),
		Failures:           failures,
	}
	if window > 0 {
		metrics.CPUPercent = 100 * float64(totalBusy) / float64(window)
	}

	if metrics.SuccessRate == 0 {
		// Sentinel: every run failed. Callers can still average/compare.
		metrics.AvgTimeSeconds = math.Inf(1)
		logging.Profiler("Measure: all runs failed (%d failures), returning sentinel", len(failures))
		return metrics
	}

	metrics.AvgTimeSeconds = totalSeconds / float64(p.measurementRuns)
	logging.ProfilerDebug("Measure: avg=%.6fs success=%.2f peak_mem=%d",
		metrics.AvgTimeSeconds, metrics.SuccessRate, metrics.PeakMemoryBytes)
	return metrics
}

// Compare measures both variants on the same test cases and scores the
// modified variant against the original.
func (p *Profiler) Compare(ctx context.Context, original, modified string, cases []TestCase) *Comparison {
	origMetrics := p.Measure(ctx, original, cases)
	modMetrics := p.Measure(ctx, modified, cases)
	return Score(origMetrics, modMetrics)
}

// Score blends time, memory, and correctness deltas into the overall
// comparison: 60% time, 30% memory, 10% correctness.
func Score(orig, mod *Metrics) *Comparison {
	c := &Comparison{
		Original:             orig,
		Modified:             mod,
		TimeImprovement:      fractionalImprovement(orig.AvgTimeSeconds, mod.AvgTimeSeconds),
		MemoryImprovement:    fractionalImprovement(float64(orig.PeakMemoryBytes), float64(mod.PeakMemoryBytes)),
		CorrectnessDelta:     mod.SuccessRate - orig.SuccessRate,
		MaintainsCorrectness: mod.SuccessRate >= orig.SuccessRate,
	}

	c.OverallScore = timeWeight*c.TimeImprovement +
		memoryWeight*c.MemoryImprovement +
		correctnessWeight*c.CorrectnessDelta
	c.IsImprovement = c.OverallScore > improvementThreshold && c.MaintainsCorrectness
	return c
}

// fractionalImprovement computes (original - modified) / original, positive
// meaning the modified variant is better. Sentinel/zero originals are handled
// so the result stays finite.
func fractionalImprovement(original, modified float64) float64 {
	switch {
	case math.IsInf(original, 1) && math.IsInf(modified, 1):
		return 0
	case math.IsInf(original, 1):
		return 1 // anything finite beats a variant that never completed
	case math.IsInf(modified, 1):
		return -1
	case original <= 0:
		return 0
	}
	return (original - modified) / original
}

// runResult is the outcome of one repetition over all test cases.
type runResult struct {
	seconds     float64
	busy        time.Duration
	peakMem     uint64
	currentMem  uint64
	successRate float64
	failures    []string
}

// runOnce evaluates the code in a fresh interpreter and executes every test
// case once. Failures (including panics inside evaluated code) are recorded,
// never propagated.
func (p *Profiler) runOnce(ctx context.Context, code string, cases []TestCase) runResult {
	var res runResult

	var before runtime.MemStats
	runtime.ReadMemStats(&before)

	start := time.Now()
	i, evalErr := newInterpreter(code)
	if evalErr != nil {
		res.seconds = time.Since(start).Seconds()
		res.busy = time.Since(start)
		res.failures = append(res.failures, fmt.Sprintf("module eval: %v", evalErr))
		return res
	}

	succeeded := 0
	for _, tc := range cases {
		if err := p.runCase(ctx, i, tc); err != nil {
			res.failures = append(res.failures, fmt.Sprintf("%s: %v", tc.Name, err))
		} else {
			succeeded++
		}
	}
	elapsed := time.Since(start)

	var after runtime.MemStats
	runtime.ReadMemStats(&after)

	res.seconds = elapsed.Seconds()
	res.busy = elapsed
	if after.HeapAlloc > before.HeapAlloc {
		res.peakMem = after.HeapAlloc - before.HeapAlloc
	}
	res.currentMem = after.HeapAlloc
	res.successRate = float64(succeeded) / float64(len(cases))
	return res
}

// runCase evaluates one test case with its timeout. A panic inside the
// interpreted code is recovered and counted as a case failure.
func (p *Profiler) runCase(ctx context.Context, i *interp.Interpreter, tc TestCase) (err error) {
	if tc.Code == "" {
		// Generic case: evaluating the module was the test.
		return nil
	}

	timeout := tc.Timeout
	if timeout <= 0 {
		timeout = p.caseTimeout
	}
	caseCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic: %v", r)
			}
		}()
		if tc.Setup != "" {
			if _, serr := i.Eval(tc.Setup); serr != nil {
				done <- fmt.Errorf("setup: %w", serr)
				return
			}
		}
		_, eerr := i.Eval(tc.Code)
		done <- eerr
	}()

	select {
	case err = <-done:
		return err
	case <-caseCtx.Done():
		// The interpreter goroutine is abandoned; it exits when its Eval
		// returns. Counted as a failure, never as a profiler error.
		return fmt.Errorf("timed out after %v", timeout)
	}
}

// newInterpreter builds a fresh interpreter with stdlib symbols and evaluates
// the module under test as package main.
func newInterpreter(code string) (*interp.Interpreter, error) {
	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, fmt.Errorf("failed to load stdlib: %w", err)
	}
	if _, err := i.Eval(asMainPackage(code)); err != nil {
		return nil, err
	}
	return i, nil
}

// asMainPackage rewrites the package clause so yaegi treats the code as an
// evaluable main package.
func asMainPackage(code string) string {
	trimmed := strings.TrimLeft(code, "\n\t ")
	if strings.HasPrefix(trimmed, "package main") {
		return code
	}
	if idx := strings.Index(code, "package "); idx >= 0 {
		end := strings.Index(code[idx:], "\n")
		if end > 0 {
			return code[:idx] + "package main" + code[idx+end:]
		}
	}
	return "package main\n\n" + code
}
