// Package evolution runs the self-improvement cycle: analyze targets,
// generate candidates, sandbox-test them, and hand survivors to the
// deployment controller. Cycles never crash on individual failures; every
// outcome is logged and recorded in the knowledge store.
package evolution

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"codevolve/internal/analyzer"
	"codevolve/internal/deploy"
	"codevolve/internal/generator"
	"codevolve/internal/logging"
	"codevolve/internal/sandbox"
)

// Knowledge is the store surface the engine needs. Satisfied by
// *store.KnowledgeStore.
type Knowledge interface {
	Add(records []string) error
	Search(query string, limit int) ([]string, error)
}

// CandidateOutcome summarizes one candidate's path through a cycle.
type CandidateOutcome struct {
	CandidateID       string
	TargetFile        string
	Opportunity       string
	Substantive       bool
	SafetyPassed      bool
	Status            deploy.Status
	ActualImprovement float64
	Errors            []string
}

// CycleReport is the full account of one evolution cycle.
type CycleReport struct {
	CycleID       string
	StartedAt     time.Time
	Duration      time.Duration
	FilesAnalyzed int
	FilesSkipped  int
	Candidates    []CandidateOutcome
}

// Deployed counts candidates that reached production (or simulation).
func (r *CycleReport) Deployed() int {
	n := 0
	for _, c := range r.Candidates {
		if c.Status == deploy.StatusDeployed || c.Status == deploy.StatusSimulated {
			n++
		}
	}
	return n
}

// Engine orchestrates one evolution cycle at a time. All collaborators are
// injected; the engine holds no global state.
type Engine struct {
	analyzer   *analyzer.Analyzer
	generator  *generator.Generator
	harness    *sandbox.Harness
	controller *deploy.Controller
	knowledge  Knowledge

	maxPerCycle int
	analysisPar int
}

// New creates an Engine. knowledge may be nil, disabling learning.
func New(an *analyzer.Analyzer, gen *generator.Generator, harness *sandbox.Harness,
	controller *deploy.Controller, knowledge Knowledge, maxPerCycle int) *Engine {
	if maxPerCycle <= 0 {
		maxPerCycle = 3
	}
	return &Engine{
		analyzer:    an,
		generator:   gen,
		harness:     harness,
		controller:  controller,
		knowledge:   knowledge,
		maxPerCycle: maxPerCycle,
		analysisPar: 4,
	}
}

// RunCycle analyzes the targets and pushes at most maxPerCycle candidates
// through sandbox and deployment. Per-file and per-candidate failures are
// recorded and skipped; only context cancellation aborts the cycle.
func (e *Engine) RunCycle(ctx context.Context, targets []string) (*CycleReport, error) {
	report := &CycleReport{
		CycleID:   uuid.NewString(),
		StartedAt: time.Now(),
	}
	defer func() { report.Duration = time.Since(report.StartedAt) }()

	logging.Cycle("cycle %s started: %d target(s)", report.CycleID, len(targets))

	results, skipped := e.analyzeAll(ctx, targets)
	report.FilesAnalyzed = len(results)
	report.FilesSkipped = skipped
	if ctx.Err() != nil {
		return report, ctx.Err()
	}

	// Most complex files first; they are where measurable wins live.
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].ComplexityScore > results[j].ComplexityScore
	})

	for _, result := range results {
		if len(report.Candidates) >= e.maxPerCycle {
			break
		}
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		if len(result.ImprovementOpportunities) == 0 {
			continue
		}
		outcome := e.runCandidate(ctx, result)
		if outcome != nil {
			report.Candidates = append(report.Candidates, *outcome)
		}
	}

	logging.Cycle("cycle %s finished: analyzed=%d skipped=%d candidates=%d deployed=%d",
		report.CycleID, report.FilesAnalyzed, report.FilesSkipped,
		len(report.Candidates), report.Deployed())
	return report, nil
}

// analyzeAll runs the analyzer over the targets with bounded parallelism.
// Unparsable files are recorded and skipped, never fatal.
func (e *Engine) analyzeAll(ctx context.Context, targets []string) ([]*analyzer.AnalysisResult, int) {
	var (
		mu      sync.Mutex
		results []*analyzer.AnalysisResult
		skipped int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.analysisPar)

	for _, target := range targets {
		target := target
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			result, err := e.analyzer.Analyze(target)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				skipped++
				var analysisErr *analyzer.AnalysisError
				if errors.As(err, &analysisErr) {
					logging.Analysis("skipping %s: %v", target, err)
					e.record(fmt.Sprintf("analysis failed for %s: %v", target, analysisErr.Err))
					return nil
				}
				logging.Analysis("skipping %s (unexpected): %v", target, err)
				return nil
			}
			results = append(results, result)
			e.record(fmt.Sprintf(
				"analysis of %s: complexity=%d risk=%s opportunities=%v",
				result.FilePath, result.ComplexityScore, result.RiskAssessment,
				result.ImprovementOpportunities))
			return nil
		})
	}
	_ = g.Wait()
	return results, skipped
}

// runCandidate pushes one analysis result through generate, sandbox, and
// deploy. Never returns an error; failures become part of the outcome.
func (e *Engine) runCandidate(ctx context.Context, result *analyzer.AnalysisResult) *CandidateOutcome {
	history := e.searchHistory(result)

	cand, err := e.generator.Generate(ctx, result, history)
	if err != nil {
		logging.Cycle("generation for %s failed: %v", result.FilePath, err)
		e.record(fmt.Sprintf("generation failed for %s: %v", result.FilePath, err))
		return &CandidateOutcome{
			TargetFile:  result.FilePath,
			Opportunity: result.TopOpportunity(),
			Status:      deploy.StatusFailed,
			Errors:      []string{err.Error()},
		}
	}
	if cand == nil {
		return nil
	}
	defer e.harness.Cleanup(cand.ID)

	safety := e.harness.Test(ctx, cand)
	if !safety.Passed {
		e.record(fmt.Sprintf(
			"candidate %s for %s (%s) failed safety: %v",
			cand.ID, cand.TargetFile, cand.Opportunity, safety.Errors))
		return &CandidateOutcome{
			CandidateID: cand.ID,
			TargetFile:  cand.TargetFile,
			Opportunity: cand.Opportunity,
			Substantive: safety.Substantive,
			Status:      deploy.StatusRejected,
			Errors:      safety.Errors,
		}
	}

	record := e.controller.Deploy(ctx, cand, safety)
	e.recordDeployment(cand, record)

	outcome := &CandidateOutcome{
		CandidateID:       cand.ID,
		TargetFile:        cand.TargetFile,
		Opportunity:       cand.Opportunity,
		Substantive:       record.Substantive,
		SafetyPassed:      true,
		Status:            record.Status,
		ActualImprovement: record.ActualImprovement,
	}
	if record.Error != "" {
		outcome.Errors = append(outcome.Errors, record.Error)
	}
	return outcome
}

func (e *Engine) searchHistory(result *analyzer.AnalysisResult) []string {
	if e.knowledge == nil {
		return nil
	}
	history, err := e.knowledge.Search(result.TopOpportunity(), 10)
	if err != nil {
		logging.CycleDebug("knowledge search failed: %v", err)
		return nil
	}
	return history
}

func (e *Engine) record(summary string) {
	if e.knowledge == nil {
		return
	}
	if err := e.knowledge.Add([]string{summary}); err != nil {
		logging.CycleDebug("knowledge add failed: %v", err)
	}
}

func (e *Engine) recordDeployment(cand *generator.ImprovementCandidate, record *deploy.DeploymentRecord) {
	var summary string
	switch record.Status {
	case deploy.StatusDeployed:
		summary = fmt.Sprintf("deployed candidate %s for %s (%s): actual improvement %.1f%%",
			cand.ID, cand.TargetFile, cand.Opportunity, record.ActualImprovement*100)
	case deploy.StatusSimulated:
		summary = fmt.Sprintf("simulated candidate %s for %s (%s): success, production untouched",
			cand.ID, cand.TargetFile, cand.Opportunity)
	case deploy.StatusPendingApproval:
		summary = fmt.Sprintf("candidate %s for %s (%s) pending approval",
			cand.ID, cand.TargetFile, cand.Opportunity)
	default:
		summary = fmt.Sprintf("candidate %s for %s (%s) failed deployment: %s",
			cand.ID, cand.TargetFile, cand.Opportunity, record.Error)
	}
	e.record(summary)
}
