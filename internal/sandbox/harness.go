// Package sandbox applies candidate modifications to isolated file copies and
// runs the safety checks that gate deployment. Production files are never
// touched here.
package sandbox

import (
	"context"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"codevolve/internal/generator"
	"codevolve/internal/logging"
	"codevolve/internal/profiler"
	"codevolve/internal/transform"
)

// Stage records how far a candidate progressed through the sandbox.
type Stage int

const (
	StageProposed Stage = iota
	StageCopied
	StageModified
	StageChecked
	StageSafetyPassed
	StageSafetyFailed
)

func (s Stage) String() string {
	switch s {
	case StageCopied:
		return "copied_to_sandbox"
	case StageModified:
		return "modified"
	case StageChecked:
		return "checked"
	case StageSafetyPassed:
		return "safety_passed"
	case StageSafetyFailed:
		return "safety_failed"
	default:
		return "proposed"
	}
}

// PerformanceImpact summarizes the measured delta of a sandboxed candidate.
type PerformanceImpact struct {
	Improvement float64 // positive fraction = better
	Degradation float64 // positive fraction = worse
	Confidence  float64 // success rate of the measurement runs
}

// SafetyTestResult is the harness's verdict on one candidate.
type SafetyTestResult struct {
	CandidateID    string
	Passed         bool
	Stage          Stage
	TestDuration   time.Duration
	Errors         []string
	Warnings       []string
	Impact         *PerformanceImpact
	RollbackNeeded bool
	Substantive    bool   // false for comment-only annotation changes
	ModifiedCode   string // the transformed content that passed checks
	Kind           transform.Kind
}

// Measured degradation beyond this fraction forces rollback even when all
// checks pass.
const degradationThreshold = 0.10

// ImpactEstimator measures the performance delta between an original and a
// modified variant. Satisfied by *profiler.Profiler.
type ImpactEstimator interface {
	Compare(ctx context.Context, original, modified string, cases []profiler.TestCase) *profiler.Comparison
}

// Harness copies targets into a working directory, applies transformations,
// and checks the result. Collaborators are injected.
type Harness struct {
	workDir   string
	estimator ImpactEstimator
	timeout   time.Duration
}

// New creates a Harness rooted at workDir. The directory is created on first
// use. estimator may be nil to skip performance measurement.
func New(workDir string, estimator ImpactEstimator, caseTimeout time.Duration) *Harness {
	if workDir == "" {
		workDir = filepath.Join(os.TempDir(), "codevolve", "sandbox")
	}
	if caseTimeout <= 0 {
		caseTimeout = 10 * time.Second
	}
	return &Harness{workDir: workDir, estimator: estimator, timeout: caseTimeout}
}

// Test runs the candidate through the sandbox state machine:
// Proposed -> Copied -> Modified -> Checked -> {SafetyPassed | SafetyFailed}.
// Every failure inside the harness is converted into a failed result; nothing
// propagates to the caller.
func (h *Harness) Test(ctx context.Context, c *generator.ImprovementCandidate) (result *SafetyTestResult) {
	start := time.Now()
	result = &SafetyTestResult{CandidateID: c.ID, Stage: StageProposed}

	defer func() {
		result.TestDuration = time.Since(start)
		if r := recover(); r != nil {
			result.Passed = false
			result.Stage = StageSafetyFailed
			result.RollbackNeeded = true
			result.Errors = append(result.Errors, fmt.Sprintf("sandbox panic: %v", r))
			logging.Sandbox("candidate %s: sandbox panic recovered: %v", c.ID, r)
		}
	}()

	original, sandboxPath, err := h.copyToSandbox(c)
	if err != nil {
		return h.fail(result, fmt.Sprintf("sandbox copy failed: %v", err))
	}
	result.Stage = StageCopied

	kind := transform.Classify(c.Opportunity, c.GeneratedCode)
	result.Kind = kind
	result.Substantive = kind.Substantive()

	modified, err := transform.Apply(kind, string(original), c.GeneratedCode, c.Opportunity, c.ID)
	if err != nil {
		return h.fail(result, fmt.Sprintf("transformation failed: %v", err))
	}
	if err := os.WriteFile(sandboxPath, []byte(modified), 0644); err != nil {
		return h.fail(result, fmt.Sprintf("sandbox write failed: %v", err))
	}
	result.Stage = StageModified
	result.ModifiedCode = modified

	if err := h.checkSyntax(modified); err != nil {
		return h.fail(result, fmt.Sprintf("syntax check failed: %v", err))
	}
	if err := h.checkCompiles(modified); err != nil {
		return h.fail(result, fmt.Sprintf("compile check failed: %v", err))
	}

	if isEntryPointFile(c.TargetFile, modified) {
		// Running an entry point could have side effects; skip execution and
		// record only a warning.
		result.Warnings = append(result.Warnings,
			"entry-point file: execution skipped for safety")
	}
	result.Stage = StageChecked

	if h.estimator != nil && result.Substantive {
		result.Impact = h.measureImpact(ctx, string(original), modified)
		if result.Impact.Degradation > degradationThreshold {
			result.RollbackNeeded = true
			result.Stage = StageSafetyFailed
			result.Errors = append(result.Errors, fmt.Sprintf(
				"performance degradation %.1f%% exceeds %.0f%% threshold",
				result.Impact.Degradation*100, degradationThreshold*100))
			logging.Sandbox("candidate %s: degradation %.1f%%, rollback needed",
				c.ID, result.Impact.Degradation*100)
			return result
		}
	}

	result.Passed = true
	result.Stage = StageSafetyPassed
	logging.Sandbox("candidate %s: safety passed (substantive=%v, warnings=%d)",
		c.ID, result.Substantive, len(result.Warnings))
	return result
}

func (h *Harness) fail(result *SafetyTestResult, msg string) *SafetyTestResult {
	result.Passed = false
	result.Stage = StageSafetyFailed
	result.RollbackNeeded = true
	result.Errors = append(result.Errors, msg)
	logging.Sandbox("candidate %s: %s", result.CandidateID, msg)
	return result
}

// copyToSandbox duplicates the target byte-for-byte into the working
// directory, keyed by candidate id so concurrent candidates never collide.
func (h *Harness) copyToSandbox(c *generator.ImprovementCandidate) ([]byte, string, error) {
	original, err := os.ReadFile(c.TargetFile)
	if err != nil {
		return nil, "", err
	}

	dir := filepath.Join(h.workDir, c.ID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, "", err
	}
	sandboxPath := filepath.Join(dir, filepath.Base(c.TargetFile))
	if err := os.WriteFile(sandboxPath, original, 0644); err != nil {
		return nil, "", err
	}
	return original, sandboxPath, nil
}

// Cleanup removes a candidate's sandbox directory.
func (h *Harness) Cleanup(candidateID string) {
	if candidateID == "" {
		return
	}
	if err := os.RemoveAll(filepath.Join(h.workDir, candidateID)); err != nil {
		logging.SandboxDebug("cleanup of %s failed: %v", candidateID, err)
	}
}

func (h *Harness) checkSyntax(code string) error {
	fset := token.NewFileSet()
	_, err := parser.ParseFile(fset, "sandbox.go", code, parser.ParseComments)
	return err
}

// checkCompiles byte-checks the modified code by compiling it in a throwaway
// interpreter without executing anything beyond top-level declarations.
func (h *Harness) checkCompiles(code string) error {
	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return fmt.Errorf("failed to load stdlib: %w", err)
	}
	if _, err := i.Compile(asMainPackage(code)); err != nil {
		return err
	}
	return nil
}

// measureImpact profiles both variants on synthesized test cases.
func (h *Harness) measureImpact(ctx context.Context, original, modified string) *PerformanceImpact {
	cases := profiler.GenerateTestCases(original, h.timeout)
	comp := h.estimator.Compare(ctx, original, modified, cases)

	impact := &PerformanceImpact{Confidence: comp.Modified.SuccessRate}
	if comp.OverallScore >= 0 {
		impact.Improvement = comp.OverallScore
	} else {
		impact.Degradation = -comp.OverallScore
	}
	return impact
}

// isEntryPointFile reports whether a file is a process entry point: package
// main declaring a main function, or anything under a cmd/ path segment.
func isEntryPointFile(path, code string) bool {
	clean := filepath.ToSlash(path)
	if strings.Contains(clean, "/cmd/") || strings.HasPrefix(clean, "cmd/") {
		return true
	}
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, path, code, 0)
	if err != nil || file.Name == nil || file.Name.Name != "main" {
		return false
	}
	for _, decl := range file.Decls {
		if fn, ok := decl.(*ast.FuncDecl); ok && fn.Name.Name == "main" && fn.Recv == nil {
			return true
		}
	}
	return false
}

// asMainPackage rewrites the package clause so yaegi accepts the code as an
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
