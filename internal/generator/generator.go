// Package generator turns one improvement opportunity into a concrete code
// candidate. Synthesis is delegated to an external code-generation service
// with a deterministic template fallback, so a cycle always has something to
// test, even if low-value.
package generator

import (
	"context"
	"fmt"
	"go/parser"
	"go/token"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"codevolve/internal/analyzer"
	"codevolve/internal/logging"
	"codevolve/internal/profiler"
	"codevolve/internal/transform"
)

// ImpactEstimator measures the performance delta between an original and a
// modified variant. Satisfied by *profiler.Profiler.
type ImpactEstimator interface {
	Compare(ctx context.Context, original, modified string, cases []profiler.TestCase) *profiler.Comparison
}

// Conservative estimate used when profiling itself errors out.
const fallbackExpectedImprovement = 0.05

var baseConstraints = []string{
	"preserve all exported function signatures",
	"introduce no new external dependencies",
	"preserve thread-safety of existing code",
	"the change must be measurably faster or lighter, not cosmetic",
}

// Generator produces improvement candidates. All collaborators are injected;
// there is no global state.
type Generator struct {
	client      CodeGenClient
	estimator   ImpactEstimator
	maxRetries  int
	baseDelay   time.Duration
	temperature float64
	caseTimeout time.Duration
}

// New creates a Generator. client may be nil, in which case every candidate
// comes from the template fallback.
func New(client CodeGenClient, estimator ImpactEstimator, maxRetries int, temperature float64, caseTimeout time.Duration) *Generator {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if temperature <= 0 {
		temperature = 0.2
	}
	if caseTimeout <= 0 {
		caseTimeout = 10 * time.Second
	}
	return &Generator{
		client:      client,
		estimator:   estimator,
		maxRetries:  maxRetries,
		baseDelay:   500 * time.Millisecond,
		temperature: temperature,
		caseTimeout: caseTimeout,
	}
}

// Generate produces a candidate for the analysis result's best opportunity,
// or nil when the file offers no opportunity. Historical records from the
// knowledge store steer opportunity choice and supply few-shot examples.
func (g *Generator) Generate(ctx context.Context, result *analyzer.AnalysisResult, history []string) (*ImprovementCandidate, error) {
	opportunity := selectOpportunity(result, history)
	if opportunity == "" {
		logging.GenerationDebug("no opportunity in %s, skipping", result.FilePath)
		return nil, nil
	}

	original, err := os.ReadFile(result.FilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read target %s: %w", result.FilePath, err)
	}

	modType := classifyModification(opportunity)
	code, fromTemplate := g.synthesize(ctx, string(original), opportunity, modType, history)

	candidate := &ImprovementCandidate{
		ID:               newCandidateID(),
		TargetFile:       result.FilePath,
		Opportunity:      opportunity,
		RiskLevel:        result.RiskAssessment,
		ModificationType: modType,
		GeneratedCode:    code,
		FromTemplate:     fromTemplate,
		CreatedAt:        time.Now(),
	}
	candidate.ExpectedImprovement = g.estimateImprovement(ctx, string(original), candidate)

	logging.Generation("Generated candidate %s for %s: type=%s template=%v expected=%.1f%%",
		candidate.ID, result.FilePath, modType, fromTemplate, candidate.ExpectedImprovement*100)
	return candidate, nil
}

// synthesize asks the generation service for code, retrying with exponential
// backoff, a sharper constraint, and a slightly higher temperature on each
// attempt. Exhausted retries degrade to the fixed template for the
// modification type, never to nothing.
func (g *Generator) synthesize(ctx context.Context, original, opportunity string, modType ModificationType, history []string) (string, bool) {
	if g.client == nil {
		return templateFor(modType), true
	}

	constraints := append([]string(nil), baseConstraints...)
	temperature := g.temperature
	var lastErr error

	for attempt := 0; attempt < g.maxRetries; attempt++ {
		if attempt > 0 {
			delay := g.baseDelay << (attempt - 1)
			select {
			case <-ctx.Done():
				logging.Generation("generation cancelled: %v", ctx.Err())
				return templateFor(modType), true
			case <-time.After(delay):
			}
			constraints = append(constraints, "ensure the output is valid syntax that parses cleanly")
			temperature += 0.1
		}

		prompt := buildPrompt(original, opportunity, constraints, similarExamples(opportunity, history, 3))
		code, err := g.client.Complete(ctx, prompt, temperature)
		if err != nil {
			lastErr = err
			logging.Generation("attempt %d failed: %v", attempt+1, err)
			continue
		}
		if err := validateSyntax(code); err != nil {
			// Invalid output is equivalent to a service failure.
			lastErr = err
			logging.Generation("attempt %d produced invalid code: %v", attempt+1, err)
			continue
		}
		return code, false
	}

	genErr := &GenerationError{Opportunity: opportunity, Attempts: g.maxRetries, Err: lastErr}
	logging.Generation("falling back to template: %v", genErr)
	return templateFor(modType), true
}

// estimateImprovement applies the candidate's transformation and routes the
// impact estimate through the profiler. Profiling failure falls back to a
// fixed conservative estimate.
func (g *Generator) estimateImprovement(ctx context.Context, original string, c *ImprovementCandidate) float64 {
	if g.estimator == nil {
		return fallbackExpectedImprovement
	}

	kind := transform.Classify(c.Opportunity, c.GeneratedCode)
	modified, err := transform.Apply(kind, original, c.GeneratedCode, c.Opportunity, c.ID)
	if err != nil {
		logging.GenerationDebug("estimate: transform failed, using fallback: %v", err)
		return fallbackExpectedImprovement
	}

	cases := profiler.GenerateTestCases(original, g.caseTimeout)
	comp := g.estimator.Compare(ctx, original, modified, cases)
	if comp == nil || comp.Original.IsSentinel() {
		return fallbackExpectedImprovement
	}
	return comp.OverallScore
}

// selectOpportunity prefers the opportunity with the best historical
// confidence; without history it is the first (highest-priority) one.
func selectOpportunity(result *analyzer.AnalysisResult, history []string) string {
	if len(result.ImprovementOpportunities) == 0 {
		return ""
	}
	if len(history) == 0 {
		return result.TopOpportunity()
	}

	best := result.TopOpportunity()
	bestScore := confidenceFor(best, history)
	for _, opp := range result.ImprovementOpportunities[1:] {
		if score := confidenceFor(opp, history); score > bestScore {
			best, bestScore = opp, score
		}
	}
	return best
}

// confidenceFor scores an opportunity against historical records: successful
// past outcomes mentioning the opportunity's keywords raise confidence,
// failures lower it.
func confidenceFor(opportunity string, history []string) float64 {
	keywords := significantWords(opportunity)
	if len(keywords) == 0 {
		return 0
	}

	var score float64
	for _, record := range history {
		lower := strings.ToLower(record)
		overlap := 0
		for _, kw := range keywords {
			if strings.Contains(lower, kw) {
				overlap++
			}
		}
		if overlap == 0 {
			continue
		}
		weight := float64(overlap) / float64(len(keywords))
		switch {
		case strings.Contains(lower, "deployed") || strings.Contains(lower, "success"):
			score += weight
		case strings.Contains(lower, "failed") || strings.Contains(lower, "rolled back"):
			score -= weight
		}
	}
	return score
}

// similarExamples picks up to limit historical records overlapping the
// opportunity's keywords, successful ones first.
func similarExamples(opportunity string, history []string, limit int) []string {
	keywords := significantWords(opportunity)
	var examples []string
	for _, record := range history {
		if len(examples) >= limit {
			break
		}
		lower := strings.ToLower(record)
		if !strings.Contains(lower, "deployed") && !strings.Contains(lower, "success") {
			continue
		}
		for _, kw := range keywords {
			if strings.Contains(lower, kw) {
				examples = append(examples, record)
				break
			}
		}
	}
	return examples
}

func significantWords(text string) []string {
	var words []string
	for _, w := range strings.Fields(strings.ToLower(text)) {
		w = strings.Trim(w, ".,:;()")
		if len(w) > 4 {
			words = append(words, w)
		}
	}
	return words
}

func buildPrompt(original, opportunity string, constraints, examples []string) string {
	var sb strings.Builder
	sb.WriteString("Improve the following Go source file.\n\n")
	sb.WriteString("Opportunity: " + opportunity + "\n\n")
	sb.WriteString("Constraints:\n")
	for _, c := range constraints {
		sb.WriteString("- " + c + "\n")
	}
	if len(examples) > 0 {
		sb.WriteString("\nSimilar past successes:\n")
		for _, ex := range examples {
			sb.WriteString("- " + ex + "\n")
		}
	}
	sb.WriteString("\nSource:\n")
	sb.WriteString(original)
	return sb.String()
}

// validateSyntax checks that generated code parses. Fragments without a
// package clause are wrapped before parsing.
func validateSyntax(code string) error {
	src := code
	if !strings.HasPrefix(strings.TrimSpace(src), "package ") {
		src = "package main\n\n" + src
	}
	fset := token.NewFileSet()
	if _, err := parser.ParseFile(fset, "generated.go", src, 0); err != nil {
		return fmt.Errorf("generated code does not parse: %w", err)
	}
	return nil
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), substr)
}

// newCandidateID builds a time-derived id: timestamp prefix for ordering and
// human inspection, uuid fragment to guard against same-second collisions.
func newCandidateID() string {
	return time.Now().Format("20060102_150405") + "_" + uuid.NewString()[:8]
}
