package generator

import (
	"fmt"
	"time"

	"codevolve/internal/analyzer"
)

// ModificationType categorizes what family of change a candidate makes.
type ModificationType string

const (
	ModOptimization      ModificationType = "optimization"
	ModAsyncImprovement  ModificationType = "async_improvement"
	ModMemoryOptimize    ModificationType = "memory_optimization"
	ModGeneralImprove    ModificationType = "general_improvement"
)

// ImprovementCandidate is a concrete, generated code change addressing one
// opportunity. It has not yet been validated by the sandbox.
type ImprovementCandidate struct {
	ID                  string
	TargetFile          string
	Opportunity         string
	RiskLevel           analyzer.RiskLevel
	ExpectedImprovement float64 // fractional, e.g. 0.05 = 5%
	ModificationType    ModificationType
	GeneratedCode       string
	FromTemplate        bool // true when the service failed and the fallback produced the code
	BackupCreated       bool // set by the deployment controller once a backup exists
	CreatedAt           time.Time
}

// GenerationError means the generation service was unavailable or produced
// repeatedly invalid output. Callers fall back to the fixed template.
type GenerationError struct {
	Opportunity string
	Attempts    int
	Err         error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generation failed after %d attempt(s) for %q: %v",
		e.Attempts, e.Opportunity, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// classifyModification maps opportunity text onto a modification type.
func classifyModification(opportunity string) ModificationType {
	switch {
	case containsFold(opportunity, "sleep") || containsFold(opportunity, "async") ||
		containsFold(opportunity, "blocking"):
		return ModAsyncImprovement
	case containsFold(opportunity, "memory") || containsFold(opportunity, "prealloc") ||
		containsFold(opportunity, "cache"):
		return ModMemoryOptimize
	case containsFold(opportunity, "selection") || containsFold(opportunity, "loop") ||
		containsFold(opportunity, "optimiz"):
		return ModOptimization
	default:
		return ModGeneralImprove
	}
}
