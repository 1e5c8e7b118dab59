package analyzer

import (
	"fmt"
	"time"
)

// RiskLevel classifies how dangerous it is to modify a file.
type RiskLevel int

const (
	RiskLow RiskLevel = iota
	RiskMedium
	RiskHigh
)

func (r RiskLevel) String() string {
	switch r {
	case RiskHigh:
		return "high"
	case RiskMedium:
		return "medium"
	default:
		return "low"
	}
}

// AnalysisResult contains the complete structural analysis of one source file.
// Results are immutable once produced; the generator only reads them.
type AnalysisResult struct {
	FilePath                 string
	ComplexityScore          int
	PerformanceBottlenecks   []string
	ImprovementOpportunities []string
	RiskAssessment           RiskLevel
	CurrentMetrics           map[string]float64
	AnalyzedAt               time.Time
	ContentHash              string // stable sha256 digest of the analyzed text
}

// TopOpportunity returns the highest-priority opportunity, or "" if none.
// Ordering of ImprovementOpportunities is the downstream priority order.
func (a *AnalysisResult) TopOpportunity() string {
	if len(a.ImprovementOpportunities) == 0 {
		return ""
	}
	return a.ImprovementOpportunities[0]
}

// AnalysisError marks a file as unreadable or unparsable. Callers skip the
// file and continue the pass; it never aborts sibling analyses.
type AnalysisError struct {
	Path string
	Err  error
}

func (e *AnalysisError) Error() string {
	return fmt.Sprintf("analysis failed for %s: %v", e.Path, e.Err)
}

func (e *AnalysisError) Unwrap() error { return e.Err }
