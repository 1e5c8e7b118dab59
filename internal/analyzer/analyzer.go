// Package analyzer inspects Go source files for complexity, performance
// bottlenecks, and improvement opportunities. It is the first stage of the
// evolution pipeline: Analyzer -> Generator -> Sandbox -> Deployment.
package analyzer

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"os"
	"path/filepath"
	"strings"
	"time"

	"codevolve/internal/logging"
)

// Complexity weights. Loops weigh double: iteration-heavy files are where
// measurable wins live, and also where regressions hurt most.
const (
	weightFunc        = 1
	weightConditional = 1
	weightLoop        = 2
	weightRecover     = 1
)

// Risk thresholds on the complexity score.
const (
	riskHighThreshold   = 20
	riskMediumThreshold = 10
)

// Analyzer parses source files and scores them for evolution potential.
type Analyzer struct {
	// Loop count above which a "too many loops" bottleneck fires.
	maxLoops int
	// Repeated same-format parse calls above which a bottleneck fires.
	maxRepeatedParses int
	// Logging call count above which the excessive-logging opportunity fires.
	maxLogCalls int
}

// New creates an Analyzer with the default heuristic thresholds.
func New() *Analyzer {
	return &Analyzer{
		maxLoops:          5,
		maxRepeatedParses: 3,
		maxLogCalls:       10,
	}
}

// fileStats accumulates structural counts during the AST walk.
type fileStats struct {
	funcs        int
	conditionals int
	loops        int
	recovers     int

	sleepCalls    int
	ctxDoneWaits  int
	blockingHTTP  int
	logCalls      int
	errNilChecks  int
	parseFamilies map[string]int
	isMainPackage bool
	hasMainFunc   bool
}

// Analyze parses a source file into a structural tree and produces an
// AnalysisResult. Unreadable or unparsable files yield an *AnalysisError;
// the caller is expected to log, skip, and continue with other files.
func (a *Analyzer) Analyze(path string) (*AnalysisResult, error) {
	timer := logging.StartTimer(logging.CategoryAnalysis, "Analyze "+path)
	defer timer.Stop()

	src, err := os.ReadFile(path)
	if err != nil {
		return nil, &AnalysisError{Path: path, Err: err}
	}

	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, path, src, parser.ParseComments)
	if err != nil {
		return nil, &AnalysisError{Path: path, Err: err}
	}

	stats := collectStats(file)
	score := stats.funcs*weightFunc +
		stats.conditionals*weightConditional +
		stats.loops*weightLoop +
		stats.recovers*weightRecover

	result := &AnalysisResult{
		FilePath:        path,
		ComplexityScore: score,
		RiskAssessment:  a.assessRisk(path, stats, score),
		AnalyzedAt:      time.Now(),
		ContentHash:     ContentHash(src),
		CurrentMetrics: map[string]float64{
			"line_count":        float64(strings.Count(string(src), "\n") + 1),
			"function_count":    float64(stats.funcs),
			"loop_count":        float64(stats.loops),
			"conditional_count": float64(stats.conditionals),
			"complexity":        float64(score),
		},
	}

	result.PerformanceBottlenecks = a.findBottlenecks(stats)
	result.ImprovementOpportunities = a.findOpportunities(path, stats)

	logging.Analysis("Analyzed %s: complexity=%d risk=%s bottlenecks=%d opportunities=%d",
		path, score, result.RiskAssessment, len(result.PerformanceBottlenecks),
		len(result.ImprovementOpportunities))
	return result, nil
}

// AnalyzeSource analyzes in-memory source text. Used by tests and by the
// sandbox when re-scoring modified content.
func (a *Analyzer) AnalyzeSource(name string, src []byte) (*AnalysisResult, error) {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, name, src, parser.ParseComments)
	if err != nil {
		return nil, &AnalysisError{Path: name, Err: err}
	}

	stats := collectStats(file)
	score := stats.funcs*weightFunc +
		stats.conditionals*weightConditional +
		stats.loops*weightLoop +
		stats.recovers*weightRecover

	result := &AnalysisResult{
		FilePath:        name,
		ComplexityScore: score,
		RiskAssessment:  a.assessRisk(name, stats, score),
		AnalyzedAt:      time.Now(),
		ContentHash:     ContentHash(src),
		CurrentMetrics: map[string]float64{
			"line_count":        float64(strings.Count(string(src), "\n") + 1),
			"function_count":    float64(stats.funcs),
			"loop_count":        float64(stats.loops),
			"conditional_count": float64(stats.conditionals),
			"complexity":        float64(score),
		},
	}
	result.PerformanceBottlenecks = a.findBottlenecks(stats)
	result.ImprovementOpportunities = a.findOpportunities(name, stats)
	return result, nil
}

// collectStats walks the AST gathering structural counts.
func collectStats(file *ast.File) *fileStats {
	stats := &fileStats{parseFamilies: make(map[string]int)}
	stats.isMainPackage = file.Name != nil && file.Name.Name == "main"

	ast.Inspect(file, func(n ast.Node) bool {
		switch node := n.(type) {
		case *ast.FuncDecl:
			stats.funcs++
			if node.Name.Name == "main" {
				stats.hasMainFunc = true
			}
		case *ast.FuncLit:
			stats.funcs++
		case *ast.IfStmt:
			stats.conditionals++
		case *ast.SwitchStmt, *ast.TypeSwitchStmt, *ast.SelectStmt:
			stats.conditionals++
		case *ast.ForStmt, *ast.RangeStmt:
			stats.loops++
		case *ast.DeferStmt:
			if deferRecovers(node) {
				stats.recovers++
			}
		case *ast.CallExpr:
			classifyCall(node, stats)
		}
		return true
	})
	return stats
}

// deferRecovers reports whether a defer statement wraps a recover call,
// Go's equivalent of an exception-handling block.
func deferRecovers(d *ast.DeferStmt) bool {
	lit, ok := d.Call.Fun.(*ast.FuncLit)
	if !ok {
		return false
	}
	found := false
	ast.Inspect(lit.Body, func(n ast.Node) bool {
		if call, ok := n.(*ast.CallExpr); ok {
			if ident, ok := call.Fun.(*ast.Ident); ok && ident.Name == "recover" {
				found = true
				return false
			}
		}
		return true
	})
	return found
}

func classifyCall(call *ast.CallExpr, stats *fileStats) {
	sel, ok := call.Fun.(*ast.SelectorExpr)
	if !ok {
		return
	}
	pkg, ok := sel.X.(*ast.Ident)
	if !ok {
		return
	}

	switch pkg.Name {
	case "time":
		switch sel.Sel.Name {
		case "Sleep":
			stats.sleepCalls++
		case "Parse", "ParseDuration":
			stats.parseFamilies["time"]++
		}
	case "http":
		switch sel.Sel.Name {
		// Package-level helpers carry no request context.
		case "Get", "Post", "Head", "PostForm":
			stats.blockingHTTP++
		}
	case "json":
		if sel.Sel.Name == "Unmarshal" || sel.Sel.Name == "Marshal" {
			stats.parseFamilies["json"]++
		}
	case "strconv":
		switch sel.Sel.Name {
		case "Atoi", "ParseInt", "ParseFloat", "ParseBool":
			stats.parseFamilies["strconv"]++
		}
	case "regexp":
		if sel.Sel.Name == "MustCompile" || sel.Sel.Name == "Compile" {
			stats.parseFamilies["regexp"]++
		}
	case "log", "fmt":
		if strings.HasPrefix(sel.Sel.Name, "Print") ||
			sel.Sel.Name == "Println" || sel.Sel.Name == "Printf" {
			stats.logCalls++
		}
	case "ctx":
		if sel.Sel.Name == "Done" {
			stats.ctxDoneWaits++
		}
	}

	// `err != nil` checks are counted separately in the walk; selector calls
	// on logging helpers (logging.X, logger.X) also count as log calls.
	if pkg.Name == "logging" || pkg.Name == "logger" {
		stats.logCalls++
	}
}

// findBottlenecks applies the independent bottleneck heuristics; every
// matching heuristic appends one human-readable entry.
func (a *Analyzer) findBottlenecks(stats *fileStats) []string {
	var bottlenecks []string

	if stats.sleepCalls > 0 && stats.ctxDoneWaits == 0 {
		bottlenecks = append(bottlenecks,
			fmt.Sprintf("blocking time.Sleep call(s) (%d) with no context-aware wait", stats.sleepCalls))
	}
	if stats.blockingHTTP > 0 {
		bottlenecks = append(bottlenecks,
			fmt.Sprintf("unguarded blocking HTTP call(s) (%d) without request context", stats.blockingHTTP))
	}
	if stats.loops > a.maxLoops {
		bottlenecks = append(bottlenecks,
			fmt.Sprintf("heavy iteration: %d loop constructs (threshold %d)", stats.loops, a.maxLoops))
	}
	for family, count := range stats.parseFamilies {
		if count > a.maxRepeatedParses {
			bottlenecks = append(bottlenecks,
				fmt.Sprintf("redundant %s parsing: %d calls of the same format", family, count))
		}
	}
	return bottlenecks
}

// findOpportunities produces the ordered opportunity list. The first entry is
// the most promising unless historical data overrides it downstream.
func (a *Analyzer) findOpportunities(path string, stats *fileStats) []string {
	var opportunities []string

	// File-identity rule: selection registries get the scored-algorithm
	// opportunity first.
	base := strings.ToLower(filepath.Base(path))
	if strings.Contains(base, "registry") || strings.Contains(base, "selector") ||
		strings.Contains(base, "selection") {
		opportunities = append(opportunities,
			"replace naive selection with scored selection algorithm")
	}

	if stats.sleepCalls > 0 && stats.ctxDoneWaits == 0 {
		opportunities = append(opportunities,
			"replace blocking sleep with context-cancellable wait")
	}
	if stats.loops > a.maxLoops {
		opportunities = append(opportunities,
			"optimize loop-heavy code paths (preallocate, hoist invariants)")
	}
	if stats.logCalls > a.maxLogCalls {
		opportunities = append(opportunities,
			fmt.Sprintf("reduce excessive logging (%d call sites)", stats.logCalls))
	}
	for family, count := range stats.parseFamilies {
		if count > a.maxRepeatedParses {
			opportunities = append(opportunities,
				fmt.Sprintf("cache repeated %s parse results", family))
		}
	}
	return opportunities
}

// assessRisk classifies modification risk. Entry-point files are always high
// risk regardless of score.
func (a *Analyzer) assessRisk(path string, stats *fileStats, score int) RiskLevel {
	if isEntryPoint(path, stats) {
		return RiskHigh
	}
	switch {
	case score > riskHighThreshold:
		return RiskHigh
	case score > riskMediumThreshold:
		return RiskMedium
	default:
		return RiskLow
	}
}

// isEntryPoint reports whether the file is a process entry point: package
// main with a main function, or anything under a cmd/ segment.
func isEntryPoint(path string, stats *fileStats) bool {
	if stats.isMainPackage && stats.hasMainFunc {
		return true
	}
	clean := filepath.ToSlash(path)
	return strings.Contains(clean, "/cmd/") || strings.HasPrefix(clean, "cmd/")
}

// ContentHash returns a stable hex sha256 digest of source text. Used for
// audit records instead of a process-local object hash, so fingerprints
// survive restarts.
func ContentHash(src []byte) string {
	sum := sha256.Sum256(src)
	return hex.EncodeToString(sum[:])
}
