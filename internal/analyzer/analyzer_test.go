package analyzer

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

const complexitySample = `package sample

func Process(items []int) int {
	total := 0
	for _, item := range items {
		if item > 0 {
			total += item
		}
	}
	if total > 100 {
		total = 100
	}
	return total
}
`

func TestComplexityScore(t *testing.T) {
	a := New()

	// One function, two ifs, one loop: 1 + 2 + 2 = 5.
	result, err := a.AnalyzeSource("sample.go", []byte(complexitySample))
	if err != nil {
		t.Fatalf("AnalyzeSource failed: %v", err)
	}
	if result.ComplexityScore != 5 {
		t.Errorf("complexity = %d, want 5", result.ComplexityScore)
	}
	if result.RiskAssessment != RiskLow {
		t.Errorf("risk = %s, want low", result.RiskAssessment)
	}

	wantMetrics := map[string]float64{
		"line_count":        15,
		"function_count":    1,
		"loop_count":        1,
		"conditional_count": 2,
		"complexity":        5,
	}
	if diff := cmp.Diff(wantMetrics, result.CurrentMetrics); diff != "" {
		t.Errorf("current metrics mismatch (-want +got):\n%s", diff)
	}
}

func TestComplexityCountsRecoverBlocks(t *testing.T) {
	src := `package sample

func Guarded() {
	defer func() {
		if r := recover(); r != nil {
			_ = r
		}
	}()
}
`
	a := New()
	result, err := a.AnalyzeSource("guarded.go", []byte(src))
	if err != nil {
		t.Fatalf("AnalyzeSource failed: %v", err)
	}
	// Two funcs (decl + literal), one if, one recover block: 2 + 1 + 1 = 4.
	if result.ComplexityScore != 4 {
		t.Errorf("complexity = %d, want 4", result.ComplexityScore)
	}
}

func TestRiskAssessment(t *testing.T) {
	a := New()

	t.Run("entry point is always high risk", func(t *testing.T) {
		src := `package main

func main() {}
`
		result, err := a.AnalyzeSource("main.go", []byte(src))
		if err != nil {
			t.Fatalf("AnalyzeSource failed: %v", err)
		}
		if result.RiskAssessment != RiskHigh {
			t.Errorf("risk = %s, want high for entry point", result.RiskAssessment)
		}
	})

	t.Run("cmd path is always high risk", func(t *testing.T) {
		result, err := a.AnalyzeSource("cmd/tool/helpers.go", []byte("package main\n"))
		if err != nil {
			t.Fatalf("AnalyzeSource failed: %v", err)
		}
		if result.RiskAssessment != RiskHigh {
			t.Errorf("risk = %s, want high for cmd/ file", result.RiskAssessment)
		}
	})

	t.Run("score thresholds", func(t *testing.T) {
		var sb strings.Builder
		sb.WriteString("package sample\n\nfunc Busy() {\n")
		for i := 0; i < 6; i++ {
			sb.WriteString("\tfor j := 0; j < 10; j++ {\n\t\t_ = j\n\t}\n")
		}
		sb.WriteString("}\n")

		// One func + six loops: 1 + 12 = 13, medium band.
		result, err := a.AnalyzeSource("busy.go", []byte(sb.String()))
		if err != nil {
			t.Fatalf("AnalyzeSource failed: %v", err)
		}
		if result.RiskAssessment != RiskMedium {
			t.Errorf("risk = %s, want medium at score %d", result.RiskAssessment, result.ComplexityScore)
		}
	})
}

func TestSleepBottleneckAndOpportunity(t *testing.T) {
	src := `package sample

import "time"

func Wait() {
	time.Sleep(5 * time.Second)
}
`
	a := New()
	result, err := a.AnalyzeSource("wait.go", []byte(src))
	if err != nil {
		t.Fatalf("AnalyzeSource failed: %v", err)
	}

	if len(result.PerformanceBottlenecks) == 0 {
		t.Fatal("expected a blocking-sleep bottleneck")
	}
	if !strings.Contains(result.PerformanceBottlenecks[0], "time.Sleep") {
		t.Errorf("bottleneck = %q, want mention of time.Sleep", result.PerformanceBottlenecks[0])
	}
	if top := result.TopOpportunity(); !strings.Contains(top, "sleep") {
		t.Errorf("top opportunity = %q, want sleep rewrite", top)
	}
}

func TestSelectorFileGetsScoredSelectionFirst(t *testing.T) {
	src := `package sample

import "time"

func Pick() {
	time.Sleep(time.Second)
}
`
	a := New()
	result, err := a.AnalyzeSource("shard_selector.go", []byte(src))
	if err != nil {
		t.Fatalf("AnalyzeSource failed: %v", err)
	}

	if top := result.TopOpportunity(); !strings.Contains(top, "scored selection") {
		t.Errorf("top opportunity = %q, want scored selection first for selector file", top)
	}
	if len(result.ImprovementOpportunities) < 2 {
		t.Fatalf("expected sleep opportunity to follow, got %v", result.ImprovementOpportunities)
	}
}

func TestAnalyzeErrors(t *testing.T) {
	a := New()

	t.Run("missing file", func(t *testing.T) {
		_, err := a.Analyze(filepath.Join(t.TempDir(), "missing.go"))
		if err == nil {
			t.Fatal("expected error for missing file")
		}
		var aerr *AnalysisError
		if !errors.As(err, &aerr) {
			t.Errorf("error type = %T, want *AnalysisError", err)
		}
	})

	t.Run("unparsable source", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "broken.go")
		if err := os.WriteFile(path, []byte("package sample\nfunc {"), 0644); err != nil {
			t.Fatal(err)
		}
		_, err := a.Analyze(path)
		if err == nil {
			t.Fatal("expected error for unparsable source")
		}
	})
}

func TestContentHashStable(t *testing.T) {
	a := ContentHash([]byte("package sample\n"))
	b := ContentHash([]byte("package sample\n"))
	if a != b {
		t.Error("same content must hash identically")
	}
	if a == ContentHash([]byte("package other\n")) {
		t.Error("different content must hash differently")
	}
	if len(a) != 64 {
		t.Errorf("hash length = %d, want 64 hex chars", len(a))
	}
}
