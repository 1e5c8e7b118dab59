package profiler

import (
	"context"
	"math"
	"strings"
	"testing"
	"time"
)

func TestScoreWeights(t *testing.T) {
	orig := &Metrics{AvgTimeSeconds: 1.0, PeakMemoryBytes: 1000, SuccessRate: 1.0}
	mod := &Metrics{AvgTimeSeconds: 0.5, PeakMemoryBytes: 500, SuccessRate: 1.0}

	c := Score(orig, mod)
	// 50% time and memory improvement, no correctness delta:
	// 0.6*0.5 + 0.3*0.5 + 0.1*0 = 0.45.
	if math.Abs(c.OverallScore-0.45) > 1e-9 {
		t.Errorf("overall = %f, want 0.45", c.OverallScore)
	}
	if !c.IsImprovement {
		t.Error("45%% overall score must count as improvement")
	}
	if !c.MaintainsCorrectness {
		t.Error("equal success rate must maintain correctness")
	}
}

func TestScoreImprovementThreshold(t *testing.T) {
	orig := &Metrics{AvgTimeSeconds: 1.0, PeakMemoryBytes: 1000, SuccessRate: 1.0}
	barely := &Metrics{AvgTimeSeconds: 0.97, PeakMemoryBytes: 990, SuccessRate: 1.0}

	c := Score(orig, barely)
	// 0.6*0.03 + 0.3*0.01 = 0.021, under the 5% bar.
	if c.IsImprovement {
		t.Errorf("score %f must not clear the improvement threshold", c.OverallScore)
	}
}

func TestScoreCorrectnessGate(t *testing.T) {
	orig := &Metrics{AvgTimeSeconds: 1.0, PeakMemoryBytes: 1000, SuccessRate: 1.0}
	fastButWrong := &Metrics{AvgTimeSeconds: 0.1, PeakMemoryBytes: 100, SuccessRate: 0.5}

	c := Score(orig, fastButWrong)
	if c.MaintainsCorrectness {
		t.Error("lower success rate must not maintain correctness")
	}
	if c.IsImprovement {
		t.Error("a correctness regression can never be an improvement")
	}
}

func TestFractionalImprovementSentinels(t *testing.T) {
	inf := math.Inf(1)
	tests := []struct {
		name     string
		original float64
		modified float64
		want     float64
	}{
		{"both failed", inf, inf, 0},
		{"original failed", inf, 1.0, 1},
		{"modified failed", 1.0, inf, -1},
		{"zero original", 0, 1.0, 0},
		{"halved", 2.0, 1.0, 0.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := fractionalImprovement(tt.original, tt.modified); got != tt.want {
				t.Errorf("fractionalImprovement(%v, %v) = %v, want %v", tt.original, tt.modified, got, tt.want)
			}
		})
	}
}

func TestMeasureNeverErrors(t *testing.T) {
	p := New(0, 1, 2*time.Second)
	ctx := context.Background()

	t.Run("valid code", func(t *testing.T) {
		code := "package main\n\nfunc Add(a, b int) int { return a + b }\n"
		m := p.Measure(ctx, code, GenerateTestCases(code, 2*time.Second))
		if m == nil {
			t.Fatal("Measure returned nil")
		}
		if m.IsSentinel() {
			t.Errorf("valid code yielded sentinel metrics: failures=%v", m.Failures)
		}
		if m.SuccessRate != 1.0 {
			t.Errorf("success rate = %f, want 1.0 (failures: %v)", m.SuccessRate, m.Failures)
		}
	})

	t.Run("broken code yields sentinel", func(t *testing.T) {
		m := p.Measure(ctx, "package main\n\nfunc Broken() { undefinedCall() }\n",
			[]TestCase{{Name: "call", Code: "Broken()", Timeout: time.Second}})
		if m == nil {
			t.Fatal("Measure returned nil")
		}
		if !m.IsSentinel() {
			t.Errorf("broken code must yield sentinel metrics, got avg=%v success=%v",
				m.AvgTimeSeconds, m.SuccessRate)
		}
	})
}

func TestGenerateTestCases(t *testing.T) {
	t.Run("exported functions get calls", func(t *testing.T) {
		code := `package main

func Double(n int) int { return n * 2 }

func Join(items []string) string { return "" }

func internal() {}
`
		cases := GenerateTestCases(code, time.Second)
		names := make(map[string]bool)
		for _, tc := range cases {
			names[tc.Name] = true
		}
		if !names["call_Double"] || !names["call_Join"] {
			t.Errorf("missing synthetic cases, got %v", names)
		}
		if names["call_internal"] {
			t.Error("unexported function must not get a case")
		}
	})

	t.Run("no qualifying functions falls back to generic case", func(t *testing.T) {
		cases := GenerateTestCases("package main\n\nfunc main() {}\n", time.Second)
		if len(cases) != 1 || cases[0].Name != "execute_module" {
			t.Errorf("want single generic case, got %+v", cases)
		}
	})

	t.Run("unparsable code falls back to generic case", func(t *testing.T) {
		cases := GenerateTestCases("not go at all", time.Second)
		if len(cases) != 1 || cases[0].Name != "execute_module" {
			t.Errorf("want single generic case, got %+v", cases)
		}
	})
}

func TestCompareFavorsFasterVariant(t *testing.T) {
	p := New(0, 2, 5*time.Second)
	ctx := context.Background()

	slow := `package main

func Sum(values []int) int {
	total := 0
	for i := 0; i < 2000; i++ {
		for _, v := range values {
			total += v
		}
	}
	return total / 2000
}
`
	fast := strings.Replace(slow, "i < 2000", "i < 1", 1)
	fast = strings.Replace(fast, "total / 2000", "total", 1)

	cases := GenerateTestCases(slow, 5*time.Second)
	c := p.Compare(ctx, slow, fast, cases)
	if !c.MaintainsCorrectness {
		t.Fatalf("both variants succeed, correctness must hold (orig=%v mod=%v)",
			c.Original.Failures, c.Modified.Failures)
	}
	if c.TimeImprovement <= 0 {
		t.Errorf("time improvement = %f, want positive for the faster variant", c.TimeImprovement)
	}
}
