package evolution

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"codevolve/internal/analyzer"
	"codevolve/internal/deploy"
	"codevolve/internal/generator"
	"codevolve/internal/sandbox"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

// fakeKnowledge captures records in memory.
type fakeKnowledge struct {
	mu      sync.Mutex
	records []string
}

func (f *fakeKnowledge) Add(records []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, records...)
	return nil
}

func (f *fakeKnowledge) Search(query string, limit int) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]string(nil), f.records...)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeKnowledge) contains(substr string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.records {
		if strings.Contains(r, substr) {
			return true
		}
	}
	return false
}

const sleepyWorker = `package worker

import "time"

func Poll() {
	time.Sleep(time.Second)
}
`

const quietHelper = `package worker

func Add(a, b int) int {
	return a + b
}
`

func newTestEngine(t *testing.T, dir string, knowledge Knowledge, maxPerCycle int) *Engine {
	t.Helper()

	// Template-only generation, no impact estimation: the cycle machinery is
	// under test, not the collaborators.
	gen := generator.New(nil, nil, 1, 0.2, time.Second)
	harness := sandbox.New(filepath.Join(dir, "sandbox"), nil, time.Second)
	controller, err := deploy.NewController(deploy.Options{RealModifications: false})
	if err != nil {
		t.Fatal(err)
	}
	return New(analyzer.New(), gen, harness, controller, knowledge, maxPerCycle)
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRunCycleSimulation(t *testing.T) {
	dir := t.TempDir()
	worker := writeFile(t, dir, "worker.go", sleepyWorker)
	helper := writeFile(t, dir, "helper.go", quietHelper)

	knowledge := &fakeKnowledge{}
	engine := newTestEngine(t, dir, knowledge, 3)

	report, err := engine.RunCycle(context.Background(), []string{worker, helper})
	if err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}

	if report.FilesAnalyzed != 2 {
		t.Errorf("analyzed = %d, want 2", report.FilesAnalyzed)
	}
	if report.FilesSkipped != 0 {
		t.Errorf("skipped = %d, want 0", report.FilesSkipped)
	}
	// Only worker.go has an opportunity; helper.go is clean.
	if len(report.Candidates) != 1 {
		t.Fatalf("candidates = %d, want 1 (%+v)", len(report.Candidates), report.Candidates)
	}

	outcome := report.Candidates[0]
	if outcome.TargetFile != worker {
		t.Errorf("target = %s, want %s", outcome.TargetFile, worker)
	}
	if outcome.Status != deploy.StatusSimulated {
		t.Errorf("status = %s, want simulated (errors: %v)", outcome.Status, outcome.Errors)
	}
	if !outcome.SafetyPassed {
		t.Error("template sleep rewrite must pass safety")
	}
	if report.Deployed() != 1 {
		t.Errorf("Deployed() = %d, want 1", report.Deployed())
	}

	// Production untouched in simulation.
	data, _ := os.ReadFile(worker)
	if string(data) != sleepyWorker {
		t.Error("simulation cycle modified a production file")
	}

	// Outcomes reach the knowledge store.
	if !knowledge.contains("analysis of " + worker) {
		t.Error("analysis record missing from knowledge store")
	}
	if !knowledge.contains("simulated candidate") {
		t.Error("deployment record missing from knowledge store")
	}
}

func TestRunCycleSkipsUnparsableFiles(t *testing.T) {
	dir := t.TempDir()
	broken := writeFile(t, dir, "broken.go", "package worker\nfunc {")
	worker := writeFile(t, dir, "worker.go", sleepyWorker)

	knowledge := &fakeKnowledge{}
	engine := newTestEngine(t, dir, knowledge, 3)

	report, err := engine.RunCycle(context.Background(), []string{broken, worker})
	if err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}
	if report.FilesSkipped != 1 {
		t.Errorf("skipped = %d, want 1", report.FilesSkipped)
	}
	if report.FilesAnalyzed != 1 {
		t.Errorf("analyzed = %d, want 1", report.FilesAnalyzed)
	}
	if !knowledge.contains("analysis failed") {
		t.Error("analysis failure must be recorded for learning")
	}
}

func TestRunCycleHonorsCandidateBound(t *testing.T) {
	dir := t.TempDir()
	var targets []string
	for _, name := range []string{"a.go", "b.go", "c.go"} {
		targets = append(targets, writeFile(t, dir, name, sleepyWorker))
	}

	engine := newTestEngine(t, dir, &fakeKnowledge{}, 2)
	report, err := engine.RunCycle(context.Background(), targets)
	if err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}
	if len(report.Candidates) != 2 {
		t.Errorf("candidates = %d, want bound of 2", len(report.Candidates))
	}
}

func TestRunCycleCancelled(t *testing.T) {
	dir := t.TempDir()
	worker := writeFile(t, dir, "worker.go", sleepyWorker)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	engine := newTestEngine(t, dir, &fakeKnowledge{}, 3)
	_, err := engine.RunCycle(ctx, []string{worker})
	if err == nil {
		t.Error("cancelled context must abort the cycle with its error")
	}
}

func TestRunCycleWithoutKnowledgeStore(t *testing.T) {
	dir := t.TempDir()
	worker := writeFile(t, dir, "worker.go", sleepyWorker)

	engine := newTestEngine(t, dir, nil, 3)
	report, err := engine.RunCycle(context.Background(), []string{worker})
	if err != nil {
		t.Fatalf("RunCycle must work without a knowledge store: %v", err)
	}
	if len(report.Candidates) != 1 {
		t.Errorf("candidates = %d, want 1", len(report.Candidates))
	}
}
