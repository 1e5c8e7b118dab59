package deploy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"codevolve/internal/generator"
	"codevolve/internal/sandbox"
)

const targetSource = `package worker

import "time"

func Poll() {
	time.Sleep(time.Second)
}
`

func writeTarget(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "worker.go")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func passingSafety() *sandbox.SafetyTestResult {
	return &sandbox.SafetyTestResult{
		Passed:      true,
		Substantive: true,
		Stage:       sandbox.StageSafetyPassed,
	}
}

func candidateFor(target string) *generator.ImprovementCandidate {
	return &generator.ImprovementCandidate{
		ID:            "cand-1",
		TargetFile:    target,
		Opportunity:   "replace blocking sleep with context-cancellable wait",
		GeneratedCode: "unused",
	}
}

func TestCreateBackupNaming(t *testing.T) {
	target := writeTarget(t, t.TempDir(), targetSource)

	backup, err := CreateBackup(target)
	if err != nil {
		t.Fatalf("CreateBackup failed: %v", err)
	}

	pattern := regexp.MustCompile(`worker\.go\.backup_\d{8}_\d{6}$`)
	if !pattern.MatchString(backup) {
		t.Errorf("backup name %q does not match <target>.backup_<YYYYMMDD_HHMMSS>", backup)
	}

	data, err := os.ReadFile(backup)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != targetSource {
		t.Error("backup content differs from target")
	}
}

func TestRestoreBackup(t *testing.T) {
	target := writeTarget(t, t.TempDir(), targetSource)
	backup, err := CreateBackup(target)
	if err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(target, []byte("package worker // clobbered\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := RestoreBackup(backup, target); err != nil {
		t.Fatalf("RestoreBackup failed: %v", err)
	}

	data, _ := os.ReadFile(target)
	if string(data) != targetSource {
		t.Error("restore did not recover original content")
	}
}

// writeAgedBackup fabricates a backup whose timestamp suffix is days old.
func writeAgedBackup(t *testing.T, target string, daysOld int) string {
	t.Helper()
	stamp := time.Now().AddDate(0, 0, -daysOld).Format("20060102_150405")
	path := fmt.Sprintf("%s.backup_%s", target, stamp)
	if err := os.WriteFile(path, []byte("backup"), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestCleanupBackupsRetention(t *testing.T) {
	target := writeTarget(t, t.TempDir(), targetSource)

	// Eight backups aged 1..30 days against a 7-day window: the 5 newest
	// survive unconditionally, the remaining three (10/20/30 days) are all
	// past the window and go.
	ages := []int{1, 2, 3, 4, 5, 10, 20, 30}
	paths := make(map[int]string, len(ages))
	for _, age := range ages {
		paths[age] = writeAgedBackup(t, target, age)
	}

	if err := CleanupBackups(target, 7); err != nil {
		t.Fatalf("CleanupBackups failed: %v", err)
	}

	for _, age := range []int{1, 2, 3, 4, 5} {
		if _, err := os.Stat(paths[age]); err != nil {
			t.Errorf("backup aged %dd must survive: %v", age, err)
		}
	}
	for _, age := range []int{10, 20, 30} {
		if _, err := os.Stat(paths[age]); !os.IsNotExist(err) {
			t.Errorf("backup aged %dd must be deleted", age)
		}
	}
}

func TestCleanupKeepsFiveNewestRegardlessOfAge(t *testing.T) {
	target := writeTarget(t, t.TempDir(), targetSource)

	// All five are ancient, but five is the unconditional floor.
	for _, age := range []int{100, 200, 300, 400, 500} {
		writeAgedBackup(t, target, age)
	}
	if err := CleanupBackups(target, 7); err != nil {
		t.Fatalf("CleanupBackups failed: %v", err)
	}

	remaining, err := ListBackups(target)
	if err != nil {
		t.Fatal(err)
	}
	if len(remaining) != 5 {
		t.Errorf("remaining = %d, want all 5 kept", len(remaining))
	}
}

func TestApprovalGateLifecycle(t *testing.T) {
	gate, err := NewApprovalGate(filepath.Join(t.TempDir(), "approvals"))
	if err != nil {
		t.Fatal(err)
	}
	cand := candidateFor("worker.go")

	if gate.IsApproved(cand.ID) {
		t.Fatal("fresh candidate must not be approved")
	}
	if err := gate.Approve(cand.ID); err == nil {
		t.Fatal("approving without a request must fail")
	}

	if err := gate.WriteRequest(cand, cand.RiskLevel, "worker.go.backup_x"); err != nil {
		t.Fatal(err)
	}
	pending, err := gate.Pending()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0] != cand.ID {
		t.Errorf("pending = %v, want [%s]", pending, cand.ID)
	}

	if err := gate.Approve(cand.ID); err != nil {
		t.Fatalf("Approve failed: %v", err)
	}
	if !gate.IsApproved(cand.ID) {
		t.Error("candidate must be approved after marker write")
	}

	pending, _ = gate.Pending()
	if len(pending) != 0 {
		t.Errorf("pending after approval = %v, want empty", pending)
	}

	req, err := gate.ReadRequest(cand.ID)
	if err != nil {
		t.Fatal(err)
	}
	if req.CandidateID != cand.ID || req.TargetFile != cand.TargetFile {
		t.Errorf("round-tripped request = %+v", req)
	}
}

func TestWaitForApprovalSeesMarker(t *testing.T) {
	gate, err := NewApprovalGate(filepath.Join(t.TempDir(), "approvals"))
	if err != nil {
		t.Fatal(err)
	}
	cand := candidateFor("worker.go")
	if err := gate.WriteRequest(cand, cand.RiskLevel, ""); err != nil {
		t.Fatal(err)
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = gate.Approve(cand.ID)
	}()

	approved, err := gate.WaitForApproval(cand.ID, 5*time.Second)
	if err != nil {
		t.Fatalf("WaitForApproval failed: %v", err)
	}
	if !approved {
		t.Error("marker written during wait must be observed")
	}
}

func TestDeployRejectsFailedSafety(t *testing.T) {
	target := writeTarget(t, t.TempDir(), targetSource)
	c, err := NewController(Options{})
	if err != nil {
		t.Fatal(err)
	}

	failed := &sandbox.SafetyTestResult{Passed: false, RollbackNeeded: true}
	record := c.Deploy(context.Background(), candidateFor(target), failed)

	if record.Status != StatusRejected {
		t.Errorf("status = %s, want rejected", record.Status)
	}
	if record.BackupPath != "" {
		t.Error("rejection must happen before any backup is created")
	}
	data, _ := os.ReadFile(target)
	if string(data) != targetSource {
		t.Error("rejected deployment must not touch the target")
	}
}

func TestDeploySimulationCreatesBackupButNeverWrites(t *testing.T) {
	target := writeTarget(t, t.TempDir(), targetSource)
	c, err := NewController(Options{RealModifications: false})
	if err != nil {
		t.Fatal(err)
	}

	cand := candidateFor(target)
	record := c.Deploy(context.Background(), cand, passingSafety())

	if record.Status != StatusSimulated {
		t.Fatalf("status = %s, want simulated (error: %s)", record.Status, record.Error)
	}
	if record.BackupPath == "" {
		t.Error("backup must be created even in simulation mode")
	}
	if !cand.BackupCreated {
		t.Error("candidate must be marked backup_created once the backup exists")
	}
	if _, err := os.Stat(record.BackupPath); err != nil {
		t.Errorf("backup missing on disk: %v", err)
	}
	data, _ := os.ReadFile(target)
	if string(data) != targetSource {
		t.Error("simulation must never write the production file")
	}
}

func TestDeployApprovalGating(t *testing.T) {
	dir := t.TempDir()
	target := writeTarget(t, dir, targetSource)
	gate, err := NewApprovalGate(filepath.Join(dir, "approvals"))
	if err != nil {
		t.Fatal(err)
	}
	c, err := NewController(Options{
		RealModifications: true,
		RequireApproval:   true,
		Gate:              gate,
	})
	if err != nil {
		t.Fatal(err)
	}
	cand := candidateFor(target)

	record := c.Deploy(context.Background(), cand, passingSafety())
	if record.Status != StatusPendingApproval {
		t.Fatalf("status = %s, want pending_approval (error: %s)", record.Status, record.Error)
	}
	data, _ := os.ReadFile(target)
	if string(data) != targetSource {
		t.Error("pending approval must leave target bytes unchanged")
	}
	if _, err := gate.ReadRequest(cand.ID); err != nil {
		t.Errorf("approval request artifact missing: %v", err)
	}

	// Approval lets a subsequent call proceed past the gate.
	if err := gate.Approve(cand.ID); err != nil {
		t.Fatal(err)
	}
	record = c.Deploy(context.Background(), cand, passingSafety())
	if record.Status != StatusDeployed {
		t.Fatalf("status after approval = %s, want deployed (error: %s)", record.Status, record.Error)
	}

	data, _ = os.ReadFile(target)
	if strings.Contains(string(data), "time.Sleep(") {
		t.Error("deployed file still contains the blocking sleep")
	}
	if record.ContentHashBefore == record.ContentHashAfter {
		t.Error("content hashes must differ after a substantive write")
	}
}

func TestDeployFailedApplyRestoresBackup(t *testing.T) {
	target := writeTarget(t, t.TempDir(), targetSource)
	c, err := NewController(Options{RealModifications: true})
	if err != nil {
		t.Fatal(err)
	}

	// Unparsable generated code makes the production apply fail after the
	// backup exists; the controller must restore and report failed.
	cand := candidateFor(target)
	cand.Opportunity = "optimize loop-heavy code paths"
	cand.GeneratedCode = "func broken( {"

	record := c.Deploy(context.Background(), cand, passingSafety())

	if record.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", record.Status)
	}
	if record.Error == "" {
		t.Error("failed record must carry the error")
	}
	if record.BackupPath == "" {
		t.Fatal("backup must exist before the apply was attempted")
	}
	if _, err := os.Stat(record.BackupPath); err != nil {
		t.Errorf("backup missing on disk: %v", err)
	}
	data, _ := os.ReadFile(target)
	if string(data) != targetSource {
		t.Error("target bytes must be restored after a failed apply")
	}
}

func TestDeployWaitsForApprovalSignal(t *testing.T) {
	dir := t.TempDir()
	target := writeTarget(t, dir, targetSource)
	gate, err := NewApprovalGate(filepath.Join(dir, "approvals"))
	if err != nil {
		t.Fatal(err)
	}
	c, err := NewController(Options{
		RealModifications: true,
		RequireApproval:   true,
		Gate:              gate,
		ApprovalWait:      5 * time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}
	cand := candidateFor(target)

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = gate.Approve(cand.ID)
	}()

	record := c.Deploy(context.Background(), cand, passingSafety())
	if record.Status != StatusDeployed {
		t.Fatalf("status = %s, want deployed after in-window approval (error: %s)",
			record.Status, record.Error)
	}
}

func TestDeployRealModificationWithoutApprovalRequirement(t *testing.T) {
	target := writeTarget(t, t.TempDir(), targetSource)
	c, err := NewController(Options{RealModifications: true})
	if err != nil {
		t.Fatal(err)
	}

	record := c.Deploy(context.Background(), candidateFor(target), passingSafety())
	if record.Status != StatusDeployed {
		t.Fatalf("status = %s, want deployed (error: %s)", record.Status, record.Error)
	}
	if record.BackupPath == "" {
		t.Fatal("deployed record must carry its backup path")
	}

	// The backup preserves the pre-write content.
	backup, err := os.ReadFile(record.BackupPath)
	if err != nil {
		t.Fatal(err)
	}
	if string(backup) != targetSource {
		t.Error("backup must hold the pre-write content")
	}
}
