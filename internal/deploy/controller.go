// Package deploy gates validated candidates into production files. It is the
// only component permitted to mutate production files, and it treats
// "create backup, then write" as an atomic unit: a backup always exists
// before any byte of production changes.
package deploy

import (
	"context"
	"fmt"
	"go/parser"
	"go/token"
	"os"
	"time"

	"codevolve/internal/analyzer"
	"codevolve/internal/generator"
	"codevolve/internal/logging"
	"codevolve/internal/profiler"
	"codevolve/internal/sandbox"
	"codevolve/internal/transform"
)

// Controller applies candidates to production. All collaborators are
// injected; configuration is an explicit struct, not environment lookups at
// call time.
type Controller struct {
	realModifications bool
	requireApproval   bool
	retentionDays     int
	gate              *ApprovalGate
	profiler          *profiler.Profiler
	caseTimeout       time.Duration
	approvalWait      time.Duration
}

// Options configures a Controller.
type Options struct {
	RealModifications bool
	RequireApproval   bool
	RetentionDays     int
	Gate              *ApprovalGate
	Profiler          *profiler.Profiler
	CaseTimeout       time.Duration

	// ApprovalWait, when positive, makes Deploy block up to this long for the
	// approval marker after writing the request, instead of returning
	// pending_approval immediately.
	ApprovalWait time.Duration
}

// NewController creates a deployment controller. opts.Gate is required when
// approval is; opts.Profiler may be nil to skip actual-impact measurement.
func NewController(opts Options) (*Controller, error) {
	if opts.RequireApproval && opts.Gate == nil {
		return nil, fmt.Errorf("approval required but no approval gate configured")
	}
	if opts.RetentionDays <= 0 {
		opts.RetentionDays = 7
	}
	if opts.CaseTimeout <= 0 {
		opts.CaseTimeout = 10 * time.Second
	}
	return &Controller{
		realModifications: opts.RealModifications,
		requireApproval:   opts.RequireApproval,
		retentionDays:     opts.RetentionDays,
		gate:              opts.Gate,
		profiler:          opts.Profiler,
		caseTimeout:       opts.CaseTimeout,
		approvalWait:      opts.ApprovalWait,
	}, nil
}

// Deploy runs the deployment state machine:
// Ready -> BackupCreated -> {Simulated | ApprovalPending | Applying -> {Deployed | Failed->RolledBack}}.
// Every failure is converted into the record's status; Deploy never panics
// out and never returns an error to crash the cycle loop.
func (c *Controller) Deploy(ctx context.Context, cand *generator.ImprovementCandidate, safety *sandbox.SafetyTestResult) (record *DeploymentRecord) {
	record = &DeploymentRecord{
		ModificationID: cand.ID,
		TargetFile:     cand.TargetFile,
		DeployedAt:     time.Now(),
		Substantive:    safety != nil && safety.Substantive,
	}

	defer func() {
		if r := recover(); r != nil {
			record.Status = StatusFailed
			record.Error = fmt.Sprintf("deployment panic: %v", r)
			c.restore(record)
			logging.DeployError("candidate %s: deployment panic recovered: %v", cand.ID, r)
		}
	}()

	// Gate: a failed or rollback-flagged safety result never reaches the
	// production write.
	if safety == nil || !safety.Passed || safety.RollbackNeeded {
		record.Status = StatusRejected
		record.Error = "safety result failed or requires rollback"
		logging.Deploy("candidate %s rejected by safety gate", cand.ID)
		return record
	}

	// Unconditional backup, even in simulation mode, so the backup-before-
	// write invariant holds for every record.
	backupPath, err := CreateBackup(cand.TargetFile)
	if err != nil {
		record.Status = StatusFailed
		record.Error = err.Error()
		return record
	}
	record.BackupPath = backupPath
	cand.BackupCreated = true

	if !c.realModifications {
		record.Status = StatusSimulated
		if safety.Impact != nil {
			record.ActualImprovement = safety.Impact.Improvement
		}
		logging.Deploy("candidate %s simulated (production untouched)", cand.ID)
		return record
	}

	if c.requireApproval && !c.gate.IsApproved(cand.ID) {
		if err := c.gate.WriteRequest(cand, cand.RiskLevel, backupPath); err != nil {
			record.Status = StatusFailed
			record.Error = err.Error()
			return record
		}
		approved := false
		if c.approvalWait > 0 {
			var err error
			approved, err = c.gate.WaitForApproval(cand.ID, c.approvalWait)
			if err != nil {
				logging.DeployError("approval wait for %s: %v", cand.ID, err)
			}
		}
		if !approved {
			record.Status = StatusPendingApproval
			logging.Deploy("candidate %s pending approval", cand.ID)
			return record
		}
	}

	if err := c.apply(ctx, cand, safety, record); err != nil {
		record.Status = StatusFailed
		record.Error = err.Error()
		c.restore(record)
		return record
	}

	record.Status = StatusDeployed
	if err := CleanupBackups(cand.TargetFile, c.retentionDays); err != nil {
		logging.DeployError("retention cleanup after %s: %v", cand.ID, err)
	}
	logging.Deploy("candidate %s deployed to %s (actual improvement %.1f%%)",
		cand.ID, cand.TargetFile, record.ActualImprovement*100)
	return record
}

// apply performs the production write and measures actual impact. The same
// transformation logic the sandbox used runs against the live file content,
// so identical inputs yield byte-identical output.
func (c *Controller) apply(ctx context.Context, cand *generator.ImprovementCandidate, safety *sandbox.SafetyTestResult, record *DeploymentRecord) error {
	original, err := os.ReadFile(cand.TargetFile)
	if err != nil {
		return &DeploymentError{CandidateID: cand.ID, Target: cand.TargetFile, Err: err}
	}
	record.ContentHashBefore = analyzer.ContentHash(original)

	kind := transform.Classify(cand.Opportunity, cand.GeneratedCode)
	modified, err := transform.Apply(kind, string(original), cand.GeneratedCode, cand.Opportunity, cand.ID)
	if err != nil {
		return &DeploymentError{CandidateID: cand.ID, Target: cand.TargetFile, Err: err}
	}

	// Final safety net before any byte reaches production.
	fset := token.NewFileSet()
	if _, err := parser.ParseFile(fset, cand.TargetFile, modified, parser.ParseComments); err != nil {
		return &DeploymentError{CandidateID: cand.ID, Target: cand.TargetFile,
			Err: fmt.Errorf("final syntax check failed: %w", err)}
	}

	if err := os.WriteFile(cand.TargetFile, []byte(modified), 0644); err != nil {
		return &DeploymentError{CandidateID: cand.ID, Target: cand.TargetFile, Err: err}
	}
	record.ContentHashAfter = analyzer.ContentHash([]byte(modified))

	record.ActualImprovement = c.measureActual(ctx, string(original), modified, safety)
	return nil
}

// measureActual routes the actual-improvement number through the profiler.
// With no profiler, the sandbox's measured impact is reused rather than a
// synthesized estimate.
func (c *Controller) measureActual(ctx context.Context, original, modified string, safety *sandbox.SafetyTestResult) float64 {
	if c.profiler == nil {
		if safety.Impact != nil {
			return safety.Impact.Improvement
		}
		return 0
	}
	cases := profiler.GenerateTestCases(original, c.caseTimeout)
	comp := c.profiler.Compare(ctx, original, modified, cases)
	return comp.OverallScore
}

// restore puts the backup's bytes back in place. Best-effort: a restore
// failure is logged, never raised.
func (c *Controller) restore(record *DeploymentRecord) {
	if record.BackupPath == "" {
		return
	}
	if err := RestoreBackup(record.BackupPath, record.TargetFile); err != nil {
		logging.DeployError("restore of %s failed: %v", record.TargetFile, err)
	}
}
