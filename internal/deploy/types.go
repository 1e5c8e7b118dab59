package deploy

import (
	"fmt"
	"time"
)

// Status is the terminal state of one deployment attempt.
type Status string

const (
	StatusSimulated       Status = "simulated"
	StatusDeployed        Status = "deployed"
	StatusPendingApproval Status = "pending_approval"
	StatusFailed          Status = "failed"
	StatusRejected        Status = "rejected"
)

// DeploymentRecord is the audit record of one deployment attempt. Exactly one
// is produced per Deploy call, whatever the outcome.
type DeploymentRecord struct {
	ModificationID    string
	TargetFile        string
	BackupPath        string
	Status            Status
	DeployedAt        time.Time
	ActualImprovement float64
	ContentHashBefore string
	ContentHashAfter  string
	Error             string
	Substantive       bool
}

// DeploymentError is an I/O or late syntax failure during the production
// write. It triggers a backup restore before the record is returned.
type DeploymentError struct {
	CandidateID string
	Target      string
	Err         error
}

func (e *DeploymentError) Error() string {
	return fmt.Sprintf("deployment of %s to %s failed: %v", e.CandidateID, e.Target, e.Err)
}

func (e *DeploymentError) Unwrap() error { return e.Err }
