package deploy

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"codevolve/internal/analyzer"
	"codevolve/internal/generator"
	"codevolve/internal/logging"
)

// ApprovalRequest is the per-candidate artifact written for a human operator.
// An external process reviews it and drops a <id>.approved marker file next
// to it to let deployment proceed.
type ApprovalRequest struct {
	CandidateID         string    `json:"candidate_id"`
	TargetFile          string    `json:"target_file"`
	Opportunity         string    `json:"opportunity"`
	RiskLevel           string    `json:"risk_level"`
	ExpectedImprovement float64   `json:"expected_improvement"`
	GeneratedCode       string    `json:"generated_code"`
	BackupPath          string    `json:"backup_path"`
	RequestedAt         time.Time `json:"requested_at"`
}

// ApprovalGate manages approval-request artifacts in a well-known directory.
type ApprovalGate struct {
	dir string
}

// NewApprovalGate creates a gate rooted at dir, creating it if needed.
func NewApprovalGate(dir string) (*ApprovalGate, error) {
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "codevolve", "approvals")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create approval dir %s: %w", dir, err)
	}
	return &ApprovalGate{dir: dir}, nil
}

func (g *ApprovalGate) requestPath(id string) string {
	return filepath.Join(g.dir, id+".json")
}

func (g *ApprovalGate) markerPath(id string) string {
	return filepath.Join(g.dir, id+".approved")
}

// WriteRequest persists the approval-request artifact for a candidate.
func (g *ApprovalGate) WriteRequest(c *generator.ImprovementCandidate, risk analyzer.RiskLevel, backupPath string) error {
	req := ApprovalRequest{
		CandidateID:         c.ID,
		TargetFile:          c.TargetFile,
		Opportunity:         c.Opportunity,
		RiskLevel:           risk.String(),
		ExpectedImprovement: c.ExpectedImprovement,
		GeneratedCode:       c.GeneratedCode,
		BackupPath:          backupPath,
		RequestedAt:         time.Now(),
	}

	data, err := json.MarshalIndent(req, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode approval request: %w", err)
	}
	if err := os.WriteFile(g.requestPath(c.ID), data, 0644); err != nil {
		return fmt.Errorf("failed to write approval request: %w", err)
	}
	logging.Approval("approval requested for candidate %s (%s)", c.ID, c.TargetFile)
	return nil
}

// IsApproved reports whether the approval marker exists for a candidate.
func (g *ApprovalGate) IsApproved(id string) bool {
	_, err := os.Stat(g.markerPath(id))
	return err == nil
}

// Approve drops the marker file for a candidate. Used by the CLI approve
// command; external review tooling may write the same marker directly.
func (g *ApprovalGate) Approve(id string) error {
	if _, err := os.Stat(g.requestPath(id)); err != nil {
		return fmt.Errorf("no approval request found for %s: %w", id, err)
	}
	if err := os.WriteFile(g.markerPath(id), []byte(time.Now().Format(time.RFC3339)+"\n"), 0644); err != nil {
		return fmt.Errorf("failed to write approval marker: %w", err)
	}
	logging.Approval("candidate %s approved", id)
	return nil
}

// Pending lists candidate ids with a request artifact but no marker.
func (g *ApprovalGate) Pending() ([]string, error) {
	entries, err := os.ReadDir(g.dir)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		id := strings.TrimSuffix(name, ".json")
		if !g.IsApproved(id) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// ReadRequest loads a candidate's approval-request artifact.
func (g *ApprovalGate) ReadRequest(id string) (*ApprovalRequest, error) {
	data, err := os.ReadFile(g.requestPath(id))
	if err != nil {
		return nil, err
	}
	var req ApprovalRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("corrupt approval request for %s: %w", id, err)
	}
	return &req, nil
}

// WaitForApproval blocks until the marker appears for the candidate or the
// timeout elapses. The directory is watched rather than polled.
func (g *ApprovalGate) WaitForApproval(id string, timeout time.Duration) (bool, error) {
	if g.IsApproved(id) {
		return true, nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return false, fmt.Errorf("failed to create approval watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(g.dir); err != nil {
		return false, fmt.Errorf("failed to watch approval dir: %w", err)
	}

	// Re-check after the watch is registered so a marker written in between
	// is not missed.
	if g.IsApproved(id) {
		return true, nil
	}

	marker := g.markerPath(id)
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return false, fmt.Errorf("approval watcher closed")
			}
			if event.Name == marker && event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				logging.Approval("approval marker observed for %s", id)
				return true, nil
			}
		case werr, ok := <-watcher.Errors:
			if !ok {
				return false, fmt.Errorf("approval watcher closed")
			}
			logging.ApprovalDebug("approval watcher error: %v", werr)
		case <-deadline.C:
			return false, nil
		}
	}
}
