package main

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"codevolve/internal/analyzer"
	"codevolve/internal/config"
	"codevolve/internal/deploy"
	"codevolve/internal/evolution"
	"codevolve/internal/generator"
	"codevolve/internal/logging"
	"codevolve/internal/profiler"
	"codevolve/internal/sandbox"
	"codevolve/internal/store"
)

var (
	// Global flags
	verbose   bool
	workspace string
	timeout   time.Duration

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "codevolve",
	Short: "codevolve - self-modifying code evolution pipeline",
	Long: `codevolve analyzes a Go codebase for improvement opportunities, generates
candidate modifications, validates them in an isolated sandbox, and deploys
survivors behind backups and an approval gate.

By default it runs in simulation mode: production files are never written.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		if err := logging.Initialize(workspace); err != nil {
			logger.Warn("Category logging unavailable", zap.Error(err))
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
		logging.CloseAll()
	},
}

// evolveCmd runs one evolution cycle against the given paths.
var evolveCmd = &cobra.Command{
	Use:   "evolve [paths...]",
	Short: "Run one evolution cycle",
	Long: `Runs one full cycle: analyze the target files, generate up to the
configured number of candidates, sandbox-test each, and deploy survivors.
Directories are walked recursively for Go source files.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runEvolve,
}

// analyzeCmd analyzes files without generating or deploying anything.
var analyzeCmd = &cobra.Command{
	Use:   "analyze [paths...]",
	Short: "Analyze files and report opportunities without modifying anything",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runAnalyze,
}

// approveCmd approves a pending candidate.
var approveCmd = &cobra.Command{
	Use:   "approve [candidate-id]",
	Short: "Approve a pending deployment candidate",
	Long: `Drops the approval marker for a candidate so the next evolve run can
deploy it. With no argument, lists candidates awaiting approval.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runApprove,
}

// historyCmd shows knowledge-store records.
var historyCmd = &cobra.Command{
	Use:   "history [query]",
	Short: "Show past analysis and deployment records",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runHistory,
}

// rollbackCmd restores a file from its newest backup.
var rollbackCmd = &cobra.Command{
	Use:   "rollback [file]",
	Short: "Restore a file from its most recent backup",
	Args:  cobra.ExactArgs(1),
	RunE:  runRollback,
}

var historyLimit int

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Minute, "overall cycle timeout")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "maximum records to show")

	rootCmd.AddCommand(evolveCmd, analyzeCmd, approveCmd, historyCmd, rollbackCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func runEvolve(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	targets, err := collectTargets(args)
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		return fmt.Errorf("no Go source files found under %v", args)
	}
	logger.Info("Starting evolution cycle",
		zap.Int("targets", len(targets)),
		zap.Bool("real_modifications", cfg.Pipeline.RealModifications))

	engine, knowledge, err := buildEngine(ctx, cfg)
	if err != nil {
		return err
	}
	if knowledge != nil {
		defer knowledge.Close()
	}

	cctx, ccancel := context.WithTimeout(ctx, timeout)
	defer ccancel()

	report, err := engine.RunCycle(cctx, targets)
	if err != nil {
		return fmt.Errorf("cycle aborted: %w", err)
	}

	printReport(report)
	return nil
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	targets, err := collectTargets(args)
	if err != nil {
		return err
	}

	an := analyzer.New()
	for _, target := range targets {
		result, err := an.Analyze(target)
		if err != nil {
			logger.Warn("Analysis skipped", zap.String("file", target), zap.Error(err))
			continue
		}
		fmt.Printf("%s\n", result.FilePath)
		fmt.Printf("  complexity: %d  risk: %s\n", result.ComplexityScore, result.RiskAssessment)
		for _, b := range result.PerformanceBottlenecks {
			fmt.Printf("  bottleneck: %s\n", b)
		}
		for _, o := range result.ImprovementOpportunities {
			fmt.Printf("  opportunity: %s\n", o)
		}
	}
	return nil
}

func runApprove(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	gate, err := deploy.NewApprovalGate(cfg.Pipeline.ApprovalDir)
	if err != nil {
		return err
	}

	if len(args) == 0 {
		pending, err := gate.Pending()
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			fmt.Println("No candidates awaiting approval.")
			return nil
		}
		for _, id := range pending {
			req, err := gate.ReadRequest(id)
			if err != nil {
				fmt.Printf("%s  (unreadable request: %v)\n", id, err)
				continue
			}
			fmt.Printf("%s  %s  risk=%s  expected=%.1f%%\n",
				id, req.TargetFile, req.RiskLevel, req.ExpectedImprovement*100)
			fmt.Printf("    %s\n", req.Opportunity)
		}
		return nil
	}

	if err := gate.Approve(args[0]); err != nil {
		return err
	}
	fmt.Printf("Candidate %s approved. Re-run evolve to deploy it.\n", args[0])
	return nil
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	knowledge, err := store.New(cfg.Store.DatabasePath)
	if err != nil {
		return err
	}
	defer knowledge.Close()

	query := ""
	if len(args) > 0 {
		query = args[0]
	}
	records, err := knowledge.Search(query, historyLimit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println("No records found.")
		return nil
	}
	for _, record := range records {
		fmt.Println("-", record)
	}
	return nil
}

func runRollback(cmd *cobra.Command, args []string) error {
	target := args[0]
	backups, err := deploy.ListBackups(target)
	if err != nil {
		return err
	}
	if len(backups) == 0 {
		return fmt.Errorf("no backups found for %s", target)
	}
	if err := deploy.RestoreBackup(backups[0], target); err != nil {
		return err
	}
	fmt.Printf("Restored %s from %s\n", target, backups[0])
	return nil
}

// buildEngine assembles the pipeline from configuration. The knowledge store
// is returned separately so the caller can close it.
func buildEngine(ctx context.Context, cfg *config.Config) (*evolution.Engine, *store.KnowledgeStore, error) {
	prof := profiler.New(cfg.Profiler.WarmupRuns, cfg.Profiler.MeasurementRuns, cfg.TestTimeout())

	var genClient generator.CodeGenClient
	if cfg.LLM.APIKey != "" {
		client, err := generator.NewGenAIClient(ctx, cfg.LLM.APIKey, cfg.LLM.Model)
		if err != nil {
			return nil, nil, err
		}
		genClient = client
	} else {
		logger.Warn("No API key configured; candidates will come from template fallbacks only")
	}
	gen := generator.New(genClient, prof, cfg.LLM.MaxRetries, cfg.LLM.Temperature, cfg.TestTimeout())

	harness := sandbox.New(cfg.Pipeline.SandboxDir, prof, cfg.TestTimeout())

	gate, err := deploy.NewApprovalGate(cfg.Pipeline.ApprovalDir)
	if err != nil {
		return nil, nil, err
	}
	controller, err := deploy.NewController(deploy.Options{
		RealModifications: cfg.Pipeline.RealModifications,
		RequireApproval:   cfg.Pipeline.RequireApproval,
		RetentionDays:     cfg.Pipeline.BackupRetentionDays,
		Gate:              gate,
		Profiler:          prof,
		CaseTimeout:       cfg.TestTimeout(),
		ApprovalWait:      cfg.ApprovalWaitDuration(),
	})
	if err != nil {
		return nil, nil, err
	}

	knowledge, err := store.New(cfg.Store.DatabasePath)
	if err != nil {
		logger.Warn("Knowledge store unavailable; continuing without learning", zap.Error(err))
		knowledge = nil
	}

	var k evolution.Knowledge
	if knowledge != nil {
		k = knowledge
	}
	engine := evolution.New(analyzer.New(), gen, harness, controller, k,
		cfg.Pipeline.MaxModificationsPerCycle)
	return engine, knowledge, nil
}

// collectTargets expands the argument paths into Go source files, walking
// directories recursively. Tests, vendored code, and backups are excluded.
func collectTargets(paths []string) ([]string, error) {
	var targets []string
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("cannot stat %s: %w", path, err)
		}
		if !info.IsDir() {
			if isTargetFile(path) {
				targets = append(targets, path)
			}
			continue
		}
		err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				name := d.Name()
				if name == "vendor" || name == ".git" || strings.HasPrefix(name, "_") {
					return filepath.SkipDir
				}
				return nil
			}
			if isTargetFile(p) {
				targets = append(targets, p)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return targets, nil
}

func isTargetFile(path string) bool {
	base := filepath.Base(path)
	return strings.HasSuffix(base, ".go") &&
		!strings.HasSuffix(base, "_test.go") &&
		!strings.Contains(base, ".backup_")
}

func printReport(report *evolution.CycleReport) {
	fmt.Printf("Cycle %s: analyzed %d file(s), skipped %d, %d candidate(s)\n",
		report.CycleID, report.FilesAnalyzed, report.FilesSkipped, len(report.Candidates))
	for _, c := range report.Candidates {
		fmt.Printf("  %s  %s\n", c.TargetFile, c.Status)
		fmt.Printf("    opportunity: %s\n", c.Opportunity)
		if !c.Substantive {
			fmt.Printf("    note: annotation-only change, no behavioral impact\n")
		}
		if c.ActualImprovement != 0 {
			fmt.Printf("    improvement: %.1f%%\n", c.ActualImprovement*100)
		}
		for _, e := range c.Errors {
			fmt.Printf("    error: %s\n", e)
		}
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
