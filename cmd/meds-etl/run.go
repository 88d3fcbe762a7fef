package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/meds-etl/internal/config"
	"github.com/mattjoyce/meds-etl/internal/events"
	"github.com/mattjoyce/meds-etl/internal/inspect"
	"github.com/mattjoyce/meds-etl/internal/log"
	"github.com/mattjoyce/meds-etl/internal/orchestrator"
	"github.com/mattjoyce/meds-etl/internal/state"
	"github.com/mattjoyce/meds-etl/internal/storage"
	"github.com/mattjoyce/meds-etl/internal/tui"
	"github.com/mattjoyce/meds-etl/internal/workspace"
)

// exitInterrupted is returned when a run is stopped by SIGINT or SIGTERM.
const exitInterrupted = 130

func runPlan(args []string) int {
	var pf pipelineFlags
	fs := flag.NewFlagSet("plan", flag.ContinueOnError)
	pf.register(fs, "warn")
	jsonOut := fs.Bool("json", false, "Output the plan as JSON")
	positional, err := parseInterspersed(fs, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if len(positional) < 1 {
		printPlanHelp()
		return 1
	}
	log.Setup(pf.logLevel)

	cfg, _, err := pf.resolve(positional[0], positional[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Resolve error: %v\n", err)
		return 1
	}

	if *jsonOut {
		return printValue(cfg.Plan(), true)
	}
	fmt.Println(tui.RenderPlan(cfg, tui.NewDefaultTheme()))
	return 0
}

func runRunNoun(args []string) int {
	if len(args) < 1 {
		printRunHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printRunHelp(os.Stdout)
		return 0
	}

	switch args[0] {
	case "list":
		if hasHelpFlag(args[1:]) {
			printRunListHelp()
			return 0
		}
		return runList(args[1:])
	case "inspect":
		if hasHelpFlag(args[1:]) {
			printRunInspectHelp()
			return 0
		}
		return runInspect(args[1:])
	case "prune":
		if hasHelpFlag(args[1:]) {
			printRunPruneHelp()
			return 0
		}
		return runPrune(args[1:])
	default:
		if hasHelpFlag(args) {
			printRunHelp(os.Stdout)
			return 0
		}
		return runPipeline(args)
	}
}

func printRunHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: meds-etl run <pipeline> [--resume] [--tui] [--state-db PATH] [--stages-dir DIR] [overrides...]")
	fmt.Fprintln(w, "       meds-etl run list | inspect <run_id> | prune")
	fmt.Fprintln(w, "Execute the resolved plan stage by stage. A failed stage stops the run;")
	fmt.Fprintln(w, "--resume skips leading stages that already succeeded for the same cohort and config.")
}

func printRunListHelp() {
	fmt.Println("Usage: meds-etl run list (--state-db PATH | --cohort-dir DIR) [--limit N] [--json]")
	fmt.Println("List recorded runs, newest first.")
}

func printRunInspectHelp() {
	fmt.Println("Usage: meds-etl run inspect <run_id> (--state-db PATH | --cohort-dir DIR) [--json]")
	fmt.Println("Show stage outcomes, captured stderr and output artifacts of a run.")
}

func printRunPruneHelp() {
	fmt.Println("Usage: meds-etl run prune --cohort-dir DIR [--older-than DURATION]")
	fmt.Println("Delete run workspaces (kept stage requests and responses) older than the cutoff.")
}

// defaultStateDB is the ledger location for a cohort.
func defaultStateDB(cohortDir string) string {
	return filepath.Join(cohortDir, orchestrator.StateDirName, "state.db")
}

// runsDir holds one audit workspace per run of a cohort.
func runsDir(cohortDir string) string {
	return filepath.Join(cohortDir, orchestrator.StateDirName, "runs")
}

func runPipeline(args []string) int {
	var pf pipelineFlags
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	pf.register(fs, "info")
	resume := fs.Bool("resume", false, "Skip leading stages that already succeeded for this cohort and config")
	useTUI := fs.Bool("tui", false, "Show live progress in a terminal UI")
	stateDB := fs.String("state-db", "", "Run ledger path (default: <cohort_dir>/.meds-etl/state.db)")

	positional, err := parseInterspersed(fs, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if len(positional) < 1 {
		printRunHelp(os.Stderr)
		return 1
	}
	log.Setup(pf.logLevel)
	logger := log.WithComponent("main")

	cfg, env, err := pf.resolve(positional[0], positional[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Resolve error: %v\n", err)
		return 1
	}

	registry, err := pf.discoverStages(env)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Stage discovery error: %v\n", err)
		return 1
	}
	if registry == nil {
		fmt.Fprintf(os.Stderr, "No stage roots configured: pass --stages-dir or set %s\n", stagesDirEnv)
		return 1
	}

	dbPath := *stateDB
	if dbPath == "" {
		dbPath = defaultStateDB(cfg.CohortDir)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := storage.OpenSQLite(ctx, dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open run ledger: %v\n", err)
		return 1
	}
	defer db.Close()
	logger.Info("run ledger opened", "path", dbPath)

	orch := orchestrator.New(registry, state.NewStore(db))
	if mgr, err := workspace.NewFSManager(runsDir(cfg.CohortDir)); err != nil {
		logger.Warn("run workspaces disabled", "error", err)
	} else {
		orch.WithWorkspaces(mgr)
	}
	opts := orchestrator.Options{Resume: *resume}

	var res *orchestrator.Result
	if *useTUI {
		res, err = runWithProgress(ctx, orch, cfg, opts)
	} else {
		res, err = orch.Run(ctx, cfg, opts)
	}

	if res != nil {
		printRunSummary(res)
	}
	if err != nil {
		if errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, "Run interrupted.")
			return exitInterrupted
		}
		fmt.Fprintf(os.Stderr, "Run failed: %v\n", err)
		return 1
	}
	return 0
}

// runWithProgress runs the orchestrator in the background and drives the
// progress view from its events. Quitting the view cancels the run.
func runWithProgress(
	ctx context.Context,
	orch *orchestrator.Orchestrator,
	cfg *config.PipelineConfig,
	opts orchestrator.Options,
) (*orchestrator.Result, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	logPath, restoreLogs := divertLogs(cfg.CohortDir)
	defer func() {
		restoreLogs()
		if logPath != "" {
			fmt.Fprintf(os.Stderr, "Logs written to %s\n", logPath)
		}
	}()

	hub := events.NewHub(256)
	ch, unsubscribe := hub.Subscribe()
	orch.WithEvents(hub)

	type outcome struct {
		res *orchestrator.Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := orch.Run(ctx, cfg, opts)
		// Closing the subscription ends the view even when the run never started.
		unsubscribe()
		done <- outcome{res, err}
	}()

	final, err := tea.NewProgram(tui.NewProgress(cfg.Name, cfg.Stages, ch)).Run()
	if err != nil {
		log.WithComponent("tui").Error("progress view failed", "error", err)
	} else if p, ok := final.(tui.Progress); ok && p.Aborted() {
		cancel()
	}

	out := <-done
	return out.res, out.err
}

// divertLogs moves log records off the terminal while the progress view owns
// it, into <cohort_dir>/.meds-etl/tui.log. When that file cannot be opened the
// records are dropped and the returned path is empty.
func divertLogs(cohortDir string) (string, func()) {
	path := filepath.Join(cohortDir, orchestrator.StateDirName, "tui.log")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err == nil {
		if f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
			restore := log.Divert(f)
			return path, func() {
				restore()
				_ = f.Close()
			}
		}
	}
	return "", log.Divert(io.Discard)
}

func printRunSummary(res *orchestrator.Result) {
	theme := tui.NewDefaultTheme()
	for _, sr := range res.Stages {
		line := fmt.Sprintf("%s [%d] %s %s", theme.Symbol(string(sr.Status)), sr.Index, sr.Name, theme.Status(string(sr.Status)))
		if sr.Duration > 0 {
			line += fmt.Sprintf(" (%s)", sr.Duration.Round(time.Millisecond))
		}
		fmt.Println(line)
	}
	fmt.Printf("Run %s %s\n", res.RunID, res.Status)
}

// ledgerFlags locate the run ledger for list and inspect.
type ledgerFlags struct {
	stateDB   string
	cohortDir string
	logLevel  string
}

func (f *ledgerFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&f.stateDB, "state-db", "", "Run ledger path")
	fs.StringVar(&f.cohortDir, "cohort-dir", "", "Cohort directory (uses <dir>/.meds-etl/state.db)")
	fs.StringVar(&f.logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")
}

func (f *ledgerFlags) open(ctx context.Context) (*sql.DB, error) {
	path := f.stateDB
	switch {
	case path != "" && f.cohortDir != "":
		return nil, fmt.Errorf("use only one of --state-db or --cohort-dir")
	case path == "" && f.cohortDir != "":
		path = defaultStateDB(f.cohortDir)
	case path == "":
		return nil, fmt.Errorf("--state-db or --cohort-dir is required")
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("run ledger not found: %s", path)
	}
	return storage.OpenSQLite(ctx, path)
}

func runList(args []string) int {
	var lf ledgerFlags
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	lf.register(fs)
	limit := fs.Int("limit", 20, "Maximum runs to show (0 for all)")
	jsonOut := fs.Bool("json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	log.Setup(lf.logLevel)

	ctx := context.Background()
	db, err := lf.open(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer db.Close()

	runs, err := state.NewStore(db).ListRuns(ctx, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to list runs: %v\n", err)
		return 1
	}

	if *jsonOut {
		data, err := json.MarshalIndent(runs, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "JSON format error: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}
	fmt.Println(tui.RenderRuns(runs, tui.NewDefaultTheme()))
	return 0
}

func runInspect(args []string) int {
	var lf ledgerFlags
	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)
	lf.register(fs)
	jsonOut := fs.Bool("json", false, "Output report in JSON")

	positional, err := parseInterspersed(fs, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if len(positional) != 1 {
		fmt.Fprintln(os.Stderr, "Usage: meds-etl run inspect <run_id> (--state-db PATH | --cohort-dir DIR) [--json]")
		return 1
	}
	log.Setup(lf.logLevel)

	ctx := context.Background()
	db, err := lf.open(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer db.Close()

	store := state.NewStore(db)
	var report string
	if *jsonOut {
		report, err = inspect.BuildJSONReport(ctx, store, positional[0])
	} else {
		report, err = inspect.BuildReport(ctx, store, positional[0])
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Inspect failed: %v\n", err)
		return 1
	}

	if *jsonOut {
		fmt.Println(report)
		return 0
	}
	fmt.Print(report)
	return 0
}

func runPrune(args []string) int {
	fs := flag.NewFlagSet("prune", flag.ContinueOnError)
	cohortDir := fs.String("cohort-dir", "", "Cohort directory")
	olderThan := fs.Duration("older-than", 30*24*time.Hour, "Delete workspaces last modified before this age")
	logLevel := fs.String("log-level", "warn", "Log level (debug, info, warn, error)")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if *cohortDir == "" {
		fmt.Fprintln(os.Stderr, "Error: --cohort-dir is required")
		return 1
	}
	log.Setup(*logLevel)

	mgr, err := workspace.NewFSManager(runsDir(*cohortDir))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	report, err := mgr.Cleanup(context.Background(), *olderThan)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Prune failed: %v\n", err)
		return 1
	}
	fmt.Printf("Pruned %d run workspace(s)\n", report.DeletedDirs)
	return 0
}
