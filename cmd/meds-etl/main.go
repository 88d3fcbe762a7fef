package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"time"

	"github.com/mattjoyce/meds-etl/internal/config"
	"github.com/mattjoyce/meds-etl/internal/log"
	"github.com/mattjoyce/meds-etl/internal/stage"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

// stagesDirEnv lists default stage roots when no --stages-dir is given.
const stagesDirEnv = "MEDS_ETL_STAGES_DIR"

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	switch cmd {
	case "config":
		return runConfigNoun(args)
	case "plan":
		if hasHelpFlag(args) {
			printPlanHelp()
			return 0
		}
		return runPlan(args)
	case "run":
		return runRunNoun(args)
	case "version", "--version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: meds-etl version [--json]")
		return 1
	}

	info := currentVersionInfo()

	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render version JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("meds-etl %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return 0
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}

	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	resolvedCommit := strings.TrimSpace(gitCommit)
	if resolvedCommit == "" || resolvedCommit == "unknown" {
		resolvedCommit = strings.TrimSpace(readBuildSetting("vcs.revision"))
	}
	if resolvedCommit != "" {
		info.Commit = shortenCommit(resolvedCommit)
	}

	resolvedBuildTime := strings.TrimSpace(buildDate)
	if resolvedBuildTime == "" || resolvedBuildTime == "unknown" {
		resolvedBuildTime = strings.TrimSpace(readBuildSetting("vcs.time"))
	}
	if normalizedBuildTime, ok := normalizeBuildTimeUTC(resolvedBuildTime); ok {
		info.BuildTime = normalizedBuildTime
	}

	return info
}

func shortenCommit(commit string) string {
	if len(commit) <= 12 {
		return commit
	}
	return commit[:12]
}

func normalizeBuildTimeUTC(raw string) (string, bool) {
	if raw == "" || raw == "unknown" {
		return "", false
	}

	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return "", false
	}

	return t.UTC().Format(time.RFC3339), true
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return setting.Value
		}
	}
	return ""
}

func printUsage() {
	fmt.Print(`meds-etl - MEDS extraction pipeline resolver and stage runner

Usage:
  meds-etl <command> [action] <pipeline> [flags] [overrides...]

Config Commands:
  config list                        List runnable pipelines (bundled or --config-dir)
  config show <pipeline> [path]      Print the resolved pipeline (YAML or --json)
  config get <pipeline> <path>       Read one resolved value (dotted path or stage:<name>)
  config check <pipeline>            Validate the pipeline against stages and the filesystem
  config lock --config-dir DIR       Authorize current documents (write .checksums)
  config set <pipeline> <k>=<v>      Edit a pipeline document in --config-dir

Pipeline Commands:
  plan <pipeline>                    Show the ordered stage plan with options
  run <pipeline>                     Execute the plan (--resume, --tui, --state-db)
  run list                           List recorded runs
  run inspect <run_id>               Show stage outcomes, stderr and artifacts
  run prune --cohort-dir DIR          Delete old run workspaces (--older-than, default 720h)

Common Flags:
  --config-dir DIR    Pipeline documents directory (default: bundled documents)
  --env-file PATH     Load variables from a .env file (repeatable; process env wins)
  --stages-dir DIR    Stage root (repeatable; default: $MEDS_ETL_STAGES_DIR, then ./stages)
  --log-level LEVEL   debug, info, warn, error

Overrides (Hydra style):
  key=value   replace an existing key
  +key=value  add a key
  ~key        delete a key

General:
  version [--json]    Show version information
  help                Show this help message

Bundled pipelines: extract_AUMC, extract_eICU
`)
}

func printPlanHelp() {
	fmt.Println("Usage: meds-etl plan <pipeline> [--config-dir DIR] [--env-file PATH] [--json] [overrides...]")
	fmt.Println("Resolve the pipeline and show the stages in execution order with their options.")
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

// stringList is a repeatable string flag.
type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }

func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

// pipelineFlags are shared by every command that resolves a pipeline.
type pipelineFlags struct {
	configDir  string
	envFiles   stringList
	stagesDirs stringList
	logLevel   string
}

func (f *pipelineFlags) register(fs *flag.FlagSet, defaultLevel string) {
	fs.StringVar(&f.configDir, "config-dir", "", "Pipeline documents directory")
	fs.Var(&f.envFiles, "env-file", "Load variables from a .env file (repeatable)")
	fs.Var(&f.stagesDirs, "stages-dir", "Stage root directory (repeatable)")
	fs.StringVar(&f.logLevel, "log-level", defaultLevel, "Log level (debug, info, warn, error)")
}

// parseInterspersed parses fs while allowing positional arguments and flags
// in any order, which keeps `run extract_eICU --resume seed=2` working.
func parseInterspersed(fs *flag.FlagSet, args []string) ([]string, error) {
	var positional []string
	for {
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		args = fs.Args()
		if len(args) == 0 {
			return positional, nil
		}
		positional = append(positional, args[0])
		args = args[1:]
	}
}

func (f *pipelineFlags) env() (config.Env, error) {
	return config.LoadEnv(f.envFiles...)
}

func (f *pipelineFlags) resolver(env config.Env) (*config.Resolver, error) {
	var r *config.Resolver
	if f.configDir != "" {
		var err error
		if r, err = config.NewDirResolver(f.configDir, env); err != nil {
			return nil, err
		}
	} else {
		r = config.NewResolver(env)
	}
	r.Logger = log.WithComponent("resolver")
	return r, nil
}

// resolve loads the environment and resolves pipeline with overrides.
func (f *pipelineFlags) resolve(pipeline string, overrides []string) (*config.PipelineConfig, config.Env, error) {
	env, err := f.env()
	if err != nil {
		return nil, nil, err
	}
	r, err := f.resolver(env)
	if err != nil {
		return nil, nil, err
	}
	r.Overrides = overrides
	cfg, err := r.Resolve(pipeline)
	if err != nil {
		return nil, nil, err
	}
	return cfg, env, nil
}

// stageRoots returns --stages-dir values, then $MEDS_ETL_STAGES_DIR, then
// ./stages when it exists. An empty result means no registry is available.
func (f *pipelineFlags) stageRoots(env config.Env) []string {
	if len(f.stagesDirs) > 0 {
		return f.stagesDirs
	}
	if v, ok := env.Lookup(stagesDirEnv); ok && v != "" {
		return filepath.SplitList(v)
	}
	if info, err := os.Stat("stages"); err == nil && info.IsDir() {
		return []string{"stages"}
	}
	return nil
}

// discoverStages builds the stage registry, or returns nil when no stage root
// is configured.
func (f *pipelineFlags) discoverStages(env config.Env) (*stage.Registry, error) {
	roots := f.stageRoots(env)
	if len(roots) == 0 {
		return nil, nil
	}
	logger := log.WithComponent("stages")
	return stage.DiscoverMany(roots, func(level, msg string, args ...any) {
		switch level {
		case "debug":
			logger.Debug(msg, args...)
		case "info":
			logger.Info(msg, args...)
		case "warn":
			logger.Warn(msg, args...)
		case "error":
			logger.Error(msg, args...)
		}
	})
}
