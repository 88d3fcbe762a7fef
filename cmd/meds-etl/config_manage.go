package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/meds-etl/configs"
	"github.com/mattjoyce/meds-etl/internal/config"
	"github.com/mattjoyce/meds-etl/internal/doctor"
	"github.com/mattjoyce/meds-etl/internal/log"
)

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		printConfigNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printConfigNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "show":
		if hasHelpFlag(actionArgs) {
			printConfigShowHelp()
			return 0
		}
		return runConfigShow(actionArgs)
	case "get":
		if hasHelpFlag(actionArgs) {
			printConfigGetHelp()
			return 0
		}
		return runConfigGet(actionArgs)
	case "check":
		if hasHelpFlag(actionArgs) {
			printConfigCheckHelp()
			return 0
		}
		return runConfigCheck(actionArgs)
	case "lock":
		if hasHelpFlag(actionArgs) {
			printConfigLockHelp()
			return 0
		}
		return runConfigLock(actionArgs)
	case "set":
		if hasHelpFlag(actionArgs) {
			printConfigSetHelp()
			return 0
		}
		return runConfigSet(actionArgs)
	case "list":
		if hasHelpFlag(actionArgs) {
			printConfigListHelp()
			return 0
		}
		return runConfigList(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return 1
	}
}

func printConfigNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: meds-etl config <action> [flags]")
	fmt.Fprintln(w, "Actions: list, show, get, check, lock, set")
}

func printConfigShowHelp() {
	fmt.Println("Usage: meds-etl config show <pipeline> [path] [--config-dir DIR] [--env-file PATH] [--json] [overrides...]")
	fmt.Println("Print the fully resolved pipeline, or the node at a dotted path.")
}

func printConfigGetHelp() {
	fmt.Println("Usage: meds-etl config get <pipeline> <path> [--config-dir DIR] [--env-file PATH] [--json] [overrides...]")
	fmt.Println("Read a single value from the resolved pipeline. stage:<name> addresses one stage's options.")
}

func printConfigCheckHelp() {
	fmt.Println("Usage: meds-etl config check <pipeline> [--config-dir DIR] [--stages-dir DIR] [--format human|json] [--strict] [--json]")
	fmt.Println("Validate the resolved pipeline against discovered stages, integrity hashes and the filesystem.")
	fmt.Println("")
	fmt.Println("Exit codes:")
	fmt.Println("  0  Valid")
	fmt.Println("  1  Invalid (or the pipeline does not resolve)")
	fmt.Println("  2  Valid with warnings under --strict")
}

func printConfigLockHelp() {
	fmt.Println("Usage: meds-etl config lock --config-dir DIR [-v|--verbose] [--dry-run]")
	fmt.Println("Authorize the current pipeline documents by regenerating BLAKE3 integrity hashes.")
}

func printConfigSetHelp() {
	fmt.Println("Usage: meds-etl config set <pipeline> <path>=<value> --config-dir DIR [--env-file PATH] [--dry-run]")
	fmt.Println("Set a value in a pipeline document. The change is rolled back if the pipeline no longer resolves.")
}

func printConfigListHelp() {
	fmt.Println("Usage: meds-etl config list [--config-dir DIR] [--json]")
	fmt.Println("List the runnable pipelines. Templates (names starting with _) are not listed.")
}

// splitPipelineArgs separates the pipeline name from trailing overrides.
func splitPipelineArgs(positional []string, extra int) (string, []string, []string, bool) {
	if len(positional) < 1+extra {
		return "", nil, nil, false
	}
	return positional[0], positional[1 : 1+extra], positional[1+extra:], true
}

func runConfigShow(args []string) int {
	var pf pipelineFlags
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	pf.register(fs, "warn")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	positional, err := parseInterspersed(fs, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if len(positional) < 1 {
		printConfigShowHelp()
		return 1
	}
	log.Setup(pf.logLevel)

	// An optional second positional without '=' or a Hydra prefix is a path.
	pipeline := positional[0]
	rest := positional[1:]
	var path string
	if len(rest) > 0 && !isOverride(rest[0]) {
		path, rest = rest[0], rest[1:]
	}

	cfg, _, err := pf.resolve(pipeline, rest)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Resolve error: %v\n", err)
		return 1
	}

	var result any = cfg.Tree()
	if path != "" {
		if result, err = cfg.GetPath(path); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
	}
	return printValue(result, *jsonOut)
}

func runConfigGet(args []string) int {
	var pf pipelineFlags
	fs := flag.NewFlagSet("get", flag.ContinueOnError)
	pf.register(fs, "warn")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	positional, err := parseInterspersed(fs, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	pipeline, fixed, overrides, ok := splitPipelineArgs(positional, 1)
	if !ok {
		fmt.Fprintln(os.Stderr, "Usage: meds-etl config get <pipeline> <path> [--json] [overrides...]")
		return 1
	}
	log.Setup(pf.logLevel)

	cfg, _, err := pf.resolve(pipeline, overrides)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Resolve error: %v\n", err)
		return 1
	}
	val, err := cfg.GetPath(fixed[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	switch val.(type) {
	case map[string]any, []any, config.StageConfig, []config.Stage:
		return printValue(val, *jsonOut)
	}
	if *jsonOut {
		return printValue(val, true)
	}
	if val == nil {
		fmt.Println("null")
		return 0
	}
	fmt.Printf("%v\n", val)
	return 0
}

func printValue(v any, jsonOut bool) int {
	if jsonOut {
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "JSON format error: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}
	data, err := yaml.Marshal(v)
	if err != nil {
		fmt.Fprintf(os.Stderr, "YAML format error: %v\n", err)
		return 1
	}
	fmt.Print(string(data))
	return 0
}

func isOverride(arg string) bool {
	return strings.Contains(arg, "=") || strings.HasPrefix(arg, "~")
}

func runConfigCheck(args []string) int {
	var pf pipelineFlags
	var strict, jsonOut bool
	var format string

	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	pf.register(fs, "warn")
	fs.BoolVar(&strict, "strict", false, "Treat warnings as errors")
	fs.StringVar(&format, "format", "human", "Output format (human, json)")
	fs.BoolVar(&jsonOut, "json", false, "Output in JSON")

	positional, err := parseInterspersed(fs, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if len(positional) < 1 {
		printConfigCheckHelp()
		return 1
	}
	if jsonOut {
		format = "json"
	}
	log.Setup(pf.logLevel)

	env, err := pf.env()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Environment error: %v\n", err)
		return 1
	}
	r, err := pf.resolver(env)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config load error: %v\n", err)
		return 1
	}
	// Integrity is reported by the doctor instead of failing resolution.
	r.SkipIntegrity = true
	r.Overrides = positional[1:]

	cfg, err := r.Resolve(positional[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Pipeline %s invalid: %v\n", positional[0], err)
		return 1
	}

	registry, err := pf.discoverStages(env)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Stage discovery error: %v\n", err)
		return 1
	}

	doc := doctor.New(cfg, registry)
	if pf.configDir != "" {
		integrity, err := config.VerifyIntegrity(os.DirFS(pf.configDir))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Integrity check error: %v\n", err)
			return 1
		}
		doc.WithIntegrity(integrity)
	}
	result := doc.Validate()

	switch format {
	case "json":
		out, err := doctor.FormatJSON(result)
		if err != nil {
			fmt.Fprintf(os.Stderr, "JSON format error: %v\n", err)
			return 1
		}
		fmt.Println(out)
	default:
		fmt.Print(doctor.FormatHuman(result))
	}

	if !result.Valid {
		return 1
	}
	if strict && len(result.Warnings) > 0 {
		return 2
	}
	return 0
}

func runConfigLock(args []string) int {
	var configDir string
	var verbose, verboseShort, dryRun bool

	fs := flag.NewFlagSet("lock", flag.ContinueOnError)
	fs.StringVar(&configDir, "config-dir", "", "Pipeline documents directory")
	fs.BoolVar(&verbose, "verbose", false, "Verbose output")
	fs.BoolVar(&verboseShort, "v", false, "Verbose output")
	fs.BoolVar(&dryRun, "dry-run", false, "Dry run")

	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if configDir == "" {
		fmt.Fprintln(os.Stderr, "Error: --config-dir is required (bundled documents cannot be locked)")
		return 1
	}
	isVerbose := verbose || verboseShort

	report, err := config.GenerateChecksumsWithReport(configDir, dryRun)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to lock config in %s: %v\n", configDir, err)
		return 1
	}

	if isVerbose {
		fmt.Printf("Processing directory: %s\n", report.ConfigDir)
		for _, file := range report.Files {
			fmt.Printf("  HASH %s: %s\n", file.Filename, file.Hash)
		}
		if dryRun {
			fmt.Printf("  DRY-RUN %s: %s (not written)\n", config.ChecksumFile, report.ChecksumPath)
		} else {
			fmt.Printf("  WROTE %s: %s\n", config.ChecksumFile, report.ChecksumPath)
		}
	}

	if dryRun {
		fmt.Printf("Dry run completed for %d document(s) (no files written)\n", len(report.Files))
	} else {
		fmt.Printf("Successfully locked %d document(s) in %s\n", len(report.Files), report.ConfigDir)
	}
	return 0
}

func runConfigSet(args []string) int {
	var pf pipelineFlags
	var dryRun bool

	fs := flag.NewFlagSet("set", flag.ContinueOnError)
	pf.register(fs, "warn")
	fs.BoolVar(&dryRun, "dry-run", false, "Preview the change as an override without writing")

	positional, err := parseInterspersed(fs, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if len(positional) != 2 || !strings.Contains(positional[1], "=") {
		fmt.Fprintln(os.Stderr, "Usage: meds-etl config set <pipeline> <path>=<value> --config-dir DIR [--dry-run]")
		return 1
	}
	log.Setup(pf.logLevel)

	pipeline := positional[0]
	path, value, _ := strings.Cut(positional[1], "=")

	if dryRun {
		if _, _, err := pf.resolve(pipeline, []string{"++" + path + "=" + value}); err != nil {
			fmt.Fprintf(os.Stderr, "Dry-run validation failed: %v\n", err)
			return 1
		}
		fmt.Printf("Dry-run: would set %q to %q in %s\n", path, value, pipeline)
		fmt.Println("Status: pipeline resolves.")
		return 0
	}

	if pf.configDir == "" {
		fmt.Fprintln(os.Stderr, "Error: --config-dir is required (bundled documents are read-only)")
		return 1
	}
	env, err := pf.env()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Environment error: %v\n", err)
		return 1
	}
	if err := config.SetDocumentValue(pf.configDir, pipeline, path, value, env); err != nil {
		fmt.Fprintf(os.Stderr, "Apply failed: %v\n", err)
		return 1
	}

	fmt.Printf("Successfully set %q to %q in %s\n", path, value, pipeline)
	if _, err := os.Stat(filepath.Join(pf.configDir, config.ChecksumFile)); err == nil {
		fmt.Println("Note: documents changed; run 'meds-etl config lock --config-dir " + pf.configDir + "' to re-authorize.")
	}
	return 0
}

func runConfigList(args []string) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	configDir := fs.String("config-dir", "", "Pipeline documents directory")
	jsonOut := fs.Bool("json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	var names []string
	var err error
	if *configDir != "" {
		names, err = config.ListPipelines(os.DirFS(*configDir))
	} else {
		names, err = config.ListPipelines(configs.FS)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to list pipelines: %v\n", err)
		return 1
	}

	if *jsonOut {
		if names == nil {
			names = []string{}
		}
		return printValue(names, true)
	}
	for _, name := range names {
		fmt.Println(name)
	}
	return 0
}
