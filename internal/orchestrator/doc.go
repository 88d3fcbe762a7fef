// Package orchestrator runs a resolved extraction plan by spawning one stage
// subprocess at a time.
//
// Each stage receives a protocol v1 JSON request on stdin and answers with a
// JSON response on stdout. The orchestrator enforces the stage timeout,
// captures stderr and records every outcome in the run ledger.
//
// Execution rules:
//   - Every planned stage must have a registered implementation before
//     anything starts
//   - One run per cohort_dir at a time (PID lock under cohort_dir/.meds-etl)
//   - Stages run strictly in plan order; the first failure stops the run
//   - Timeout enforcement is SIGTERM, then SIGKILL after a 5s grace period
//   - Stderr is capped at 64KB
//
// Resume:
//   - With Options.Resume, the leading stages that already succeeded for the
//     same cohort_dir and config digest are recorded as skipped
//   - The first stage that runs ends the skipping; later stages always run
package orchestrator
