// Package configs bundles the extraction pipeline documents shipped with meds-etl.
package configs

import "embed"

// FS holds the shared template and the per-dataset pipeline documents.
//
//go:embed *.yaml
var FS embed.FS
