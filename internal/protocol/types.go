package protocol

import "time"

// Version is the only wire protocol version stages are spoken to with.
const Version = 1

// Request is the envelope written to a stage executable's stdin.
type Request struct {
	Protocol   int            `json:"protocol"`
	RunID      string         `json:"run_id"`
	Stage      string         `json:"stage"`
	StageIndex int            `json:"stage_index"`
	Options    map[string]any `json:"options"`
	Pipeline   Pipeline       `json:"pipeline"`
	DeadlineAt time.Time      `json:"deadline_at"`
}

// Pipeline carries the pipeline-level fields every stage may read.
type Pipeline struct {
	Name                    string         `json:"name"`
	InputDir                string         `json:"input_dir"`
	CohortDir               string         `json:"cohort_dir"`
	EventConversionConfigFP string         `json:"event_conversion_config_fp"`
	ETLMetadata             map[string]any `json:"etl_metadata,omitempty"`
	DoOverwrite             bool           `json:"do_overwrite"`
	Seed                    int            `json:"seed"`
}

// Response is the envelope a stage writes to stdout before exiting.
type Response struct {
	Status  string         `json:"status"` // ok | error
	Error   string         `json:"error,omitempty"`
	Outputs map[string]any `json:"outputs,omitempty"`
	Logs    []LogEntry     `json:"logs,omitempty"`
}

// LogEntry represents a log message from a stage.
type LogEntry struct {
	Level   string `json:"level"` // info | warn | error | debug
	Message string `json:"message"`
}

// OK reports whether the stage completed successfully.
func (r *Response) OK() bool {
	return r.Status == "ok"
}
