package protocol

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestEncodeRequest(t *testing.T) {
	tests := []struct {
		name    string
		req     *Request
		wantErr bool
		checkFn func(t *testing.T, output string)
	}{
		{
			name: "valid stage request",
			req: &Request{
				Protocol:   1,
				RunID:      "run-123",
				Stage:      "shard_events",
				StageIndex: 0,
				Options:    map[string]any{"row_chunksize": 200000000},
				Pipeline: Pipeline{
					Name:      "extract_eICU",
					InputDir:  "/data/pre_meds",
					CohortDir: "/data/meds",
					ETLMetadata: map[string]any{
						"dataset_name": "eICU",
					},
				},
				DeadlineAt: time.Date(2026, 2, 8, 12, 0, 0, 0, time.UTC),
			},
			checkFn: func(t *testing.T, output string) {
				for _, want := range []string{
					`"protocol":1`,
					`"run_id":"run-123"`,
					`"stage":"shard_events"`,
					`"stage_index":0`,
					`"row_chunksize":200000000`,
					`"cohort_dir":"/data/meds"`,
					`"dataset_name":"eICU"`,
				} {
					if !strings.Contains(output, want) {
						t.Errorf("output missing %s: %s", want, output)
					}
				}
			},
		},
		{
			name:    "unsupported protocol version",
			req:     &Request{Protocol: 2, RunID: "r", Stage: "shard_events"},
			wantErr: true,
		},
		{
			name:    "missing stage",
			req:     &Request{Protocol: 1, RunID: "r"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			err := EncodeRequest(&buf, tt.req)

			if (err != nil) != tt.wantErr {
				t.Errorf("EncodeRequest() error = %v, wantErr %v", err, tt.wantErr)
				return
			}

			if !tt.wantErr && tt.checkFn != nil {
				tt.checkFn(t, buf.String())
			}
		})
	}
}

func TestEncodeRequestRoundTripsOptions(t *testing.T) {
	var buf bytes.Buffer
	req := &Request{
		Protocol: 1,
		RunID:    "r",
		Stage:    "split_and_shard_subjects",
		Options: map[string]any{
			"split_fracs":             map[string]any{"train": 0.8},
			"external_splits_json_fp": nil,
		},
	}
	if err := EncodeRequest(&buf, req); err != nil {
		t.Fatal(err)
	}

	var got Request
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if _, ok := got.Options["external_splits_json_fp"]; !ok {
		t.Error("null option dropped from request")
	}
}

func TestDecodeResponse(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
		checkFn func(t *testing.T, resp *Response)
	}{
		{
			name:  "valid ok response",
			input: `{"status":"ok","outputs":{"n_shards":4}}`,
			checkFn: func(t *testing.T, resp *Response) {
				if !resp.OK() {
					t.Errorf("want status=ok, got %s", resp.Status)
				}
				if resp.Outputs["n_shards"] != float64(4) {
					t.Error("outputs not parsed correctly")
				}
			},
		},
		{
			name:  "valid error response",
			input: `{"status":"error","error":"input_dir is empty"}`,
			checkFn: func(t *testing.T, resp *Response) {
				if resp.OK() {
					t.Error("want status=error")
				}
				if resp.Error != "input_dir is empty" {
					t.Errorf("want error message, got %s", resp.Error)
				}
			},
		},
		{
			name:  "response with logs",
			input: `{"status":"ok","logs":[{"level":"info","message":"wrote 4 shards"}]}`,
			checkFn: func(t *testing.T, resp *Response) {
				if len(resp.Logs) != 1 {
					t.Fatalf("want 1 log, got %d", len(resp.Logs))
				}
				if resp.Logs[0].Level != "info" {
					t.Error("log level not parsed")
				}
			},
		},
		{name: "unknown field rejected", input: `{"status":"ok","retry":true}`, wantErr: true},
		{name: "missing status field", input: `{"outputs":{}}`, wantErr: true},
		{name: "invalid status value", input: `{"status":"unknown"}`, wantErr: true},
		{name: "error status without message", input: `{"status":"error"}`, wantErr: true},
		{name: "invalid JSON", input: `{not json}`, wantErr: true},
		{name: "empty input", input: ``, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := DecodeResponse(strings.NewReader(tt.input))

			if (err != nil) != tt.wantErr {
				t.Errorf("DecodeResponse() error = %v, wantErr %v", err, tt.wantErr)
				return
			}

			if !tt.wantErr && tt.checkFn != nil {
				tt.checkFn(t, resp)
			}
		})
	}
}

func TestDecodeResponseLenient(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		wantErr     bool
		wantRawData bool
	}{
		{name: "valid response", input: `{"status":"ok"}`},
		{name: "unknown fields tolerated", input: `{"status":"ok","extra":1}`},
		{name: "garbage keeps raw bytes", input: "Traceback (most recent call last)", wantErr: true, wantRawData: true},
		{name: "empty output", input: "", wantErr: true},
		{name: "bad status keeps raw bytes", input: `{"status":"maybe"}`, wantErr: true, wantRawData: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, raw, err := DecodeResponseLenient(strings.NewReader(tt.input))
			if (err != nil) != tt.wantErr {
				t.Fatalf("DecodeResponseLenient() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && resp == nil {
				t.Fatal("want response")
			}
			if tt.wantRawData && string(raw) != tt.input {
				t.Errorf("raw = %q, want %q", raw, tt.input)
			}
		})
	}
}
