package log

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/BranchIntl/thorworker/job"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReporter_Publish(t *testing.T) {
	tests := []struct {
		name   string
		record job.Record
		level  string
		extra  map[string]any
	}{
		{
			name:   "success",
			record: job.Record{JobID: "J1", Queue: "orbits", Status: "success", Final: true, Result: map[string]any{"orbits": 2}},
			level:  "INFO",
			extra:  map[string]any{"result": map[string]any{"orbits": float64(2)}},
		},
		{
			name:   "retried failure",
			record: job.Record{JobID: "J1", Queue: "orbits", Attempt: 1, Status: "failure", ErrorKind: "convergence", Message: "did not converge"},
			level:  "WARN",
			extra:  map[string]any{"error_kind": "convergence", "message": "did not converge"},
		},
		{
			name:   "dead-lettered",
			record: job.Record{JobID: "J1", Queue: "orbits", Attempt: 2, Status: "crashed", Final: true},
			level:  "ERROR",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			reporter := NewReporter(slog.New(slog.NewJSONHandler(&buf, nil)))

			require.NoError(t, reporter.Publish(context.Background(), tt.record))

			var entry map[string]any
			require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
			assert.Equal(t, tt.level, entry["level"])
			assert.Equal(t, "Job result", entry["msg"])
			assert.Equal(t, "log", entry["reporter"])
			assert.Equal(t, "J1", entry["job_id"])
			assert.Equal(t, tt.record.Status, entry["status"])
			assert.Equal(t, float64(tt.record.Attempt), entry["attempt"])
			for k, v := range tt.extra {
				assert.Equal(t, v, entry[k], k)
			}
		})
	}
}

func TestReporter_Close(t *testing.T) {
	assert.NoError(t, NewReporter(nil).Close())
}
