package job

import (
	"encoding/json"
	"time"
)

// Record is the completion/failure status published to the results channel.
type Record struct {
	JobID      string         `json:"job_id"`
	Queue      string         `json:"queue"`
	Attempt    int            `json:"attempt"`
	Status     string         `json:"status"`
	Result     map[string]any `json:"result,omitempty"`
	ErrorKind  string         `json:"error_kind,omitempty"`
	Message    string         `json:"message,omitempty"`
	Diagnostic string         `json:"diagnostic,omitempty"`
	WorkerID   string         `json:"worker_id"`
	Final      bool           `json:"final"`
	DurationMS int64          `json:"duration_ms"`
	ReportedAt time.Time      `json:"reported_at"`
}

// NewRecord builds the record for an outcome of desc.
func NewRecord(desc Descriptor, outcome Outcome, workerID string, final bool) Record {
	return Record{
		JobID:      desc.ID,
		Queue:      desc.Queue,
		Attempt:    desc.AttemptCount,
		Status:     outcome.Kind.String(),
		Result:     outcome.Result,
		ErrorKind:  outcome.ErrorKind,
		Message:    outcome.Message,
		Diagnostic: outcome.Diagnostic,
		WorkerID:   workerID,
		Final:      final,
		DurationMS: outcome.Duration.Milliseconds(),
		ReportedAt: time.Now().UTC(),
	}
}

// Marshal encodes the record as JSON.
func (r Record) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

// DeadLetter is what lands on the dead-letter channel: the original body
// plus why it was routed there.
type DeadLetter struct {
	JobID    string          `json:"job_id,omitempty"`
	Queue    string          `json:"queue"`
	Reason   string          `json:"reason"`
	Attempt  int             `json:"attempt"`
	Body     json.RawMessage `json:"body,omitempty"`
	RawBody  string          `json:"raw_body,omitempty"`
	FailedAt time.Time       `json:"failed_at"`
}

// NewDeadLetter wraps a claimed message for the dead-letter channel. Bodies
// that are not valid JSON are kept verbatim as a string.
func NewDeadLetter(msg *RawMessage, reason string) DeadLetter {
	dl := DeadLetter{
		Queue:    msg.Queue,
		Reason:   reason,
		FailedAt: time.Now().UTC(),
	}
	if json.Valid(msg.Body) {
		dl.Body = json.RawMessage(msg.Body)
	} else {
		dl.RawBody = string(msg.Body)
	}
	return dl
}

// Marshal encodes the dead letter as JSON.
func (d DeadLetter) Marshal() ([]byte, error) {
	return json.Marshal(d)
}
