package model

import (
	"bytes"
	"encoding/json"
	"time"
)

// ExecutionMode selects whether Execute waits for completion.
type ExecutionMode string

const (
	ModeAsync ExecutionMode = "async"
	ModeSync  ExecutionMode = "sync"
)

// TransmissionMode selects how an output is returned.
type TransmissionMode string

const (
	TransmissionValue     TransmissionMode = "value"
	TransmissionReference TransmissionMode = "reference"
)

// InputRef is one client-supplied occurrence of an input: an inline literal,
// or a reference (path, URL, s3:// or vault:// location).
type InputRef struct {
	Value     any    `json:"value,omitempty"`
	Href      string `json:"href,omitempty"`
	MediaType string `json:"type,omitempty"`
	Token     string `json:"token,omitempty"` // vault access token
}

// IsReference reports whether the occurrence points at a file.
func (r InputRef) IsReference() bool {
	return r.Href != ""
}

// UnmarshalJSON accepts either a qualified object ({"href": ...} or
// {"value": ...}) or a bare literal.
func (r *InputRef) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &fields); err != nil {
			return err
		}
		_, hasHref := fields["href"]
		_, hasValue := fields["value"]
		if hasHref || hasValue {
			type plain InputRef
			var p plain
			if err := json.Unmarshal(trimmed, &p); err != nil {
				return err
			}
			*r = InputRef(p)
			return nil
		}
	}
	var v any
	if err := json.Unmarshal(trimmed, &v); err != nil {
		return err
	}
	*r = InputRef{Value: v}
	return nil
}

// InputList holds every occurrence supplied for one input id.
type InputList []InputRef

// UnmarshalJSON accepts a single occurrence or an array of occurrences.
func (l *InputList) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var refs []InputRef
		if err := json.Unmarshal(trimmed, &refs); err != nil {
			return err
		}
		*l = refs
		return nil
	}
	var ref InputRef
	if err := json.Unmarshal(trimmed, &ref); err != nil {
		return err
	}
	*l = InputList{ref}
	return nil
}

// OutputRequest selects one output and how it is transmitted.
type OutputRequest struct {
	ID           string           `json:"id"`
	Transmission TransmissionMode `json:"transmission_mode"`
}

// ExecuteRequest is a client request to run a process.
type ExecuteRequest struct {
	ProcessID  string                   `json:"-"`
	Version    string                   `json:"version,omitempty"`
	Inputs     map[string]InputList     `json:"inputs"`
	Outputs    map[string]OutputRequest `json:"outputs,omitempty"`
	Mode       ExecutionMode            `json:"mode,omitempty"`
	Owner      string                   `json:"-"`
	Visibility Visibility               `json:"visibility,omitempty"`
	// VaultOwnership deletes vault inputs once the job is queued.
	VaultOwnership bool `json:"vault_ownership,omitempty"`
	// Wait overrides the sync timeout for this request.
	Wait time.Duration `json:"-"`
}

// InputValue is a resolved input occurrence as recorded on a Job.
type InputValue struct {
	Value     any    `json:"value,omitempty"`
	Source    string `json:"source,omitempty"`   // original reference, tokens stripped
	Location  string `json:"location,omitempty"` // staged local path
	MediaType string `json:"media_type,omitempty"`
	Size      int64  `json:"size,omitempty"`
}

// OutputReference is one produced output, embedded or by reference.
type OutputReference struct {
	ID        string `json:"id"`
	Value     any    `json:"value,omitempty"`
	Href      string `json:"href,omitempty"`
	MediaType string `json:"media_type,omitempty"`
	Size      int64  `json:"size,omitempty"`
	Key       string `json:"key,omitempty"` // key in the output store
}

// ErrorDetail records an execution-time failure attached to a Job.
type ErrorDetail struct {
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Job is one execution instance of a process version.
type Job struct {
	ID               string                  `json:"id"`
	ProcessID        string                  `json:"process_id"`
	ProcessVersion   string                  `json:"process_version"`
	Inputs           map[string][]InputValue `json:"inputs"`
	Outputs          []OutputRequest         `json:"outputs"`
	Mode             ExecutionMode           `json:"mode"`
	Status           JobStatus               `json:"status"`
	Progress         int                     `json:"progress"`
	Message          string                  `json:"message,omitempty"`
	DismissRequested bool                    `json:"dismiss_requested,omitempty"`
	Owner            string                  `json:"owner,omitempty"`
	Visibility       Visibility              `json:"visibility"`
	Backend          BackendKind             `json:"backend"`
	WorkerID         string                  `json:"worker_id,omitempty"`
	RemoteJobID      string                  `json:"remote_job_id,omitempty"`
	Results          []OutputReference       `json:"-"`
	Errors           []ErrorDetail           `json:"-"`
	CreatedAt        time.Time               `json:"created_at"`
	StartedAt        *time.Time              `json:"started_at,omitempty"`
	FinishedAt       *time.Time              `json:"finished_at,omitempty"`
	UpdatedAt        time.Time               `json:"updated_at"`
	DismissedAt      *time.Time              `json:"-"`
}

// Transmission returns the requested transmission mode for an output.
func (j *Job) Transmission(outputID string) (TransmissionMode, bool) {
	for _, o := range j.Outputs {
		if o.ID == outputID {
			return o.Transmission, true
		}
	}
	return "", false
}

// VisibleTo reports whether user may read the job.
func (j *Job) VisibleTo(user string, admin bool) bool {
	return admin || j.Visibility != VisibilityPrivate || (user != "" && user == j.Owner)
}

// StatusEvent is one immutable recorded transition of a Job.
type StatusEvent struct {
	JobID     string    `json:"job_id"`
	Seq       int       `json:"seq"`
	From      JobStatus `json:"from,omitempty"`
	To        JobStatus `json:"to"`
	Progress  int       `json:"progress"`
	Actor     Actor     `json:"actor"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// LogStream identifies the origin of a log line.
type LogStream string

const (
	StreamStdout LogStream = "stdout"
	StreamStderr LogStream = "stderr"
	StreamSystem LogStream = "system"
)

// LogLine is one append-only execution log line.
type LogLine struct {
	JobID     string    `json:"job_id"`
	Seq       int64     `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Stream    LogStream `json:"stream"`
	Line      string    `json:"line"`
}

// ExecutionUnit is the runnable form of a Job: the CWL package with inputs
// bound to staged locations. It lives only inside the Job's queue message.
type ExecutionUnit struct {
	JobID          string          `json:"job_id"`
	ProcessID      string          `json:"process_id"`
	ProcessVersion string          `json:"process_version"`
	Backend        BackendKind     `json:"backend"`
	CWL            string          `json:"cwl,omitempty"`
	DockerImage    string          `json:"docker_image,omitempty"`
	JobOrder       map[string]any  `json:"job_order"`
	WorkDir        string          `json:"work_dir"`
	OutputDir      string          `json:"output_dir"`
	Outputs        []OutputRequest `json:"outputs"`
	OutputParams   []Parameter     `json:"output_params,omitempty"`
	Remote         *RemoteRef      `json:"remote,omitempty"`
	RemoteInputs   map[string]any  `json:"remote_inputs,omitempty"`
}
