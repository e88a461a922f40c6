// Package events defines the Event and Command API's wire types: plain
// JSON-tagged Go structs carried over the length-prefixed framing in
// internal/ipc/framing with a JSON payload codec.
package events

import "ariadl/internal/job"

// Type discriminates an Event's payload; the payload is the corresponding
// field below, and only one field is set per Event.
type Type string

const (
	TypeProgress            Type = "progress"
	TypeSpeed               Type = "speed"
	TypeLog                 Type = "log"
	TypeAnonymizerState     Type = "anonymizer_state"
	TypeComplete            Type = "complete"
	TypeDownloadFailed      Type = "download_failed"
	TypeDownloadInterrupted Type = "download_interrupted"
	TypeDownloadStatus      Type = "download_status"
	TypeVerifyStarted       Type = "verify_started"
	TypeVerifyProgress      Type = "verify_progress"
	TypeVerifyComplete      Type = "verify_complete"
)

// Event is the envelope emitted on the Event API for one job. Exactly one
// of the pointer fields below is non-nil, matching the Type.
type Event struct {
	Type    Type   `json:"type"`
	JobID   string `json:"job_id"`

	Progress            *ProgressPayload            `json:"progress,omitempty"`
	Speed               *SpeedPayload               `json:"speed,omitempty"`
	Log                 *LogPayload                 `json:"log,omitempty"`
	AnonymizerState     *AnonymizerStatePayload     `json:"anonymizer_state,omitempty"`
	Complete            *CompletePayload            `json:"complete,omitempty"`
	DownloadFailed      *DownloadFailedPayload      `json:"download_failed,omitempty"`
	DownloadInterrupted *DownloadInterruptedPayload `json:"download_interrupted,omitempty"`
	DownloadStatus      *DownloadStatusPayload      `json:"download_status,omitempty"`
	Verify              *VerifyPayload              `json:"verify,omitempty"`
}

// ProgressPayload reports cumulative byte counts and per-worker breakdown.
type ProgressPayload struct {
	DownloadedBytes int64               `json:"downloaded_bytes"`
	TotalBytes      int64               `json:"total_bytes"`
	Workers         []job.WorkerRecord  `json:"workers"`
}

// SpeedPayload reports the smoothed transfer rate.
type SpeedPayload struct {
	SpeedMBps  float64 `json:"speed_mbps"`
	ElapsedSec float64 `json:"elapsed_secs"`
	EtaSec     float64 `json:"eta_secs"` // -1 when unknown
}

// LogPayload carries a structured log line up to the API consumer.
type LogPayload struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

// AnonymizerStatePayload mirrors anonymizer.Phase transitions.
type AnonymizerStatePayload struct {
	State       string `json:"state"`
	Message     string `json:"message"`
	DaemonCount int    `json:"daemon_count"`
}

// CompletePayload reports a successful, verified download.
type CompletePayload struct {
	URL           string  `json:"url"`
	Path          string  `json:"path"`
	Hash          string  `json:"hash"`
	TimeTakenSecs float64 `json:"time_taken_secs"`
}

// DownloadFailedPayload reports a terminal failure after retries were
// exhausted.
type DownloadFailedPayload struct {
	Reason string `json:"reason"`
}

// DownloadInterruptedPayload reports a user- or environment-triggered stop
// short of completion.
type DownloadInterruptedPayload struct {
	URL    string `json:"url"`
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

// DownloadStatusPayload announces a coarse lifecycle transition (see
// job.Status).
type DownloadStatusPayload struct {
	Status string `json:"status"`
}

// VerifyPayload reports SHA-256 verification progress and outcome.
type VerifyPayload struct {
	BytesHashed int64  `json:"bytes_hashed"`
	TotalBytes  int64  `json:"total_bytes"`
	Digest      string `json:"digest,omitempty"`
	Matched     *bool  `json:"matched,omitempty"`
}

// CommandKind discriminates a Command's intent.
type CommandKind string

const (
	CommandStage           CommandKind = "stage"
	CommandPauseActive     CommandKind = "pause_active"
	CommandResume          CommandKind = "resume"
	CommandStopActive      CommandKind = "stop_active"
	CommandListJobs        CommandKind = "list_jobs"

	// CommandSubscribeEvents opens a long-lived exception to the
	// Command API's one-request-one-response rule: the connection stays
	// open and the server pushes a framed Event for every subsequent
	// occurrence until the client disconnects.
	CommandSubscribeEvents CommandKind = "subscribe_events"
)

// Command is a request on the Command API.
type Command struct {
	Kind CommandKind `json:"kind"`

	Stage *StageRequest `json:"stage,omitempty"`
	JobID string        `json:"job_id,omitempty"`
}

// StageRequest enqueues one or more URLs as new jobs.
type StageRequest struct {
	URLs            []string `json:"urls"`
	OutputDir       string   `json:"output_dir"`
	WorkerCount     int      `json:"worker_count"`
	ForceAnonymizer bool     `json:"force_anonymizer"`
}

// CommandResponse is the reply to a Command.
type CommandResponse struct {
	OK      bool     `json:"ok"`
	Error   string   `json:"error,omitempty"`
	JobIDs  []string `json:"job_ids,omitempty"`
	Jobs    []JobSummary `json:"jobs,omitempty"`
}

// JobSummary is the shape returned for list_jobs.
type JobSummary struct {
	ID              string  `json:"id"`
	URL             string  `json:"url"`
	OutputPath      string  `json:"output_path"`
	Status          string  `json:"status"`
	DownloadedBytes int64   `json:"downloaded_bytes"`
	TotalBytes      int64   `json:"total_bytes"`
}
