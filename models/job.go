package models

import "time"

type JobStatus string

const (
	StatusQueued    JobStatus = "queued"
	StatusRunning   JobStatus = "running"
	StatusSucceeded JobStatus = "succeeded"
	StatusFailed    JobStatus = "failed"
	StatusExpired   JobStatus = "expired"
)

// Terminal reports whether no worker may move the job further.
// Expired is terminal too, but only the cleanup sweeper sets it.
func (s JobStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusExpired
}

// External status names as observed through the API. The internal state
// machine is finer-grained than what clients see.
const (
	ExternalPending = "PENDING"
	ExternalStarted = "STARTED"
	ExternalSuccess = "SUCCESS"
	ExternalFailure = "FAILURE"
	ExternalExpired = "EXPIRED"
)

// External maps an internal status to its API representation.
func (s JobStatus) External() string {
	switch s {
	case StatusQueued:
		return ExternalPending
	case StatusRunning:
		return ExternalStarted
	case StatusSucceeded:
		return ExternalSuccess
	case StatusFailed:
		return ExternalFailure
	case StatusExpired:
		return ExternalExpired
	}
	return string(s)
}

// InputRef points at an uploaded source object in storage. Raw bytes never
// travel through the queue; workers re-read inputs by key.
type InputRef struct {
	Key          string `json:"key"`
	OriginalName string `json:"originalName"`
	SourceFormat string `json:"sourceFormat"`
	SizeBytes    int64  `json:"sizeBytes"`
}

const (
	OutputSingle  = "single"
	OutputArchive = "zip"
)

// Output describes the conversion result: either one object, or a zip
// bundling several outputs plus how many files it contains.
type Output struct {
	Type       string `json:"type"`
	Key        string `json:"key"`
	Filename   string `json:"filename"`
	FilesCount int    `json:"filesCount"`
	SizeBytes  int64  `json:"sizeBytes"`
}

type Job struct {
	ID           string     `json:"id"`
	Status       JobStatus  `json:"status"`
	OwnerKey     string     `json:"ownerKey"`
	TargetFormat string     `json:"targetFormat"`
	Inputs       []InputRef `json:"inputs"`
	Output       *Output    `json:"output,omitempty"`
	Error        *JobError  `json:"error,omitempty"`
	RetryCount   int        `json:"retryCount"`
	SubmittedAt  time.Time  `json:"submittedAt"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
	ExpiredAt    *time.Time `json:"expiredAt,omitempty"`
}

// InputKeys returns the storage keys of all inputs, used by the cleanup
// sweeper to protect objects referenced by live jobs.
func (j *Job) InputKeys() []string {
	keys := make([]string, 0, len(j.Inputs))
	for _, in := range j.Inputs {
		keys = append(keys, in.Key)
	}
	return keys
}
