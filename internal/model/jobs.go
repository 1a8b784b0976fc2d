package model

import (
	"time"
)

// JobStatus represents the current state of a job
type JobStatus string

const (
	StatusNew       JobStatus = "new"
	StatusSucceeded JobStatus = "succeeded"
	StatusFailed    JobStatus = "failed"
)

// JobType distinguishes the two pipelines that share the jobs table
type JobType string

const (
	JobTypeImportPersonRecords    JobType = "import_person_records"
	JobTypeExportPotentialMatches JobType = "export_potential_matches"
)

// Job represents one run of a background pipeline. The state machine is
// new -> succeeded | failed; terminal states are final.
type Job struct {
	ID        int64     `json:"id"`
	Created   time.Time `json:"created"`
	Updated   time.Time `json:"updated"`
	ConfigID  int64     `json:"config_id"`
	SourceURI string    `json:"source_uri"`
	Status    JobStatus `json:"status"`
	Reason    *string   `json:"reason,omitempty"`
	JobType   JobType   `json:"job_type"`
}

// Terminal reports whether the job has reached a final status.
func (j *Job) Terminal() bool {
	return j.Status == StatusSucceeded || j.Status == StatusFailed
}
