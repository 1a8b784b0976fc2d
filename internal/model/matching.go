package model

import (
	"time"

	"github.com/google/uuid"
)

// MatchingConfig is an immutable snapshot of the linkage parameters a job
// runs with. Jobs reference a config by id so a re-run of an old job uses
// the thresholds it was created with, not the current ones.
type MatchingConfig struct {
	ID                      int64          `json:"id"`
	Created                 time.Time      `json:"created"`
	PotentialMatchThreshold float64        `json:"potential_match_threshold"`
	AutoMatchThreshold      float64        `json:"auto_match_threshold"`
	LinkerSettings          map[string]any `json:"linker_settings,omitempty"`
}

// Person is a logical identity owning one or more person records.
// Version is the optimistic-concurrency token: every write increments it
// and is guarded by a WHERE version = expected clause.
type Person struct {
	ID          int64      `json:"id"`
	UUID        uuid.UUID  `json:"uuid"`
	Created     time.Time  `json:"created"`
	Updated     time.Time  `json:"updated"`
	Version     int64      `json:"version"`
	RecordCount int64      `json:"record_count"`
	Deleted     *time.Time `json:"deleted,omitempty"`
}

// PersonRecord is a canonical, immutable row imported from a source
// system, content-addressed by the sha256 of its canonical field string.
type PersonRecord struct {
	ID                int64      `json:"id"`
	Created           time.Time  `json:"created"`
	PersonID          int64      `json:"person_id"`
	PersonUpdated     time.Time  `json:"person_updated"`
	MatchedOrReviewed time.Time  `json:"matched_or_reviewed"`
	SHA256            string     `json:"sha256"`
	JobID             int64      `json:"job_id"`
	Deleted           *time.Time `json:"deleted,omitempty"`

	Demographics
}

// PersonRecordStaging is an untrusted raw row tied to a job. SHA256 and
// RowNumber are empty until the staging loader fills them in; the whole
// row set for a job is deleted once the job terminates.
type PersonRecordStaging struct {
	ID        int64  `json:"id"`
	JobID     int64  `json:"job_id"`
	SHA256    string `json:"sha256,omitempty"`
	RowNumber *int64 `json:"row_number,omitempty"`

	Demographics
}

// Demographics carries the source-system identity fields shared by
// staging rows and canonical records. The field order here is the
// canonical column order of the linker frame and of the sha256 pre-image.
type Demographics struct {
	DataSource     string `json:"data_source"`
	SourcePersonID string `json:"source_person_id"`
	FirstName      string `json:"first_name,omitempty"`
	LastName       string `json:"last_name,omitempty"`
	Sex            string `json:"sex,omitempty"`
	Race           string `json:"race,omitempty"`
	BirthDate      string `json:"birth_date,omitempty"`
	DeathDate      string `json:"death_date,omitempty"`
	SSN            string `json:"ssn,omitempty"`
	Address        string `json:"address,omitempty"`
	City           string `json:"city,omitempty"`
	State          string `json:"state,omitempty"`
	ZipCode        string `json:"zip_code,omitempty"`
	Phone          string `json:"phone,omitempty"`
}

// DemographicColumns is the stable column order used for the linker input
// frame and the digest pre-image. Changing this order silently changes
// every record hash, so don't.
var DemographicColumns = []string{
	"data_source", "source_person_id", "first_name", "last_name",
	"sex", "race", "birth_date", "death_date", "ssn",
	"address", "city", "state", "zip_code", "phone",
}

// Fields returns the demographic values in DemographicColumns order.
func (d Demographics) Fields() []string {
	return []string{
		d.DataSource, d.SourcePersonID, d.FirstName, d.LastName,
		d.Sex, d.Race, d.BirthDate, d.DeathDate, d.SSN,
		d.Address, d.City, d.State, d.ZipCode, d.Phone,
	}
}

// MatchGroup is a proposed cluster of person records. A group is active
// while both Deleted and Matched are null; once an operator accepts it
// (Matched set) or the matcher supersedes it (Deleted set) it is frozen.
type MatchGroup struct {
	ID      int64      `json:"id"`
	UUID    uuid.UUID  `json:"uuid"`
	Created time.Time  `json:"created"`
	Updated time.Time  `json:"updated"`
	Version int64      `json:"version"`
	JobID   int64      `json:"job_id"`
	Deleted *time.Time `json:"deleted,omitempty"`
	Matched *time.Time `json:"matched,omitempty"`
}

// Active reports whether the group is still open for matching decisions.
func (g *MatchGroup) Active() bool {
	return g.Deleted == nil && g.Matched == nil
}

// SplinkResult is a pairwise score between two person records, owned by
// the match group it currently belongs to.
type SplinkResult struct {
	ID               int64          `json:"id"`
	Created          time.Time      `json:"created"`
	Updated          time.Time      `json:"updated"`
	JobID            int64          `json:"job_id"`
	MatchGroupID     int64          `json:"match_group_id"`
	MatchWeight      float64        `json:"match_weight"`
	MatchProbability float64        `json:"match_probability"`
	RecordLID        int64          `json:"person_record_l_id"`
	RecordRID        int64          `json:"person_record_r_id"`
	Data             map[string]any `json:"data,omitempty"`
}
