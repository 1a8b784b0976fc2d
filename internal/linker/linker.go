// Package linker defines the contract between the matcher and the
// probabilistic record-linkage engine. The production engine runs out of
// process; the matcher only depends on the Predict contract.
package linker

import (
	"context"

	"empi/internal/model"
)

// Score is one pairwise comparison emitted by a linker. Both record ids
// must appear in the input frame.
type Score struct {
	MatchWeight      float64        `json:"match_weight"`
	MatchProbability float64        `json:"match_probability"`
	RecordLID        int64          `json:"record_l_id"`
	RecordRID        int64          `json:"record_r_id"`
	Data             map[string]any `json:"data,omitempty"`
}

// Linker scores candidate pairs over a frame of live person records.
//
// The jobID argument is the blocking constraint the matcher appends to
// the linker's own rules: every emitted pair must have at least one side
// belonging to the current job. Pairs between two pre-existing records
// were already scored by earlier jobs.
type Linker interface {
	Predict(ctx context.Context, records []model.PersonRecord, jobID int64) ([]Score, error)
}
