package model

import (
	"time"
)

// MatchEventType classifies the atomic units of change in the audit log
type MatchEventType string

const (
	EventNewIDs      MatchEventType = "new-ids"
	EventAutoMatches MatchEventType = "auto-matches"
	EventManualMatch MatchEventType = "manual-match"
	EventPersonSplit MatchEventType = "person-split"
)

// PersonActionType classifies single-row person deltas
type PersonActionType string

const (
	ActionAddRecord    PersonActionType = "add-record"
	ActionRemoveRecord PersonActionType = "remove-record"
	ActionReview       PersonActionType = "review"
)

// MatchGroupActionType classifies match-group deltas
type MatchGroupActionType string

const (
	ActionAddResult    MatchGroupActionType = "add-result"
	ActionRemoveResult MatchGroupActionType = "remove-result"
	ActionUpdatePerson MatchGroupActionType = "update-person"
	ActionMatch        MatchGroupActionType = "match"
)

// MatchEvent is one atomic state transition. Events are strictly ordered
// by id; replaying them in id order reproduces the current person and
// match-group state.
type MatchEvent struct {
	ID       int64          `json:"id"`
	Created  time.Time      `json:"created"`
	Type     MatchEventType `json:"type"`
	Comments *string        `json:"comments,omitempty"`
}

// PersonAction is a write-once delta on a person's record set. Within one
// event all remove-record actions have smaller ids than any add-record
// action, so replay in id order never sees a record owned twice.
type PersonAction struct {
	ID             int64            `json:"id"`
	MatchEventID   int64            `json:"match_event_id"`
	MatchGroupID   *int64           `json:"match_group_id,omitempty"`
	PersonID       int64            `json:"person_id"`
	PersonRecordID int64            `json:"person_record_id"`
	Type           PersonActionType `json:"type"`
	PerformedBy    *string          `json:"performed_by,omitempty"`
}

// MatchGroupAction is a write-once delta on a match group's result set.
type MatchGroupAction struct {
	ID             int64                `json:"id"`
	MatchEventID   int64                `json:"match_event_id"`
	MatchGroupID   *int64               `json:"match_group_id,omitempty"`
	SplinkResultID *int64               `json:"splink_result_id,omitempty"`
	Type           MatchGroupActionType `json:"type"`
	PerformedBy    *string              `json:"performed_by,omitempty"`
}
