package domain

import "time"

// TallyState is the per-session authoritative on-air record. Program and
// Preview are input numbers; nil means no input is selected. Updates are
// atomic replacements, last write wins.
type TallyState struct {
	Program     *int           `json:"program"`
	Preview     *int           `json:"preview"`
	Inputs      map[int]string `json:"inputs"`
	VmixVersion string         `json:"vmixVersion,omitempty"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

// EmptyTallyState is what a session without a persisted row reports.
func EmptyTallyState() TallyState {
	return TallyState{
		Program: nil,
		Preview: nil,
		Inputs:  map[int]string{},
	}
}
