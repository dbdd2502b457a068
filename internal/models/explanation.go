package models

import "time"

// ExplanationResult is computed per query and never persisted.
type ExplanationResult struct {
	Summary     string    `json:"summary"`
	LikelyCause string    `json:"likely_cause"`
	Evidence    []string  `json:"evidence"`
	LocatedAt   *Location `json:"where"`
	Fix         []string  `json:"fix"`
	Debug       Debug     `json:"debug"`
}

// Location points at the checkpoint most relevant to an explanation.
type Location struct {
	Checkpoint CheckpointKind `json:"checkpoint"`
	StepName   string         `json:"stepName"`
	Timestamp  string         `json:"timestamp"`
}

type Debug struct {
	RulesHit    []string `json:"rules_hit"`
	MissingData []string `json:"missing_data"`
	Expectation string   `json:"expectation,omitempty"`
}

// LocationOf builds a Location for ev.
func LocationOf(ev CheckpointEvent) *Location {
	return &Location{
		Checkpoint: ev.Checkpoint,
		StepName:   ev.StepName,
		Timestamp:  FormatTimestamp(ev.CreatedAt),
	}
}

// FormatTimestamp renders checkpoint times in UTC with full precision.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
