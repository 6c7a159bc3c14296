// Package progress reports how far a conversation run has got.
package progress

import "time"

// Stage identifies which pipeline stage is active.
type Stage string

const (
	StageLoad     Stage = "load"
	StageSafety   Stage = "safety"
	StageConverse Stage = "converse"
	StageArchive  Stage = "archive"
	StageComplete Stage = "complete"
)

// Event carries progress information from the pipeline to the renderer.
type Event struct {
	Stage     Stage
	Message   string
	Percent   float64 // 0.0–1.0
	Turn      int
	TurnTotal int
	Elapsed   time.Duration
	Error     error
	// The fields below are set on StageComplete.
	State      string
	ScoreA     int
	ScoreB     int
	OutputFile string
}

// Callback is the function signature for progress event handlers.
type Callback func(Event)

// NopCallback is a no-op progress callback for tests and silent mode.
func NopCallback(Event) {}

// NewEvent creates an Event with common fields populated.
func NewEvent(stage Stage, msg string, pct float64, start time.Time) Event {
	return Event{
		Stage:   stage,
		Message: msg,
		Percent: pct,
		Elapsed: time.Since(start),
	}
}

// TurnPercent maps turn n of total onto the converse stage's share of the
// bar, which runs from 10% to 90%.
func TurnPercent(n, total int) float64 {
	if total <= 0 {
		return 0.1
	}
	return 0.1 + 0.8*float64(min(n, total))/float64(total)
}
