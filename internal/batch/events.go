package batch

import (
	"github.com/cexll/inspector/internal/pipeline"
	"github.com/cexll/inspector/internal/streak"
)

// EventKind identifies what happened in the batch loop.
type EventKind string

const (
	EventProgress       EventKind = "progress"
	EventBatchProgress  EventKind = "batch_progress"
	EventImageProcessed EventKind = "image_processed"
	EventImageFailed    EventKind = "image_failed"
	EventStreakAlert    EventKind = "streak_alert"
	EventFinished       EventKind = "finished"
)

// Event is delivered to listeners synchronously from the batch goroutine.
type Event struct {
	Kind    EventKind
	Message string

	// Set for EventBatchProgress.
	Done  int
	Total int

	// Set for EventImageProcessed / EventImageFailed.
	ImagePath string
	Result    *pipeline.AnomalyResult
	Err       error

	// Set for EventStreakAlert.
	Alert *streak.Alert
}

// Listener observes batch events. Implementations must not block for long.
type Listener interface {
	OnEvent(Event)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(Event)

func (f ListenerFunc) OnEvent(e Event) { f(e) }
