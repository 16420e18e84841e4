// Package mergetrain serializes merges into a target branch. Each merge
// request on a train gets a pipeline against the speculative result of
// merging it after everything ahead of it, and entries merge strictly in the
// order they joined.
package mergetrain

import (
	"errors"
	"fmt"
	"slices"

	"github.com/drewdunne/conductor/internal/models"
)

// Event drives a train entry from one status to the next.
type Event string

const (
	EventRefreshPipeline Event = "refresh_pipeline"
	EventOutdatePipeline Event = "outdate_pipeline"
	EventStartMerge      Event = "start_merge"
	EventFinishMerge     Event = "finish_merge"
)

// ErrInvalidTransition is wrapped by every rejected transition.
var ErrInvalidTransition = errors.New("invalid merge train transition")

// InvalidTransitionError describes a rejected transition.
type InvalidTransitionError struct {
	From  models.TrainStatus
	Event Event
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("cannot %s from %s", e.Event, e.From)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

type transition struct {
	from []models.TrainStatus
	to   models.TrainStatus
}

var transitions = map[Event]transition{
	EventRefreshPipeline: {from: []models.TrainStatus{models.TrainIdle, models.TrainStale, models.TrainFresh}, to: models.TrainFresh},
	EventOutdatePipeline: {from: []models.TrainStatus{models.TrainFresh}, to: models.TrainStale},
	EventStartMerge:      {from: []models.TrainStatus{models.TrainFresh}, to: models.TrainMerging},
	EventFinishMerge:     {from: []models.TrainStatus{models.TrainMerging}, to: models.TrainMerged},
}

// NextState returns the status an entry in current moves to on ev.
func NextState(current models.TrainStatus, ev Event) (models.TrainStatus, error) {
	t, ok := transitions[ev]
	if !ok || !slices.Contains(t.from, current) {
		return current, &InvalidTransitionError{From: current, Event: ev}
	}
	return t.to, nil
}
