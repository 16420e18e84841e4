package mergetrain

import (
	"errors"
	"testing"

	"github.com/drewdunne/conductor/internal/models"
)

func TestNextState(t *testing.T) {
	statuses := []models.TrainStatus{models.TrainIdle, models.TrainMerged, models.TrainStale, models.TrainFresh, models.TrainMerging}
	allowed := map[Event]map[models.TrainStatus]models.TrainStatus{
		EventRefreshPipeline: {
			models.TrainIdle:  models.TrainFresh,
			models.TrainStale: models.TrainFresh,
			models.TrainFresh: models.TrainFresh,
		},
		EventOutdatePipeline: {models.TrainFresh: models.TrainStale},
		EventStartMerge:      {models.TrainFresh: models.TrainMerging},
		EventFinishMerge:     {models.TrainMerging: models.TrainMerged},
	}

	for ev, table := range allowed {
		for _, from := range statuses {
			want, ok := table[from]
			got, err := NextState(from, ev)
			if ok {
				if err != nil {
					t.Errorf("NextState(%s, %s) error = %v", from, ev, err)
				}
				if got != want {
					t.Errorf("NextState(%s, %s) = %s, want %s", from, ev, got, want)
				}
				continue
			}
			if !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("NextState(%s, %s) error = %v, want ErrInvalidTransition", from, ev, err)
			}
			if got != from {
				t.Errorf("NextState(%s, %s) = %s, want unchanged", from, ev, got)
			}
		}
	}
}

func TestNextState_UnknownEvent(t *testing.T) {
	_, err := NextState(models.TrainIdle, Event("derail"))

	var ite *InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("error = %v, want *InvalidTransitionError", err)
	}
	if ite.From != models.TrainIdle || ite.Event != "derail" {
		t.Errorf("InvalidTransitionError = %+v", ite)
	}
}

func TestNextState_FinishMergeTwice(t *testing.T) {
	merged, err := NextState(models.TrainMerging, EventFinishMerge)
	if err != nil {
		t.Fatalf("first finish_merge: %v", err)
	}
	if _, err := NextState(merged, EventFinishMerge); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("second finish_merge error = %v, want ErrInvalidTransition", err)
	}
}
