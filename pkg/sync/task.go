package sync

import (
	"fmt"
	"sync"

	"github.com/sdejongh/courier/pkg/models"
)

// unitTask tracks one unit through the scheduler. A task moves from
// pending to in flight to a terminal state exactly once.
type unitTask struct {
	unit models.TransferUnit

	mu       sync.Mutex
	state    models.UnitState
	outcome  models.TransferOutcome
	workerID int
}

func newUnitTask(unit models.TransferUnit) *unitTask {
	return &unitTask{unit: unit, state: models.UnitPending, workerID: -1}
}

// markInFlight moves a pending task to in flight
func (t *unitTask) markInFlight(workerID int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != models.UnitPending {
		panic(fmt.Sprintf("unit %d dispatched in state %s", t.unit.Index, t.state))
	}
	t.state = models.UnitInFlight
	t.workerID = workerID
}

// finish records the outcome. A second outcome for the same unit is a
// programming error.
func (t *unitTask) finish(outcome models.TransferOutcome) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state.Terminal() {
		panic(fmt.Sprintf("unit %d finished twice", t.unit.Index))
	}
	t.outcome = outcome
	t.state = stateFor(outcome.Status)
}

// result returns the recorded outcome, or a cancelled one when the task
// never reached a terminal state
func (t *unitTask) result() models.TransferOutcome {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.state.Terminal() {
		t.state = models.UnitCancelled
		t.outcome = models.CancelledOutcome(t.unit)
	}
	return t.outcome
}

func stateFor(status models.OutcomeStatus) models.UnitState {
	switch status {
	case models.OutcomeSucceeded:
		return models.UnitSucceeded
	case models.OutcomeFailed:
		return models.UnitFailed
	case models.OutcomeSkipped:
		return models.UnitSkipped
	default:
		return models.UnitCancelled
	}
}
