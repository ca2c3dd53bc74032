package resilience

import "fmt"

// StopError represents a partial failure while interrupting every live
// command during an emergency stop (§4.9): some commands may fail to
// interrupt cleanly (agent already disconnected, store write race)
// without aborting the whole operation.
type StopError struct {
	Total     int
	Succeeded int
	Skipped   int
	Failed    int
}

func (e *StopError) Error() string {
	return fmt.Sprintf("emergency stop partial failure: %d succeeded, %d skipped, %d failed (total: %d)",
		e.Succeeded, e.Skipped, e.Failed, e.Total)
}
