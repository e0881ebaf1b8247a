package extraction

import (
	"fmt"

	"subsidyflow/features/failure"
)

// Failure is a job-level extraction failure. Ledgered is set when the
// failure ledger already holds a record for it, so the scheduler does not
// write a second one when the job becomes terminal.
type Failure struct {
	Reason   failure.Reason
	Message  string
	Ledgered bool
}

func (e *Failure) Error() string {
	return fmt.Sprintf("%s: %s", e.Reason, e.Message)
}

func (e *Failure) Recorded() bool {
	return e.Ledgered
}

// IsLedgered reports whether err carries a Failure already in the ledger.
func IsLedgered(err error) bool {
	return failure.AlreadyRecorded(err)
}
