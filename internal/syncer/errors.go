package syncer

import "fmt"

// SyncError reports a synchronization that failed after exhausting its
// retries. Unwrap exposes the joined per-attempt causes.
type SyncError struct {
	CustomerID string
	Attempts   int
	cause      error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("sync for customer %s failed after %d attempts: %v", e.CustomerID, e.Attempts, e.cause)
}

func (e *SyncError) Unwrap() error {
	return e.cause
}
