package service

import (
	"errors"
	"fmt"
)

// ErrWriteFailed wraps a downstream insert failure during commit. The commit
// runs in a single database transaction, so a failed batch applies nothing.
var ErrWriteFailed = errors.New("batch write failed")

// ErrBatchFinished is returned when committing or aborting a batch that
// already reached a terminal state.
var ErrBatchFinished = errors.New("batch already finished")

// UnassignedRowError reports a row that reached commit without a resolved
// agent. It blocks the whole batch; no records are created.
type UnassignedRowError struct {
	RowIndex int
}

func (e *UnassignedRowError) Error() string {
	return fmt.Sprintf("row %d has no assigned agent", e.RowIndex)
}
