package pingsync

import (
	"context"
	"time"
)

// Operation is a protocol operation that runs while holding the account's floor.
type Operation func(ctx context.Context) OperationResult

// Do runs op between SyncStart and SyncEnd. A negative result code counts as
// a failed sync. If op panics the floor is still released, as a failure.
func (s *Synchronizer) Do(ctx context.Context, account AccountID, name string, op Operation) (OperationResult, error) {
	if err := s.SyncStart(ctx, account); err != nil {
		s.logger.Debug("Operation %s for account %d aborted before start: %v", name, account, err)
		return Failed(StatusAbort, err), err
	}

	hadError := true
	defer func() { s.SyncEnd(account, hadError) }()

	started := time.Now()
	res := op(ctx)
	hadError = res.Code.IsError()

	if hadError {
		s.logger.Warn("Operation %s for account %d finished with %s in %v", name, account, res, time.Since(started))
	} else {
		s.logger.Debug("Operation %s for account %d finished in %v", name, account, time.Since(started))
	}
	return res, nil
}
