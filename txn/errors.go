package txn

import "github.com/pkg/errors"

// Errors returned by Manager and Transaction operations. Operations which
// complete asynchronously deliver the same errors through their callback.
var (
	ErrNotFound         = errors.New("transaction not found")
	ErrInvalidOperation = errors.New("invalid transaction operation")
	ErrInUse            = errors.New("transaction in use")
	ErrAlreadyExists    = errors.New("transaction already exists")
	ErrRolledBack       = errors.New("transaction rolled back")
	ErrAsyncPending     = errors.New("transaction operation pending asynchronously")
	ErrAllocation       = errors.New("transaction memory exhausted")
	ErrSavepointActive  = errors.New("savepoint already active")
	ErrNoSavepoint      = errors.New("no active savepoint")
	ErrHeuristic        = errors.New("transaction was heuristically completed")
	ErrIntegrity        = errors.New("transaction integrity violation")
)
