package engine

import (
	"errors"
	"fmt"

	"blab/internal/repo"
)

// Operation failure kinds.
const (
	KindNotFound     = "not_found"
	KindAmbiguous    = "ambiguous"
	KindUnauthorized = "unauthorized"
	KindInvalidField = "invalid_field"
	KindStore        = "store"
)

// OperationError is a per-operation failure; it becomes a failed entry and
// never aborts the batch.
type OperationError struct {
	Kind    string
	Message string
}

func (e OperationError) Error() string {
	return e.Message
}

func invalidField(format string, args ...any) error {
	return OperationError{Kind: KindInvalidField, Message: fmt.Sprintf(format, args...)}
}

func storeError(err error) error {
	var opErr OperationError
	if errors.As(err, &opErr) {
		return err
	}
	if errors.Is(err, repo.ErrConflict) {
		return OperationError{Kind: KindInvalidField, Message: err.Error()}
	}
	return OperationError{Kind: KindStore, Message: err.Error()}
}
