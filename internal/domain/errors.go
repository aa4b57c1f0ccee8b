package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrOperationFailed = errors.New("operation failed")
	ErrInvalidRequest  = errors.New("invalid request")
	ErrCorruptMetadata = errors.New("corrupt metadata")
)

// OperationError is returned when the engine fails to carry out an operation.
// errors.Is(err, ErrOperationFailed) reports true for it.
type OperationError struct {
	Op  string
	ID  *TorrentID
	Err error
}

func (e *OperationError) Error() string {
	if e.ID != nil {
		return fmt.Sprintf("%s %s: %v", e.Op, e.ID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *OperationError) Unwrap() error { return e.Err }

func (e *OperationError) Is(target error) bool {
	return target == ErrOperationFailed
}

func NotFound(id TorrentID) error {
	return fmt.Errorf("torrent %s: %w", id, ErrNotFound)
}

// OperationFailed wraps err with an operation tag. A nil id marks a
// client-wide operation.
func OperationFailed(op string, id *TorrentID, err error) error {
	if id != nil {
		copied := *id
		id = &copied
	}
	return &OperationError{Op: op, ID: id, Err: err}
}
