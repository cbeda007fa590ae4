package upload

import (
	"errors"
	"fmt"
)

var (
	ErrSessionClosed    = errors.New("upload session is closed")
	ErrProgressMismatch = errors.New("server upload position is inconsistent")
)

// ResumableUploadError reports a failed resumable upload together with the
// number of bytes the server acknowledged before the failure.
type ResumableUploadError struct {
	Name   string
	Offset uint64
	Total  uint64
	Err    error
}

func (e *ResumableUploadError) Error() string {
	return fmt.Sprintf("upload %s failed at %d/%d bytes: %v", e.Name, e.Offset, e.Total, e.Err)
}

func (e *ResumableUploadError) Unwrap() error { return e.Err }
