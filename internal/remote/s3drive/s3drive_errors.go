package s3drive

import (
	"errors"
	"net/http"

	"github.com/aws/smithy-go"
	"github.com/openmined/drivesync/internal/remote"
)

// codeStatus covers API errors that arrive without an HTTP status, such as
// those built by middleware or test doubles.
var codeStatus = map[string]int{
	"NoSuchKey":          http.StatusNotFound,
	"NotFound":           http.StatusNotFound,
	"NoSuchUpload":       http.StatusNotFound,
	"NoSuchBucket":       http.StatusNotFound,
	"AccessDenied":       http.StatusForbidden,
	"InvalidAccessKeyId": http.StatusForbidden,
	"PreconditionFailed": http.StatusPreconditionFailed,
	"InvalidPart":        http.StatusBadRequest,
	"InvalidPartOrder":   http.StatusBadRequest,
	"EntityTooSmall":     http.StatusBadRequest,
	"SlowDown":           http.StatusServiceUnavailable,
	"InternalError":      http.StatusInternalServerError,
	"RequestTimeout":     http.StatusRequestTimeout,
}

// wrapError classifies an SDK error into a *remote.Error.
func wrapError(op string, err error) error {
	if err == nil {
		return nil
	}

	var apiErr smithy.APIError
	hasAPI := errors.As(err, &apiErr)

	status := 0
	var statusErr interface{ HTTPStatusCode() int }
	if errors.As(err, &statusErr) {
		status = statusErr.HTTPStatusCode()
	}
	if status == 0 && hasAPI {
		status = codeStatus[apiErr.ErrorCode()]
	}
	if status == 0 {
		return remote.WrapError(op, err)
	}

	code, message := "", err.Error()
	if hasAPI {
		code, message = apiErr.ErrorCode(), apiErr.ErrorMessage()
	}
	e := remote.StatusError(op, status, code, message)
	e.Err = err
	return e
}

func conflictError(op, name string) error {
	return remote.StatusError(op, http.StatusConflict, "nameAlreadyExists", name+" already exists")
}
