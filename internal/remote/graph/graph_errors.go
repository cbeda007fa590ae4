package graph

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/imroc/req/v3"
	"github.com/openmined/drivesync/internal/codec"
	"github.com/openmined/drivesync/internal/remote"
)

// handleAPIError turns a failed request or an error status into a
// *remote.Error.
func handleAPIError(resp *req.Response, requestErr error, op string) error {
	if requestErr != nil {
		return remote.WrapError(op, requestErr)
	}
	if !resp.IsErrorState() {
		return nil
	}
	return statusError(op, resp.GetStatusCode(), resp.GetHeader("Retry-After"), resp.Bytes())
}

func statusError(op string, status int, retryAfter string, body []byte) error {
	code, message := "", http.StatusText(status)
	var apiErr errorResponse
	if len(body) > 0 && codec.Unmarshal(body, &apiErr) == nil && apiErr.Error.Code != "" {
		code, message = apiErr.Error.Code, apiErr.Error.Message
	}

	e := remote.StatusError(op, status, code, message)
	e.RetryAfter = parseRetryAfter(retryAfter, time.Now())
	return e
}

// parseRetryAfter reads either delay-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return 0
}
