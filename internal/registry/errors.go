package registry

import (
	"fmt"
	"net/http"
)

// RemoteError is a failed registry call. StatusCode is zero when the request
// never got an HTTP answer.
type RemoteError struct {
	Op         string
	StatusCode int
	Message    string
	Err        error
}

func (e *RemoteError) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("registry %s failed with HTTP %d: %s", e.Op, e.StatusCode, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("registry %s failed: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("registry %s failed: %s", e.Op, e.Message)
	}
}

func (e *RemoteError) Unwrap() error {
	return e.Err
}

// Unauthorized reports whether the registry rejected the session credential.
func (e *RemoteError) Unauthorized() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}
