package backend

import "fmt"

// SyncError reports a REST call that backed an optimistic local update
// and failed. It is non-fatal: callers log it (optionally surface a
// toast) and leave the optimistic state applied unless rollback is
// configured.
type SyncError struct {
	Op  string
	Err error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("backend sync: %s: %s", e.Op, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

// StatusError is a non-2xx backend response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("backend responded %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("backend responded %d", e.StatusCode)
}
