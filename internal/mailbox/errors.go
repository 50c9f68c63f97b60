package mailbox

import (
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/api/googleapi"
)

var (
	// ErrLabelNotFound is returned by ResolveLabelID when no label has the
	// requested name and creation was not asked for. The id returned with it
	// is always empty.
	ErrLabelNotFound = errors.New("label not found")
	ErrSendDisabled  = errors.New("outbound mail is not configured for this mailbox")
)

// AuthError means no authorization handle could be obtained; no remote call
// was made.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string { return fmt.Sprintf("authorize: %v", e.Err) }

func (e *AuthError) Unwrap() error { return e.Err }

// RemoteError is a failed Gmail API call. Status is the provider HTTP status
// when the failure came from the API itself, 0 otherwise.
type RemoteError struct {
	Op     string
	Target string
	Status int
	Err    error
}

func newRemoteError(op, target string, err error) *RemoteError {
	re := &RemoteError{Op: op, Target: target, Err: err}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		re.Status = apiErr.Code
	}
	return re
}

func (e *RemoteError) Error() string {
	if e.Target == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Target, e.Err)
}

func (e *RemoteError) Unwrap() error { return e.Err }

// IsNotFound reports whether err is a remote 404.
func IsNotFound(err error) bool {
	var re *RemoteError
	return errors.As(err, &re) && re.Status == http.StatusNotFound
}
