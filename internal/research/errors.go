package research

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionNotFound indicates the session id is unknown to the store.
	ErrSessionNotFound = errors.New("research session not found")

	// ErrReportNotReady indicates the session exists but has no final report yet.
	ErrReportNotReady = errors.New("research report not ready")
)

// ValidationError reports bad start input. It is returned synchronously and
// never creates a session.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve ValidationError
	return errors.As(err, &ve)
}
