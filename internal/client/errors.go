package client

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrTransient marks failures worth retrying with the same idempotency token:
	// transport errors, 5xx, 429, and unsuccessful status reads.
	ErrTransient = errors.New("transient api failure")
	// ErrMalformed marks a response body that could not be decoded.
	ErrMalformed = errors.New("malformed api response")
)

// RejectedError is a validation failure reported by the server for a submission.
type RejectedError struct {
	StatusCode  int
	ErrorType   string
	ErrorFields map[string]string
}

func (e *RejectedError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "request rejected (%d): %s", e.StatusCode, e.ErrorType)
	if len(e.ErrorFields) > 0 {
		keys := make([]string, 0, len(e.ErrorFields))
		for k := range e.ErrorFields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for i, k := range keys {
			sep := ", "
			if i == 0 {
				sep = " ["
			}
			fmt.Fprintf(&b, "%s%s: %s", sep, k, e.ErrorFields[k])
		}
		b.WriteString("]")
	}
	return b.String()
}

// IsRejected reports whether err carries a server rejection.
func IsRejected(err error) bool {
	var rej *RejectedError
	return errors.As(err, &rej)
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

func transientf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrTransient, fmt.Sprintf(format, args...))
}
