package types

import "errors"

var (
	// ErrInvalidTimestamp is returned when a timestamp is neither an RFC 3339
	// instant nor an ISO-8601 duration.
	ErrInvalidTimestamp = errors.New("invalid timestamp")

	// ErrInvalidDocument is returned when an attribute document is not a JSON object.
	ErrInvalidDocument = errors.New("invalid attribute document")
)
