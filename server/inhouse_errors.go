package server

import (
	"errors"
	"fmt"
)

var ErrRiotAPIKeyMissing = NewRemoteAPIError(RemoteAPIMissingKey, 0, "riot api key is not configured")

// StoreError wraps a failure of the persisted roster store.
type StoreError struct {
	Op    string
	Range string
	Err   error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s %s: %v", e.Op, e.Range, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func NewStoreError(op, rng string, err error) *StoreError {
	return &StoreError{Op: op, Range: rng, Err: err}
}

type RemoteAPIErrorKind int

const (
	RemoteAPIOther RemoteAPIErrorKind = iota
	RemoteAPIMissingKey
	RemoteAPIForbidden
)

func (k RemoteAPIErrorKind) String() string {
	switch k {
	case RemoteAPIMissingKey:
		return "missing_key"
	case RemoteAPIForbidden:
		return "forbidden"
	default:
		return "other"
	}
}

// RemoteAPIError is a failed tournament code request.
type RemoteAPIError struct {
	Kind       RemoteAPIErrorKind
	StatusCode int
	Message    string
	Err        error
}

func (e *RemoteAPIError) Error() string {
	message := e.Message
	if e.StatusCode != 0 {
		message = fmt.Sprintf("status %d: %s", e.StatusCode, message)
	}
	if e.Err != nil {
		message = message + ": " + e.Err.Error()
	}
	return "riot api " + e.Kind.String() + ": " + message
}

func (e *RemoteAPIError) Unwrap() error {
	return e.Err
}

func NewRemoteAPIError(kind RemoteAPIErrorKind, statusCode int, message string) *RemoteAPIError {
	return &RemoteAPIError{
		Kind:       kind,
		StatusCode: statusCode,
		Message:    message,
	}
}

// RemoteAPIErrorIs reports whether err is a RemoteAPIError of the given kind.
func RemoteAPIErrorIs(err error, kind RemoteAPIErrorKind) bool {
	var remoteErr *RemoteAPIError
	if errors.As(err, &remoteErr) {
		return remoteErr.Kind == kind
	}
	return false
}

// RenderError is a failed update of a signup message.
type RenderError struct {
	ChannelID string
	MessageID string
	Err       error
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("render channel %s message %s: %v", e.ChannelID, e.MessageID, e.Err)
}

func (e *RenderError) Unwrap() error {
	return e.Err
}
