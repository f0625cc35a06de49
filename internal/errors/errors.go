// internal/errors/errors.go
package appErrors

import (
	"errors"
	"fmt"
)

// Kind classifies a failure so callers can decide whether it is fatal.
type Kind string

const (
	ConfigurationMissing  Kind = "configuration_missing"
	ConfigurationInvalid  Kind = "configuration_invalid"
	StoreConnectivity     Kind = "store_connectivity"
	RecordProcessing      Kind = "record_processing"
	CancellationRequested Kind = "cancellation_requested"
)

// Error is the typed error returned by the config, repository and service layers.
type Error struct {
	Kind     Kind
	Op       string
	RecordID int64
	Err      error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.RecordID != 0 {
		msg = fmt.Sprintf("%s (record %d)", msg, e.RecordID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New builds an Error without a record id.
func New(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// NewRecord builds an Error tied to a single outbox record.
func NewRecord(kind Kind, op string, id int64, err error) error {
	return &Error{Kind: kind, Op: op, RecordID: id, Err: err}
}

// KindOf returns the kind of the first *Error in the chain, or "" if none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
