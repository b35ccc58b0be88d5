package ingest

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned by stores when no upload matches.
	ErrNotFound = errors.New("upload not found")
	// ErrClaimLost means another worker took over a stale claim mid-file.
	ErrClaimLost = errors.New("upload claim lost")
	// ErrUnreadable means the bytes are not a readable xlsx workbook.
	ErrUnreadable = errors.New("unreadable workbook")
)

// ErrorKind classifies file-level ingestion failures.
type ErrorKind string

const (
	KindInvalidInput  ErrorKind = "invalid_input"
	KindInvalidSchema ErrorKind = "invalid_schema"
	KindIntegrity     ErrorKind = "integrity"
	KindTransientIO   ErrorKind = "transient_io"
	KindPersistence   ErrorKind = "persistence"
)

// Error is a file-level ingestion failure.
type Error struct {
	Kind     ErrorKind
	FileName string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("ingest %s: %s: %v", e.FileName, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether a later attempt on the same file may succeed.
func (e *Error) Retryable() bool {
	return e.Kind == KindTransientIO || e.Kind == KindPersistence
}

func newError(kind ErrorKind, fileName string, err error) *Error {
	return &Error{Kind: kind, FileName: fileName, Err: err}
}

// KindOf returns the kind of an ingest error anywhere in err's chain, or "".
func KindOf(err error) ErrorKind {
	var ie *Error
	if errors.As(err, &ie) {
		return ie.Kind
	}
	return ""
}

// IsRetryable reports whether err is an ingest error worth retrying.
func IsRetryable(err error) bool {
	var ie *Error
	return errors.As(err, &ie) && ie.Retryable()
}

// SchemaError lists required columns absent from the header row.
type SchemaError struct {
	Missing []string
}

func (e *SchemaError) Error() string {
	return "missing required columns: " + strings.Join(e.Missing, ", ")
}
