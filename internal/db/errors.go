package db

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Kind categorizes an error so boundary adapters (HTTP handlers, the CLI)
// can map it to a transport response or exit code without inspecting
// driver internals.
type Kind int

const (
	KindUnknown Kind = iota
	KindConfig
	KindSignature
	KindNotFound
	KindConflict
	KindTransient
	KindPermanent
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindSignature:
		return "signature"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error wraps an underlying error with its category. Driver errors are
// classified once, at the gateway, and never leak upward raw.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds a categorized error from a format string.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the category from err, walking the wrap chain.
// A nil error has KindUnknown; an unclassified error is classified here.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return Classify(err).Kind
}

// IsNotFound reports whether err carries KindNotFound.
func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }

// IsTransient reports whether err carries KindTransient.
func IsTransient(err error) bool { return KindOf(err) == KindTransient }

// Postgres error codes the gateway cares about.
const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
	pgSerializationFail   = "40001"
	pgDeadlockDetected    = "40P01"
	pgLockNotAvailable    = "55P03"
	pgQueryCanceled       = "57014"
	pgTooManyConnections  = "53300"
)

// Classify maps a raw driver error to a categorized one. Already
// categorized errors pass through unchanged.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var de *Error
	if errors.As(err, &de) {
		return de
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return &Error{Kind: KindNotFound, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &Error{Kind: KindTransient, Err: err}
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			return &Error{Kind: KindConflict, Err: err}
		case pgForeignKeyViolation:
			return &Error{Kind: KindPermanent, Err: err}
		case pgSerializationFail, pgDeadlockDetected, pgLockNotAvailable,
			pgQueryCanceled, pgTooManyConnections:
			return &Error{Kind: KindTransient, Err: err}
		}
		// DDL and syntax failures abort; everything else is permanent.
		if len(pgErr.Code) >= 2 && pgErr.Code[:2] == "42" {
			return &Error{Kind: KindFatal, Err: err}
		}
		return &Error{Kind: KindPermanent, Err: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return &Error{Kind: KindTransient, Err: err}
	}
	if pgconn.SafeToRetry(err) {
		return &Error{Kind: KindTransient, Err: err}
	}
	return &Error{Kind: KindUnknown, Err: err}
}

// IsForeignKeyViolation reports whether err is a 23503, regardless of how
// deeply it is wrapped. The upserter uses this to trigger the parent
// backfill-and-retry path.
func IsForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation
}

// IsUniqueViolation reports whether err is a 23505.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
