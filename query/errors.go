package query

import (
	"errors"
	"fmt"

	"github.com/INLOpen/nexusdb/catalog"
	"github.com/INLOpen/nexusdb/core"
)

// Kind classifies statement failures.
type Kind int

const (
	KindInternal Kind = iota
	KindTableNotFound
	KindColumnNotFound
	KindTypeMismatch
	KindArity
	KindDuplicateKey
	KindInvalidValue
	KindTableExists
)

func (k Kind) String() string {
	switch k {
	case KindTableNotFound:
		return "TableNotFound"
	case KindColumnNotFound:
		return "ColumnNotFound"
	case KindTypeMismatch:
		return "TypeMismatch"
	case KindArity:
		return "Arity"
	case KindDuplicateKey:
		return "DuplicateKey"
	case KindInvalidValue:
		return "InvalidValue"
	case KindTableExists:
		return "TableExists"
	default:
		return "Internal"
	}
}

// Error is returned for statements that are inconsistent with the catalog or
// the data. Storage failures are returned unwrapped.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of a *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var qe *Error
	if errors.As(err, &qe) {
		return qe.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries a *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var qe *Error
	return errors.As(err, &qe) && qe.Kind == kind
}

// classify converts catalog and value errors into *Error. Anything else is
// passed through untouched.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var qe *Error
	if errors.As(err, &qe) {
		return err
	}
	kind := KindInternal
	switch {
	case errors.Is(err, catalog.ErrTableNotFound):
		kind = KindTableNotFound
	case errors.Is(err, catalog.ErrTableExists):
		kind = KindTableExists
	case errors.Is(err, catalog.ErrArity):
		kind = KindArity
	case errors.Is(err, catalog.ErrInvalidValue), errors.Is(err, catalog.ErrInvalidSchema):
		kind = KindInvalidValue
	case core.IsTypeMismatch(err):
		kind = KindTypeMismatch
	case core.IsValidationError(err):
		kind = KindInvalidValue
	default:
		return err
	}
	return &Error{Kind: kind, Msg: err.Error(), Err: err}
}
