package document

import (
	"errors"
	"fmt"
)

// ErrInvalidIndex is the sentinel kind for rollback indexes outside the history.
var ErrInvalidIndex = errors.New("invalid_index")

// OpError is a typed operation error with a stable Op + Kind contract for callers/tests.
type OpError struct {
	Op   string
	Kind error
	Msg  string
}

func (e OpError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %s", e.Op, e.Kind, e.Msg)
}

func (e OpError) Unwrap() error { return e.Kind }

func invalidIndex(op string, index, size int) error {
	return OpError{
		Op:   op,
		Kind: ErrInvalidIndex,
		Msg:  fmt.Sprintf("index %d outside [0,%d)", index, size),
	}
}

// IsInvalidIndex reports whether err represents ErrInvalidIndex.
func IsInvalidIndex(err error) bool { return errors.Is(err, ErrInvalidIndex) }
