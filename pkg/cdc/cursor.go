package cdc

import "fmt"

// Cursor is an opaque continuation token marking a resumable position in one
// mode's change feed. The zero value means no position has been captured yet.
type Cursor string

// IsZero reports whether the cursor has not been captured yet
func (c Cursor) IsZero() bool { return c == "" }

// StartKind enumerates where a feed iterator begins reading
type StartKind int

const (
	// StartKindNow begins after the latest change at open time
	StartKindNow StartKind = iota
	// StartKindBeginning begins at the oldest change the store still retains
	StartKindBeginning
	// StartKindContinuation resumes from a previously returned cursor
	StartKindContinuation
)

// StartPosition describes where an iterator starts reading
type StartPosition struct {
	Kind   StartKind
	Cursor Cursor
}

// StartNow starts from changes made after the iterator is opened
func StartNow() StartPosition { return StartPosition{Kind: StartKindNow} }

// StartBeginning starts from the oldest retained change
func StartBeginning() StartPosition { return StartPosition{Kind: StartKindBeginning} }

// StartFromContinuation resumes at a cursor returned by an earlier pull
func StartFromContinuation(c Cursor) StartPosition {
	return StartPosition{Kind: StartKindContinuation, Cursor: c}
}

// Validate rejects a continuation start without a cursor
func (p StartPosition) Validate() error {
	switch p.Kind {
	case StartKindNow, StartKindBeginning:
		return nil
	case StartKindContinuation:
		if p.Cursor.IsZero() {
			return fmt.Errorf("%w: continuation start without a cursor", ErrInvalidCursor)
		}
		return nil
	default:
		return fmt.Errorf("unknown start kind %d", p.Kind)
	}
}

func (p StartPosition) String() string {
	switch p.Kind {
	case StartKindNow:
		return "now"
	case StartKindBeginning:
		return "beginning"
	default:
		return "continuation(" + string(p.Cursor) + ")"
	}
}
