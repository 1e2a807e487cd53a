package dialplan

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicatePriority is returned when adding a priority that already
	// exists without asking for replacement.
	ErrDuplicatePriority = errors.New("duplicate priority")

	// ErrDuplicateLabel is returned when a label is already used by another
	// priority of the same extension.
	ErrDuplicateLabel = errors.New("duplicate label")

	// ErrNotFound is returned when a remove or lookup misses.
	ErrNotFound = errors.New("not found")

	// ErrDuplicate is returned when an include, ignore pattern or switch is
	// added twice.
	ErrDuplicate = errors.New("already exists")

	// ErrDeadlockAvoided is returned by TryFind when the dialplan lock could
	// not be taken within the retry budget.
	ErrDeadlockAvoided = errors.New("deadlock avoided")
)

// DuplicatePriorityError reports a priority collision in AddExtension.
type DuplicatePriorityError struct {
	Context  string
	Exten    string
	CID      string
	Priority int
}

func (e *DuplicatePriorityError) Error() string {
	if e.CID != "" {
		return fmt.Sprintf("duplicate priority %d for %s/%s@%s", e.Priority, e.Exten, e.CID, e.Context)
	}
	return fmt.Sprintf("duplicate priority %d for %s@%s", e.Priority, e.Exten, e.Context)
}

func (e *DuplicatePriorityError) Is(target error) bool { return target == ErrDuplicatePriority }

// NotFoundError reports what a remove was looking for. Empty fields were
// not part of the request.
type NotFoundError struct {
	Context  string
	Exten    string
	Priority int
	What     string
}

func (e *NotFoundError) Error() string {
	switch {
	case e.What != "":
		return fmt.Sprintf("%s not found in context %q", e.What, e.Context)
	case e.Exten == "":
		return fmt.Sprintf("context %q not found", e.Context)
	case e.Priority != 0:
		return fmt.Sprintf("priority %d of %s@%s not found", e.Priority, e.Exten, e.Context)
	}
	return fmt.Sprintf("extension %s@%s not found", e.Exten, e.Context)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }
