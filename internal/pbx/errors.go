package pbx

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateAction is returned when registering an action name twice.
	ErrDuplicateAction = errors.New("action already registered")

	// ErrUnknownAction is returned when a priority names an action that is
	// not registered.
	ErrUnknownAction = errors.New("no such action")

	// ErrCallLimit is returned when the call gate refuses a new call.
	ErrCallLimit = errors.New("call refused")

	// ErrNoChannel is returned by channel functions evaluated outside a call.
	ErrNoChannel = errors.New("function requires a channel")

	// ErrShutdown is returned by Start once the engine is shutting down.
	ErrShutdown = errors.New("engine shutting down")
)

// DuplicateActionError names the colliding action.
type DuplicateActionError struct {
	Name   string
	Module string
}

func (e *DuplicateActionError) Error() string {
	return fmt.Sprintf("action %s already registered by %s", e.Name, e.Module)
}

func (e *DuplicateActionError) Is(target error) bool { return target == ErrDuplicateAction }

// CallLimitError reports which admission check refused a call.
type CallLimitError struct {
	Reason string
}

func (e *CallLimitError) Error() string { return "call refused: " + e.Reason }

func (e *CallLimitError) Is(target error) bool { return target == ErrCallLimit }
