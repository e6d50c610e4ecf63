package workflow

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrInvalidDefinition reports a structurally broken activity graph.
	ErrInvalidDefinition = errors.New("invalid workflow definition")
	// ErrMalformedDefinition reports portable definition text that cannot be read.
	ErrMalformedDefinition = errors.New("malformed workflow definition")
	// ErrMalformedInstance reports portable instance text that cannot be read.
	ErrMalformedInstance = errors.New("malformed workflow instance")
	// ErrUnknownType reports a type key missing from the registry.
	ErrUnknownType = errors.New("unknown type")
	// ErrActivityNotActive is returned when completing an activity outside the frontier.
	ErrActivityNotActive = errors.New("activity is not active")
	// ErrActivityNotFailed is returned when reactivating an activity that did not fail.
	ErrActivityNotFailed = errors.New("activity has not failed")
	// ErrActivityPanicked wraps a panic raised by an activity.
	ErrActivityPanicked = errors.New("activity panicked")
	// ErrConditionFailed wraps an error evaluating a transition condition.
	ErrConditionFailed = errors.New("transition condition failed")

	ErrDefinitionNotFound = errors.New("workflow definition not found")
	ErrInstanceNotFound   = errors.New("workflow instance not found")
	ErrActivityNotFound   = errors.New("activity not found")
)

// classified tags cause with a sentinel class. Both match errors.Is.
type classified struct {
	class error
	cause error
	msg   string
}

func (c *classified) Error() string {
	if c.msg == "" {
		return c.class.Error() + ": " + c.cause.Error()
	}
	return c.class.Error() + ": " + c.msg + ": " + c.cause.Error()
}

func (c *classified) Is(target error) bool { return target == c.class }

func (c *classified) Cause() error { return c.cause }

func (c *classified) Unwrap() error { return c.cause }

// classify returns cause tagged with class, with an optional message between.
func classify(class, cause error, format string, args ...interface{}) error {
	c := &classified{class: class, cause: cause}
	if format != "" {
		c.msg = fmt.Sprintf(format, args...)
	}
	return c
}
