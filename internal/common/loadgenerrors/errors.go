// Package loadgenerrors contains the typed errors returned across the controller, the driver and their
// subprocess helpers. Callers classify an error chain with CategoryFromError rather than matching messages.
//
// If several errors occur during teardown, they are aggregated with github.com/hashicorp/go-multierror and
// wrapped in ErrCleanup.
package loadgenerrors

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

// ErrInvalidArgument is returned when a run or process is configured with a bad value.
// Message is optional and is omitted from the error message if not provided.
type ErrInvalidArgument struct {
	Name    string      // Name of the field referred to, e.g., "totalJobs"
	Value   interface{} // The invalid value that was provided
	Message string      // An optional message explaining why the value is invalid
}

func (err *ErrInvalidArgument) Error() string {
	if err.Message == "" {
		return fmt.Sprintf("value %q is invalid for field %q", fmt.Sprint(err.Value), err.Name)
	}
	return fmt.Sprintf("value %q is invalid for field %q; %s", fmt.Sprint(err.Value), err.Name, err.Message)
}

// ErrSubprocessNotFound is returned when a helper executable does not exist.
type ErrSubprocessNotFound struct {
	Path string
}

func (err *ErrSubprocessNotFound) Error() string {
	return fmt.Sprintf("executable %q not found", err.Path)
}

// ErrSubprocessLaunchFailed is returned when the OS refuses to start an executable that exists.
type ErrSubprocessLaunchFailed struct {
	Path  string
	Cause error
}

func (err *ErrSubprocessLaunchFailed) Error() string {
	return fmt.Sprintf("failed to launch %q: %v", err.Path, err.Cause)
}

func (err *ErrSubprocessLaunchFailed) Unwrap() error {
	return err.Cause
}

// ErrSelectionContractViolation is returned when the selection helper does not print both a queue and a job.
// Cause is set when the helper could not be run at all.
type ErrSelectionContractViolation struct {
	Got   []string
	Cause error
}

func (err *ErrSelectionContractViolation) Error() string {
	if err.Cause != nil {
		return fmt.Sprintf("selection helper failed: %v", err.Cause)
	}
	return fmt.Sprintf("selection helper returned %d tagged values, expected a queue and a job: %q", len(err.Got), err.Got)
}

func (err *ErrSelectionContractViolation) Unwrap() error {
	return err.Cause
}

// ErrControlChannelUnreachable is returned by the driver when it cannot connect to one of the controller's pipes.
type ErrControlChannelUnreachable struct {
	Pipe  string
	Cause error
}

func (err *ErrControlChannelUnreachable) Error() string {
	return fmt.Sprintf("control channel %q unreachable: %v", err.Pipe, err.Cause)
}

func (err *ErrControlChannelUnreachable) Unwrap() error {
	return err.Cause
}

// ErrDriverConnectFailed is returned by the controller when a spawned driver never connects to its pipe.
type ErrDriverConnectFailed struct {
	Pipe     string
	Attempts int
	Cause    error
}

func (err *ErrDriverConnectFailed) Error() string {
	return fmt.Sprintf("driver did not connect to pipe %q after %d attempts: %v", err.Pipe, err.Attempts, err.Cause)
}

func (err *ErrDriverConnectFailed) Unwrap() error {
	return err.Cause
}

// ErrRunInProgress is returned when a run is started while another is still active.
type ErrRunInProgress struct {
	RunId string
}

func (err *ErrRunInProgress) Error() string {
	return fmt.Sprintf("run %s is still in progress", err.RunId)
}

// ErrCleanup wraps failures while disposing of pipes or processes. These are logged, never fatal.
type ErrCleanup struct {
	Resource string
	Cause    error
}

func (err *ErrCleanup) Error() string {
	return fmt.Sprintf("failed to clean up %s: %v", err.Resource, err.Cause)
}

func (err *ErrCleanup) Unwrap() error {
	return err.Cause
}

type Category string

const (
	CategoryNone          Category = "none"
	CategoryConfiguration Category = "configuration"
	CategoryConnection    Category = "connection"
	CategorySubprocess    Category = "subprocess"
	CategoryCancellation  Category = "cancellation"
	CategoryCleanup       Category = "cleanup"
	CategoryUnknown       Category = "unknown"
)

// CategoryFromError maps an error chain onto the error taxonomy.
// Uses errors.As to look through the chain of errors, as opposed to just considering the topmost error in the chain.
func CategoryFromError(err error) Category {
	if err == nil {
		return CategoryNone
	}

	// Using {} scopes just to re-use the "e" variable name for each case.
	{
		var e *ErrInvalidArgument
		if errors.As(err, &e) {
			return CategoryConfiguration
		}
	}
	{
		var e *ErrRunInProgress
		if errors.As(err, &e) {
			return CategoryConfiguration
		}
	}
	{
		var e *ErrSubprocessNotFound
		if errors.As(err, &e) {
			return CategorySubprocess
		}
	}
	{
		var e *ErrSubprocessLaunchFailed
		if errors.As(err, &e) {
			return CategorySubprocess
		}
	}
	{
		var e *ErrSelectionContractViolation
		if errors.As(err, &e) {
			return CategorySubprocess
		}
	}
	{
		var e *ErrControlChannelUnreachable
		if errors.As(err, &e) {
			return CategoryConnection
		}
	}
	{
		var e *ErrDriverConnectFailed
		if errors.As(err, &e) {
			return CategoryConnection
		}
	}
	{
		var e *ErrCleanup
		if errors.As(err, &e) {
			return CategoryCleanup
		}
	}
	if errors.Is(err, context.Canceled) {
		return CategoryCancellation
	}
	return CategoryUnknown
}

// ExitCodeFromError returns the process exit code for err: 0 for success and for a cancelled run, 1 otherwise.
func ExitCodeFromError(err error) int {
	switch CategoryFromError(err) {
	case CategoryNone, CategoryCancellation:
		return 0
	default:
		return 1
	}
}
