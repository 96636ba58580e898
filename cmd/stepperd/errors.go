package main

import "fmt"

// ValidationError is returned to a caller whose request carried a missing or
// out-of-range parameter. State is never modified when one is returned.
type ValidationError struct {
	Param  string
	Reason string
}

func (e ValidationError) Error() string {
	if e.Param == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Param, e.Reason)
}

// TransientIOError wraps a failure talking to hardware, storage or the bus.
// These are logged and retried by the collaborator; they never alter actuator state.
type TransientIOError struct {
	Op  string
	Err error
}

func (e TransientIOError) Error() string { return e.Op + ": " + e.Err.Error() }

func (e TransientIOError) Unwrap() error { return e.Err }

// UnknownCommandError reports an unrecognized bus payload, request command or IPC type.
type UnknownCommandError struct {
	Command string
}

func (e UnknownCommandError) Error() string { return fmt.Sprintf("unknown command: %q", e.Command) }

// errNoDriver indicates the daemon was asked to execute an output command without a driver.
type errNoDriver struct{}

func (errNoDriver) Error() string { return "no output driver" }

type errUnknownEffect struct {
	cmd Command
}

func (e errUnknownEffect) Error() string { return "unknown command: " + e.cmd.String() }
