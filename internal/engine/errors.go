package engine

import (
	"errors"
	"fmt"
)

// ErrNotImplemented marks a handler operation the target service does not
// support. The synchronizer skips such targets without counting a failure.
var ErrNotImplemented = errors.New("handler action not implemented")

// ConfigError reports an invalid template or permission mapping. It is only
// produced while loading configuration and is fatal: the service refuses to
// start rather than run with a partial mapping table.
type ConfigError struct {
	Entry  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid sync configuration %q: %s", e.Entry, e.Reason)
}

// ResolutionError reports a template match or generate step that failed at
// runtime even though the configuration passed validation. It aborts only
// the mapping branch it occurred in.
type ResolutionError struct {
	Template string
	Reason   string
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolving %q: %s", e.Template, e.Reason)
}

// CommunicationError wraps a network or protocol failure talking to a
// service. It aborts only the target it occurred on; the event as a whole is
// reported as partially failed.
type CommunicationError struct {
	Service string
	Op      string
	Err     error
}

func (e *CommunicationError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Service, e.Op, e.Err)
}

func (e *CommunicationError) Unwrap() error { return e.Err }

// HandlerConfigError reports a handler that cannot resolve a resource at
// all, for example a missing workspace root. Treated like a communication
// failure when dispatching.
type HandlerConfigError struct {
	Service string
	Reason  string
}

func (e *HandlerConfigError) Error() string {
	return fmt.Sprintf("%s handler: %s", e.Service, e.Reason)
}

// isFailure reports whether a dispatch error counts against the event's
// composite status. Unsupported operations are benign.
func isFailure(err error) bool {
	return err != nil && !errors.Is(err, ErrNotImplemented)
}
