package soxfarm

import "fmt"

// Kind identifies which error taxonomy bucket an error belongs to, so the
// Integrator can decide fatal-vs-recoverable without string matching.
type Kind string

const (
	KindConfigError          Kind = "config_error"
	KindDirectoryUnavailable Kind = "directory_unavailable"
	KindDirectoryMalformed   Kind = "directory_malformed"
	KindSpawnError           Kind = "spawn_error"
	KindStartupTimeout       Kind = "startup_timeout"
	KindUnexpectedExit       Kind = "unexpected_exit"
	KindProbeFailure         Kind = "probe_failure"
	KindBackendDialError     Kind = "backend_dial_error"
	KindSocksNegotiation     Kind = "socks_negotiation_error"
	KindUpstreamTimeout      Kind = "upstream_timeout"
	KindListenerBind         Kind = "listener_bind_error"
	KindClientProtocol       Kind = "client_protocol_error"
)

// Error is a typed error carrying a Kind so component boundaries can surface
// failures as values instead of leaking unwind exceptions across packages.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Err: cause}
}

func newConfigError(msg string) *Error { return newError(KindConfigError, msg, nil) }

// ErrAllWorkersFailed is returned by PoolManager.Start when every worker in
// the pool failed to reach the ready state during the startup sequence.
// The Integrator maps this to exit code 2.
var ErrAllWorkersFailed = newError(KindUnexpectedExit, "all workers failed to start", nil)

// IsKind reports whether err is a *Error of the given Kind.
func IsKind(err error, kind Kind) bool {
	e, ok := err.(*Error)
	return ok && e.Kind == kind
}

// ExitCode maps a fatal startup error to the process exit code it should
// produce: nil maps to 0, ErrAllWorkersFailed to 2, a listener-bind error
// to 3, and every other error (config errors and anything untyped) to 1.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	e, ok := err.(*Error)
	if !ok {
		return 1
	}
	switch {
	case err == ErrAllWorkersFailed:
		return 2
	case e.Kind == KindConfigError:
		return 1
	case e.Kind == KindListenerBind:
		return 3
	default:
		return 1
	}
}
