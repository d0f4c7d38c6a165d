package testframework

import (
	"errors"
	"fmt"

	"github.com/ybbus/jsonrpc"
)

var (
	// ErrStart is returned when a daemon executable could not be launched.
	ErrStart = errors.New("daemon failed to start")

	// ErrTimeout is returned when a log pattern, predicate or condition did
	// not become true within its budget.
	ErrTimeout = errors.New("timeout")

	// ErrResourceExhausted is returned when no free port could be reserved.
	ErrResourceExhausted = errors.New("resource exhausted")

	// ErrUncleanExit is returned when a daemon exited with a non-zero code
	// and was not allowed to fail.
	ErrUncleanExit = errors.New("daemon did not exit cleanly")

	// ErrNotRunning is returned by Stop when the process was already reaped.
	ErrNotRunning = errors.New("process not running")

	// ErrTornDown is returned by a factory asked for a new instance after
	// its KillAll ran.
	ErrTornDown = errors.New("factory already torn down")
)

// RpcError is an application level error returned by a backend. Error returns
// the backend message unchanged so that tests can assert on it. Err is the
// backend's own error and stays reachable through errors.Is and errors.As.
type RpcError struct {
	Method  string
	Code    int
	Message string
	Err     error
}

func (e *RpcError) Error() string {
	return e.Message
}

func (e *RpcError) Unwrap() error {
	return e.Err
}

func newRpcError(method string, err *jsonrpc.RPCError) *RpcError {
	return &RpcError{
		Method:  method,
		Code:    err.Code,
		Message: err.Message,
		Err:     err,
	}
}

// IsRpcError reports whether err carries a backend RPC error whose message
// equals msg.
func IsRpcError(err error, msg string) bool {
	var rpcErr *RpcError
	if !errors.As(err, &rpcErr) {
		return false
	}
	return rpcErr.Message == msg
}

func timeoutErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrTimeout, fmt.Sprintf(format, args...))
}
