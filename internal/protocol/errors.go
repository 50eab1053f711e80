package protocol

import (
	"errors"
	"fmt"
)

// ErrorKind is the stable tag a client sees on every error reply. Kinds are
// part of the wire contract; renaming one is a breaking change.
type ErrorKind string

const (
	KindTransport ErrorKind = "transport_error"
	KindProtocol  ErrorKind = "protocol_error"
	KindExecution ErrorKind = "execution_error"
	KindTimeout   ErrorKind = "timeout_error"
	KindState     ErrorKind = "state_error"
	KindHook      ErrorKind = "hook_error"
	KindMigration ErrorKind = "migration_error"
	KindShutdown  ErrorKind = "shutdown_error"
)

// KernelError carries a kind tag and a human message across the wire.
// Traceback is populated only for script-raised errors.
type KernelError struct {
	Kind      ErrorKind
	Message   string
	Traceback []string
	Err       error
}

func (e *KernelError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *KernelError) Unwrap() error { return e.Err }

// ErrorContent renders the error as Jupyter error content, suitable for both
// an error reply and the iopub "error" broadcast.
func (e *KernelError) ErrorContent() map[string]interface{} {
	tb := e.Traceback
	if tb == nil {
		tb = []string{}
	}
	return map[string]interface{}{
		"status":    "error",
		"ename":     string(e.Kind),
		"evalue":    e.Message,
		"traceback": tb,
	}
}

// AsKernelError converts any error into a KernelError, defaulting the kind
// when the error is untyped.
func AsKernelError(err error, fallback ErrorKind) *KernelError {
	var ke *KernelError
	if errors.As(err, &ke) {
		return ke
	}
	return &KernelError{Kind: fallback, Message: err.Error(), Err: err}
}

// Errorf builds a tagged error.
func Errorf(kind ErrorKind, format string, args ...interface{}) *KernelError {
	return &KernelError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}
