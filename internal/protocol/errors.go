package protocol

import (
	"context"
	"errors"
	"fmt"

	"github.com/poppobuilder/poppo/internal/ownership"
	"github.com/poppobuilder/poppo/internal/resource"
	"github.com/poppobuilder/poppo/internal/store"
	"github.com/poppobuilder/poppo/internal/task"
)

// Protocol-level error kinds. Handlers may also return any domain error;
// ErrorCode maps either to the stable wire code.
var (
	ErrUnknownCommand = errors.New("unknown command")
	ErrInvalidArgs    = errors.New("invalid arguments")
	ErrTimeout        = errors.New("request timed out")
	ErrAuthRequired   = errors.New("authentication required")
)

// InvalidArgsf builds an ErrInvalidArgs with detail.
func InvalidArgsf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgs, fmt.Sprintf(format, args...))
}

// ErrorCode maps an error to its stable wire code. Codes are part of the
// external interface; clients dispatch on them.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrUnknownCommand):
		return "UnknownCommand"
	case errors.Is(err, ErrInvalidArgs):
		return "InvalidArgs"
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "Timeout"
	case errors.Is(err, ErrAuthRequired):
		return "AuthRequired"
	case errors.Is(err, store.ErrUnavailable):
		return "Unavailable"
	case errors.Is(err, store.ErrTxConflict):
		return "TransactionConflict"
	case errors.Is(err, ownership.ErrConflict):
		return "ConflictError"
	case errors.Is(err, ownership.ErrNotOwner):
		return "NotOwner"
	case errors.Is(err, ownership.ErrLockTimeout):
		return "LockTimeout"
	case errors.Is(err, ownership.ErrInvalidTransition), errors.Is(err, task.ErrInvalidTransition):
		return "InvalidTransition"
	case errors.Is(err, resource.ErrConcurrentLimit):
		return "ConcurrentLimit"
	case errors.Is(err, resource.ErrCPUExceeded):
		return "CpuExceeded"
	case errors.Is(err, resource.ErrMemoryExceeded):
		return "MemoryExceeded"
	case errors.Is(err, resource.ErrSystemResources):
		return "SystemResources"
	case errors.Is(err, resource.ErrQuota):
		return "QuotaError"
	default:
		return "Internal"
	}
}
