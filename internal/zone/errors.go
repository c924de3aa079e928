package zone

import (
	"context"
	"errors"

	"mediazones/internal/command"
	"mediazones/internal/engine"
)

// mapEngineError classifies an engine session error into the command
// error taxonomy.
func mapEngineError(err error) command.ErrorCode {
	switch {
	case errors.Is(err, engine.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return command.ErrorCodeTimeout
	case errors.Is(err, engine.ErrNotReady), errors.Is(err, engine.ErrConnClosed):
		return command.ErrorCodeSubsystemUnavailable
	default:
		return command.ErrorCodePlayError
	}
}
