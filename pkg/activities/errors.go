package activities

import (
	"errors"

	"github.com/dukex/nodeflow/pkg/models"
	"go.temporal.io/sdk/temporal"
)

// classify turns business, definition and script failures into
// non-retryable application errors tagged with their class. Timeouts keep
// their class but stay retryable; anything else is left for the retry policy.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var appErr *temporal.ApplicationError
	if errors.As(err, &appErr) {
		return err
	}

	if errorType := models.ErrorType(err); errorType != "" {
		return temporal.NewNonRetryableApplicationError(err.Error(), errorType, err)
	}

	if models.IsTimeoutError(err) {
		return temporal.NewApplicationErrorWithCause(err.Error(), "TimeoutError", err)
	}

	return err
}
