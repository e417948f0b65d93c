package metrics

import (
	"errors"

	"github.com/huangang/echoboard/internal/models"
)

// ResultLabel maps an operation error to a low-cardinality label value.
func ResultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case models.IsValidationError(err):
		return "validation"
	case errors.Is(err, models.ErrDuplicateMembership):
		return "duplicate"
	case errors.Is(err, models.ErrCapacityExceeded):
		return "capacity"
	case errors.Is(err, models.ErrInvalidStateTransition):
		return "invalid_transition"
	case errors.Is(err, models.ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}
